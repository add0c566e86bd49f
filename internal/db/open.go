// Package db opens the control-plane database and hands stores a pool
// split into a write side and a read side.
package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/trinity/trinity/internal/common/config"
	"github.com/trinity/trinity/internal/db/dialect"
)

// Pool pairs a writer connection with a reader connection. On SQLite the
// writer is a single connection and the readers run concurrently against
// WAL snapshots; on Postgres both sides are the same pgx pool.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Writer is the side for INSERT, UPDATE, DELETE, and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader is the side for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both sides. The two may be the same pool, in which case it
// is closed once.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

// Open builds the connection pool for the configured database driver.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	switch cfg.Driver {
	case "sqlite":
		writer, err := openSQLiteWriter(cfg.Path)
		if err != nil {
			return nil, err
		}
		reader, err := openSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return &Pool{
			writer: sqlx.NewDb(writer, dialect.SQLite3),
			reader: sqlx.NewDb(reader, dialect.SQLite3),
		}, nil
	case "postgres":
		conn, err := OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		pg := sqlx.NewDb(conn, dialect.PGX)
		return &Pool{writer: pg, reader: pg}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}
