package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteBusyTimeout = 5 * time.Second

	// WAL mode lets several readers run beside the single writer.
	sqliteReaderConns = 4
)

// sqliteDSN builds a file DSN with the pragmas every Trinity connection
// needs: foreign keys on, a busy timeout instead of instant SQLITE_BUSY,
// and a shared page cache. The mode decides read-write versus read-only.
func sqliteDSN(path, mode string, extra string) string {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=%s&_busy_timeout=%d&_cache=shared",
		path, mode, int(sqliteBusyTimeout/time.Millisecond))
	return dsn + extra
}

// openSQLiteWriter opens the single write connection. Journal mode and
// synchronous level are database-wide, so only the writer sets them.
func openSQLiteWriter(path string) (*sql.DB, error) {
	path = absSQLitePath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("prepare database dir: %w", err)
	}

	conn, err := sql.Open("sqlite3",
		sqliteDSN(path, "rwc", "&_journal_mode=WAL&_synchronous=NORMAL"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serializes writes; contention waits on the busy
	// timeout instead of failing.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	// Force the file into existence so the read-only side can open it.
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	return conn, nil
}

// openSQLiteReader opens the read-only side with a small pool of
// concurrent connections.
func openSQLiteReader(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", sqliteDSN(absSQLitePath(path), "ro", ""))
	if err != nil {
		return nil, fmt.Errorf("open read-only database: %w", err)
	}
	conn.SetMaxOpenConns(sqliteReaderConns)
	conn.SetMaxIdleConns(sqliteReaderConns)
	return conn, nil
}

func absSQLitePath(path string) string {
	if path == "" {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
