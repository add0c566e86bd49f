// Package persistence wires the configured database into a connection pool
// shared by every store.
package persistence

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/trinity/trinity/internal/common/config"
	"github.com/trinity/trinity/internal/common/logger"
	"github.com/trinity/trinity/internal/db"
	"github.com/trinity/trinity/internal/db/dialect"
)

// Provide creates the database pool used by the stores.
func Provide(cfg *config.Config, log *logger.Logger) (*db.Pool, func() error, error) {
	pool, err := db.Open(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	if log != nil {
		log.Info("database initialized",
			zap.String("db_driver", cfg.Database.Driver),
			zap.String("db_path", cfg.Database.Path))
	}

	cleanup := func() error {
		if pool.Writer().DriverName() == dialect.SQLite3 {
			// Run PRAGMA optimize before closing to update query planner
			// statistics for tables that need it. This is the SQLite-recommended
			// way to maintain stats.
			_, _ = pool.Writer().Exec("PRAGMA optimize")
		}
		return pool.Close()
	}
	return pool, cleanup, nil
}
