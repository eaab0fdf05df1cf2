// Package persistence opens the task database and hands repositories a
// reader/writer pool. SQLite serves single-node deployments, PostgreSQL the
// multi-replica ones.
package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/weibocom/agentflow/internal/common/config"
	"github.com/weibocom/agentflow/internal/common/logger"
	"github.com/weibocom/agentflow/internal/db"
	"github.com/weibocom/agentflow/internal/db/dialect"
)

// Provide opens the configured database and returns the pool plus a cleanup.
func Provide(cfg config.DatabaseConfig, log *logger.Logger) (*db.Pool, func() error, error) {
	switch cfg.Driver {
	case "sqlite":
		return provideSQLite(cfg, log)
	case "postgres":
		return providePostgres(cfg, log)
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

func provideSQLite(cfg config.DatabaseConfig, log *logger.Logger) (*db.Pool, func() error, error) {
	path := expandHome(cfg.Path)

	writer, err := db.OpenSQLite(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite writer: %w", err)
	}
	reader, err := db.OpenSQLiteReader(path)
	if err != nil {
		_ = writer.Close()
		return nil, nil, fmt.Errorf("open sqlite reader: %w", err)
	}

	pool := db.NewPool(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3))
	log.Info("database initialized",
		zap.String("driver", "sqlite"), zap.String("path", path))

	cleanup := func() error {
		// refresh query planner statistics before closing; the
		// SQLite-recommended lightweight maintenance call
		_, _ = writer.Exec("PRAGMA optimize")
		return pool.Close()
	}
	return pool, cleanup, nil
}

func providePostgres(cfg config.DatabaseConfig, log *logger.Logger) (*db.Pool, func() error, error) {
	conn, err := db.OpenPostgres(cfg.DSN(), cfg.MaxConns)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	dbx := sqlx.NewDb(conn, dialect.PGX)
	// pgx pools internally; reads and writes share one handle
	pool := db.NewPool(dbx, dbx)
	log.Info("database initialized",
		zap.String("driver", "postgres"),
		zap.String("host", cfg.Host),
		zap.String("dbname", cfg.DBName))
	return pool, pool.Close, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
