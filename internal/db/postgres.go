package db

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// OpenPostgres opens a PostgreSQL handle through the pgx stdlib driver and
// verifies connectivity. maxConns <= 0 falls back to 25.
func OpenPostgres(dsn string, maxConns int) (*sql.DB, error) {
	handle, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}
	handle.SetMaxOpenConns(maxConns)
	handle.SetMaxIdleConns(maxConns / 5)

	if err := handle.Ping(); err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return handle, nil
}
