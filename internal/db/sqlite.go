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
	busyTimeout = 5 * time.Second

	// readerConns bounds the read side. WAL allows many readers next to the
	// single writer; four covers the socket handlers plus the schedulers.
	readerConns = 4
)

// OpenSQLite opens the write side: one connection, WAL journaling, foreign
// keys on. The file and its directory are created when missing.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	path, err := prepareSQLitePath(dbPath)
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		path, busyTimeout.Milliseconds())
	handle, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	handle.SetMaxOpenConns(1)
	handle.SetMaxIdleConns(1)
	return handle, nil
}

// OpenSQLiteReader opens the read side: a small pool of read-only
// connections. Journal mode is database-level state the writer already set.
func OpenSQLiteReader(dbPath string) (*sql.DB, error) {
	path, err := absSQLitePath(dbPath)
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		path, busyTimeout.Milliseconds())
	handle, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	handle.SetMaxOpenConns(readerConns)
	handle.SetMaxIdleConns(readerConns)
	return handle, nil
}

// prepareSQLitePath resolves the path and makes sure the file exists, so the
// read-only side can open it immediately after.
func prepareSQLitePath(dbPath string) (string, error) {
	path, err := absSQLitePath(dbPath)
	if err != nil {
		return "", err
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create database directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", fmt.Errorf("create database file: %w", err)
	}
	return path, f.Close()
}

func absSQLitePath(dbPath string) (string, error) {
	if dbPath == "" {
		return "", fmt.Errorf("sqlite path is empty")
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath, nil
	}
	return abs, nil
}
