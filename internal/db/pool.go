// Package db opens the task database and splits it into a single-writer,
// multi-reader pool. SQLite needs the split to stay responsive under WAL;
// postgres runs both roles over one pgx-pooled handle.
package db

import "github.com/jmoiron/sqlx"

// Pool hands out the right connection for the statement kind.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool wraps writer and reader handles. They may be the same *sqlx.DB.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer serves INSERT, UPDATE, DELETE and transactions. On SQLite it is
// pinned to one connection so writes never hit SQLITE_BUSY against each
// other.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader serves SELECTs. On SQLite these are read-only connections running
// against WAL snapshots, concurrent with the writer.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both handles, once when they are shared.
func (p *Pool) Close() error {
	err := p.writer.Close()
	if p.reader == p.writer {
		return err
	}
	if rErr := p.reader.Close(); err == nil {
		err = rErr
	}
	return err
}
