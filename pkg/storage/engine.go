// Package storage owns the embedded relational file the queue is
// persisted to: opening it with the right pragmas, keeping its schema
// current, and exposing transactions that the repository and scheduler
// build on top of.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cuemby/queued/pkg/types"
	_ "modernc.org/sqlite"
)

// Engine wraps a *sql.DB pointed at a single SQLite file, configured
// for the queue's access pattern: one writer, many readers, short
// transactions.
type Engine struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database file at path,
// applies the required pragmas, and brings the schema up to date.
func Open(path string) (*Engine, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", types.ErrStorageUnavailable, path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: applying %q: %v", types.ErrStorageUnavailable, pragma, err)
		}
	}

	// Writer exclusivity comes from SQLite's own reserved lock
	// (BEGIN IMMEDIATE in RunInTransaction), not from the Go pool, so
	// the pool can stay open for concurrent readers: WAL mode lets
	// stats/get_task/list_tasks run against the file while a write
	// transaction holds the lock. A small cap just bounds how many
	// connections pile up waiting on busy_timeout under load.
	db.SetMaxOpenConns(8)

	e := &Engine{db: db}
	if err := e.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return e, nil
}

// DB exposes the underlying *sql.DB for read-only queries (stats,
// get_task, list_tasks) that don't need transactional semantics.
func (e *Engine) DB() *sql.DB {
	return e.db
}

// Close releases the underlying connection.
func (e *Engine) Close() error {
	return e.db.Close()
}

// Querier is satisfied by both *sql.Tx and *sql.DB; repository methods
// that can run standalone or inside RunInTransaction accept this.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// RunInTransaction runs fn inside a BEGIN IMMEDIATE transaction,
// committing on success and rolling back on any error or panic.
// BEGIN IMMEDIATE acquires SQLite's reserved lock up front rather than
// on the first write statement, so a concurrent writer fails fast with
// SQLITE_BUSY (retried internally via busy_timeout) instead of the two
// transactions deadlocking against each other mid-write.
func (e *Engine) RunInTransaction(ctx context.Context, fn func(tx Querier) error) error {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("%w: acquiring connection: %v", types.ErrStorageUnavailable, err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("%w: beginning transaction: %v", types.ErrStorageUnavailable, err)
	}

	defer func() {
		if p := recover(); p != nil {
			conn.ExecContext(ctx, "ROLLBACK")
			panic(p)
		}
	}()

	if err := fn(conn); err != nil {
		conn.ExecContext(ctx, "ROLLBACK")
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("%w: committing transaction: %v", types.ErrStorageUnavailable, err)
	}
	return nil
}
