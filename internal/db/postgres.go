// Package db opens the shared Postgres store used for cookie revocation,
// named-user licensing, and audit records.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrPoolUnavailable is returned when a pooled connection cannot be acquired
// within the configured timeout. Callers treat it as "service temporarily
// unavailable", never as a fatal condition.
var ErrPoolUnavailable = errors.New("database connection pool unavailable")

// AcquireTimeout bounds how long callers wait for a pooled connection. The
// request path must never block indefinitely on a pool slot.
const AcquireTimeout = 5 * time.Second

// Open opens a Postgres connection pool using the given DSN. Caller must call
// Close when done.
func Open(dsn string) (*sql.DB, error) {
	pool, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	pool.SetMaxOpenConns(16)
	pool.SetMaxIdleConns(4)
	pool.SetConnMaxIdleTime(5 * time.Minute)
	if err := pool.Ping(); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return pool, nil
}

// Acquire checks out one connection with a bounded wait. A timeout or pool
// exhaustion maps to ErrPoolUnavailable; the caller decides whether that
// degrades the operation or defers it.
func Acquire(ctx context.Context, pool *sql.DB) (*sql.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, AcquireTimeout)
	defer cancel()
	conn, err := pool.Conn(acquireCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrPoolUnavailable, err)
		}
		return nil, err
	}
	return conn, nil
}
