package db

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Querier is the common query surface of *pgxpool.Pool and pgx.Tx.
// Components accept a Querier so the same code runs inside or outside a
// transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store owns the connection pool. Components receive a *Store by reference
// and never keep their own pool handle.
type Store struct {
	Pool *pgxpool.Pool

	colMu    sync.Mutex
	colCache map[string]bool
}

// NewStore wraps an open pool
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool, colCache: make(map[string]bool)}
}

// Tx runs fn inside a transaction. Commit on nil return, rollback otherwise;
// all queries through the handed-in tx share one connection.
func (s *Store) Tx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// LockKey hashes a string key into the 64-bit advisory lock key space
func LockKey(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

// WithLock serializes all holders of key across processes via a session-level
// advisory lock. The lock lives on a dedicated connection and is released on
// every exit path, including cancellation and panics, when the connection is
// returned to the pool.
func (s *Store) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	conn, err := s.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn for lock %q: %w", key, err)
	}
	defer conn.Release()

	id := LockKey(key)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, id); err != nil {
		return fmt.Errorf("advisory lock %q: %w", key, err)
	}
	defer func() {
		// Background context: the unlock must run even when ctx is cancelled.
		// If it fails the session is destroyed on release and the lock dies
		// with it.
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, id); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("advisory unlock failed, dropping connection")
			conn.Conn().Close(context.Background())
		}
	}()

	return fn(ctx)
}

// ColumnExists reports whether table.column exists, consulting the schema
// catalog once per (table, column) for the process lifetime.
func (s *Store) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	cacheKey := table + "." + column

	s.colMu.Lock()
	if v, ok := s.colCache[cacheKey]; ok {
		s.colMu.Unlock()
		return v, nil
	}
	s.colMu.Unlock()

	var exists bool
	err := s.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_name = $1 AND column_name = $2
		)
	`, table, column).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("column introspection %s: %w", cacheKey, err)
	}

	s.colMu.Lock()
	s.colCache[cacheKey] = exists
	s.colMu.Unlock()
	return exists, nil
}

// IsUniqueViolation reports whether err is a unique-constraint violation
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
