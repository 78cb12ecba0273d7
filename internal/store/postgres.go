package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// PostgreSQL error codes
const (
	pgErrUniqueViolation = "23505" // unique_violation
)

// NewPostgresStore connects to PostgreSQL through a pgx pool, applies the
// schema and returns a ready-to-use store.
func NewPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	st, err := newSQLStore(ctx, stdlib.OpenDBFromPool(pool), dialect{
		name:        "postgres",
		numbered:    true,
		isDuplicate: isPostgresDuplicate,
	})
	if err != nil {
		pool.Close()
		return nil, err
	}
	// The sql.DB view does not own the pool.
	st.onClose = pool.Close
	return st, nil
}

// isPostgresDuplicate checks if err is a unique constraint violation.
func isPostgresDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}
	return false
}
