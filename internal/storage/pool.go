// Package storage provides the PostgreSQL storage layer for BugSpotter.
//
// It manages connection pooling via pgxpool, a transactional façade that
// exposes the same repository surface inside a transaction, typed constraint
// errors, identifier and pagination validation, and read-path retry for
// transient connection failures.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the subset of pgx operations shared by *pgxpool.Pool and pgx.Tx.
// Repositories run against it so the same methods work inside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PoolConfig holds connection pool tuning.
type PoolConfig struct {
	MinConns       int
	MaxConns       int
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	QueryTimeout   time.Duration
}

// DB wraps a pgxpool.Pool and the repository surface.
type DB struct {
	pool         *pgxpool.Pool
	q            querier
	logger       *slog.Logger
	queryTimeout time.Duration
}

// New creates a DB with a configured connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, pc PoolConfig, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}
	if pc.MinConns > 0 {
		poolCfg.MinConns = int32(pc.MinConns)
	}
	if pc.MaxConns > 0 {
		poolCfg.MaxConns = int32(pc.MaxConns)
	}
	if pc.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = pc.ConnectTimeout
	}
	if pc.IdleTimeout > 0 {
		poolCfg.MaxConnIdleTime = pc.IdleTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	qt := pc.QueryTimeout
	if qt <= 0 {
		qt = 10 * time.Second
	}

	return &DB{pool: pool, q: pool, logger: logger, queryTimeout: qt}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// opCtx bounds a single query by the configured query timeout unless the
// caller's context already carries an earlier deadline.
func (db *DB) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, db.queryTimeout)
}

// WithTx runs fn inside a transaction. The *DB passed to fn exposes the full
// repository surface bound to the transaction; it commits when fn returns nil
// and rolls back on error or panic. Transactions hold a pool connection for
// their full duration — keep fn short.
func (db *DB) WithTx(ctx context.Context, fn func(tx *DB) error) error {
	pgtx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", classify(err))
	}
	defer func() { _ = pgtx.Rollback(ctx) }()

	txDB := &DB{pool: db.pool, q: pgtx, logger: db.logger, queryTimeout: db.queryTimeout}
	if err := fn(txDB); err != nil {
		return err
	}

	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit tx: %w", classify(err))
	}
	return nil
}

// TryAdvisoryLock attempts to take a session advisory lock on a dedicated
// pool connection. On success it returns a release function that unlocks and
// returns the connection; callers must always invoke it. ok=false means
// another holder has the lock.
func (db *DB) TryAdvisoryLock(ctx context.Context, key int64) (release func(), ok bool, err error) {
	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("storage: acquire conn for advisory lock: %w", classify(err))
	}

	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("storage: try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	release = func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, key); err != nil {
			db.logger.Warn("storage: advisory unlock failed", "key", key, "error", err)
		}
		conn.Release()
	}
	return release, true, nil
}
