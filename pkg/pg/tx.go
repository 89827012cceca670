package pg

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgx operations shared by *pgxpool.Pool and pgx.Tx.
// Stores accept a Querier so the same code runs standalone or inside a
// surrounding transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise. Rollback after a failed fn is best-effort; the fn error wins.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// AcquireTenantLock takes a transaction-scoped advisory lock keyed on the
// tenant id. All subscription/quota mutations for one tenant serialize on
// this lock while different tenants proceed independently. The lock releases
// automatically at commit or rollback.
func AcquireTenantLock(ctx context.Context, tx pgx.Tx, tenantID uuid.UUID) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, tenantLockKey(tenantID)); err != nil {
		return fmt.Errorf("acquire tenant advisory lock: %w", err)
	}
	return nil
}

// tenantLockKey folds a UUID into the signed 64-bit key space advisory locks
// require. Collisions between tenants only cost extra serialization, never
// correctness.
func tenantLockKey(tenantID uuid.UUID) int64 {
	b := tenantID[:]
	var key uint64
	for i := range 8 {
		key = key<<8 | uint64(b[i]^b[i+8])
	}
	return int64(key)
}
