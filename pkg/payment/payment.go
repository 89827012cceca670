// Package payment keeps the append-only ledger of charge attempts. Rows are
// never deleted; a transaction's status may only move pending -> succeeded or
// pending -> failed.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/campaignforge/billing/pkg/pg"
	"github.com/campaignforge/billing/pkg/plan"
)

// TxnStatus is the charge attempt state.
type TxnStatus string

const (
	TxnPending   TxnStatus = "pending"
	TxnSucceeded TxnStatus = "succeeded"
	TxnFailed    TxnStatus = "failed"
)

// Transaction is one charge attempt tied to a tenant and customer, and
// optionally a subscription.
type Transaction struct {
	ID             uuid.UUID  `json:"id"`
	TenantID       uuid.UUID  `json:"tenant_id"`
	CustomerID     uuid.UUID  `json:"customer_id"`
	SubscriptionID *uuid.UUID `json:"subscription_id,omitempty"`
	ProviderTxnID  string     `json:"provider_txn_id"`
	Amount         plan.Money `json:"amount"`
	Status         TxnStatus  `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

var (
	ErrNotFound = errors.New("payment transaction not found")
	// ErrAlreadyRecorded is returned when recording a provider transaction
	// id the ledger already holds.
	ErrAlreadyRecorded = errors.New("payment transaction already recorded")
	// ErrFinalized is returned when marking a transaction that already left
	// the pending state.
	ErrFinalized = errors.New("payment transaction already finalized")
)

// Store persists the ledger. Accepts a pg.Querier so writes participate in
// the reconciler's per-event transaction.
type Store struct {
	q pg.Querier
}

func NewStore(q pg.Querier) *Store {
	return &Store{q: q}
}

// WithQuerier rebinds the store to a transaction.
func (s *Store) WithQuerier(q pg.Querier) *Store {
	return &Store{q: q}
}

// Record appends a new charge attempt. Recording the same provider txn id
// twice returns ErrAlreadyRecorded.
func (s *Store) Record(ctx context.Context, txn *Transaction) error {
	if txn.Status == "" {
		txn.Status = TxnPending
	}
	err := s.q.QueryRow(ctx, `
		INSERT INTO payment_transactions
			(id, tenant_id, customer_id, subscription_id, provider_txn_id, amount, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		txn.ID, txn.TenantID, txn.CustomerID, txn.SubscriptionID,
		txn.ProviderTxnID, txn.Amount.Amount, txn.Amount.Currency, txn.Status,
	).Scan(&txn.CreatedAt, &txn.UpdatedAt)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyRecorded, txn.ProviderTxnID)
		}
		return fmt.Errorf("record payment transaction: %w", err)
	}
	return nil
}

// MarkSucceeded finalizes a pending transaction as succeeded.
func (s *Store) MarkSucceeded(ctx context.Context, providerTxnID string) error {
	return s.finalize(ctx, providerTxnID, TxnSucceeded)
}

// MarkFailed finalizes a pending transaction as failed.
func (s *Store) MarkFailed(ctx context.Context, providerTxnID string) error {
	return s.finalize(ctx, providerTxnID, TxnFailed)
}

func (s *Store) finalize(ctx context.Context, providerTxnID string, status TxnStatus) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE payment_transactions SET status = $1, updated_at = now()
		WHERE provider_txn_id = $2 AND status = $3`,
		status, providerTxnID, TxnPending)
	if err != nil {
		return fmt.Errorf("finalize payment transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish missing from already-finalized for caller logging.
		var existing TxnStatus
		err := s.q.QueryRow(ctx, `
			SELECT status FROM payment_transactions WHERE provider_txn_id = $1`,
			providerTxnID).Scan(&existing)
		if err != nil {
			if pg.IsNotFoundError(err) {
				return ErrNotFound
			}
			return fmt.Errorf("look up payment transaction: %w", err)
		}
		if existing == status {
			// Same terminal state twice is an idempotent replay.
			return nil
		}
		return ErrFinalized
	}
	return nil
}

// ListByTenant returns the tenant's transactions, newest first.
func (s *Store) ListByTenant(ctx context.Context, tenantID uuid.UUID, limit int) ([]Transaction, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, tenant_id, customer_id, subscription_id, provider_txn_id,
		       amount, currency, status, created_at, updated_at
		FROM payment_transactions
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list payment transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.TenantID, &t.CustomerID, &t.SubscriptionID,
			&t.ProviderTxnID, &t.Amount.Amount, &t.Amount.Currency, &t.Status,
			&t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan payment transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
