package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/campaignforge/billing/pkg/pg"
)

var (
	ErrNotFound      = errors.New("subscription not found")
	ErrInvalidPeriod = errors.New("subscription period start must not be after period end")
)

// Store persists subscriptions. Handed a pg.Querier so the reconciler can run
// every operation inside its per-event transaction.
type Store struct {
	q pg.Querier
}

// NewStore creates a subscription store over a pool or transaction.
func NewStore(q pg.Querier) *Store {
	return &Store{q: q}
}

// WithQuerier rebinds the store to a transaction.
func (s *Store) WithQuerier(q pg.Querier) *Store {
	return &Store{q: q}
}

// Get loads a subscription by id, scoped to the tenant.
func (s *Store) Get(ctx context.Context, tenantID, id uuid.UUID) (*Subscription, error) {
	return s.scan(ctx, `
		SELECT id, tenant_id, plan_id, provider_sub_id, status,
		       current_period_start, current_period_end, cancel_at_period_end,
		       created_at, updated_at
		FROM subscriptions WHERE id = $1 AND tenant_id = $2`, id, tenantID)
}

// GetByProviderID resolves a processor subscription id to the local row.
func (s *Store) GetByProviderID(ctx context.Context, providerSubID string) (*Subscription, error) {
	return s.scan(ctx, `
		SELECT id, tenant_id, plan_id, provider_sub_id, status,
		       current_period_start, current_period_end, cancel_at_period_end,
		       created_at, updated_at
		FROM subscriptions WHERE provider_sub_id = $1`, providerSubID)
}

// Create inserts a new subscription row. A processor-reported brand-new
// subscription id always lands as a new row; an existing row is never
// mutated into a different subscription in place.
func (s *Store) Create(ctx context.Context, sub *Subscription) error {
	if sub.CurrentPeriodStart.After(sub.CurrentPeriodEnd) {
		return ErrInvalidPeriod
	}
	err := s.q.QueryRow(ctx, `
		INSERT INTO subscriptions (id, tenant_id, plan_id, provider_sub_id, status,
		                           current_period_start, current_period_end, cancel_at_period_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		sub.ID, sub.TenantID, sub.PlanID, sub.ProviderSubID, sub.Status,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

// SupersedeUsable cancels any trialing or active subscription the tenant
// still holds. Called before inserting a replacement row so the
// one-usable-per-tenant index admits the newcomer. Both usable statuses
// transition to canceled legally, so the lifecycle table is not consulted
// per row.
func (s *Store) SupersedeUsable(ctx context.Context, tenantID uuid.UUID) error {
	if _, err := s.q.Exec(ctx, `
		UPDATE subscriptions SET status = $1, updated_at = now()
		WHERE tenant_id = $2 AND status IN ($3, $4)`,
		StatusCanceled, tenantID, StatusTrialing, StatusActive); err != nil {
		return fmt.Errorf("supersede usable subscriptions: %w", err)
	}
	return nil
}

// UpdateStatus validates the transition against the lifecycle table and
// persists the new status.
func (s *Store) UpdateStatus(ctx context.Context, sub *Subscription, to Status) error {
	next, err := Transition(sub.Status, to)
	if err != nil {
		return err
	}
	tag, err := s.q.Exec(ctx, `
		UPDATE subscriptions SET status = $1, updated_at = now() WHERE id = $2`,
		next, sub.ID)
	if err != nil {
		return fmt.Errorf("update subscription status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	sub.Status = next
	return nil
}

// UpdatePeriod advances the billing period boundaries.
func (s *Store) UpdatePeriod(ctx context.Context, sub *Subscription, start, end time.Time) error {
	if start.After(end) {
		return ErrInvalidPeriod
	}
	tag, err := s.q.Exec(ctx, `
		UPDATE subscriptions
		SET current_period_start = $1, current_period_end = $2, updated_at = now()
		WHERE id = $3`, start, end, sub.ID)
	if err != nil {
		return fmt.Errorf("update subscription period: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	sub.CurrentPeriodStart = start
	sub.CurrentPeriodEnd = end
	return nil
}

// LinkProvider records the confirmed processor subscription id.
func (s *Store) LinkProvider(ctx context.Context, sub *Subscription, providerSubID string) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE subscriptions SET provider_sub_id = $1, updated_at = now() WHERE id = $2`,
		providerSubID, sub.ID)
	if err != nil {
		return fmt.Errorf("link subscription provider id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	sub.ProviderSubID = &providerSubID
	return nil
}

// SetCancelAtPeriodEnd flags the subscription for cancellation when the
// period ends. Status itself only flips to canceled once the processor
// confirms with its own event.
func (s *Store) SetCancelAtPeriodEnd(ctx context.Context, sub *Subscription, cancel bool) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE subscriptions SET cancel_at_period_end = $1, updated_at = now() WHERE id = $2`,
		cancel, sub.ID)
	if err != nil {
		return fmt.Errorf("set cancel_at_period_end: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	sub.CancelAtPeriodEnd = cancel
	return nil
}

func (s *Store) scan(ctx context.Context, sql string, args ...any) (*Subscription, error) {
	var sub Subscription
	err := s.q.QueryRow(ctx, sql, args...).Scan(
		&sub.ID, &sub.TenantID, &sub.PlanID, &sub.ProviderSubID, &sub.Status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
		&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	return &sub, nil
}
