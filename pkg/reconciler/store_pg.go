package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/campaignforge/billing/pkg/payment"
	"github.com/campaignforge/billing/pkg/pg"
	"github.com/campaignforge/billing/pkg/quota"
	"github.com/campaignforge/billing/pkg/subscription"
	"github.com/campaignforge/billing/pkg/tenant"
)

// PGStore implements Store over postgres. Each InTenantTx opens one
// transaction, takes the tenant's advisory lock, and hands fn storage
// handles rebound to that transaction.
type PGStore struct {
	pool     *pgxpool.Pool
	tenants  *tenant.Store
	subs     *subscription.Store
	payments *payment.Store
	counters *quota.PGCounterStore
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	if pool == nil {
		panic("reconciler: pgx pool is required")
	}
	return &PGStore{
		pool:     pool,
		tenants:  tenant.NewStore(pool),
		subs:     subscription.NewStore(pool),
		payments: payment.NewStore(pool),
		counters: quota.NewPGCounterStore(pool),
	}
}

func (s *PGStore) GetCustomerByProviderID(ctx context.Context, providerCustomerID string) (*tenant.Customer, error) {
	return s.tenants.Unscoped().GetCustomerByProviderID(ctx, providerCustomerID)
}

func (s *PGStore) GetCustomerByID(ctx context.Context, id uuid.UUID) (*tenant.Customer, error) {
	return s.tenants.Unscoped().GetCustomerByID(ctx, id)
}

func (s *PGStore) GetSubscriptionByProviderID(ctx context.Context, providerSubID string) (*subscription.Subscription, error) {
	return s.subs.GetByProviderID(ctx, providerSubID)
}

func (s *PGStore) InTenantTx(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context, tx TxStore) error) error {
	return pg.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := pg.AcquireTenantLock(ctx, tx, tenantID); err != nil {
			return err
		}
		return fn(ctx, &pgTxStore{
			tx:       tx,
			tenants:  s.tenants,
			subs:     s.subs.WithQuerier(tx),
			payments: s.payments.WithQuerier(tx),
			counters: s.counters.WithQuerier(tx),
		})
	})
}

type pgTxStore struct {
	tx       pgx.Tx
	tenants  *tenant.Store
	subs     *subscription.Store
	payments *payment.Store
	counters *quota.PGCounterStore
}

func (t *pgTxStore) MarkEventProcessed(ctx context.Context, providerEventID, eventType string, tenantID uuid.UUID, payload []byte) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO webhook_events (id, provider_event_id, event_type, tenant_id, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider_event_id) DO NOTHING`,
		uuid.New(), providerEventID, eventType, tenantID, payload)
	if err != nil {
		return false, fmt.Errorf("mark event processed: %w", err)
	}
	return tag.RowsAffected() == 0, nil
}

func (t *pgTxStore) GetSubscriptionByProviderID(ctx context.Context, providerSubID string) (*subscription.Subscription, error) {
	return t.subs.GetByProviderID(ctx, providerSubID)
}

func (t *pgTxStore) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	return t.subs.Create(ctx, sub)
}

func (t *pgTxStore) SupersedeUsableSubscriptions(ctx context.Context, tenantID uuid.UUID) error {
	return t.subs.SupersedeUsable(ctx, tenantID)
}

func (t *pgTxStore) UpdateSubscriptionStatus(ctx context.Context, sub *subscription.Subscription, to subscription.Status) error {
	return t.subs.UpdateStatus(ctx, sub, to)
}

func (t *pgTxStore) UpdateSubscriptionPeriod(ctx context.Context, sub *subscription.Subscription, start, end time.Time) error {
	return t.subs.UpdatePeriod(ctx, sub, start, end)
}

func (t *pgTxStore) SetCancelAtPeriodEnd(ctx context.Context, sub *subscription.Subscription, cancel bool) error {
	return t.subs.SetCancelAtPeriodEnd(ctx, sub, cancel)
}

func (t *pgTxStore) SetTenantPlan(ctx context.Context, tenantID uuid.UUID, planID string) error {
	return t.tenants.Scoped(tenantID).WithQuerier(t.tx).SetPlan(ctx, planID)
}

func (t *pgTxStore) SetActiveSubscription(ctx context.Context, tenantID, subscriptionID uuid.UUID) error {
	return t.tenants.Scoped(tenantID).WithQuerier(t.tx).SetActiveSubscription(ctx, subscriptionID)
}

func (t *pgTxStore) ClearActiveSubscription(ctx context.Context, tenantID, subscriptionID uuid.UUID) error {
	return t.tenants.Scoped(tenantID).WithQuerier(t.tx).ClearActiveSubscription(ctx, subscriptionID)
}

func (t *pgTxStore) RecordTransaction(ctx context.Context, txn *payment.Transaction) error {
	return t.payments.Record(ctx, txn)
}

func (t *pgTxStore) FinalizeTransaction(ctx context.Context, providerTxnID string, succeeded bool) error {
	if succeeded {
		return t.payments.MarkSucceeded(ctx, providerTxnID)
	}
	return t.payments.MarkFailed(ctx, providerTxnID)
}

func (t *pgTxStore) EnsureUsageRow(ctx context.Context, tenantID uuid.UUID, periodStart time.Time) error {
	return t.counters.EnsureRow(ctx, tenantID, periodStart)
}

func (t *pgTxStore) RolloverUsage(ctx context.Context, tenantID uuid.UUID, newPeriodStart time.Time, carryExtra bool, allotment int64) error {
	return t.counters.Rollover(ctx, tenantID, newPeriodStart, carryExtra, allotment)
}

func (t *pgTxStore) AddExtraTokens(ctx context.Context, tenantID uuid.UUID, units int64) error {
	return t.counters.AddExtra(ctx, tenantID, units)
}
