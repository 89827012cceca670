package reconciler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/campaignforge/billing/pkg/payment"
	"github.com/campaignforge/billing/pkg/subscription"
	"github.com/campaignforge/billing/pkg/tenant"
)

// Store is the persistence surface the reconciler drives. The postgres
// implementation serializes each InTenantTx on a per-tenant advisory lock;
// the in-memory one backs tests.
type Store interface {
	// GetCustomerByProviderID resolves a processor customer id.
	GetCustomerByProviderID(ctx context.Context, providerCustomerID string) (*tenant.Customer, error)

	// GetCustomerByID resolves the local customer id planted in checkout
	// custom data.
	GetCustomerByID(ctx context.Context, id uuid.UUID) (*tenant.Customer, error)

	// GetSubscriptionByProviderID resolves a processor subscription id.
	GetSubscriptionByProviderID(ctx context.Context, providerSubID string) (*subscription.Subscription, error)

	// InTenantTx runs fn inside one transaction serialized per tenant. All
	// writes fn performs commit or roll back together; fn returning an error
	// rolls back.
	InTenantTx(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context, tx TxStore) error) error
}

// TxStore is the transactional slice of storage one event application uses.
type TxStore interface {
	// MarkEventProcessed inserts the event's idempotency row. Returns
	// duplicate=true without inserting when the event id was already
	// recorded.
	MarkEventProcessed(ctx context.Context, providerEventID, eventType string, tenantID uuid.UUID, payload []byte) (duplicate bool, err error)

	GetSubscriptionByProviderID(ctx context.Context, providerSubID string) (*subscription.Subscription, error)
	CreateSubscription(ctx context.Context, sub *subscription.Subscription) error
	// SupersedeUsableSubscriptions cancels any trialing or active
	// subscription the tenant holds, making room for a replacement row
	// under the one-usable-per-tenant constraint.
	SupersedeUsableSubscriptions(ctx context.Context, tenantID uuid.UUID) error
	UpdateSubscriptionStatus(ctx context.Context, sub *subscription.Subscription, to subscription.Status) error
	UpdateSubscriptionPeriod(ctx context.Context, sub *subscription.Subscription, start, end time.Time) error
	SetCancelAtPeriodEnd(ctx context.Context, sub *subscription.Subscription, cancel bool) error

	SetTenantPlan(ctx context.Context, tenantID uuid.UUID, planID string) error
	SetActiveSubscription(ctx context.Context, tenantID, subscriptionID uuid.UUID) error
	// ClearActiveSubscription clears the tenant's active pointer only when
	// it references the given subscription.
	ClearActiveSubscription(ctx context.Context, tenantID, subscriptionID uuid.UUID) error

	RecordTransaction(ctx context.Context, txn *payment.Transaction) error
	FinalizeTransaction(ctx context.Context, providerTxnID string, succeeded bool) error

	EnsureUsageRow(ctx context.Context, tenantID uuid.UUID, periodStart time.Time) error
	// RolloverUsage starts a new billing period. When carryExtra is set,
	// only the unused remainder of purchased pack units survives the
	// boundary; allotment is the outgoing period's included quota
	// (plan.Unlimited leaves the pack balance untouched).
	RolloverUsage(ctx context.Context, tenantID uuid.UUID, newPeriodStart time.Time, carryExtra bool, allotment int64) error
	AddExtraTokens(ctx context.Context, tenantID uuid.UUID, units int64) error
}
