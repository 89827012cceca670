package httpapi

import (
	"context"

	"github.com/google/uuid"

	"github.com/campaignforge/billing/pkg/subscription"
	"github.com/campaignforge/billing/pkg/tenant"
)

// BillingStateStore is the storage surface the read and cancel endpoints
// need. Kept narrow so tests can back it with an in-memory fake.
type BillingStateStore interface {
	GetTenant(ctx context.Context, tenantID uuid.UUID) (*tenant.Tenant, error)
	GetSubscription(ctx context.Context, tenantID, id uuid.UUID) (*subscription.Subscription, error)
	SetCancelAtPeriodEnd(ctx context.Context, sub *subscription.Subscription, cancel bool) error
}

// NewBillingStateStore adapts the concrete stores to BillingStateStore.
func NewBillingStateStore(tenants *tenant.Store, subs *subscription.Store) BillingStateStore {
	if tenants == nil || subs == nil {
		panic("httpapi: tenant and subscription stores are required")
	}
	return &storeAdapter{tenants: tenants, subs: subs}
}

type storeAdapter struct {
	tenants *tenant.Store
	subs    *subscription.Store
}

func (a *storeAdapter) GetTenant(ctx context.Context, tenantID uuid.UUID) (*tenant.Tenant, error) {
	return a.tenants.Scoped(tenantID).GetTenant(ctx)
}

func (a *storeAdapter) GetSubscription(ctx context.Context, tenantID, id uuid.UUID) (*subscription.Subscription, error) {
	return a.subs.Get(ctx, tenantID, id)
}

func (a *storeAdapter) SetCancelAtPeriodEnd(ctx context.Context, sub *subscription.Subscription, cancel bool) error {
	return a.subs.SetCancelAtPeriodEnd(ctx, sub, cancel)
}
