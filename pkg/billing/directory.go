package billing

import (
	"context"

	"github.com/google/uuid"

	"github.com/campaignforge/billing/pkg/tenant"
)

// StoreDirectory adapts the tenant store to the gateway's CustomerDirectory.
type StoreDirectory struct {
	store *tenant.Store
}

func NewStoreDirectory(store *tenant.Store) *StoreDirectory {
	if store == nil {
		panic("billing: tenant store is required")
	}
	return &StoreDirectory{store: store}
}

func (d *StoreDirectory) GetTenant(ctx context.Context, tenantID uuid.UUID) (*tenant.Tenant, error) {
	return d.store.Scoped(tenantID).GetTenant(ctx)
}

func (d *StoreDirectory) GetCustomer(ctx context.Context, tenantID uuid.UUID) (*tenant.Customer, error) {
	return d.store.Scoped(tenantID).GetCustomer(ctx)
}

func (d *StoreDirectory) CreateCustomer(ctx context.Context, c *tenant.Customer) error {
	return d.store.Scoped(c.TenantID).CreateCustomer(ctx, c)
}

func (d *StoreDirectory) LinkCustomer(ctx context.Context, tenantID, customerID uuid.UUID, providerCustomerID string) error {
	return d.store.Scoped(tenantID).LinkCustomer(ctx, customerID, providerCustomerID)
}
