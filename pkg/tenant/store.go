package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/campaignforge/billing/pkg/pg"
)

var (
	ErrTenantNotFound   = errors.New("tenant not found")
	ErrCustomerNotFound = errors.New("customer not found")
	ErrUsageNotFound    = errors.New("usage counters not found")
	// ErrScopeViolation is returned when a write carries a tenant id that
	// disagrees with the handle's scope. Writes fail closed, never reassign.
	ErrScopeViolation = errors.New("row tenant id disagrees with store scope")
)

// Store is the root data-access handle. All reads and writes flow through
// either a ScopedStore bound to one tenant or the explicit AdminStore.
type Store struct {
	q pg.Querier
}

// NewStore creates the root store over a pool or transaction.
func NewStore(q pg.Querier) *Store {
	return &Store{q: q}
}

// Scoped returns a handle whose every operation is predicated on tenantID.
func (s *Store) Scoped(tenantID uuid.UUID) *ScopedStore {
	return &ScopedStore{q: s.q, tenantID: tenantID}
}

// Unscoped returns the cross-tenant administrative handle. Callers reach for
// it deliberately; nothing hands it out implicitly.
func (s *Store) Unscoped() *AdminStore {
	return &AdminStore{q: s.q}
}

// ScopedStore executes queries bound to a single tenant.
type ScopedStore struct {
	q        pg.Querier
	tenantID uuid.UUID
}

// TenantID returns the scope of this handle.
func (s *ScopedStore) TenantID() uuid.UUID { return s.tenantID }

// WithQuerier rebinds the handle to a transaction, keeping the scope.
func (s *ScopedStore) WithQuerier(q pg.Querier) *ScopedStore {
	return &ScopedStore{q: q, tenantID: s.tenantID}
}

// GetTenant loads the scoped tenant row.
func (s *ScopedStore) GetTenant(ctx context.Context) (*Tenant, error) {
	var t Tenant
	err := s.q.QueryRow(ctx, `
		SELECT id, name, plan_id, active_subscription_id, active, created_at, updated_at
		FROM tenants WHERE id = $1`, s.tenantID,
	).Scan(&t.ID, &t.Name, &t.PlanID, &t.ActiveSubscriptionID, &t.Active, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

// GetCustomer loads the tenant's processor-customer link.
func (s *ScopedStore) GetCustomer(ctx context.Context) (*Customer, error) {
	var c Customer
	err := s.q.QueryRow(ctx, `
		SELECT id, tenant_id, provider_customer_id, email, created_at, updated_at
		FROM customers WHERE tenant_id = $1`, s.tenantID,
	).Scan(&c.ID, &c.TenantID, &c.ProviderCustomerID, &c.Email, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return &c, nil
}

// CreateCustomer inserts the tenant's customer row. The unique constraint on
// tenant_id makes a second insert for the same tenant a duplicate-key error,
// which callers treat as "row already exists, reuse it".
func (s *ScopedStore) CreateCustomer(ctx context.Context, c *Customer) error {
	if c.TenantID != s.tenantID {
		return ErrScopeViolation
	}
	err := s.q.QueryRow(ctx, `
		INSERT INTO customers (id, tenant_id, provider_customer_id, email)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		c.ID, c.TenantID, c.ProviderCustomerID, c.Email,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create customer: %w", err)
	}
	return nil
}

// LinkCustomer records the confirmed external processor identity.
func (s *ScopedStore) LinkCustomer(ctx context.Context, customerID uuid.UUID, providerCustomerID string) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE customers SET provider_customer_id = $1, updated_at = now()
		WHERE id = $2 AND tenant_id = $3`,
		providerCustomerID, customerID, s.tenantID)
	if err != nil {
		return fmt.Errorf("link customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCustomerNotFound
	}
	return nil
}

// GetUsage loads the tenant's current-period counters.
func (s *ScopedStore) GetUsage(ctx context.Context) (*UsageCounters, error) {
	var u UsageCounters
	err := s.q.QueryRow(ctx, `
		SELECT tenant_id, period_start, tokens_used, contacts_used, emails_sent, extra_tokens, updated_at
		FROM usage_counters WHERE tenant_id = $1`, s.tenantID,
	).Scan(&u.TenantID, &u.PeriodStart, &u.TokensUsed, &u.ContactsUsed, &u.EmailsSent, &u.ExtraTokens, &u.UpdatedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrUsageNotFound
		}
		return nil, fmt.Errorf("get usage counters: %w", err)
	}
	return &u, nil
}

// SetActiveSubscription re-points the tenant's active-subscription pointer.
func (s *ScopedStore) SetActiveSubscription(ctx context.Context, subscriptionID uuid.UUID) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE tenants SET active_subscription_id = $1, updated_at = now()
		WHERE id = $2`, subscriptionID, s.tenantID)
	if err != nil {
		return fmt.Errorf("set active subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTenantNotFound
	}
	return nil
}

// ClearActiveSubscription nulls the pointer only when it still references
// subscriptionID. A cancellation event for a superseded subscription must
// not detach an unrelated active one.
func (s *ScopedStore) ClearActiveSubscription(ctx context.Context, subscriptionID uuid.UUID) error {
	if _, err := s.q.Exec(ctx, `
		UPDATE tenants SET active_subscription_id = NULL, updated_at = now()
		WHERE id = $1 AND active_subscription_id = $2`, s.tenantID, subscriptionID); err != nil {
		return fmt.Errorf("clear active subscription: %w", err)
	}
	return nil
}

// SetPlan records the tenant's current plan id.
func (s *ScopedStore) SetPlan(ctx context.Context, planID string) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE tenants SET plan_id = $1, updated_at = now() WHERE id = $2`, planID, s.tenantID)
	if err != nil {
		return fmt.Errorf("set tenant plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTenantNotFound
	}
	return nil
}

// AdminStore performs the few legitimate cross-tenant operations.
type AdminStore struct {
	q pg.Querier
}

// WithQuerier rebinds the handle to a transaction.
func (s *AdminStore) WithQuerier(q pg.Querier) *AdminStore {
	return &AdminStore{q: q}
}

// GetTenant loads any tenant by id.
func (s *AdminStore) GetTenant(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	var t Tenant
	err := s.q.QueryRow(ctx, `
		SELECT id, name, plan_id, active_subscription_id, active, created_at, updated_at
		FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.PlanID, &t.ActiveSubscriptionID, &t.Active, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

// GetCustomerByID loads a customer by its local id, across tenants. Used to
// resolve webhook custom data, which carries the local id the checkout flow
// planted.
func (s *AdminStore) GetCustomerByID(ctx context.Context, id uuid.UUID) (*Customer, error) {
	var c Customer
	err := s.q.QueryRow(ctx, `
		SELECT id, tenant_id, provider_customer_id, email, created_at, updated_at
		FROM customers WHERE id = $1`, id,
	).Scan(&c.ID, &c.TenantID, &c.ProviderCustomerID, &c.Email, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("get customer by id: %w", err)
	}
	return &c, nil
}

// GetCustomerByProviderID resolves a processor customer id to the local row.
// The reconciler uses it to map webhook payloads back to a tenant.
func (s *AdminStore) GetCustomerByProviderID(ctx context.Context, providerCustomerID string) (*Customer, error) {
	var c Customer
	err := s.q.QueryRow(ctx, `
		SELECT id, tenant_id, provider_customer_id, email, created_at, updated_at
		FROM customers WHERE provider_customer_id = $1`, providerCustomerID,
	).Scan(&c.ID, &c.TenantID, &c.ProviderCustomerID, &c.Email, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("get customer by provider id: %w", err)
	}
	return &c, nil
}
