package billing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/campaignforge/billing/pkg/billing"
	"github.com/campaignforge/billing/pkg/plan"
	"github.com/campaignforge/billing/pkg/subscription"
	"github.com/campaignforge/billing/pkg/tenant"
)

type mockProvider struct{ mock.Mock }

func (m *mockProvider) CreateCustomer(ctx context.Context, req billing.CreateCustomerRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *mockProvider) CreateCheckout(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	args := m.Called(ctx, req)
	if s := args.Get(0); s != nil {
		return s.(*billing.CheckoutSession), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) CreatePortalSession(ctx context.Context, providerCustomerID string, providerSubIDs []string) (*billing.PortalSession, error) {
	args := m.Called(ctx, providerCustomerID, providerSubIDs)
	if s := args.Get(0); s != nil {
		return s.(*billing.PortalSession), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) ParseWebhook(ctx context.Context, payload []byte, signature string) (*billing.Event, error) {
	args := m.Called(ctx, payload, signature)
	if e := args.Get(0); e != nil {
		return e.(*billing.Event), args.Error(1)
	}
	return nil, args.Error(1)
}

// fakeDirectory is an in-memory CustomerDirectory with the same uniqueness
// behavior as the postgres-backed store.
type fakeDirectory struct {
	mu        sync.Mutex
	tenants   map[uuid.UUID]*tenant.Tenant
	customers map[uuid.UUID]*tenant.Customer
	creates   int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		tenants:   make(map[uuid.UUID]*tenant.Tenant),
		customers: make(map[uuid.UUID]*tenant.Customer),
	}
}

func (d *fakeDirectory) GetTenant(_ context.Context, tenantID uuid.UUID) (*tenant.Tenant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tenants[tenantID]
	if !ok {
		return nil, tenant.ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

func (d *fakeDirectory) GetCustomer(_ context.Context, tenantID uuid.UUID) (*tenant.Customer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.customers[tenantID]
	if !ok {
		return nil, tenant.ErrCustomerNotFound
	}
	cp := *c
	return &cp, nil
}

func (d *fakeDirectory) CreateCustomer(_ context.Context, c *tenant.Customer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.customers[c.TenantID]; ok {
		return &pgconn.PgError{Code: "23505", ConstraintName: "customers_tenant_id_key"}
	}
	cp := *c
	d.customers[c.TenantID] = &cp
	d.creates++
	return nil
}

func (d *fakeDirectory) LinkCustomer(_ context.Context, tenantID, customerID uuid.UUID, providerCustomerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.customers[tenantID]
	if !ok || c.ID != customerID {
		return tenant.ErrCustomerNotFound
	}
	c.ProviderCustomerID = &providerCustomerID
	return nil
}

type fakeSubs struct {
	subs map[uuid.UUID]*subscription.Subscription
}

func (f *fakeSubs) Get(_ context.Context, _, id uuid.UUID) (*subscription.Subscription, error) {
	s, ok := f.subs[id]
	if !ok {
		return nil, subscription.ErrNotFound
	}
	return s, nil
}

type catalogPlans map[string]plan.Plan

func (c catalogPlans) Load(context.Context) (map[string]plan.Plan, error) { return c, nil }

func gatewayFixture(t *testing.T) (*mockProvider, *fakeDirectory, *fakeSubs, *billing.Gateway, uuid.UUID) {
	t.Helper()

	catalog, err := plan.NewCatalog(context.Background(), catalogPlans{
		"pro": {ID: "pro", Name: "Pro", MonthlyTokens: 1000, TokenPackSize: 100, Public: true},
	})
	require.NoError(t, err)

	provider := new(mockProvider)
	dir := newFakeDirectory()
	subs := &fakeSubs{subs: make(map[uuid.UUID]*subscription.Subscription)}

	tenantID := uuid.New()
	dir.tenants[tenantID] = &tenant.Tenant{ID: tenantID, Name: "acme", PlanID: "pro", Active: true}

	gw := billing.NewGateway(provider, dir, subs, catalog, nil,
		billing.WithNetworkTimeout(time.Second),
		billing.WithSuccessURL("https://app.example.com/billing/done"))
	return provider, dir, subs, gw, tenantID
}

func TestStartCheckout(t *testing.T) {
	provider, dir, _, gw, tenantID := gatewayFixture(t)
	ctx := context.Background()

	provider.On("CreateCustomer", mock.Anything, mock.MatchedBy(func(req billing.CreateCustomerRequest) bool {
		return req.Email == "owner@acme.test"
	})).Return("ctm_123", nil).Once()
	provider.On("CreateCheckout", mock.Anything, mock.MatchedBy(func(req billing.CheckoutRequest) bool {
		return req.PriceID == "pro" && req.ProviderCustomerID == "ctm_123"
	})).Return(&billing.CheckoutSession{URL: "https://pay.example.com/txn_1", SessionID: "txn_1"}, nil).Once()

	url, err := gw.StartCheckout(ctx, tenantID, "pro", "owner@acme.test")
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example.com/txn_1", url)

	c, err := dir.GetCustomer(ctx, tenantID)
	require.NoError(t, err)
	assert.True(t, c.Linked())
	provider.AssertExpectations(t)
}

func TestStartCheckout_UnknownPlan(t *testing.T) {
	_, _, _, gw, tenantID := gatewayFixture(t)

	_, err := gw.StartCheckout(context.Background(), tenantID, "nonexistent", "owner@acme.test")
	assert.ErrorIs(t, err, plan.ErrNotFound)
}

// A processor outage after the local Customer insert must leave the row in
// the pending (unlinked) state; the next checkout retries registration on
// the same row and never mints a second Customer.
func TestStartCheckout_PartialFailureReusesPendingCustomer(t *testing.T) {
	provider, dir, _, gw, tenantID := gatewayFixture(t)
	ctx := context.Background()

	boom := errors.New("processor unavailable")
	provider.On("CreateCustomer", mock.Anything, mock.Anything).Return("", boom).Twice() // initial + bounded retry

	_, err := gw.StartCheckout(ctx, tenantID, "pro", "owner@acme.test")
	require.ErrorIs(t, err, boom)

	pending, err := dir.GetCustomer(ctx, tenantID)
	require.NoError(t, err)
	assert.False(t, pending.Linked(), "row stays pending after remote failure")

	// Processor recovers; the same row gets linked.
	provider.On("CreateCustomer", mock.Anything, mock.Anything).Return("ctm_456", nil).Once()
	provider.On("CreateCheckout", mock.Anything, mock.Anything).
		Return(&billing.CheckoutSession{URL: "https://pay.example.com/txn_2"}, nil).Once()

	url, err := gw.StartCheckout(ctx, tenantID, "pro", "owner@acme.test")
	require.NoError(t, err)
	assert.NotEmpty(t, url)

	linked, err := dir.GetCustomer(ctx, tenantID)
	require.NoError(t, err)
	assert.True(t, linked.Linked())
	assert.Equal(t, pending.ID, linked.ID, "same customer row, no duplicate")
	assert.Equal(t, 1, dir.creates)
	provider.AssertExpectations(t)
}

func TestStartCheckout_RetriesTransientCheckoutFailure(t *testing.T) {
	provider, _, _, gw, tenantID := gatewayFixture(t)
	ctx := context.Background()

	provider.On("CreateCustomer", mock.Anything, mock.Anything).Return("ctm_123", nil).Once()
	provider.On("CreateCheckout", mock.Anything, mock.Anything).
		Return(nil, errors.New("timeout")).Once()
	provider.On("CreateCheckout", mock.Anything, mock.Anything).
		Return(&billing.CheckoutSession{URL: "https://pay.example.com/txn_3"}, nil).Once()

	url, err := gw.StartCheckout(ctx, tenantID, "pro", "owner@acme.test")
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example.com/txn_3", url)
	provider.AssertExpectations(t)
}

func TestStartTokenPackCheckout(t *testing.T) {
	provider, dir, _, gw, tenantID := gatewayFixture(t)
	ctx := context.Background()

	customerID := uuid.New()
	providerID := "ctm_789"
	dir.customers[tenantID] = &tenant.Customer{
		ID: customerID, TenantID: tenantID,
		Email: "owner@acme.test", ProviderCustomerID: &providerID,
	}

	provider.On("CreateCheckout", mock.Anything, mock.MatchedBy(func(req billing.CheckoutRequest) bool {
		return req.PriceID == "pro-pack" && req.Purpose == billing.PurposeTokenPack && req.PackUnits == 100
	})).Return(&billing.CheckoutSession{URL: "https://pay.example.com/txn_4"}, nil).Once()

	url, err := gw.StartTokenPackCheckout(ctx, tenantID, "owner@acme.test")
	require.NoError(t, err)
	assert.NotEmpty(t, url)
	provider.AssertExpectations(t)
}

func TestStartPortalSession(t *testing.T) {
	provider, dir, subs, gw, tenantID := gatewayFixture(t)
	ctx := context.Background()

	t.Run("no customer at all", func(t *testing.T) {
		_, err := gw.StartPortalSession(ctx, tenantID)
		assert.ErrorIs(t, err, billing.ErrNoCustomer)
	})

	t.Run("customer pending external id", func(t *testing.T) {
		dir.customers[tenantID] = &tenant.Customer{ID: uuid.New(), TenantID: tenantID, Email: "owner@acme.test"}
		_, err := gw.StartPortalSession(ctx, tenantID)
		assert.ErrorIs(t, err, billing.ErrNoCustomer)
	})

	t.Run("linked customer with active subscription", func(t *testing.T) {
		providerID := "ctm_321"
		dir.customers[tenantID].ProviderCustomerID = &providerID

		subID := uuid.New()
		providerSubID := "sub_99"
		dir.tenants[tenantID].ActiveSubscriptionID = &subID
		subs.subs[subID] = &subscription.Subscription{ID: subID, TenantID: tenantID, ProviderSubID: &providerSubID}

		provider.On("CreatePortalSession", mock.Anything, "ctm_321", []string{"sub_99"}).
			Return(&billing.PortalSession{URL: "https://portal.example.com/s"}, nil).Once()

		url, err := gw.StartPortalSession(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, "https://portal.example.com/s", url)
		provider.AssertExpectations(t)
	})
}
