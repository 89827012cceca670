package tenant_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campaignforge/billing/pkg/tenant"
)

func TestContextRoundTrip(t *testing.T) {
	tn := &tenant.Tenant{ID: uuid.New(), Name: "Acme"}
	ctx := tenant.WithTenant(context.Background(), tn)

	got, ok := tenant.FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, tn, got)

	id, ok := tenant.IDFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, tn.ID, id)

	assert.Equal(t, tn, tenant.MustFromContext(ctx))
}

func TestFromContext_Missing(t *testing.T) {
	_, ok := tenant.FromContext(context.Background())
	assert.False(t, ok)

	_, ok = tenant.IDFromContext(context.Background())
	assert.False(t, ok)

	assert.Panics(t, func() {
		tenant.MustFromContext(context.Background())
	})
}

func TestLoggerExtractor(t *testing.T) {
	tn := &tenant.Tenant{ID: uuid.New()}
	extract := tenant.LoggerExtractor()

	attr, ok := extract(tenant.WithTenant(context.Background(), tn))
	require.True(t, ok)
	assert.Equal(t, "tenant_id", attr.Key)
	assert.Equal(t, tn.ID.String(), attr.Value.String())

	_, ok = extract(context.Background())
	assert.False(t, ok)
}

func TestCustomer_Linked(t *testing.T) {
	var c tenant.Customer
	assert.False(t, c.Linked())

	empty := ""
	c.ProviderCustomerID = &empty
	assert.False(t, c.Linked())

	id := "ctm_123"
	c.ProviderCustomerID = &id
	assert.True(t, c.Linked())
}

func TestScopedStore_FailsClosedOnScopeMismatch(t *testing.T) {
	// The scope check runs before any query, so no database is needed.
	store := tenant.NewStore(nil).Scoped(uuid.New())

	err := store.CreateCustomer(context.Background(), &tenant.Customer{
		ID:       uuid.New(),
		TenantID: uuid.New(), // disagrees with the handle's scope
	})
	assert.ErrorIs(t, err, tenant.ErrScopeViolation)
}
