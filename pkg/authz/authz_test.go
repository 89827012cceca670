package authz_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/campaignforge/billing/pkg/authz"
)

func TestCapabilities_ZeroValueGrantsNothing(t *testing.T) {
	var caps authz.Capabilities
	assert.False(t, caps.Has(authz.CapQuotaBypass))
	assert.False(t, caps.Has(authz.CapCrossTenant))
	assert.Empty(t, caps.List())
}

func TestDefaultPolicy(t *testing.T) {
	tests := []struct {
		name        string
		principal   authz.Principal
		quotaBypass bool
		crossTenant bool
	}{
		{
			name:      "regular user gets nothing",
			principal: authz.Principal{Subject: "user-1"},
		},
		{
			name:        "operator gets both",
			principal:   authz.Principal{Subject: "ops-1", Operator: true},
			quotaBypass: true,
			crossTenant: true,
		},
		{
			name:        "test account bypasses quota only",
			principal:   authz.Principal{Subject: "test-1", Test: true},
			quotaBypass: true,
		},
	}

	policy := authz.DefaultPolicy()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caps := policy.Resolve(context.Background(), tt.principal)
			assert.Equal(t, tt.quotaBypass, caps.Has(authz.CapQuotaBypass))
			assert.Equal(t, tt.crossTenant, caps.Has(authz.CapCrossTenant))
		})
	}
}

func TestContextRoundTrip(t *testing.T) {
	caps := authz.NewCapabilities(authz.CapQuotaBypass)
	ctx := authz.WithCapabilities(context.Background(), caps)

	got := authz.FromContext(ctx)
	assert.True(t, got.Has(authz.CapQuotaBypass))
	assert.False(t, got.Has(authz.CapCrossTenant))
}

func TestFromContext_MissingIsEmpty(t *testing.T) {
	got := authz.FromContext(context.Background())
	assert.False(t, got.Has(authz.CapQuotaBypass))
}
