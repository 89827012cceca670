package quota_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campaignforge/billing/pkg/authz"
	"github.com/campaignforge/billing/pkg/plan"
	"github.com/campaignforge/billing/pkg/quota"
	"github.com/campaignforge/billing/pkg/subscription"
)

type staticPlans map[string]plan.Plan

func (s staticPlans) Load(context.Context) (map[string]plan.Plan, error) { return s, nil }

func testCatalog(t *testing.T) *plan.Catalog {
	t.Helper()
	catalog, err := plan.NewCatalog(context.Background(), staticPlans{
		"starter": {
			ID:            "starter",
			Name:          "Starter",
			MonthlyTokens: 100,
			Limits: map[plan.Resource]int64{
				plan.ResourceContacts: 500,
				plan.ResourceEmails:   1000,
			},
			TokenPackSize: 50,
			PackRollsOver: true,
		},
		"scale": {
			ID:            "scale",
			Name:          "Scale",
			MonthlyTokens: plan.Unlimited,
			Limits: map[plan.Resource]int64{
				plan.ResourceContacts: plan.Unlimited,
				plan.ResourceEmails:   plan.Unlimited,
			},
		},
	})
	require.NoError(t, err)
	return catalog
}

func activeOn(planID string) quota.StatusResolver {
	return func(context.Context, uuid.UUID) (string, subscription.Status, error) {
		return planID, subscription.StatusActive, nil
	}
}

func newLedger(t *testing.T, planID string) (*quota.Ledger, *quota.MemoryCounterStore, uuid.UUID) {
	t.Helper()
	store := quota.NewMemoryCounterStore()
	tenantID := uuid.New()
	require.NoError(t, store.EnsureRow(context.Background(), tenantID, time.Now().UTC()))
	return quota.NewLedger(store, testCatalog(t), activeOn(planID), nil), store, tenantID
}

func TestTryConsume_WithinAllotment(t *testing.T) {
	ledger, store, tenantID := newLedger(t, "starter")
	ctx := context.Background()

	require.NoError(t, ledger.TryConsume(ctx, tenantID, quota.MeterTokens, 60))

	u, err := store.Usage(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(60), u.TokensUsed)
}

func TestTryConsume_RefusesOverdraftWithoutMutating(t *testing.T) {
	ledger, store, tenantID := newLedger(t, "starter")
	ctx := context.Background()

	require.NoError(t, ledger.TryConsume(ctx, tenantID, quota.MeterTokens, 90))

	err := ledger.TryConsume(ctx, tenantID, quota.MeterTokens, 20)
	require.Error(t, err)
	assert.True(t, quota.IsInsufficientQuota(err))

	var iq *quota.InsufficientQuotaError
	require.ErrorAs(t, err, &iq)
	assert.Equal(t, int64(20), iq.Requested)
	assert.Equal(t, int64(10), iq.Remaining)

	u, err := store.Usage(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(90), u.TokensUsed, "refusal must not mutate the counter")
}

func TestTryConsume_UnlimitedSentinelAlwaysSucceeds(t *testing.T) {
	ledger, store, tenantID := newLedger(t, "scale")
	ctx := context.Background()

	require.NoError(t, ledger.TryConsume(ctx, tenantID, quota.MeterTokens, 1_000_000))
	require.NoError(t, ledger.TryConsume(ctx, tenantID, quota.MeterTokens, 1_000_000))

	u, err := store.Usage(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000), u.TokensUsed, "unlimited still counts usage for reporting")
}

func TestTryConsume_AddOnPackExtendsBalance(t *testing.T) {
	ledger, _, tenantID := newLedger(t, "starter")
	ctx := context.Background()

	require.NoError(t, ledger.TryConsume(ctx, tenantID, quota.MeterTokens, 100))
	assert.True(t, quota.IsInsufficientQuota(ledger.TryConsume(ctx, tenantID, quota.MeterTokens, 1)))

	require.NoError(t, ledger.AddTokenPack(ctx, tenantID, 50))
	require.NoError(t, ledger.TryConsume(ctx, tenantID, quota.MeterTokens, 50))
	assert.True(t, quota.IsInsufficientQuota(ledger.TryConsume(ctx, tenantID, quota.MeterTokens, 1)))
}

func TestTryConsume_BypassCapabilitySkipsCounters(t *testing.T) {
	ledger, store, tenantID := newLedger(t, "starter")

	ctx := authz.WithCapabilities(context.Background(),
		authz.NewCapabilities(authz.CapQuotaBypass))

	// Far beyond the allotment, yet permitted and unrecorded.
	require.NoError(t, ledger.TryConsume(ctx, tenantID, quota.MeterTokens, 10_000))

	u, err := store.Usage(ctx, tenantID)
	require.NoError(t, err)
	assert.Zero(t, u.TokensUsed)
}

func TestTryConsume_InactiveSubscription(t *testing.T) {
	store := quota.NewMemoryCounterStore()
	tenantID := uuid.New()
	require.NoError(t, store.EnsureRow(context.Background(), tenantID, time.Now().UTC()))

	pastDue := func(context.Context, uuid.UUID) (string, subscription.Status, error) {
		return "starter", subscription.StatusPastDue, nil
	}
	ledger := quota.NewLedger(store, testCatalog(t), pastDue, nil)

	err := ledger.TryConsume(context.Background(), tenantID, quota.MeterTokens, 1)
	assert.ErrorIs(t, err, quota.ErrSubscriptionInactive)
	assert.False(t, quota.IsInsufficientQuota(err),
		"inactive subscription must be distinguishable from exhausted quota")
}

// Starter has 100 tokens. After consuming 60, two concurrent requests of 30
// and 20 together exceed the remaining 40: at most one may succeed.
func TestTryConsume_ConcurrentNoOverdraft(t *testing.T) {
	ledger, store, tenantID := newLedger(t, "starter")
	ctx := context.Background()

	require.NoError(t, ledger.TryConsume(ctx, tenantID, quota.MeterTokens, 60))

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, units := range []int64{30, 20} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = ledger.TryConsume(ctx, tenantID, quota.MeterTokens, units)
		}()
	}
	wg.Wait()

	u, err := store.Usage(ctx, tenantID)
	require.NoError(t, err)
	assert.LessOrEqual(t, u.TokensUsed, int64(100), "never 110")

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.True(t, quota.IsInsufficientQuota(err))
		}
	}
	assert.LessOrEqual(t, succeeded, 1)
}

// Hammer one tenant from many goroutines: accepted consumption must land
// exactly on the allotment, never past it.
func TestTryConsume_ConcurrentExhaustsExactly(t *testing.T) {
	ledger, store, tenantID := newLedger(t, "starter")
	ctx := context.Background()

	var accepted atomic.Int64
	var wg sync.WaitGroup
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ledger.TryConsume(ctx, tenantID, quota.MeterTokens, 1); err == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100), accepted.Load())

	u, err := store.Usage(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), u.TokensUsed)
}

func TestRollover(t *testing.T) {
	ledger, store, tenantID := newLedger(t, "starter")
	ctx := context.Background()

	require.NoError(t, ledger.TryConsume(ctx, tenantID, quota.MeterTokens, 80))
	require.NoError(t, ledger.AddTokenPack(ctx, tenantID, 25))
	require.NoError(t, ledger.TryConsume(ctx, tenantID, quota.MeterEmails, 5))

	next := time.Now().UTC().AddDate(0, 1, 0)
	require.NoError(t, ledger.Rollover(ctx, tenantID, next))

	u, err := store.Usage(ctx, tenantID)
	require.NoError(t, err)
	assert.Zero(t, u.TokensUsed)
	assert.Zero(t, u.EmailsSent)
	assert.Equal(t, next, u.PeriodStart)
	assert.Equal(t, int64(25), u.ExtraTokens, "starter pack rolls over")

	// Replaying the same rollover is a no-op.
	require.NoError(t, ledger.Rollover(ctx, tenantID, next))
	u, err = store.Usage(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, next, u.PeriodStart)
}

// Consumption past the monthly allotment is drawn from the purchased pack,
// so only the pack's unspent remainder survives the period boundary.
func TestRollover_CarriesOnlyUnusedPackUnits(t *testing.T) {
	ledger, store, tenantID := newLedger(t, "starter")
	ctx := context.Background()

	require.NoError(t, ledger.AddTokenPack(ctx, tenantID, 50))
	// 130 of 100 + 50: 30 pack units spent, 20 left.
	require.NoError(t, ledger.TryConsume(ctx, tenantID, quota.MeterTokens, 130))

	next := time.Now().UTC().AddDate(0, 1, 0)
	require.NoError(t, ledger.Rollover(ctx, tenantID, next))

	u, err := store.Usage(ctx, tenantID)
	require.NoError(t, err)
	assert.Zero(t, u.TokensUsed)
	assert.Equal(t, int64(20), u.ExtraTokens, "spent pack units do not regenerate")
}

// Rollover and consumption racing on the same tenant must neither drop nor
// double-count: every token the ledger accepts is either visible in the old
// period's counter before the reset or in the new period's counter after it,
// and the final counter never exceeds the allotment.
func TestRollover_RacesWithConsumption(t *testing.T) {
	ledger, store, tenantID := newLedger(t, "starter")
	ctx := context.Background()

	next := time.Now().UTC().AddDate(0, 1, 0)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range 50 {
			_ = ledger.TryConsume(ctx, tenantID, quota.MeterTokens, 1)
		}
	}()
	go func() {
		defer wg.Done()
		_ = ledger.Rollover(ctx, tenantID, next)
	}()
	wg.Wait()

	u, err := store.Usage(ctx, tenantID)
	require.NoError(t, err)
	assert.LessOrEqual(t, u.TokensUsed, int64(100))
	assert.Equal(t, next, u.PeriodStart)
}

func TestUsage_SurfacesUnlimitedDistinctly(t *testing.T) {
	ledger, _, tenantID := newLedger(t, "scale")
	ctx := context.Background()

	require.NoError(t, ledger.TryConsume(ctx, tenantID, quota.MeterTokens, 123))

	usage, err := ledger.Usage(ctx, tenantID)
	require.NoError(t, err)

	tokens := usage[quota.MeterTokens]
	assert.True(t, tokens.Unlimited)
	assert.Equal(t, int64(123), tokens.Used)
	assert.Zero(t, tokens.Remaining, "unlimited meters report no numeric remaining")
}

func TestUsage_NumericRemainingIncludesPack(t *testing.T) {
	ledger, _, tenantID := newLedger(t, "starter")
	ctx := context.Background()

	require.NoError(t, ledger.TryConsume(ctx, tenantID, quota.MeterTokens, 40))
	require.NoError(t, ledger.AddTokenPack(ctx, tenantID, 50))

	usage, err := ledger.Usage(ctx, tenantID)
	require.NoError(t, err)

	tokens := usage[quota.MeterTokens]
	assert.False(t, tokens.Unlimited)
	assert.Equal(t, int64(40), tokens.Used)
	assert.Equal(t, int64(110), tokens.Remaining) // 100 - 40 + 50
}
