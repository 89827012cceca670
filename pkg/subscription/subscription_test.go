package subscription_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campaignforge/billing/pkg/subscription"
)

func TestStatus_Valid(t *testing.T) {
	for _, s := range []subscription.Status{
		subscription.StatusTrialing,
		subscription.StatusActive,
		subscription.StatusPastDue,
		subscription.StatusCanceled,
		subscription.StatusUnpaid,
	} {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, subscription.Status("paused").Valid())
	assert.False(t, subscription.Status("").Valid())
}

func TestStatus_Usable(t *testing.T) {
	assert.True(t, subscription.StatusTrialing.Usable())
	assert.True(t, subscription.StatusActive.Usable())
	assert.False(t, subscription.StatusPastDue.Usable())
	assert.False(t, subscription.StatusCanceled.Usable())
	assert.False(t, subscription.StatusUnpaid.Usable())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to subscription.Status
		want     bool
	}{
		{subscription.StatusTrialing, subscription.StatusActive, true},
		{subscription.StatusTrialing, subscription.StatusCanceled, true},
		{subscription.StatusTrialing, subscription.StatusPastDue, true},
		{subscription.StatusActive, subscription.StatusPastDue, true},
		{subscription.StatusActive, subscription.StatusActive, true}, // period advance
		{subscription.StatusPastDue, subscription.StatusActive, true},
		{subscription.StatusPastDue, subscription.StatusUnpaid, true},
		{subscription.StatusUnpaid, subscription.StatusActive, true},
		{subscription.StatusUnpaid, subscription.StatusCanceled, true},

		// canceled is terminal
		{subscription.StatusCanceled, subscription.StatusActive, false},
		{subscription.StatusCanceled, subscription.StatusCanceled, false},
		{subscription.StatusCanceled, subscription.StatusTrialing, false},

		// no state returns to trialing
		{subscription.StatusActive, subscription.StatusTrialing, false},
		{subscription.StatusPastDue, subscription.StatusTrialing, false},

		// unknown statuses are rejected outright
		{subscription.StatusActive, subscription.Status("paused"), false},
		{subscription.Status("paused"), subscription.StatusActive, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, subscription.CanTransition(tt.from, tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestTransition(t *testing.T) {
	next, err := subscription.Transition(subscription.StatusTrialing, subscription.StatusActive)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, next)

	_, err = subscription.Transition(subscription.StatusActive, subscription.Status("paused"))
	assert.ErrorIs(t, err, subscription.ErrInvalidTransition)

	_, err = subscription.Transition(subscription.StatusCanceled, subscription.StatusActive)
	assert.ErrorIs(t, err, subscription.ErrTerminalState)
}

func TestSubscription_Period(t *testing.T) {
	feb1 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	mar1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	jan1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	sub := &subscription.Subscription{
		Status:             subscription.StatusActive,
		CurrentPeriodStart: feb1,
		CurrentPeriodEnd:   mar1,
	}

	assert.True(t, sub.PeriodContains(feb1))
	assert.True(t, sub.PeriodContains(feb1.AddDate(0, 0, 10)))
	assert.False(t, sub.PeriodContains(mar1)) // half-open interval
	assert.False(t, sub.PeriodContains(jan1))

	// An event reporting the January period is stale against February.
	assert.True(t, sub.SupersededBy(jan1))
	assert.False(t, sub.SupersededBy(feb1))
	assert.False(t, sub.SupersededBy(mar1))
}
