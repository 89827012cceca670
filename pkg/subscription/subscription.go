// Package subscription owns the subscription lifecycle for a tenant: status
// transitions, billing-period boundaries, and the persistence behind them.
// Transitions are driven only by reconciled processor events or an explicit
// user cancellation request; nothing else mutates status.
package subscription

import (
	"time"

	"github.com/google/uuid"
)

// Status is the subscription lifecycle state.
type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusUnpaid   Status = "unpaid"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCanceled, StatusUnpaid:
		return true
	}
	return false
}

// Usable reports whether the subscription entitles the tenant to consume
// metered resources.
func (s Status) Usable() bool {
	return s == StatusTrialing || s == StatusActive
}

// Subscription belongs to exactly one tenant and references one plan.
// ProviderSubID stays nil until the processor confirms the subscription.
type Subscription struct {
	ID                 uuid.UUID `json:"id"`
	TenantID           uuid.UUID `json:"tenant_id"`
	PlanID             string    `json:"plan_id"`
	ProviderSubID      *string   `json:"provider_sub_id,omitempty"`
	Status             Status    `json:"status"`
	CurrentPeriodStart time.Time `json:"current_period_start"`
	CurrentPeriodEnd   time.Time `json:"current_period_end"`
	CancelAtPeriodEnd  bool      `json:"cancel_at_period_end"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// IsActive reports whether the subscription is in a usable state.
func (s *Subscription) IsActive() bool {
	return s.Status.Usable()
}

// PeriodContains reports whether t falls inside the current billing period.
func (s *Subscription) PeriodContains(t time.Time) bool {
	return !t.Before(s.CurrentPeriodStart) && t.Before(s.CurrentPeriodEnd)
}

// SupersededBy reports whether an event carrying the given period start is
// older than the stored period and must be discarded as stale.
func (s *Subscription) SupersededBy(eventPeriodStart time.Time) bool {
	return eventPeriodStart.Before(s.CurrentPeriodStart)
}
