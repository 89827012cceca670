// Package tenant owns the billed organization: the unit of data isolation
// and subscription ownership. Every store handle is bound to one tenant id;
// cross-tenant access exists only behind the explicit Unscoped handle.
package tenant

import (
	"time"

	"github.com/google/uuid"
)

// Tenant is the billing unit.
type Tenant struct {
	ID                   uuid.UUID  `json:"id"`
	Name                 string     `json:"name"`
	PlanID               string     `json:"plan_id"`
	ActiveSubscriptionID *uuid.UUID `json:"active_subscription_id,omitempty"`
	Active               bool       `json:"active"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Customer links a tenant to its payment-processor identity, 1:1. The row is
// created lazily on first purchase intent; ProviderCustomerID stays nil until
// the remote side confirms, and that pending state must be recoverable.
type Customer struct {
	ID                 uuid.UUID `json:"id"`
	TenantID           uuid.UUID `json:"tenant_id"`
	ProviderCustomerID *string   `json:"provider_customer_id,omitempty"`
	Email              string    `json:"email"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Linked reports whether the external processor identity is confirmed.
func (c *Customer) Linked() bool {
	return c.ProviderCustomerID != nil && *c.ProviderCustomerID != ""
}

// UsageCounters holds the per-period consumption counts for each metered
// resource. Reset only by period rollover, never by ad hoc mutation.
type UsageCounters struct {
	TenantID     uuid.UUID `json:"tenant_id"`
	PeriodStart  time.Time `json:"period_start"`
	TokensUsed   int64     `json:"tokens_used"`
	ContactsUsed int64     `json:"contacts_used"`
	EmailsSent   int64     `json:"emails_sent"`
	// ExtraTokens are purchased add-on pack credits still available.
	ExtraTokens int64     `json:"extra_tokens"`
	UpdatedAt   time.Time `json:"updated_at"`
}
