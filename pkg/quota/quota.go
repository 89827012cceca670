// Package quota meters consumable usage against a tenant's plan allotment.
// The check-and-decrement is a single atomic operation per tenant, so two
// concurrent consumers can never overdraw the remaining balance.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/campaignforge/billing/pkg/authz"
	"github.com/campaignforge/billing/pkg/plan"
	"github.com/campaignforge/billing/pkg/subscription"
	"github.com/campaignforge/billing/pkg/tenant"
)

// Meter identifies a metered resource kind.
type Meter string

const (
	MeterTokens   Meter = "tokens"
	MeterContacts Meter = "contacts"
	MeterEmails   Meter = "emails"
)

var (
	ErrUnknownMeter = errors.New("unknown quota meter")
	// ErrSubscriptionInactive is returned when the tenant has no usable
	// subscription. Distinct from quota exhaustion so callers can surface
	// "payment failed, update billing" instead of "upgrade your plan".
	ErrSubscriptionInactive = errors.New("subscription is not active")
)

// InsufficientQuotaError is the typed refusal callers receive when the
// remaining balance cannot cover the request. Never delivered as a generic
// failure the caller must guess at.
type InsufficientQuotaError struct {
	Meter     Meter
	Requested int64
	Remaining int64
}

func (e *InsufficientQuotaError) Error() string {
	return fmt.Sprintf("insufficient %s quota: requested %d, remaining %d", e.Meter, e.Requested, e.Remaining)
}

// IsInsufficientQuota reports whether err is a quota refusal.
func IsInsufficientQuota(err error) bool {
	var e *InsufficientQuotaError
	return errors.As(err, &e)
}

// CounterStore is the atomic counter backend. ConsumeIfAvailable must apply
// the whole request or nothing, serialized per tenant.
type CounterStore interface {
	// ConsumeIfAvailable adds units to the meter's counter when
	// allotment + extra - used covers them (allotment -1 means unlimited).
	// Returns applied=false with the remaining balance on refusal; state is
	// untouched in that case.
	ConsumeIfAvailable(ctx context.Context, tenantID uuid.UUID, meter Meter, units, allotment int64) (applied bool, remaining int64, err error)

	// Rollover resets per-period counters to zero for the new period.
	// carryExtra keeps the purchased add-on balance across the boundary,
	// minus whatever the outgoing period consumed beyond allotment
	// (Unlimited allotment leaves the balance intact).
	Rollover(ctx context.Context, tenantID uuid.UUID, newPeriodStart time.Time, carryExtra bool, allotment int64) error

	// AddExtra credits purchased add-on pack units.
	AddExtra(ctx context.Context, tenantID uuid.UUID, units int64) error

	// Usage returns the tenant's current-period counters.
	Usage(ctx context.Context, tenantID uuid.UUID) (*tenant.UsageCounters, error)
}

// StatusResolver reports the tenant's current plan id and subscription
// status. The default implementation reads the tenant row joined with its
// active subscription.
type StatusResolver func(ctx context.Context, tenantID uuid.UUID) (planID string, status subscription.Status, err error)

// Ledger answers "may this tenant consume N units?" and records the answer.
type Ledger struct {
	store   CounterStore
	catalog *plan.Catalog
	status  StatusResolver
	log     *slog.Logger
}

// NewLedger creates a quota ledger. Panics on nil dependencies to fail fast
// during initialization.
func NewLedger(store CounterStore, catalog *plan.Catalog, status StatusResolver, log *slog.Logger) *Ledger {
	if store == nil {
		panic("quota: CounterStore is required")
	}
	if catalog == nil {
		panic("quota: plan catalog is required")
	}
	if status == nil {
		panic("quota: StatusResolver is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{store: store, catalog: catalog, status: status, log: log}
}

// TryConsume atomically records consumption of units on the meter, or
// returns *InsufficientQuotaError without mutating state. A caller holding
// authz.CapQuotaBypass always succeeds and never touches the counters; the
// bypass is taken from the request's capability set, never inferred here.
func (l *Ledger) TryConsume(ctx context.Context, tenantID uuid.UUID, meter Meter, units int64) error {
	if units < 0 {
		return fmt.Errorf("quota: negative unit count %d", units)
	}
	if units == 0 {
		return nil
	}

	if authz.FromContext(ctx).Has(authz.CapQuotaBypass) {
		l.log.InfoContext(ctx, "quota bypass exercised",
			slog.String("tenant_id", tenantID.String()),
			slog.String("meter", string(meter)),
			slog.Int64("units", units))
		return nil
	}

	planID, status, err := l.status(ctx, tenantID)
	if err != nil {
		return err
	}
	if !status.Usable() {
		return ErrSubscriptionInactive
	}

	p, err := l.catalog.Get(planID)
	if err != nil {
		return err
	}

	allotment, err := meterAllotment(p, meter)
	if err != nil {
		return err
	}
	if allotment == plan.Unlimited {
		// Still count usage for reporting; unlimited always applies.
		_, _, err := l.store.ConsumeIfAvailable(ctx, tenantID, meter, units, allotment)
		return err
	}

	applied, remaining, err := l.store.ConsumeIfAvailable(ctx, tenantID, meter, units, allotment)
	if err != nil {
		return err
	}
	if !applied {
		return &InsufficientQuotaError{Meter: meter, Requested: units, Remaining: remaining}
	}
	return nil
}

// Rollover resets the tenant's per-period counters at a billing-period
// transition. Driven by the subscription's period boundaries (the reconciler
// calls it when the processor reports a new period), never by wall clock
// alone. Purchased pack units carry over only when the plan says so, and
// only the remainder the outgoing period did not spend.
func (l *Ledger) Rollover(ctx context.Context, tenantID uuid.UUID, newPeriodStart time.Time) error {
	planID, _, err := l.status(ctx, tenantID)
	if err != nil {
		return err
	}
	p, err := l.catalog.Get(planID)
	if err != nil {
		return err
	}
	return l.store.Rollover(ctx, tenantID, newPeriodStart, p.PackRollsOver, p.MonthlyTokens)
}

// AddTokenPack credits a purchased add-on pack.
func (l *Ledger) AddTokenPack(ctx context.Context, tenantID uuid.UUID, units int64) error {
	if units <= 0 {
		return fmt.Errorf("quota: token pack units must be positive, got %d", units)
	}
	return l.store.AddExtra(ctx, tenantID, units)
}

// MeterUsage is the reported state of one meter.
type MeterUsage struct {
	Used      int64 `json:"used"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
	Unlimited bool  `json:"unlimited"`
}

// Usage reports used/remaining per meter for the tenant's plan, surfacing
// the unlimited sentinel distinctly from a numeric remaining count.
func (l *Ledger) Usage(ctx context.Context, tenantID uuid.UUID) (map[Meter]MeterUsage, error) {
	planID, _, err := l.status(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	p, err := l.catalog.Get(planID)
	if err != nil {
		return nil, err
	}
	counters, err := l.store.Usage(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	out := make(map[Meter]MeterUsage, 3)
	for meter, used := range map[Meter]int64{
		MeterTokens:   counters.TokensUsed,
		MeterContacts: counters.ContactsUsed,
		MeterEmails:   counters.EmailsSent,
	} {
		allotment, err := meterAllotment(p, meter)
		if err != nil {
			return nil, err
		}
		u := MeterUsage{Used: used, Limit: allotment}
		if allotment == plan.Unlimited {
			u.Unlimited = true
		} else {
			balance := allotment - used
			if meter == MeterTokens {
				balance += counters.ExtraTokens
			}
			u.Remaining = max(balance, 0)
		}
		out[meter] = u
	}
	return out, nil
}

// meterAllotment maps a meter to its plan limit. Tokens come from the
// dedicated allotment field; other meters from the generic limits map.
func meterAllotment(p plan.Plan, meter Meter) (int64, error) {
	switch meter {
	case MeterTokens:
		return p.MonthlyTokens, nil
	case MeterContacts:
		if v, ok := p.Limits[plan.ResourceContacts]; ok {
			return v, nil
		}
		return 0, nil
	case MeterEmails:
		if v, ok := p.Limits[plan.ResourceEmails]; ok {
			return v, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownMeter, meter)
	}
}
