package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/campaignforge/billing/pkg/pg"
	"github.com/campaignforge/billing/pkg/plan"
	"github.com/campaignforge/billing/pkg/subscription"
	"github.com/campaignforge/billing/pkg/tenant"
)

// meterColumns whitelists the counter column per meter. Meters are internal
// constants, never user input, but interpolating anything else into SQL is
// still off the table.
var meterColumns = map[Meter]string{
	MeterTokens:   "tokens_used",
	MeterContacts: "contacts_used",
	MeterEmails:   "emails_sent",
}

// PGCounterStore keeps counters in the usage_counters row, one per tenant.
// Every mutation is a single UPDATE, so postgres row locking serializes
// consumption and rollover for one tenant while other tenants proceed freely.
type PGCounterStore struct {
	q pg.Querier
}

func NewPGCounterStore(q pg.Querier) *PGCounterStore {
	return &PGCounterStore{q: q}
}

// WithQuerier rebinds the store to a transaction.
func (s *PGCounterStore) WithQuerier(q pg.Querier) *PGCounterStore {
	return &PGCounterStore{q: q}
}

func (s *PGCounterStore) ConsumeIfAvailable(ctx context.Context, tenantID uuid.UUID, meter Meter, units, allotment int64) (bool, int64, error) {
	col, ok := meterColumns[meter]
	if !ok {
		return false, 0, fmt.Errorf("%w: %s", ErrUnknownMeter, meter)
	}

	extraExpr := "0"
	if meter == MeterTokens {
		extraExpr = "extra_tokens"
	}

	// Single conditional UPDATE: the check and the decrement are one atomic
	// statement, so concurrent calls cannot both pass the check and overdraw.
	sql := fmt.Sprintf(`
		UPDATE usage_counters
		SET %[1]s = %[1]s + $1, updated_at = now()
		WHERE tenant_id = $2
		  AND ($3 = %[3]d OR %[1]s + $1 <= $3 + %[2]s)`,
		col, extraExpr, plan.Unlimited)

	tag, err := s.q.Exec(ctx, sql, units, tenantID, allotment)
	if err != nil {
		return false, 0, fmt.Errorf("consume %s: %w", meter, err)
	}
	if tag.RowsAffected() > 0 {
		return true, 0, nil
	}

	// Refused: report the remaining balance for the typed error.
	var used, extra int64
	query := fmt.Sprintf(`SELECT %s, %s FROM usage_counters WHERE tenant_id = $1`, col, extraExpr)
	if err := s.q.QueryRow(ctx, query, tenantID).Scan(&used, &extra); err != nil {
		if pg.IsNotFoundError(err) {
			return false, 0, tenant.ErrUsageNotFound
		}
		return false, 0, fmt.Errorf("read %s balance: %w", meter, err)
	}
	return false, max(allotment+extra-used, 0), nil
}

func (s *PGCounterStore) Rollover(ctx context.Context, tenantID uuid.UUID, newPeriodStart time.Time, carryExtra bool, allotment int64) error {
	// Zero affected rows means the stored period is already at or past the
	// new start: a replayed rollover is a no-op, not an error. Usage beyond
	// the included allotment was drawn from the purchased pack, so only the
	// untouched remainder carries across the boundary.
	sql := fmt.Sprintf(`
		UPDATE usage_counters
		SET period_start = $1,
		    tokens_used = 0,
		    contacts_used = 0,
		    emails_sent = 0,
		    extra_tokens = CASE
		        WHEN NOT $2 THEN 0
		        WHEN $4 = %d THEN extra_tokens
		        ELSE GREATEST(extra_tokens - GREATEST(tokens_used - $4, 0), 0)
		    END,
		    updated_at = now()
		WHERE tenant_id = $3 AND period_start < $1`, plan.Unlimited)
	if _, err := s.q.Exec(ctx, sql, newPeriodStart, carryExtra, tenantID, allotment); err != nil {
		return fmt.Errorf("rollover usage counters: %w", err)
	}
	return nil
}

func (s *PGCounterStore) AddExtra(ctx context.Context, tenantID uuid.UUID, units int64) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE usage_counters SET extra_tokens = extra_tokens + $1, updated_at = now()
		WHERE tenant_id = $2`, units, tenantID)
	if err != nil {
		return fmt.Errorf("credit token pack: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tenant.ErrUsageNotFound
	}
	return nil
}

func (s *PGCounterStore) Usage(ctx context.Context, tenantID uuid.UUID) (*tenant.UsageCounters, error) {
	var u tenant.UsageCounters
	err := s.q.QueryRow(ctx, `
		SELECT tenant_id, period_start, tokens_used, contacts_used, emails_sent, extra_tokens, updated_at
		FROM usage_counters WHERE tenant_id = $1`, tenantID,
	).Scan(&u.TenantID, &u.PeriodStart, &u.TokensUsed, &u.ContactsUsed, &u.EmailsSent, &u.ExtraTokens, &u.UpdatedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, tenant.ErrUsageNotFound
		}
		return nil, fmt.Errorf("read usage counters: %w", err)
	}
	return &u, nil
}

// EnsureRow creates the tenant's counters row when missing, starting the
// given period. Used at tenant provisioning and by the reconciler when a
// subscription is first confirmed.
func (s *PGCounterStore) EnsureRow(ctx context.Context, tenantID uuid.UUID, periodStart time.Time) error {
	if _, err := s.q.Exec(ctx, `
		INSERT INTO usage_counters (tenant_id, period_start)
		VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO NOTHING`, tenantID, periodStart); err != nil {
		return fmt.Errorf("ensure usage counters row: %w", err)
	}
	return nil
}

// StatusFromDB is the default StatusResolver: reads the tenant's plan and
// its active subscription's status in one query. Tenants without an active
// subscription resolve to unpaid.
func StatusFromDB(q pg.Querier) StatusResolver {
	return func(ctx context.Context, tenantID uuid.UUID) (string, subscription.Status, error) {
		var planID string
		var status *subscription.Status
		err := q.QueryRow(ctx, `
			SELECT t.plan_id, s.status
			FROM tenants t
			LEFT JOIN subscriptions s ON s.id = t.active_subscription_id
			WHERE t.id = $1`, tenantID).Scan(&planID, &status)
		if err != nil {
			if pg.IsNotFoundError(err) {
				return "", "", tenant.ErrTenantNotFound
			}
			return "", "", fmt.Errorf("resolve tenant status: %w", err)
		}
		if status == nil {
			return planID, subscription.StatusUnpaid, nil
		}
		return planID, *status, nil
	}
}
