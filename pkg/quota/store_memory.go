package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/campaignforge/billing/pkg/plan"
	"github.com/campaignforge/billing/pkg/tenant"
)

// MemoryCounterStore is an in-memory CounterStore with the same atomicity
// guarantees as the postgres implementation. Intended for tests and local
// development without a database.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[uuid.UUID]*tenant.UsageCounters
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{counters: make(map[uuid.UUID]*tenant.UsageCounters)}
}

// EnsureRow creates the tenant's counters row when missing.
func (s *MemoryCounterStore) EnsureRow(_ context.Context, tenantID uuid.UUID, periodStart time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.counters[tenantID]; !ok {
		s.counters[tenantID] = &tenant.UsageCounters{
			TenantID:    tenantID,
			PeriodStart: periodStart,
			UpdatedAt:   time.Now().UTC(),
		}
	}
	return nil
}

func (s *MemoryCounterStore) ConsumeIfAvailable(_ context.Context, tenantID uuid.UUID, meter Meter, units, allotment int64) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.counters[tenantID]
	if !ok {
		return false, 0, tenant.ErrUsageNotFound
	}

	used, extra, setUsed, err := meterSlot(u, meter)
	if err != nil {
		return false, 0, err
	}

	if allotment != plan.Unlimited && used+units > allotment+extra {
		return false, max(allotment+extra-used, 0), nil
	}

	setUsed(used + units)
	u.UpdatedAt = time.Now().UTC()
	return true, 0, nil
}

func (s *MemoryCounterStore) Rollover(_ context.Context, tenantID uuid.UUID, newPeriodStart time.Time, carryExtra bool, allotment int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.counters[tenantID]
	if !ok {
		return tenant.ErrUsageNotFound
	}
	if !u.PeriodStart.Before(newPeriodStart) {
		return nil // replayed rollover
	}
	switch {
	case !carryExtra:
		u.ExtraTokens = 0
	case allotment != plan.Unlimited:
		// Usage beyond the allotment came out of the pack; carry only the
		// unspent remainder.
		overage := max(u.TokensUsed-allotment, 0)
		u.ExtraTokens = max(u.ExtraTokens-overage, 0)
	}
	u.PeriodStart = newPeriodStart
	u.TokensUsed = 0
	u.ContactsUsed = 0
	u.EmailsSent = 0
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryCounterStore) AddExtra(_ context.Context, tenantID uuid.UUID, units int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.counters[tenantID]
	if !ok {
		return tenant.ErrUsageNotFound
	}
	u.ExtraTokens += units
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryCounterStore) Usage(_ context.Context, tenantID uuid.UUID) (*tenant.UsageCounters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.counters[tenantID]
	if !ok {
		return nil, tenant.ErrUsageNotFound
	}
	cp := *u
	return &cp, nil
}

// meterSlot returns the current used value, the applicable extra balance,
// and a setter for the meter's counter.
func meterSlot(u *tenant.UsageCounters, meter Meter) (used, extra int64, set func(int64), err error) {
	switch meter {
	case MeterTokens:
		return u.TokensUsed, u.ExtraTokens, func(v int64) { u.TokensUsed = v }, nil
	case MeterContacts:
		return u.ContactsUsed, 0, func(v int64) { u.ContactsUsed = v }, nil
	case MeterEmails:
		return u.EmailsSent, 0, func(v int64) { u.EmailsSent = v }, nil
	default:
		return 0, 0, nil, fmt.Errorf("%w: %s", ErrUnknownMeter, meter)
	}
}
