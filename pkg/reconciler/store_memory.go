package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/campaignforge/billing/pkg/payment"
	"github.com/campaignforge/billing/pkg/plan"
	"github.com/campaignforge/billing/pkg/subscription"
	"github.com/campaignforge/billing/pkg/tenant"
)

// MemoryStore implements Store in memory with the same semantics as the
// postgres one, for tests and local development. InTenantTx serializes on a
// single mutex; on failure it rolls back the event's idempotency row, which
// is the only write handlers perform before reference resolution can fail.
type MemoryStore struct {
	mu             sync.Mutex
	tenants        map[uuid.UUID]*tenant.Tenant
	customers      map[uuid.UUID]*tenant.Customer
	subs           map[uuid.UUID]*subscription.Subscription
	subsByProvider map[string]uuid.UUID
	payments       map[string]*payment.Transaction
	counters       map[uuid.UUID]*tenant.UsageCounters
	events         map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:        make(map[uuid.UUID]*tenant.Tenant),
		customers:      make(map[uuid.UUID]*tenant.Customer),
		subs:           make(map[uuid.UUID]*subscription.Subscription),
		subsByProvider: make(map[string]uuid.UUID),
		payments:       make(map[string]*payment.Transaction),
		counters:       make(map[uuid.UUID]*tenant.UsageCounters),
		events:         make(map[string]struct{}),
	}
}

// Seed helpers for tests.

func (s *MemoryStore) AddTenant(t *tenant.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tenants[t.ID] = &cp
}

func (s *MemoryStore) AddCustomer(c *tenant.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.customers[c.ID] = &cp
}

func (s *MemoryStore) AddSubscription(sub *subscription.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sub
	s.subs[sub.ID] = &cp
	if sub.ProviderSubID != nil {
		s.subsByProvider[*sub.ProviderSubID] = sub.ID
	}
}

// Snapshot accessors for tests.

func (s *MemoryStore) Tenant(id uuid.UUID) (*tenant.Tenant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

func (s *MemoryStore) Subscription(id uuid.UUID) (*subscription.Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, false
	}
	cp := *sub
	return &cp, true
}

func (s *MemoryStore) Counters(tenantID uuid.UUID) (*tenant.UsageCounters, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.counters[tenantID]
	if !ok {
		return nil, false
	}
	cp := *u
	return &cp, true
}

func (s *MemoryStore) Payment(providerTxnID string) (*payment.Transaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[providerTxnID]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// Store interface.

func (s *MemoryStore) GetCustomerByProviderID(_ context.Context, providerCustomerID string) (*tenant.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.customers {
		if c.ProviderCustomerID != nil && *c.ProviderCustomerID == providerCustomerID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, tenant.ErrCustomerNotFound
}

func (s *MemoryStore) GetCustomerByID(_ context.Context, id uuid.UUID) (*tenant.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[id]
	if !ok {
		return nil, tenant.ErrCustomerNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) GetSubscriptionByProviderID(_ context.Context, providerSubID string) (*subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subByProviderLocked(providerSubID)
}

func (s *MemoryStore) subByProviderLocked(providerSubID string) (*subscription.Subscription, error) {
	id, ok := s.subsByProvider[providerSubID]
	if !ok {
		return nil, subscription.ErrNotFound
	}
	cp := *s.subs[id]
	return &cp, nil
}

func (s *MemoryStore) InTenantTx(ctx context.Context, _ uuid.UUID, fn func(ctx context.Context, tx TxStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTxStore{store: s}
	if err := fn(ctx, tx); err != nil {
		for _, id := range tx.insertedEvents {
			delete(s.events, id)
		}
		return err
	}
	return nil
}

type memTxStore struct {
	store          *MemoryStore
	insertedEvents []string
}

func (t *memTxStore) MarkEventProcessed(_ context.Context, providerEventID, _ string, _ uuid.UUID, _ []byte) (bool, error) {
	if _, seen := t.store.events[providerEventID]; seen {
		return true, nil
	}
	t.store.events[providerEventID] = struct{}{}
	t.insertedEvents = append(t.insertedEvents, providerEventID)
	return false, nil
}

func (t *memTxStore) GetSubscriptionByProviderID(_ context.Context, providerSubID string) (*subscription.Subscription, error) {
	return t.store.subByProviderLocked(providerSubID)
}

func (t *memTxStore) CreateSubscription(_ context.Context, sub *subscription.Subscription) error {
	// Mirrors the partial unique index on (tenant_id) for usable rows.
	if sub.Status.Usable() {
		for _, existing := range t.store.subs {
			if existing.TenantID == sub.TenantID && existing.Status.Usable() {
				return fmt.Errorf("create subscription: tenant %s already holds usable subscription %s", sub.TenantID, existing.ID)
			}
		}
	}
	cp := *sub
	t.store.subs[sub.ID] = &cp
	if sub.ProviderSubID != nil {
		t.store.subsByProvider[*sub.ProviderSubID] = sub.ID
	}
	return nil
}

func (t *memTxStore) SupersedeUsableSubscriptions(_ context.Context, tenantID uuid.UUID) error {
	for _, existing := range t.store.subs {
		if existing.TenantID == tenantID && existing.Status.Usable() {
			existing.Status = subscription.StatusCanceled
			existing.UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

func (t *memTxStore) UpdateSubscriptionStatus(_ context.Context, sub *subscription.Subscription, to subscription.Status) error {
	stored, ok := t.store.subs[sub.ID]
	if !ok {
		return subscription.ErrNotFound
	}
	next, err := subscription.Transition(stored.Status, to)
	if err != nil {
		return err
	}
	stored.Status = next
	stored.UpdatedAt = time.Now().UTC()
	sub.Status = next
	return nil
}

func (t *memTxStore) UpdateSubscriptionPeriod(_ context.Context, sub *subscription.Subscription, start, end time.Time) error {
	stored, ok := t.store.subs[sub.ID]
	if !ok {
		return subscription.ErrNotFound
	}
	stored.CurrentPeriodStart = start
	stored.CurrentPeriodEnd = end
	stored.UpdatedAt = time.Now().UTC()
	sub.CurrentPeriodStart = start
	sub.CurrentPeriodEnd = end
	return nil
}

func (t *memTxStore) SetCancelAtPeriodEnd(_ context.Context, sub *subscription.Subscription, cancel bool) error {
	stored, ok := t.store.subs[sub.ID]
	if !ok {
		return subscription.ErrNotFound
	}
	stored.CancelAtPeriodEnd = cancel
	sub.CancelAtPeriodEnd = cancel
	return nil
}

func (t *memTxStore) SetTenantPlan(_ context.Context, tenantID uuid.UUID, planID string) error {
	tn, ok := t.store.tenants[tenantID]
	if !ok {
		return tenant.ErrTenantNotFound
	}
	tn.PlanID = planID
	return nil
}

func (t *memTxStore) SetActiveSubscription(_ context.Context, tenantID, subscriptionID uuid.UUID) error {
	tn, ok := t.store.tenants[tenantID]
	if !ok {
		return tenant.ErrTenantNotFound
	}
	id := subscriptionID
	tn.ActiveSubscriptionID = &id
	return nil
}

func (t *memTxStore) ClearActiveSubscription(_ context.Context, tenantID, subscriptionID uuid.UUID) error {
	tn, ok := t.store.tenants[tenantID]
	if !ok {
		return tenant.ErrTenantNotFound
	}
	if tn.ActiveSubscriptionID != nil && *tn.ActiveSubscriptionID == subscriptionID {
		tn.ActiveSubscriptionID = nil
	}
	return nil
}

func (t *memTxStore) RecordTransaction(_ context.Context, txn *payment.Transaction) error {
	if _, ok := t.store.payments[txn.ProviderTxnID]; ok {
		return payment.ErrAlreadyRecorded
	}
	cp := *txn
	t.store.payments[txn.ProviderTxnID] = &cp
	return nil
}

func (t *memTxStore) FinalizeTransaction(_ context.Context, providerTxnID string, succeeded bool) error {
	txn, ok := t.store.payments[providerTxnID]
	if !ok {
		return payment.ErrNotFound
	}
	target := payment.TxnFailed
	if succeeded {
		target = payment.TxnSucceeded
	}
	if txn.Status == target {
		return nil
	}
	if txn.Status != payment.TxnPending {
		return payment.ErrFinalized
	}
	txn.Status = target
	return nil
}

func (t *memTxStore) EnsureUsageRow(_ context.Context, tenantID uuid.UUID, periodStart time.Time) error {
	if _, ok := t.store.counters[tenantID]; !ok {
		t.store.counters[tenantID] = &tenant.UsageCounters{
			TenantID:    tenantID,
			PeriodStart: periodStart,
		}
	}
	return nil
}

func (t *memTxStore) RolloverUsage(_ context.Context, tenantID uuid.UUID, newPeriodStart time.Time, carryExtra bool, allotment int64) error {
	u, ok := t.store.counters[tenantID]
	if !ok {
		return tenant.ErrUsageNotFound
	}
	if !u.PeriodStart.Before(newPeriodStart) {
		return nil
	}
	switch {
	case !carryExtra:
		u.ExtraTokens = 0
	case allotment != plan.Unlimited:
		// Usage beyond the included allotment was drawn from the pack;
		// only the untouched remainder crosses the boundary.
		overage := max(u.TokensUsed-allotment, 0)
		u.ExtraTokens = max(u.ExtraTokens-overage, 0)
	}
	u.PeriodStart = newPeriodStart
	u.TokensUsed = 0
	u.ContactsUsed = 0
	u.EmailsSent = 0
	return nil
}

func (t *memTxStore) AddExtraTokens(_ context.Context, tenantID uuid.UUID, units int64) error {
	u, ok := t.store.counters[tenantID]
	if !ok {
		return tenant.ErrUsageNotFound
	}
	u.ExtraTokens += units
	return nil
}
