// Package reconciler applies payment-processor webhook events to local
// billing state. Every event goes through the same pipeline: verify the
// signature, discard duplicates and stale deliveries, then apply the change
// inside one per-tenant transaction. Events referencing entities that do
// not exist locally yet are parked on the retry queue instead of being
// dropped or crashing the handler.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/campaignforge/billing/pkg/billing"
	"github.com/campaignforge/billing/pkg/payment"
	"github.com/campaignforge/billing/pkg/plan"
	"github.com/campaignforge/billing/pkg/queue"
	"github.com/campaignforge/billing/pkg/subscription"
	"github.com/campaignforge/billing/pkg/tenant"
)

var (
	// ErrUnresolvedReference means the event names a customer, subscription,
	// or plan this system has no record of. Usually an ordering artifact
	// (the event arrived before the entity it references), so the event is
	// retried rather than dropped.
	ErrUnresolvedReference = errors.New("event references unknown entity")
)

// Outcome classifies how an event was handled. The HTTP layer maps it to an
// acknowledgment status.
type Outcome int

const (
	// OutcomeApplied: the event changed local state and committed.
	OutcomeApplied Outcome = iota
	// OutcomeDuplicate: the event id was seen before; acknowledged no-op.
	OutcomeDuplicate
	// OutcomeStale: the event describes an older billing period than the
	// one on record; acknowledged no-op.
	OutcomeStale
	// OutcomeDeferred: a reference did not resolve; the event is parked on
	// the retry queue and acknowledged so the processor stops redelivering.
	OutcomeDeferred
	// OutcomeIgnored: an event type this system does not consume.
	OutcomeIgnored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeStale:
		return "stale"
	case OutcomeDeferred:
		return "deferred"
	case OutcomeIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// Enqueuer is the retry queue surface the reconciler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload any, opts ...queue.EnqueueOption) error
}

// RetryEvent is the queue payload for an event whose references did not
// resolve on first delivery.
type RetryEvent struct {
	Event billing.Event `json:"event"`
}

// Reconciler drives webhook events into local billing state.
type Reconciler struct {
	provider billing.Provider
	store    Store
	catalog  *plan.Catalog
	retries  Enqueuer
	log      *slog.Logger
}

// New creates a reconciler. Panics on nil dependencies to fail fast during
// initialization.
func New(provider billing.Provider, store Store, catalog *plan.Catalog, retries Enqueuer, log *slog.Logger) *Reconciler {
	if provider == nil {
		panic("reconciler: billing provider is required")
	}
	if store == nil {
		panic("reconciler: store is required")
	}
	if catalog == nil {
		panic("reconciler: plan catalog is required")
	}
	if retries == nil {
		panic("reconciler: retry enqueuer is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{provider: provider, store: store, catalog: catalog, retries: retries, log: log}
}

// RetryHandler returns the queue handler that re-applies deferred events.
// A still-unresolved reference fails the task so the queue retries with
// backoff and eventually dead-letters it.
func (r *Reconciler) RetryHandler() queue.Handler {
	return queue.NewHandler(func(ctx context.Context, payload RetryEvent) error {
		outcome, err := r.Apply(ctx, &payload.Event)
		if err != nil {
			return err
		}
		r.log.InfoContext(ctx, "deferred event re-applied",
			slog.String("event_id", payload.Event.ID),
			slog.String("outcome", outcome.String()))
		return nil
	})
}

// Process verifies and applies one raw webhook delivery. A verification
// failure returns billing.ErrVerificationFailed before any state is read;
// nothing in an unverified payload is trusted.
func (r *Reconciler) Process(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	event, err := r.provider.ParseWebhook(ctx, payload, signature)
	if err != nil {
		if errors.Is(err, billing.ErrVerificationFailed) {
			r.log.WarnContext(ctx, "webhook signature rejected", slog.Any("error", err))
		}
		return OutcomeIgnored, err
	}
	return r.Apply(ctx, event)
}

// Apply reconciles one verified event. Unresolved references roll the
// transaction back (including the idempotency row, so the retry can run the
// full pipeline again) and park the event on the retry queue.
func (r *Reconciler) Apply(ctx context.Context, event *billing.Event) (Outcome, error) {
	if event.Type == billing.EventUnknown {
		r.log.DebugContext(ctx, "ignoring unhandled event type", slog.String("event_id", event.ID))
		return OutcomeIgnored, nil
	}

	tenantID, err := r.resolveTenant(ctx, event)
	if err != nil {
		if errors.Is(err, ErrUnresolvedReference) {
			return r.park(ctx, event, err)
		}
		return OutcomeIgnored, err
	}

	outcome := OutcomeApplied
	err = r.store.InTenantTx(ctx, tenantID, func(ctx context.Context, tx TxStore) error {
		duplicate, err := tx.MarkEventProcessed(ctx, event.ID, string(event.Type), tenantID, event.Raw)
		if err != nil {
			return err
		}
		if duplicate {
			outcome = OutcomeDuplicate
			return nil
		}

		o, err := r.apply(ctx, tx, tenantID, event)
		if err != nil {
			return err
		}
		outcome = o
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrUnresolvedReference) {
			return r.park(ctx, event, err)
		}
		return OutcomeIgnored, err
	}

	switch outcome {
	case OutcomeDuplicate:
		r.log.InfoContext(ctx, "duplicate event acknowledged",
			slog.String("event_id", event.ID),
			slog.String("tenant_id", tenantID.String()))
	case OutcomeStale:
		r.log.InfoContext(ctx, "stale event discarded",
			slog.String("event_id", event.ID),
			slog.String("tenant_id", tenantID.String()))
	case OutcomeApplied:
		r.log.InfoContext(ctx, "event applied",
			slog.String("event_id", event.ID),
			slog.String("event_type", string(event.Type)),
			slog.String("tenant_id", tenantID.String()))
	}
	return outcome, nil
}

// park defers an unresolved event to the retry queue.
func (r *Reconciler) park(ctx context.Context, event *billing.Event, cause error) (Outcome, error) {
	r.log.WarnContext(ctx, "event deferred to retry queue",
		slog.String("event_id", event.ID),
		slog.String("event_type", string(event.Type)),
		slog.Any("error", cause))
	if err := r.retries.Enqueue(ctx, RetryEvent{Event: *event},
		queue.WithDelay(30*time.Second), queue.WithMaxRetries(5)); err != nil {
		return OutcomeIgnored, fmt.Errorf("failed to defer event %s: %w", event.ID, err)
	}
	return OutcomeDeferred, nil
}

// resolveTenant maps an event to the tenant it belongs to: by the known
// subscription first, then the processor customer id, then the local
// customer id carried in checkout custom data.
func (r *Reconciler) resolveTenant(ctx context.Context, event *billing.Event) (uuid.UUID, error) {
	if event.ProviderSubID != "" {
		sub, err := r.store.GetSubscriptionByProviderID(ctx, event.ProviderSubID)
		if err == nil {
			return sub.TenantID, nil
		}
		if !errors.Is(err, subscription.ErrNotFound) {
			return uuid.Nil, err
		}
	}

	if event.ProviderCustomerID != "" {
		c, err := r.store.GetCustomerByProviderID(ctx, event.ProviderCustomerID)
		if err == nil {
			return c.TenantID, nil
		}
		if !errors.Is(err, tenant.ErrCustomerNotFound) {
			return uuid.Nil, err
		}
	}

	if event.CustomerID != "" {
		if id, err := uuid.Parse(event.CustomerID); err == nil {
			c, err := r.store.GetCustomerByID(ctx, id)
			if err == nil {
				return c.TenantID, nil
			}
			if !errors.Is(err, tenant.ErrCustomerNotFound) {
				return uuid.Nil, err
			}
		}
	}

	return uuid.Nil, fmt.Errorf("%w: event %s", ErrUnresolvedReference, event.ID)
}

// apply dispatches a deduplicated event to its handler inside the tenant
// transaction.
func (r *Reconciler) apply(ctx context.Context, tx TxStore, tenantID uuid.UUID, event *billing.Event) (Outcome, error) {
	switch event.Type {
	case billing.EventSubscriptionCreated:
		return r.applySubscriptionCreated(ctx, tx, tenantID, event)
	case billing.EventSubscriptionUpdated:
		return r.applySubscriptionUpdated(ctx, tx, tenantID, event)
	case billing.EventSubscriptionCanceled:
		return r.applySubscriptionCanceled(ctx, tx, tenantID, event)
	case billing.EventPaymentSucceeded:
		return r.applyPayment(ctx, tx, tenantID, event, true)
	case billing.EventPaymentFailed:
		return r.applyPayment(ctx, tx, tenantID, event, false)
	case billing.EventTokenPackPurchased:
		return r.applyTokenPack(ctx, tx, tenantID, event)
	default:
		return OutcomeIgnored, nil
	}
}

func (r *Reconciler) applySubscriptionCreated(ctx context.Context, tx TxStore, tenantID uuid.UUID, event *billing.Event) (Outcome, error) {
	if err := r.catalog.Verify(event.PriceID); err != nil {
		return OutcomeIgnored, fmt.Errorf("%w: plan %q on event %s", ErrUnresolvedReference, event.PriceID, event.ID)
	}

	// Processor retries and out-of-order delivery can surface a "created"
	// event for a subscription already on record; treat it as an update.
	if existing, err := tx.GetSubscriptionByProviderID(ctx, event.ProviderSubID); err == nil {
		return r.updateExisting(ctx, tx, existing, event)
	} else if !errors.Is(err, subscription.ErrNotFound) {
		return OutcomeIgnored, err
	}

	now := time.Now().UTC()
	periodStart, periodEnd := now, now.AddDate(0, 1, 0)
	if event.PeriodStart != nil {
		periodStart = *event.PeriodStart
	}
	if event.PeriodEnd != nil {
		periodEnd = *event.PeriodEnd
	}

	// A brand-new processor subscription id replaces whatever the tenant
	// held before (plan change, resubscribe). Demote the old row first so
	// the one-usable-per-tenant constraint admits the new one.
	if err := tx.SupersedeUsableSubscriptions(ctx, tenantID); err != nil {
		return OutcomeIgnored, err
	}

	sub := &subscription.Subscription{
		ID:                 uuid.New(),
		TenantID:           tenantID,
		PlanID:             event.PriceID,
		ProviderSubID:      &event.ProviderSubID,
		Status:             mapProviderStatus(event.Status),
		CurrentPeriodStart: periodStart,
		CurrentPeriodEnd:   periodEnd,
	}
	if err := tx.CreateSubscription(ctx, sub); err != nil {
		return OutcomeIgnored, err
	}
	if err := tx.SetTenantPlan(ctx, tenantID, event.PriceID); err != nil {
		return OutcomeIgnored, err
	}
	if err := tx.SetActiveSubscription(ctx, tenantID, sub.ID); err != nil {
		return OutcomeIgnored, err
	}
	if err := tx.EnsureUsageRow(ctx, tenantID, periodStart); err != nil {
		return OutcomeIgnored, err
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) applySubscriptionUpdated(ctx context.Context, tx TxStore, tenantID uuid.UUID, event *billing.Event) (Outcome, error) {
	sub, err := tx.GetSubscriptionByProviderID(ctx, event.ProviderSubID)
	if errors.Is(err, subscription.ErrNotFound) {
		return OutcomeIgnored, fmt.Errorf("%w: subscription %q on event %s", ErrUnresolvedReference, event.ProviderSubID, event.ID)
	}
	if err != nil {
		return OutcomeIgnored, err
	}
	return r.updateExisting(ctx, tx, sub, event)
}

// updateExisting applies an event's state onto a subscription on record.
// Events describing an older billing period than the stored one are stale:
// a newer event has already advanced the subscription, so applying the old
// one would rewind it.
func (r *Reconciler) updateExisting(ctx context.Context, tx TxStore, sub *subscription.Subscription, event *billing.Event) (Outcome, error) {
	if event.PeriodStart != nil && sub.SupersededBy(*event.PeriodStart) {
		return OutcomeStale, nil
	}

	periodAdvanced := event.PeriodStart != nil && event.PeriodStart.After(sub.CurrentPeriodStart)
	if periodAdvanced {
		end := sub.CurrentPeriodEnd
		if event.PeriodEnd != nil {
			end = *event.PeriodEnd
		}
		if err := tx.UpdateSubscriptionPeriod(ctx, sub, *event.PeriodStart, end); err != nil {
			return OutcomeIgnored, err
		}

		carry := false
		allotment := int64(0)
		if p, err := r.catalog.Get(sub.PlanID); err == nil {
			carry = p.PackRollsOver
			allotment = p.MonthlyTokens
		}
		if err := tx.RolloverUsage(ctx, sub.TenantID, *event.PeriodStart, carry, allotment); err != nil {
			return OutcomeIgnored, err
		}
	}

	if event.Status != "" {
		to := mapProviderStatus(event.Status)
		if to != sub.Status {
			if err := tx.UpdateSubscriptionStatus(ctx, sub, to); err != nil {
				if errors.Is(err, subscription.ErrTerminalState) || errors.Is(err, subscription.ErrInvalidTransition) {
					// A canceled subscription stays canceled; late status
					// flaps from the processor are discarded, not applied.
					return OutcomeStale, nil
				}
				return OutcomeIgnored, err
			}
			if to == subscription.StatusCanceled {
				if err := tx.ClearActiveSubscription(ctx, sub.TenantID, sub.ID); err != nil {
					return OutcomeIgnored, err
				}
			}
		}
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) applySubscriptionCanceled(ctx context.Context, tx TxStore, tenantID uuid.UUID, event *billing.Event) (Outcome, error) {
	sub, err := tx.GetSubscriptionByProviderID(ctx, event.ProviderSubID)
	if errors.Is(err, subscription.ErrNotFound) {
		return OutcomeIgnored, fmt.Errorf("%w: subscription %q on event %s", ErrUnresolvedReference, event.ProviderSubID, event.ID)
	}
	if err != nil {
		return OutcomeIgnored, err
	}

	if sub.Status != subscription.StatusCanceled {
		if err := tx.UpdateSubscriptionStatus(ctx, sub, subscription.StatusCanceled); err != nil {
			return OutcomeIgnored, err
		}
	}
	// Predicate clear: a cancellation of a superseded subscription must not
	// strip the tenant's pointer to its current one.
	if err := tx.ClearActiveSubscription(ctx, tenantID, sub.ID); err != nil {
		return OutcomeIgnored, err
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) applyPayment(ctx context.Context, tx TxStore, tenantID uuid.UUID, event *billing.Event, succeeded bool) (Outcome, error) {
	if _, err := r.recordPayment(ctx, tx, tenantID, event, succeeded); err != nil {
		return OutcomeIgnored, err
	}
	return OutcomeApplied, nil
}

// recordPayment inserts the transaction row. Reports recorded=false when the
// same charge was already on record under another event id; the existing row
// is finalized in that case instead of duplicated.
func (r *Reconciler) recordPayment(ctx context.Context, tx TxStore, tenantID uuid.UUID, event *billing.Event, succeeded bool) (bool, error) {
	var subID *uuid.UUID
	var customerID uuid.UUID
	if event.ProviderSubID != "" {
		if sub, err := tx.GetSubscriptionByProviderID(ctx, event.ProviderSubID); err == nil {
			subID = &sub.ID
		}
	}
	if id, err := uuid.Parse(event.CustomerID); err == nil {
		customerID = id
	}

	status := payment.TxnFailed
	if succeeded {
		status = payment.TxnSucceeded
	}
	txn := &payment.Transaction{
		ID:             uuid.New(),
		TenantID:       tenantID,
		CustomerID:     customerID,
		SubscriptionID: subID,
		ProviderTxnID:  event.ProviderTxnID,
		Amount:         plan.Money{Amount: event.Amount, Currency: event.Currency},
		Status:         status,
	}
	if err := tx.RecordTransaction(ctx, txn); err != nil {
		if errors.Is(err, payment.ErrAlreadyRecorded) {
			if ferr := tx.FinalizeTransaction(ctx, event.ProviderTxnID, succeeded); ferr != nil && !errors.Is(ferr, payment.ErrFinalized) {
				return false, ferr
			}
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *Reconciler) applyTokenPack(ctx context.Context, tx TxStore, tenantID uuid.UUID, event *billing.Event) (Outcome, error) {
	units := event.PackUnits
	if units <= 0 {
		// Older checkouts did not plant the unit count; fall back to the
		// pack size the catalog defines for the purchased price.
		units = r.packUnits(event.PriceID)
	}
	if units <= 0 {
		return OutcomeIgnored, fmt.Errorf("token pack event %s carries no units and price %q matches no catalog pack", event.ID, event.PriceID)
	}

	recorded, err := r.recordPayment(ctx, tx, tenantID, event, true)
	if err != nil {
		return OutcomeIgnored, err
	}
	if !recorded {
		// The charge was already credited under its first event id.
		return OutcomeDuplicate, nil
	}
	if err := tx.AddExtraTokens(ctx, tenantID, units); err != nil {
		return OutcomeIgnored, err
	}
	return OutcomeApplied, nil
}

// packUnits resolves a pack price id back to its plan's pack size via the
// "-pack" suffix convention. Returns 0 when the price names no known pack.
func (r *Reconciler) packUnits(priceID string) int64 {
	planID := strings.TrimSuffix(priceID, "-pack")
	if planID == priceID {
		return 0
	}
	p, err := r.catalog.Get(planID)
	if err != nil {
		return 0
	}
	return p.TokenPackSize
}

// mapProviderStatus folds processor status vocabulary into the local
// lifecycle. Paused and unknown states revoke usage rather than grant it.
func mapProviderStatus(s string) subscription.Status {
	switch s {
	case "trialing":
		return subscription.StatusTrialing
	case "active":
		return subscription.StatusActive
	case "past_due":
		return subscription.StatusPastDue
	case "canceled", "cancelled":
		return subscription.StatusCanceled
	default:
		return subscription.StatusUnpaid
	}
}
