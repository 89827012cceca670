package billing

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrVerificationFailed means the webhook signature did not check out.
	// The payload must be treated as untrusted and dropped.
	ErrVerificationFailed = errors.New("webhook verification failed")
	ErrNoCheckoutURL      = errors.New("provider returned no checkout URL")
	ErrNoPortalURL        = errors.New("provider returned no portal URL")
)

// Provider is the payment-processor integration surface. Implementations
// wrap the official SDK and keep processor quirks out of the rest of the
// system: everything downstream of ParseWebhook works with normalized
// events only.
type Provider interface {
	// CreateCustomer registers the customer with the processor and returns
	// the external customer id.
	CreateCustomer(ctx context.Context, req CreateCustomerRequest) (string, error)

	// CreateCheckout opens a hosted checkout session for the price.
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)

	// CreatePortalSession returns a pre-authenticated customer portal link.
	CreatePortalSession(ctx context.Context, providerCustomerID string, providerSubIDs []string) (*PortalSession, error)

	// ParseWebhook verifies the payload signature and normalizes it.
	// Returns ErrVerificationFailed (possibly wrapped) on a bad signature;
	// no event data is trusted before verification passes.
	ParseWebhook(ctx context.Context, payload []byte, signature string) (*Event, error)
}

// CreateCustomerRequest registers a local customer with the processor.
// CustomerID travels in the processor's custom data so webhooks can be
// resolved back to the local row.
type CreateCustomerRequest struct {
	CustomerID string
	Email      string
}

// CheckoutRequest opens a hosted checkout for one price.
type CheckoutRequest struct {
	PriceID            string
	ProviderCustomerID string
	CustomerID         string // local id, echoed back in webhook custom data
	Purpose            string // empty for subscriptions, PurposeTokenPack for packs
	PackUnits          int64  // token units the pack grants; echoed back in webhook custom data
	SuccessURL         string
}

// CheckoutSession is a hosted checkout the customer is redirected to.
type CheckoutSession struct {
	URL       string
	SessionID string
	ExpiresAt time.Time
}

// PortalSession is a pre-authenticated customer portal link where the
// customer manages payment methods and cancellation.
type PortalSession struct {
	URL       string
	CancelURL string
	ExpiresAt time.Time
}

// PurposeTokenPack marks a checkout as an add-on token pack purchase so
// the completed-transaction webhook credits tokens instead of touching the
// subscription.
const PurposeTokenPack = "token_pack"

// EventType is the normalized billing event kind. Processor-specific event
// names are mapped here once, at the parsing boundary.
type EventType string

const (
	EventSubscriptionCreated  EventType = "subscription.created"
	EventSubscriptionUpdated  EventType = "subscription.updated"
	EventSubscriptionCanceled EventType = "subscription.canceled"
	EventPaymentSucceeded     EventType = "payment.succeeded"
	EventPaymentFailed        EventType = "payment.failed"
	EventTokenPackPurchased   EventType = "token_pack.purchased"
	EventUnknown              EventType = ""
)

// Event is a verified, normalized webhook event. ID is the processor's
// event id and is the idempotency key; every delivery of the same event
// carries the same ID.
type Event struct {
	ID         string
	Type       EventType
	OccurredAt time.Time

	ProviderSubID      string
	ProviderCustomerID string
	ProviderTxnID      string

	// CustomerID is the local customer id recovered from custom data.
	CustomerID string

	PriceID string
	Status  string

	// Billing period boundaries, when the event carries them.
	PeriodStart *time.Time
	PeriodEnd   *time.Time

	Amount   int64
	Currency string

	// PackUnits is set for token pack purchases.
	PackUnits int64

	// Raw keeps the verified payload for audit storage.
	Raw json.RawMessage
}
