// Package httpapi exposes the billing engine over HTTP: webhook ingestion,
// checkout and portal session creation, plan and usage reads, and
// cancellation. All tenant-facing routes require an authenticated identity;
// the webhook route authenticates by payload signature instead.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/campaignforge/billing/pkg/billing"
	"github.com/campaignforge/billing/pkg/plan"
	"github.com/campaignforge/billing/pkg/quota"
	"github.com/campaignforge/billing/pkg/reconciler"
	"github.com/campaignforge/billing/pkg/subscription"
)

// maxWebhookBody caps webhook payload reads. Processor events are small;
// anything larger is not a legitimate delivery.
const maxWebhookBody = 1 << 20

// WebhookProcessor ingests one raw webhook delivery.
type WebhookProcessor interface {
	Process(ctx context.Context, payload []byte, signature string) (reconciler.Outcome, error)
}

// CheckoutGateway is the payment-provider surface the checkout and portal
// endpoints drive.
type CheckoutGateway interface {
	StartCheckout(ctx context.Context, tenantID uuid.UUID, planID, billingEmail string) (string, error)
	StartTokenPackCheckout(ctx context.Context, tenantID uuid.UUID, billingEmail string) (string, error)
	StartPortalSession(ctx context.Context, tenantID uuid.UUID) (string, error)
}

// UsageReporter reads and consumes metered usage for a tenant.
type UsageReporter interface {
	Usage(ctx context.Context, tenantID uuid.UUID) (map[quota.Meter]quota.MeterUsage, error)
	TryConsume(ctx context.Context, tenantID uuid.UUID, meter quota.Meter, units int64) error
}

// Handlers holds the endpoint implementations. Construct with NewHandlers
// and mount with NewRouter.
type Handlers struct {
	webhooks WebhookProcessor
	gateway  CheckoutGateway
	ledger   UsageReporter
	store    BillingStateStore
	catalog  *plan.Catalog
	log      *slog.Logger
}

// NewHandlers wires the endpoints. All dependencies are required.
func NewHandlers(webhooks WebhookProcessor, gateway CheckoutGateway, ledger UsageReporter, store BillingStateStore, catalog *plan.Catalog, log *slog.Logger) *Handlers {
	if webhooks == nil || gateway == nil || ledger == nil || store == nil || catalog == nil {
		panic("httpapi: all handler dependencies are required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{
		webhooks: webhooks,
		gateway:  gateway,
		ledger:   ledger,
		store:    store,
		catalog:  catalog,
		log:      log,
	}
}

// handleWebhook acknowledges deliveries by processing outcome: verification
// failures are the sender's fault (400), anything the reconciler classified
// — including deferred events it parked for retry — is acknowledged (200)
// so the processor stops redelivering, and only genuine internal failures
// ask for redelivery (500).
func (h *Handlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "unreadable payload")
		return
	}

	outcome, err := h.webhooks.Process(r.Context(), payload, r.Header.Get("Paddle-Signature"))
	if err != nil {
		if errors.Is(err, billing.ErrVerificationFailed) {
			respondError(w, http.StatusBadRequest, "invalid_signature", "webhook signature verification failed")
			return
		}
		h.log.ErrorContext(r.Context(), "webhook processing failed", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": outcome.String()})
}

type checkoutRequest struct {
	PlanID    string `json:"plan_id"`
	TokenPack bool   `json:"token_pack"`
}

func (h *Handlers) handleCheckout(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	var (
		url string
		err error
	)
	if req.TokenPack {
		url, err = h.gateway.StartTokenPackCheckout(r.Context(), id.TenantID, id.Email)
	} else {
		if req.PlanID == "" {
			respondError(w, http.StatusBadRequest, "bad_request", "plan_id is required")
			return
		}
		url, err = h.gateway.StartCheckout(r.Context(), id.TenantID, req.PlanID, id.Email)
	}
	if err != nil {
		h.log.ErrorContext(r.Context(), "checkout failed",
			slog.String("plan_id", req.PlanID), slog.Any("error", err))
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (h *Handlers) handlePortal(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
		return
	}

	url, err := h.gateway.StartPortalSession(r.Context(), id.TenantID)
	if err != nil {
		if !errors.Is(err, billing.ErrNoCustomer) {
			h.log.ErrorContext(r.Context(), "portal session failed", slog.Any("error", err))
		}
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"url": url})
}

type planResponse struct {
	Plan              planView                         `json:"plan"`
	Status            string                           `json:"status"`
	PeriodEnd         *time.Time                       `json:"period_end,omitempty"`
	CancelAtPeriodEnd bool                             `json:"cancel_at_period_end"`
	Usage             map[quota.Meter]quota.MeterUsage `json:"usage"`
}

type planView struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	PriceMonthly  plan.Money `json:"price_monthly"`
	PriceAnnual   plan.Money `json:"price_annual"`
	MonthlyTokens int64      `json:"monthly_tokens"`
	TokenPackSize int64      `json:"token_pack_size,omitempty"`
}

func (h *Handlers) handlePlan(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
		return
	}

	t, err := h.store.GetTenant(r.Context(), id.TenantID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	p, err := h.catalog.Get(t.PlanID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	usage, err := h.ledger.Usage(r.Context(), id.TenantID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	resp := planResponse{
		Plan: planView{
			ID:            p.ID,
			Name:          p.Name,
			Description:   p.Description,
			PriceMonthly:  p.PriceMonthly,
			PriceAnnual:   p.PriceAnnual,
			MonthlyTokens: p.MonthlyTokens,
			TokenPackSize: p.TokenPackSize,
		},
		Status: "none",
		Usage:  usage,
	}
	if t.ActiveSubscriptionID != nil {
		sub, err := h.store.GetSubscription(r.Context(), id.TenantID, *t.ActiveSubscriptionID)
		if err != nil {
			respondDomainError(w, err)
			return
		}
		resp.Status = string(sub.Status)
		resp.PeriodEnd = &sub.CurrentPeriodEnd
		resp.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleCancel flags the active subscription to lapse at period end rather
// than terminating it immediately; access continues through the paid period.
func (h *Handlers) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
		return
	}

	t, err := h.store.GetTenant(r.Context(), id.TenantID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if t.ActiveSubscriptionID == nil {
		respondDomainError(w, subscription.ErrNotFound)
		return
	}
	sub, err := h.store.GetSubscription(r.Context(), id.TenantID, *t.ActiveSubscriptionID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if err := h.store.SetCancelAtPeriodEnd(r.Context(), sub, true); err != nil {
		respondDomainError(w, err)
		return
	}

	h.log.InfoContext(r.Context(), "subscription cancellation scheduled",
		slog.String("tenant_id", id.TenantID.String()),
		slog.String("subscription_id", sub.ID.String()),
		slog.Time("effective_at", sub.CurrentPeriodEnd))

	respondJSON(w, http.StatusOK, map[string]any{
		"status":               string(sub.Status),
		"cancel_at_period_end": true,
		"effective_at":         sub.CurrentPeriodEnd,
	})
}

type consumeRequest struct {
	Meter string `json:"meter"`
	Units int64  `json:"units"`

	// Operation + Quantity is the alternative form: the caller names the
	// billable action and we price it in tokens.
	Operation string `json:"operation"`
	Quantity  int64  `json:"quantity"`
}

// handleConsume is the internal metering endpoint other services call
// before performing billable work. Callers either pass raw meter units or
// an operation to be priced in tokens. Refusals carry distinct codes so the
// caller can surface the right remediation.
func (h *Handlers) handleConsume(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
		return
	}

	var req consumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	meter := quota.Meter(req.Meter)
	units := req.Units
	if req.Operation != "" {
		if req.Quantity <= 0 {
			req.Quantity = 1
		}
		units = quota.Estimate(quota.Operation(req.Operation), req.Quantity)
		if units <= 0 {
			respondError(w, http.StatusBadRequest, "bad_request", "unknown operation: "+req.Operation)
			return
		}
		if req.Meter == "" {
			meter = quota.MeterTokens
		}
	}
	if units <= 0 {
		units = 1
	}

	if err := h.ledger.TryConsume(r.Context(), id.TenantID, meter, units); err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "units": units})
}
