package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/campaignforge/billing/pkg/billing"
	"github.com/campaignforge/billing/pkg/plan"
	"github.com/campaignforge/billing/pkg/quota"
	"github.com/campaignforge/billing/pkg/subscription"
	"github.com/campaignforge/billing/pkg/tenant"
)

// apiError is the JSON error envelope. Code is machine-readable and stable;
// message is for humans.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: apiError{Code: code, Message: message}})
}

// respondDomainError maps domain errors onto the API surface. Quota
// exhaustion and an inactive subscription are deliberately distinct: the
// first means "upgrade your plan", the second "payment failed, update
// billing" — conflating them sends users to the wrong fix.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case quota.IsInsufficientQuota(err):
		var iq *quota.InsufficientQuotaError
		errors.As(err, &iq)
		respondError(w, http.StatusPaymentRequired, "quota_exhausted",
			"quota exhausted for "+string(iq.Meter)+": upgrade your plan or purchase a token pack")
	case errors.Is(err, quota.ErrSubscriptionInactive):
		respondError(w, http.StatusPaymentRequired, "subscription_inactive",
			"payment failed or subscription lapsed: update your billing details")
	case errors.Is(err, billing.ErrNoCustomer):
		respondError(w, http.StatusUnprocessableEntity, "no_billing_customer",
			"no billing profile yet: complete a checkout first")
	case errors.Is(err, plan.ErrNotFound):
		respondError(w, http.StatusNotFound, "plan_not_found", "unknown plan")
	case errors.Is(err, tenant.ErrTenantNotFound):
		respondError(w, http.StatusNotFound, "tenant_not_found", "unknown tenant")
	case errors.Is(err, subscription.ErrNotFound):
		respondError(w, http.StatusNotFound, "subscription_not_found", "no subscription on record")
	case errors.Is(err, quota.ErrUnknownMeter):
		respondError(w, http.StatusBadRequest, "unknown_meter", "unknown quota meter")
	default:
		respondError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
