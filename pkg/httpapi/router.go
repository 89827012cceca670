package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/campaignforge/billing/pkg/authz"
)

// NewRouter mounts the billing API. The webhook route sits outside the
// identity middleware: the processor authenticates by payload signature,
// not by caller identity.
func NewRouter(h *Handlers, auth Authenticator, policy authz.Policy, log *slog.Logger) http.Handler {
	if h == nil || auth == nil {
		panic("httpapi: handlers and authenticator are required")
	}
	if policy == nil {
		policy = authz.DefaultPolicy()
	}
	if log == nil {
		log = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/webhooks/billing", h.handleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(withIdentity(auth, policy))

		r.Route("/billing", func(r chi.Router) {
			r.Post("/checkout", h.handleCheckout)
			r.Post("/portal", h.handlePortal)
			r.Get("/plan", h.handlePlan)
			r.Post("/cancel", h.handleCancel)
		})
		r.Post("/quota/consume", h.handleConsume)
	})

	return r
}
