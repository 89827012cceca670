package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/campaignforge/billing/pkg/authz"
	"github.com/campaignforge/billing/pkg/tenant"
)

// Identity is the authenticated caller of one request.
type Identity struct {
	Principal authz.Principal
	TenantID  uuid.UUID
	Email     string
}

// Authenticator resolves a request to its identity. Identity verification
// happens upstream of this service; implementations only translate whatever
// the deployment's auth layer forwards.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(r *http.Request) (Identity, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (Identity, error) {
	return f(r)
}

// withIdentity authenticates the request, resolves the principal's
// capability set once, and stamps tenant and capabilities into the request
// context. Everything downstream reads them from there.
func withIdentity(auth Authenticator, policy authz.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := auth.Authenticate(r)
			if err != nil {
				respondError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
				return
			}

			ctx := tenant.WithTenantID(r.Context(), id.TenantID)
			ctx = authz.WithCapabilities(ctx, policy.Resolve(ctx, id.Principal))
			ctx = withRequestIdentity(ctx, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requestLogger emits one structured line per request.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			log.InfoContext(r.Context(), "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

type identityKey struct{}

func withRequestIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// identityFromContext returns the request's authenticated identity.
func identityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
