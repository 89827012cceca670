package tenant

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type contextKey struct{}
type idContextKey struct{}

// WithTenant adds a tenant to the context.
func WithTenant(ctx context.Context, t *Tenant) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// WithTenantID scopes the context to a tenant by id alone, for request
// paths that authenticate the tenant without loading its row.
func WithTenantID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, idContextKey{}, id)
}

// FromContext retrieves the tenant from the context.
func FromContext(ctx context.Context) (*Tenant, bool) {
	t, ok := ctx.Value(contextKey{}).(*Tenant)
	return t, ok
}

// IDFromContext retrieves just the tenant ID from the context, whether the
// context carries the full tenant or only its id.
func IDFromContext(ctx context.Context) (uuid.UUID, bool) {
	if t, ok := FromContext(ctx); ok && t != nil {
		return t.ID, true
	}
	if id, ok := ctx.Value(idContextKey{}).(uuid.UUID); ok {
		return id, true
	}
	return uuid.UUID{}, false
}

// MustFromContext panics when no tenant is present. Use only in handlers
// behind the tenant middleware.
func MustFromContext(ctx context.Context) *Tenant {
	t, ok := FromContext(ctx)
	if !ok || t == nil {
		panic("tenant: no tenant in context")
	}
	return t
}

// LoggerExtractor injects tenant_id into every log record carrying a tenant context.
func LoggerExtractor() func(ctx context.Context) (slog.Attr, bool) {
	return func(ctx context.Context) (slog.Attr, bool) {
		if id, ok := IDFromContext(ctx); ok {
			return slog.String("tenant_id", id.String()), true
		}
		return slog.Attr{}, false
	}
}
