// Package authz resolves an authenticated principal into an explicit
// capability set, consulted once per request. Privileged behavior (quota
// bypass, cross-tenant reads) is only ever granted through this set, never
// inferred from ad hoc flags scattered through call sites.
package authz

import (
	"context"
	"slices"
)

// Capability names a privileged behavior a principal may exercise.
type Capability string

const (
	// CapQuotaBypass lets operator and test accounts consume metered
	// resources without touching usage counters.
	CapQuotaBypass Capability = "quota.bypass"

	// CapCrossTenant exempts a principal from tenant scoping for
	// administrative reads.
	CapCrossTenant Capability = "tenant.cross"
)

// Capabilities is the resolved set for one request. The zero value grants
// nothing.
type Capabilities struct {
	caps []Capability
}

// NewCapabilities builds a set from explicit grants.
func NewCapabilities(caps ...Capability) Capabilities {
	return Capabilities{caps: slices.Clone(caps)}
}

// Has reports whether the capability was granted.
func (c Capabilities) Has(cap Capability) bool {
	return slices.Contains(c.caps, cap)
}

// List returns the granted capabilities for audit logging.
func (c Capabilities) List() []Capability {
	return slices.Clone(c.caps)
}

// Principal is the opaque authenticated caller handed to the policy.
// Identity resolution itself is an external collaborator.
type Principal struct {
	Subject  string
	Operator bool
	Test     bool
}

// Policy produces the capability set for a principal.
type Policy interface {
	Resolve(ctx context.Context, p Principal) Capabilities
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc func(ctx context.Context, p Principal) Capabilities

func (f PolicyFunc) Resolve(ctx context.Context, p Principal) Capabilities {
	return f(ctx, p)
}

// DefaultPolicy grants quota bypass to operator and test principals and
// cross-tenant access to operators only.
func DefaultPolicy() Policy {
	return PolicyFunc(func(_ context.Context, p Principal) Capabilities {
		var caps []Capability
		if p.Operator {
			caps = append(caps, CapQuotaBypass, CapCrossTenant)
		} else if p.Test {
			caps = append(caps, CapQuotaBypass)
		}
		return NewCapabilities(caps...)
	})
}

type contextKey struct{}

// WithCapabilities attaches the resolved set to the context.
func WithCapabilities(ctx context.Context, caps Capabilities) context.Context {
	return context.WithValue(ctx, contextKey{}, caps)
}

// FromContext returns the capability set, or an empty set when none was
// resolved. Absence grants nothing, so callers need no ok-check.
func FromContext(ctx context.Context) Capabilities {
	caps, ok := ctx.Value(contextKey{}).(Capabilities)
	if !ok {
		return Capabilities{}
	}
	return caps
}
