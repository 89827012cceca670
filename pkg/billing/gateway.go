// Package billing integrates the payment processor: hosted checkout,
// customer portal sessions, and webhook parsing. All money flows through
// the processor's hosted surfaces; this package never touches card data.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/campaignforge/billing/pkg/pg"
	"github.com/campaignforge/billing/pkg/plan"
	"github.com/campaignforge/billing/pkg/subscription"
	"github.com/campaignforge/billing/pkg/tenant"
)

var (
	// ErrNoCustomer means the tenant has no processor-linked customer yet,
	// so there is nothing to open a portal session for. A client error, not
	// a server fault.
	ErrNoCustomer = errors.New("tenant has no linked billing customer")
)

// CustomerDirectory is the slice of tenant storage the gateway needs.
type CustomerDirectory interface {
	GetTenant(ctx context.Context, tenantID uuid.UUID) (*tenant.Tenant, error)
	GetCustomer(ctx context.Context, tenantID uuid.UUID) (*tenant.Customer, error)
	CreateCustomer(ctx context.Context, c *tenant.Customer) error
	LinkCustomer(ctx context.Context, tenantID, customerID uuid.UUID, providerCustomerID string) error
}

// SubscriptionDirectory resolves a tenant's subscription rows.
type SubscriptionDirectory interface {
	Get(ctx context.Context, tenantID, id uuid.UUID) (*subscription.Subscription, error)
}

// Gateway drives checkout and portal flows against the processor. It holds
// no tenant data locks across network calls: local rows are written first,
// remote calls run against a bounded-timeout context, and the local side is
// written so a retry after a timeout is idempotent.
type Gateway struct {
	provider   Provider
	customers  CustomerDirectory
	subs       SubscriptionDirectory
	catalog    *plan.Catalog
	log        *slog.Logger
	timeout    time.Duration
	successURL string
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithNetworkTimeout bounds each processor call. Default 10s.
func WithNetworkTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithSuccessURL sets the redirect target after a completed checkout.
func WithSuccessURL(url string) GatewayOption {
	return func(g *Gateway) { g.successURL = url }
}

// NewGateway creates the checkout gateway. Panics on nil dependencies to
// fail fast during initialization.
func NewGateway(provider Provider, customers CustomerDirectory, subs SubscriptionDirectory, catalog *plan.Catalog, log *slog.Logger, opts ...GatewayOption) *Gateway {
	if provider == nil {
		panic("billing: Provider is required")
	}
	if customers == nil {
		panic("billing: CustomerDirectory is required")
	}
	if subs == nil {
		panic("billing: SubscriptionDirectory is required")
	}
	if catalog == nil {
		panic("billing: plan catalog is required")
	}
	if log == nil {
		log = slog.Default()
	}
	g := &Gateway{
		provider:  provider,
		customers: customers,
		subs:      subs,
		catalog:   catalog,
		log:       log,
		timeout:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// StartCheckout opens a hosted checkout for the plan and returns the
// redirect URL. The local Customer row is created lazily on first checkout;
// if the processor-side registration fails after the local row exists, the
// row stays unlinked and the next call retries the registration against the
// same row instead of creating a duplicate.
func (g *Gateway) StartCheckout(ctx context.Context, tenantID uuid.UUID, planID, billingEmail string) (string, error) {
	p, err := g.catalog.Get(planID)
	if err != nil {
		return "", err
	}

	customer, err := g.ensureLinkedCustomer(ctx, tenantID, billingEmail)
	if err != nil {
		return "", err
	}

	var session *CheckoutSession
	err = g.callProvider(ctx, func(ctx context.Context) error {
		var err error
		session, err = g.provider.CreateCheckout(ctx, CheckoutRequest{
			PriceID:            p.ID,
			ProviderCustomerID: *customer.ProviderCustomerID,
			CustomerID:         customer.ID.String(),
			SuccessURL:         g.successURL,
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to open checkout: %w", err)
	}
	return session.URL, nil
}

// StartTokenPackCheckout opens a checkout for the tenant's plan's add-on
// token pack. The pack's processor price id is derived from the plan's by
// the "-pack" suffix convention.
func (g *Gateway) StartTokenPackCheckout(ctx context.Context, tenantID uuid.UUID, billingEmail string) (string, error) {
	t, err := g.customers.GetTenant(ctx, tenantID)
	if err != nil {
		return "", err
	}
	p, err := g.catalog.Get(t.PlanID)
	if err != nil {
		return "", err
	}
	if p.TokenPackSize <= 0 {
		return "", fmt.Errorf("plan %s offers no token pack", p.ID)
	}

	customer, err := g.ensureLinkedCustomer(ctx, tenantID, billingEmail)
	if err != nil {
		return "", err
	}

	var session *CheckoutSession
	err = g.callProvider(ctx, func(ctx context.Context) error {
		var err error
		session, err = g.provider.CreateCheckout(ctx, CheckoutRequest{
			PriceID:            p.ID + "-pack",
			ProviderCustomerID: *customer.ProviderCustomerID,
			CustomerID:         customer.ID.String(),
			Purpose:            PurposeTokenPack,
			PackUnits:          p.TokenPackSize,
			SuccessURL:         g.successURL,
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to open token pack checkout: %w", err)
	}
	return session.URL, nil
}

// StartPortalSession returns a pre-authenticated customer portal URL.
// Returns ErrNoCustomer when the tenant never completed a checkout.
func (g *Gateway) StartPortalSession(ctx context.Context, tenantID uuid.UUID) (string, error) {
	customer, err := g.customers.GetCustomer(ctx, tenantID)
	if errors.Is(err, tenant.ErrCustomerNotFound) {
		return "", ErrNoCustomer
	}
	if err != nil {
		return "", err
	}
	if !customer.Linked() {
		return "", ErrNoCustomer
	}

	var subIDs []string
	t, err := g.customers.GetTenant(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if t.ActiveSubscriptionID != nil {
		sub, err := g.subs.Get(ctx, tenantID, *t.ActiveSubscriptionID)
		if err == nil && sub.ProviderSubID != nil {
			subIDs = append(subIDs, *sub.ProviderSubID)
		}
	}

	var session *PortalSession
	err = g.callProvider(ctx, func(ctx context.Context) error {
		var err error
		session, err = g.provider.CreatePortalSession(ctx, *customer.ProviderCustomerID, subIDs)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to open portal session: %w", err)
	}
	return session.URL, nil
}

// ensureLinkedCustomer returns the tenant's customer, creating the local
// row and the processor-side registration as needed. The local insert
// commits before the network call; a processor failure leaves the row
// unlinked for the next attempt to pick up.
func (g *Gateway) ensureLinkedCustomer(ctx context.Context, tenantID uuid.UUID, email string) (*tenant.Customer, error) {
	customer, err := g.customers.GetCustomer(ctx, tenantID)
	switch {
	case errors.Is(err, tenant.ErrCustomerNotFound):
		customer = &tenant.Customer{
			ID:       uuid.New(),
			TenantID: tenantID,
			Email:    email,
		}
		if err := g.customers.CreateCustomer(ctx, customer); err != nil {
			if pg.IsDuplicateKeyError(err) {
				// Lost a create race; the winner's row is the one to use.
				return g.ensureLinkedCustomer(ctx, tenantID, email)
			}
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	if customer.Linked() {
		return customer, nil
	}

	var providerID string
	err = g.callProvider(ctx, func(ctx context.Context) error {
		var err error
		providerID, err = g.provider.CreateCustomer(ctx, CreateCustomerRequest{
			CustomerID: customer.ID.String(),
			Email:      customer.Email,
		})
		return err
	})
	if err != nil {
		g.log.WarnContext(ctx, "customer registration with processor failed; row left pending",
			slog.String("tenant_id", tenantID.String()),
			slog.String("customer_id", customer.ID.String()),
			slog.Any("error", err))
		return nil, fmt.Errorf("failed to register customer with processor: %w", err)
	}

	if err := g.customers.LinkCustomer(ctx, tenantID, customer.ID, providerID); err != nil {
		return nil, err
	}
	customer.ProviderCustomerID = &providerID
	return customer, nil
}

// callProvider runs one processor call under the configured timeout, with
// a single retry on failure. Retries only while the caller's context is
// still live.
func (g *Gateway) callProvider(ctx context.Context, fn func(ctx context.Context) error) error {
	attempt := func() error {
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(cctx)
	}
	if err := attempt(); err != nil {
		if ctx.Err() != nil {
			return err
		}
		return attempt()
	}
	return nil
}
