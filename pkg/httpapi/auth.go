package httpapi

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/campaignforge/billing/pkg/authz"
)

// ErrUnauthenticated is returned when a request carries no usable identity.
var ErrUnauthenticated = errors.New("request is not authenticated")

// HeaderAuthenticator reads the identity headers the fronting gateway sets
// after verifying the caller. This service never sees raw credentials; it
// must only be reachable through that gateway.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	tenantID, err := uuid.Parse(r.Header.Get("X-Tenant-ID"))
	if err != nil {
		return Identity{}, ErrUnauthenticated
	}
	subject := r.Header.Get("X-Principal-Subject")
	if subject == "" {
		return Identity{}, ErrUnauthenticated
	}
	return Identity{
		TenantID: tenantID,
		Email:    r.Header.Get("X-Principal-Email"),
		Principal: authz.Principal{
			Subject:  subject,
			Operator: r.Header.Get("X-Principal-Operator") == "true",
			Test:     r.Header.Get("X-Principal-Test") == "true",
		},
	}, nil
}
