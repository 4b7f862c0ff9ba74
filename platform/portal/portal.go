/*
Package portal scopes the customer portal.

Every portal request acts as one customer of one organization. The Middleware finds
the customer of the signed-in user, links the user to a customer record with the
same email on first access, and grants the customer's permissions. The individual
portal routes are installed by the packages which own the data.
*/
package portal

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/voxtro/backend/core"
	"github.com/voxtro/backend/core/access"
	"github.com/voxtro/backend/core/logger"
	"github.com/voxtro/backend/core/rest"
	"github.com/voxtro/backend/platform/branding"
	"github.com/voxtro/backend/platform/customers"
	"github.com/voxtro/backend/platform/tenancy"
)

// Brandings looks up the branding of an organization
type Brandings interface {
	Get(ctx context.Context, organizationID uuid.UUID) (*branding.Branding, error)
}

// Service is the portal service
type Service struct {
	customers *customers.Service
	brandings Brandings
}

// Builder is a builder helper for the Service
type Builder struct {
	// Customers resolves the customer of a request. Mandatory.
	Customers *customers.Service
	// Brandings provides the branding shown in the portal. Optional.
	Brandings Brandings
}

// New returns the portal service
func New(bb *Builder) *Service {
	if bb.Customers == nil {
		panic("Customers is missing")
	}
	return &Service{customers: bb.Customers, brandings: bb.Brandings}
}

// Middleware scopes portal requests to the customer of the signed-in user. The
// organization may be selected with the Voxtro-Organization header, which is
// required until the user is linked to a customer. Users who are no customer are
// rejected with 403.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		auth := access.AuthorizationFromContext(ctx)
		if auth == nil || auth.UserID == uuid.Nil {
			http.Error(w, "not authenticated", http.StatusUnauthorized)
			return
		}
		var organizationID uuid.UUID
		if header := r.Header.Get(tenancy.OrganizationHeader); header != "" {
			id, err := uuid.Parse(header)
			if err != nil {
				http.Error(w, "Error 6401: invalid "+tenancy.OrganizationHeader+" header", http.StatusBadRequest)
				return
			}
			organizationID = id
		}

		c, err := s.customers.Resolve(ctx, auth, organizationID)
		if errors.Is(err, core.ErrForbidden) {
			logger.FromContext(ctx).Infof("Error 6402: user %s is not a customer", auth.UserID)
			http.Error(w, "Error 6402: not a customer", http.StatusForbidden)
			return
		}
		if err != nil {
			rest.Error(w, r, "6403", err)
			return
		}

		ctx, _ = logger.ContextWithLoggerOrganization(ctx, c.OrganizationID.String())
		ctx = auth.WithCustomer(c.OrganizationID, c.ID, c.Permissions.List()).ContextWithAuthorization(ctx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Me is what the portal shows about the signed-in customer
type Me struct {
	Customer    *customers.Customer `json:"customer"`
	Permissions []string            `json:"permissions"`
	Assets      *customers.Assets   `json:"assets"`
	Branding    *branding.Branding  `json:"branding,omitempty"`
}

// Me returns the customer of the request with permissions, assets and branding
func (s *Service) Me(ctx context.Context, auth *access.Authorization) (*Me, error) {
	c, err := s.customers.Get(ctx, auth.OrganizationID, auth.CustomerID)
	if err != nil {
		return nil, err
	}
	assets, err := s.customers.Assets(ctx, auth.OrganizationID, c.ID)
	if err != nil {
		return nil, err
	}
	me := &Me{Customer: c, Permissions: c.Permissions.List(), Assets: assets}
	if s.brandings != nil {
		if me.Branding, err = s.brandings.Get(ctx, c.OrganizationID); err != nil {
			return nil, err
		}
	}
	return me, nil
}

// HandleRoutes installs /portal/me on the portal router
func (s *Service) HandleRoutes(portal *mux.Router) {
	logger.Default().Debugln("portal")
	logger.Default().Debugln("  handle route: /portal/me GET")
	portal.HandleFunc("/portal/me", func(w http.ResponseWriter, r *http.Request) {
		me, err := s.Me(r.Context(), access.AuthorizationFromContext(r.Context()))
		if err != nil {
			rest.Error(w, r, "6404", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, me)
	}).Methods(http.MethodGet)
}
