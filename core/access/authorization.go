/*
Package access provides utilities for access control
*/
package access

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/voxtro/backend/core"
	"github.com/voxtro/backend/core/logger"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

// the predefined context key
const (
	contextKeyAuthorization contextKey = "_authorization_"
)

// Platform and organization roles
const (
	// RoleAdmin is the platform operator role. It is authorized for everything.
	RoleAdmin = "admin"

	RoleOwner  = "owner"
	RoleMember = "member"
)

/*
Authorization is a context object which stores authorization information
for the user who is currently logged in.

The authentication middleware creates it from a bearer token with the user's
identity and platform roles. The tenancy middleware then adds the organization the
request is scoped to together with the user's role in that organization. For
portal requests, the portal middleware adds the customer and the customer's
granted permissions.

Authorizations are added to a request context with

	ctx = auth.ContextWithAuthorization(ctx)

and retrieved with

	auth := AuthorizationFromContext(ctx)

Cached authorizations are shared between requests, so middleware must extend
copies (see WithOrganization and WithCustomer) and never modify them in place.
*/
type Authorization struct {
	UserID           uuid.UUID `json:"user_id"`
	Email            string    `json:"email,omitempty"`
	Roles            []string  `json:"roles,omitempty"`
	OrganizationID   uuid.UUID `json:"organization_id,omitempty"`
	OrganizationRole string    `json:"organization_role,omitempty"`
	CustomerID       uuid.UUID `json:"customer_id,omitempty"`
	Permissions      []string  `json:"permissions,omitempty"`
	ExpiresAt        time.Time `json:"-"`
}

// Permit grants a set of operations to an organization role
type Permit struct {
	Role       string           `json:"role"`
	Operations []core.Operation `json:"operations"`
}

// DefaultPermits are the permits for organization resources: owners and admins
// may do everything, members may read and list.
var DefaultPermits = []Permit{
	{Role: RoleOwner, Operations: []core.Operation{core.OperationCreate, core.OperationRead, core.OperationUpdate, core.OperationDelete, core.OperationList}},
	{Role: RoleAdmin, Operations: []core.Operation{core.OperationCreate, core.OperationRead, core.OperationUpdate, core.OperationDelete, core.OperationList}},
	{Role: RoleMember, Operations: []core.Operation{core.OperationRead, core.OperationList}},
}

// HasRole returns true if the authorization contains the requested platform role;
// otherwise it returns false.
func (a *Authorization) HasRole(role string) bool {
	if a == nil {
		return false
	}
	for _, hasRole := range a.Roles {
		if role == hasRole {
			return true
		}
	}
	return false
}

// IsAdmin returns true for platform operators
func (a *Authorization) IsAdmin() bool {
	return a.HasRole(RoleAdmin)
}

// HasPermission returns true if the customer behind this authorization was granted
// the named portal permission.
func (a *Authorization) HasPermission(permission string) bool {
	if a == nil {
		return false
	}
	for _, p := range a.Permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// IsAuthorized returns true if the authorization is authorized for the requested
// operation in its current organization according to the passed permits.
//
// Platform admins are always authorized. A permit for role "everybody" applies
// to all organization roles.
func (a *Authorization) IsAuthorized(operation core.Operation, permits []Permit) bool {
	if a == nil {
		return false
	}
	if a.IsAdmin() {
		return true
	}
	if a.OrganizationID == uuid.Nil || a.OrganizationRole == "" {
		return false
	}
	for _, permit := range permits {
		if permit.Role != a.OrganizationRole && permit.Role != "everybody" {
			continue
		}
		for _, o := range permit.Operations {
			if o == operation {
				return true
			}
		}
	}
	return false
}

// WithOrganization returns a copy of the authorization scoped to an organization
func (a *Authorization) WithOrganization(organizationID uuid.UUID, role string) *Authorization {
	c := a.clone()
	c.OrganizationID = organizationID
	c.OrganizationRole = role
	return c
}

// WithCustomer returns a copy of the authorization acting as a portal customer
func (a *Authorization) WithCustomer(organizationID, customerID uuid.UUID, permissions []string) *Authorization {
	c := a.clone()
	c.OrganizationID = organizationID
	c.OrganizationRole = ""
	c.CustomerID = customerID
	c.Permissions = append([]string(nil), permissions...)
	return c
}

func (a *Authorization) clone() *Authorization {
	if a == nil {
		return &Authorization{}
	}
	c := *a
	c.Roles = append([]string(nil), a.Roles...)
	c.Permissions = append([]string(nil), a.Permissions...)
	return &c
}

// ContextWithAuthorization returns a new context with this authorization added to it
func (a *Authorization) ContextWithAuthorization(ctx context.Context) context.Context {
	return ContextWithAuthorization(ctx, a)
}

// ContextWithAuthorization returns a new context with the authorization added to it
func ContextWithAuthorization(ctx context.Context, a *Authorization) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, a)
}

// AuthorizationFromContext retrieves an authorization from the context
func AuthorizationFromContext(ctx context.Context) *Authorization {
	a, ok := ctx.Value(contextKeyAuthorization).(*Authorization)
	if ok {
		return a
	}
	return nil
}

// Require returns a middleware which rejects requests whose authorization is not
// authorized for the operation according to the permits. Requests without an
// organization scope are rejected as well.
func Require(operation core.Operation, permits []Permit) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := AuthorizationFromContext(r.Context())
			if !auth.IsAuthorized(operation, permits) {
				logger.FromContext(r.Context()).Infof("%s not permitted for organization role '%s'", operation, roleOf(auth))
				http.Error(w, "not authorized", http.StatusForbidden)
				return
			}
			h.ServeHTTP(w, r)
		})
	}
}

// RequirePermission returns a middleware for portal routes which rejects customers
// without the named permission.
func RequirePermission(permission string) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := AuthorizationFromContext(r.Context())
			if auth == nil || auth.CustomerID == uuid.Nil || !auth.HasPermission(permission) {
				logger.FromContext(r.Context()).Infof("Error 5301: missing portal permission %s", permission)
				http.Error(w, "Error 5301: missing permission "+permission, http.StatusForbidden)
				return
			}
			h.ServeHTTP(w, r)
		})
	}
}

func roleOf(a *Authorization) string {
	if a == nil {
		return ""
	}
	return a.OrganizationRole
}

// RequireUser returns a middleware which rejects anonymous requests with http.StatusUnauthorized
func RequireUser(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := AuthorizationFromContext(r.Context())
		if auth == nil || (auth.UserID == uuid.Nil && !auth.IsAdmin()) {
			http.Error(w, "not authenticated", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// RequireAdmin returns a middleware which only lets platform admins pass
func RequireAdmin(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !AuthorizationFromContext(r.Context()).IsAdmin() {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// HandleAuthorizationRoute adds a route /authorization GET to the router
//
// The route returns the current authorization for provided bearer token.
func HandleAuthorizationRoute(router *mux.Router) {
	logger.Default().Debugln("authorization")
	logger.Default().Debugln("  handle route: /authorization GET")
	router.HandleFunc("/authorization", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		auth := AuthorizationFromContext(r.Context())
		if auth == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		jsonData, _ := json.MarshalIndent(auth, "", " ")
		w.Header().Set("Content-Type", "application/json")
		w.Write(jsonData)
	}).Methods(http.MethodGet)
}
