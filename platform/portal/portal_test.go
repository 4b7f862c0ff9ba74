package portal

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxtro/backend/core/access"
	"github.com/voxtro/backend/core/client"
	"github.com/voxtro/backend/core/rest"
	"github.com/voxtro/backend/platform/branding"
	"github.com/voxtro/backend/platform/customers"
	"github.com/voxtro/backend/platform/schemas"
	"github.com/voxtro/backend/platform/tenancy"
	"github.com/voxtro/backend/test"
)

func TestPortal(t *testing.T) {
	db := test.Postgres(t)
	validator := schemas.MustValidator()
	tenants := tenancy.New(&tenancy.Builder{DB: db, Validator: validator})
	customerService := customers.New(&customers.Builder{DB: db, Validator: validator})
	s := New(&Builder{
		Customers: customerService,
		Brandings: branding.New(&branding.Builder{DB: db, Validator: validator, Organizations: tenants}),
	})

	ctx := context.Background()
	owner := &access.Authorization{UserID: uuid.New(), Email: "owner@acme.test"}
	acme, err := tenants.CreateOrganization(ctx, owner, "Acme")
	require.NoError(t, err)
	email := "jane@initech.test"
	c, err := customerService.Create(ctx, acme.ID, customers.Input{Email: &email})
	require.NoError(t, err)

	router := mux.NewRouter()
	portal := router.NewRoute().Subrouter()
	portal.Use(s.Middleware)
	s.HandleRoutes(portal)
	portal.Handle("/portal/leads", access.RequirePermission(customers.PermissionViewLeads)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			rest.WriteJSON(w, http.StatusOK, []string{})
		}))).Methods(http.MethodGet)

	jane := &access.Authorization{UserID: uuid.New(), Email: "Jane@initech.test"}
	jc := client.NewWithRouter(router).WithAuthorization(jane)

	// the first access needs the organization to link the user
	status, _ := jc.RawGet("/portal/me", nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _, _ = jc.WithHeader(tenancy.OrganizationHeader, "acme").Do(http.MethodGet, "/portal/me", nil, nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	var me Me
	_, err = jc.WithHeader(tenancy.OrganizationHeader, acme.ID.String()).RawGet("/portal/me", &me)
	require.NoError(t, err)
	assert.Equal(t, c.ID, me.Customer.ID)
	assert.ElementsMatch(t, customers.DefaultPermissions.List(), me.Permissions)
	require.NotNil(t, me.Branding)
	assert.Equal(t, "Acme", me.Branding.CompanyName)
	assert.Empty(t, me.Assets.Chatbots)

	// linked now
	_, err = jc.RawGet("/portal/me", &me)
	require.NoError(t, err)
	assert.Equal(t, c.ID, me.Customer.ID)

	status, _ = jc.RawGet("/portal/leads", nil)
	assert.Equal(t, http.StatusForbidden, status)
	_, err = customerService.SetPermissions(ctx, acme.ID, c.ID, customers.Permissions{ViewLeads: true})
	require.NoError(t, err)
	status, err = jc.RawGet("/portal/leads", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	stranger := client.NewWithRouter(router).WithAuthorization(&access.Authorization{UserID: uuid.New(), Email: "x@y.test"}).
		WithHeader(tenancy.OrganizationHeader, acme.ID.String())
	status, _ = stranger.RawGet("/portal/me", nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = client.NewWithRouter(router).RawGet("/portal/me", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}
