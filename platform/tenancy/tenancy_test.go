package tenancy

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxtro/backend/core"
	"github.com/voxtro/backend/core/access"
	"github.com/voxtro/backend/core/client"
	"github.com/voxtro/backend/core/rest"
	"github.com/voxtro/backend/platform/schemas"
	"github.com/voxtro/backend/test"
)

func newService(t *testing.T) *Service {
	return New(&Builder{DB: test.Postgres(t), Validator: schemas.MustValidator()})
}

func user(email string) *access.Authorization {
	return &access.Authorization{UserID: uuid.New(), Email: email}
}

func TestCreateOrganization(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	alice := user("Alice@Example.com")

	first, err := s.CreateOrganization(ctx, alice, "Acme Support")
	require.NoError(t, err)
	assert.Equal(t, "acme-support", first.Slug)
	assert.Equal(t, access.RoleOwner, first.Role)

	second, err := s.CreateOrganization(ctx, alice, "Acme  support!")
	require.NoError(t, err)
	assert.Equal(t, "acme-support-2", second.Slug)

	_, err = s.CreateOrganization(ctx, alice, "   ")
	assert.ErrorIs(t, err, core.ErrInvalid)

	// the first organization stays active
	active, err := s.ActiveOrganization(ctx, alice.UserID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, active)

	orgs, err := s.Organizations(ctx, alice.UserID)
	require.NoError(t, err)
	require.Len(t, orgs, 2)
	for _, o := range orgs {
		assert.Equal(t, o.ID == first.ID, o.Active)
		assert.Equal(t, access.RoleOwner, o.Role)
	}

	profile, err := s.EnsureProfile(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", profile.Email)
}

func TestSwitchOrganization(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	alice, bob := user("alice@example.com"), user("bob@example.com")

	acme, err := s.CreateOrganization(ctx, alice, "Acme")
	require.NoError(t, err)
	globex, err := s.CreateOrganization(ctx, bob, "Globex")
	require.NoError(t, err)

	assert.ErrorIs(t, s.SetActiveOrganization(ctx, alice, globex.ID), core.ErrForbidden)

	_, err = s.AddMember(ctx, globex.ID, "ALICE@example.com", access.RoleMember, access.RoleOwner)
	require.NoError(t, err)
	require.NoError(t, s.SetActiveOrganization(ctx, alice, globex.ID))
	active, err := s.ActiveOrganization(ctx, alice.UserID)
	require.NoError(t, err)
	assert.Equal(t, globex.ID, active)

	// removing a member clears the active organization
	require.NoError(t, s.RemoveMember(ctx, globex.ID, alice.UserID, access.RoleOwner))
	active, err = s.ActiveOrganization(ctx, alice.UserID)
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, active)

	member, err := s.IsMember(ctx, acme.ID, alice.UserID)
	require.NoError(t, err)
	assert.True(t, member)
}

func TestMembers(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	alice, bob := user("alice@example.com"), user("bob@example.com")

	org, err := s.CreateOrganization(ctx, alice, "Acme")
	require.NoError(t, err)

	_, err = s.AddMember(ctx, org.ID, "bob@example.com", access.RoleAdmin, access.RoleOwner)
	assert.ErrorIs(t, err, core.ErrNotFound, "bob has no profile yet")

	_, err = s.EnsureProfile(ctx, bob)
	require.NoError(t, err)
	_, err = s.AddMember(ctx, org.ID, "bob@example.com", "superuser", access.RoleOwner)
	assert.ErrorIs(t, err, core.ErrInvalid)
	m, err := s.AddMember(ctx, org.ID, "bob@example.com", access.RoleAdmin, access.RoleOwner)
	require.NoError(t, err)
	assert.Equal(t, bob.UserID, m.UserID)

	staff, err := s.Staff(ctx, org.ID)
	require.NoError(t, err)
	assert.Len(t, staff, 2)

	assert.ErrorIs(t, s.RemoveMember(ctx, org.ID, alice.UserID, access.RoleOwner), core.ErrConflict)
	assert.ErrorIs(t, s.RemoveMember(ctx, org.ID, uuid.New(), access.RoleOwner), core.ErrNotFound)
	require.NoError(t, s.RemoveMember(ctx, org.ID, bob.UserID, access.RoleOwner))

	members, err := s.Members(ctx, org.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, alice.UserID, members[0].UserID)
}

func TestOwnerRole(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	alice, bob, carol := user("alice@example.com"), user("bob@example.com"), user("carol@example.com")
	org, err := s.CreateOrganization(ctx, alice, "Acme")
	require.NoError(t, err)
	for _, u := range []*access.Authorization{bob, carol} {
		_, err = s.EnsureProfile(ctx, u)
		require.NoError(t, err)
	}
	_, err = s.AddMember(ctx, org.ID, bob.Email, access.RoleAdmin, access.RoleOwner)
	require.NoError(t, err)

	// admins can neither demote nor remove owners, nor make anyone an owner
	_, err = s.AddMember(ctx, org.ID, alice.Email, access.RoleMember, access.RoleAdmin)
	assert.ErrorIs(t, err, core.ErrForbidden)
	_, err = s.AddMember(ctx, org.ID, bob.Email, access.RoleOwner, access.RoleAdmin)
	assert.ErrorIs(t, err, core.ErrForbidden)
	_, err = s.AddMember(ctx, org.ID, carol.Email, access.RoleOwner, access.RoleAdmin)
	assert.ErrorIs(t, err, core.ErrForbidden)
	assert.ErrorIs(t, s.RemoveMember(ctx, org.ID, alice.UserID, access.RoleAdmin), core.ErrForbidden)

	// admins still manage non-owners
	_, err = s.AddMember(ctx, org.ID, carol.Email, access.RoleMember, access.RoleAdmin)
	require.NoError(t, err)

	// the last owner cannot step down
	_, err = s.AddMember(ctx, org.ID, alice.Email, access.RoleAdmin, access.RoleOwner)
	assert.ErrorIs(t, err, core.ErrConflict)
	role, err := s.Role(ctx, org.ID, alice.UserID)
	require.NoError(t, err)
	assert.Equal(t, access.RoleOwner, role)

	// with a second owner she can
	_, err = s.AddMember(ctx, org.ID, bob.Email, access.RoleOwner, access.RoleOwner)
	require.NoError(t, err)
	m, err := s.AddMember(ctx, org.ID, alice.Email, access.RoleAdmin, access.RoleOwner)
	require.NoError(t, err)
	assert.Equal(t, access.RoleAdmin, m.Role)
	staff, err := s.Staff(ctx, org.ID)
	require.NoError(t, err)
	assert.Len(t, staff, 2)
}

func TestCredentials(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	org, err := s.CreateOrganization(ctx, user("alice@example.com"), "Acme")
	require.NoError(t, err)

	assert.ErrorIs(t, s.SetCredential(ctx, org.ID, "unknown", "key"), core.ErrInvalid)
	require.NoError(t, s.SetCredential(ctx, org.ID, ProviderVoice, "sk-1234567890"))

	key, err := s.Credential(ctx, org.ID, ProviderVoice)
	require.NoError(t, err)
	assert.Equal(t, "sk-1234567890", key)
	key, err = s.Credential(ctx, org.ID, ProviderConvAI)
	require.NoError(t, err)
	assert.Empty(t, key)

	infos, err := s.Credentials(ctx, org.ID)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "****7890", infos[0].KeyHint)

	require.NoError(t, s.SetCredential(ctx, org.ID, ProviderVoice, ""))
	infos, err = s.Credentials(ctx, org.ID)
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestMiddleware(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	alice, bob := user("alice@example.com"), user("bob@example.com")
	org, err := s.CreateOrganization(ctx, alice, "Acme")
	require.NoError(t, err)
	_, err = s.EnsureProfile(ctx, bob)
	require.NoError(t, err)

	router := mux.NewRouter()
	dashboard := router.NewRoute().Subrouter()
	dashboard.Use(s.Middleware)
	dashboard.HandleFunc("/whoami", func(w http.ResponseWriter, r *http.Request) {
		rest.WriteJSON(w, http.StatusOK, access.AuthorizationFromContext(r.Context()))
	})
	c := client.NewWithRouter(router)

	var auth access.Authorization
	_, err = c.WithAuthorization(alice).RawGet("/whoami", &auth)
	require.NoError(t, err)
	assert.Equal(t, org.ID, auth.OrganizationID)
	assert.Equal(t, access.RoleOwner, auth.OrganizationRole)

	status, _, _ := c.WithAuthorization(bob).Do(http.MethodGet, "/whoami", nil, nil, nil)
	assert.Equal(t, http.StatusBadRequest, status, "bob has no active organization")

	status, _, _ = c.WithAuthorization(bob).WithHeader(OrganizationHeader, org.ID.String()).
		Do(http.MethodGet, "/whoami", nil, nil, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _, _ = c.WithAuthorization(alice).WithHeader(OrganizationHeader, "not-a-uuid").
		Do(http.MethodGet, "/whoami", nil, nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	admin := &access.Authorization{UserID: uuid.New(), Roles: []string{access.RoleAdmin}}
	_, err = c.WithAuthorization(admin).WithHeader(OrganizationHeader, org.ID.String()).RawGet("/whoami", &auth)
	require.NoError(t, err)
	assert.Equal(t, access.RoleAdmin, auth.OrganizationRole)
}

func TestRoutes(t *testing.T) {
	s := newService(t)
	router := mux.NewRouter()
	s.HandleUserRoutes(router)
	dashboard := router.NewRoute().Subrouter()
	dashboard.Use(s.Middleware)
	s.HandleRoutes(dashboard)

	alice, bob := user("alice@example.com"), user("bob@example.com")
	ac := client.NewWithRouter(router).WithAuthorization(alice)
	bc := client.NewWithRouter(router).WithAuthorization(bob)

	var org Organization
	_, err := ac.RawPost("/organizations", map[string]string{"name": "Acme Support"}, &org)
	require.NoError(t, err)
	assert.Equal(t, "acme-support", org.Slug)

	status, _ := ac.RawPost("/organizations", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	_, err = bc.RawPut("/profile", map[string]string{"full_name": "Bob B"}, nil)
	require.NoError(t, err)
	var profile Profile
	_, err = bc.RawGet("/profile", &profile)
	require.NoError(t, err)
	assert.Equal(t, "Bob B", profile.FullName)

	membersPath := "/organizations/" + org.ID.String() + "/members"
	status, _ = bc.RawGet(membersPath, nil)
	assert.Equal(t, http.StatusForbidden, status)

	_, err = ac.RawPost(membersPath, map[string]string{"email": "bob@example.com", "role": "member"}, nil)
	require.NoError(t, err)
	var members []Member
	_, err = bc.RawGet(membersPath, &members)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	// admins cannot demote the owner or promote themselves
	_, err = ac.RawPost(membersPath, map[string]string{"email": "bob@example.com", "role": "admin"}, nil)
	require.NoError(t, err)
	status, _ = bc.RawPost(membersPath, map[string]string{"email": "alice@example.com", "role": "member"}, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = bc.RawPost(membersPath, map[string]string{"email": "bob@example.com", "role": "owner"}, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = ac.RawPost(membersPath, map[string]string{"email": "alice@example.com", "role": "admin"}, nil)
	assert.Equal(t, http.StatusConflict, status)
	_, err = ac.RawPost(membersPath, map[string]string{"email": "bob@example.com", "role": "member"}, nil)
	require.NoError(t, err)

	// members cannot manage members
	status, _ = bc.RawDelete(membersPath + "/" + alice.UserID.String())
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = ac.RawDelete(membersPath + "/" + alice.UserID.String())
	assert.Equal(t, http.StatusConflict, status)

	_, err = bc.RawPut("/organizations/active", map[string]string{"organization_id": org.ID.String()}, nil)
	require.NoError(t, err)
	var orgs []Organization
	_, err = bc.RawGet("/organizations", &orgs)
	require.NoError(t, err)
	require.Len(t, orgs, 1)
	assert.True(t, orgs[0].Active)

	// members may list, but not change integration credentials
	status, _ = bc.RawPut("/integrations/voice", map[string]string{"api_key": "secret-key"}, nil)
	assert.Equal(t, http.StatusForbidden, status)
	_, err = ac.RawPut("/integrations/voice", map[string]string{"api_key": "secret-key"}, nil)
	require.NoError(t, err)
	var infos []CredentialInfo
	_, err = bc.RawGet("/integrations", &infos)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "****-key", infos[0].KeyHint)
}
