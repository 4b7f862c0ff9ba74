package tenancy

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/voxtro/backend/core"
	"github.com/voxtro/backend/core/access"
	"github.com/voxtro/backend/core/logger"
	"github.com/voxtro/backend/core/rest"
	"github.com/voxtro/backend/core/schema"
)

// Middleware scopes dashboard requests to an organization. The organization comes
// from the Voxtro-Organization header or the user's active organization. Requests
// without an organization are rejected with 400, non-members with 403. Platform
// admins act as organization admins in every organization.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		auth := access.AuthorizationFromContext(ctx)
		if auth == nil || auth.UserID == uuid.Nil && !auth.IsAdmin() {
			http.Error(w, "not authenticated", http.StatusUnauthorized)
			return
		}

		var organizationID uuid.UUID
		if header := r.Header.Get(OrganizationHeader); header != "" {
			id, err := uuid.Parse(header)
			if err != nil {
				http.Error(w, "Error 5101: invalid "+OrganizationHeader+" header", http.StatusBadRequest)
				return
			}
			organizationID = id
		} else if auth.UserID != uuid.Nil {
			id, err := s.ActiveOrganization(ctx, auth.UserID)
			if err != nil {
				rest.Error(w, r, "5100", err)
				return
			}
			organizationID = id
		}
		if organizationID == uuid.Nil {
			http.Error(w, "Error 5102: no organization selected", http.StatusBadRequest)
			return
		}

		role, err := s.Role(ctx, organizationID, auth.UserID)
		if errors.Is(err, core.ErrNotFound) && auth.IsAdmin() {
			role, err = access.RoleAdmin, nil
		}
		if errors.Is(err, core.ErrNotFound) {
			logger.FromContext(ctx).Infof("Error 5103: user %s is not a member of %s", auth.UserID, organizationID)
			http.Error(w, "Error 5103: not a member of this organization", http.StatusForbidden)
			return
		}
		if err != nil {
			rest.Error(w, r, "5100", err)
			return
		}

		ctx, _ = logger.ContextWithLoggerOrganization(ctx, organizationID.String())
		ctx = auth.WithOrganization(organizationID, role).ContextWithAuthorization(ctx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// HandleUserRoutes installs the routes which need a signed-in user but no
// organization scope: profile, organizations, switching and members.
func (s *Service) HandleUserRoutes(router *mux.Router) {
	logger.Default().Debugln("tenancy")
	logger.Default().Debugln("  handle route: /profile GET,PUT")
	logger.Default().Debugln("  handle route: /organizations GET,POST")
	logger.Default().Debugln("  handle route: /organizations/active PUT")
	logger.Default().Debugln("  handle route: /organizations/{organization_id}/members GET,POST")
	logger.Default().Debugln("  handle route: /organizations/{organization_id}/members/{user_id} DELETE")

	router.HandleFunc("/profile", func(w http.ResponseWriter, r *http.Request) {
		profile, err := s.EnsureProfile(r.Context(), access.AuthorizationFromContext(r.Context()))
		if err != nil {
			rest.Error(w, r, "5104", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, profile)
	}).Methods(http.MethodGet)

	router.HandleFunc("/profile", func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		var body struct {
			FullName string `json:"full_name"`
		}
		if err := rest.ReadJSON(r, s.validator, schema.ID("profile-update"), &body); err != nil {
			rest.Error(w, r, "5105", err)
			return
		}
		if _, err := s.EnsureProfile(r.Context(), auth); err != nil {
			rest.Error(w, r, "5105", err)
			return
		}
		if err := s.UpdateProfileName(r.Context(), auth.UserID, strings.TrimSpace(body.FullName)); err != nil {
			rest.Error(w, r, "5105", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPut)

	router.HandleFunc("/organizations", func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		if _, err := s.EnsureProfile(r.Context(), auth); err != nil {
			rest.Error(w, r, "5106", err)
			return
		}
		orgs, err := s.Organizations(r.Context(), auth.UserID)
		if err != nil {
			rest.Error(w, r, "5106", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, orgs)
	}).Methods(http.MethodGet)

	router.HandleFunc("/organizations", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name string `json:"name"`
		}
		if err := rest.ReadJSON(r, s.validator, schema.ID("organization-create"), &body); err != nil {
			rest.Error(w, r, "5107", err)
			return
		}
		org, err := s.CreateOrganization(r.Context(), access.AuthorizationFromContext(r.Context()), body.Name)
		if err != nil {
			rest.Error(w, r, "5107", err)
			return
		}
		logger.FromContext(r.Context()).Infof("created organization %s (%s)", org.Slug, org.ID)
		rest.WriteJSON(w, http.StatusCreated, org)
	}).Methods(http.MethodPost)

	router.HandleFunc("/organizations/active", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			OrganizationID uuid.UUID `json:"organization_id"`
		}
		if err := rest.ReadJSON(r, s.validator, schema.ID("organization-active"), &body); err != nil {
			rest.Error(w, r, "5108", err)
			return
		}
		if err := s.SetActiveOrganization(r.Context(), access.AuthorizationFromContext(r.Context()), body.OrganizationID); err != nil {
			rest.Error(w, r, "5108", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPut)

	router.HandleFunc("/organizations/{organization_id}/members", func(w http.ResponseWriter, r *http.Request) {
		organizationID, _, ok := s.authorizeMembers(w, r, false)
		if !ok {
			return
		}
		members, err := s.Members(r.Context(), organizationID)
		if err != nil {
			rest.Error(w, r, "5109", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, members)
	}).Methods(http.MethodGet)

	router.HandleFunc("/organizations/{organization_id}/members", func(w http.ResponseWriter, r *http.Request) {
		organizationID, role, ok := s.authorizeMembers(w, r, true)
		if !ok {
			return
		}
		var body struct {
			Email string `json:"email"`
			Role  string `json:"role"`
		}
		if err := rest.ReadJSON(r, s.validator, schema.ID("member-create"), &body); err != nil {
			rest.Error(w, r, "5110", err)
			return
		}
		member, err := s.AddMember(r.Context(), organizationID, body.Email, body.Role, role)
		if err != nil {
			rest.Error(w, r, "5110", err)
			return
		}
		rest.WriteJSON(w, http.StatusCreated, member)
	}).Methods(http.MethodPost)

	router.HandleFunc("/organizations/{organization_id}/members/{user_id}", func(w http.ResponseWriter, r *http.Request) {
		organizationID, role, ok := s.authorizeMembers(w, r, true)
		if !ok {
			return
		}
		userID, err := rest.UUIDVar(r, "user_id")
		if err != nil {
			rest.Error(w, r, "5111", err)
			return
		}
		if err := s.RemoveMember(r.Context(), organizationID, userID, role); err != nil {
			rest.Error(w, r, "5111", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)
}

// authorizeMembers checks that the caller is a member of the organization in the
// path, and an owner or admin if manage is true. It returns the organization and the
// caller's role in it. Platform admins act as owners.
func (s *Service) authorizeMembers(w http.ResponseWriter, r *http.Request, manage bool) (uuid.UUID, string, bool) {
	auth := access.AuthorizationFromContext(r.Context())
	organizationID, err := rest.UUIDVar(r, "organization_id")
	if err != nil {
		rest.Error(w, r, "5112", err)
		return uuid.Nil, "", false
	}
	if auth.IsAdmin() {
		return organizationID, access.RoleOwner, true
	}
	role, err := s.Role(r.Context(), organizationID, auth.UserID)
	if errors.Is(err, core.ErrNotFound) {
		http.Error(w, "Error 5103: not a member of this organization", http.StatusForbidden)
		return uuid.Nil, "", false
	}
	if err != nil {
		rest.Error(w, r, "5112", err)
		return uuid.Nil, "", false
	}
	if manage && role != access.RoleOwner && role != access.RoleAdmin {
		http.Error(w, "not authorized", http.StatusForbidden)
		return uuid.Nil, "", false
	}
	return organizationID, role, true
}

// HandleRoutes installs the organization scoped routes for integration credentials
func (s *Service) HandleRoutes(router *mux.Router) {
	logger.Default().Debugln("  handle route: /integrations GET")
	logger.Default().Debugln("  handle route: /integrations/{provider} PUT")

	router.Handle("/integrations", access.Require(core.OperationList, access.DefaultPermits)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			auth := access.AuthorizationFromContext(r.Context())
			infos, err := s.Credentials(r.Context(), auth.OrganizationID)
			if err != nil {
				rest.Error(w, r, "5113", err)
				return
			}
			rest.WriteJSON(w, http.StatusOK, infos)
		}))).Methods(http.MethodGet)

	router.Handle("/integrations/{provider}", access.Require(core.OperationUpdate, access.DefaultPermits)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			auth := access.AuthorizationFromContext(r.Context())
			var body struct {
				APIKey string `json:"api_key"`
			}
			if err := rest.ReadJSON(r, s.validator, schema.ID("credential-update"), &body); err != nil {
				rest.Error(w, r, "5114", err)
				return
			}
			if err := s.SetCredential(r.Context(), auth.OrganizationID, mux.Vars(r)["provider"], body.APIKey); err != nil {
				rest.Error(w, r, "5114", err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		}))).Methods(http.MethodPut)
}
