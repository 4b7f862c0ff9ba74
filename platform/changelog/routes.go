package changelog

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/voxtro/backend/core"
	"github.com/voxtro/backend/core/access"
	"github.com/voxtro/backend/core/logger"
	"github.com/voxtro/backend/core/rest"
	"github.com/voxtro/backend/core/schema"
	"github.com/voxtro/backend/platform/customers"
)

// HandleRoutes installs the changelog routes on the dashboard router
func (s *Service) HandleRoutes(router *mux.Router) {
	logger.Default().Debugln("changelog")
	logger.Default().Debugln("  handle route: /changelog GET,POST")
	logger.Default().Debugln("  handle route: /changelog/{id} GET,PUT,DELETE")
	logger.Default().Debugln("  handle route: /changelog/{id}/publish POST")

	require := func(operation core.Operation, h http.HandlerFunc) http.Handler {
		return access.Require(operation, access.DefaultPermits)(h)
	}

	router.Handle("/changelog", require(core.OperationList, func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		entries, err := s.List(r.Context(), auth.OrganizationID)
		if err != nil {
			rest.Error(w, r, "6303", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, entries)
	})).Methods(http.MethodGet)

	router.Handle("/changelog", require(core.OperationCreate, func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		var in Input
		if err := rest.ReadJSON(r, s.validator, schema.ID("changelog-create"), &in); err != nil {
			rest.Error(w, r, "6304", err)
			return
		}
		e, err := s.Create(r.Context(), auth.OrganizationID, in)
		if err != nil {
			rest.Error(w, r, "6304", err)
			return
		}
		rest.WriteJSON(w, http.StatusCreated, e)
	})).Methods(http.MethodPost)

	router.Handle("/changelog/{id}", require(core.OperationRead, func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		id, err := rest.UUIDVar(r, "id")
		if err != nil {
			rest.Error(w, r, "6305", err)
			return
		}
		e, err := s.Get(r.Context(), auth.OrganizationID, id)
		if err != nil {
			rest.Error(w, r, "6305", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, e)
	})).Methods(http.MethodGet)

	router.Handle("/changelog/{id}", require(core.OperationUpdate, func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		id, err := rest.UUIDVar(r, "id")
		if err != nil {
			rest.Error(w, r, "6306", err)
			return
		}
		var in Input
		if err := rest.ReadJSON(r, s.validator, schema.ID("changelog-update"), &in); err != nil {
			rest.Error(w, r, "6306", err)
			return
		}
		e, err := s.Update(r.Context(), auth.OrganizationID, id, in)
		if err != nil {
			rest.Error(w, r, "6306", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, e)
	})).Methods(http.MethodPut)

	router.Handle("/changelog/{id}", require(core.OperationDelete, func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		id, err := rest.UUIDVar(r, "id")
		if err != nil {
			rest.Error(w, r, "6307", err)
			return
		}
		if err := s.Delete(r.Context(), auth.OrganizationID, id); err != nil {
			rest.Error(w, r, "6307", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})).Methods(http.MethodDelete)

	router.Handle("/changelog/{id}/publish", require(core.OperationUpdate, func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		id, err := rest.UUIDVar(r, "id")
		if err != nil {
			rest.Error(w, r, "6308", err)
			return
		}
		e, err := s.Publish(r.Context(), auth.OrganizationID, id)
		if err != nil {
			rest.Error(w, r, "6308", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, e)
	})).Methods(http.MethodPost)
}

// HandlePortalRoutes installs the changelog route of the customer portal
func (s *Service) HandlePortalRoutes(portal *mux.Router) {
	logger.Default().Debugln("  handle route: /portal/changelog GET")
	portal.Handle("/portal/changelog", access.RequirePermission(customers.PermissionViewChangelog)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			auth := access.AuthorizationFromContext(r.Context())
			entries, err := s.ListForCustomer(r.Context(), auth.OrganizationID, auth.CustomerID)
			if err != nil {
				rest.Error(w, r, "6309", err)
				return
			}
			rest.WriteJSON(w, http.StatusOK, entries)
		}))).Methods(http.MethodGet)
}
