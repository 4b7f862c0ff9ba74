package customers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/voxtro/backend/core"
	"github.com/voxtro/backend/core/access"
	"github.com/voxtro/backend/core/logger"
	"github.com/voxtro/backend/core/rest"
	"github.com/voxtro/backend/core/schema"
)

// HandleRoutes installs the customer routes on the dashboard router
func (s *Service) HandleRoutes(router *mux.Router) {
	logger.Default().Debugln("customers")
	logger.Default().Debugln("  handle route: /customers GET,POST")
	logger.Default().Debugln("  handle route: /customers/{id} GET,PUT,DELETE")
	logger.Default().Debugln("  handle route: /customers/{id}/permissions PUT")
	logger.Default().Debugln("  handle route: /customers/{id}/assets GET,PUT")

	require := func(operation core.Operation, h http.HandlerFunc) http.Handler {
		return access.Require(operation, access.DefaultPermits)(h)
	}

	router.Handle("/customers", require(core.OperationList, func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		customers, err := s.List(r.Context(), auth.OrganizationID)
		if err != nil {
			rest.Error(w, r, "5501", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, customers)
	})).Methods(http.MethodGet)

	router.Handle("/customers", require(core.OperationCreate, func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		var in Input
		if err := rest.ReadJSON(r, s.validator, schema.ID("customer-create"), &in); err != nil {
			rest.Error(w, r, "5502", err)
			return
		}
		c, err := s.Create(r.Context(), auth.OrganizationID, in)
		if err != nil {
			rest.Error(w, r, "5502", err)
			return
		}
		rest.WriteJSON(w, http.StatusCreated, c)
	})).Methods(http.MethodPost)

	router.Handle("/customers/{id}", require(core.OperationRead, func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		id, err := rest.UUIDVar(r, "id")
		if err != nil {
			rest.Error(w, r, "5503", err)
			return
		}
		c, err := s.Get(r.Context(), auth.OrganizationID, id)
		if err != nil {
			rest.Error(w, r, "5503", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, c)
	})).Methods(http.MethodGet)

	router.Handle("/customers/{id}", require(core.OperationUpdate, func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		id, err := rest.UUIDVar(r, "id")
		if err != nil {
			rest.Error(w, r, "5504", err)
			return
		}
		var in Input
		if err := rest.ReadJSON(r, s.validator, schema.ID("customer-update"), &in); err != nil {
			rest.Error(w, r, "5504", err)
			return
		}
		c, err := s.Update(r.Context(), auth.OrganizationID, id, in)
		if err != nil {
			rest.Error(w, r, "5504", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, c)
	})).Methods(http.MethodPut)

	router.Handle("/customers/{id}", require(core.OperationDelete, func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		id, err := rest.UUIDVar(r, "id")
		if err != nil {
			rest.Error(w, r, "5505", err)
			return
		}
		if err := s.Delete(r.Context(), auth.OrganizationID, id); err != nil {
			rest.Error(w, r, "5505", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})).Methods(http.MethodDelete)

	router.Handle("/customers/{id}/permissions", require(core.OperationUpdate, func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		id, err := rest.UUIDVar(r, "id")
		if err != nil {
			rest.Error(w, r, "5506", err)
			return
		}
		var permissions Permissions
		if err := rest.ReadJSON(r, s.validator, schema.ID("customer-permissions"), &permissions); err != nil {
			rest.Error(w, r, "5506", err)
			return
		}
		c, err := s.SetPermissions(r.Context(), auth.OrganizationID, id, permissions)
		if err != nil {
			rest.Error(w, r, "5506", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, c)
	})).Methods(http.MethodPut)

	router.Handle("/customers/{id}/assets", require(core.OperationRead, func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		id, err := rest.UUIDVar(r, "id")
		if err != nil {
			rest.Error(w, r, "5507", err)
			return
		}
		assets, err := s.Assets(r.Context(), auth.OrganizationID, id)
		if err != nil {
			rest.Error(w, r, "5507", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, assets)
	})).Methods(http.MethodGet)

	router.Handle("/customers/{id}/assets", require(core.OperationUpdate, func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		id, err := rest.UUIDVar(r, "id")
		if err != nil {
			rest.Error(w, r, "5508", err)
			return
		}
		var assets Assets
		if err := rest.ReadJSON(r, s.validator, schema.ID("customer-assets"), &assets); err != nil {
			rest.Error(w, r, "5508", err)
			return
		}
		updated, err := s.SetAssets(r.Context(), auth.OrganizationID, id, assets)
		if err != nil {
			rest.Error(w, r, "5508", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, updated)
	})).Methods(http.MethodPut)
}
