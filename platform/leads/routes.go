package leads

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

// HandleRoutes installs the lead routes on the dashboard router
func (s *Service) HandleRoutes(router *mux.Router) {
	logger.Default().Debugln("leads")
	logger.Default().Debugln("  handle route: /leads GET")
	logger.Default().Debugln("  handle route: /leads/extract POST")
	logger.Default().Debugln("  handle route: /leads/{id} GET,PUT,DELETE")

	router.Handle("/leads", access.Require(core.OperationList, access.DefaultPermits)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			auth := access.AuthorizationFromContext(r.Context())
			q := r.URL.Query()
			leads, err := s.List(r.Context(), auth.OrganizationID, Filter{
				Status:     q.Get("status"),
				SourceType: q.Get("source_type"),
				Limit:      rest.Limit(r, 100, 500),
			})
			if err != nil {
				rest.Error(w, r, "5703", err)
				return
			}
			rest.WriteJSON(w, http.StatusOK, leads)
		}))).Methods(http.MethodGet)

	router.Handle("/leads/extract", access.Require(core.OperationCreate, access.DefaultPermits)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			auth := access.AuthorizationFromContext(r.Context())
			raised, err := s.ExtractPending(r.Context(), auth.OrganizationID)
			if err != nil {
				rest.Error(w, r, "5704", err)
				return
			}
			logger.FromContext(r.Context()).Infof("raised %d lead extractions", raised)
			rest.WriteJSON(w, http.StatusAccepted, map[string]int{"raised": raised})
		}))).Methods(http.MethodPost)

	router.Handle("/leads/{id}", access.Require(core.OperationRead, access.DefaultPermits)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			auth := access.AuthorizationFromContext(r.Context())
			id, err := rest.UUIDVar(r, "id")
			if err != nil {
				rest.Error(w, r, "5705", err)
				return
			}
			lead, err := s.Get(r.Context(), auth.OrganizationID, id)
			if err != nil {
				rest.Error(w, r, "5705", err)
				return
			}
			rest.WriteJSON(w, http.StatusOK, lead)
		}))).Methods(http.MethodGet)

	router.Handle("/leads/{id}", access.Require(core.OperationUpdate, access.DefaultPermits)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			auth := access.AuthorizationFromContext(r.Context())
			id, err := rest.UUIDVar(r, "id")
			if err != nil {
				rest.Error(w, r, "5706", err)
				return
			}
			var body struct {
				Status string `json:"status"`
			}
			if err := rest.ReadJSON(r, s.validator, schema.ID("lead-update"), &body); err != nil {
				rest.Error(w, r, "5706", err)
				return
			}
			lead, err := s.SetStatus(r.Context(), auth.OrganizationID, id, body.Status)
			if err != nil {
				rest.Error(w, r, "5706", err)
				return
			}
			rest.WriteJSON(w, http.StatusOK, lead)
		}))).Methods(http.MethodPut)

	router.Handle("/leads/{id}", access.Require(core.OperationDelete, access.DefaultPermits)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			auth := access.AuthorizationFromContext(r.Context())
			id, err := rest.UUIDVar(r, "id")
			if err != nil {
				rest.Error(w, r, "5707", err)
				return
			}
			if err := s.Delete(r.Context(), auth.OrganizationID, id); err != nil {
				rest.Error(w, r, "5707", err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		}))).Methods(http.MethodDelete)
}

// HandlePortalRoutes installs the lead routes of the customer portal
func (s *Service) HandlePortalRoutes(portal *mux.Router) {
	logger.Default().Debugln("  handle route: /portal/leads GET")
	portal.Handle("/portal/leads", access.RequirePermission(customers.PermissionViewLeads)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			auth := access.AuthorizationFromContext(r.Context())
			leads, err := s.ListForCustomer(r.Context(), auth.OrganizationID, auth.CustomerID, rest.Limit(r, 100, 500))
			if err != nil {
				rest.Error(w, r, "5708", err)
				return
			}
			rest.WriteJSON(w, http.StatusOK, leads)
		}))).Methods(http.MethodGet)
}
