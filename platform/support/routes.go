package support

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

type messageBody struct {
	Body string `json:"body"`
}

// HandleRoutes installs the ticket routes on the dashboard router
func (s *Service) HandleRoutes(router *mux.Router) {
	logger.Default().Debugln("support")
	logger.Default().Debugln("  handle route: /tickets GET")
	logger.Default().Debugln("  handle route: /tickets/{id} GET,PUT")
	logger.Default().Debugln("  handle route: /tickets/{id}/messages POST")

	require := func(operation core.Operation, h http.HandlerFunc) http.Handler {
		return access.Require(operation, access.DefaultPermits)(h)
	}

	router.Handle("/tickets", require(core.OperationList, func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		tickets, err := s.List(r.Context(), auth.OrganizationID, r.URL.Query().Get("status"))
		if err != nil {
			rest.Error(w, r, "6204", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, tickets)
	})).Methods(http.MethodGet)

	router.Handle("/tickets/{id}", require(core.OperationRead, func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		id, err := rest.UUIDVar(r, "id")
		if err != nil {
			rest.Error(w, r, "6205", err)
			return
		}
		t, err := s.Get(r.Context(), auth.OrganizationID, id)
		if err != nil {
			rest.Error(w, r, "6205", err)
			return
		}
		thread, err := s.thread(r.Context(), t)
		if err != nil {
			rest.Error(w, r, "6205", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, thread)
	})).Methods(http.MethodGet)

	// members may update and answer tickets
	router.Handle("/tickets/{id}", require(core.OperationRead, func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		id, err := rest.UUIDVar(r, "id")
		if err != nil {
			rest.Error(w, r, "6206", err)
			return
		}
		var update Update
		if err := rest.ReadJSON(r, s.validator, schema.ID("ticket-update"), &update); err != nil {
			rest.Error(w, r, "6206", err)
			return
		}
		t, err := s.Update(r.Context(), auth.OrganizationID, id, update)
		if err != nil {
			rest.Error(w, r, "6206", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, t)
	})).Methods(http.MethodPut)

	router.Handle("/tickets/{id}/messages", require(core.OperationRead, func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		id, err := rest.UUIDVar(r, "id")
		if err != nil {
			rest.Error(w, r, "6207", err)
			return
		}
		var body messageBody
		if err := rest.ReadJSON(r, s.validator, schema.ID("ticket-message"), &body); err != nil {
			rest.Error(w, r, "6207", err)
			return
		}
		m, err := s.Reply(r.Context(), auth.OrganizationID, id, auth.UserID, body.Body)
		if err != nil {
			rest.Error(w, r, "6207", err)
			return
		}
		rest.WriteJSON(w, http.StatusCreated, m)
	})).Methods(http.MethodPost)
}

// HandlePortalRoutes installs the ticket routes of the customer portal. Customers
// see their own tickets; opening a ticket needs the create_tickets permission.
func (s *Service) HandlePortalRoutes(portal *mux.Router) {
	logger.Default().Debugln("  handle route: /portal/tickets GET,POST")
	logger.Default().Debugln("  handle route: /portal/tickets/{id} GET")
	logger.Default().Debugln("  handle route: /portal/tickets/{id}/messages POST")

	portal.HandleFunc("/portal/tickets", func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		tickets, err := s.ListForCustomer(r.Context(), auth.OrganizationID, auth.CustomerID)
		if err != nil {
			rest.Error(w, r, "6208", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, tickets)
	}).Methods(http.MethodGet)

	portal.Handle("/portal/tickets", access.RequirePermission(customers.PermissionCreateTickets)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			auth := access.AuthorizationFromContext(r.Context())
			var in NewTicket
			if err := rest.ReadJSON(r, s.validator, schema.ID("ticket-create"), &in); err != nil {
				rest.Error(w, r, "6209", err)
				return
			}
			thread, err := s.Open(r.Context(), auth.OrganizationID, auth.CustomerID, auth.UserID, in)
			if err != nil {
				rest.Error(w, r, "6209", err)
				return
			}
			rest.WriteJSON(w, http.StatusCreated, thread)
		}))).Methods(http.MethodPost)

	portal.HandleFunc("/portal/tickets/{id}", func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		id, err := rest.UUIDVar(r, "id")
		if err != nil {
			rest.Error(w, r, "6210", err)
			return
		}
		t, err := s.GetForCustomer(r.Context(), auth.OrganizationID, auth.CustomerID, id)
		if err != nil {
			rest.Error(w, r, "6210", err)
			return
		}
		thread, err := s.thread(r.Context(), t)
		if err != nil {
			rest.Error(w, r, "6210", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, thread)
	}).Methods(http.MethodGet)

	portal.HandleFunc("/portal/tickets/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		id, err := rest.UUIDVar(r, "id")
		if err != nil {
			rest.Error(w, r, "6211", err)
			return
		}
		var body messageBody
		if err := rest.ReadJSON(r, s.validator, schema.ID("ticket-message"), &body); err != nil {
			rest.Error(w, r, "6211", err)
			return
		}
		m, err := s.CustomerMessage(r.Context(), auth.OrganizationID, auth.CustomerID, auth.UserID, id, body.Body)
		if err != nil {
			rest.Error(w, r, "6211", err)
			return
		}
		rest.WriteJSON(w, http.StatusCreated, m)
	}).Methods(http.MethodPost)
}
