package chatbots

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

// HandleRoutes installs the chatbot routes on the dashboard router
func (s *Service) HandleRoutes(router *mux.Router) {
	logger.Default().Debugln("chatbots")
	logger.Default().Debugln("  handle route: /chatbots GET,POST")
	logger.Default().Debugln("  handle route: /chatbots/{id} GET,PUT,DELETE")
	logger.Default().Debugln("  handle route: /chatbots/{id}/conversations GET")
	logger.Default().Debugln("  handle route: /conversations/{id}/messages GET")

	require := func(operation core.Operation, h http.HandlerFunc) http.Handler {
		return access.Require(operation, access.DefaultPermits)(h)
	}

	router.Handle("/chatbots", require(core.OperationList, func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		chatbots, err := s.List(r.Context(), auth.OrganizationID)
		if err != nil {
			rest.Error(w, r, "5803", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, chatbots)
	})).Methods(http.MethodGet)

	router.Handle("/chatbots", require(core.OperationCreate, func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		var in Input
		if err := rest.ReadJSON(r, s.validator, schema.ID("chatbot-create"), &in); err != nil {
			rest.Error(w, r, "5804", err)
			return
		}
		c, err := s.Create(r.Context(), auth.OrganizationID, in)
		if err != nil {
			rest.Error(w, r, "5804", err)
			return
		}
		rest.WriteJSON(w, http.StatusCreated, c)
	})).Methods(http.MethodPost)

	router.Handle("/chatbots/{id}", require(core.OperationRead, func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		id, err := rest.UUIDVar(r, "id")
		if err != nil {
			rest.Error(w, r, "5805", err)
			return
		}
		c, err := s.Get(r.Context(), auth.OrganizationID, id)
		if err != nil {
			rest.Error(w, r, "5805", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, c)
	})).Methods(http.MethodGet)

	router.Handle("/chatbots/{id}", require(core.OperationUpdate, func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		id, err := rest.UUIDVar(r, "id")
		if err != nil {
			rest.Error(w, r, "5806", err)
			return
		}
		var in Input
		if err := rest.ReadJSON(r, s.validator, schema.ID("chatbot-update"), &in); err != nil {
			rest.Error(w, r, "5806", err)
			return
		}
		c, err := s.Update(r.Context(), auth.OrganizationID, id, in)
		if err != nil {
			rest.Error(w, r, "5806", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, c)
	})).Methods(http.MethodPut)

	router.Handle("/chatbots/{id}", require(core.OperationDelete, func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		id, err := rest.UUIDVar(r, "id")
		if err != nil {
			rest.Error(w, r, "5807", err)
			return
		}
		if err := s.Delete(r.Context(), auth.OrganizationID, id); err != nil {
			rest.Error(w, r, "5807", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})).Methods(http.MethodDelete)

	router.Handle("/chatbots/{id}/conversations", require(core.OperationList, func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		id, err := rest.UUIDVar(r, "id")
		if err != nil {
			rest.Error(w, r, "5808", err)
			return
		}
		conversations, err := s.Conversations(r.Context(), auth.OrganizationID, id, rest.Limit(r, 100, 500))
		if err != nil {
			rest.Error(w, r, "5808", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, conversations)
	})).Methods(http.MethodGet)

	router.Handle("/conversations/{id}/messages", require(core.OperationRead, func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		id, err := rest.UUIDVar(r, "id")
		if err != nil {
			rest.Error(w, r, "5809", err)
			return
		}
		messages, err := s.Messages(r.Context(), auth.OrganizationID, id)
		if err != nil {
			rest.Error(w, r, "5809", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, messages)
	})).Methods(http.MethodGet)
}

// HandleWidgetRoutes installs the unauthenticated routes of the website widget
func (s *Service) HandleWidgetRoutes(router *mux.Router) {
	logger.Default().Debugln("widget")
	logger.Default().Debugln("  handle route: /widget/chatbots/{id} GET")
	logger.Default().Debugln("  handle route: /widget/chatbots/{id}/conversations POST")
	logger.Default().Debugln("  handle route: /widget/conversations/{id}/messages POST")

	router.HandleFunc("/widget/chatbots/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := rest.UUIDVar(r, "id")
		if err != nil {
			rest.Error(w, r, "5810", err)
			return
		}
		widget, err := s.Widget(r.Context(), id)
		if err != nil {
			rest.Error(w, r, "5810", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, widget)
	}).Methods(http.MethodGet)

	router.HandleFunc("/widget/chatbots/{id}/conversations", func(w http.ResponseWriter, r *http.Request) {
		id, err := rest.UUIDVar(r, "id")
		if err != nil {
			rest.Error(w, r, "5811", err)
			return
		}
		var body struct {
			VisitorID string `json:"visitor_id"`
		}
		if err := rest.ReadJSON(r, s.validator, schema.ID("widget-conversation"), &body); err != nil {
			rest.Error(w, r, "5811", err)
			return
		}
		conversation, err := s.StartConversation(r.Context(), id, body.VisitorID)
		if err != nil {
			rest.Error(w, r, "5811", err)
			return
		}
		rest.WriteJSON(w, http.StatusCreated, conversation)
	}).Methods(http.MethodPost)

	router.HandleFunc("/widget/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		id, err := rest.UUIDVar(r, "id")
		if err != nil {
			rest.Error(w, r, "5812", err)
			return
		}
		var body struct {
			Content string `json:"content"`
		}
		if err := rest.ReadJSON(r, s.validator, schema.ID("widget-message"), &body); err != nil {
			rest.Error(w, r, "5812", err)
			return
		}
		reply, err := s.SendMessage(r.Context(), id, body.Content)
		if err != nil {
			rest.Error(w, r, "5812", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, reply)
	}).Methods(http.MethodPost)
}

// HandlePortalRoutes installs the chatbot routes of the customer portal
func (s *Service) HandlePortalRoutes(portal *mux.Router) {
	logger.Default().Debugln("  handle route: /portal/chatbots GET")
	portal.Handle("/portal/chatbots", access.RequirePermission(customers.PermissionViewChatbots)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			auth := access.AuthorizationFromContext(r.Context())
			chatbots, err := s.ListForCustomer(r.Context(), auth.OrganizationID, auth.CustomerID)
			if err != nil {
				rest.Error(w, r, "5813", err)
				return
			}
			rest.WriteJSON(w, http.StatusOK, chatbots)
		}))).Methods(http.MethodGet)
}
