package whatsapp

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/voxtro/backend/core"
	"github.com/voxtro/backend/core/access"
	"github.com/voxtro/backend/core/logger"
	"github.com/voxtro/backend/core/metrics"
	"github.com/voxtro/backend/core/rest"
	"github.com/voxtro/backend/integrations/convai"
	"github.com/voxtro/backend/platform/customers"
)

// HandleRoutes installs the WhatsApp routes on the dashboard router
func (s *Service) HandleRoutes(router *mux.Router) {
	logger.Default().Debugln("whatsapp")
	logger.Default().Debugln("  handle route: /whatsapp-agents GET")
	logger.Default().Debugln("  handle route: /whatsapp-agents/sync POST")
	logger.Default().Debugln("  handle route: /whatsapp-conversations GET")

	router.Handle("/whatsapp-agents", access.Require(core.OperationList, access.DefaultPermits)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			auth := access.AuthorizationFromContext(r.Context())
			agents, err := s.List(r.Context(), auth.OrganizationID)
			if err != nil {
				rest.Error(w, r, "6101", err)
				return
			}
			rest.WriteJSON(w, http.StatusOK, agents)
		}))).Methods(http.MethodGet)

	router.Handle("/whatsapp-agents/sync", access.Require(core.OperationUpdate, access.DefaultPermits)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			auth := access.AuthorizationFromContext(r.Context())
			agents, err := s.Sync(r.Context(), auth.OrganizationID)
			if err != nil {
				rest.Error(w, r, "6102", err)
				return
			}
			rest.WriteJSON(w, http.StatusOK, agents)
		}))).Methods(http.MethodPost)

	router.Handle("/whatsapp-conversations", access.Require(core.OperationList, access.DefaultPermits)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			auth := access.AuthorizationFromContext(r.Context())
			agentID, err := rest.UUIDQuery(r, "agent_id")
			if err != nil {
				rest.Error(w, r, "6103", err)
				return
			}
			conversations, err := s.Conversations(r.Context(), auth.OrganizationID, agentID, rest.Limit(r, 100, 500))
			if err != nil {
				rest.Error(w, r, "6103", err)
				return
			}
			rest.WriteJSON(w, http.StatusOK, conversations)
		}))).Methods(http.MethodGet)
}

// HandleWebhookRoutes installs the webhook of the conversational AI platform
func (s *Service) HandleWebhookRoutes(router *mux.Router) {
	logger.Default().Debugln("  handle route: /webhooks/whatsapp POST")
	router.HandleFunc("/webhooks/whatsapp", func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		outcome := func(o string) {
			metrics.WebhooksTotal.WithLabelValues("whatsapp", o).Inc()
		}
		body, err := rest.ReadBody(r)
		if err != nil {
			outcome("invalid")
			rest.Error(w, r, "6104", err)
			return
		}
		if err := s.VerifySignature(r.Header.Get(convai.SignatureHeader), body); err != nil {
			outcome("unauthorized")
			rlog.Infof("Error 6105: whatsapp webhook: %s", err)
			http.Error(w, "Error 6105: "+err.Error(), http.StatusUnauthorized)
			return
		}
		var hook convai.Webhook
		if err := json.Unmarshal(body, &hook); err != nil {
			outcome("invalid")
			rest.Error(w, r, "6104", core.Invalidf("cannot parse webhook: %s", err))
			return
		}
		c, err := s.HandleWebhook(r.Context(), hook)
		switch {
		case errors.Is(err, ErrUnknownAgent):
			outcome("ignored")
			rlog.Warnf("whatsapp webhook ignored: %v", err)
			w.WriteHeader(http.StatusAccepted)
			return
		case err != nil:
			outcome("failure")
			rest.Error(w, r, "6106", err)
			return
		case c == nil:
			outcome("ignored")
		default:
			outcome("success")
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPost)
}

// HandlePortalRoutes installs the WhatsApp routes of the customer portal
func (s *Service) HandlePortalRoutes(portal *mux.Router) {
	logger.Default().Debugln("  handle route: /portal/whatsapp-agents GET")
	portal.Handle("/portal/whatsapp-agents", access.RequirePermission(customers.PermissionViewWhatsApp)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			auth := access.AuthorizationFromContext(r.Context())
			agents, err := s.ListForCustomer(r.Context(), auth.OrganizationID, auth.CustomerID)
			if err != nil {
				rest.Error(w, r, "6107", err)
				return
			}
			rest.WriteJSON(w, http.StatusOK, agents)
		}))).Methods(http.MethodGet)
}
