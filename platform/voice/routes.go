package voice

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/voxtro/backend/core"
	"github.com/voxtro/backend/core/access"
	"github.com/voxtro/backend/core/logger"
	"github.com/voxtro/backend/core/metrics"
	"github.com/voxtro/backend/core/rest"
	"github.com/voxtro/backend/core/schema"
	"github.com/voxtro/backend/integrations/voiceai"
	"github.com/voxtro/backend/platform/customers"
)

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// HandleRoutes installs the voice routes on the dashboard router
func (s *Service) HandleRoutes(router *mux.Router) {
	logger.Default().Debugln("voice")
	logger.Default().Debugln("  handle route: /voice-assistants GET")
	logger.Default().Debugln("  handle route: /voice-assistants/sync POST")
	logger.Default().Debugln("  handle route: /voice-assistants/{id} GET,PUT")
	logger.Default().Debugln("  handle route: /calls GET")
	logger.Default().Debugln("  handle route: /calls/{id} GET")

	require := func(operation core.Operation, h http.HandlerFunc) http.Handler {
		return access.Require(operation, access.DefaultPermits)(h)
	}

	router.Handle("/voice-assistants", require(core.OperationList, func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		assistants, err := s.List(r.Context(), auth.OrganizationID)
		if err != nil {
			rest.Error(w, r, "6001", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, assistants)
	})).Methods(http.MethodGet)

	router.Handle("/voice-assistants/sync", require(core.OperationUpdate, func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		assistants, err := s.Sync(r.Context(), auth.OrganizationID)
		if err != nil {
			rest.Error(w, r, "6002", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, assistants)
	})).Methods(http.MethodPost)

	router.Handle("/voice-assistants/{id}", require(core.OperationRead, func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		id, err := rest.UUIDVar(r, "id")
		if err != nil {
			rest.Error(w, r, "6003", err)
			return
		}
		assistant, err := s.Get(r.Context(), auth.OrganizationID, id)
		if err != nil {
			rest.Error(w, r, "6003", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, assistant)
	})).Methods(http.MethodGet)

	router.Handle("/voice-assistants/{id}", require(core.OperationUpdate, func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		id, err := rest.UUIDVar(r, "id")
		if err != nil {
			rest.Error(w, r, "6004", err)
			return
		}
		var update Update
		if err := rest.ReadJSON(r, s.validator, schema.ID("voice-assistant-update"), &update); err != nil {
			rest.Error(w, r, "6004", err)
			return
		}
		assistant, err := s.Update(r.Context(), auth.OrganizationID, id, update)
		if err != nil {
			rest.Error(w, r, "6004", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, assistant)
	})).Methods(http.MethodPut)

	router.Handle("/calls", require(core.OperationList, func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		assistantID, err := rest.UUIDQuery(r, "voice_assistant_id")
		if err != nil {
			rest.Error(w, r, "6005", err)
			return
		}
		calls, err := s.Calls(r.Context(), auth.OrganizationID, CallFilter{VoiceAssistantID: assistantID, Limit: rest.Limit(r, 100, 500)})
		if err != nil {
			rest.Error(w, r, "6005", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, calls)
	})).Methods(http.MethodGet)

	router.Handle("/calls/{id}", require(core.OperationRead, func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		id, err := rest.UUIDVar(r, "id")
		if err != nil {
			rest.Error(w, r, "6006", err)
			return
		}
		call, err := s.Call(r.Context(), auth.OrganizationID, id)
		if err != nil {
			rest.Error(w, r, "6006", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, call)
	})).Methods(http.MethodGet)
}

// HandleWebhookRoutes installs the webhook of the voice AI platform
func (s *Service) HandleWebhookRoutes(router *mux.Router) {
	logger.Default().Debugln("  handle route: /webhooks/voice POST")
	router.HandleFunc("/webhooks/voice", func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		outcome := func(o string) {
			metrics.WebhooksTotal.WithLabelValues("voice", o).Inc()
		}
		if !s.CheckSecret(r.Header.Get(voiceai.SecretHeader)) {
			outcome("unauthorized")
			rlog.Infoln("Error 6007: voice webhook with invalid secret")
			http.Error(w, "Error 6007: invalid secret", http.StatusUnauthorized)
			return
		}
		body, err := rest.ReadBody(r)
		if err != nil {
			outcome("invalid")
			rest.Error(w, r, "6008", err)
			return
		}
		var webhook voiceai.Webhook
		if err := json.Unmarshal(body, &webhook); err != nil {
			outcome("invalid")
			rest.Error(w, r, "6008", core.Invalidf("cannot parse webhook: %s", err))
			return
		}

		call, err := s.HandleWebhook(r.Context(), webhook.Message)
		switch {
		case errors.Is(err, ErrUnknownAssistant):
			outcome("ignored")
			rlog.Warnf("voice webhook ignored: %v", err)
			w.WriteHeader(http.StatusAccepted)
			return
		case err != nil:
			outcome("failure")
			rest.Error(w, r, "6009", err)
			return
		case call == nil:
			outcome("ignored")
		default:
			outcome("success")
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPost)
}

// HandlePortalRoutes installs the voice routes of the customer portal
func (s *Service) HandlePortalRoutes(portal *mux.Router) {
	logger.Default().Debugln("  handle route: /portal/voice-assistants GET")
	logger.Default().Debugln("  handle route: /portal/calls GET")

	portal.Handle("/portal/voice-assistants", access.RequirePermission(customers.PermissionViewVoice)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			auth := access.AuthorizationFromContext(r.Context())
			assistants, err := s.ListForCustomer(r.Context(), auth.OrganizationID, auth.CustomerID)
			if err != nil {
				rest.Error(w, r, "6010", err)
				return
			}
			rest.WriteJSON(w, http.StatusOK, assistants)
		}))).Methods(http.MethodGet)

	portal.Handle("/portal/calls", access.RequirePermission(customers.PermissionViewCalls)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			auth := access.AuthorizationFromContext(r.Context())
			calls, err := s.CallsForCustomer(r.Context(), auth.OrganizationID, auth.CustomerID, rest.Limit(r, 100, 500))
			if err != nil {
				rest.Error(w, r, "6011", err)
				return
			}
			rest.WriteJSON(w, http.StatusOK, calls)
		}))).Methods(http.MethodGet)
}
