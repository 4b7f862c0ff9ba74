package crawl

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/voxtro/backend/core"
	"github.com/voxtro/backend/core/access"
	"github.com/voxtro/backend/core/logger"
	"github.com/voxtro/backend/core/rest"
)

// HandleRoutes installs the crawl routes on the dashboard router
func (s *Service) HandleRoutes(router *mux.Router) {
	logger.Default().Debugln("crawl")
	logger.Default().Debugln("  handle route: /chatbots/{id}/crawl POST")
	logger.Default().Debugln("  handle route: /chatbots/{id}/crawls GET")

	router.Handle("/chatbots/{id}/crawl", access.Require(core.OperationUpdate, access.DefaultPermits)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			auth := access.AuthorizationFromContext(r.Context())
			id, err := rest.UUIDVar(r, "id")
			if err != nil {
				rest.Error(w, r, "5904", err)
				return
			}
			if err := s.Request(r.Context(), auth.OrganizationID, id); err != nil {
				rest.Error(w, r, "5904", err)
				return
			}
			w.WriteHeader(http.StatusAccepted)
		}))).Methods(http.MethodPost)

	router.Handle("/chatbots/{id}/crawls", access.Require(core.OperationRead, access.DefaultPermits)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			auth := access.AuthorizationFromContext(r.Context())
			id, err := rest.UUIDVar(r, "id")
			if err != nil {
				rest.Error(w, r, "5905", err)
				return
			}
			runs, err := s.Runs(r.Context(), auth.OrganizationID, id, rest.Limit(r, 20, 100))
			if err != nil {
				rest.Error(w, r, "5905", err)
				return
			}
			rest.WriteJSON(w, http.StatusOK, runs)
		}))).Methods(http.MethodGet)
}
