package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/voxtro/backend/core/logger"
	"github.com/voxtro/backend/core/rest"
)

func handleVersion(router *mux.Router) {
	logger.Default().Debugln("version")
	logger.Default().Debugln("  handle version route: /version GET")
	router.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		rest.WriteJSON(w, http.StatusOK, map[string]string{"version": Version})
	}).Methods(http.MethodOptions, http.MethodGet)
}
