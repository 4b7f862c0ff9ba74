package access

import (
	"crypto/subtle"
	"net/http"

	"github.com/gorilla/mux"
)

// NewServiceTokenMiddelware returns a middleware handler for operator access
//
// Any request with an authorization bearer token equal to the configured service token
// will be authorized with the platform admin role. This is meant for scripts and
// schedulers which call the health and maintenance routes.
//
// With curl, use -H 'Authorization: Bearer <token>'
func NewServiceTokenMiddelware(serviceToken string) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if serviceToken == "" || AuthorizationFromContext(r.Context()) != nil {
				h.ServeHTTP(w, r)
				return
			}
			token := BearerToken(r)
			if len(token) > 0 && subtle.ConstantTimeCompare([]byte(token), []byte(serviceToken)) == 1 {
				auth := &Authorization{Roles: []string{RoleAdmin}}
				r = r.WithContext(auth.ContextWithAuthorization(r.Context()))
			}
			h.ServeHTTP(w, r)
		})
	}
}
