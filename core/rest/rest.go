// Package rest has the small helpers every handler uses to read requests and write responses.
package rest

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/voxtro/backend/core"
	"github.com/voxtro/backend/core/logger"
	"github.com/voxtro/backend/core/schema"
)

// MaxBodySize is the largest request body handlers accept
const MaxBodySize = 4 * 1024 * 1024

// WriteJSON marshals v and writes it with status
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "Error 5000: cannot marshal response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// ReadBody reads the request body
func ReadBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read body: %s", core.ErrInvalid, err)
	}
	return body, nil
}

// ReadJSON reads the request body, validates it against schemaID when a validator is
// given and unmarshals it into v. Invalid bodies yield an error wrapping core.ErrInvalid.
func ReadJSON(r *http.Request, validator *schema.Validator, schemaID string, v interface{}) error {
	body, err := ReadBody(r)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if validator != nil && schemaID != "" {
		if err := validator.ValidateBytes(body, schemaID); err != nil {
			return err
		}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %s", core.ErrInvalid, err)
	}
	return nil
}

// UUIDVar returns the route variable name as uuid
func UUIDVar(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		return uuid.Nil, core.Invalidf("invalid %s", name)
	}
	return id, nil
}

// UUIDQuery returns the optional query parameter name as uuid, or uuid.Nil if it is missing
func UUIDQuery(r *http.Request, name string) (uuid.UUID, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, core.Invalidf("invalid %s", name)
	}
	return id, nil
}

// Limit returns the "limit" query parameter, bounded to 1..max, or def if missing or invalid
func Limit(r *http.Request, def, max int) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// Status maps an error to its http status code
func Status(err error) int {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, core.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// Error writes err as "Error <code>: ..." with the status mapped from the error.
// Client errors carry the error message, internal errors are only logged.
func Error(w http.ResponseWriter, r *http.Request, code string, err error) {
	status := Status(err)
	rlog := logger.FromContext(r.Context())
	if status == http.StatusInternalServerError {
		rlog.WithError(err).Errorf("Error %s", code)
		http.Error(w, "Error "+code+": internal error", status)
		return
	}
	rlog.WithError(err).Infof("Error %s", code)
	http.Error(w, "Error "+code+": "+err.Error(), status)
}
