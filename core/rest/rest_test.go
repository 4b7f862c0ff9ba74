package rest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxtro/backend/core"
	"github.com/voxtro/backend/core/schema"
)

func TestStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, Status(fmt.Errorf("ticket: %w", core.ErrNotFound)))
	assert.Equal(t, http.StatusForbidden, Status(core.ErrForbidden))
	assert.Equal(t, http.StatusBadRequest, Status(core.Invalidf("bad")))
	assert.Equal(t, http.StatusConflict, Status(core.ErrConflict))
	assert.Equal(t, http.StatusInternalServerError, Status(fmt.Errorf("boom")))
}

func TestError(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, httptest.NewRequest(http.MethodGet, "/", nil), "5999", core.Invalidf("subject is missing"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Error 5999: invalid request: subject is missing")

	rec = httptest.NewRecorder()
	Error(rec, httptest.NewRequest(http.MethodGet, "/", nil), "5998", fmt.Errorf("pq: secret detail"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")
}

func TestReadJSON(t *testing.T) {
	v, err := schema.NewValidator([]string{`{
		"$id": "https://schemas.voxtro.app/subject.json",
		"type": "object",
		"properties": {"subject": {"type": "string", "minLength": 1}},
		"required": ["subject"]
	}`}, nil)
	require.NoError(t, err)

	var body struct {
		Subject string `json:"subject"`
	}
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"subject":"help"}`))
	require.NoError(t, ReadJSON(r, v, schema.ID("subject"), &body))
	assert.Equal(t, "help", body.Subject)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	assert.ErrorIs(t, ReadJSON(r, v, schema.ID("subject"), &body), core.ErrInvalid)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{not json`))
	assert.ErrorIs(t, ReadJSON(r, nil, "", &body), core.ErrInvalid)
}

func TestVarsAndLimit(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?limit=500&agent_id=nope", nil)
	r = mux.SetURLVars(r, map[string]string{"id": "e0c6a6b2-07a4-4c4e-9b67-7a4f9c1d3c55"})
	id, err := UUIDVar(r, "id")
	require.NoError(t, err)
	assert.Equal(t, "e0c6a6b2-07a4-4c4e-9b67-7a4f9c1d3c55", id.String())

	_, err = UUIDQuery(r, "agent_id")
	assert.ErrorIs(t, err, core.ErrInvalid)

	assert.Equal(t, 100, Limit(r, 50, 100))
	assert.Equal(t, 50, Limit(httptest.NewRequest(http.MethodGet, "/", nil), 50, 100))
}
