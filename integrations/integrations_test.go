package integrations

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientDo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/ok":
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			w.Write([]byte(`{"id":"abc"}`))
		default:
			http.Error(w, `{"message":"nope"}`, http.StatusUnprocessableEntity)
		}
	}))
	defer srv.Close()

	c := NewHTTPClient("vendor", srv.URL+"/", BearerAuth("key"))
	var result struct {
		ID string `json:"id"`
	}
	require.NoError(t, c.Do(context.Background(), http.MethodPost, "/ok", map[string]string{"a": "b"}, &result))
	assert.Equal(t, "abc", result.ID)

	err := c.Do(context.Background(), http.MethodGet, "/fail", nil, nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, `{"message":"nope"}`, apiErr.Body)
}
