/*
Package client provides easy and fast in-process access to a REST api

Instead of marshalling HTTP, the client talks directly to the mux router. The client
is the tool of choice if one request handler needs to call other handlers to fulfill
its task. It is also perfectly suited for unit tests.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/voxtro/backend/core/access"
)

// Client provides easy access to the REST API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	token      string
	auth       *access.Authorization
	ctx        context.Context

	defaultHeaders map[string]string
}

// NewWithRouter creates a client to make pseudo-REST requests to the backend,
// through the mux router
//
// WithAuthorization() adds an authorization to the request context.
// WithContext() specifies a different base context all together.
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to the backend
//
// WithToken adds an authorization token to the request header.
func NewWithURL(url string) Client {
	return Client{
		url:            url,
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	headers := make(map[string]string, len(c.defaultHeaders)+1)
	for k, v := range c.defaultHeaders {
		headers[k] = v
	}
	headers[key] = value
	c.defaultHeaders = headers
	return c
}

// WithToken returns a new client which sends token as bearer token
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithAdminAuthorization returns a new client with platform admin authorizations
// (this works only directly against the mux router, for a normal client
// use WithToken())
func (c Client) WithAdminAuthorization() Client {
	return c.WithAuthorization(&access.Authorization{Roles: []string{access.RoleAdmin}})
}

// WithAuthorization returns a new client with specific authorizations
// (this works only directly against the mux router, for a normal client
// use WithToken())
func (c Client) WithAuthorization(auth *access.Authorization) Client {
	c.auth = auth
	return c
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the request context including the authorization
func (c Client) Context() context.Context {
	ctx := c.ctx
	if c.ctx == nil {
		ctx = context.Background()
	}
	if c.auth != nil {
		ctx = access.ContextWithAuthorization(ctx, c.auth)
	}
	return ctx
}

// StatusError is returned when the handler answers with an unexpected status code
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s got status=%d body=%s", e.Method, e.Path, e.Status, e.Body)
}

// Do executes a request. body can be nil, a []byte or any object which is marshalled
// to JSON. result can be nil, a raw *[]byte or any object the response is
// unmarshalled into. Statuses other than expected yield a *StatusError.
func (c Client) Do(method, path string, header map[string]string, body interface{}, result interface{}, expected ...int) (int, http.Header, error) {
	var reader io.Reader
	if body != nil {
		data, ok := body.([]byte)
		if !ok {
			var err error
			data, err = json.Marshal(body)
			if err != nil {
				return http.StatusBadRequest, nil, fmt.Errorf("%s to %s: %w", method, path, err)
			}
		}
		reader = bytes.NewReader(data)
	}

	r, err := http.NewRequestWithContext(c.Context(), method, c.url+path, reader)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	for key, value := range c.defaultHeaders {
		r.Header.Set(key, value)
	}
	for key, value := range header {
		r.Header.Set(key, value)
	}

	var res *http.Response
	var resBody []byte
	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		res = rec.Result()
		resBody = rec.Body.Bytes()
	} else {
		if c.token != "" {
			r.Header.Set("Authorization", "Bearer "+c.token)
		}
		res, err = c.httpClient.Do(r)
		if err != nil {
			return http.StatusInternalServerError, nil, err
		}
		defer res.Body.Close()
		resBody, _ = io.ReadAll(res.Body)
	}

	status := res.StatusCode
	ok := false
	for _, e := range expected {
		ok = ok || e == status
	}
	if !ok {
		return status, res.Header, &StatusError{Method: method, Path: path, Status: status, Body: strings.TrimSpace(string(resBody))}
	}
	if len(resBody) > 0 && result != nil {
		if raw, isRaw := result.(*[]byte); isRaw {
			*raw = resBody
		} else {
			err = json.Unmarshal(resBody, result)
		}
	}
	return status, res.Header, err
}

// RawGet gets the resource from path. Expects http.StatusOK or http.StatusNoContent as response,
// otherwise it will flag an error. Returns the actual http status code.
//
// The path can be extend with query strings.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	status, _, err := c.Do(http.MethodGet, path, nil, nil, result, http.StatusOK, http.StatusNoContent)
	return status, err
}

// RawPost posts body to path. Expects http.StatusOK, http.StatusCreated, http.StatusAccepted
// or http.StatusNoContent as valid responses.
func (c Client) RawPost(path string, body interface{}, result interface{}) (int, error) {
	status, _, err := c.Do(http.MethodPost, path, nil, body, result,
		http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent)
	return status, err
}

// RawPostWithHeader posts body to path with additional headers
func (c Client) RawPostWithHeader(path string, header map[string]string, body interface{}, result interface{}) (int, error) {
	status, _, err := c.Do(http.MethodPost, path, header, body, result,
		http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent)
	return status, err
}

// RawPut puts body to path. Expects http.StatusOK, http.StatusCreated or http.StatusNoContent
// as valid responses.
func (c Client) RawPut(path string, body interface{}, result interface{}) (int, error) {
	status, _, err := c.Do(http.MethodPut, path, nil, body, result,
		http.StatusOK, http.StatusCreated, http.StatusNoContent)
	return status, err
}

// RawDelete deletes the resource at path. Expects http.StatusNoContent as response.
func (c Client) RawDelete(path string) (int, error) {
	status, _, err := c.Do(http.MethodDelete, path, nil, nil, nil, http.StatusNoContent)
	return status, err
}
