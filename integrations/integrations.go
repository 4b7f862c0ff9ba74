/*
Package integrations holds the clients for the vendor APIs the platform talks to.
Each subpackage covers only the endpoints the platform uses. Email, crawling and the
LLM go through the vendors' SDKs; voice and conversational AI use the JSON
HTTPClient of this package.

A client whose API key is not configured is nil, and the features which need it
log a warning instead of failing.
*/
package integrations

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/voxtro/backend/core/logger"
)

// DefaultTimeout is the timeout of vendor requests
const DefaultTimeout = 30 * time.Second

// APIError is returned for non-2xx responses of a vendor API
type APIError struct {
	Vendor     string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Vendor, e.StatusCode, e.Body)
}

// HTTPClient sends JSON requests to a vendor API
type HTTPClient struct {
	Vendor  string
	BaseURL string
	// Authorize adds the credentials to each request
	Authorize func(r *http.Request)
	HTTP      *http.Client
}

// NewHTTPClient returns a client with the default timeout
func NewHTTPClient(vendor, baseURL string, authorize func(r *http.Request)) *HTTPClient {
	return &HTTPClient{
		Vendor:    vendor,
		BaseURL:   strings.TrimSuffix(baseURL, "/"),
		Authorize: authorize,
		HTTP:      &http.Client{Timeout: DefaultTimeout},
	}
}

// BearerAuth returns an Authorize function which sets a bearer token
func BearerAuth(apiKey string) func(r *http.Request) {
	return func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

// HeaderAuth returns an Authorize function which sets the api key as header
func HeaderAuth(header, apiKey string) func(r *http.Request) {
	return func(r *http.Request) {
		r.Header.Set(header, apiKey)
	}
}

// Do sends body as JSON (when not nil) and unmarshals the response into result (when not nil)
func (c *HTTPClient) Do(ctx context.Context, method, path string, body, result interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Authorize != nil {
		c.Authorize(req)
	}

	res, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s %s: %w", c.Vendor, method, path, err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, 32*1024*1024))
	if err != nil {
		return fmt.Errorf("%s %s %s: cannot read response: %w", c.Vendor, method, path, err)
	}
	logger.FromContext(ctx).Debugf("%s %s %s: %d", c.Vendor, method, path, res.StatusCode)

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &APIError{Vendor: c.Vendor, StatusCode: res.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("%s %s %s: cannot parse response: %w", c.Vendor, method, path, err)
		}
	}
	return nil
}
