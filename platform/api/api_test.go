package api

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxtro/backend/config"
	"github.com/voxtro/backend/core/access"
	"github.com/voxtro/backend/core/bus"
	"github.com/voxtro/backend/core/client"
	"github.com/voxtro/backend/core/logger"
	"github.com/voxtro/backend/platform/tenancy"
	"github.com/voxtro/backend/test"
)

const testSecret = "super-secret-jwt-token-with-at-least-32-characters"

func bearer(t *testing.T, userID uuid.UUID, email string) string {
	claims := access.Claims{Email: email}
	claims.Subject = userID.String()
	claims.ExpiresAt = time.Now().Add(time.Hour).Unix()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return "Bearer " + token
}

func newServer(t *testing.T) *Server {
	db := test.Postgres(t)
	s, err := New(context.Background(), &Builder{
		Config: &config.Service{
			JWTSecret:      testSecret,
			CORSOrigins:    "https://app.voxtro.test",
			AppURL:         "https://app.voxtro.test",
			PortalURL:      "https://portal.voxtro.test",
			JobConcurrency: 2,
		},
		DB:  db,
		Bus: bus.Nop{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestServer(t *testing.T) {
	s := newServer(t)
	anonymous := client.NewWithRouter(s.Router)

	var version map[string]string
	_, err := anonymous.RawGet("/version", &version)
	require.NoError(t, err)
	assert.Equal(t, Version, version["version"])
	status, _ := anonymous.RawGet("/health", nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = anonymous.RawGet("/authorization", nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = anonymous.RawGet("/chatbots", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = anonymous.RawGet("/organizations", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = anonymous.WithHeader("Authorization", "Bearer forged").RawGet("/organizations", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	owner := anonymous.WithHeader("Authorization", bearer(t, uuid.New(), "owner@acme.test"))
	var org tenancy.Organization
	status, err = owner.RawPost("/organizations", map[string]string{"name": "Acme"}, &org)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)

	// the new organization is active, so the dashboard works without header
	var list []interface{}
	_, err = owner.RawGet("/chatbots", &list)
	require.NoError(t, err)
	assert.Empty(t, list)
	_, err = owner.WithHeader(tenancy.OrganizationHeader, org.ID.String()).RawGet("/tickets", &list)
	require.NoError(t, err)

	stranger := anonymous.WithHeader("Authorization", bearer(t, uuid.New(), "x@initech.test")).
		WithHeader(tenancy.OrganizationHeader, org.ID.String())
	status, _ = stranger.RawGet("/chatbots", nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = stranger.RawGet("/portal/me", nil)
	assert.Equal(t, http.StatusForbidden, status)

	var branding map[string]interface{}
	_, err = anonymous.RawGet("/public/branding?organization="+org.Slug, &branding)
	require.NoError(t, err)
	assert.Equal(t, "Acme", branding["company_name"])

	status, _ = anonymous.RawGet("/widget/chatbots/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, status)

	var metricsBody []byte
	_, err = anonymous.RawGet("/metrics", &metricsBody)
	require.NoError(t, err)
	assert.Contains(t, string(metricsBody), "voxtro_http_requests_total")
}

func TestHandlerCORS(t *testing.T) {
	s := newServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/chatbots", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.voxtro.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", tenancy.OrganizationHeader)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, "https://app.voxtro.test", res.Header.Get("Access-Control-Allow-Origin"))

	res, err = http.Get(srv.URL + "/version")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.NotEmpty(t, res.Header.Get(logger.RequestIDHeader))
}

func TestLambdaProxy(t *testing.T) {
	s := newServer(t)
	res, err := s.HandleAPIGatewayProxy(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodGet,
		Path:       "/version",
		Headers:    map[string]string{"Accept": "application/json"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.False(t, res.IsBase64Encoded)
	assert.Contains(t, res.Body, `"version"`)

	res, err = s.HandleAPIGatewayProxy(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod:      http.MethodPost,
		Path:            "/organizations",
		Body:            base64.StdEncoding.EncodeToString([]byte(`{"name":"Initech"}`)),
		IsBase64Encoded: true,
		Headers:         map[string]string{"Authorization": bearer(t, uuid.New(), "boss@initech.test")},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Contains(t, res.Body, `"slug":"initech"`)

	require.NoError(t, s.HandleScheduledEvent(context.Background(), events.CloudWatchEvent{ID: "tick", DetailType: "Scheduled Event"}))
	last, err := s.Crawl.LastSweep(context.Background())
	require.NoError(t, err)
	assert.False(t, last.IsZero())
}

func TestLambdaProxyEncoding(t *testing.T) {
	s := newServer(t)
	res, err := s.HandleAPIGatewayProxy(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod:                      http.MethodGet,
		Path:                            "/public/branding",
		MultiValueQueryStringParameters: map[string][]string{"organization": {"nobody"}},
		MultiValueHeaders:               map[string][]string{"Accept": {"application/json"}},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	// compressed responses go back base64 encoded
	res, err = s.HandleAPIGatewayProxy(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodGet,
		Path:       "/version",
		Headers:    map[string]string{"Accept-Encoding": "gzip"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, res.IsBase64Encoded)
	assert.True(t, strings.HasPrefix(res.Body, "H4s"))

	_, err = s.HandleAPIGatewayProxy(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost, Path: "/organizations", Body: "%%%", IsBase64Encoded: true,
	})
	assert.Error(t, err)
}
