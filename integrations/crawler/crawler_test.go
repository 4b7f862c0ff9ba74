package crawler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrawl(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer fc-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/crawl":
			var body struct {
				URL           string `json:"url"`
				Limit         int    `json:"limit"`
				ScrapeOptions struct {
					Formats         []string `json:"formats"`
					OnlyMainContent bool     `json:"onlyMainContent"`
				} `json:"scrapeOptions"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "https://acme.test", body.URL)
			assert.Equal(t, 25, body.Limit)
			assert.Equal(t, []string{"markdown"}, body.ScrapeOptions.Formats)
			assert.True(t, body.ScrapeOptions.OnlyMainContent)
			w.Write([]byte(`{"success":true,"id":"crawl-1","url":"https://api.firecrawl.dev/v1/crawl/crawl-1"}`))
		case r.URL.Path == "/v1/crawl/crawl-1":
			w.Write([]byte(`{"status":"completed","total":2,"completed":2,"data":[
				{"markdown":"# Home","metadata":{"title":"Home","sourceURL":"https://acme.test","statusCode":200}},
				{"markdown":"Prices","metadata":{"title":"Pricing","sourceURL":"https://acme.test/pricing"}}]}`))
		case r.URL.Path == "/v1/crawl/crawl-2":
			w.Write([]byte(`{"status":"scraping","total":10,"completed":3,"data":[]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "fc-key")
	require.NotNil(t, c)
	ctx := context.Background()

	id, err := c.StartCrawl(ctx, "https://acme.test", 25)
	require.NoError(t, err)
	assert.Equal(t, "crawl-1", id)

	status, err := c.GetCrawl(ctx, id)
	require.NoError(t, err)
	assert.True(t, status.Done())
	require.Len(t, status.Data, 2)
	assert.Equal(t, "Pricing", status.Data[1].Metadata.Title)
	assert.Equal(t, "https://acme.test/pricing", status.Data[1].Metadata.SourceURL)
	assert.Equal(t, 200, status.Data[0].Metadata.StatusCode)

	status, err = c.GetCrawl(ctx, "crawl-2")
	require.NoError(t, err)
	assert.False(t, status.Done())
	assert.Equal(t, 3, status.Completed)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = c.GetCrawl(cancelled, "crawl-2")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew(t *testing.T) {
	assert.Nil(t, New("", ""))
}
