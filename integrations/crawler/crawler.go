// Package crawler crawls websites through the website crawling API (Firecrawl)
package crawler

import (
	"context"
	"fmt"

	"github.com/mendableai/firecrawl-go"

	"github.com/voxtro/backend/core/logger"
)

// DefaultBaseURL is the production API
const DefaultBaseURL = "https://api.firecrawl.dev"

// Crawl states
const (
	StatusScraping  = "scraping"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Client talks to the crawling API
type Client struct {
	app *firecrawl.FirecrawlApp
}

// New returns a client, or nil if apiKey is empty
func New(baseURL, apiKey string) *Client {
	if apiKey == "" {
		return nil
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	app, err := firecrawl.NewFirecrawlApp(apiKey, baseURL)
	if err != nil {
		logger.Default().WithError(err).Errorln("Error 6802: cannot create crawling API client")
		return nil
	}
	return &Client{app: app}
}

// StartCrawl starts crawling the website at siteURL with markdown output and returns the crawl id
func (c *Client) StartCrawl(ctx context.Context, siteURL string, limit int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	onlyMainContent := true
	res, err := c.app.AsyncCrawlURL(siteURL, &firecrawl.CrawlParams{
		Limit: &limit,
		ScrapeOptions: firecrawl.ScrapeParams{
			Formats:         []string{"markdown"},
			OnlyMainContent: &onlyMainContent,
		},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("crawl of %s: %w", siteURL, err)
	}
	if !res.Success || res.ID == "" {
		return "", fmt.Errorf("crawl of %s not started", siteURL)
	}
	logger.FromContext(ctx).Debugf("crawl %s of %s started", res.ID, siteURL)
	return res.ID, nil
}

// Page is one crawled page
type Page struct {
	Markdown string `json:"markdown"`
	Metadata struct {
		Title      string `json:"title"`
		SourceURL  string `json:"sourceURL"`
		StatusCode int    `json:"statusCode,omitempty"`
	} `json:"metadata"`
}

// Status is the state of a crawl
type Status struct {
	Status    string `json:"status"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Data      []Page `json:"data"`
	Error     string `json:"error,omitempty"`
}

// Done returns true if the crawl is no longer running
func (s *Status) Done() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed || s.Status == StatusCancelled
}

// GetCrawl returns the status of a crawl with the pages crawled so far
func (c *Client) GetCrawl(ctx context.Context, id string) (*Status, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := c.app.CheckCrawlStatus(id)
	if err != nil {
		return nil, fmt.Errorf("crawl %s: %w", id, err)
	}
	status := &Status{Status: res.Status, Total: res.Total, Completed: res.Completed, Data: []Page{}}
	for _, doc := range res.Data {
		if doc == nil {
			continue
		}
		status.Data = append(status.Data, pageOf(doc))
	}
	return status, nil
}

func pageOf(doc *firecrawl.FirecrawlDocument) Page {
	p := Page{Markdown: doc.Markdown}
	if m := doc.Metadata; m != nil {
		if m.Title != nil {
			p.Metadata.Title = *m.Title
		}
		if m.SourceURL != nil {
			p.Metadata.SourceURL = *m.SourceURL
		}
		if m.StatusCode != nil {
			p.Metadata.StatusCode = *m.StatusCode
		}
	}
	return p
}
