package crawl

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxtro/backend/core/access"
	"github.com/voxtro/backend/core/client"
	"github.com/voxtro/backend/core/jobs"
	"github.com/voxtro/backend/core/kss"
	"github.com/voxtro/backend/core/pointers"
	"github.com/voxtro/backend/integrations/crawler"
	"github.com/voxtro/backend/platform/chatbots"
	"github.com/voxtro/backend/platform/schemas"
	"github.com/voxtro/backend/test"
)

// fakeCrawler reports the crawl running for a number of polls, then the final status
type fakeCrawler struct {
	mu      sync.Mutex
	running int
	final   crawler.Status
	started []string
	polls   int
}

func (f *fakeCrawler) StartCrawl(ctx context.Context, siteURL string, limit int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, siteURL)
	return "crawl-1", nil
}

func (f *fakeCrawler) GetCrawl(ctx context.Context, id string) (*crawler.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.polls <= f.running {
		return &crawler.Status{Status: crawler.StatusScraping}, nil
	}
	status := f.final
	return &status, nil
}

func page(title, url, markdown string) crawler.Page {
	var p crawler.Page
	p.Markdown = markdown
	p.Metadata.Title = title
	p.Metadata.SourceURL = url
	return p
}

type fixture struct {
	s        *Service
	queue    *jobs.Queue
	chatbots *chatbots.Service
	crawler  *fakeCrawler
	storage  kss.Driver
	router   *mux.Router
}

func setup(t *testing.T) *fixture {
	db := test.Postgres(t)
	validator := schemas.MustValidator()
	router := mux.NewRouter()
	publicURL, _ := url.Parse("https://api.voxtro.test")
	storage, err := kss.NewLocalFilesystem(router, kss.LocalConfiguration{BasePath: t.TempDir(), SigningKey: "secret"}, *publicURL)
	require.NoError(t, err)

	f := &fixture{
		queue:   jobs.New(&jobs.Builder{DB: db}),
		crawler: &fakeCrawler{},
		storage: storage,
		router:  router,
	}
	f.chatbots = chatbots.New(&chatbots.Builder{DB: db, Validator: validator})
	f.s = New(&Builder{
		DB:           db,
		Jobs:         f.queue,
		Chatbots:     f.chatbots,
		Crawler:      f.crawler,
		KSS:          storage,
		PollInterval: time.Millisecond,
		MaxPolls:     5,
	})
	return f
}

// brokenKnowledge fails to store crawled knowledge
type brokenKnowledge struct {
	*chatbots.Service
}

func (brokenKnowledge) SetKnowledge(ctx context.Context, id uuid.UUID, knowledge string, crawledAt time.Time) error {
	return errors.New("disk full")
}

func TestKnowledge(t *testing.T) {
	knowledge := Knowledge([]crawler.Page{
		page("Home", "https://acme.test/", "Welcome to Acme"),
		page("", "https://acme.test/empty", "  "),
		page("", "https://acme.test/pricing", "Seats cost 10 EUR"),
	})
	assert.Equal(t, "# Home\nhttps://acme.test/\n\nWelcome to Acme\n\n# https://acme.test/pricing\nhttps://acme.test/pricing\n\nSeats cost 10 EUR", knowledge)

	long := Knowledge([]crawler.Page{page("Big", "https://acme.test/big", strings.Repeat("x", 2*MaxKnowledge))})
	assert.LessOrEqual(t, len(long), MaxKnowledge)
}

func TestCrawlJob(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	org := uuid.New()
	bot, err := f.chatbots.Create(ctx, org, chatbots.Input{Name: pointers.To("Bot"), WebsiteURL: pointers.To("https://acme.test")})
	require.NoError(t, err)

	f.crawler.running = 2
	f.crawler.final = crawler.Status{Status: crawler.StatusCompleted, Data: []crawler.Page{
		page("Home", "https://acme.test/", "Welcome to Acme"),
		page("Pricing", "https://acme.test/pricing", "Seats cost 10 EUR"),
	}}

	require.NoError(t, f.s.Request(ctx, org, bot.ID))
	// a pending crawl is not raised twice
	require.NoError(t, f.s.Request(ctx, org, bot.ID))
	f.queue.ProcessJobsSync(0)

	assert.Equal(t, []string{"https://acme.test"}, f.crawler.started)
	assert.Equal(t, 3, f.crawler.polls)

	bot, err = f.chatbots.Get(ctx, org, bot.ID)
	require.NoError(t, err)
	assert.NotNil(t, bot.LastCrawledAt)
	assert.Contains(t, bot.Knowledge, "# Pricing\nhttps://acme.test/pricing\n\nSeats cost 10 EUR")

	runs, err := f.s.Runs(ctx, org, bot.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, StatusCompleted, runs[0].Status)
	assert.Equal(t, 2, runs[0].Pages)
	assert.NotNil(t, runs[0].FinishedAt)
	assert.Equal(t, SnapshotKey(bot.ID, runs[0].ID), runs[0].SnapshotKey)

	snapshot, err := f.storage.Download(ctx, runs[0].SnapshotKey)
	require.NoError(t, err)
	assert.Contains(t, string(snapshot), "Seats cost 10 EUR")
}

func TestCrawlFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	org := uuid.New()
	bot, err := f.chatbots.Create(ctx, org, chatbots.Input{Name: pointers.To("Bot"), WebsiteURL: pointers.To("https://acme.test")})
	require.NoError(t, err)

	f.crawler.final = crawler.Status{Status: crawler.StatusFailed, Error: "blocked by robots.txt"}
	run, err := f.s.Crawl(ctx, bot.ID)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Contains(t, run.Error, "blocked by robots.txt")

	// a crawl which never finishes gives up after the poll limit
	f.crawler.polls = 0
	f.crawler.running = 100
	run, err = f.s.Crawl(ctx, bot.ID)
	require.Error(t, err)
	assert.Contains(t, run.Error, "did not finish")
	assert.Equal(t, 5, f.crawler.polls)

	bot, err = f.chatbots.Get(ctx, org, bot.ID)
	require.NoError(t, err)
	assert.Nil(t, bot.LastCrawledAt)
}

func TestCrawlFailureFinishesRun(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	org := uuid.New()
	bot, err := f.chatbots.Create(ctx, org, chatbots.Input{Name: pointers.To("Bot"), WebsiteURL: pointers.To("https://acme.test")})
	require.NoError(t, err)
	f.crawler.final = crawler.Status{Status: crawler.StatusCompleted, Data: []crawler.Page{page("Home", "https://acme.test/", "Hello")}}
	f.s.chatbots = brokenKnowledge{f.chatbots}

	run, err := f.s.Crawl(ctx, bot.ID)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Contains(t, run.Error, "disk full")

	// the API failing outright
	f.s.crawler = nil
	_, err = f.s.Crawl(ctx, bot.ID)
	require.Error(t, err)

	runs, err := f.s.Runs(ctx, org, bot.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, r := range runs {
		assert.Equal(t, StatusFailed, r.Status)
		assert.NotNil(t, r.FinishedAt)
		assert.NotEmpty(t, r.Error)
	}
}

func TestSweep(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	org := uuid.New()
	daily, err := f.chatbots.Create(ctx, org, chatbots.Input{Name: pointers.To("daily"), WebsiteURL: pointers.To("https://a.test"), CrawlFrequency: pointers.To(chatbots.FrequencyDaily)})
	require.NoError(t, err)
	weekly, err := f.chatbots.Create(ctx, org, chatbots.Input{Name: pointers.To("weekly"), WebsiteURL: pointers.To("https://b.test"), CrawlFrequency: pointers.To(chatbots.FrequencyWeekly)})
	require.NoError(t, err)
	require.NoError(t, f.chatbots.SetKnowledge(ctx, weekly.ID, "", time.Now().Add(-48*time.Hour)))
	manual, err := f.chatbots.Create(ctx, org, chatbots.Input{Name: pointers.To("manual"), WebsiteURL: pointers.To("https://c.test")})
	require.NoError(t, err)

	last, err := f.s.LastSweep(ctx)
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	raised, err := f.s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, raised)

	cancelled, err := f.queue.CancelEvent(ctx, crawlEvent(daily.ID))
	require.NoError(t, err)
	assert.True(t, cancelled)
	for _, id := range []uuid.UUID{weekly.ID, manual.ID} {
		cancelled, err := f.queue.CancelEvent(ctx, crawlEvent(id))
		require.NoError(t, err)
		assert.False(t, cancelled)
	}

	last, err = f.s.LastSweep(ctx)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), last, time.Minute)

	// the heartbeat does not sweep again within the interval
	f.s.SweepIfDue(ctx)
	cancelled, err = f.queue.CancelEvent(ctx, crawlEvent(daily.ID))
	require.NoError(t, err)
	assert.False(t, cancelled)

	f.s.now = func() time.Time { return time.Now().Add(2 * SweepInterval) }
	f.s.SweepIfDue(ctx)
	cancelled, err = f.queue.CancelEvent(ctx, crawlEvent(daily.ID))
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestRoutes(t *testing.T) {
	f := setup(t)
	f.s.HandleRoutes(f.router)
	org := uuid.New()
	oc := client.NewWithRouter(f.router).WithAuthorization(&access.Authorization{UserID: uuid.New(), OrganizationID: org, OrganizationRole: access.RoleOwner})
	mc := client.NewWithRouter(f.router).WithAuthorization(&access.Authorization{UserID: uuid.New(), OrganizationID: org, OrganizationRole: access.RoleMember})

	ctx := context.Background()
	bot, err := f.chatbots.Create(ctx, org, chatbots.Input{Name: pointers.To("Bot"), WebsiteURL: pointers.To("https://acme.test")})
	require.NoError(t, err)
	noSite, err := f.chatbots.Create(ctx, org, chatbots.Input{Name: pointers.To("No site")})
	require.NoError(t, err)

	status, err := oc.RawPost("/chatbots/"+bot.ID.String()+"/crawl", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, status)
	status, _ = oc.RawPost("/chatbots/"+noSite.ID.String()+"/crawl", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = oc.RawPost("/chatbots/"+uuid.NewString()+"/crawl", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = mc.RawPost("/chatbots/"+bot.ID.String()+"/crawl", nil, nil)
	assert.Equal(t, http.StatusForbidden, status)

	f.crawler.final = crawler.Status{Status: crawler.StatusCompleted, Data: []crawler.Page{page("Home", "https://acme.test/", "Hello")}}
	f.queue.ProcessJobsSync(0)

	var runs []Run
	_, err = mc.RawGet("/chatbots/"+bot.ID.String()+"/crawls", &runs)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].Pages)
}
