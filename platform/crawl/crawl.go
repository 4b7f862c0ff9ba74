/*
Package crawl keeps the knowledge of chatbots in sync with their websites.

A crawl run is a "crawl-chatbot" job: it starts a crawl of the chatbot's website
with the crawling API, polls it until it finishes and stores the pages as the
chatbot's knowledge. The scheduler sweep raises crawl jobs for all chatbots whose
crawl frequency says they are due. It runs on the job queue heartbeat, from the
scheduled lambda and from the crawl command.
*/
package crawl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/voxtro/backend/core"
	"github.com/voxtro/backend/core/csql"
	"github.com/voxtro/backend/core/jobs"
	"github.com/voxtro/backend/core/kss"
	"github.com/voxtro/backend/core/logger"
	"github.com/voxtro/backend/core/metrics"
	"github.com/voxtro/backend/core/registry"
	"github.com/voxtro/backend/integrations/crawler"
	"github.com/voxtro/backend/platform/chatbots"
	"github.com/voxtro/backend/platform/notify"
)

// EventType is the job which crawls the website of one chatbot
const EventType = "crawl-chatbot"

const (
	// PageLimit is the maximum number of pages crawled per website
	PageLimit = 25
	// MaxKnowledge bounds the stored knowledge in bytes
	MaxKnowledge = 100000
	// SweepInterval is how often the heartbeat sweeps for due chatbots
	SweepInterval = time.Hour
	// sweepConcurrency bounds the parallel job raises of a sweep
	sweepConcurrency = 4
)

// Run states
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Crawler is the crawling API. *crawler.Client implements it.
type Crawler interface {
	StartCrawl(ctx context.Context, siteURL string, limit int) (string, error)
	GetCrawl(ctx context.Context, id string) (*crawler.Status, error)
}

// Chatbots owns the crawled chatbots. *chatbots.Service implements it.
type Chatbots interface {
	Get(ctx context.Context, organizationID, id uuid.UUID) (*chatbots.Chatbot, error)
	Chatbot(ctx context.Context, id uuid.UUID) (*chatbots.Chatbot, error)
	SetKnowledge(ctx context.Context, id uuid.UUID, knowledge string, crawledAt time.Time) error
	Due(ctx context.Context, now time.Time) ([]chatbots.Chatbot, error)
}

// Run is one crawl of a chatbot's website
type Run struct {
	ID             uuid.UUID  `json:"id"`
	ChatbotID      uuid.UUID  `json:"chatbot_id"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	WebsiteURL     string     `json:"website_url"`
	Status         string     `json:"status"`
	Pages          int        `json:"pages"`
	Error          string     `json:"error,omitempty"`
	SnapshotKey    string     `json:"snapshot_key,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
}

// Service is the crawl service
type Service struct {
	db       *csql.DB
	jobs     *jobs.Queue
	chatbots Chatbots
	crawler  Crawler
	kss      kss.Driver
	notifier notify.Notifier
	registry registry.Accessor
	appURL   string

	pollInterval time.Duration
	maxPolls     int
	now          func() time.Time
}

// Builder is a builder helper for the Service
type Builder struct {
	// DB is the postgres database. Mandatory.
	DB *csql.DB
	// Jobs is the job queue. Mandatory.
	Jobs *jobs.Queue
	// Chatbots owns the crawled chatbots. Mandatory.
	Chatbots Chatbots
	// Crawler is the crawling API. Optional, without it crawls fail.
	Crawler Crawler
	// KSS stores the raw crawl snapshots. Optional.
	KSS kss.Driver
	// Notifier announces failed crawls. Optional.
	Notifier notify.Notifier
	// AppURL is the dashboard URL linked from notifications
	AppURL string
	// PollInterval is the time between two status requests. Defaults to 5 seconds.
	PollInterval time.Duration
	// MaxPolls is the number of status requests before a crawl is given up. Defaults to 60.
	MaxPolls int
}

// New creates the crawl_run table and installs the crawl job handler
func New(bb *Builder) *Service {
	if bb.DB == nil {
		panic("DB is missing")
	}
	if bb.Jobs == nil {
		panic("Jobs is missing")
	}
	if bb.Chatbots == nil {
		panic("Chatbots is missing")
	}
	s := &Service{
		db:           bb.DB,
		jobs:         bb.Jobs,
		chatbots:     bb.Chatbots,
		crawler:      bb.Crawler,
		kss:          bb.KSS,
		notifier:     bb.Notifier,
		registry:     registry.New(bb.DB).Accessor("crawl"),
		appURL:       strings.TrimSuffix(bb.AppURL, "/"),
		pollInterval: bb.PollInterval,
		maxPolls:     bb.MaxPolls,
		now:          time.Now,
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	if s.pollInterval <= 0 {
		s.pollInterval = 5 * time.Second
	}
	if s.maxPolls <= 0 {
		s.maxPolls = 60
	}
	s.db.MustExec(`CREATE TABLE IF NOT EXISTS {schema}.crawl_run (
id uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
chatbot_id uuid NOT NULL REFERENCES {schema}.chatbot(id) ON DELETE CASCADE,
organization_id uuid NOT NULL,
website_url VARCHAR NOT NULL,
status VARCHAR NOT NULL DEFAULT 'running',
pages INTEGER NOT NULL DEFAULT 0,
error TEXT NOT NULL DEFAULT '',
snapshot_key VARCHAR NOT NULL DEFAULT '',
started_at TIMESTAMP NOT NULL DEFAULT now(),
finished_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS crawl_run_chatbot_index ON {schema}.crawl_run(chatbot_id, started_at);`)

	s.jobs.HandleEvent(EventType, s.handle)
	s.jobs.OnHeartbeat(s.SweepIfDue)
	return s
}

func crawlEvent(chatbotID uuid.UUID) jobs.Event {
	return jobs.Event{Type: EventType, Resource: "chatbot", ResourceID: chatbotID}
}

// Raise raises the crawl job of a chatbot. A crawl which is already pending is
// not raised again.
func (s *Service) Raise(ctx context.Context, chatbotID uuid.UUID) error {
	return s.jobs.RaiseEventIfNotExist(ctx, crawlEvent(chatbotID))
}

// Request raises the crawl of a chatbot of an organization. The chatbot needs a website.
func (s *Service) Request(ctx context.Context, organizationID, chatbotID uuid.UUID) error {
	c, err := s.chatbots.Get(ctx, organizationID, chatbotID)
	if err != nil {
		return err
	}
	if c.WebsiteURL == "" {
		return core.Invalidf("chatbot has no website URL")
	}
	return s.Raise(ctx, c.ID)
}

func (s *Service) handle(ctx context.Context, e jobs.Event) error {
	_, err := s.Crawl(ctx, e.ResourceID)
	if errors.Is(err, core.ErrNotFound) || errors.Is(err, core.ErrInvalid) {
		// nothing a retry could fix
		logger.FromContext(ctx).Infof("crawl of chatbot %s dropped: %v", e.ResourceID, err)
		return nil
	}
	return err
}

// Crawl crawls the website of a chatbot and stores the result as its knowledge.
// Failed crawls are recorded in the returned run.
func (s *Service) Crawl(ctx context.Context, chatbotID uuid.UUID) (*Run, error) {
	c, err := s.chatbots.Chatbot(ctx, chatbotID)
	if err != nil {
		return nil, err
	}
	if c.WebsiteURL == "" {
		return nil, core.Invalidf("chatbot has no website URL")
	}
	rlog := logger.FromContext(ctx).WithField("chatbot", c.ID)

	run, err := s.startRun(ctx, c)
	if err != nil {
		return nil, err
	}
	pages, knowledge, err := s.complete(ctx, c, run)
	if err != nil {
		rlog.Errorf("Error 5901: crawl of %s failed: %v", c.WebsiteURL, err)
		metrics.CrawlsTotal.WithLabelValues("failure").Inc()
		// finish the run even when ctx is cancelled
		if ferr := s.finishRun(context.WithoutCancel(ctx), run, StatusFailed, 0, err.Error(), ""); ferr != nil {
			rlog.WithError(ferr).Errorln("cannot record failed crawl")
		}
		if jobs.IsLastAttempt(ctx) {
			s.announceFailure(ctx, c, err)
		}
		return run, err
	}
	metrics.CrawlsTotal.WithLabelValues("success").Inc()
	rlog.Infof("crawled %d pages of %s, %d bytes of knowledge", pages, c.WebsiteURL, len(knowledge))
	return run, nil
}

// complete fetches the pages of a run, stores them as knowledge and finishes the
// run as completed
func (s *Service) complete(ctx context.Context, c *chatbots.Chatbot, run *Run) (int, string, error) {
	pages, status, err := s.fetch(ctx, c.WebsiteURL)
	if err != nil {
		return 0, "", err
	}
	knowledge := Knowledge(pages)
	if err := s.chatbots.SetKnowledge(ctx, c.ID, knowledge, s.now()); err != nil {
		return 0, "", fmt.Errorf("cannot store knowledge: %w", err)
	}
	snapshot := ""
	if s.kss != nil {
		data, err := json.Marshal(status)
		if err != nil {
			return 0, "", fmt.Errorf("cannot encode crawl snapshot: %w", err)
		}
		snapshot = SnapshotKey(c.ID, run.ID)
		if err := s.kss.Upload(ctx, snapshot, "application/json", data); err != nil {
			logger.FromContext(ctx).Warnf("cannot store crawl snapshot: %v", err)
			snapshot = ""
		}
	}
	if err := s.finishRun(ctx, run, StatusCompleted, len(pages), "", snapshot); err != nil {
		return 0, "", fmt.Errorf("cannot finish crawl run: %w", err)
	}
	return len(pages), knowledge, nil
}

// fetch runs a crawl with the crawling API and waits for its pages
func (s *Service) fetch(ctx context.Context, siteURL string) ([]crawler.Page, *crawler.Status, error) {
	if s.crawler == nil {
		return nil, nil, errors.New("no crawling API configured")
	}
	id, err := s.crawler.StartCrawl(ctx, siteURL, PageLimit)
	if err != nil {
		return nil, nil, err
	}
	for poll := 0; poll < s.maxPolls; poll++ {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(s.pollInterval):
		}
		status, err := s.crawler.GetCrawl(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if !status.Done() {
			continue
		}
		if status.Status != crawler.StatusCompleted {
			return nil, nil, fmt.Errorf("crawl %s: %s %s", id, status.Status, status.Error)
		}
		return status.Data, status, nil
	}
	return nil, nil, fmt.Errorf("crawl %s did not finish after %d polls", id, s.maxPolls)
}

// Knowledge joins crawled pages into chatbot knowledge. Each page becomes
// "# <title>\n<url>\n\n<markdown>"; the result is cut at MaxKnowledge bytes.
func Knowledge(pages []crawler.Page) string {
	parts := make([]string, 0, len(pages))
	for _, p := range pages {
		markdown := strings.TrimSpace(p.Markdown)
		if markdown == "" {
			continue
		}
		title := p.Metadata.Title
		if title == "" {
			title = p.Metadata.SourceURL
		}
		parts = append(parts, "# "+title+"\n"+p.Metadata.SourceURL+"\n\n"+markdown)
	}
	return core.Truncate(strings.Join(parts, "\n\n"), MaxKnowledge)
}

// SnapshotKey is the storage key of the raw result of a crawl run
func SnapshotKey(chatbotID, runID uuid.UUID) string {
	return "crawls/" + chatbotID.String() + "/" + runID.String() + ".json"
}

func (s *Service) announceFailure(ctx context.Context, c *chatbots.Chatbot, cause error) {
	link := ""
	if s.appURL != "" {
		link = s.appURL + "/chatbots/" + c.ID.String()
	}
	err := s.notifier.Notify(ctx, notify.Notice{
		OrganizationID: c.OrganizationID,
		Kind:           notify.KindCrawlFailed,
		Title:          "Website crawl failed for " + c.Name,
		Body:           fmt.Sprintf("The website %s could not be crawled: %v", c.WebsiteURL, cause),
		Link:           link,
	})
	if err != nil {
		logger.FromContext(ctx).Warnf("cannot announce failed crawl: %v", err)
	}
}

const runColumns = `id, chatbot_id, organization_id, website_url, status, pages, error, snapshot_key, started_at, finished_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	err := row.Scan(&r.ID, &r.ChatbotID, &r.OrganizationID, &r.WebsiteURL, &r.Status, &r.Pages, &r.Error, &r.SnapshotKey, &r.StartedAt, &r.FinishedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("crawl run: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Service) startRun(ctx context.Context, c *chatbots.Chatbot) (*Run, error) {
	return scanRun(s.db.QueryRowContext(ctx, s.db.Q(`INSERT INTO {schema}.crawl_run (chatbot_id, organization_id, website_url)
VALUES ($1, $2, $3) RETURNING `+runColumns+`;`), c.ID, c.OrganizationID, c.WebsiteURL))
}

func (s *Service) finishRun(ctx context.Context, run *Run, status string, pages int, message, snapshot string) error {
	finished, err := scanRun(s.db.QueryRowContext(ctx, s.db.Q(`UPDATE {schema}.crawl_run
SET status = $2, pages = $3, error = $4, snapshot_key = $5, finished_at = now()
WHERE id = $1 RETURNING `+runColumns+`;`), run.ID, status, pages, core.Truncate(message, 2000), snapshot))
	if err != nil {
		return err
	}
	*run = *finished
	return nil
}

// Runs returns the latest crawl runs of a chatbot of an organization
func (s *Service) Runs(ctx context.Context, organizationID, chatbotID uuid.UUID, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Q(`SELECT `+runColumns+` FROM {schema}.crawl_run
WHERE organization_id = $1 AND chatbot_id = $2 ORDER BY started_at DESC LIMIT $3;`), organizationID, chatbotID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// Sweep raises crawl jobs for all chatbots which are due. A chatbot which cannot
// be raised is logged and skipped. It returns the number of raised crawls.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	rlog := logger.FromContext(ctx)
	due, err := s.chatbots.Due(ctx, now)
	if err != nil {
		return 0, err
	}

	raised := make([]bool, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for i := range due {
		g.Go(func() error {
			if err := s.Raise(gctx, due[i].ID); err != nil {
				rlog.Errorf("Error 5902: cannot raise crawl of chatbot %s: %v", due[i].ID, err)
				return nil
			}
			raised[i] = true
			return nil
		})
	}
	g.Wait()

	count := 0
	for _, ok := range raised {
		if ok {
			count++
		}
	}
	if err := s.registry.Write(ctx, "last-sweep", now.UTC()); err != nil {
		rlog.Warnf("cannot store sweep time: %v", err)
	}
	rlog.Infof("crawl sweep raised %d of %d due chatbots", count, len(due))
	return count, nil
}

// LastSweep returns the time of the last sweep, or the zero time
func (s *Service) LastSweep(ctx context.Context) (time.Time, error) {
	var last time.Time
	_, err := s.registry.Read(ctx, "last-sweep", &last)
	return last, err
}

// SweepIfDue sweeps when the last sweep is at least SweepInterval ago. It is
// installed as job queue heartbeat.
func (s *Service) SweepIfDue(ctx context.Context) {
	rlog := logger.FromContext(ctx)
	last, err := s.LastSweep(ctx)
	if err != nil {
		rlog.Errorf("Error 5903: cannot read last sweep: %v", err)
		return
	}
	if s.now().Sub(last) < SweepInterval {
		return
	}
	if _, err := s.Sweep(ctx); err != nil {
		rlog.Errorf("Error 5903: crawl sweep failed: %v", err)
	}
}
