/*
Package chatbots manages the website chatbots of an organization, their
conversations and the public widget chat.

Widget conversations are leads sources: every message moves the lead extraction
of its conversation to 30 minutes after the message, so a conversation is
classified once the visitor went quiet.
*/
package chatbots

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/voxtro/backend/core"
	"github.com/voxtro/backend/core/csql"
	"github.com/voxtro/backend/core/pointers"
	"github.com/voxtro/backend/core/schema"
	"github.com/voxtro/backend/integrations/llm"
	"github.com/voxtro/backend/platform/customers"
	"github.com/voxtro/backend/platform/leads"
)

// Crawl frequencies
const (
	FrequencyNone    = "none"
	FrequencyDaily   = "daily"
	FrequencyWeekly  = "weekly"
	FrequencyMonthly = "monthly"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Chatbot is a website chatbot
type Chatbot struct {
	ID             uuid.UUID       `json:"id"`
	OrganizationID uuid.UUID       `json:"organization_id"`
	Name           string          `json:"name"`
	Model          string          `json:"model"`
	SystemPrompt   string          `json:"system_prompt"`
	WelcomeMessage string          `json:"welcome_message"`
	Theme          json.RawMessage `json:"theme"`
	WebsiteURL     string          `json:"website_url"`
	CrawlFrequency string          `json:"crawl_frequency"`
	LastCrawledAt  *time.Time      `json:"last_crawled_at"`
	Knowledge      string          `json:"knowledge,omitempty"`
	IsActive       bool            `json:"is_active"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Conversation is a widget conversation with a visitor
type Conversation struct {
	ID              uuid.UUID  `json:"id"`
	ChatbotID       uuid.UUID  `json:"chatbot_id"`
	OrganizationID  uuid.UUID  `json:"organization_id"`
	VisitorID       string     `json:"visitor_id"`
	StartedAt       time.Time  `json:"started_at"`
	LastMessageAt   time.Time  `json:"last_message_at"`
	LeadProcessedAt *time.Time `json:"lead_processed_at"`
}

// Message is one message of a conversation
type Message struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Service is the chatbot service
type Service struct {
	db        *csql.DB
	validator *schema.Validator
	completer llm.Completer
	leads     *leads.Service
	customers *customers.Service
	now       func() time.Time
}

// Builder is a builder helper for the Service
type Builder struct {
	// DB is the postgres database. Mandatory.
	DB *csql.DB
	// Validator validates request bodies. Mandatory.
	Validator *schema.Validator
	// Completer generates the widget replies. Optional, without it the widget
	// answers with a fallback message.
	Completer llm.Completer
	// Leads schedules the lead extraction of conversations. Optional.
	Leads *leads.Service
	// Customers lets chatbots be assigned to customers. Optional.
	Customers *customers.Service
}

// New creates the chatbot tables and registers the chatbots as lead source and
// customer asset
func New(bb *Builder) *Service {
	if bb.DB == nil {
		panic("DB is missing")
	}
	if bb.Validator == nil {
		panic("Validator is missing")
	}
	s := &Service{
		db:        bb.DB,
		validator: bb.Validator,
		completer: bb.Completer,
		leads:     bb.Leads,
		customers: bb.Customers,
		now:       time.Now,
	}
	s.db.MustExec(`CREATE TABLE IF NOT EXISTS {schema}.chatbot (
id uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
organization_id uuid NOT NULL,
name VARCHAR NOT NULL,
model VARCHAR NOT NULL DEFAULT '',
system_prompt TEXT NOT NULL DEFAULT '',
welcome_message TEXT NOT NULL DEFAULT '',
theme JSONB NOT NULL DEFAULT '{}'::jsonb,
website_url VARCHAR NOT NULL DEFAULT '',
crawl_frequency VARCHAR NOT NULL DEFAULT 'none',
last_crawled_at TIMESTAMP,
knowledge TEXT NOT NULL DEFAULT '',
is_active BOOLEAN NOT NULL DEFAULT true,
created_at TIMESTAMP NOT NULL DEFAULT now(),
updated_at TIMESTAMP NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS chatbot_organization_index ON {schema}.chatbot(organization_id);
CREATE TABLE IF NOT EXISTS {schema}.conversation (
id uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
chatbot_id uuid NOT NULL REFERENCES {schema}.chatbot(id) ON DELETE CASCADE,
organization_id uuid NOT NULL,
visitor_id VARCHAR NOT NULL DEFAULT '',
started_at TIMESTAMP NOT NULL DEFAULT now(),
last_message_at TIMESTAMP NOT NULL DEFAULT now(),
lead_processed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS conversation_chatbot_index ON {schema}.conversation(chatbot_id, last_message_at);
CREATE INDEX IF NOT EXISTS conversation_lead_index ON {schema}.conversation(organization_id, last_message_at) WHERE lead_processed_at IS NULL;
CREATE TABLE IF NOT EXISTS {schema}.message (
id uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
conversation_id uuid NOT NULL REFERENCES {schema}.conversation(id) ON DELETE CASCADE,
role VARCHAR NOT NULL,
content TEXT NOT NULL,
created_at TIMESTAMP NOT NULL DEFAULT clock_timestamp()
);
CREATE INDEX IF NOT EXISTS message_conversation_index ON {schema}.message(conversation_id, created_at);`)

	if s.leads != nil {
		s.leads.RegisterSource(leads.SourceChatbot, source{s})
	}
	if s.customers != nil {
		s.customers.RegisterAssetOwner(customers.AssetChatbot, s)
	}
	return s
}

const chatbotColumns = `id, organization_id, name, model, system_prompt, welcome_message, theme, website_url,
crawl_frequency, last_crawled_at, knowledge, is_active, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanChatbot(row scanner) (*Chatbot, error) {
	var (
		c     Chatbot
		theme []byte
	)
	err := row.Scan(&c.ID, &c.OrganizationID, &c.Name, &c.Model, &c.SystemPrompt, &c.WelcomeMessage, &theme, &c.WebsiteURL,
		&c.CrawlFrequency, &c.LastCrawledAt, &c.Knowledge, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("chatbot: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	c.Theme = json.RawMessage(theme)
	return &c, nil
}

func (s *Service) queryChatbots(ctx context.Context, query string, args ...interface{}) ([]Chatbot, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	chatbots := []Chatbot{}
	for rows.Next() {
		c, err := scanChatbot(rows)
		if err != nil {
			return nil, err
		}
		chatbots = append(chatbots, *c)
	}
	return chatbots, rows.Err()
}

// List returns the chatbots of an organization. Knowledge is left out.
func (s *Service) List(ctx context.Context, organizationID uuid.UUID) ([]Chatbot, error) {
	chatbots, err := s.queryChatbots(ctx, `SELECT `+chatbotColumns+` FROM {schema}.chatbot
WHERE organization_id = $1 ORDER BY created_at;`, organizationID)
	for i := range chatbots {
		chatbots[i].Knowledge = ""
	}
	return chatbots, err
}

// ListForCustomer returns the chatbots assigned to a customer. Knowledge and
// prompts are left out.
func (s *Service) ListForCustomer(ctx context.Context, organizationID, customerID uuid.UUID) ([]Chatbot, error) {
	chatbots, err := s.queryChatbots(ctx, `SELECT `+chatbotColumns+` FROM {schema}.chatbot c
WHERE c.organization_id = $1 AND c.id IN (
SELECT asset_id FROM {schema}.customer_asset WHERE customer_id = $2 AND asset_type = $3)
ORDER BY c.created_at;`, organizationID, customerID, customers.AssetChatbot)
	for i := range chatbots {
		chatbots[i].Knowledge = ""
		chatbots[i].SystemPrompt = ""
	}
	return chatbots, err
}

// Get returns a chatbot of an organization
func (s *Service) Get(ctx context.Context, organizationID, id uuid.UUID) (*Chatbot, error) {
	return scanChatbot(s.db.QueryRowContext(ctx, s.db.Q(`SELECT `+chatbotColumns+` FROM {schema}.chatbot
WHERE id = $1 AND organization_id = $2;`), id, organizationID))
}

// Chatbot returns a chatbot by id regardless of its organization
func (s *Service) Chatbot(ctx context.Context, id uuid.UUID) (*Chatbot, error) {
	return scanChatbot(s.db.QueryRowContext(ctx, s.db.Q(`SELECT `+chatbotColumns+` FROM {schema}.chatbot
WHERE id = $1;`), id))
}

// Input are the chatbot properties of a create or update request. Nil
// properties are left unchanged.
type Input struct {
	Name           *string         `json:"name"`
	Model          *string         `json:"model"`
	SystemPrompt   *string         `json:"system_prompt"`
	WelcomeMessage *string         `json:"welcome_message"`
	Theme          json.RawMessage `json:"theme"`
	WebsiteURL     *string         `json:"website_url"`
	CrawlFrequency *string         `json:"crawl_frequency"`
	IsActive       *bool           `json:"is_active"`
}

func validFrequency(f string) bool {
	switch f {
	case FrequencyNone, FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}

func (in Input) check() error {
	if in.Name != nil && strings.TrimSpace(*in.Name) == "" {
		return core.Invalidf("name is missing")
	}
	if in.CrawlFrequency != nil && !validFrequency(*in.CrawlFrequency) {
		return core.Invalidf("invalid crawl frequency '%s'", *in.CrawlFrequency)
	}
	return nil
}

func theme(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// Create creates a chatbot
func (s *Service) Create(ctx context.Context, organizationID uuid.UUID, in Input) (*Chatbot, error) {
	if in.Name == nil {
		return nil, core.Invalidf("name is missing")
	}
	if err := in.check(); err != nil {
		return nil, err
	}
	active := pointers.ValueOr(in.IsActive, true)
	return scanChatbot(s.db.QueryRowContext(ctx, s.db.Q(`INSERT INTO {schema}.chatbot
(organization_id, name, model, system_prompt, welcome_message, theme, website_url, crawl_frequency, is_active)
VALUES ($1, $2, COALESCE($3, ''), COALESCE($4, ''), COALESCE($5, ''), COALESCE($6::jsonb, '{}'::jsonb),
COALESCE($7, ''), COALESCE($8, 'none'), $9)
RETURNING `+chatbotColumns+`;`),
		organizationID, strings.TrimSpace(*in.Name), pointers.Nullable(in.Model), pointers.Nullable(in.SystemPrompt), pointers.Nullable(in.WelcomeMessage),
		theme(in.Theme), pointers.Nullable(in.WebsiteURL), pointers.Nullable(in.CrawlFrequency), active))
}

// Update changes the given properties of a chatbot
func (s *Service) Update(ctx context.Context, organizationID, id uuid.UUID, in Input) (*Chatbot, error) {
	if err := in.check(); err != nil {
		return nil, err
	}
	var name interface{}
	if in.Name != nil {
		name = strings.TrimSpace(*in.Name)
	}
	active := pointers.Nullable(in.IsActive)
	return scanChatbot(s.db.QueryRowContext(ctx, s.db.Q(`UPDATE {schema}.chatbot SET
name = COALESCE($3, name),
model = COALESCE($4, model),
system_prompt = COALESCE($5, system_prompt),
welcome_message = COALESCE($6, welcome_message),
theme = COALESCE($7::jsonb, theme),
website_url = COALESCE($8, website_url),
crawl_frequency = COALESCE($9, crawl_frequency),
is_active = COALESCE($10::boolean, is_active),
updated_at = now()
WHERE id = $1 AND organization_id = $2
RETURNING `+chatbotColumns+`;`),
		id, organizationID, name, pointers.Nullable(in.Model), pointers.Nullable(in.SystemPrompt), pointers.Nullable(in.WelcomeMessage),
		theme(in.Theme), pointers.Nullable(in.WebsiteURL), pointers.Nullable(in.CrawlFrequency), active))
}

// Delete deletes a chatbot together with its conversations
func (s *Service) Delete(ctx context.Context, organizationID, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, s.db.Q(`DELETE FROM {schema}.chatbot WHERE id = $1 AND organization_id = $2;`), id, organizationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("chatbot: %w", core.ErrNotFound)
	}
	return nil
}

// SetKnowledge stores the crawled website content of a chatbot
func (s *Service) SetKnowledge(ctx context.Context, id uuid.UUID, knowledge string, crawledAt time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Q(`UPDATE {schema}.chatbot
SET knowledge = $2, last_crawled_at = $3, updated_at = now() WHERE id = $1;`), id, knowledge, crawledAt.UTC())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("chatbot: %w", core.ErrNotFound)
	}
	return nil
}

// Threshold returns how old the last crawl of a chatbot with the given frequency
// may be. It returns 0 for chatbots which are never crawled by the scheduler.
func Threshold(frequency string) time.Duration {
	switch frequency {
	case FrequencyDaily:
		return 24 * time.Hour
	case FrequencyWeekly:
		return 7 * 24 * time.Hour
	case FrequencyMonthly:
		return 30 * 24 * time.Hour
	}
	return 0
}

// IsDue returns true if the scheduler must crawl the chatbot at now
func (c *Chatbot) IsDue(now time.Time) bool {
	threshold := Threshold(c.CrawlFrequency)
	if !c.IsActive || c.WebsiteURL == "" || threshold == 0 {
		return false
	}
	return c.LastCrawledAt == nil || !c.LastCrawledAt.After(now.Add(-threshold))
}

// Due returns the chatbots of all organizations which are due for a crawl at now.
// Only the fields of the crawl schedule are set.
func (s *Service) Due(ctx context.Context, now time.Time) ([]Chatbot, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Q(`SELECT id, organization_id, website_url, crawl_frequency, last_crawled_at, is_active
FROM {schema}.chatbot
WHERE is_active AND website_url <> '' AND crawl_frequency = ANY($1)
ORDER BY last_crawled_at NULLS FIRST;`), pq.Array([]string{FrequencyDaily, FrequencyWeekly, FrequencyMonthly}))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	due := []Chatbot{}
	for rows.Next() {
		var c Chatbot
		if err := rows.Scan(&c.ID, &c.OrganizationID, &c.WebsiteURL, &c.CrawlFrequency, &c.LastCrawledAt, &c.IsActive); err != nil {
			return nil, err
		}
		if c.IsDue(now) {
			due = append(due, c)
		}
	}
	return due, rows.Err()
}

// OwnedAssets implements customers.AssetOwner
func (s *Service) OwnedAssets(ctx context.Context, organizationID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Q(`SELECT id FROM {schema}.chatbot
WHERE organization_id = $1 AND id = ANY($2::uuid[]);`), organizationID, pq.Array(uuidStrings(ids)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	owned := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		owned = append(owned, id)
	}
	return owned, rows.Err()
}

func uuidStrings(ids []uuid.UUID) []string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = id.String()
	}
	return s
}
