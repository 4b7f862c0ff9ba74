// Package whatsapp mirrors the WhatsApp agents of the conversational AI platform and
// records their conversations from post-call webhooks.
package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/voxtro/backend/core"
	"github.com/voxtro/backend/core/csql"
	"github.com/voxtro/backend/core/logger"
	"github.com/voxtro/backend/integrations/convai"
	"github.com/voxtro/backend/platform/customers"
	"github.com/voxtro/backend/platform/leads"
	"github.com/voxtro/backend/platform/tenancy"
)

// Agent is a WhatsApp agent
type Agent struct {
	ID              uuid.UUID  `json:"id"`
	OrganizationID  uuid.UUID  `json:"organization_id"`
	ProviderAgentID string     `json:"provider_agent_id"`
	Name            string     `json:"name"`
	PhoneNumber     string     `json:"phone_number"`
	SyncedAt        *time.Time `json:"synced_at"`
}

// Conversation is a finished conversation of a WhatsApp agent
type Conversation struct {
	ID                     uuid.UUID  `json:"id"`
	OrganizationID         uuid.UUID  `json:"organization_id"`
	WhatsAppAgentID        uuid.UUID  `json:"whatsapp_agent_id"`
	ProviderConversationID string     `json:"provider_conversation_id"`
	Status                 string     `json:"status"`
	StartedAt              *time.Time `json:"started_at"`
	DurationSeconds        int        `json:"duration_seconds"`
	Transcript             string     `json:"transcript"`
	UserTurns              int        `json:"user_turns"`
	Summary                string     `json:"summary"`
	LeadProcessedAt        *time.Time `json:"lead_processed_at"`
	CreatedAt              time.Time  `json:"created_at"`
}

// Credentials looks up the API key an organization configured for a provider
type Credentials interface {
	Credential(ctx context.Context, organizationID uuid.UUID, provider string) (string, error)
}

// Service is the WhatsApp service
type Service struct {
	db            *csql.DB
	credentials   Credentials
	apiKey        string
	baseURL       string
	webhookSecret string
	leads         *leads.Service
	now           func() time.Time
}

// Builder is a builder helper for the Service
type Builder struct {
	// DB is the postgres database. Mandatory.
	DB *csql.DB
	// Credentials provides the API keys of organizations. Optional.
	Credentials Credentials
	// APIKey is used for organizations without their own key. Optional.
	APIKey  string
	BaseURL string
	// WebhookSecret signs webhook deliveries. When empty, signatures are not checked.
	WebhookSecret string
	Leads         *leads.Service
	Customers     *customers.Service
}

// New creates the WhatsApp tables and returns the service
func New(bb *Builder) *Service {
	if bb.DB == nil {
		panic("DB is missing")
	}
	s := &Service{
		db:            bb.DB,
		credentials:   bb.Credentials,
		apiKey:        bb.APIKey,
		baseURL:       bb.BaseURL,
		webhookSecret: bb.WebhookSecret,
		leads:         bb.Leads,
		now:           time.Now,
	}
	s.db.MustExec(`CREATE TABLE IF NOT EXISTS {schema}.whatsapp_agent (
id uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
organization_id uuid NOT NULL,
provider_agent_id VARCHAR NOT NULL,
name VARCHAR NOT NULL DEFAULT '',
phone_number VARCHAR NOT NULL DEFAULT '',
synced_at TIMESTAMP,
UNIQUE(provider_agent_id)
);
CREATE INDEX IF NOT EXISTS whatsapp_agent_organization_index ON {schema}.whatsapp_agent(organization_id);
CREATE TABLE IF NOT EXISTS {schema}.whatsapp_conversation (
id uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
organization_id uuid NOT NULL,
whatsapp_agent_id uuid NOT NULL REFERENCES {schema}.whatsapp_agent(id) ON DELETE CASCADE,
provider_conversation_id VARCHAR NOT NULL,
status VARCHAR NOT NULL DEFAULT '',
started_at TIMESTAMP,
duration_seconds INTEGER NOT NULL DEFAULT 0,
transcript TEXT NOT NULL DEFAULT '',
user_turns INTEGER NOT NULL DEFAULT 0,
summary TEXT NOT NULL DEFAULT '',
lead_processed_at TIMESTAMP,
created_at TIMESTAMP NOT NULL DEFAULT now(),
UNIQUE(provider_conversation_id)
);
CREATE INDEX IF NOT EXISTS whatsapp_conversation_agent_index ON {schema}.whatsapp_conversation(whatsapp_agent_id, created_at);`)

	if s.leads != nil {
		s.leads.RegisterSource(leads.SourceWhatsApp, source{s})
	}
	if bb.Customers != nil {
		bb.Customers.RegisterAssetOwner(customers.AssetWhatsApp, s)
	}
	return s
}

func (s *Service) client(ctx context.Context, organizationID uuid.UUID) (*convai.Client, error) {
	key := ""
	if s.credentials != nil {
		var err error
		if key, err = s.credentials.Credential(ctx, organizationID, tenancy.ProviderConvAI); err != nil {
			return nil, err
		}
	}
	if key == "" {
		key = s.apiKey
	}
	c := convai.New(s.baseURL, key)
	if c == nil {
		return nil, core.Invalidf("no conversational AI API key configured")
	}
	return c, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

const agentColumns = `id, organization_id, provider_agent_id, name, phone_number, synced_at`

func scanAgent(row scanner) (*Agent, error) {
	var a Agent
	err := row.Scan(&a.ID, &a.OrganizationID, &a.ProviderAgentID, &a.Name, &a.PhoneNumber, &a.SyncedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("whatsapp agent: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Service) queryAgents(ctx context.Context, query string, args ...interface{}) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	agents := []Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// Sync fetches the agents and phone numbers of the organization's account and
// upserts them. Agents another organization synced first are skipped.
func (s *Service) Sync(ctx context.Context, organizationID uuid.UUID) ([]Agent, error) {
	c, err := s.client(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	agents, err := c.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	numbers, err := c.ListPhoneNumbers(ctx)
	if err != nil {
		return nil, err
	}
	numberOf := map[string]string{}
	for _, n := range numbers {
		if n.AssignedAgent != nil {
			numberOf[n.AssignedAgent.AgentID] = n.PhoneNumber
		}
	}

	rlog := logger.FromContext(ctx)
	for _, a := range agents {
		_, err := scanAgent(s.db.QueryRowContext(ctx, s.db.Q(`INSERT INTO {schema}.whatsapp_agent
(organization_id, provider_agent_id, name, phone_number, synced_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (provider_agent_id) DO UPDATE SET
name = excluded.name, phone_number = excluded.phone_number, synced_at = excluded.synced_at
WHERE whatsapp_agent.organization_id = excluded.organization_id
RETURNING `+agentColumns+`;`), organizationID, a.AgentID, a.Name, numberOf[a.AgentID], s.now().UTC()))
		if errors.Is(err, core.ErrNotFound) {
			rlog.Warnf("whatsapp agent %s belongs to another organization, skipped", a.AgentID)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	rlog.Infof("synced %d whatsapp agents", len(agents))
	return s.List(ctx, organizationID)
}

// List returns the WhatsApp agents of an organization
func (s *Service) List(ctx context.Context, organizationID uuid.UUID) ([]Agent, error) {
	return s.queryAgents(ctx, `SELECT `+agentColumns+` FROM {schema}.whatsapp_agent
WHERE organization_id = $1 ORDER BY name;`, organizationID)
}

// ListForCustomer returns the WhatsApp agents assigned to a customer
func (s *Service) ListForCustomer(ctx context.Context, organizationID, customerID uuid.UUID) ([]Agent, error) {
	return s.queryAgents(ctx, `SELECT `+agentColumns+` FROM {schema}.whatsapp_agent
WHERE organization_id = $1 AND id IN (
SELECT asset_id FROM {schema}.customer_asset WHERE customer_id = $2 AND asset_type = $3)
ORDER BY name;`, organizationID, customerID, customers.AssetWhatsApp)
}

func (s *Service) byProviderID(ctx context.Context, providerAgentID string) (*Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx, s.db.Q(`SELECT `+agentColumns+` FROM {schema}.whatsapp_agent
WHERE provider_agent_id = $1;`), providerAgentID))
}

// OwnedAssets implements customers.AssetOwner
func (s *Service) OwnedAssets(ctx context.Context, organizationID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error) {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	rows, err := s.db.QueryContext(ctx, s.db.Q(`SELECT id FROM {schema}.whatsapp_agent
WHERE organization_id = $1 AND id = ANY($2::uuid[]);`), organizationID, pq.Array(strs))
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
