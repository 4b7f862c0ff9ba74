/*
Package voice mirrors the voice assistants of an organization from the voice AI
platform and records their calls.

Assistants are synced on request with the organization's own API key, or the
platform key when the organization has none. Calls arrive through the provider's
webhook; the end-of-call report carries the transcript and raises the lead
extraction of the call.
*/
package voice

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/voxtro/backend/core"
	"github.com/voxtro/backend/core/csql"
	"github.com/voxtro/backend/core/logger"
	"github.com/voxtro/backend/core/schema"
	"github.com/voxtro/backend/integrations/voiceai"
	"github.com/voxtro/backend/platform/customers"
	"github.com/voxtro/backend/platform/leads"
	"github.com/voxtro/backend/platform/tenancy"
)

// CallStatusEnded is the status of a call after its end-of-call report
const CallStatusEnded = "ended"

// VoiceAssistant is a voice assistant of the voice AI platform
type VoiceAssistant struct {
	ID             uuid.UUID  `json:"id"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	ProviderID     string     `json:"provider_id"`
	Name           string     `json:"name"`
	FirstMessage   string     `json:"first_message"`
	Model          string     `json:"model"`
	Voice          string     `json:"voice"`
	PhoneNumber    string     `json:"phone_number"`
	SyncedAt       *time.Time `json:"synced_at"`
}

// Call is a call of a voice assistant
type Call struct {
	ID               uuid.UUID  `json:"id"`
	OrganizationID   uuid.UUID  `json:"organization_id"`
	VoiceAssistantID uuid.UUID  `json:"voice_assistant_id"`
	ProviderCallID   string     `json:"provider_call_id"`
	Status           string     `json:"status"`
	CustomerNumber   string     `json:"customer_number"`
	StartedAt        *time.Time `json:"started_at"`
	EndedAt          *time.Time `json:"ended_at"`
	DurationSeconds  int        `json:"duration_seconds"`
	Cost             float64    `json:"cost"`
	EndedReason      string     `json:"ended_reason"`
	Summary          string     `json:"summary"`
	Transcript       string     `json:"transcript,omitempty"`
	RecordingURL     string     `json:"recording_url"`
	LeadProcessedAt  *time.Time `json:"lead_processed_at"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Credentials looks up the API key an organization configured for a provider
type Credentials interface {
	Credential(ctx context.Context, organizationID uuid.UUID, provider string) (string, error)
}

// Service is the voice service
type Service struct {
	db            *csql.DB
	validator     *schema.Validator
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
	// Validator validates request bodies. Mandatory.
	Validator *schema.Validator
	// Credentials provides the API keys of organizations. Optional.
	Credentials Credentials
	// APIKey is the platform key used for organizations without their own key. Optional.
	APIKey string
	// BaseURL overrides the API URL
	BaseURL string
	// WebhookSecret is compared with the secret header of webhook deliveries. When
	// empty, deliveries are not checked.
	WebhookSecret string
	// Leads extracts leads from calls. Optional.
	Leads *leads.Service
	// Customers lets assistants be assigned to customers. Optional.
	Customers *customers.Service
}

// New creates the voice tables and returns the service
func New(bb *Builder) *Service {
	if bb.DB == nil {
		panic("DB is missing")
	}
	if bb.Validator == nil {
		panic("Validator is missing")
	}
	s := &Service{
		db:            bb.DB,
		validator:     bb.Validator,
		credentials:   bb.Credentials,
		apiKey:        bb.APIKey,
		baseURL:       bb.BaseURL,
		webhookSecret: bb.WebhookSecret,
		leads:         bb.Leads,
		now:           time.Now,
	}
	s.db.MustExec(`CREATE TABLE IF NOT EXISTS {schema}.voice_assistant (
id uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
organization_id uuid NOT NULL,
provider_id VARCHAR NOT NULL,
name VARCHAR NOT NULL DEFAULT '',
first_message TEXT NOT NULL DEFAULT '',
model VARCHAR NOT NULL DEFAULT '',
voice VARCHAR NOT NULL DEFAULT '',
phone_number VARCHAR NOT NULL DEFAULT '',
synced_at TIMESTAMP,
UNIQUE(provider_id)
);
CREATE INDEX IF NOT EXISTS voice_assistant_organization_index ON {schema}.voice_assistant(organization_id);
CREATE TABLE IF NOT EXISTS {schema}.call (
id uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
organization_id uuid NOT NULL,
voice_assistant_id uuid NOT NULL REFERENCES {schema}.voice_assistant(id) ON DELETE CASCADE,
provider_call_id VARCHAR NOT NULL,
status VARCHAR NOT NULL DEFAULT '',
customer_number VARCHAR NOT NULL DEFAULT '',
started_at TIMESTAMP,
ended_at TIMESTAMP,
duration_seconds INTEGER NOT NULL DEFAULT 0,
cost DOUBLE PRECISION NOT NULL DEFAULT 0,
ended_reason VARCHAR NOT NULL DEFAULT '',
summary TEXT NOT NULL DEFAULT '',
transcript TEXT NOT NULL DEFAULT '',
recording_url VARCHAR NOT NULL DEFAULT '',
lead_processed_at TIMESTAMP,
created_at TIMESTAMP NOT NULL DEFAULT now(),
UNIQUE(provider_call_id)
);
CREATE INDEX IF NOT EXISTS call_assistant_index ON {schema}.call(voice_assistant_id, created_at);
CREATE INDEX IF NOT EXISTS call_organization_index ON {schema}.call(organization_id, created_at);`)

	if s.leads != nil {
		s.leads.RegisterSource(leads.SourceVoice, source{s})
	}
	if bb.Customers != nil {
		bb.Customers.RegisterAssetOwner(customers.AssetVoice, s)
	}
	return s
}

// client returns the voice AI client of an organization
func (s *Service) client(ctx context.Context, organizationID uuid.UUID) (*voiceai.Client, error) {
	key := ""
	if s.credentials != nil {
		var err error
		key, err = s.credentials.Credential(ctx, organizationID, tenancy.ProviderVoice)
		if err != nil {
			return nil, err
		}
	}
	if key == "" {
		key = s.apiKey
	}
	c := voiceai.New(s.baseURL, key)
	if c == nil {
		return nil, core.Invalidf("no voice AI API key configured")
	}
	return c, nil
}

const assistantColumns = `id, organization_id, provider_id, name, first_message, model, voice, phone_number, synced_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAssistant(row scanner) (*VoiceAssistant, error) {
	var a VoiceAssistant
	err := row.Scan(&a.ID, &a.OrganizationID, &a.ProviderID, &a.Name, &a.FirstMessage, &a.Model, &a.Voice, &a.PhoneNumber, &a.SyncedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("voice assistant: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Service) queryAssistants(ctx context.Context, query string, args ...interface{}) ([]VoiceAssistant, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	assistants := []VoiceAssistant{}
	for rows.Next() {
		a, err := scanAssistant(rows)
		if err != nil {
			return nil, err
		}
		assistants = append(assistants, *a)
	}
	return assistants, rows.Err()
}

// Sync fetches the assistants and phone numbers of the organization's account and
// upserts them. Assistants which another organization synced first are skipped.
func (s *Service) Sync(ctx context.Context, organizationID uuid.UUID) ([]VoiceAssistant, error) {
	c, err := s.client(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	remote, err := c.ListAssistants(ctx)
	if err != nil {
		return nil, err
	}
	numbers, err := c.ListPhoneNumbers(ctx)
	if err != nil {
		return nil, err
	}
	numberOf := map[string]string{}
	for _, n := range numbers {
		if n.AssistantID != "" {
			numberOf[n.AssistantID] = n.Number
		}
	}

	rlog := logger.FromContext(ctx)
	for _, a := range remote {
		_, err := s.upsert(ctx, organizationID, a, numberOf[a.ID])
		if errors.Is(err, core.ErrConflict) {
			rlog.Warnf("voice assistant %s belongs to another organization, skipped", a.ID)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	rlog.Infof("synced %d voice assistants", len(remote))
	return s.List(ctx, organizationID)
}

func (s *Service) upsert(ctx context.Context, organizationID uuid.UUID, a voiceai.Assistant, phoneNumber string) (*VoiceAssistant, error) {
	assistant, err := scanAssistant(s.db.QueryRowContext(ctx, s.db.Q(`INSERT INTO {schema}.voice_assistant
(organization_id, provider_id, name, first_message, model, voice, phone_number, synced_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (provider_id) DO UPDATE SET
name = excluded.name, first_message = excluded.first_message, model = excluded.model, voice = excluded.voice,
phone_number = excluded.phone_number, synced_at = excluded.synced_at
WHERE voice_assistant.organization_id = excluded.organization_id
RETURNING `+assistantColumns+`;`),
		organizationID, a.ID, a.Name, a.FirstMessage, a.ModelName(), a.VoiceName(), phoneNumber, s.now().UTC()))
	if errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("voice assistant %s: %w", a.ID, core.ErrConflict)
	}
	return assistant, err
}

// List returns the voice assistants of an organization
func (s *Service) List(ctx context.Context, organizationID uuid.UUID) ([]VoiceAssistant, error) {
	return s.queryAssistants(ctx, `SELECT `+assistantColumns+` FROM {schema}.voice_assistant
WHERE organization_id = $1 ORDER BY name;`, organizationID)
}

// ListForCustomer returns the voice assistants assigned to a customer
func (s *Service) ListForCustomer(ctx context.Context, organizationID, customerID uuid.UUID) ([]VoiceAssistant, error) {
	return s.queryAssistants(ctx, `SELECT `+assistantColumns+` FROM {schema}.voice_assistant
WHERE organization_id = $1 AND id IN (
SELECT asset_id FROM {schema}.customer_asset WHERE customer_id = $2 AND asset_type = $3)
ORDER BY name;`, organizationID, customerID, customers.AssetVoice)
}

// Get returns a voice assistant of an organization
func (s *Service) Get(ctx context.Context, organizationID, id uuid.UUID) (*VoiceAssistant, error) {
	return scanAssistant(s.db.QueryRowContext(ctx, s.db.Q(`SELECT `+assistantColumns+` FROM {schema}.voice_assistant
WHERE id = $1 AND organization_id = $2;`), id, organizationID))
}

func (s *Service) byProviderID(ctx context.Context, providerID string) (*VoiceAssistant, error) {
	return scanAssistant(s.db.QueryRowContext(ctx, s.db.Q(`SELECT `+assistantColumns+` FROM {schema}.voice_assistant
WHERE provider_id = $1;`), providerID))
}

// Update is a change of a voice assistant
type Update struct {
	Name         *string `json:"name"`
	FirstMessage *string `json:"first_message"`
}

// Update pushes a change of a voice assistant to the provider and stores what the
// provider reports back
func (s *Service) Update(ctx context.Context, organizationID, id uuid.UUID, update Update) (*VoiceAssistant, error) {
	if update.Name != nil && strings.TrimSpace(*update.Name) == "" {
		return nil, core.Invalidf("name is missing")
	}
	a, err := s.Get(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}
	c, err := s.client(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	remote, err := c.UpdateAssistant(ctx, a.ProviderID, voiceai.AssistantUpdate{Name: update.Name, FirstMessage: update.FirstMessage})
	if err != nil {
		return nil, err
	}
	return s.upsert(ctx, organizationID, *remote, a.PhoneNumber)
}

// OwnedAssets implements customers.AssetOwner
func (s *Service) OwnedAssets(ctx context.Context, organizationID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error) {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	rows, err := s.db.QueryContext(ctx, s.db.Q(`SELECT id FROM {schema}.voice_assistant
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
