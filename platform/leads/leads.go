/*
Package leads tracks the leads found in conversations.

Leads are extracted out-of-band by the "extract-lead" job. Chatbot conversations
schedule it 30 minutes after their last message, calls and WhatsApp conversations
raise it when the provider reports them finished. The job reads the transcript
from the registered Source, asks the LLM classifier whether the conversation
contains a lead and upserts the lead per source.
*/
package leads

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxtro/backend/core"
	"github.com/voxtro/backend/core/csql"
	"github.com/voxtro/backend/core/jobs"
	"github.com/voxtro/backend/core/schema"
	"github.com/voxtro/backend/integrations/llm"
	"github.com/voxtro/backend/platform/customers"
	"github.com/voxtro/backend/platform/notify"
)

// Source types
const (
	SourceChatbot  = customers.AssetChatbot
	SourceVoice    = customers.AssetVoice
	SourceWhatsApp = customers.AssetWhatsApp
)

// Qualifications
const (
	QualificationHot  = "hot"
	QualificationWarm = "warm"
	QualificationCold = "cold"
)

// Statuses
const (
	StatusNew       = "new"
	StatusContacted = "contacted"
	StatusQualified = "qualified"
	StatusConverted = "converted"
	StatusLost      = "lost"
)

// ValidStatus returns true for the lead statuses
func ValidStatus(status string) bool {
	switch status {
	case StatusNew, StatusContacted, StatusQualified, StatusConverted, StatusLost:
		return true
	}
	return false
}

// EventType is the job which extracts the lead of a conversation
const EventType = "extract-lead"

// ExtractionDelay is how long a chatbot conversation must be idle before its lead is extracted
const ExtractionDelay = 30 * time.Minute

// Lead is a potential customer found in a conversation
type Lead struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	SourceType     string    `json:"source_type"`
	SourceID       uuid.UUID `json:"source_id"`
	// AssetID is the chatbot, voice assistant or WhatsApp agent of the conversation
	AssetID       uuid.UUID `json:"asset_id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	Phone         string    `json:"phone"`
	Company       string    `json:"company"`
	Interest      string    `json:"interest"`
	Qualification string    `json:"qualification"`
	Score         int       `json:"score"`
	Summary       string    `json:"summary"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Transcript is the text of a conversation a lead is extracted from
type Transcript struct {
	OrganizationID uuid.UUID
	AssetID        uuid.UUID
	Text           string
	// UserTurns counts the messages of the visitor or caller
	UserTurns int
}

// Source provides the conversations of one source type
type Source interface {
	// Transcript returns the transcript of a conversation, or core.ErrNotFound
	Transcript(ctx context.Context, id uuid.UUID) (*Transcript, error)
	// MarkProcessed records that the lead of a conversation was extracted
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	// Unprocessed returns the conversations of an organization which were idle for
	// at least idle and have not been processed
	Unprocessed(ctx context.Context, organizationID uuid.UUID, idle time.Duration) ([]uuid.UUID, error)
}

// Service is the lead service
type Service struct {
	db        *csql.DB
	jobs      *jobs.Queue
	validator *schema.Validator
	completer llm.Completer
	notifier  notify.Notifier
	appURL    string

	mu      sync.RWMutex
	sources map[string]Source
}

// Builder is a builder helper for the Service
type Builder struct {
	// DB is the postgres database. Mandatory.
	DB *csql.DB
	// Jobs is the job queue. Mandatory.
	Jobs *jobs.Queue
	// Validator validates request bodies. Mandatory.
	Validator *schema.Validator
	// Completer classifies transcripts. Optional, without it no leads are extracted.
	Completer llm.Completer
	// Notifier announces new leads. Optional.
	Notifier notify.Notifier
	// AppURL is the dashboard URL linked from notifications
	AppURL string
}

// New creates the lead table and installs the extraction job handler
func New(bb *Builder) *Service {
	if bb.DB == nil {
		panic("DB is missing")
	}
	if bb.Jobs == nil {
		panic("Jobs is missing")
	}
	if bb.Validator == nil {
		panic("Validator is missing")
	}
	s := &Service{
		db:        bb.DB,
		jobs:      bb.Jobs,
		validator: bb.Validator,
		completer: bb.Completer,
		notifier:  bb.Notifier,
		appURL:    strings.TrimSuffix(bb.AppURL, "/"),
		sources:   map[string]Source{},
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	s.db.MustExec(`CREATE TABLE IF NOT EXISTS {schema}.lead (
id uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
organization_id uuid NOT NULL,
source_type VARCHAR NOT NULL,
source_id uuid NOT NULL,
asset_id uuid NOT NULL DEFAULT uuid_nil(),
name VARCHAR NOT NULL DEFAULT '',
email VARCHAR NOT NULL DEFAULT '',
phone VARCHAR NOT NULL DEFAULT '',
company VARCHAR NOT NULL DEFAULT '',
interest TEXT NOT NULL DEFAULT '',
qualification VARCHAR NOT NULL,
score INTEGER NOT NULL DEFAULT 0,
summary TEXT NOT NULL DEFAULT '',
status VARCHAR NOT NULL DEFAULT 'new',
created_at TIMESTAMP NOT NULL DEFAULT now(),
updated_at TIMESTAMP NOT NULL DEFAULT now(),
UNIQUE(source_type, source_id)
);
CREATE INDEX IF NOT EXISTS lead_organization_index ON {schema}.lead(organization_id, created_at);`)

	s.jobs.HandleEvent(EventType, s.extract)
	return s
}

// RegisterSource installs the Source of a source type
func (s *Service) RegisterSource(sourceType string, source Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[sourceType] = source
}

func (s *Service) source(sourceType string) Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sources[sourceType]
}

func extractionEvent(sourceType string, sourceID uuid.UUID) jobs.Event {
	return jobs.Event{
		Type:       EventType,
		Key:        sourceType + ":" + sourceID.String(),
		Resource:   sourceType,
		ResourceID: sourceID,
	}
}

// ScheduleExtraction schedules the lead extraction of a conversation. Scheduling
// again moves a pending extraction to the new time.
func (s *Service) ScheduleExtraction(ctx context.Context, sourceType string, sourceID uuid.UUID, at time.Time) error {
	return s.jobs.ScheduleEvent(ctx, extractionEvent(sourceType, sourceID), at)
}

// RaiseExtraction extracts the lead of a conversation as soon as possible
func (s *Service) RaiseExtraction(ctx context.Context, sourceType string, sourceID uuid.UUID) error {
	return s.jobs.RaiseEvent(ctx, extractionEvent(sourceType, sourceID))
}

// ExtractPending raises extractions for all unprocessed conversations of an
// organization which have been idle for ExtractionDelay. It returns the number of
// raised extractions.
func (s *Service) ExtractPending(ctx context.Context, organizationID uuid.UUID) (int, error) {
	s.mu.RLock()
	sources := make(map[string]Source, len(s.sources))
	for t, src := range s.sources {
		sources[t] = src
	}
	s.mu.RUnlock()

	raised := 0
	for sourceType, src := range sources {
		ids, err := src.Unprocessed(ctx, organizationID, ExtractionDelay)
		if err != nil {
			return raised, err
		}
		for _, id := range ids {
			if err := s.RaiseExtraction(ctx, sourceType, id); err != nil {
				return raised, err
			}
			raised++
		}
	}
	return raised, nil
}

const leadColumns = `id, organization_id, source_type, source_id, asset_id, name, email, phone, company, interest,
qualification, score, summary, status, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanLead(row scanner) (*Lead, error) {
	var l Lead
	err := row.Scan(&l.ID, &l.OrganizationID, &l.SourceType, &l.SourceID, &l.AssetID, &l.Name, &l.Email, &l.Phone, &l.Company,
		&l.Interest, &l.Qualification, &l.Score, &l.Summary, &l.Status, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("lead: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Service) query(ctx context.Context, query string, args ...interface{}) ([]Lead, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	leads := []Lead{}
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, *l)
	}
	return leads, rows.Err()
}

// Filter narrows a lead listing
type Filter struct {
	Status     string
	SourceType string
	Limit      int
}

// List returns the leads of an organization, newest first
func (s *Service) List(ctx context.Context, organizationID uuid.UUID, f Filter) ([]Lead, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	return s.query(ctx, `SELECT `+leadColumns+` FROM {schema}.lead
WHERE organization_id = $1 AND ($2 = '' OR status = $2) AND ($3 = '' OR source_type = $3)
ORDER BY created_at DESC LIMIT $4;`, organizationID, f.Status, f.SourceType, f.Limit)
}

// ListForCustomer returns the leads of the assets assigned to a customer
func (s *Service) ListForCustomer(ctx context.Context, organizationID, customerID uuid.UUID, limit int) ([]Lead, error) {
	return s.query(ctx, `SELECT `+leadColumns+` FROM {schema}.lead l
WHERE l.organization_id = $1 AND EXISTS (
SELECT 1 FROM {schema}.customer_asset a
WHERE a.customer_id = $2 AND a.asset_type = l.source_type AND a.asset_id = l.asset_id)
ORDER BY l.created_at DESC LIMIT $3;`, organizationID, customerID, limit)
}

// Get returns a lead of an organization
func (s *Service) Get(ctx context.Context, organizationID, id uuid.UUID) (*Lead, error) {
	return scanLead(s.db.QueryRowContext(ctx, s.db.Q(`SELECT `+leadColumns+` FROM {schema}.lead
WHERE id = $1 AND organization_id = $2;`), id, organizationID))
}

// SetStatus changes the status of a lead
func (s *Service) SetStatus(ctx context.Context, organizationID, id uuid.UUID, status string) (*Lead, error) {
	if !ValidStatus(status) {
		return nil, core.Invalidf("invalid status '%s'", status)
	}
	return scanLead(s.db.QueryRowContext(ctx, s.db.Q(`UPDATE {schema}.lead SET status = $3, updated_at = now()
WHERE id = $1 AND organization_id = $2 RETURNING `+leadColumns+`;`), id, organizationID, status))
}

// Delete deletes a lead
func (s *Service) Delete(ctx context.Context, organizationID, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, s.db.Q(`DELETE FROM {schema}.lead WHERE id = $1 AND organization_id = $2;`), id, organizationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("lead: %w", core.ErrNotFound)
	}
	return nil
}

// upsert stores a lead per source. Existing leads keep their status. The returned
// flag is true if the lead was created.
func (s *Service) upsert(ctx context.Context, l Lead) (*Lead, bool, error) {
	var created bool
	row := s.db.QueryRowContext(ctx, s.db.Q(`INSERT INTO {schema}.lead
(organization_id, source_type, source_id, asset_id, name, email, phone, company, interest, qualification, score, summary)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (source_type, source_id) DO UPDATE SET
asset_id = $4, name = $5, email = $6, phone = $7, company = $8, interest = $9,
qualification = $10, score = $11, summary = $12, updated_at = now()
RETURNING `+leadColumns+`, (xmax = 0);`),
		l.OrganizationID, l.SourceType, l.SourceID, l.AssetID, l.Name, l.Email, l.Phone, l.Company, l.Interest, l.Qualification, l.Score, l.Summary)
	err := row.Scan(&l.ID, &l.OrganizationID, &l.SourceType, &l.SourceID, &l.AssetID, &l.Name, &l.Email, &l.Phone, &l.Company,
		&l.Interest, &l.Qualification, &l.Score, &l.Summary, &l.Status, &l.CreatedAt, &l.UpdatedAt, &created)
	if err != nil {
		return nil, false, err
	}
	return &l, created, nil
}
