package voice

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voxtro/backend/core"
	"github.com/voxtro/backend/core/logger"
	"github.com/voxtro/backend/integrations/voiceai"
	"github.com/voxtro/backend/platform/customers"
	"github.com/voxtro/backend/platform/leads"
)

// ErrUnknownAssistant is returned for webhook deliveries of assistants nobody synced
var ErrUnknownAssistant = errors.New("unknown voice assistant")

const callColumns = `id, organization_id, voice_assistant_id, provider_call_id, status, customer_number, started_at, ended_at,
duration_seconds, cost, ended_reason, summary, transcript, recording_url, lead_processed_at, created_at`

func scanCall(row scanner) (*Call, error) {
	var c Call
	err := row.Scan(&c.ID, &c.OrganizationID, &c.VoiceAssistantID, &c.ProviderCallID, &c.Status, &c.CustomerNumber, &c.StartedAt, &c.EndedAt,
		&c.DurationSeconds, &c.Cost, &c.EndedReason, &c.Summary, &c.Transcript, &c.RecordingURL, &c.LeadProcessedAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("call: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Service) queryCalls(ctx context.Context, query string, args ...interface{}) ([]Call, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	calls := []Call{}
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		// listings leave out the transcript
		c.Transcript = ""
		calls = append(calls, *c)
	}
	return calls, rows.Err()
}

// CallFilter narrows a call listing. A nil VoiceAssistantID lists the calls of all assistants.
type CallFilter struct {
	VoiceAssistantID uuid.UUID
	Limit            int
}

// Calls returns the calls of an organization, newest first
func (s *Service) Calls(ctx context.Context, organizationID uuid.UUID, f CallFilter) ([]Call, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	return s.queryCalls(ctx, `SELECT `+callColumns+` FROM {schema}.call
WHERE organization_id = $1 AND ($2 = uuid_nil() OR voice_assistant_id = $2)
ORDER BY created_at DESC LIMIT $3;`, organizationID, f.VoiceAssistantID, f.Limit)
}

// CallsForCustomer returns the calls of the voice assistants assigned to a customer
func (s *Service) CallsForCustomer(ctx context.Context, organizationID, customerID uuid.UUID, limit int) ([]Call, error) {
	return s.queryCalls(ctx, `SELECT `+callColumns+` FROM {schema}.call
WHERE organization_id = $1 AND voice_assistant_id IN (
SELECT asset_id FROM {schema}.customer_asset WHERE customer_id = $2 AND asset_type = $3)
ORDER BY created_at DESC LIMIT $4;`, organizationID, customerID, customers.AssetVoice, limit)
}

// Call returns a call of an organization including its transcript
func (s *Service) Call(ctx context.Context, organizationID, id uuid.UUID) (*Call, error) {
	return scanCall(s.db.QueryRowContext(ctx, s.db.Q(`SELECT `+callColumns+` FROM {schema}.call
WHERE id = $1 AND organization_id = $2;`), id, organizationID))
}

func (s *Service) call(ctx context.Context, id uuid.UUID) (*Call, error) {
	return scanCall(s.db.QueryRowContext(ctx, s.db.Q(`SELECT `+callColumns+` FROM {schema}.call WHERE id = $1;`), id))
}

// CheckSecret compares the secret header of a webhook delivery with the
// configured secret
func (s *Service) CheckSecret(header string) bool {
	return s.webhookSecret == "" || secureCompare(header, s.webhookSecret)
}

// HandleWebhook processes a webhook message. It returns the stored call, or nil
// for message types which are ignored. Messages of unknown assistants yield
// ErrUnknownAssistant.
func (s *Service) HandleWebhook(ctx context.Context, m voiceai.Message) (*Call, error) {
	switch m.Type {
	case voiceai.MessageStatusUpdate, voiceai.MessageEndOfCallReport:
	default:
		logger.FromContext(ctx).Debugf("ignoring voice webhook %q", m.Type)
		return nil, nil
	}
	if m.Call.ID == "" {
		return nil, core.Invalidf("call id is missing")
	}
	assistant, err := s.byProviderID(ctx, m.Call.AssistantID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("%w %q", ErrUnknownAssistant, m.Call.AssistantID)
	}
	if err != nil {
		return nil, err
	}
	rlog := logger.FromContext(ctx).WithField("call", m.Call.ID)

	if m.Type == voiceai.MessageStatusUpdate {
		status := m.Status
		if status == "" {
			status = m.Call.Status
		}
		call, err := scanCall(s.db.QueryRowContext(ctx, s.db.Q(`INSERT INTO {schema}.call
(organization_id, voice_assistant_id, provider_call_id, status, customer_number)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (provider_call_id) DO UPDATE SET
status = CASE WHEN call.status = 'ended' THEN call.status ELSE excluded.status END,
customer_number = COALESCE(NULLIF(excluded.customer_number, ''), call.customer_number)
RETURNING `+callColumns+`;`),
			assistant.OrganizationID, assistant.ID, m.Call.ID, status, m.CustomerNumber()))
		if err != nil {
			return nil, err
		}
		rlog.Infof("call status %s", call.Status)
		return call, nil
	}

	call, err := scanCall(s.db.QueryRowContext(ctx, s.db.Q(`INSERT INTO {schema}.call
(organization_id, voice_assistant_id, provider_call_id, status, customer_number, started_at, ended_at,
duration_seconds, cost, ended_reason, summary, transcript, recording_url)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (provider_call_id) DO UPDATE SET
status = excluded.status,
customer_number = COALESCE(NULLIF(excluded.customer_number, ''), call.customer_number),
started_at = excluded.started_at, ended_at = excluded.ended_at, duration_seconds = excluded.duration_seconds,
cost = excluded.cost, ended_reason = excluded.ended_reason, summary = excluded.summary,
transcript = excluded.transcript, recording_url = excluded.recording_url
RETURNING `+callColumns+`;`),
		assistant.OrganizationID, assistant.ID, m.Call.ID, CallStatusEnded, m.CustomerNumber(), utc(m.StartedAt), utc(m.EndedAt),
		m.DurationSeconds(), m.Cost, m.EndedReason, m.CallSummary(), m.CallTranscript(), m.CallRecordingURL()))
	if err != nil {
		return nil, err
	}
	rlog.Infof("call ended after %ds: %s", call.DurationSeconds, call.EndedReason)
	if s.leads != nil {
		if err := s.leads.RaiseExtraction(ctx, leads.SourceVoice, call.ID); err != nil {
			return call, err
		}
	}
	return call, nil
}

func utc(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// userTurns counts the caller's lines of a transcript in the "AI: ...\nUser: ..." format
func userTurns(transcript string) int {
	turns := 0
	for _, line := range strings.Split(transcript, "\n") {
		line = strings.ToLower(strings.TrimSpace(line))
		if strings.HasPrefix(line, "user:") || strings.HasPrefix(line, "customer:") {
			turns++
		}
	}
	return turns
}

// source is the leads.Source of calls
type source struct {
	s *Service
}

func (src source) Transcript(ctx context.Context, id uuid.UUID) (*leads.Transcript, error) {
	c, err := src.s.call(ctx, id)
	if err != nil {
		return nil, err
	}
	return &leads.Transcript{
		OrganizationID: c.OrganizationID,
		AssetID:        c.VoiceAssistantID,
		Text:           c.Transcript,
		UserTurns:      userTurns(c.Transcript),
	}, nil
}

func (src source) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	_, err := src.s.db.ExecContext(ctx, src.s.db.Q(`UPDATE {schema}.call SET lead_processed_at = now() WHERE id = $1;`), id)
	return err
}

func (src source) Unprocessed(ctx context.Context, organizationID uuid.UUID, idle time.Duration) ([]uuid.UUID, error) {
	rows, err := src.s.db.QueryContext(ctx, src.s.db.Q(`SELECT id FROM {schema}.call
WHERE organization_id = $1 AND lead_processed_at IS NULL AND status = 'ended' AND created_at < $2
ORDER BY created_at;`), organizationID, src.s.now().Add(-idle).UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
