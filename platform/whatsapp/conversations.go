package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/voxtro/backend/core"
	"github.com/voxtro/backend/core/logger"
	"github.com/voxtro/backend/integrations/convai"
	"github.com/voxtro/backend/platform/leads"
)

// ErrUnknownAgent is returned for webhook deliveries of agents nobody synced
var ErrUnknownAgent = errors.New("unknown whatsapp agent")

const conversationColumns = `id, organization_id, whatsapp_agent_id, provider_conversation_id, status, started_at,
duration_seconds, transcript, user_turns, summary, lead_processed_at, created_at`

func scanConversation(row scanner) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.OrganizationID, &c.WhatsAppAgentID, &c.ProviderConversationID, &c.Status, &c.StartedAt,
		&c.DurationSeconds, &c.Transcript, &c.UserTurns, &c.Summary, &c.LeadProcessedAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("whatsapp conversation: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Conversations returns the conversations of an organization, newest first.
// uuid.Nil for agentID lists the conversations of all agents.
func (s *Service) Conversations(ctx context.Context, organizationID, agentID uuid.UUID, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.db.Q(`SELECT `+conversationColumns+` FROM {schema}.whatsapp_conversation
WHERE organization_id = $1 AND ($2 = uuid_nil() OR whatsapp_agent_id = $2)
ORDER BY created_at DESC LIMIT $3;`), organizationID, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	conversations := []Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, *c)
	}
	return conversations, rows.Err()
}

func (s *Service) conversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	return scanConversation(s.db.QueryRowContext(ctx, s.db.Q(`SELECT `+conversationColumns+` FROM {schema}.whatsapp_conversation
WHERE id = $1;`), id))
}

// VerifySignature checks the signature header of a webhook delivery
func (s *Service) VerifySignature(header string, body []byte) error {
	if s.webhookSecret == "" {
		return nil
	}
	return convai.VerifySignature(s.webhookSecret, header, body, s.now())
}

// HandleWebhook stores the conversation of a post call transcription and raises
// its lead extraction. Other webhook types return nil, nil.
func (s *Service) HandleWebhook(ctx context.Context, hook convai.Webhook) (*Conversation, error) {
	if hook.Type != convai.EventPostCallTranscription {
		logger.FromContext(ctx).Debugf("ignoring whatsapp webhook %q", hook.Type)
		return nil, nil
	}
	d := hook.Data
	if d.ConversationID == "" {
		return nil, core.Invalidf("conversation id is missing")
	}
	agent, err := s.byProviderID(ctx, d.AgentID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("%w %q", ErrUnknownAgent, d.AgentID)
	}
	if err != nil {
		return nil, err
	}

	var startedAt interface{}
	if t := d.StartedAt(); !t.IsZero() {
		startedAt = t
	}
	userTurns := 0
	for _, turn := range d.Transcript {
		if turn.Role == "user" && turn.Message != "" {
			userTurns++
		}
	}
	c, err := scanConversation(s.db.QueryRowContext(ctx, s.db.Q(`INSERT INTO {schema}.whatsapp_conversation
(organization_id, whatsapp_agent_id, provider_conversation_id, status, started_at, duration_seconds, transcript, user_turns, summary)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (provider_conversation_id) DO UPDATE SET
status = excluded.status, started_at = excluded.started_at, duration_seconds = excluded.duration_seconds,
transcript = excluded.transcript, user_turns = excluded.user_turns, summary = excluded.summary
RETURNING `+conversationColumns+`;`),
		agent.OrganizationID, agent.ID, d.ConversationID, d.Status, startedAt, d.Metadata.CallDurationSecs,
		d.TranscriptText(), userTurns, d.Analysis.TranscriptSummary))
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).WithField("conversation", d.ConversationID).Infof("whatsapp conversation %s with %d user turns", c.Status, userTurns)
	if s.leads != nil {
		if err := s.leads.RaiseExtraction(ctx, leads.SourceWhatsApp, c.ID); err != nil {
			return c, err
		}
	}
	return c, nil
}

// source is the leads.Source of WhatsApp conversations
type source struct {
	s *Service
}

func (src source) Transcript(ctx context.Context, id uuid.UUID) (*leads.Transcript, error) {
	c, err := src.s.conversation(ctx, id)
	if err != nil {
		return nil, err
	}
	return &leads.Transcript{
		OrganizationID: c.OrganizationID,
		AssetID:        c.WhatsAppAgentID,
		Text:           c.Transcript,
		UserTurns:      c.UserTurns,
	}, nil
}

func (src source) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	_, err := src.s.db.ExecContext(ctx, src.s.db.Q(`UPDATE {schema}.whatsapp_conversation SET lead_processed_at = now() WHERE id = $1;`), id)
	return err
}

func (src source) Unprocessed(ctx context.Context, organizationID uuid.UUID, idle time.Duration) ([]uuid.UUID, error) {
	rows, err := src.s.db.QueryContext(ctx, src.s.db.Q(`SELECT id FROM {schema}.whatsapp_conversation
WHERE organization_id = $1 AND lead_processed_at IS NULL AND created_at < $2
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
