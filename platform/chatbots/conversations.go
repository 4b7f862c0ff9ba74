package chatbots

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/voxtro/backend/core"
	"github.com/voxtro/backend/core/logger"
	"github.com/voxtro/backend/integrations/llm"
	"github.com/voxtro/backend/platform/leads"
)

const (
	// historySize is the number of recent messages sent along with a widget message
	historySize = 20
	// maxKnowledge bounds the crawled knowledge in the reply prompt
	maxKnowledge = 40000
	// FallbackReply is the answer when no reply can be generated
	FallbackReply = "Sorry, I cannot answer right now. Please try again later."
)

const conversationColumns = `id, chatbot_id, organization_id, visitor_id, started_at, last_message_at, lead_processed_at`

func scanConversation(row scanner) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.ChatbotID, &c.OrganizationID, &c.VisitorID, &c.StartedAt, &c.LastMessageAt, &c.LeadProcessedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Conversations returns the conversations of a chatbot, most recent first
func (s *Service) Conversations(ctx context.Context, organizationID, chatbotID uuid.UUID, limit int) ([]Conversation, error) {
	if _, err := s.Get(ctx, organizationID, chatbotID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.db.Q(`SELECT `+conversationColumns+` FROM {schema}.conversation
WHERE chatbot_id = $1 ORDER BY last_message_at DESC LIMIT $2;`), chatbotID, limit)
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
	return scanConversation(s.db.QueryRowContext(ctx, s.db.Q(`SELECT `+conversationColumns+` FROM {schema}.conversation
WHERE id = $1;`), id))
}

// Messages returns the messages of a conversation of an organization in order
func (s *Service) Messages(ctx context.Context, organizationID, conversationID uuid.UUID) ([]Message, error) {
	c, err := s.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if c.OrganizationID != organizationID {
		return nil, fmt.Errorf("conversation: %w", core.ErrNotFound)
	}
	return s.messages(ctx, conversationID, 0)
}

// messages returns the messages of a conversation in order. A positive last
// limits the result to the most recent messages.
func (s *Service) messages(ctx context.Context, conversationID uuid.UUID, last int) ([]Message, error) {
	query := `SELECT id, conversation_id, role, content, created_at FROM {schema}.message
WHERE conversation_id = $1 ORDER BY created_at;`
	args := []interface{}{conversationID}
	if last > 0 {
		query = `SELECT * FROM (SELECT id, conversation_id, role, content, created_at FROM {schema}.message
WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT $2) m ORDER BY created_at;`
		args = append(args, last)
	}
	rows, err := s.db.QueryContext(ctx, s.db.Q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	messages := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Widget is the public view of a chatbot shown by the website widget
type Widget struct {
	ID             uuid.UUID       `json:"id"`
	Name           string          `json:"name"`
	WelcomeMessage string          `json:"welcome_message"`
	Theme          json.RawMessage `json:"theme"`
}

// Widget returns the public view of an active chatbot
func (s *Service) Widget(ctx context.Context, id uuid.UUID) (*Widget, error) {
	c, err := s.activeChatbot(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Widget{ID: c.ID, Name: c.Name, WelcomeMessage: c.WelcomeMessage, Theme: c.Theme}, nil
}

// activeChatbot returns a chatbot the widget may talk to. Inactive chatbots do not exist for visitors.
func (s *Service) activeChatbot(ctx context.Context, id uuid.UUID) (*Chatbot, error) {
	c, err := s.Chatbot(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.IsActive {
		return nil, fmt.Errorf("chatbot: %w", core.ErrNotFound)
	}
	return c, nil
}

// StartConversation starts a widget conversation with a visitor
func (s *Service) StartConversation(ctx context.Context, chatbotID uuid.UUID, visitorID string) (*Conversation, error) {
	c, err := s.activeChatbot(ctx, chatbotID)
	if err != nil {
		return nil, err
	}
	conversation, err := scanConversation(s.db.QueryRowContext(ctx, s.db.Q(`INSERT INTO {schema}.conversation
(chatbot_id, organization_id, visitor_id) VALUES ($1, $2, $3) RETURNING `+conversationColumns+`;`),
		c.ID, c.OrganizationID, core.Truncate(visitorID, 200)))
	if err != nil {
		return nil, err
	}
	if c.WelcomeMessage != "" {
		if _, err := s.addMessage(ctx, conversation.ID, RoleAssistant, c.WelcomeMessage); err != nil {
			return nil, err
		}
	}
	return conversation, nil
}

func (s *Service) addMessage(ctx context.Context, conversationID uuid.UUID, role, content string) (*Message, error) {
	var m Message
	err := s.db.QueryRowContext(ctx, s.db.Q(`WITH m AS (
INSERT INTO {schema}.message (conversation_id, role, content) VALUES ($1, $2, $3)
RETURNING id, conversation_id, role, content, created_at),
c AS (UPDATE {schema}.conversation SET last_message_at = now() WHERE id = $1)
SELECT id, conversation_id, role, content, created_at FROM m;`), conversationID, role, content).
		Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Reply is the answer to a widget message
type Reply struct {
	UserMessage      Message `json:"user_message"`
	AssistantMessage Message `json:"assistant_message"`
}

// SendMessage stores a visitor message, generates the chatbot's answer and stores
// it. The lead extraction of the conversation is moved to ExtractionDelay after
// the message.
func (s *Service) SendMessage(ctx context.Context, conversationID uuid.UUID, content string) (*Reply, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, core.Invalidf("content is missing")
	}
	conversation, err := s.conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	chatbot, err := s.activeChatbot(ctx, conversation.ChatbotID)
	if err != nil {
		return nil, err
	}
	rlog := logger.FromContext(ctx).WithField("conversation", conversationID)

	user, err := s.addMessage(ctx, conversationID, RoleUser, content)
	if err != nil {
		return nil, err
	}
	history, err := s.messages(ctx, conversationID, historySize)
	if err != nil {
		return nil, err
	}

	answer := FallbackReply
	if s.completer == nil {
		rlog.Warnln("no LLM configured, answering with the fallback reply")
	} else if generated, err := s.completer.Complete(ctx, replyRequest(chatbot, history)); err != nil {
		rlog.Errorf("Error 5801: cannot generate reply: %v", err)
	} else {
		answer = generated
	}
	assistant, err := s.addMessage(ctx, conversationID, RoleAssistant, answer)
	if err != nil {
		return nil, err
	}

	if s.leads != nil {
		at := s.now().Add(leads.ExtractionDelay)
		if err := s.leads.ScheduleExtraction(ctx, leads.SourceChatbot, conversationID, at); err != nil {
			rlog.Errorf("Error 5802: cannot schedule lead extraction: %v", err)
		}
	}
	return &Reply{UserMessage: *user, AssistantMessage: *assistant}, nil
}

// replyRequest builds the completion request for the chatbot's next answer
func replyRequest(c *Chatbot, history []Message) llm.Request {
	var system strings.Builder
	if c.SystemPrompt != "" {
		system.WriteString(c.SystemPrompt)
	} else {
		fmt.Fprintf(&system, "You are %s, a helpful assistant on a company website. Answer briefly and politely.", c.Name)
	}
	if c.Knowledge != "" {
		system.WriteString("\n\nAnswer using the following information from the company website where it applies:\n\n")
		system.WriteString(core.Truncate(c.Knowledge, maxKnowledge))
	}

	req := llm.Request{Model: c.Model, System: system.String()}
	for _, m := range history {
		role := llm.RoleUser
		if m.Role == RoleAssistant {
			role = llm.RoleAssistant
		}
		// the model expects the conversation to start with the user
		if len(req.Messages) == 0 && role == llm.RoleAssistant {
			continue
		}
		req.Messages = append(req.Messages, llm.Message{Role: role, Content: m.Content})
	}
	return req
}

// source is the leads.Source of widget conversations
type source struct {
	s *Service
}

func (src source) Transcript(ctx context.Context, id uuid.UUID) (*leads.Transcript, error) {
	c, err := src.s.conversation(ctx, id)
	if err != nil {
		return nil, err
	}
	messages, err := src.s.messages(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	t := &leads.Transcript{OrganizationID: c.OrganizationID, AssetID: c.ChatbotID}
	var b strings.Builder
	for _, m := range messages {
		if m.Role == RoleUser {
			t.UserTurns++
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	t.Text = b.String()
	return t, nil
}

func (src source) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	_, err := src.s.db.ExecContext(ctx, src.s.db.Q(`UPDATE {schema}.conversation SET lead_processed_at = now() WHERE id = $1;`), id)
	return err
}

func (src source) Unprocessed(ctx context.Context, organizationID uuid.UUID, idle time.Duration) ([]uuid.UUID, error) {
	rows, err := src.s.db.QueryContext(ctx, src.s.db.Q(`SELECT id FROM {schema}.conversation
WHERE organization_id = $1 AND lead_processed_at IS NULL AND last_message_at < $2
ORDER BY last_message_at;`), organizationID, src.s.now().Add(-idle).UTC())
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
