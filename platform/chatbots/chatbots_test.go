package chatbots

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxtro/backend/core"
	"github.com/voxtro/backend/core/access"
	"github.com/voxtro/backend/core/client"
	"github.com/voxtro/backend/core/jobs"
	"github.com/voxtro/backend/core/pointers"
	"github.com/voxtro/backend/integrations/llm"
	"github.com/voxtro/backend/platform/customers"
	"github.com/voxtro/backend/platform/leads"
	"github.com/voxtro/backend/platform/schemas"
	"github.com/voxtro/backend/test"
)

type echo struct {
	mu       sync.Mutex
	requests []llm.Request
}

func (e *echo) Complete(ctx context.Context, req llm.Request) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, req)
	return "You said: " + req.Messages[len(req.Messages)-1].Content, nil
}

type fixture struct {
	s         *Service
	queue     *jobs.Queue
	completer *echo
	customers *customers.Service
}

func setup(t *testing.T) *fixture {
	db := test.Postgres(t)
	validator := schemas.MustValidator()
	f := &fixture{
		queue:     jobs.New(&jobs.Builder{DB: db}),
		completer: &echo{},
		customers: customers.New(&customers.Builder{DB: db, Validator: validator}),
	}
	leadService := leads.New(&leads.Builder{DB: db, Jobs: f.queue, Validator: validator})
	f.s = New(&Builder{DB: db, Validator: validator, Completer: f.completer, Leads: leadService, Customers: f.customers})
	return f
}

func TestChatbots(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	org := uuid.New()

	_, err := f.s.Create(ctx, org, Input{})
	assert.ErrorIs(t, err, core.ErrInvalid)

	c, err := f.s.Create(ctx, org, Input{Name: pointers.To(" Support Bot "), WebsiteURL: pointers.To("https://acme.test")})
	require.NoError(t, err)
	assert.Equal(t, "Support Bot", c.Name)
	assert.Equal(t, FrequencyNone, c.CrawlFrequency)
	assert.True(t, c.IsActive)
	assert.JSONEq(t, `{}`, string(c.Theme))

	c, err = f.s.Update(ctx, org, c.ID, Input{CrawlFrequency: pointers.To(FrequencyWeekly), Theme: []byte(`{"color":"#112233"}`)})
	require.NoError(t, err)
	assert.Equal(t, FrequencyWeekly, c.CrawlFrequency)
	assert.Equal(t, "https://acme.test", c.WebsiteURL)
	assert.JSONEq(t, `{"color":"#112233"}`, string(c.Theme))

	_, err = f.s.Update(ctx, org, c.ID, Input{CrawlFrequency: pointers.To("hourly")})
	assert.ErrorIs(t, err, core.ErrInvalid)
	_, err = f.s.Get(ctx, uuid.New(), c.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, f.s.SetKnowledge(ctx, c.ID, "# Pricing\nSeats cost 10 EUR", time.Now()))
	c, err = f.s.Get(ctx, org, c.ID)
	require.NoError(t, err)
	assert.NotNil(t, c.LastCrawledAt)
	assert.Contains(t, c.Knowledge, "Seats cost")

	list, err := f.s.List(ctx, org)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Empty(t, list[0].Knowledge)

	owned, err := f.s.OwnedAssets(ctx, org, []uuid.UUID{c.ID, uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{c.ID}, owned)

	require.NoError(t, f.s.Delete(ctx, org, c.ID))
	assert.ErrorIs(t, f.s.Delete(ctx, org, c.ID), core.ErrNotFound)
}

func TestIsDue(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		t := now.Add(-d)
		return &t
	}
	c := Chatbot{IsActive: true, WebsiteURL: "https://acme.test", CrawlFrequency: FrequencyDaily}
	assert.True(t, c.IsDue(now), "never crawled")
	c.LastCrawledAt = at(23 * time.Hour)
	assert.False(t, c.IsDue(now))
	c.LastCrawledAt = at(24 * time.Hour)
	assert.True(t, c.IsDue(now))

	c.CrawlFrequency = FrequencyWeekly
	assert.False(t, c.IsDue(now))
	c.LastCrawledAt = at(7 * 24 * time.Hour)
	assert.True(t, c.IsDue(now))

	c.CrawlFrequency = FrequencyMonthly
	assert.False(t, c.IsDue(now))
	c.LastCrawledAt = at(30 * 24 * time.Hour)
	assert.True(t, c.IsDue(now))

	c.CrawlFrequency = FrequencyNone
	assert.False(t, c.IsDue(now))
	c = Chatbot{IsActive: false, WebsiteURL: "https://acme.test", CrawlFrequency: FrequencyDaily}
	assert.False(t, c.IsDue(now))
	c = Chatbot{IsActive: true, CrawlFrequency: FrequencyDaily}
	assert.False(t, c.IsDue(now))
}

func TestDue(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	org := uuid.New()
	due, err := f.s.Create(ctx, org, Input{Name: pointers.To("due"), WebsiteURL: pointers.To("https://a.test"), CrawlFrequency: pointers.To(FrequencyDaily)})
	require.NoError(t, err)
	fresh, err := f.s.Create(ctx, org, Input{Name: pointers.To("fresh"), WebsiteURL: pointers.To("https://b.test"), CrawlFrequency: pointers.To(FrequencyDaily)})
	require.NoError(t, err)
	require.NoError(t, f.s.SetKnowledge(ctx, fresh.ID, "", time.Now()))
	_, err = f.s.Create(ctx, org, Input{Name: pointers.To("manual"), WebsiteURL: pointers.To("https://c.test")})
	require.NoError(t, err)
	_, err = f.s.Create(ctx, org, Input{Name: pointers.To("off"), WebsiteURL: pointers.To("https://d.test"), CrawlFrequency: pointers.To(FrequencyDaily), IsActive: pointers.To(false)})
	require.NoError(t, err)

	chatbots, err := f.s.Due(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, chatbots, 1)
	assert.Equal(t, due.ID, chatbots[0].ID)
	assert.Equal(t, org, chatbots[0].OrganizationID)
	assert.Equal(t, "https://a.test", chatbots[0].WebsiteURL)
	assert.Empty(t, chatbots[0].Name, "due chatbots carry the schedule only")
}

func TestWidgetConversation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	org := uuid.New()
	c, err := f.s.Create(ctx, org, Input{Name: pointers.To("Bot"), SystemPrompt: pointers.To("You sell seats."), WelcomeMessage: pointers.To("Hi! How can I help?")})
	require.NoError(t, err)
	require.NoError(t, f.s.SetKnowledge(ctx, c.ID, "Seats cost 10 EUR", time.Now()))

	conversation, err := f.s.StartConversation(ctx, c.ID, "visitor-1")
	require.NoError(t, err)
	assert.Equal(t, org, conversation.OrganizationID)

	reply, err := f.s.SendMessage(ctx, conversation.ID, "How much is a seat?")
	require.NoError(t, err)
	assert.Equal(t, "You said: How much is a seat?", reply.AssistantMessage.Content)

	require.Len(t, f.completer.requests, 1)
	req := f.completer.requests[0]
	assert.True(t, strings.HasPrefix(req.System, "You sell seats."))
	assert.Contains(t, req.System, "Seats cost 10 EUR")
	// the welcome message is skipped so the conversation starts with the visitor
	require.Len(t, req.Messages, 1)
	assert.Equal(t, llm.RoleUser, req.Messages[0].Role)

	_, err = f.s.SendMessage(ctx, conversation.ID, "  ")
	assert.ErrorIs(t, err, core.ErrInvalid)

	messages, err := f.s.Messages(ctx, org, conversation.ID)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, RoleAssistant, messages[0].Role)
	assert.Equal(t, RoleUser, messages[1].Role)
	_, err = f.s.Messages(ctx, uuid.New(), conversation.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)

	// the lead extraction waits for the conversation to go quiet
	scheduled, err := f.queue.EventSchedule(ctx, jobs.Event{
		Type:       leads.EventType,
		Key:        leads.SourceChatbot + ":" + conversation.ID.String(),
		Resource:   leads.SourceChatbot,
		ResourceID: conversation.ID,
	})
	require.NoError(t, err)
	require.NotNil(t, scheduled)
	assert.WithinDuration(t, time.Now().Add(leads.ExtractionDelay), *scheduled, time.Minute)

	transcript, err := source{f.s}.Transcript(ctx, conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, transcript.UserTurns)
	assert.Equal(t, c.ID, transcript.AssetID)
	assert.Contains(t, transcript.Text, "user: How much is a seat?\n")

	// idle long enough, then processed
	f.s.now = func() time.Time { return time.Now().Add(time.Hour) }
	ids, err := source{f.s}.Unprocessed(ctx, org, leads.ExtractionDelay)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{conversation.ID}, ids)
	require.NoError(t, source{f.s}.MarkProcessed(ctx, conversation.ID))
	ids, err = source{f.s}.Unprocessed(ctx, org, leads.ExtractionDelay)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestReplyWithoutCompleter(t *testing.T) {
	f := setup(t)
	f.s.completer = nil
	ctx := context.Background()
	c, err := f.s.Create(ctx, uuid.New(), Input{Name: pointers.To("Bot")})
	require.NoError(t, err)
	conversation, err := f.s.StartConversation(ctx, c.ID, "")
	require.NoError(t, err)
	reply, err := f.s.SendMessage(ctx, conversation.ID, "hello")
	require.NoError(t, err)
	assert.Equal(t, FallbackReply, reply.AssistantMessage.Content)
}

func TestRoutes(t *testing.T) {
	f := setup(t)
	router := mux.NewRouter()
	f.s.HandleWidgetRoutes(router)
	f.s.HandleRoutes(router)
	f.s.HandlePortalRoutes(router)

	org := uuid.New()
	oc := client.NewWithRouter(router).WithAuthorization(&access.Authorization{UserID: uuid.New(), OrganizationID: org, OrganizationRole: access.RoleOwner})
	mc := client.NewWithRouter(router).WithAuthorization(&access.Authorization{UserID: uuid.New(), OrganizationID: org, OrganizationRole: access.RoleMember})
	visitor := client.NewWithRouter(router)

	var c Chatbot
	_, err := oc.RawPost("/chatbots", map[string]interface{}{"name": "Bot", "welcome_message": "Hello", "theme": map[string]string{"color": "#000000"}}, &c)
	require.NoError(t, err)
	status, _ := oc.RawPost("/chatbots", map[string]interface{}{"name": "Bot", "website_url": "ftp://acme.test"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = mc.RawPost("/chatbots", map[string]interface{}{"name": "Bot"}, nil)
	assert.Equal(t, http.StatusForbidden, status)

	var list []Chatbot
	_, err = mc.RawGet("/chatbots", &list)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	var widget Widget
	_, err = visitor.RawGet("/widget/chatbots/"+c.ID.String(), &widget)
	require.NoError(t, err)
	assert.Equal(t, "Hello", widget.WelcomeMessage)
	assert.JSONEq(t, `{"color":"#000000"}`, string(widget.Theme))

	var conversation Conversation
	_, err = visitor.RawPost("/widget/chatbots/"+c.ID.String()+"/conversations", map[string]string{"visitor_id": "v1"}, &conversation)
	require.NoError(t, err)
	var reply Reply
	_, err = visitor.RawPost("/widget/conversations/"+conversation.ID.String()+"/messages", map[string]string{"content": "hi"}, &reply)
	require.NoError(t, err)
	assert.Equal(t, "You said: hi", reply.AssistantMessage.Content)
	status, _ = visitor.RawPost("/widget/conversations/"+conversation.ID.String()+"/messages", map[string]string{"content": ""}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	var conversations []Conversation
	_, err = oc.RawGet("/chatbots/"+c.ID.String()+"/conversations", &conversations)
	require.NoError(t, err)
	assert.Len(t, conversations, 1)
	var messages []Message
	_, err = oc.RawGet("/conversations/"+conversation.ID.String()+"/messages", &messages)
	require.NoError(t, err)
	assert.Len(t, messages, 3)

	// inactive chatbots are hidden from visitors
	_, err = oc.RawPut("/chatbots/"+c.ID.String(), map[string]bool{"is_active": false}, &c)
	require.NoError(t, err)
	assert.False(t, c.IsActive)
	status, _ = visitor.RawGet("/widget/chatbots/"+c.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = visitor.RawPost("/widget/conversations/"+conversation.ID.String()+"/messages", map[string]string{"content": "hi"}, nil)
	assert.Equal(t, http.StatusNotFound, status)

	// the portal lists assigned chatbots without their prompts
	customer, err := f.customers.Create(context.Background(), org, customers.Input{Email: pointers.To("jane@customer.test")})
	require.NoError(t, err)
	_, err = f.customers.SetAssets(context.Background(), org, customer.ID, customers.Assets{Chatbots: []uuid.UUID{c.ID}})
	require.NoError(t, err)
	auth := (&access.Authorization{UserID: uuid.New()}).WithCustomer(org, customer.ID, customer.Permissions.List())
	_, err = client.NewWithRouter(router).WithAuthorization(auth).RawGet("/portal/chatbots", &list)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, c.ID, list[0].ID)

	_, err = oc.RawDelete("/chatbots/" + c.ID.String())
	require.NoError(t, err)
}
