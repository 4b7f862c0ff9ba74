package leads

import (
	"context"
	"net/http"
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
	"github.com/voxtro/backend/platform/notify"
	"github.com/voxtro/backend/platform/schemas"
	"github.com/voxtro/backend/test"
)

type memorySource struct {
	mu          sync.Mutex
	transcripts map[uuid.UUID]*Transcript
	processed   map[uuid.UUID]bool
}

func newMemorySource() *memorySource {
	return &memorySource{transcripts: map[uuid.UUID]*Transcript{}, processed: map[uuid.UUID]bool{}}
}

func (m *memorySource) add(org, asset uuid.UUID, text string, userTurns int) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.transcripts[id] = &Transcript{OrganizationID: org, AssetID: asset, Text: text, UserTurns: userTurns}
	return id
}

func (m *memorySource) Transcript(ctx context.Context, id uuid.UUID) (*Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transcripts[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return t, nil
}

func (m *memorySource) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[id] = true
	return nil
}

func (m *memorySource) Unprocessed(ctx context.Context, org uuid.UUID, idle time.Duration) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := []uuid.UUID{}
	for id, t := range m.transcripts {
		if t.OrganizationID == org && !m.processed[id] {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memorySource) isProcessed(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed[id]
}

// scripted replies with the given answers in order
type scripted struct {
	mu       sync.Mutex
	replies  []string
	requests []llm.Request
}

func (s *scripted) Complete(ctx context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.replies) == 0 {
		return "", assert.AnError
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, nil
}

type recorder struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (r *recorder) Notify(ctx context.Context, n notify.Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return nil
}

type fixture struct {
	s         *Service
	queue     *jobs.Queue
	source    *memorySource
	completer *scripted
	notices   *recorder
	customers *customers.Service
}

func setup(t *testing.T) *fixture {
	db := test.Postgres(t)
	validator := schemas.MustValidator()
	f := &fixture{
		queue:     jobs.New(&jobs.Builder{DB: db}),
		source:    newMemorySource(),
		completer: &scripted{},
		notices:   &recorder{},
		customers: customers.New(&customers.Builder{DB: db, Validator: validator}),
	}
	f.s = New(&Builder{DB: db, Jobs: f.queue, Validator: validator, Completer: f.completer, Notifier: f.notices, AppURL: "https://app.voxtro.test/"})
	f.s.RegisterSource(SourceChatbot, f.source)
	return f
}

const transcript = "user: Hi, I need a quote for 20 seats\nassistant: Sure, who am I talking to?\nuser: Jane Doe, jane@initech.test"

func TestExtractLead(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	org, bot := uuid.New(), uuid.New()
	id := f.source.add(org, bot, transcript, 2)

	f.completer.replies = []string{"```json\n" + `{"is_lead":true,"name":"Jane Doe","email":"Jane@Initech.test","phone":"","company":"Initech",
"interest":"20 seats","qualification":"","score":150,"summary":"Wants a quote."}` + "\n```"}
	require.NoError(t, f.s.extract(ctx, extractionEvent(SourceChatbot, id)))
	assert.True(t, f.source.isProcessed(id))

	leads, err := f.s.List(ctx, org, Filter{})
	require.NoError(t, err)
	require.Len(t, leads, 1)
	lead := leads[0]
	assert.Equal(t, "jane@initech.test", lead.Email)
	assert.Equal(t, 100, lead.Score)
	assert.Equal(t, QualificationHot, lead.Qualification)
	assert.Equal(t, StatusNew, lead.Status)
	assert.Equal(t, bot, lead.AssetID)

	require.Len(t, f.notices.notices, 1)
	assert.Equal(t, notify.KindLeadCreated, f.notices.notices[0].Kind)
	assert.Equal(t, "New hot lead: Jane Doe", f.notices.notices[0].Title)
	assert.Equal(t, "https://app.voxtro.test/leads/"+lead.ID.String(), f.notices.notices[0].Link)

	// extracting again updates the lead, keeps its status and does not announce it again
	_, err = f.s.SetStatus(ctx, org, lead.ID, StatusContacted)
	require.NoError(t, err)
	f.completer.replies = []string{`{"is_lead":true,"name":"Jane Doe","email":"jane@initech.test","qualification":"warm","score":55}`}
	require.NoError(t, f.s.extract(ctx, extractionEvent(SourceChatbot, id)))
	updated, err := f.s.Get(ctx, org, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, QualificationWarm, updated.Qualification)
	assert.Equal(t, StatusContacted, updated.Status)
	assert.Len(t, f.notices.notices, 1)
}

func TestExtractShortConversation(t *testing.T) {
	f := setup(t)
	id := f.source.add(uuid.New(), uuid.New(), "user: hi", 1)
	require.NoError(t, f.s.extract(context.Background(), extractionEvent(SourceChatbot, id)))
	assert.True(t, f.source.isProcessed(id))
	assert.Empty(t, f.completer.requests)
}

func TestExtractRetriesMalformedJSON(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	org := uuid.New()
	id := f.source.add(org, uuid.New(), transcript, 2)

	f.completer.replies = []string{"Sure, here is the analysis: the visitor is a lead", `{"is_lead":false}`}
	require.NoError(t, f.s.extract(ctx, extractionEvent(SourceChatbot, id)))
	require.Len(t, f.completer.requests, 2)
	retry := f.completer.requests[1]
	require.Len(t, retry.Messages, 3)
	assert.Equal(t, llm.RoleAssistant, retry.Messages[1].Role)
	assert.True(t, f.source.isProcessed(id))

	leads, err := f.s.List(ctx, org, Filter{})
	require.NoError(t, err)
	assert.Empty(t, leads)
}

func TestExtractFailsTwice(t *testing.T) {
	f := setup(t)
	id := f.source.add(uuid.New(), uuid.New(), transcript, 3)
	f.completer.replies = []string{"no json", "still no json"}
	err := f.s.extract(context.Background(), extractionEvent(SourceChatbot, id))
	assert.ErrorIs(t, err, llm.ErrNoJSON)
	assert.False(t, f.source.isProcessed(id))
}

func TestLeadWithoutContactIsDropped(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	org := uuid.New()
	id := f.source.add(org, uuid.New(), transcript, 2)
	f.completer.replies = []string{`{"is_lead":true,"score":80}`}
	require.NoError(t, f.s.extract(ctx, extractionEvent(SourceChatbot, id)))
	leads, err := f.s.List(ctx, org, Filter{})
	require.NoError(t, err)
	assert.Empty(t, leads)
	assert.True(t, f.source.isProcessed(id))
}

func TestQualificationFromScore(t *testing.T) {
	assert.Equal(t, QualificationHot, QualificationFromScore(70))
	assert.Equal(t, QualificationWarm, QualificationFromScore(69))
	assert.Equal(t, QualificationWarm, QualificationFromScore(40))
	assert.Equal(t, QualificationCold, QualificationFromScore(39))

	c := classification{Score: -5, Qualification: "HOT"}
	c.normalize()
	assert.Equal(t, 0.0, c.Score)
	assert.Equal(t, QualificationHot, c.Qualification)
}

func TestScheduleAndExtractPending(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	org := uuid.New()
	id := f.source.add(org, uuid.New(), transcript, 2)

	at := time.Now().Add(ExtractionDelay)
	require.NoError(t, f.s.ScheduleExtraction(ctx, SourceChatbot, id, at))
	require.NoError(t, f.s.ScheduleExtraction(ctx, SourceChatbot, id, at.Add(time.Minute)))
	scheduled, err := f.queue.EventSchedule(ctx, extractionEvent(SourceChatbot, id))
	require.NoError(t, err)
	require.NotNil(t, scheduled)
	assert.WithinDuration(t, at.Add(time.Minute), *scheduled, time.Second)

	raised, err := f.s.ExtractPending(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, 1, raised)
}

func TestRoutes(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	org, bot, otherBot := uuid.New(), uuid.New(), uuid.New()

	f.completer.replies = []string{
		`{"is_lead":true,"name":"Jane","score":80}`,
		`{"is_lead":true,"name":"Joe","score":20}`,
	}
	first := f.source.add(org, bot, transcript, 2)
	second := f.source.add(org, otherBot, transcript, 2)
	require.NoError(t, f.s.extract(ctx, extractionEvent(SourceChatbot, first)))
	require.NoError(t, f.s.extract(ctx, extractionEvent(SourceChatbot, second)))

	router := mux.NewRouter()
	f.s.HandleRoutes(router)
	f.s.HandlePortalRoutes(router)
	oc := client.NewWithRouter(router).WithAuthorization(&access.Authorization{UserID: uuid.New(), OrganizationID: org, OrganizationRole: access.RoleOwner})

	var leads []Lead
	_, err := oc.RawGet("/leads?source_type=chatbot", &leads)
	require.NoError(t, err)
	require.Len(t, leads, 2)

	var lead Lead
	_, err = oc.RawPut("/leads/"+leads[0].ID.String(), map[string]string{"status": "qualified"}, &lead)
	require.NoError(t, err)
	assert.Equal(t, StatusQualified, lead.Status)
	status, _ := oc.RawPut("/leads/"+leads[0].ID.String(), map[string]string{"status": "won"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	_, err = oc.RawGet("/leads?status=qualified", &leads)
	require.NoError(t, err)
	assert.Len(t, leads, 1)

	// the portal shows only leads of assigned assets
	f.customers.RegisterAssetOwner(customers.AssetChatbot, ownerOf{bot: org})
	c, err := f.customers.Create(ctx, org, customers.Input{Email: pointers.To("jane@customer.test")})
	require.NoError(t, err)
	_, err = f.customers.SetAssets(ctx, org, c.ID, customers.Assets{Chatbots: []uuid.UUID{bot}})
	require.NoError(t, err)

	customer := (&access.Authorization{UserID: uuid.New()}).WithCustomer(org, c.ID, []string{customers.PermissionViewLeads})
	_, err = client.NewWithRouter(router).WithAuthorization(customer).RawGet("/portal/leads", &leads)
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, "Jane", leads[0].Name)

	noLeads := (&access.Authorization{UserID: uuid.New()}).WithCustomer(org, c.ID, nil)
	status, _ = client.NewWithRouter(router).WithAuthorization(noLeads).RawGet("/portal/leads", nil)
	assert.Equal(t, http.StatusForbidden, status)

	_, err = oc.RawDelete("/leads/" + lead.ID.String())
	require.NoError(t, err)
	status, _ = oc.RawGet("/leads/"+lead.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, status)
}

type ownerOf map[uuid.UUID]uuid.UUID

func (o ownerOf) OwnedAssets(ctx context.Context, org uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error) {
	owned := []uuid.UUID{}
	for _, id := range ids {
		if o[id] == org {
			owned = append(owned, id)
		}
	}
	return owned, nil
}
