package jobs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxtro/backend/core/access"
	"github.com/voxtro/backend/test"
)

func TestRaiseAndProcess(t *testing.T) {
	q := New(&Builder{DB: test.Postgres(t), Concurrency: 2})
	ctx := context.Background()

	type payload struct {
		Text string `json:"text"`
	}
	var mu sync.Mutex
	var received []string
	q.HandleEvent("greet", func(ctx context.Context, e Event) error {
		var p payload
		assert.NoError(t, json.Unmarshal(e.Payload, &p))
		mu.Lock()
		received = append(received, p.Text)
		mu.Unlock()
		return nil
	})

	resourceID := uuid.New()
	event := Event{Type: "greet", Resource: "chatbot", ResourceID: resourceID}
	require.NoError(t, q.RaiseEvent(ctx, event.WithPayload(payload{Text: "first"})))
	// compressed, newest payload wins
	require.NoError(t, q.RaiseEvent(ctx, event.WithPayload(payload{Text: "second"})))
	// a different key is a different event
	require.NoError(t, q.RaiseEvent(ctx, Event{Type: "greet", Key: "other"}.WithPayload(payload{Text: "third"})))

	q.ProcessJobsSync(0)
	assert.ElementsMatch(t, []string{"second", "third"}, received)

	health, err := q.Health(ctx, true)
	require.NoError(t, err)
	assert.Zero(t, health.Jobs.Failed)
	assert.Empty(t, health.Jobs.Details)
}

func TestRaiseWithoutHandler(t *testing.T) {
	q := New(&Builder{DB: test.Postgres(t)})
	assert.Error(t, q.RaiseEvent(context.Background(), Event{Type: "nobody-listens"}))
}

func TestRaiseIfNotExist(t *testing.T) {
	q := New(&Builder{DB: test.Postgres(t)})
	ctx := context.Background()
	var mu sync.Mutex
	var payloads []string
	q.HandleEvent("sync", func(ctx context.Context, e Event) error {
		mu.Lock()
		defer mu.Unlock()
		payloads = append(payloads, string(e.Payload))
		return nil
	})
	require.NoError(t, q.RaiseEventIfNotExist(ctx, Event{Type: "sync"}.WithPayload([]byte(`{"n":1}`))))
	require.NoError(t, q.RaiseEventIfNotExist(ctx, Event{Type: "sync"}.WithPayload([]byte(`{"n":2}`))))
	q.ProcessJobsSync(0)
	assert.Equal(t, []string{`{"n":1}`}, payloads)
}

func TestScheduleAndCancel(t *testing.T) {
	q := New(&Builder{DB: test.Postgres(t)})
	ctx := context.Background()
	called := 0
	q.HandleEvent("later", func(ctx context.Context, e Event) error {
		called++
		return nil
	})
	event := Event{Type: "later", Resource: "conversation", ResourceID: uuid.New()}
	at := time.Now().Add(time.Hour)
	require.NoError(t, q.ScheduleEvent(ctx, event, at))

	schedule, err := q.EventSchedule(ctx, event)
	require.NoError(t, err)
	require.NotNil(t, schedule)
	assert.WithinDuration(t, at, *schedule, time.Second)

	q.ProcessJobsSync(0)
	assert.Equal(t, 0, called, "scheduled in the future")

	cancelled, err := q.CancelEvent(ctx, event)
	require.NoError(t, err)
	assert.True(t, cancelled)
	cancelled, err = q.CancelEvent(ctx, event)
	require.NoError(t, err)
	assert.False(t, cancelled)

	require.NoError(t, q.ScheduleEvent(ctx, event, time.Now().Add(-time.Second)))
	q.ProcessJobsSync(0)
	assert.Equal(t, 1, called)
}

func TestFailingHandlerIsRetriedLater(t *testing.T) {
	q := New(&Builder{DB: test.Postgres(t)})
	ctx := context.Background()
	attempts := 0
	q.HandleEvent("flaky", func(ctx context.Context, e Event) error {
		attempts++
		if attempts == 1 {
			panic("boom")
		}
		return errors.New("still failing")
	})
	require.NoError(t, q.RaiseEvent(ctx, Event{Type: "flaky"}))
	q.ProcessJobsSync(0)
	assert.Equal(t, 1, attempts)

	// the retry is scheduled in 5 minutes
	q.ProcessJobsSync(0)
	assert.Equal(t, 1, attempts)

	health, err := q.Health(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, health.Jobs.Failed)
}

func TestHealthRoutes(t *testing.T) {
	q := New(&Builder{DB: test.Postgres(t)})
	router := mux.NewRouter()
	q.HandleRoutes(router)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"failed":0`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/details", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	admin := &access.Authorization{UserID: uuid.New(), Roles: []string{access.RoleAdmin}}
	req := httptest.NewRequest(http.MethodPut, "/health/purge", nil)
	req = req.WithContext(admin.ContextWithAuthorization(req.Context()))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestIsLastAttempt(t *testing.T) {
	assert.False(t, IsLastAttempt(context.Background()))
	_, ctx := (&job{AttemptsLeft: 2, ContextData: []byte(`{}`)}).event()
	assert.False(t, IsLastAttempt(ctx))
	_, ctx = (&job{AttemptsLeft: 0, ContextData: []byte(`{}`)}).event()
	assert.True(t, IsLastAttempt(ctx))
}
