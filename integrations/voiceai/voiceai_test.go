package voiceai

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithoutKey(t *testing.T) {
	assert.Nil(t, New("", ""))
}

func TestClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer vapi-key", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/assistant":
			w.Write([]byte(`[{"id":"a1","name":"Front desk","firstMessage":"Hi!","model":{"provider":"openai","model":"gpt-4o"},"voice":{"provider":"11labs","voiceId":"rachel"}}]`))
		case r.Method == http.MethodPatch && r.URL.Path == "/assistant/a1":
			body, _ := io.ReadAll(r.Body)
			assert.JSONEq(t, `{"firstMessage":"Hello there"}`, string(body))
			w.Write([]byte(`{"id":"a1","name":"Front desk","firstMessage":"Hello there"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/phone-number":
			w.Write([]byte(`[{"id":"p1","number":"+15550100","assistantId":"a1"}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "vapi-key")
	ctx := context.Background()

	assistants, err := c.ListAssistants(ctx)
	require.NoError(t, err)
	require.Len(t, assistants, 1)
	assert.Equal(t, "gpt-4o", assistants[0].ModelName())
	assert.Equal(t, "rachel", assistants[0].VoiceName())

	first := "Hello there"
	updated, err := c.UpdateAssistant(ctx, "a1", AssistantUpdate{FirstMessage: &first})
	require.NoError(t, err)
	assert.Equal(t, "Hello there", updated.FirstMessage)

	numbers, err := c.ListPhoneNumbers(ctx)
	require.NoError(t, err)
	assert.Equal(t, "+15550100", numbers[0].Number)

	_, err = c.GetAssistant(ctx, "missing")
	assert.Error(t, err)
}

func TestEndOfCallReport(t *testing.T) {
	payload := `{"message":{
		"type":"end-of-call-report",
		"endedReason":"customer-ended-call",
		"call":{"id":"c1","assistantId":"a1","customer":{"number":"+4915112345"}},
		"startedAt":"2026-03-01T10:00:00.000Z",
		"endedAt":"2026-03-01T10:02:30.400Z",
		"cost":0.42,
		"analysis":{"summary":"Caller wants a demo"},
		"artifact":{"transcript":"AI: Hi\nUser: I want a demo","recordingUrl":"https://rec/1.wav"}
	}}`
	var hook Webhook
	require.NoError(t, json.Unmarshal([]byte(payload), &hook))
	m := hook.Message
	assert.Equal(t, MessageEndOfCallReport, m.Type)
	assert.Equal(t, "+4915112345", m.CustomerNumber())
	assert.Equal(t, "Caller wants a demo", m.CallSummary())
	assert.Equal(t, "AI: Hi\nUser: I want a demo", m.CallTranscript())
	assert.Equal(t, "https://rec/1.wav", m.CallRecordingURL())
	assert.Equal(t, 150, m.DurationSeconds())
}
