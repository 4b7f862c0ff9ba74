package convai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListAgents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "xi-key", r.Header.Get("xi-api-key"))
		switch {
		case r.URL.Path == "/v1/convai/agents" && r.URL.Query().Get("cursor") == "":
			w.Write([]byte(`{"agents":[{"agent_id":"ag1","name":"Sales"}],"has_more":true,"next_cursor":"c2"}`))
		case r.URL.Path == "/v1/convai/agents" && r.URL.Query().Get("cursor") == "c2":
			w.Write([]byte(`{"agents":[{"agent_id":"ag2","name":"Support"}],"has_more":false}`))
		case r.URL.Path == "/v1/convai/phone-numbers":
			w.Write([]byte(`[{"phone_number":"+4930123","phone_number_id":"pn1","assigned_agent":{"agent_id":"ag1","agent_name":"Sales"}}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "xi-key")
	agents, err := c.ListAgents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Agent{{AgentID: "ag1", Name: "Sales"}, {AgentID: "ag2", Name: "Support"}}, agents)

	numbers, err := c.ListPhoneNumbers(context.Background())
	require.NoError(t, err)
	require.NotNil(t, numbers[0].AssignedAgent)
	assert.Equal(t, "ag1", numbers[0].AssignedAgent.AgentID)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"type":"post_call_transcription"}`)
	now := time.Now()
	header := Sign("whsec", body, now)

	assert.NoError(t, VerifySignature("whsec", header, body, now))
	assert.ErrorIs(t, VerifySignature("whsec", "", body, now), ErrMissingSignature)
	assert.ErrorIs(t, VerifySignature("other", header, body, now), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature("whsec", header, []byte(`{}`), now), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature("whsec", "garbage", body, now), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature("whsec", header, body, now.Add(31*time.Minute)), ErrExpiredSignature)
	assert.NoError(t, VerifySignature("whsec", header, body, now.Add(-4*time.Minute)))
	assert.ErrorIs(t, VerifySignature("whsec", header, body, now.Add(-6*time.Minute)), ErrExpiredSignature)
	future := Sign("whsec", body, now.Add(time.Hour))
	assert.ErrorIs(t, VerifySignature("whsec", future, body, now), ErrExpiredSignature)
}

func TestWebhookPayload(t *testing.T) {
	payload := `{"type":"post_call_transcription","event_timestamp":1760000000,"data":{
		"agent_id":"ag1","conversation_id":"conv1","status":"done",
		"transcript":[{"role":"agent","message":"Hello!"},{"role":"user","message":"I need a quote"},{"role":"agent","message":""}],
		"metadata":{"start_time_unix_secs":1760000000,"call_duration_secs":95},
		"analysis":{"transcript_summary":"Quote request"}}}`
	var hook Webhook
	require.NoError(t, json.Unmarshal([]byte(payload), &hook))
	assert.Equal(t, EventPostCallTranscription, hook.Type)
	assert.Equal(t, "agent: Hello!\nuser: I need a quote\n", hook.Data.TranscriptText())
	assert.Equal(t, int64(1760000000), hook.Data.StartedAt().Unix())
	assert.Equal(t, 95, hook.Data.Metadata.CallDurationSecs)
}
