// Package voiceai is a client for the voice AI platform (Vapi) and its webhook payloads
package voiceai

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/voxtro/backend/integrations"
)

// DefaultBaseURL is the production API
const DefaultBaseURL = "https://api.vapi.ai"

// SecretHeader carries the shared webhook secret
const SecretHeader = "X-Vapi-Secret"

// Assistant is a voice assistant as the platform reports it
type Assistant struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	FirstMessage string `json:"firstMessage,omitempty"`
	Model        *struct {
		Provider string `json:"provider,omitempty"`
		Model    string `json:"model,omitempty"`
	} `json:"model,omitempty"`
	Voice *struct {
		Provider string `json:"provider,omitempty"`
		VoiceID  string `json:"voiceId,omitempty"`
	} `json:"voice,omitempty"`
}

// ModelName returns the model of the assistant or ""
func (a Assistant) ModelName() string {
	if a.Model == nil {
		return ""
	}
	return a.Model.Model
}

// VoiceName returns the voice id of the assistant or ""
func (a Assistant) VoiceName() string {
	if a.Voice == nil {
		return ""
	}
	return a.Voice.VoiceID
}

// PhoneNumber is a phone number and the assistant it is attached to
type PhoneNumber struct {
	ID          string `json:"id"`
	Number      string `json:"number"`
	AssistantID string `json:"assistantId,omitempty"`
}

// AssistantUpdate is the subset of assistant properties the platform changes
type AssistantUpdate struct {
	Name         *string `json:"name,omitempty"`
	FirstMessage *string `json:"firstMessage,omitempty"`
}

// Client talks to the voice AI API
type Client struct {
	http *integrations.HTTPClient
}

// New returns a client, or nil if apiKey is empty
func New(baseURL, apiKey string) *Client {
	if apiKey == "" {
		return nil
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{http: integrations.NewHTTPClient("voiceai", baseURL, integrations.BearerAuth(apiKey))}
}

// ListAssistants returns all assistants of the account
func (c *Client) ListAssistants(ctx context.Context) ([]Assistant, error) {
	var assistants []Assistant
	err := c.http.Do(ctx, http.MethodGet, "/assistant?limit=1000", nil, &assistants)
	return assistants, err
}

// GetAssistant returns one assistant
func (c *Client) GetAssistant(ctx context.Context, id string) (*Assistant, error) {
	var assistant Assistant
	err := c.http.Do(ctx, http.MethodGet, "/assistant/"+url.PathEscape(id), nil, &assistant)
	if err != nil {
		return nil, err
	}
	return &assistant, nil
}

// UpdateAssistant patches an assistant and returns the new state
func (c *Client) UpdateAssistant(ctx context.Context, id string, update AssistantUpdate) (*Assistant, error) {
	var assistant Assistant
	err := c.http.Do(ctx, http.MethodPatch, "/assistant/"+url.PathEscape(id), update, &assistant)
	if err != nil {
		return nil, err
	}
	return &assistant, nil
}

// ListPhoneNumbers returns all phone numbers of the account
func (c *Client) ListPhoneNumbers(ctx context.Context) ([]PhoneNumber, error) {
	var numbers []PhoneNumber
	err := c.http.Do(ctx, http.MethodGet, "/phone-number?limit=1000", nil, &numbers)
	return numbers, err
}

// Message types of webhook deliveries the platform handles
const (
	MessageStatusUpdate    = "status-update"
	MessageEndOfCallReport = "end-of-call-report"
)

// Webhook is the envelope of every webhook delivery
type Webhook struct {
	Message Message `json:"message"`
}

// Message is a webhook message. Only the fields of status updates and end-of-call
// reports are decoded.
type Message struct {
	Type         string     `json:"type"`
	Status       string     `json:"status,omitempty"`
	EndedReason  string     `json:"endedReason,omitempty"`
	Call         Call       `json:"call"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	Cost         float64    `json:"cost,omitempty"`
	Summary      string     `json:"summary,omitempty"`
	Transcript   string     `json:"transcript,omitempty"`
	RecordingURL string     `json:"recordingUrl,omitempty"`
	Analysis     *struct {
		Summary string `json:"summary,omitempty"`
	} `json:"analysis,omitempty"`
	Artifact *struct {
		Transcript   string `json:"transcript,omitempty"`
		RecordingURL string `json:"recordingUrl,omitempty"`
	} `json:"artifact,omitempty"`
}

// Call is the call a webhook message refers to
type Call struct {
	ID          string `json:"id"`
	AssistantID string `json:"assistantId"`
	Status      string `json:"status,omitempty"`
	Customer    *struct {
		Number string `json:"number,omitempty"`
	} `json:"customer,omitempty"`
}

// CustomerNumber returns the caller's number or ""
func (m Message) CustomerNumber() string {
	if m.Call.Customer == nil {
		return ""
	}
	return m.Call.Customer.Number
}

// CallSummary returns the summary, preferring the top-level field over the analysis
func (m Message) CallSummary() string {
	if m.Summary != "" {
		return m.Summary
	}
	if m.Analysis != nil {
		return m.Analysis.Summary
	}
	return ""
}

// CallTranscript returns the transcript, preferring the top-level field over the artifact
func (m Message) CallTranscript() string {
	if m.Transcript != "" {
		return m.Transcript
	}
	if m.Artifact != nil {
		return m.Artifact.Transcript
	}
	return ""
}

// CallRecordingURL returns the recording URL, preferring the top-level field over the artifact
func (m Message) CallRecordingURL() string {
	if m.RecordingURL != "" {
		return m.RecordingURL
	}
	if m.Artifact != nil {
		return m.Artifact.RecordingURL
	}
	return ""
}

// DurationSeconds returns the call duration computed from start and end, or 0
func (m Message) DurationSeconds() int {
	if m.StartedAt == nil || m.EndedAt == nil || m.EndedAt.Before(*m.StartedAt) {
		return 0
	}
	return int(m.EndedAt.Sub(*m.StartedAt).Round(time.Second) / time.Second)
}
