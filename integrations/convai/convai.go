// Package convai is a client for the conversational AI platform (ElevenLabs) which
// runs the WhatsApp agents, plus its webhook payloads and signature check.
package convai

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/voxtro/backend/integrations"
)

// DefaultBaseURL is the production API
const DefaultBaseURL = "https://api.elevenlabs.io"

// SignatureHeader carries the webhook signature
const SignatureHeader = "ElevenLabs-Signature"

// SignatureTolerance is the maximum age of a signed webhook
const SignatureTolerance = 30 * time.Minute

// MaxClockSkew is how far a signature timestamp may lie in the future
const MaxClockSkew = 5 * time.Minute

// EventPostCallTranscription is the webhook type the platform handles
const EventPostCallTranscription = "post_call_transcription"

// Agent is a conversational agent
type Agent struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
}

// PhoneNumber is a phone number and the agent it is assigned to
type PhoneNumber struct {
	PhoneNumber   string `json:"phone_number"`
	PhoneNumberID string `json:"phone_number_id"`
	Label         string `json:"label,omitempty"`
	AssignedAgent *struct {
		AgentID   string `json:"agent_id"`
		AgentName string `json:"agent_name"`
	} `json:"assigned_agent,omitempty"`
}

// Client talks to the conversational AI API
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
	return &Client{http: integrations.NewHTTPClient("convai", baseURL, integrations.HeaderAuth("xi-api-key", apiKey))}
}

// ListAgents returns all agents of the account, following the cursor
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	cursor := ""
	for {
		path := "/v1/convai/agents?page_size=100"
		if cursor != "" {
			path += "&cursor=" + url.QueryEscape(cursor)
		}
		var page struct {
			Agents     []Agent `json:"agents"`
			HasMore    bool    `json:"has_more"`
			NextCursor string  `json:"next_cursor"`
		}
		if err := c.http.Do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}
		agents = append(agents, page.Agents...)
		if !page.HasMore || page.NextCursor == "" {
			return agents, nil
		}
		cursor = page.NextCursor
	}
}

// ListPhoneNumbers returns the phone numbers of the account
func (c *Client) ListPhoneNumbers(ctx context.Context) ([]PhoneNumber, error) {
	var numbers []PhoneNumber
	err := c.http.Do(ctx, http.MethodGet, "/v1/convai/phone-numbers", nil, &numbers)
	return numbers, err
}

// Webhook is a webhook delivery
type Webhook struct {
	Type           string           `json:"type"`
	EventTimestamp int64            `json:"event_timestamp"`
	Data           ConversationData `json:"data"`
}

// ConversationData is the payload of a post call transcription
type ConversationData struct {
	AgentID        string `json:"agent_id"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
	Transcript     []Turn `json:"transcript"`
	Metadata       struct {
		StartTimeUnixSecs int64 `json:"start_time_unix_secs"`
		CallDurationSecs  int   `json:"call_duration_secs"`
	} `json:"metadata"`
	Analysis struct {
		TranscriptSummary string `json:"transcript_summary"`
	} `json:"analysis"`
}

// Turn is one turn of a transcript
type Turn struct {
	Role           string `json:"role"`
	Message        string `json:"message"`
	TimeInCallSecs int    `json:"time_in_call_secs"`
}

// StartedAt returns the start time of the conversation, or the zero time
func (d ConversationData) StartedAt() time.Time {
	if d.Metadata.StartTimeUnixSecs == 0 {
		return time.Time{}
	}
	return time.Unix(d.Metadata.StartTimeUnixSecs, 0).UTC()
}

// TranscriptText renders the transcript as "role: message" lines
func (d ConversationData) TranscriptText() string {
	var b strings.Builder
	for _, turn := range d.Transcript {
		if turn.Message == "" {
			continue
		}
		b.WriteString(turn.Role)
		b.WriteString(": ")
		b.WriteString(turn.Message)
		b.WriteString("\n")
	}
	return b.String()
}

// Signature errors
var (
	ErrMissingSignature = errors.New("missing signature")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrExpiredSignature = errors.New("expired signature")
)

// Sign returns the signature header value for body at time t
func Sign(secret string, body []byte, t time.Time) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return "t=" + ts + ",v0=" + mac(secret, ts, body)
}

func mac(secret, ts string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(ts))
	h.Write([]byte("."))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks header "t=<unix>,v0=<hex>" against body. Signatures older
// than SignatureTolerance or dated more than MaxClockSkew ahead are rejected.
func VerifySignature(secret, header string, body []byte, now time.Time) error {
	if header == "" {
		return ErrMissingSignature
	}
	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v0":
			sig = kv[1]
		}
	}
	if ts == "" || sig == "" {
		return ErrInvalidSignature
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	age := now.Sub(time.Unix(unix, 0))
	if age > SignatureTolerance || age < -MaxClockSkew {
		return ErrExpiredSignature
	}
	if !hmac.Equal([]byte(mac(secret, ts, body)), []byte(sig)) {
		return ErrInvalidSignature
	}
	return nil
}
