// Package llm wraps the language model used for chatbot replies and lead classification
package llm

import (
	"context"
	"errors"
	"strings"
)

// Role of a message in a conversation
type Role string

// Roles
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation
type Message struct {
	Role    Role
	Content string
}

// Request is a completion request
type Request struct {
	// Model overrides the completer's default model when set
	Model    string
	System   string
	Messages []Message
	// JSON asks the model for a JSON object
	JSON            bool
	Temperature     *float32
	MaxOutputTokens int32
}

// Completer completes a conversation
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// CompleterFunc is an adapter to use ordinary functions as Completer
type CompleterFunc func(ctx context.Context, req Request) (string, error)

// Complete calls f(ctx, req)
func (f CompleterFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// ErrNoJSON is returned by ExtractJSON when the text contains no JSON object
var ErrNoJSON = errors.New("no JSON object in response")

// ExtractJSON returns the outermost JSON object of text. Markdown code fences
// around it are ignored.
func ExtractJSON(text string) (string, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if i := strings.IndexByte(text, '\n'); i >= 0 && !strings.ContainsAny(text[:i], "{") {
			// drop the language tag, e.g. ```json
			text = text[i+1:]
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return "", ErrNoJSON
	}
	return text[start : end+1], nil
}
