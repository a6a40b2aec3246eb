// Package api speaks the hosted generation service's wire protocol:
// POST /chat for (optionally streamed) completions and GET /models for the
// model catalog. Streaming responses are normalized into a channel of
// Events, so callers never touch the framing format directly.
package api

import (
	"fmt"
	"net/http"
)

// WireMessage is one prior transcript entry in the request body.
type WireMessage struct {
	Role    string   `json:"role"` // "user" | "model"
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// NewMessage is the new user turn being submitted.
type NewMessage struct {
	Text   string   `json:"text"`
	Images []string `json:"images"`
}

// ChatRequest is the POST /chat body.
type ChatRequest struct {
	Model        string        `json:"model"`
	Messages     []WireMessage `json:"messages"`
	NewMessage   NewMessage    `json:"newMessage"`
	SystemPrompt string        `json:"systemPrompt,omitempty"`
}

// ModelInfo describes one entry from GET /models.
type ModelInfo struct {
	Value        string `json:"value"`
	Label        string `json:"label"`
	Description  string `json:"description"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
}

// ModelList is the GET /models response. Fallback marks a degraded or
// cached catalog.
type ModelList struct {
	Models   []ModelInfo `json:"models"`
	Fallback bool        `json:"fallback,omitempty"`
}

// EventType classifies streamed chat events.
type EventType int

const (
	// EventTextDelta carries a text increment to render immediately.
	EventTextDelta EventType = iota

	// EventDone marks a cleanly finished reply.
	EventDone

	// EventError terminates the stream with an error.
	EventError
)

// Event is one unit of streamed chat output.
type Event struct {
	Type      EventType
	TextDelta string
	Err       error
}

// StatusError is a non-2xx response from the upstream, body included.
// The body text of a rate-limit response is the raw input to the quota
// error parser.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("upstream returned %d: %s", e.Status, body)
}

// IsQuota reports whether the status signals quota exhaustion.
func (e *StatusError) IsQuota() bool {
	return e.Status == http.StatusTooManyRequests
}
