// Package transcript holds chat and message records and their persistence.
// The send controller treats this package as a plain CRUD collaborator:
// the conversation on disk is the durable record of what happened,
// including failed turns.
package transcript

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a message, in the upstream wire vocabulary.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Chat is one saved conversation.
type Chat struct {
	ID        string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one entry in a chat. Images are base64-encoded payloads
// attached to a user turn.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Images    []string
	CreatedAt time.Time
}

// NewChat creates an empty chat with a fresh ID.
func NewChat(title string) *Chat {
	now := time.Now()
	return &Chat{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewMessage creates a message with a fresh ID and timestamp.
func NewMessage(role Role, content string, images []string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Images:    images,
		CreatedAt: time.Now(),
	}
}

const maxTitleLen = 48

// TitleFor derives a chat title from the first user message: the first
// line, truncated.
func TitleFor(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	runes := []rune(text)
	if len(runes) > maxTitleLen {
		return string(runes[:maxTitleLen]) + "..."
	}
	if text == "" {
		return "New chat"
	}
	return text
}
