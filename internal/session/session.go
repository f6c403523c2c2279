package session

import (
	"time"

	"github.com/google/uuid"
)

// Roles used in messages and in the remote API request.
const (
	RoleUser      = "user"
	RoleAssistant = "model"
)

// GreetingID identifies the fixed introductory message shown at the start of
// every conversation. It is UI-only: never persisted and never sent upstream.
const GreetingID = "greeting-message"

const greetingText = "Hi! I'm your study assistant. Ask me anything about your lessons and I'll do my best to help."

// Message represents a single chat message. Immutable once created.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session represents a stored chat session for one user.
type Session struct {
	ID          string    `json:"id"`
	Messages    []Message `json:"messages"`
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
}

// Greeting returns the fixed introductory assistant message.
func Greeting() Message {
	return Message{
		ID:        GreetingID,
		Role:      RoleAssistant,
		Content:   greetingText,
		Timestamp: time.Now(),
	}
}

// NewUserMessage creates a user-authored message with a fresh id.
func NewUserMessage(content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewAssistantMessage creates an assistant-authored message with a fresh id.
func NewAssistantMessage(content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// IsGreeting reports whether m is the fixed introductory message.
func IsGreeting(m Message) bool {
	return m.ID == GreetingID && m.Role == RoleAssistant
}
