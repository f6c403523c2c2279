package cache

import (
	"crypto/sha256"
	"fmt"
	"time"

	"StudyChat/internal/session"
)

// CachedResponse represents a cached completion answer
type CachedResponse struct {
	Response  string
	Timestamp time.Time
}

// Key derives a cache key from the conversation state that produced a request
func Key(messages []session.Message) string {
	h := sha256.New()
	for _, msg := range messages {
		h.Write([]byte(msg.Role))
		h.Write([]byte(msg.Content))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
