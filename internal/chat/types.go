package chat

import (
	"strings"
	"time"
)

// Role values for conversation turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single role-tagged conversation turn. Insertion order is
// significant; a persisted conversation never has an empty message list.
type Message struct {
	ID        string `json:"id,omitempty"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at,omitempty"`
}

// NewMessage builds a message with a UTC creation timestamp.
func NewMessage(role, content string) Message {
	return Message{
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// ValidRole reports whether role is one of the persistable roles.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant:
		return true
	default:
		return false
	}
}

// Clone returns a deep copy of a message slice. Callers that hand messages
// to concurrent save paths copy first so later edits cannot race the write.
func Clone(messages []Message) []Message {
	if messages == nil {
		return nil
	}
	out := make([]Message, len(messages))
	copy(out, messages)
	return out
}

// FirstUserText returns the trimmed content of the first user turn, or "".
func FirstUserText(messages []Message) string {
	for _, msg := range messages {
		if msg.Role != RoleUser {
			continue
		}
		if t := strings.TrimSpace(msg.Content); t != "" {
			return t
		}
	}
	return ""
}
