package models

import (
	"fmt"
	"time"
)

// Role identifies the author of a message. Only user and assistant turns are persisted.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole validates a stored or transported role string.
func ParseRole(raw string) (Role, error) {
	switch Role(raw) {
	case RoleUser, RoleAssistant:
		return Role(raw), nil
	default:
		return "", fmt.Errorf("models: unknown message role %q", raw)
	}
}

// Message is one immutable turn within a conversation. Seq is the per-conversation
// write order; Timestamp is informational.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Seq            int64     `json:"seq"`
	Timestamp      time.Time `json:"timestamp"`
}

// Turn is the role/content projection handed to the generation layer.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Turn projects the message to its role/content pair.
func (m Message) Turn() Turn {
	return Turn{Role: m.Role, Content: m.Content}
}
