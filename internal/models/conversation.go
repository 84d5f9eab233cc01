package models

import (
	"time"
	"unicode/utf8"
)

const (
	DefaultConversationTitle = "New Conversation"

	titleRuneLimit   = 50
	previewRuneLimit = 100
)

// Conversation is a titled thread owned by exactly one user.
type Conversation struct {
	ID           string    `json:"_id"`
	UserID       string    `json:"userId"`
	Title        string    `json:"title"`
	LastMessage  string    `json:"lastMessage,omitempty"`
	MessageCount int64     `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TitleFromMessage derives a conversation title from the first user message.
func TitleFromMessage(message string) string {
	return truncate(message, titleRuneLimit)
}

// PreviewFromReply derives the denormalised last-message preview.
func PreviewFromReply(reply string) string {
	return truncate(reply, previewRuneLimit)
}

func truncate(input string, limit int) string {
	if utf8.RuneCountInString(input) <= limit {
		return input
	}

	runes := []rune(input)
	return string(runes[:limit])
}
