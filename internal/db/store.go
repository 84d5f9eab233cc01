package db

import (
	"context"
	"errors"
	"time"

	"github.com/wuwenbin0122/perps.ai/internal/models"
)

var (
	ErrNotFound       = errors.New("db: not found")
	ErrDuplicateEmail = errors.New("db: email already registered")
)

// Store is the persistence contract shared by the mongo, postgres and memory drivers.
type Store interface {
	UserStore
	ConversationStore
	Close(ctx context.Context) error
}

type UserStore interface {
	// CreateUser assigns the user's ID. Email must already be normalised.
	CreateUser(ctx context.Context, user *models.User) error
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
}

// ConversationStore scopes every conversation lookup to its owner: a conversation that
// exists but belongs to someone else yields ErrNotFound.
type ConversationStore interface {
	CreateConversation(ctx context.Context, userID, title string, at time.Time) (*models.Conversation, error)
	FindConversation(ctx context.Context, userID, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]models.Conversation, error)
	RenameConversation(ctx context.Context, userID, id, title string) (*models.Conversation, error)
	DeleteConversation(ctx context.Context, userID, id string) error

	// ListMessages returns every message of the conversation in seq order.
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	// RecentMessages returns the last limit messages, oldest first.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	AppendExchange(ctx context.Context, input ExchangeInput) (*Exchange, error)
}

// ExchangeInput is one user/assistant pair destined for an owned conversation.
type ExchangeInput struct {
	UserID           string
	ConversationID   string
	UserContent      string
	UserAt           time.Time
	AssistantContent string
	AssistantAt      time.Time
}

// Exchange is the persisted result of AppendExchange.
type Exchange struct {
	Conversation models.Conversation
	User         models.Message
	Assistant    models.Message
}
