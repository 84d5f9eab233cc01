package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wuwenbin0122/perps.ai/internal/db"
	"github.com/wuwenbin0122/perps.ai/internal/models"
)

const conversationListLimit = 50

// ConversationDetail is a conversation together with its full message log.
type ConversationDetail struct {
	Conversation models.Conversation
	Messages     []models.Message
}

// ListConversations returns the caller's most recently updated conversations.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	convs, err := s.store.ListConversations(ctx, userID, conversationListLimit)
	if err != nil {
		return nil, fmt.Errorf("chat: list conversations: %w", err)
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	return convs, nil
}

func (s *Service) GetConversation(ctx context.Context, userID, id string) (*ConversationDetail, error) {
	conv, err := s.store.FindConversation(ctx, userID, id)
	if err != nil {
		return nil, notFound(err, "find conversation")
	}

	msgs, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("chat: list messages: %w", err)
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	return &ConversationDetail{Conversation: *conv, Messages: msgs}, nil
}

func (s *Service) CreateConversation(ctx context.Context, userID, title string) (*models.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = models.DefaultConversationTitle
	}

	conv, err := s.store.CreateConversation(ctx, userID, title, s.now())
	if err != nil {
		return nil, fmt.Errorf("chat: create conversation: %w", err)
	}
	return conv, nil
}

func (s *Service) DeleteConversation(ctx context.Context, userID, id string) error {
	if err := s.store.DeleteConversation(ctx, userID, id); err != nil {
		return notFound(err, "delete conversation")
	}
	return nil
}

func (s *Service) RenameConversation(ctx context.Context, userID, id, title string) (*models.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrTitleRequired
	}

	conv, err := s.store.RenameConversation(ctx, userID, id, title)
	if err != nil {
		return nil, notFound(err, "rename conversation")
	}
	return conv, nil
}

func notFound(err error, op string) error {
	if errors.Is(err, db.ErrNotFound) {
		return ErrConversationNotFound
	}
	return fmt.Errorf("chat: %s: %w", op, err)
}
