package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wuwenbin0122/perps.ai/internal/models"
)

// Memory is a process-local Store used by tests and STORE_DRIVER=memory.
type Memory struct {
	mu            sync.RWMutex
	users         map[string]*models.User
	usersByEmail  map[string]string
	conversations map[string]*models.Conversation
	messages      map[string][]models.Message
}

func NewMemory() *Memory {
	return &Memory{
		users:         make(map[string]*models.User),
		usersByEmail:  make(map[string]string),
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]models.Message),
	}
}

func (m *Memory) Close(context.Context) error {
	return nil
}

func (m *Memory) CreateUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.usersByEmail[user.Email]; exists {
		return ErrDuplicateEmail
	}

	user.ID = uuid.NewString()
	stored := *user
	m.users[user.ID] = &stored
	m.usersByEmail[user.Email] = user.ID

	return nil
}

func (m *Memory) FindUserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.usersByEmail[email]
	if !ok {
		return nil, ErrNotFound
	}

	user := *m.users[id]
	return &user, nil
}

func (m *Memory) CreateConversation(_ context.Context, userID, title string, at time.Time) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv := &models.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: at,
		UpdatedAt: at,
	}
	m.conversations[conv.ID] = conv

	out := *conv
	return &out, nil
}

func (m *Memory) FindConversation(_ context.Context, userID, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, err := m.ownedLocked(userID, id)
	if err != nil {
		return nil, err
	}

	out := *conv
	return &out, nil
}

func (m *Memory) ListConversations(_ context.Context, userID string, limit int) ([]models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]models.Conversation, 0)
	for _, conv := range m.conversations {
		if conv.UserID == userID {
			result = append(result, *conv)
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

func (m *Memory) RenameConversation(_ context.Context, userID, id, title string) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, err := m.ownedLocked(userID, id)
	if err != nil {
		return nil, err
	}

	conv.Title = title
	out := *conv
	return &out, nil
}

func (m *Memory) DeleteConversation(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.ownedLocked(userID, id); err != nil {
		return err
	}

	delete(m.conversations, id)
	delete(m.messages, id)

	return nil
}

func (m *Memory) ListMessages(_ context.Context, conversationID string) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]models.Message(nil), m.messages[conversationID]...), nil
}

func (m *Memory) RecentMessages(_ context.Context, conversationID string, limit int) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	return append([]models.Message(nil), msgs...), nil
}

func (m *Memory) AppendExchange(_ context.Context, input ExchangeInput) (*Exchange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, err := m.ownedLocked(input.UserID, input.ConversationID)
	if err != nil {
		return nil, err
	}

	userMsg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        input.UserContent,
		Seq:            conv.MessageCount + 1,
		Timestamp:      input.UserAt,
	}
	assistantMsg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Content:        input.AssistantContent,
		Seq:            conv.MessageCount + 2,
		Timestamp:      input.AssistantAt,
	}

	m.messages[conv.ID] = append(m.messages[conv.ID], userMsg, assistantMsg)
	conv.MessageCount += 2
	conv.LastMessage = models.PreviewFromReply(input.AssistantContent)
	conv.UpdatedAt = input.AssistantAt

	return &Exchange{Conversation: *conv, User: userMsg, Assistant: assistantMsg}, nil
}

// MessageCount reports the number of stored messages across all conversations.
func (m *Memory) MessageCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, msgs := range m.messages {
		total += len(msgs)
	}
	return total
}

// ConversationCount reports the number of stored conversations.
func (m *Memory) ConversationCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.conversations)
}

func (m *Memory) ownedLocked(userID, id string) (*models.Conversation, error) {
	conv, ok := m.conversations[id]
	if !ok || conv.UserID != userID {
		return nil, ErrNotFound
	}
	return conv, nil
}

var _ Store = (*Memory)(nil)
