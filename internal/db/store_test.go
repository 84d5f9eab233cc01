package db_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wuwenbin0122/perps.ai/internal/db"
	"github.com/wuwenbin0122/perps.ai/internal/models"
)

// exerciseStore runs the behaviour every driver must share.
func exerciseStore(t *testing.T, store db.Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2025, time.March, 1, 9, 0, 0, 0, time.UTC)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]

	alice := &models.User{Email: "alice-" + suffix + "@example.com", Name: "Alice", PasswordHash: "hash", CreatedAt: base}
	require.NoError(t, store.CreateUser(ctx, alice))
	require.NotEmpty(t, alice.ID)

	bob := &models.User{Email: "bob-" + suffix + "@example.com", Name: "Bob", PasswordHash: "hash", CreatedAt: base}
	require.NoError(t, store.CreateUser(ctx, bob))

	dup := &models.User{Email: alice.Email, Name: "Other", PasswordHash: "hash", CreatedAt: base}
	assert.ErrorIs(t, store.CreateUser(ctx, dup), db.ErrDuplicateEmail)

	found, err := store.FindUserByEmail(ctx, alice.Email)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, found.ID)
	assert.Equal(t, "hash", found.PasswordHash)

	_, err = store.FindUserByEmail(ctx, "nobody-"+suffix+"@example.com")
	assert.ErrorIs(t, err, db.ErrNotFound)

	first, err := store.CreateConversation(ctx, alice.ID, "First", base)
	require.NoError(t, err)
	second, err := store.CreateConversation(ctx, alice.ID, "Second", base.Add(time.Minute))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i+2) * time.Minute)
		exchange, err := store.AppendExchange(ctx, db.ExchangeInput{
			UserID:           alice.ID,
			ConversationID:   first.ID,
			UserContent:      "question",
			UserAt:           at,
			AssistantContent: strings.Repeat("a", 120),
			AssistantAt:      at.Add(time.Second),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2*i+1), exchange.User.Seq)
		assert.Equal(t, int64(2*i+2), exchange.Assistant.Seq)
		assert.Equal(t, models.RoleUser, exchange.User.Role)
		assert.Equal(t, models.RoleAssistant, exchange.Assistant.Role)
		assert.Len(t, []rune(exchange.Conversation.LastMessage), 100)
	}

	msgs, err := store.ListMessages(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 6)
	for i, msg := range msgs {
		assert.Equal(t, int64(i+1), msg.Seq)
	}

	recent, err := store.RecentMessages(ctx, first.ID, 4)
	require.NoError(t, err)
	require.Len(t, recent, 4)
	assert.Equal(t, int64(3), recent[0].Seq)
	assert.Equal(t, int64(6), recent[3].Seq)

	list, err := store.ListConversations(ctx, alice.ID, 50)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID, "most recently updated first")
	assert.Equal(t, second.ID, list[1].ID)
	assert.Equal(t, int64(6), list[0].MessageCount)

	_, err = store.FindConversation(ctx, bob.ID, first.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, err = store.FindConversation(ctx, alice.ID, "not-an-id")
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, err = store.AppendExchange(ctx, db.ExchangeInput{UserID: bob.ID, ConversationID: first.ID, UserContent: "x", AssistantContent: "y"})
	assert.ErrorIs(t, err, db.ErrNotFound)
	_, err = store.RenameConversation(ctx, bob.ID, first.ID, "Mine now")
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.ErrorIs(t, store.DeleteConversation(ctx, bob.ID, first.ID), db.ErrNotFound)

	renamed, err := store.RenameConversation(ctx, alice.ID, second.ID, "Renamed")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", renamed.Title)

	require.NoError(t, store.DeleteConversation(ctx, alice.ID, first.ID))
	_, err = store.FindConversation(ctx, alice.ID, first.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)

	msgs, err = store.ListMessages(ctx, first.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, db.NewMemory())
}

func TestMemoryAppendExchangeConcurrentSeq(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()

	conv, err := store.CreateConversation(ctx, "user-1", "Busy", time.Now())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.AppendExchange(ctx, db.ExchangeInput{
				UserID:           "user-1",
				ConversationID:   conv.ID,
				UserContent:      "ping",
				UserAt:           time.Now(),
				AssistantContent: "pong",
				AssistantAt:      time.Now(),
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	msgs, err := store.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 40)

	seen := make(map[int64]bool, len(msgs))
	for _, msg := range msgs {
		assert.False(t, seen[msg.Seq], "seq %d assigned twice", msg.Seq)
		seen[msg.Seq] = true
	}
	assert.Equal(t, 40, store.MessageCount())
}
