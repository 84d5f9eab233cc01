package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/perps.ai/internal/api"
	"github.com/wuwenbin0122/perps.ai/internal/auth"
	"github.com/wuwenbin0122/perps.ai/internal/chat"
	"github.com/wuwenbin0122/perps.ai/internal/db"
	"github.com/wuwenbin0122/perps.ai/internal/utils"
	"github.com/wuwenbin0122/perps.ai/services"
)

type echoGenerator struct{}

func (echoGenerator) Generate(_ context.Context, req services.GenerationRequest) (string, error) {
	return "You said: " + req.Message, nil
}

func newSocketServer(t *testing.T, mode string) (*httptest.Server, *auth.Service, *db.Memory) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := db.NewMemory()
	authService, err := auth.NewService("test-secret", time.Hour, store)
	require.NoError(t, err)

	chatService := chat.NewService(store, echoGenerator{}, nil, zap.NewNop(), chat.Options{})
	socket := NewChatSocketHandler(chatService, "http://localhost:5173", zap.NewNop().Sugar())

	router, err := api.NewEngine(nil)
	require.NoError(t, err)
	router.GET("/api/chat/ws", auth.QueryToken(), api.ChatGate(authService, mode, zap.NewNop()), socket.HandleChatWebsocket)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, authService, store
}

func dial(t *testing.T, server *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/chat/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestChatWebsocketGuest(t *testing.T) {
	server, _, store := newSocketServer(t, utils.AuthModeOptional)
	conn := dial(t, server, "")

	require.NoError(t, conn.WriteJSON(map[string]any{"message": "Hi"}))
	var exchange api.ExchangeResponse
	require.NoError(t, conn.ReadJSON(&exchange))
	assert.True(t, exchange.IsGuest)
	assert.True(t, strings.HasPrefix(exchange.ConversationID, chat.GuestConversationPrefix))
	assert.Equal(t, "You said: Hi", exchange.AssistantMessage.Content)

	require.NoError(t, conn.WriteJSON(map[string]any{"conversationId": "abc", "message": "Hi"}))
	var frame errorFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, http.StatusForbidden, frame.Error.Status)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	frame = errorFrame{}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, http.StatusBadRequest, frame.Error.Status)

	// The connection survives per-message errors.
	require.NoError(t, conn.WriteJSON(map[string]any{"message": "Still there?"}))
	exchange = api.ExchangeResponse{}
	require.NoError(t, conn.ReadJSON(&exchange))
	assert.Equal(t, "You said: Still there?", exchange.AssistantMessage.Content)

	assert.Equal(t, 0, store.ConversationCount())
}

func TestChatWebsocketAuthenticated(t *testing.T) {
	server, authService, store := newSocketServer(t, utils.AuthModeRequired)

	result, err := authService.Register(context.Background(), auth.RegisterInput{
		Email:    "ws@example.com",
		Password: "secret123",
		Name:     "Socket",
	})
	require.NoError(t, err)

	conn := dial(t, server, "?token="+result.Token)

	require.NoError(t, conn.WriteJSON(map[string]any{"message": "First"}))
	var first api.ExchangeResponse
	require.NoError(t, conn.ReadJSON(&first))
	assert.False(t, first.IsGuest)

	require.NoError(t, conn.WriteJSON(map[string]any{"conversationId": first.ConversationID, "message": "Second"}))
	var second api.ExchangeResponse
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, first.ConversationID, second.ConversationID)

	assert.Equal(t, 1, store.ConversationCount())
	assert.Equal(t, 4, store.MessageCount())
}

func TestChatWebsocketRequiredModeRejectsAnonymous(t *testing.T) {
	server, _, _ := newSocketServer(t, utils.AuthModeRequired)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/chat/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
