package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/perps.ai/internal/api"
	"github.com/wuwenbin0122/perps.ai/internal/auth"
	"github.com/wuwenbin0122/perps.ai/internal/chat"
)

const maxChatFrameBytes = 64 * 1024

// ChatSocketHandler serves the chat flow over a websocket, one exchange per inbound frame.
type ChatSocketHandler struct {
	chat     *chat.Service
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger
}

// NewChatSocketHandler builds a ChatSocketHandler. Upgrades are accepted from allowedOrigin
// and from clients that send no Origin header.
func NewChatSocketHandler(chatService *chat.Service, allowedOrigin string, logger *zap.SugaredLogger) *ChatSocketHandler {
	allowedOrigin = strings.TrimRight(allowedOrigin, "/")
	return &ChatSocketHandler{
		chat: chatService,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowedOrigin == "" || strings.TrimRight(origin, "/") == allowedOrigin
			},
		},
		logger: logger,
	}
}

type chatFrame struct {
	ConversationID *string `json:"conversationId"`
	Message        string  `json:"message"`
}

type errorFrame struct {
	Error frameError `json:"error"`
}

type frameError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// HandleChatWebsocket must run behind the chat credential gate; the identity it attaches is
// fixed for the lifetime of the connection.
func (h *ChatSocketHandler) HandleChatWebsocket(c *gin.Context) {
	var userID string
	if identity := auth.IdentityFrom(c); identity != nil {
		userID = identity.UserID
	}
	clientKey := c.ClientIP()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warnf("chat websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxChatFrameBytes)
	ctx := c.Request.Context()

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warnf("chat websocket closed: %v", err)
			}
			return
		}

		if msgType != websocket.TextMessage {
			if err := h.sendError(conn, http.StatusBadRequest, "Only text frames are supported"); err != nil {
				return
			}
			continue
		}

		var frame chatFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			if err := h.sendError(conn, http.StatusBadRequest, "Invalid request payload"); err != nil {
				return
			}
			continue
		}

		input := chat.SendInput{
			UserID:    userID,
			Message:   frame.Message,
			ClientKey: clientKey,
		}
		if frame.ConversationID != nil {
			input.ConversationID = *frame.ConversationID
		}

		result, err := h.chat.Send(ctx, input)
		if err != nil {
			status, message := api.StatusFor(err)
			if status >= http.StatusInternalServerError {
				h.logger.Errorw("chat websocket exchange failed", "user_id", userID, "error", err)
			}
			if err := h.sendError(conn, status, message); err != nil {
				return
			}
			continue
		}

		if err := conn.WriteJSON(api.NewExchangeResponse(result)); err != nil {
			h.logger.Warnf("chat websocket write failed: %v", err)
			return
		}
	}
}

func (h *ChatSocketHandler) sendError(conn *websocket.Conn, status int, message string) error {
	err := conn.WriteJSON(errorFrame{Error: frameError{Status: status, Message: message}})
	if err != nil {
		h.logger.Warnf("chat websocket write failed: %v", err)
	}
	return err
}
