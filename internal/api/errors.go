package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/perps.ai/internal/auth"
	"github.com/wuwenbin0122/perps.ai/internal/chat"
)

type errorMapping struct {
	target  error
	status  int
	message string
}

// Messages are returned to clients verbatim. Anything unmapped is a 500 with a generic body.
var errorMappings = []errorMapping{
	{chat.ErrEmptyMessage, http.StatusBadRequest, "Message cannot be empty"},
	{chat.ErrTitleRequired, http.StatusBadRequest, "Title cannot be empty"},
	{chat.ErrGuestConversation, http.StatusForbidden, "Please sign in to access saved conversations"},
	{chat.ErrConversationNotFound, http.StatusNotFound, "Conversation not found"},
	{chat.ErrGuestQuotaExceeded, http.StatusTooManyRequests, "Guest message limit reached, please sign in to continue"},
	{auth.ErrInvalidEmail, http.StatusBadRequest, "Please provide a valid email address"},
	{auth.ErrNameRequired, http.StatusBadRequest, "Name is required"},
	{auth.ErrPasswordTooWeak, http.StatusBadRequest, "Password must be at least 6 characters"},
	{auth.ErrEmailExists, http.StatusConflict, "User already exists with this email"},
	{auth.ErrInvalidCredentials, http.StatusUnauthorized, "Invalid email or password"},
}

// StatusFor maps a domain error to its HTTP status and client-facing message.
func StatusFor(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.message
		}
	}
	return http.StatusInternalServerError, "Internal server error"
}

// respondError writes the mapped error; server-side failures are logged with their cause.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	status, message := StatusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	writeError(c, status, message)
}

func writeError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"message": message,
	})
}
