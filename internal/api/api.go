package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/perps.ai/internal/auth"
	"github.com/wuwenbin0122/perps.ai/internal/chat"
	"github.com/wuwenbin0122/perps.ai/internal/models"
	"github.com/wuwenbin0122/perps.ai/internal/utils"
)

type Handler struct {
	authService  *auth.Service
	chatService  *chat.Service
	logger       *zap.Logger
	chatAuthMode string
}

func NewHandler(authService *auth.Service, chatService *chat.Service, logger *zap.Logger, chatAuthMode string) *Handler {
	if logger == nil {
		logger = utils.Logger()
	}
	return &Handler{
		authService:  authService,
		chatService:  chatService,
		logger:       logger,
		chatAuthMode: chatAuthMode,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	apiGroup := router.Group("/api")
	apiGroup.GET("/health", Health)

	authGroup := apiGroup.Group("/auth")
	authGroup.POST("/register", h.handleRegister)
	authGroup.POST("/login", h.handleLogin)

	conversationGroup := apiGroup.Group("/conversations", auth.RequireAuth(h.authService))
	conversationGroup.GET("", h.handleListConversations)
	conversationGroup.POST("", h.handleCreateConversation)
	conversationGroup.GET("/:id", h.handleGetConversation)
	conversationGroup.DELETE("/:id", h.handleDeleteConversation)
	conversationGroup.PATCH("/:id/title", h.handleRenameConversation)

	chatGroup := apiGroup.Group("/chat", ChatGate(h.authService, h.chatAuthMode, h.logger))
	chatGroup.POST("/message", h.handleChatMessage)
}

// NewEngine returns a bare engine that only believes forwarding headers from the given
// proxies. ClientIP keys the guest quota, so trusting every peer would let clients pick it.
func NewEngine(trustedProxies []string) (*gin.Engine, error) {
	router := gin.New()
	if err := router.SetTrustedProxies(trustedProxies); err != nil {
		return nil, fmt.Errorf("api: trusted proxies: %w", err)
	}
	return router, nil
}

// ChatGate picks the credential gate for chat routes from CHAT_AUTH_MODE.
func ChatGate(verifier auth.TokenVerifier, mode string, logger *zap.Logger) gin.HandlerFunc {
	if mode == utils.AuthModeRequired {
		return auth.RequireAuth(verifier)
	}
	return auth.OptionalAuth(verifier, logger)
}

func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "OK",
		"message":   "Server is running",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type registerRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
	Name     string `json:"name" binding:"required"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type createConversationRequest struct {
	Title string `json:"title"`
}

type renameConversationRequest struct {
	Title string `json:"title" binding:"required"`
}

type chatMessageRequest struct {
	ConversationID *string `json:"conversationId"`
	Message        string  `json:"message" binding:"required"`
}

func (h *Handler) handleRegister(c *gin.Context) {
	var req registerRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.authService.Register(c.Request.Context(), auth.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, newAuthResponse(result))
}

func (h *Handler) handleLogin(c *gin.Context) {
	var req loginRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.authService.Login(c.Request.Context(), auth.LoginInput{
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, newAuthResponse(result))
}

func (h *Handler) handleListConversations(c *gin.Context) {
	identity := auth.IdentityFrom(c)

	convs, err := h.chatService.ListConversations(c.Request.Context(), identity.UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

func (h *Handler) handleGetConversation(c *gin.Context) {
	identity := auth.IdentityFrom(c)

	detail, err := h.chatService.GetConversation(c.Request.Context(), identity.UserID, c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversation": detail.Conversation,
		"messages":     detail.Messages,
	})
}

func (h *Handler) handleCreateConversation(c *gin.Context) {
	identity := auth.IdentityFrom(c)

	var req createConversationRequest
	// The body is optional; an empty one means the default title.
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}

	conv, err := h.chatService.CreateConversation(c.Request.Context(), identity.UserID, req.Title)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"conversation": conv})
}

func (h *Handler) handleDeleteConversation(c *gin.Context) {
	identity := auth.IdentityFrom(c)

	if err := h.chatService.DeleteConversation(c.Request.Context(), identity.UserID, c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Conversation deleted successfully"})
}

func (h *Handler) handleRenameConversation(c *gin.Context) {
	identity := auth.IdentityFrom(c)

	var req renameConversationRequest
	if !bindJSON(c, &req) {
		return
	}

	conv, err := h.chatService.RenameConversation(c.Request.Context(), identity.UserID, c.Param("id"), req.Title)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

func (h *Handler) handleChatMessage(c *gin.Context) {
	var req chatMessageRequest
	if !bindJSON(c, &req) {
		return
	}

	input := chat.SendInput{
		Message:   req.Message,
		ClientKey: c.ClientIP(),
	}
	if req.ConversationID != nil {
		input.ConversationID = *req.ConversationID
	}
	if identity := auth.IdentityFrom(c); identity != nil {
		input.UserID = identity.UserID
	}

	result, err := h.chatService.Send(c.Request.Context(), input)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, NewExchangeResponse(result))
}

// ExchangeResponse is the payload of a completed chat exchange, shared by the HTTP and
// websocket transports.
type ExchangeResponse struct {
	ConversationID   string      `json:"conversationId"`
	IsGuest          bool        `json:"isGuest"`
	UserMessage      MessageView `json:"userMessage"`
	AssistantMessage MessageView `json:"assistantMessage"`
}

type MessageView struct {
	ID        string      `json:"id"`
	Role      models.Role `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

func NewExchangeResponse(result *chat.Result) ExchangeResponse {
	return ExchangeResponse{
		ConversationID:   result.ConversationID,
		IsGuest:          result.Guest,
		UserMessage:      newMessageView(result.UserMessage),
		AssistantMessage: newMessageView(result.AssistantMessage),
	}
}

func newMessageView(msg models.Message) MessageView {
	return MessageView{
		ID:        msg.ID,
		Role:      msg.Role,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	}
}

func newAuthResponse(result *auth.AuthResult) gin.H {
	return gin.H{
		"token":     result.Token,
		"expiresAt": result.ExpiresAt.Format(time.RFC3339),
		"user":      result.User,
	}
}

// bindJSON decodes the body and reports binding failures as a 400 with a readable message.
func bindJSON(c *gin.Context, out any) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		writeError(c, http.StatusBadRequest, bindingMessage(err))
		return false
	}
	return true
}

func bindingMessage(err error) string {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) || len(validationErrs) == 0 {
		return "Invalid request payload"
	}

	fields := make([]string, 0, len(validationErrs))
	for _, fieldErr := range validationErrs {
		fields = append(fields, lowerFirst(fieldErr.Field()))
	}

	if len(fields) == 1 {
		return fmt.Sprintf("%s is required", fields[0])
	}
	return fmt.Sprintf("%s are required", strings.Join(fields, ", "))
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
