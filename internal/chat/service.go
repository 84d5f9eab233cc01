package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wuwenbin0122/perps.ai/internal/db"
	"github.com/wuwenbin0122/perps.ai/internal/metrics"
	"github.com/wuwenbin0122/perps.ai/internal/models"
	"github.com/wuwenbin0122/perps.ai/internal/quota"
	"github.com/wuwenbin0122/perps.ai/services"
)

const (
	// FallbackReply is delivered as a normal assistant turn whenever generation fails.
	FallbackReply = "I'm sorry, I can't access the AI service right now. However, I can still help with general " +
		"information about the University of Perpetual Help System Dalta - Molino Campus. Please try asking again in a moment."

	GuestConversationPrefix = "temp_"

	DefaultHistoryLimit      = 10
	defaultGenerationTimeout = 30 * time.Second
)

var (
	ErrEmptyMessage         = errors.New("chat: message is empty")
	ErrGuestConversation    = errors.New("chat: guests cannot address a saved conversation")
	ErrConversationNotFound = errors.New("chat: conversation not found")
	ErrGuestQuotaExceeded   = errors.New("chat: guest message quota exceeded")
	ErrTitleRequired        = errors.New("chat: title is required")
)

type Options struct {
	HistoryLimit int
	// RejectUnknownConversation turns an unknown or foreign conversation id into
	// ErrConversationNotFound instead of starting a new conversation.
	RejectUnknownConversation bool
	FewShot                   bool
	GenerationTimeout         time.Duration
}

type Service struct {
	store     db.ConversationStore
	generator services.Generator
	quota     quota.Limiter
	logger    *zap.Logger
	opts      Options
	now       func() time.Time
}

func NewService(store db.ConversationStore, generator services.Generator, limiter quota.Limiter, logger *zap.Logger, opts Options) *Service {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = defaultGenerationTimeout
	}
	if limiter == nil {
		limiter = quota.Unlimited{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		store:     store,
		generator: generator,
		quota:     limiter,
		logger:    logger,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SendInput describes one inbound chat message. An empty UserID means guest; ClientKey
// identifies the guest for the quota.
type SendInput struct {
	UserID         string
	ConversationID string
	Message        string
	ClientKey      string
}

type Result struct {
	ConversationID   string
	Guest            bool
	UserMessage      models.Message
	AssistantMessage models.Message
}

func (s *Service) Send(ctx context.Context, in SendInput) (*Result, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return nil, ErrEmptyMessage
	}

	// Any id at all from a guest is refused, whitespace included.
	if in.UserID == "" && in.ConversationID != "" {
		return nil, ErrGuestConversation
	}

	// The exchange runs to completion once accepted, even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	if in.UserID == "" {
		return s.sendAsGuest(ctx, message, in.ClientKey)
	}

	return s.sendAuthenticated(ctx, in.UserID, strings.TrimSpace(in.ConversationID), message)
}

func (s *Service) sendAsGuest(ctx context.Context, message, clientKey string) (*Result, error) {
	allowed, err := s.quota.Allow(ctx, clientKey)
	if err != nil {
		s.logger.Warn("guest quota unavailable, allowing message", zap.Error(err))
		allowed = true
	}
	if !allowed {
		metrics.GuestQuotaRejections.Inc()
		return nil, ErrGuestQuotaExceeded
	}

	conversationID := GuestConversationPrefix + uuid.NewString()
	userMsg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           models.RoleUser,
		Content:        message,
		Seq:            1,
		Timestamp:      s.now(),
	}

	reply := s.generate(ctx, nil, message)

	assistantMsg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           models.RoleAssistant,
		Content:        reply,
		Seq:            2,
		Timestamp:      s.now(),
	}

	metrics.ExchangesTotal.WithLabelValues(metrics.FlowGuest).Inc()

	return &Result{
		ConversationID:   conversationID,
		Guest:            true,
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
	}, nil
}

func (s *Service) sendAuthenticated(ctx context.Context, userID, conversationID, message string) (*Result, error) {
	userAt := s.now()

	conv, err := s.resolveConversation(ctx, userID, conversationID, message, userAt)
	if err != nil {
		return nil, err
	}

	history, err := s.loadHistory(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	reply := s.generate(ctx, history, message)

	exchange, err := s.store.AppendExchange(ctx, db.ExchangeInput{
		UserID:           userID,
		ConversationID:   conv.ID,
		UserContent:      message,
		UserAt:           userAt,
		AssistantContent: reply,
		AssistantAt:      s.now(),
	})
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("chat: persist exchange: %w", err)
	}

	metrics.ExchangesTotal.WithLabelValues(metrics.FlowAuthenticated).Inc()

	return &Result{
		ConversationID:   exchange.Conversation.ID,
		UserMessage:      exchange.User,
		AssistantMessage: exchange.Assistant,
	}, nil
}

func (s *Service) resolveConversation(ctx context.Context, userID, conversationID, message string, at time.Time) (*models.Conversation, error) {
	if conversationID != "" {
		conv, err := s.store.FindConversation(ctx, userID, conversationID)
		switch {
		case err == nil:
			return conv, nil
		case !errors.Is(err, db.ErrNotFound):
			return nil, fmt.Errorf("chat: find conversation: %w", err)
		case s.opts.RejectUnknownConversation:
			return nil, ErrConversationNotFound
		}

		s.logger.Info("unknown conversation id, starting a new conversation",
			zap.String("user_id", userID),
			zap.String("conversation_id", conversationID),
		)
	}

	conv, err := s.store.CreateConversation(ctx, userID, models.TitleFromMessage(message), at)
	if err != nil {
		return nil, fmt.Errorf("chat: create conversation: %w", err)
	}
	return conv, nil
}

func (s *Service) loadHistory(ctx context.Context, conversationID string) ([]models.Turn, error) {
	msgs, err := s.store.RecentMessages(ctx, conversationID, s.opts.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("chat: load history: %w", err)
	}
	return assembleHistory(msgs, s.opts.HistoryLimit), nil
}

// assembleHistory keeps the last limit messages, oldest first, as role/content turns.
func assembleHistory(msgs []models.Message, limit int) []models.Turn {
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	turns := make([]models.Turn, 0, len(msgs))
	for _, msg := range msgs {
		turns = append(turns, msg.Turn())
	}
	return turns
}

// generate never fails: provider errors and empty output become FallbackReply.
func (s *Service) generate(ctx context.Context, history []models.Turn, message string) string {
	genCtx, cancel := context.WithTimeout(ctx, s.opts.GenerationTimeout)
	defer cancel()

	start := time.Now()
	reply, err := s.generator.Generate(genCtx, services.PromptFor(s.opts.FewShot, history, message))
	metrics.GenerationDuration.Observe(time.Since(start).Seconds())

	if err == nil && strings.TrimSpace(reply) == "" {
		err = services.ErrEmptyCompletion
	}
	if err != nil {
		s.logger.Warn("generation failed, using fallback reply", zap.Error(err))
		metrics.GenerationsTotal.WithLabelValues(metrics.OutcomeFallback).Inc()
		return FallbackReply
	}

	metrics.GenerationsTotal.WithLabelValues(metrics.OutcomeGenerated).Inc()
	return strings.TrimSpace(reply)
}
