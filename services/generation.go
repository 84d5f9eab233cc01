package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/wuwenbin0122/perps.ai/internal/models"
	"github.com/wuwenbin0122/perps.ai/internal/utils"
)

// ErrEmptyCompletion is returned when the provider answers without usable text.
var ErrEmptyCompletion = errors.New("generation: provider returned no text")

// GenerationRequest is everything a provider needs for one reply. Examples are replayed
// before History; Message is the new user turn and is never part of History.
type GenerationRequest struct {
	SystemInstruction string
	Examples          []models.Turn
	History           []models.Turn
	Message           string
}

// Generator produces an assistant reply. Implementations must be safe for concurrent use.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// NewGenerator builds the provider client selected by cfg.Provider.
func NewGenerator(cfg utils.GenerationConfig) (Generator, error) {
	switch cfg.Provider {
	case utils.ProviderGemini:
		return NewGeminiClient(cfg), nil
	case utils.ProviderOpenAI:
		return NewOpenAIClient(cfg), nil
	default:
		return nil, fmt.Errorf("generation: unknown provider %q", cfg.Provider)
	}
}

// PromptFor assembles the request with the fixed instruction and, when enabled, the
// few-shot examples.
func PromptFor(fewShot bool, history []models.Turn, message string) GenerationRequest {
	req := GenerationRequest{
		SystemInstruction: SystemInstruction,
		History:           history,
		Message:           message,
	}
	if fewShot {
		req.Examples = FewShotExamples()
	}
	return req
}
