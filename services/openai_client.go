package services

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/wuwenbin0122/perps.ai/internal/models"
	"github.com/wuwenbin0122/perps.ai/internal/utils"
)

const defaultOpenAIModel = openai.GPT4oMini

// OpenAIClient talks to OpenAI or any endpoint speaking the chat completions protocol.
type OpenAIClient struct {
	client *openai.Client
	apiKey string
	model  string
}

func NewOpenAIClient(cfg utils.GenerationConfig) *OpenAIClient {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimRight(cfg.BaseURL, "/"); base != "" {
		clientCfg.BaseURL = base
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultOpenAIModel
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientCfg),
		apiKey: cfg.APIKey,
		model:  model,
	}
}

func (c *OpenAIClient) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return "", fmt.Errorf("openai: api key is not configured")
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: buildOpenAIMessages(req),
	})
	if err != nil {
		return "", fmt.Errorf("openai: create chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyCompletion
	}

	return text, nil
}

func buildOpenAIMessages(req GenerationRequest) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, 2+len(req.Examples)+len(req.History))
	if instruction := strings.TrimSpace(req.SystemInstruction); instruction != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: instruction})
	}
	for _, turn := range req.Examples {
		messages = append(messages, openai.ChatCompletionMessage{Role: OpenAIRole(turn.Role), Content: turn.Content})
	}
	for _, turn := range req.History {
		messages = append(messages, openai.ChatCompletionMessage{Role: OpenAIRole(turn.Role), Content: turn.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Message})
	return messages
}

// OpenAIRole maps the internal vocabulary onto chat completion roles.
func OpenAIRole(role models.Role) string {
	if role == models.RoleAssistant {
		return openai.ChatMessageRoleAssistant
	}
	return openai.ChatMessageRoleUser
}

var _ Generator = (*OpenAIClient)(nil)
