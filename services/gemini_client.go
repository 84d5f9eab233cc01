package services

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/wuwenbin0122/perps.ai/internal/models"
	"github.com/wuwenbin0122/perps.ai/internal/utils"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel   = "gemini-2.0-flash"
	defaultHTTPTimeout   = 30 * time.Second
)

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}

type geminiAPIError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Status  string `json:"status,omitempty"`
}

type geminiErrorEnvelope struct {
	Error *geminiAPIError `json:"error,omitempty"`
}

// GeminiClient calls the native generateContent endpoint.
type GeminiClient struct {
	http   *resty.Client
	apiKey string
	model  string
}

func NewGeminiClient(cfg utils.GenerationConfig) *GeminiClient {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultGeminiBaseURL
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultGeminiModel
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	return &GeminiClient{
		http: resty.New().
			SetBaseURL(base).
			SetHeader("Content-Type", "application/json").
			SetTimeout(timeout),
		apiKey: cfg.APIKey,
		model:  model,
	}
}

func (c *GeminiClient) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return "", fmt.Errorf("gemini: api key is not configured")
	}

	payload := buildGeminiRequest(req)

	var (
		result   geminiResponse
		envelope geminiErrorEnvelope
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("x-goog-api-key", c.apiKey).
		SetBody(payload).
		SetResult(&result).
		SetError(&envelope).
		Post("/models/" + url.PathEscape(c.model) + ":generateContent")
	if err != nil {
		return "", fmt.Errorf("gemini: call generateContent: %w", err)
	}

	if resp.IsError() {
		return "", buildGeminiAPIError(resp.StatusCode(), envelope.Error, resp.Body())
	}

	if result.PromptFeedback != nil && result.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("gemini: prompt blocked: %s", result.PromptFeedback.BlockReason)
	}

	if len(result.Candidates) == 0 {
		return "", ErrEmptyCompletion
	}

	var builder strings.Builder
	for _, part := range result.Candidates[0].Content.Parts {
		builder.WriteString(part.Text)
	}

	text := strings.TrimSpace(builder.String())
	if text == "" {
		return "", ErrEmptyCompletion
	}

	return text, nil
}

func buildGeminiRequest(req GenerationRequest) geminiRequest {
	contents := make([]geminiContent, 0, len(req.Examples)+len(req.History)+1)
	for _, turn := range req.Examples {
		contents = append(contents, geminiTurn(turn))
	}
	for _, turn := range req.History {
		contents = append(contents, geminiTurn(turn))
	}
	contents = append(contents, geminiTurn(models.Turn{Role: models.RoleUser, Content: req.Message}))

	payload := geminiRequest{Contents: contents}
	if instruction := strings.TrimSpace(req.SystemInstruction); instruction != "" {
		payload.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: instruction}}}
	}
	return payload
}

func geminiTurn(turn models.Turn) geminiContent {
	return geminiContent{Role: GeminiRole(turn.Role), Parts: []geminiPart{{Text: turn.Content}}}
}

// GeminiRole maps the internal vocabulary onto Gemini's, which calls assistant turns "model".
func GeminiRole(role models.Role) string {
	if role == models.RoleAssistant {
		return "model"
	}
	return "user"
}

func buildGeminiAPIError(statusCode int, apiErr *geminiAPIError, body []byte) error {
	if apiErr != nil {
		message := strings.TrimSpace(apiErr.Message)
		switch {
		case apiErr.Status != "" && message != "":
			return fmt.Errorf("gemini api error (%d, %s): %s", statusCode, apiErr.Status, message)
		case message != "":
			return fmt.Errorf("gemini api error (%d): %s", statusCode, message)
		case apiErr.Status != "":
			return fmt.Errorf("gemini api error (%d, %s)", statusCode, apiErr.Status)
		}
	}

	snippet := strings.TrimSpace(string(body))
	if snippet == "" {
		snippet = fmt.Sprintf("status %d", statusCode)
	}
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}

	return fmt.Errorf("gemini api error (%d): %s", statusCode, snippet)
}

var _ Generator = (*GeminiClient)(nil)
