package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wuwenbin0122/perps.ai/internal/models"
	"github.com/wuwenbin0122/perps.ai/internal/utils"
)

var sampleHistory = []models.Turn{
	{Role: models.RoleUser, Content: "Where is the library?"},
	{Role: models.RoleAssistant, Content: "Beside the main building."},
}

func TestPromptFor(t *testing.T) {
	plain := PromptFor(false, sampleHistory, "Thanks")
	assert.Equal(t, SystemInstruction, plain.SystemInstruction)
	assert.Empty(t, plain.Examples)
	assert.Equal(t, sampleHistory, plain.History)
	assert.Equal(t, "Thanks", plain.Message)

	withExamples := PromptFor(true, nil, "Hi")
	require.NotEmpty(t, withExamples.Examples)
	assert.Equal(t, 0, len(withExamples.Examples)%2, "examples come in user/assistant pairs")
	for i, turn := range withExamples.Examples {
		want := models.RoleUser
		if i%2 == 1 {
			want = models.RoleAssistant
		}
		assert.Equal(t, want, turn.Role)
	}

	withExamples.Examples[0].Content = "mutated"
	assert.NotEqual(t, "mutated", FewShotExamples()[0].Content)
}

func TestNewGeneratorSelectsProvider(t *testing.T) {
	gen, err := NewGenerator(utils.GenerationConfig{Provider: utils.ProviderGemini})
	require.NoError(t, err)
	assert.IsType(t, &GeminiClient{}, gen)

	gen, err = NewGenerator(utils.GenerationConfig{Provider: utils.ProviderOpenAI})
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClient{}, gen)

	_, err = NewGenerator(utils.GenerationConfig{Provider: "bard"})
	assert.Error(t, err)
}

func TestGeminiClientGenerate(t *testing.T) {
	var captured geminiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-test:generateContent", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"Open "},{"text":"8am to 5pm."}]}}]}`))
	}))
	defer server.Close()

	client := NewGeminiClient(utils.GenerationConfig{APIKey: "test-key", Model: "gemini-test", BaseURL: server.URL, Timeout: 5 * time.Second})

	reply, err := client.Generate(context.Background(), PromptFor(false, sampleHistory, "Library hours?"))
	require.NoError(t, err)
	assert.Equal(t, "Open 8am to 5pm.", reply)

	require.NotNil(t, captured.SystemInstruction)
	assert.Equal(t, SystemInstruction, captured.SystemInstruction.Parts[0].Text)
	require.Len(t, captured.Contents, 3)
	assert.Equal(t, "user", captured.Contents[0].Role)
	assert.Equal(t, "model", captured.Contents[1].Role)
	assert.Equal(t, "user", captured.Contents[2].Role)
	assert.Equal(t, "Library hours?", captured.Contents[2].Parts[0].Text)
}

func TestGeminiClientErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"api error", http.StatusTooManyRequests, `{"error":{"code":429,"message":"quota exhausted","status":"RESOURCE_EXHAUSTED"}}`, "RESOURCE_EXHAUSTED"},
		{"blocked", http.StatusOK, `{"promptFeedback":{"blockReason":"SAFETY"}}`, "SAFETY"},
		{"no candidates", http.StatusOK, `{"candidates":[]}`, ErrEmptyCompletion.Error()},
		{"blank text", http.StatusOK, `{"candidates":[{"content":{"parts":[{"text":"  "}]}}]}`, ErrEmptyCompletion.Error()},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			client := NewGeminiClient(utils.GenerationConfig{APIKey: "k", BaseURL: server.URL})
			_, err := client.Generate(context.Background(), PromptFor(false, nil, "hi"))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestGeminiClientRequiresKey(t *testing.T) {
	_, err := NewGeminiClient(utils.GenerationConfig{}).Generate(context.Background(), PromptFor(false, nil, "hi"))
	assert.Error(t, err)
}

func TestOpenAIClientGenerate(t *testing.T) {
	var captured struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":" The registrar. "},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(utils.GenerationConfig{APIKey: "test-key", Model: "gpt-test", BaseURL: server.URL + "/v1"})

	reply, err := client.Generate(context.Background(), PromptFor(false, sampleHistory, "Who issues transcripts?"))
	require.NoError(t, err)
	assert.Equal(t, "The registrar.", reply)

	assert.Equal(t, "gpt-test", captured.Model)
	require.Len(t, captured.Messages, 4)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "user", captured.Messages[1].Role)
	assert.Equal(t, "assistant", captured.Messages[2].Role)
	assert.Equal(t, "Who issues transcripts?", captured.Messages[3].Content)
}

func TestClientsDefaultModelPerProvider(t *testing.T) {
	var openAIModel string
	openAIServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string `json:"model"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		openAIModel = body.Model
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer openAIServer.Close()

	var geminiPath string
	geminiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		geminiPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`))
	}))
	defer geminiServer.Close()

	openAIGen, err := NewGenerator(utils.GenerationConfig{Provider: utils.ProviderOpenAI, APIKey: "k", BaseURL: openAIServer.URL})
	require.NoError(t, err)
	_, err = openAIGen.Generate(context.Background(), PromptFor(false, nil, "hi"))
	require.NoError(t, err)
	assert.Equal(t, defaultOpenAIModel, openAIModel)

	geminiGen, err := NewGenerator(utils.GenerationConfig{Provider: utils.ProviderGemini, APIKey: "k", BaseURL: geminiServer.URL})
	require.NoError(t, err)
	_, err = geminiGen.Generate(context.Background(), PromptFor(false, nil, "hi"))
	require.NoError(t, err)
	assert.Equal(t, "/models/"+defaultGeminiModel+":generateContent", geminiPath)
}

func TestOpenAIClientEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[]}`))
	}))
	defer server.Close()

	client := NewOpenAIClient(utils.GenerationConfig{APIKey: "k", BaseURL: server.URL})
	_, err := client.Generate(context.Background(), PromptFor(false, nil, "hi"))
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestRoleTranslation(t *testing.T) {
	assert.Equal(t, "model", GeminiRole(models.RoleAssistant))
	assert.Equal(t, "user", GeminiRole(models.RoleUser))
	assert.Equal(t, "assistant", OpenAIRole(models.RoleAssistant))
	assert.Equal(t, "user", OpenAIRole(models.RoleUser))
}
