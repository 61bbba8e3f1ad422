package model

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/vesper/pkg/config"
)

func newAnthropicTestProvider(t *testing.T, handler http.HandlerFunc) *AnthropicProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := &config.LLMProviderConfig{
		Type:   "anthropic",
		Model:  "claude-sonnet-4-20250514",
		APIKey: "test-key",
		Host:   server.URL,
	}
	cfg.SetDefaults()
	cfg.Host = server.URL

	provider, err := NewAnthropicProviderFromConfig(cfg)
	require.NoError(t, err)
	return provider
}

func TestAnthropicGenerate(t *testing.T) {
	provider := newAnthropicTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)

		resp := anthropicResponse{
			Content: []anthropicContent{
				{Type: "text", Text: "Looking into it."},
				{Type: "tool_use", ID: "tu_1", Name: "search_global",
					Input: &map[string]interface{}{"query": "q3 revenue"}},
			},
			StopReason: "tool_use",
			Usage:      anthropicUsage{InputTokens: 120, OutputTokens: 40},
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	result, err := provider.Generate(context.Background(), []Message{
		{Role: RoleUser, Content: "find q3 revenue"},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "Looking into it.", result.Text)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "search_global", result.ToolCalls[0].Name)
	assert.Equal(t, "q3 revenue", result.ToolCalls[0].Args["query"])
	assert.Equal(t, 160, result.Usage.Total())
}

func TestAnthropicGenerateStructuredAppendsSchema(t *testing.T) {
	var capturedSystem string
	var capturedTemp float64
	provider := newAnthropicTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		capturedSystem = req.System
		if req.Temperature != nil {
			capturedTemp = *req.Temperature
		}

		resp := anthropicResponse{
			Content:    []anthropicContent{{Type: "text", Text: `{"ok": true}`}},
			StopReason: "end_turn",
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	zero := 0.0
	result, err := provider.GenerateStructured(context.Background(), []Message{
		{Role: RoleUser, Content: "rank these"},
	}, &StructuredOutputConfig{
		Name:        "ranking",
		Schema:      map[string]interface{}{"type": "object"},
		Temperature: &zero,
	})
	require.NoError(t, err)

	assert.JSONEq(t, `{"ok": true}`, result.Text)
	assert.Contains(t, capturedSystem, `"type":"object"`)
	assert.Equal(t, 0.0, capturedTemp)
}

func TestAnthropicGenerateAPIError(t *testing.T) {
	provider := newAnthropicTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	})

	_, err := provider.Generate(context.Background(), []Message{
		{Role: RoleUser, Content: "hello"},
	}, nil)
	assert.Error(t, err)
}

func TestNewProviderFromConfig(t *testing.T) {
	t.Run("unsupported type", func(t *testing.T) {
		_, err := NewProviderFromConfig(&config.LLMProviderConfig{Type: "gemini", Model: "m", APIKey: "k"})
		assert.Error(t, err)
	})

	t.Run("missing api key", func(t *testing.T) {
		_, err := NewProviderFromConfig(&config.LLMProviderConfig{Type: "anthropic", Model: "m"})
		assert.Error(t, err)
	})
}

func TestCost(t *testing.T) {
	cfg := &config.LLMProviderConfig{InputCostPerMTok: 3, OutputCostPerMTok: 15}
	cost := Cost(Usage{InputTokens: 1_000_000, OutputTokens: 200_000}, cfg)
	assert.InDelta(t, 6.0, cost, 1e-9)
}
