package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PictureBook-server/config"
	"PictureBook-server/models"
)

func TestOpenAIClientComplete(t *testing.T) {
	var got chatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  {\"ok\":true}  "}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(srv.URL+"/", "sk-test", "deepseek-chat", time.Second)
	out, err := c.Complete(context.Background(), ChatRequest{System: "sys", Prompt: "hi", Temperature: 0.7, MaxTokens: 4000, JSON: true})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)

	assert.Equal(t, "deepseek-chat", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "hi", got.Messages[1].Content)
	assert.Equal(t, 4000, got.MaxTokens)
	assert.Equal(t, "json_object", got.ResponseFormat["type"])
}

func TestOpenAIClientErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{name: "http error", status: http.StatusTooManyRequests, body: `{"error":{"message":"rate limited"}}`},
		{name: "api error", status: http.StatusOK, body: `{"error":{"message":"bad key"}}`},
		{name: "no choices", status: http.StatusOK, body: `{"choices":[]}`},
		{name: "empty content", status: http.StatusOK, body: `{"choices":[{"message":{"content":"  "}}]}`},
		{name: "not json", status: http.StatusOK, body: `<html>`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewOpenAIClient(srv.URL, "k", "m", time.Second).Complete(context.Background(), ChatRequest{Prompt: "x"})
			assert.ErrorIs(t, err, models.ErrProvider)
		})
	}
}

func TestOpenAIClientRequiresKey(t *testing.T) {
	_, err := NewOpenAIClient("http://127.0.0.1:1", "", "m", time.Second).Complete(context.Background(), ChatRequest{Prompt: "x"})
	assert.ErrorIs(t, err, models.ErrProvider)
}

func TestNewLLMSelectsProvider(t *testing.T) {
	cfg := &config.Config{}
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.deepseek.com"
	llm, err := NewLLM(cfg)
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClient{}, llm)

	cfg.LLM.Provider = "gemini"
	_, err = NewLLM(cfg)
	assert.Error(t, err, "gemini without api key")
}
