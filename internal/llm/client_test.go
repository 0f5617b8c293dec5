package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/outbound-call-engine/internal/config"
	"github.com/acme/outbound-call-engine/internal/domain"
	apperrors "github.com/acme/outbound-call-engine/pkg/errors"
)

func TestGenerateSendsTranscript(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" Sure, happy to help. "}}],"usage":{"prompt_tokens":42,"completion_tokens":7}}`))
	}))
	defer srv.Close()

	c := NewClient(config.LLMConfig{BaseURL: srv.URL + "/v1", APIKey: "sk-test", Model: "gpt-4", MaxTokens: 500, Temperature: 0.7, Timeout: time.Second}, nil)
	gen, err := c.Generate(context.Background(), "You are Alex.", []domain.Turn{
		{Speaker: domain.SpeakerAgent, Content: "Hi, this is Alex."},
		{Speaker: domain.SpeakerContact, Content: "Hello?"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Sure, happy to help.", gen.Text)
	assert.Equal(t, 42, gen.PromptTokens)
	assert.Equal(t, 7, gen.CompletionTokens)

	require.Len(t, got.Messages, 3)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "assistant", got.Messages[1].Role)
	assert.Equal(t, "user", got.Messages[2].Role)
	assert.Equal(t, 500, got.MaxTokens)
	assert.InDelta(t, 0.7, got.Temperature, 1e-9)
}

func TestClassifyErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	c := NewClient(config.LLMConfig{BaseURL: srv.URL, Model: "gpt-4", Timeout: time.Second}, nil)
	_, err := c.Classify(context.Background(), "analyze")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrUnavailable))
	assert.Contains(t, err.Error(), "upstream down")
}

func TestGenerateWithoutChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := NewClient(config.LLMConfig{BaseURL: srv.URL, Timeout: time.Second}, nil)
	_, err := c.Generate(context.Background(), "sys", nil)
	assert.True(t, errors.Is(err, apperrors.ErrUnavailable))
}
