// Package llm talks to an OpenAI-compatible chat completions endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/acme/outbound-call-engine/internal/config"
	"github.com/acme/outbound-call-engine/internal/domain"
	apperrors "github.com/acme/outbound-call-engine/pkg/errors"
)

// Generation is one model reply with its token usage.
type Generation struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator produces the agent's next utterance.
type Generator interface {
	Generate(ctx context.Context, systemPrompt string, turns []domain.Turn) (Generation, error)
}

// Classifier answers a single analysis prompt.
type Classifier interface {
	Classify(ctx context.Context, prompt string) (string, error)
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

// Client implements Generator and Classifier.
type Client struct {
	endpoint    string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	http        *http.Client
}

// NewClient builds a client from config.
func NewClient(cfg config.LLMConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return &Client{
		endpoint:    base + "/chat/completions",
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		http:        httpClient,
	}
}

// Generate sends the system prompt and the transcript so far.
func (c *Client) Generate(ctx context.Context, systemPrompt string, turns []domain.Turn) (Generation, error) {
	msgs := make([]message, 0, len(turns)+1)
	msgs = append(msgs, message{Role: "system", Content: systemPrompt})
	for _, t := range turns {
		role := "user"
		if t.Speaker == domain.SpeakerAgent {
			role = "assistant"
		}
		msgs = append(msgs, message{Role: role, Content: t.Content})
	}
	return c.complete(ctx, chatRequest{Model: c.model, Messages: msgs, MaxTokens: c.maxTokens, Temperature: c.temperature})
}

// Classify sends a single prompt with a low temperature.
func (c *Client) Classify(ctx context.Context, prompt string) (string, error) {
	gen, err := c.complete(ctx, chatRequest{
		Model:       c.model,
		Messages:    []message{{Role: "user", Content: prompt}},
		MaxTokens:   c.maxTokens,
		Temperature: 0.3,
	})
	if err != nil {
		return "", err
	}
	return gen.Text, nil
}

func (c *Client) complete(ctx context.Context, body chatRequest) (Generation, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Generation{}, fmt.Errorf("llm: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Generation{}, fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		return Generation{}, fmt.Errorf("llm: request failed: %w: %w", apperrors.ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		errBody, err := io.ReadAll(io.LimitReader(res.Body, 4096))
		if err != nil {
			return Generation{}, fmt.Errorf("llm: read error body: %w", err)
		}
		return Generation{}, fmt.Errorf("llm: status %d: %w: %s", res.StatusCode, apperrors.ErrUnavailable, strings.TrimSpace(string(errBody)))
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return Generation{}, fmt.Errorf("llm: read response: %w", err)
	}
	content := gjson.GetBytes(raw, "choices.0.message.content")
	if !content.Exists() {
		return Generation{}, fmt.Errorf("llm: response has no choices: %w", apperrors.ErrUnavailable)
	}
	return Generation{
		Text:             strings.TrimSpace(content.String()),
		PromptTokens:     int(gjson.GetBytes(raw, "usage.prompt_tokens").Int()),
		CompletionTokens: int(gjson.GetBytes(raw, "usage.completion_tokens").Int()),
		Latency:          time.Since(start),
	}, nil
}

var (
	_ Generator  = (*Client)(nil)
	_ Classifier = (*Client)(nil)
)
