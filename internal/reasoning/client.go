// Package reasoning backs team workers with OpenAI-compatible chat models.
package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

var ErrEmptyResponse = errors.New("empty response from provider")

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatRequest is the body of a chat completion call.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// ChatResponse holds the first choice of a completion.
type ChatResponse struct {
	ID           string
	Model        string
	Content      string
	FinishReason string
	TotalTokens  int
}

// Chatter is anything that answers chat requests.
type Chatter interface {
	ID() string
	DefaultModel() string
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// Client talks to one OpenAI-compatible endpoint.
type Client struct {
	id       string
	endpoint string
	apiKey   string
	model    string
	http     *http.Client
	logger   *zap.Logger
}

// NewClient creates a client. An empty endpoint means api.openai.com.
func NewClient(id, endpoint, apiKey, model string, logger *zap.Logger) *Client {
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}
	return &Client{
		id:       id,
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		http:     &http.Client{Timeout: 120 * time.Second},
		logger:   logger,
	}
}

func (c *Client) ID() string           { return c.id }
func (c *Client) DefaultModel() string { return c.model }

// Chat sends a non-streaming chat completion request.
func (c *Client) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(raw))
	}

	choice := gjson.GetBytes(raw, "choices.0")
	if !choice.Exists() {
		return nil, ErrEmptyResponse
	}
	out := &ChatResponse{
		ID:           gjson.GetBytes(raw, "id").String(),
		Model:        gjson.GetBytes(raw, "model").String(),
		Content:      choice.Get("message.content").String(),
		FinishReason: choice.Get("finish_reason").String(),
		TotalTokens:  int(gjson.GetBytes(raw, "usage.total_tokens").Int()),
	}
	c.logger.Debug("chat completed",
		zap.String("provider", c.id),
		zap.String("model", out.Model),
		zap.Int("tokens", out.TotalTokens))
	return out, nil
}
