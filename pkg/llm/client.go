// Package llm wraps an OpenAI-compatible chat-completion endpoint. It owns
// transport, authentication headers and transport-level retry; conversation
// semantics (history, personas, error apologies) live in pkg/platform.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"WeRelay/pkg/logger"
	"WeRelay/pkg/utils"

	"github.com/cenkalti/backoff/v4"
	"github.com/teilomillet/gollm"
)

// permanentError marks an error as non-retryable for the backoff loop.
func permanentError(err error) error {
	return backoff.Permanent(err)
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest represents a chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

// ChatResponse represents a chat completion response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice represents a response choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Client handles communication with the chat-completion API.
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	provider    string
	temperature *float64
	maxTokens   *int
	gollmLLM    gollm.LLM // optional gollm instance for simple probe queries
	httpClient  *http.Client
	retry       utils.RetryConfig
}

// NewClient creates a chat-completion client. providerName may be empty,
// in which case it is inferred from the model name.
func NewClient(baseURL, apiKey, model, providerName string, temperature *float64, maxTokens *int) *Client {
	mapped := mapProviderName(providerName, model)

	// Non-critical: if gollm rejects the key format (common for
	// OpenAI-compatible third-party endpoints) everything goes through
	// direct HTTP instead.
	g, _ := newGollmInstance(baseURL, apiKey, model, mapped)

	return &Client{
		baseURL:     baseURL,
		apiKey:      apiKey,
		model:       model,
		provider:    mapped,
		temperature: temperature,
		maxTokens:   maxTokens,
		gollmLLM:    g,
		// No Timeout on the http.Client: completions can legitimately take
		// minutes. Cancellation is handled via request context, and the
		// bounded retry loop caps how long a dead endpoint is re-attempted.
		httpClient: &http.Client{},
		retry:      utils.DefaultRetryConfig(),
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// ProviderName returns the canonical provider name.
func (c *Client) ProviderName() string { return c.provider }

// Chat sends a chat completion request with the configured parameters.
// Transport-level failures (connection errors, 429, 5xx) are retried with
// exponential backoff; API errors carry the server's message so callers can
// classify them.
func (c *Client) Chat(ctx context.Context, messages []Message) (*ChatResponse, error) {
	reqBody := ChatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Stream:      false,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if err := utils.GetRateLimiter("llm_direct").Wait(ctx); err != nil {
		return nil, err
	}

	var chatResp *ChatResponse
	operation := func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewBuffer(jsonData))
		if reqErr != nil {
			return fmt.Errorf("failed to create request: %w", reqErr)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, doErr := c.httpClient.Do(req)
		if doErr != nil {
			return fmt.Errorf("failed to send request: %w", doErr)
		}
		defer resp.Body.Close()

		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("failed to read response: %w", readErr)
		}

		if resp.StatusCode != http.StatusOK {
			apiErr := ParseAPIError(resp.StatusCode, body)
			if utils.IsRetryableStatus(resp.StatusCode) {
				return apiErr
			}
			// Non-retryable API errors must abort the backoff loop.
			return permanentError(apiErr)
		}

		var parsed ChatResponse
		if parseErr := json.Unmarshal(body, &parsed); parseErr != nil {
			return permanentError(fmt.Errorf("failed to parse response: %w", parseErr))
		}
		chatResp = &parsed
		return nil
	}

	if retryErr := utils.ExecuteWithRetryContext(ctx, operation, c.retry); retryErr != nil {
		logger.Debugf("llm: chat request failed: %v", utils.SanitizeLog(retryErr.Error()))
		return nil, retryErr
	}
	return chatResp, nil
}

// SimpleQuery sends a one-shot prompt and returns the reply text. Prefers
// the gollm instance when one was constructed; otherwise goes through Chat.
func (c *Client) SimpleQuery(ctx context.Context, prompt string) (string, error) {
	if c.gollmLLM != nil {
		reply, err := c.gollmLLM.Generate(ctx, gollm.NewPrompt(prompt))
		if err == nil {
			return reply, nil
		}
		logger.Debugf("llm: gollm query failed, falling back to HTTP: %v", err)
	}

	resp, err := c.Chat(ctx, []Message{{Role: "user", Content: prompt}})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) endpoint() string {
	return strings.TrimRight(c.baseURL, "/") + "/chat/completions"
}

// ParseAPIError extracts a clean error message from an API error response
// body. The server-provided message is preserved verbatim (truncated) so the
// adapter's substring classification sees it.
func ParseAPIError(statusCode int, body []byte) error {
	var errBody struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if json.Unmarshal(body, &errBody) == nil {
		if errBody.Error.Message != "" {
			msg := truncate(errBody.Error.Message, 300)
			if errBody.Error.Type != "" {
				return fmt.Errorf("API error %d [%s]: %s", statusCode, errBody.Error.Type, msg)
			}
			return fmt.Errorf("API error %d: %s", statusCode, msg)
		}
		if errBody.Message != "" {
			return fmt.Errorf("API error %d: %s", statusCode, truncate(errBody.Message, 300))
		}
	}
	return fmt.Errorf("API error %d: %s", statusCode, truncate(strings.TrimSpace(string(body)), 300))
}

// truncate shortens s to at most n runes, never splitting a multi-byte
// character (server error messages are often Chinese).
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
