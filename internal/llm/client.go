package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Config holds settings for the HTTP client.
type Config struct {
	APIKey           string
	BaseURL          string
	Model            string
	Timeout          time.Duration
	MaxRetries       int
	RetryBackoffBase time.Duration
	RateLimitDelay   time.Duration
}

// DefaultConfig returns sensible defaults for an OpenAI-compatible endpoint.
func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey:           apiKey,
		BaseURL:          "https://api.openai.com/v1",
		Model:            "gpt-4o",
		Timeout:          120 * time.Second,
		MaxRetries:       3,
		RetryBackoffBase: time.Second,
		RateLimitDelay:   600 * time.Millisecond,
	}
}

// HTTPClient implements Client against any OpenAI-compatible
// chat-completions endpoint.
type HTTPClient struct {
	apiKey           string
	baseURL          string
	model            string
	httpClient       *http.Client
	maxRetries       int
	retryBackoffBase time.Duration
	rateLimitDelay   time.Duration

	mu          sync.Mutex
	lastRequest time.Time
}

// NewHTTPClient creates a client from config, filling zero fields with
// defaults.
func NewHTTPClient(cfg Config) *HTTPClient {
	def := DefaultConfig(cfg.APIKey)
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryBackoffBase == 0 {
		cfg.RetryBackoffBase = def.RetryBackoffBase
	}
	if cfg.RateLimitDelay == 0 {
		cfg.RateLimitDelay = def.RateLimitDelay
	}
	return &HTTPClient{
		apiKey:           cfg.APIKey,
		baseURL:          strings.TrimRight(cfg.BaseURL, "/"),
		model:            cfg.Model,
		httpClient:       &http.Client{Timeout: cfg.Timeout},
		maxRetries:       cfg.MaxRetries,
		retryBackoffBase: cfg.RetryBackoffBase,
		rateLimitDelay:   cfg.RateLimitDelay,
	}
}

// Model returns the configured model identifier.
func (c *HTTPClient) Model() string { return c.model }

// Wire structures for the chat-completions API.

type wireRequest struct {
	Model          string          `json:"model"`
	Messages       []wireMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type wireTextPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wireImagePart struct {
	Type     string       `json:"type"`
	ImageURL wireImageURL `json:"image_url"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

type wireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// encodeMessage converts a Message to wire form. Plain-text messages stay a
// string; multimodal parts become the content-array form. File references
// have no portable wire type across providers, so they degrade to a labelled
// text part the model can still reason about.
func encodeMessage(m Message) wireMessage {
	if len(m.Parts) == 0 {
		return wireMessage{Role: m.Role, Content: m.Content}
	}
	parts := make([]any, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case PartImageURL:
			parts = append(parts, wireImagePart{Type: "image_url", ImageURL: wireImageURL{URL: p.URL}})
		case PartFileURL:
			parts = append(parts, wireTextPart{Type: "text", Text: fmt.Sprintf("[attached file: %s]", p.URL)})
		default:
			parts = append(parts, wireTextPart{Type: "text", Text: p.Text})
		}
	}
	return wireMessage{Role: m.Role, Content: parts}
}

// Invoke sends the request, retrying rate-limited and transport failures
// with exponential backoff.
func (c *HTTPClient) Invoke(ctx context.Context, req Request) (*Response, error) {
	if c.apiKey == "" {
		return nil, invocationErr(0, "API key not configured")
	}

	// Minimum spacing between requests across goroutines.
	c.mu.Lock()
	if elapsed := time.Since(c.lastRequest); elapsed < c.rateLimitDelay {
		time.Sleep(c.rateLimitDelay - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()

	wireMsgs := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		wireMsgs = append(wireMsgs, encodeMessage(m))
	}
	body := wireRequest{
		Model:          c.model,
		Messages:       wireMsgs,
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
		ResponseFormat: req.ResponseFormat,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &InvocationError{Message: "failed to marshal request", Err: err}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.retryBackoffBase * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, &InvocationError{Message: "context cancelled during retry", Err: ctx.Err()}
			}
		}

		resp, err := c.doOnce(ctx, payload, req.ResponseFormat != nil)
		if err == nil {
			return resp, nil
		}
		// Only rate limiting and transport failures are retryable.
		if isRetryable(err) {
			lastErr = err
			continue
		}
		return nil, err
	}
	return nil, &InvocationError{Message: "max retries exceeded", Err: lastErr}
}

func isRetryable(err error) bool {
	var ie *InvocationError
	if !errors.As(err, &ie) {
		return false
	}
	if ie.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return ie.StatusCode == 0 && ie.Err != nil
}

func (c *HTTPClient) doOnce(ctx context.Context, payload []byte, wantsSchema bool) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, &InvocationError{Message: "failed to create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &InvocationError{Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &InvocationError{Message: "failed to read response", Err: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, invocationErr(resp.StatusCode, "rate limit exceeded")
	}
	if resp.StatusCode != http.StatusOK {
		// A 400 complaining about response_format means the provider cannot
		// honor the schema contract; the structured caller falls back to
		// prompt-level enforcement.
		if wantsSchema && resp.StatusCode == http.StatusBadRequest && strings.Contains(string(raw), "response_format") {
			return nil, fmt.Errorf("%w: %s", ErrSchemaUnsupported, strings.TrimSpace(string(raw)))
		}
		return nil, invocationErr(resp.StatusCode, "%s", strings.TrimSpace(string(raw)))
	}

	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, &InvocationError{Message: "failed to parse response", Err: err}
	}
	if wire.Error != nil {
		return nil, invocationErr(0, "API error: %s", wire.Error.Message)
	}
	if len(wire.Choices) == 0 {
		return nil, invocationErr(0, "no completion returned")
	}

	return &Response{
		Text:  strings.TrimSpace(wire.Choices[0].Message.Content),
		Model: wire.Model,
		Usage: wire.Usage,
	}, nil
}
