// Package llm provides the model invoker: a minimal message model and an
// OpenAI-compatible chat-completions client. Higher layers only see the
// Client interface, so tests substitute scripted fakes.
package llm

import "context"

// Role values for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ContentPart kinds.
const (
	PartText     = "text"
	PartImageURL = "image_url"
	PartFileURL  = "file_url"
)

// ContentPart is one typed element of a multimodal message.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Message is a single chat message. Content carries plain text; Parts, when
// non-empty, carries typed multimodal content instead.
type Message struct {
	Role    string        `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`
}

// TextMessage builds a plain-text message.
func TextMessage(role, content string) Message {
	return Message{Role: role, Content: content}
}

// ResponseFormat requests a structured response contract from the provider.
// Type is "json_object" for basic JSON mode or "json_schema" for strict
// schema enforcement.
type ResponseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *JSONSchema `json:"json_schema,omitempty"`
}

// JSONSchema is the strict-mode schema envelope for providers that
// support the json_schema response format.
type JSONSchema struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

// Request is one completion call.
type Request struct {
	Messages       []Message
	MaxTokens      int
	Temperature    float64
	ResponseFormat *ResponseFormat
}

// Usage reports token accounting when the provider returns it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the flattened completion text plus usage.
type Response struct {
	Text  string
	Model string
	Usage Usage
}

// Client is the interface every model provider implements.
type Client interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}
