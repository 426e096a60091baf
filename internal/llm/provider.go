// Package llm defines the request/response LLM client contract and its
// provider implementations. Streaming token output to end users is out of
// scope: the run engine always wants one full completion to parse as a
// RunCommand, never a partial one.
package llm

import (
	"context"

	"github.com/haasonsaas/conductor/pkg/models"
)

// Provider is a single LLM backend (Anthropic, OpenAI, Bedrock, ...).
//
// Implementations must be safe for concurrent use: the run engine may call
// Complete from many goroutines at once, one per in-flight run.
type Provider interface {
	// Complete sends a prompt and blocks until the full response text (or
	// an error) is available.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider name, used in logs and circuit-breaker
	// state keys.
	Name() string

	// Models returns the models this provider can serve.
	Models() []Model

	// SupportsTools reports whether this provider can be handed tool
	// definitions for function calling.
	SupportsTools() bool
}

// CompletionRequest contains all parameters for one completion call.
type CompletionRequest struct {
	// Model selects which model to use; if empty the provider's default
	// applies.
	Model string `json:"model"`

	// System is the system prompt.
	System string `json:"system,omitempty"`

	// Messages is the conversation history in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Temperature controls sampling randomness.
	Temperature float64 `json:"temperature,omitempty"`

	// MaxTokens limits the generated response length.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Timeout bounds this single call; zero means the provider's own
	// default applies. The run engine always sets this explicitly per
	// the per-call timeout requirement.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// CompletionMessage is one turn of conversation handed to the model.
// Role values: "user", "assistant", "tool".
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
	Attachments []Attachment        `json:"attachments,omitempty"`
}

// Attachment is an image or file handed to a vision-capable model.
type Attachment struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
}

// CompletionResponse is the full result of one Complete call.
type CompletionResponse struct {
	// Text is the model's full response text.
	Text string `json:"text"`

	// InputTokens and OutputTokens report usage for cost accounting.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`

	// StopReason is the provider's reason the response ended
	// ("end_turn", "max_tokens", ...).
	StopReason string `json:"stop_reason,omitempty"`
}

// Model describes an available model and its capabilities.
type Model struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ContextSize    int    `json:"context_size"`
	SupportsVision bool   `json:"supports_vision"`
}
