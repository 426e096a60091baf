package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider implements Provider against Anthropic's Messages API.
// Tool calling is not wired through Anthropic's native tool-use blocks: the
// run engine's protocol is a single JSON command per turn embedded in the
// assistant's plain text, so every call here is non-streaming request in,
// full text out.
type AnthropicProvider struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewAnthropicProvider validates config and returns a ready-to-use provider.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Models() []Model {
	return []Model{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", ContextSize: 200000, SupportsVision: true},
		{ID: "claude-3-haiku-20240307", Name: "Claude 3 Haiku", ContextSize: 200000, SupportsVision: true},
	}
}

func (p *AnthropicProvider) SupportsTools() bool { return false }

// Complete sends one non-streaming Messages.New request, retrying
// retryable errors with exponential backoff before giving up.
func (p *AnthropicProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	model := p.getModel(req.Model)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  p.convertMessages(req.Messages),
		MaxTokens: int64(p.getMaxTokens(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	var lastErr error
	backoff := p.retryDelay
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		msg, err := p.client.Messages.New(ctx, params)
		if err == nil {
			return p.toResponse(msg), nil
		}

		lastErr = p.wrapError(err, model)
		if !p.isRetryableError(lastErr) {
			return nil, lastErr
		}
		if attempt >= p.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
			backoff = time.Duration(math.Min(float64(backoff*2), float64(30*time.Second)))
		}
	}
	return nil, fmt.Errorf("anthropic: max retries exceeded: %w", lastErr)
}

func (p *AnthropicProvider) toResponse(msg *anthropic.Message) *CompletionResponse {
	var text strings.Builder
	for _, block := range msg.Content {
		if tb := block.AsText(); tb.Text != "" {
			text.WriteString(tb.Text)
		}
	}
	return &CompletionResponse{
		Text:         text.String(),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		StopReason:   string(msg.StopReason),
	}
}

func (p *AnthropicProvider) convertMessages(messages []CompletionMessage) []anthropic.MessageParam {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}
		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		var message anthropic.MessageParam
		if msg.Role == "assistant" {
			message = anthropic.NewAssistantMessage(content...)
		} else {
			message = anthropic.NewUserMessage(content...)
		}
		result = append(result, message)
	}
	return result
}

func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *AnthropicProvider) getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

func (p *AnthropicProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate_limit"), strings.Contains(msg, "429"), strings.Contains(msg, "too many requests"):
		return true
	case strings.Contains(msg, "500"), strings.Contains(msg, "502"), strings.Contains(msg, "503"), strings.Contains(msg, "504"):
		return true
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return true
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "connection refused"):
		return true
	default:
		return false
	}
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("anthropic(%s): status %d: %w", model, apiErr.StatusCode, err)
	}
	return fmt.Errorf("anthropic(%s): %w", model, err)
}
