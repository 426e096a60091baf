package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements Provider against OpenAI's chat completions API.
type OpenAIProvider struct {
	client     *openai.Client
	maxRetries int
	retryDelay time.Duration
}

// NewOpenAIProvider returns a provider for the given API key; an empty key
// yields a provider whose Complete always errors, so it can be constructed
// unconditionally and only used as a fallback when configured.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	p := &OpenAIProvider{maxRetries: 3, retryDelay: time.Second}
	if apiKey != "" {
		p.client = openai.NewClient(apiKey)
	}
	return p
}

// NewOpenAIProviderWithBaseURL is NewOpenAIProvider, but routed through
// baseURL instead of OpenAI's default endpoint -- for a gateway or a
// local-model proxy exposing an OpenAI-compatible API. An empty baseURL
// behaves exactly like NewOpenAIProvider.
func NewOpenAIProviderWithBaseURL(apiKey, baseURL string) *OpenAIProvider {
	if baseURL == "" {
		return NewOpenAIProvider(apiKey)
	}
	p := &OpenAIProvider{maxRetries: 3, retryDelay: time.Second}
	if apiKey != "" {
		cfg := openai.DefaultConfig(apiKey)
		cfg.BaseURL = baseURL
		p.client = openai.NewClientWithConfig(cfg)
	}
	return p
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Models() []Model {
	return []Model{
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextSize: 128000, SupportsVision: true},
		{ID: "gpt-4", Name: "GPT-4", ContextSize: 8192, SupportsVision: false},
	}
}

func (p *OpenAIProvider) SupportsTools() bool { return false }

// Complete sends one non-streaming chat completion request, retrying
// retryable errors with linear backoff.
func (p *OpenAIProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	if p.client == nil {
		return nil, errors.New("openai: API key not configured")
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: p.convertMessages(req.Messages, req.System),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}

	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}

		resp, err := p.client.CreateChatCompletion(ctx, chatReq)
		if err == nil {
			return p.toResponse(resp), nil
		}
		lastErr = err
		if !p.isRetryableError(err) {
			return nil, fmt.Errorf("openai: non-retryable error: %w", err)
		}
	}
	return nil, fmt.Errorf("openai: max retries exceeded: %w", lastErr)
}

func (p *OpenAIProvider) toResponse(resp openai.ChatCompletionResponse) *CompletionResponse {
	var text string
	var stopReason string
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
		stopReason = string(resp.Choices[0].FinishReason)
	}
	return &CompletionResponse{
		Text:         text,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		StopReason:   stopReason,
	}
}

func (p *OpenAIProvider) convertMessages(messages []CompletionMessage, system string) []openai.ChatCompletionMessage {
	var result []openai.ChatCompletionMessage
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, msg := range messages {
		role := msg.Role
		if role == "" {
			role = openai.ChatMessageRoleUser
		}
		result = append(result, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}
	return result
}

func (p *OpenAIProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"):
		return true
	case strings.Contains(msg, "500"), strings.Contains(msg, "502"), strings.Contains(msg, "503"), strings.Contains(msg, "504"):
		return true
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return true
	default:
		return false
	}
}
