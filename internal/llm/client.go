package llm

import (
	"context"
	"fmt"
)

// Client is the primary+fallback LLM client the run engine and memory
// writer call against. It wraps a Provider (typically a
// FailoverOrchestrator chaining Anthropic -> OpenAI) with a
// retry-on-invalid-output loop: callers hand it a parse function, and
// Client keeps asking the model to try again (feeding the parse error back
// as a corrective user turn) until it gets a value that parses or retries
// are exhausted.
type Client struct {
	provider Provider
}

// NewClient wraps a Provider (usually a *FailoverOrchestrator).
func NewClient(provider Provider) *Client {
	return &Client{provider: provider}
}

// Complete is a thin passthrough to the underlying provider, for callers
// that don't need the retry-until-parses behavior of CompleteJSON.
func (c *Client) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	return c.provider.Complete(ctx, req)
}

// ParseFunc validates and decodes raw completion text. A non-nil error is
// treated as a retryable parse failure.
type ParseFunc func(text string) (any, error)

// CompleteJSON calls Complete, and on a parse failure appends the model's
// bad output plus the parse error as a corrective turn and retries, up to
// maxRetries times. This is the run engine's json_retry budget (spec's
// runMaxJsonRetries) expressed as a client-level loop so every caller gets
// the same retry contract.
func (c *Client) CompleteJSON(ctx context.Context, req *CompletionRequest, parse ParseFunc, maxRetries int) (any, *CompletionResponse, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}

	messages := append([]CompletionMessage(nil), req.Messages...)
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		attemptReq := *req
		attemptReq.Messages = messages

		resp, err := c.provider.Complete(ctx, &attemptReq)
		if err != nil {
			return nil, nil, fmt.Errorf("llm completion failed: %w", err)
		}

		value, parseErr := parse(resp.Text)
		if parseErr == nil {
			return value, resp, nil
		}
		lastErr = parseErr

		if attempt >= maxRetries {
			break
		}

		messages = append(messages,
			CompletionMessage{Role: "assistant", Content: resp.Text},
			CompletionMessage{Role: "user", Content: fmt.Sprintf(
				"That response could not be parsed: %s. Reply again with only the corrected JSON object.",
				parseErr,
			)},
		)
	}

	return nil, nil, fmt.Errorf("exhausted %d retries parsing completion: %w", maxRetries, lastErr)
}
