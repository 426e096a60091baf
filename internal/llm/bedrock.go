package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// BedrockProvider implements Provider against AWS Bedrock's Converse API.
// It can be appended to a FailoverOrchestrator with AddProvider; the
// wiring in cmd/conductor does not construct it, so the chain built there
// holds only Anthropic and OpenAI.
type BedrockProvider struct {
	client       *bedrockruntime.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// BedrockConfig configures a BedrockProvider.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
	MaxRetries      int
	RetryDelay      time.Duration
}

// NewBedrockProvider builds the AWS SDK client and returns a ready provider.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-sonnet-20240229-v1:0"
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken,
		)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}

	return &BedrockProvider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

func (p *BedrockProvider) Name() string { return "bedrock" }

func (p *BedrockProvider) Models() []Model {
	return []Model{
		{ID: "anthropic.claude-3-sonnet-20240229-v1:0", Name: "Claude 3 Sonnet (Bedrock)", ContextSize: 200000, SupportsVision: true},
		{ID: "anthropic.claude-3-haiku-20240307-v1:0", Name: "Claude 3 Haiku (Bedrock)", ContextSize: 200000, SupportsVision: true},
	}
}

func (p *BedrockProvider) SupportsTools() bool { return false }

// Complete sends one non-streaming Converse request, retrying retryable
// errors with exponential backoff.
func (p *BedrockProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: p.convertMessages(req.Messages),
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if req.MaxTokens > 0 {
		input.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(req.MaxTokens))}
	}

	var lastErr error
	backoff := p.retryDelay
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		out, err := p.client.Converse(ctx, input)
		if err == nil {
			return p.toResponse(out), nil
		}
		lastErr = fmt.Errorf("bedrock(%s): %w", model, err)
		if !p.isRetryableError(err) {
			return nil, lastErr
		}
		if attempt >= p.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("bedrock: max retries exceeded: %w", lastErr)
}

func (p *BedrockProvider) toResponse(out *bedrockruntime.ConverseOutput) *CompletionResponse {
	resp := &CompletionResponse{StopReason: string(out.StopReason)}
	if out.Usage != nil {
		resp.InputTokens = int(aws.ToInt32(out.Usage.InputTokens))
		resp.OutputTokens = int(aws.ToInt32(out.Usage.OutputTokens))
	}
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return resp
	}
	var text strings.Builder
	for _, block := range msg.Value.Content {
		if tb, ok := block.(*types.ContentBlockMemberText); ok {
			text.WriteString(tb.Value)
		}
	}
	resp.Text = text.String()
	return resp
}

func (p *BedrockProvider) convertMessages(messages []CompletionMessage) []types.Message {
	var result []types.Message
	for _, msg := range messages {
		if msg.Role == "system" || msg.Content == "" {
			continue
		}
		role := types.ConversationRoleUser
		if msg.Role == "assistant" {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: msg.Content}},
		})
	}
	return result
}

func (p *BedrockProvider) isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "throttl"), strings.Contains(msg, "rate"):
		return true
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "internal"):
		return true
	default:
		return false
	}
}
