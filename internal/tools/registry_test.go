package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/conductor/internal/tools/policy"
)

func echoTool() *Tool {
	return &Tool{
		Name:             "echo",
		ShortDescription: "echoes its input back",
		Commands: []Command{
			{
				Name:       "say",
				ArgsSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
				Handler: func(ctx context.Context, tc ToolContext, args json.RawMessage) (json.RawMessage, error) {
					var in struct {
						Text string `json:"text"`
					}
					if err := json.Unmarshal(args, &in); err != nil {
						return nil, err
					}
					return json.Marshal(map[string]string{"echoed": in.Text})
				},
			},
		},
	}
}

func TestRegistryExecuteHappyPath(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool()))

	result, err := r.Execute(context.Background(), ToolContext{}, "echo", "say", json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.JSONEq(t, `{"echoed":"hi"}`, string(result.Result))
}

func TestRegistryExecuteRejectsBadArgs(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool()))

	result, err := r.Execute(context.Background(), ToolContext{}, "echo", "say", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "schema validation")
}

func TestRegistryExecuteUnknownToolIsError(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), ToolContext{}, "missing", "say", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestRegistryExecuteHandlerErrorBecomesFailure(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Tool{
		Name: "boom",
		Commands: []Command{{
			Name: "go",
			Handler: func(ctx context.Context, tc ToolContext, args json.RawMessage) (json.RawMessage, error) {
				return nil, assert.AnError
			},
		}},
	}))

	result, err := r.Execute(context.Background(), ToolContext{}, "boom", "go", nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestRegistryListAllowedFiltersByPolicy(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool()))
	require.NoError(t, r.Register(&Tool{Name: "exec", Commands: []Command{{Name: "run"}}}))

	resolver := policy.NewResolver()
	toolPolicy := &policy.Policy{Allow: []string{"echo"}}

	allowed := r.ListAllowed(resolver, toolPolicy)
	require.Len(t, allowed, 1)
	assert.Equal(t, "echo", allowed[0].Name)
}

func TestRegistryUnregisterRemovesTool(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool()))
	r.Unregister("echo")
	_, ok := r.Get("echo")
	assert.False(t, ok)
}
