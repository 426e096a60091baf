package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name    string
	calls   int
	errs    []error
	replies []string
}

func (f *fakeProvider) Name() string     { return f.name }
func (f *fakeProvider) Models() []Model  { return nil }
func (f *fakeProvider) SupportsTools() bool { return false }

func (f *fakeProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	idx := f.calls
	f.calls++
	if idx < len(f.errs) && f.errs[idx] != nil {
		return nil, f.errs[idx]
	}
	text := "ok"
	if idx < len(f.replies) {
		text = f.replies[idx]
	}
	return &CompletionResponse{Text: text}, nil
}

func TestFailoverFallsBackOnAuthError(t *testing.T) {
	primary := &fakeProvider{name: "primary", errs: []error{errors.New("401 unauthorized")}}
	secondary := &fakeProvider{name: "secondary", replies: []string{"from secondary"}}

	cfg := DefaultFailoverConfig()
	cfg.MaxRetries = 0
	orch := NewFailoverOrchestrator(primary, cfg)
	orch.AddProvider(secondary)

	resp, err := orch.Complete(context.Background(), &CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "from secondary", resp.Text)
}

func TestFailoverDoesNotFailoverOnInvalidRequest(t *testing.T) {
	primary := &fakeProvider{name: "primary", errs: []error{errors.New("400 bad request")}}
	secondary := &fakeProvider{name: "secondary", replies: []string{"should not reach here"}}

	cfg := DefaultFailoverConfig()
	cfg.MaxRetries = 0
	orch := NewFailoverOrchestrator(primary, cfg)
	orch.AddProvider(secondary)

	_, err := orch.Complete(context.Background(), &CompletionRequest{})
	assert.Error(t, err)
	assert.Equal(t, 0, secondary.calls)
}

func TestFailoverRetriesRetryableErrorBeforeFailover(t *testing.T) {
	primary := &fakeProvider{
		name:    "primary",
		errs:    []error{errors.New("503 service unavailable"), nil},
		replies: []string{"", "recovered"},
	}

	cfg := DefaultFailoverConfig()
	cfg.MaxRetries = 1
	cfg.RetryBackoff = 1 * time.Millisecond
	orch := NewFailoverOrchestrator(primary, cfg)

	resp, err := orch.Complete(context.Background(), &CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Text)
	assert.Equal(t, 2, primary.calls)
}

func TestFailoverCircuitBreakerSkipsTrippedProvider(t *testing.T) {
	primary := &fakeProvider{name: "primary", errs: []error{
		errors.New("401"), errors.New("401"), errors.New("401"),
	}}
	secondary := &fakeProvider{name: "secondary", replies: []string{"a", "b", "c"}}

	cfg := DefaultFailoverConfig()
	cfg.MaxRetries = 0
	cfg.CircuitBreakerThreshold = 2
	cfg.CircuitBreakerTimeout = time.Hour
	orch := NewFailoverOrchestrator(primary, cfg)
	orch.AddProvider(secondary)

	for i := 0; i < 3; i++ {
		_, err := orch.Complete(context.Background(), &CompletionRequest{})
		require.NoError(t, err)
	}

	states := orch.ProviderStates()
	var primaryState *ProviderState
	for i := range states {
		if states[i].Name == "primary" {
			primaryState = &states[i]
		}
	}
	require.NotNil(t, primaryState)
	assert.True(t, primaryState.CircuitOpen)
	assert.Equal(t, 3, secondary.calls)
}
