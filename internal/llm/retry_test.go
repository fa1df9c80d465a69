package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ausmarton/agentforge/internal/backoff"
)

type flakyClient struct {
	failUntil int
	calls     int
}

func (c *flakyClient) Name() string { return "flaky" }

func (c *flakyClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	c.calls++
	if c.calls < c.failUntil {
		return nil, errors.New("connection reset")
	}
	return &ChatResponse{Content: "ok"}, nil
}

func fastPolicy() backoff.Policy {
	return backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1, Jitter: 0}
}

func TestRetryingChatClient_RetriesTransientFailures(t *testing.T) {
	inner := &flakyClient{failUntil: 3}
	c := NewRetryingChatClient(inner, fastPolicy(), 5)

	resp, err := c.Chat(context.Background(), &ChatRequest{})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Content)
	require.Equal(t, 3, inner.calls)
}

func TestRetryingChatClient_GivesUpAfterMaxAttempts(t *testing.T) {
	inner := &flakyClient{failUntil: 100}
	c := NewRetryingChatClient(inner, fastPolicy(), 2)

	_, err := c.Chat(context.Background(), &ChatRequest{})
	require.Error(t, err)
	require.Equal(t, 2, inner.calls)
}

func TestRetryingChatClient_DoesNotRetryContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inner := &cancelingClient{cancel: cancel}
	c := NewRetryingChatClient(inner, fastPolicy(), 5)

	_, err := c.Chat(ctx, &ChatRequest{})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, inner.calls)
}

type cancelingClient struct {
	cancel context.CancelFunc
	calls  int
}

func (c *cancelingClient) Name() string { return "canceling" }

func (c *cancelingClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	c.calls++
	c.cancel()
	return nil, context.Canceled
}

func TestRetryingChatClient_Name(t *testing.T) {
	c := NewRetryingChatClient(&flakyClient{}, fastPolicy(), 1)
	require.Equal(t, "flaky", c.Name())
}
