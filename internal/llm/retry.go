package llm

import (
	"context"
	"errors"

	"github.com/ausmarton/agentforge/internal/backoff"
)

// RetryingChatClient wraps a ChatClient so transient transport failures
// (timeouts, connection resets, 5xx-shaped provider errors) are retried
// with exponential backoff before the failure reaches the planner, loop,
// or FallbackChatWrapper. Context cancellation and deadline errors are
// never retried — they mean the caller stopped waiting, not that the
// provider hiccuped.
type RetryingChatClient struct {
	inner       ChatClient
	policy      backoff.Policy
	maxAttempts int
}

// NewRetryingChatClient wraps inner with policy, retrying up to
// maxAttempts times (1 means "no retry", just the original call).
func NewRetryingChatClient(inner ChatClient, policy backoff.Policy, maxAttempts int) *RetryingChatClient {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetryingChatClient{inner: inner, policy: policy, maxAttempts: maxAttempts}
}

func (c *RetryingChatClient) Name() string { return c.inner.Name() }

func (c *RetryingChatClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	resp, err := backoff.Retry(ctx, c.policy, c.maxAttempts, isRetryable, func(int) (*ChatResponse, error) {
		return c.inner.Chat(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func isRetryable(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
