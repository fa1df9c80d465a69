package llm

import (
	"context"
	"fmt"
	"strings"
)

// EscalationPolicy decides when a FallbackChatWrapper hands a turn to
// its cloud client instead of answering from local.
type EscalationPolicy string

const (
	// EscalateNoToolCalls escalates only when the local model returns
	// plain text despite being given tools (a likely refusal to engage
	// with the tool-calling protocol).
	EscalateNoToolCalls EscalationPolicy = "no_tool_calls"
	// EscalateMalformedArgs escalates when a tool call's arguments
	// failed to parse as JSON (caught via the _raw fallback wrapper).
	EscalateMalformedArgs EscalationPolicy = "malformed_args"
	// EscalateAlways queries local first and then always re-issues the
	// turn to the cloud client, returning the cloud answer (or the local
	// one if the cloud call fails); useful for forcing a specific model
	// tier from config.
	EscalateAlways EscalationPolicy = "always"
)

// EscalationObserver is notified each time a turn escalates, so the
// tool loop can emit a cloud_fallback event without this package
// depending on the run repository. It receives both model names
// (local.Name(), cloud.Name()) alongside the trigger reason.
type EscalationObserver func(reason, localModel, cloudModel string)

// contextKey is unexported so only this package can set escalationSinkKey.
type contextKey int

const escalationSinkKey contextKey = 0

// EscalationSink is the same shape as EscalationObserver but attached
// per call rather than at construction time, so a shared
// FallbackChatWrapper (one per process) can still route each
// escalation to the runlog of whichever run is actually in flight.
type EscalationSink func(reason, localModel, cloudModel string)

// WithEscalationSink attaches sink to ctx. The tool loop calls this
// once per step, before invoking Chat, so an escalation mid-step lands
// against that step's recorder instead of a process-wide observer.
func WithEscalationSink(ctx context.Context, sink EscalationSink) context.Context {
	return context.WithValue(ctx, escalationSinkKey, sink)
}

func escalationSinkFromContext(ctx context.Context) EscalationSink {
	sink, _ := ctx.Value(escalationSinkKey).(EscalationSink)
	return sink
}

// FallbackChatWrapper queries a local ChatClient first and re-issues
// the same request against a cloud ChatClient when the response
// matches the configured escalation policy. The cloud result is
// returned as-is; it is never itself escalated further.
type FallbackChatWrapper struct {
	local    ChatClient
	cloud    ChatClient
	policy   EscalationPolicy
	observer EscalationObserver
}

// NewFallbackChatWrapper builds a wrapper. cloud may be nil only when
// policy is never expected to trigger (e.g. a single-provider
// deployment); EscalateAlways with a nil cloud is a configuration
// error surfaced at call time, not construction time, since the
// policy is a runtime value read from config.
func NewFallbackChatWrapper(local, cloud ChatClient, policy EscalationPolicy, observer EscalationObserver) *FallbackChatWrapper {
	return &FallbackChatWrapper{local: local, cloud: cloud, policy: policy, observer: observer}
}

func (w *FallbackChatWrapper) Name() string {
	return "fallback:" + w.local.Name()
}

func (w *FallbackChatWrapper) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if w.policy == EscalateAlways && w.cloud == nil {
		return w.escalate(ctx, req, "policy=always")
	}

	resp, err := w.local.Chat(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return w.escalate(ctx, req, fmt.Sprintf("local error: %v", err))
	}

	reason, trigger := w.shouldEscalate(req, resp)
	if w.policy == EscalateAlways {
		reason, trigger = "policy=always", true
	}
	if trigger {
		escalated, escErr := w.escalate(ctx, req, reason)
		if escErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Cloud failed but local already produced a response: per
			// the fallback contract, silently keep the local answer
			// rather than surface the cloud error (and skip the
			// observer, since no fallback actually occurred).
			return resp, nil
		}
		return escalated, nil
	}
	return resp, nil
}

func (w *FallbackChatWrapper) shouldEscalate(req *ChatRequest, resp *ChatResponse) (string, bool) {
	switch w.policy {
	case EscalateNoToolCalls:
		if len(req.Tools) > 0 && !resp.HasToolCalls() && strings.TrimSpace(resp.Content) != "" {
			return "no_tool_calls", true
		}
	case EscalateMalformedArgs:
		for _, tc := range resp.ToolCalls {
			if hasRawArgsFallback(tc.Input) {
				return "malformed_args", true
			}
		}
	}
	return "", false
}

func (w *FallbackChatWrapper) escalate(ctx context.Context, req *ChatRequest, reason string) (*ChatResponse, error) {
	if w.cloud == nil {
		return nil, fmt.Errorf("fallback policy %q triggered (%s) but no cloud client is configured", w.policy, reason)
	}
	resp, err := w.cloud.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	localModel, cloudModel := w.local.Name(), w.cloud.Name()
	if w.observer != nil {
		w.observer(reason, localModel, cloudModel)
	}
	if sink := escalationSinkFromContext(ctx); sink != nil {
		sink(reason, localModel, cloudModel)
	}
	return resp, nil
}

func hasRawArgsFallback(input []byte) bool {
	return strings.Contains(string(input), `"_raw"`)
}
