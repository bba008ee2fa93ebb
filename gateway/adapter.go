package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semcontrol/workflow"
)

// DefaultPollInterval is the fixed interval between reply checks.
const DefaultPollInterval = 2 * time.Second

// Strategy is one way of reading the latest assistant reply for a session.
// Implementations return ErrNoReply while the reply is pending.
type Strategy interface {
	Name() string
	FetchLatestAssistantTurn(ctx context.Context, sessionKey string) (Reply, error)
}

// Sender delivers a message into a runtime session.
type Sender interface {
	Send(ctx context.Context, sessionKey, message, idempotencyKey string) error
}

// Adapter is the conversational transport: send a message, then wait for
// the agent's reply by polling an ordered chain of strategies. The first
// strategy that yields an accepted reply wins.
type Adapter struct {
	sender       Sender
	strategies   []Strategy
	pollInterval time.Duration
	nudges       <-chan struct{}
	logger       *slog.Logger
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		if d > 0 {
			a.pollInterval = d
		}
	}
}

// WithNudges supplies a channel that triggers an immediate check between
// polls, typically fed by a TranscriptWatcher.
func WithNudges(ch <-chan struct{}) AdapterOption {
	return func(a *Adapter) {
		a.nudges = ch
	}
}

// WithAdapterLogger sets the logger.
func WithAdapterLogger(logger *slog.Logger) AdapterOption {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// NewAdapter creates an adapter. Strategies are tried in the order given.
func NewAdapter(sender Sender, strategies []Strategy, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		sender:       sender,
		strategies:   strategies,
		pollInterval: DefaultPollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Send delivers a message. Errors are TransportErrors.
func (a *Adapter) Send(ctx context.Context, sessionKey, message, idempotencyKey string) error {
	return a.sender.Send(ctx, sessionKey, message, idempotencyKey)
}

// Observe returns the reply currently visible for a session, or a zero
// Reply when none is. Callers take it before sending so that AwaitReplyAfter
// ignores a reply that predates the send.
func (a *Adapter) Observe(ctx context.Context, sessionKey string) Reply {
	reply, err := a.fetch(ctx, sessionKey)
	if err != nil {
		return Reply{}
	}
	return reply
}

// AwaitReply blocks until the session has an accepted assistant reply or
// the timeout elapses.
func (a *Adapter) AwaitReply(ctx context.Context, sessionKey string, timeout time.Duration) (string, error) {
	return a.AwaitReplyAfter(ctx, sessionKey, timeout, Reply{})
}

// AwaitReplyAfter is AwaitReply that skips any reply identical to baseline.
// It fails with a workflow Timeout when the deadline passes and returns the
// context error if ctx is cancelled first.
func (a *Adapter) AwaitReplyAfter(ctx context.Context, sessionKey string, timeout time.Duration, baseline Reply) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	started := time.Now()
	polls := 0
	for {
		polls++
		reply, err := a.fetch(ctx, sessionKey)
		if err == nil && !reply.sameAs(baseline) {
			a.logger.Debug("Received agent reply",
				"session_key", sessionKey,
				"source", reply.Source,
				"polls", polls,
				"waited", time.Since(started))
			return reply.Text, nil
		}
		if err != nil && !errors.Is(err, ErrNoReply) {
			a.logger.Debug("Reply check failed", "session_key", sessionKey, "error", err)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", workflow.NewTimeout(
				fmt.Sprintf("no reply for session %s within %s", sessionKey, timeout), nil)
		case <-ticker.C:
		case <-a.nudges:
		}
	}
}

// fetch runs the strategy chain. ErrNoReply is returned only when every
// strategy reports a pending reply; otherwise the last real error is kept.
func (a *Adapter) fetch(ctx context.Context, sessionKey string) (Reply, error) {
	var lastErr error = ErrNoReply
	for _, s := range a.strategies {
		reply, err := s.FetchLatestAssistantTurn(ctx, sessionKey)
		if err == nil {
			return reply, nil
		}
		if !errors.Is(err, ErrNoReply) {
			lastErr = err
		}
	}
	return Reply{}, lastErr
}

// sameAs reports whether r is the same observation as other.
func (r Reply) sameAs(other Reply) bool {
	return r.Text == other.Text &&
		r.UserTurns == other.UserTurns &&
		r.AssistantTurns == other.AssistantTurns
}
