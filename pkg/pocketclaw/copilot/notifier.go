package copilot

import (
	"context"
	"log/slog"
)

// Notifier pushes a message to an identity outside of a turn (approval
// prompts, scheduled digests).
type Notifier interface {
	Notify(ctx context.Context, identity, text string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, identity, text string) error

func (f NotifierFunc) Notify(ctx context.Context, identity, text string) error {
	return f(ctx, identity, text)
}

// LogNotifier only logs. It is used when no bridge is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, identity, text string) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("outbound message (no bridge configured)", "identity", identity, "chars", len(text))
	return nil
}

// ApprovalNotify adapts a Notifier to the gate's approval prompt callback.
func ApprovalNotify(n Notifier, logger *slog.Logger) func(ctx context.Context, identity, message string) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, identity, message string) {
		if err := n.Notify(ctx, identity, message); err != nil {
			logger.Warn("failed to deliver approval prompt", "identity", identity, "error", err)
		}
	}
}
