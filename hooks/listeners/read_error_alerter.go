package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/microsoft/psi-sub007/hooks"
)

// ReadErrorAlerterListener logs a warning whenever a stream cache is
// quarantined by a read or decode failure. Quarantined streams stop
// serving data until their binding is recreated, so surfacing them
// promptly matters.
type ReadErrorAlerterListener struct {
	logger *slog.Logger
}

// NewReadErrorAlerterListener creates a new listener for stream read failures.
func NewReadErrorAlerterListener(logger *slog.Logger) *ReadErrorAlerterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ReadErrorAlerterListener{
		logger: logger.With("component", "ReadErrorAlerterListener"),
	}
}

// OnEvent handles the OnStreamReadError event.
func (l *ReadErrorAlerterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventOnStreamReadError {
		return nil
	}

	payload, ok := event.Payload().(hooks.StreamReadErrorPayload)
	if !ok {
		l.logger.Error("Received OnStreamReadError event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	l.logger.Warn("Stream quarantined by read failure",
		"store", payload.Store,
		"stream", payload.Stream,
		"error", payload.Err,
	)
	return nil
}

// Priority defines the execution order.
func (l *ReadErrorAlerterListener) Priority() int { return 100 }

// IsAsync indicates this listener can run in the background.
func (l *ReadErrorAlerterListener) IsAsync() bool { return true }
