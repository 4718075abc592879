package bus

import (
	"context"

	"go.uber.org/zap"

	"github.com/vuhlp/vuhlp/internal/common/logger"
	"github.com/vuhlp/vuhlp/internal/events"
	"github.com/vuhlp/vuhlp/internal/events/eventlog"
)

// DurableBus appends every published event to the per-run event log before
// fanning it out, so a logged event always has exactly one preceding live
// publish. A log write failure is logged and fan-out proceeds anyway; the
// next publish retries the (re-opened) file.
type DurableBus struct {
	inner  EventBus
	log    *eventlog.Log
	logger *logger.Logger
}

// NewDurableBus wraps inner with durable append semantics.
func NewDurableBus(inner EventBus, log *eventlog.Log, lg *logger.Logger) *DurableBus {
	return &DurableBus{
		inner:  inner,
		log:    log,
		logger: lg.WithFields(zap.String("component", "durable-bus")),
	}
}

// Publish appends to the run's events.jsonl (fsynced) and then fans out.
// Gap markers are synthesized per subscription and are never logged, so
// they bypass this method.
func (b *DurableBus) Publish(ctx context.Context, event *events.Event) error {
	if event.RunID != "" {
		if err := b.log.Append(event); err != nil {
			b.logger.Error("event log append failed; continuing with live publish",
				zap.String("run_id", event.RunID),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}
	return b.inner.Publish(ctx, event)
}

// Subscribe delegates to the wrapped bus.
func (b *DurableBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	return b.inner.Subscribe(subject, handler)
}

// Close closes the wrapped bus and the log files.
func (b *DurableBus) Close() {
	b.inner.Close()
	b.log.Close()
}

// IsConnected reports the wrapped bus's state.
func (b *DurableBus) IsConnected() bool {
	return b.inner.IsConnected()
}
