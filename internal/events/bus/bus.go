// Package bus provides publish/subscribe transport for run engine events
// with in-memory and NATS implementations.
package bus

import (
	"context"

	"github.com/vuhlp/vuhlp/internal/events"
)

// Handler processes one delivered event. Handlers for a given subscription
// run sequentially on that subscription's dispatch goroutine; a returned
// error is logged and delivery continues.
type Handler func(ctx context.Context, event *events.Event) error

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe removes the subscription.
	Unsubscribe() error
	// IsValid returns whether the subscription is still active.
	IsValid() bool
}

// EventBus fans events out to matching subscribers. Subjects follow NATS
// conventions: dot-separated tokens, * matches exactly one token, > matches
// one or more trailing tokens. Events are published on the subject returned
// by Event.Subject.
//
// A slow subscriber never blocks Publish: each subscription buffers a
// bounded number of events and replaces overflow with a single events.gap
// marker carrying the dropped count.
type EventBus interface {
	Publish(ctx context.Context, event *events.Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}
