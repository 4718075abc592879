// Package ident provides unique identifiers and monotonic wall-clock
// timestamps for entities and events.
package ident

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// New returns a unique identifier for an entity.
func New() string {
	return uuid.NewString()
}

// NewEventID returns a time-ordered unique identifier for an event.
// UUIDv7 ids sort lexicographically by creation time, which keeps event ids
// monotonic per connection.
func NewEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Clock supplies timestamps. Implementations must return strictly
// increasing values so that event ordering ties are broken by call order.
type Clock interface {
	Now() time.Time
}

// MonotonicClock returns UTC wall-clock timestamps, nudging forward on ties.
type MonotonicClock struct {
	mu   sync.Mutex
	last time.Time
}

// NewClock returns a MonotonicClock.
func NewClock() *MonotonicClock {
	return &MonotonicClock{}
}

// Now returns the current UTC time, strictly greater than any previous return.
func (c *MonotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	if !now.After(c.last) {
		now = c.last.Add(time.Microsecond)
	}
	c.last = now
	return now
}

// Timestamp formats t the way events are serialized (ISO-8601 UTC).
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
