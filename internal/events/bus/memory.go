package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/vuhlp/vuhlp/internal/common/logger"
	"github.com/vuhlp/vuhlp/internal/events"
)

// subscriberBuffer bounds the per-subscription queue. When the queue is
// full, further events are dropped and summarized by one events.gap marker
// positioned after the last queued event.
const subscriberBuffer = 256

// MemoryEventBus implements EventBus for a single process.
type MemoryEventBus struct {
	subscriptions map[string][]*memorySubscription
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

// memorySubscription owns a bounded FIFO queue drained by one goroutine, so
// a subscriber sees events in publish order without ever blocking Publish.
type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // nil for exact-match subjects
	handler Handler

	mu         sync.Mutex
	cond       *sync.Cond
	queue      []*events.Event
	dropped    int
	droppedRun string // run id of the last dropped event
	active     bool
}

// push enqueues an event, dropping it when the queue is full. A pending
// drop count is materialized as a gap marker as soon as space frees up, so
// the marker lands exactly where events went missing.
func (s *memorySubscription) push(event *events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return
	}
	if s.dropped > 0 && len(s.queue) < subscriberBuffer {
		s.queue = append(s.queue, events.NewGap(s.droppedRun, s.dropped))
		s.dropped = 0
	}
	if len(s.queue) >= subscriberBuffer {
		s.dropped++
		s.droppedRun = event.RunID
		return
	}
	s.queue = append(s.queue, event)
	s.cond.Signal()
}

// dispatch drains the queue until Unsubscribe or bus Close. A drop count
// left over after the queue empties is flushed as a gap marker so the
// subscriber learns about the loss even when no further events arrive.
func (s *memorySubscription) dispatch() {
	ctx := context.Background()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && s.dropped == 0 && s.active {
			s.cond.Wait()
		}
		var event *events.Event
		switch {
		case len(s.queue) > 0:
			event = s.queue[0]
			s.queue = s.queue[1:]
		case s.dropped > 0:
			event = events.NewGap(s.droppedRun, s.dropped)
			s.dropped = 0
		default:
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if err := s.handler(ctx, event); err != nil {
			s.bus.logger.Error("Event handler error",
				zap.String("subject", s.subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}
}

// Unsubscribe removes the subscription and stops its dispatch goroutine
// after the queued events are delivered.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.cond.Signal()
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if subs, ok := s.bus.subscriptions[s.subject]; ok {
		for i, sub := range subs {
			if sub == s {
				s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryEventBus creates a new in-memory event bus
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log,
	}
}

// Publish enqueues the event on every matching subscription. It never
// blocks on slow subscribers.
func (b *MemoryEventBus) Publish(ctx context.Context, event *events.Event) error {
	subject := event.Subject()

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for pattern, subs := range b.subscriptions {
		if len(subs) == 0 || !matches(subject, pattern, subs[0].pattern) {
			continue
		}
		for _, sub := range subs {
			sub.push(event)
		}
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))

	return nil
}

// Subscribe creates a subscription to a subject pattern
func (b *MemoryEventBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	pattern, err := compilePattern(subject)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: pattern,
		handler: handler,
		active:  true,
	}
	sub.cond = sync.NewCond(&sub.mu)
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	go sub.dispatch()

	b.logger.Debug("Subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// Close deactivates all subscriptions and rejects further use.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.cond.Signal()
			sub.mu.Unlock()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)

	b.logger.Info("Memory event bus closed")
}

// IsConnected returns true until the bus is closed.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// matches checks if a subject matches a pattern.
// Supports NATS-style wildcards: * (single token) and > (multiple tokens).
func matches(subject, pattern string, regex *regexp.Regexp) bool {
	if regex == nil {
		return subject == pattern
	}
	return regex.MatchString(subject)
}

// compilePattern converts a NATS-style pattern to a regexp, token by token.
// Exact-match subjects compile to nil so Publish can compare strings.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil, nil
	}

	tokens := strings.Split(pattern, ".")
	parts := make([]string, 0, len(tokens))
	for i, token := range tokens {
		switch token {
		case "*":
			parts = append(parts, `[^.]+`)
		case ">":
			if i != len(tokens)-1 {
				return nil, fmt.Errorf("invalid subject %q: '>' must be the last token", pattern)
			}
			parts = append(parts, `.+`)
		default:
			parts = append(parts, regexp.QuoteMeta(token))
		}
	}

	return regexp.Compile(`^` + strings.Join(parts, `\.`) + `$`)
}
