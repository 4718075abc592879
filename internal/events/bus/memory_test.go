package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vuhlp/vuhlp/internal/common/logger"
	"github.com/vuhlp/vuhlp/internal/events"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

// waitFor polls until the condition holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Timeout waiting for condition")
}

func TestNewMemoryEventBus(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)

	if bus == nil {
		t.Fatal("Expected non-nil bus")
	}
	if !bus.IsConnected() {
		t.Error("Expected bus to be connected")
	}
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *events.Event, 1)

	sub, err := bus.Subscribe("run.r1.run.patch", func(ctx context.Context, event *events.Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	event := events.New("r1", events.RunPatch, map[string]interface{}{"status": "running"})
	if err := bus.Publish(ctx, event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != event.ID {
			t.Errorf("Expected event ID %s, got %s", event.ID, e.ID)
		}
		if e.Type != event.Type {
			t.Errorf("Expected event type %s, got %s", event.Type, e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

func TestMemoryEventBus_MultipleSubscribers(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32

	for i := 0; i < 3; i++ {
		sub, err := bus.Subscribe("run.r1.node.patch", func(ctx context.Context, event *events.Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe %d failed: %v", i, err)
		}
		defer func() {
			_ = sub.Unsubscribe()
		}()
	}

	if err := bus.Publish(ctx, events.New("r1", events.NodePatch, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&count) == 3 })
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32

	sub, err := bus.Subscribe("run.r1.run.patch", func(ctx context.Context, event *events.Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := bus.Publish(ctx, events.New("r1", events.RunPatch, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&count) == 1 })

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after unsubscribe")
	}

	// Publish second event (should not be received)
	if err := bus.Publish(ctx, events.New("r1", events.RunPatch, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("Expected 1 handler call, got %d", count)
	}
}

func TestMemoryEventBus_SingleTokenWildcard(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32

	// Single token wildcard matches the run id slot for any run
	sub, err := bus.Subscribe("run.*.edge.created", func(ctx context.Context, event *events.Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	if err := bus.Publish(ctx, events.New("r1", events.EdgeCreated, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := bus.Publish(ctx, events.New("r2", events.EdgeCreated, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&count) == 2 })
}

func TestMemoryEventBus_MultiTokenWildcard(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32

	// > matches every event type of one run, including multi-token types
	sub, err := bus.Subscribe(events.BuildRunWildcardSubject("r1"), func(ctx context.Context, event *events.Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	if err := bus.Publish(ctx, events.New("r1", events.RunPatch, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := bus.Publish(ctx, events.New("r1", events.MessageAssistantDelta, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	// Different run, must not match
	if err := bus.Publish(ctx, events.New("r2", events.RunPatch, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&count) == 2 })
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("Expected 2 events received, got %d", count)
	}
}

func TestMemoryEventBus_WildcardRejectsInfixGreater(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	_, err := bus.Subscribe("run.>.patch", func(ctx context.Context, event *events.Event) error {
		return nil
	})
	if err == nil {
		t.Error("Expected error for '>' in a non-final position")
	}
}

func TestMemoryEventBus_WildcardNoMatch(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32

	sub, err := bus.Subscribe("run.*.node.patch", func(ctx context.Context, event *events.Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	if err := bus.Publish(ctx, events.New("r1", events.RunPatch, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	if atomic.LoadInt32(&count) != 0 {
		t.Errorf("Expected 0 events (no match), got %d", count)
	}
}

func TestMemoryEventBus_ExactMatch(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var count int32

	sub, err := bus.Subscribe("run.r1.artifact.created", func(ctx context.Context, event *events.Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	if err := bus.Publish(ctx, events.New("r1", events.ArtifactCreated, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	// Different type on the same run, must not match
	if err := bus.Publish(ctx, events.New("r1", events.RunPatch, nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&count) == 1 })
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("Expected 1 event, got %d", count)
	}
}

// TestMemoryEventBus_ConcurrentAccess verifies that concurrent publishers
// never lose events unaccounted: every published event is either delivered
// or summarized by a gap marker's dropped count.
func TestMemoryEventBus_ConcurrentAccess(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	var delivered int64
	var gapped int64
	var publishErrorCount int32
	var wg sync.WaitGroup

	sub, err := bus.Subscribe(events.BuildAllRunsWildcardSubject(), func(ctx context.Context, event *events.Event) error {
		if event.Type == events.EventsGap {
			atomic.AddInt64(&gapped, int64(event.Payload["dropped"].(int)))
			return nil
		}
		atomic.AddInt64(&delivered, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	numGoroutines := 10
	eventsPerGoroutine := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				if err := bus.Publish(ctx, events.New("r1", events.NodeProgress, nil)); err != nil {
					atomic.AddInt32(&publishErrorCount, 1)
				}
			}
		}()
	}

	wg.Wait()
	if publishErrorCount > 0 {
		t.Errorf("publish errors: %d", publishErrorCount)
	}

	expected := int64(numGoroutines * eventsPerGoroutine)
	waitFor(t, 2*time.Second, func() bool {
		return atomic.LoadInt64(&delivered)+atomic.LoadInt64(&gapped) == expected
	})
}

func TestMemoryEventBus_OverflowEmitsGapMarker(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	entered := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once

	var mu sync.Mutex
	var sequence []*events.Event

	sub, err := bus.Subscribe("run.r1.node.progress", func(ctx context.Context, event *events.Event) error {
		once.Do(func() {
			close(entered)
			<-gate
		})
		mu.Lock()
		sequence = append(sequence, event)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	// First event parks the dispatch goroutine in the handler, leaving the
	// queue empty.
	if err := bus.Publish(ctx, events.New("r1", events.NodeProgress, map[string]interface{}{"seq": 0})); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	<-entered

	// Fill the queue and overflow it.
	overflow := 44
	for i := 1; i <= subscriberBuffer+overflow; i++ {
		if err := bus.Publish(ctx, events.New("r1", events.NodeProgress, map[string]interface{}{"seq": i})); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	close(gate)

	// 1 parked event + a full queue + the trailing gap marker.
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sequence) == 1+subscriberBuffer+1
	})

	mu.Lock()
	defer mu.Unlock()

	last := sequence[len(sequence)-1]
	if last.Type != events.EventsGap {
		t.Fatalf("Expected trailing gap marker, got %s", last.Type)
	}
	if got := last.Payload["dropped"].(int); got != overflow {
		t.Errorf("Expected gap to report %d dropped events, got %d", overflow, got)
	}
	for _, e := range sequence[:len(sequence)-1] {
		if e.Type == events.EventsGap {
			t.Error("Gap marker delivered before buffered events")
		}
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)

	if !bus.IsConnected() {
		t.Error("Expected bus to be connected initially")
	}

	bus.Close()

	if bus.IsConnected() {
		t.Error("Expected bus to be disconnected after Close")
	}

	ctx := context.Background()
	if err := bus.Publish(ctx, events.New("r1", events.RunPatch, nil)); err == nil {
		t.Error("Expected error when publishing to closed bus")
	}

	_, err := bus.Subscribe("run.r1.run.patch", func(ctx context.Context, event *events.Event) error {
		return nil
	})
	if err == nil {
		t.Error("Expected error when subscribing to closed bus")
	}
}

// TestMemoryEventBus_MessageOrdering verifies that events are delivered to a
// subscriber in the exact order they are published, which is critical for
// streaming assistant output.
func TestMemoryEventBus_MessageOrdering(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	const numEvents = 100

	var mu sync.Mutex
	receivedOrder := make([]int, 0, numEvents)

	sub, err := bus.Subscribe("run.r1.message.assistant.delta", func(ctx context.Context, event *events.Event) error {
		seq := event.Payload["seq"].(int)
		mu.Lock()
		receivedOrder = append(receivedOrder, seq)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	for i := 0; i < numEvents; i++ {
		event := events.New("r1", events.MessageAssistantDelta, map[string]interface{}{"seq": i})
		if err := bus.Publish(ctx, event); err != nil {
			t.Fatalf("Publish failed at seq %d: %v", i, err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(receivedOrder) == numEvents
	})

	mu.Lock()
	defer mu.Unlock()

	for i, seq := range receivedOrder {
		if seq != i {
			t.Fatalf("Message ordering violation at position %d: expected seq %d, got %d", i, i, seq)
		}
	}
}

// TestMemoryEventBus_MessageOrderingWithSlowHandler verifies ordering is
// preserved when handler execution time varies per event.
func TestMemoryEventBus_MessageOrderingWithSlowHandler(t *testing.T) {
	log := newTestLogger(t)
	bus := NewMemoryEventBus(log)
	defer bus.Close()

	ctx := context.Background()
	const numEvents = 50

	var mu sync.Mutex
	receivedOrder := make([]int, 0, numEvents)

	sub, err := bus.Subscribe("run.r1.message.assistant.delta", func(ctx context.Context, event *events.Event) error {
		seq := event.Payload["seq"].(int)

		// Earlier events take longer, which would reorder with concurrent
		// handler dispatch.
		delay := time.Duration(numEvents-seq) * 100 * time.Microsecond
		time.Sleep(delay)

		mu.Lock()
		receivedOrder = append(receivedOrder, seq)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	for i := 0; i < numEvents; i++ {
		event := events.New("r1", events.MessageAssistantDelta, map[string]interface{}{"seq": i})
		if err := bus.Publish(ctx, event); err != nil {
			t.Fatalf("Publish failed at seq %d: %v", i, err)
		}
	}

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(receivedOrder) == numEvents
	})

	mu.Lock()
	defer mu.Unlock()

	for i, seq := range receivedOrder {
		if seq != i {
			t.Errorf("Message ordering violation at position %d: expected seq %d, got %d", i, i, seq)
		}
	}
}
