package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vuhlp/vuhlp/internal/common/logger"
	"github.com/vuhlp/vuhlp/internal/events"
	"github.com/vuhlp/vuhlp/internal/events/bus"
)

func newTestQueue(t *testing.T, opts ...Option) (*Queue, bus.EventBus) {
	t.Helper()
	b := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(b.Close)
	return NewQueue(b, logger.Default(), opts...), b
}

// collectEvents subscribes to every event of a run and returns a getter.
func collectEvents(t *testing.T, b bus.EventBus, runID string) func() []string {
	t.Helper()
	var mu sync.Mutex
	var types []string
	_, err := b.Subscribe(events.BuildRunWildcardSubject(runID), func(ctx context.Context, ev *events.Event) error {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), types...)
	}
}

func spec(runID, nodeID string) Spec {
	return Spec{
		RunID:  runID,
		NodeID: nodeID,
		Tool:   Tool{ID: "t1", Name: "Bash", Args: map[string]any{"command": "ls"}, Risk: RiskLow},
	}
}

func TestApproveResolvesWaiter(t *testing.T) {
	q, b := newTestQueue(t)
	got := collectEvents(t, b, "r1")

	done := make(chan Resolution, 1)
	go func() {
		res, err := q.Request(context.Background(), spec("r1", "n1"))
		require.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool { return len(q.PendingForRun("r1")) == 1 }, time.Second, 5*time.Millisecond)
	pending := q.PendingForRun("r1")[0]

	assert.True(t, q.Approve(pending.ID, "looks fine"))

	res := <-done
	assert.Equal(t, StatusApproved, res.Status)
	assert.Equal(t, "looks fine", res.Feedback)

	req, ok := q.Get(pending.ID)
	require.True(t, ok)
	assert.Equal(t, StatusApproved, req.Status)
	assert.NotNil(t, req.ResolvedAt)

	require.Eventually(t, func() bool { return len(got()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{events.ApprovalRequested, events.ApprovalResolved}, got())
}

func TestSecondResolutionHasNoEffect(t *testing.T) {
	q, _ := newTestQueue(t)

	go func() { _, _ = q.Request(context.Background(), spec("r1", "n1")) }()
	require.Eventually(t, func() bool { return len(q.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	id := q.Pending()[0].ID

	assert.True(t, q.Approve(id, ""))
	assert.False(t, q.Approve(id, ""))
	assert.False(t, q.Deny(id, "late"))

	req, _ := q.Get(id)
	assert.Equal(t, StatusApproved, req.Status)
}

func TestModifySubstitutesArgs(t *testing.T) {
	q, _ := newTestQueue(t)

	done := make(chan Resolution, 1)
	go func() {
		res, _ := q.Request(context.Background(), spec("r1", "n1"))
		done <- res
	}()
	require.Eventually(t, func() bool { return len(q.Pending()) == 1 }, time.Second, 5*time.Millisecond)

	newArgs := map[string]any{"command": "ls -la"}
	assert.True(t, q.Modify(q.Pending()[0].ID, newArgs, "narrower"))

	res := <-done
	assert.Equal(t, StatusModified, res.Status)
	assert.Equal(t, newArgs, res.ModifiedArgs)
}

func TestTimeoutAutoDenies(t *testing.T) {
	q, _ := newTestQueue(t)

	s := spec("r1", "n1")
	s.TimeoutMs = 50
	start := time.Now()
	res, err := q.Request(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, StatusTimeout, res.Status)
	assert.Contains(t, res.Feedback, "timed out")
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestZeroTimeoutNeverExpires(t *testing.T) {
	q, _ := newTestQueue(t)

	go func() { _, _ = q.Request(context.Background(), spec("r1", "n1")) }()
	require.Eventually(t, func() bool { return len(q.Pending()) == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(80 * time.Millisecond)
	require.Len(t, q.Pending(), 1)
	assert.Nil(t, q.Pending()[0].TimeoutAt)
	q.CancelForRun("r1")
}

func TestAutoDenyDisabledKeepsPending(t *testing.T) {
	q, _ := newTestQueue(t, WithAutoDenyOnTimeout(false))

	s := spec("r1", "n1")
	s.TimeoutMs = 20
	go func() { _, _ = q.Request(context.Background(), s) }()
	require.Eventually(t, func() bool { return len(q.Pending()) == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	assert.Len(t, q.Pending(), 1)
	q.CancelForRun("r1")
}

func TestCancelForRunDeniesAllPendingOnce(t *testing.T) {
	q, _ := newTestQueue(t)

	results := make(chan Resolution, 3)
	for _, node := range []string{"n1", "n2", "n3"} {
		node := node
		go func() {
			res, _ := q.Request(context.Background(), spec("r1", node))
			results <- res
		}()
	}
	require.Eventually(t, func() bool { return len(q.PendingForRun("r1")) == 3 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, q.CancelForRun("r1"))
	assert.Equal(t, 0, q.CancelForRun("r1"))

	for i := 0; i < 3; i++ {
		res := <-results
		assert.Equal(t, StatusDenied, res.Status)
		assert.Contains(t, res.Feedback, "stopped")
	}
}

func TestCancelForNodeLeavesOtherNodes(t *testing.T) {
	q, _ := newTestQueue(t)

	go func() { _, _ = q.Request(context.Background(), spec("r1", "n1")) }()
	go func() { _, _ = q.Request(context.Background(), spec("r1", "n2")) }()
	require.Eventually(t, func() bool { return len(q.Pending()) == 2 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, q.CancelForNode("n1"))
	assert.Len(t, q.PendingForNode("n2"), 1)
	q.CancelForRun("r1")
}

func TestContextCancellationDenies(t *testing.T) {
	q, _ := newTestQueue(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Resolution, 1)
	go func() {
		res, _ := q.Request(ctx, spec("r1", "n1"))
		done <- res
	}()
	require.Eventually(t, func() bool { return len(q.Pending()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	res := <-done
	assert.Equal(t, StatusDenied, res.Status)
	assert.Contains(t, res.Feedback, "stopped")
}

func TestClearResolved(t *testing.T) {
	q, _ := newTestQueue(t)

	go func() { _, _ = q.Request(context.Background(), spec("r1", "n1")) }()
	go func() { _, _ = q.Request(context.Background(), spec("r1", "n2")) }()
	require.Eventually(t, func() bool { return len(q.Pending()) == 2 }, time.Second, 5*time.Millisecond)

	first := q.Pending()[0].ID
	q.Approve(first, "")

	assert.Equal(t, 1, q.ClearResolved())
	assert.Len(t, q.All(), 1)
	assert.Equal(t, 0, q.ClearResolved())
	q.CancelForRun("r1")
}

func TestEnumerationInsertionOrder(t *testing.T) {
	q, _ := newTestQueue(t)

	for _, node := range []string{"n1", "n2", "n3"} {
		node := node
		go func() { _, _ = q.Request(context.Background(), spec("r1", node)) }()
		require.Eventually(t, func() bool {
			return len(q.PendingForNode(node)) == 1
		}, time.Second, 5*time.Millisecond)
	}

	pending := q.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, "n1", pending[0].NodeID)
	assert.Equal(t, "n2", pending[1].NodeID)
	assert.Equal(t, "n3", pending[2].NodeID)
	q.CancelForRun("r1")
}
