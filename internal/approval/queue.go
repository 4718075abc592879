// Package approval gates tool calls proposed by agent CLIs behind a human
// decision. Each request blocks its caller until approved, denied, modified
// or timed out; every transition is published on the event bus.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vuhlp/vuhlp/internal/common/ident"
	"github.com/vuhlp/vuhlp/internal/common/logger"
	"github.com/vuhlp/vuhlp/internal/events"
	"github.com/vuhlp/vuhlp/internal/events/bus"
)

// Risk is the declared risk level of a proposed tool call.
type Risk string

// Risk levels.
const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Status is the lifecycle status of an approval request.
type Status string

// Request statuses. Everything except pending is terminal.
const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusModified Status = "modified"
	StatusTimeout  Status = "timeout"
)

// Tool describes the call awaiting a decision.
type Tool struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
	Risk Risk           `json:"risk"`
}

// Resolution is the outcome a blocked waiter observes.
type Resolution struct {
	Status       Status         `json:"status"`
	ModifiedArgs map[string]any `json:"modifiedArgs,omitempty"`
	Feedback     string         `json:"feedback,omitempty"`
}

// Request is one approval request.
type Request struct {
	ID         string      `json:"id"`
	RunID      string      `json:"runId"`
	NodeID     string      `json:"nodeId"`
	Tool       Tool        `json:"tool"`
	Context    string      `json:"context,omitempty"`
	Status     Status      `json:"status"`
	CreatedAt  time.Time   `json:"createdAt"`
	ResolvedAt *time.Time  `json:"resolvedAt,omitempty"`
	TimeoutMs  int         `json:"timeoutMs,omitempty"`
	TimeoutAt  *time.Time  `json:"timeoutAt,omitempty"`
	Resolution *Resolution `json:"resolution,omitempty"`
}

// Spec carries the inputs of a new request.
type Spec struct {
	RunID     string
	NodeID    string
	Tool      Tool
	Context   string
	TimeoutMs int
}

type entry struct {
	req   *Request
	ch    chan Resolution
	timer *time.Timer
}

// Queue owns all approval requests of the daemon.
type Queue struct {
	mu                sync.Mutex
	entries           map[string]*entry
	order             []string // insertion order for enumerations
	bus               bus.EventBus
	logger            *logger.Logger
	clock             ident.Clock
	autoDenyOnTimeout bool
}

// Option configures the queue.
type Option func(*Queue)

// WithAutoDenyOnTimeout controls whether expired requests auto-deny.
// Default true; when false an expired request stays pending.
func WithAutoDenyOnTimeout(enabled bool) Option {
	return func(q *Queue) { q.autoDenyOnTimeout = enabled }
}

// NewQueue creates an approval queue publishing on b.
func NewQueue(b bus.EventBus, log *logger.Logger, opts ...Option) *Queue {
	q := &Queue{
		entries:           make(map[string]*entry),
		bus:               b,
		logger:            log.WithFields(zap.String("component", "approvals")),
		clock:             ident.NewClock(),
		autoDenyOnTimeout: true,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Request creates a pending approval request, emits approval.requested and
// blocks until a resolver or timer resolves it. Context cancellation (the
// turn being stopped) resolves the request as denied.
func (q *Queue) Request(ctx context.Context, spec Spec) (Resolution, error) {
	now := q.clock.Now()
	req := &Request{
		ID:        ident.New(),
		RunID:     spec.RunID,
		NodeID:    spec.NodeID,
		Tool:      spec.Tool,
		Context:   spec.Context,
		Status:    StatusPending,
		CreatedAt: now,
		TimeoutMs: spec.TimeoutMs,
	}
	e := &entry{req: req, ch: make(chan Resolution, 1)}

	q.mu.Lock()
	q.entries[req.ID] = e
	q.order = append(q.order, req.ID)
	if spec.TimeoutMs > 0 && q.autoDenyOnTimeout {
		deadline := now.Add(time.Duration(spec.TimeoutMs) * time.Millisecond)
		req.TimeoutAt = &deadline
		e.timer = time.AfterFunc(time.Duration(spec.TimeoutMs)*time.Millisecond, func() {
			q.expire(req.ID)
		})
	}
	q.mu.Unlock()

	q.publish(req.RunID, events.ApprovalRequested, map[string]interface{}{
		"approvalId": req.ID,
		"nodeId":     req.NodeID,
		"tool":       req.Tool,
		"context":    req.Context,
		"timeoutMs":  req.TimeoutMs,
	})
	q.logger.Info("approval requested",
		zap.String("approval_id", req.ID),
		zap.String("run_id", req.RunID),
		zap.String("node_id", req.NodeID),
		zap.String("tool", req.Tool.Name),
		zap.String("risk", string(req.Tool.Risk)))

	select {
	case res := <-e.ch:
		return res, nil
	case <-ctx.Done():
		q.resolve(req.ID, Resolution{Status: StatusDenied, Feedback: "execution stopped"})
		// Drain the resolution recorded by resolve (or a concurrent resolver).
		res := <-e.ch
		return res, nil
	}
}

// Approve resolves a pending request as approved. Returns false when the
// request is unknown or already terminal.
func (q *Queue) Approve(id, feedback string) bool {
	return q.resolve(id, Resolution{Status: StatusApproved, Feedback: feedback})
}

// Deny resolves a pending request as denied.
func (q *Queue) Deny(id, feedback string) bool {
	return q.resolve(id, Resolution{Status: StatusDenied, Feedback: feedback})
}

// Modify resolves a pending request as approved with substituted arguments.
func (q *Queue) Modify(id string, args map[string]any, feedback string) bool {
	return q.resolve(id, Resolution{Status: StatusModified, ModifiedArgs: args, Feedback: feedback})
}

// CancelForRun denies every pending request of a run. Returns the count.
func (q *Queue) CancelForRun(runID string) int {
	return q.cancelMatching(func(r *Request) bool { return r.RunID == runID })
}

// CancelForNode denies every pending request of a node. Returns the count.
func (q *Queue) CancelForNode(nodeID string) int {
	return q.cancelMatching(func(r *Request) bool { return r.NodeID == nodeID })
}

// Get returns the request by id.
func (q *Queue) Get(id string) (*Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return nil, false
	}
	return cloneRequest(e.req), true
}

// Pending returns all pending requests in insertion order.
func (q *Queue) Pending() []*Request {
	return q.list(func(r *Request) bool { return r.Status == StatusPending })
}

// PendingForRun returns the run's pending requests in insertion order.
func (q *Queue) PendingForRun(runID string) []*Request {
	return q.list(func(r *Request) bool { return r.Status == StatusPending && r.RunID == runID })
}

// PendingForNode returns the node's pending requests in insertion order.
func (q *Queue) PendingForNode(nodeID string) []*Request {
	return q.list(func(r *Request) bool { return r.Status == StatusPending && r.NodeID == nodeID })
}

// All returns every request in insertion order.
func (q *Queue) All() []*Request {
	return q.list(func(*Request) bool { return true })
}

// ClearResolved removes terminal requests and returns how many were removed.
func (q *Queue) ClearResolved() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	kept := q.order[:0]
	for _, id := range q.order {
		e := q.entries[id]
		if e != nil && e.req.Status != StatusPending {
			delete(q.entries, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
	return removed
}

func (q *Queue) list(match func(*Request) bool) []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Request
	for _, id := range q.order {
		if e, ok := q.entries[id]; ok && match(e.req) {
			out = append(out, cloneRequest(e.req))
		}
	}
	return out
}

func (q *Queue) cancelMatching(match func(*Request) bool) int {
	q.mu.Lock()
	var ids []string
	for _, id := range q.order {
		if e, ok := q.entries[id]; ok && e.req.Status == StatusPending && match(e.req) {
			ids = append(ids, id)
		}
	}
	q.mu.Unlock()

	count := 0
	for _, id := range ids {
		if q.resolve(id, Resolution{Status: StatusDenied, Feedback: "run stopped"}) {
			count++
		}
	}
	return count
}

// expire is the timer callback for auto-deny-on-timeout.
func (q *Queue) expire(id string) {
	q.mu.Lock()
	e, ok := q.entries[id]
	timeoutMs := 0
	if ok {
		timeoutMs = e.req.TimeoutMs
	}
	q.mu.Unlock()
	if !ok {
		return
	}
	q.resolve(id, Resolution{
		Status:   StatusTimeout,
		Feedback: fmt.Sprintf("Approval timed out after %d ms", timeoutMs),
	})
}

// resolve transitions pending -> terminal exactly once, wakes the waiter and
// emits approval.resolved. Returns false when already terminal or unknown.
func (q *Queue) resolve(id string, res Resolution) bool {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok || e.req.Status != StatusPending {
		q.mu.Unlock()
		return false
	}
	now := q.clock.Now()
	e.req.Status = res.Status
	e.req.ResolvedAt = &now
	e.req.Resolution = &res
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	req := cloneRequest(e.req)
	q.mu.Unlock()

	e.ch <- res

	q.publish(req.RunID, events.ApprovalResolved, map[string]interface{}{
		"approvalId":   req.ID,
		"nodeId":       req.NodeID,
		"status":       string(res.Status),
		"feedback":     res.Feedback,
		"modifiedArgs": res.ModifiedArgs,
	})
	q.logger.Info("approval resolved",
		zap.String("approval_id", req.ID),
		zap.String("status", string(res.Status)))
	return true
}

func (q *Queue) publish(runID, eventType string, payload map[string]interface{}) {
	if err := q.bus.Publish(context.Background(), events.New(runID, eventType, payload)); err != nil {
		q.logger.Warn("failed to publish approval event", zap.Error(err))
	}
}

func cloneRequest(r *Request) *Request {
	out := *r
	if r.Resolution != nil {
		res := *r.Resolution
		out.Resolution = &res
	}
	return &out
}
