// Package prompt records every prompt built for or addressed to a node, so
// the user can inspect, edit or cancel queued prompts before they reach a
// provider.
package prompt

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vuhlp/vuhlp/internal/common/ident"
	"github.com/vuhlp/vuhlp/internal/common/logger"
)

// Source identifies who produced the prompt.
type Source string

// Prompt sources.
const (
	SourceOrchestrator Source = "orchestrator"
	SourceUser         Source = "user"
)

// Status is the lifecycle status of a pending prompt.
type Status string

// Prompt statuses. Only pending prompts can transition.
const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusCancelled Status = "cancelled"
)

// CancelReasonRunCleared marks prompts cancelled by ClearRun.
const CancelReasonRunCleared = "run_cleared"

// Pending queue errors.
var (
	ErrPromptNotFound = errors.New("prompt not found")
	ErrNotPending     = errors.New("prompt is not pending")
)

// PendingPrompt is one recorded prompt.
type PendingPrompt struct {
	ID           string     `json:"id"`
	RunID        string     `json:"runId"`
	NodeID       string     `json:"nodeId"`
	Source       Source     `json:"source"`
	Content      string     `json:"content"`
	Status       Status     `json:"status"`
	CancelReason string     `json:"cancelReason,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	SentAt       *time.Time `json:"sentAt,omitempty"`
	CancelledAt  *time.Time `json:"cancelledAt,omitempty"`
}

// Queue is an append-only prompt record keyed by run.
type Queue struct {
	mu     sync.Mutex
	byID   map[string]*PendingPrompt
	order  []string
	logger *logger.Logger
	clock  ident.Clock
}

// NewQueue creates an empty prompt queue.
func NewQueue(log *logger.Logger) *Queue {
	return &Queue{
		byID:   make(map[string]*PendingPrompt),
		logger: log.WithFields(zap.String("component", "prompts")),
		clock:  ident.NewClock(),
	}
}

// Add records a new pending prompt and returns a snapshot.
func (q *Queue) Add(runID, nodeID string, source Source, content string) *PendingPrompt {
	p := &PendingPrompt{
		ID:        ident.New(),
		RunID:     runID,
		NodeID:    nodeID,
		Source:    source,
		Content:   content,
		Status:    StatusPending,
		CreatedAt: q.clock.Now(),
	}
	q.mu.Lock()
	q.byID[p.ID] = p
	q.order = append(q.order, p.ID)
	q.mu.Unlock()

	q.logger.Debug("prompt recorded",
		zap.String("prompt_id", p.ID),
		zap.String("run_id", runID),
		zap.String("node_id", nodeID),
		zap.String("source", string(source)))
	return clonePrompt(p)
}

// MarkSent transitions a pending prompt to sent.
func (q *Queue) MarkSent(id string) error {
	return q.transition(id, func(p *PendingPrompt, now time.Time) {
		p.Status = StatusSent
		p.SentAt = &now
	})
}

// Cancel transitions a pending prompt to cancelled with an optional reason.
func (q *Queue) Cancel(id, reason string) error {
	return q.transition(id, func(p *PendingPrompt, now time.Time) {
		p.Status = StatusCancelled
		p.CancelReason = reason
		p.CancelledAt = &now
	})
}

// ModifyContent replaces the content of a pending prompt.
func (q *Queue) ModifyContent(id, content string) error {
	return q.transition(id, func(p *PendingPrompt, _ time.Time) {
		p.Content = content
	})
}

// Get returns the prompt by id.
func (q *Queue) Get(id string) (*PendingPrompt, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	return clonePrompt(p), true
}

// ByRun returns the run's prompts in insertion order.
func (q *Queue) ByRun(runID string) []*PendingPrompt {
	return q.list(func(p *PendingPrompt) bool { return p.RunID == runID })
}

// BySource returns the run's prompts from one source in insertion order.
func (q *Queue) BySource(runID string, source Source) []*PendingPrompt {
	return q.list(func(p *PendingPrompt) bool { return p.RunID == runID && p.Source == source })
}

// PendingForNode returns the node's still-pending prompts.
func (q *Queue) PendingForNode(runID, nodeID string) []*PendingPrompt {
	return q.list(func(p *PendingPrompt) bool {
		return p.RunID == runID && p.NodeID == nodeID && p.Status == StatusPending
	})
}

// ClearRun cancels the run's still-pending prompts with reason run_cleared
// and drops the run's records. Returns how many were cancelled.
func (q *Queue) ClearRun(runID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	cancelled := 0
	kept := q.order[:0]
	for _, id := range q.order {
		p := q.byID[id]
		if p == nil || p.RunID != runID {
			kept = append(kept, id)
			continue
		}
		if p.Status == StatusPending {
			p.Status = StatusCancelled
			p.CancelReason = CancelReasonRunCleared
			p.CancelledAt = &now
			cancelled++
		}
		delete(q.byID, id)
	}
	q.order = kept
	return cancelled
}

func (q *Queue) list(match func(*PendingPrompt) bool) []*PendingPrompt {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*PendingPrompt
	for _, id := range q.order {
		if p, ok := q.byID[id]; ok && match(p) {
			out = append(out, clonePrompt(p))
		}
	}
	return out
}

func (q *Queue) transition(id string, apply func(*PendingPrompt, time.Time)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.byID[id]
	if !ok {
		return ErrPromptNotFound
	}
	if p.Status != StatusPending {
		return ErrNotPending
	}
	apply(p, q.clock.Now())
	return nil
}

func clonePrompt(p *PendingPrompt) *PendingPrompt {
	out := *p
	return &out
}
