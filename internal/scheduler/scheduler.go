// Package scheduler drives per-run orchestration loops: it wakes nodes for
// user chat, picks ready nodes in deterministic order, arbitrates turns
// through a FIFO semaphore and dispatches handoffs when turns produce
// output.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/vuhlp/vuhlp/internal/approval"
	"github.com/vuhlp/vuhlp/internal/chat"
	"github.com/vuhlp/vuhlp/internal/common/logger"
	"github.com/vuhlp/vuhlp/internal/events"
	"github.com/vuhlp/vuhlp/internal/events/bus"
	"github.com/vuhlp/vuhlp/internal/executor"
	"github.com/vuhlp/vuhlp/internal/prompt"
	"github.com/vuhlp/vuhlp/internal/run"
	"github.com/vuhlp/vuhlp/internal/run/store"
)

// TurnRunner executes one node turn. Implemented by the executor.
type TurnRunner interface {
	ExecuteTurn(ctx context.Context, in executor.TurnInput) (*executor.TurnResult, error)
	ResetStallHistory(runID, nodeID string)
}

// Config bounds scheduling behavior.
type Config struct {
	MaxConcurrency  int
	Tick            time.Duration
	InteractiveIdle time.Duration
	MaxIterations   int
}

// Scheduler owns one orchestration loop per started run.
type Scheduler struct {
	runs      *store.Store
	bus       bus.EventBus
	chat      *chat.Manager
	approvals *approval.Queue
	runner    TurnRunner
	cfg       Config
	logger    *logger.Logger

	mu    sync.Mutex
	loops map[string]*runLoop
}

// New creates a scheduler.
func New(runs *store.Store, eventBus bus.EventBus, chatMgr *chat.Manager, approvals *approval.Queue, runner TurnRunner, cfg Config, log *logger.Logger) *Scheduler {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 200 * time.Millisecond
	}
	if cfg.InteractiveIdle <= 0 {
		cfg.InteractiveIdle = 500 * time.Millisecond
	}
	if cfg.MaxIterations < 1 {
		cfg.MaxIterations = 3
	}
	return &Scheduler{
		runs:      runs,
		bus:       eventBus,
		chat:      chatMgr,
		approvals: approvals,
		runner:    runner,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "scheduler")),
	}
}

type runLoop struct {
	runID  string
	cancel context.CancelFunc
	done   chan struct{}
	sem    *semaphore.Weighted
	wg     sync.WaitGroup

	mu        sync.Mutex
	paused    bool
	resume    chan struct{}
	inflight  map[string]bool
	requeues  map[string]int
	exhausted map[string]bool
}

// Start begins the run's loop. Starting an already running run is a no-op.
func (s *Scheduler) Start(runID string) error {
	if _, err := s.runs.GetRun(runID); err != nil {
		return err
	}

	s.mu.Lock()
	if s.loops == nil {
		s.loops = make(map[string]*runLoop)
	}
	if _, ok := s.loops[runID]; ok {
		s.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &runLoop{
		runID:     runID,
		cancel:    cancel,
		done:      make(chan struct{}),
		sem:       semaphore.NewWeighted(int64(s.cfg.MaxConcurrency)),
		inflight:  make(map[string]bool),
		requeues:  make(map[string]int),
		exhausted: make(map[string]bool),
	}
	s.loops[runID] = l
	s.mu.Unlock()

	if _, err := s.runs.SetRunStatus(runID, run.StatusRunning); err == nil {
		s.publish(runID, events.RunPatch, map[string]interface{}{"status": string(run.StatusRunning)})
	}
	s.logger.Info("run started", zap.String("run_id", runID))

	go s.loop(ctx, l)
	return nil
}

// Pause installs the pause handle. In-flight turns finish.
func (s *Scheduler) Pause(runID string) error {
	l := s.getLoop(runID)
	if l == nil {
		return store.ErrRunNotFound
	}
	l.mu.Lock()
	if !l.paused {
		l.paused = true
		l.resume = make(chan struct{})
	}
	l.mu.Unlock()

	if _, err := s.runs.SetRunStatus(runID, run.StatusPaused); err == nil {
		s.publish(runID, events.RunPatch, map[string]interface{}{"status": string(run.StatusPaused)})
	}
	s.logger.Info("run paused", zap.String("run_id", runID))
	return nil
}

// Resume resolves the pause handle. It also recovers runs paused by stall
// detection.
func (s *Scheduler) Resume(runID string) error {
	l := s.getLoop(runID)
	if l == nil {
		return store.ErrRunNotFound
	}
	l.mu.Lock()
	if l.paused {
		l.paused = false
		close(l.resume)
		l.resume = nil
	}
	l.mu.Unlock()

	if _, err := s.runs.SetRunStatus(runID, run.StatusRunning); err == nil {
		s.publish(runID, events.RunPatch, map[string]interface{}{"status": string(run.StatusRunning)})
	}
	s.logger.Info("run resumed", zap.String("run_id", runID))
	return nil
}

// Stop cancels the loop, lets in-flight turns observe cancellation, denies
// pending approvals and marks the run stopped. Blocks until the loop exits.
func (s *Scheduler) Stop(runID string) error {
	s.mu.Lock()
	l := s.loops[runID]
	delete(s.loops, runID)
	s.mu.Unlock()
	if l == nil {
		return store.ErrRunNotFound
	}

	l.cancel()
	l.mu.Lock()
	if l.paused {
		l.paused = false
		close(l.resume)
		l.resume = nil
	}
	l.mu.Unlock()

	cancelled := s.approvals.CancelForRun(runID)
	<-l.done

	if _, err := s.runs.SetRunStatus(runID, run.StatusStopped); err == nil {
		s.publish(runID, events.RunPatch, map[string]interface{}{"status": string(run.StatusStopped)})
	}
	s.logger.Info("run stopped",
		zap.String("run_id", runID), zap.Int("cancelled_approvals", cancelled))
	return nil
}

// StopAll stops every running loop, used at daemon shutdown.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.loops))
	for id := range s.loops {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		_ = s.Stop(id)
	}
}

// IsRunning reports whether the run has an active loop.
func (s *Scheduler) IsRunning(runID string) bool {
	return s.getLoop(runID) != nil
}

func (s *Scheduler) getLoop(runID string) *runLoop {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loops[runID]
}

func (s *Scheduler) loop(ctx context.Context, l *runLoop) {
	defer close(l.done)
	defer l.wg.Wait()

	for {
		if ctx.Err() != nil {
			return
		}
		if !l.waitIfPaused(ctx) {
			return
		}

		r, err := s.runs.GetRun(l.runID)
		if err != nil {
			s.logger.Info("run gone; loop exiting", zap.String("run_id", l.runID))
			return
		}
		if r.Status == run.StatusPaused {
			// Paused by stall detection or the API without going through
			// this loop's handle; idle until resumed.
			if !sleepCtx(ctx, s.cfg.Tick) {
				return
			}
			continue
		}

		interactive := r.Mode == run.ModeInteractive ||
			s.chat.RunInteractionMode(l.runID) == chat.InteractionManual
		if interactive && !s.chat.HasPending(l.runID) {
			if !sleepCtx(ctx, s.cfg.InteractiveIdle) {
				return
			}
			continue
		}

		s.wakeChatTargets(l, r)

		for _, nodeID := range s.readyNodes(l) {
			if err := l.sem.Acquire(ctx, 1); err != nil {
				return
			}
			l.mu.Lock()
			l.inflight[nodeID] = true
			l.mu.Unlock()

			l.wg.Add(1)
			go func(nodeID string) {
				defer l.wg.Done()
				defer func() {
					l.mu.Lock()
					delete(l.inflight, nodeID)
					l.mu.Unlock()
					l.sem.Release(1)
				}()
				s.executeNode(ctx, l, nodeID)
			}(nodeID)
		}

		if !sleepCtx(ctx, s.cfg.Tick) {
			return
		}
	}
}

// wakeChatTargets re-queues idle nodes addressed by pending chat. Run-level
// messages and messages whose target node is gone go to the adopter node.
// User chat also resets the node's iteration budget.
func (s *Scheduler) wakeChatTargets(l *runLoop, r *run.Run) {
	pending := s.chat.Pending(l.runID, "")

	targets := make(map[string]bool)
	orphans := false
	for _, msg := range pending {
		if msg.NodeID == "" {
			orphans = true
			continue
		}
		if _, ok := r.Nodes[msg.NodeID]; !ok {
			orphans = true
			continue
		}
		targets[msg.NodeID] = true
	}
	if orphans {
		if adopter := orphanAdopter(r); adopter != "" {
			targets[adopter] = true
		}
	}

	for nodeID := range targets {
		node, ok := r.Nodes[nodeID]
		if !ok {
			continue
		}
		l.mu.Lock()
		delete(l.requeues, nodeID)
		delete(l.exhausted, nodeID)
		l.mu.Unlock()
		s.runner.ResetStallHistory(l.runID, nodeID)

		if node.Status == run.NodeQueued || node.Status == run.NodeRunning {
			continue
		}
		status := run.NodeQueued
		if _, err := s.runs.PatchNode(l.runID, nodeID, store.NodePatch{Status: &status}); err != nil {
			continue
		}
		node.Status = run.NodeQueued
		s.publish(l.runID, events.NodePatch, map[string]interface{}{
			"nodeId": nodeID,
			"status": string(run.NodeQueued),
		})
	}
}

// orphanAdopter picks the node that consumes run-level chat and messages to
// missing targets: the root while it is not terminal, else the lowest-id
// active node, else the root again so a finished run can be re-activated.
func orphanAdopter(r *run.Run) string {
	if r.RootNodeID != "" {
		if node, ok := r.Nodes[r.RootNodeID]; ok && !node.Status.Terminal() {
			return r.RootNodeID
		}
	}
	var active []string
	for id, node := range r.Nodes {
		if !node.Status.Terminal() {
			active = append(active, id)
		}
	}
	if len(active) > 0 {
		sort.Strings(active)
		return active[0]
	}
	return r.RootNodeID
}

// readyNodes returns queued, not in-flight, not budget-exhausted nodes in
// ascending id order.
func (s *Scheduler) readyNodes(l *runLoop) []string {
	r, err := s.runs.GetRun(l.runID)
	if err != nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var ready []string
	for id, node := range r.Nodes {
		if node.Status != run.NodeQueued || l.inflight[id] || l.exhausted[id] {
			continue
		}
		ready = append(ready, id)
	}
	sort.Strings(ready)
	return ready
}

// executeNode consumes the node's inputs, runs one turn and dispatches the
// output along outgoing edges.
func (s *Scheduler) executeNode(ctx context.Context, l *runLoop, nodeID string) {
	envelopes, err := s.runs.ConsumeEnvelopes(l.runID, nodeID)
	if err != nil {
		s.logger.Warn("failed to consume envelopes",
			zap.String("run_id", l.runID), zap.String("node_id", nodeID), zap.Error(err))
		return
	}

	adopter := ""
	var nodes map[string]*run.Node
	if r, err := s.runs.GetRun(l.runID); err == nil {
		adopter = orphanAdopter(r)
		nodes = r.Nodes
	}
	chatBlock, consumed := s.chat.Consume(l.runID, func(msg *chat.Message) bool {
		if msg.NodeID == nodeID {
			return true
		}
		if nodeID != adopter {
			return false
		}
		if msg.NodeID == "" {
			return true
		}
		_, exists := nodes[msg.NodeID]
		return !exists
	})

	source := prompt.SourceOrchestrator
	if len(consumed) > 0 {
		source = prompt.SourceUser
		l.mu.Lock()
		delete(l.requeues, nodeID)
		delete(l.exhausted, nodeID)
		l.mu.Unlock()
	}

	result, err := s.runner.ExecuteTurn(ctx, executor.TurnInput{
		RunID:     l.runID,
		NodeID:    nodeID,
		Envelopes: envelopes,
		ChatBlock: chatBlock,
		Source:    source,
	})
	if err != nil {
		s.logger.Error("turn execution error",
			zap.String("run_id", l.runID), zap.String("node_id", nodeID), zap.Error(err))
		return
	}
	if result.Failed || result.Interrupted || result.Stalled {
		return
	}
	if result.Output != "" {
		s.dispatchOutput(l, nodeID, result.Output)
	}
}

// dispatchOutput enqueues one envelope per outgoing edge and wakes each
// target, honoring manual control and the auto-requeue budget.
func (s *Scheduler) dispatchOutput(l *runLoop, nodeID, output string) {
	r, err := s.runs.GetRun(l.runID)
	if err != nil {
		return
	}

	type hop struct {
		edgeID string
		target string
	}
	var hops []hop
	for _, e := range r.Edges {
		if e.From == nodeID {
			hops = append(hops, hop{edgeID: e.ID, target: e.To})
		} else if e.Bidirectional && e.To == nodeID {
			hops = append(hops, hop{edgeID: e.ID, target: e.From})
		}
	}
	sort.Slice(hops, func(i, j int) bool { return hops[i].target < hops[j].target })

	for _, h := range hops {
		if h.target == nodeID {
			continue
		}
		env := &run.Envelope{
			Kind:    run.EnvelopeHandoff,
			From:    nodeID,
			To:      h.target,
			Payload: run.Payload{Message: output},
		}
		if err := s.runs.EnqueueEnvelope(l.runID, h.edgeID, env); err != nil {
			s.logger.Warn("failed to enqueue handoff",
				zap.String("edge_id", h.edgeID), zap.Error(err))
			continue
		}
		s.publish(l.runID, events.HandoffSent, map[string]interface{}{
			"from":       nodeID,
			"to":         h.target,
			"edgeId":     h.edgeID,
			"envelopeId": env.ID,
		})
		s.wakeForHandoff(l, r, h.target)
	}
}

func (s *Scheduler) wakeForHandoff(l *runLoop, r *run.Run, nodeID string) {
	node, ok := r.Nodes[nodeID]
	if !ok || node.Control == run.ControlManual {
		return
	}

	l.mu.Lock()
	l.requeues[nodeID]++
	count := l.requeues[nodeID]
	if count > s.cfg.MaxIterations {
		l.exhausted[nodeID] = true
		l.mu.Unlock()
		s.publish(l.runID, events.NodeProgress, map[string]interface{}{
			"nodeId": nodeID,
			"message": "iteration budget exhausted; node left idle until user input",
		})
		s.logger.Info("iteration budget exhausted",
			zap.String("run_id", l.runID), zap.String("node_id", nodeID), zap.Int("requeues", count))
		return
	}
	l.mu.Unlock()

	current, err := s.runs.GetNode(l.runID, nodeID)
	if err != nil || current.Status == run.NodeQueued || current.Status == run.NodeRunning {
		return
	}
	status := run.NodeQueued
	if _, err := s.runs.PatchNode(l.runID, nodeID, store.NodePatch{Status: &status}); err != nil {
		return
	}
	s.publish(l.runID, events.NodePatch, map[string]interface{}{
		"nodeId": nodeID,
		"status": string(run.NodeQueued),
	})
}

func (l *runLoop) waitIfPaused(ctx context.Context) bool {
	l.mu.Lock()
	paused := l.paused
	resume := l.resume
	l.mu.Unlock()
	if !paused {
		return true
	}
	select {
	case <-resume:
		return true
	case <-ctx.Done():
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) publish(runID, eventType string, payload map[string]interface{}) {
	if err := s.bus.Publish(context.Background(), events.New(runID, eventType, payload)); err != nil {
		s.logger.Warn("failed to publish scheduler event",
			zap.String("type", eventType), zap.Error(err))
	}
}
