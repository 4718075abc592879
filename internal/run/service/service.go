// Package service glues the run store, scheduler, persistence and supporting
// stores into the surface the HTTP and MCP gateways call.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/vuhlp/vuhlp/internal/approval"
	"github.com/vuhlp/vuhlp/internal/artifacts"
	"github.com/vuhlp/vuhlp/internal/chat"
	"github.com/vuhlp/vuhlp/internal/common/logger"
	"github.com/vuhlp/vuhlp/internal/events"
	"github.com/vuhlp/vuhlp/internal/events/bus"
	"github.com/vuhlp/vuhlp/internal/events/eventlog"
	"github.com/vuhlp/vuhlp/internal/prompt"
	"github.com/vuhlp/vuhlp/internal/run"
	"github.com/vuhlp/vuhlp/internal/run/persistence"
	"github.com/vuhlp/vuhlp/internal/run/store"
	"github.com/vuhlp/vuhlp/internal/scheduler"
	"github.com/vuhlp/vuhlp/internal/session"
	"github.com/vuhlp/vuhlp/internal/workspace"
)

// Service exposes run lifecycle and graph mutations to the gateways.
type Service struct {
	runs       *store.Store
	sched      *scheduler.Scheduler
	chat       *chat.Manager
	approvals  *approval.Queue
	prompts    *prompt.Queue
	sessions   *session.Registry
	artifacts  *artifacts.Store
	workspaces *workspace.Manager
	snapshots  *persistence.Store
	eventLog   *eventlog.Log
	bus        bus.EventBus
	logger     *logger.Logger
}

// New creates the service. snapshots may be nil when persistence is disabled
// (tests).
func New(
	runs *store.Store,
	sched *scheduler.Scheduler,
	chatMgr *chat.Manager,
	approvals *approval.Queue,
	prompts *prompt.Queue,
	sessions *session.Registry,
	artifactStore *artifacts.Store,
	workspaces *workspace.Manager,
	snapshots *persistence.Store,
	eventLog *eventlog.Log,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Service {
	return &Service{
		runs:       runs,
		sched:      sched,
		chat:       chatMgr,
		approvals:  approvals,
		prompts:    prompts,
		sessions:   sessions,
		artifacts:  artifactStore,
		workspaces: workspaces,
		snapshots:  snapshots,
		eventLog:   eventLog,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "run-service")),
	}
}

// Restore loads persisted runs into the in-memory store at daemon start.
// Previously running runs come back paused.
func (s *Service) Restore() error {
	if s.snapshots == nil {
		return nil
	}
	runs, err := s.snapshots.LoadAll()
	if err != nil {
		return err
	}
	for _, r := range runs {
		s.runs.RestoreRun(r)
	}
	if len(runs) > 0 {
		s.logger.Info("runs restored", zap.Int("count", len(runs)))
	}
	return nil
}

// CreateRun creates a run. Empty mode, global mode and cwd fall back to
// AUTO, IMPLEMENTATION and the daemon's working directory.
func (s *Service) CreateRun(mode run.Mode, globalMode run.GlobalMode, cwd string) (*run.Run, error) {
	switch mode {
	case "":
		mode = run.ModeAuto
	case run.ModeAuto, run.ModeInteractive:
	default:
		return nil, fmt.Errorf("invalid run mode %q", mode)
	}
	switch globalMode {
	case "":
		globalMode = run.GlobalImplementation
	case run.GlobalPlanning, run.GlobalImplementation:
	default:
		return nil, fmt.Errorf("invalid global mode %q", globalMode)
	}
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve working directory: %w", err)
		}
		cwd = wd
	}

	r := s.runs.CreateRun(mode, globalMode, cwd)
	s.logger.Info("run created", zap.String("run_id", r.ID), zap.String("cwd", cwd))
	return r, nil
}

// GetRun returns the run snapshot.
func (s *Service) GetRun(runID string) (*run.Run, error) {
	return s.runs.GetRun(runID)
}

// ListRuns returns all runs.
func (s *Service) ListRuns() []*run.Run {
	return s.runs.ListRuns()
}

// PatchRun applies status, mode and global mode changes. Status transitions
// drive the scheduler: running starts the loop, paused pauses it, stopped
// stops it.
func (s *Service) PatchRun(runID string, patch store.RunPatch) (*run.Run, error) {
	if patch.Status != nil {
		switch *patch.Status {
		case run.StatusRunning:
			if s.sched.IsRunning(runID) {
				if err := s.sched.Resume(runID); err != nil {
					return nil, err
				}
			} else if err := s.sched.Start(runID); err != nil {
				return nil, err
			}
		case run.StatusPaused:
			if err := s.sched.Pause(runID); err != nil {
				return nil, err
			}
		case run.StatusStopped:
			if err := s.sched.Stop(runID); err != nil && !errors.Is(err, store.ErrRunNotFound) {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("invalid run status %q", *patch.Status)
		}
		patch.Status = nil
	}

	if patch.Mode == nil && patch.GlobalMode == nil {
		return s.runs.GetRun(runID)
	}
	updated, err := s.runs.PatchRun(runID, patch)
	if err != nil {
		return nil, err
	}
	payload := map[string]interface{}{}
	if patch.Mode != nil {
		payload["mode"] = string(*patch.Mode)
	}
	if patch.GlobalMode != nil {
		payload["globalMode"] = string(*patch.GlobalMode)
	}
	s.publish(runID, events.RunPatch, payload)
	return updated, nil
}

// DeleteRun stops the run and removes every trace of it: sessions, queues,
// artifacts, workspaces, the event log and the persisted snapshot.
func (s *Service) DeleteRun(ctx context.Context, runID string) error {
	r, err := s.runs.GetRun(runID)
	if err != nil {
		return err
	}

	if err := s.sched.Stop(runID); err != nil && !errors.Is(err, store.ErrRunNotFound) {
		s.logger.Warn("failed to stop run before delete", zap.String("run_id", runID), zap.Error(err))
	}
	s.sessions.CloseRun(runID)
	s.approvals.CancelForRun(runID)
	s.chat.ClearRun(runID)
	s.prompts.ClearRun(runID)
	s.workspaces.Cleanup(ctx, runID, r.Cwd)
	if err := s.artifacts.RemoveRun(runID); err != nil {
		s.logger.Warn("failed to remove artifacts", zap.String("run_id", runID), zap.Error(err))
	}
	if err := s.eventLog.Remove(runID); err != nil {
		s.logger.Warn("failed to remove event log", zap.String("run_id", runID), zap.Error(err))
	}
	if s.snapshots != nil {
		s.snapshots.Delete(runID)
	}

	if err := s.runs.DeleteRun(runID); err != nil {
		return err
	}
	s.logger.Info("run deleted", zap.String("run_id", runID))
	return nil
}

// Events pages backward through the run's event history.
func (s *Service) Events(runID string, limit int, before *int64) (*eventlog.Page, error) {
	if _, err := s.runs.GetRun(runID); err != nil {
		return nil, err
	}
	return s.eventLog.Replay(runID, limit, before)
}

// AddNode creates a node. The first node of a run becomes its root.
func (s *Service) AddNode(runID string, node *run.Node) (*run.Node, error) {
	r, err := s.runs.GetRun(runID)
	if err != nil {
		return nil, err
	}
	created, err := s.runs.AddNode(runID, node)
	if err != nil {
		return nil, err
	}
	if r.RootNodeID == "" {
		if err := s.runs.SetRootNode(runID, created.ID); err != nil {
			s.logger.Warn("failed to set root node", zap.String("run_id", runID), zap.Error(err))
		}
	}
	s.publish(runID, events.NodePatch, map[string]interface{}{
		"nodeId": created.ID,
		"node":   created,
	})
	return created, nil
}

// PatchNode updates node state or configuration.
func (s *Service) PatchNode(runID, nodeID string, patch store.NodePatch) (*run.Node, error) {
	updated, err := s.runs.PatchNode(runID, nodeID, patch)
	if err != nil {
		return nil, err
	}
	s.publish(runID, events.NodePatch, map[string]interface{}{
		"nodeId": updated.ID,
		"node":   updated,
	})
	return updated, nil
}

// RemoveNode deletes the node, its provider session and its edges.
func (s *Service) RemoveNode(runID, nodeID string) error {
	s.sessions.Reset(runID, nodeID)
	s.approvals.CancelForNode(nodeID)
	if err := s.runs.RemoveNode(runID, nodeID); err != nil {
		return err
	}
	s.publish(runID, events.NodeDeleted, map[string]interface{}{"nodeId": nodeID})
	return nil
}

// ResetNode closes the node's provider session so the next turn starts
// fresh, clearing the recorded external session id.
func (s *Service) ResetNode(runID, nodeID string) (*run.Node, error) {
	if _, err := s.runs.GetNode(runID, nodeID); err != nil {
		return nil, err
	}
	s.sessions.Reset(runID, nodeID)
	empty := ""
	updated, err := s.runs.PatchNode(runID, nodeID, store.NodePatch{SessionID: &empty})
	if err != nil {
		return nil, err
	}
	s.publish(runID, events.NodePatch, map[string]interface{}{
		"nodeId": updated.ID,
		"node":   updated,
	})
	return updated, nil
}

// AddEdge links two nodes.
func (s *Service) AddEdge(runID string, edge *run.Edge) (*run.Edge, error) {
	created, err := s.runs.AddEdge(runID, edge)
	if err != nil {
		return nil, err
	}
	s.publish(runID, events.EdgeCreated, map[string]interface{}{
		"edgeId":        created.ID,
		"from":          created.From,
		"to":            created.To,
		"bidirectional": created.Bidirectional,
	})
	return created, nil
}

// SendHandoff enqueues a handoff envelope from one node to another, creating
// the edge when none exists, and re-queues an idle automatic target.
func (s *Service) SendHandoff(runID, from, to, message string) (*run.Envelope, error) {
	if from == "" || to == "" || message == "" {
		return nil, fmt.Errorf("handoff requires from, to and message")
	}
	r, err := s.runs.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if _, ok := r.Nodes[from]; !ok {
		return nil, store.ErrNodeNotFound
	}
	if _, ok := r.Nodes[to]; !ok {
		return nil, store.ErrNodeNotFound
	}

	var edge *run.Edge
	for _, e := range r.Edges {
		if (e.From == from && e.To == to) || (e.Bidirectional && e.From == to && e.To == from) {
			edge = e
			break
		}
	}
	if edge == nil {
		edge, err = s.AddEdge(runID, &run.Edge{From: from, To: to, Type: run.EdgeHandoff})
		if err != nil {
			return nil, err
		}
	}

	env := &run.Envelope{
		Kind:    run.EnvelopeHandoff,
		From:    from,
		To:      to,
		Payload: run.Payload{Message: message},
	}
	if err := s.runs.EnqueueEnvelope(runID, edge.ID, env); err != nil {
		return nil, err
	}
	s.publish(runID, events.HandoffSent, map[string]interface{}{
		"from":       from,
		"to":         to,
		"edgeId":     edge.ID,
		"envelopeId": env.ID,
	})

	target := r.Nodes[to]
	if target.Control != run.ControlManual &&
		target.Status != run.NodeQueued && target.Status != run.NodeRunning {
		status := run.NodeQueued
		if updated, err := s.runs.PatchNode(runID, to, store.NodePatch{Status: &status}); err == nil {
			s.publish(runID, events.NodePatch, map[string]interface{}{
				"nodeId": updated.ID,
				"status": string(updated.Status),
			})
		}
	}
	return env, nil
}

// RemoveEdge removes an edge; undelivered envelopes on it are dropped.
func (s *Service) RemoveEdge(runID, edgeID string) error {
	if err := s.runs.RemoveEdge(runID, edgeID); err != nil {
		return err
	}
	s.publish(runID, events.EdgeDeleted, map[string]interface{}{"edgeId": edgeID})
	return nil
}

func (s *Service) publish(runID, eventType string, payload map[string]interface{}) {
	if err := s.bus.Publish(context.Background(), events.New(runID, eventType, payload)); err != nil {
		s.logger.Warn("failed to publish service event",
			zap.String("type", eventType), zap.Error(err))
	}
}
