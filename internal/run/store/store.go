// Package store holds the authoritative in-memory state of all runs.
// It is the only place Run, Node, Edge and Artifact records are mutated;
// the scheduler, executor and chat manager go through its methods.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vuhlp/vuhlp/internal/common/ident"
	"github.com/vuhlp/vuhlp/internal/run"
)

// Common errors returned by store methods.
var (
	ErrRunNotFound      = errors.New("run not found")
	ErrNodeNotFound     = errors.New("node not found")
	ErrEdgeNotFound     = errors.New("edge not found")
	ErrNodeExists       = errors.New("node already exists")
	ErrSelfLoop         = errors.New("self-loop edges must be bidirectional")
	ErrUnknownEndpoint  = errors.New("edge endpoint references unknown node")
	ErrArtifactNotFound = errors.New("artifact not found")
)

// runState pairs a run with its per-run lock and derived chat inbox counts.
// Mutations take the run lock; they are short and never block on IO.
type runState struct {
	mu        sync.Mutex
	run       *run.Run
	chatInbox map[string]int // nodeID -> queued unprocessed chat messages
}

// Store is the in-memory run store.
type Store struct {
	mu    sync.RWMutex
	runs  map[string]*runState
	clock ident.Clock
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		runs:  make(map[string]*runState),
		clock: ident.NewClock(),
	}
}

// NodePatch carries the optional fields of a node update. Nil fields are
// left unchanged.
type NodePatch struct {
	Label        *string
	Role         *string
	Provider     *string
	Status       *run.NodeStatus
	Capabilities *run.Capabilities
	Permissions  *run.Permissions
	Control      *run.Control
	LastOutput   *string
	Summary      *string
	SessionID    *string
}

// RunPatch carries the optional fields of a run update.
type RunPatch struct {
	Status     *run.Status
	Mode       *run.Mode
	GlobalMode *run.GlobalMode
}

// CreateRun registers a new run and returns its snapshot.
func (s *Store) CreateRun(mode run.Mode, globalMode run.GlobalMode, cwd string) *run.Run {
	now := s.clock.Now()
	r := &run.Run{
		ID:         ident.New(),
		Status:     run.StatusQueued,
		Mode:       mode,
		GlobalMode: globalMode,
		CreatedAt:  now,
		UpdatedAt:  now,
		Nodes:      make(map[string]*run.Node),
		Edges:      make(map[string]*run.Edge),
		Artifacts:  make(map[string]*run.Artifact),
		Cwd:        cwd,
	}

	s.mu.Lock()
	s.runs[r.ID] = &runState{run: r, chatInbox: make(map[string]int)}
	s.mu.Unlock()

	return cloneRun(r)
}

// RestoreRun registers a run loaded from the snapshot store. It overwrites
// any in-memory run with the same id.
func (s *Store) RestoreRun(r *run.Run) {
	restored := cloneRun(r)
	if restored.Nodes == nil {
		restored.Nodes = make(map[string]*run.Node)
	}
	if restored.Edges == nil {
		restored.Edges = make(map[string]*run.Edge)
	}
	if restored.Artifacts == nil {
		restored.Artifacts = make(map[string]*run.Artifact)
	}
	s.mu.Lock()
	s.runs[restored.ID] = &runState{run: restored, chatInbox: make(map[string]int)}
	s.mu.Unlock()
}

// GetRun returns a deep-copied snapshot of the run.
func (s *Store) GetRun(runID string) (*run.Run, error) {
	st, err := s.state(runID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return cloneRun(st.run), nil
}

// ListRuns returns snapshots of all runs ordered by creation time.
func (s *Store) ListRuns() []*run.Run {
	s.mu.RLock()
	states := make([]*runState, 0, len(s.runs))
	for _, st := range s.runs {
		states = append(states, st)
	}
	s.mu.RUnlock()

	out := make([]*run.Run, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, cloneRun(st.run))
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// DeleteRun removes the run. Returns ErrRunNotFound when absent.
func (s *Store) DeleteRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return ErrRunNotFound
	}
	delete(s.runs, runID)
	return nil
}

// PatchRun applies the patch and returns the updated snapshot.
func (s *Store) PatchRun(runID string, patch RunPatch) (*run.Run, error) {
	st, err := s.state(runID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if patch.Status != nil {
		st.run.Status = *patch.Status
	}
	if patch.Mode != nil {
		st.run.Mode = *patch.Mode
	}
	if patch.GlobalMode != nil {
		st.run.GlobalMode = *patch.GlobalMode
	}
	st.run.UpdatedAt = s.clock.Now()
	return cloneRun(st.run), nil
}

// SetRunStatus is a convenience wrapper around PatchRun for status changes.
func (s *Store) SetRunStatus(runID string, status run.Status) (*run.Run, error) {
	return s.PatchRun(runID, RunPatch{Status: &status})
}

// SetRootNode designates the run's root orchestrator. The node must exist.
func (s *Store) SetRootNode(runID, nodeID string) error {
	st, err := s.state(runID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.run.Nodes[nodeID]; !ok {
		return ErrNodeNotFound
	}
	st.run.RootNodeID = nodeID
	st.run.UpdatedAt = s.clock.Now()
	return nil
}

// AddNode inserts the node into the run. The node id must be unique within
// the run; an empty id is assigned one.
func (s *Store) AddNode(runID string, node *run.Node) (*run.Node, error) {
	st, err := s.state(runID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if node.ID == "" {
		node.ID = ident.New()
	}
	if _, ok := st.run.Nodes[node.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeExists, node.ID)
	}
	now := s.clock.Now()
	node.RunID = runID
	node.CreatedAt = now
	node.UpdatedAt = now
	if node.Status == "" {
		node.Status = run.NodeQueued
	}
	if node.Control == "" {
		node.Control = run.ControlAuto
	}
	if node.Permissions.CLIPermissions == "" {
		node.Permissions.CLIPermissions = run.PermissionsGated
	}
	if node.Capabilities.EdgeManagement == "" {
		node.Capabilities.EdgeManagement = run.EdgeScopeNone
	}
	st.run.Nodes[node.ID] = node
	st.run.UpdatedAt = now
	return cloneNode(node), nil
}

// RemoveNode deletes the node and every edge touching it. The root
// designation is cleared when the root is removed.
func (s *Store) RemoveNode(runID, nodeID string) error {
	st, err := s.state(runID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.run.Nodes[nodeID]; !ok {
		return ErrNodeNotFound
	}
	delete(st.run.Nodes, nodeID)
	delete(st.chatInbox, nodeID)
	for id, e := range st.run.Edges {
		if e.From == nodeID || e.To == nodeID {
			delete(st.run.Edges, id)
		}
	}
	if st.run.RootNodeID == nodeID {
		st.run.RootNodeID = ""
	}
	st.run.UpdatedAt = s.clock.Now()
	s.recomputeInboxLocked(st)
	return nil
}

// GetNode returns a snapshot of one node.
func (s *Store) GetNode(runID, nodeID string) (*run.Node, error) {
	st, err := s.state(runID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	n, ok := st.run.Nodes[nodeID]
	if !ok {
		return nil, ErrNodeNotFound
	}
	return cloneNode(n), nil
}

// PatchNode applies the patch and returns the updated node snapshot.
func (s *Store) PatchNode(runID, nodeID string, patch NodePatch) (*run.Node, error) {
	st, err := s.state(runID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	n, ok := st.run.Nodes[nodeID]
	if !ok {
		return nil, ErrNodeNotFound
	}
	if patch.Label != nil {
		n.Label = *patch.Label
	}
	if patch.Role != nil {
		n.Role = *patch.Role
	}
	if patch.Provider != nil {
		n.Provider = *patch.Provider
	}
	if patch.Status != nil {
		n.Status = *patch.Status
	}
	if patch.Capabilities != nil {
		n.Capabilities = *patch.Capabilities
	}
	if patch.Permissions != nil {
		n.Permissions = *patch.Permissions
	}
	if patch.Control != nil {
		n.Control = *patch.Control
	}
	if patch.LastOutput != nil {
		n.LastOutput = *patch.LastOutput
	}
	if patch.Summary != nil {
		n.Summary = *patch.Summary
	}
	if patch.SessionID != nil {
		n.Session.SessionID = *patch.SessionID
	}
	n.UpdatedAt = s.clock.Now()
	st.run.UpdatedAt = n.UpdatedAt
	return cloneNode(n), nil
}

// IncrementTurnCount bumps the node's turn counter and returns the new value.
func (s *Store) IncrementTurnCount(runID, nodeID string) (int, error) {
	st, err := s.state(runID)
	if err != nil {
		return 0, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	n, ok := st.run.Nodes[nodeID]
	if !ok {
		return 0, ErrNodeNotFound
	}
	n.TurnCount++
	n.UpdatedAt = s.clock.Now()
	return n.TurnCount, nil
}

// AddEdge inserts the edge. Both endpoints must exist; self-loops are
// rejected unless the edge is bidirectional.
func (s *Store) AddEdge(runID string, edge *run.Edge) (*run.Edge, error) {
	st, err := s.state(runID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.run.Nodes[edge.From]; !ok {
		return nil, fmt.Errorf("%w: from %s", ErrUnknownEndpoint, edge.From)
	}
	if _, ok := st.run.Nodes[edge.To]; !ok {
		return nil, fmt.Errorf("%w: to %s", ErrUnknownEndpoint, edge.To)
	}
	if edge.From == edge.To && !edge.Bidirectional {
		return nil, ErrSelfLoop
	}
	if edge.ID == "" {
		edge.ID = ident.New()
	}
	if edge.Type == "" {
		edge.Type = run.EdgeHandoff
	}
	st.run.Edges[edge.ID] = edge
	st.run.UpdatedAt = s.clock.Now()
	return cloneEdge(edge), nil
}

// RemoveEdge deletes the edge and its pending envelopes.
func (s *Store) RemoveEdge(runID, edgeID string) error {
	st, err := s.state(runID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.run.Edges[edgeID]; !ok {
		return ErrEdgeNotFound
	}
	delete(st.run.Edges, edgeID)
	st.run.UpdatedAt = s.clock.Now()
	s.recomputeInboxLocked(st)
	return nil
}

// EnqueueEnvelope appends the envelope to the edge's pending queue (FIFO)
// and refreshes the target node's inbox count.
func (s *Store) EnqueueEnvelope(runID, edgeID string, env *run.Envelope) error {
	st, err := s.state(runID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	e, ok := st.run.Edges[edgeID]
	if !ok {
		return ErrEdgeNotFound
	}
	if env.ID == "" {
		env.ID = ident.New()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = s.clock.Now()
	}
	e.Pending = append(e.Pending, env)
	st.run.UpdatedAt = s.clock.Now()
	s.recomputeInboxLocked(st)
	return nil
}

// ConsumeEnvelopes drains every pending envelope addressed to the node from
// all incoming edges. Envelopes keep FIFO order per edge and are ordered by
// creation time across edges; each envelope is returned exactly once.
func (s *Store) ConsumeEnvelopes(runID, nodeID string) ([]*run.Envelope, error) {
	st, err := s.state(runID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.run.Nodes[nodeID]; !ok {
		return nil, ErrNodeNotFound
	}

	var consumed []*run.Envelope
	for _, e := range st.run.Edges {
		if len(e.Pending) == 0 {
			continue
		}
		var keep []*run.Envelope
		for _, env := range e.Pending {
			if env.To == nodeID {
				consumed = append(consumed, env)
			} else {
				keep = append(keep, env)
			}
		}
		e.Pending = keep
	}
	sort.SliceStable(consumed, func(i, j int) bool {
		return consumed[i].CreatedAt.Before(consumed[j].CreatedAt)
	})
	if len(consumed) > 0 {
		st.run.UpdatedAt = s.clock.Now()
		s.recomputeInboxLocked(st)
	}
	return consumed, nil
}

// PendingEnvelopeCount returns the number of envelopes addressed to the node
// across all incoming edges.
func (s *Store) PendingEnvelopeCount(runID, nodeID string) (int, error) {
	st, err := s.state(runID)
	if err != nil {
		return 0, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return pendingFor(st.run, nodeID), nil
}

// AddArtifact registers the artifact in the run.
func (s *Store) AddArtifact(runID string, a *run.Artifact) (*run.Artifact, error) {
	st, err := s.state(runID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if a.ID == "" {
		a.ID = ident.New()
	}
	a.RunID = runID
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clock.Now()
	}
	st.run.Artifacts[a.ID] = a
	st.run.UpdatedAt = s.clock.Now()
	return cloneArtifact(a), nil
}

// GetArtifact returns a snapshot of one artifact.
func (s *Store) GetArtifact(runID, artifactID string) (*run.Artifact, error) {
	st, err := s.state(runID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	a, ok := st.run.Artifacts[artifactID]
	if !ok {
		return nil, ErrArtifactNotFound
	}
	return cloneArtifact(a), nil
}

// SetChatInbox records how many unprocessed chat messages target the node
// and refreshes its inbox count. The chat manager calls this on every send
// and consume so that inboxCount == pending envelopes + queued chat.
func (s *Store) SetChatInbox(runID, nodeID string, count int) error {
	st, err := s.state(runID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.run.Nodes[nodeID]; !ok {
		return ErrNodeNotFound
	}
	st.chatInbox[nodeID] = count
	s.recomputeInboxLocked(st)
	return nil
}

func (s *Store) state(runID string) (*runState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return st, nil
}

// recomputeInboxLocked rebuilds every node's inbox count from pending
// envelopes plus queued chat. Callers hold the run lock.
func (s *Store) recomputeInboxLocked(st *runState) {
	for id, n := range st.run.Nodes {
		n.InboxCount = pendingFor(st.run, id) + st.chatInbox[id]
	}
}

func pendingFor(r *run.Run, nodeID string) int {
	count := 0
	for _, e := range r.Edges {
		for _, env := range e.Pending {
			if env.To == nodeID {
				count++
			}
		}
	}
	return count
}
