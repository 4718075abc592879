// Package session tracks open provider sessions per (run, node). A node's
// session outlives individual turns so the provider can keep its own context
// between prompts; resetting a node drops the binding so the next turn opens
// a fresh session.
package session

import (
	"sync"

	"go.uber.org/zap"

	"github.com/vuhlp/vuhlp/internal/common/logger"
	"github.com/vuhlp/vuhlp/internal/provider"
)

// Handle binds a node to its open provider session.
type Handle struct {
	Session       provider.Session
	ExternalID    string
	ResetCommands []string
}

// Registry maps (run id, node id) to session handles.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
	logger  *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		handles: make(map[string]*Handle),
		logger:  log.WithFields(zap.String("component", "session-registry")),
	}
}

func key(runID, nodeID string) string { return runID + "/" + nodeID }

// Get returns the node's handle, or nil before the first turn.
func (r *Registry) Get(runID, nodeID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[key(runID, nodeID)]
}

// Put stores the node's handle, replacing any previous one. The previous
// session, if different, is closed.
func (r *Registry) Put(runID, nodeID string, h *Handle) {
	r.mu.Lock()
	prev := r.handles[key(runID, nodeID)]
	r.handles[key(runID, nodeID)] = h
	r.mu.Unlock()

	if prev != nil && prev.Session != nil && (h == nil || prev.Session != h.Session) {
		if err := prev.Session.Close(); err != nil {
			r.logger.Warn("failed to close replaced session",
				zap.String("run_id", runID), zap.String("node_id", nodeID), zap.Error(err))
		}
	}
}

// Reset closes and clears the node's session so the next turn reopens one.
// Resetting a node without a session is a no-op.
func (r *Registry) Reset(runID, nodeID string) {
	r.mu.Lock()
	h := r.handles[key(runID, nodeID)]
	delete(r.handles, key(runID, nodeID))
	r.mu.Unlock()

	if h == nil || h.Session == nil {
		return
	}
	if err := h.Session.Close(); err != nil {
		r.logger.Warn("failed to close session on reset",
			zap.String("run_id", runID), zap.String("node_id", nodeID), zap.Error(err))
	}
}

// CloseRun closes and clears every session belonging to the run.
func (r *Registry) CloseRun(runID string) {
	prefix := runID + "/"
	r.mu.Lock()
	var closing []*Handle
	for k, h := range r.handles {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			closing = append(closing, h)
			delete(r.handles, k)
		}
	}
	r.mu.Unlock()

	for _, h := range closing {
		if h.Session == nil {
			continue
		}
		if err := h.Session.Close(); err != nil {
			r.logger.Warn("failed to close session on run close",
				zap.String("run_id", runID), zap.Error(err))
		}
	}
}
