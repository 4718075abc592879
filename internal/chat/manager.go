// Package chat queues user messages addressed to a run or one of its nodes
// and formats them into prompt blocks when the scheduler hands a node its
// turn. It also tracks per-run and per-node interaction mode.
package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vuhlp/vuhlp/internal/common/ident"
	"github.com/vuhlp/vuhlp/internal/common/logger"
	"github.com/vuhlp/vuhlp/internal/events"
	"github.com/vuhlp/vuhlp/internal/events/bus"
)

// Role of a chat message author.
type Role string

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// InteractionMode forces the scheduler to wait for user input between turns
// when manual.
type InteractionMode string

// Interaction modes.
const (
	InteractionAutonomous InteractionMode = "autonomous"
	InteractionManual     InteractionMode = "manual"
)

// DefaultRetention bounds per-run history; oldest messages drop first.
const DefaultRetention = 50

// Message is one chat message. An empty NodeID addresses the whole run.
type Message struct {
	ID                   string    `json:"id"`
	RunID                string    `json:"runId"`
	NodeID               string    `json:"nodeId,omitempty"`
	Role                 Role      `json:"role"`
	Content              string    `json:"content"`
	CreatedAt            time.Time `json:"createdAt"`
	Processed            bool      `json:"processed"`
	InterruptedExecution bool      `json:"interruptedExecution"`
}

// SendRequest carries the inputs of Send.
type SendRequest struct {
	RunID     string
	NodeID    string
	Role      Role
	Content   string
	Interrupt bool
}

// InboxSink receives per-node queued chat counts so the run store can keep
// inboxCount = pending envelopes + queued chat.
type InboxSink interface {
	SetChatInbox(runID, nodeID string, count int) error
}

// Manager owns chat messages and interaction modes.
type Manager struct {
	mu        sync.Mutex
	byRun     map[string][]*Message
	runModes  map[string]InteractionMode
	nodeModes map[string]InteractionMode // key runID+"/"+nodeID
	synced    map[string]map[string]bool // runID -> nodes last reported with queued chat
	retention int
	bus       bus.EventBus
	inbox     InboxSink
	logger    *logger.Logger
	clock     ident.Clock
}

// NewManager creates a chat manager. inbox may be nil in tests.
func NewManager(b bus.EventBus, inbox InboxSink, retention int, log *logger.Logger) *Manager {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Manager{
		byRun:     make(map[string][]*Message),
		runModes:  make(map[string]InteractionMode),
		nodeModes: make(map[string]InteractionMode),
		synced:    make(map[string]map[string]bool),
		retention: retention,
		bus:       b,
		inbox:     inbox,
		logger:    log.WithFields(zap.String("component", "chat")),
		clock:     ident.NewClock(),
	}
}

// Send appends a message and publishes message.user (interrupt variant) or
// message.user.queued. Assistant and system messages are recorded without a
// user event.
func (m *Manager) Send(ctx context.Context, req SendRequest) (*Message, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("message content must not be empty")
	}
	role := req.Role
	if role == "" {
		role = RoleUser
	}

	msg := &Message{
		ID:                   ident.New(),
		RunID:                req.RunID,
		NodeID:               req.NodeID,
		Role:                 role,
		Content:              req.Content,
		CreatedAt:            m.clock.Now(),
		InterruptedExecution: req.Interrupt,
	}

	m.mu.Lock()
	history := append(m.byRun[req.RunID], msg)
	if len(history) > m.retention {
		history = history[len(history)-m.retention:]
	}
	m.byRun[req.RunID] = history
	m.mu.Unlock()

	m.syncInbox(req.RunID)

	if role == RoleUser {
		eventType := events.MessageUserQueued
		if req.Interrupt {
			eventType = events.MessageUser
		}
		m.publish(req.RunID, eventType, map[string]interface{}{
			"messageId": msg.ID,
			"nodeId":    msg.NodeID,
			"content":   msg.Content,
		})
	}

	m.logger.Debug("chat message queued",
		zap.String("run_id", req.RunID),
		zap.String("node_id", req.NodeID),
		zap.Bool("interrupt", req.Interrupt))
	return cloneMessage(msg), nil
}

// Pending returns unprocessed user messages. With a node id it returns that
// node's messages plus run-level ones; without, every unprocessed message.
func (m *Manager) Pending(runID, nodeID string) []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Message
	for _, msg := range m.byRun[runID] {
		if msg.Processed || msg.Role != RoleUser {
			continue
		}
		if nodeID != "" && msg.NodeID != nodeID && msg.NodeID != "" {
			continue
		}
		out = append(out, cloneMessage(msg))
	}
	return out
}

// HasPending reports whether the run has any unprocessed user message.
func (m *Manager) HasPending(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.byRun[runID] {
		if !msg.Processed && msg.Role == RoleUser {
			return true
		}
	}
	return false
}

// Consume atomically collects the unprocessed user messages matching the
// selector, marks them processed, and returns them together with a prompt
// block. The block is empty when nothing matched.
func (m *Manager) Consume(runID string, selector func(*Message) bool) (string, []*Message) {
	m.mu.Lock()
	var consumed []*Message
	for _, msg := range m.byRun[runID] {
		if msg.Processed || msg.Role != RoleUser {
			continue
		}
		if selector(cloneMessage(msg)) {
			msg.Processed = true
			consumed = append(consumed, cloneMessage(msg))
		}
	}
	m.mu.Unlock()

	if len(consumed) > 0 {
		m.syncInbox(runID)
	}
	return FormatPromptBlock(consumed), consumed
}

// FormatPromptBlock renders messages as a delimited chat block for a turn
// prompt. Returns "" for an empty slice.
func FormatPromptBlock(msgs []*Message) string {
	if len(msgs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("--- USER CHAT MESSAGES ---\n")
	for _, msg := range msgs {
		scope := msg.NodeID
		if scope == "" {
			scope = "run"
		}
		fmt.Fprintf(&b, "[%s] [%s]: %s\n", scope, ident.Timestamp(msg.CreatedAt), msg.Content)
	}
	b.WriteString("--- USER CHAT MESSAGES ---")
	return b.String()
}

// History returns every retained message of the run.
func (m *Manager) History(runID string) []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Message, 0, len(m.byRun[runID]))
	for _, msg := range m.byRun[runID] {
		out = append(out, cloneMessage(msg))
	}
	return out
}

// ClearRun drops the run's history and modes.
func (m *Manager) ClearRun(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byRun, runID)
	delete(m.runModes, runID)
	delete(m.synced, runID)
	prefix := runID + "/"
	for key := range m.nodeModes {
		if strings.HasPrefix(key, prefix) {
			delete(m.nodeModes, key)
		}
	}
}

// InteractionModeFor returns the effective interaction mode of a node: the
// node-level override when set, else the run level, else autonomous.
func (m *Manager) InteractionModeFor(runID, nodeID string) InteractionMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if nodeID != "" {
		if mode, ok := m.nodeModes[runID+"/"+nodeID]; ok {
			return mode
		}
	}
	if mode, ok := m.runModes[runID]; ok {
		return mode
	}
	return InteractionAutonomous
}

// RunInteractionMode returns the run-level interaction mode.
func (m *Manager) RunInteractionMode(runID string) InteractionMode {
	return m.InteractionModeFor(runID, "")
}

// SetInteractionMode sets the run-level (empty nodeID) or node-level mode
// and emits run.mode when the effective mode changes. A node without an
// override inherits the run-level mode, so prev is resolved against that.
func (m *Manager) SetInteractionMode(runID, nodeID string, mode InteractionMode) {
	m.mu.Lock()
	var prev InteractionMode
	if nodeID == "" {
		prev = m.runModes[runID]
		m.runModes[runID] = mode
	} else {
		if override, ok := m.nodeModes[runID+"/"+nodeID]; ok {
			prev = override
		} else {
			prev = m.runModes[runID]
		}
		m.nodeModes[runID+"/"+nodeID] = mode
	}
	m.mu.Unlock()

	if prev == "" {
		prev = InteractionAutonomous
	}
	if prev != mode {
		m.publish(runID, events.RunMode, map[string]interface{}{
			"nodeId":          nodeID,
			"interactionMode": string(mode),
		})
	}
}

// syncInbox pushes the current queued chat counts of direct-target messages
// into the run store. Nodes whose queue drained get an explicit zero so the
// store's inbox count falls back to pending envelopes only.
func (m *Manager) syncInbox(runID string) {
	if m.inbox == nil {
		return
	}
	m.mu.Lock()
	counts := make(map[string]int)
	for _, msg := range m.byRun[runID] {
		if !msg.Processed && msg.Role == RoleUser && msg.NodeID != "" {
			counts[msg.NodeID]++
		}
	}
	for nodeID := range m.synced[runID] {
		if _, ok := counts[nodeID]; !ok {
			counts[nodeID] = 0
		}
	}
	current := make(map[string]bool)
	for nodeID, count := range counts {
		if count > 0 {
			current[nodeID] = true
		}
	}
	m.synced[runID] = current
	m.mu.Unlock()

	for nodeID, count := range counts {
		if err := m.inbox.SetChatInbox(runID, nodeID, count); err != nil {
			m.logger.Debug("failed to sync chat inbox", zap.String("node_id", nodeID), zap.Error(err))
		}
	}
}

func (m *Manager) publish(runID, eventType string, payload map[string]interface{}) {
	if err := m.bus.Publish(context.Background(), events.New(runID, eventType, payload)); err != nil {
		m.logger.Warn("failed to publish chat event", zap.Error(err))
	}
}

func cloneMessage(msg *Message) *Message {
	out := *msg
	return &out
}
