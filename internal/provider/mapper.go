package provider

import (
	"strings"
	"sync"
)

// defaultMapperBuffer bounds the normalized event channel. Adapters block on
// a full channel, which backpressures the provider's stdout reader.
const defaultMapperBuffer = 64

// Mapper normalizes one session's provider dialect into canonical events.
// Adapters call the typed methods as they decode frames; the executor reads
// the Events channel. A mapper is stateful per session: it tracks streamed
// text for final-text dedup and the set of proposed-but-unfinished tools.
type Mapper struct {
	mu       sync.Mutex
	out      chan Event
	streamed strings.Builder
	pending  map[string]*ToolCall
	closed   bool
}

// NewMapper creates a mapper with the default channel buffer.
func NewMapper() *Mapper {
	return &Mapper{
		out:     make(chan Event, defaultMapperBuffer),
		pending: make(map[string]*ToolCall),
	}
}

// Events returns the normalized event stream.
func (m *Mapper) Events() <-chan Event {
	return m.out
}

// Session reports the provider-assigned session id.
func (m *Mapper) Session(sessionID string) {
	m.emit(Event{Type: EventSession, SessionID: sessionID})
}

// Delta emits one streamed text fragment and records it for dedup.
func (m *Mapper) Delta(content string, index int) {
	if content == "" {
		return
	}
	m.mu.Lock()
	m.streamed.WriteString(content)
	m.mu.Unlock()
	m.emit(Event{Type: EventMessageDelta, Content: content, Index: index})
}

// Reasoning emits a thinking fragment.
func (m *Mapper) Reasoning(content string) {
	if content == "" {
		return
	}
	m.emit(Event{Type: EventMessageReasoning, Content: content})
}

// AggregateText handles providers that repeat the full assistant text after
// streaming it. Text already covered by prior deltas is not re-emitted as a
// delta; text never streamed is. Either way the content is retained so the
// closing FinalText can fall back to it.
func (m *Mapper) AggregateText(content string) {
	if content == "" {
		return
	}
	m.mu.Lock()
	seen := m.streamed.String()
	if strings.Contains(seen, content) || content == seen {
		m.mu.Unlock()
		return
	}
	m.streamed.WriteString(content)
	m.mu.Unlock()
	m.emit(Event{Type: EventMessageDelta, Content: content})
}

// FinalText emits message.final. Empty content falls back to the text
// accumulated from deltas, so aggregate-only providers still produce a
// final message. Resets the dedup buffer for the next turn.
func (m *Mapper) FinalText(content string, tokenCount int) {
	m.mu.Lock()
	if content == "" {
		content = m.streamed.String()
	}
	m.streamed.Reset()
	m.mu.Unlock()
	m.emit(Event{Type: EventMessageFinal, Content: content, TokenCount: tokenCount})
}

// ToolProposed classifies and emits a proposed tool call, tracking it until
// completion. Returns the classified call.
func (m *Mapper) ToolProposed(id, name string, args map[string]any) *ToolCall {
	tool := &ToolCall{
		ID:   id,
		Name: name,
		Args: args,
		Risk: ClassifyRisk(name, args),
	}
	m.mu.Lock()
	m.pending[id] = tool
	m.mu.Unlock()
	m.emit(Event{Type: EventToolProposed, Tool: cloneTool(tool), ToolID: id})
	return cloneTool(tool)
}

// SubstituteArgs replaces a pending tool's arguments after a modified
// approval, so started/completed events carry the approved form.
func (m *Mapper) SubstituteArgs(toolID string, args map[string]any) {
	m.mu.Lock()
	if tool, ok := m.pending[toolID]; ok {
		tool.Args = args
	}
	m.mu.Unlock()
}

// ToolStarted emits tool.started for a tracked tool. Untracked ids are
// proposed implicitly first so proposed/started stay paired.
func (m *Mapper) ToolStarted(toolID, name string, args map[string]any) {
	m.mu.Lock()
	tool, known := m.pending[toolID]
	m.mu.Unlock()
	if !known {
		m.ToolProposed(toolID, name, args)
		m.mu.Lock()
		tool = m.pending[toolID]
		m.mu.Unlock()
	}
	m.emit(Event{Type: EventToolStarted, ToolID: toolID, Tool: cloneTool(tool)})
}

// ToolCompleted emits tool.completed and forgets the tool.
func (m *Mapper) ToolCompleted(toolID, result, errMsg string, durationMs int64) {
	m.mu.Lock()
	tool := m.pending[toolID]
	delete(m.pending, toolID)
	m.mu.Unlock()
	m.emit(Event{
		Type:       EventToolCompleted,
		ToolID:     toolID,
		Tool:       cloneTool(tool),
		Result:     result,
		Err:        errMsg,
		DurationMs: durationMs,
	})
}

// PendingTool returns a tracked proposed tool by id.
func (m *Mapper) PendingTool(toolID string) (*ToolCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tool, ok := m.pending[toolID]
	return cloneTool(tool), ok
}

// Diff emits a named patch.
func (m *Mapper) Diff(name, patch string) {
	m.emit(Event{Type: EventDiff, Name: name, Patch: patch})
}

// Log emits named log content.
func (m *Mapper) Log(name, content string) {
	m.emit(Event{Type: EventLog, Name: name, Content: content})
}

// JSON emits a named structured payload.
func (m *Mapper) JSON(name string, payload map[string]any) {
	m.emit(Event{Type: EventJSON, Name: name, Payload: payload})
}

// Progress emits a free-form progress message.
func (m *Mapper) Progress(message string) {
	m.emit(Event{Type: EventProgress, Message: message})
}

// Error surfaces a provider error frame as progress. Stream errors never
// terminate the session from inside the mapper.
func (m *Mapper) Error(message string) {
	m.emit(Event{Type: EventProgress, Message: "provider error: " + message})
}

// Final ends the turn. Pending tools left open by the provider are completed
// with an interruption error first so every proposed call gets a completion.
func (m *Mapper) Final(output, summary string) {
	m.mu.Lock()
	var orphaned []string
	for id := range m.pending {
		orphaned = append(orphaned, id)
	}
	m.mu.Unlock()
	for _, id := range orphaned {
		m.ToolCompleted(id, "", "tool call did not complete before turn end", 0)
	}
	m.emit(Event{Type: EventFinal, Output: output, Summary: summary})
}

// Close closes the event channel. Further emits are dropped.
func (m *Mapper) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.out)
}

func (m *Mapper) emit(ev Event) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	m.out <- ev
}

func cloneTool(t *ToolCall) *ToolCall {
	if t == nil {
		return nil
	}
	out := *t
	if t.Args != nil {
		args := make(map[string]any, len(t.Args))
		for k, v := range t.Args {
			args[k] = v
		}
		out.Args = args
	}
	return &out
}
