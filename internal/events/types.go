// Package events defines the canonical event envelope published by the run
// engine and the event types consumers can subscribe to.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vuhlp/vuhlp/internal/common/ident"
)

// Event types for runs
const (
	RunPatch   = "run.patch"
	RunMode    = "run.mode"
	RunStalled = "run.stalled"
)

// Event types for nodes
const (
	NodePatch    = "node.patch"
	NodeDeleted  = "node.deleted"
	NodeProgress = "node.progress"
)

// Event types for edges
const (
	EdgeCreated = "edge.created"
	EdgeDeleted = "edge.deleted"
)

// Event types for envelope traffic between nodes
const (
	HandoffSent = "handoff.sent"
)

// Event types for user chat and assistant output
const (
	MessageUser               = "message.user"
	MessageUserQueued         = "message.user.queued"
	MessageAssistantDelta     = "message.assistant.delta"
	MessageAssistantReasoning = "message.assistant.reasoning"
	MessageAssistantFinal     = "message.assistant.final"
)

// Event types for tool calls
const (
	ToolProposed  = "tool.proposed"
	ToolStarted   = "tool.started"
	ToolCompleted = "tool.completed"
)

// Event types for approvals
const (
	ApprovalRequested = "approval.requested"
	ApprovalResolved  = "approval.resolved"
)

// Event types for artifacts
const (
	ArtifactCreated = "artifact.created"
)

// Event types for turns
const (
	TurnStarted     = "turn.started"
	TurnCompleted   = "turn.completed"
	TurnFailed      = "turn.failed"
	TurnInterrupted = "turn.interrupted"
)

// EventsGap marks events dropped on a slow subscriber. It is synthesized by
// the bus per subscription and never written to the event log.
const EventsGap = "events.gap"

// Reserved envelope keys. Payload entries under these keys are shadowed by
// the envelope fields when serialized.
const (
	keyID    = "id"
	keyRunID = "runId"
	keyTs    = "ts"
	keyType  = "type"
)

// Event is the canonical envelope. On the wire and in the event log it is a
// single flat JSON object: {id, runId, ts, type, ...payload}.
type Event struct {
	ID      string
	RunID   string
	Ts      time.Time
	Type    string
	Payload map[string]interface{}
}

var clock = ident.NewClock()

// New creates an event stamped with a time-ordered id and a timestamp
// strictly greater than any event created before it in this process.
func New(runID, eventType string, payload map[string]interface{}) *Event {
	return &Event{
		ID:      ident.NewEventID(),
		RunID:   runID,
		Ts:      clock.Now(),
		Type:    eventType,
		Payload: payload,
	}
}

// NewGap builds the synthetic marker delivered in place of dropped events.
func NewGap(runID string, dropped int) *Event {
	return New(runID, EventsGap, map[string]interface{}{"dropped": dropped})
}

// MarshalJSON flattens the payload into the envelope object.
func (e *Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(e.Payload)+4)
	for k, v := range e.Payload {
		out[k] = v
	}
	out[keyID] = e.ID
	out[keyRunID] = e.RunID
	out[keyTs] = ident.Timestamp(e.Ts)
	out[keyType] = e.Type
	return json.Marshal(out)
}

// UnmarshalJSON splits the flat object back into envelope fields and payload.
// Unknown top-level keys become the payload.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if id, ok := raw[keyID].(string); ok {
		e.ID = id
	}
	if runID, ok := raw[keyRunID].(string); ok {
		e.RunID = runID
	}
	if typ, ok := raw[keyType].(string); ok {
		e.Type = typ
	}
	if ts, ok := raw[keyTs].(string); ok {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return fmt.Errorf("invalid event timestamp %q: %w", ts, err)
		}
		e.Ts = parsed
	}
	delete(raw, keyID)
	delete(raw, keyRunID)
	delete(raw, keyTs)
	delete(raw, keyType)
	if len(raw) > 0 {
		e.Payload = raw
	} else {
		e.Payload = nil
	}
	return nil
}

// Subject returns the bus subject the event is published on. The run id sits
// between the fixed prefix and the event type so that a single wildcard
// covers one run: run.<runId>.<type>.
func (e *Event) Subject() string {
	return "run." + e.RunID + "." + e.Type
}

// BuildRunWildcardSubject creates a subscription subject matching every
// event of one run.
func BuildRunWildcardSubject(runID string) string {
	return "run." + runID + ".>"
}

// BuildAllRunsWildcardSubject creates a subscription subject matching every
// event of every run.
func BuildAllRunsWildcardSubject() string {
	return "run.>"
}
