// Package provider defines the canonical event model and session contract
// shared by every coding-assistant CLI adapter, plus the mapper that
// normalizes provider dialects into that model.
package provider

import (
	"context"
	"errors"
)

// EventType enumerates canonical provider events.
type EventType string

// Canonical event types emitted by a session.
const (
	EventSession          EventType = "session"
	EventMessageDelta     EventType = "message.delta"
	EventMessageReasoning EventType = "message.reasoning"
	EventMessageFinal     EventType = "message.final"
	EventToolProposed     EventType = "tool.proposed"
	EventToolStarted      EventType = "tool.started"
	EventToolCompleted    EventType = "tool.completed"
	EventDiff             EventType = "diff"
	EventLog              EventType = "log"
	EventJSON             EventType = "json"
	EventProgress         EventType = "progress"
	EventFinal            EventType = "final"
)

// Risk is the classified risk level of a proposed tool call.
type Risk string

// Risk levels.
const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// ToolCall describes a tool invocation proposed by the provider.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
	Risk Risk           `json:"risk"`
}

// Event is one normalized provider event. Only the fields relevant to the
// type are set.
type Event struct {
	Type EventType

	// EventSession
	SessionID string

	// EventMessageDelta / EventMessageReasoning / EventMessageFinal
	Content    string
	Index      int
	TokenCount int

	// EventToolProposed / EventToolStarted / EventToolCompleted
	Tool       *ToolCall
	ToolID     string
	Result     string
	Err        string
	DurationMs int64

	// EventDiff / EventLog / EventJSON
	Name    string
	Patch   string
	Payload map[string]any

	// EventProgress
	Message string

	// EventFinal
	Output  string
	Summary string
}

// Decision is the approval outcome relayed back to the CLI for a proposed
// tool call.
type Decision struct {
	Approved     bool
	ModifiedArgs map[string]any
	Feedback     string
}

// Session is one streaming conversation with a provider process. A session
// is owned by one turn at a time; the Events channel stays open across turns
// until Close.
type Session interface {
	// Send submits a prompt and starts streaming events for the turn.
	Send(ctx context.Context, prompt string) error
	// Events yields normalized events. An EventFinal marks the end of the
	// current turn; the channel closes only when the session closes.
	Events() <-chan Event
	// Respond relays the approval decision for a proposed tool call.
	Respond(ctx context.Context, toolID string, decision Decision) error
	// Interrupt aborts the in-flight turn, keeping the session usable.
	Interrupt(ctx context.Context) error
	// Close terminates the session and its child process.
	Close() error
}

// SessionSpec carries everything an adapter needs to open a session.
type SessionSpec struct {
	RunID           string
	NodeID          string
	Workdir         string
	SystemPrompt    string
	ResumeSessionID string
	SkipPermissions bool
	MCPEndpoint     string
}

// Adapter opens sessions against one configured provider.
type Adapter interface {
	Kind() string
	Open(ctx context.Context, spec SessionSpec) (Session, error)
}

// ErrProviderNotFound is returned by the registry for unknown names.
var ErrProviderNotFound = errors.New("provider not found")
