// Package run defines the entities of the run engine: runs, nodes, edges,
// envelopes and artifacts. Entities reference each other by id only; the
// store in internal/run/store owns all mutation.
package run

import "time"

// Status is the lifecycle status of a run.
type Status string

// Run lifecycle statuses.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Mode is the orchestration mode of a run.
type Mode string

// Orchestration modes.
const (
	ModeAuto        Mode = "AUTO"
	ModeInteractive Mode = "INTERACTIVE"
)

// GlobalMode is the run-wide working posture. PLANNING restricts writes to
// documentation; IMPLEMENTATION allows code changes.
type GlobalMode string

// Global modes.
const (
	GlobalPlanning       GlobalMode = "PLANNING"
	GlobalImplementation GlobalMode = "IMPLEMENTATION"
)

// NodeStatus is the lifecycle status of a node.
type NodeStatus string

// Node lifecycle statuses. A terminal node transitions back to queued when
// new input arrives (re-activation).
const (
	NodeQueued    NodeStatus = "queued"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeCancelled NodeStatus = "cancelled"
)

// Terminal reports whether s is a terminal node status.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	}
	return false
}

// Control decides whether the scheduler may wake a node automatically.
type Control string

// Control values. MANUAL nodes run only when the user queues them.
const (
	ControlAuto   Control = "AUTO"
	ControlManual Control = "MANUAL"
)

// PermissionMode decides how tool calls proposed by a node are gated.
type PermissionMode string

// Permission modes.
const (
	PermissionsSkip  PermissionMode = "skip"
	PermissionsGated PermissionMode = "gated"
)

// EdgeScope limits which edges a node may manage through engine tools.
type EdgeScope string

// Edge management scopes.
const (
	EdgeScopeNone EdgeScope = "none"
	EdgeScopeSelf EdgeScope = "self"
	EdgeScopeAll  EdgeScope = "all"
)

// EdgeType distinguishes forward handoffs from upward reports.
type EdgeType string

// Edge types.
const (
	EdgeHandoff EdgeType = "handoff"
	EdgeReport  EdgeType = "report"
)

// EnvelopeKind is the kind of message carried on an edge.
type EnvelopeKind string

// Envelope kinds.
const (
	EnvelopeHandoff EnvelopeKind = "handoff"
	EnvelopeSignal  EnvelopeKind = "signal"
)

// ResponseExpectation states whether the sender expects an answer.
type ResponseExpectation string

// Response expectations.
const (
	ResponseNone     ResponseExpectation = "none"
	ResponseOptional ResponseExpectation = "optional"
	ResponseRequired ResponseExpectation = "required"
)

// ArtifactKind classifies stored artifacts.
type ArtifactKind string

// Artifact kinds.
const (
	ArtifactDiff        ArtifactKind = "diff"
	ArtifactPrompt      ArtifactKind = "prompt"
	ArtifactLog         ArtifactKind = "log"
	ArtifactTranscript  ArtifactKind = "transcript"
	ArtifactContextPack ArtifactKind = "contextpack"
	ArtifactReport      ArtifactKind = "report"
)

// Capabilities describe what a node is allowed to do.
type Capabilities struct {
	WriteCode      bool      `json:"writeCode" yaml:"writeCode"`
	WriteDocs      bool      `json:"writeDocs" yaml:"writeDocs"`
	RunCommands    bool      `json:"runCommands" yaml:"runCommands"`
	DelegateOnly   bool      `json:"delegateOnly" yaml:"delegateOnly"`
	EdgeManagement EdgeScope `json:"edgeManagement" yaml:"edgeManagement"`
}

// Permissions describe how the node's tool calls are gated.
type Permissions struct {
	CLIPermissions                  PermissionMode `json:"cliPermissions" yaml:"cliPermissions"`
	AgentManagementRequiresApproval bool           `json:"agentManagementRequiresApproval" yaml:"agentManagementRequiresApproval"`
}

// SessionDescriptor carries the external tool session binding for a node.
type SessionDescriptor struct {
	SessionID     string   `json:"sessionId,omitempty"`
	ResetCommands []string `json:"resetCommands,omitempty"`
}

// Run is a single execution of a user-defined agent graph.
type Run struct {
	ID         string               `json:"id"`
	Status     Status               `json:"status"`
	Mode       Mode                 `json:"mode"`
	GlobalMode GlobalMode           `json:"globalMode"`
	CreatedAt  time.Time            `json:"createdAt"`
	UpdatedAt  time.Time            `json:"updatedAt"`
	Nodes      map[string]*Node     `json:"nodes"`
	Edges      map[string]*Edge     `json:"edges"`
	Artifacts  map[string]*Artifact `json:"artifacts"`
	RootNodeID string               `json:"rootNodeId,omitempty"`
	Cwd        string               `json:"cwd,omitempty"`
}

// Node is a worker inside a run bound to one external tool session.
type Node struct {
	ID           string            `json:"id"`
	RunID        string            `json:"runId"`
	Label        string            `json:"label"`
	Role         string            `json:"role"`
	Provider     string            `json:"provider"`
	Status       NodeStatus        `json:"status"`
	Capabilities Capabilities      `json:"capabilities"`
	Permissions  Permissions       `json:"permissions"`
	Session      SessionDescriptor `json:"session"`
	Control      Control           `json:"control"`
	TurnCount    int               `json:"turnCount"`
	LastOutput   string            `json:"lastOutput,omitempty"`
	InboxCount   int               `json:"inboxCount"`
	Summary      string            `json:"summary,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Edge is a directed channel carrying envelopes between two nodes.
type Edge struct {
	ID            string      `json:"id"`
	From          string      `json:"from"`
	To            string      `json:"to"`
	Bidirectional bool        `json:"bidirectional"`
	Type          EdgeType    `json:"type"`
	Label         string      `json:"label,omitempty"`
	Pending       []*Envelope `json:"pendingEnvelopes"`
}

// EnvelopeStatus reports the sender's outcome.
type EnvelopeStatus struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// Payload is the body of an envelope.
type Payload struct {
	Message             string              `json:"message"`
	Data                map[string]any      `json:"data,omitempty"`
	ArtifactIDs         []string            `json:"artifactIds,omitempty"`
	Status              *EnvelopeStatus     `json:"status,omitempty"`
	ResponseExpectation ResponseExpectation `json:"responseExpectation,omitempty"`
}

// Envelope is one message flowing along an edge. It is consumed exactly once
// by the scheduler on behalf of the target node.
type Envelope struct {
	ID         string         `json:"id"`
	Kind       EnvelopeKind   `json:"kind"`
	From       string         `json:"from"`
	To         string         `json:"to"`
	CreatedAt  time.Time      `json:"createdAt"`
	Payload    Payload        `json:"payload"`
	ContextRef string         `json:"contextRef,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// ArtifactMeta carries optional artifact metadata.
type ArtifactMeta struct {
	FilesChanged int    `json:"filesChanged,omitempty"`
	Summary      string `json:"summary,omitempty"`
}

// Artifact is a file produced during a run, stored under the run's data dir.
type Artifact struct {
	ID        string        `json:"id"`
	RunID     string        `json:"runId"`
	NodeID    string        `json:"nodeId"`
	Kind      ArtifactKind  `json:"kind"`
	Name      string        `json:"name"`
	Path      string        `json:"path"`
	CreatedAt time.Time     `json:"createdAt"`
	Meta      *ArtifactMeta `json:"meta,omitempty"`
}
