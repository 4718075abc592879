package v1

// CreateRunRequest creates a run. Empty fields take daemon defaults.
type CreateRunRequest struct {
	Mode       string `json:"mode,omitempty"`
	GlobalMode string `json:"globalMode,omitempty"`
	Cwd        string `json:"cwd,omitempty"`
}

// PatchRunRequest updates run status and modes. Nil fields are unchanged.
type PatchRunRequest struct {
	Status     *string `json:"status,omitempty"`
	Mode       *string `json:"mode,omitempty"`
	GlobalMode *string `json:"globalMode,omitempty"`
}

// NodeCapabilities mirrors the run store's capability set on the wire.
type NodeCapabilities struct {
	WriteCode      bool   `json:"writeCode"`
	WriteDocs      bool   `json:"writeDocs"`
	RunCommands    bool   `json:"runCommands"`
	DelegateOnly   bool   `json:"delegateOnly"`
	EdgeManagement string `json:"edgeManagement,omitempty"`
}

// NodePermissions mirrors the run store's permission set on the wire.
type NodePermissions struct {
	CLIPermissions                  string `json:"cliPermissions,omitempty"`
	AgentManagementRequiresApproval bool   `json:"agentManagementRequiresApproval"`
}

// CreateNodeRequest creates a node in a run.
type CreateNodeRequest struct {
	ID           string            `json:"id,omitempty"`
	Label        string            `json:"label,omitempty"`
	Role         string            `json:"role,omitempty"`
	Provider     string            `json:"provider,omitempty"`
	Control      string            `json:"control,omitempty"`
	Capabilities *NodeCapabilities `json:"capabilities,omitempty"`
	Permissions  *NodePermissions  `json:"permissions,omitempty"`
}

// PatchNodeRequest updates node state or configuration. Nil fields are
// unchanged.
type PatchNodeRequest struct {
	Label        *string           `json:"label,omitempty"`
	Role         *string           `json:"role,omitempty"`
	Provider     *string           `json:"provider,omitempty"`
	Status       *string           `json:"status,omitempty"`
	Control      *string           `json:"control,omitempty"`
	Capabilities *NodeCapabilities `json:"capabilities,omitempty"`
	Permissions  *NodePermissions  `json:"permissions,omitempty"`
}

// CreateEdgeRequest links two nodes.
type CreateEdgeRequest struct {
	From          string `json:"from"`
	To            string `json:"to"`
	Bidirectional bool   `json:"bidirectional,omitempty"`
	Type          string `json:"type,omitempty"`
}

// HandoffRequest enqueues a handoff envelope between two nodes.
type HandoffRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Message string `json:"message"`
}

// ChatRequest posts a user message to a run or a specific node.
type ChatRequest struct {
	NodeID    string `json:"nodeId,omitempty"`
	Content   string `json:"content"`
	Interrupt bool   `json:"interrupt,omitempty"`
}

// ResolveApprovalRequest resolves a pending approval.
type ResolveApprovalRequest struct {
	Decision string         `json:"decision"`
	Args     map[string]any `json:"args,omitempty"`
	Feedback string         `json:"feedback,omitempty"`
}

// PatchPromptRequest edits a pending prompt's content before it is sent.
type PatchPromptRequest struct {
	Content string `json:"content"`
}
