package main

import "encoding/json"

const (
	typeSystem          = "system"
	typeAssistant       = "assistant"
	typeUser            = "user"
	typeResult          = "result"
	typeControlRequest  = "control_request"
	typeControlResponse = "control_response"
)

const (
	blockText       = "text"
	blockThinking   = "thinking"
	blockToolUse    = "tool_use"
	blockToolResult = "tool_result"
)

// incomingMessage is a minimal struct for parsing stdin messages.
type incomingMessage struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id,omitempty"`
	Message   *incomingBody    `json:"message,omitempty"`
	Response  *incomingControl `json:"response,omitempty"`
}

type incomingBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// incomingControl is the body of a control_response read from stdin.
type incomingControl struct {
	Subtype   string           `json:"subtype"`
	RequestID string           `json:"request_id,omitempty"`
	Result    *permissionReply `json:"result,omitempty"`
}

type permissionReply struct {
	Behavior     string         `json:"behavior"`
	Message      string         `json:"message,omitempty"`
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
}

// systemMsg is emitted at the start of every turn.
type systemMsg struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	SessionStatus string `json:"session_status"`
}

type assistantMsg struct {
	Type    string        `json:"type"`
	Message assistantBody `json:"message"`
}

type assistantBody struct {
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`

	// text block
	Text string `json:"text,omitempty"`

	// thinking block
	Thinking string `json:"thinking,omitempty"`

	// tool_use block
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result block
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// userMsg carries tool results back on the stream.
type userMsg struct {
	Type    string      `json:"type"`
	Message userMsgBody `json:"message"`
}

type userMsgBody struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

// resultMsg is the final message of a turn.
type resultMsg struct {
	Type              string          `json:"type"`
	Result            json.RawMessage `json:"result"`
	DurationMS        int64           `json:"duration_ms"`
	IsError           bool            `json:"is_error"`
	NumTurns          int             `json:"num_turns"`
	TotalInputTokens  int64           `json:"total_input_tokens"`
	TotalOutputTokens int64           `json:"total_output_tokens"`
}

// resultData is the result object for successful completions.
type resultData struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

// controlRequestMsg asks the daemon for tool permission.
type controlRequestMsg struct {
	Type      string             `json:"type"`
	RequestID string             `json:"request_id"`
	Request   controlRequestBody `json:"request"`
}

type controlRequestBody struct {
	Subtype   string         `json:"subtype"`
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

type controlResponseMsg struct {
	Type     string              `json:"type"`
	Response controlResponseBody `json:"response"`
}

type controlResponseBody struct {
	Subtype   string `json:"subtype"`
	RequestID string `json:"request_id"`
}
