package main

import (
	"encoding/json"
	"fmt"
)

// runReadTool plays an ungated Read call: tool_use then tool_result, no
// permission round-trip.
func (a *agent) runReadTool() {
	toolID := a.nextToolID()
	a.emitToolUse(toolID, "Read", map[string]any{"file_path": "main.go"})
	a.emitToolResult(toolID, "package main\n\nfunc main() {}\n", false)
}

// runEditTool plays a gated Edit call. In gated mode the daemon decides via a
// can_use_tool control request before the tool result is produced.
func (a *agent) runEditTool() {
	toolID := a.nextToolID()
	input := map[string]any{
		"file_path":  "main.go",
		"old_string": "func main() {}",
		"new_string": "func main() { run() }",
	}
	a.emitToolUse(toolID, "Edit", input)

	if a.skipPermissions || a.requestPermission("Edit", toolID, input) {
		a.emitToolResult(toolID, "File edited successfully: main.go", false)
		a.emitText("Edit applied.")
	} else {
		a.emitToolResult(toolID, "permission denied", true)
		a.emitText("Edit was denied, leaving the file untouched.")
	}
}

// runBashTool plays a gated Bash call.
func (a *agent) runBashTool() {
	toolID := a.nextToolID()
	input := map[string]any{
		"command":     "go test ./...",
		"description": "Run all tests",
	}
	a.emitToolUse(toolID, "Bash", input)

	if a.skipPermissions || a.requestPermission("Bash", toolID, input) {
		a.emitToolResult(toolID, "ok  \tmockproject\t0.042s\nPASS", false)
		a.emitText("Tests pass.")
	} else {
		a.emitToolResult(toolID, "permission denied", true)
		a.emitText("Command was denied, skipping verification.")
	}
}

// requestPermission sends a can_use_tool control request and blocks on stdin
// until the matching control_response arrives. Returns whether the tool was
// allowed.
func (a *agent) requestPermission(toolName, toolUseID string, input map[string]any) bool {
	requestID := fmt.Sprintf("mock-perm-%s", toolUseID)
	_ = a.enc.Encode(controlRequestMsg{
		Type:      typeControlRequest,
		RequestID: requestID,
		Request: controlRequestBody{
			Subtype:   "can_use_tool",
			ToolName:  toolName,
			Input:     input,
			ToolUseID: toolUseID,
		},
	})

	for a.scanner.Scan() {
		line := a.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg incomingMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Type != typeControlResponse || msg.Response == nil {
			continue
		}
		if msg.Response.Result != nil {
			return msg.Response.Result.Behavior == "allow"
		}
		return false
	}
	return false
}
