// Package main implements a mock coding agent that speaks the claude-code
// stream-json protocol over stdin/stdout. Configured as a provider of kind
// "claude" with this binary as the command, it exercises the full daemon
// pipeline without a real CLI: sessions, gated tools, diffs and failures.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

type agent struct {
	enc             *json.Encoder
	scanner         *bufio.Scanner
	sessionID       string
	skipPermissions bool
	turn            int
	toolCounter     int
}

func main() {
	a := &agent{
		enc:       json.NewEncoder(os.Stdout),
		sessionID: fmt.Sprintf("mock-session-%d", os.Getpid()),
	}
	for i, arg := range os.Args[1:] {
		switch {
		case arg == "--dangerously-skip-permissions":
			a.skipPermissions = true
		case arg == "--resume" && i+2 < len(os.Args):
			a.sessionID = os.Args[i+2]
		}
	}

	a.scanner = bufio.NewScanner(os.Stdin)
	a.scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	for a.scanner.Scan() {
		line := a.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg incomingMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case typeControlRequest:
			a.acknowledgeControl(msg)
		case typeUser:
			if msg.Message != nil {
				a.handleTurn(msg.Message.Content)
			}
		}
	}

	if err := a.scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: scanner error: %v\n", err)
		os.Exit(1)
	}
}

// acknowledgeControl answers initialize and interrupt requests. The mock has
// no in-flight work to cancel, so both reduce to a success response.
func (a *agent) acknowledgeControl(msg incomingMessage) {
	if msg.RequestID == "" {
		return
	}
	_ = a.enc.Encode(controlResponseMsg{
		Type: typeControlResponse,
		Response: controlResponseBody{
			Subtype:   "success",
			RequestID: msg.RequestID,
		},
	})
}

// handleTurn plays one scripted turn for the given prompt. Directives in the
// prompt select the scenario; anything else gets the default response.
func (a *agent) handleTurn(prompt string) {
	a.turn++
	a.emitSystem()

	lower := strings.ToLower(prompt)
	switch {
	case strings.Contains(lower, "/fail"):
		a.emitText("Something went wrong, aborting.")
		a.emitResult(true, "mock failure requested by prompt")
		return
	case strings.Contains(lower, "/edit"):
		a.emitThinking("The change is small, editing directly.")
		a.runEditTool()
	case strings.Contains(lower, "/bash"):
		a.emitThinking("Verifying with the test suite.")
		a.runBashTool()
	case strings.Contains(lower, "/review"):
		a.emitThinking("Reading the referenced changes before judging them.")
		a.runReadTool()
		a.emitText("Review complete. The change is correct; one naming nit in the new helper.")
	case strings.Contains(lower, "/stall"):
		// Identical output every turn, for loop-detection testing.
		a.emitText("Waiting on more information before proceeding.")
		a.emitFixedResult("Waiting on more information before proceeding.")
		return
	default:
		a.emitThinking("Planning the response to: " + truncate(prompt, 80))
		a.emitText(fmt.Sprintf("Turn %d done. Handled request: %q.", a.turn, truncate(prompt, 120)))
	}

	a.emitResult(false, "")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
