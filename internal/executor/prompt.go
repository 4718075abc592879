package executor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vuhlp/vuhlp/internal/run"
)

const planningInstructions = `The run is in PLANNING mode. Restrict yourself to analysis and
planning documents; do not modify source code.`

const implementationInstructions = `The run is in IMPLEMENTATION mode. You may change code as your
capabilities allow.`

// buildPrompt assembles the text sent to the provider for one turn: role
// template, global-mode instructions, consumed envelopes in arrival order
// and the pending chat block.
func buildPrompt(template string, globalMode run.GlobalMode, envelopes []*run.Envelope, chatBlock string) string {
	var b strings.Builder

	if template != "" {
		b.WriteString(template)
		b.WriteString("\n\n")
	}

	switch globalMode {
	case run.GlobalPlanning:
		b.WriteString(planningInstructions)
	default:
		b.WriteString(implementationInstructions)
	}
	b.WriteString("\n")

	for _, env := range envelopes {
		b.WriteString("\n")
		b.WriteString(formatEnvelope(env))
	}

	if chatBlock != "" {
		b.WriteString("\n")
		b.WriteString(chatBlock)
		b.WriteString("\n")
	}

	return b.String()
}

// formatEnvelope renders one envelope as a prompt section.
func formatEnvelope(env *run.Envelope) string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- MESSAGE FROM %s (%s) ---\n", env.From, env.Kind)
	b.WriteString(env.Payload.Message)
	b.WriteString("\n")
	if len(env.Payload.Data) > 0 {
		if data, err := json.Marshal(env.Payload.Data); err == nil {
			fmt.Fprintf(&b, "Data: %s\n", data)
		}
	}
	if len(env.Payload.ArtifactIDs) > 0 {
		fmt.Fprintf(&b, "Artifacts: %s\n", strings.Join(env.Payload.ArtifactIDs, ", "))
	}
	if env.Payload.Status != nil {
		fmt.Fprintf(&b, "Status: ok=%t %s\n", env.Payload.Status.OK, env.Payload.Status.Reason)
	}
	if env.Payload.ResponseExpectation != "" && env.Payload.ResponseExpectation != run.ResponseNone {
		fmt.Fprintf(&b, "Response expected: %s\n", env.Payload.ResponseExpectation)
	}
	b.WriteString("--- END MESSAGE ---\n")
	return b.String()
}
