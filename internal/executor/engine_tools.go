package executor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/vuhlp/vuhlp/internal/events"
	"github.com/vuhlp/vuhlp/internal/run"
)

// Engine tool names intercepted by the executor instead of being relayed to
// the approval gate as CLI tools.
const (
	ToolSpawnNode   = "spawn_node"
	ToolSendHandoff = "send_handoff"
)

// isEngineTool reports whether the proposed tool is handled by the engine.
func isEngineTool(name string) bool {
	return name == ToolSpawnNode || name == ToolSendHandoff
}

// runEngineTool executes an engine tool against the run store on behalf of
// the node. It returns the feedback text relayed to the provider.
func (e *Executor) runEngineTool(ctx context.Context, node *run.Node, name string, args map[string]any) (string, error) {
	switch name {
	case ToolSpawnNode:
		return e.spawnNode(ctx, node, args)
	case ToolSendHandoff:
		return e.sendHandoff(ctx, node, args)
	default:
		return "", fmt.Errorf("unknown engine tool %q", name)
	}
}

func (e *Executor) spawnNode(ctx context.Context, node *run.Node, args map[string]any) (string, error) {
	if node.Capabilities.EdgeManagement == run.EdgeScopeNone {
		return "", fmt.Errorf("node %s may not manage the graph", node.ID)
	}

	label := stringArg(args, "label")
	roleID := stringArg(args, "role")
	if roleID == "" {
		return "", fmt.Errorf("spawn_node requires a role")
	}

	child := &run.Node{
		Label: label,
		Role:  roleID,
	}
	if role, ok := e.roles.Get(roleID); ok {
		child.Provider = role.Provider
		child.Capabilities = role.Capabilities
		child.Permissions = role.Permissions
	}
	if p := stringArg(args, "provider"); p != "" {
		child.Provider = p
	}
	if stringArg(args, "control") == string(run.ControlManual) {
		child.Control = run.ControlManual
	}

	created, err := e.runs.AddNode(node.RunID, child)
	if err != nil {
		return "", fmt.Errorf("failed to spawn node: %w", err)
	}

	edge, err := e.runs.AddEdge(node.RunID, &run.Edge{
		From:          node.ID,
		To:            created.ID,
		Bidirectional: true,
		Type:          run.EdgeHandoff,
	})
	if err != nil {
		return "", fmt.Errorf("failed to link spawned node: %w", err)
	}

	e.publish(ctx, node.RunID, events.NodePatch, map[string]interface{}{
		"nodeId": created.ID,
		"node":   created,
	})
	e.publish(ctx, node.RunID, events.EdgeCreated, map[string]interface{}{
		"edgeId": edge.ID,
		"from":   edge.From,
		"to":     edge.To,
	})
	e.logger.Info("node spawned",
		zap.String("run_id", node.RunID),
		zap.String("parent", node.ID),
		zap.String("node_id", created.ID),
		zap.String("role", roleID))

	return fmt.Sprintf("spawned node %s (role %s)", created.ID, roleID), nil
}

func (e *Executor) sendHandoff(ctx context.Context, node *run.Node, args map[string]any) (string, error) {
	target := stringArg(args, "to")
	message := stringArg(args, "message")
	if target == "" || message == "" {
		return "", fmt.Errorf("send_handoff requires to and message")
	}

	r, err := e.runs.GetRun(node.RunID)
	if err != nil {
		return "", err
	}

	edge := findEdge(r, node.ID, target)
	if edge == nil {
		if node.Capabilities.EdgeManagement == run.EdgeScopeNone {
			return "", fmt.Errorf("no edge from %s to %s", node.ID, target)
		}
		edge, err = e.runs.AddEdge(node.RunID, &run.Edge{
			From: node.ID,
			To:   target,
			Type: run.EdgeHandoff,
		})
		if err != nil {
			return "", fmt.Errorf("failed to create edge: %w", err)
		}
		e.publish(ctx, node.RunID, events.EdgeCreated, map[string]interface{}{
			"edgeId": edge.ID,
			"from":   edge.From,
			"to":     edge.To,
		})
	}

	env := &run.Envelope{
		Kind: run.EnvelopeHandoff,
		From: node.ID,
		To:   target,
		Payload: run.Payload{
			Message:             message,
			ResponseExpectation: run.ResponseExpectation(stringArg(args, "responseExpectation")),
		},
	}
	if data, ok := args["data"].(map[string]any); ok {
		env.Payload.Data = data
	}
	if err := e.runs.EnqueueEnvelope(node.RunID, edge.ID, env); err != nil {
		return "", fmt.Errorf("failed to enqueue handoff: %w", err)
	}

	e.publish(ctx, node.RunID, events.HandoffSent, map[string]interface{}{
		"from":       node.ID,
		"to":         target,
		"edgeId":     edge.ID,
		"envelopeId": env.ID,
	})
	e.wakeNode(ctx, node.RunID, target)

	return fmt.Sprintf("handoff sent to %s", target), nil
}

// wakeNode re-queues an idle target so the scheduler picks it up, unless the
// node is user-controlled.
func (e *Executor) wakeNode(ctx context.Context, runID, nodeID string) {
	target, err := e.runs.GetNode(runID, nodeID)
	if err != nil {
		return
	}
	if target.Control == run.ControlManual {
		return
	}
	if target.Status == run.NodeQueued || target.Status == run.NodeRunning {
		return
	}
	status := run.NodeQueued
	updated, err := e.runs.PatchNode(runID, nodeID, nodePatch{Status: &status})
	if err != nil {
		return
	}
	e.publish(ctx, runID, events.NodePatch, map[string]interface{}{
		"nodeId": updated.ID,
		"status": string(updated.Status),
	})
}

// findEdge returns an edge usable for a handoff from -> to, accepting a
// bidirectional edge in either direction.
func findEdge(r *run.Run, from, to string) *run.Edge {
	for _, e := range r.Edges {
		if e.From == from && e.To == to {
			return e
		}
		if e.Bidirectional && e.From == to && e.To == from {
			return e
		}
	}
	return nil
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}
