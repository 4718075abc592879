// Package executor runs single node turns: it builds the prompt, drives the
// provider session, relays tool approvals, materializes artifacts and
// reports the outcome through the event bus.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/vuhlp/vuhlp/internal/approval"
	"github.com/vuhlp/vuhlp/internal/artifacts"
	"github.com/vuhlp/vuhlp/internal/common/logger"
	"github.com/vuhlp/vuhlp/internal/events"
	"github.com/vuhlp/vuhlp/internal/events/bus"
	"github.com/vuhlp/vuhlp/internal/prompt"
	"github.com/vuhlp/vuhlp/internal/provider"
	"github.com/vuhlp/vuhlp/internal/roles"
	"github.com/vuhlp/vuhlp/internal/run"
	"github.com/vuhlp/vuhlp/internal/run/store"
	"github.com/vuhlp/vuhlp/internal/session"
	"github.com/vuhlp/vuhlp/internal/verify"
	"github.com/vuhlp/vuhlp/internal/workspace"
)

type nodePatch = store.NodePatch

// AdapterSource resolves provider names to adapters.
type AdapterSource interface {
	Get(name string) (provider.Adapter, error)
}

// TurnInput carries everything one turn needs.
type TurnInput struct {
	RunID     string
	NodeID    string
	Envelopes []*run.Envelope
	ChatBlock string
	Source    prompt.Source
}

// TurnResult reports how the turn ended.
type TurnResult struct {
	Output      string
	Failed      bool
	Interrupted bool
	Stalled     bool
	Error       string
}

// Config bounds executor behavior.
type Config struct {
	ApprovalTimeoutMs int
	MCPEndpoint       string
}

// Executor executes node turns.
type Executor struct {
	runs       *store.Store
	bus        bus.EventBus
	approvals  *approval.Queue
	providers  AdapterSource
	sessions   *session.Registry
	artifacts  *artifacts.Store
	workspaces *workspace.Manager
	verifier   *verify.Runner
	prompts    *prompt.Queue
	roles      *roles.Catalog
	stalls     *stallDetector
	cfg        Config
	logger     *logger.Logger
}

// New creates an executor.
func New(
	runs *store.Store,
	eventBus bus.EventBus,
	approvals *approval.Queue,
	providers AdapterSource,
	sessions *session.Registry,
	artifactStore *artifacts.Store,
	workspaces *workspace.Manager,
	verifier *verify.Runner,
	prompts *prompt.Queue,
	catalog *roles.Catalog,
	cfg Config,
	log *logger.Logger,
) *Executor {
	return &Executor{
		runs:       runs,
		bus:        eventBus,
		approvals:  approvals,
		providers:  providers,
		sessions:   sessions,
		artifacts:  artifactStore,
		workspaces: workspaces,
		verifier:   verifier,
		prompts:    prompts,
		roles:      catalog,
		stalls:     newStallDetector(),
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "executor")),
	}
}

// ResetStallHistory clears the node's stall window, used when user input
// changes the situation.
func (e *Executor) ResetStallHistory(runID, nodeID string) {
	e.stalls.ResetNode(runID, nodeID)
}

// ExecuteTurn runs one turn of one node to completion, failure or
// interruption.
func (e *Executor) ExecuteTurn(ctx context.Context, in TurnInput) (*TurnResult, error) {
	node, err := e.runs.GetNode(in.RunID, in.NodeID)
	if err != nil {
		return nil, err
	}
	r, err := e.runs.GetRun(in.RunID)
	if err != nil {
		return nil, err
	}

	template := ""
	providerName := node.Provider
	if role, ok := e.roles.Get(node.Role); ok {
		template = role.Template
		if providerName == "" {
			providerName = role.Provider
		}
	}
	adapter, err := e.providers.Get(providerName)
	if err != nil {
		return e.failTurn(ctx, node, 0, fmt.Sprintf("no provider %q for node", providerName)), nil
	}

	workdir := e.workspaces.PathFor(ctx, in.RunID, in.NodeID, r.Cwd)

	promptText := buildPrompt(template, r.GlobalMode, in.Envelopes, in.ChatBlock)
	pending := e.prompts.Add(in.RunID, in.NodeID, in.Source, promptText)
	if in.ChatBlock != "" {
		e.stalls.ResetNode(in.RunID, in.NodeID)
	}

	turnCount, err := e.runs.IncrementTurnCount(in.RunID, in.NodeID)
	if err != nil {
		return nil, err
	}
	if _, err := e.artifacts.Save(ctx, in.RunID, in.NodeID, run.ArtifactPrompt,
		fmt.Sprintf("%s-turn-%d-prompt.md", in.NodeID, turnCount), []byte(promptText), nil); err != nil {
		e.logger.Warn("failed to save prompt artifact", zap.Error(err))
	}

	running := run.NodeRunning
	if _, err := e.runs.PatchNode(in.RunID, in.NodeID, nodePatch{Status: &running}); err != nil {
		return nil, err
	}
	e.publish(ctx, in.RunID, events.NodePatch, map[string]interface{}{
		"nodeId": in.NodeID,
		"status": string(run.NodeRunning),
	})
	e.publish(ctx, in.RunID, events.TurnStarted, map[string]interface{}{
		"nodeId": in.NodeID,
		"turn":   turnCount,
	})

	handle := e.sessions.Get(in.RunID, in.NodeID)
	if handle == nil || handle.Session == nil {
		sess, err := adapter.Open(ctx, provider.SessionSpec{
			RunID:           in.RunID,
			NodeID:          in.NodeID,
			Workdir:         workdir,
			ResumeSessionID: node.Session.SessionID,
			SkipPermissions: node.Permissions.CLIPermissions == run.PermissionsSkip,
			MCPEndpoint:     e.cfg.MCPEndpoint,
		})
		if err != nil {
			return e.failTurn(ctx, node, turnCount, fmt.Sprintf("failed to open session: %v", err)), nil
		}
		handle = &session.Handle{Session: sess, ResetCommands: node.Session.ResetCommands}
		e.sessions.Put(in.RunID, in.NodeID, handle)
	}

	if err := handle.Session.Send(ctx, promptText); err != nil {
		return e.failTurn(ctx, node, turnCount, fmt.Sprintf("failed to send prompt: %v", err)), nil
	}
	if err := e.prompts.MarkSent(pending.ID); err != nil {
		e.logger.Warn("failed to mark prompt sent", zap.String("prompt_id", pending.ID), zap.Error(err))
	}

	return e.streamTurn(ctx, node, handle, turnCount, workdir)
}

// streamTurn consumes the session's event stream until the turn ends.
func (e *Executor) streamTurn(ctx context.Context, node *run.Node, handle *session.Handle, turnCount int, workdir string) (*TurnResult, error) {
	var (
		output  string
		summary string
		diffs   strings.Builder
	)

	for {
		select {
		case <-ctx.Done():
			return e.interruptTurn(node, handle, turnCount), nil

		case ev, ok := <-handle.Session.Events():
			if !ok {
				if ctx.Err() != nil {
					return e.interruptTurn(node, handle, turnCount), nil
				}
				return e.failTurn(ctx, node, turnCount, "provider stream ended unexpectedly"), nil
			}
			switch ev.Type {
			case provider.EventSession:
				handle.ExternalID = ev.SessionID
				if _, err := e.runs.PatchNode(node.RunID, node.ID, nodePatch{SessionID: &ev.SessionID}); err != nil {
					e.logger.Warn("failed to record session id", zap.Error(err))
				}

			case provider.EventMessageDelta:
				e.publish(ctx, node.RunID, events.MessageAssistantDelta, map[string]interface{}{
					"nodeId":  node.ID,
					"content": ev.Content,
					"index":   ev.Index,
				})

			case provider.EventMessageReasoning:
				e.publish(ctx, node.RunID, events.MessageAssistantReasoning, map[string]interface{}{
					"nodeId":  node.ID,
					"content": ev.Content,
				})

			case provider.EventMessageFinal:
				output = ev.Content
				e.publish(ctx, node.RunID, events.MessageAssistantFinal, map[string]interface{}{
					"nodeId":     node.ID,
					"content":    ev.Content,
					"tokenCount": ev.TokenCount,
				})

			case provider.EventToolProposed:
				e.handleToolProposed(ctx, node, handle, ev.Tool)

			case provider.EventToolStarted:
				e.publish(ctx, node.RunID, events.ToolStarted, map[string]interface{}{
					"nodeId": node.ID,
					"tool":   ev.Tool,
				})

			case provider.EventToolCompleted:
				e.publish(ctx, node.RunID, events.ToolCompleted, map[string]interface{}{
					"nodeId":     node.ID,
					"toolId":     ev.ToolID,
					"result":     ev.Result,
					"error":      ev.Err,
					"durationMs": ev.DurationMs,
				})

			case provider.EventDiff:
				diffs.WriteString(ev.Patch)
				name := ev.Name
				if name == "" {
					name = fmt.Sprintf("%s-turn-%d.diff", node.ID, turnCount)
				}
				if _, err := e.artifacts.Save(ctx, node.RunID, node.ID, run.ArtifactDiff, name, []byte(ev.Patch), nil); err != nil {
					e.logger.Warn("failed to save diff artifact", zap.Error(err))
				}

			case provider.EventLog:
				name := ev.Name
				if name == "" {
					name = fmt.Sprintf("%s-turn-%d.log", node.ID, turnCount)
				}
				if _, err := e.artifacts.Save(ctx, node.RunID, node.ID, run.ArtifactLog, name, []byte(ev.Content), nil); err != nil {
					e.logger.Warn("failed to save log artifact", zap.Error(err))
				}

			case provider.EventJSON:
				data, err := json.MarshalIndent(ev.Payload, "", "  ")
				if err != nil {
					e.logger.Warn("failed to encode json artifact", zap.Error(err))
					continue
				}
				name := ev.Name
				if name == "" {
					name = fmt.Sprintf("%s-turn-%d.json", node.ID, turnCount)
				}
				if _, err := e.artifacts.Save(ctx, node.RunID, node.ID, run.ArtifactReport, name, data, nil); err != nil {
					e.logger.Warn("failed to save json artifact", zap.Error(err))
				}

			case provider.EventProgress:
				e.publish(ctx, node.RunID, events.NodeProgress, map[string]interface{}{
					"nodeId":  node.ID,
					"message": ev.Message,
				})

			case provider.EventFinal:
				if ev.Output != "" {
					output = ev.Output
				}
				summary = ev.Summary
				return e.completeTurn(ctx, node, turnCount, workdir, output, summary, diffs.String()), nil
			}
		}
	}
}

// handleToolProposed relays a proposed tool through the approval gate or the
// engine tool dispatch and answers the session.
func (e *Executor) handleToolProposed(ctx context.Context, node *run.Node, handle *session.Handle, tool *provider.ToolCall) {
	if tool == nil {
		return
	}
	e.publish(ctx, node.RunID, events.ToolProposed, map[string]interface{}{
		"nodeId": node.ID,
		"tool":   tool,
	})

	respond := func(d provider.Decision) {
		if err := handle.Session.Respond(ctx, tool.ID, d); err != nil {
			e.logger.Warn("failed to answer tool proposal",
				zap.String("tool_id", tool.ID), zap.Error(err))
		}
	}

	if isEngineTool(tool.Name) {
		if node.Permissions.AgentManagementRequiresApproval {
			res := e.requestApproval(ctx, node, tool)
			if res.Status != approval.StatusApproved && res.Status != approval.StatusModified {
				respond(provider.Decision{Approved: false, Feedback: res.Feedback})
				return
			}
		}
		feedback, err := e.runEngineTool(ctx, node, tool.Name, tool.Args)
		if err != nil {
			respond(provider.Decision{Approved: false, Feedback: err.Error()})
			return
		}
		respond(provider.Decision{Approved: true, Feedback: feedback})
		return
	}

	if node.Permissions.CLIPermissions != run.PermissionsGated {
		respond(provider.Decision{Approved: true})
		return
	}

	res := e.requestApproval(ctx, node, tool)
	switch res.Status {
	case approval.StatusApproved:
		respond(provider.Decision{Approved: true, Feedback: res.Feedback})
	case approval.StatusModified:
		respond(provider.Decision{Approved: true, ModifiedArgs: res.ModifiedArgs, Feedback: res.Feedback})
	default:
		respond(provider.Decision{Approved: false, Feedback: res.Feedback})
	}
}

func (e *Executor) requestApproval(ctx context.Context, node *run.Node, tool *provider.ToolCall) approval.Resolution {
	res, err := e.approvals.Request(ctx, approval.Spec{
		RunID:  node.RunID,
		NodeID: node.ID,
		Tool: approval.Tool{
			ID:   tool.ID,
			Name: tool.Name,
			Args: tool.Args,
			Risk: approval.Risk(tool.Risk),
		},
		TimeoutMs: e.cfg.ApprovalTimeoutMs,
	})
	if err != nil {
		return approval.Resolution{Status: approval.StatusDenied, Feedback: err.Error()}
	}
	return res
}

// completeTurn runs verification, persists the outcome and checks for stall.
func (e *Executor) completeTurn(ctx context.Context, node *run.Node, turnCount int, workdir, output, summary, diffText string) *TurnResult {
	verifyFailed := false
	if e.verifier != nil && e.verifier.Enabled() {
		result := e.verifier.Run(ctx, workdir)
		verifyFailed = !result.Passed
		if _, err := e.artifacts.Save(ctx, node.RunID, node.ID, run.ArtifactLog,
			fmt.Sprintf("%s-turn-%d-verify.log", node.ID, turnCount), []byte(result.Log()), nil); err != nil {
			e.logger.Warn("failed to save verification artifact", zap.Error(err))
		}
	}

	completed := run.NodeCompleted
	patch := nodePatch{Status: &completed, LastOutput: &output}
	if summary != "" {
		patch.Summary = &summary
	}
	if _, err := e.runs.PatchNode(node.RunID, node.ID, patch); err != nil {
		e.logger.Warn("failed to record turn completion", zap.Error(err))
	}
	e.publish(ctx, node.RunID, events.NodePatch, map[string]interface{}{
		"nodeId": node.ID,
		"status": string(run.NodeCompleted),
	})
	e.publish(ctx, node.RunID, events.TurnCompleted, map[string]interface{}{
		"nodeId": node.ID,
		"turn":   turnCount,
		"output": output,
	})

	result := &TurnResult{Output: output}
	evidence, stalled := e.stalls.Record(node.RunID, node.ID, turnSummary{
		OutputHash:         hashText(output),
		DiffHash:           hashText(diffText),
		VerificationFailed: verifyFailed,
	})
	if stalled {
		result.Stalled = true
		e.publish(ctx, node.RunID, events.RunStalled, map[string]interface{}{
			"nodeId":              node.ID,
			"outputHash":          evidence.OutputHash,
			"diffHash":            evidence.DiffHash,
			"verificationFailure": evidence.VerificationFailure,
			"summaries":           evidence.Summaries,
		})
		if _, err := e.runs.SetRunStatus(node.RunID, run.StatusPaused); err == nil {
			e.publish(ctx, node.RunID, events.RunPatch, map[string]interface{}{
				"status": string(run.StatusPaused),
			})
		}
		e.logger.Warn("run stalled",
			zap.String("run_id", node.RunID), zap.String("node_id", node.ID))
	}
	return result
}

func (e *Executor) failTurn(ctx context.Context, node *run.Node, turnCount int, msg string) *TurnResult {
	failed := run.NodeFailed
	if _, err := e.runs.PatchNode(node.RunID, node.ID, nodePatch{Status: &failed}); err != nil {
		e.logger.Warn("failed to record turn failure", zap.Error(err))
	}
	e.publish(ctx, node.RunID, events.NodePatch, map[string]interface{}{
		"nodeId": node.ID,
		"status": string(run.NodeFailed),
	})
	e.publish(ctx, node.RunID, events.TurnFailed, map[string]interface{}{
		"nodeId": node.ID,
		"turn":   turnCount,
		"error":  msg,
	})
	e.logger.Warn("turn failed",
		zap.String("run_id", node.RunID), zap.String("node_id", node.ID), zap.String("error", msg))
	return &TurnResult{Failed: true, Error: msg}
}

// interruptTurn aborts the in-flight provider turn after cancellation.
// Cancellation is not failure: the node parks as cancelled until new input
// re-queues it.
func (e *Executor) interruptTurn(node *run.Node, handle *session.Handle, turnCount int) *TurnResult {
	ctx := context.Background()
	if err := handle.Session.Interrupt(ctx); err != nil {
		e.logger.Warn("failed to interrupt session", zap.Error(err))
	}
	cancelled := run.NodeCancelled
	if _, err := e.runs.PatchNode(node.RunID, node.ID, nodePatch{Status: &cancelled}); err != nil {
		e.logger.Warn("failed to record turn interruption", zap.Error(err))
	}
	e.publish(ctx, node.RunID, events.NodePatch, map[string]interface{}{
		"nodeId": node.ID,
		"status": string(run.NodeCancelled),
	})
	e.publish(ctx, node.RunID, events.TurnInterrupted, map[string]interface{}{
		"nodeId": node.ID,
		"turn":   turnCount,
	})
	return &TurnResult{Interrupted: true}
}

func (e *Executor) publish(ctx context.Context, runID, eventType string, payload map[string]interface{}) {
	if err := e.bus.Publish(ctx, events.New(runID, eventType, payload)); err != nil {
		e.logger.Warn("failed to publish event",
			zap.String("type", eventType), zap.Error(err))
	}
}
