package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vuhlp/vuhlp/internal/common/config"
	"github.com/vuhlp/vuhlp/internal/common/logger"
	"github.com/vuhlp/vuhlp/internal/provider/proc"
	"github.com/vuhlp/vuhlp/pkg/codex"
)

const codexStopGrace = 5 * time.Second

// CodexAdapter drives the Codex app-server over its headerless JSON-RPC
// stdio protocol.
type CodexAdapter struct {
	cfg    config.ProviderConfig
	logger *logger.Logger
}

// NewCodexAdapter creates the adapter for one configured codex provider.
func NewCodexAdapter(cfg config.ProviderConfig, log *logger.Logger) *CodexAdapter {
	return &CodexAdapter{cfg: cfg, logger: log.WithFields(zap.String("component", "codex-adapter"))}
}

// Kind implements Adapter.
func (a *CodexAdapter) Kind() string { return "codex" }

// Open launches the app-server, initializes it and starts or resumes a
// thread for the node.
func (a *CodexAdapter) Open(ctx context.Context, spec SessionSpec) (Session, error) {
	process, err := proc.Launch(proc.SpecFromConfig(a.cfg, spec.Workdir), a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to launch codex app-server: %w", err)
	}

	s := &codexSession{
		client:  codex.NewClient(process.Stdin(), process.Stdout(), a.logger),
		process: process,
		mapper:  NewMapper(),
		logger:  a.logger,
		gated:   !spec.SkipPermissions,
	}
	s.client.SetNotificationHandler(s.handleNotification)
	s.client.SetRequestHandler(s.handleRequest)
	s.client.Start(ctx)

	if _, err := s.client.Call(ctx, codex.MethodInitialize, &codex.InitializeParams{
		ClientInfo: &codex.ClientInfo{Name: "vuhlp", Version: "1.0"},
	}); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("codex initialize failed: %w", err)
	}
	if err := s.client.Notify(codex.MethodInitialized, nil); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("codex initialized notify failed: %w", err)
	}

	approvalPolicy := "on-request"
	if spec.SkipPermissions {
		approvalPolicy = "never"
	}

	if spec.ResumeSessionID != "" {
		resp, err := s.client.Call(ctx, codex.MethodThreadResume, &codex.ThreadResumeParams{
			ThreadID:       spec.ResumeSessionID,
			Cwd:            spec.Workdir,
			ApprovalPolicy: approvalPolicy,
		})
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("codex thread/resume failed: %w", err)
		}
		var result codex.ThreadResumeResult
		if err := json.Unmarshal(resp.Result, &result); err != nil || result.Thread == nil {
			_ = s.Close()
			return nil, fmt.Errorf("codex thread/resume returned no thread")
		}
		s.threadID = result.Thread.ID
	} else {
		resp, err := s.client.Call(ctx, codex.MethodThreadStart, &codex.ThreadStartParams{
			Cwd:            spec.Workdir,
			ApprovalPolicy: approvalPolicy,
			SandboxPolicy:  &codex.SandboxPolicy{Type: "workspace-write"},
		})
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("codex thread/start failed: %w", err)
		}
		var result codex.ThreadStartResult
		if err := json.Unmarshal(resp.Result, &result); err != nil || result.Thread == nil {
			_ = s.Close()
			return nil, fmt.Errorf("codex thread/start returned no thread")
		}
		s.threadID = result.Thread.ID
	}
	s.mapper.Session(s.threadID)

	go func() {
		<-process.Done()
		s.mapper.Close()
	}()

	return s, nil
}

type codexSession struct {
	client  *codex.Client
	process *proc.Process
	mapper  *Mapper
	logger  *logger.Logger
	gated   bool

	threadID string

	mu        sync.Mutex
	approvals map[string]interface{} // tool id -> JSON-RPC request id
}

func (s *codexSession) Events() <-chan Event { return s.mapper.Events() }

func (s *codexSession) Send(ctx context.Context, prompt string) error {
	_, err := s.client.Call(ctx, codex.MethodTurnStart, &codex.TurnStartParams{
		ThreadID: s.threadID,
		Input:    []codex.UserInput{{Type: "text", Text: prompt}},
	})
	return err
}

func (s *codexSession) Respond(ctx context.Context, toolID string, decision Decision) error {
	s.mu.Lock()
	requestID, ok := s.approvals[toolID]
	delete(s.approvals, toolID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending approval for tool %q", toolID)
	}
	verdict := "decline"
	if decision.Approved {
		verdict = "accept"
	}
	return s.client.SendResponse(requestID, &codex.CommandApprovalResponse{Decision: verdict}, nil)
}

func (s *codexSession) Interrupt(ctx context.Context) error {
	_, err := s.client.Call(ctx, codex.MethodTurnInterrupt, map[string]string{"threadId": s.threadID})
	return err
}

func (s *codexSession) Close() error {
	s.client.Stop()
	err := s.process.Stop(codexStopGrace)
	s.mapper.Close()
	return err
}

// handleRequest maps approval requests from the agent onto proposed tools.
func (s *codexSession) handleRequest(id interface{}, method string, params json.RawMessage) {
	switch method {
	case codex.NotifyItemCmdExecRequestApproval:
		var p codex.CommandApprovalParams
		if err := json.Unmarshal(params, &p); err != nil {
			s.logger.Warn("bad command approval params", zap.Error(err))
			return
		}
		s.registerApproval(p.ItemID, id)
		s.mapper.ToolProposed(p.ItemID, "shell", map[string]any{"command": p.Command, "cwd": p.Cwd})

	case codex.NotifyItemFileChangeRequestApproval:
		var p codex.FileChangeApprovalParams
		if err := json.Unmarshal(params, &p); err != nil {
			s.logger.Warn("bad file change approval params", zap.Error(err))
			return
		}
		s.registerApproval(p.ItemID, id)
		s.mapper.ToolProposed(p.ItemID, "apply_patch", map[string]any{"path": p.Path, "diff": p.Diff})

	default:
		s.logger.Debug("unhandled codex request", zap.String("method", method))
		_ = s.client.SendResponse(id, nil, &codex.Error{Code: codex.MethodNotFound, Message: "method not supported"})
	}
}

func (s *codexSession) registerApproval(toolID string, requestID interface{}) {
	if !s.gated {
		// Approval policy "never" suppresses these in practice; accept if
		// the server asks anyway.
		_ = s.client.SendResponse(requestID, &codex.CommandApprovalResponse{Decision: "accept"}, nil)
		return
	}
	s.mu.Lock()
	if s.approvals == nil {
		s.approvals = make(map[string]interface{})
	}
	s.approvals[toolID] = requestID
	s.mu.Unlock()
}

func (s *codexSession) handleNotification(method string, params json.RawMessage) {
	switch method {
	case codex.NotifyItemAgentMessageDelta:
		var p codex.AgentMessageDeltaParams
		if json.Unmarshal(params, &p) == nil {
			s.mapper.Delta(p.Delta, 0)
		}

	case codex.NotifyItemReasoningTextDelta, codex.NotifyItemReasoningSummaryDelta:
		var p codex.ReasoningDeltaParams
		if json.Unmarshal(params, &p) == nil {
			s.mapper.Reasoning(p.Delta)
		}

	case codex.NotifyItemStarted:
		var p codex.ItemStartedParams
		if json.Unmarshal(params, &p) == nil && p.Item != nil {
			s.handleItemStarted(p.Item)
		}

	case codex.NotifyItemCompleted:
		var p codex.ItemCompletedParams
		if json.Unmarshal(params, &p) == nil && p.Item != nil {
			s.handleItemCompleted(p.Item)
		}

	case codex.NotifyTurnDiffUpdated:
		var p codex.TurnDiffUpdatedParams
		if json.Unmarshal(params, &p) == nil && p.Diff != "" {
			s.mapper.Diff("turn.diff", p.Diff)
		}

	case codex.NotifyTurnCompleted:
		var p codex.TurnCompletedParams
		if json.Unmarshal(params, &p) == nil {
			if !p.Success && p.Error != "" {
				s.mapper.Error(p.Error)
			}
			s.mapper.FinalText("", 0)
			s.mapper.Final("", "")
		}

	case codex.NotifyError:
		var p codex.ErrorParams
		if json.Unmarshal(params, &p) == nil {
			s.mapper.Error(p.Message)
		}

	default:
		s.logger.Debug("unhandled codex notification", zap.String("method", method))
	}
}

func (s *codexSession) handleItemStarted(item *codex.Item) {
	switch item.Type {
	case "commandExecution":
		s.mapper.ToolStarted(item.ID, "shell", map[string]any{"command": item.Command, "cwd": item.Cwd})
	case "mcpToolCall":
		var args map[string]any
		_ = json.Unmarshal(item.Arguments, &args)
		s.mapper.ToolStarted(item.ID, item.Tool, args)
	case "fileChange":
		s.mapper.ToolStarted(item.ID, "apply_patch", nil)
	}
}

func (s *codexSession) handleItemCompleted(item *codex.Item) {
	switch item.Type {
	case "agentMessage":
		// Aggregated assistant text arrives as a completed item after the
		// deltas; the mapper dedups it.
		s.mapper.AggregateText(flattenContent(item.Content))

	case "commandExecution":
		errMsg := ""
		if item.ExitCode != nil && *item.ExitCode != 0 {
			errMsg = fmt.Sprintf("exit code %d", *item.ExitCode)
		}
		duration := int64(0)
		if item.DurationMs != nil {
			duration = int64(*item.DurationMs)
		}
		s.mapper.ToolCompleted(item.ID, item.AggregatedOutput, errMsg, duration)

	case "mcpToolCall":
		s.mapper.ToolCompleted(item.ID, string(item.Result), item.ToolError, 0)

	case "fileChange":
		var b strings.Builder
		for _, change := range item.Changes {
			b.WriteString(change.Diff)
		}
		s.mapper.ToolCompleted(item.ID, "", "", 0)
		if b.Len() > 0 {
			s.mapper.Diff("file.change", b.String())
		}

	case "reasoning":
		s.mapper.Reasoning(flattenContent(item.Summary))
	}
}

func flattenContent(parts codex.FlexibleContent) string {
	var b strings.Builder
	for _, part := range parts {
		b.WriteString(part.Text)
	}
	return b.String()
}
