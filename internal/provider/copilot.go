package provider

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/vuhlp/vuhlp/internal/common/config"
	"github.com/vuhlp/vuhlp/internal/common/logger"
	"github.com/vuhlp/vuhlp/pkg/copilot"
)

// CopilotAdapter drives the Copilot CLI through the copilot-sdk client. The
// SDK manages the child process itself, so this adapter does not go through
// the proc launcher.
type CopilotAdapter struct {
	cfg    config.ProviderConfig
	logger *logger.Logger
}

// NewCopilotAdapter creates the adapter for one configured copilot provider.
func NewCopilotAdapter(cfg config.ProviderConfig, log *logger.Logger) *CopilotAdapter {
	return &CopilotAdapter{cfg: cfg, logger: log.WithFields(zap.String("component", "copilot-adapter"))}
}

// Kind implements Adapter.
func (a *CopilotAdapter) Kind() string { return "copilot" }

// Open starts an SDK client and creates or resumes a session.
func (a *CopilotAdapter) Open(ctx context.Context, spec SessionSpec) (Session, error) {
	client := copilot.NewClient(copilot.ClientConfig{
		CLIUrl: a.cfg.Options["cliUrl"],
		Model:  a.cfg.Options["model"],
	}, a.logger)

	s := &copilotSession{
		client:    client,
		mapper:    NewMapper(),
		logger:    a.logger,
		gated:     !spec.SkipPermissions,
		decisions: make(map[string]chan Decision),
	}
	client.SetEventHandler(s.handleEvent)
	client.SetPermissionHandler(s.handlePermission)

	if err := client.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start copilot client: %w", err)
	}

	mcpServers := copilotMCPServers(spec.MCPEndpoint)

	if spec.ResumeSessionID != "" {
		if err := client.ResumeSession(ctx, spec.ResumeSessionID, mcpServers); err != nil {
			_ = client.Stop()
			return nil, fmt.Errorf("failed to resume copilot session: %w", err)
		}
	} else {
		if _, err := client.CreateSession(ctx, mcpServers); err != nil {
			_ = client.Stop()
			return nil, fmt.Errorf("failed to create copilot session: %w", err)
		}
	}
	s.mapper.Session(client.GetSessionID())

	return s, nil
}

// copilotMCPServers builds the remote server config advertising the embedded
// MCP endpoint. The SDK takes free-form JSON objects here.
func copilotMCPServers(endpoint string) map[string]copilot.MCPServerConfig {
	if endpoint == "" {
		return nil
	}
	return map[string]copilot.MCPServerConfig{
		"vuhlp": {"type": "sse", "url": endpoint},
	}
}

type copilotSession struct {
	client *copilot.Client
	mapper *Mapper
	logger *logger.Logger
	gated  bool

	mu        sync.Mutex
	decisions map[string]chan Decision
}

func (s *copilotSession) Events() <-chan Event { return s.mapper.Events() }

func (s *copilotSession) Send(ctx context.Context, prompt string) error {
	_, err := s.client.Send(ctx, prompt)
	return err
}

func (s *copilotSession) Respond(ctx context.Context, toolID string, decision Decision) error {
	s.mu.Lock()
	ch, ok := s.decisions[toolID]
	delete(s.decisions, toolID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending permission for tool %q", toolID)
	}
	select {
	case ch <- decision:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *copilotSession) Interrupt(ctx context.Context) error {
	return s.client.Abort(ctx)
}

func (s *copilotSession) Close() error {
	err := s.client.Stop()
	s.mapper.Close()
	return err
}

// handlePermission blocks the SDK callback until Respond delivers the
// decision for the proposed tool.
func (s *copilotSession) handlePermission(req copilot.PermissionRequest, inv copilot.PermissionInvocation) (copilot.PermissionRequestResult, error) {
	toolID := req.ToolCallID
	if toolID == "" {
		toolID = req.Kind
	}
	if !s.gated {
		return copilot.PermissionRequestResult{Kind: "approved"}, nil
	}

	ch := make(chan Decision, 1)
	s.mu.Lock()
	s.decisions[toolID] = ch
	s.mu.Unlock()

	args := map[string]any{"kind": req.Kind}
	for k, v := range req.Extra {
		args[k] = v
	}
	s.mapper.ToolProposed(toolID, req.Kind, args)

	decision := <-ch
	if decision.Approved {
		return copilot.PermissionRequestResult{Kind: "approved"}, nil
	}
	return copilot.PermissionRequestResult{Kind: "denied-interactively-by-user"}, nil
}

// handleEvent maps SDK session events onto canonical events.
func (s *copilotSession) handleEvent(ev copilot.SessionEvent) {
	switch ev.Type {
	case copilot.EventTypeAssistantMessageDelta:
		s.mapper.Delta(deref(ev.Data.DeltaContent), 0)

	case copilot.EventTypeAssistantMessage:
		s.mapper.AggregateText(deref(ev.Data.Content))

	case copilot.EventTypeAssistantReasoningDelta:
		s.mapper.Reasoning(deref(ev.Data.DeltaContent))

	case copilot.EventTypeAssistantReasoning:
		s.mapper.Reasoning(deref(ev.Data.Content))

	case copilot.EventTypeToolStart:
		args, _ := ev.Data.Arguments.(map[string]any)
		s.mapper.ToolStarted(deref(ev.Data.ToolCallID), deref(ev.Data.ToolName), args)

	case copilot.EventTypeToolComplete:
		result := ""
		if ev.Data.Result != nil {
			result = fmt.Sprint(ev.Data.Result)
		}
		s.mapper.ToolCompleted(deref(ev.Data.ToolCallID), result, "", 0)

	case copilot.EventTypeSessionIdle:
		s.mapper.FinalText("", 0)
		s.mapper.Final("", "")

	case copilot.EventTypeSessionError:
		s.mapper.Error(deref(ev.Data.Message))

	case copilot.EventTypeAbort:
		s.mapper.Progress("turn aborted")
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
