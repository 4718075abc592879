package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/vuhlp/vuhlp/internal/common/config"
	"github.com/vuhlp/vuhlp/internal/common/logger"
	"github.com/vuhlp/vuhlp/internal/provider/proc"
	"github.com/vuhlp/vuhlp/pkg/gemini"
)

const geminiStopGrace = 5 * time.Second

// GeminiAdapter drives the Gemini CLI through the Agent Client Protocol.
type GeminiAdapter struct {
	cfg    config.ProviderConfig
	logger *logger.Logger
}

// NewGeminiAdapter creates the adapter for one configured gemini provider.
func NewGeminiAdapter(cfg config.ProviderConfig, log *logger.Logger) *GeminiAdapter {
	return &GeminiAdapter{cfg: cfg, logger: log.WithFields(zap.String("component", "gemini-adapter"))}
}

// Kind implements Adapter.
func (a *GeminiAdapter) Kind() string { return "gemini" }

// Open launches the CLI, performs the ACP handshake and creates or loads a
// session.
func (a *GeminiAdapter) Open(ctx context.Context, spec SessionSpec) (Session, error) {
	process, err := proc.Launch(proc.SpecFromConfig(a.cfg, spec.Workdir), a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to launch gemini CLI: %w", err)
	}

	s := &geminiSession{
		process:   process,
		mapper:    NewMapper(),
		logger:    a.logger,
		gated:     !spec.SkipPermissions,
		decisions: make(map[string]chan Decision),
	}

	client := gemini.NewClient(
		gemini.WithLogger(a.logger.Zap()),
		gemini.WithWorkspaceRoot(spec.Workdir),
		gemini.WithUpdateHandler(s.handleUpdate),
		gemini.WithPermissionHandler(s.handlePermission),
	)
	s.conn = acp.NewClientSideConnection(client, process.Stdin(), process.Stdout())

	initResp, err := s.conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo:      &acp.Implementation{Name: "vuhlp", Version: "1.0.0"},
	})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("acp initialize handshake failed: %w", err)
	}

	mcpServers := acpMCPServers(spec.MCPEndpoint)

	if spec.ResumeSessionID != "" && initResp.AgentCapabilities.LoadSession {
		if _, err := s.conn.LoadSession(ctx, acp.LoadSessionRequest{
			SessionId: acp.SessionId(spec.ResumeSessionID),
		}); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("acp session load failed: %w", err)
		}
		s.sessionID = spec.ResumeSessionID
	} else {
		resp, err := s.conn.NewSession(ctx, acp.NewSessionRequest{
			Cwd:        spec.Workdir,
			McpServers: mcpServers,
		})
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("acp session creation failed: %w", err)
		}
		s.sessionID = string(resp.SessionId)
	}
	s.mapper.Session(s.sessionID)

	go func() {
		<-process.Done()
		s.mapper.Close()
	}()

	return s, nil
}

// acpMCPServers builds the SSE server entry advertising the embedded MCP
// endpoint over the ACP session handshake.
func acpMCPServers(endpoint string) []acp.McpServer {
	if endpoint == "" {
		return nil
	}
	return []acp.McpServer{{
		Sse: &acp.McpServerSseInline{
			Name:    "vuhlp",
			Url:     endpoint,
			Type:    "sse",
			Headers: []acp.HttpHeader{},
		},
	}}
}

type geminiSession struct {
	conn      *acp.ClientSideConnection
	process   *proc.Process
	mapper    *Mapper
	logger    *logger.Logger
	gated     bool
	sessionID string

	mu        sync.Mutex
	decisions map[string]chan Decision
}

func (s *geminiSession) Events() <-chan Event { return s.mapper.Events() }

// Send runs one prompt turn. Prompt blocks until the turn completes, so the
// final event is emitted when it returns.
func (s *geminiSession) Send(ctx context.Context, prompt string) error {
	go func() {
		_, err := s.conn.Prompt(ctx, acp.PromptRequest{
			SessionId: acp.SessionId(s.sessionID),
			Prompt:    []acp.ContentBlock{acp.TextBlock(prompt)},
		})
		if err != nil {
			s.mapper.Error(err.Error())
			s.mapper.Close()
			return
		}
		s.mapper.FinalText("", 0)
		s.mapper.Final("", "")
	}()
	return nil
}

func (s *geminiSession) Respond(ctx context.Context, toolID string, decision Decision) error {
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

func (s *geminiSession) Interrupt(ctx context.Context) error {
	return s.conn.Cancel(ctx, acp.CancelNotification{
		SessionId: acp.SessionId(s.sessionID),
	})
}

func (s *geminiSession) Close() error {
	err := s.process.Stop(geminiStopGrace)
	s.mapper.Close()
	return err
}

// handlePermission surfaces the request as tool.proposed and blocks the ACP
// callback until Respond delivers the decision.
func (s *geminiSession) handlePermission(ctx context.Context, req acp.RequestPermissionRequest) (string, bool) {
	toolID := string(req.ToolCall.ToolCallId)

	args := map[string]any{}
	if req.ToolCall.Kind != nil {
		args["kind"] = string(*req.ToolCall.Kind)
	}
	if req.ToolCall.RawInput != nil {
		args["raw_input"] = req.ToolCall.RawInput
	}
	name := "tool"
	if req.ToolCall.Kind != nil {
		name = string(*req.ToolCall.Kind)
	} else if req.ToolCall.Title != nil {
		name = *req.ToolCall.Title
	}

	if !s.gated {
		return gemini.AllowOptionID(req.Options), false
	}

	ch := make(chan Decision, 1)
	s.mu.Lock()
	s.decisions[toolID] = ch
	s.mu.Unlock()

	s.mapper.ToolProposed(toolID, name, args)

	select {
	case decision := <-ch:
		if decision.Approved {
			return gemini.AllowOptionID(req.Options), false
		}
		return gemini.RejectOptionID(req.Options), false
	case <-ctx.Done():
		return "", true
	}
}

// handleUpdate maps ACP session notifications onto canonical events.
func (s *geminiSession) handleUpdate(n acp.SessionNotification) {
	u := n.Update
	switch {
	case u.AgentMessageChunk != nil:
		if u.AgentMessageChunk.Content.Text != nil {
			s.mapper.Delta(u.AgentMessageChunk.Content.Text.Text, 0)
		}

	case u.AgentThoughtChunk != nil:
		if u.AgentThoughtChunk.Content.Text != nil {
			s.mapper.Reasoning(u.AgentThoughtChunk.Content.Text.Text)
		}

	case u.ToolCall != nil:
		args := map[string]any{}
		if u.ToolCall.RawInput != nil {
			args["raw_input"] = u.ToolCall.RawInput
		}
		name := string(u.ToolCall.Kind)
		if name == "" {
			name = u.ToolCall.Title
		}
		s.mapper.ToolStarted(string(u.ToolCall.ToolCallId), name, args)

	case u.ToolCallUpdate != nil:
		status := ""
		if u.ToolCallUpdate.Status != nil {
			status = string(*u.ToolCallUpdate.Status)
		}
		switch status {
		case "completed":
			s.mapper.ToolCompleted(string(u.ToolCallUpdate.ToolCallId), "", "", 0)
		case "failed", "error":
			s.mapper.ToolCompleted(string(u.ToolCallUpdate.ToolCallId), "", "tool failed", 0)
		}

	case u.Plan != nil:
		for _, entry := range u.Plan.Entries {
			s.mapper.Progress(fmt.Sprintf("plan: [%s] %s", entry.Status, entry.Content))
		}
	}
}
