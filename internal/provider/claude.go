package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vuhlp/vuhlp/internal/common/config"
	"github.com/vuhlp/vuhlp/internal/common/logger"
	"github.com/vuhlp/vuhlp/internal/provider/proc"
	"github.com/vuhlp/vuhlp/pkg/claudecode"
)

const claudeStopGrace = 5 * time.Second

// ClaudeAdapter drives the Claude Code CLI over its stream-json protocol.
type ClaudeAdapter struct {
	cfg    config.ProviderConfig
	logger *logger.Logger
}

// NewClaudeAdapter creates the adapter for one configured claude provider.
func NewClaudeAdapter(cfg config.ProviderConfig, log *logger.Logger) *ClaudeAdapter {
	return &ClaudeAdapter{cfg: cfg, logger: log.WithFields(zap.String("component", "claude-adapter"))}
}

// Kind implements Adapter.
func (a *ClaudeAdapter) Kind() string { return "claude" }

// Open launches the CLI and wires its stream into a mapper.
func (a *ClaudeAdapter) Open(ctx context.Context, spec SessionSpec) (Session, error) {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if spec.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if spec.ResumeSessionID != "" {
		args = append(args, "--resume", spec.ResumeSessionID)
	}
	if spec.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", spec.SystemPrompt)
	}

	launch := proc.SpecFromConfig(a.cfg, spec.Workdir, args...)
	if spec.MCPEndpoint != "" {
		if launch.Env == nil {
			launch.Env = map[string]string{}
		}
		launch.Env["VUHLP_MCP_ENDPOINT"] = spec.MCPEndpoint
	}

	process, err := proc.Launch(launch, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to launch claude CLI: %w", err)
	}

	s := &claudeSession{
		client:    claudecode.NewClient(process.Stdin(), process.Stdout(), a.logger),
		process:   process,
		mapper:    NewMapper(),
		logger:    a.logger,
		gated:     !spec.SkipPermissions,
		reqByTool: make(map[string]string),
	}
	s.client.SetMessageHandler(s.handleMessage)
	s.client.SetRequestHandler(s.handleControlRequest)
	<-s.client.Start(ctx)

	go func() {
		<-process.Done()
		s.mapper.Close()
	}()

	return s, nil
}

type claudeSession struct {
	client  *claudecode.Client
	process *proc.Process
	mapper  *Mapper
	logger  *logger.Logger
	gated   bool

	mu        sync.Mutex
	reqByTool map[string]string // tool id -> CLI control request id
	openTools []string          // tool_use ids without a completion yet
}

func (s *claudeSession) Events() <-chan Event { return s.mapper.Events() }

func (s *claudeSession) Send(ctx context.Context, prompt string) error {
	return s.client.SendUserMessage(prompt)
}

func (s *claudeSession) Respond(ctx context.Context, toolID string, decision Decision) error {
	s.mu.Lock()
	requestID, ok := s.reqByTool[toolID]
	delete(s.reqByTool, toolID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending control request for tool %q", toolID)
	}

	result := &claudecode.PermissionResult{Behavior: claudecode.BehaviorDeny, Message: decision.Feedback}
	if decision.Approved {
		result.Behavior = claudecode.BehaviorAllow
		if decision.ModifiedArgs != nil {
			result.UpdatedInput = decision.ModifiedArgs
			s.mapper.SubstituteArgs(toolID, decision.ModifiedArgs)
		}
	}
	return s.client.SendControlResponse(&claudecode.ControlResponseMessage{
		Type:      claudecode.MessageTypeControlResponse,
		RequestID: requestID,
		Response:  &claudecode.ControlResponse{Subtype: "success", Result: result},
	})
}

func (s *claudeSession) Interrupt(ctx context.Context) error {
	return s.client.SendControlRequest(&claudecode.SDKControlRequest{
		Type:      claudecode.MessageTypeControlRequest,
		RequestID: uuid.New().String(),
		Request:   claudecode.SDKControlRequestBody{Subtype: claudecode.SubtypeInterrupt},
	})
}

func (s *claudeSession) Close() error {
	s.client.Stop()
	err := s.process.Stop(claudeStopGrace)
	s.mapper.Close()
	return err
}

// handleControlRequest surfaces can_use_tool as a proposed tool call. The
// decision comes back through Respond.
func (s *claudeSession) handleControlRequest(requestID string, req *claudecode.ControlRequest) {
	if req.Subtype != claudecode.SubtypeCanUseTool {
		s.logger.Debug("ignoring control request", zap.String("subtype", req.Subtype))
		return
	}
	toolID := req.ToolUseID
	if toolID == "" {
		toolID = requestID
	}
	if !s.gated {
		// Skip-permissions sessions should not be asked; allow inline.
		_ = s.client.SendControlResponse(&claudecode.ControlResponseMessage{
			Type:      claudecode.MessageTypeControlResponse,
			RequestID: requestID,
			Response: &claudecode.ControlResponse{
				Subtype: "success",
				Result:  &claudecode.PermissionResult{Behavior: claudecode.BehaviorAllow},
			},
		})
		s.mapper.ToolStarted(toolID, req.ToolName, req.Input)
		return
	}
	s.mu.Lock()
	s.reqByTool[toolID] = requestID
	s.mu.Unlock()
	s.mapper.ToolProposed(toolID, req.ToolName, req.Input)
}

func (s *claudeSession) handleMessage(msg *claudecode.CLIMessage) {
	switch msg.Type {
	case claudecode.MessageTypeSystem:
		if msg.SessionID != "" {
			s.mapper.Session(msg.SessionID)
		}

	case claudecode.MessageTypeAssistant:
		if msg.Message == nil {
			return
		}
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				s.mapper.AggregateText(block.Text)
			case "thinking":
				s.mapper.Reasoning(block.Thinking)
			case "tool_use":
				// Skip-permissions sessions never get a control request,
				// so the tool_use block is the first sighting.
				s.mu.Lock()
				s.openTools = append(s.openTools, block.ID)
				s.mu.Unlock()
				s.mapper.ToolStarted(block.ID, block.Name, block.Input)
			}
		}

	case claudecode.MessageTypeUser:
		s.handleToolResults(msg)

	case claudecode.MessageTypeResult:
		s.completeOpenTools("")
		text := ""
		if data := msg.GetResultData(); data != nil {
			text = data.Text
		}
		if text == "" {
			text = msg.GetResultString()
		}
		if msg.IsError {
			s.mapper.Error(text)
			s.mapper.Final("", "")
			return
		}
		s.mapper.FinalText(text, int(msg.TotalOutputTokens))
		s.mapper.Final(text, "")
	}
}

// handleToolResults pulls tool_result blocks out of echoed user messages.
func (s *claudeSession) handleToolResults(msg *claudecode.CLIMessage) {
	if len(msg.RawContent) == 0 {
		return
	}
	var raw struct {
		Message struct {
			Content []claudecode.ContentBlock `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(msg.RawContent, &raw); err != nil {
		return
	}
	for _, block := range raw.Message.Content {
		if block.Type != "tool_result" || block.ToolUseID == "" {
			continue
		}
		s.forgetOpenTool(block.ToolUseID)
		if block.IsError {
			s.mapper.ToolCompleted(block.ToolUseID, "", block.Content, 0)
		} else {
			s.mapper.ToolCompleted(block.ToolUseID, block.Content, "", 0)
		}
	}
}

func (s *claudeSession) forgetOpenTool(toolID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, id := range s.openTools {
		if id == toolID {
			s.openTools = append(s.openTools[:i], s.openTools[i+1:]...)
			return
		}
	}
}

// completeOpenTools closes tool calls the CLI never reported a result for.
func (s *claudeSession) completeOpenTools(result string) {
	s.mu.Lock()
	open := s.openTools
	s.openTools = nil
	s.mu.Unlock()
	for _, id := range open {
		s.mapper.ToolCompleted(id, result, "", 0)
	}
}
