// Package gemini provides the client side of the Agent Client Protocol used
// by the Gemini CLI. It implements the acp.Client interface, forwarding
// session updates and permission requests to registered handlers and serving
// the agent's file-system requests against the workspace.
package gemini

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"
)

// UpdateHandler receives session update notifications from the agent.
type UpdateHandler func(notification acp.SessionNotification)

// PermissionHandler decides a permission request. It returns the id of the
// option to select, or cancelled=true to abort the tool call.
type PermissionHandler func(ctx context.Context, req acp.RequestPermissionRequest) (optionID string, cancelled bool)

// Client implements acp.Client for the vuhlp daemon.
type Client struct {
	logger        *zap.Logger
	workspaceRoot string

	mu                sync.RWMutex
	updateHandler     UpdateHandler
	permissionHandler PermissionHandler
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithWorkspaceRoot sets the root for file operations.
func WithWorkspaceRoot(root string) Option {
	return func(c *Client) { c.workspaceRoot = root }
}

// WithUpdateHandler sets the session update handler.
func WithUpdateHandler(h UpdateHandler) Option {
	return func(c *Client) { c.updateHandler = h }
}

// WithPermissionHandler sets the permission request handler.
func WithPermissionHandler(h PermissionHandler) Option {
	return func(c *Client) { c.permissionHandler = h }
}

// NewClient creates the client implementation handed to
// acp.NewClientSideConnection.
func NewClient(opts ...Option) *Client {
	c := &Client{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestPermission forwards the agent's permission request to the handler.
// Without a handler the first allow option is selected.
func (c *Client) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	if len(p.Options) == 0 {
		c.logger.Warn("permission request without options; cancelling",
			zap.String("tool_call_id", string(p.ToolCall.ToolCallId)))
		return cancelledPermission(), nil
	}

	c.mu.RLock()
	handler := c.permissionHandler
	c.mu.RUnlock()

	if handler == nil {
		return selectPermission(firstAllowOption(p.Options).OptionId), nil
	}

	optionID, cancelled := handler(ctx, p)
	if cancelled {
		return cancelledPermission(), nil
	}
	return selectPermission(acp.PermissionOptionId(optionID)), nil
}

// AllowOptionID returns the id of the first allow option, or the first
// option when none is marked allow.
func AllowOptionID(options []acp.PermissionOption) string {
	return string(firstAllowOption(options).OptionId)
}

// RejectOptionID returns the id of the first reject option, or the last
// option when none is marked reject.
func RejectOptionID(options []acp.PermissionOption) string {
	for i := range options {
		if options[i].Kind == acp.PermissionOptionKindRejectOnce || options[i].Kind == acp.PermissionOptionKindRejectAlways {
			return string(options[i].OptionId)
		}
	}
	return string(options[len(options)-1].OptionId)
}

func firstAllowOption(options []acp.PermissionOption) *acp.PermissionOption {
	for i := range options {
		if options[i].Kind == acp.PermissionOptionKindAllowOnce || options[i].Kind == acp.PermissionOptionKindAllowAlways {
			return &options[i]
		}
	}
	return &options[0]
}

func selectPermission(id acp.PermissionOptionId) acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: id},
		},
	}
}

func cancelledPermission() acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Cancelled: &acp.RequestPermissionOutcomeCancelled{},
		},
	}
}

// SessionUpdate forwards session notifications to the handler.
func (c *Client) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	c.mu.RLock()
	handler := c.updateHandler
	c.mu.RUnlock()
	if handler != nil {
		handler(n)
	}
	return nil
}

// ReadTextFile serves the agent's file read requests.
func (c *Client) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	if !filepath.IsAbs(p.Path) {
		return acp.ReadTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}
	b, err := os.ReadFile(p.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	content := string(b)
	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 0 {
			start = min(*p.Line-1, len(lines))
		}
		end := len(lines)
		if p.Limit != nil && *p.Limit > 0 && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	return acp.ReadTextFileResponse{Content: content}, nil
}

// WriteTextFile serves the agent's file write requests.
func (c *Client) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	if !filepath.IsAbs(p.Path) {
		return acp.WriteTextFileResponse{}, fmt.Errorf("path must be absolute: %s", p.Path)
	}
	if dir := filepath.Dir(p.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return acp.WriteTextFileResponse{}, err
		}
	}
	return acp.WriteTextFileResponse{}, os.WriteFile(p.Path, []byte(p.Content), 0o644)
}

// CreateTerminal acknowledges terminal creation. Terminal support is not
// implemented; commands run through the agent's own tooling.
func (c *Client) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	c.logger.Debug("create terminal request", zap.String("command", p.Command))
	return acp.CreateTerminalResponse{TerminalId: "t-1"}, nil
}

// KillTerminalCommand acknowledges a terminal kill.
func (c *Client) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, nil
}

// TerminalOutput returns placeholder terminal output.
func (c *Client) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{Output: "", Truncated: false}, nil
}

// ReleaseTerminal acknowledges a terminal release.
func (c *Client) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, nil
}

// WaitForTerminalExit reports immediate exit for placeholder terminals.
func (c *Client) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	exitCode := 0
	return acp.WaitForTerminalExitResponse{ExitCode: &exitCode}, nil
}

var _ acp.Client = (*Client)(nil)
