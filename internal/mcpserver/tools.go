package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/vuhlp/vuhlp/internal/common/logger"
)

func registerTools(s *server.MCPServer, cfg Config, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("list_nodes",
			mcp.WithDescription("List the nodes of a run with their status, role and provider. Use this to find targets for handoffs."),
			mcp.WithString("run_id",
				mcp.Required(),
				mcp.Description("The run ID"),
			),
		),
		listNodesHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("spawn_node",
			mcp.WithDescription("Create a new agent node in the run and link it to the spawning node."),
			mcp.WithString("run_id",
				mcp.Required(),
				mcp.Description("The run ID"),
			),
			mcp.WithString("from",
				mcp.Required(),
				mcp.Description("The node ID issuing the spawn"),
			),
			mcp.WithString("role",
				mcp.Required(),
				mcp.Description("Role of the new node: orchestrator, planner, implementer or reviewer"),
			),
			mcp.WithString("label",
				mcp.Description("Human-readable label for the new node (optional)"),
			),
			mcp.WithString("provider",
				mcp.Description("Provider override for the new node (optional)"),
			),
		),
		spawnNodeHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("send_handoff",
			mcp.WithDescription("Send a handoff message to another node. The target receives it at the start of its next turn."),
			mcp.WithString("run_id",
				mcp.Required(),
				mcp.Description("The run ID"),
			),
			mcp.WithString("from",
				mcp.Required(),
				mcp.Description("The sending node ID"),
			),
			mcp.WithString("to",
				mcp.Required(),
				mcp.Description("The target node ID"),
			),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("The handoff message"),
			),
		),
		sendHandoffHandler(cfg, log),
	)

	s.AddTool(
		mcp.NewTool("post_chat",
			mcp.WithDescription("Post a message into the run's chat, optionally addressed to one node."),
			mcp.WithString("run_id",
				mcp.Required(),
				mcp.Description("The run ID"),
			),
			mcp.WithString("content",
				mcp.Required(),
				mcp.Description("The message content"),
			),
			mcp.WithString("node_id",
				mcp.Description("Target node ID; empty addresses the whole run"),
			),
		),
		postChatHandler(cfg, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 4))
}

func listNodesHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID, err := req.RequireString("run_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return getJSON(ctx, cfg, log, fmt.Sprintf("%s/api/runs/%s", cfg.DaemonURL, runID))
	}
}

func spawnNodeHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID, err := req.RequireString("run_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		from, err := req.RequireString("from")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		role, err := req.RequireString("role")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		node := map[string]any{"role": role}
		if label := req.GetString("label", ""); label != "" {
			node["label"] = label
		}
		if provider := req.GetString("provider", ""); provider != "" {
			node["provider"] = provider
		}
		result, err := postJSON(ctx, cfg, log,
			fmt.Sprintf("%s/api/runs/%s/nodes", cfg.DaemonURL, runID), node)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var created struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(result, &created); err != nil || created.ID == "" {
			return mcp.NewToolResultError("spawn did not return a node id"), nil
		}
		if _, err := postJSON(ctx, cfg, log,
			fmt.Sprintf("%s/api/runs/%s/edges", cfg.DaemonURL, runID),
			map[string]any{"from": from, "to": created.ID, "bidirectional": true}); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("spawned node %s (role %s)", created.ID, role)), nil
	}
}

func sendHandoffHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID, err := req.RequireString("run_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		from, err := req.RequireString("from")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		to, err := req.RequireString("to")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		if _, err := postJSON(ctx, cfg, log,
			fmt.Sprintf("%s/api/runs/%s/handoffs", cfg.DaemonURL, runID),
			map[string]any{"from": from, "to": to, "message": message}); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("handoff sent to %s", to)), nil
	}
}

func postChatHandler(cfg Config, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		runID, err := req.RequireString("run_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		body := map[string]any{"content": content}
		if nodeID := req.GetString("node_id", ""); nodeID != "" {
			body["nodeId"] = nodeID
		}
		if _, err := postJSON(ctx, cfg, log,
			fmt.Sprintf("%s/api/runs/%s/chat", cfg.DaemonURL, runID), body); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText("message posted"), nil
	}
}

func getJSON(ctx context.Context, cfg Config, log *logger.Logger, url string) (*mcp.CallToolResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Error("daemon request failed", zap.String("url", url), zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("daemon request failed: %v", err)), nil
	}
	defer func() { _ = resp.Body.Close() }()

	var result json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to parse response: %v", err)), nil
	}
	if resp.StatusCode >= 400 {
		return mcp.NewToolResultError(string(result)), nil
	}
	formatted, _ := json.MarshalIndent(result, "", "  ")
	return mcp.NewToolResultText(string(formatted)), nil
}

func postJSON(ctx context.Context, cfg Config, log *logger.Logger, url string, body map[string]any) (json.RawMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Error("daemon request failed", zap.String("url", url), zap.Error(err))
		return nil, fmt.Errorf("daemon request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("daemon returned %d: %s", resp.StatusCode, result)
	}
	return result, nil
}
