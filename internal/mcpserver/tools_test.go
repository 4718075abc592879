package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vuhlp/vuhlp/internal/common/logger"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   map[string]any
}

type stubDaemon struct {
	srv *httptest.Server

	mu       sync.Mutex
	requests []recordedRequest
}

func newStubDaemon(t *testing.T) *stubDaemon {
	t.Helper()
	d := &stubDaemon{}
	d.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		d.mu.Lock()
		d.requests = append(d.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Body: body})
		d.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/runs/r1/nodes":
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"node-new","role":"reviewer"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/api/runs/r1":
			_, _ = w.Write([]byte(`{"id":"r1","nodes":{"a":{"id":"a","status":"completed"}}}`))
		case r.URL.Path == "/api/runs/missing" || r.URL.Path == "/api/runs/missing/chat":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"run not found"}`))
		default:
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	}))
	t.Cleanup(d.srv.Close)
	return d
}

func (d *stubDaemon) find(method, path string) *recordedRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.requests {
		if d.requests[i].Method == method && d.requests[i].Path == path {
			return &d.requests[i]
		}
	}
	return nil
}

func toolRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	return text.Text
}

func TestListNodesTool(t *testing.T) {
	daemon := newStubDaemon(t)
	cfg := Config{DaemonURL: daemon.srv.URL}
	log := testLogger(t)

	handler := listNodesHandler(cfg, log)
	result, err := handler(context.Background(), toolRequest("list_nodes", map[string]any{"run_id": "r1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), `"completed"`)
}

func TestListNodesToolMissingRun(t *testing.T) {
	daemon := newStubDaemon(t)
	cfg := Config{DaemonURL: daemon.srv.URL}
	log := testLogger(t)

	handler := listNodesHandler(cfg, log)
	result, err := handler(context.Background(), toolRequest("list_nodes", map[string]any{"run_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestSpawnNodeToolCreatesNodeAndEdge(t *testing.T) {
	daemon := newStubDaemon(t)
	cfg := Config{DaemonURL: daemon.srv.URL}
	log := testLogger(t)

	handler := spawnNodeHandler(cfg, log)
	result, err := handler(context.Background(), toolRequest("spawn_node", map[string]any{
		"run_id": "r1",
		"from":   "a",
		"role":   "reviewer",
		"label":  "code review",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "node-new")

	nodeReq := daemon.find(http.MethodPost, "/api/runs/r1/nodes")
	require.NotNil(t, nodeReq)
	assert.Equal(t, "reviewer", nodeReq.Body["role"])
	assert.Equal(t, "code review", nodeReq.Body["label"])

	edgeReq := daemon.find(http.MethodPost, "/api/runs/r1/edges")
	require.NotNil(t, edgeReq)
	assert.Equal(t, "a", edgeReq.Body["from"])
	assert.Equal(t, "node-new", edgeReq.Body["to"])
	assert.Equal(t, true, edgeReq.Body["bidirectional"])
}

func TestSpawnNodeToolRequiresRole(t *testing.T) {
	daemon := newStubDaemon(t)
	cfg := Config{DaemonURL: daemon.srv.URL}
	log := testLogger(t)

	handler := spawnNodeHandler(cfg, log)
	result, err := handler(context.Background(), toolRequest("spawn_node", map[string]any{
		"run_id": "r1",
		"from":   "a",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Nil(t, daemon.find(http.MethodPost, "/api/runs/r1/nodes"))
}

func TestSendHandoffTool(t *testing.T) {
	daemon := newStubDaemon(t)
	cfg := Config{DaemonURL: daemon.srv.URL}
	log := testLogger(t)

	handler := sendHandoffHandler(cfg, log)
	result, err := handler(context.Background(), toolRequest("send_handoff", map[string]any{
		"run_id":  "r1",
		"from":    "a",
		"to":      "b",
		"message": "please review the diff",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	req := daemon.find(http.MethodPost, "/api/runs/r1/handoffs")
	require.NotNil(t, req)
	assert.Equal(t, "a", req.Body["from"])
	assert.Equal(t, "b", req.Body["to"])
	assert.Equal(t, "please review the diff", req.Body["message"])
}

func TestPostChatTool(t *testing.T) {
	daemon := newStubDaemon(t)
	cfg := Config{DaemonURL: daemon.srv.URL}
	log := testLogger(t)

	handler := postChatHandler(cfg, log)
	result, err := handler(context.Background(), toolRequest("post_chat", map[string]any{
		"run_id":  "r1",
		"content": "status update",
		"node_id": "a",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	req := daemon.find(http.MethodPost, "/api/runs/r1/chat")
	require.NotNil(t, req)
	assert.Equal(t, "status update", req.Body["content"])
	assert.Equal(t, "a", req.Body["nodeId"])
}

func TestPostChatToolDaemonError(t *testing.T) {
	daemon := newStubDaemon(t)
	cfg := Config{DaemonURL: daemon.srv.URL}
	log := testLogger(t)

	handler := postChatHandler(cfg, log)
	result, err := handler(context.Background(), toolRequest("post_chat", map[string]any{
		"run_id":  "missing",
		"content": "hello",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestServerStartStop(t *testing.T) {
	log := testLogger(t)
	srv := New(Config{Port: 0, DaemonURL: "http://localhost:4317"}, log)

	require.NoError(t, srv.Start(context.Background()))
	assert.NotZero(t, srv.Port())
	assert.Contains(t, srv.SSEEndpoint(), "/sse")
	assert.Contains(t, srv.StreamableHTTPEndpoint(), "/mcp")

	require.NoError(t, srv.Stop(context.Background()))
}
