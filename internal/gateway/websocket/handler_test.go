package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vuhlp/vuhlp/internal/common/logger"
	"github.com/vuhlp/vuhlp/internal/events"
	"github.com/vuhlp/vuhlp/internal/events/bus"
)

func newServer(t *testing.T) (*httptest.Server, bus.EventBus) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	router := gin.New()
	NewHandler(eventBus, log).SetupRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, eventBus
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(frame, &decoded))
	return decoded
}

func TestStreamsAllRuns(t *testing.T) {
	srv, eventBus := newServer(t)
	conn := dial(t, srv, "")

	require.NoError(t, eventBus.Publish(context.Background(),
		events.New("run-1", events.NodePatch, map[string]interface{}{"nodeId": "a"})))

	frame := readFrame(t, conn)
	assert.Equal(t, "run-1", frame["runId"])
	assert.Equal(t, events.NodePatch, frame["type"])
	assert.Equal(t, "a", frame["nodeId"])
	assert.NotEmpty(t, frame["id"])
	assert.NotEmpty(t, frame["ts"])
}

func TestRunFilter(t *testing.T) {
	srv, eventBus := newServer(t)
	conn := dial(t, srv, "?runId=run-2")

	require.NoError(t, eventBus.Publish(context.Background(),
		events.New("run-1", events.NodePatch, nil)))
	require.NoError(t, eventBus.Publish(context.Background(),
		events.New("run-2", events.TurnCompleted, map[string]interface{}{"nodeId": "b"})))

	frame := readFrame(t, conn)
	assert.Equal(t, "run-2", frame["runId"])
	assert.Equal(t, events.TurnCompleted, frame["type"])
}

func TestEventIDsMonotonicPerConnection(t *testing.T) {
	srv, eventBus := newServer(t)
	conn := dial(t, srv, "?runId=run-3")

	for i := 0; i < 5; i++ {
		require.NoError(t, eventBus.Publish(context.Background(),
			events.New("run-3", events.NodeProgress, nil)))
	}

	prev := ""
	for i := 0; i < 5; i++ {
		frame := readFrame(t, conn)
		id, ok := frame["id"].(string)
		require.True(t, ok)
		if prev != "" {
			assert.Greater(t, id, prev)
		}
		prev = id
	}
}

func TestDisconnectDropsSubscription(t *testing.T) {
	srv, eventBus := newServer(t)
	conn := dial(t, srv, "")
	require.NoError(t, conn.Close())

	// Publishing after disconnect must not error or block.
	require.Eventually(t, func() bool {
		err := eventBus.Publish(context.Background(), events.New("run-1", events.NodePatch, nil))
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

func TestUpgradeRequired(t *testing.T) {
	srv, _ := newServer(t)
	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
}
