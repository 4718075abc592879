package websocket

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vuhlp/vuhlp/internal/common/ident"
	"github.com/vuhlp/vuhlp/internal/common/logger"
	"github.com/vuhlp/vuhlp/internal/events"
	"github.com/vuhlp/vuhlp/internal/events/bus"
)

// Handler upgrades /ws connections and bridges them onto the event bus.
type Handler struct {
	bus      bus.EventBus
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewHandler creates the WebSocket handler.
func NewHandler(eventBus bus.EventBus, log *logger.Logger) *Handler {
	return &Handler{
		bus: eventBus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local-first daemon; the UI may be served from any origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.WithFields(zap.String("component", "websocket")),
	}
}

// SetupRoutes registers GET /ws.
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", h.serve)
}

// serve streams each matching event as one JSON frame. An optional runId
// query narrows the stream to a single run.
func (h *Handler) serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	subject := events.BuildAllRunsWildcardSubject()
	if runID := c.Query("runId"); runID != "" {
		subject = events.BuildRunWildcardSubject(runID)
	}

	cl := newClient(ident.New(), conn, h.logger)
	sub, err := h.bus.Subscribe(subject, func(ctx context.Context, e *events.Event) error {
		frame, err := e.MarshalJSON()
		if err != nil {
			return err
		}
		cl.enqueue(frame)
		return nil
	})
	if err != nil {
		h.logger.Error("websocket subscription failed", zap.Error(err))
		_ = conn.Close()
		return
	}

	h.logger.Debug("websocket client connected",
		zap.String("client_id", cl.id), zap.String("subject", subject))

	go cl.writePump()
	cl.readPump()

	_ = sub.Unsubscribe()
	h.logger.Debug("websocket client disconnected", zap.String("client_id", cl.id))
}
