// Package websocket streams run events to UI clients. Each connection holds
// its own bus subscription, so slow consumers are isolated and overflow
// surfaces as events.gap markers on that connection only.
package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vuhlp/vuhlp/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4 * 1024
)

// client is one WebSocket connection receiving event frames.
type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	logger *logger.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(id string, conn *websocket.Conn, log *logger.Logger) *client {
	return &client{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// enqueue hands an encoded event frame to the write pump. It blocks when the
// pump is behind, which pushes backpressure into the bus subscription where
// overflow is converted to gap markers.
func (c *client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	case <-c.done:
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// readPump consumes control frames and detects disconnects. Client frames
// carry no protocol; anything readable is discarded.
func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
