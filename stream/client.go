package stream

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client is one WebSocket connection. Its subscription set is owned by the
// hub and only touched under the hub lock.
type Client struct {
	id          string
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	quit        chan struct{}
	once        sync.Once
	closeCode   int
	closeReason string
	symbols     map[string]struct{}
	connectedAt time.Time
}

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:          uuid.NewString(),
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, hub.config.SendBuffer),
		quit:        make(chan struct{}),
		closeCode:   websocket.CloseNormalClosure,
		symbols:     make(map[string]struct{}),
		connectedAt: hub.clock.Now(),
	}
}

func (c *Client) ID() string { return c.id }

// enqueue never blocks. It reports false only when the send buffer is full.
func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.quit:
		return true
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close(code int, reason string) {
	c.once.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.quit)
	})
}

func (c *Client) readPump() {
	defer c.hub.unregister(c, websocket.CloseNormalClosure, "")

	cfg := c.hub.config
	c.conn.SetReadLimit(cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("Stream client read failed",
					zap.String("client_id", c.id),
					zap.Error(err))
			}
			return
		}

		c.hub.handle(c, data)
	}
}

func (c *Client) writePump() {
	cfg := c.hub.config
	ticker := time.NewTicker(cfg.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.quit:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason))
			return

		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.logger.Debug("Stream client write failed",
					zap.String("client_id", c.id),
					zap.Error(err))
				c.hub.unregister(c, websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.unregister(c, websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}
