package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/allydev/ally/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 64 * 1024
	sendBufferSize = 256
)

// client is one WebSocket connection. Outbound frames go through a
// buffered channel drained by the write pump; a full buffer drops frames
// instead of blocking the bus.
type client struct {
	id      string
	conn    *websocket.Conn
	handler InputHandler
	limiter *rate.Limiter

	out  chan protocol.Frame
	done chan struct{}
}

func newClient(conn *websocket.Conn, handler InputHandler, rps int) *client {
	lim := rate.NewLimiter(rate.Inf, 1)
	if rps > 0 {
		lim = rate.NewLimiter(rate.Limit(rps), rps)
	}
	return &client{
		id:      uuid.NewString(),
		conn:    conn,
		handler: handler,
		limiter: lim,
		out:     make(chan protocol.Frame, sendBufferSize),
		done:    make(chan struct{}),
	}
}

func (c *client) run(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)
}

func (c *client) send(f protocol.Frame) {
	select {
	case c.out <- f:
	case <-c.done:
	default:
		slog.Debug("gateway client send buffer full, dropping frame", "id", c.id, "type", f.Type)
	}
}

func (c *client) close() {
	close(c.done)
	c.conn.Close()
}

func (c *client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f protocol.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("gateway client read error", "id", c.id, "error", err)
			}
			return
		}
		if f.Type != protocol.FrameInput || f.Text == "" {
			continue
		}
		if !c.limiter.Allow() {
			c.send(protocol.Frame{Type: protocol.FrameError, Text: "rate limited, slow down"})
			continue
		}
		c.handleInput(ctx, f.Text)
	}
}

func (c *client) handleInput(ctx context.Context, text string) {
	if c.handler == nil {
		c.send(protocol.Frame{Type: protocol.FrameError, Text: "input not accepted"})
		return
	}
	reply, err := c.handler.HandleInput(ctx, text)
	if err != nil {
		c.send(protocol.Frame{Type: protocol.FrameError, Text: err.Error()})
		return
	}
	// Empty replies still ack so request-response callers can stop waiting.
	c.send(protocol.Frame{Type: protocol.FrameReply, Text: reply})
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
