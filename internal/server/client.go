// Package server manages individual WebSocket connections: the read pump
// that feeds inbound events to the dispatcher and the write pump that drains
// the per-connection send buffer.
package server

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatrelay/internal/metrics"
)

const writeWait = 10 * time.Second

// Client binds one WebSocket connection to its session state. The hub holds
// a non-owning reference to the transport; closed is the connection's send
// state and is read under the hub's lock before any delivery.
type Client struct {
	id         string
	conn       *websocket.Conn
	send       chan []byte
	hub        *Hub
	dispatcher *Dispatcher
	session    *Session
	addr       string
	closed     bool

	maxMessageSize int64
	heartbeat      time.Duration
	limiter        *rateLimiter
	rateLimit      RateLimitConfig
}

// NewClient wraps a WebSocket connection for the hub. The send channel is
// buffered so one slow peer never stalls a fan-out; conn may be nil in tests
// that exercise registry logic without a transport.
func NewClient(conn *websocket.Conn, hub *Hub, dispatcher *Dispatcher, addr string, cfg *Config) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	return &Client{
		id:             uuid.NewString(),
		conn:           conn,
		send:           make(chan []byte, 256),
		hub:            hub,
		dispatcher:     dispatcher,
		session:        newSession(),
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		heartbeat:      cfg.HeartbeatInterval,
		limiter:        newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit:      cfg.RateLimit,
	}
}

// ID returns the connection's server-assigned identifier.
func (c *Client) ID() string {
	return c.id
}

// SendQueue exposes the outbound buffer for tests that observe deliveries.
func (c *Client) SendQueue() <-chan []byte {
	return c.send
}

// pongWait leaves room for two missed heartbeats before the read deadline
// trips.
func (c *Client) pongWait() time.Duration {
	return 2 * c.heartbeat
}

func (c *Client) readPump() {
	defer func() {
		// During hub shutdown the lifecycle loop is gone; cleanup happens
		// wholesale there instead.
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			slog.Error("error closing connection after read pump", "clientId", c.id, "error", err)
		}
	}()

	if err := c.conn.SetReadDeadline(time.Now().Add(c.pongWait())); err != nil {
		slog.Error("error setting read deadline", "clientId", c.id, "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait()))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.limiter.allow() {
			metrics.EventsDropped.WithLabelValues(metrics.ReasonRateLimited).Inc()
			slog.Warn("rate limit exceeded, discarding event",
				"clientId", c.id, "burst", c.rateLimit.Burst, "interval", c.rateLimit.RefillInterval)
			continue
		}

		c.dispatcher.Dispatch(c, raw)
	}
}

func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		slog.Warn("inbound frame exceeded size limit", "clientId", c.id, "limit", c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		slog.Debug("client closed connection", "clientId", c.id, "reason", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		slog.Debug("connection closed", "clientId", c.id, "reason", err)
	default:
		slog.Error("websocket read error", "clientId", c.id, "error", err)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.heartbeat)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			slog.Error("error closing connection after write pump", "clientId", c.id, "error", err)
		}
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				slog.Error("error setting write deadline", "clientId", c.id, "error", err)
				return
			}
			if !ok {
				// Hub closed the buffer: the connection was unregistered.
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
					slog.Debug("error writing close frame", "clientId", c.id, "error", err)
				}
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				slog.Debug("write failed, stopping pump", "clientId", c.id, "error", err)
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				slog.Error("error setting ping deadline", "clientId", c.id, "error", err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Debug("ping failed, stopping pump", "clientId", c.id, "error", err)
				return
			}

		case <-c.hub.ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
				slog.Debug("error writing shutdown close frame", "clientId", c.id, "error", err)
			}
			return
		}
	}
}

// isExpectedCloseError reports whether an error is part of normal connection
// teardown rather than a fault worth logging loudly.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "websocket: close sent") ||
		strings.Contains(msg, "broken pipe")
}
