package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 10 * time.Second

// WSConn adapts a gorilla WebSocket connection to the Conn interface.
// Writes are serialized behind a mutex; WebSocket has no unreliable class,
// so the reliable flag is ignored.
type WSConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewWSConn wraps an upgraded WebSocket connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// Kind reports the WebSocket binding.
func (c *WSConn) Kind() Kind {
	return KindWebSocket
}

// Send writes one text payload under the write deadline.
func (c *WSConn) Send(payload []byte, _ bool) error {
	if c == nil || c.conn == nil {
		return ErrConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Receive blocks for the next inbound message.
func (c *WSConn) Receive(ctx context.Context) ([]byte, error) {
	if c == nil || c.conn == nil {
		return nil, ErrConnClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}
	_, payload, err := c.conn.ReadMessage()
	return payload, err
}

// Close closes the underlying socket.
func (c *WSConn) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// ClosePolicyViolation sends a policy-violation close frame before closing,
// used when a socket arrives for an unknown or expired identity.
func (c *WSConn) ClosePolicyViolation(reason string) {
	if c == nil || c.conn == nil {
		return
	}
	message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	c.conn.WriteMessage(websocket.CloseMessage, message)
	c.writeMu.Unlock()
	c.conn.Close()
}
