package shared

import (
	"errors"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var errClientClosed = errors.New("client connection closed")

// The write side of a Client. There is no write pump goroutine: the worker
// that owns the connection calls Send and Ping from its drain goroutine, so
// writes for one connection are already ordered and the mutex only guards
// against pongs from the read pump and a concurrent Close.

// Send writes one text frame. An error means the connection is unusable.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errClientClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
}

// Ping writes a ping control frame. Called by the pool's keep-alive.
func (c *Client) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errClientClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return ws.WriteFrame(c.conn, ws.NewPingFrame(nil))
}

// writeControl writes a control frame (pong) from the read pump.
func (c *Client) writeControl(f ws.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errClientClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return ws.WriteFrame(c.conn, f)
}

// Close sends a close frame carrying code and reason, then closes the socket.
// Only the first call has any effect.
func (c *Client) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		c.closed = true

		// Close reasons are limited to 123 bytes by RFC 6455
		if len(reason) > 123 {
			reason = reason[:123]
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
		body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
		_ = ws.WriteFrame(c.conn, ws.NewCloseFrame(body))

		err = c.conn.Close()
	})
	return err
}
