package shared

import (
	"net"
	"sync"
	"time"
)

// Client is the transport side of one upgraded WebSocket connection. It is
// handed to the session manager as its pool.Handle, so the owning worker's
// drain goroutine writes data frames and pings while the read pump writes
// pongs. mu serializes every frame written to conn.
//
// Memory per client is a few hundred bytes: there is no per-client send
// buffer, the worker queue is the only buffering between producers and the
// socket.
type Client struct {
	conn      net.Conn
	clientIP  string
	writeWait time.Duration

	// Set once the manager admits the connection
	id string

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func newClient(conn net.Conn, clientIP string, writeWait time.Duration) *Client {
	return &Client{
		conn:      conn,
		clientIP:  clientIP,
		writeWait: writeWait,
	}
}

// isClosed reports whether Close has been called.
func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
