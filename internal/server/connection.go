package server

import (
	"net"
	"sync"
)

// Connection is a TCP peer: its socket, a recv buffer sized to the wire
// frame width, and the waiting flag that gates whether it may issue a
// new request or receive broadcasts.
type Connection struct {
	id        uint64
	conn      net.Conn
	frameSize int
	table     *ConnectionTable

	mu      sync.Mutex
	waiting bool
	replied bool
	closed  bool
	onClose func()
}

// SetOnClose registers a callback invoked exactly once when the
// connection closes, letting the multiplexer neutralize any transaction
// still addressed to it.
func (c *Connection) SetOnClose(f func()) {
	c.mu.Lock()
	c.onClose = f
	c.mu.Unlock()
}

func newConnection(conn net.Conn, frameSize int, table *ConnectionTable) *Connection {
	return &Connection{conn: conn, frameSize: frameSize, table: table}
}

// NewForTest exposes connection construction to other packages' tests
// (internal/mux) without widening the production API.
func NewForTest(conn net.Conn, frameSize int, table *ConnectionTable) *Connection {
	return newConnection(conn, frameSize, table)
}

// Gone reports whether the connection has been closed; it is the
// tombstone check a queued transaction's weak reference resolves
// through.
func (c *Connection) Gone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Waiting reports whether a request issued by this connection is still
// outstanding.
func (c *Connection) Waiting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting
}

// BeginWait marks the connection as having an outstanding request,
// ready for a fresh reply.
func (c *Connection) BeginWait() {
	c.mu.Lock()
	c.waiting = true
	c.replied = false
	c.mu.Unlock()
}

// MarkReplied records that a reply for the current request has been
// sent, clearing waiting. It reports whether this call is the first to
// do so for the current request; a caller that gets false must not
// write anything, since the client already received its one reply for
// this request cycle.
func (c *Connection) MarkReplied() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.replied {
		return false
	}
	c.replied = true
	c.waiting = false
	return true
}

// Write sends b to the peer; it is a no-op once the connection is
// closed.
func (c *Connection) Write(b []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}
	_, err := c.conn.Write(b)
	return err
}

// Close tears down the connection and removes it from its table.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	onClose := c.onClose
	c.mu.Unlock()

	c.conn.Close()
	if c.table != nil {
		c.table.Remove(c.id)
	}
	if onClose != nil {
		onClose()
	}
}
