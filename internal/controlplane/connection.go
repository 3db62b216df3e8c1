package controlplane

import (
	"sync"

	"harness-mux/internal/wire"
)

// Connection tracks the per-connection state the server needs to clean up
// attachments, event subscriptions, and stream subscriptions, and to
// release any controller claim, when the connection drops.
type Connection struct {
	ID string

	mu                 sync.Mutex
	outbound           chan wire.PushEnvelope
	attachedSessionIDs map[string]string // sessionID -> attachmentID
	eventSessionIDs    map[string]bool   // sessionID -> subscribed to pty.event
	streamSubIDs       map[string]bool   // subscriptionID -> true
	closed             bool
}

// newConnection allocates a Connection with a bounded outbound buffer; a
// full buffer means the consumer is too slow and further pushes for that
// connection's subscriptions get dropped rather than blocking the server.
func newConnection(id string) *Connection {
	return &Connection{
		ID:                 id,
		outbound:           make(chan wire.PushEnvelope, outboundBufferSize),
		attachedSessionIDs: make(map[string]string),
		eventSessionIDs:    make(map[string]bool),
		streamSubIDs:       make(map[string]bool),
	}
}

// Push attempts a non-blocking send of env to this connection's outbound
// queue. Returns false if the queue was full (the backpressure-drop case)
// or the connection already closed.
func (c *Connection) Push(env wire.PushEnvelope) bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false
	}
	select {
	case c.outbound <- env:
		return true
	default:
		return false
	}
}

// Outbound exposes the push channel for the transport's writer loop to
// drain.
func (c *Connection) Outbound() <-chan wire.PushEnvelope {
	return c.outbound
}

// Close marks the connection closed and drains no further sends will
// succeed; the transport is responsible for actually closing the socket.
func (c *Connection) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.outbound)
}
