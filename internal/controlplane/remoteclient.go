package controlplane

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"harness-mux/internal/wire"
)

// RemoteClient dials the line-framed JSON-over-TCP transport from a
// separate process: the front-end orchestrator's "remote" mode, selected by
// --harness-server-host/--harness-server-port, uses this instead of
// DialEmbedded.
type RemoteClient struct {
	conn   net.Conn
	fw     *wire.FrameWriter
	token  string
	pushes chan wire.PushEnvelope

	mu       sync.Mutex
	pending  chan wire.Response
	writeErr error
	closed   bool
}

// DialRemote connects to a control plane listening at addr (host:port).
// token is kept on the client but never sent: the wire protocol carries no
// auth command, and DialRemote only opens the transport.
func DialRemote(addr, token string) (*RemoteClient, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial control plane %s: %w", addr, err)
	}
	c := &RemoteClient{
		conn:    conn,
		fw:      wire.NewFrameWriter(conn),
		token:   token,
		pushes:  make(chan wire.PushEnvelope, 256),
		pending: make(chan wire.Response, 1),
	}
	go c.readLoop()
	return c, nil
}

// readLoop demuxes the single inbound stream into responses (frames with an
// "ok" key) and pushes (frames with a "type" key), matching the server's
// syncFrameWriter which interleaves both onto one connection.
func (c *RemoteClient) readLoop() {
	fr := wire.NewFrameReader(c.conn)
	for {
		raw, err := fr.ReadFrame()
		if err != nil {
			close(c.pushes)
			close(c.pending)
			return
		}
		var probe struct {
			OK   *bool  `json:"ok"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			continue
		}
		if probe.OK != nil {
			var all map[string]any
			json.Unmarshal(raw, &all)
			resp := wire.Response{OK: *probe.OK}
			if errRaw, ok := all["error"]; ok {
				if errMap, ok := errRaw.(map[string]any); ok {
					resp.Error = &wire.ResponseError{
						Kind:    wire.KindFromAny(errMap["kind"]),
						Message: fmt.Sprint(errMap["message"]),
					}
				}
			}
			delete(all, "ok")
			delete(all, "error")
			resp.Fields = all
			c.pending <- resp
			continue
		}
		var env wire.PushEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		c.pushes <- env
	}
}

// Send writes cmd and blocks for the next response frame. Responses to
// commands on one connection arrive in the order issued, so a single
// pending slot is sufficient as long as callers don't pipeline concurrent
// Sends (the orchestrator never does — its event loop is single-threaded).
func (c *RemoteClient) Send(cmd wire.Command) wire.Response {
	c.mu.Lock()
	err := c.fw.WriteFrame(cmd)
	c.mu.Unlock()
	if err != nil {
		return wire.Response{OK: false, Error: &wire.ResponseError{Kind: "invalid-argument", Message: err.Error()}}
	}
	// pty.input and pty.resize are out-of-band on the wire: the server
	// never writes a response frame for them, so waiting on c.pending would
	// block forever.
	if cmd.Type() == "pty.input" || cmd.Type() == "pty.resize" {
		return wire.OKResponse(nil)
	}
	resp, ok := <-c.pending
	if !ok {
		return wire.Response{OK: false, Error: &wire.ResponseError{Kind: "session-not-live", Message: "control plane connection closed"}}
	}
	return resp
}

// Pushes exposes the demuxed push channel for the orchestrator's event loop.
func (c *RemoteClient) Pushes() <-chan wire.PushEnvelope {
	return c.pushes
}

// Close shuts down the TCP connection.
func (c *RemoteClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.conn.Close()
}
