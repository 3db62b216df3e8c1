package controlplane

import (
	"log"
	"net"
	"sync"

	"harness-mux/internal/wire"
)

// EmbeddedClient is the in-process transport: a front-end orchestrator
// running in the same binary as the Server dials this instead of opening a
// TCP connection, calling Dispatch directly with no serialization hop.
type EmbeddedClient struct {
	srv  *Server
	conn *Connection
}

// DialEmbedded registers a new connection against srv without any network
// hop.
func DialEmbedded(srv *Server) *EmbeddedClient {
	return &EmbeddedClient{srv: srv, conn: srv.Connect()}
}

// Send dispatches cmd synchronously and returns the response.
func (c *EmbeddedClient) Send(cmd wire.Command) wire.Response {
	return c.srv.Dispatch(c.conn.ID, cmd)
}

// Pushes exposes the connection's push channel for the embedded client's
// reader goroutine to drain pty.output/pty.event/pty.exit/stream.event
// pushes.
func (c *EmbeddedClient) Pushes() <-chan wire.PushEnvelope {
	return c.conn.Outbound()
}

// Close disconnects the embedded client, releasing its attachments and
// subscriptions.
func (c *EmbeddedClient) Close() {
	c.srv.Disconnect(c.conn.ID)
}

// ListenAndServe runs the line-framed JSON-over-TCP transport: one
// accepted connection per client, one reader goroutine decoding frames and
// dispatching them, one writer goroutine draining the connection's push
// channel.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Printf("controlplane: listening on %s", addr)
	return s.Serve(ln)
}

// Serve accepts connections off an already-bound listener, one goroutine per
// connection. Split out from ListenAndServe so callers that need the bound
// port before serving (e.g. picking an ephemeral port for a discovery
// marker) can net.Listen themselves first.
func (s *Server) Serve(ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.serveConn(nc)
	}
}

// syncFrameWriter serializes writes from the response path and the push
// path onto the same connection: both outlive a single FrameWriter call, so
// without a shared lock a response and a concurrent push could interleave
// mid-line and corrupt the line-framed protocol.
type syncFrameWriter struct {
	mu sync.Mutex
	fw *wire.FrameWriter
}

func (w *syncFrameWriter) WriteFrame(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fw.WriteFrame(v)
}

func (s *Server) serveConn(nc net.Conn) {
	defer nc.Close()
	conn := s.Connect()
	defer s.Disconnect(conn.ID)

	out := &syncFrameWriter{fw: wire.NewFrameWriter(nc)}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for env := range conn.Outbound() {
			if err := out.WriteFrame(env); err != nil {
				return
			}
		}
	}()

	fr := wire.NewFrameReader(nc)
	for {
		raw, err := fr.ReadFrame()
		if err != nil {
			break
		}
		cmd, perr := wire.ParseCommand(raw)
		if perr != nil {
			out.WriteFrame(wire.ErrResponse(perr))
			continue
		}
		resp := s.Dispatch(conn.ID, cmd)
		if cmd.Type() == "pty.input" || cmd.Type() == "pty.resize" {
			continue // out-of-band: no response frame
		}
		if err := out.WriteFrame(resp); err != nil {
			break
		}
	}
	<-done
}
