package orchestrator

import (
	"os"
	"testing"

	"harness-mux/internal/oracle"
	"harness-mux/internal/render"
	"harness-mux/internal/wire"
)

// fakeClient is a minimal Client double: tests set Responses keyed by
// command type and assert on Sent.
type fakeClient struct {
	Responses map[string]wire.Response
	Sent      []wire.Command
	pushes    chan wire.PushEnvelope
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		Responses: make(map[string]wire.Response),
		pushes:    make(chan wire.PushEnvelope, 8),
	}
}

func (f *fakeClient) Send(cmd wire.Command) wire.Response {
	f.Sent = append(f.Sent, cmd)
	if resp, ok := f.Responses[cmd.Type()]; ok {
		return resp
	}
	return wire.OKResponse(nil)
}

func (f *fakeClient) Pushes() <-chan wire.PushEnvelope { return f.pushes }
func (f *fakeClient) Close()                           {}

func newTestOrchestrator(t *testing.T, client Client) *Orchestrator {
	t.Helper()
	_, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe() error = %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return New(client, os.Stdin, w, Options{CtrlCExits: true})
}

func TestDecodeField_TypedGoValue(t *testing.T) {
	resp := wire.OKResponse(map[string]any{"directoryId": "dir-123"})
	var got string
	decodeField(resp, "directoryId", &got)
	if got != "dir-123" {
		t.Errorf("decodeField() = %q, want %q", got, "dir-123")
	}
}

func TestDecodeField_GenericMapShape(t *testing.T) {
	// Simulates what RemoteClient's JSON-decoded Fields look like: nested
	// maps instead of typed structs.
	resp := wire.OKResponse(map[string]any{
		"status": map[string]any{
			"glyph":      "●",
			"detailText": "running",
		},
	})
	var model struct {
		Glyph      string `json:"glyph"`
		DetailText string `json:"detailText"`
	}
	decodeField(resp, "status", &model)
	if model.Glyph != "●" || model.DetailText != "running" {
		t.Errorf("decodeField() = %+v, want glyph=● detailText=running", model)
	}
}

func TestDecodeField_MissingKeyIsNoop(t *testing.T) {
	resp := wire.OKResponse(map[string]any{})
	got := "unchanged"
	decodeField(resp, "missing", &got)
	if got != "unchanged" {
		t.Errorf("decodeField() on missing key modified out to %q", got)
	}
}

func TestHandlePush_PTYOutputIngestsIntoOracle(t *testing.T) {
	client := newFakeClient()
	o := newTestOrchestrator(t, client)

	const sessionID = "sess-1"
	o.mu.Lock()
	o.oracles[sessionID] = oracle.New(80, 24)
	o.mu.Unlock()

	env := wire.PushEnvelope{
		Type:        wire.PushTypePTYOutput,
		SessionID:   sessionID,
		ChunkBase64: "aGVsbG8=", // "hello"
	}
	o.handlePush(env)

	o.mu.Lock()
	frame := o.oracles[sessionID].Snapshot()
	o.mu.Unlock()
	if len(frame.Lines) == 0 || frame.Lines[0] == "" {
		t.Errorf("oracle snapshot after push = %+v, want ingested text on line 0", frame.Lines)
	}
}

func TestHandlePush_MalformedBase64IsIgnored(t *testing.T) {
	client := newFakeClient()
	o := newTestOrchestrator(t, client)

	const sessionID = "sess-1"
	o.mu.Lock()
	o.oracles[sessionID] = oracle.New(80, 24)
	o.mu.Unlock()

	// Must not panic on invalid base64.
	o.handlePush(wire.PushEnvelope{Type: wire.PushTypePTYOutput, SessionID: sessionID, ChunkBase64: "!!!not-base64!!!"})
}

func TestHandleStdin_CtrlCQuits(t *testing.T) {
	client := newFakeClient()
	o := newTestOrchestrator(t, client)
	o.activeSessionID = "sess-1"

	if quit := o.handleStdin([]byte{3}); !quit {
		t.Errorf("handleStdin(ctrl+c) = false, want quit=true")
	}
}

func TestHandleStdin_CtrlCForwardedWhenNotExit(t *testing.T) {
	client := newFakeClient()
	o := newTestOrchestrator(t, client)
	o.opts.CtrlCExits = false
	o.router.CtrlCExits = false
	o.activeSessionID = "sess-1"

	if quit := o.handleStdin([]byte{3}); quit {
		t.Errorf("handleStdin(ctrl+c) with CtrlCExits=false = true, want forwarded not quit")
	}
	foundInput := false
	for _, cmd := range client.Sent {
		if cmd.Type() == "pty.input" {
			foundInput = true
		}
	}
	if !foundInput {
		t.Errorf("expected ctrl+c forwarded as pty.input, Sent = %+v", client.Sent)
	}
}

func TestHandleStdin_PlainTextForwardsAsInput(t *testing.T) {
	client := newFakeClient()
	o := newTestOrchestrator(t, client)
	o.activeSessionID = "sess-1"

	if quit := o.handleStdin([]byte("ls\n")); quit {
		t.Fatalf("handleStdin(%q) = quit, want forwarded", "ls\n")
	}
	count := 0
	for _, cmd := range client.Sent {
		if cmd.Type() == "pty.input" {
			count++
		}
	}
	if count == 0 {
		t.Errorf("expected at least one pty.input command, Sent = %+v", client.Sent)
	}
}

func TestCycleSessionActivatesAndAttaches(t *testing.T) {
	client := newFakeClient()
	o := newTestOrchestrator(t, client)

	o.mu.Lock()
	o.layout = render.ComputeDualPaneLayout(100, 30)
	o.activeSessionID = "s1"
	o.attached["s1"] = true
	o.rail = []render.RailEntry{
		{SessionID: "s1"},
		{SessionID: "s2"},
	}
	o.mu.Unlock()

	o.cycleSession(1)

	o.mu.Lock()
	active := o.activeSessionID
	o.mu.Unlock()
	if active != "s2" {
		t.Fatalf("expected s2 active after cycling, got %q", active)
	}

	var attached, resized bool
	for _, cmd := range client.Sent {
		switch c := cmd.(type) {
		case *wire.PTYAttach:
			if c.SessionID == "s2" {
				attached = true
			}
		case *wire.PTYResize:
			if c.SessionID == "s2" {
				resized = true
			}
		}
	}
	if !attached {
		t.Errorf("expected a pty.attach for the newly active session, Sent = %+v", client.Sent)
	}
	if !resized {
		t.Errorf("expected an immediate pty.resize flush on activation, Sent = %+v", client.Sent)
	}

	// Cycling backward returns to s1 without re-attaching it.
	before := len(client.Sent)
	o.cycleSession(-1)
	o.mu.Lock()
	active = o.activeSessionID
	o.mu.Unlock()
	if active != "s1" {
		t.Fatalf("expected s1 active after cycling back, got %q", active)
	}
	for _, cmd := range client.Sent[before:] {
		if a, ok := cmd.(*wire.PTYAttach); ok && a.SessionID == "s1" {
			t.Errorf("already-attached session should not re-attach, Sent = %+v", client.Sent[before:])
		}
	}
}
