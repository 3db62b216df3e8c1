package controlplane

import (
	"path/filepath"
	"testing"
	"time"

	"harness-mux/internal/catalog"
	"harness-mux/internal/config"
	"harness-mux/internal/eventstore"
	"harness-mux/internal/statusreducer"
	"harness-mux/internal/wire"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	ev, err := eventstore.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open eventstore: %v", err)
	}
	srv := New(cat, ev, config.DefaultScopeConfig{})
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestDirectoryUpsertAndList(t *testing.T) {
	srv := newTestServer(t)
	client := DialEmbedded(srv)
	defer client.Close()

	resp := client.Send(&wire.DirectoryUpsert{Path: "/work/project"})
	if !resp.OK {
		t.Fatalf("upsert failed: %+v", resp.Error)
	}
	dirID, _ := resp.Fields["directoryId"].(string)
	if dirID == "" {
		t.Fatal("expected a directoryId")
	}

	listResp := client.Send(&wire.DirectoryList{})
	if !listResp.OK {
		t.Fatalf("list failed: %+v", listResp.Error)
	}
	dirs, ok := listResp.Fields["directories"].([]catalog.Directory)
	if !ok || len(dirs) != 1 {
		t.Fatalf("expected 1 directory, got %#v", listResp.Fields["directories"])
	}
}

func TestConversationLifecycle(t *testing.T) {
	srv := newTestServer(t)
	client := DialEmbedded(srv)
	defer client.Close()

	dirResp := client.Send(&wire.DirectoryUpsert{Path: "/work/project"})
	dirID := dirResp.Fields["directoryId"].(string)

	createResp := client.Send(&wire.ConversationCreate{DirectoryID: dirID, Title: "first run", AgentType: "claude"})
	if !createResp.OK {
		t.Fatalf("create failed: %+v", createResp.Error)
	}
	convID := createResp.Fields["conversationId"].(string)

	updateResp := client.Send(&wire.ConversationUpdate{ConversationID: convID, Title: "renamed"})
	if !updateResp.OK {
		t.Fatalf("update failed: %+v", updateResp.Error)
	}

	archiveResp := client.Send(&wire.ConversationArchive{ConversationID: convID})
	if !archiveResp.OK {
		t.Fatalf("archive failed: %+v", archiveResp.Error)
	}

	listResp := client.Send(&wire.ConversationList{})
	convs := listResp.Fields["conversations"].([]catalog.Conversation)
	if len(convs) != 0 {
		t.Errorf("expected archived conversation to be excluded by default, got %d", len(convs))
	}
}

func TestPTYStartAttachRespondAndExit(t *testing.T) {
	srv := newTestServer(t)
	client := DialEmbedded(srv)
	defer client.Close()

	sessionID := "sess-1"
	startResp := client.Send(&wire.PTYStart{
		SessionID: sessionID, Args: []string{"cat"}, InitialCols: 80, InitialRows: 24,
	})
	if !startResp.OK {
		t.Fatalf("pty.start failed: %+v", startResp.Error)
	}

	attachResp := client.Send(&wire.PTYAttach{SessionID: sessionID})
	if !attachResp.OK {
		t.Fatalf("pty.attach failed: %+v", attachResp.Error)
	}

	inputResp := client.Send(&wire.PTYInput{SessionID: sessionID, ChunkBase64: "aGVsbG8K"}) // "hello\n"
	if !inputResp.OK {
		t.Fatalf("pty.input failed: %+v", inputResp.Error)
	}

	select {
	case env := <-client.Pushes():
		if env.Type != wire.PushTypePTYOutput {
			t.Errorf("expected pty.output push, got %q", env.Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for pty.output")
	}

	closeResp := client.Send(&wire.PTYClose{SessionID: sessionID})
	if !closeResp.OK {
		t.Fatalf("pty.close failed: %+v", closeResp.Error)
	}
}

func TestSessionClaimConflict(t *testing.T) {
	srv := newTestServer(t)
	a := DialEmbedded(srv)
	defer a.Close()
	b := DialEmbedded(srv)
	defer b.Close()

	sessionID := "sess-claim"
	a.Send(&wire.PTYStart{SessionID: sessionID, Args: []string{"cat"}, InitialCols: 80, InitialRows: 24})
	defer a.Send(&wire.PTYClose{SessionID: sessionID})

	claimA := a.Send(&wire.SessionClaim{SessionID: sessionID, ControllerID: "human-a", ControllerType: "human"})
	if !claimA.OK {
		t.Fatalf("claim a failed: %+v", claimA.Error)
	}

	claimB := b.Send(&wire.SessionClaim{SessionID: sessionID, ControllerID: "human-b", ControllerType: "human"})
	if claimB.OK {
		t.Fatal("expected second claim without takeover to fail")
	}
	if claimB.Error == nil {
		t.Fatal("expected controller-conflict error")
	}

	takeover := b.Send(&wire.SessionClaim{SessionID: sessionID, ControllerID: "human-b", ControllerType: "human", Takeover: true})
	if !takeover.OK {
		t.Fatalf("takeover claim failed: %+v", takeover.Error)
	}
}

func TestStreamSubscribeReceivesObservedEvents(t *testing.T) {
	srv := newTestServer(t)
	client := DialEmbedded(srv)
	defer client.Close()

	subResp := client.Send(&wire.StreamSubscribe{})
	if !subResp.OK {
		t.Fatalf("subscribe failed: %+v", subResp.Error)
	}

	client.Send(&wire.DirectoryUpsert{Path: "/work/another"})

	select {
	case env := <-client.Pushes():
		if env.Type != wire.PushTypeStreamEvent {
			t.Errorf("expected stream.event push, got %q", env.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream.event")
	}
}

func TestSessionNotifyDrivesStatus(t *testing.T) {
	srv := newTestServer(t)
	client := DialEmbedded(srv)
	defer client.Close()

	sessionID := "sess-notify"
	start := client.Send(&wire.PTYStart{SessionID: sessionID, Args: []string{"cat"}, InitialCols: 80, InitialRows: 24})
	if !start.OK {
		t.Fatalf("pty.start failed: %+v", start.Error)
	}
	defer client.Send(&wire.PTYClose{SessionID: sessionID})

	// An unrecognized event name degrades to a notify, not an error.
	if resp := client.Send(&wire.SessionNotify{SessionID: sessionID, EventName: "SomethingForeign"}); !resp.OK {
		t.Fatalf("unrecognized event should still succeed: %+v", resp.Error)
	}

	// The generic capability maps turn-completed to an idle hint, which
	// completes the turn.
	if resp := client.Send(&wire.SessionNotify{SessionID: sessionID, EventName: "turn-completed"}); !resp.OK {
		t.Fatalf("session.notify failed: %+v", resp.Error)
	}

	deadline := time.After(2 * time.Second)
	for {
		status := client.Send(&wire.SessionStatus{SessionID: sessionID})
		if !status.OK {
			t.Fatalf("session.status failed: %+v", status.Error)
		}
		model := status.Fields["status"].(statusreducer.StatusModel)
		if model.RuntimeStatus == "completed" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("session never reached completed, last model %+v", model)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestSessionOutputObservedEventNeedsIncludeOutput(t *testing.T) {
	srv := newTestServer(t)
	client := DialEmbedded(srv)
	defer client.Close()

	sub := client.Send(&wire.StreamSubscribe{IncludeOutput: true})
	if !sub.OK {
		t.Fatalf("subscribe failed: %+v", sub.Error)
	}

	sessionID := "sess-output"
	start := client.Send(&wire.PTYStart{SessionID: sessionID, Args: []string{"sh", "-c", "echo hi"}, InitialCols: 80, InitialRows: 24})
	if !start.OK {
		t.Fatalf("pty.start failed: %+v", start.Error)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case env := <-client.Pushes():
			if env.Type == wire.PushTypeStreamEvent && env.Observed != nil && env.Observed.Type == wire.EventSessionOutput {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for a session-output observed event")
		}
	}
}
