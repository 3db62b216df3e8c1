package livesession

import (
	"syscall"
	"testing"
	"time"

	"harness-mux/internal/ptyhost"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	host, err := ptyhost.Start([]string{"sh", "-c", "sleep 5"}, nil, "", 20, 5)
	if err != nil {
		t.Fatalf("start host: %v", err)
	}
	t.Cleanup(func() { host.Kill(syscall.SIGKILL) })
	return New("s1", host, 20, 5, nil, nil)
}

func TestAttachReplaysFromCursor(t *testing.T) {
	s := newTestSession(t)
	s.ring.append(0, []byte("hello"))
	s.ring.append(5, []byte("world"))

	var got []byte
	done := make(chan struct{})
	att, gap := s.Attach("conn1", 0, func(cursor int64, chunk []byte) {
		got = append(got, chunk...)
		close(done)
	}, nil)
	if gap {
		t.Fatalf("expected no gap")
	}
	if att.ConnectionID != "conn1" {
		t.Fatalf("unexpected attachment: %+v", att)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for replay")
	}
	if string(got) != "helloworld" {
		t.Fatalf("expected replay of every byte from cursor 0, got %q", got)
	}
}

func TestClaimConflictAndTakeover(t *testing.T) {
	s := newTestSession(t)
	if err := s.Claim(Controller{ConnectionID: "A"}, false); err != nil {
		t.Fatalf("claim A: %v", err)
	}
	if err := s.Claim(Controller{ConnectionID: "B"}, false); err == nil {
		t.Fatalf("expected controller-conflict for B")
	}
	if !s.IsController("A") {
		t.Fatalf("A should remain controller")
	}
	if err := s.Claim(Controller{ConnectionID: "B"}, true); err != nil {
		t.Fatalf("takeover by B: %v", err)
	}
	if !s.IsController("B") {
		t.Fatalf("B should now be controller")
	}
}

func TestDetachIsIdempotent(t *testing.T) {
	s := newTestSession(t)
	att, _ := s.Attach("conn1", 0, func(int64, []byte) {}, nil)
	s.Detach(att.ID)
	s.Detach(att.ID)
}
