package eventstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"harness-mux/internal/wire"
)

func TestAppendAndReadOrdering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	for i := 0; i < 3; i++ {
		env := wire.NormalizedEnvelope{
			EventID:  []string{"e1", "e2", "e3"}[i],
			Ts:       time.Now(),
			Scope:    wire.Scope{ConversationID: "c1"},
			Category: "provider",
			Kind:     wire.KindProviderTextDelta,
			Payload:  map[string]any{"n": i},
		}
		if _, err := s.Append(env); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	envs, err := s.Read("c1", 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(envs) != 3 {
		t.Fatalf("expected 3 events, got %d", len(envs))
	}
	for i, e := range envs {
		if e.EventSeq != int64(i+1) {
			t.Fatalf("expected strict eventSeq ordering, got %d at index %d", e.EventSeq, i)
		}
	}
}

func TestTailStreamsNewEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, errc := s.Tail(ctx, "c1", 0)

	if _, err := s.Append(wire.NormalizedEnvelope{EventID: "e1", Ts: time.Now(), Scope: wire.Scope{ConversationID: "c1"}, Category: "provider", Kind: wire.KindProviderTextDelta}); err != nil {
		t.Fatalf("append: %v", err)
	}

	select {
	case env := <-out:
		if env.EventID != "e1" {
			t.Fatalf("unexpected event: %+v", env)
		}
	case err := <-errc:
		t.Fatalf("tail errored: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tailed event")
	}
}

func TestReopenContinuesSequences(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i, id := range []string{"e1", "e2"} {
		if _, err := s.Append(wire.NormalizedEnvelope{
			EventID: id, Ts: time.Now(),
			Scope:    wire.Scope{ConversationID: "c1"},
			Category: "provider", Kind: wire.KindProviderTextDelta,
			Payload: map[string]any{"n": i},
		}); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	env, err := reopened.Append(wire.NormalizedEnvelope{
		EventID: "e3", Ts: time.Now(),
		Scope:    wire.Scope{ConversationID: "c1"},
		Category: "provider", Kind: wire.KindProviderTextDelta,
	})
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if env.EventSeq != 3 {
		t.Fatalf("expected eventSeq to continue at 3 after reopen, got %d", env.EventSeq)
	}

	envs, err := reopened.Read("c1", 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(envs) != 3 || envs[2].EventID != "e3" {
		t.Fatalf("expected 3 events ending at e3, got %+v", envs)
	}

	// A conversation unseen before the reopen still starts at 1.
	fresh, err := reopened.Append(wire.NormalizedEnvelope{
		EventID: "f1", Ts: time.Now(),
		Scope:    wire.Scope{ConversationID: "c2"},
		Category: "provider", Kind: wire.KindProviderTextDelta,
	})
	if err != nil {
		t.Fatalf("append fresh conversation: %v", err)
	}
	if fresh.EventSeq != 1 {
		t.Fatalf("expected fresh conversation to start at 1, got %d", fresh.EventSeq)
	}
}
