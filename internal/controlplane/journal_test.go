package controlplane

import (
	"testing"

	"harness-mux/internal/wire"
)

func collectSub(id string, filter wire.Scope, includeOutput bool) (*subscription, *[]wire.PushEnvelope) {
	var got []wire.PushEnvelope
	sub := &subscription{
		id: id, filter: filter, includeOutput: includeOutput,
		push: func(env wire.PushEnvelope) bool {
			got = append(got, env)
			return true
		},
	}
	return sub, &got
}

func TestJournalPublishCarriesEventAndCursorOrder(t *testing.T) {
	j := newJournal(16)
	sub, got := collectSub("s1", wire.Scope{WorkspaceID: "w"}, false)
	j.Subscribe(sub, 0)

	j.Publish(wire.ObservedEvent{Scope: wire.Scope{WorkspaceID: "w"}, Type: wire.EventDirectoryUpserted})
	j.Publish(wire.ObservedEvent{Scope: wire.Scope{WorkspaceID: "other"}, Type: wire.EventDirectoryUpserted})
	j.Publish(wire.ObservedEvent{Scope: wire.Scope{WorkspaceID: "w"}, Type: wire.EventConversationCreated})

	if len(*got) != 2 {
		t.Fatalf("expected 2 matching events, got %d", len(*got))
	}
	var last int64
	for _, env := range *got {
		if env.Observed == nil {
			t.Fatalf("stream.event envelope missing observed event: %+v", env)
		}
		if env.Cursor <= last {
			t.Fatalf("cursors not strictly increasing: %d then %d", last, env.Cursor)
		}
		last = env.Cursor
	}
	if (*got)[0].Observed.Type != wire.EventDirectoryUpserted || (*got)[1].Observed.Type != wire.EventConversationCreated {
		t.Fatalf("wrong events delivered: %+v", *got)
	}
}

func TestJournalSessionOutputRequiresIncludeOutput(t *testing.T) {
	j := newJournal(16)
	without, gotWithout := collectSub("no-output", wire.Scope{}, false)
	with, gotWith := collectSub("with-output", wire.Scope{}, true)
	j.Subscribe(without, 0)
	j.Subscribe(with, 0)

	j.Publish(wire.ObservedEvent{Type: wire.EventSessionOutput})

	if len(*gotWithout) != 0 {
		t.Fatalf("session-output delivered without includeOutput: %+v", *gotWithout)
	}
	if len(*gotWith) != 1 {
		t.Fatalf("expected session-output for includeOutput subscriber, got %d", len(*gotWith))
	}
}

func TestJournalSubscribeReplayFiltersAndDetectsGap(t *testing.T) {
	j := newJournal(2)
	for i := 0; i < 5; i++ {
		scope := wire.Scope{WorkspaceID: "w"}
		if i%2 == 1 {
			scope.WorkspaceID = "other"
		}
		j.Publish(wire.ObservedEvent{Scope: scope, Type: wire.EventDirectoryUpserted})
	}

	// Capacity 2 retains cursors 4 and 5; afterCursor 1 predates the window.
	sub, _ := collectSub("late", wire.Scope{WorkspaceID: "w"}, false)
	replay, gap := j.Subscribe(sub, 1)
	if !gap {
		t.Fatalf("expected gap for afterCursor below the retained window")
	}
	for _, ev := range replay {
		if ev.Scope.WorkspaceID != "w" {
			t.Fatalf("replay leaked a non-matching event: %+v", ev)
		}
		if ev.Cursor <= 1 {
			t.Fatalf("replay included cursor %d <= afterCursor", ev.Cursor)
		}
	}

	// A fresh subscriber at the current cursor sees no gap.
	fresh, _ := collectSub("fresh", wire.Scope{}, false)
	if _, gap := j.Subscribe(fresh, j.CurrentCursor()); gap {
		t.Fatalf("unexpected gap at the current cursor")
	}
}
