package wire

import (
	"encoding/json"
	"testing"
	"time"
)

func TestPushEnvelopeStreamEventCarriesObservedEvent(t *testing.T) {
	ev := ObservedEvent{
		Cursor: 7,
		Scope:  Scope{WorkspaceID: "w"},
		Type:   EventDirectoryUpserted,
		Ts:     time.Unix(100, 0).UTC(),
	}
	env := PushEnvelope{Type: PushTypeStreamEvent, Cursor: 7, SubscriptionID: "sub-1", Observed: &ev}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got PushEnvelope
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Observed == nil {
		t.Fatalf("expected observed event to survive the round trip, got %+v", got)
	}
	if got.Observed.Type != EventDirectoryUpserted || got.Observed.Cursor != 7 {
		t.Fatalf("observed event mangled: %+v", got.Observed)
	}
	if got.Event != nil {
		t.Fatalf("stream.event must not decode into the session-event field")
	}
}

func TestPushEnvelopePTYEventCarriesSessionEvent(t *testing.T) {
	env := PushEnvelope{
		Type:      PushTypePTYEvent,
		SessionID: "c1",
		Event:     &SessionEvent{Type: SessionEventAttentionRequired, AttentionReason: "permission"},
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got PushEnvelope
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Event == nil || got.Event.AttentionReason != "permission" {
		t.Fatalf("session event mangled: %+v", got.Event)
	}
	if got.Observed != nil {
		t.Fatalf("pty.event must not decode into the observed-event field")
	}
}
