package wire

import (
	"encoding/json"
	"time"
)

// ObservedEvent is a broadcast record carried by the in-memory journal and
// delivered to stream subscribers as a stream.event envelope.
type ObservedEvent struct {
	Cursor int64     `json:"cursor"`
	Scope  Scope     `json:"scope"`
	Type   string    `json:"type"`
	Payload any       `json:"payload"`
	Ts     time.Time `json:"ts"`
}

// Observed event types.
const (
	EventDirectoryUpserted     = "directory-upserted"
	EventDirectoryArchived     = "directory-archived"
	EventConversationCreated   = "conversation-created"
	EventConversationUpdated   = "conversation-updated"
	EventConversationArchived  = "conversation-archived"
	EventConversationDeleted   = "conversation-deleted"
	EventSessionStatus         = "session-status"
	EventSessionControl        = "session-control"
	EventSessionOutput         = "session-output"
	EventAttentionRaised       = "attention-raised"
	EventAttentionCleared      = "attention-cleared"
	EventRepositoryUpdated     = "repository-updated"
	EventTaskUpdated           = "task-updated"
	EventSessionExit           = "session-exit"
	EventJournalGap            = "journal-gap"
)

// NormalizedEnvelope is the durable, append-only record written to the Event
// Store. It is independent of the pub/sub journal cursor.
type NormalizedEnvelope struct {
	EventID  string    `json:"eventId"`
	Ts       time.Time `json:"ts"`
	Scope    Scope     `json:"scope"`
	Category string    `json:"category"`
	Kind     string    `json:"kind"`
	EventSeq int64     `json:"eventSeq"`
	Payload  any       `json:"payload"`
}

// Normalized envelope kinds.
const (
	KindProviderTextDelta     = "provider-text-delta"
	KindProviderTurnCompleted = "provider-turn-completed"
	KindMetaAttentionRaised   = "meta-attention-raised"
	KindMetaAttentionCleared  = "meta-attention-cleared"
	KindMetaNotifyObserved    = "meta-notify-observed"
)

// PushEnvelope is a server→client push: pty.output, pty.event, pty.exit, or
// stream.event. Both pty.event and stream.event carry their record under the
// wire key "event"; which Go field holds it depends on Type, so the envelope
// marshals itself by hand below instead of leaning on struct tags.
type PushEnvelope struct {
	Type           string        `json:"type"`
	SessionID      string        `json:"sessionId,omitempty"`
	Cursor         int64         `json:"cursor,omitempty"`
	ChunkBase64    string        `json:"chunkBase64,omitempty"`
	Event          *SessionEvent `json:"-"`
	Observed       *ObservedEvent `json:"-"`
	Exit           *ExitInfo     `json:"exit,omitempty"`
	SubscriptionID string        `json:"subscriptionId,omitempty"`
}

// pushEnvelopeWire is the on-the-wire shape of PushEnvelope; "event" decodes
// lazily so the receiver can pick the record type from "type".
type pushEnvelopeWire struct {
	Type           string          `json:"type"`
	SessionID      string          `json:"sessionId,omitempty"`
	Cursor         int64           `json:"cursor,omitempty"`
	ChunkBase64    string          `json:"chunkBase64,omitempty"`
	Event          json.RawMessage `json:"event,omitempty"`
	Exit           *ExitInfo       `json:"exit,omitempty"`
	SubscriptionID string          `json:"subscriptionId,omitempty"`
}

func (e PushEnvelope) MarshalJSON() ([]byte, error) {
	w := pushEnvelopeWire{
		Type: e.Type, SessionID: e.SessionID, Cursor: e.Cursor,
		ChunkBase64: e.ChunkBase64, Exit: e.Exit, SubscriptionID: e.SubscriptionID,
	}
	var err error
	switch {
	case e.Observed != nil:
		w.Event, err = json.Marshal(e.Observed)
	case e.Event != nil:
		w.Event, err = json.Marshal(e.Event)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func (e *PushEnvelope) UnmarshalJSON(b []byte) error {
	var w pushEnvelopeWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*e = PushEnvelope{
		Type: w.Type, SessionID: w.SessionID, Cursor: w.Cursor,
		ChunkBase64: w.ChunkBase64, Exit: w.Exit, SubscriptionID: w.SubscriptionID,
	}
	if len(w.Event) == 0 {
		return nil
	}
	if w.Type == PushTypeStreamEvent {
		e.Observed = &ObservedEvent{}
		return json.Unmarshal(w.Event, e.Observed)
	}
	e.Event = &SessionEvent{}
	return json.Unmarshal(w.Event, e.Event)
}

// SessionEvent is the nested record on a pty.event push.
type SessionEvent struct {
	Type            string `json:"type"`
	AttentionReason string `json:"attentionReason,omitempty"`
	Exit            *ExitInfo `json:"exit,omitempty"`
}

// ExitInfo describes a PTY's exit code or terminating signal.
type ExitInfo struct {
	Code   *int    `json:"code,omitempty"`
	Signal *string `json:"signal,omitempty"`
}

const (
	SessionEventAttentionRequired = "attention-required"
	SessionEventNotify            = "notify"
	SessionEventTurnCompleted     = "turn-completed"
	SessionEventSessionExit       = "session-exit"
)

const (
	PushTypePTYOutput   = "pty.output"
	PushTypePTYEvent    = "pty.event"
	PushTypePTYExit     = "pty.exit"
	PushTypeStreamEvent = "stream.event"
)
