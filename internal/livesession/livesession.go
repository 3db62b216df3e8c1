// Package livesession wraps a running PTY host with the runtime state one
// session carries: a snapshot oracle, a cursor-keyed byte ring for
// multi-attach catch-up replay, controller claims, and the SessionEvents
// derived from the PTY stream and side-channel signals.
package livesession

import (
	"encoding/base64"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"harness-mux/internal/ctlerr"
	"harness-mux/internal/oracle"
	"harness-mux/internal/ptyhost"
)

// Status is the session's runtime state machine.
type Status string

const (
	StatusRunning    Status = "running"
	StatusNeedsInput Status = "needs-input"
	StatusCompleted  Status = "completed"
	StatusExited     Status = "exited"
)

// SessionEventType enumerates the side-channel-derived events a live
// session emits.
type SessionEventType string

const (
	EventAttentionRequired SessionEventType = "attention-required"
	EventNotify            SessionEventType = "notify"
	EventTurnCompleted     SessionEventType = "turn-completed"
	EventSessionExit       SessionEventType = "session-exit"
)

// SessionEvent is emitted on state-relevant signals.
type SessionEvent struct {
	Type            SessionEventType
	AttentionReason string
	Exit            *ptyhost.ExitInfo
	Ts              time.Time
}

// Controller identifies the connection currently allowed to mutate a
// session.
type Controller struct {
	ConnectionID   string
	ControllerID   string
	ControllerType string // human|agent|automation
	ControllerLabel string
}

// Attachment binds a client's "replay from cursor" request to this live
// session's byte stream.
type Attachment struct {
	ID           string
	ConnectionID string
	SessionID    string
	sinceCursor  int64
}

type attachHandlers struct {
	onData func(cursor int64, chunk []byte)
	onExit func(ptyhost.ExitInfo)
}

// Session is the runtime object bundling a PTY, an Oracle, and
// attachments (GLOSSARY).
type Session struct {
	ID string

	mu          sync.Mutex
	host        *ptyhost.Host
	oracle      *oracle.Oracle
	ring        *byteRing
	attachments map[string]attachHandlers
	attachMeta  map[string]*Attachment

	status          Status
	attentionReason string
	controller      *Controller
	startedAt       time.Time
	lastEventAt     time.Time
	exitedAt        time.Time
	lastExit        *ptyhost.ExitInfo

	onSessionEvent func(SessionEvent)
	onOutput       func(cursor int64, chunk []byte)
	onExitOnce     sync.Once
}

// New wraps an already-started PTY Host into a Live Session. onSessionEvent
// is called (outside the session's lock) whenever a SessionEvent fires;
// onOutput sees every PTY chunk before any attachment does, the hook the
// control plane's event normalizer and session-output publication hang off.
// Either callback may be nil.
func New(id string, host *ptyhost.Host, cols, rows int, onSessionEvent func(SessionEvent), onOutput func(cursor int64, chunk []byte)) *Session {
	s := &Session{
		ID:             id,
		host:           host,
		oracle:         oracle.New(cols, rows),
		ring:           newByteRing(4 << 20),
		attachments:    make(map[string]attachHandlers),
		attachMeta:     make(map[string]*Attachment),
		status:         StatusRunning,
		startedAt:      time.Now(),
		onSessionEvent: onSessionEvent,
		onOutput:       onOutput,
	}
	go host.OnData(s.handleData)
	host.OnExit(s.handleExit)
	return s
}

func (s *Session) handleData(d ptyhost.DataChunk) {
	s.mu.Lock()
	s.oracle.Ingest(d.Chunk)
	s.ring.append(d.Cursor, d.Chunk)
	handlers := make([]attachHandlers, 0, len(s.attachments))
	for _, h := range s.attachments {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	if s.onOutput != nil {
		s.onOutput(d.Cursor, d.Chunk)
	}
	for _, h := range handlers {
		if h.onData != nil {
			h.onData(d.Cursor, d.Chunk)
		}
	}
}

func (s *Session) handleExit(info ptyhost.ExitInfo) {
	s.mu.Lock()
	s.status = StatusExited
	s.exitedAt = time.Now()
	s.lastExit = &info
	handlers := make([]attachHandlers, 0, len(s.attachments))
	for _, h := range s.attachments {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		if h.onExit != nil {
			h.onExit(info)
		}
	}
	s.emitEvent(SessionEvent{Type: EventSessionExit, Exit: &info, Ts: time.Now()})
}

func (s *Session) emitEvent(ev SessionEvent) {
	s.mu.Lock()
	s.lastEventAt = ev.Ts
	s.mu.Unlock()
	if s.onSessionEvent != nil {
		s.onSessionEvent(ev)
	}
}

// Attach registers onData/onExit callbacks, replays retained bytes from
// byte offset sinceCursor onward (trimmed to the oldest retained cursor),
// then bridges subsequent writes. Returns the attachment and whether a gap
// occurred (sinceCursor was below the oldest retained).
func (s *Session) Attach(connectionID string, sinceCursor int64, onData func(cursor int64, chunk []byte), onExit func(ptyhost.ExitInfo)) (*Attachment, bool) {
	s.mu.Lock()
	replay, gap := s.ring.since(sinceCursor)
	att := &Attachment{ID: uuid.New().String(), ConnectionID: connectionID, SessionID: s.ID, sinceCursor: sinceCursor}
	s.attachments[att.ID] = attachHandlers{onData: onData, onExit: onExit}
	s.attachMeta[att.ID] = att
	replayCursor := sinceCursor
	if gap {
		replayCursor = s.ring.oldestRetained()
	}
	s.mu.Unlock()

	if len(replay) > 0 && onData != nil {
		onData(replayCursor, replay)
	}
	return att, gap
}

// Detach stops delivery to the attachment and releases it. Idempotent.
func (s *Session) Detach(attachmentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attachments, attachmentID)
	delete(s.attachMeta, attachmentID)
}

// LatestCursorValue returns the highest cursor assigned by the PTY Host.
func (s *Session) LatestCursorValue() int64 {
	return s.host.Cursor()
}

// BufferTail returns the last N logical lines of the Oracle's scrollback
// and live screen.
func (s *Session) BufferTail(tailLines int) []string {
	return s.oracle.BufferTail(tailLines)
}

// Snapshot returns the Oracle's current Frame.
func (s *Session) Snapshot() oracle.Frame {
	return s.oracle.Snapshot()
}

// Oracle exposes the underlying oracle for the renderer's resize path.
func (s *Session) Oracle() *oracle.Oracle { return s.oracle }

// Hung reports whether the process table lists the child as a zombie
// (see ptyhost.Host.Hung); a live child that stopped responding is not
// detected.
func (s *Session) Hung() bool {
	return s.host.Hung()
}

// Status returns the current runtime status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Respond writes text to the controlled PTY and resets status to running
// (needs-input → running transition, or a no-op status-wise if already
// running).
func (s *Session) Respond(text string) error {
	s.mu.Lock()
	exited := s.status == StatusExited
	s.mu.Unlock()
	if exited {
		return ctlerr.New(ctlerr.SessionNotLive, "session %s has exited", s.ID)
	}
	if _, err := s.host.Write([]byte(text)); err != nil {
		return err
	}
	s.mu.Lock()
	s.status = StatusRunning
	s.mu.Unlock()
	return nil
}

// Interrupt writes ^C and marks the session completed.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	exited := s.status == StatusExited
	s.mu.Unlock()
	if exited {
		return ctlerr.New(ctlerr.SessionNotLive, "session %s has exited", s.ID)
	}
	if _, err := s.host.Write([]byte{0x03}); err != nil {
		return err
	}
	s.mu.Lock()
	s.status = StatusCompleted
	s.mu.Unlock()
	return nil
}

// Resize forwards to both the Oracle and the PTY Host.
func (s *Session) Resize(cols, rows int) error {
	s.oracle.Resize(cols, rows)
	return s.host.Resize(cols, rows)
}

// Close kills the child process; the PTY Host's exit callback drives the
// session to StatusExited.
func (s *Session) Close() {
	s.host.Kill(syscall.SIGTERM)
}

// RaiseAttention transitions running → needs-input.
func (s *Session) RaiseAttention(reason string) {
	s.mu.Lock()
	if s.status == StatusExited {
		s.mu.Unlock()
		return
	}
	s.status = StatusNeedsInput
	s.attentionReason = reason
	s.mu.Unlock()
	s.emitEvent(SessionEvent{Type: EventAttentionRequired, AttentionReason: reason, Ts: time.Now()})
}

// ClearAttention transitions needs-input → running.
func (s *Session) ClearAttention() {
	s.mu.Lock()
	if s.status == StatusNeedsInput {
		s.status = StatusRunning
	}
	s.attentionReason = ""
	s.mu.Unlock()
}

// CompleteTurn transitions running|needs-input → completed.
func (s *Session) CompleteTurn() {
	s.mu.Lock()
	if s.status != StatusExited {
		s.status = StatusCompleted
	}
	s.mu.Unlock()
	s.emitEvent(SessionEvent{Type: EventTurnCompleted, Ts: time.Now()})
}

// Notify emits a notify SessionEvent without a status transition.
func (s *Session) Notify(reason string) {
	s.emitEvent(SessionEvent{Type: EventNotify, AttentionReason: reason, Ts: time.Now()})
}

// AttentionReason returns the current attention reason, if any.
func (s *Session) AttentionReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attentionReason
}

// --- Controller discipline ---

// Claim assigns a controller. If the session already has one and takeover
// is false, returns controller-conflict. A takeover always succeeds and
// raises taken-over (the caller publishes the observed event).
func (s *Session) Claim(ctrl Controller, takeover bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.controller != nil && !takeover && s.controller.ConnectionID != ctrl.ConnectionID {
		return ctlerr.New(ctlerr.ControllerConflict, "session %s already has a controller; retry with session.claim --takeover", s.ID)
	}
	s.controller = &ctrl
	return nil
}

// Release clears the controller if held by connectionID.
func (s *Session) Release(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.controller != nil && s.controller.ConnectionID == connectionID {
		s.controller = nil
	}
}

// ReleaseIfHeldBy clears the controller when a dropping connection holds
// it; a controller held by any other connection is left in place.
func (s *Session) ReleaseIfHeldBy(connectionID string) {
	s.Release(connectionID)
}

// IsController reports whether connectionID may issue mutating commands:
// either nobody holds the session, or connectionID does.
func (s *Session) IsController(connectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controller == nil || s.controller.ConnectionID == connectionID
}

// ControllerInfo returns the current controller, if any.
func (s *Session) ControllerInfo() *Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.controller == nil {
		return nil
	}
	c := *s.controller
	return &c
}

// StartedAt returns session start time.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// LastExit returns the last recorded exit info, if any.
func (s *Session) LastExit() *ptyhost.ExitInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastExit
}

// EncodeChunk base64-encodes a chunk for the pty.output wire envelope.
func EncodeChunk(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
