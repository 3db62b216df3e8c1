package wire

import (
	"encoding/json"
	"fmt"

	"harness-mux/internal/ctlerr"
)

// Command is a parsed, validated request. Type returns the wire command
// name so dispatch can switch exhaustively without a second type-assertion
// on the raw JSON.
type Command interface {
	Type() string
}

type baseCommand struct {
	CmdType string `json:"type"`
}

// Type() is implemented per concrete command type below (not on baseCommand
// itself — a value embedded by every command can't see which outer struct
// it was embedded into), each returning the same literal registered for it
// in commandTypes. CmdType stays only as the json:"type" field ParseCommand
// populates on decode; Serialize injects the authoritative value from
// Type() so callers constructing a command via a plain struct literal never
// need to set CmdType themselves.

// --- Directory ---

type DirectoryUpsert struct {
	baseCommand
	DirectoryID string `json:"directoryId,omitempty"`
	Scope
	Path string `json:"path"`
}

type DirectoryList struct {
	baseCommand
	Scope
	IncludeArchived bool `json:"includeArchived,omitempty"`
	Limit           int  `json:"limit,omitempty"`
}

type DirectoryArchive struct {
	baseCommand
	DirectoryID string `json:"directoryId"`
}

type DirectoryGitStatus struct {
	baseCommand
	DirectoryID string `json:"directoryId"`
}

// --- Conversation ---

type ConversationCreate struct {
	baseCommand
	ConversationID string         `json:"conversationId,omitempty"`
	DirectoryID    string         `json:"directoryId"`
	Title          string         `json:"title"`
	AgentType      string         `json:"agentType"`
	AdapterState   map[string]any `json:"adapterState,omitempty"`
}

type ConversationList struct {
	baseCommand
	Scope
}

type ConversationArchive struct {
	baseCommand
	ConversationID string `json:"conversationId"`
}

type ConversationUpdate struct {
	baseCommand
	ConversationID string `json:"conversationId"`
	Title          string `json:"title"`
}

type ConversationDelete struct {
	baseCommand
	ConversationID string `json:"conversationId"`
}

// --- Catalog: repository/task/project/automation ---

type CatalogUpsert struct {
	baseCommand
	EntityKind string         `json:"entityKind"` // repository|task|project|automation
	ID         string         `json:"id,omitempty"`
	Scope
	Fields map[string]any `json:"fields,omitempty"`
}

type CatalogTransition struct {
	baseCommand
	EntityKind string `json:"entityKind"`
	ID         string `json:"id"`
	Status     string `json:"status"` // draft|ready|in-progress|completed
}

type CatalogReorder struct {
	baseCommand
	EntityKind string   `json:"entityKind"`
	OrderedIDs []string `json:"orderedIds"`
}

type CatalogList struct {
	baseCommand
	EntityKind string `json:"entityKind"`
	Scope
	IncludeArchived bool `json:"includeArchived,omitempty"`
	Limit           int  `json:"limit,omitempty"`
}

// --- Stream ---

type StreamSubscribe struct {
	baseCommand
	Scope
	IncludeOutput bool  `json:"includeOutput,omitempty"`
	AfterCursor   int64 `json:"afterCursor,omitempty"`
}

type StreamUnsubscribe struct {
	baseCommand
	SubscriptionID string `json:"subscriptionId"`
}

// --- Session ---

type SessionList struct {
	baseCommand
	Sort  string `json:"sort,omitempty"` // attention-first|started-desc|started-asc
	Limit int    `json:"limit,omitempty"`
}

type AttentionList struct {
	baseCommand
}

type SessionStatus struct {
	baseCommand
	SessionID string `json:"sessionId"`
}

type SessionSnapshot struct {
	baseCommand
	SessionID string `json:"sessionId"`
	TailLines int    `json:"tailLines,omitempty"`
}

type SessionRespond struct {
	baseCommand
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type SessionClaim struct {
	baseCommand
	SessionID      string `json:"sessionId"`
	ControllerID   string `json:"controllerId"`
	ControllerType string `json:"controllerType"` // human|agent|automation
	ControllerLabel string `json:"controllerLabel,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Takeover       bool   `json:"takeover,omitempty"`
}

type SessionRelease struct {
	baseCommand
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

type SessionInterrupt struct {
	baseCommand
	SessionID string `json:"sessionId"`
}

type SessionRemove struct {
	baseCommand
	SessionID string `json:"sessionId"`
}

// SessionNotify carries a side-channel hook/telemetry event from an agent's
// out-of-band hook command into the session's status pipeline. The control
// plane resolves the session's agent capability to translate EventName into a
// telemetry sample and a state transition.
type SessionNotify struct {
	baseCommand
	SessionID string         `json:"sessionId"`
	EventName string         `json:"eventName"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// --- PTY ---

type PTYStart struct {
	baseCommand
	SessionID  string   `json:"sessionId"`
	Args       []string `json:"args"`
	Env        map[string]string `json:"env,omitempty"`
	Cwd        string   `json:"cwd,omitempty"`
	InitialCols int     `json:"initialCols"`
	InitialRows int     `json:"initialRows"`
	Scope
	TerminalForegroundHex string `json:"terminalForegroundHex,omitempty"`
	TerminalBackgroundHex string `json:"terminalBackgroundHex,omitempty"`
}

type PTYAttach struct {
	baseCommand
	SessionID   string `json:"sessionId"`
	SinceCursor int64  `json:"sinceCursor,omitempty"`
}

type PTYDetach struct {
	baseCommand
	SessionID string `json:"sessionId"`
}

type PTYSubscribeEvents struct {
	baseCommand
	SessionID string `json:"sessionId"`
}

type PTYUnsubscribeEvents struct {
	baseCommand
	SessionID string `json:"sessionId"`
}

type PTYClose struct {
	baseCommand
	SessionID string `json:"sessionId"`
}

// PTYInput and PTYResize travel on the same connection's input channel but
// are out-of-band with respect to the command/response cycle: no response
// envelope is produced for them.
type PTYInput struct {
	baseCommand
	SessionID   string `json:"sessionId"`
	ChunkBase64 string `json:"chunkBase64"`
}

type PTYResize struct {
	baseCommand
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

func (c *DirectoryUpsert) Type() string          { return "directory.upsert" }
func (c *DirectoryList) Type() string            { return "directory.list" }
func (c *DirectoryArchive) Type() string         { return "directory.archive" }
func (c *DirectoryGitStatus) Type() string        { return "directory.git-status" }
func (c *ConversationCreate) Type() string       { return "conversation.create" }
func (c *ConversationList) Type() string         { return "conversation.list" }
func (c *ConversationArchive) Type() string      { return "conversation.archive" }
func (c *ConversationUpdate) Type() string       { return "conversation.update" }
func (c *ConversationDelete) Type() string       { return "conversation.delete" }
func (c *CatalogUpsert) Type() string            { return "catalog.upsert" }
func (c *CatalogTransition) Type() string        { return "catalog.transition" }
func (c *CatalogReorder) Type() string           { return "catalog.reorder" }
func (c *CatalogList) Type() string              { return "catalog.list" }
func (c *StreamSubscribe) Type() string          { return "stream.subscribe" }
func (c *StreamUnsubscribe) Type() string        { return "stream.unsubscribe" }
func (c *SessionList) Type() string              { return "session.list" }
func (c *AttentionList) Type() string            { return "attention.list" }
func (c *SessionStatus) Type() string            { return "session.status" }
func (c *SessionSnapshot) Type() string          { return "session.snapshot" }
func (c *SessionRespond) Type() string            { return "session.respond" }
func (c *SessionClaim) Type() string              { return "session.claim" }
func (c *SessionRelease) Type() string            { return "session.release" }
func (c *SessionInterrupt) Type() string          { return "session.interrupt" }
func (c *SessionRemove) Type() string             { return "session.remove" }
func (c *SessionNotify) Type() string             { return "session.notify" }
func (c *PTYStart) Type() string                  { return "pty.start" }
func (c *PTYAttach) Type() string                 { return "pty.attach" }
func (c *PTYDetach) Type() string                 { return "pty.detach" }
func (c *PTYSubscribeEvents) Type() string        { return "pty.subscribe-events" }
func (c *PTYUnsubscribeEvents) Type() string      { return "pty.unsubscribe-events" }
func (c *PTYClose) Type() string                  { return "pty.close" }
func (c *PTYInput) Type() string                  { return "pty.input" }
func (c *PTYResize) Type() string                 { return "pty.resize" }

// commandTypes maps wire type strings to a constructor producing a pointer
// the JSON decoder can fill in. Kept as one table so dispatch, parsing, and
// the round-trip test all share a single source of truth for the closed set.
var commandTypes = map[string]func() Command{
	"directory.upsert":          func() Command { return &DirectoryUpsert{} },
	"directory.list":            func() Command { return &DirectoryList{} },
	"directory.archive":         func() Command { return &DirectoryArchive{} },
	"directory.git-status":      func() Command { return &DirectoryGitStatus{} },
	"conversation.create":       func() Command { return &ConversationCreate{} },
	"conversation.list":         func() Command { return &ConversationList{} },
	"conversation.archive":      func() Command { return &ConversationArchive{} },
	"conversation.update":       func() Command { return &ConversationUpdate{} },
	"conversation.delete":       func() Command { return &ConversationDelete{} },
	"catalog.upsert":            func() Command { return &CatalogUpsert{} },
	"catalog.transition":        func() Command { return &CatalogTransition{} },
	"catalog.reorder":           func() Command { return &CatalogReorder{} },
	"catalog.list":              func() Command { return &CatalogList{} },
	"stream.subscribe":          func() Command { return &StreamSubscribe{} },
	"stream.unsubscribe":        func() Command { return &StreamUnsubscribe{} },
	"session.list":              func() Command { return &SessionList{} },
	"attention.list":            func() Command { return &AttentionList{} },
	"session.status":            func() Command { return &SessionStatus{} },
	"session.snapshot":          func() Command { return &SessionSnapshot{} },
	"session.respond":           func() Command { return &SessionRespond{} },
	"session.claim":             func() Command { return &SessionClaim{} },
	"session.release":           func() Command { return &SessionRelease{} },
	"session.interrupt":         func() Command { return &SessionInterrupt{} },
	"session.remove":            func() Command { return &SessionRemove{} },
	"session.notify":            func() Command { return &SessionNotify{} },
	"pty.start":                 func() Command { return &PTYStart{} },
	"pty.attach":                func() Command { return &PTYAttach{} },
	"pty.detach":                func() Command { return &PTYDetach{} },
	"pty.subscribe-events":      func() Command { return &PTYSubscribeEvents{} },
	"pty.unsubscribe-events":    func() Command { return &PTYUnsubscribeEvents{} },
	"pty.close":                 func() Command { return &PTYClose{} },
	"pty.input":                 func() Command { return &PTYInput{} },
	"pty.resize":                func() Command { return &PTYResize{} },
}

// ParseCommand decodes a raw JSON command frame into its typed Command,
// returning CommandParseResult semantics: a nil error means Ok(Command);
// a non-nil *ctlerr.Error is always Kind == invalid-argument.
func ParseCommand(raw []byte) (Command, *ctlerr.Error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, ctlerr.New(ctlerr.InvalidArgument, "malformed command frame: %v", err)
	}
	if probe.Type == "" {
		return nil, ctlerr.New(ctlerr.InvalidArgument, "missing command type")
	}
	ctor, ok := commandTypes[probe.Type]
	if !ok {
		return nil, ctlerr.New(ctlerr.InvalidArgument, "unrecognized command type %q", probe.Type)
	}
	cmd := ctor()
	if err := json.Unmarshal(raw, cmd); err != nil {
		return nil, ctlerr.New(ctlerr.InvalidArgument, "decode %s: %v", probe.Type, err)
	}
	return cmd, nil
}

// Serialize round-trips a Command back to its wire JSON form, used by the
// embedded transport (which may skip actual bytes) and by tests asserting
// ParseCommand(Serialize(cmd)) == cmd. The "type" key is always taken from
// cmd.Type() rather than the CmdType field, so a command built via a plain
// struct literal (the common case at every call site) serializes correctly
// without the caller having to set CmdType itself.
func Serialize(cmd Command) ([]byte, error) {
	b, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("serialize command: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, fmt.Errorf("serialize command: %w", err)
	}
	typeJSON, err := json.Marshal(cmd.Type())
	if err != nil {
		return nil, fmt.Errorf("serialize command: %w", err)
	}
	fields["type"] = typeJSON
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("serialize command: %w", err)
	}
	return out, nil
}
