// Package controlplane implements the control-plane server: the one
// process that owns the catalog, event store, live session table, and
// observed-event journal, and serves the wire protocol's closed command
// set over an embedded or line-framed TCP transport.
package controlplane

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"harness-mux/internal/catalog"
	"harness-mux/internal/config"
	"harness-mux/internal/ctlerr"
	"harness-mux/internal/eventstore"
	"harness-mux/internal/livesession"
	"harness-mux/internal/statusreducer"
	"harness-mux/internal/wire"
)

const (
	journalCapacity    = 4096
	outboundBufferSize = 256
)

// sessionEntry bundles a live session with the control-plane metadata the
// catalog doesn't track: agent capability, scope, and the per-session
// status reducer.
type sessionEntry struct {
	live             *livesession.Session
	conversationID   string
	scope            wire.Scope
	agentType        string
	capability       statusreducer.Capability
	reducer          *statusreducer.Reducer
	eventSubscribers map[string]*Connection // connID -> Connection, for pty.event fan-out

	// telemetry holds the latest unconsumed side-channel sample
	// (session.notify); reduceModel hands it to the reducer exactly once.
	telemetry *statusreducer.Telemetry

	// lastOutputCursor is the high-water mark of published session-output
	// events; a publication happens only when the PTY cursor strictly
	// advances past it.
	lastOutputCursor int64
}

// reduceModel projects the entry's current StatusModel, consuming any
// pending telemetry sample.
func (e *sessionEntry) reduceModel() statusreducer.StatusModel {
	model := e.reducer.Reduce(string(e.live.Status()), e.live.AttentionReason(), e.telemetry)
	e.telemetry = nil
	return model
}

// Server is the Control-Plane Server: every command is dispatched through
// Dispatch while s.mu is held, the single exclusive lock that guards both
// catalog/session mutation and journal subscribe/publish enrollment, so a
// subscribe registered under the lock can never miss the event racing to
// be published under the same lock.
type Server struct {
	mu sync.Mutex

	catalog  *catalog.Store
	events   *eventstore.Store
	journal  *journal
	sessions map[string]*sessionEntry
	conns    map[string]*Connection
	defScope config.DefaultScopeConfig

	// sessionEvents serializes SessionEvent delivery from live sessions onto
	// one pump goroutine. A livesession emits events synchronously from
	// whatever goroutine triggered the transition — including a Dispatch
	// handler already holding s.mu — so handlers enqueue here instead of
	// re-entering the lock.
	sessionEvents chan queuedSessionEvent
	quit          chan struct{}
	pumpDone      chan struct{}
}

type queuedSessionEvent struct {
	sessionID string
	ev        livesession.SessionEvent
}

// New creates a Server backed by the given catalog and event stores.
func New(cat *catalog.Store, ev *eventstore.Store, defScope config.DefaultScopeConfig) *Server {
	s := &Server{
		catalog:       cat,
		events:        ev,
		journal:       newJournal(journalCapacity),
		sessions:      make(map[string]*sessionEntry),
		conns:         make(map[string]*Connection),
		defScope:      defScope,
		sessionEvents: make(chan queuedSessionEvent, outboundBufferSize),
		quit:          make(chan struct{}),
		pumpDone:      make(chan struct{}),
	}
	go s.pumpSessionEvents()
	return s
}

// pumpSessionEvents drains the session-event queue in order, applying each
// event's catalog/journal/fan-out effects under the server lock.
func (s *Server) pumpSessionEvents() {
	defer close(s.pumpDone)
	for {
		select {
		case q := <-s.sessionEvents:
			s.onSessionEvent(q.sessionID, q.ev)
		case <-s.quit:
			return
		}
	}
}

// enqueueSessionEvent never blocks: a caller may already hold s.mu, and the
// pump needs that same lock to drain, so a blocking send here could deadlock.
// A full queue drops the event (the reducer re-derives status from hard state
// on the next command anyway).
func (s *Server) enqueueSessionEvent(sessionID string, ev livesession.SessionEvent) {
	select {
	case s.sessionEvents <- queuedSessionEvent{sessionID: sessionID, ev: ev}:
	default:
		log.Printf("controlplane: session %s event queue full, dropping %s", sessionID, ev.Type)
	}
}

// Connect registers a new connection and returns it; the transport layer
// calls this once per accepted socket (or once for the embedded in-process
// client).
func (s *Server) Connect() *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := newConnection(uuid.New().String())
	s.conns[conn.ID] = conn
	return conn
}

// Disconnect tears down everything a dropped connection was holding: PTY
// attachments, event/stream subscriptions, and any controller claims.
func (s *Server) Disconnect(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[connID]
	if !ok {
		return
	}
	for sessionID, attachmentID := range conn.attachedSessionIDs {
		if entry, ok := s.sessions[sessionID]; ok {
			entry.live.Detach(attachmentID)
		}
	}
	for _, entry := range s.sessions {
		entry.live.ReleaseIfHeldBy(connID)
		delete(entry.eventSubscribers, connID)
	}
	for subID := range conn.streamSubIDs {
		s.journal.Unsubscribe(subID)
	}
	delete(s.conns, connID)
	conn.Close()
}

func (s *Server) fillScope(scope wire.Scope) wire.Scope {
	if scope.TenantID == "" {
		scope.TenantID = s.defScope.TenantID
	}
	if scope.UserID == "" {
		scope.UserID = s.defScope.UserID
	}
	if scope.WorkspaceID == "" {
		scope.WorkspaceID = s.defScope.WorkspaceID
	}
	return scope
}

// Dispatch routes a parsed Command to its handler under the server lock.
// PTYInput and PTYResize are accepted here too (for the embedded
// transport's convenience) but the line-framed transport treats them as
// out-of-band: it never writes a response frame for them.
func (s *Server) Dispatch(connID string, cmd wire.Command) wire.Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch c := cmd.(type) {
	case *wire.DirectoryUpsert:
		return s.handleDirectoryUpsert(c)
	case *wire.DirectoryList:
		return s.handleDirectoryList(c)
	case *wire.DirectoryArchive:
		return s.handleDirectoryArchive(c)
	case *wire.DirectoryGitStatus:
		return s.handleDirectoryGitStatus(c)

	case *wire.ConversationCreate:
		return s.handleConversationCreate(c)
	case *wire.ConversationList:
		return s.handleConversationList(c)
	case *wire.ConversationArchive:
		return s.handleConversationArchive(c)
	case *wire.ConversationUpdate:
		return s.handleConversationUpdate(c)
	case *wire.ConversationDelete:
		return s.handleConversationDelete(c, connID)

	case *wire.CatalogUpsert:
		return s.handleCatalogUpsert(c)
	case *wire.CatalogTransition:
		return s.handleCatalogTransition(c)
	case *wire.CatalogReorder:
		return s.handleCatalogReorder(c)
	case *wire.CatalogList:
		return s.handleCatalogList(c)

	case *wire.StreamSubscribe:
		return s.handleStreamSubscribe(c, connID)
	case *wire.StreamUnsubscribe:
		return s.handleStreamUnsubscribe(c, connID)

	case *wire.SessionList:
		return s.handleSessionList(c)
	case *wire.AttentionList:
		return s.handleAttentionList(c)
	case *wire.SessionStatus:
		return s.handleSessionStatus(c)
	case *wire.SessionSnapshot:
		return s.handleSessionSnapshot(c)
	case *wire.SessionRespond:
		return s.handleSessionRespond(c, connID)
	case *wire.SessionClaim:
		return s.handleSessionClaim(c, connID)
	case *wire.SessionRelease:
		return s.handleSessionRelease(c, connID)
	case *wire.SessionInterrupt:
		return s.handleSessionInterrupt(c, connID)
	case *wire.SessionRemove:
		return s.handleSessionRemove(c, connID)
	case *wire.SessionNotify:
		return s.handleSessionNotify(c)

	case *wire.PTYStart:
		return s.handlePTYStart(c, connID)
	case *wire.PTYAttach:
		return s.handlePTYAttach(c, connID)
	case *wire.PTYDetach:
		return s.handlePTYDetach(c, connID)
	case *wire.PTYSubscribeEvents:
		return s.handlePTYSubscribeEvents(c, connID)
	case *wire.PTYUnsubscribeEvents:
		return s.handlePTYUnsubscribeEvents(c, connID)
	case *wire.PTYClose:
		return s.handlePTYClose(c, connID)
	case *wire.PTYInput:
		return s.handlePTYInput(c, connID)
	case *wire.PTYResize:
		return s.handlePTYResize(c)
	}

	return wire.ErrResponse(ctlerr.New(ctlerr.InvalidArgument, "unhandled command type %q", cmd.Type()))
}

// --- Directory ---

func (s *Server) handleDirectoryUpsert(c *wire.DirectoryUpsert) wire.Response {
	scope := s.fillScope(c.Scope)
	d, err := s.catalog.UpsertDirectory(catalog.Directory{
		DirectoryID: c.DirectoryID,
		TenantID:    scope.TenantID,
		UserID:      scope.UserID,
		WorkspaceID: scope.WorkspaceID,
		Path:        c.Path,
	})
	if err != nil {
		return wire.ErrResponse(ctlerr.Wrap(ctlerr.InvalidArgument, err))
	}
	scope.DirectoryID = d.DirectoryID
	s.publish(wire.EventDirectoryUpserted, scope, map[string]any{"directoryId": d.DirectoryID, "path": d.Path})
	return wire.OKResponse(map[string]any{"directoryId": d.DirectoryID, "path": d.Path})
}

func (s *Server) handleDirectoryList(c *wire.DirectoryList) wire.Response {
	scope := s.fillScope(c.Scope)
	dirs, err := s.catalog.ListDirectories(catalog.Filter{
		TenantID: scope.TenantID, UserID: scope.UserID, WorkspaceID: scope.WorkspaceID,
		IncludeArchived: c.IncludeArchived, Limit: c.Limit,
	})
	if err != nil {
		return wire.ErrResponse(ctlerr.Wrap(ctlerr.InvalidArgument, err))
	}
	return wire.OKResponse(map[string]any{"directories": dirs})
}

func (s *Server) handleDirectoryArchive(c *wire.DirectoryArchive) wire.Response {
	if err := s.catalog.ArchiveDirectory(c.DirectoryID); err != nil {
		return errResponse(err)
	}
	s.publish(wire.EventDirectoryArchived, wire.Scope{DirectoryID: c.DirectoryID}, map[string]any{"directoryId": c.DirectoryID})
	return wire.OKResponse(nil)
}

// --- Catalog entities (repository/task/project/automation) ---

func (s *Server) handleCatalogUpsert(c *wire.CatalogUpsert) wire.Response {
	scope := s.fillScope(c.Scope)
	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}
	e, err := s.catalog.UpsertEntity(catalog.CatalogEntity{
		Kind: c.EntityKind, ID: id,
		TenantID: scope.TenantID, UserID: scope.UserID, WorkspaceID: scope.WorkspaceID,
		Fields: c.Fields,
	})
	if err != nil {
		return errResponse(err)
	}
	eventType := wire.EventTaskUpdated
	if c.EntityKind == "repository" {
		eventType = wire.EventRepositoryUpdated
	}
	s.publish(eventType, scope, map[string]any{"entityKind": e.Kind, "id": e.ID})
	return wire.OKResponse(map[string]any{"id": e.ID, "status": e.Status})
}

func (s *Server) handleCatalogTransition(c *wire.CatalogTransition) wire.Response {
	if err := s.catalog.TransitionEntity(c.EntityKind, c.ID, c.Status); err != nil {
		return errResponse(err)
	}
	s.publish(wire.EventTaskUpdated, wire.Scope{}, map[string]any{"entityKind": c.EntityKind, "id": c.ID, "status": c.Status})
	return wire.OKResponse(nil)
}

func (s *Server) handleCatalogReorder(c *wire.CatalogReorder) wire.Response {
	if err := s.catalog.ReorderEntities(c.EntityKind, c.OrderedIDs); err != nil {
		return errResponse(err)
	}
	return wire.OKResponse(nil)
}

func (s *Server) handleCatalogList(c *wire.CatalogList) wire.Response {
	scope := s.fillScope(c.Scope)
	entities, err := s.catalog.ListEntities(c.EntityKind, catalog.Filter{
		TenantID: scope.TenantID, UserID: scope.UserID, WorkspaceID: scope.WorkspaceID,
		IncludeArchived: c.IncludeArchived, Limit: c.Limit,
	})
	if err != nil {
		return errResponse(err)
	}
	return wire.OKResponse(map[string]any{"entities": entities})
}

// --- Stream ---

func (s *Server) handleStreamSubscribe(c *wire.StreamSubscribe, connID string) wire.Response {
	conn, ok := s.conns[connID]
	if !ok {
		return wire.ErrResponse(ctlerr.New(ctlerr.InvalidArgument, "unknown connection"))
	}
	sub := &subscription{
		id:            uuid.New().String(),
		connID:        connID,
		filter:        c.Scope,
		includeOutput: c.IncludeOutput,
		push:          conn.Push,
	}
	replay, gap := s.journal.Subscribe(sub, c.AfterCursor)
	conn.streamSubIDs[sub.id] = true
	if gap {
		// Explicit gap signal: the subscriber's afterCursor predates the
		// retained window, so it must resync from durable state. The current
		// cursor rides along so the resync knows where live delivery resumes.
		gapEv := wire.ObservedEvent{
			Cursor: s.journal.CurrentCursor(),
			Type:   wire.EventJournalGap,
			Payload: map[string]any{
				"kind":   string(ctlerr.JournalGap),
				"cursor": s.journal.CurrentCursor(),
			},
			Ts: time.Now(),
		}
		conn.Push(wire.PushEnvelope{Type: wire.PushTypeStreamEvent, Cursor: gapEv.Cursor, SubscriptionID: sub.id, Observed: &gapEv})
	}
	for _, ev := range replay {
		evCopy := ev
		conn.Push(wire.PushEnvelope{Type: wire.PushTypeStreamEvent, Cursor: ev.Cursor, SubscriptionID: sub.id, Observed: &evCopy})
	}
	return wire.OKResponse(map[string]any{"subscriptionId": sub.id, "cursor": s.journal.CurrentCursor()})
}

func (s *Server) handleStreamUnsubscribe(c *wire.StreamUnsubscribe, connID string) wire.Response {
	s.journal.Unsubscribe(c.SubscriptionID)
	if conn, ok := s.conns[connID]; ok {
		delete(conn.streamSubIDs, c.SubscriptionID)
	}
	return wire.OKResponse(nil)
}

// publish stamps and fans out an ObservedEvent under the already-held lock.
func (s *Server) publish(eventType string, scope wire.Scope, payload any) {
	s.journal.Publish(wire.ObservedEvent{
		Scope:   scope,
		Type:    eventType,
		Payload: payload,
		Ts:      time.Now(),
	})
}

// publishSessionStatus stamps a fresh StatusModel for the entry and publishes
// it as a session-status observed event; every status transition routes
// through here.
func (s *Server) publishSessionStatus(sessionID string, entry *sessionEntry) {
	model := entry.reduceModel()
	s.publish(wire.EventSessionStatus, entry.scope, map[string]any{
		"sessionId": sessionID,
		"status":    string(entry.live.Status()),
		"model":     model,
	})
}

// normalize appends a NormalizedEnvelope to the durable Event Store; Append
// failures are logged, never propagated — the live path must not stall on
// the disk log.
func (s *Server) normalize(scope wire.Scope, category, kind string, payload any) {
	if s.events == nil {
		return
	}
	_, err := s.events.Append(wire.NormalizedEnvelope{
		EventID:  uuid.New().String(),
		Ts:       time.Now(),
		Scope:    scope,
		Category: category,
		Kind:     kind,
		Payload:  payload,
	})
	if err != nil {
		log.Printf("controlplane: append normalized event: %v", err)
	}
}

func errResponse(err error) wire.Response {
	if ce, ok := ctlerr.As(err); ok {
		return wire.Response{OK: false, Error: &wire.ResponseError{Kind: ce.Kind, Message: ce.Message}}
	}
	return wire.ErrResponse(ctlerr.New(ctlerr.InvalidArgument, "%v", err))
}

// Close shuts down every live session and the durable stores. Dispatch must
// not be called after Close.
func (s *Server) Close() error {
	close(s.quit)
	<-s.pumpDone
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.sessions {
		entry.live.Close()
	}
	for _, conn := range s.conns {
		conn.Close()
	}
	if err := s.catalog.Close(); err != nil {
		log.Printf("controlplane: close catalog: %v", err)
	}
	return s.events.Close()
}
