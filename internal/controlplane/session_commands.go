package controlplane

import (
	"context"
	"encoding/base64"
	"sort"
	"time"

	"github.com/google/uuid"

	"harness-mux/internal/catalog"
	"harness-mux/internal/ctlerr"
	"harness-mux/internal/git"
	"harness-mux/internal/livesession"
	"harness-mux/internal/ptyhost"
	"harness-mux/internal/statusreducer"
	"harness-mux/internal/tmpl"
	"harness-mux/internal/wire"
)

// --- Conversation ---

func (s *Server) handleConversationCreate(c *wire.ConversationCreate) wire.Response {
	id := c.ConversationID
	if id == "" {
		id = uuid.New().String()
	}
	title := c.Title
	if title == "" {
		title = s.generateConversationTitle(c.AgentType)
	}
	conv, err := s.catalog.CreateConversation(catalog.Conversation{
		ConversationID: id,
		DirectoryID:    c.DirectoryID,
		Title:          title,
		AgentType:      c.AgentType,
		AdapterState:   c.AdapterState,
	})
	if err != nil {
		return errResponse(err)
	}
	scope := wire.Scope{DirectoryID: c.DirectoryID, ConversationID: id}
	s.publish(wire.EventConversationCreated, scope, map[string]any{"conversationId": id, "title": title, "agentType": c.AgentType})
	return wire.OKResponse(map[string]any{"conversationId": conv.ConversationID, "title": title})
}

// generateConversationTitle renders the default naming template against the
// existing conversation titles, so a thread created with no title gets a
// unique "fast-deer" style name instead of an empty one.
func (s *Server) generateConversationTitle(agentType string) string {
	var existing []string
	if convs, err := s.catalog.ListConversations(catalog.Filter{IncludeArchived: true}); err == nil {
		for _, conv := range convs {
			existing = append(existing, conv.Title)
		}
	}
	name, err := tmpl.RenderWithExtraFuncs("{{randomName}}", &tmpl.Context{AgentType: agentType},
		tmpl.NameFuncs(tmpl.RandomPairName, existing))
	if err != nil || name == "" {
		return agentType
	}
	return name
}

func (s *Server) handleConversationList(c *wire.ConversationList) wire.Response {
	scope := s.fillScope(c.Scope)
	convs, err := s.catalog.ListConversations(catalog.Filter{
		TenantID: scope.TenantID, UserID: scope.UserID, WorkspaceID: scope.WorkspaceID,
	})
	if err != nil {
		return errResponse(err)
	}
	return wire.OKResponse(map[string]any{"conversations": convs})
}

func (s *Server) handleConversationArchive(c *wire.ConversationArchive) wire.Response {
	if err := s.catalog.ArchiveConversation(c.ConversationID); err != nil {
		return errResponse(err)
	}
	s.publish(wire.EventConversationArchived, wire.Scope{ConversationID: c.ConversationID}, map[string]any{"conversationId": c.ConversationID})
	return wire.OKResponse(nil)
}

func (s *Server) handleConversationUpdate(c *wire.ConversationUpdate) wire.Response {
	if err := s.catalog.UpdateConversationTitle(c.ConversationID, c.Title); err != nil {
		return errResponse(err)
	}
	s.publish(wire.EventConversationUpdated, wire.Scope{ConversationID: c.ConversationID}, map[string]any{"conversationId": c.ConversationID, "title": c.Title})
	return wire.OKResponse(nil)
}

func (s *Server) handleConversationDelete(c *wire.ConversationDelete, connID string) wire.Response {
	if entry, ok := s.sessions[c.ConversationID]; ok {
		s.destroySession(c.ConversationID, entry)
	}
	if err := s.catalog.DeleteConversation(c.ConversationID); err != nil {
		return errResponse(err)
	}
	s.publish(wire.EventConversationDeleted, wire.Scope{ConversationID: c.ConversationID}, map[string]any{"conversationId": c.ConversationID})
	return wire.OKResponse(nil)
}

// --- Session ---

// sessionRow is the session.list response shape.
type sessionRow struct {
	SessionID string                    `json:"sessionId"`
	Status    statusreducer.StatusModel `json:"status"`
	StartedAt time.Time                 `json:"startedAt"`
}

func (s *Server) handleSessionList(c *wire.SessionList) wire.Response {
	var rows []sessionRow
	for id, entry := range s.sessions {
		rows = append(rows, sessionRow{SessionID: id, Status: entry.reduceModel(), StartedAt: entry.live.StartedAt()})
	}

	switch c.Sort {
	case "started-desc":
		sort.Slice(rows, func(i, j int) bool { return rows[i].StartedAt.After(rows[j].StartedAt) })
	case "started-asc":
		sort.Slice(rows, func(i, j int) bool { return rows[i].StartedAt.Before(rows[j].StartedAt) })
	default: // "attention-first"
		sort.Slice(rows, func(i, j int) bool {
			iAttn := rows[i].Status.Phase == statusreducer.PhaseNeedsAction
			jAttn := rows[j].Status.Phase == statusreducer.PhaseNeedsAction
			if iAttn != jAttn {
				return iAttn
			}
			return rows[i].StartedAt.Before(rows[j].StartedAt)
		})
	}

	if c.Limit > 0 && len(rows) > c.Limit {
		rows = rows[:c.Limit]
	}
	return wire.OKResponse(map[string]any{"sessions": rows})
}

func (s *Server) handleAttentionList(c *wire.AttentionList) wire.Response {
	var ids []string
	for id, entry := range s.sessions {
		if entry.live.Status() == livesession.StatusNeedsInput {
			ids = append(ids, id)
		}
	}
	return wire.OKResponse(map[string]any{"sessionIds": ids})
}

func (s *Server) handleSessionStatus(c *wire.SessionStatus) wire.Response {
	entry, ok := s.sessions[c.SessionID]
	if !ok {
		return wire.ErrResponse(ctlerr.New(ctlerr.NotFound, "session %s not found", c.SessionID))
	}
	return wire.OKResponse(map[string]any{"status": entry.reduceModel(), "hung": entry.live.Hung()})
}

func (s *Server) handleSessionSnapshot(c *wire.SessionSnapshot) wire.Response {
	entry, ok := s.sessions[c.SessionID]
	if !ok {
		return wire.ErrResponse(ctlerr.New(ctlerr.NotFound, "session %s not found", c.SessionID))
	}
	tail := entry.live.BufferTail(c.TailLines)
	return wire.OKResponse(map[string]any{"lines": tail})
}

func (s *Server) handleSessionRespond(c *wire.SessionRespond, connID string) wire.Response {
	entry, ok := s.sessions[c.SessionID]
	if !ok {
		return wire.ErrResponse(ctlerr.New(ctlerr.NotFound, "session %s not found", c.SessionID))
	}
	if !entry.live.IsController(connID) {
		return wire.ErrResponse(ctlerr.New(ctlerr.ControllerConflict, "session %s is controlled by another connection", c.SessionID))
	}
	wasNeedsInput := entry.live.Status() == livesession.StatusNeedsInput
	if err := entry.live.Respond(c.Text); err != nil {
		return errResponse(err)
	}
	entry.live.ClearAttention()
	if wasNeedsInput {
		s.publish(wire.EventAttentionCleared, entry.scope, map[string]any{"sessionId": c.SessionID})
		s.normalize(entry.scope, "meta", wire.KindMetaAttentionCleared, map[string]any{"sessionId": c.SessionID})
	}
	s.catalog.SetConversationRuntime(c.SessionID, "running", true)
	s.publishSessionStatus(c.SessionID, entry)
	return wire.OKResponse(nil)
}

func (s *Server) handleSessionClaim(c *wire.SessionClaim, connID string) wire.Response {
	entry, ok := s.sessions[c.SessionID]
	if !ok {
		return wire.ErrResponse(ctlerr.New(ctlerr.NotFound, "session %s not found", c.SessionID))
	}
	ctrl := livesession.Controller{
		ConnectionID: connID, ControllerID: c.ControllerID, ControllerType: c.ControllerType, ControllerLabel: c.ControllerLabel,
	}
	if err := entry.live.Claim(ctrl, c.Takeover); err != nil {
		return errResponse(err)
	}
	action := "claimed"
	if c.Takeover {
		action = "taken-over"
	}
	s.publish(wire.EventSessionControl, entry.scope, map[string]any{
		"sessionId": c.SessionID, "controllerId": c.ControllerID,
		"controllerType": c.ControllerType, "action": action,
	})
	return wire.OKResponse(nil)
}

func (s *Server) handleSessionRelease(c *wire.SessionRelease, connID string) wire.Response {
	entry, ok := s.sessions[c.SessionID]
	if !ok {
		return wire.ErrResponse(ctlerr.New(ctlerr.NotFound, "session %s not found", c.SessionID))
	}
	entry.live.Release(connID)
	s.publish(wire.EventSessionControl, entry.scope, map[string]any{"sessionId": c.SessionID, "action": "released"})
	return wire.OKResponse(nil)
}

func (s *Server) handleSessionInterrupt(c *wire.SessionInterrupt, connID string) wire.Response {
	entry, ok := s.sessions[c.SessionID]
	if !ok {
		return wire.ErrResponse(ctlerr.New(ctlerr.NotFound, "session %s not found", c.SessionID))
	}
	if !entry.live.IsController(connID) {
		return wire.ErrResponse(ctlerr.New(ctlerr.ControllerConflict, "session %s is controlled by another connection", c.SessionID))
	}
	if err := entry.live.Interrupt(); err != nil {
		return errResponse(err)
	}
	s.catalog.SetConversationRuntime(c.SessionID, "completed", true)
	s.publishSessionStatus(c.SessionID, entry)
	return wire.OKResponse(nil)
}

func (s *Server) handleSessionRemove(c *wire.SessionRemove, connID string) wire.Response {
	entry, ok := s.sessions[c.SessionID]
	if !ok {
		return wire.ErrResponse(ctlerr.New(ctlerr.NotFound, "session %s not found", c.SessionID))
	}
	if !entry.live.IsController(connID) {
		return wire.ErrResponse(ctlerr.New(ctlerr.ControllerConflict, "session %s is controlled by another connection", c.SessionID))
	}
	s.destroySession(c.SessionID, entry)
	return wire.OKResponse(nil)
}

// destroySession tears a session out of the live table under the held server
// lock: kill the child, fan a synthesized pty.exit to event subscribers (the
// real exit callback will find no entry once the map forgets the session),
// and publish the exit observed events.
func (s *Server) destroySession(sessionID string, entry *sessionEntry) {
	entry.live.Close()
	delete(s.sessions, sessionID)
	s.catalog.SetConversationRuntime(sessionID, "exited", false)
	for _, conn := range entry.eventSubscribers {
		conn.Push(wire.PushEnvelope{Type: wire.PushTypePTYExit, SessionID: sessionID})
	}
	s.publish(wire.EventSessionStatus, entry.scope, map[string]any{"sessionId": sessionID, "status": "exited"})
	s.normalize(entry.scope, "meta", wire.KindMetaNotifyObserved, map[string]any{"event": "session-removed"})
}

// --- PTY ---

func (s *Server) handlePTYStart(c *wire.PTYStart, connID string) wire.Response {
	if _, exists := s.sessions[c.SessionID]; exists {
		return wire.ErrResponse(ctlerr.New(ctlerr.ConstraintViolation, "session %s already started", c.SessionID))
	}
	host, err := ptyhost.Start(c.Args, c.Env, c.Cwd, c.InitialCols, c.InitialRows)
	if err != nil {
		return errResponse(err)
	}
	scope := s.fillScope(c.Scope)
	scope.ConversationID = c.SessionID
	sessionID := c.SessionID
	agentType := s.lookupAgentType(sessionID)

	entry := &sessionEntry{
		conversationID:   sessionID,
		scope:            scope,
		agentType:        agentType,
		capability:       statusreducer.Resolve(agentType),
		eventSubscribers: make(map[string]*Connection),
	}
	entry.reducer = entry.capability.NewReducer()
	entry.live = livesession.New(sessionID, host, c.InitialCols, c.InitialRows,
		func(ev livesession.SessionEvent) {
			s.enqueueSessionEvent(sessionID, ev)
		},
		func(cursor int64, chunk []byte) {
			s.onSessionOutput(sessionID, cursor, chunk)
		})
	s.sessions[sessionID] = entry
	s.catalog.SetConversationRuntime(sessionID, "running", true)
	s.publishSessionStatus(sessionID, entry)
	return wire.OKResponse(map[string]any{"sessionId": sessionID})
}

// lookupAgentType finds the conversation catalog row sharing this session's
// id (conversations and the live session they launch share one id) so
// pty.start can resolve the right statusreducer capability without the
// caller having to repeat the agentType on every start.
func (s *Server) lookupAgentType(conversationID string) string {
	convs, err := s.catalog.ListConversations(catalog.Filter{IncludeArchived: true})
	if err != nil {
		return ""
	}
	for _, c := range convs {
		if c.ConversationID == conversationID {
			return c.AgentType
		}
	}
	return ""
}

// onSessionOutput runs on the PTY Host's reader goroutine for every output
// chunk: it appends the provider-text-delta envelope to the Event Store and,
// when the cursor strictly advances past the published high-water mark,
// publishes one session-output observed event.
func (s *Server) onSessionOutput(sessionID string, cursor int64, chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[sessionID]
	if !ok {
		return
	}

	s.normalize(entry.scope, "provider", wire.KindProviderTextDelta, map[string]any{
		"cursor":      cursor,
		"chunkBase64": base64.StdEncoding.EncodeToString(chunk),
	})

	end := cursor + int64(len(chunk))
	if end <= entry.lastOutputCursor {
		return
	}
	entry.lastOutputCursor = end
	s.publish(wire.EventSessionOutput, entry.scope, map[string]any{
		"sessionId":                sessionID,
		"lastObservedOutputCursor": end,
		"chunkBase64":              base64.StdEncoding.EncodeToString(chunk),
	})
}

// onSessionEvent applies one SessionEvent's effects under the server lock:
// catalog runtime snapshot, Event Store normalization, pty.event fan-out, and
// a session-status publication. Always invoked from the pump goroutine so a
// transition triggered inside Dispatch can't re-enter the lock.
func (s *Server) onSessionEvent(sessionID string, ev livesession.SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[sessionID]
	if !ok {
		return
	}

	switch ev.Type {
	case livesession.EventAttentionRequired:
		s.catalog.SetConversationRuntime(sessionID, "needs-input", true)
		s.normalize(entry.scope, "meta", wire.KindMetaAttentionRaised, map[string]any{"reason": ev.AttentionReason})
		s.publish(wire.EventAttentionRaised, entry.scope, map[string]any{"sessionId": sessionID, "reason": ev.AttentionReason})
	case livesession.EventTurnCompleted:
		s.catalog.SetConversationRuntime(sessionID, "completed", true)
		s.normalize(entry.scope, "provider", wire.KindProviderTurnCompleted, nil)
	case livesession.EventNotify:
		s.normalize(entry.scope, "meta", wire.KindMetaNotifyObserved, map[string]any{"reason": ev.AttentionReason})
	case livesession.EventSessionExit:
		s.catalog.SetConversationRuntime(sessionID, "exited", false)
		exitEnv := exitInfoToWire(ev.Exit)
		for _, conn := range entry.eventSubscribers {
			conn.Push(wire.PushEnvelope{Type: wire.PushTypePTYExit, SessionID: sessionID, Exit: exitEnv})
		}
		s.publishSessionStatus(sessionID, entry)
		return
	}

	sessionEvt := &wire.SessionEvent{Type: string(ev.Type), AttentionReason: ev.AttentionReason}
	for _, conn := range entry.eventSubscribers {
		conn.Push(wire.PushEnvelope{Type: wire.PushTypePTYEvent, SessionID: sessionID, Event: sessionEvt})
	}
	s.publishSessionStatus(sessionID, entry)
}

// handleSessionNotify translates an agent's out-of-band hook/telemetry event
// into a telemetry sample (via the session's agent capability) and a state
// transition on the live session. Unrecognized event names still record a
// notify, so foreign agents degrade gracefully instead of erroring.
func (s *Server) handleSessionNotify(c *wire.SessionNotify) wire.Response {
	entry, ok := s.sessions[c.SessionID]
	if !ok {
		return wire.ErrResponse(ctlerr.New(ctlerr.NotFound, "session %s not found", c.SessionID))
	}

	text, hint, recognized := entry.capability.Extract(c.EventName)
	if !recognized {
		entry.live.Notify(c.EventName)
		return wire.OKResponse(nil)
	}

	entry.telemetry = &statusreducer.Telemetry{Text: text, PhaseHint: hint, ObservedAt: time.Now()}
	switch hint {
	case statusreducer.PhaseNeedsAction:
		entry.live.RaiseAttention(text)
	case statusreducer.PhaseIdle:
		entry.live.CompleteTurn()
	default:
		if entry.live.Status() == livesession.StatusNeedsInput {
			entry.live.ClearAttention()
			s.publish(wire.EventAttentionCleared, entry.scope, map[string]any{"sessionId": c.SessionID})
			s.normalize(entry.scope, "meta", wire.KindMetaAttentionCleared, map[string]any{"eventName": c.EventName})
		}
		s.publishSessionStatus(c.SessionID, entry)
	}
	return wire.OKResponse(nil)
}

func exitInfoToWire(info *ptyhost.ExitInfo) *wire.ExitInfo {
	if info == nil {
		return nil
	}
	return &wire.ExitInfo{Code: info.Code, Signal: info.Signal}
}

func (s *Server) handlePTYAttach(c *wire.PTYAttach, connID string) wire.Response {
	entry, ok := s.sessions[c.SessionID]
	if !ok {
		return wire.ErrResponse(ctlerr.New(ctlerr.NotFound, "session %s not found", c.SessionID))
	}
	conn, ok := s.conns[connID]
	if !ok {
		return wire.ErrResponse(ctlerr.New(ctlerr.InvalidArgument, "unknown connection"))
	}
	att, gap := entry.live.Attach(connID, c.SinceCursor,
		func(cursor int64, chunk []byte) {
			conn.Push(wire.PushEnvelope{
				Type: wire.PushTypePTYOutput, SessionID: c.SessionID, Cursor: cursor,
				ChunkBase64: base64.StdEncoding.EncodeToString(chunk),
			})
		},
		func(info ptyhost.ExitInfo) {
			conn.Push(wire.PushEnvelope{Type: wire.PushTypePTYExit, SessionID: c.SessionID, Exit: exitInfoToWire(&info)})
		},
	)
	conn.attachedSessionIDs[c.SessionID] = att.ID
	resp := map[string]any{"attachmentId": att.ID, "cursor": entry.live.LatestCursorValue()}
	if gap {
		resp["gap"] = true
	}
	return wire.OKResponse(resp)
}

func (s *Server) handlePTYDetach(c *wire.PTYDetach, connID string) wire.Response {
	conn, ok := s.conns[connID]
	if !ok {
		return wire.ErrResponse(ctlerr.New(ctlerr.InvalidArgument, "unknown connection"))
	}
	entry, ok := s.sessions[c.SessionID]
	if !ok {
		return wire.ErrResponse(ctlerr.New(ctlerr.NotFound, "session %s not found", c.SessionID))
	}
	if attachmentID, ok := conn.attachedSessionIDs[c.SessionID]; ok {
		entry.live.Detach(attachmentID)
		delete(conn.attachedSessionIDs, c.SessionID)
	}
	return wire.OKResponse(nil)
}

func (s *Server) handlePTYSubscribeEvents(c *wire.PTYSubscribeEvents, connID string) wire.Response {
	entry, ok := s.sessions[c.SessionID]
	if !ok {
		return wire.ErrResponse(ctlerr.New(ctlerr.NotFound, "session %s not found", c.SessionID))
	}
	conn, ok := s.conns[connID]
	if !ok {
		return wire.ErrResponse(ctlerr.New(ctlerr.InvalidArgument, "unknown connection"))
	}
	entry.eventSubscribers[connID] = conn
	conn.eventSessionIDs[c.SessionID] = true
	return wire.OKResponse(nil)
}

func (s *Server) handlePTYUnsubscribeEvents(c *wire.PTYUnsubscribeEvents, connID string) wire.Response {
	if entry, ok := s.sessions[c.SessionID]; ok {
		delete(entry.eventSubscribers, connID)
	}
	if conn, ok := s.conns[connID]; ok {
		delete(conn.eventSessionIDs, c.SessionID)
	}
	return wire.OKResponse(nil)
}

func (s *Server) handlePTYClose(c *wire.PTYClose, connID string) wire.Response {
	entry, ok := s.sessions[c.SessionID]
	if !ok {
		return wire.ErrResponse(ctlerr.New(ctlerr.NotFound, "session %s not found", c.SessionID))
	}
	if !entry.live.IsController(connID) {
		return wire.ErrResponse(ctlerr.New(ctlerr.ControllerConflict, "session %s is controlled by another connection", c.SessionID))
	}
	entry.live.Close()
	return wire.OKResponse(nil)
}

func (s *Server) handlePTYInput(c *wire.PTYInput, connID string) wire.Response {
	entry, ok := s.sessions[c.SessionID]
	if !ok {
		return wire.ErrResponse(ctlerr.New(ctlerr.NotFound, "session %s not found", c.SessionID))
	}
	if !entry.live.IsController(connID) {
		return wire.ErrResponse(ctlerr.New(ctlerr.ControllerConflict, "session %s is controlled by another connection", c.SessionID))
	}
	chunk, err := base64.StdEncoding.DecodeString(c.ChunkBase64)
	if err != nil {
		return wire.ErrResponse(ctlerr.New(ctlerr.InvalidArgument, "decode pty.input chunk: %v", err))
	}
	if err := entry.live.Respond(string(chunk)); err != nil {
		return errResponse(err)
	}
	return wire.OKResponse(nil)
}

func (s *Server) handlePTYResize(c *wire.PTYResize) wire.Response {
	entry, ok := s.sessions[c.SessionID]
	if !ok {
		return wire.ErrResponse(ctlerr.New(ctlerr.NotFound, "session %s not found", c.SessionID))
	}
	if err := entry.live.Resize(c.Cols, c.Rows); err != nil {
		return errResponse(err)
	}
	return wire.OKResponse(nil)
}

func (s *Server) handleDirectoryGitStatus(c *wire.DirectoryGitStatus) wire.Response {
	dirs, err := s.catalog.ListDirectories(catalog.Filter{IncludeArchived: true})
	if err != nil {
		return errResponse(err)
	}
	var path string
	found := false
	for _, d := range dirs {
		if d.DirectoryID == c.DirectoryID {
			path = d.Path
			found = true
			break
		}
	}
	if !found {
		return wire.ErrResponse(ctlerr.New(ctlerr.NotFound, "directory %s not found", c.DirectoryID))
	}
	st, err := git.Snapshot(context.Background(), path)
	if err != nil {
		return errResponse(err)
	}
	return wire.OKResponse(map[string]any{
		"directoryId":  c.DirectoryID,
		"branch":       st.Branch,
		"filesChanged": st.FilesChanged,
		"linesAdded":   st.LinesAdded,
		"linesRemoved": st.LinesRemoved,
		"clean":        st.Clean,
		"observedAt":   st.ObservedAt,
	})
}
