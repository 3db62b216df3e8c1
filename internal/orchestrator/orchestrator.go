// Package orchestrator runs the front end: a single-threaded event loop
// that ties a control-plane client, the dual-pane renderer, and the input
// router together into one live TUI — raw-mode entry, SIGWINCH watching,
// envelope handling, and teardown.
package orchestrator

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/shlex"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"harness-mux/internal/catalog"
	"harness-mux/internal/config"
	"harness-mux/internal/ctlerr"
	"harness-mux/internal/inputrouter"
	"harness-mux/internal/oracle"
	"harness-mux/internal/perflog"
	"harness-mux/internal/render"
	"harness-mux/internal/statusreducer"
	"harness-mux/internal/wire"
)

// Client is the subset of controlplane.EmbeddedClient / RemoteClient the
// orchestrator needs; both satisfy it, so the event loop below never knows
// whether it's talking in-process or over a TCP socket.
type Client interface {
	Send(cmd wire.Command) wire.Response
	Pushes() <-chan wire.PushEnvelope
	Close()
}

// ErrRequiresTTY signals that stdout/stdin is not a terminal; the CLI maps
// it to exit code 2.
var ErrRequiresTTY error = ctlerr.New(ctlerr.TerminalRequired, "harness-mux requires a TTY")

// Palette is the result of the startup OSC 10/11/4 probe.
type Palette struct {
	ForegroundHex string
	BackgroundHex string
	Dark          bool
}

// Options configures one orchestrator run.
type Options struct {
	Cwd              string
	AgentType        string
	LaunchArgs       []string
	Scope            wire.Scope
	Bindings         inputrouter.Bindings
	CtrlCExits       bool
	PaletteProbeWait time.Duration  // zero uses the 80ms default
	Perf             *perflog.Spans // nil disables startup span recording
}

// Orchestrator owns the single live TUI session for one invocation of the
// CLI. One process, one Orchestrator, regardless of embedded/remote mode.
type Orchestrator struct {
	client Client
	opts   Options

	in  *os.File
	out *os.File

	renderer *render.Renderer
	router   *inputrouter.Router

	mu              sync.Mutex
	layout          render.Layout
	rail            []render.RailEntry // full sorted rail, refreshRail's output
	railVisible     []render.RailEntry // window actually painted; rail-click row mapping
	activeSessionID string
	directoryID     string
	oracles         map[string]*oracle.Oracle
	attached        map[string]bool

	settleTimer *time.Timer

	restoreTerm func()
}

// New creates an Orchestrator bound to client, reading stdin/writing stdout
// on in/out (os.Stdin/os.Stdout in production, swappable for tests).
func New(client Client, in, out *os.File, opts Options) *Orchestrator {
	if opts.Bindings == (inputrouter.Bindings{}) {
		opts.Bindings = inputrouter.DefaultBindings()
	}
	router := inputrouter.New()
	router.SetBindings(opts.Bindings)
	router.CtrlCExits = opts.CtrlCExits

	cfg, err := config.Load()
	if err != nil || cfg == nil {
		cfg = &config.Config{}
	}
	o := &Orchestrator{
		client:   client,
		opts:     opts,
		in:       in,
		out:      out,
		renderer: render.New(out, cfg.Render),
		router:   router,
		oracles:  make(map[string]*oracle.Oracle),
		attached: make(map[string]bool),
	}
	router.IsController = func() bool { return true }
	return o
}

// Run executes the full front-end lifecycle: raw mode, palette probe, directory
// upsert, conversation/session hydration, initial attach, event loop, and
// teardown. Returns ErrRequiresTTY if in/out aren't a terminal.
func (o *Orchestrator) Run() error {
	if !isatty.IsTerminal(o.in.Fd()) || !isatty.IsTerminal(o.out.Fd()) {
		return ErrRequiresTTY
	}

	restore, err := o.enterRawMode()
	if err != nil {
		return fmt.Errorf("enter raw mode: %w", err)
	}
	o.restoreTerm = restore
	defer o.teardown()

	_ = o.probePalette(o.paletteTimeout())
	o.opts.Perf.Mark("startup.palette-probe")

	cols, rows, err := term.GetSize(int(o.out.Fd()))
	if err != nil {
		return fmt.Errorf("get terminal size: %w", err)
	}
	o.opts.Perf.Mark("startup.terminal-size")
	o.mu.Lock()
	o.layout = render.ComputeDualPaneLayout(cols, rows)
	o.mu.Unlock()

	dirResp := o.client.Send(&wire.DirectoryUpsert{Scope: o.opts.Scope, Path: o.opts.Cwd})
	if !dirResp.OK {
		return fmt.Errorf("directory.upsert: %s", dirResp.Error.Message)
	}
	o.opts.Perf.Mark("startup.directory-upsert")
	var dir struct {
		DirectoryID string `json:"directoryId"`
	}
	decodeField(dirResp, "directoryId", &dir.DirectoryID)

	conversations, err := o.hydrateConversations()
	if err != nil {
		return err
	}
	o.opts.Perf.Mark("startup.hydrate-conversations")

	o.mu.Lock()
	o.directoryID = dir.DirectoryID
	o.mu.Unlock()

	activeID, err := o.ensureActiveSession(dir.DirectoryID, conversations)
	if err != nil {
		return err
	}
	o.opts.Perf.Mark("startup.active-start-command")
	o.mu.Lock()
	o.activeSessionID = activeID
	o.mu.Unlock()

	if err := o.attachAndSubscribe(activeID, cols, rows-1); err != nil {
		return err
	}
	o.opts.Perf.Mark("startup.activate-initial")
	o.refreshRail()

	return o.eventLoop()
}

func (o *Orchestrator) paletteTimeout() time.Duration {
	if o.opts.PaletteProbeWait > 0 {
		return o.opts.PaletteProbeWait
	}
	return 80 * time.Millisecond
}

// probePalette queries OSC 10/11/4 for fg/bg colors with a hard timeout;
// a terminal that never answers must not hang startup. HARNESS_TERM_FG/BG
// override the probe outright.
func (o *Orchestrator) probePalette(timeout time.Duration) Palette {
	if fg, bg := os.Getenv("HARNESS_TERM_FG"), os.Getenv("HARNESS_TERM_BG"); fg != "" || bg != "" {
		return Palette{ForegroundHex: fg, BackgroundHex: bg}
	}

	result := make(chan Palette, 1)
	go func() {
		output := termenv.NewOutput(o.out)
		var p Palette
		if fg := output.ForegroundColor(); fg != nil {
			p.ForegroundHex = termenv.ConvertToRGB(fg).Hex()
		}
		if bg := output.BackgroundColor(); bg != nil {
			p.BackgroundHex = termenv.ConvertToRGB(bg).Hex()
		}
		p.Dark = output.HasDarkBackground()
		result <- p
	}()

	select {
	case p := <-result:
		return p
	case <-time.After(timeout):
		return Palette{}
	}
}

// hydrateConversations loads the persisted conversation list, authoritative
// for titles/metadata but NOT for liveness (Open Question #2: session.list
// decides liveness, never runtimeLive).
func (o *Orchestrator) hydrateConversations() ([]catalog.Conversation, error) {
	resp := o.client.Send(&wire.ConversationList{Scope: o.opts.Scope})
	if !resp.OK {
		return nil, fmt.Errorf("conversation.list: %s", resp.Error.Message)
	}
	var convs []catalog.Conversation
	decodeField(resp, "conversations", &convs)
	return convs, nil
}

// ensureActiveSession picks the first live session from session.list if one
// exists; otherwise it resumes the most recent persisted conversation (or
// creates a fresh one) and starts its PTY. session.list decides liveness
// here — persisted runtimeLive is advisory only.
func (o *Orchestrator) ensureActiveSession(directoryID string, convs []catalog.Conversation) (string, error) {
	listResp := o.client.Send(&wire.SessionList{Sort: "attention-first"})
	if listResp.OK {
		var rows []struct {
			SessionID string `json:"sessionId"`
		}
		decodeField(listResp, "sessions", &rows)
		if len(rows) > 0 {
			return rows[0].SessionID, nil
		}
	}

	agentType := o.opts.AgentType
	if agentType == "" {
		agentType = "generic"
	}

	conversationID := ""
	for _, conv := range convs {
		if conv.ArchivedAt == nil && conv.DirectoryID == directoryID {
			conversationID = conv.ConversationID
		}
	}
	if conversationID == "" {
		// No title: the control plane generates a unique one.
		createResp := o.client.Send(&wire.ConversationCreate{
			DirectoryID: directoryID, AgentType: agentType,
		})
		if !createResp.OK {
			return "", fmt.Errorf("conversation.create: %s", createResp.Error.Message)
		}
		decodeField(createResp, "conversationId", &conversationID)
	}

	cols, rows, _ := term.GetSize(int(o.out.Fd()))
	launch := o.opts.LaunchArgs
	if len(launch) == 0 {
		launch = defaultLaunchArgs()
	}
	startResp := o.client.Send(&wire.PTYStart{
		SessionID: conversationID, Args: launch, Cwd: o.opts.Cwd,
		Env:         map[string]string{"HARNESS_CONVERSATION_ID": conversationID},
		InitialCols: cols, InitialRows: rows - 1, Scope: o.opts.Scope,
	})
	if !startResp.OK {
		return "", fmt.Errorf("pty.start: %s", startResp.Error.Message)
	}
	return conversationID, nil
}

// defaultLaunchArgs splits HARNESS_AGENT_LAUNCH_CMD (a single shell-style
// command string) into argv, falling back to a plain shell when unset.
func defaultLaunchArgs() []string {
	if cmd := os.Getenv("HARNESS_AGENT_LAUNCH_CMD"); cmd != "" {
		if argv, err := shlex.Split(cmd); err == nil && len(argv) > 0 {
			return argv
		}
	}
	return []string{"bash"}
}

func (o *Orchestrator) attachAndSubscribe(sessionID string, cols, rows int) error {
	o.mu.Lock()
	if o.attached[sessionID] {
		o.mu.Unlock()
		return nil
	}
	o.oracles[sessionID] = oracle.New(cols, rows)
	o.attached[sessionID] = true
	o.mu.Unlock()

	if resp := o.client.Send(&wire.PTYSubscribeEvents{SessionID: sessionID}); !resp.OK {
		return fmt.Errorf("pty.subscribe-events: %s", resp.Error.Message)
	}
	attachResp := o.client.Send(&wire.PTYAttach{SessionID: sessionID})
	if !attachResp.OK {
		return fmt.Errorf("pty.attach: %s", attachResp.Error.Message)
	}
	o.client.Send(&wire.PTYResize{SessionID: sessionID, Cols: cols, Rows: rows})
	return nil
}

// railRow mirrors the control plane's session.list response row.
type railRow struct {
	SessionID string                    `json:"sessionId"`
	Status    statusreducer.StatusModel `json:"status"`
	StartedAt time.Time                 `json:"startedAt"`
}

// refreshRail re-queries session.list (the liveness authority) and rebuilds
// the rail model; called at startup and after every pty.event/pty.exit push.
func (o *Orchestrator) refreshRail() {
	resp := o.client.Send(&wire.SessionList{Sort: "attention-first"})
	if !resp.OK {
		return
	}
	var rows []railRow
	decodeField(resp, "sessions", &rows)

	entries := make([]render.RailEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, render.RailEntry{
			SessionID:  row.SessionID,
			Title:      row.Status.DetailText,
			Glyph:      row.Status.Glyph,
			Badge:      row.Status.Badge,
			DetailText: row.Status.DetailText,
			StartedAt:  row.StartedAt,
			Attention:  row.Status.Phase == statusreducer.PhaseNeedsAction,
		})
	}

	o.mu.Lock()
	o.rail = entries
	o.mu.Unlock()
}

// activateSession switches the right pane to sessionID: attach on first
// activation, then an immediate PTY resize flush; activation switches never
// wait out the resize coalescing window.
func (o *Orchestrator) activateSession(sessionID string) {
	o.mu.Lock()
	if sessionID == "" || sessionID == o.activeSessionID {
		o.mu.Unlock()
		return
	}
	o.activeSessionID = sessionID
	layout := o.layout
	o.mu.Unlock()

	if err := o.attachAndSubscribe(sessionID, layout.PaneCols, layout.PaneRows); err != nil {
		return
	}
	o.client.Send(&wire.PTYResize{SessionID: sessionID, Cols: layout.PaneCols, Rows: layout.PaneRows})
	o.renderer.Reset()
}

// cycleSession moves the active session forward or backward through the
// current rail order.
func (o *Orchestrator) cycleSession(delta int) {
	o.mu.Lock()
	rail := o.rail
	activeID := o.activeSessionID
	o.mu.Unlock()
	if len(rail) < 2 {
		return
	}
	idx := 0
	for i, e := range rail {
		if e.SessionID == activeID {
			idx = i
			break
		}
	}
	next := (idx + delta + len(rail)) % len(rail)
	o.activateSession(rail[next].SessionID)
}

// newConversation creates a fresh conversation in the invocation directory,
// starts its PTY with the same launch command, and activates it.
func (o *Orchestrator) newConversation() {
	o.mu.Lock()
	directoryID := o.directoryID
	layout := o.layout
	o.mu.Unlock()

	agentType := o.opts.AgentType
	if agentType == "" {
		agentType = "generic"
	}
	createResp := o.client.Send(&wire.ConversationCreate{
		DirectoryID: directoryID, AgentType: agentType,
	})
	if !createResp.OK {
		return
	}
	var conversationID string
	decodeField(createResp, "conversationId", &conversationID)

	launch := o.opts.LaunchArgs
	if len(launch) == 0 {
		launch = defaultLaunchArgs()
	}
	startResp := o.client.Send(&wire.PTYStart{
		SessionID: conversationID, Args: launch, Cwd: o.opts.Cwd,
		Env:         map[string]string{"HARNESS_CONVERSATION_ID": conversationID},
		InitialCols: layout.PaneCols, InitialRows: layout.PaneRows, Scope: o.opts.Scope,
	})
	if !startResp.OK {
		return
	}
	o.refreshRail()
	o.activateSession(conversationID)
}

// eventLoop is the single cooperative loop: stdin bytes, server pushes, and
// terminal resizes, each marking the frame dirty and repainting through the
// coalesced renderer.
func (o *Orchestrator) eventLoop() error {
	stdinCh := make(chan []byte, 64)
	go o.readStdin(stdinCh)

	resizeCh := make(chan os.Signal, 1)
	signal.Notify(resizeCh, syscall.SIGWINCH)
	defer signal.Stop(resizeCh)

	o.paint()

	for {
		select {
		case chunk, ok := <-stdinCh:
			if !ok {
				return nil
			}
			if quit := o.handleStdin(chunk); quit {
				return nil
			}
			o.paint()

		case env, ok := <-o.client.Pushes():
			if !ok {
				return nil
			}
			o.handlePush(env)
			o.paint()

		case <-resizeCh:
			o.handleResize()
		}
	}
}

func (o *Orchestrator) readStdin(out chan<- []byte) {
	defer close(out)
	buf := make([]byte, 4096)
	for {
		n, err := o.in.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out <- chunk
		}
		if err != nil {
			return
		}
	}
}

// handleStdin routes raw input through the Input Router: global shortcuts
// first, then mouse/passthrough. Returns true if the app should quit.
func (o *Orchestrator) handleStdin(chunk []byte) bool {
	tokens := o.router.Feed(chunk)
	o.mu.Lock()
	activeID := o.activeSessionID
	layout := o.layout
	o.mu.Unlock()

	for _, tok := range tokens {
		switch tok.Kind {
		case inputrouter.TokenPassthrough:
			if len(tok.Text) == 1 {
				switch o.router.DetectShortcut(tok.Text[0]) {
				case inputrouter.ShortcutQuit:
					o.terminateAllSessions()
					return true
				case inputrouter.ShortcutInterruptAll:
					o.mu.Lock()
					rail := o.rail
					o.mu.Unlock()
					for _, e := range rail {
						o.client.Send(&wire.SessionInterrupt{SessionID: e.SessionID})
					}
					continue
				case inputrouter.ShortcutArchiveCurrent:
					o.client.Send(&wire.ConversationArchive{ConversationID: activeID})
					continue
				case inputrouter.ShortcutDeleteCurrent:
					o.client.Send(&wire.ConversationDelete{ConversationID: activeID})
					o.refreshRail()
					o.mu.Lock()
					rail := o.rail
					o.mu.Unlock()
					if len(rail) > 0 {
						o.activateSession(rail[0].SessionID)
					}
					continue
				case inputrouter.ShortcutNewConversation:
					o.newConversation()
					continue
				case inputrouter.ShortcutNextConversation:
					o.cycleSession(1)
					continue
				case inputrouter.ShortcutPrevConversation:
					o.cycleSession(-1)
					continue
				}
			}
			o.router.RoutePassthrough(tok.Text, func(text string) {
				o.client.Send(&wire.PTYInput{SessionID: activeID, ChunkBase64: base64.StdEncoding.EncodeToString([]byte(text))})
			})
		case inputrouter.TokenMouse:
			o.router.HandleMouse(tok.Mouse, layout,
				func(row int) {
					o.mu.Lock()
					visible := o.railVisible
					o.mu.Unlock()
					if row >= 1 && row <= len(visible) {
						o.activateSession(visible[row-1].SessionID)
					}
				},
				func(delta int) {
					o.mu.Lock()
					if oc, ok := o.oracles[activeID]; ok {
						oc.ScrollViewport(delta)
					}
					o.mu.Unlock()
				},
				func(delta int) {},
			)
			if tok.Mouse.Code == inputrouter.MouseLeftRelease {
				o.mu.Lock()
				oc := o.oracles[activeID]
				sel := o.router.Selection()
				o.mu.Unlock()
				if oc != nil {
					frame := oc.Snapshot()
					inputrouter.CopySelection(o.out, &frame, sel)
				}
			}
		}
	}
	return false
}

func (o *Orchestrator) handlePush(env wire.PushEnvelope) {
	switch env.Type {
	case wire.PushTypePTYOutput:
		chunk, err := base64.StdEncoding.DecodeString(env.ChunkBase64)
		if err != nil {
			return
		}
		o.mu.Lock()
		if oc, ok := o.oracles[env.SessionID]; ok {
			oc.Ingest(chunk)
		}
		active := env.SessionID == o.activeSessionID
		o.mu.Unlock()
		if active {
			o.opts.Perf.Mark("startup.active-first-output")
			o.scheduleSettleMark()
		}
	case wire.PushTypePTYExit, wire.PushTypePTYEvent:
		o.refreshRail()
	}
}

// scheduleSettleMark re-arms the quiescence timer on every active-session
// output chunk; when the session stays quiet for the settle window after its
// first output, the one-shot settled span fires.
func (o *Orchestrator) scheduleSettleMark() {
	if o.opts.Perf == nil || o.opts.Perf.Marked("startup.active-settled") {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.settleTimer != nil {
		o.settleTimer.Stop()
	}
	o.settleTimer = time.AfterFunc(500*time.Millisecond, func() {
		o.opts.Perf.Mark("startup.active-settled")
	})
}

func (o *Orchestrator) handleResize() {
	cols, rows, err := term.GetSize(int(o.out.Fd()))
	if err != nil {
		return
	}
	o.mu.Lock()
	o.layout = render.ComputeDualPaneLayout(cols, rows)
	activeID := o.activeSessionID
	if oc, ok := o.oracles[activeID]; ok {
		oc.Resize(o.layout.PaneCols, o.layout.PaneRows)
	}
	o.mu.Unlock()

	o.renderer.ScheduleResize(func() {
		o.client.Send(&wire.PTYResize{SessionID: activeID, Cols: o.layout.PaneCols, Rows: o.layout.PaneRows})
		o.renderer.Reset()
		o.paint()
	})
}

func (o *Orchestrator) paint() {
	o.mu.Lock()
	layout := o.layout
	activeID := o.activeSessionID
	oc := o.oracles[activeID]
	o.mu.Unlock()

	var frame *oracle.Frame
	if oc != nil {
		f := oc.Snapshot()
		frame = &f
	}

	statusResp := o.client.Send(&wire.SessionStatus{SessionID: activeID})
	detail := activeID
	if statusResp.OK {
		var model statusreducer.StatusModel
		decodeField(statusResp, "status", &model)
		detail = fmt.Sprintf("%s %s - %s", model.Glyph, activeID, model.DetailText)
	}

	mode := "pty=scroll(0/0)"
	if frame != nil {
		if frame.Viewport.FollowOutput {
			mode = "pty=live"
		} else {
			mode = fmt.Sprintf("pty=scroll(%d/%d)", frame.Viewport.Top, frame.Viewport.TotalRows)
		}
	}

	sel := o.router.Selection()
	selState := "sel=none"
	if sel.Active {
		selState = fmt.Sprintf("sel=%d,%d-%d,%d", sel.StartRow, sel.StartCol, sel.EndRow, sel.EndCol)
	}

	hints := "^T new  ^J/^K switch  ^] archive  ^D delete  ^X interrupt  ^C quit"
	statusLine := strings.Join([]string{detail, mode, selState, hints}, " | ")

	o.mu.Lock()
	rail := o.rail
	if rail == nil {
		rail = []render.RailEntry{{SessionID: activeID, Title: activeID, Active: true}}
	}
	visible := render.EnsureActiveVisible(rail, activeID, layout.PaneRows)
	o.railVisible = visible
	o.mu.Unlock()

	o.renderer.Paint(layout, visible, activeID, frame, statusLine, render.Selection{
		Active:   sel.Active,
		StartRow: sel.StartRow,
		StartCol: sel.StartCol,
		EndRow:   sel.EndRow,
		EndCol:   sel.EndCol,
	})
	if o.opts.Perf.Marked("startup.active-first-output") {
		o.opts.Perf.Mark("startup.active-first-visible-paint")
	}
}

// enterRawMode puts stdin in raw mode and enables SGR mouse reporting,
// returning a restore func that undoes both plus the mux's own modes.
func (o *Orchestrator) enterRawMode() (func(), error) {
	fd := int(o.in.Fd())
	prev, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	io.WriteString(o.out, "\033[?1000h\033[?1006h\033[?2004h")
	return func() {
		io.WriteString(o.out, "\033[?1000l\033[?1006l\033[?2004l\033[?25h\033[0m\r\n")
		term.Restore(fd, prev)
	}, nil
}

// terminateAllSessions sends a best-effort interrupt-then-close to every
// live session before app quit.
func (o *Orchestrator) terminateAllSessions() {
	o.mu.Lock()
	rail := o.rail
	o.mu.Unlock()
	for _, e := range rail {
		o.client.Send(&wire.SessionInterrupt{SessionID: e.SessionID})
		o.client.Send(&wire.PTYClose{SessionID: e.SessionID})
	}
}

// teardown detaches every attached session, closes the control-plane
// client, and restores the terminal, all best-effort.
func (o *Orchestrator) teardown() {
	o.mu.Lock()
	sessionIDs := make([]string, 0, len(o.oracles))
	for id := range o.oracles {
		sessionIDs = append(sessionIDs, id)
	}
	o.mu.Unlock()

	for _, id := range sessionIDs {
		o.client.Send(&wire.PTYDetach{SessionID: id})
		o.client.Send(&wire.PTYUnsubscribeEvents{SessionID: id})
	}
	o.client.Close()
	if o.restoreTerm != nil {
		o.restoreTerm()
	}
}

// decodeField pulls key out of resp.Fields into out via a JSON round-trip,
// which works uniformly whether Fields holds already-typed Go values (the
// embedded client, same-process) or generic map[string]any values (the
// remote client, decoded off the wire).
func decodeField(resp wire.Response, key string, out any) {
	v, ok := resp.Fields[key]
	if !ok {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = json.Unmarshal(b, out)
}
