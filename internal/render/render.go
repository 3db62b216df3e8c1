// Package render draws the dual-pane frame: a rail of sessions on the
// left, the active session's terminal frame on the right, and a status
// row, redrawn as a row-level diff rather than a full repaint.
package render

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"harness-mux/internal/oracle"
)

// Layout is the computed geometry of a dual-pane frame.
type Layout struct {
	Cols, Rows int
	RailCols   int
	PaneCol    int // first column (1-based) of the right pane
	PaneCols   int
	PaneRows   int // excludes the status row
	StatusRow  int // 1-based row
}

const minRailCols = 20
const maxRailFraction = 0.3

// ComputeDualPaneLayout sizes the rail as a fraction of total width (capped
// by minRailCols/maxRailFraction) and reserves the last row for status. An
// optional leftCols requests a specific rail width instead; both it and the
// fraction-derived default are clamped to [min(1, cols-2), cols-2] so the
// right pane keeps at least one column.
func ComputeDualPaneLayout(cols, rows int, leftCols ...int) Layout {
	lo := 1
	if cols-2 < lo {
		lo = cols - 2
	}
	hi := cols - 2

	var railCols int
	if len(leftCols) > 0 && leftCols[0] > 0 {
		railCols = leftCols[0]
	} else {
		railCols = int(float64(cols) * maxRailFraction)
		if railCols < minRailCols {
			railCols = minRailCols
		}
	}
	if railCols < lo {
		railCols = lo
	}
	if railCols > hi {
		railCols = hi
	}

	paneCols := cols - railCols - 1 // one column divider
	if paneCols < 1 {
		paneCols = 1
	}
	statusRow := rows
	paneRows := rows - 1
	if paneRows < 1 {
		paneRows = 1
	}
	return Layout{
		Cols: cols, Rows: rows,
		RailCols: railCols, PaneCol: railCols + 2, PaneCols: paneCols,
		PaneRows: paneRows, StatusRow: statusRow,
	}
}

// RailSort enumerates the rail ordering modes session.list also accepts.
type RailSort string

const (
	SortAttentionFirst RailSort = "attention-first"
	SortStartedAsc     RailSort = "started-asc"
	SortStartedDesc    RailSort = "started-desc"
)

// RailEntry is one row in the session rail.
type RailEntry struct {
	SessionID  string
	Title      string
	Glyph      string
	Badge      string
	DetailText string
	StartedAt  time.Time
	Attention  bool
	Active     bool
}

// SortRailEntries orders the rail the same way session.list orders its
// rows, so the rail's order never surprises a user who just queried
// session.list directly.
func SortRailEntries(entries []RailEntry, mode RailSort) {
	switch mode {
	case SortStartedDesc:
		sort.Slice(entries, func(i, j int) bool { return entries[i].StartedAt.After(entries[j].StartedAt) })
	case SortStartedAsc:
		sort.Slice(entries, func(i, j int) bool { return entries[i].StartedAt.Before(entries[j].StartedAt) })
	default: // SortAttentionFirst
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].Attention != entries[j].Attention {
				return entries[i].Attention
			}
			return entries[i].StartedAt.Before(entries[j].StartedAt)
		})
	}
}

// EnsureActiveVisible moves the active session to the front of the
// already-sorted window of entries that will fit in height rows: the active
// session must stay visible in the rail even when the sort order would
// otherwise scroll it past the window.
func EnsureActiveVisible(entries []RailEntry, activeSessionID string, height int) []RailEntry {
	if height <= 0 || len(entries) <= height {
		return entries
	}
	activeIdx := -1
	for i, e := range entries {
		if e.SessionID == activeSessionID {
			activeIdx = i
			break
		}
	}
	if activeIdx < 0 || activeIdx < height {
		return entries[:height]
	}
	window := make([]RailEntry, 0, height)
	window = append(window, entries[activeIdx])
	window = append(window, entries[:height-1]...)
	return window
}

// Frame is a fully-composed render: every screen row's content plus the
// terminal-mode state the diff only re-emits on a transition (cursor
// visibility, DECSCUSR cursor style, bracketed paste), ready to diff
// against the previously painted frame.
type Frame struct {
	Rows           []string
	CursorVisible  bool
	CursorDECSCUSR int // meaningful only when CursorVisible
	BracketedPaste bool
}

// decscusrCode maps an oracle cursor style/blink pair to its DECSCUSR
// parameter (\033[<n> q): 1/2 block, 3/4 underline, 5/6 bar, odd=blinking.
func decscusrCode(style oracle.CursorStyle, blinking bool) int {
	var base int
	switch style {
	case oracle.CursorUnderline:
		base = 3
	case oracle.CursorBar:
		base = 5
	default:
		base = 1
	}
	if !blinking {
		base++
	}
	return base
}

// Selection is the right-pane text-selection rectangle the renderer
// overlays on the active session's pane, in the same 1-based row/col
// coordinates as oracle.Frame.RichLines (row-1/col-1 indexing) that
// inputrouter.CopySelection already uses to extract the copied text. This
// mirrors inputrouter.Selection's fields without importing that package
// (which itself imports render); the orchestrator converts between the two.
type Selection struct {
	Active             bool
	StartRow, StartCol int
	EndRow, EndCol     int
}

func (s Selection) normalized() (r0, c0, r1, c1 int) {
	r0, c0, r1, c1 = s.StartRow, s.StartCol, s.EndRow, s.EndCol
	if r1 < r0 || (r1 == r0 && c1 < c0) {
		r0, c0, r1, c1 = r1, c1, r0, c0
	}
	return
}

// coversCell reports whether (row, col), both 1-based, falls inside the
// selection rectangle.
func (s Selection) coversCell(row, col int) bool {
	if !s.Active {
		return false
	}
	r0, c0, r1, c1 := s.normalized()
	if row < r0 || row > r1 {
		return false
	}
	if row == r0 && col < c0 {
		return false
	}
	if row == r1 && col > c1 {
		return false
	}
	return true
}

// Compose lays out the rail and the active pane's oracle.Frame into a full
// Frame of Layout.Rows lines. The active session is always kept visible in
// the rail regardless of sort order or scroll position. sel overlays a
// selection highlight, and the cursor is overlaid whenever the pane is
// following output and the frame reports it visible.
func Compose(layout Layout, rail []RailEntry, activeSessionID string, paneFrame *oracle.Frame, statusLine string, sel Selection) Frame {
	rows := make([]string, layout.Rows)
	rail = EnsureActiveVisible(rail, activeSessionID, layout.PaneRows)
	railLines := renderRail(rail, layout.RailCols, layout.PaneRows, activeSessionID)
	paneLines := renderPane(paneFrame, layout.PaneCols, layout.PaneRows, sel)

	for i := 0; i < layout.PaneRows; i++ {
		left := ""
		if i < len(railLines) {
			left = railLines[i]
		}
		right := ""
		if i < len(paneLines) {
			right = paneLines[i]
		}
		rows[i] = padTo(left, layout.RailCols) + " " + padTo(right, layout.PaneCols)
	}
	rows[layout.StatusRow-1] = padTo(statusLine, layout.Cols)

	f := Frame{Rows: rows}
	if paneFrame != nil {
		f.CursorVisible = paneFrame.Viewport.FollowOutput && paneFrame.Cursor.Visible
		f.CursorDECSCUSR = decscusrCode(paneFrame.Cursor.Style, paneFrame.Cursor.Blinking)
		f.BracketedPaste = paneFrame.Modes.BracketedPaste
	}
	return f
}

func padTo(s string, width int) string {
	if len([]rune(s)) >= width {
		r := []rune(s)
		return string(r[:width])
	}
	return s + strings.Repeat(" ", width-len([]rune(s)))
}

// renderRail draws one row per entry: active-marker, state glyph, a
// compact id, the title, and a trailing dead/attention suffix.
func renderRail(entries []RailEntry, width, height int, activeSessionID string) []string {
	lines := make([]string, 0, height)
	for _, e := range entries {
		marker := " "
		if e.SessionID == activeSessionID {
			marker = ">"
		}
		label := fmt.Sprintf("%s%s %s %s%s", marker, e.Glyph, compactID(e.SessionID), e.Title, railSuffix(e))
		lines = append(lines, label)
		if len(lines) >= height {
			break
		}
	}
	return lines
}

// compactID truncates a session id to a short display form, same
// convention as a git short hash.
func compactID(id string) string {
	const n = 8
	if len(id) <= n {
		return id
	}
	return id[:n]
}

// railSuffix renders the trailing rail annotation: a bracketed dead badge
// when the session has exited, else an attention marker when one is raised.
func railSuffix(e RailEntry) string {
	if e.Badge == "EXIT" {
		return " [dead]"
	}
	if e.Attention {
		return " [" + e.Badge + "]"
	}
	return ""
}

// renderPane renders the pane rows, overlaying the selection highlight and
// (when following output and the cursor is visible) the cursor cell on top
// of the plain rendered line.
func renderPane(frame *oracle.Frame, width, height int, sel Selection) []string {
	if frame == nil {
		return nil
	}
	showCursor := frame.Viewport.FollowOutput && frame.Cursor.Visible
	cursorRow, cursorCol := frame.Cursor.Row+1, frame.Cursor.Col+1

	lines := make([]string, 0, height)
	for i := 0; i < height && i < len(frame.Lines); i++ {
		row := i + 1
		cursorHere := showCursor && row == cursorRow
		if !sel.Active && !cursorHere {
			lines = append(lines, frame.Lines[i])
			continue
		}
		lines = append(lines, overlayRow(frame, i, row, sel, cursorHere, cursorCol))
	}
	return lines
}

// overlayRow rebuilds one pane row from its RichLines cells, wrapping the
// selected (or cursor) columns in reverse video (SGR 7). Rows the oracle
// can't decompose into cells (scrollback lines) fall back to the plain
// rendered line — there is nothing to overlay without per-cell data.
func overlayRow(frame *oracle.Frame, idx, row int, sel Selection, cursorHere bool, cursorCol int) string {
	if idx >= len(frame.RichLines) || frame.RichLines[idx] == nil {
		return frame.Lines[idx]
	}
	rich := frame.RichLines[idx]
	var b strings.Builder
	highlighted := false
	for i, cell := range rich {
		col := i + 1
		want := sel.coversCell(row, col) || (cursorHere && col == cursorCol)
		if want != highlighted {
			if want {
				b.WriteString("\033[7m")
			} else {
				b.WriteString("\033[0m")
			}
			highlighted = want
		}
		if !cell.Continued {
			b.WriteString(cell.Glyph)
		}
	}
	if highlighted {
		b.WriteString("\033[0m")
	}
	return b.String()
}

// DiffRenderedRows returns the indices of rows that differ between prev
// and next, the Renderer's write set for a repaint — a session whose
// output hasn't changed since the last frame costs nothing to redraw.
func DiffRenderedRows(prev, next Frame) []int {
	var changed []int
	max := len(next.Rows)
	for i := 0; i < max; i++ {
		var prevRow string
		if i < len(prev.Rows) {
			prevRow = prev.Rows[i]
		}
		if prevRow != next.Rows[i] {
			changed = append(changed, i)
		}
	}
	return changed
}

// WriteDiff emits cursor-addressed writes (\033[<row>;1H\033[2K per line)
// for exactly the changed rows of next. Cursor visibility, DECSCUSR cursor
// style, and bracketed paste are mode state, not row content — they are
// only re-emitted when they transition from prev, never on every diff.
func WriteDiff(buf *bytes.Buffer, prev, next Frame) {
	changed := DiffRenderedRows(prev, next)
	modeChanged := prev.CursorVisible != next.CursorVisible ||
		(next.CursorVisible && prev.CursorDECSCUSR != next.CursorDECSCUSR) ||
		prev.BracketedPaste != next.BracketedPaste
	if len(changed) == 0 && !modeChanged {
		return
	}

	if prev.CursorVisible != next.CursorVisible {
		if next.CursorVisible {
			buf.WriteString("\033[?25h")
		} else {
			buf.WriteString("\033[?25l")
		}
	}
	if next.CursorVisible && prev.CursorDECSCUSR != next.CursorDECSCUSR {
		fmt.Fprintf(buf, "\033[%d q", next.CursorDECSCUSR)
	}
	if prev.BracketedPaste != next.BracketedPaste {
		if next.BracketedPaste {
			buf.WriteString("\033[?2004h")
		} else {
			buf.WriteString("\033[?2004l")
		}
	}

	for _, row := range changed {
		fmt.Fprintf(buf, "\033[%d;1H\033[2K", row+1)
		buf.WriteString(next.Rows[row])
	}
}
