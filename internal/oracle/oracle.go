// Package oracle turns a raw PTY byte stream into a terminal grid,
// scrollback, cursor, and mode state, and exposes immutable Frame
// snapshots for the renderer. It wraps github.com/vito/midterm for
// grid/SGR emulation and layers scrollback capture, viewport scrolling,
// and VT mode tracking on top.
package oracle

import (
	"sync"

	"github.com/rivo/uniseg"
	"github.com/vito/midterm"
)

// CursorStyle mirrors DECSCUSR cursor shapes.
type CursorStyle int

const (
	CursorBlock CursorStyle = iota
	CursorUnderline
	CursorBar
)

// Cursor describes the emulated cursor.
type Cursor struct {
	Row, Col int
	Visible  bool
	Style    CursorStyle
	Blinking bool
}

// Modes tracks the VT modes the renderer and input router need to know
// about: bracketed paste, SGR mouse reporting, focus tracking, and which
// DEC mouse protocol variant (if any) is active.
type Modes struct {
	BracketedPaste bool
	SGRMouse       bool
	FocusTracking  bool
	DECMouseVariant string // "", "1000", "1002", "1003"
}

// Viewport describes the scroll position into the combined
// scrollback+screen buffer.
type Viewport struct {
	Top          int
	TotalRows    int
	FollowOutput bool
}

// Cell is one glyph cell; Continued marks the second column of a
// double-width glyph so overlay rendering never double-paints it.
type Cell struct {
	Glyph     string
	Continued bool
}

// Frame is an immutable snapshot of oracle state at a point in time.
type Frame struct {
	Rows, Cols   int
	ActiveScreen string // "primary" | "alternate"
	Modes        Modes
	Cursor       Cursor
	Viewport     Viewport
	Lines        []string
	RichLines    [][]Cell
}

// Oracle owns a midterm.Terminal for the live screen plus an append-only
// scrollback terminal, so resize reflow never loses history.
type Oracle struct {
	mu sync.Mutex

	rows, cols int
	vt         *midterm.Terminal
	scrollback *midterm.Terminal

	scrollHistory    []string
	scrollHistoryMax int

	viewTop      int
	followOutput bool

	modes         Modes
	cursorVisible bool
	cursorStyle   CursorStyle
	cursorBlink   bool
	altScreen     bool
}

// New creates an Oracle sized cols x rows with scrollback capture wired up.
func New(cols, rows int) *Oracle {
	o := &Oracle{
		rows:             rows,
		cols:             cols,
		vt:               midterm.NewTerminal(rows, cols),
		scrollback:       midterm.NewTerminal(rows, cols),
		scrollHistoryMax: 50000,
		followOutput:     true,
		cursorVisible:    true,
		cursorBlink:      true,
	}
	o.scrollback.AutoResizeY = true
	o.scrollback.AppendOnly = true
	o.vt.OnScrollback(func(line midterm.Line) {
		o.scrollHistory = append(o.scrollHistory, line.Display()+"\033[0m")
		if len(o.scrollHistory) > o.scrollHistoryMax {
			trim := len(o.scrollHistory) - o.scrollHistoryMax
			o.scrollHistory = o.scrollHistory[trim:]
		}
	})
	return o
}

// Ingest is a pure append: it writes bytes into both the live terminal and
// the append-only scrollback mirror, and refreshes best-effort mode state.
// Malformed escape sequences never panic; midterm recovers internally and
// any remainder degrades to literal rendering.
func (o *Oracle) Ingest(b []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.vt.Write(b)
	o.scrollback.Write(b)
	o.scanModes(b)
}

// Resize reflows the terminal to the new size without losing content.
func (o *Oracle) Resize(cols, rows int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rows, o.cols = rows, cols
	o.vt.Resize(rows, cols)
	o.scrollback.ResizeX(cols)
}

// ScrollViewport moves the viewport top by delta lines, clamped to
// [0, totalRows-rows]. Scrolling away from the tail clears followOutput;
// scrolling back to the tail re-pins it, as does View when the tail is
// already visible.
func (o *Oracle) ScrollViewport(delta int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	total := o.totalRowsLocked()
	o.viewTop += delta
	if o.viewTop < 0 {
		o.viewTop = 0
	}
	max := total - o.rows
	if max < 0 {
		max = 0
	}
	if o.viewTop > max {
		o.viewTop = max
	}
	o.followOutput = o.viewTop >= max
}

// View pins the viewport to the tail if the tail is already visible,
// otherwise leaves scroll position untouched (honoring the user's
// decision to have scrolled away).
func (o *Oracle) View() {
	o.mu.Lock()
	defer o.mu.Unlock()
	total := o.totalRowsLocked()
	max := total - o.rows
	if max < 0 {
		max = 0
	}
	if o.viewTop >= max {
		o.viewTop = max
		o.followOutput = true
	}
}

func (o *Oracle) totalRowsLocked() int {
	return len(o.scrollHistory) + len(o.vt.Content)
}

// Snapshot returns the current immutable Frame.
func (o *Oracle) Snapshot() Frame {
	o.mu.Lock()
	defer o.mu.Unlock()

	total := o.totalRowsLocked()
	max := total - o.rows
	if max < 0 {
		max = 0
	}
	top := o.viewTop
	if top > max {
		top = max
	}

	lines := make([]string, 0, o.rows)
	rich := make([][]Cell, 0, o.rows)
	for i := 0; i < o.rows; i++ {
		row := top + i
		if row < len(o.scrollHistory) {
			lines = append(lines, o.scrollHistory[row])
			rich = append(rich, nil)
			continue
		}
		vtRow := row - len(o.scrollHistory)
		if vtRow >= 0 && vtRow < len(o.vt.Content) {
			line := midterm.Line{Content: o.vt.Content[vtRow], Format: o.vt.Format.RowFormats(vtRow)}
			lines = append(lines, line.Display())
			rich = append(rich, richCellsFromLine(line))
		} else {
			lines = append(lines, "")
			rich = append(rich, nil)
		}
	}

	activeScreen := "primary"
	if o.altScreen {
		activeScreen = "alternate"
	}
	return Frame{
		Rows:         o.rows,
		Cols:         o.cols,
		ActiveScreen: activeScreen,
		Modes:        o.modes,
		Cursor: Cursor{
			Row:      o.vt.Cursor.Y,
			Col:      o.vt.Cursor.X,
			Visible:  o.cursorVisible,
			Style:    o.cursorStyle,
			Blinking: o.cursorBlink,
		},
		Viewport: Viewport{
			Top:          top,
			TotalRows:    total,
			FollowOutput: o.followOutput,
		},
		Lines:     lines,
		RichLines: rich,
	}
}

// BufferTail returns the last N logical lines of the scrollback history
// followed by the live screen, as plain text (every line when tailLines
// <= 0). It is the only source of session.snapshot's bufferTail; there is
// no separate fallback path.
func (o *Oracle) BufferTail(tailLines int) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	all := make([]string, 0, len(o.scrollHistory)+len(o.vt.Content))
	for _, l := range o.scrollHistory {
		all = append(all, stripANSI(l))
	}
	for row, content := range o.vt.Content {
		line := midterm.Line{Content: content, Format: o.vt.Format.RowFormats(row)}
		all = append(all, line.Display())
	}
	if tailLines <= 0 || tailLines >= len(all) {
		return all
	}
	return all[len(all)-tailLines:]
}

// MeasureDisplayWidth returns the number of terminal columns s occupies
// under East-Asian width rules: narrow runes take one column, wide runes
// two, and zero-width combining marks attach to the prior glyph.
func MeasureDisplayWidth(s string) int {
	return uniseg.StringWidth(s)
}

func richCellsFromLine(line midterm.Line) []Cell {
	cells := make([]Cell, 0, len(line.Content))
	for _, r := range line.Content {
		g := string(r)
		cells = append(cells, Cell{Glyph: g, Continued: false})
		if MeasureDisplayWidth(g) == 2 {
			cells = append(cells, Cell{Glyph: "", Continued: true})
		}
	}
	return cells
}

func stripANSI(s string) string {
	out := make([]byte, 0, len(s))
	state := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch state {
		case 0:
			if c == 0x1b {
				state = 1
			} else {
				out = append(out, c)
			}
		case 1:
			if c == '[' {
				state = 2
			} else {
				state = 0
			}
		case 2:
			if c >= 0x40 && c <= 0x7e {
				state = 0
			}
		}
	}
	return string(out)
}

// scanModes is a small best-effort scanner over raw bytes that tracks the
// handful of DEC private modes the renderer and input router care about,
// plus DECSCUSR cursor-style changes and alternate-screen switches.
// It never errors; unrecognized sequences are ignored in place, the same
// tolerant-parser stance the oracle takes everywhere else.
func (o *Oracle) scanModes(b []byte) {
	for i := 0; i+2 < len(b); i++ {
		if b[i] != 0x1b || b[i+1] != '[' {
			continue
		}
		if b[i+2] != '?' {
			o.scanDECSCUSR(b, i+2)
			continue
		}
		j := i + 3
		start := j
		for j < len(b) && b[j] >= '0' && b[j] <= '9' {
			j++
		}
		if j >= len(b) || start == j {
			continue
		}
		code := string(b[start:j])
		final := b[j]
		set := final == 'h'
		clear := final == 'l'
		if !set && !clear {
			continue
		}
		switch code {
		case "25":
			o.cursorVisible = set
		case "2004":
			o.modes.BracketedPaste = set
		case "1006", "1015":
			o.modes.SGRMouse = set
		case "1004":
			o.modes.FocusTracking = set
		case "1000", "1002", "1003":
			if set {
				o.modes.DECMouseVariant = code
			} else if o.modes.DECMouseVariant == code {
				o.modes.DECMouseVariant = ""
			}
		case "47", "1047", "1049":
			o.altScreen = set
		}
	}
}

// scanDECSCUSR decodes an ESC [ Ps SP q cursor-style sequence starting at
// b[start] (the byte after "ESC["). Styles 1/2 are block, 3/4 underline,
// 5/6 bar; odd parameters blink, and 0 resets to a blinking block.
func (o *Oracle) scanDECSCUSR(b []byte, start int) {
	j := start
	for j < len(b) && b[j] >= '0' && b[j] <= '9' {
		j++
	}
	if j+1 >= len(b) || b[j] != ' ' || b[j+1] != 'q' {
		return
	}
	n := 0
	for _, c := range b[start:j] {
		n = n*10 + int(c-'0')
	}
	switch n {
	case 0, 1, 2:
		o.cursorStyle = CursorBlock
	case 3, 4:
		o.cursorStyle = CursorUnderline
	case 5, 6:
		o.cursorStyle = CursorBar
	default:
		return
	}
	o.cursorBlink = n == 0 || n%2 == 1
}
