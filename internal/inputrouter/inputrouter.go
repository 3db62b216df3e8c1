// Package inputrouter parses raw stdin into passthrough and mouse tokens,
// classifies which pane a mouse event lands in, drives SGR-mouse text
// selection and OSC 52 clipboard copy, and recognizes the mux's global
// keyboard shortcuts before anything else gets a look at a byte. Partial
// ANSI sequences are held in a remainder buffer across reads.
package inputrouter

import (
	"fmt"

	"github.com/aymanbagabas/go-osc52/v2"

	"harness-mux/internal/oracle"
	"harness-mux/internal/render"
)

// TokenKind distinguishes the two token shapes the router ever emits.
type TokenKind int

const (
	TokenPassthrough TokenKind = iota
	TokenMouse
)

// MouseEventCode enumerates the SGR mouse button/motion codes the router
// recognizes.
type MouseEventCode int

const (
	MouseLeftPress MouseEventCode = iota
	MouseLeftRelease
	MouseMotion
	MouseWheelUp
	MouseWheelDown
	MouseOther
)

// MouseEvent is a decoded SGR mouse report.
type MouseEvent struct {
	Code  MouseEventCode
	Col   int // 1-based
	Row   int // 1-based
	Final byte // 'M' (press/motion) or 'm' (release)
	Alt   bool
	Motion bool
	Sequence string // the raw escape sequence, for passthrough-on-fallback
}

// Token is one parsed unit of input: exactly one of Text (passthrough) or
// Mouse is meaningful, selected by Kind.
type Token struct {
	Kind  TokenKind
	Text  string
	Mouse MouseEvent
}

// Pane is the result of classifying a screen coordinate against a layout.
type Pane int

const (
	PaneLeft Pane = iota
	PaneSeparator
	PaneRight
	PaneStatus
	PaneOutside
)

// ClassifyPaneAt returns which region of a dual-pane layout (col, row) —
// both 1-based — falls into.
func ClassifyPaneAt(layout render.Layout, col, row int) Pane {
	if col < 1 || row < 1 || col > layout.Cols || row > layout.Rows {
		return PaneOutside
	}
	if row == layout.StatusRow {
		return PaneStatus
	}
	if col <= layout.RailCols {
		return PaneLeft
	}
	if col == layout.RailCols+1 {
		return PaneSeparator
	}
	return PaneRight
}

// Shortcut is a global keyboard shortcut action, checked before any other
// routing.
type Shortcut int

const (
	ShortcutNone Shortcut = iota
	ShortcutNewConversation
	ShortcutNextConversation
	ShortcutPrevConversation
	ShortcutArchiveCurrent
	ShortcutDeleteCurrent
	ShortcutQuit
	ShortcutInterruptAll
)

// Bindings maps a single control byte (ctrl+<letter> arrives as byte value
// letter&0x1f) to a Shortcut. Config-level overrides replace individual
// entries.
type Bindings struct {
	NewConversation  byte
	NextConversation byte
	PrevConversation byte
	ArchiveCurrent   byte
	DeleteCurrent    byte
	Quit             byte
	InterruptAll     byte
}

// DefaultBindings returns the default shortcut set: ctrl+t new, ctrl+j/k
// next/previous, ctrl+] archive, ctrl+d delete, ctrl+x interrupt-all,
// ctrl+c quit.
func DefaultBindings() Bindings {
	return Bindings{
		NewConversation:  'T' & 0x1f,
		NextConversation: 'J' & 0x1f,
		PrevConversation: 'K' & 0x1f,
		ArchiveCurrent:   ']' & 0x1f,
		DeleteCurrent:    'D' & 0x1f,
		Quit:             3, // ctrl+c
		InterruptAll:     'X' & 0x1f,
	}
}

// Selection is an in-progress or finalized right-pane text selection,
// row/col inclusive, both 1-based screen coordinates.
type Selection struct {
	Active     bool
	StartRow   int
	StartCol   int
	EndRow     int
	EndCol     int
}

// Router owns the partial-sequence remainder buffer, the current selection
// drag, and the bindings/controller-state callbacks needed to decide
// whether passthrough text should reach the controlled session.
type Router struct {
	bindings  Bindings
	remainder []byte

	selection     Selection
	selecting     bool
	altDown       bool

	// IsController reports whether the local process currently controls the
	// active session; passthrough is dropped silently when false.
	IsController func() bool

	// CtrlCExits mirrors HARNESS_MUX_CTRL_C_EXITS: when false, ctrl+c is
	// forwarded as passthrough instead of being treated as quit.
	CtrlCExits bool
}

// New creates a Router with the default bindings.
func New() *Router {
	return &Router{bindings: DefaultBindings(), CtrlCExits: true}
}

// SetBindings overrides the shortcut bindings (config-driven).
func (r *Router) SetBindings(b Bindings) { r.bindings = b }

// Feed appends chunk to any held remainder and parses as many complete
// tokens as possible, returning them in order and retaining any trailing
// partial ANSI sequence in r.remainder for the next call. Malformed SGR
// mouse bodies fall back to passthrough of the raw bytes consumed so far.
func (r *Router) Feed(chunk []byte) []Token {
	buf := append(r.remainder, chunk...)
	r.remainder = nil

	var tokens []Token
	i := 0
	for i < len(buf) {
		b := buf[i]
		if b == 0x1b && i+1 < len(buf) && buf[i+1] == '[' && i+2 < len(buf) && buf[i+2] == '<' {
			ev, consumed, ok := parseSGRMouse(buf[i:])
			if ok {
				tokens = append(tokens, Token{Kind: TokenMouse, Mouse: ev})
				i += consumed
				continue
			}
			if consumed == 0 {
				// Incomplete: hold everything from here for next Feed.
				r.remainder = append([]byte(nil), buf[i:]...)
				return tokens
			}
			// Malformed body: fall back to passthrough of the raw bytes.
			tokens = append(tokens, Token{Kind: TokenPassthrough, Text: string(buf[i : i+consumed])})
			i += consumed
			continue
		}
		if b == 0x1b && i+1 >= len(buf) {
			// A lone trailing ESC: could be the start of a sequence.
			r.remainder = append([]byte(nil), buf[i:]...)
			return tokens
		}
		// Focus in/out: ESC[I / ESC[O, stripped from the stream entirely.
		if b == 0x1b && i+2 < len(buf) && buf[i+1] == '[' && (buf[i+2] == 'I' || buf[i+2] == 'O') {
			i += 3
			continue
		}
		tokens = append(tokens, Token{Kind: TokenPassthrough, Text: string(b)})
		i++
	}
	return tokens
}

// parseSGRMouse attempts to decode an SGR mouse report of the form
// ESC [ < Cb ; Cx ; Cy (M|m) starting at buf[0]=='\x1b'. Returns
// (event, bytesConsumed, ok). If the sequence looks incomplete (no final
// byte seen yet), consumed is 0 so the caller holds it as a remainder.
func parseSGRMouse(buf []byte) (MouseEvent, int, bool) {
	// buf[0]=ESC buf[1]='[' buf[2]='<'
	i := 3
	start := i
	for i < len(buf) && buf[i] != ';' {
		i++
	}
	if i >= len(buf) {
		return MouseEvent{}, 0, false
	}
	cbStr := string(buf[start:i])
	i++ // skip ';'
	start = i
	for i < len(buf) && buf[i] != ';' {
		i++
	}
	if i >= len(buf) {
		return MouseEvent{}, 0, false
	}
	colStr := string(buf[start:i])
	i++
	start = i
	for i < len(buf) && buf[i] != 'M' && buf[i] != 'm' {
		i++
	}
	if i >= len(buf) {
		return MouseEvent{}, 0, false
	}
	rowStr := string(buf[start:i])
	final := buf[i]
	consumed := i + 1

	cb, err1 := parseUint(cbStr)
	col, err2 := parseUint(colStr)
	row, err3 := parseUint(rowStr)
	if err1 != nil || err2 != nil || err3 != nil {
		return MouseEvent{}, consumed, false
	}

	ev := MouseEvent{Col: col, Row: row, Final: final, Sequence: string(buf[:consumed])}
	ev.Alt = cb&8 != 0
	ev.Motion = cb&32 != 0
	switch {
	case cb&0x40 != 0:
		if cb&1 != 0 {
			ev.Code = MouseWheelDown
		} else {
			ev.Code = MouseWheelUp
		}
	case cb&3 == 0 && final == 'M':
		if ev.Motion {
			ev.Code = MouseMotion
		} else {
			ev.Code = MouseLeftPress
		}
	case final == 'm':
		ev.Code = MouseLeftRelease
	default:
		ev.Code = MouseOther
	}
	return ev, consumed, true
}

func parseUint(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("not a digit: %q", s)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

// DetectShortcut checks a single passthrough byte against the bindings.
// Quit bound to ctrl+c additionally honors CtrlCExits: when disabled,
// ctrl+c is forwarded to the session instead of quitting.
func (r *Router) DetectShortcut(b byte) Shortcut {
	switch b {
	case r.bindings.NewConversation:
		return ShortcutNewConversation
	case r.bindings.NextConversation:
		return ShortcutNextConversation
	case r.bindings.PrevConversation:
		return ShortcutPrevConversation
	case r.bindings.ArchiveCurrent:
		return ShortcutArchiveCurrent
	case r.bindings.DeleteCurrent:
		return ShortcutDeleteCurrent
	case r.bindings.InterruptAll:
		return ShortcutInterruptAll
	case r.bindings.Quit:
		if b == 3 && !r.CtrlCExits {
			return ShortcutNone
		}
		return ShortcutQuit
	}
	return ShortcutNone
}

// RoutePassthrough forwards text to the controlled session only if this
// front-end is the controller; otherwise it is silently dropped. Any
// non-wheel input clears a pending selection first.
func (r *Router) RoutePassthrough(text string, write func(string)) {
	r.ClearSelectionIfPending()
	if r.IsController != nil && !r.IsController() {
		return
	}
	write(text)
}

// --- Mouse routing & selection ---

// HandleMouse routes a decoded mouse event against the given layout,
// updating selection state and invoking the rail/viewport callbacks. alt
// disables selection so keystrokes (and mouse) pass through to the session
// (for agents that handle their own mouse reporting).
func (r *Router) HandleMouse(ev MouseEvent, layout render.Layout, railSelect func(row int), scrollRight func(delta int), scrollLeftRail func(delta int)) {
	pane := ClassifyPaneAt(layout, ev.Col, ev.Row)

	if ev.Code == MouseWheelUp || ev.Code == MouseWheelDown {
		delta := 1
		if ev.Code == MouseWheelUp {
			delta = -1
		}
		switch pane {
		case PaneRight:
			scrollRight(delta)
		case PaneLeft:
			scrollLeftRail(delta)
		}
		return
	}

	if ev.Alt {
		r.altDown = true
		r.selecting = false
		r.selection = Selection{}
		return
	}
	r.altDown = false

	switch {
	case pane == PaneLeft && ev.Code == MouseLeftPress && !ev.Motion:
		railSelect(ev.Row)
	case pane == PaneRight && ev.Code == MouseLeftPress && !ev.Motion:
		r.selecting = true
		r.selection = Selection{Active: true, StartRow: ev.Row, StartCol: ev.Col, EndRow: ev.Row, EndCol: ev.Col}
	case pane == PaneRight && ev.Code == MouseMotion && r.selecting:
		r.selection.EndRow = ev.Row
		r.selection.EndCol = ev.Col
	case ev.Code == MouseLeftRelease && r.selecting:
		r.selecting = false
		r.selection.EndRow = ev.Row
		r.selection.EndCol = ev.Col
	}
}

// ClearSelectionIfPending drops any in-progress or finalized selection; the
// spec requires any non-wheel input to clear a pending selection first.
func (r *Router) ClearSelectionIfPending() {
	if r.selection.Active {
		r.selection = Selection{}
		r.selecting = false
	}
}

// Selection returns the current selection state (possibly inactive).
func (r *Router) Selection() Selection { return r.selection }

// CopySelection extracts the selected rectangle's text from frame's
// RichLines (per glyph/continued rules so wide glyphs aren't duplicated)
// and writes it to the terminal as a single OSC 52 sequence. No-op if there
// is no active selection.
func CopySelection(out writer, frame *oracle.Frame, sel Selection) error {
	if !sel.Active || frame == nil {
		return nil
	}
	top, bottom := sel.StartRow, sel.EndRow
	if top > bottom {
		top, bottom = bottom, top
	}
	var text []byte
	for row := top; row <= bottom && row-1 < len(frame.RichLines); row++ {
		cells := frame.RichLines[row-1]
		left, right := sel.StartCol, sel.EndCol
		if row == top {
			left = sel.StartCol
		} else {
			left = 1
		}
		if row == bottom {
			right = sel.EndCol
		} else {
			right = len(cells)
		}
		if left > right {
			left, right = right, left
		}
		for col := left; col <= right && col-1 < len(cells); col++ {
			c := cells[col-1]
			if c.Continued {
				continue
			}
			text = append(text, []byte(c.Glyph)...)
		}
		if row != bottom {
			text = append(text, '\n')
		}
	}
	seq := osc52.New(string(text))
	_, err := out.Write([]byte(seq.String()))
	return err
}

type writer interface {
	Write([]byte) (int, error)
}
