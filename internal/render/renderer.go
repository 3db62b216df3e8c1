package render

import (
	"bytes"
	"io"
	"sync"
	"time"

	"harness-mux/internal/config"
	"harness-mux/internal/oracle"
)

// Renderer owns the previously-painted Frame and the resize-coalescing
// timer, and writes diffed repaints to an io.Writer (the terminal's
// stdout). Resize events coalesce behind a timer so a drag-resize doesn't
// thrash the PTY and the pane with one resize per pixel.
type Renderer struct {
	mu       sync.Mutex
	out      io.Writer
	last     Frame
	cfg      config.RenderConfig
	resizeAt time.Time
	timer    *time.Timer
	pending  func()
}

// New creates a Renderer writing diffed frames to out.
func New(out io.Writer, cfg config.RenderConfig) *Renderer {
	return &Renderer{out: out, cfg: cfg}
}

// Paint composes a new frame and writes only the rows that changed since
// the last Paint.
func (r *Renderer) Paint(layout Layout, rail []RailEntry, activeSessionID string, paneFrame *oracle.Frame, statusLine string, sel Selection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := Compose(layout, rail, activeSessionID, paneFrame, statusLine, sel)
	var buf bytes.Buffer
	WriteDiff(&buf, r.last, next)
	r.last = next
	if buf.Len() == 0 {
		return nil
	}
	_, err := r.out.Write(buf.Bytes())
	return err
}

// ScheduleResize coalesces rapid resize events: once ResizeCoalesce has
// elapsed with no further calls, the Renderer waits an additional
// PTYSettleDelay and then invokes apply (the oracle/PTY resize).
func (r *Renderer) ScheduleResize(apply func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = apply
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.cfg.ResizeCoalesce(), r.fireResize)
}

func (r *Renderer) fireResize() {
	r.mu.Lock()
	apply := r.pending
	r.pending = nil
	r.mu.Unlock()
	if apply == nil {
		return
	}
	time.AfterFunc(r.cfg.PTYSettleDelay(), apply)
}

// Reset clears the last-painted frame, forcing the next Paint to redraw
// every row (used after a terminal resize or a full-screen clear).
func (r *Renderer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = Frame{}
}
