package oracle

import "testing"

func TestIngestAndSnapshot(t *testing.T) {
	o := New(20, 5)
	o.Ingest([]byte("hello\r\n"))
	frame := o.Snapshot()
	if frame.Rows != 5 || frame.Cols != 20 {
		t.Fatalf("unexpected frame dims: %+v", frame)
	}
	if frame.Viewport.TotalRows < frame.Rows {
		t.Fatalf("totalRows %d should be >= rows %d", frame.Viewport.TotalRows, frame.Rows)
	}
}

func TestScrollViewportClamps(t *testing.T) {
	o := New(10, 3)
	for i := 0; i < 20; i++ {
		o.Ingest([]byte("line\r\n"))
	}
	o.ScrollViewport(-1000)
	f := o.Snapshot()
	if f.Viewport.Top != 0 {
		t.Fatalf("expected clamp to 0, got %d", f.Viewport.Top)
	}
	o.ScrollViewport(1000)
	f = o.Snapshot()
	max := f.Viewport.TotalRows - f.Rows
	if max < 0 {
		max = 0
	}
	if f.Viewport.Top != max {
		t.Fatalf("expected clamp to %d, got %d", max, f.Viewport.Top)
	}
	if !f.Viewport.FollowOutput {
		t.Fatalf("expected followOutput true once scrolled back to tail")
	}
}

func TestMalformedEscapeDoesNotPanic(t *testing.T) {
	o := New(20, 5)
	o.Ingest([]byte("\x1b[999;;;zzz garbage \x1b["))
	_ = o.Snapshot()
}

func TestMeasureDisplayWidth(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"abc", 3},
		{"漢字", 4},
		{"é", 1}, // combining accent attaches to the prior glyph
		{"", 0},
	}
	for _, c := range cases {
		if got := MeasureDisplayWidth(c.in); got != c.want {
			t.Errorf("MeasureDisplayWidth(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestScanModesTracksCursorStyleAndAltScreen(t *testing.T) {
	o := New(20, 5)
	o.Ingest([]byte("\x1b[5 q")) // blinking bar
	f := o.Snapshot()
	if f.Cursor.Style != CursorBar || !f.Cursor.Blinking {
		t.Fatalf("expected blinking bar cursor, got %+v", f.Cursor)
	}

	o.Ingest([]byte("\x1b[2 q")) // steady block
	f = o.Snapshot()
	if f.Cursor.Style != CursorBlock || f.Cursor.Blinking {
		t.Fatalf("expected steady block cursor, got %+v", f.Cursor)
	}

	o.Ingest([]byte("\x1b[?1049h"))
	if f = o.Snapshot(); f.ActiveScreen != "alternate" {
		t.Fatalf("expected alternate screen after 1049h, got %q", f.ActiveScreen)
	}
	o.Ingest([]byte("\x1b[?1049l"))
	if f = o.Snapshot(); f.ActiveScreen != "primary" {
		t.Fatalf("expected primary screen after 1049l, got %q", f.ActiveScreen)
	}
}

func TestBracketedPasteAndMouseModeTracking(t *testing.T) {
	o := New(20, 5)
	o.Ingest([]byte("\x1b[?2004h\x1b[?1006h\x1b[?1002h"))
	f := o.Snapshot()
	if !f.Modes.BracketedPaste || !f.Modes.SGRMouse || f.Modes.DECMouseVariant != "1002" {
		t.Fatalf("unexpected modes: %+v", f.Modes)
	}
	o.Ingest([]byte("\x1b[?1002l"))
	if f = o.Snapshot(); f.Modes.DECMouseVariant != "" {
		t.Fatalf("expected mouse variant cleared, got %q", f.Modes.DECMouseVariant)
	}
}
