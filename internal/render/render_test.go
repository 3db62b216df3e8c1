package render

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"harness-mux/internal/oracle"
)

func TestComputeDualPaneLayoutReservesStatusRow(t *testing.T) {
	l := ComputeDualPaneLayout(100, 30)
	if l.StatusRow != 30 {
		t.Fatalf("expected status row at 30, got %d", l.StatusRow)
	}
	if l.PaneRows != 29 {
		t.Fatalf("expected 29 pane rows, got %d", l.PaneRows)
	}
	if l.RailCols < minRailCols {
		t.Fatalf("rail narrower than minimum: %d", l.RailCols)
	}
	if l.PaneCols+l.RailCols+1 != l.Cols {
		t.Fatalf("columns don't add up: rail=%d pane=%d cols=%d", l.RailCols, l.PaneCols, l.Cols)
	}
}

func TestComputeDualPaneLayoutNarrowTerminal(t *testing.T) {
	l := ComputeDualPaneLayout(40, 10)
	if l.PaneCols < 1 || l.RailCols < 1 {
		t.Fatalf("expected positive pane/rail widths, got rail=%d pane=%d", l.RailCols, l.PaneCols)
	}
}

func TestComputeDualPaneLayoutMinimumBoundary(t *testing.T) {
	l := ComputeDualPaneLayout(3, 2)
	if l.RailCols != 1 || l.PaneCols != 1 || l.PaneRows != 1 {
		t.Fatalf("expected leftCols=1 rightCols=1 paneRows=1, got %+v", l)
	}
}

func TestComputeDualPaneLayoutCustomLeftColsIsClamped(t *testing.T) {
	l := ComputeDualPaneLayout(100, 30, 40)
	if l.RailCols != 40 {
		t.Fatalf("expected requested leftCols honored, got %d", l.RailCols)
	}

	// Requests outside [min(1,cols-2), cols-2] are clamped to that range.
	l2 := ComputeDualPaneLayout(10, 30, 500)
	if l2.RailCols != 8 {
		t.Fatalf("expected leftCols clamped to cols-2=8, got %d", l2.RailCols)
	}

	// A non-positive request falls back to the fraction-derived default
	// rather than producing a zero-width rail.
	l3 := ComputeDualPaneLayout(10, 30, -5)
	if l3.RailCols <= 0 {
		t.Fatalf("expected non-positive leftCols to fall back to a positive default, got %d", l3.RailCols)
	}
}

func TestSortRailEntriesAttentionFirst(t *testing.T) {
	now := time.Unix(1000, 0)
	entries := []RailEntry{
		{SessionID: "a", StartedAt: now, Attention: false},
		{SessionID: "b", StartedAt: now.Add(-time.Minute), Attention: true},
		{SessionID: "c", StartedAt: now.Add(-2 * time.Minute), Attention: false},
	}
	SortRailEntries(entries, SortAttentionFirst)
	if entries[0].SessionID != "b" {
		t.Fatalf("expected attention session first, got %q", entries[0].SessionID)
	}
	if entries[1].SessionID != "c" || entries[2].SessionID != "a" {
		t.Fatalf("expected remaining sessions ordered by started-asc, got %+v", entries)
	}
}

func TestSortRailEntriesStartedDesc(t *testing.T) {
	now := time.Unix(1000, 0)
	entries := []RailEntry{
		{SessionID: "old", StartedAt: now.Add(-time.Hour)},
		{SessionID: "new", StartedAt: now},
	}
	SortRailEntries(entries, SortStartedDesc)
	if entries[0].SessionID != "new" {
		t.Fatalf("expected newest first, got %q", entries[0].SessionID)
	}
}

func TestEnsureActiveVisiblePullsActiveToFront(t *testing.T) {
	entries := make([]RailEntry, 5)
	for i := range entries {
		entries[i] = RailEntry{SessionID: string(rune('a' + i))}
	}
	windowed := EnsureActiveVisible(entries, "e", 3)
	found := false
	for _, e := range windowed {
		if e.SessionID == "e" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected active session to survive windowing, got %+v", windowed)
	}
	if len(windowed) != 3 {
		t.Fatalf("expected window capped at height 3, got %d", len(windowed))
	}
}

func TestComposeOverlaysSelectionWithReverseVideo(t *testing.T) {
	layout := ComputeDualPaneLayout(80, 24)
	frame := oracle.Frame{
		Lines:     []string{"abcde"},
		RichLines: [][]oracle.Cell{{{Glyph: "a"}, {Glyph: "b"}, {Glyph: "c"}, {Glyph: "d"}, {Glyph: "e"}}},
	}
	sel := Selection{Active: true, StartRow: 1, StartCol: 2, EndRow: 1, EndCol: 3}
	out := Compose(layout, nil, "", &frame, "status", sel)
	if !strings.Contains(out.Rows[0], "\033[7m") {
		t.Fatalf("expected reverse-video overlay in selected row, got %q", out.Rows[0])
	}
}

func TestComposeSkipsOverlayWhenNoSelectionOrCursor(t *testing.T) {
	layout := ComputeDualPaneLayout(80, 24)
	frame := oracle.Frame{Lines: []string{"plain"}}
	out := Compose(layout, nil, "", &frame, "status", Selection{})
	if strings.Contains(out.Rows[0], "\033[7m") {
		t.Fatalf("expected no overlay without a selection, got %q", out.Rows[0])
	}
}

func TestDiffRenderedRowsOnlyFlagsChanges(t *testing.T) {
	prev := Frame{Rows: []string{"a", "b", "c"}}
	next := Frame{Rows: []string{"a", "X", "c"}}
	changed := DiffRenderedRows(prev, next)
	if len(changed) != 1 || changed[0] != 1 {
		t.Fatalf("expected only row 1 to differ, got %+v", changed)
	}
}

func TestDiffRenderedRowsEmptyWhenIdentical(t *testing.T) {
	f := Frame{Rows: []string{"same", "same"}}
	if changed := DiffRenderedRows(f, f); len(changed) != 0 {
		t.Fatalf("expected no diff for identical frames, got %+v", changed)
	}
}

func TestWriteDiffOnlyEmitsModeEscapesOnTransition(t *testing.T) {
	prev := Frame{Rows: []string{"a"}, CursorVisible: true, CursorDECSCUSR: 2}
	next := Frame{Rows: []string{"b"}, CursorVisible: true, CursorDECSCUSR: 2}

	var buf bytes.Buffer
	WriteDiff(&buf, prev, next)
	if strings.Contains(buf.String(), "\033[?25h") || strings.Contains(buf.String(), " q") {
		t.Fatalf("expected no mode escapes when cursor state is unchanged, got %q", buf.String())
	}

	next2 := Frame{Rows: []string{"b"}, CursorVisible: false}
	buf.Reset()
	WriteDiff(&buf, next, next2)
	if !strings.Contains(buf.String(), "\033[?25l") {
		t.Fatalf("expected cursor-hide escape on visibility transition, got %q", buf.String())
	}

	buf.Reset()
	WriteDiff(&buf, next2, next2)
	if buf.Len() != 0 {
		t.Fatalf("expected no output for an unchanged frame, got %q", buf.String())
	}
}

func TestComposeKeepsActiveMarkerInRail(t *testing.T) {
	layout := ComputeDualPaneLayout(80, 24)
	rail := []RailEntry{
		{SessionID: "s1", Title: "one", Glyph: "*"},
		{SessionID: "s2", Title: "two", Glyph: "*"},
	}
	frame := oracle.Frame{Lines: []string{"hello"}}
	out := Compose(layout, rail, "s2", &frame, "status", Selection{})
	if len(out.Rows) != layout.Rows {
		t.Fatalf("expected %d rows, got %d", layout.Rows, len(out.Rows))
	}
	foundMarker := false
	for _, row := range out.Rows {
		if len(row) > 0 && row[0] == '>' {
			foundMarker = true
		}
	}
	if !foundMarker {
		t.Fatal("expected the active session's row to carry the '>' marker")
	}
}
