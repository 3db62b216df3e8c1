package perflog

import (
	"bytes"
	"strings"
	"testing"
)

func TestMarkRecordsOnce(t *testing.T) {
	var buf bytes.Buffer
	s := New(true, &buf)
	s.Mark("startup.terminal-size")
	s.Mark("startup.terminal-size")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line for a repeated mark, got %d: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], `"span":"startup.terminal-size"`) {
		t.Fatalf("unexpected record: %q", lines[0])
	}
	if !s.Marked("startup.terminal-size") {
		t.Fatalf("expected Marked to report the recorded span")
	}
}

func TestDisabledRecorderSwallowsMarks(t *testing.T) {
	var buf bytes.Buffer
	s := New(false, &buf)
	s.Mark("startup.palette-probe")
	if buf.Len() != 0 {
		t.Fatalf("disabled recorder wrote %q", buf.String())
	}

	var nilSpans *Spans
	nilSpans.Mark("startup.palette-probe") // must not panic
}
