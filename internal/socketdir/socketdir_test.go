package socketdir

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		socketType, name string
		want             string
	}{
		{TypeControlPlane, "default", "control-plane.default.sock"},
		{TypeControlPlane, "silent-deer", "control-plane.silent-deer.sock"},
	}
	for _, tt := range tests {
		got := Format(tt.socketType, tt.name)
		if got != tt.want {
			t.Errorf("Format(%q, %q) = %q, want %q", tt.socketType, tt.name, got, tt.want)
		}
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		filename string
		wantType string
		wantName string
		wantOK   bool
	}{
		{"control-plane.default.sock", TypeControlPlane, "default", true},
		{"notasocket.txt", "", "", false},
		{"noperiod.sock", "", "", false},
		{".sock", "", "", false},
		{"onlyone.sock", "", "", false},
		{"control-plane..sock", TypeControlPlane, "", true}, // degenerate but parseable
	}
	for _, tt := range tests {
		entry, ok := Parse(tt.filename)
		if ok != tt.wantOK {
			t.Errorf("Parse(%q) ok = %v, want %v", tt.filename, ok, tt.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if entry.Type != tt.wantType {
			t.Errorf("Parse(%q).Type = %q, want %q", tt.filename, entry.Type, tt.wantType)
		}
		if entry.Name != tt.wantName {
			t.Errorf("Parse(%q).Name = %q, want %q", tt.filename, entry.Name, tt.wantName)
		}
	}
}

func TestPath(t *testing.T) {
	got := Path(TypeControlPlane, "default")
	want := filepath.Join(Dir(), "control-plane.default.sock")
	if got != want {
		t.Errorf("Path(...) = %q, want %q", got, want)
	}
}

func TestFind(t *testing.T) {
	dir := t.TempDir()

	os.WriteFile(filepath.Join(dir, "control-plane.default.sock"), nil, 0o600)
	os.WriteFile(filepath.Join(dir, "control-plane.other.sock"), nil, 0o600)

	t.Run("single match", func(t *testing.T) {
		path, err := FindIn(dir, "default")
		if err != nil {
			t.Fatal(err)
		}
		want := filepath.Join(dir, "control-plane.default.sock")
		if path != want {
			t.Errorf("Find(default) = %q, want %q", path, want)
		}
	})

	t.Run("no match", func(t *testing.T) {
		_, err := FindIn(dir, "nonexistent")
		if err == nil {
			t.Fatal("expected error for no match")
		}
	})
}

func TestList(t *testing.T) {
	dir := t.TempDir()

	os.WriteFile(filepath.Join(dir, "control-plane.default.sock"), nil, 0o600)
	os.WriteFile(filepath.Join(dir, "control-plane.other.sock"), nil, 0o600)
	os.WriteFile(filepath.Join(dir, "random.txt"), nil, 0o600)      // ignored
	os.WriteFile(filepath.Join(dir, "old-format.sock"), nil, 0o600) // ignored (no type.name format)

	entries, err := ListIn(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(entries), entries)
	}
	for _, e := range entries {
		if e.Path == "" {
			t.Error("entry has empty Path")
		}
		if e.Type != TypeControlPlane {
			t.Errorf("entry type = %q, want %q", e.Type, TypeControlPlane)
		}
	}
}

func TestListIn_EmptyDir(t *testing.T) {
	entries, err := ListIn(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected 0 entries, got %d", len(entries))
	}
}

func TestListIn_NonexistentDir(t *testing.T) {
	entries, err := ListIn("/nonexistent/path")
	if err != nil {
		t.Fatal(err)
	}
	if entries != nil {
		t.Errorf("expected nil, got %v", entries)
	}
}

func TestDir_EndsInSockets(t *testing.T) {
	dir := Dir()
	if filepath.Base(dir) != "sockets" {
		t.Errorf("Dir() = %q, expected to end with 'sockets'", dir)
	}
}

func TestWaitForSocket_AlreadyExists(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "control-plane.default.sock"), nil, 0o600)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	path, err := WaitForSocket(ctx, dir, "default")
	if err != nil {
		t.Fatal(err)
	}
	if path == "" {
		t.Error("expected non-empty path")
	}
}

func TestWaitForSocket_CreatedLater(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "control-plane.default.sock")

	go func() {
		time.Sleep(50 * time.Millisecond)
		os.WriteFile(sockPath, nil, 0o600)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	path, err := WaitForSocket(ctx, dir, "default")
	if err != nil {
		t.Fatal(err)
	}
	if path != sockPath {
		t.Errorf("WaitForSocket = %q, want %q", path, sockPath)
	}
}

func TestWaitForSocket_ContextCanceled(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := WaitForSocket(ctx, dir, "nonexistent"); err == nil {
		t.Fatal("expected error when context is canceled before socket appears")
	}
}
