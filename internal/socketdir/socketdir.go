// Package socketdir locates and watches the well-known discovery
// directory where a running control plane publishes its listener marker,
// so front ends and hook commands can find it without configuration.
package socketdir

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// TypeControlPlane names the one socket kind this control plane creates.
	TypeControlPlane = "control-plane"
)

// Entry represents a parsed socket file in the socket directory.
type Entry struct {
	Type string
	Name string
	Path string
}

// Format returns the socket filename for a given type and name, e.g.
// "control-plane.default.sock".
func Format(socketType, name string) string {
	return socketType + "." + name + ".sock"
}

// Parse extracts type and name from a socket filename. Returns false if the
// filename doesn't match the expected "<type>.<name>.sock" shape.
func Parse(filename string) (Entry, bool) {
	const suffix = ".sock"
	if len(filename) <= len(suffix) || filename[len(filename)-len(suffix):] != suffix {
		return Entry{}, false
	}
	base := filename[:len(filename)-len(suffix)]
	dot := -1
	for i := 0; i < len(base); i++ {
		if base[i] == '.' {
			dot = i
			break
		}
	}
	if dot < 1 {
		return Entry{}, false
	}
	return Entry{Type: base[:dot], Name: base[dot+1:]}, true
}

// Dir returns the control plane's socket directory: ~/.harness-mux/sockets/.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".harness-mux", "sockets")
}

// Path returns the full socket path for a given type and name.
func Path(socketType, name string) string {
	return filepath.Join(Dir(), Format(socketType, name))
}

// Find globs for *.{name}.sock in the default socket directory and returns
// the full path. Returns an error if zero or more than one match.
func Find(name string) (string, error) {
	return FindIn(Dir(), name)
}

// FindIn globs for *.{name}.sock in the given directory.
func FindIn(dir, name string) (string, error) {
	pattern := filepath.Join(dir, "*."+name+".sock")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no socket found for %q", name)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("ambiguous name %q: %d sockets match", name, len(matches))
	}
}

// List returns all parsed socket entries from the default directory.
func List() ([]Entry, error) {
	return ListIn(Dir())
}

// ListIn returns all parsed socket entries from the given directory.
func ListIn(dir string) ([]Entry, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []Entry
	for _, de := range dirEntries {
		entry, ok := Parse(de.Name())
		if !ok {
			continue
		}
		entry.Path = filepath.Join(dir, de.Name())
		entries = append(entries, entry)
	}
	return entries, nil
}

// EnsureDir creates the socket directory (and its parents) if absent.
func EnsureDir() (string, error) {
	dir := Dir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create socket dir: %w", err)
	}
	return dir, nil
}

// WaitForSocket blocks until name's socket file appears in dir, ctx is
// canceled, or the deadline elapses, watching the directory with fsnotify
// rather than polling (with a direct re-check after 10s without events).
func WaitForSocket(ctx context.Context, dir, name string) (string, error) {
	if path, err := FindIn(dir, name); err == nil {
		return path, nil
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create socket dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return "", fmt.Errorf("watch socket dir: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return "", fmt.Errorf("watch socket dir: %w", err)
	}

	// A socket may have been created between the initial FindIn and Add.
	if path, err := FindIn(dir, name); err == nil {
		return path, nil
	}

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return "", fmt.Errorf("socket watcher closed")
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if entry, ok := Parse(filepath.Base(ev.Name)); ok && entry.Name == name {
				return ev.Name, nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return "", fmt.Errorf("socket watcher closed")
			}
			return "", err
		case <-time.After(10 * time.Second):
			if path, err := FindIn(dir, name); err == nil {
				return path, nil
			}
		}
	}
}
