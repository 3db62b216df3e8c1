// Package ptyhost spawns a child process inside a PTY and exposes a
// cursored byte stream, write/resize operations, and exit reporting. A
// Host is deliberately ignorant of terminal emulation (that's the oracle
// package) and of multi-attachment fan-out (that's livesession); it owns
// exactly one child and one master fd.
package ptyhost

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/shirou/gopsutil/v3/process"

	"harness-mux/internal/ctlerr"
)

// DataChunk is delivered to an onData callback: cursor is the byte offset,
// monotonic from start, of the first byte in Chunk.
type DataChunk struct {
	Cursor int64
	Chunk  []byte
}

// ExitInfo reports how the child process terminated.
type ExitInfo struct {
	Code   *int
	Signal *string
}

// Host owns a single child process attached to a PTY master.
type Host struct {
	cmd *exec.Cmd
	ptm *os.File

	mu       sync.Mutex
	exited   bool
	exitInfo ExitInfo

	cursor atomic.Int64

	onExit     func(ExitInfo)
	onExitOnce sync.Once
}

// Start spawns args[0] with args[1:] attached to a new PTY sized
// cols x rows, with cwd and extra env vars layered over the current
// process's environment. Returns pty-start-failed on execve error.
func Start(args []string, env map[string]string, cwd string, cols, rows int) (*Host, error) {
	if len(args) == 0 {
		return nil, ctlerr.New(ctlerr.PTYStartFailed, "no command given")
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = cwd
	cmd.Env = mergeEnv(os.Environ(), env)

	ptm, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, ctlerr.New(ctlerr.PTYStartFailed, "start command: %v", err)
	}
	h := &Host{cmd: cmd, ptm: ptm}
	go h.waitForExit()
	return h, nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	env := make([]string, 0, len(base)+len(overrides))
	for _, e := range base {
		key := e
		if idx := strings.IndexByte(e, '='); idx >= 0 {
			key = e[:idx]
		}
		if _, override := overrides[key]; !override {
			env = append(env, e)
		}
	}
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

func (h *Host) waitForExit() {
	err := h.cmd.Wait()
	info := ExitInfo{}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				s := status.Signal().String()
				info.Signal = &s
			} else {
				code := exitErr.ExitCode()
				info.Code = &code
			}
		} else {
			code := -1
			info.Code = &code
		}
	} else {
		code := 0
		info.Code = &code
	}

	h.mu.Lock()
	h.exited = true
	h.exitInfo = info
	h.mu.Unlock()

	h.onExitOnce.Do(func() {
		if h.onExit != nil {
			h.onExit(info)
		}
	})
}

// OnExit registers the exit callback, invoked at most once. If the child
// has already exited by the time this is called, it fires immediately.
func (h *Host) OnExit(cb func(ExitInfo)) {
	h.mu.Lock()
	exited := h.exited
	info := h.exitInfo
	h.mu.Unlock()
	if exited {
		h.onExitOnce.Do(func() { cb(info) })
		return
	}
	h.onExit = cb
}

// OnData pumps PTY output into cb until the child exits or the PTY read
// fails. Each chunk is stamped with a cursor shared by all readers of this
// host (attachments and the Event Normalizer agree on byte ordering).
func (h *Host) OnData(cb func(DataChunk)) {
	buf := make([]byte, 8192)
	for {
		n, err := h.ptm.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			start := h.cursor.Load()
			h.cursor.Store(start + int64(n))
			cb(DataChunk{Cursor: start, Chunk: chunk})
		}
		if err != nil {
			return
		}
	}
}

// Write sends bytes to the child's stdin. Fails with session-not-live if
// the child has already exited; a hung child (not reading stdin) would
// block the underlying write, so Write races it against a 2s timeout
// (WriteTimeout).
func (h *Host) Write(p []byte) (int, error) {
	h.mu.Lock()
	exited := h.exited
	h.mu.Unlock()
	if exited {
		return 0, ctlerr.New(ctlerr.SessionNotLive, "pty has exited")
	}
	return h.WriteTimeout(p, 2*time.Second)
}

// WriteTimeout races the PTY write against a deadline so a hung child
// (kernel PTY buffer full, nobody draining it) cannot block the caller
// forever.
func (h *Host) WriteTimeout(p []byte, timeout time.Duration) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := h.ptm.Write(p)
		ch <- result{n, err}
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.n, r.err
	case <-timer.C:
		return 0, fmt.Errorf("pty write timed out")
	}
}

// Resize is idempotent: repeated calls with an identical size are no-ops.
func (h *Host) Resize(cols, rows int) error {
	ws, err := pty.GetsizeFull(h.ptm)
	if err == nil && int(ws.Cols) == cols && int(ws.Rows) == rows {
		return nil
	}
	return pty.Setsize(h.ptm, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// Kill sends signal (best-effort); exit is still reported via OnExit.
func (h *Host) Kill(sig os.Signal) {
	if h.cmd.Process != nil {
		h.cmd.Process.Signal(sig)
	}
}

// Hung reports whether the process table lists the child as a zombie
// (terminated but not yet reaped), without attempting a PTY write. A child
// that is still running but has stopped responding is not detected.
func (h *Host) Hung() bool {
	if h.cmd.Process == nil {
		return false
	}
	proc, err := process.NewProcess(int32(h.cmd.Process.Pid))
	if err != nil {
		return false
	}
	status, err := proc.Status()
	if err != nil {
		return false
	}
	for _, s := range status {
		if s == "Z" || s == "zombie" {
			return true
		}
	}
	return false
}

// Exited reports whether the child has already terminated.
func (h *Host) Exited() (bool, ExitInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited, h.exitInfo
}

// Cursor returns the highest byte offset assigned so far.
func (h *Host) Cursor() int64 {
	return h.cursor.Load()
}
