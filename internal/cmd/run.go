package cmd

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"harness-mux/internal/catalog"
	"harness-mux/internal/config"
	"harness-mux/internal/controlplane"
	"harness-mux/internal/eventstore"
	"harness-mux/internal/orchestrator"
	"harness-mux/internal/perflog"
	"harness-mux/internal/socketdir"
	"harness-mux/internal/wire"
)

// ExitError carries the process exit code a runtime failure should produce,
// letting cmd/harness-mux/main.go translate errors into exit codes without
// this package importing os.Exit directly (Cobra commands return errors;
// only main translates them).
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// runMux implements the root command: resolve embedded-vs-remote control
// plane from flags/env, seed the event scope from HARNESS_* env vars, and
// run the orchestrator's live TUI.
func runMux(cmd *cobra.Command, args []string, flags ServerFlags) error {
	applyEnvOverrides(&flags)

	perf := openPerfLog()

	client, closeFn, err := dialControlPlane(flags)
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}
	defer closeFn()
	perf.Mark("startup.control-plane-open")

	opts := orchestrator.Options{
		Cwd:        cwdOrDot(),
		AgentType:  os.Getenv("HARNESS_AGENT_TYPE"),
		LaunchArgs: args,
		Scope:      scopeFromEnv(),
		CtrlCExits: envBoolDefault("HARNESS_MUX_CTRL_C_EXITS", true),
		Perf:       perf,
	}

	orch := orchestrator.New(client, os.Stdin, os.Stdout, opts)
	if err := orch.Run(); err != nil {
		if err == orchestrator.ErrRequiresTTY {
			return &ExitError{Code: 2, Err: err}
		}
		return &ExitError{Code: 1, Err: err}
	}
	return nil
}

// dialControlPlane picks remote transport when --harness-server-host (or
// its HARNESS_CONTROL_PLANE_HOST env override) names a host, then tries a
// discovered daemon, and otherwise starts and dials an embedded control
// plane in this process.
func dialControlPlane(flags ServerFlags) (orchestrator.Client, func(), error) {
	if flags.Host != "" {
		addr := fmt.Sprintf("%s:%d", flags.Host, flags.Port)
		rc, err := controlplane.DialRemote(addr, flags.Token)
		if err != nil {
			return nil, nil, err
		}
		return rc, rc.Close, nil
	}

	if addr, ok := discoverDaemon(); ok {
		rc, err := controlplane.DialRemote(addr, flags.Token)
		if err == nil {
			return rc, rc.Close, nil
		}
		// Marker exists but the daemon behind it is gone; fall through to
		// starting an embedded control plane instead of failing outright.
	}

	dbPath := envOrDefault("HARNESS_CONTROL_PLANE_DB_PATH", filepath.Join(config.ConfigDir(), "catalog.db"))
	eventsPath := envOrDefault("HARNESS_EVENTS_DB_PATH", filepath.Join(config.ConfigDir(), "events.db"))

	if err := os.MkdirAll(config.ConfigDir(), 0o700); err != nil {
		return nil, nil, fmt.Errorf("create config dir: %w", err)
	}

	cat, err := catalog.Open(dbPath)
	if err != nil {
		return nil, nil, err
	}
	events, err := eventstore.Open(eventsPath)
	if err != nil {
		cat.Close()
		return nil, nil, err
	}

	cfg, err := config.Load()
	if err != nil || cfg == nil {
		cfg = &config.Config{}
	}
	srv := controlplane.New(cat, events, cfg.DefaultScope)

	// Even embedded, the control plane listens on loopback and publishes a
	// discovery marker: agent hook commands (handle-hook) have no other way
	// to reach an in-process server. Best-effort — the TUI works without it.
	var markerPath string
	ln, lnErr := net.Listen("tcp", "127.0.0.1:0")
	if lnErr == nil {
		go srv.Serve(ln)
		addr := ln.Addr().(*net.TCPAddr)
		markerPath, _ = publishMarker(daemonMarkerName, fmt.Sprintf("127.0.0.1:%d", addr.Port))
	}

	ec := controlplane.DialEmbedded(srv)
	return ec, func() {
		ec.Close()
		if markerPath != "" {
			os.Remove(markerPath)
		}
		if ln != nil {
			ln.Close()
		}
		srv.Close()
	}, nil
}

func applyEnvOverrides(flags *ServerFlags) {
	if v := os.Getenv("HARNESS_CONTROL_PLANE_HOST"); v != "" {
		flags.Host = v
	}
	if v := os.Getenv("HARNESS_CONTROL_PLANE_PORT"); v != "" {
		fmt.Sscanf(v, "%d", &flags.Port)
	}
	if v := os.Getenv("HARNESS_CONTROL_PLANE_AUTH_TOKEN"); v != "" {
		flags.Token = v
	}
}

func scopeFromEnv() wire.Scope {
	return wire.Scope{
		TenantID:       os.Getenv("HARNESS_TENANT_ID"),
		UserID:         os.Getenv("HARNESS_USER_ID"),
		WorkspaceID:    os.Getenv("HARNESS_WORKSPACE_ID"),
		WorktreeID:     os.Getenv("HARNESS_WORKTREE_ID"),
		TurnID:         os.Getenv("HARNESS_TURN_ID"),
		ConversationID: os.Getenv("HARNESS_CONVERSATION_ID"),
	}
}

// openPerfLog builds the startup-span recorder; disabled (marks swallowed)
// unless HARNESS_PERF_LOG names a writable path.
func openPerfLog() *perflog.Spans {
	path := os.Getenv("HARNESS_PERF_LOG")
	if path == "" {
		return perflog.New(false, nil)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return perflog.New(false, nil)
	}
	return perflog.New(true, f)
}

func cwdOrDot() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch v {
	case "0", "false", "no", "off":
		return false
	default:
		return true
	}
}

// daemonMarkerName is the socketdir entry name the standalone daemon
// subcommand publishes so a separate harness-mux invocation can discover
// its host:port without being told explicitly (see daemon.go).
const daemonMarkerName = "default"

// discoverDaemon looks for a running `harness-mux daemon`'s published
// address under socketdir before falling back to an embedded control
// plane. Absence is not an error: most invocations have no daemon running
// and should silently start their own.
func discoverDaemon() (string, bool) {
	path, err := socketdir.Find(daemonMarkerName)
	if err != nil {
		return "", false
	}
	addr, err := os.ReadFile(path)
	if err != nil || len(addr) == 0 {
		return "", false
	}
	return string(addr), true
}
