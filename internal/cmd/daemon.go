package cmd

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"harness-mux/internal/catalog"
	"harness-mux/internal/config"
	"harness-mux/internal/controlplane"
	"harness-mux/internal/eventstore"
	"harness-mux/internal/socketdir"
)

// newDaemonCmd runs the control plane standalone, listening for line-framed
// JSON-over-TCP clients, so multiple `harness-mux` front ends (and future
// remote clients) can attach to one shared catalog/event store instead of
// each starting its own embedded copy. The bound host:port is published as
// a marker in the socketdir registry so clients discover it without
// configuration.
func newDaemonCmd() *cobra.Command {
	var (
		host string
		port int
		name string
	)

	cmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Run the control plane standalone and publish a discovery marker",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(host, port, name)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "address to bind")
	cmd.Flags().IntVar(&port, "port", 0, "port to bind (0 picks a free port)")
	cmd.Flags().StringVar(&name, "name", daemonMarkerName, "discovery marker name")

	return cmd
}

func runDaemon(host string, port int, name string) error {
	dbPath := envOrDefault("HARNESS_CONTROL_PLANE_DB_PATH", filepath.Join(config.ConfigDir(), "catalog.db"))
	eventsPath := envOrDefault("HARNESS_EVENTS_DB_PATH", filepath.Join(config.ConfigDir(), "events.db"))

	if err := os.MkdirAll(config.ConfigDir(), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	cat, err := catalog.Open(dbPath)
	if err != nil {
		return err
	}
	defer cat.Close()

	events, err := eventstore.Open(eventsPath)
	if err != nil {
		return err
	}
	defer events.Close()

	cfg, err := config.Load()
	if err != nil || cfg == nil {
		cfg = &config.Config{}
	}
	srv := controlplane.New(cat, events, cfg.DefaultScope)
	defer srv.Close()

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	addr := ln.Addr().(*net.TCPAddr)

	markerPath, err := publishMarker(name, fmt.Sprintf("%s:%d", host, addr.Port))
	if err != nil {
		ln.Close()
		return err
	}
	defer os.Remove(markerPath)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		ln.Close()
		return nil
	}
}

// publishMarker writes addr into socketdir's well-known directory under the
// "control-plane.<name>.sock" filename so discoverDaemon (run.go) and a
// future `harness-mux --attach` can find a standalone daemon without being
// told its port explicitly. The filename keeps the ".sock" suffix socketdir
// already parses for; the content is a plain "host:port" string rather than
// an actual unix socket, since this control plane speaks TCP.
func publishMarker(name, addr string) (string, error) {
	dir, err := socketdir.EnsureDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, socketdir.Format(socketdir.TypeControlPlane, name))
	if err := os.WriteFile(path, []byte(addr), 0o600); err != nil {
		return "", fmt.Errorf("write discovery marker: %w", err)
	}
	return path, nil
}
