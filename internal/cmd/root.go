// Package cmd implements the CLI surface: the root command launches a
// live dual-pane TUI against an embedded or remote control plane; the
// hidden daemon subcommand runs the control plane standalone, and
// handle-hook forwards agent hook events into it.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"harness-mux/internal/version"
)

// ServerFlags carries the control-plane selection flags:
// --harness-server-host/--harness-server-port/--harness-server-token.
// Empty Host means "use a discovered `harness-mux daemon` if one has
// published a marker, else start an embedded control plane in this process".
type ServerFlags struct {
	Host  string
	Port  int
	Token string
}

// NewRootCmd builds the harness-mux root command.
func NewRootCmd() *cobra.Command {
	var flags ServerFlags

	rootCmd := &cobra.Command{
		Use:   "harness-mux [-- <agent> [args...]]",
		Short: "Multi-session terminal multiplexer for coding agents",
		Long: `harness-mux runs a dual-pane terminal: a navigation rail of every live
agent session on the left, the active session's terminal on the right.
Positional arguments after -- are forwarded to the agent launcher.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMux(cmd, args, flags)
		},
	}

	rootCmd.PersistentFlags().StringVar(&flags.Host, "harness-server-host", "", "control-plane host (remote mode; omit for embedded)")
	rootCmd.PersistentFlags().IntVar(&flags.Port, "harness-server-port", 0, "control-plane port (remote mode)")
	rootCmd.PersistentFlags().StringVar(&flags.Token, "harness-server-token", "", "control-plane auth token (remote mode)")

	rootCmd.AddCommand(newDaemonCmd())
	rootCmd.AddCommand(newHandleHookCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the harness-mux version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(os.Stdout, version.DisplayVersion())
			return nil
		},
	}
}
