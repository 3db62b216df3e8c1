package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"harness-mux/internal/controlplane"
	"harness-mux/internal/wire"
)

// newHandleHookCmd builds the handle-hook subcommand: agents register it as
// their hook command so lifecycle events (tool use, permission prompts, turn
// boundaries) reach the control plane as session.notify commands. It reads
// one JSON payload from stdin, extracts the event name, forwards it
// best-effort, and always prints an empty JSON object so the agent's hook
// invocation never fails because the mux was unreachable.
func newHandleHookCmd() *cobra.Command {
	var sessionID string
	var eventName string

	cmd := &cobra.Command{
		Use:   "handle-hook",
		Short: "Forward an agent hook event to the control plane",
		Long: `Reads a hook JSON payload from stdin and forwards the event to the
session's control plane as a session.notify command.

Register this as the hook command for agent lifecycle events; the session id
defaults to $HARNESS_CONVERSATION_ID, which harness-mux sets in every agent
child's environment.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				sessionID = os.Getenv("HARNESS_CONVERSATION_ID")
			}
			if sessionID == "" {
				return fmt.Errorf("--session is required (or set HARNESS_CONVERSATION_ID)")
			}

			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}

			var payload map[string]any
			if len(data) > 0 {
				if err := json.Unmarshal(data, &payload); err != nil {
					return fmt.Errorf("parse hook JSON: %w", err)
				}
			}
			name := eventName
			if name == "" {
				name, _ = payload["hook_event_name"].(string)
			}
			if name == "" {
				return fmt.Errorf("hook_event_name not found in payload (or pass --event)")
			}

			sendHookEvent(sessionID, name, payload)

			fmt.Fprintln(cmd.OutOrStdout(), "{}")
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "session id (defaults to $HARNESS_CONVERSATION_ID)")
	cmd.Flags().StringVar(&eventName, "event", "", "event name (defaults to hook_event_name from the payload)")

	return cmd
}

// sendHookEvent forwards the event to whichever control plane is reachable:
// the env-configured host first, then a daemon discovery marker. Best-effort,
// errors silently ignored — the hook command must always respond to the
// agent.
func sendHookEvent(sessionID, eventName string, payload map[string]any) {
	addr := ""
	if host := os.Getenv("HARNESS_CONTROL_PLANE_HOST"); host != "" {
		port := os.Getenv("HARNESS_CONTROL_PLANE_PORT")
		if port == "" {
			return
		}
		addr = host + ":" + port
	} else if discovered, ok := discoverDaemon(); ok {
		addr = discovered
	}
	if addr == "" {
		return
	}

	client, err := controlplane.DialRemote(addr, os.Getenv("HARNESS_CONTROL_PLANE_AUTH_TOKEN"))
	if err != nil {
		return
	}
	defer client.Close()
	client.Send(&wire.SessionNotify{SessionID: sessionID, EventName: eventName, Payload: payload})
}
