// Command harness-mux is the front-end entrypoint: a dual-pane TUI over an
// embedded or remote control plane, plus a hidden daemon subcommand. Exit
// codes: 0 clean, 1 runtime error, 2 when stdin/stdout isn't a TTY.
package main

import (
	"errors"
	"fmt"
	"os"

	"harness-mux/internal/cmd"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := cmd.NewRootCmd()
	err := root.Execute()
	if err == nil {
		return 0
	}

	var exitErr *cmd.ExitError
	if errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, exitErr.Error())
		return exitErr.Code
	}

	fmt.Fprintln(os.Stderr, err)
	return 1
}
