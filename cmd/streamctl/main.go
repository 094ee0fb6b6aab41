// Command streamctl is the thin Command Surface operator tool of
// spec.md §7: start/stop/restart/list/health against the Evaluator
// Supervisor, plus a long-running serve mode that reconciles pending
// contracts and blocks until interrupted, in the spirit of the
// teacher's main() startup/shutdown sequence.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "streamctl",
		Short: "Operate the contract stream supervisor",
	}

	root.AddCommand(
		newServeCmd(),
		newStartCmd(),
		newStopCmd(),
		newRestartCmd(),
		newListCmd(),
		newHealthCmd(),
		newForceCompleteCmd(),
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
