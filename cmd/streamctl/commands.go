package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func parseContractID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid contract id %q: %w", arg, err)
	}
	return id, nil
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// oneShotNote is appended to the help text of start, stop and restart,
// which bootstrap their own Supervisor and tear it down before exiting:
// nothing they start keeps running past the command's own process
// lifetime. Per SPEC_FULL.md
// §4.G, streamctl deliberately exposes no client/server boundary to a
// separately running process, so there is no way for a one-shot
// invocation to hand a stream off to one; use "serve" for persistent
// operation.
const oneShotNote = "\n\nThis command bootstraps its own supervisor, performs the operation, " +
	"then exits — it does not leave anything running. Use 'streamctl serve' " +
	"for a long-lived process that keeps streams active."

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <contract-id>",
		Short: "Validate and start a contract in a one-shot process (see 'serve' for persistent operation)",
		Long:  "Start runs the Supervisor's start logic (eligibility checks, feed subscribe) against a fresh process." + oneShotNote,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseContractID(args[0])
			if err != nil {
				return err
			}
			svc, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.shutdown(cmd.Context())

			res := svc.adp.Start(cmd.Context(), id)
			printJSON(res)
			svc.log.Warn().Int64("contract_id", id).Msg("process exiting now; stream will not keep running outside 'serve'")
			if !res.OK {
				os.Exit(1)
			}
			return nil
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <contract-id>",
		Short: "Stop a contract in a one-shot process (see 'serve' for persistent operation)",
		Long:  "Stop only affects the ephemeral supervisor this invocation bootstraps." + oneShotNote,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseContractID(args[0])
			if err != nil {
				return err
			}
			svc, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.shutdown(cmd.Context())

			res := svc.adp.Stop(cmd.Context(), id)
			printJSON(res)
			return nil
		},
	}
}

func newRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <contract-id>",
		Short: "Restart a contract's evaluator with a fresh all-time-high in a one-shot process",
		Long:  "Restart only affects the ephemeral supervisor this invocation bootstraps." + oneShotNote,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseContractID(args[0])
			if err != nil {
				return err
			}
			svc, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.shutdown(cmd.Context())

			res := svc.adp.Restart(cmd.Context(), id)
			printJSON(res)
			svc.log.Warn().Int64("contract_id", id).Msg("process exiting now; stream will not keep running outside 'serve'")
			if !res.OK {
				os.Exit(1)
			}
			return nil
		},
	}
}

func newForceCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force-complete <contract-id>",
		Short: "Operator force-completion: mark a contract manually completed and stop its stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseContractID(args[0])
			if err != nil {
				return err
			}
			svc, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.shutdown(cmd.Context())

			res := svc.adp.ForceComplete(cmd.Context(), id)
			printJSON(res)
			if !res.OK {
				os.Exit(1)
			}
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List currently active streams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.shutdown(cmd.Context())

			printJSON(svc.adp.List())
			return nil
		},
	}
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Report process readiness and active stream count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer svc.shutdown(cmd.Context())

			printJSON(svc.adp.Health())
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start all pending contracts and run until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := bootstrap(ctx)
			if err != nil {
				return err
			}

			if err := svc.sup.StartAllPending(ctx); err != nil {
				svc.log.Error().Err(err).Msg("failed to start all pending contracts")
			}
			svc.log.Info().Msg("streamctl serve: running")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			svc.log.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			svc.shutdown(shutdownCtx)
			return nil
		},
	}
}
