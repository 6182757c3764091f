package main

import (
	"fmt"

	"github.com/ethpandaops/impersonatoor/pkg/engine"
	"github.com/ethpandaops/impersonatoor/pkg/watchdog"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var iterateSkipReview bool

var iterateCmd = &cobra.Command{
	Use:   "iterate",
	Short: "Advance the oldest paused run by one step",
	Long: `Run a single iteration: claim the oldest paused run, let the
impersonation policy take one action and release the run. Afterwards one
pending review is picked up unless --skip-review is set. Suitable for
driving the engine from cron.`,
	RunE: runIterate,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Time out runs that exceeded their scenario budget",
	RunE:  runSweep,
}

func init() {
	rootCmd.AddCommand(iterateCmd, sweepCmd)
	iterateCmd.Flags().BoolVar(&iterateSkipReview, "skip-review", false,
		"Do not pick up a pending review after the iteration")
}

func runIterate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer stopStore(st)

	svc, err := newServices(cfg, st)
	if err != nil {
		return err
	}

	it, err := svc.engine.ProcessOne(ctx)
	if err != nil {
		return fmt.Errorf("processing iteration: %w", err)
	}

	fields := logrus.Fields{
		"outcome": it.Outcome,
		"elapsed": it.Elapsed.String(),
	}

	if it.RunID != "" {
		fields["run_id"] = it.RunID
		fields["state"] = it.State
	}

	entry := log.WithFields(fields)

	switch {
	case it.Err != nil:
		entry.WithError(it.Err).Warn("Iteration ended the run")
	case it.Outcome == engine.OutcomeIdle:
		entry.Info("No eligible run")
	default:
		entry.Info("Iteration finished")
	}

	if iterateSkipReview {
		return nil
	}

	reviewed, err := svc.reviews.ProcessPending(ctx)
	if err != nil {
		return fmt.Errorf("reviewing run %s: %w", reviewed, err)
	}

	if reviewed != "" {
		log.WithField("run_id", reviewed).Info("Reviewed pending run")
	}

	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer stopStore(st)

	timedOut, err := watchdog.New(log, st, cfg.Engine.WatchdogInterval).Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweeping: %w", err)
	}

	log.WithField("timed_out", len(timedOut)).Info("Sweep completed")

	return nil
}
