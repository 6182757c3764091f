package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/impersonatoor/pkg/scoring"
	"github.com/ethpandaops/impersonatoor/pkg/store"
	"github.com/spf13/cobra"
)

var (
	runsState         string
	runsSystemVersion string
	runsLimit         int
	scoresVersion     string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs, newest first",
	RunE:  runListRuns,
}

var scoresCmd = &cobra.Command{
	Use:   "scores",
	Short: "Show aggregated review scores per system version",
	RunE:  runScores,
}

func init() {
	rootCmd.AddCommand(runsCmd, scoresCmd)
	runsCmd.Flags().StringVar(&runsState, "state", "", "Only list runs in this state")
	runsCmd.Flags().StringVar(&runsSystemVersion, "system-version", "", "Only list runs of this version")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 50, "Maximum number of runs to list (0 for all)")
	scoresCmd.Flags().StringVar(&scoresVersion, "system-version", "", "Only score this version")
}

func runListRuns(cmd *cobra.Command, args []string) error {
	state := store.State(runsState)
	if state != "" && !state.Valid() {
		return fmt.Errorf("unknown state %q", runsState)
	}

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

	runs, err := st.ListRuns(ctx, store.RunFilter{
		State:         state,
		SystemVersion: runsSystemVersion,
		Limit:         runsLimit,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tTIME USED\tCREATED\tREVIEWED\tSYSTEM VERSION")

	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s ago\t%s\t%s\n",
			run.ID,
			run.State,
			timeUsed(run.TimeUsage()),
			units.HumanDuration(time.Since(run.CreatedAt)),
			reviewStatus(&run),
			run.SystemVersion,
		)
	}

	return w.Flush()
}

func runScores(cmd *cobra.Command, args []string) error {
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

	results, err := st.ListScoredResults(ctx, scoresVersion)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SYSTEM VERSION\tDIMENSION\tSCORE\tREVIEWS")

	for _, v := range scoring.Aggregate(results) {
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%d\n", v.SystemVersion, "overall", v.Overall, len(v.Runs))

		for _, d := range v.Dimensions {
			fmt.Fprintf(w, "\t%s\t%.2f\t%d\n", d.Dimension, d.Mean, d.Count)
		}
	}

	return w.Flush()
}

func timeUsed(d time.Duration) string {
	if d < time.Second {
		return d.String()
	}

	return units.HumanDuration(d)
}

func reviewStatus(run *store.Run) string {
	switch {
	case run.ReviewCompletedAt != nil:
		return "done"
	case run.ReviewStartedAt != nil:
		return "started"
	default:
		return "-"
	}
}
