package main

import (
	"context"
	"fmt"

	"github.com/ethpandaops/impersonatoor/pkg/benchmark"
	"github.com/ethpandaops/impersonatoor/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	startSystemVersion string
	startScenarios     []string
	startUserID        string
	startAll           bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a benchmark against a system-under-test version",
	Long: `Create a project on the system under test for every selected scenario
and store a paused run for it. The runs are then advanced by the pollers.
Scenarios are selected by name or id.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
	startCmd.Flags().StringVar(&startSystemVersion, "system-version", "",
		"Base URL of the system-under-test version")
	startCmd.Flags().StringSliceVar(&startScenarios, "scenario", nil,
		"Scenario name or id (comma-separated or repeated flag)")
	startCmd.Flags().BoolVar(&startAll, "all", false, "Start every scenario in the catalog")
	startCmd.Flags().StringVar(&startUserID, "user", "", "Owning user recorded on the runs")

	_ = startCmd.MarkFlagRequired("system-version")
}

func runStart(cmd *cobra.Command, args []string) error {
	if !startAll && len(startScenarios) == 0 {
		return fmt.Errorf("select scenarios with --scenario or --all")
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

	if err := seedCatalog(ctx, st, cfg.Catalog.Path); err != nil {
		return err
	}

	svc, err := newServices(cfg, st)
	if err != nil {
		return err
	}

	ids, err := resolveScenarios(ctx, st, startScenarios, startAll)
	if err != nil {
		return err
	}

	runs, err := svc.starter.Start(ctx, benchmark.Request{
		SystemVersion: startSystemVersion,
		ScenarioIDs:   ids,
		UserID:        startUserID,
	})

	for _, run := range runs {
		log.WithFields(logrus.Fields{
			"run_id": run.ID,
			"link":   run.Link,
		}).Info("Run created")
	}

	if err != nil {
		return fmt.Errorf("starting benchmark (%d of %d runs created): %w",
			len(runs), len(ids), err)
	}

	return nil
}

// resolveScenarios maps scenario names or ids to ids.
func resolveScenarios(
	ctx context.Context, st store.Store, refs []string, all bool,
) ([]string, error) {
	scenarios, err := st.ListScenarios(ctx)
	if err != nil {
		return nil, err
	}

	if all {
		ids := make([]string, 0, len(scenarios))
		for _, s := range scenarios {
			ids = append(ids, s.ID)
		}

		if len(ids) == 0 {
			return nil, fmt.Errorf("catalog has no scenarios")
		}

		return ids, nil
	}

	byRef := make(map[string]string, 2*len(scenarios))
	for _, s := range scenarios {
		byRef[s.ID] = s.ID
		byRef[s.Name] = s.ID
	}

	ids := make([]string, 0, len(refs))

	for _, ref := range refs {
		id, ok := byRef[ref]
		if !ok {
			return nil, fmt.Errorf("unknown scenario %q", ref)
		}

		ids = append(ids, id)
	}

	return ids, nil
}
