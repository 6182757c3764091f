package main

import (
	"context"
	"fmt"

	"github.com/ethpandaops/impersonatoor/pkg/api"
	"github.com/ethpandaops/impersonatoor/pkg/poller"
	"github.com/spf13/cobra"
)

var serveNoPollers bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server, pollers and watchdog",
	Long: `Start the HTTP API together with the configured number of pollers and
the watchdog. With --no-pollers only the API and watchdog run, and runs are
advanced through POST /api/v1/iterations.`,
	RunE: runServe,
}

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run the pollers and watchdog without the API",
	RunE:  runPoll,
}

func init() {
	rootCmd.AddCommand(serveCmd, pollCmd)
	serveCmd.Flags().BoolVar(&serveNoPollers, "no-pollers", false,
		"Do not start pollers; rely on external iteration triggers")
}

func runServe(cmd *cobra.Command, args []string) error {
	return runDaemon(!serveNoPollers, true)
}

func runPoll(cmd *cobra.Command, args []string) error {
	return runDaemon(true, false)
}

func runDaemon(withPollers, withAPI bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	var srv api.Server

	if withAPI {
		srv = api.NewServer(log, &cfg.API, api.Dependencies{
			Store:     st,
			Engine:    svc.engine,
			Reviews:   svc.reviews,
			Watchdog:  svc.watchdog,
			Starter:   svc.starter,
			Artifacts: svc.artifacts,
		})

		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting api server: %w", err)
		}
	}

	if err := svc.watchdog.Start(ctx); err != nil {
		return fmt.Errorf("starting watchdog: %w", err)
	}

	var pollers poller.Poller

	if withPollers {
		pollers = poller.New(log, svc.engine, svc.reviews, &cfg.Engine)

		if err := pollers.Start(ctx); err != nil {
			return fmt.Errorf("starting pollers: %w", err)
		}
	}

	waitForSignal(cancel)

	if pollers != nil {
		if err := pollers.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop pollers")
		}
	}

	if err := svc.watchdog.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop watchdog")
	}

	if srv != nil {
		if err := srv.Stop(); err != nil {
			return fmt.Errorf("stopping api server: %w", err)
		}
	}

	return nil
}
