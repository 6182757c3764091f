package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/impersonatoor/pkg/action"
	"github.com/ethpandaops/impersonatoor/pkg/artifact"
	"github.com/ethpandaops/impersonatoor/pkg/benchmark"
	"github.com/ethpandaops/impersonatoor/pkg/config"
	"github.com/ethpandaops/impersonatoor/pkg/engine"
	"github.com/ethpandaops/impersonatoor/pkg/llm"
	"github.com/ethpandaops/impersonatoor/pkg/policy"
	"github.com/ethpandaops/impersonatoor/pkg/reviewer"
	"github.com/ethpandaops/impersonatoor/pkg/store"
	"github.com/ethpandaops/impersonatoor/pkg/sut"
	"github.com/ethpandaops/impersonatoor/pkg/watchdog"
	"github.com/sirupsen/logrus"
)

// loadConfig loads and validates the --config files. The config log level
// applies unless --log-level was given explicitly.
func loadConfig() (*config.Config, error) {
	if len(cfgFiles) == 0 {
		return nil, fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if !rootCmd.PersistentFlags().Changed("log-level") {
		level, err := logrus.ParseLevel(cfg.Global.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid global.log_level %q: %w", cfg.Global.LogLevel, err)
		}

		log.SetLevel(level)
	}

	return cfg, nil
}

// openStore starts the configured store.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting store: %w", err)
	}

	return st, nil
}

// services is the wired run-driving stack.
type services struct {
	artifacts artifact.Store
	reviews   reviewer.Pipeline
	engine    engine.Engine
	watchdog  watchdog.Watchdog
	starter   benchmark.Starter
}

func newServices(cfg *config.Config, st store.Store) (*services, error) {
	if err := cfg.ValidateServices(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	artifacts, err := artifact.New(log, &cfg.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("creating artifact store: %w", err)
	}

	model := llm.NewClient(log, &cfg.LLM)
	chat := sut.NewChatClient(log, &cfg.SystemUnderTest)
	browser := sut.NewBrowserTester(log, &cfg.BrowserTesting)
	impersonator := policy.NewImpersonator(log, model)

	dispatcher := action.NewDispatcher(log, st, chat, browser, artifacts)
	reviews := reviewer.New(log, st, model, dispatcher, &cfg.Engine)

	return &services{
		artifacts: artifacts,
		reviews:   reviews,
		engine:    engine.New(log, st, impersonator, dispatcher, reviews),
		watchdog:  watchdog.New(log, st, cfg.Engine.WatchdogInterval),
		starter:   benchmark.NewStarter(log, st, impersonator, chat),
	}, nil
}

// seedCatalog seeds the configured catalog, if any.
func seedCatalog(ctx context.Context, st store.Store, path string) error {
	if path == "" {
		return nil
	}

	catalog, err := config.LoadCatalog(path)
	if err != nil {
		return err
	}

	if err := st.SeedCatalog(ctx, catalog); err != nil {
		return fmt.Errorf("seeding catalog: %w", err)
	}

	log.WithFields(logrus.Fields{
		"path":      path,
		"scenarios": len(catalog.Scenarios),
		"reviewers": len(catalog.Reviewers),
	}).Info("Seeded catalog")

	return nil
}

// waitForSignal blocks until SIGINT or SIGTERM and then cancels ctx.
func waitForSignal(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	log.WithField("signal", sig).Info("Received shutdown signal")
	cancel()
}

func stopStore(st store.Store) {
	if err := st.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop store")
	}
}
