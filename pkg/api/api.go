package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/impersonatoor/pkg/artifact"
	"github.com/ethpandaops/impersonatoor/pkg/benchmark"
	"github.com/ethpandaops/impersonatoor/pkg/config"
	"github.com/ethpandaops/impersonatoor/pkg/engine"
	"github.com/ethpandaops/impersonatoor/pkg/poller"
	"github.com/ethpandaops/impersonatoor/pkg/store"
	"github.com/ethpandaops/impersonatoor/pkg/watchdog"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Dependencies are the services the API exposes. Reviews and Artifacts
// may be nil.
type Dependencies struct {
	Store     store.Store
	Engine    engine.Engine
	Reviews   poller.PendingReviewer
	Watchdog  watchdog.Watchdog
	Starter   benchmark.Starter
	Artifacts artifact.Store
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	store      store.Store
	engine     engine.Engine
	reviews    poller.PendingReviewer
	watchdog   watchdog.Watchdog
	starter    benchmark.Starter
	artifacts  artifact.Store
	limits     *clientLimits
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a new API server. The caller owns the lifecycle of
// every dependency.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	deps Dependencies,
) Server {
	return newServer(log, cfg, deps)
}

func newServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	deps Dependencies,
) *server {
	s := &server{
		log:       log.WithField("component", "api"),
		cfg:       cfg,
		store:     deps.Store,
		engine:    deps.Engine,
		reviews:   deps.Reviews,
		watchdog:  deps.Watchdog,
		starter:   deps.Starter,
		artifacts: deps.Artifacts,
		done:      make(chan struct{}),
	}

	if cfg.RateLimit.Enabled {
		s.limits = newClientLimits(cfg.RateLimit)
	}

	return s
}

// Start builds the router and starts the HTTP server.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	if s.limits != nil {
		s.wg.Add(1)

		go func() {
			defer s.wg.Done()

			s.limits.pruneLoop(s.done)
		}()
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Listen).Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}
