// Package poller runs independent timed loops that each process one unit
// of work per tick.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/impersonatoor/pkg/config"
	"github.com/ethpandaops/impersonatoor/pkg/engine"
	"github.com/sirupsen/logrus"
)

// PendingReviewer picks up terminal runs that were never reviewed.
type PendingReviewer interface {
	ProcessPending(ctx context.Context) (string, error)
}

// Poller is a background service running a fixed number of loops.
type Poller interface {
	Start(ctx context.Context) error
	Stop() error
	// Tick runs one unit of work: one iteration and one pending review.
	Tick(ctx context.Context)
}

// Compile-time interface check.
var _ Poller = (*poller)(nil)

type poller struct {
	log      logrus.FieldLogger
	engine   engine.Engine
	reviews  PendingReviewer
	workers  int
	interval time.Duration
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Poller. reviews may be nil to disable the pending-review
// sweep.
func New(
	log logrus.FieldLogger,
	eng engine.Engine,
	reviews PendingReviewer,
	cfg *config.EngineConfig,
) Poller {
	workers := cfg.Pollers
	if workers <= 0 {
		workers = config.DefaultPollers
	}

	return &poller{
		log:      log.WithField("component", "poller"),
		engine:   eng,
		reviews:  reviews,
		workers:  workers,
		interval: cfg.PollInterval,
		done:     make(chan struct{}),
	}
}

// Start launches the loops. Each loop ticks on its own clock and shares
// nothing with the others except the store.
func (p *poller) Start(ctx context.Context) error {
	if p.interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", p.interval)
	}

	p.log.WithFields(logrus.Fields{
		"workers":  p.workers,
		"interval": p.interval.String(),
	}).Info("Starting pollers")

	for i := range p.workers {
		p.wg.Add(1)

		go p.loop(ctx, i)
	}

	return nil
}

// Stop signals every loop to stop and waits for in-flight ticks.
func (p *poller) Stop() error {
	p.stopOnce.Do(func() { close(p.done) })
	p.wg.Wait()

	p.log.Info("Pollers stopped")

	return nil
}

func (p *poller) loop(ctx context.Context, worker int) {
	defer p.wg.Done()

	log := p.log.WithField("worker", worker)

	p.safeTick(ctx, log)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.safeTick(ctx, log)
		case <-p.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// safeTick keeps a panicking tick from ending the loop.
func (p *poller) safeTick(ctx context.Context, log logrus.FieldLogger) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Poller tick panicked")
		}
	}()

	p.tick(ctx, log)
}

func (p *poller) Tick(ctx context.Context) {
	p.safeTick(ctx, p.log)
}

func (p *poller) tick(ctx context.Context, log logrus.FieldLogger) {
	it, err := p.engine.ProcessOne(ctx)
	if err != nil {
		log.WithError(err).Error("Iteration failed before claiming a run")
	} else if it.Outcome != engine.OutcomeIdle {
		log.WithFields(logrus.Fields{
			"run_id":  it.RunID,
			"outcome": it.Outcome,
		}).Debug("Processed run")
	}

	if p.reviews == nil {
		return
	}

	runID, err := p.reviews.ProcessPending(ctx)
	if err != nil {
		log.WithError(err).WithField("run_id", runID).Error("Pending review failed")

		return
	}

	if runID != "" {
		log.WithField("run_id", runID).Info("Reviewed pending run")
	}
}
