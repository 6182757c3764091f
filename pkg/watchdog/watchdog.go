// Package watchdog reclaims runs whose cumulative time usage exceeded the
// scenario's timeout budget.
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/impersonatoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// Watchdog is a background service that periodically times out runs
// that exceeded their budget.
type Watchdog interface {
	Start(ctx context.Context) error
	Stop() error
	// Sweep runs one pass and returns the ids of the runs it timed out.
	Sweep(ctx context.Context) ([]string, error)
}

// Compile-time interface check.
var _ Watchdog = (*watchdog)(nil)

type watchdog struct {
	log      logrus.FieldLogger
	store    store.Store
	interval time.Duration
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Watchdog sweeping every interval.
func New(
	log logrus.FieldLogger,
	st store.Store,
	interval time.Duration,
) Watchdog {
	return &watchdog{
		log:      log.WithField("component", "watchdog"),
		store:    st,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches a goroutine that sweeps immediately and then on every
// tick.
func (w *watchdog) Start(ctx context.Context) error {
	if w.interval <= 0 {
		return fmt.Errorf("watchdog interval must be positive, got %s", w.interval)
	}

	w.log.WithField("interval", w.interval.String()).Info("Starting watchdog")

	w.wg.Add(1)

	go func() {
		defer w.wg.Done()

		w.runPass(ctx)

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.runPass(ctx)
			case <-w.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the sweep goroutine to stop and waits for it.
func (w *watchdog) Stop() error {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()

	w.log.Info("Watchdog stopped")

	return nil
}

func (w *watchdog) runPass(ctx context.Context) {
	if _, err := w.Sweep(ctx); err != nil {
		w.log.WithError(err).Warn("Watchdog sweep failed")
	}
}

// Sweep transitions every non-terminal run over budget to timed_out. The
// guarded update makes repeated sweeps no-ops for runs already handled.
func (w *watchdog) Sweep(ctx context.Context) ([]string, error) {
	runs, err := w.store.ListRunsExceedingTimeout(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing runs over budget: %w", err)
	}

	var timedOut []string

	for _, run := range runs {
		changed, err := w.store.UpdateRunState(ctx, run.ID, store.StateTimedOut)
		if err != nil {
			w.log.WithError(err).WithField("run_id", run.ID).
				Error("Failed to time out run")

			continue
		}

		if !changed {
			continue
		}

		timedOut = append(timedOut, run.ID)

		w.log.WithFields(logrus.Fields{
			"run_id":     run.ID,
			"time_usage": run.TimeUsage().String(),
			"from_state": run.State,
		}).Warn("Run timed out")
	}

	if len(timedOut) > 0 {
		w.log.WithField("runs", len(timedOut)).Info("Watchdog sweep timed out runs")
	}

	return timedOut, nil
}
