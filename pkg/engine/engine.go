// Package engine advances benchmark runs one step at a time under the
// claim discipline of the store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/impersonatoor/pkg/action"
	"github.com/ethpandaops/impersonatoor/pkg/policy"
	"github.com/ethpandaops/impersonatoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// writeBackTimeout bounds the bookkeeping writes after a step.
const writeBackTimeout = 30 * time.Second

// Outcome describes what one call to ProcessOne did.
type Outcome string

// Iteration outcomes.
const (
	// OutcomeIdle means no paused run was eligible.
	OutcomeIdle Outcome = "idle"
	// OutcomeLostClaim means another caller claimed the run first.
	OutcomeLostClaim Outcome = "lost_claim"
	// OutcomeAdvanced means an action was dispatched and the run released.
	OutcomeAdvanced Outcome = "advanced"
	// OutcomeCompleted means the policy finished the scenario.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed means the iteration failed and the run is terminal.
	OutcomeFailed Outcome = "failed"
	// OutcomePreempted means the run became terminal elsewhere while this
	// iteration was in flight.
	OutcomePreempted Outcome = "preempted"
	// OutcomeStranded means the run could not be written back and is left
	// running for the watchdog to reclaim.
	OutcomeStranded Outcome = "stranded"
)

// Iteration reports the result of ProcessOne.
type Iteration struct {
	RunID   string
	Outcome Outcome
	// State is the run state observed after write-back.
	State   store.State
	Action  action.Kind
	Elapsed time.Duration
	// Err is the failure that ended the run, if any.
	Err error
}

// ReviewHandoff receives runs that reached a terminal state.
type ReviewHandoff interface {
	Review(ctx context.Context, runID string) error
}

// Engine is the per-run step function.
type Engine interface {
	// ProcessOne selects the oldest paused run and advances it by exactly
	// one step. Run-level failures are reported in the Iteration and never
	// as the returned error, which is reserved for store failures before a
	// run was claimed.
	ProcessOne(ctx context.Context) (*Iteration, error)
}

// Option configures an Engine.
type Option func(*engine)

// WithClock overrides the clock used for time-usage accounting.
func WithClock(now func() time.Time) Option {
	return func(e *engine) {
		e.now = now
	}
}

// Compile-time interface check.
var _ Engine = (*engine)(nil)

type engine struct {
	log        logrus.FieldLogger
	store      store.Store
	policy     policy.Impersonator
	dispatcher action.Dispatcher
	reviews    ReviewHandoff
	now        func() time.Time
}

// New creates an Engine. reviews may be nil to skip the reviewer handoff.
func New(
	log logrus.FieldLogger,
	st store.Store,
	impersonator policy.Impersonator,
	dispatcher action.Dispatcher,
	reviews ReviewHandoff,
	opts ...Option,
) Engine {
	e := &engine{
		log:        log.WithField("component", "engine"),
		store:      st,
		policy:     impersonator,
		dispatcher: dispatcher,
		reviews:    reviews,
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *engine) ProcessOne(ctx context.Context) (*Iteration, error) {
	run, err := e.store.SelectOldestEligibleRun(ctx)
	if err != nil {
		return nil, fmt.Errorf("selecting run: %w", err)
	}

	if run == nil {
		return &Iteration{Outcome: OutcomeIdle}, nil
	}

	claimed, err := e.store.ClaimRun(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("claiming run %s: %w", run.ID, err)
	}

	if !claimed {
		e.log.WithField("run_id", run.ID).Debug("Lost claim race")

		return &Iteration{RunID: run.ID, Outcome: OutcomeLostClaim}, nil
	}

	return e.iterate(ctx, run), nil
}

// iterate runs one step of a claimed run and writes it back.
func (e *engine) iterate(ctx context.Context, run *store.Run) *Iteration {
	log := e.log.WithField("run_id", run.ID)
	it := &Iteration{RunID: run.ID}

	start := e.now()

	target, kind, stepErr := e.step(ctx, run)
	it.Action = kind

	// Write-back outlives the caller so a cancelled request or shutdown
	// never leaves the claimed run in running.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeBackTimeout)
	defer cancel()

	if stepErr != nil {
		target = store.StateImpersonatorFailed
		it.Err = stepErr

		log.WithError(stepErr).Warn("Iteration failed")
		e.recordFailure(wctx, run.ID, stepErr)
	}

	stranded := false

	if target.IsTerminal() {
		if _, err := e.store.UpdateRunState(wctx, run.ID, target); err != nil {
			log.WithError(err).WithField("state", target).
				Error("Failed to record terminal state, leaving run for the watchdog")

			stranded = true
		}
	}

	it.Elapsed = e.now().Sub(start)
	if it.Elapsed < 0 {
		it.Elapsed = 0
	}

	if err := e.store.AccumulateTimeUsage(wctx, run.ID, it.Elapsed); err != nil {
		log.WithError(err).Error("Failed to accumulate time usage")
	}

	current, err := e.store.GetRun(wctx, run.ID)
	if err != nil {
		log.WithError(err).Error("Failed to re-read run, leaving it for the watchdog")

		it.Outcome = OutcomeStranded
		it.State = store.StateRunning

		return it
	}

	it.State = current.State

	switch {
	case stranded:
		it.Outcome = OutcomeStranded
	case !current.State.IsTerminal():
		released, err := e.store.UpdateRunState(wctx, run.ID, store.StatePaused)
		if err != nil {
			log.WithError(err).Error("Failed to release run, leaving it for the watchdog")

			it.Outcome = OutcomeStranded

			return it
		}

		if released {
			it.State = store.StatePaused
			it.Outcome = OutcomeAdvanced
		} else {
			// Became terminal between the read and the release.
			it.Outcome = OutcomePreempted
			e.refreshState(wctx, it)
		}
	case current.State == target:
		it.Outcome = OutcomeCompleted
		if target == store.StateImpersonatorFailed {
			it.Outcome = OutcomeFailed
		}
	default:
		it.Outcome = OutcomePreempted
	}

	log.WithFields(logrus.Fields{
		"outcome": it.Outcome,
		"state":   it.State,
		"action":  kindName(it.Action),
		"elapsed": it.Elapsed.String(),
	}).Info("Iteration finished")

	if it.State.IsTerminal() {
		e.handoff(ctx, run.ID)
	}

	return it
}

// step loads context, consults the policy and dispatches its action. It
// returns the state the run should move to.
func (e *engine) step(
	ctx context.Context, run *store.Run,
) (store.State, action.Kind, error) {
	scenario, err := e.store.GetScenario(ctx, run.ScenarioID)
	if err != nil {
		return "", 0, fmt.Errorf("loading scenario: %w", err)
	}

	msgs, err := e.store.ReadTrajectory(ctx, run.ID)
	if err != nil {
		return "", 0, fmt.Errorf("loading trajectory: %w", err)
	}

	raw, err := e.policy.Next(ctx, scenario, run, msgs)
	if err != nil {
		return "", 0, err
	}

	if _, err := e.store.AppendTrajectoryMessage(
		ctx, run.ID, store.RoleImpersonator, raw,
	); err != nil {
		return "", 0, fmt.Errorf("recording policy output: %w", err)
	}

	act, err := action.Parse(raw)
	if err != nil {
		return "", 0, fmt.Errorf("parsing policy output: %w", err)
	}

	switch act.Kind {
	case action.KindFinished:
		return store.StateCompleted, act.Kind, nil
	case action.KindTestWebsite, action.KindChatRequest:
		if _, err := e.dispatcher.Dispatch(ctx, run, act); err != nil {
			return "", act.Kind, err
		}

		return store.StatePaused, act.Kind, nil
	default:
		return "", act.Kind, fmt.Errorf("unhandled action kind %s", act.Kind)
	}
}

// recordFailure stores a diagnostic result for a failed iteration.
func (e *engine) recordFailure(ctx context.Context, runID string, cause error) {
	payload := store.ResultPayload{
		Type:  store.PayloadTypeImpersonatorError,
		Error: cause.Error(),
	}

	if _, err := e.store.InsertResult(ctx, runID, nil, payload); err != nil {
		e.log.WithError(err).WithField("run_id", runID).
			Error("Failed to record diagnostic result")
	}
}

func (e *engine) refreshState(ctx context.Context, it *Iteration) {
	if current, err := e.store.GetRun(ctx, it.RunID); err == nil {
		it.State = current.State
	}
}

func (e *engine) handoff(ctx context.Context, runID string) {
	if e.reviews == nil {
		return
	}

	if err := e.reviews.Review(ctx, runID); err != nil {
		e.log.WithError(err).WithField("run_id", runID).Error("Review handoff failed")
	}
}

func kindName(k action.Kind) string {
	if k == 0 {
		return "none"
	}

	return k.String()
}

// IsParseFailure reports whether err came from unparsable policy output.
func IsParseFailure(err error) bool {
	return errors.Is(err, action.ErrNoAction) ||
		errors.Is(err, action.ErrAmbiguousAction) ||
		errors.Is(err, action.ErrEmptyPayload)
}
