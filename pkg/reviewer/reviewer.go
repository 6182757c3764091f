// Package reviewer scores terminal runs. Each reviewer of a run's scenario
// evaluates the final trajectory independently, may test the website on
// its own, and yields at most one Result.
package reviewer

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/impersonatoor/pkg/action"
	"github.com/ethpandaops/impersonatoor/pkg/config"
	"github.com/ethpandaops/impersonatoor/pkg/llm"
	"github.com/ethpandaops/impersonatoor/pkg/policy"
	"github.com/ethpandaops/impersonatoor/pkg/store"
	"github.com/ethpandaops/impersonatoor/pkg/trajectory"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// conversationHeader introduces the run transcript to a reviewer.
	conversationHeader = "Conversation between the user and the tool:"

	writeBackTimeout = 30 * time.Second
)

// Pipeline evaluates terminal runs.
type Pipeline interface {
	// Review evaluates a terminal run with every reviewer of its scenario.
	// Only the first caller for a run does any work.
	Review(ctx context.Context, runID string) error
	// ProcessPending reviews the oldest terminal run whose review has not
	// started. It returns the run id, or "" when nothing is pending.
	ProcessPending(ctx context.Context) (string, error)
}

// Compile-time interface check.
var _ Pipeline = (*pipeline)(nil)

type pipeline struct {
	log         logrus.FieldLogger
	store       store.Store
	llm         llm.Client
	dispatcher  action.Dispatcher
	concurrency int
	maxTurns    int
}

// New creates a reviewer Pipeline.
func New(
	log logrus.FieldLogger,
	st store.Store,
	client llm.Client,
	dispatcher action.Dispatcher,
	cfg *config.EngineConfig,
) Pipeline {
	concurrency := cfg.ReviewerConcurrency
	if concurrency <= 0 {
		concurrency = config.DefaultReviewerConcurrency
	}

	maxTurns := cfg.ReviewerMaxTurns
	if maxTurns <= 0 {
		maxTurns = config.DefaultReviewerMaxTurns
	}

	return &pipeline{
		log:         log.WithField("component", "reviewer"),
		store:       st,
		llm:         client,
		dispatcher:  dispatcher,
		concurrency: concurrency,
		maxTurns:    maxTurns,
	}
}

func (p *pipeline) ProcessPending(ctx context.Context) (string, error) {
	run, err := p.store.SelectOldestUnreviewedRun(ctx)
	if err != nil {
		return "", fmt.Errorf("selecting unreviewed run: %w", err)
	}

	if run == nil {
		return "", nil
	}

	if err := p.Review(ctx, run.ID); err != nil {
		return run.ID, err
	}

	return run.ID, nil
}

func (p *pipeline) Review(ctx context.Context, runID string) error {
	log := p.log.WithField("run_id", runID)

	claimed, err := p.store.ClaimReview(ctx, runID)
	if err != nil {
		return fmt.Errorf("claiming review: %w", err)
	}

	if !claimed {
		log.Debug("Review already claimed or run not terminal")

		return nil
	}

	run, reviewers, transcript, err := p.load(ctx, runID)
	if err != nil {
		wctx, cancel := writeBackContext(ctx)
		defer cancel()

		if rerr := p.store.ReleaseReview(wctx, runID); rerr != nil {
			log.WithError(rerr).Error("Failed to release review")
		}

		return err
	}

	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for i := range reviewers {
		r := reviewers[i]

		g.Go(func() error {
			p.reviewOne(gctx, run, &r, transcript)

			return nil
		})
	}

	_ = g.Wait()

	wctx, cancel := writeBackContext(ctx)
	defer cancel()

	if err := p.store.CompleteReview(wctx, runID); err != nil {
		return fmt.Errorf("completing review: %w", err)
	}

	log.WithFields(logrus.Fields{
		"state":     run.State,
		"reviewers": len(reviewers),
		"duration":  time.Since(start).Round(time.Millisecond).String(),
	}).Info("Review completed")

	return nil
}

// writeBackContext detaches review bookkeeping from the caller so a claimed
// review is never left half-recorded.
func writeBackContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeBackTimeout)
}

// load reads what a review needs before any reviewer is invoked.
func (p *pipeline) load(
	ctx context.Context, runID string,
) (*store.Run, []store.Reviewer, string, error) {
	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, "", fmt.Errorf("loading run: %w", err)
	}

	reviewers, err := p.store.ListScenarioReviewers(ctx, run.ScenarioID)
	if err != nil {
		return nil, nil, "", fmt.Errorf("loading reviewers: %w", err)
	}

	msgs, err := p.store.ReadTrajectory(ctx, runID)
	if err != nil {
		return nil, nil, "", fmt.Errorf("loading trajectory: %w", err)
	}

	return run, reviewers, trajectory.Transcript(msgs), nil
}

// reviewOne invokes a reviewer run_count times and stores the mean of the
// successful scores. A reviewer with no successful invocation is logged
// and yields no Result.
func (p *pipeline) reviewOne(
	ctx context.Context, run *store.Run, r *store.Reviewer, transcript string,
) {
	log := p.log.WithFields(logrus.Fields{
		"run_id":      run.ID,
		"reviewer_id": r.ID,
		"dimension":   r.Dimension,
	})

	count := r.RunCount
	if count <= 0 {
		count = 1
	}

	invocations := make([]store.ReviewerInvocation, 0, count)

	var (
		sum       float64
		succeeded int
	)

	for range count {
		inv := p.invoke(ctx, run, r, transcript)
		invocations = append(invocations, inv)

		if inv.Score != nil {
			sum += *inv.Score
			succeeded++
		} else {
			log.WithField("error", inv.Error).Warn("Reviewer invocation failed")
		}
	}

	if succeeded == 0 {
		log.Warn("Reviewer produced no score, skipping result")

		return
	}

	mean := sum / float64(succeeded)

	payload := store.ResultPayload{
		Type:        store.PayloadTypeReview,
		Score:       &mean,
		Dimension:   r.Dimension,
		Invocations: invocations,
	}

	wctx, cancel := writeBackContext(ctx)
	defer cancel()

	if _, err := p.store.InsertResult(wctx, run.ID, &r.ID, payload); err != nil {
		log.WithError(err).Error("Failed to store review result")

		return
	}

	log.WithFields(logrus.Fields{
		"score":       mean,
		"invocations": count,
		"succeeded":   succeeded,
	}).Info("Reviewer scored run")
}

// invoke runs one reviewer conversation to a score. The accumulator lives
// only here; website tests it requests never touch the run trajectory.
func (p *pipeline) invoke(
	ctx context.Context, run *store.Run, r *store.Reviewer, transcript string,
) store.ReviewerInvocation {
	prompt := r.Prompt + "\n\n" + conversationHeader + "\n\n" + transcript

	var (
		history []llm.Message
		record  = []store.TranscriptMessage{{Role: llm.RoleUser, Content: prompt}}
	)

	fail := func(err error) store.ReviewerInvocation {
		return store.ReviewerInvocation{Error: err.Error(), Transcript: record}
	}

	for range p.maxTurns {
		out, err := p.llm.Complete(ctx, llm.Request{
			System:      policy.ReviewerPrompt,
			Prompt:      prompt,
			History:     history,
			Temperature: r.LLMTemperature,
		})
		if err != nil {
			return fail(fmt.Errorf("calling reviewer policy: %w", err))
		}

		history = append(history, llm.Message{Role: llm.RoleAssistant, Content: out})
		record = append(record, store.TranscriptMessage{Role: llm.RoleAssistant, Content: out})

		score, found, err := ParseScore(out)
		if err != nil {
			return fail(err)
		}

		if found {
			return store.ReviewerInvocation{Score: &score, Transcript: record}
		}

		instructions, ok := action.FindTestWebsite(out)
		if !ok {
			return fail(ErrNoScore)
		}

		content, err := p.dispatcher.Execute(ctx, run, action.Action{
			Kind:    action.KindTestWebsite,
			Payload: instructions,
		})
		if err != nil {
			content = "Website test failed: " + err.Error()
		}

		msg := trajectory.ToolMessage(content)
		history = append(history, msg)
		record = append(record, store.TranscriptMessage{Role: llm.RoleUser, Content: msg.Content})
	}

	return fail(fmt.Errorf("%w: %d turns", ErrMaxTurns, p.maxTurns))
}
