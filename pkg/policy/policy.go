// Package policy drives the language model that impersonates a user of
// the system under test.
package policy

import (
	"context"
	"fmt"

	"github.com/ethpandaops/impersonatoor/pkg/llm"
	"github.com/ethpandaops/impersonatoor/pkg/store"
	"github.com/ethpandaops/impersonatoor/pkg/trajectory"
	"github.com/sirupsen/logrus"
)

// Impersonator produces the automated user's next message.
type Impersonator interface {
	// Next returns the raw policy output for the run's next step given
	// its full trajectory.
	Next(
		ctx context.Context,
		scenario *store.Scenario,
		run *store.Run,
		msgs []store.TrajectoryMessage,
	) (string, error)
	// Initial returns the raw policy output opening a new run.
	Initial(ctx context.Context, scenario *store.Scenario, temperature float64) (string, error)
}

// Compile-time interface check.
var _ Impersonator = (*impersonator)(nil)

type impersonator struct {
	log logrus.FieldLogger
	llm llm.Client
}

// NewImpersonator creates an Impersonator backed by client.
func NewImpersonator(log logrus.FieldLogger, client llm.Client) Impersonator {
	return &impersonator{
		log: log.WithField("component", "impersonator"),
		llm: client,
	}
}

func (p *impersonator) Next(
	ctx context.Context,
	scenario *store.Scenario,
	run *store.Run,
	msgs []store.TrajectoryMessage,
) (string, error) {
	out, err := p.llm.Complete(ctx, llm.Request{
		System:      ImpersonationPrompt,
		Prompt:      scenario.Prompt,
		History:     trajectory.History(msgs),
		Temperature: run.LLMTemperature,
	})
	if err != nil {
		return "", fmt.Errorf("calling impersonation policy: %w", err)
	}

	p.log.WithFields(logrus.Fields{
		"run_id":  run.ID,
		"history": len(msgs),
	}).Debug("Impersonation policy responded")

	return out, nil
}

func (p *impersonator) Initial(
	ctx context.Context, scenario *store.Scenario, temperature float64,
) (string, error) {
	out, err := p.llm.Complete(ctx, llm.Request{
		System:      InitialRequestPrompt,
		Prompt:      initialRequestPreamble + scenario.Prompt,
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("calling impersonation policy: %w", err)
	}

	return out, nil
}
