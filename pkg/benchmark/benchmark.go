// Package benchmark creates new runs: for each scenario it asks the
// impersonation policy for an opening request, creates a project on the
// system under test and stores a paused run ready for the pollers.
package benchmark

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethpandaops/impersonatoor/pkg/action"
	"github.com/ethpandaops/impersonatoor/pkg/policy"
	"github.com/ethpandaops/impersonatoor/pkg/store"
	"github.com/ethpandaops/impersonatoor/pkg/sut"
	"github.com/sirupsen/logrus"
)

// ErrNoScenarios is returned when a request selects no scenarios.
var ErrNoScenarios = errors.New("no scenarios selected")

// ErrNoSystemVersion is returned when a request has no system version.
var ErrNoSystemVersion = errors.New("system version is required")

// Request selects the scenarios to run against one system version.
type Request struct {
	SystemVersion string   `json:"system_version"`
	ScenarioIDs   []string `json:"scenario_ids"`
	UserID        string   `json:"user_id,omitempty"`
}

// Starter starts benchmarks.
type Starter interface {
	// Start creates one paused run per scenario in order. It stops at the
	// first failure and returns the runs created before it.
	Start(ctx context.Context, req Request) ([]store.Run, error)
}

// Compile-time interface check.
var _ Starter = (*starter)(nil)

type starter struct {
	log          logrus.FieldLogger
	store        store.Store
	impersonator policy.Impersonator
	chat         sut.ChatClient
}

// NewStarter creates a new Starter.
func NewStarter(
	log logrus.FieldLogger,
	st store.Store,
	impersonator policy.Impersonator,
	chat sut.ChatClient,
) Starter {
	return &starter{
		log:          log.WithField("component", "benchmark"),
		store:        st,
		impersonator: impersonator,
		chat:         chat,
	}
}

func (s *starter) Start(ctx context.Context, req Request) ([]store.Run, error) {
	systemVersion := strings.TrimRight(strings.TrimSpace(req.SystemVersion), "/")
	if systemVersion == "" {
		return nil, ErrNoSystemVersion
	}

	if len(req.ScenarioIDs) == 0 {
		return nil, ErrNoScenarios
	}

	runs := make([]store.Run, 0, len(req.ScenarioIDs))

	for _, scenarioID := range req.ScenarioIDs {
		run, err := s.startOne(ctx, scenarioID, systemVersion, req.UserID)
		if err != nil {
			return runs, fmt.Errorf("starting scenario %s: %w", scenarioID, err)
		}

		runs = append(runs, *run)
	}

	return runs, nil
}

func (s *starter) startOne(
	ctx context.Context, scenarioID, systemVersion, userID string,
) (*store.Run, error) {
	scenario, err := s.store.GetScenario(ctx, scenarioID)
	if err != nil {
		return nil, err
	}

	initial, err := s.impersonator.Initial(ctx, scenario, scenario.LLMTemperature)
	if err != nil {
		return nil, err
	}

	act, err := action.Parse(initial)
	if err != nil {
		return nil, fmt.Errorf("parsing initial request: %w", err)
	}

	if act.Kind != action.KindChatRequest {
		return nil, fmt.Errorf("initial request must be a %s, got %s",
			action.KindChatRequest, act.Kind)
	}

	project, err := s.chat.CreateProject(ctx, systemVersion, act.Payload)
	if err != nil {
		return nil, fmt.Errorf("creating project: %w", err)
	}

	link := project.Link
	if link == "" {
		link = fmt.Sprintf("%s/projects/%s", systemVersion, project.ID)
	}

	run := &store.Run{
		ScenarioID:     scenario.ID,
		SystemVersion:  systemVersion,
		ProjectID:      project.ID,
		Link:           link,
		UserID:         userID,
		State:          store.StatePaused,
		LLMTemperature: scenario.LLMTemperature,
	}

	// The project is created from the opening request, so it is the first
	// entry the policy sees on the next iteration.
	if err := s.store.CreateRunWithOpening(ctx, run, initial); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"run_id":         run.ID,
		"scenario":       scenario.Name,
		"system_version": systemVersion,
		"project_id":     project.ID,
	}).Info("Created paused run")

	return run, nil
}
