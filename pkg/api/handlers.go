package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethpandaops/impersonatoor/pkg/artifact"
	"github.com/ethpandaops/impersonatoor/pkg/benchmark"
	"github.com/ethpandaops/impersonatoor/pkg/engine"
	"github.com/ethpandaops/impersonatoor/pkg/scoring"
	"github.com/ethpandaops/impersonatoor/pkg/store"
	"github.com/go-chi/chi/v5"
)

const maxRequestBody = 1 << 20

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeStoreError maps store errors to a status code.
func (s *server) writeStoreError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{what + " not found"})

		return
	}

	s.log.WithError(err).Error("Store request failed")
	writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Catalog ---

func (s *server) handleListScenarios(w http.ResponseWriter, r *http.Request) {
	scenarios, err := s.store.ListScenarios(r.Context())
	if err != nil {
		s.writeStoreError(w, err, "scenarios")

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"scenarios": scenarios})
}

func (s *server) handleListScenarioReviewers(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetScenario(r.Context(), id); err != nil {
		s.writeStoreError(w, err, "scenario")

		return
	}

	reviewers, err := s.store.ListScenarioReviewers(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "reviewers")

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"reviewers": reviewers})
}

// --- Runs ---

// handleListRuns lists runs newest first, filtered by the state,
// scenario_id and system_version query parameters.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.RunFilter{
		State:         store.State(q.Get("state")),
		ScenarioID:    q.Get("scenario_id"),
		SystemVersion: q.Get("system_version"),
	}

	if filter.State != "" && !filter.State.Valid() {
		writeJSON(w, http.StatusBadRequest, errorResponse{"unknown state"})

		return
	}

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{"invalid limit"})

			return
		}

		filter.Limit = limit
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err, "runs")

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err, "run")

		return
	}

	writeJSON(w, http.StatusOK, run)
}

func (s *server) handleGetTrajectory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		s.writeStoreError(w, err, "run")

		return
	}

	msgs, err := s.store.ReadTrajectory(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "trajectory")

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *server) handleGetResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		s.writeStoreError(w, err, "run")

		return
	}

	results, err := s.store.ListResults(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "results")

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handleScores aggregates review scores, optionally for one system
// version.
func (s *server) handleScores(w http.ResponseWriter, r *http.Request) {
	results, err := s.store.ListScoredResults(
		r.Context(), r.URL.Query().Get("system_version"),
	)
	if err != nil {
		s.writeStoreError(w, err, "scores")

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"versions": scoring.Aggregate(results),
	})
}

// --- Actions ---

func (s *server) handleStartBenchmark(w http.ResponseWriter, r *http.Request) {
	var req benchmark.Request

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})

		return
	}

	runs, err := s.starter.Start(r.Context(), req)

	switch {
	case errors.Is(err, benchmark.ErrNoScenarios),
		errors.Is(err, benchmark.ErrNoSystemVersion):
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": err.Error(),
			"runs":  runs,
		})

		return
	case err != nil:
		s.log.WithError(err).Warn("Starting benchmark failed")
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": err.Error(),
			"runs":  runs,
		})

		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"runs": runs})
}

type iterationResponse struct {
	RunID         string         `json:"run_id,omitempty"`
	Outcome       engine.Outcome `json:"outcome"`
	State         store.State    `json:"state,omitempty"`
	Action        string         `json:"action,omitempty"`
	ElapsedMs     int64          `json:"elapsed_ms"`
	Error         string         `json:"error,omitempty"`
	ReviewedRunID string         `json:"reviewed_run_id,omitempty"`
}

// handleIteration runs one unit of poller work so an external scheduler
// can drive the engine.
func (s *server) handleIteration(w http.ResponseWriter, r *http.Request) {
	it, err := s.engine.ProcessOne(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Iteration failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"iteration failed"})

		return
	}

	resp := iterationResponse{
		RunID:     it.RunID,
		Outcome:   it.Outcome,
		State:     it.State,
		ElapsedMs: it.Elapsed.Milliseconds(),
	}

	if it.Action != 0 {
		resp.Action = it.Action.String()
	}

	if it.Err != nil {
		resp.Error = it.Err.Error()
	}

	if s.reviews != nil {
		reviewed, err := s.reviews.ProcessPending(r.Context())
		if err != nil {
			s.log.WithError(err).WithField("run_id", reviewed).
				Warn("Pending review failed")
		}

		resp.ReviewedRunID = reviewed
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleSweep(w http.ResponseWriter, r *http.Request) {
	timedOut, err := s.watchdog.Sweep(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Watchdog sweep failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"sweep failed"})

		return
	}

	if timedOut == nil {
		timedOut = []string{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"timed_out": timedOut})
}

// handleArtifact serves an archived artifact such as a screenshot.
func (s *server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")

	data, err := s.artifacts.Get(r.Context(), key)

	switch {
	case errors.Is(err, artifact.ErrInvalidKey):
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid artifact key"})

		return
	case err != nil:
		s.log.WithError(err).WithField("key", key).Error("Reading artifact failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})

		return
	case data == nil:
		writeJSON(w, http.StatusNotFound, errorResponse{"artifact not found"})

		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)

	_, _ = w.Write(data)
}
