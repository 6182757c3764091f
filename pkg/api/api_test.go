package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/impersonatoor/pkg/action"
	"github.com/ethpandaops/impersonatoor/pkg/artifact"
	"github.com/ethpandaops/impersonatoor/pkg/benchmark"
	"github.com/ethpandaops/impersonatoor/pkg/config"
	"github.com/ethpandaops/impersonatoor/pkg/engine"
	"github.com/ethpandaops/impersonatoor/pkg/fakes"
	"github.com/ethpandaops/impersonatoor/pkg/llm"
	"github.com/ethpandaops/impersonatoor/pkg/policy"
	"github.com/ethpandaops/impersonatoor/pkg/reviewer"
	"github.com/ethpandaops/impersonatoor/pkg/scoring"
	"github.com/ethpandaops/impersonatoor/pkg/store"
	"github.com/ethpandaops/impersonatoor/pkg/sut"
	"github.com/ethpandaops/impersonatoor/pkg/watchdog"
)

type testEnv struct {
	srv       *httptest.Server
	store     store.Store
	artifacts artifact.Store
	scenario  store.Scenario
}

// scriptedModel answers as the impersonation policy, the opening request
// or a reviewer depending on the system prompt.
func scriptedModel(req llm.Request) (string, error) {
	switch req.System {
	case policy.InitialRequestPrompt:
		return "<lov-chat-request>Build a todo app</lov-chat-request>", nil
	case policy.ImpersonationPrompt:
		return "Happy with it. <lov-scenario-finished/>", nil
	default:
		return "Works well. <lov-score>8</lov-score>", nil
	}
}

func newTestEnv(t *testing.T, cfg *config.APIConfig) *testEnv {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver:       "sqlite",
		MaxOpenConns: 1,
		SQLite:       config.SQLiteDatabaseConfig{Path: filepath.Join(t.TempDir(), "api.db")},
	})
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	require.NoError(t, st.SeedCatalog(context.Background(), &config.Catalog{
		Reviewers: []config.CatalogReviewer{
			{Name: "functionality", Dimension: "functionality", Prompt: "Judge functionality.", Weight: 1, RunCount: 1},
		},
		Scenarios: []config.CatalogScenario{
			{Name: "todo", Prompt: "You want a todo app.", LLMTemperature: 0.2, TimeoutSeconds: 60, Reviewers: []string{"functionality"}},
		},
	}))

	scenarios, err := st.ListScenarios(context.Background())
	require.NoError(t, err)
	require.Len(t, scenarios, 1)

	artifacts, err := artifact.NewLocalStore(log, &config.LocalStorageConfig{Enabled: true, Dir: t.TempDir()})
	require.NoError(t, err)

	model := &fakes.LLM{Respond: scriptedModel}
	chat := &fakes.Chat{Project: sut.Project{ID: "proj-1"}, Response: "Done"}
	browser := &fakes.Browser{Result: sut.TestResult{Result: "Looks right"}}

	impersonator := policy.NewImpersonator(log, model)
	dispatcher := action.NewDispatcher(log, st, chat, browser, artifacts)
	reviews := reviewer.New(log, st, model, dispatcher, &config.EngineConfig{})

	s := newServer(log, cfg, Dependencies{
		Store:     st,
		Engine:    engine.New(log, st, impersonator, dispatcher, reviews),
		Reviews:   reviews,
		Watchdog:  watchdog.New(log, st, time.Minute),
		Starter:   benchmark.NewStarter(log, st, impersonator, chat),
		Artifacts: artifacts,
	})
	t.Cleanup(func() { _ = s.Stop() })

	srv := httptest.NewServer(s.buildRouter())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: st, artifacts: artifacts, scenario: scenarios[0]}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()

	var reader *bytes.Reader

	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, e.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}

	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, &config.APIConfig{})

	var body map[string]string
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/health", nil, &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRunLifecycle(t *testing.T) {
	env := newTestEnv(t, &config.APIConfig{})

	var started struct {
		Runs []store.Run `json:"runs"`
	}

	status := env.do(t, http.MethodPost, "/api/v1/benchmarks", benchmark.Request{
		SystemVersion: "https://sut.example",
		ScenarioIDs:   []string{env.scenario.ID},
		UserID:        "user-1",
	}, &started)
	require.Equal(t, http.StatusCreated, status)
	require.Len(t, started.Runs, 1)

	runID := started.Runs[0].ID
	assert.Equal(t, store.StatePaused, started.Runs[0].State)

	var listed struct {
		Runs []store.Run `json:"runs"`
	}

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/runs?state=paused", nil, &listed))
	require.Len(t, listed.Runs, 1)
	assert.Equal(t, runID, listed.Runs[0].ID)

	var it iterationResponse

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/iterations", nil, &it))
	assert.Equal(t, runID, it.RunID)
	assert.Equal(t, engine.OutcomeCompleted, it.Outcome)
	assert.Equal(t, store.StateCompleted, it.State)
	assert.Equal(t, "scenario_finished", it.Action)

	var run store.Run

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/runs/"+runID, nil, &run))
	assert.Equal(t, store.StateCompleted, run.State)
	assert.NotNil(t, run.ReviewCompletedAt)

	var traj struct {
		Messages []store.TrajectoryMessage `json:"messages"`
	}

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/runs/"+runID+"/trajectory", nil, &traj))
	require.Len(t, traj.Messages, 2)
	assert.Equal(t, store.RoleImpersonator, traj.Messages[0].Role)
	assert.Contains(t, traj.Messages[1].Content, "<lov-scenario-finished/>")

	var results struct {
		Results []store.Result `json:"results"`
	}

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/runs/"+runID+"/results", nil, &results))
	require.Len(t, results.Results, 1)
	require.NotNil(t, results.Results[0].Payload.Score)
	assert.InDelta(t, 8.0, *results.Results[0].Payload.Score, 1e-9)

	var scores struct {
		Versions []scoring.VersionSummary `json:"versions"`
	}

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/scores?system_version=https://sut.example", nil, &scores))
	require.Len(t, scores.Versions, 1)
	assert.InDelta(t, 8.0, scores.Versions[0].Overall, 1e-9)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/iterations", nil, &it))
	assert.Equal(t, engine.OutcomeIdle, it.Outcome)
}

func TestCatalogEndpoints(t *testing.T) {
	env := newTestEnv(t, &config.APIConfig{})

	var scenarios struct {
		Scenarios []store.Scenario `json:"scenarios"`
	}

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/scenarios", nil, &scenarios))
	require.Len(t, scenarios.Scenarios, 1)
	assert.Equal(t, "todo", scenarios.Scenarios[0].Name)

	var reviewers struct {
		Reviewers []store.Reviewer `json:"reviewers"`
	}

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet,
		"/api/v1/scenarios/"+env.scenario.ID+"/reviewers", nil, &reviewers))
	require.Len(t, reviewers.Reviewers, 1)
	assert.Equal(t, "functionality", reviewers.Reviewers[0].Dimension)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/v1/scenarios/missing/reviewers", nil, nil))
}

func TestErrorResponses(t *testing.T) {
	env := newTestEnv(t, &config.APIConfig{})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{name: "missing run", method: http.MethodGet, path: "/api/v1/runs/missing", want: http.StatusNotFound},
		{name: "missing trajectory", method: http.MethodGet, path: "/api/v1/runs/missing/trajectory", want: http.StatusNotFound},
		{name: "missing results", method: http.MethodGet, path: "/api/v1/runs/missing/results", want: http.StatusNotFound},
		{name: "unknown state", method: http.MethodGet, path: "/api/v1/runs?state=bogus", want: http.StatusBadRequest},
		{name: "negative limit", method: http.MethodGet, path: "/api/v1/runs?limit=-1", want: http.StatusBadRequest},
		{name: "malformed body", method: http.MethodPost, path: "/api/v1/benchmarks", body: "{", want: http.StatusBadRequest},
		{
			name:   "no system version",
			method: http.MethodPost,
			path:   "/api/v1/benchmarks",
			body:   benchmark.Request{ScenarioIDs: []string{"x"}},
			want:   http.StatusBadRequest,
		},
		{
			name:   "unknown scenario",
			method: http.MethodPost,
			path:   "/api/v1/benchmarks",
			body:   benchmark.Request{SystemVersion: "https://sut.example", ScenarioIDs: []string{"missing"}},
			want:   http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]any

			assert.Equal(t, tt.want, env.do(t, tt.method, tt.path, tt.body, &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestSweep(t *testing.T) {
	env := newTestEnv(t, &config.APIConfig{})

	run := &store.Run{ScenarioID: env.scenario.ID, SystemVersion: "https://sut.example", ProjectID: "p"}
	require.NoError(t, env.store.CreateRun(context.Background(), run))
	require.NoError(t, env.store.AccumulateTimeUsage(context.Background(), run.ID, 61*time.Second))

	var body struct {
		TimedOut []string `json:"timed_out"`
	}

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/sweeps", nil, &body))
	assert.Equal(t, []string{run.ID}, body.TimedOut)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/sweeps", nil, &body))
	assert.Empty(t, body.TimedOut)
	assert.NotNil(t, body.TimedOut)
}

func TestArtifacts(t *testing.T) {
	env := newTestEnv(t, &config.APIConfig{})

	png := []byte("\x89PNG\r\n\x1a\nrest")
	key := artifact.ScreenshotKey("run-1", "shot")

	_, err := env.artifacts.Put(context.Background(), key, png, "image/png")
	require.NoError(t, err)

	resp, err := env.srv.Client().Get(env.srv.URL + "/api/v1/artifacts/" + key)
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/v1/artifacts/runs/none.png", nil, nil))
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/artifacts/runs/..secret", nil, nil))
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, &config.APIConfig{
		RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1},
	})

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/health", nil, nil))
	assert.Equal(t, http.StatusTooManyRequests, env.do(t, http.MethodGet, "/api/v1/health", nil, nil))
}

func TestClientLimits_Prune(t *testing.T) {
	now := time.Date(2024, 8, 1, 12, 0, 0, 0, time.UTC)

	c := newClientLimits(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 2})
	c.now = func() time.Time { return now }

	assert.True(t, c.allow("1.2.3.4"))
	assert.True(t, c.allow("1.2.3.4"))
	assert.False(t, c.allow("1.2.3.4"), "burst exhausted")
	assert.True(t, c.allow("5.6.7.8"), "buckets are per client")

	now = now.Add(clientIdleTTL / 2)
	assert.True(t, c.allow("5.6.7.8"))

	now = now.Add(clientIdleTTL/2 + time.Second)
	assert.Equal(t, 1, c.prune())
	assert.Equal(t, 1, c.tracked())

	assert.True(t, c.allow("1.2.3.4"), "pruned client starts with a fresh bucket")
}

func TestServer_StopIsIdempotent(t *testing.T) {
	s := newServer(logrus.New(), &config.APIConfig{
		Listen:    "127.0.0.1:0",
		RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerMinute: 10},
	}, Dependencies{})

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		remote string
		want   string
	}{
		{name: "remote addr", remote: "10.0.0.1:1234", want: "10.0.0.1"},
		{name: "forwarded chain", xff: "1.2.3.4, 10.0.0.1", remote: "10.0.0.1:1", want: "1.2.3.4"},
		{name: "single forwarded", xff: "1.2.3.4", remote: "10.0.0.1:1", want: "1.2.3.4"},
		{name: "no port", remote: "10.0.0.1", want: "10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", strings.NewReader(""))
			r.RemoteAddr = tt.remote

			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}

			assert.Equal(t, tt.want, extractIP(r))
		})
	}
}
