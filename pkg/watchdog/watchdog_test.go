package watchdog_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/impersonatoor/pkg/config"
	"github.com/ethpandaops/impersonatoor/pkg/store"
	"github.com/ethpandaops/impersonatoor/pkg/watchdog"
)

func setup(t *testing.T) (store.Store, string) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver:       "sqlite",
		MaxOpenConns: 1,
		SQLite:       config.SQLiteDatabaseConfig{Path: filepath.Join(t.TempDir(), "watchdog.db")},
	})
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	require.NoError(t, st.SeedCatalog(context.Background(), &config.Catalog{
		Scenarios: []config.CatalogScenario{{Name: "s", Prompt: "p", TimeoutSeconds: 5}},
	}))

	scenarios, err := st.ListScenarios(context.Background())
	require.NoError(t, err)

	return st, scenarios[0].ID
}

func newRun(t *testing.T, st store.Store, scenarioID string, usage time.Duration) *store.Run {
	t.Helper()

	run := &store.Run{ScenarioID: scenarioID, SystemVersion: "v1", ProjectID: "p"}
	require.NoError(t, st.CreateRun(context.Background(), run))
	require.NoError(t, st.AccumulateTimeUsage(context.Background(), run.ID, usage))

	return run
}

func TestSweep_IsIdempotent(t *testing.T) {
	st, scenarioID := setup(t)
	ctx := context.Background()

	stale := newRun(t, st, scenarioID, 6*time.Second)
	fresh := newRun(t, st, scenarioID, 2*time.Second)

	w := watchdog.New(logrus.New(), st, time.Minute)

	first, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{stale.ID}, first)

	second, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, second, "second sweep is a no-op")

	got, err := st.GetRun(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateTimedOut, got.State)

	got, err = st.GetRun(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatePaused, got.State)
}

func TestSweep_ClaimAfterTimeoutFails(t *testing.T) {
	st, scenarioID := setup(t)
	ctx := context.Background()

	run := newRun(t, st, scenarioID, 10*time.Second)

	_, err := watchdog.New(logrus.New(), st, time.Minute).Sweep(ctx)
	require.NoError(t, err)

	claimed, err := st.ClaimRun(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestSweep_RunningOverBudget(t *testing.T) {
	st, scenarioID := setup(t)
	ctx := context.Background()

	within := newRun(t, st, scenarioID, time.Second)
	over := newRun(t, st, scenarioID, 7*time.Second)

	for _, r := range []*store.Run{within, over} {
		ok, err := st.ClaimRun(ctx, r.ID)
		require.NoError(t, err)
		require.True(t, ok)
	}

	timedOut, err := watchdog.New(logrus.New(), st, time.Minute).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{over.ID}, timedOut)

	got, err := st.GetRun(ctx, within.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateRunning, got.State, "runs within budget are never touched")
}

func TestSweep_SkipsTerminalRuns(t *testing.T) {
	st, scenarioID := setup(t)
	ctx := context.Background()

	run := newRun(t, st, scenarioID, 9*time.Second)

	_, err := st.ClaimRun(ctx, run.ID)
	require.NoError(t, err)

	_, err = st.UpdateRunState(ctx, run.ID, store.StateCompleted)
	require.NoError(t, err)

	timedOut, err := watchdog.New(logrus.New(), st, time.Minute).Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, timedOut)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateCompleted, got.State)
}

func TestWatchdog_StartStop(t *testing.T) {
	st, scenarioID := setup(t)
	run := newRun(t, st, scenarioID, 6*time.Second)

	w := watchdog.New(logrus.New(), st, 10*time.Millisecond)
	require.NoError(t, w.Start(context.Background()))

	require.Eventually(t, func() bool {
		got, err := st.GetRun(context.Background(), run.ID)

		return err == nil && got.State == store.StateTimedOut
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Stop())
}

func TestWatchdog_RejectsNonPositiveInterval(t *testing.T) {
	st, _ := setup(t)

	require.Error(t, watchdog.New(logrus.New(), st, 0).Start(context.Background()))
}

func TestWatchdog_StopIsIdempotent(t *testing.T) {
	st, _ := setup(t)

	w := watchdog.New(logrus.New(), st, time.Hour)
	require.NoError(t, w.Stop(), "stop before start")

	w = watchdog.New(logrus.New(), st, time.Hour)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}
