package batch

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/riskbatch/internal/database"
)

func newTestHistory(t *testing.T) *History {
	t.Helper()

	db, err := database.NewInMemory("runs")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Migrate())
	for _, table := range []string{"batch_run_progress", "batch_runs"} {
		_, err := db.Exec("DELETE FROM " + table)
		require.NoError(t, err)
	}

	return NewHistory(db, zerolog.Nop())
}

func TestHistoryRunLifecycle(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()
	startedAt := time.Date(2026, 2, 2, 21, 0, 0, 0, time.UTC)

	id, err := h.StartRun(ctx, SourceScheduler, UniverseScope(), startedAt)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	run, err := h.GetRun(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, run)
	require.Equal(t, StatusRunning, run.Status)
	require.Equal(t, SourceScheduler, run.Source)
	require.Equal(t, ScopeUniverse, run.Scope)
	require.Nil(t, run.CompletedAt)

	progress := RunProgress{
		Dates:     []string{"2026-02-02"},
		Attempted: 8, Succeeded: 6, Skipped: 1, Failed: 1,
	}
	require.NoError(t, h.CompleteRun(ctx, id, StatusCompleted, "", progress, startedAt.Add(5*time.Minute)))

	run, err = h.GetRun(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, run.Status)
	require.NotNil(t, run.CompletedAt)
	require.Equal(t, 6, run.Progress.Succeeded)
	require.Equal(t, []string{"2026-02-02"}, run.Progress.Dates)
}

func TestHistoryCompleteRunIsSingleWriter(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()
	startedAt := time.Now().UTC()

	id, err := h.StartRun(ctx, SourceAdmin, PortfolioScope("p-1"), startedAt)
	require.NoError(t, err)

	require.NoError(t, h.CompleteRun(ctx, id, StatusCancelled, "cancelled", RunProgress{}, startedAt))

	// A second terminal transition must not overwrite the first
	require.NoError(t, h.CompleteRun(ctx, id, StatusCompleted, "", RunProgress{}, startedAt))

	run, err := h.GetRun(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, run.Status, "terminal runs never reopen")
}

func TestHistoryGetRunMissing(t *testing.T) {
	h := newTestHistory(t)

	run, err := h.GetRun(context.Background(), "nope")
	require.NoError(t, err)
	require.Nil(t, run)
}

func TestHistoryExpireStale(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 2, 21, 0, 0, 0, time.UTC)

	staleID, err := h.StartRun(ctx, SourceScheduler, UniverseScope(), now.Add(-2*time.Hour))
	require.NoError(t, err)
	freshID, err := h.StartRun(ctx, SourceAdmin, UniverseScope(), now.Add(-5*time.Minute))
	require.NoError(t, err)

	n, err := h.ExpireStale(ctx, 30*time.Minute, now)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stale, err := h.GetRun(ctx, staleID)
	require.NoError(t, err)
	require.Equal(t, StatusAutoExpired, stale.Status)
	require.NotNil(t, stale.CompletedAt)

	fresh, err := h.GetRun(ctx, freshID)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, fresh.Status)
}

func TestHistoryPruneOlderThan(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 2, 21, 0, 0, 0, time.UTC)

	oldID, err := h.StartRun(ctx, SourceScheduler, UniverseScope(), now.AddDate(0, 0, -120))
	require.NoError(t, err)
	require.NoError(t, h.CompleteRun(ctx, oldID, StatusCompleted, "", RunProgress{}, now.AddDate(0, 0, -120)))
	require.NoError(t, h.RecordProgress(ctx, ProgressEntry{
		RunID: oldID, PortfolioID: "p-1", AsOfDate: now.AddDate(0, 0, -120),
		Engine: "portfolio_snapshot", Status: "succeeded", CommittedAt: now.AddDate(0, 0, -120),
	}))

	recentID, err := h.StartRun(ctx, SourceScheduler, UniverseScope(), now.AddDate(0, 0, -10))
	require.NoError(t, err)
	require.NoError(t, h.CompleteRun(ctx, recentID, StatusCompleted, "", RunProgress{}, now.AddDate(0, 0, -10)))

	// Still-running runs are never pruned regardless of age
	runningID, err := h.StartRun(ctx, SourceManual, UniverseScope(), now.AddDate(0, 0, -120))
	require.NoError(t, err)

	n, err := h.PruneOlderThan(ctx, 90*24*time.Hour, now)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	old, err := h.GetRun(ctx, oldID)
	require.NoError(t, err)
	require.Nil(t, old)

	progress, err := h.ProgressFor(ctx, oldID)
	require.NoError(t, err)
	require.Empty(t, progress, "progress rows pruned with their run")

	recent, err := h.GetRun(ctx, recentID)
	require.NoError(t, err)
	require.NotNil(t, recent)

	running, err := h.GetRun(ctx, runningID)
	require.NoError(t, err)
	require.NotNil(t, running)
}

func TestHistoryProgressRoundTrip(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 2, 21, 0, 0, 0, time.UTC)

	id, err := h.StartRun(ctx, SourceOnboarding, PortfolioScope("p-1"), now)
	require.NoError(t, err)

	require.NoError(t, h.RecordProgress(ctx, ProgressEntry{
		RunID: id, PortfolioID: "p-1",
		AsOfDate: time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC),
		Engine:   "position_volatility", Status: "skipped",
		Error: "insufficient data", CommittedAt: now,
	}))

	entries, err := h.ProgressFor(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "position_volatility", entries[0].Engine)
	require.Equal(t, "skipped", entries[0].Status)
	require.Equal(t, "insufficient data", entries[0].Error)
	require.True(t, entries[0].AsOfDate.Equal(time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)))
}

func TestHistoryListRunsNewestFirst(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 2, 21, 0, 0, 0, time.UTC)

	_, err := h.StartRun(ctx, SourceScheduler, UniverseScope(), now.Add(-2*time.Hour))
	require.NoError(t, err)
	newest, err := h.StartRun(ctx, SourceAdmin, UniverseScope(), now)
	require.NoError(t, err)

	runs, err := h.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, newest, runs[0].ID)
}
