package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/riskbatch/internal/batch"
)

type fakeRunner struct {
	calls   int
	scope   batch.Scope
	source  batch.Source
	summary *batch.RunSummary
	err     error
}

func (f *fakeRunner) Run(ctx context.Context, scope batch.Scope, backfill bool, source batch.Source) (*batch.RunSummary, error) {
	f.calls++
	f.scope = scope
	f.source = source
	if f.err != nil {
		return nil, f.err
	}
	return f.summary, nil
}

type fakePruner struct {
	calls     int
	retention time.Duration
	pruned    int
	err       error
}

func (f *fakePruner) PruneOlderThan(ctx context.Context, retention time.Duration, now time.Time) (int, error) {
	f.calls++
	f.retention = retention
	return f.pruned, f.err
}

func TestSchedulerAddJobRejectsBadSchedule(t *testing.T) {
	s := New(context.Background(), zerolog.Nop())

	job := NewRunRetentionJob(&fakePruner{}, 90*24*time.Hour, zerolog.Nop())
	require.Error(t, s.AddJob("not a cron expression", job))
	require.NoError(t, s.AddJob("0 0 21 * * 1-5", job))
}

func TestSchedulerRunNow(t *testing.T) {
	s := New(context.Background(), zerolog.Nop())

	pruner := &fakePruner{pruned: 3}
	job := NewRunRetentionJob(pruner, 90*24*time.Hour, zerolog.Nop())

	require.NoError(t, s.RunNow(job))
	assert.Equal(t, 1, pruner.calls)
	assert.Equal(t, 90*24*time.Hour, pruner.retention)
}

func TestNightlyBatchJobRunsUniverse(t *testing.T) {
	runner := &fakeRunner{summary: &batch.RunSummary{
		RunID:     "run-1",
		Status:    batch.StatusCompleted,
		Attempted: 8,
		Succeeded: 8,
	}}
	job := NewNightlyBatchJob(runner, zerolog.Nop())

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 1, runner.calls)
	assert.Equal(t, batch.ScopeUniverse, runner.scope.Kind)
	assert.Equal(t, batch.SourceScheduler, runner.source)
}

func TestNightlyBatchJobSwallowsExpectedConditions(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"already running", batch.ErrAlreadyRunning},
		{"empty universe", batch.ErrNoActivePortfolios},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{err: tt.err}
			job := NewNightlyBatchJob(runner, zerolog.Nop())
			assert.NoError(t, job.Run(context.Background()))
		})
	}
}

func TestNightlyBatchJobSurfacesFailures(t *testing.T) {
	boom := errors.New("runs db is read-only")
	runner := &fakeRunner{err: boom}
	job := NewNightlyBatchJob(runner, zerolog.Nop())

	err := job.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestRunRetentionJobSurfacesFailures(t *testing.T) {
	boom := errors.New("disk full")
	job := NewRunRetentionJob(&fakePruner{err: boom}, 90*24*time.Hour, zerolog.Nop())

	err := job.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestSchedulerRunsRegisteredJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(ctx, zerolog.Nop())

	done := make(chan struct{})
	pruner := &fakePruner{}
	var once bool
	require.NoError(t, s.AddJob("@every 10ms", jobFunc{
		name: "tick",
		fn: func(context.Context) error {
			if !once {
				once = true
				pruner.calls++
				close(done)
			}
			return nil
		},
	}))

	s.Start()
	defer s.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled job never fired")
	}
	assert.Equal(t, 1, pruner.calls)
}

type jobFunc struct {
	name string
	fn   func(context.Context) error
}

func (j jobFunc) Name() string                  { return j.name }
func (j jobFunc) Run(ctx context.Context) error { return j.fn(ctx) }
