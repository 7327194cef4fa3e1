package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/riskbatch/internal/batch"
)

// batchRunner is the slice of the orchestrator the job needs.
type batchRunner interface {
	Run(ctx context.Context, scope batch.Scope, backfill bool, source batch.Source) (*batch.RunSummary, error)
}

// NightlyBatchJob triggers the daily universe-wide calculation run.
// Backfill is always on so the run catches up any trading days missed
// while the service was down.
type NightlyBatchJob struct {
	orc batchRunner
	log zerolog.Logger
}

// NewNightlyBatchJob creates the nightly batch job
func NewNightlyBatchJob(orc batchRunner, log zerolog.Logger) *NightlyBatchJob {
	return &NightlyBatchJob{
		orc: orc,
		log: log.With().Str("job", "nightly_batch").Logger(),
	}
}

func (j *NightlyBatchJob) Name() string { return "nightly_batch" }

// Run kicks off the universe run. Contention with an already-running
// batch is expected (an onboarding backfill may be in flight) and is
// logged rather than treated as a failure. An empty universe is likewise
// a normal state for a fresh deployment.
func (j *NightlyBatchJob) Run(ctx context.Context) error {
	summary, err := j.orc.Run(ctx, batch.UniverseScope(), true, batch.SourceScheduler)
	if err != nil {
		if errors.Is(err, batch.ErrAlreadyRunning) {
			j.log.Info().Msg("Batch already running, skipping scheduled trigger")
			return nil
		}
		if errors.Is(err, batch.ErrNoActivePortfolios) {
			j.log.Info().Msg("No active portfolios, nothing to calculate")
			return nil
		}
		return fmt.Errorf("failed to run nightly batch: %w", err)
	}

	j.log.Info().
		Str("run_id", summary.RunID).
		Str("status", string(summary.Status)).
		Int("dates", len(summary.DatesProcessed)).
		Int("attempted", summary.Attempted).
		Int("succeeded", summary.Succeeded).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Msg("Nightly batch finished")

	return nil
}
