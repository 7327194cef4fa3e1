package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// historyPruner is the slice of the run history the job needs.
type historyPruner interface {
	PruneOlderThan(ctx context.Context, retention time.Duration, now time.Time) (int, error)
}

// RunRetentionJob prunes completed batch runs past the retention window.
type RunRetentionJob struct {
	history   historyPruner
	retention time.Duration
	log       zerolog.Logger
}

// NewRunRetentionJob creates the retention job
func NewRunRetentionJob(history historyPruner, retention time.Duration, log zerolog.Logger) *RunRetentionJob {
	return &RunRetentionJob{
		history:   history,
		retention: retention,
		log:       log.With().Str("job", "run_retention").Logger(),
	}
}

func (j *RunRetentionJob) Name() string { return "run_retention" }

func (j *RunRetentionJob) Run(ctx context.Context) error {
	pruned, err := j.history.PruneOlderThan(ctx, j.retention, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to prune batch run history: %w", err)
	}

	if pruned > 0 {
		j.log.Info().Int("pruned", pruned).Msg("Pruned old batch runs")
	}
	return nil
}
