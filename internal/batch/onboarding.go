package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// runner is the slice of the orchestrator the driver needs.
type runner interface {
	Run(ctx context.Context, scope Scope, backfill bool, source Source) (*RunSummary, error)
}

// OnboardingDriver backfills a newly created portfolio. When the nightly
// universe run holds the tracker, it waits with capped exponential backoff
// instead of failing the onboarding immediately.
type OnboardingDriver struct {
	orc         runner
	initialWait time.Duration
	maxWait     time.Duration
	ceiling     time.Duration // total time budget before surfacing AlreadyRunning
	log         zerolog.Logger
}

// NewOnboardingDriver creates the onboarding driver
func NewOnboardingDriver(orc runner, ceiling time.Duration, log zerolog.Logger) *OnboardingDriver {
	if ceiling <= 0 {
		ceiling = 10 * time.Minute
	}
	return &OnboardingDriver{
		orc:         orc,
		initialWait: 2 * time.Second,
		maxWait:     time.Minute,
		ceiling:     ceiling,
		log:         log.With().Str("component", "onboarding_driver").Logger(),
	}
}

// Onboard runs a single-portfolio backfill for the new portfolio.
// Contention with a running batch is retried up to the ceiling; every
// other error surfaces immediately.
func (d *OnboardingDriver) Onboard(ctx context.Context, portfolioID string) (*RunSummary, error) {
	var summary *RunSummary

	operation := func() error {
		s, err := d.orc.Run(ctx, PortfolioScope(portfolioID), true, SourceOnboarding)
		if err != nil {
			if errors.Is(err, ErrAlreadyRunning) {
				d.log.Info().
					Str("portfolio_id", portfolioID).
					Msg("Batch run active, waiting to onboard")
				return err
			}
			return backoff.Permanent(err)
		}
		summary = s
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = d.initialWait
	expo.MaxInterval = d.maxWait
	expo.MaxElapsedTime = d.ceiling
	policy := backoff.WithContext(expo, ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("failed to onboard portfolio %s: %w", portfolioID, err)
	}
	return summary, nil
}
