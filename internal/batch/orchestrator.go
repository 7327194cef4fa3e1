package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/riskbatch/internal/calendar"
	"github.com/aristath/riskbatch/internal/engines"
	"github.com/aristath/riskbatch/internal/marketdata"
	"github.com/aristath/riskbatch/internal/portfolio"
)

// Config bounds the orchestrator's concurrency and timeouts.
type Config struct {
	OuterConcurrency int           // portfolios in parallel per date
	InnerConcurrency int           // per-position engines in parallel per portfolio
	EngineTimeout    time.Duration // soft cap per engine execution
	Phase1Timeout    time.Duration // wall cap for provider pre-population per date
	BackfillEarliest time.Duration // how far back a portfolio with no history starts
	RetryBaseDelay   time.Duration // first delay of the 1s/2s/4s storage retry ladder
}

func (c Config) withDefaults() Config {
	if c.OuterConcurrency <= 0 {
		c.OuterConcurrency = 4
	}
	if c.InnerConcurrency <= 0 {
		c.InnerConcurrency = 4
	}
	if c.EngineTimeout <= 0 {
		c.EngineTimeout = 5 * time.Minute
	}
	if c.Phase1Timeout <= 0 {
		c.Phase1Timeout = 15 * time.Minute
	}
	if c.BackfillEarliest <= 0 {
		c.BackfillEarliest = 365 * 24 * time.Hour
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	return c
}

const storageMaxAttempts = 3

// Orchestrator turns a trigger into a bounded, resumable, idempotent
// execution plan across portfolios, dates and engines.
type Orchestrator struct {
	cfg      Config
	cal      *calendar.TradingCalendar
	repo     *portfolio.Repository
	cache    *marketdata.Cache
	provider marketdata.Provider
	tracker  *Tracker
	history  *History
	events   *Broadcaster

	perPosition []engines.Engine
	aggregation []engines.Engine

	log zerolog.Logger
	now func() time.Time
}

// NewOrchestrator wires the orchestrator. The broadcaster may be shared
// with other subscribers; pass a fresh one when nobody listens.
func NewOrchestrator(
	cfg Config,
	cal *calendar.TradingCalendar,
	repo *portfolio.Repository,
	cache *marketdata.Cache,
	provider marketdata.Provider,
	tracker *Tracker,
	history *History,
	events *Broadcaster,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg.withDefaults(),
		cal:         cal,
		repo:        repo,
		cache:       cache,
		provider:    provider,
		tracker:     tracker,
		history:     history,
		events:      events,
		perPosition: engines.PerPositionEngines(),
		aggregation: engines.AggregationEngines(),
		log:         log.With().Str("component", "orchestrator").Logger(),
		now:         time.Now,
	}
}

// Run executes a batch for the given scope. Calculation errors are
// recorded in the run history, never returned; only gate and planning
// errors surface to the caller.
func (o *Orchestrator) Run(ctx context.Context, scope Scope, backfill bool, source Source) (*RunSummary, error) {
	release, err := o.tracker.TryAcquire()
	if err != nil {
		return nil, err
	}
	defer release()

	startedAt := o.now().UTC()
	runID, err := o.history.StartRun(context.WithoutCancel(ctx), source, scope, startedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to start run record: %w", err)
	}

	log := o.log.With().
		Str("run_id", runID).
		Str("source", string(source)).
		Str("scope", string(scope.Kind)).
		Logger()
	log.Info().Bool("backfill", backfill).Msg("Batch run starting")

	summary, runErr := o.execute(ctx, log, runID, scope, backfill)
	completedAt := o.now().UTC()

	status := StatusCompleted
	notes := ""
	switch {
	case runErr != nil && errors.Is(runErr, ErrNoActivePortfolios):
		notes = runErr.Error()
	case runErr != nil && isScopeNotFound(runErr):
		status = StatusFailed
		notes = runErr.Error()
	case runErr != nil && errors.Is(runErr, context.Canceled):
		// Cancellation surfaces through the summary status, not as an error
		status = StatusCancelled
		notes = "cancelled"
		runErr = nil
	case runErr != nil:
		status = StatusFailed
		notes = runErr.Error()
	case ctx.Err() != nil:
		status = StatusCancelled
		notes = "cancelled"
	}

	progress := RunProgress{}
	if summary != nil {
		for _, d := range summary.DatesProcessed {
			progress.Dates = append(progress.Dates, d.Format(dateFormat))
		}
		progress.Attempted = summary.Attempted
		progress.Succeeded = summary.Succeeded
		progress.Skipped = summary.Skipped
		progress.Failed = summary.Failed
	}

	// Finalize durably even when the run context was cancelled
	finCtx := context.WithoutCancel(ctx)
	if err := o.history.CompleteRun(finCtx, runID, status, notes, progress, completedAt); err != nil {
		log.Error().Err(err).Msg("Failed to finalize run record")
	}

	o.events.Publish(Event{Type: EventRunCompleted, RunID: runID, Detail: string(status), At: completedAt})

	if runErr != nil {
		return nil, runErr
	}

	if summary == nil {
		summary = &RunSummary{}
	}
	summary.RunID = runID
	summary.Status = status
	summary.StartedAt = startedAt
	summary.CompletedAt = completedAt

	log.Info().
		Int("dates", len(summary.DatesProcessed)).
		Int("attempted", summary.Attempted).
		Int("succeeded", summary.Succeeded).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Str("status", string(status)).
		Msg("Batch run finished")
	return summary, nil
}

func isScopeNotFound(err error) bool {
	var notFound *ScopeNotFoundError
	return errors.As(err, &notFound)
}

// execute plans and runs all dates. It returns a summary even on
// cancellation; a nil summary means a planning failure.
func (o *Orchestrator) execute(ctx context.Context, log zerolog.Logger, runID string, scope Scope, backfill bool) (*RunSummary, error) {
	portfolioIDs, err := o.resolveScope(ctx, scope)
	if err != nil {
		return nil, err
	}

	dates, err := o.planDates(ctx, portfolioIDs, backfill)
	if err != nil {
		return nil, fmt.Errorf("failed to plan run dates: %w", err)
	}
	log.Info().Int("portfolios", len(portfolioIDs)).Int("dates", len(dates)).Msg("Run planned")

	summary := &RunSummary{}
	counters := &Counters{}

	for _, date := range dates {
		if ctx.Err() != nil {
			break
		}

		processed, err := o.runDate(ctx, log, runID, date, portfolioIDs, counters)
		if err != nil {
			return summary, err
		}
		if processed {
			summary.DatesProcessed = append(summary.DatesProcessed, date)
		}

		o.events.Publish(Event{Type: EventDateCompleted, RunID: runID, Date: date, At: o.now().UTC()})

		// Keep the rebuildable cache WAL small during long backfills
		if err := o.cache.Checkpoint(); err != nil {
			log.Warn().Err(err).Msg("Cache WAL checkpoint failed")
		}
	}

	summary.Attempted, summary.Succeeded, summary.Skipped, summary.Failed = counters.Totals()
	return summary, nil
}

// resolveScope returns the ordered portfolio ids the run covers.
func (o *Orchestrator) resolveScope(ctx context.Context, scope Scope) ([]string, error) {
	switch scope.Kind {
	case ScopeSinglePortfolio:
		p, err := o.repo.GetPortfolio(ctx, scope.PortfolioID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve portfolio scope: %w", err)
		}
		if p == nil || !p.Active || p.DeletedAt != nil {
			return nil, &ScopeNotFoundError{PortfolioID: scope.PortfolioID}
		}
		return []string{scope.PortfolioID}, nil
	default:
		ids, err := o.repo.ListActivePortfolios(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list active portfolios: %w", err)
		}
		if len(ids) == 0 {
			return nil, ErrNoActivePortfolios
		}
		return ids, nil
	}
}

// planDates computes the ascending trading days the run must cover.
// The watermark is the minimum of the per-portfolio watermarks, so the
// most lagging portfolio always catches up; dates already done per
// portfolio fall out in the per-date filter.
func (o *Orchestrator) planDates(ctx context.Context, portfolioIDs []string, backfill bool) ([]time.Time, error) {
	mostRecent := o.cal.MostRecentTradingDay(o.now())

	if !backfill {
		return []time.Time{mostRecent}, nil
	}

	earliest := o.now().Add(-o.cfg.BackfillEarliest)
	watermark := time.Time{}
	for i, id := range portfolioIDs {
		w, err := o.repo.LastSnapshotDate(ctx, id)
		if err != nil {
			return nil, err
		}
		pw := earliest
		if w != nil {
			pw = *w
		}
		if i == 0 || pw.Before(watermark) {
			watermark = pw
		}
	}

	// All caught up (or the watermark is ahead of the calendar): no work
	if mostRecent.Before(watermark) || mostRecent.Equal(watermark) {
		return nil, nil
	}
	return o.cal.TradingDaysBetween(watermark, mostRecent), nil
}

// runDate executes the three phases for one date. Returns whether any
// portfolio actually needed processing.
func (o *Orchestrator) runDate(ctx context.Context, log zerolog.Logger, runID string, date time.Time, portfolioIDs []string, counters *Counters) (bool, error) {
	done, err := o.repo.PortfoliosWithSnapshotOn(ctx, date)
	if err != nil {
		return false, fmt.Errorf("failed to load per-date filter: %w", err)
	}

	var todo []string
	for _, id := range portfolioIDs {
		if !done[id] {
			todo = append(todo, id)
		}
	}
	if len(todo) == 0 {
		log.Debug().Str("date", date.Format(dateFormat)).Msg("All portfolios current for date, skipping")
		return false, nil
	}

	dlog := log.With().Str("date", date.Format(dateFormat)).Logger()

	// Phase 1: pre-populate market data for the scoped symbol set
	if err := o.prePopulate(ctx, dlog, todo, date); err != nil {
		return false, err
	}

	// Phases 2 and 3: bounded fan-out across portfolios
	g := new(errgroup.Group)
	g.SetLimit(o.cfg.OuterConcurrency)
	for _, id := range todo {
		id := id
		g.Go(func() error {
			o.processPortfolio(ctx, dlog, runID, id, date, counters)
			return nil
		})
	}
	_ = g.Wait()

	return true, nil
}

// prePopulate fetches the scoped symbol set over the engines' maximum
// lookback and upserts it into the cache. Per-symbol failures are logged
// and left for the coverage checks; they never abort the date.
func (o *Orchestrator) prePopulate(ctx context.Context, log zerolog.Logger, portfolioIDs []string, date time.Time) error {
	symbols, err := o.repo.DistinctOpenSymbols(ctx, portfolioIDs, date)
	if err != nil {
		return fmt.Errorf("failed to compute scoped symbol set: %w", err)
	}
	if len(symbols) == 0 {
		return nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.Phase1Timeout)
	defer cancel()

	from := date.AddDate(0, 0, -engines.MaxLookbackCalendarDays)
	rows, failures := o.provider.FetchDaily(fetchCtx, symbols, from, date)

	if len(failures) > 0 {
		failed := make([]string, 0, len(failures))
		for s := range failures {
			failed = append(failed, s)
		}
		sort.Strings(failed)
		log.Warn().
			Strs("symbols", failed).
			Int("count", len(failed)).
			Msg("Provider failures during pre-population")
	}

	written, err := o.cache.PutMany(ctx, rows)
	if err != nil {
		return fmt.Errorf("failed to write pre-populated market data: %w", err)
	}
	log.Debug().
		Int("symbols", len(symbols)).
		Int("rows", written).
		Msg("Market data pre-population complete")
	return nil
}

// processPortfolio runs Phase 2 (per-position engines, bounded parallel)
// then Phase 3 (aggregation engines, serial) for one portfolio and date.
// Engine failures never propagate; they land in counters and history.
func (o *Orchestrator) processPortfolio(ctx context.Context, log zerolog.Logger, runID, portfolioID string, date time.Time, counters *Counters) {
	positions, err := o.repo.OpenPositions(ctx, portfolioID, date)
	if err != nil {
		log.Error().Err(err).Str("portfolio_id", portfolioID).Msg("Failed to load open positions")
		for _, e := range append(o.perPosition, o.aggregation...) {
			o.recordOutcome(ctx, runID, portfolioID, date, e.Name(), "failed", err.Error(), counters)
		}
		return
	}

	in := engines.Input{
		PortfolioID: portfolioID,
		AsOfDate:    date,
		Positions:   positions,
		Cache:       o.cache,
		Now:         o.now,
	}

	// Phase 2: per-position engines. Empty portfolios skip straight to
	// aggregation; the snapshot still lands and advances the watermark.
	if len(positions) > 0 {
		g := new(errgroup.Group)
		g.SetLimit(o.cfg.InnerConcurrency)
		for _, e := range o.perPosition {
			e := e
			g.Go(func() error {
				o.runEngine(ctx, log, runID, e, in, counters)
				return nil
			})
		}
		_ = g.Wait()
	}

	// Phase 3: aggregation engines, serial, snapshot first. Cancellation
	// stops new engines but never interrupts a committed transaction.
	for _, e := range o.aggregation {
		if ctx.Err() != nil {
			return
		}
		o.runEngine(ctx, log, runID, e, in, counters)
	}
}

// runEngine computes one engine and persists its rows in a single
// transaction with the storage retry ladder.
func (o *Orchestrator) runEngine(ctx context.Context, log zerolog.Logger, runID string, e engines.Engine, in engines.Input, counters *Counters) {
	if ctx.Err() != nil {
		return
	}

	o.events.Publish(Event{
		Type: EventEngineStarted, RunID: runID,
		PortfolioID: in.PortfolioID, Date: in.AsOfDate,
		Engine: e.Name(), At: o.now().UTC(),
	})

	ectx, cancel := context.WithTimeout(ctx, o.cfg.EngineTimeout)
	defer cancel()

	rows, err := e.Compute(ectx, in)
	if err != nil {
		if engines.IsSkip(err) {
			log.Debug().
				Str("portfolio_id", in.PortfolioID).
				Str("engine", e.Name()).
				Str("reason", err.Error()).
				Msg("Engine skipped")
			o.recordOutcome(ctx, runID, in.PortfolioID, in.AsOfDate, e.Name(), "skipped", err.Error(), counters)
			return
		}
		log.Error().Err(err).
			Str("portfolio_id", in.PortfolioID).
			Str("engine", e.Name()).
			Msg("Engine failed")
		o.recordOutcome(ctx, runID, in.PortfolioID, in.AsOfDate, e.Name(), "failed", err.Error(), counters)
		return
	}

	if err := o.persistWithRetry(ctx, rows); err != nil {
		log.Error().Err(err).
			Str("portfolio_id", in.PortfolioID).
			Str("engine", e.Name()).
			Msg("Failed to persist engine results")
		o.recordOutcome(ctx, runID, in.PortfolioID, in.AsOfDate, e.Name(), "failed", err.Error(), counters)
		return
	}

	o.recordOutcome(ctx, runID, in.PortfolioID, in.AsOfDate, e.Name(), "succeeded", "", counters)
}

// persistWithRetry commits rows in one transaction, retrying transient
// storage errors on a 1s/2s/4s ladder.
func (o *Orchestrator) persistWithRetry(ctx context.Context, rows []portfolio.ResultRow) error {
	var lastErr error
	delay := o.cfg.RetryBaseDelay

	for attempt := 1; attempt <= storageMaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}

		lastErr = o.persistOnce(ctx, rows)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return fmt.Errorf("storage retries exhausted: %w", lastErr)
}

func (o *Orchestrator) persistOnce(ctx context.Context, rows []portfolio.ResultRow) error {
	tx, err := o.repo.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin result transaction: %w", err)
	}
	defer tx.Rollback()

	if err := o.repo.UpsertResults(ctx, tx, rows); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit result transaction: %w", err)
	}
	return nil
}

// recordOutcome updates counters and history strictly after the outcome
// is durable, and emits the matching progress event.
func (o *Orchestrator) recordOutcome(ctx context.Context, runID, portfolioID string, date time.Time, engine, status, detail string, counters *Counters) {
	eventType := EventEngineCommitted
	switch status {
	case "succeeded":
		counters.addSucceeded()
	case "skipped":
		counters.addSkipped()
		eventType = EventEngineSkipped
	default:
		counters.addFailed()
		eventType = EventEngineFailed
	}

	// Progress must land even when the run is being cancelled
	if err := o.history.RecordProgress(context.WithoutCancel(ctx), ProgressEntry{
		RunID:       runID,
		PortfolioID: portfolioID,
		AsOfDate:    date,
		Engine:      engine,
		Status:      status,
		Error:       detail,
		CommittedAt: o.now().UTC(),
	}); err != nil {
		o.log.Error().Err(err).Msg("Failed to record engine progress")
	}

	o.events.Publish(Event{
		Type: eventType, RunID: runID,
		PortfolioID: portfolioID, Date: date,
		Engine: engine, Detail: detail, At: o.now().UTC(),
	})
}
