package batch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/riskbatch/internal/database"
)

const dateFormat = "2006-01-02"

// Run is one durable batch run record.
type Run struct {
	ID          string
	Source      Source
	Scope       ScopeKind
	PortfolioID string // empty for universe runs
	StartedAt   time.Time
	CompletedAt *time.Time
	Status      RunStatus
	Notes       string
	Progress    RunProgress
}

// RunProgress is the JSON blob persisted with each run.
type RunProgress struct {
	Dates     []string `json:"dates"`
	Attempted int      `json:"attempted"`
	Succeeded int      `json:"succeeded"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
}

// ProgressEntry is one attempted (portfolio, date, engine) cell.
type ProgressEntry struct {
	RunID       string
	PortfolioID string
	AsOfDate    time.Time
	Engine      string
	Status      string // succeeded | skipped | failed
	Error       string
	CommittedAt time.Time
}

// History persists batch runs and their per-engine progress in the runs
// database (ledger profile). Status transitions are single-writer: only
// the owning orchestrator invocation moves a run to a terminal state.
type History struct {
	db  *database.DB
	log zerolog.Logger
}

// NewHistory creates a run history store
func NewHistory(db *database.DB, log zerolog.Logger) *History {
	return &History{
		db:  db,
		log: log.With().Str("component", "run_history").Logger(),
	}
}

// StartRun inserts a new running record and returns its id.
func (h *History) StartRun(ctx context.Context, source Source, scope Scope, startedAt time.Time) (string, error) {
	id := uuid.New().String()

	var portfolioID interface{}
	if scope.Kind == ScopeSinglePortfolio {
		portfolioID = scope.PortfolioID
	}

	_, err := h.db.ExecContext(ctx, `
		INSERT INTO batch_runs (id, source, scope, portfolio_id, started_at, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, string(source), string(scope.Kind), portfolioID,
		startedAt.UTC().Format(time.RFC3339), string(StatusRunning))
	if err != nil {
		return "", fmt.Errorf("failed to insert batch run: %w", err)
	}
	return id, nil
}

// CompleteRun moves a run to a terminal status with its final progress.
func (h *History) CompleteRun(ctx context.Context, runID string, status RunStatus, notes string, progress RunProgress, completedAt time.Time) error {
	blob, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to marshal run progress: %w", err)
	}

	_, err = h.db.ExecContext(ctx, `
		UPDATE batch_runs
		SET status = ?, completed_at = ?, notes = ?, progress_json = ?
		WHERE id = ? AND status = ?`,
		string(status), completedAt.UTC().Format(time.RFC3339),
		notes, string(blob), runID, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("failed to complete batch run %s: %w", runID, err)
	}
	return nil
}

// RecordProgress appends one attempted (portfolio, date, engine) row.
func (h *History) RecordProgress(ctx context.Context, e ProgressEntry) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO batch_run_progress (run_id, portfolio_id, as_of_date, engine, status, error, committed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.PortfolioID, e.AsOfDate.Format(dateFormat),
		e.Engine, e.Status, e.Error,
		e.CommittedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to record run progress: %w", err)
	}
	return nil
}

// ExpireStale flips running records older than the timeout to auto_expired.
// Called once at process startup so durable history matches the fresh
// in-memory tracker.
func (h *History) ExpireStale(ctx context.Context, olderThan time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-olderThan).UTC().Format(time.RFC3339)

	res, err := h.db.ExecContext(ctx, `
		UPDATE batch_runs
		SET status = ?, completed_at = ?, notes = 'expired at startup: exceeded run timeout'
		WHERE status = ? AND started_at < ?`,
		string(StatusAutoExpired), now.UTC().Format(time.RFC3339),
		string(StatusRunning), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale runs: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		h.log.Warn().Int64("count", n).Msg("Auto-expired stale running batch runs")
	}
	return int(n), nil
}

// PruneOlderThan deletes terminal runs (and their progress rows) started
// before the retention window.
func (h *History) PruneOlderThan(ctx context.Context, retention time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-retention).UTC().Format(time.RFC3339)

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin prune transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM batch_run_progress
		WHERE run_id IN (
			SELECT id FROM batch_runs WHERE started_at < ? AND status != ?
		)`, cutoff, string(StatusRunning)); err != nil {
		return 0, fmt.Errorf("failed to prune run progress: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM batch_runs WHERE started_at < ? AND status != ?`,
		cutoff, string(StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("failed to prune batch runs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		h.log.Info().Int64("count", n).Msg("Pruned old batch runs")
	}
	return int(n), nil
}

// GetRun loads one run by id, or nil when it does not exist.
func (h *History) GetRun(ctx context.Context, id string) (*Run, error) {
	row := h.db.QueryRowContext(ctx, `
		SELECT id, source, scope, portfolio_id, started_at, completed_at, status, notes, progress_json
		FROM batch_runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first.
func (h *History) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, source, scope, portfolio_id, started_at, completed_at, status, notes, progress_json
		FROM batch_runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch run: %w", err)
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// ProgressFor returns the per-engine progress rows of a run.
func (h *History) ProgressFor(ctx context.Context, runID string) ([]ProgressEntry, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT run_id, portfolio_id, as_of_date, engine, status, error, committed_at
		FROM batch_run_progress
		WHERE run_id = ?
		ORDER BY committed_at ASC, portfolio_id ASC, engine ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run progress: %w", err)
	}
	defer rows.Close()

	var out []ProgressEntry
	for rows.Next() {
		var (
			e         ProgressEntry
			dateStr   string
			committed string
		)
		if err := rows.Scan(&e.RunID, &e.PortfolioID, &dateStr, &e.Engine,
			&e.Status, &e.Error, &committed); err != nil {
			return nil, fmt.Errorf("failed to scan progress row: %w", err)
		}
		if e.AsOfDate, err = time.Parse(dateFormat, dateStr); err != nil {
			return nil, fmt.Errorf("failed to parse progress date %q: %w", dateStr, err)
		}
		if e.CommittedAt, err = time.Parse(time.RFC3339, committed); err != nil {
			return nil, fmt.Errorf("failed to parse committed_at %q: %w", committed, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s rowScanner) (*Run, error) {
	var (
		run         Run
		portfolioID sql.NullString
		startedAt   string
		completedAt sql.NullString
		source      string
		scope       string
		status      string
		blob        string
	)
	if err := s.Scan(&run.ID, &source, &scope, &portfolioID, &startedAt,
		&completedAt, &status, &run.Notes, &blob); err != nil {
		return nil, err
	}

	run.Source = Source(source)
	run.Scope = ScopeKind(scope)
	run.Status = RunStatus(status)
	if portfolioID.Valid {
		run.PortfolioID = portfolioID.String
	}

	var err error
	if run.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse started_at %q: %w", startedAt, err)
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse completed_at %q: %w", completedAt.String, err)
		}
		run.CompletedAt = &t
	}
	if blob != "" {
		if err := json.Unmarshal([]byte(blob), &run.Progress); err != nil {
			return nil, fmt.Errorf("failed to unmarshal progress_json: %w", err)
		}
	}
	return &run, nil
}
