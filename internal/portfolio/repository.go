package portfolio

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/riskbatch/internal/database"
)

const dateFormat = "2006-01-02"

// Repository reads portfolios and positions and writes calculation results.
// All queries use stable ordering so runs are reproducible.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates a portfolio repository
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "portfolio").Logger(),
	}
}

// BeginTx starts a transaction on the portfolio database. The orchestrator
// uses one transaction per (portfolio, date, engine) commit.
func (r *Repository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return r.db.BeginTx(ctx, nil)
}

// ListActivePortfolios returns ids of portfolios that are active and not
// soft-deleted, ordered by id.
func (r *Repository) ListActivePortfolios(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM portfolios
		WHERE active = 1 AND deleted_at IS NULL
		ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active portfolios: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan portfolio id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetPortfolio returns one portfolio by id, or nil when it does not exist.
func (r *Repository) GetPortfolio(ctx context.Context, id string) (*Portfolio, error) {
	var (
		p         Portfolio
		createdAt string
		deletedAt sql.NullString
		active    int
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, display_name, active, created_at, deleted_at
		FROM portfolios WHERE id = ?`, id,
	).Scan(&p.ID, &p.OwnerID, &p.DisplayName, &active, &createdAt, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get portfolio %s: %w", id, err)
	}

	p.Active = active == 1
	if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		// created_at may be stored date-only by older writers
		if p.CreatedAt, err = time.Parse(dateFormat, createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at for %s: %w", id, err)
		}
	}
	if deletedAt.Valid {
		t, err := time.Parse(time.RFC3339, deletedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse deleted_at for %s: %w", id, err)
		}
		p.DeletedAt = &t
	}
	return &p, nil
}

// OpenPositions returns positions of a portfolio open at asOf, ordered by id.
func (r *Repository) OpenPositions(ctx context.Context, portfolioID string, asOf time.Time) ([]Position, error) {
	d := asOf.Format(dateFormat)
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, portfolio_id, symbol, asset_kind, quantity, entry_price,
		       entry_date, exit_date, option_strike, option_expiry, investment_class
		FROM positions
		WHERE portfolio_id = ?
		  AND deleted_at IS NULL
		  AND entry_date <= ?
		  AND (exit_date IS NULL OR exit_date > ?)
		  AND (asset_kind NOT IN ('option_call','option_put')
		       OR option_expiry IS NULL OR option_expiry > ?)
		ORDER BY id ASC`,
		portfolioID, d, d, d)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions for %s: %w", portfolioID, err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPosition(rows *sql.Rows) (Position, error) {
	var (
		p            Position
		kind         string
		entryDate    string
		exitDate     sql.NullString
		optionStrike sql.NullFloat64
		optionExpiry sql.NullString
	)
	if err := rows.Scan(&p.ID, &p.PortfolioID, &p.Symbol, &kind, &p.Quantity,
		&p.EntryPrice, &entryDate, &exitDate, &optionStrike, &optionExpiry,
		&p.InvestmentClass); err != nil {
		return Position{}, fmt.Errorf("failed to scan position: %w", err)
	}

	p.AssetKind = AssetKind(kind)
	var err error
	if p.EntryDate, err = time.Parse(dateFormat, entryDate); err != nil {
		return Position{}, fmt.Errorf("failed to parse entry_date for %s: %w", p.ID, err)
	}
	if exitDate.Valid {
		t, err := time.Parse(dateFormat, exitDate.String)
		if err != nil {
			return Position{}, fmt.Errorf("failed to parse exit_date for %s: %w", p.ID, err)
		}
		p.ExitDate = &t
	}
	if optionStrike.Valid {
		v := optionStrike.Float64
		p.OptionStrike = &v
	}
	if optionExpiry.Valid {
		t, err := time.Parse(dateFormat, optionExpiry.String)
		if err != nil {
			return Position{}, fmt.Errorf("failed to parse option_expiry for %s: %w", p.ID, err)
		}
		p.OptionExpiry = &t
	}
	return p, nil
}

// DistinctOpenSymbols returns the sorted union of open-position symbols for
// the given portfolios at asOf plus the factor-proxy ETF set. This is the
// scoped symbol set for market data pre-population.
func (r *Repository) DistinctOpenSymbols(ctx context.Context, portfolioIDs []string, asOf time.Time) ([]string, error) {
	set := make(map[string]bool, len(FactorProxyETFs)+len(portfolioIDs)*8)
	for _, etf := range FactorProxyETFs {
		set[etf] = true
	}

	for _, id := range portfolioIDs {
		positions, err := r.OpenPositions(ctx, id, asOf)
		if err != nil {
			return nil, err
		}
		for _, p := range positions {
			// Private holdings have no market data
			if p.AssetKind == AssetPrivate {
				continue
			}
			set[p.Symbol] = true
		}
	}

	symbols := make([]string, 0, len(set))
	for s := range set {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols, nil
}

// LastSnapshotDate returns the portfolio's watermark: the max as_of_date
// among its snapshots, or nil when it has none.
func (r *Repository) LastSnapshotDate(ctx context.Context, portfolioID string) (*time.Time, error) {
	var dateStr sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT MAX(as_of_date) FROM portfolio_snapshots WHERE portfolio_id = ?`,
		portfolioID).Scan(&dateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to query last snapshot date for %s: %w", portfolioID, err)
	}
	if !dateStr.Valid {
		return nil, nil
	}

	t, err := time.Parse(dateFormat, dateStr.String)
	if err != nil {
		return nil, fmt.Errorf("failed to parse snapshot date %q: %w", dateStr.String, err)
	}
	return &t, nil
}

// PortfoliosWithSnapshotOn returns the set of portfolio ids that already
// have a snapshot for the given date. Drives the per-date filter.
func (r *Repository) PortfoliosWithSnapshotOn(ctx context.Context, date time.Time) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT portfolio_id FROM portfolio_snapshots WHERE as_of_date = ?`,
		date.Format(dateFormat))
	if err != nil {
		return nil, fmt.Errorf("failed to query portfolios with snapshot on %s: %w",
			date.Format(dateFormat), err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan portfolio id: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// UpsertResults writes engine output inside the caller's transaction.
// All rows commit or none do; reruns of a date replace prior rows.
func (r *Repository) UpsertResults(ctx context.Context, tx *sql.Tx, rows []ResultRow) error {
	for _, row := range rows {
		if err := upsertOne(ctx, tx, row); err != nil {
			return err
		}
	}
	return nil
}

func upsertOne(ctx context.Context, tx *sql.Tx, row ResultRow) error {
	var err error
	switch v := row.(type) {
	case SnapshotRow:
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO portfolio_snapshots
			(portfolio_id, as_of_date, total_value, long_exposure, short_exposure, position_count, currency, computed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			v.PortfolioID, v.AsOfDate.Format(dateFormat), v.TotalValue,
			v.LongExposure, v.ShortExposure, v.PositionCount,
			v.Currency, v.ComputedAt.UTC().Format(time.RFC3339))
	case GreeksRow:
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO position_greeks
			(position_id, as_of_date, delta, gamma, theta, vega, computed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			v.PositionID, v.AsOfDate.Format(dateFormat),
			v.Delta, v.Gamma, v.Theta, v.Vega,
			v.ComputedAt.UTC().Format(time.RFC3339))
	case VolatilityRow:
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO position_volatility
			(position_id, as_of_date, annualized_vol, atr_14, lookback_days, computed_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			v.PositionID, v.AsOfDate.Format(dateFormat),
			v.AnnualizedVol, v.ATR14, v.LookbackDays,
			v.ComputedAt.UTC().Format(time.RFC3339))
	case MarketBetaRow:
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO position_market_beta
			(position_id, as_of_date, beta, r_squared, benchmark, computed_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			v.PositionID, v.AsOfDate.Format(dateFormat),
			v.Beta, v.RSquared, v.Benchmark,
			v.ComputedAt.UTC().Format(time.RFC3339))
	case FactorExposureRow:
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO position_factor_exposure
			(position_id, as_of_date, factor, exposure, computed_at)
			VALUES (?, ?, ?, ?, ?)`,
			v.PositionID, v.AsOfDate.Format(dateFormat),
			v.Factor, v.Exposure,
			v.ComputedAt.UTC().Format(time.RFC3339))
	case CorrelationRow:
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO correlation_matrix
			(portfolio_id, as_of_date, symbol_a, symbol_b, correlation, computed_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			v.PortfolioID, v.AsOfDate.Format(dateFormat),
			v.SymbolA, v.SymbolB, v.Correlation,
			v.ComputedAt.UTC().Format(time.RFC3339))
	case StressRow:
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO stress_test_results
			(portfolio_id, as_of_date, scenario, pnl_pct, pnl_value, computed_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			v.PortfolioID, v.AsOfDate.Format(dateFormat),
			v.Scenario, v.PnlPct, v.PnlValue,
			v.ComputedAt.UTC().Format(time.RFC3339))
	case DiversificationRow:
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO diversification_scores
			(portfolio_id, as_of_date, score, components, computed_at)
			VALUES (?, ?, ?, ?, ?)`,
			v.PortfolioID, v.AsOfDate.Format(dateFormat),
			v.Score, v.Components,
			v.ComputedAt.UTC().Format(time.RFC3339))
	default:
		return fmt.Errorf("unknown result row type %T", row)
	}

	if err != nil {
		return fmt.Errorf("failed to upsert %s row: %w", row.ResultTable(), err)
	}
	return nil
}
