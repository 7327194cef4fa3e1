package portfolio

import "time"

// ResultRow is one calculation result destined for a portfolio-db table.
// The concrete types below mirror the eight result tables; UpsertResults
// type-switches over them.
type ResultRow interface {
	ResultTable() string
}

// SnapshotRow aggregates a portfolio's value and exposures for one date.
type SnapshotRow struct {
	PortfolioID   string
	AsOfDate      time.Time
	TotalValue    float64
	LongExposure  float64
	ShortExposure float64
	PositionCount int
	Currency      string
	ComputedAt    time.Time
}

func (SnapshotRow) ResultTable() string { return "portfolio_snapshots" }

// GreeksRow holds option sensitivities for one position and date.
type GreeksRow struct {
	PositionID string
	AsOfDate   time.Time
	Delta      float64
	Gamma      float64
	Theta      float64
	Vega       float64
	ComputedAt time.Time
}

func (GreeksRow) ResultTable() string { return "position_greeks" }

// VolatilityRow holds realized volatility for one position and date.
type VolatilityRow struct {
	PositionID    string
	AsOfDate      time.Time
	AnnualizedVol float64
	ATR14         float64
	LookbackDays  int
	ComputedAt    time.Time
}

func (VolatilityRow) ResultTable() string { return "position_volatility" }

// MarketBetaRow holds the OLS beta of a position against the benchmark.
type MarketBetaRow struct {
	PositionID string
	AsOfDate   time.Time
	Beta       float64
	RSquared   float64
	Benchmark  string
	ComputedAt time.Time
}

func (MarketBetaRow) ResultTable() string { return "position_market_beta" }

// FactorExposureRow holds one factor loading for one position and date.
type FactorExposureRow struct {
	PositionID string
	AsOfDate   time.Time
	Factor     string
	Exposure   float64
	ComputedAt time.Time
}

func (FactorExposureRow) ResultTable() string { return "position_factor_exposure" }

// CorrelationRow is one cell of a portfolio's pairwise correlation matrix.
type CorrelationRow struct {
	PortfolioID string
	AsOfDate    time.Time
	SymbolA     string
	SymbolB     string
	Correlation float64
	ComputedAt  time.Time
}

func (CorrelationRow) ResultTable() string { return "correlation_matrix" }

// StressRow holds the simulated P&L of one scenario for a portfolio.
type StressRow struct {
	PortfolioID string
	AsOfDate    time.Time
	Scenario    string
	PnlPct      float64
	PnlValue    float64
	ComputedAt  time.Time
}

func (StressRow) ResultTable() string { return "stress_test_results" }

// DiversificationRow holds the 0..1 diversification score and its
// component breakdown (JSON).
type DiversificationRow struct {
	PortfolioID string
	AsOfDate    time.Time
	Score       float64
	Components  string
	ComputedAt  time.Time
}

func (DiversificationRow) ResultTable() string { return "diversification_scores" }
