package engines

import (
	"context"

	"github.com/aristath/riskbatch/internal/portfolio"
)

// Snapshot aggregates the portfolio's value and gross exposures from the
// latest closes. It is the landmark result: its row advances the
// per-portfolio watermark, so it is written even for empty portfolios.
type Snapshot struct{}

// NewSnapshot creates the portfolio snapshot engine
func NewSnapshot() *Snapshot { return &Snapshot{} }

func (e *Snapshot) Name() string { return "portfolio_snapshot" }
func (e *Snapshot) Kind() Kind   { return KindAggregation }

func (e *Snapshot) Compute(ctx context.Context, in Input) ([]portfolio.ResultRow, error) {
	row := portfolio.SnapshotRow{
		PortfolioID: in.PortfolioID,
		AsOfDate:    in.AsOfDate,
		Currency:    "USD",
		ComputedAt:  in.computedAt(),
	}

	for _, p := range in.Positions {
		var close float64
		if p.AssetKind != portfolio.AssetPrivate {
			hist, err := loadSeries(ctx, in, p.Symbol)
			if err != nil {
				return nil, &ComputationError{Engine: e.Name(), Err: err}
			}
			latest, ok := hist.latestClose()
			if !ok {
				return nil, &InsufficientDataError{
					Engine: e.Name(), Symbol: p.Symbol,
					Have: 0, Need: 1,
				}
			}
			close = latest
		}

		value := marketValue(p, close)
		row.TotalValue += value
		if value >= 0 {
			row.LongExposure += value
		} else {
			row.ShortExposure += -value
		}
		row.PositionCount++
	}

	return []portfolio.ResultRow{row}, nil
}

var _ Engine = (*Snapshot)(nil)
