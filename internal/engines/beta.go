package engines

import (
	"context"
	"fmt"

	"github.com/aristath/riskbatch/internal/portfolio"
	"github.com/aristath/riskbatch/pkg/formulas"
)

const (
	betaLookback = 90
	betaMinObs   = 60
)

// MarketBeta regresses each position's daily returns on the benchmark's
// over a 90-bar lookback.
type MarketBeta struct{}

// NewMarketBeta creates the market beta engine
func NewMarketBeta() *MarketBeta { return &MarketBeta{} }

func (e *MarketBeta) Name() string { return "position_market_beta" }
func (e *MarketBeta) Kind() Kind   { return KindPerPosition }

func (e *MarketBeta) Compute(ctx context.Context, in Input) ([]portfolio.ResultRow, error) {
	computedAt := in.computedAt()

	benchmark, err := loadSeries(ctx, in, MarketBenchmark)
	if err != nil {
		return nil, &ComputationError{Engine: e.Name(), Err: err}
	}
	if len(benchmark.closes) < betaMinObs {
		return nil, &InsufficientDataError{
			Engine: e.Name(), Symbol: MarketBenchmark,
			Have: len(benchmark.closes), Need: betaMinObs,
		}
	}

	var out []portfolio.ResultRow
	for _, p := range in.Positions {
		if p.AssetKind == portfolio.AssetPrivate {
			continue
		}

		hist, err := loadSeries(ctx, in, p.Symbol)
		if err != nil {
			return nil, &ComputationError{Engine: e.Name(), Err: err}
		}

		posCloses, benchCloses := alignedCloses(hist, benchmark)
		if len(posCloses) > betaLookback+1 {
			posCloses = posCloses[len(posCloses)-betaLookback-1:]
			benchCloses = benchCloses[len(benchCloses)-betaLookback-1:]
		}
		if len(posCloses) < betaMinObs {
			return nil, &InsufficientDataError{
				Engine: e.Name(), Symbol: p.Symbol,
				Have: len(posCloses), Need: betaMinObs,
			}
		}

		benchReturns := formulas.CalculateReturns(benchCloses)
		posReturns := formulas.CalculateReturns(posCloses)
		if formulas.Variance(benchReturns) == 0 {
			return nil, &DegenerateInputError{
				Engine: e.Name(),
				Reason: fmt.Sprintf("benchmark %s has zero variance", MarketBenchmark),
			}
		}

		beta, r2 := formulas.LinearBeta(benchReturns, posReturns)

		out = append(out, portfolio.MarketBetaRow{
			PositionID: p.ID,
			AsOfDate:   in.AsOfDate,
			Beta:       beta,
			RSquared:   r2,
			Benchmark:  MarketBenchmark,
			ComputedAt: computedAt,
		})
	}
	return out, nil
}

var _ Engine = (*MarketBeta)(nil)
