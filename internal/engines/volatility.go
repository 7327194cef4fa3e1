package engines

import (
	"context"
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"github.com/aristath/riskbatch/internal/portfolio"
	"github.com/aristath/riskbatch/pkg/formulas"
)

const (
	volLookback = 60
	volMinObs   = 30
	atrPeriod   = 14
)

// Volatility computes annualized realized volatility (log returns over a
// 60-bar lookback) plus a 14-bar ATR per market-traded position.
type Volatility struct{}

// NewVolatility creates the volatility engine
func NewVolatility() *Volatility { return &Volatility{} }

func (e *Volatility) Name() string { return "position_volatility" }
func (e *Volatility) Kind() Kind   { return KindPerPosition }

func (e *Volatility) Compute(ctx context.Context, in Input) ([]portfolio.ResultRow, error) {
	computedAt := in.computedAt()

	var out []portfolio.ResultRow
	for _, p := range in.Positions {
		if p.AssetKind == portfolio.AssetPrivate {
			continue
		}

		rows, err := in.Cache.Range(ctx, p.Symbol, in.windowStart(), in.AsOfDate)
		if err != nil {
			return nil, &ComputationError{Engine: e.Name(), Err: err}
		}
		if len(rows) < volMinObs {
			return nil, &InsufficientDataError{
				Engine: e.Name(), Symbol: p.Symbol,
				Have: len(rows), Need: volMinObs,
			}
		}
		if len(rows) > volLookback {
			rows = rows[len(rows)-volLookback:]
		}

		closes := make([]float64, len(rows))
		highs := make([]float64, len(rows))
		lows := make([]float64, len(rows))
		for i, r := range rows {
			closes[i] = r.Close
			highs[i] = r.High
			lows[i] = r.Low
		}
		if isConstant(closes) {
			return nil, &DegenerateInputError{
				Engine: e.Name(),
				Reason: fmt.Sprintf("constant prices for %s", p.Symbol),
			}
		}

		vol := formulas.AnnualizedVolatility(formulas.LogReturns(closes))
		if math.IsNaN(vol) || math.IsInf(vol, 0) {
			return nil, &ComputationError{
				Engine: e.Name(),
				Err:    fmt.Errorf("non-finite volatility for %s", p.Symbol),
			}
		}

		atrSeries := talib.Atr(highs, lows, closes, atrPeriod)
		atr := atrSeries[len(atrSeries)-1]
		if math.IsNaN(atr) {
			atr = 0
		}

		out = append(out, portfolio.VolatilityRow{
			PositionID:    p.ID,
			AsOfDate:      in.AsOfDate,
			AnnualizedVol: vol,
			ATR14:         atr,
			LookbackDays:  len(closes),
			ComputedAt:    computedAt,
		})
	}
	return out, nil
}

var _ Engine = (*Volatility)(nil)
