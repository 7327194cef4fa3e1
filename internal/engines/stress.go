package engines

import (
	"context"
	"fmt"
	"sort"

	"github.com/aristath/riskbatch/internal/portfolio"
	"github.com/aristath/riskbatch/pkg/formulas"
)

const (
	stressLookback = 90
	stressMinObs   = 60
)

// stressScenarios are the factor shocks applied to the portfolio. Each
// shocks one proxy ETF and propagates through the positions' betas to it.
var stressScenarios = []struct {
	name   string
	ticker string
	shock  float64 // fractional move of the shocked factor
}{
	{"market_down_10", "SPY", -0.10},
	{"market_down_25", "SPY", -0.25},
	{"market_down_40", "SPY", -0.40},
	{"tech_down_20", "XLK", -0.20},
	{"energy_up_30", "XLE", 0.30},
	{"rates_shock_financials", "XLF", -0.15},
}

// StressTest estimates scenario P&L: each position's return sensitivity to
// the shocked factor scales the shock, weighted by position value.
type StressTest struct{}

// NewStressTest creates the stress test engine
func NewStressTest() *StressTest { return &StressTest{} }

func (e *StressTest) Name() string { return "stress_test" }
func (e *StressTest) Kind() Kind   { return KindAggregation }

func (e *StressTest) Compute(ctx context.Context, in Input) ([]portfolio.ResultRow, error) {
	computedAt := in.computedAt()
	symbols := marketSymbols(in.Positions)
	if len(symbols) == 0 {
		return nil, nil
	}

	// Position values at latest close, grouped by symbol
	valueBySymbol := make(map[string]float64, len(symbols))
	var totalValue float64
	histories := make(map[string]*series, len(symbols))
	for _, p := range in.Positions {
		if p.AssetKind == portfolio.AssetPrivate {
			continue
		}
		hist, ok := histories[p.Symbol]
		if !ok {
			var err error
			hist, err = loadSeries(ctx, in, p.Symbol)
			if err != nil {
				return nil, &ComputationError{Engine: e.Name(), Err: err}
			}
			histories[p.Symbol] = hist
		}
		close, ok := hist.latestClose()
		if !ok {
			return nil, &InsufficientDataError{
				Engine: e.Name(), Symbol: p.Symbol, Have: 0, Need: 1,
			}
		}
		v := marketValue(p, close)
		valueBySymbol[p.Symbol] += v
		totalValue += v
	}
	if totalValue == 0 {
		return nil, &DegenerateInputError{
			Engine: e.Name(),
			Reason: "portfolio has zero market value",
		}
	}

	var out []portfolio.ResultRow
	for _, sc := range stressScenarios {
		factor, err := loadSeries(ctx, in, sc.ticker)
		if err != nil {
			return nil, &ComputationError{Engine: e.Name(), Err: err}
		}
		if len(factor.closes) < stressMinObs {
			return nil, &InsufficientDataError{
				Engine: e.Name(), Symbol: sc.ticker,
				Have: len(factor.closes), Need: stressMinObs,
			}
		}

		var pnl float64
		for _, sym := range sortedKeys(valueBySymbol) {
			beta := 1.0
			if sym != sc.ticker {
				sx, fx := alignedCloses(histories[sym], factor)
				if len(sx) > stressLookback+1 {
					sx = sx[len(sx)-stressLookback-1:]
					fx = fx[len(fx)-stressLookback-1:]
				}
				if len(sx) < stressMinObs {
					return nil, &InsufficientDataError{
						Engine: e.Name(), Symbol: sym,
						Have: len(sx), Need: stressMinObs,
					}
				}
				fReturns := formulas.CalculateReturns(fx)
				sReturns := formulas.CalculateReturns(sx)
				if formulas.Variance(fReturns) == 0 {
					return nil, &DegenerateInputError{
						Engine: e.Name(),
						Reason: fmt.Sprintf("factor %s has zero variance", sc.ticker),
					}
				}
				beta, _ = formulas.LinearBeta(fReturns, sReturns)
			}
			pnl += valueBySymbol[sym] * beta * sc.shock
		}

		out = append(out, portfolio.StressRow{
			PortfolioID: in.PortfolioID,
			AsOfDate:    in.AsOfDate,
			Scenario:    sc.name,
			PnlPct:      pnl / totalValue,
			PnlValue:    pnl,
			ComputedAt:  computedAt,
		})
	}
	return out, nil
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ Engine = (*StressTest)(nil)
