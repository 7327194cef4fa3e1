package engines

import (
	"context"
	"fmt"

	"github.com/aristath/riskbatch/internal/portfolio"
	"github.com/aristath/riskbatch/pkg/formulas"
)

const (
	greeksVolLookback = 60 // bars of underlying history for implied-vol proxy
	greeksMinObs      = 20
	riskFreeRate      = 0.04
)

// Greeks computes Black-Scholes sensitivities for option positions.
// Portfolios without options produce an empty result.
type Greeks struct{}

// NewGreeks creates the greeks engine
func NewGreeks() *Greeks { return &Greeks{} }

func (e *Greeks) Name() string { return "position_greeks" }
func (e *Greeks) Kind() Kind   { return KindPerPosition }

func (e *Greeks) Compute(ctx context.Context, in Input) ([]portfolio.ResultRow, error) {
	computedAt := in.computedAt()

	var out []portfolio.ResultRow
	for _, p := range in.Positions {
		if !p.AssetKind.IsOption() {
			continue
		}
		if p.OptionStrike == nil || p.OptionExpiry == nil {
			return nil, &DegenerateInputError{
				Engine: e.Name(),
				Reason: fmt.Sprintf("option position %s missing strike or expiry", p.ID),
			}
		}

		hist, err := loadSeries(ctx, in, p.Symbol)
		if err != nil {
			return nil, &ComputationError{Engine: e.Name(), Err: err}
		}
		spot, ok := hist.latestClose()
		if !ok || len(hist.closes) < greeksMinObs {
			return nil, &InsufficientDataError{
				Engine: e.Name(), Symbol: p.Symbol,
				Have: len(hist.closes), Need: greeksMinObs,
			}
		}

		returns := formulas.LogReturns(hist.tail(greeksVolLookback))
		vol := formulas.AnnualizedVolatility(returns)
		if vol == 0 {
			return nil, &DegenerateInputError{
				Engine: e.Name(),
				Reason: fmt.Sprintf("constant underlying prices for %s", p.Symbol),
			}
		}

		tte := p.OptionExpiry.Sub(in.AsOfDate).Hours() / 24 / 365
		g := formulas.BlackScholesGreeks(spot, *p.OptionStrike, tte, vol, riskFreeRate,
			p.AssetKind == portfolio.AssetOptionCall)

		out = append(out, portfolio.GreeksRow{
			PositionID: p.ID,
			AsOfDate:   in.AsOfDate,
			Delta:      g.Delta,
			Gamma:      g.Gamma,
			Theta:      g.Theta,
			Vega:       g.Vega,
			ComputedAt: computedAt,
		})
	}
	return out, nil
}

var _ Engine = (*Greeks)(nil)
