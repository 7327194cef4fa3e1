package engines

import (
	"context"
	"fmt"

	"github.com/aristath/riskbatch/internal/portfolio"
	"github.com/aristath/riskbatch/pkg/formulas"
)

const (
	factorLookback = 120
	factorMinObs   = 60
)

// factorProxies maps the named style factors to their proxy ETFs. A subset
// of the scoped factor ETF set; every proxy is guaranteed cached by Phase 1.
var factorProxies = []struct {
	factor string
	ticker string
}{
	{"market", "SPY"},
	{"size", "IWM"},
	{"value", "VTV"},
	{"momentum", "MTUM"},
	{"quality", "QUAL"},
}

// FactorExposure regresses each position's returns on the style-factor
// proxy ETFs, one single-factor loading per (position, factor).
type FactorExposure struct{}

// NewFactorExposure creates the factor exposure engine
func NewFactorExposure() *FactorExposure { return &FactorExposure{} }

func (e *FactorExposure) Name() string { return "position_factor_exposure" }
func (e *FactorExposure) Kind() Kind   { return KindPerPosition }

func (e *FactorExposure) Compute(ctx context.Context, in Input) ([]portfolio.ResultRow, error) {
	computedAt := in.computedAt()

	factorSeries := make(map[string]*series, len(factorProxies))
	for _, f := range factorProxies {
		s, err := loadSeries(ctx, in, f.ticker)
		if err != nil {
			return nil, &ComputationError{Engine: e.Name(), Err: err}
		}
		if len(s.closes) < factorMinObs {
			return nil, &InsufficientDataError{
				Engine: e.Name(), Symbol: f.ticker,
				Have: len(s.closes), Need: factorMinObs,
			}
		}
		factorSeries[f.factor] = s
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

		// Factors iterate in declaration order for stable output
		for _, f := range factorProxies {
			posCloses, facCloses := alignedCloses(hist, factorSeries[f.factor])
			if len(posCloses) > factorLookback+1 {
				posCloses = posCloses[len(posCloses)-factorLookback-1:]
				facCloses = facCloses[len(facCloses)-factorLookback-1:]
			}
			if len(posCloses) < factorMinObs {
				return nil, &InsufficientDataError{
					Engine: e.Name(), Symbol: p.Symbol,
					Have: len(posCloses), Need: factorMinObs,
				}
			}

			facReturns := formulas.CalculateReturns(facCloses)
			posReturns := formulas.CalculateReturns(posCloses)
			if formulas.Variance(facReturns) == 0 {
				return nil, &DegenerateInputError{
					Engine: e.Name(),
					Reason: fmt.Sprintf("factor proxy %s has zero variance", f.ticker),
				}
			}

			exposure, _ := formulas.LinearBeta(facReturns, posReturns)

			out = append(out, portfolio.FactorExposureRow{
				PositionID: p.ID,
				AsOfDate:   in.AsOfDate,
				Factor:     f.factor,
				Exposure:   exposure,
				ComputedAt: computedAt,
			})
		}
	}
	return out, nil
}

var _ Engine = (*FactorExposure)(nil)
