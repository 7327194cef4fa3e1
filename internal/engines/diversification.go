package engines

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aristath/riskbatch/internal/portfolio"
	"github.com/aristath/riskbatch/pkg/formulas"
)

const (
	divLookback = 90
	divMinObs   = 40

	// Correlation dominates the score; concentration fills the rest
	divCorrelationWeight   = 0.6
	divConcentrationWeight = 0.4
)

// Diversification scores a portfolio 0..1 from average pairwise correlation
// and concentration (HHI of absolute position weights). Higher is more
// diversified.
type Diversification struct{}

// NewDiversification creates the diversification score engine
func NewDiversification() *Diversification { return &Diversification{} }

func (e *Diversification) Name() string { return "diversification_score" }
func (e *Diversification) Kind() Kind   { return KindAggregation }

func (e *Diversification) Compute(ctx context.Context, in Input) ([]portfolio.ResultRow, error) {
	computedAt := in.computedAt()
	symbols := marketSymbols(in.Positions)
	if len(symbols) == 0 {
		return nil, nil
	}

	histories := make(map[string]*series, len(symbols))
	weights := make([]float64, 0, len(symbols))
	for _, sym := range symbols {
		hist, err := loadSeries(ctx, in, sym)
		if err != nil {
			return nil, &ComputationError{Engine: e.Name(), Err: err}
		}
		if len(hist.closes) < divMinObs {
			return nil, &InsufficientDataError{
				Engine: e.Name(), Symbol: sym,
				Have: len(hist.closes), Need: divMinObs,
			}
		}
		histories[sym] = hist

		close, _ := hist.latestClose()
		var value float64
		for _, p := range in.Positions {
			if p.Symbol == sym && p.AssetKind != portfolio.AssetPrivate {
				value += marketValue(p, close)
			}
		}
		weights = append(weights, value)
	}

	hhi := formulas.HerfindahlIndex(weights)

	// Average pairwise correlation of returns; single-symbol portfolios
	// take the worst value
	avgCorr := 1.0
	if len(symbols) > 1 {
		var sum float64
		var pairs int
		for i := 0; i < len(symbols); i++ {
			for j := i + 1; j < len(symbols); j++ {
				ax, bx := alignedCloses(histories[symbols[i]], histories[symbols[j]])
				if len(ax) > divLookback+1 {
					ax = ax[len(ax)-divLookback-1:]
					bx = bx[len(bx)-divLookback-1:]
				}
				if len(ax) < divMinObs {
					return nil, &InsufficientDataError{
						Engine: e.Name(), Symbol: symbols[i] + "/" + symbols[j],
						Have: len(ax), Need: divMinObs,
					}
				}
				aReturns := formulas.CalculateReturns(ax)
				bReturns := formulas.CalculateReturns(bx)
				if formulas.Variance(aReturns) == 0 || formulas.Variance(bReturns) == 0 {
					return nil, &DegenerateInputError{
						Engine: e.Name(),
						Reason: fmt.Sprintf("constant returns in pair %s/%s", symbols[i], symbols[j]),
					}
				}
				sum += formulas.Correlation(aReturns, bReturns)
				pairs++
			}
		}
		avgCorr = sum / float64(pairs)
	}

	correlationComponent := clamp01((1 - avgCorr) / 2)
	concentrationComponent := clamp01(1 - hhi)
	score := divCorrelationWeight*correlationComponent + divConcentrationWeight*concentrationComponent

	components, err := json.Marshal(map[string]float64{
		"avg_correlation":         avgCorr,
		"correlation_component":   correlationComponent,
		"hhi":                     hhi,
		"concentration_component": concentrationComponent,
	})
	if err != nil {
		return nil, &ComputationError{Engine: e.Name(), Err: err}
	}

	return []portfolio.ResultRow{portfolio.DiversificationRow{
		PortfolioID: in.PortfolioID,
		AsOfDate:    in.AsOfDate,
		Score:       clamp01(score),
		Components:  string(components),
		ComputedAt:  computedAt,
	}}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var _ Engine = (*Diversification)(nil)
