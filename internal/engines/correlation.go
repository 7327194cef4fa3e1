package engines

import (
	"context"
	"fmt"

	"github.com/aristath/riskbatch/internal/portfolio"
	"github.com/aristath/riskbatch/pkg/formulas"
)

const (
	corrLookback = 90
	corrMinObs   = 40
)

// Correlation computes the pairwise Pearson matrix over the portfolio's
// distinct market symbols. The upper triangle (symbolA < symbolB) is
// persisted; portfolios with fewer than two symbols produce no rows.
type Correlation struct{}

// NewCorrelation creates the correlation matrix engine
func NewCorrelation() *Correlation { return &Correlation{} }

func (e *Correlation) Name() string { return "correlation_matrix" }
func (e *Correlation) Kind() Kind   { return KindPerPosition }

func (e *Correlation) Compute(ctx context.Context, in Input) ([]portfolio.ResultRow, error) {
	computedAt := in.computedAt()
	symbols := marketSymbols(in.Positions)
	if len(symbols) < 2 {
		return nil, nil
	}

	histories := make(map[string]*series, len(symbols))
	for _, sym := range symbols {
		s, err := loadSeries(ctx, in, sym)
		if err != nil {
			return nil, &ComputationError{Engine: e.Name(), Err: err}
		}
		if len(s.closes) < corrMinObs {
			return nil, &InsufficientDataError{
				Engine: e.Name(), Symbol: sym,
				Have: len(s.closes), Need: corrMinObs,
			}
		}
		histories[sym] = s
	}

	var out []portfolio.ResultRow
	for i := 0; i < len(symbols); i++ {
		for j := i + 1; j < len(symbols); j++ {
			a, b := symbols[i], symbols[j]
			ax, bx := alignedCloses(histories[a], histories[b])
			if len(ax) > corrLookback+1 {
				ax = ax[len(ax)-corrLookback-1:]
				bx = bx[len(bx)-corrLookback-1:]
			}
			if len(ax) < corrMinObs {
				return nil, &InsufficientDataError{
					Engine: e.Name(), Symbol: a + "/" + b,
					Have: len(ax), Need: corrMinObs,
				}
			}

			aReturns := formulas.CalculateReturns(ax)
			bReturns := formulas.CalculateReturns(bx)
			if formulas.Variance(aReturns) == 0 || formulas.Variance(bReturns) == 0 {
				return nil, &DegenerateInputError{
					Engine: e.Name(),
					Reason: fmt.Sprintf("constant returns in pair %s/%s", a, b),
				}
			}

			out = append(out, portfolio.CorrelationRow{
				PortfolioID: in.PortfolioID,
				AsOfDate:    in.AsOfDate,
				SymbolA:     a,
				SymbolB:     b,
				Correlation: formulas.Correlation(aReturns, bReturns),
				ComputedAt:  computedAt,
			})
		}
	}
	return out, nil
}

var _ Engine = (*Correlation)(nil)
