// Package engines implements the eight calculation engines. Engines are
// pure: they read positions and cached market data and return typed result
// rows; persistence belongs to the orchestrator.
package engines

import (
	"context"
	"time"

	"github.com/aristath/riskbatch/internal/marketdata"
	"github.com/aristath/riskbatch/internal/portfolio"
)

// Kind splits engines into the per-position parallel group and the
// aggregation group that runs serially after it.
type Kind int

const (
	KindPerPosition Kind = iota
	KindAggregation
)

// MaxLookbackCalendarDays bounds every engine's history window. Phase 1
// pre-populates the cache over exactly this window.
const MaxLookbackCalendarDays = 150

// MarketBenchmark is the ticker used for market beta and market-shock
// scenarios. It is part of the factor-proxy set, so it is always scoped.
const MarketBenchmark = "SPY"

// CacheReader is the read-only slice of the market data cache that engines
// are allowed to touch. Engines never reach the provider.
type CacheReader interface {
	Get(ctx context.Context, symbol string, date time.Time) (*marketdata.Row, error)
	Range(ctx context.Context, symbol string, from, to time.Time) ([]marketdata.Row, error)
	Coverage(ctx context.Context, symbol string, from, to time.Time) (int, error)
}

// Input is everything an engine needs for one (portfolio, date) cell.
// Positions are the portfolio's open positions at AsOfDate.
type Input struct {
	PortfolioID string
	AsOfDate    time.Time
	Positions   []portfolio.Position
	Cache       CacheReader
	Now         func() time.Time // computed_at source; defaults to time.Now
}

func (in Input) computedAt() time.Time {
	if in.Now != nil {
		return in.Now().UTC()
	}
	return time.Now().UTC()
}

// windowStart is the inclusive lower bound of the history window for AsOfDate
func (in Input) windowStart() time.Time {
	return in.AsOfDate.AddDate(0, 0, -MaxLookbackCalendarDays)
}

// Engine computes one result family for a (portfolio, date) cell.
type Engine interface {
	Name() string
	Kind() Kind
	Compute(ctx context.Context, in Input) ([]portfolio.ResultRow, error)
}

// PerPositionEngines returns the first-phase group in its canonical order.
func PerPositionEngines() []Engine {
	return []Engine{
		NewGreeks(),
		NewVolatility(),
		NewMarketBeta(),
		NewFactorExposure(),
		NewCorrelation(),
	}
}

// AggregationEngines returns the second group; the orchestrator runs these
// serially per portfolio, snapshot first.
func AggregationEngines() []Engine {
	return []Engine{
		NewSnapshot(),
		NewStressTest(),
		NewDiversification(),
	}
}
