package engines

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aristath/riskbatch/internal/portfolio"
)

// series is a date-aligned close price history for one symbol, ascending.
type series struct {
	symbol string
	dates  []time.Time
	closes []float64
}

// loadSeries pulls the close history for symbol over the engine window,
// up to and including the as-of date.
func loadSeries(ctx context.Context, in Input, symbol string) (*series, error) {
	rows, err := in.Cache.Range(ctx, symbol, in.windowStart(), in.AsOfDate)
	if err != nil {
		return nil, fmt.Errorf("failed to load history for %s: %w", symbol, err)
	}

	s := &series{symbol: symbol}
	for _, r := range rows {
		s.dates = append(s.dates, r.Date)
		s.closes = append(s.closes, r.Close)
	}
	return s, nil
}

// tail returns the last n closes, or all of them when fewer exist
func (s *series) tail(n int) []float64 {
	if len(s.closes) <= n {
		return s.closes
	}
	return s.closes[len(s.closes)-n:]
}

// latestClose returns the most recent close in the series
func (s *series) latestClose() (float64, bool) {
	if len(s.closes) == 0 {
		return 0, false
	}
	return s.closes[len(s.closes)-1], true
}

// alignedCloses intersects two series on shared dates, preserving order.
func alignedCloses(a, b *series) (x, y []float64) {
	bByDate := make(map[string]float64, len(b.dates))
	for i, d := range b.dates {
		bByDate[d.Format("2006-01-02")] = b.closes[i]
	}
	for i, d := range a.dates {
		if bv, ok := bByDate[d.Format("2006-01-02")]; ok {
			x = append(x, a.closes[i])
			y = append(y, bv)
		}
	}
	return x, y
}

// isConstant reports whether every value equals the first
func isConstant(values []float64) bool {
	for _, v := range values {
		if v != values[0] {
			return false
		}
	}
	return true
}

// marketSymbols returns the sorted distinct market-traded symbols among the
// open positions. Private holdings are excluded everywhere market data is
// required.
func marketSymbols(positions []portfolio.Position) []string {
	set := make(map[string]bool, len(positions))
	for _, p := range positions {
		if p.AssetKind == portfolio.AssetPrivate {
			continue
		}
		set[p.Symbol] = true
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// marketValue approximates the current value of a position at the given
// underlying close. Options are valued at intrinsic value per contract.
func marketValue(p portfolio.Position, close float64) float64 {
	switch p.AssetKind {
	case portfolio.AssetEquityLong, portfolio.AssetEquityShort:
		return p.Quantity * close
	case portfolio.AssetOptionCall:
		if p.OptionStrike == nil {
			return 0
		}
		intrinsic := close - *p.OptionStrike
		if intrinsic < 0 {
			intrinsic = 0
		}
		return p.Quantity * 100 * intrinsic
	case portfolio.AssetOptionPut:
		if p.OptionStrike == nil {
			return 0
		}
		intrinsic := *p.OptionStrike - close
		if intrinsic < 0 {
			intrinsic = 0
		}
		return p.Quantity * 100 * intrinsic
	case portfolio.AssetPrivate:
		return p.Quantity * p.EntryPrice
	}
	return 0
}
