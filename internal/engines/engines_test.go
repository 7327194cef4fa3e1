package engines

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/riskbatch/internal/marketdata"
	"github.com/aristath/riskbatch/internal/portfolio"
)

// fakeCache is an in-memory CacheReader for engine tests.
type fakeCache struct {
	rows map[string][]marketdata.Row
}

func newFakeCache() *fakeCache {
	return &fakeCache{rows: make(map[string][]marketdata.Row)}
}

func (f *fakeCache) Get(_ context.Context, symbol string, date time.Time) (*marketdata.Row, error) {
	for _, r := range f.rows[symbol] {
		if r.Date.Equal(date) {
			row := r
			return &row, nil
		}
	}
	return nil, nil
}

func (f *fakeCache) Range(_ context.Context, symbol string, from, to time.Time) ([]marketdata.Row, error) {
	var out []marketdata.Row
	for _, r := range f.rows[symbol] {
		if !r.Date.Before(from) && !r.Date.After(to) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (f *fakeCache) Coverage(ctx context.Context, symbol string, from, to time.Time) (int, error) {
	rows, _ := f.Range(ctx, symbol, from, to)
	return len(rows), nil
}

var asOfDate = time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)

// addHistory seeds n daily bars ending at asOfDate whose log returns are
// scale * a fixed oscillating base series, so betas are predictable.
func (f *fakeCache) addHistory(symbol string, n int, startPrice, scale float64) {
	price := startPrice
	for i := 0; i < n; i++ {
		date := asOfDate.AddDate(0, 0, -(n - 1 - i))
		if i > 0 {
			price *= 1 + scale*baseReturn(i)
		}
		f.rows[symbol] = append(f.rows[symbol], marketdata.Row{
			Symbol: symbol, Date: date,
			Open: price * 0.995, High: price * 1.01, Low: price * 0.99,
			Close: price, Volume: 1000,
		})
	}
}

// addConstantHistory seeds n identical bars
func (f *fakeCache) addConstantHistory(symbol string, n int, price float64) {
	f.addHistory(symbol, n, price, 0)
}

func baseReturn(i int) float64 {
	return 0.01 * math.Sin(float64(i))
}

func fixedNow() time.Time {
	return time.Date(2026, 2, 2, 22, 0, 0, 0, time.UTC)
}

func equityPos(id, symbol string, qty float64) portfolio.Position {
	return portfolio.Position{
		ID: id, PortfolioID: "p-1", Symbol: symbol,
		AssetKind: portfolio.AssetEquityLong, Quantity: qty,
		EntryPrice: 100, EntryDate: asOfDate.AddDate(-1, 0, 0),
	}
}

func optionPos(id, symbol string, kind portfolio.AssetKind, strike float64, expiry time.Time) portfolio.Position {
	return portfolio.Position{
		ID: id, PortfolioID: "p-1", Symbol: symbol,
		AssetKind: kind, Quantity: 1,
		EntryPrice: 5, EntryDate: asOfDate.AddDate(0, -6, 0),
		OptionStrike: &strike, OptionExpiry: &expiry,
	}
}

func testInput(cache CacheReader, positions ...portfolio.Position) Input {
	return Input{
		PortfolioID: "p-1",
		AsOfDate:    asOfDate,
		Positions:   positions,
		Cache:       cache,
		Now:         fixedNow,
	}
}

func TestGreeksNoOptions(t *testing.T) {
	cache := newFakeCache()
	rows, err := NewGreeks().Compute(context.Background(), testInput(cache, equityPos("pos-1", "AAPL", 10)))
	require.NoError(t, err)
	assert.Empty(t, rows, "portfolios without options produce no greeks")
}

func TestGreeksCall(t *testing.T) {
	cache := newFakeCache()
	cache.addHistory("AAPL", 100, 230, 1)

	expiry := asOfDate.AddDate(0, 4, 0)
	pos := optionPos("pos-1", "AAPL", portfolio.AssetOptionCall, 220, expiry)

	rows, err := NewGreeks().Compute(context.Background(), testInput(cache, pos))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	g := rows[0].(portfolio.GreeksRow)
	assert.Equal(t, "pos-1", g.PositionID)
	assert.Greater(t, g.Delta, 0.0, "in-the-money call delta is positive")
	assert.LessOrEqual(t, g.Delta, 1.0)
	assert.Greater(t, g.Gamma, 0.0)
	assert.Less(t, g.Theta, 0.0)
	assert.Greater(t, g.Vega, 0.0)
	assert.Equal(t, fixedNow(), g.ComputedAt)
}

func TestGreeksInsufficientData(t *testing.T) {
	cache := newFakeCache()
	cache.addHistory("AAPL", 5, 230, 1)

	expiry := asOfDate.AddDate(0, 4, 0)
	pos := optionPos("pos-1", "AAPL", portfolio.AssetOptionPut, 220, expiry)

	_, err := NewGreeks().Compute(context.Background(), testInput(cache, pos))
	var insufficient *InsufficientDataError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, IsSkip(err))
}

func TestGreeksDegenerateConstantPrices(t *testing.T) {
	cache := newFakeCache()
	cache.addConstantHistory("AAPL", 100, 230)

	expiry := asOfDate.AddDate(0, 4, 0)
	pos := optionPos("pos-1", "AAPL", portfolio.AssetOptionCall, 220, expiry)

	_, err := NewGreeks().Compute(context.Background(), testInput(cache, pos))
	var degenerate *DegenerateInputError
	require.ErrorAs(t, err, &degenerate)
	assert.True(t, IsSkip(err))
}

func TestVolatility(t *testing.T) {
	cache := newFakeCache()
	cache.addHistory("AAPL", 100, 230, 1)

	rows, err := NewVolatility().Compute(context.Background(), testInput(cache, equityPos("pos-1", "AAPL", 10)))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	v := rows[0].(portfolio.VolatilityRow)
	assert.Greater(t, v.AnnualizedVol, 0.0)
	assert.Greater(t, v.ATR14, 0.0)
	assert.Equal(t, volLookback, v.LookbackDays)
}

func TestVolatilitySkipsPrivate(t *testing.T) {
	cache := newFakeCache()
	private := portfolio.Position{
		ID: "pos-1", PortfolioID: "p-1", Symbol: "MY-STARTUP",
		AssetKind: portfolio.AssetPrivate, Quantity: 1,
		EntryPrice: 50000, EntryDate: asOfDate.AddDate(-1, 0, 0),
	}

	rows, err := NewVolatility().Compute(context.Background(), testInput(cache, private))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestVolatilityInsufficientData(t *testing.T) {
	cache := newFakeCache()
	cache.addHistory("AAPL", 10, 230, 1)

	_, err := NewVolatility().Compute(context.Background(), testInput(cache, equityPos("pos-1", "AAPL", 10)))
	var insufficient *InsufficientDataError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "AAPL", insufficient.Symbol)
}

func TestMarketBeta(t *testing.T) {
	cache := newFakeCache()
	cache.addHistory("SPY", 120, 500, 1)
	cache.addHistory("HIBETA", 120, 80, 1.5)

	rows, err := NewMarketBeta().Compute(context.Background(), testInput(cache, equityPos("pos-1", "HIBETA", 10)))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	b := rows[0].(portfolio.MarketBetaRow)
	assert.Equal(t, "SPY", b.Benchmark)
	assert.InDelta(t, 1.5, b.Beta, 0.1, "position built with 1.5x the benchmark's returns")
	assert.Greater(t, b.RSquared, 0.9)
}

func TestMarketBetaBenchmarkMissing(t *testing.T) {
	cache := newFakeCache()
	cache.addHistory("AAPL", 120, 230, 1)

	_, err := NewMarketBeta().Compute(context.Background(), testInput(cache, equityPos("pos-1", "AAPL", 10)))
	var insufficient *InsufficientDataError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "SPY", insufficient.Symbol)
}

func TestFactorExposure(t *testing.T) {
	cache := newFakeCache()
	for _, f := range factorProxies {
		cache.addHistory(f.ticker, 140, 100, 1)
	}
	cache.addHistory("AAPL", 140, 230, 1.2)

	rows, err := NewFactorExposure().Compute(context.Background(), testInput(cache, equityPos("pos-1", "AAPL", 10)))
	require.NoError(t, err)
	require.Len(t, rows, len(factorProxies))

	seen := map[string]bool{}
	for _, r := range rows {
		fe := r.(portfolio.FactorExposureRow)
		assert.Equal(t, "pos-1", fe.PositionID)
		seen[fe.Factor] = true
	}
	for _, f := range factorProxies {
		assert.True(t, seen[f.factor], "missing factor %s", f.factor)
	}
}

func TestCorrelationMatrix(t *testing.T) {
	cache := newFakeCache()
	cache.addHistory("AAPL", 120, 230, 1)
	cache.addHistory("MSFT", 120, 420, 0.8)
	cache.addHistory("XOM", 120, 110, -0.5)

	in := testInput(cache,
		equityPos("pos-1", "AAPL", 10),
		equityPos("pos-2", "MSFT", 5),
		equityPos("pos-3", "XOM", 20),
	)

	rows, err := NewCorrelation().Compute(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, rows, 3, "3 symbols yield 3 upper-triangle pairs")

	for _, r := range rows {
		c := r.(portfolio.CorrelationRow)
		assert.Less(t, c.SymbolA, c.SymbolB, "pairs ordered lexicographically")
		assert.GreaterOrEqual(t, c.Correlation, -1.0)
		assert.LessOrEqual(t, c.Correlation, 1.0)
	}

	// AAPL/MSFT built from the same base returns: strongly positive.
	// AAPL/XOM built with opposite sign: strongly negative.
	first := rows[0].(portfolio.CorrelationRow)
	require.Equal(t, "AAPL", first.SymbolA)
	require.Equal(t, "MSFT", first.SymbolB)
	assert.Greater(t, first.Correlation, 0.9)

	second := rows[1].(portfolio.CorrelationRow)
	require.Equal(t, "XOM", second.SymbolB)
	assert.Less(t, second.Correlation, -0.9)
}

func TestCorrelationSingleSymbol(t *testing.T) {
	cache := newFakeCache()
	cache.addHistory("AAPL", 120, 230, 1)

	rows, err := NewCorrelation().Compute(context.Background(), testInput(cache, equityPos("pos-1", "AAPL", 10)))
	require.NoError(t, err)
	assert.Empty(t, rows, "fewer than two symbols produce no matrix")
}

func TestSnapshot(t *testing.T) {
	cache := newFakeCache()
	cache.addHistory("AAPL", 10, 230, 0) // constant at 230

	short := equityPos("pos-2", "AAPL", -5)
	short.AssetKind = portfolio.AssetEquityShort
	private := portfolio.Position{
		ID: "pos-3", PortfolioID: "p-1", Symbol: "MY-STARTUP",
		AssetKind: portfolio.AssetPrivate, Quantity: 2,
		EntryPrice: 1000, EntryDate: asOfDate.AddDate(-1, 0, 0),
	}

	rows, err := NewSnapshot().Compute(context.Background(),
		testInput(cache, equityPos("pos-1", "AAPL", 10), short, private))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	s := rows[0].(portfolio.SnapshotRow)
	assert.Equal(t, 3, s.PositionCount)
	assert.InDelta(t, 10*230-5*230+2*1000, s.TotalValue, 1e-9)
	assert.InDelta(t, 10*230+2*1000, s.LongExposure, 1e-9)
	assert.InDelta(t, 5*230, s.ShortExposure, 1e-9)
	assert.Equal(t, "USD", s.Currency)
}

func TestSnapshotEmptyPortfolio(t *testing.T) {
	cache := newFakeCache()

	rows, err := NewSnapshot().Compute(context.Background(), testInput(cache))
	require.NoError(t, err)
	require.Len(t, rows, 1, "empty portfolios still get a snapshot to advance the watermark")

	s := rows[0].(portfolio.SnapshotRow)
	assert.Zero(t, s.TotalValue)
	assert.Zero(t, s.PositionCount)
}

func TestSnapshotMissingClose(t *testing.T) {
	cache := newFakeCache()

	_, err := NewSnapshot().Compute(context.Background(), testInput(cache, equityPos("pos-1", "AAPL", 10)))
	var insufficient *InsufficientDataError
	require.ErrorAs(t, err, &insufficient)
}

func TestStressTest(t *testing.T) {
	cache := newFakeCache()
	cache.addHistory("SPY", 120, 500, 1)
	cache.addHistory("XLK", 120, 200, 1)
	cache.addHistory("XLE", 120, 90, 1)
	cache.addHistory("XLF", 120, 45, 1)
	cache.addHistory("AAPL", 120, 230, 1)

	rows, err := NewStressTest().Compute(context.Background(), testInput(cache, equityPos("pos-1", "AAPL", 10)))
	require.NoError(t, err)
	require.Len(t, rows, len(stressScenarios))

	byScenario := map[string]portfolio.StressRow{}
	for _, r := range rows {
		s := r.(portfolio.StressRow)
		byScenario[s.Scenario] = s
	}

	down10 := byScenario["market_down_10"]
	assert.Less(t, down10.PnlValue, 0.0, "long portfolio loses in a market drop")
	assert.InDelta(t, -0.10, down10.PnlPct, 0.03, "beta ~1 portfolio tracks the shock")

	down40 := byScenario["market_down_40"]
	assert.Less(t, down40.PnlValue, down10.PnlValue, "deeper shock, deeper loss")
}

func TestStressTestNoMarketPositions(t *testing.T) {
	cache := newFakeCache()
	private := portfolio.Position{
		ID: "pos-1", PortfolioID: "p-1", Symbol: "MY-STARTUP",
		AssetKind: portfolio.AssetPrivate, Quantity: 1,
		EntryPrice: 1000, EntryDate: asOfDate.AddDate(-1, 0, 0),
	}

	rows, err := NewStressTest().Compute(context.Background(), testInput(cache, private))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDiversification(t *testing.T) {
	cache := newFakeCache()
	cache.addHistory("AAPL", 120, 230, 1)
	cache.addHistory("XOM", 120, 110, -0.7)

	rows, err := NewDiversification().Compute(context.Background(),
		testInput(cache, equityPos("pos-1", "AAPL", 10), equityPos("pos-2", "XOM", 20)))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	d := rows[0].(portfolio.DiversificationRow)
	assert.GreaterOrEqual(t, d.Score, 0.0)
	assert.LessOrEqual(t, d.Score, 1.0)
	assert.Greater(t, d.Score, 0.5, "anti-correlated two-name portfolio scores well")

	var components map[string]float64
	require.NoError(t, json.Unmarshal([]byte(d.Components), &components))
	assert.Contains(t, components, "avg_correlation")
	assert.Contains(t, components, "hhi")
}

func TestDiversificationConcentrated(t *testing.T) {
	cache := newFakeCache()
	cache.addHistory("AAPL", 120, 230, 1)

	rows, err := NewDiversification().Compute(context.Background(),
		testInput(cache, equityPos("pos-1", "AAPL", 10)))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	d := rows[0].(portfolio.DiversificationRow)
	assert.Equal(t, 0.0, d.Score, "single fully-concentrated name scores zero")
}

func TestEngineGroups(t *testing.T) {
	for _, e := range PerPositionEngines() {
		assert.Equal(t, KindPerPosition, e.Kind(), e.Name())
	}
	for _, e := range AggregationEngines() {
		assert.Equal(t, KindAggregation, e.Kind(), e.Name())
	}
	assert.Len(t, append(PerPositionEngines(), AggregationEngines()...), 8)
}

func TestIsSkip(t *testing.T) {
	assert.True(t, IsSkip(&InsufficientDataError{Engine: "x", Symbol: "A", Have: 1, Need: 2}))
	assert.True(t, IsSkip(&DegenerateInputError{Engine: "x", Reason: "constant"}))
	assert.False(t, IsSkip(&ComputationError{Engine: "x", Err: errors.New("NaN")}))
	assert.False(t, IsSkip(errors.New("plain")))
}
