package formulas

import (
	"math"
	"testing"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestMean(t *testing.T) {
	tests := []struct {
		name     string
		data     []float64
		expected float64
	}{
		{"simple", []float64{1, 2, 3, 4, 5}, 3},
		{"single", []float64{7}, 7},
		{"empty", []float64{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Mean(tt.data); !almostEqual(got, tt.expected, 1e-9) {
				t.Errorf("Mean(%v) = %v, want %v", tt.data, got, tt.expected)
			}
		})
	}
}

func TestCalculateReturns(t *testing.T) {
	prices := []float64{100, 110, 99}
	returns := CalculateReturns(prices)

	if len(returns) != 2 {
		t.Fatalf("expected 2 returns, got %d", len(returns))
	}
	if !almostEqual(returns[0], 0.10, 1e-9) {
		t.Errorf("returns[0] = %v, want 0.10", returns[0])
	}
	if !almostEqual(returns[1], -0.10, 1e-9) {
		t.Errorf("returns[1] = %v, want -0.10", returns[1])
	}
}

func TestCalculateReturns_TooFewPrices(t *testing.T) {
	if got := CalculateReturns([]float64{100}); len(got) != 0 {
		t.Errorf("expected empty returns for a single price, got %v", got)
	}
}

func TestLogReturns(t *testing.T) {
	returns := LogReturns([]float64{100, 100 * math.E})
	if len(returns) != 1 || !almostEqual(returns[0], 1, 1e-9) {
		t.Errorf("LogReturns = %v, want [1]", returns)
	}
}

func TestAnnualizedVolatility(t *testing.T) {
	// Constant returns have zero volatility
	if got := AnnualizedVolatility([]float64{0.01, 0.01, 0.01}); got != 0 {
		t.Errorf("constant returns volatility = %v, want 0", got)
	}

	daily := []float64{0.01, -0.01, 0.02, -0.02, 0.01}
	got := AnnualizedVolatility(daily)
	want := StdDev(daily) * math.Sqrt(252)
	if !almostEqual(got, want, 1e-12) {
		t.Errorf("AnnualizedVolatility = %v, want %v", got, want)
	}
}

func TestCorrelation(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}
	yPos := []float64{2, 4, 6, 8, 10}
	yNeg := []float64{10, 8, 6, 4, 2}

	if got := Correlation(x, yPos); !almostEqual(got, 1, 1e-9) {
		t.Errorf("perfect positive correlation = %v, want 1", got)
	}
	if got := Correlation(x, yNeg); !almostEqual(got, -1, 1e-9) {
		t.Errorf("perfect negative correlation = %v, want -1", got)
	}
	if got := Correlation(x, []float64{1, 2}); got != 0 {
		t.Errorf("mismatched lengths should yield 0, got %v", got)
	}
}

func TestLinearBeta(t *testing.T) {
	x := []float64{0.01, -0.02, 0.03, 0.005, -0.01}
	y := make([]float64, len(x))
	for i, v := range x {
		y[i] = 1.5 * v
	}

	beta, r2 := LinearBeta(x, y)
	if !almostEqual(beta, 1.5, 1e-9) {
		t.Errorf("beta = %v, want 1.5", beta)
	}
	if !almostEqual(r2, 1, 1e-9) {
		t.Errorf("r-squared = %v, want 1", r2)
	}
}

func TestLinearBeta_Degenerate(t *testing.T) {
	beta, r2 := LinearBeta([]float64{1}, []float64{1})
	if beta != 0 || r2 != 0 {
		t.Errorf("expected zero fit for a single point, got beta=%v r2=%v", beta, r2)
	}
}

func TestHerfindahlIndex(t *testing.T) {
	tests := []struct {
		name     string
		weights  []float64
		expected float64
	}{
		{"fully concentrated", []float64{1, 0, 0}, 1},
		{"evenly split", []float64{0.25, 0.25, 0.25, 0.25}, 0.25},
		{"empty", nil, 0},
		{"shorts count by absolute weight", []float64{0.5, -0.5}, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HerfindahlIndex(tt.weights); !almostEqual(got, tt.expected, 1e-9) {
				t.Errorf("HerfindahlIndex(%v) = %v, want %v", tt.weights, got, tt.expected)
			}
		})
	}
}

func TestBlackScholesGreeks_Call(t *testing.T) {
	// ATM one-year call, 20% vol, 5% rate. Reference values from the
	// closed-form Black-Scholes formulas.
	g := BlackScholesGreeks(100, 100, 1, 0.20, 0.05, true)

	if !almostEqual(g.Delta, 0.6368, 1e-3) {
		t.Errorf("call delta = %v, want ~0.6368", g.Delta)
	}
	if !almostEqual(g.Gamma, 0.01876, 1e-4) {
		t.Errorf("gamma = %v, want ~0.01876", g.Gamma)
	}
	if g.Theta >= 0 {
		t.Errorf("long call theta should be negative, got %v", g.Theta)
	}
	if !almostEqual(g.Vega, 0.3752, 1e-3) {
		t.Errorf("vega = %v, want ~0.3752", g.Vega)
	}
}

func TestBlackScholesGreeks_PutCallParity(t *testing.T) {
	call := BlackScholesGreeks(100, 95, 0.5, 0.25, 0.03, true)
	put := BlackScholesGreeks(100, 95, 0.5, 0.25, 0.03, false)

	// delta_call - delta_put = 1; gamma and vega are shared
	if !almostEqual(call.Delta-put.Delta, 1, 1e-9) {
		t.Errorf("delta parity violated: call %v put %v", call.Delta, put.Delta)
	}
	if !almostEqual(call.Gamma, put.Gamma, 1e-12) {
		t.Errorf("gamma differs between call and put")
	}
	if !almostEqual(call.Vega, put.Vega, 1e-12) {
		t.Errorf("vega differs between call and put")
	}
}

func TestBlackScholesGreeks_InvalidInputs(t *testing.T) {
	if g := BlackScholesGreeks(0, 100, 1, 0.2, 0.05, true); g != (Greeks{}) {
		t.Errorf("zero spot should yield zero greeks, got %+v", g)
	}
	if g := BlackScholesGreeks(100, 100, 0, 0.2, 0.05, true); g != (Greeks{}) {
		t.Errorf("expired option should yield zero greeks, got %+v", g)
	}
}
