package formulas

import "math"

// Greeks holds the Black-Scholes sensitivities of a single option contract.
type Greeks struct {
	Delta float64
	Gamma float64
	Theta float64 // per calendar day
	Vega  float64 // per 1% vol move
}

// normPDF is the standard normal density
func normPDF(x float64) float64 {
	return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
}

// normCDF is the standard normal cumulative distribution
func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// BlackScholesGreeks computes delta, gamma, theta and vega for a European
// option. spot and strike must be positive, timeToExpiry is in years, vol is
// annualized, rate is the continuously compounded risk-free rate.
func BlackScholesGreeks(spot, strike, timeToExpiry, vol, rate float64, isCall bool) Greeks {
	if spot <= 0 || strike <= 0 || timeToExpiry <= 0 || vol <= 0 {
		return Greeks{}
	}

	sqrtT := math.Sqrt(timeToExpiry)
	d1 := (math.Log(spot/strike) + (rate+vol*vol/2)*timeToExpiry) / (vol * sqrtT)
	d2 := d1 - vol*sqrtT

	gamma := normPDF(d1) / (spot * vol * sqrtT)
	vega := spot * normPDF(d1) * sqrtT / 100 // per 1% vol move

	var delta, theta float64
	if isCall {
		delta = normCDF(d1)
		theta = (-spot*normPDF(d1)*vol/(2*sqrtT) -
			rate*strike*math.Exp(-rate*timeToExpiry)*normCDF(d2)) / 365
	} else {
		delta = normCDF(d1) - 1
		theta = (-spot*normPDF(d1)*vol/(2*sqrtT) +
			rate*strike*math.Exp(-rate*timeToExpiry)*normCDF(-d2)) / 365
	}

	return Greeks{Delta: delta, Gamma: gamma, Theta: theta, Vega: vega}
}
