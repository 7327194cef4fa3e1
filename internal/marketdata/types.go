// Package marketdata holds the OHLCV cache and the provider adapter that
// fills it. Engines read only from the cache; the provider is consulted
// exclusively during batch pre-population.
package marketdata

import "time"

// Row is one daily OHLCV bar for a symbol.
type Row struct {
	Symbol string
	Date   time.Time // date component only, midnight UTC
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

const dateFormat = "2006-01-02"
