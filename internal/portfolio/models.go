// Package portfolio holds the portfolio domain model, the repository over
// the portfolio database, and the typed calculation result rows.
package portfolio

import "time"

// AssetKind categorizes a position
type AssetKind string

const (
	AssetEquityLong  AssetKind = "equity_long"
	AssetEquityShort AssetKind = "equity_short"
	AssetOptionCall  AssetKind = "option_call"
	AssetOptionPut   AssetKind = "option_put"
	AssetPrivate     AssetKind = "private"
)

// IsOption reports whether the kind is an option contract
func (k AssetKind) IsOption() bool {
	return k == AssetOptionCall || k == AssetOptionPut
}

// Portfolio is a user portfolio. Active means active flag set and not
// soft-deleted.
type Portfolio struct {
	ID          string
	OwnerID     string
	DisplayName string
	Active      bool
	CreatedAt   time.Time
	DeletedAt   *time.Time
}

// Position is a single holding inside a portfolio. Quantity is signed.
type Position struct {
	ID              string
	PortfolioID     string
	Symbol          string
	AssetKind       AssetKind
	Quantity        float64
	EntryPrice      float64
	EntryDate       time.Time
	ExitDate        *time.Time
	OptionStrike    *float64
	OptionExpiry    *time.Time
	InvestmentClass string
	DeletedAt       *time.Time
}

// OpenAt reports whether the position is open at date d: not soft-deleted,
// entered on or before d, not exited on or before d, and (for options) not
// expired by d.
func (p *Position) OpenAt(d time.Time) bool {
	if p.DeletedAt != nil {
		return false
	}
	if p.EntryDate.After(d) {
		return false
	}
	if p.ExitDate != nil && !p.ExitDate.After(d) {
		return false
	}
	if p.AssetKind.IsOption() && p.OptionExpiry != nil && !p.OptionExpiry.After(d) {
		return false
	}
	return true
}

// FactorProxyETFs is the fixed set of factor-proxy tickers joined into every
// scoped symbol set. SPY doubles as the market-beta benchmark.
var FactorProxyETFs = []string{
	"SPY",  // market
	"QQQ",  // large growth
	"IWM",  // small size
	"VTV",  // value
	"VUG",  // growth
	"MTUM", // momentum
	"QUAL", // quality
	"USMV", // low volatility
	"XLB",  // materials
	"XLE",  // energy
	"XLF",  // financials
	"XLI",  // industrials
	"XLK",  // technology
	"XLP",  // staples
	"XLU",  // utilities
	"XLV",  // health care
	"XLY",  // discretionary
}
