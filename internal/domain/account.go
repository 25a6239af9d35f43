package domain

// DefaultStartingCapitalUSD is the paper account's starting quote balance.
const DefaultStartingCapitalUSD = 100_000.0

// Account is the paper-trading ledger. It is owned exclusively by the
// exchange engine and mutated only by fill application and Reset.
type Account struct {
	USDBalance    float64
	BaseBalance   float64
	AvgEntryPrice float64 // volume-weighted entry of the current net position
	RealizedPnL   float64
	FeesPaid      float64
}

// Equity values the account at the given mark price.
func (a Account) Equity(markPrice float64) float64 {
	return a.USDBalance + a.BaseBalance*markPrice
}

// UnrealizedPnL returns the open-position PnL at the given mark price.
func (a Account) UnrealizedPnL(markPrice float64) float64 {
	if a.BaseBalance == 0 {
		return 0
	}
	return (markPrice - a.AvgEntryPrice) * a.BaseBalance
}

// PortfolioSnapshot is the externally published account view.
type PortfolioSnapshot struct {
	USD           float64 `json:"usd"`
	Base          float64 `json:"btc"`
	Equity        float64 `json:"equity"`
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	FeesEnabled   bool    `json:"fees_enabled"`
	OpenOrders    int     `json:"open_orders"`
}
