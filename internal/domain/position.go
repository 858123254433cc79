package domain

// Position is the exchange's view of open risk for one symbol.
type Position struct {
	Symbol           Symbol
	Side             Side
	Amount           float64 // Absolute position size
	EntryPrice       float64
	MarkPrice        float64
	UnrealizedPnL    float64
	LiquidationPrice float64
	Leverage         int
	Margin           float64 // Isolated margin, or notional/leverage for cross
}

// PnLPercent is the exchange-margin based return. ok is false when margin is
// not available.
func (p *Position) PnLPercent() (pct float64, ok bool) {
	if p.Margin <= 0 {
		return 0, false
	}
	return p.UnrealizedPnL / p.Margin * 100, true
}

// SymbolFilters are the exchange lot and notional constraints for a symbol.
type SymbolFilters struct {
	Symbol      Symbol
	StepSize    float64
	MinQuantity float64
	MinNotional float64
	TickSize    float64
}

// ConditionalOrder is a resting stop or take-profit order.
type ConditionalOrder struct {
	OrderID   int64
	Symbol    Symbol
	Side      OrderSide
	Type      ConditionalType
	StopPrice float64
}

// ConditionalType distinguishes protective orders.
type ConditionalType string

const (
	ConditionalStopLoss   ConditionalType = "STOP_MARKET"
	ConditionalTakeProfit ConditionalType = "TAKE_PROFIT_MARKET"
)

// AccountBalance is the quote-asset balance of the futures wallet.
type AccountBalance struct {
	Asset     string
	Wallet    float64
	Available float64
}
