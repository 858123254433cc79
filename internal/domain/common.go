package domain

import "strings"

// Symbol identifies a futures contract (e.g. "BTCUSDT").
type Symbol string

// NormalizeSymbol upper-cases and trims a raw symbol string.
func NormalizeSymbol(raw string) Symbol {
	return Symbol(strings.ToUpper(strings.TrimSpace(raw)))
}

func (s Symbol) String() string { return string(s) }

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// Side is the direction of a position.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// EntryOrderSide returns the order side that opens a position in this direction.
func (s Side) EntryOrderSide() OrderSide {
	if s == Short {
		return Sell
	}
	return Buy
}

// ExitOrderSide returns the order side that reduces a position in this direction.
func (s Side) ExitOrderSide() OrderSide {
	if s == Short {
		return Buy
	}
	return Sell
}

// Opposite returns the other direction.
func (s Side) Opposite() Side {
	if s == Short {
		return Long
	}
	return Short
}

// Sign is +1 for long and -1 for short, used for directional P&L math.
func (s Side) Sign() float64 {
	if s == Short {
		return -1
	}
	return 1
}

// TradeStatus represents the lifecycle state of a trade.
type TradeStatus string

const (
	StatusOpen   TradeStatus = "open"
	StatusClosed TradeStatus = "closed"
)

// Close reasons written to the ledger. The column is free text; these are the
// classifications the controller itself produces.
const (
	CloseReasonStopLoss         = "stop_loss"
	CloseReasonTakeProfit       = "take_profit"
	CloseReasonTimeout          = "timeout"
	CloseReasonClosedExternally = "closed externally"
	CloseReasonDuplicate        = "duplicate"
	CloseReasonReplaced         = "replaced by exceptional trade"
	CloseReasonShutdown         = "shutdown"
	CloseReasonManual           = "manual"

	// CloseErrorMarker is appended to the reason when the terminal state had to be
	// force-written without a confirmed exchange close.
	CloseErrorMarker = " [close_error]"
)
