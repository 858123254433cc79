package domain

import "time"

// Action is the raw direction emitted by a signal source.
type Action string

const (
	ActionStrongBuy  Action = "STRONG_BUY"
	ActionBuy        Action = "BUY"
	ActionHold       Action = "HOLD"
	ActionSell       Action = "SELL"
	ActionStrongSell Action = "STRONG_SELL"
)

// Side maps a tradable action to a position side. ok is false for HOLD or
// unknown actions.
func (a Action) Side() (side Side, ok bool) {
	switch a {
	case ActionBuy, ActionStrongBuy:
		return Long, true
	case ActionSell, ActionStrongSell:
		return Short, true
	default:
		return "", false
	}
}

// IsStrong reports whether the action carries the strong-signal flag.
func (a Action) IsStrong() bool {
	return a == ActionStrongBuy || a == ActionStrongSell
}

// Trend is the prevailing market direction. UP and DOWN mean a strong trend;
// anything weaker is classified SIDEWAYS by the signal source.
type Trend string

const (
	TrendUp       Trend = "UP"
	TrendDown     Trend = "DOWN"
	TrendSideways Trend = "SIDEWAYS"
)

// TechnicalSnapshot is the supporting data attached to a signal.
type TechnicalSnapshot struct {
	Price         float64
	RSI           float64
	VWAP          float64
	MACDHistogram float64
	Volume        float64
	AvgVolume     float64
	ATR           float64
	Volatility    float64
	Trend         Trend
}

// VolumeRatio is current volume over its trailing average.
func (s TechnicalSnapshot) VolumeRatio() float64 {
	if s.AvgVolume <= 0 {
		return 0
	}
	return s.Volume / s.AvgVolume
}

// VWAPDeviation is |price - vwap| / vwap.
func (s TechnicalSnapshot) VWAPDeviation() float64 {
	if s.VWAP <= 0 {
		return 0
	}
	d := (s.Price - s.VWAP) / s.VWAP
	if d < 0 {
		return -d
	}
	return d
}

// Signal is one candidate produced by the signal source for one symbol per tick.
type Signal struct {
	Symbol      Symbol
	Action      Action
	Confidence  float64 // 0..1
	Confluence  float64 // 0..10
	Snapshot    TechnicalSnapshot
	Klines      []*Kline
	GeneratedAt time.Time
}

// MarketContext is the exchange-side state the gate needs.
type MarketContext struct {
	Price       float64
	FundingRate float64
	HasFunding  bool
}

// AccountContext is the account-side state the gate needs.
type AccountContext struct {
	Equity           float64
	AvailableBalance float64
	Leverage         int
}

// SymbolRule is the per-symbol trading policy.
type SymbolRule struct {
	MaxPositions  int     // Cap on concurrently open trades for the symbol
	MinConfidence float64 // Minimum bias-adjusted confidence
	Priority      bool    // Priority symbols count towards exceptional classification
	Derivatives   bool    // Apply funding-rate checks
}
