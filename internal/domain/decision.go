package domain

// Decision is the outcome of the decision gate: exactly one of *Approved or
// *Rejected.
type Decision interface {
	isDecision()
}

// Approved is a signal cleared for sizing.
type Approved struct {
	Symbol        Symbol
	Side          Side
	Confidence    float64
	Confluence    float64
	Entry         float64
	StopLoss      float64
	TakeProfit    float64
	Confirmations int
}

// RejectCode classifies why a signal was declined.
type RejectCode string

const (
	RejectInvalidAction   RejectCode = "invalid_action"
	RejectLowConfidence   RejectCode = "low_confidence"
	RejectTrendMisaligned RejectCode = "trend_misaligned"
	RejectConfirmations   RejectCode = "insufficient_confirmations"
	RejectLowVolume       RejectCode = "low_volume"
	RejectFunding         RejectCode = "unfavorable_funding"
	RejectLiquidation     RejectCode = "liquidation_too_close"
	RejectHalted          RejectCode = "circuit_breaker_halted"
	RejectTradingDisabled RejectCode = "new_trades_disabled"
	RejectGlobalCap       RejectCode = "global_cap_reached"
	RejectSizing          RejectCode = "size_unavailable"
	RejectDuplicate       RejectCode = "duplicate"
	RejectHedge           RejectCode = "opposite_side_open"
	RejectLivePosition    RejectCode = "live_position_exists"
)

// Rejected is a declined signal with a human-readable reason.
type Rejected struct {
	Code   RejectCode
	Reason string
}

func (*Approved) isDecision() {}
func (*Rejected) isDecision() {}

func (r *Rejected) Error() string { return string(r.Code) + ": " + r.Reason }

// SizingResult is the computed order size for an approved decision.
type SizingResult struct {
	Margin       float64
	Leverage     int
	Notional     float64
	Quantity     float64
	RiskFraction float64
	Exceptional  bool
	Rationale    string
	RiskAmount   float64
	RewardAmount float64
	RiskReward   float64
}

// OK reports whether the sizer produced a tradable size.
func (s SizingResult) OK() bool {
	return s.Quantity > 0
}
