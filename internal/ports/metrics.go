package ports

import "leverageGuard/internal/domain"

// Metrics receives controller events for observability.
type Metrics interface {
	DecisionApproved(symbol domain.Symbol, side domain.Side)
	DecisionRejected(symbol domain.Symbol, code domain.RejectCode)
	TradeExecuted(symbol domain.Symbol, side domain.Side)
	TradeClosed(symbol domain.Symbol, reason string, pnl float64)
	SetHalted(halted bool)
	SetOpenTrades(n int)
	SetEquity(equity float64)
}
