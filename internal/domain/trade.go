package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Trade is one leveraged position opened by the controller.
//
// Quantity and EntryPrice are fixed at creation. Partial profit taking reduces
// RemainingQuantity, never Quantity.
type Trade struct {
	ID                 string
	Symbol             Symbol
	Side               Side
	Quantity           float64
	RemainingQuantity  float64
	EntryPrice         float64
	CurrentPrice       float64
	ExitPrice          float64
	StopLoss           float64
	TakeProfit         float64
	Leverage           int
	Confidence         float64
	Exceptional        bool
	OpenedAt           time.Time
	ClosedAt           *time.Time
	Status             TradeStatus
	CloseReason        string
	RealizedPnL        float64
	UnrealizedPnL      float64
	PnLPercent         float64
	ExchangeOrderID    int64
	StopLossSet        bool
	TakeProfitSet      bool
	PartialProfitTaken bool
}

// NewTradeID derives a unique trade identifier from symbol, time and a random suffix.
func NewTradeID(symbol Symbol, at time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s-%d-%s", symbol, at.UnixMilli(), suffix)
}

// IsOpen reports whether the trade is still open.
func (t *Trade) IsOpen() bool {
	return t.Status == StatusOpen
}

// OpenQuantity is the size still held on the exchange.
func (t *Trade) OpenQuantity() float64 {
	if t.RemainingQuantity > 0 {
		return t.RemainingQuantity
	}
	return t.Quantity
}

// Margin is the collateral committed at entry.
func (t *Trade) Margin() float64 {
	lev := t.Leverage
	if lev <= 0 {
		lev = 1
	}
	return t.EntryPrice * t.OpenQuantity() / float64(lev)
}

// EstimatePnL returns the P&L of the open quantity at the given price.
func (t *Trade) EstimatePnL(price float64) float64 {
	return (price - t.EntryPrice) * t.OpenQuantity() * t.Side.Sign()
}

// PriceMovePercent is the favourable price move from entry, in percent.
func (t *Trade) PriceMovePercent(price float64) float64 {
	if t.EntryPrice == 0 {
		return 0
	}
	return (price - t.EntryPrice) / t.EntryPrice * 100 * t.Side.Sign()
}

// Age is the time since the trade was opened.
func (t *Trade) Age(now time.Time) time.Duration {
	return now.Sub(t.OpenedAt)
}

// Clone returns a copy safe to hand out of the memory view.
func (t *Trade) Clone() *Trade {
	if t == nil {
		return nil
	}
	c := *t
	if t.ClosedAt != nil {
		at := *t.ClosedAt
		c.ClosedAt = &at
	}
	return &c
}

// TradeUpdate lists the mutable ledger fields; nil fields are left untouched.
type TradeUpdate struct {
	CurrentPrice       *float64
	StopLoss           *float64
	TakeProfit         *float64
	RemainingQuantity  *float64
	UnrealizedPnL      *float64
	PnLPercent         *float64
	StopLossSet        *bool
	TakeProfitSet      *bool
	PartialProfitTaken *bool
	Close              *TradeClose
}

// TradeClose carries the terminal fields. Applying it sets status=closed.
type TradeClose struct {
	ClosedAt    time.Time
	ExitPrice   float64
	RealizedPnL float64
	PnLPercent  float64
	Reason      string
}

// Apply copies the update onto an in-memory trade.
func (u TradeUpdate) Apply(t *Trade) {
	if u.CurrentPrice != nil {
		t.CurrentPrice = *u.CurrentPrice
	}
	if u.StopLoss != nil {
		t.StopLoss = *u.StopLoss
	}
	if u.TakeProfit != nil {
		t.TakeProfit = *u.TakeProfit
	}
	if u.RemainingQuantity != nil {
		t.RemainingQuantity = *u.RemainingQuantity
	}
	if u.UnrealizedPnL != nil {
		t.UnrealizedPnL = *u.UnrealizedPnL
	}
	if u.PnLPercent != nil {
		t.PnLPercent = *u.PnLPercent
	}
	if u.StopLossSet != nil {
		t.StopLossSet = *u.StopLossSet
	}
	if u.TakeProfitSet != nil {
		t.TakeProfitSet = *u.TakeProfitSet
	}
	if u.PartialProfitTaken != nil {
		t.PartialProfitTaken = *u.PartialProfitTaken
	}
	if u.Close != nil {
		at := u.Close.ClosedAt
		t.ClosedAt = &at
		t.Status = StatusClosed
		t.ExitPrice = u.Close.ExitPrice
		t.RealizedPnL = u.Close.RealizedPnL
		t.PnLPercent = u.Close.PnLPercent
		t.CloseReason = u.Close.Reason
		t.UnrealizedPnL = 0
	}
}

// Float returns a pointer to v, for building TradeUpdate values.
func Float(v float64) *float64 { return &v }

// Bool returns a pointer to v, for building TradeUpdate values.
func Bool(v bool) *bool { return &v }
