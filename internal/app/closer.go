package app

import (
	"context"
	"errors"
	"fmt"
	"math"

	"leverageGuard/internal/domain"
	"leverageGuard/internal/ports"
	"leverageGuard/internal/retry"
)

// Closer exits trades: it flattens the exchange position with a reduce-only
// order, records the close in the ledger and feeds the outcome to the
// breaker, sizer history, risk manager and metrics.
type Closer struct {
	engine *Engine
}

// Close closes the trade with the given reason under its symbol lock. Closing
// a trade that is already closed is a no-op. When every attempt fails the
// ledger row is force-closed with the reason suffixed by
// domain.CloseErrorMarker and the last error is returned.
func (c *Closer) Close(ctx context.Context, tradeID, reason string) error {
	trade, err := c.lookup(ctx, tradeID)
	if err != nil {
		return fmt.Errorf("Closer.Close failed: %w", err)
	}
	if trade == nil {
		return fmt.Errorf("Closer.Close failed: trade %s: %w", tradeID, ports.ErrNotFound)
	}
	unlock := c.engine.locks.Lock(trade.Symbol)
	defer unlock()
	return c.closeLocked(ctx, tradeID, reason)
}

// closeLocked is Close for callers already holding the symbol lock. The trade
// is read again so a close that won the lock first is seen.
func (c *Closer) closeLocked(ctx context.Context, tradeID, reason string) error {
	op := "Closer.Close"
	e := c.engine

	trade, err := c.lookup(ctx, tradeID)
	if err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	if trade == nil {
		return fmt.Errorf("%s failed: trade %s: %w", op, tradeID, ports.ErrNotFound)
	}
	if !trade.IsOpen() {
		e.memory.Remove(trade.ID)
		return nil
	}

	fields := map[string]interface{}{
		"tradeID": trade.ID,
		"symbol":  trade.Symbol,
		"side":    trade.Side,
		"reason":  reason,
	}
	e.logger.Info(ctx, op+": Closing trade", fields)

	var closed *domain.TradeClose
	policy := retry.Policy{Name: op, Attempts: e.cfg.CloseAttempts, Delay: e.cfg.CloseDelay}
	err = retry.Do(ctx, policy, e.logger, func(ctx context.Context, attempt int) error {
		if closed == nil {
			tc, err := c.flatten(ctx, trade, reason)
			if err != nil {
				return err
			}
			closed = tc
		}
		c.cancelProtection(ctx, trade)
		if err := e.ledger.UpdateTrade(ctx, trade.ID, domain.TradeUpdate{Close: closed}); err != nil && !errors.Is(err, ports.ErrAlreadyClosed) {
			return err
		}
		return nil
	})
	if err == nil {
		c.finish(ctx, trade, *closed)
		e.logger.Info(ctx, op+": Trade closed", map[string]interface{}{
			"tradeID":     trade.ID,
			"symbol":      trade.Symbol,
			"reason":      reason,
			"exitPrice":   closed.ExitPrice,
			"realizedPnL": closed.RealizedPnL,
			"pnlPercent":  closed.PnLPercent,
		})
		return nil
	}

	e.logger.Error(ctx, err, op+": Close attempts exhausted, force-closing ledger record", map[string]interface{}{
		"tradeID":  trade.ID,
		"symbol":   trade.Symbol,
		"reason":   reason,
		"severity": "critical",
	})
	forced := closed
	if forced == nil {
		forced = c.estimate(trade, trade.CurrentPrice, reason)
	}
	forcedClose := *forced
	forcedClose.Reason = reason + domain.CloseErrorMarker
	writeCtx := context.WithoutCancel(ctx)
	if werr := e.ledger.UpdateTrade(writeCtx, trade.ID, domain.TradeUpdate{Close: &forcedClose}); werr != nil && !errors.Is(werr, ports.ErrAlreadyClosed) {
		e.logger.Error(ctx, werr, op+": Forced ledger close failed", map[string]interface{}{
			"tradeID":  trade.ID,
			"severity": "critical",
		})
	}
	c.finish(writeCtx, trade, forcedClose)
	return fmt.Errorf("%s failed for %s: %w", op, trade.ID, err)
}

// lookup prefers memory and falls back to the ledger.
func (c *Closer) lookup(ctx context.Context, tradeID string) (*domain.Trade, error) {
	e := c.engine
	if t, ok := e.memory.Get(tradeID); ok {
		return t, nil
	}
	var trade *domain.Trade
	err := retry.Do(ctx, e.ioRetry("Closer.lookup"), e.logger, func(ctx context.Context, _ int) error {
		var err error
		trade, err = e.ledger.FindTrade(ctx, tradeID)
		return err
	})
	return trade, err
}

// flatten reduces the exchange position by the trade's open quantity and
// returns the resulting close. A missing position is closed at the last price.
func (c *Closer) flatten(ctx context.Context, trade *domain.Trade, reason string) (*domain.TradeClose, error) {
	op := "Closer.flatten"
	e := c.engine

	positions, err := e.exchange.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	pos := findPosition(positions, trade.Symbol, trade.Side)
	if pos == nil {
		return c.closeAtMarket(ctx, trade, reason), nil
	}

	qty := math.Min(pos.Amount, trade.OpenQuantity())
	err = retry.Do(ctx, retry.RateLimited(op, e.cfg.IOAttempts, e.cfg.IODelay), e.logger, func(ctx context.Context, _ int) error {
		_, err := e.exchange.PlaceMarketOrder(ctx, trade.Symbol, trade.Side.ExitOrderSide(), qty, true)
		return err
	})
	if errors.Is(err, ports.ErrReduceOnlyRejected) {
		e.logger.Warn(ctx, op+": Reduce-only close rejected, position already gone", map[string]interface{}{"tradeID": trade.ID})
		return c.closeAtMarket(ctx, trade, reason), nil
	}
	if err != nil {
		return nil, err
	}

	exit := pos.MarkPrice
	if exit <= 0 {
		exit = trade.CurrentPrice
	}
	realized := trade.EstimatePnL(exit)
	if pos.Amount > 0 {
		realized = pos.UnrealizedPnL * qty / pos.Amount
	}
	return c.closeWith(trade, exit, realized, reason), nil
}

func (c *Closer) closeAtMarket(ctx context.Context, trade *domain.Trade, reason string) *domain.TradeClose {
	price, err := c.engine.exchange.GetPrice(ctx, trade.Symbol)
	if err != nil || price <= 0 {
		price = trade.CurrentPrice
	}
	return c.estimate(trade, price, reason)
}

func (c *Closer) estimate(trade *domain.Trade, price float64, reason string) *domain.TradeClose {
	if price <= 0 {
		price = trade.EntryPrice
	}
	return c.closeWith(trade, price, trade.EstimatePnL(price), reason)
}

func (c *Closer) closeWith(trade *domain.Trade, exit, realized float64, reason string) *domain.TradeClose {
	pct := 0.0
	if m := trade.Margin(); m > 0 {
		pct = realized / m * 100
	}
	return &domain.TradeClose{
		ClosedAt:    c.engine.now(),
		ExitPrice:   exit,
		RealizedPnL: realized,
		PnLPercent:  pct,
		Reason:      reason,
	}
}

// cancelProtection removes resting exit orders for the trade's side. Failures
// are logged only; close-position orders die with the position anyway.
func (c *Closer) cancelProtection(ctx context.Context, trade *domain.Trade) {
	op := "Closer.cancelProtection"
	e := c.engine
	orders, err := e.exchange.GetOpenConditionalOrders(ctx, trade.Symbol)
	if err != nil {
		e.logger.Warn(ctx, op+": Could not list conditional orders", map[string]interface{}{"tradeID": trade.ID, "error": err.Error()})
		return
	}
	for _, o := range orders {
		if o.Side != trade.Side.ExitOrderSide() {
			continue
		}
		if err := e.exchange.CancelOrder(ctx, trade.Symbol, o.OrderID); err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
			e.logger.Warn(ctx, op+": Cancel failed", map[string]interface{}{"orderID": o.OrderID, "error": err.Error()})
		}
	}
}

// finish drops the trade from memory and records its outcome.
func (c *Closer) finish(ctx context.Context, trade *domain.Trade, tc domain.TradeClose) {
	e := c.engine
	e.memory.Remove(trade.ID)

	closed := trade.Clone()
	domain.TradeUpdate{Close: &tc}.Apply(closed)
	e.recordOutcome(ctx, closed)
}

// recordOutcome feeds a closed trade to every consumer of trade results.
func (e *Engine) recordOutcome(ctx context.Context, closed *domain.Trade) {
	e.sizer.History().Record(closed.RealizedPnL)
	e.breaker.RecordClose(ctx, closed)
	if e.risk != nil {
		if err := e.risk.UpdateStats(ctx, closed); err != nil {
			e.logger.Warn(ctx, "Engine.recordOutcome: Risk limit breached", map[string]interface{}{"error": err.Error()})
		}
	}
	e.metrics.TradeClosed(closed.Symbol, closed.CloseReason, closed.RealizedPnL)
	e.metrics.SetOpenTrades(e.memory.Count())
}

// untrackedPosition returns a live position on symbol that no open trade owns.
// When sideOwned is set the position on side belongs to tracked trades.
func untrackedPosition(positions []*domain.Position, symbol domain.Symbol, side domain.Side, sideOwned bool) *domain.Position {
	for _, p := range positions {
		if p == nil || p.Symbol != symbol || p.Amount <= 0 {
			continue
		}
		if p.Side == side && sideOwned {
			continue
		}
		return p
	}
	return nil
}

func findPosition(positions []*domain.Position, symbol domain.Symbol, side domain.Side) *domain.Position {
	for _, p := range positions {
		if p != nil && p.Symbol == symbol && p.Side == side && p.Amount > 0 {
			return p
		}
	}
	return nil
}
