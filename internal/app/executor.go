package app

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"leverageGuard/internal/domain"
	"leverageGuard/internal/ports"
	"leverageGuard/internal/retry"
)

// ExecutionStatus is the result class of an entry attempt.
type ExecutionStatus string

const (
	ExecutionOpened   ExecutionStatus = "opened"
	ExecutionRejected ExecutionStatus = "rejected" // Duplicate, hedge or cap guard
	ExecutionAborted  ExecutionStatus = "aborted"  // A live exchange position already exists
	ExecutionSkipped  ExecutionStatus = "skipped"  // Exchange refused the order as too small
)

// ExecutionOutcome describes what Execute did.
type ExecutionOutcome struct {
	Status   ExecutionStatus
	Trade    *domain.Trade
	Replaced *domain.Trade
	Code     domain.RejectCode
	Reason   string
}

func rejected(code domain.RejectCode, format string, args ...interface{}) ExecutionOutcome {
	return ExecutionOutcome{Status: ExecutionRejected, Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Execute opens a trade for an approved decision. The duplicate check, the
// exchange order and the ledger insert run under the symbol lock, so
// concurrent calls for one symbol yield at most one trade per side.
func (e *Engine) Execute(ctx context.Context, d *domain.Approved, size domain.SizingResult) (ExecutionOutcome, error) {
	op := "Engine.Execute"
	if d == nil || !size.OK() {
		return ExecutionOutcome{}, fmt.Errorf("%s failed: %w: no approved decision or size", op, ports.ErrInvalidRequest)
	}
	symbol := d.Symbol
	unlock := e.locks.Lock(symbol)
	defer unlock()

	fields := map[string]interface{}{
		"symbol":   symbol,
		"side":     d.Side,
		"quantity": size.Quantity,
		"leverage": size.Leverage,
	}

	var open []*domain.Trade
	err := retry.Do(ctx, e.ioRetry(op+".findOpen"), e.logger, func(ctx context.Context, _ int) error {
		var err error
		open, err = e.ledger.FindOpenTrades(ctx, symbol)
		return err
	})
	if err != nil {
		return ExecutionOutcome{}, fmt.Errorf("%s failed: reading open trades for %s: %w", op, symbol, err)
	}

	var sameSide []*domain.Trade
	for _, t := range open {
		if t.Side == d.Side.Opposite() {
			return rejected(domain.RejectHedge, "%s %s trade %s is open", symbol, t.Side, t.ID), nil
		}
		sameSide = append(sameSide, t)
	}

	rules := e.rules.Rules()
	rule := rules.RuleFor(symbol)
	var replaced *domain.Trade
	if len(sameSide) > 0 {
		maxPositions := rule.MaxPositions
		if maxPositions < 1 {
			maxPositions = 1
		}
		if !size.Exceptional || len(sameSide) < maxPositions {
			return rejected(domain.RejectDuplicate, "%s %s trade %s already open", symbol, d.Side, sameSide[0].ID), nil
		}
		replaced = weakest(sameSide)
		e.logger.Info(ctx, op+": Replacing weakest trade with exceptional entry", map[string]interface{}{
			"symbol":     symbol,
			"replacedID": replaced.ID,
			"pnlPercent": replaced.PnLPercent,
			"confidence": replaced.Confidence,
		})
		if err := e.closer.closeLocked(ctx, replaced.ID, domain.CloseReasonReplaced); err != nil {
			return ExecutionOutcome{}, fmt.Errorf("%s failed: replacing %s: %w", op, replaced.ID, err)
		}
	}

	if replaced == nil && rules.GlobalMaxTrades > 0 && e.memory.Count() >= rules.GlobalMaxTrades {
		return rejected(domain.RejectGlobalCap, "%d open trades, global cap %d", e.memory.Count(), rules.GlobalMaxTrades), nil
	}

	positions, err := e.exchange.GetPositions(ctx)
	if err != nil {
		return ExecutionOutcome{}, fmt.Errorf("%s failed: checking live positions: %w", op, err)
	}
	// Orders are one-way: any position the ledger does not own would be netted
	// by the entry. Remaining same-side trades legitimately own theirs.
	owned := len(sameSide) > 0 && (replaced == nil || len(sameSide) > 1)
	if pos := untrackedPosition(positions, symbol, d.Side, owned); pos != nil {
		e.logger.Warn(ctx, op+": Live position without ledger record, adopting instead of entering", fields)
		if _, err := e.adopt(ctx, pos); err != nil {
			e.logger.Error(ctx, err, op+": Adoption failed", fields)
		}
		return ExecutionOutcome{
			Status: ExecutionAborted,
			Code:   domain.RejectLivePosition,
			Reason: fmt.Sprintf("%s %s position of %g already live", symbol, pos.Side, pos.Amount),
		}, nil
	}

	if err := e.exchange.SetLeverage(ctx, symbol, size.Leverage); err != nil {
		e.logger.Warn(ctx, op+": SetLeverage failed, continuing with account leverage", map[string]interface{}{
			"symbol": symbol, "leverage": size.Leverage, "error": err.Error(),
		})
	}

	var resp *ports.OrderResponse
	err = retry.Do(ctx, retry.RateLimited(op+".order", e.cfg.IOAttempts, e.cfg.IODelay), e.logger, func(ctx context.Context, _ int) error {
		var err error
		resp, err = e.exchange.PlaceMarketOrder(ctx, symbol, d.Side.EntryOrderSide(), size.Quantity, false)
		return err
	})
	if errors.Is(err, ports.ErrNotionalTooSmall) {
		e.logger.Warn(ctx, op+": Exchange rejected order as below minimum notional", fields)
		return ExecutionOutcome{Status: ExecutionSkipped, Replaced: replaced, Reason: err.Error()}, nil
	}
	if err != nil {
		return ExecutionOutcome{}, fmt.Errorf("%s failed: placing %s entry: %w", op, symbol, err)
	}

	now := e.now()
	trade := &domain.Trade{
		ID:                domain.NewTradeID(symbol, now),
		Symbol:            symbol,
		Side:              d.Side,
		Quantity:          size.Quantity,
		RemainingQuantity: size.Quantity,
		EntryPrice:        d.Entry,
		CurrentPrice:      d.Entry,
		StopLoss:          d.StopLoss,
		TakeProfit:        d.TakeProfit,
		Leverage:          size.Leverage,
		Confidence:        d.Confidence,
		Exceptional:       size.Exceptional,
		OpenedAt:          now,
		Status:            domain.StatusOpen,
	}
	if resp != nil {
		trade.ExchangeOrderID = resp.OrderID
	}

	err = retry.Do(ctx, e.ioRetry(op+".insert"), e.logger, func(ctx context.Context, _ int) error {
		err := e.ledger.InsertTrade(ctx, trade)
		if errors.Is(err, ports.ErrDuplicateEntry) {
			return nil
		}
		return err
	})
	if err != nil {
		e.logger.Error(ctx, err, op+": Order filled but ledger insert failed, position will be adopted", map[string]interface{}{
			"symbol":   symbol,
			"tradeID":  trade.ID,
			"orderID":  trade.ExchangeOrderID,
			"severity": "critical",
		})
		return ExecutionOutcome{}, fmt.Errorf("%s failed: recording trade %s: %w", op, trade.ID, err)
	}
	e.memory.Put(trade)
	e.metrics.TradeExecuted(symbol, d.Side)
	e.metrics.SetOpenTrades(e.memory.Count())

	e.logger.Info(ctx, op+": Trade opened", map[string]interface{}{
		"tradeID":     trade.ID,
		"symbol":      symbol,
		"side":        trade.Side,
		"quantity":    trade.Quantity,
		"entry":       trade.EntryPrice,
		"stopLoss":    trade.StopLoss,
		"takeProfit":  trade.TakeProfit,
		"leverage":    trade.Leverage,
		"exceptional": trade.Exceptional,
	})

	e.protect(ctx, trade)
	if t, ok := e.memory.Get(trade.ID); ok {
		trade = t
	}
	return ExecutionOutcome{Status: ExecutionOpened, Trade: trade, Replaced: replaced}, nil
}

// protect places whichever of stop-loss and take-profit is missing for the
// trade and records the flags. Failures leave the flag false for the next
// reconciliation pass.
func (e *Engine) protect(ctx context.Context, trade *domain.Trade) bool {
	op := "Engine.protect"
	if trade.StopLossSet && trade.TakeProfitSet {
		return false
	}
	fields := map[string]interface{}{"tradeID": trade.ID, "symbol": trade.Symbol, "side": trade.Side}

	orders, err := e.exchange.GetOpenConditionalOrders(ctx, trade.Symbol)
	if err != nil {
		e.logger.Warn(ctx, op+": Could not list conditional orders", map[string]interface{}{"tradeID": trade.ID, "error": err.Error()})
		return false
	}
	hasSL, hasTP := false, false
	for _, o := range orders {
		if o.Side != trade.Side.ExitOrderSide() {
			continue
		}
		switch o.Type {
		case domain.ConditionalStopLoss:
			hasSL = true
		case domain.ConditionalTakeProfit:
			hasTP = true
		}
	}

	if !hasSL && trade.StopLoss > 0 {
		if _, err := e.exchange.PlaceStopLoss(ctx, trade.Symbol, trade.Side, trade.StopLoss); err != nil {
			e.logger.Error(ctx, err, op+": Stop-loss placement failed, position unprotected", map[string]interface{}{
				"tradeID": trade.ID, "stopLoss": trade.StopLoss, "severity": "critical",
			})
		} else {
			hasSL = true
		}
	}
	if !hasTP && trade.TakeProfit > 0 {
		if _, err := e.exchange.PlaceTakeProfit(ctx, trade.Symbol, trade.Side, trade.TakeProfit); err != nil {
			e.logger.Error(ctx, err, op+": Take-profit placement failed", map[string]interface{}{
				"tradeID": trade.ID, "takeProfit": trade.TakeProfit, "severity": "critical",
			})
		} else {
			hasTP = true
		}
	}

	if hasSL == trade.StopLossSet && hasTP == trade.TakeProfitSet {
		return false
	}
	update := domain.TradeUpdate{StopLossSet: domain.Bool(hasSL), TakeProfitSet: domain.Bool(hasTP)}
	if err := e.ledger.UpdateTrade(ctx, trade.ID, update); err != nil {
		e.logger.Error(ctx, err, op+": Recording protection flags failed", fields)
	}
	e.memory.Apply(trade.ID, update)
	update.Apply(trade)
	return true
}

// weakest picks the open trade with the lowest combined P&L percent and
// confidence, the first candidate for replacement.
func weakest(trades []*domain.Trade) *domain.Trade {
	sorted := append([]*domain.Trade(nil), trades...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].PnLPercent+sorted[i].Confidence*100 < sorted[j].PnLPercent+sorted[j].Confidence*100
	})
	return sorted[0]
}
