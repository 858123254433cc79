package app

import (
	"context"
	"errors"
	"fmt"

	"leverageGuard/config"
	"leverageGuard/internal/domain"
	"leverageGuard/internal/ports"
	"leverageGuard/internal/retry"
	"leverageGuard/internal/sizing"
)

type sideKey struct {
	symbol domain.Symbol
	side   domain.Side
}

// Sync converges memory onto the ledger's open rows: missing rows are loaded
// and memory entries no longer open in the ledger are evicted.
func (e *Engine) Sync(ctx context.Context) error {
	open, err := e.findOpen(ctx)
	if err != nil {
		return err
	}
	var stats ReconcileStats
	e.syncMemory(ctx, open, &stats)
	return nil
}

func (e *Engine) findOpen(ctx context.Context) ([]*domain.Trade, error) {
	var open []*domain.Trade
	err := retry.Do(ctx, e.ioRetry("Engine.findOpen"), e.logger, func(ctx context.Context, _ int) error {
		var err error
		open, err = e.ledger.FindOpenTrades(ctx, "")
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reading open ledger trades: %w", err)
	}
	return open, nil
}

func (e *Engine) syncMemory(ctx context.Context, open []*domain.Trade, stats *ReconcileStats) {
	op := "Engine.syncMemory"
	ids := make(map[string]bool, len(open))
	for _, t := range open {
		ids[t.ID] = true
		if _, ok := e.memory.Get(t.ID); !ok {
			e.memory.Put(t)
			stats.Loaded++
		}
	}
	for _, t := range e.memory.List() {
		if ids[t.ID] {
			continue
		}
		// An insert may have landed after the ledger read.
		row, err := e.ledger.FindTrade(ctx, t.ID)
		if err != nil {
			e.logger.Warn(ctx, op+": Could not confirm trade state, keeping in memory", map[string]interface{}{"tradeID": t.ID, "error": err.Error()})
			continue
		}
		if row == nil || !row.IsOpen() {
			e.memory.Remove(t.ID)
			stats.Evicted++
		}
	}
	if stats.Loaded > 0 || stats.Evicted > 0 {
		e.logger.Info(ctx, op+": Memory converged with ledger", map[string]interface{}{
			"loaded":  stats.Loaded,
			"evicted": stats.Evicted,
		})
	}
}

// Reconcile runs one pass over the open ledger rows against live exchange
// positions. When either side cannot be read the pass changes nothing.
func (e *Engine) Reconcile(ctx context.Context) ReconcileStats {
	op := "Engine.Reconcile"
	stats := ReconcileStats{StartedAt: e.now()}
	defer func() {
		e.statsMu.Lock()
		e.lastReconcile = stats
		e.statsMu.Unlock()
		e.metrics.SetOpenTrades(e.memory.Count())
	}()

	open, err := e.findOpen(ctx)
	if err != nil {
		stats.Errors++
		e.logger.Error(ctx, err, op+": Skipping pass, ledger unavailable")
		return stats
	}
	var positions []*domain.Position
	err = retry.Do(ctx, e.ioRetry(op+".positions"), e.logger, func(ctx context.Context, _ int) error {
		var err error
		positions, err = e.exchange.GetPositions(ctx)
		return err
	})
	if err != nil {
		stats.Errors++
		e.logger.Error(ctx, err, op+": Skipping pass, positions unavailable")
		return stats
	}

	e.syncMemory(ctx, open, &stats)
	kept := e.dedupe(ctx, open, &stats)

	for _, t := range kept {
		if ctx.Err() != nil {
			return stats
		}
		trade := t
		stats.Checked++
		e.guard(ctx, op, trade.ID, nil, func() {
			unlock := e.locks.Lock(trade.Symbol)
			defer unlock()
			e.reconcileTrade(ctx, trade, positions, &stats)
		})
	}

	e.adoptOrphans(ctx, positions, kept, &stats)

	e.logger.Debug(ctx, op+": Pass complete", map[string]interface{}{
		"checked":          stats.Checked,
		"updated":          stats.Updated,
		"closedExternally": stats.ClosedExternally,
		"duplicates":       stats.Duplicates,
		"closed":           stats.Closed,
		"adopted":          stats.Adopted,
		"errors":           stats.Errors,
	})
	return stats
}

// dedupe keeps the oldest open row per (symbol, side) and closes the others in
// the ledger only; the kept row owns the exchange position.
func (e *Engine) dedupe(ctx context.Context, open []*domain.Trade, stats *ReconcileStats) []*domain.Trade {
	op := "Engine.dedupe"
	oldest := make(map[sideKey]*domain.Trade)
	var order []sideKey
	var extras []*domain.Trade
	for _, t := range open {
		k := sideKey{t.Symbol, t.Side}
		cur, ok := oldest[k]
		if !ok {
			oldest[k] = t
			order = append(order, k)
			continue
		}
		if t.OpenedAt.Before(cur.OpenedAt) {
			oldest[k] = t
			extras = append(extras, cur)
		} else {
			extras = append(extras, t)
		}
	}

	for _, extra := range extras {
		func() {
			unlock := e.locks.Lock(extra.Symbol)
			defer unlock()
			t := e.current(ctx, extra)
			if t == nil {
				return
			}
			price := t.CurrentPrice
			if price <= 0 {
				price = t.EntryPrice
			}
			tc := e.closer.estimate(t, price, domain.CloseReasonDuplicate)
			err := e.ledger.UpdateTrade(ctx, t.ID, domain.TradeUpdate{Close: tc})
			if errors.Is(err, ports.ErrAlreadyClosed) {
				e.memory.Remove(t.ID)
				return
			}
			if err != nil {
				stats.Errors++
				e.logger.Error(ctx, err, op+": Closing duplicate row failed", map[string]interface{}{"tradeID": t.ID})
				return
			}
			stats.Duplicates++
			e.memory.Remove(t.ID)
			e.logger.Warn(ctx, op+": Closed duplicate ledger row", map[string]interface{}{
				"tradeID": t.ID,
				"symbol":  t.Symbol,
				"side":    t.Side,
				"keptID":  oldest[sideKey{t.Symbol, t.Side}].ID,
			})
		}()
	}

	kept := make([]*domain.Trade, 0, len(order))
	for _, k := range order {
		kept = append(kept, oldest[k])
	}
	return kept
}

// current re-reads a trade after its symbol lock is taken, preferring memory
// and falling back to the ledger. It returns nil unless the trade is open.
func (e *Engine) current(ctx context.Context, t *domain.Trade) *domain.Trade {
	if cur, ok := e.memory.Get(t.ID); ok {
		if cur.IsOpen() {
			return cur
		}
		return nil
	}
	fresh, err := e.ledger.FindTrade(ctx, t.ID)
	if err != nil {
		e.logger.Warn(ctx, "Engine.current: Re-reading trade failed, skipping", map[string]interface{}{"tradeID": t.ID, "error": err.Error()})
		return nil
	}
	if fresh == nil || !fresh.IsOpen() {
		return nil
	}
	return fresh
}

// reconcileTrade runs under the trade's symbol lock. t is the start-of-pass
// copy and is re-read before anything acts on it.
func (e *Engine) reconcileTrade(ctx context.Context, t *domain.Trade, positions []*domain.Position, stats *ReconcileStats) {
	op := "Engine.reconcileTrade"
	if t = e.current(ctx, t); t == nil {
		return
	}

	pos := findPosition(positions, t.Symbol, t.Side)
	if pos == nil {
		e.closeExternally(ctx, t, stats)
		return
	}

	price := pos.MarkPrice
	if price <= 0 {
		price = t.CurrentPrice
	}
	unrealized := t.EstimatePnL(price)
	if pos.Amount > 0 && pos.UnrealizedPnL != 0 {
		unrealized = pos.UnrealizedPnL * t.OpenQuantity() / pos.Amount
	}
	pct, ok := pos.PnLPercent()
	if !ok {
		pct = 0
		if m := t.Margin(); m > 0 {
			pct = t.EstimatePnL(price) / m * 100
		}
	}
	update := domain.TradeUpdate{
		CurrentPrice:  domain.Float(price),
		UnrealizedPnL: domain.Float(unrealized),
		PnLPercent:    domain.Float(pct),
	}
	e.apply(ctx, t, update)
	stats.Updated++

	if t.Age(e.now()) >= e.cfg.MaxTradeAge {
		e.closeFor(ctx, t, domain.CloseReasonTimeout, stats)
		return
	}
	if pct <= e.cfg.HardStopPercent {
		e.closeFor(ctx, t, fmt.Sprintf("%s: hard stop pnl %.2f%%", domain.CloseReasonStopLoss, pct), stats)
		return
	}
	if pct >= e.cfg.HardTakeProfitPercent {
		e.closeFor(ctx, t, fmt.Sprintf("%s: hard target pnl %.2f%%", domain.CloseReasonTakeProfit, pct), stats)
		return
	}

	move := t.PriceMovePercent(price)
	if e.trail(ctx, t, move) {
		stats.TrailingMoves++
	}
	if e.takePartial(ctx, t, move) {
		stats.PartialTakes++
	}
	if e.protect(ctx, t) {
		stats.Protected++
	}

	e.logger.Debug(ctx, op+": Trade refreshed", map[string]interface{}{
		"tradeID":    t.ID,
		"price":      price,
		"pnlPercent": pct,
		"move":       move,
		"stopLoss":   t.StopLoss,
	})
}

// apply writes an update to the ledger, memory and the local copy.
func (e *Engine) apply(ctx context.Context, t *domain.Trade, update domain.TradeUpdate) {
	if err := e.ledger.UpdateTrade(ctx, t.ID, update); err != nil {
		e.logger.Warn(ctx, "Engine.apply: Ledger update failed", map[string]interface{}{"tradeID": t.ID, "error": err.Error()})
	}
	e.memory.Apply(t.ID, update)
	update.Apply(t)
}

func (e *Engine) closeFor(ctx context.Context, t *domain.Trade, reason string, stats *ReconcileStats) {
	if err := e.closer.closeLocked(ctx, t.ID, reason); err != nil {
		stats.Errors++
		e.logger.Error(ctx, err, "Engine.closeFor: Close failed", map[string]interface{}{"tradeID": t.ID, "reason": reason})
		return
	}
	stats.Closed++
}

// closeExternally records a trade whose exchange position disappeared, typically
// through a fired stop or take-profit order. No exchange call is made. Callers
// hold the symbol lock and pass a re-read open trade.
func (e *Engine) closeExternally(ctx context.Context, t *domain.Trade, stats *ReconcileStats) {
	op := "Engine.closeExternally"
	if t == nil || !t.IsOpen() {
		return
	}
	price := t.CurrentPrice
	if price <= 0 {
		price = t.EntryPrice
	}
	tc := e.closer.estimate(t, price, domain.CloseReasonClosedExternally)
	err := e.ledger.UpdateTrade(ctx, t.ID, domain.TradeUpdate{Close: tc})
	if errors.Is(err, ports.ErrAlreadyClosed) {
		e.memory.Remove(t.ID)
		return
	}
	if err != nil {
		stats.Errors++
		e.logger.Error(ctx, err, op+": Ledger close failed", map[string]interface{}{"tradeID": t.ID})
		return
	}
	stats.ClosedExternally++
	e.logger.Info(ctx, op+": Position closed outside the controller", map[string]interface{}{
		"tradeID":     t.ID,
		"symbol":      t.Symbol,
		"side":        t.Side,
		"exitPrice":   tc.ExitPrice,
		"realizedPnL": tc.RealizedPnL,
	})
	e.closer.finish(ctx, t, *tc)
}

// trail ratchets the stop to the highest trailing level the favourable move has
// reached. The stop only ever tightens.
func (e *Engine) trail(ctx context.Context, t *domain.Trade, move float64) bool {
	op := "Engine.trail"
	var level config.TrailingLevel
	reached := false
	for _, l := range e.cfg.TrailingLevels {
		if move >= l.TriggerPercent {
			level, reached = l, true
		}
	}
	if !reached {
		return false
	}
	sign := t.Side.Sign()
	newStop := t.EntryPrice * (1 + sign*level.LockPercent/100)
	tighter := t.StopLoss <= 0 || (t.Side == domain.Long && newStop > t.StopLoss) || (t.Side == domain.Short && newStop < t.StopLoss)
	if !tighter {
		return false
	}

	synced := e.replaceStop(ctx, t, newStop)
	e.apply(ctx, t, domain.TradeUpdate{StopLoss: domain.Float(newStop), StopLossSet: domain.Bool(synced)})
	e.logger.Info(ctx, op+": Trailing stop moved", map[string]interface{}{
		"tradeID": t.ID,
		"symbol":  t.Symbol,
		"move":    move,
		"trigger": level.TriggerPercent,
		"stop":    newStop,
		"synced":  synced,
	})
	return true
}

// replaceStop cancels resting stops for the trade's side and places a new one.
func (e *Engine) replaceStop(ctx context.Context, t *domain.Trade, stop float64) bool {
	op := "Engine.replaceStop"
	orders, err := e.exchange.GetOpenConditionalOrders(ctx, t.Symbol)
	if err != nil {
		e.logger.Warn(ctx, op+": Could not list conditional orders", map[string]interface{}{"tradeID": t.ID, "error": err.Error()})
		return false
	}
	for _, o := range orders {
		if o.Type != domain.ConditionalStopLoss || o.Side != t.Side.ExitOrderSide() {
			continue
		}
		if err := e.exchange.CancelOrder(ctx, t.Symbol, o.OrderID); err != nil && !errors.Is(err, ports.ErrOrderNotFound) {
			e.logger.Warn(ctx, op+": Cancel of old stop failed", map[string]interface{}{"orderID": o.OrderID, "error": err.Error()})
			return false
		}
	}
	if _, err := e.exchange.PlaceStopLoss(ctx, t.Symbol, t.Side, stop); err != nil {
		e.logger.Error(ctx, err, op+": Placing trailed stop failed", map[string]interface{}{
			"tradeID": t.ID, "stop": stop, "severity": "critical",
		})
		return false
	}
	return true
}

// takePartial closes a fraction of the open quantity once the move reaches the
// partial-profit threshold. The flag makes it fire at most once per trade.
func (e *Engine) takePartial(ctx context.Context, t *domain.Trade, move float64) bool {
	op := "Engine.takePartial"
	if t.PartialProfitTaken || move < e.cfg.PartialProfitPercent {
		return false
	}

	step := 0.0
	if f, err := e.exchange.GetSymbolFilters(ctx, t.Symbol); err == nil && f != nil {
		step = f.StepSize
	}
	open := t.OpenQuantity()
	qty := sizing.FloorToStep(open*e.cfg.PartialFraction, step)
	fields := map[string]interface{}{"tradeID": t.ID, "symbol": t.Symbol, "quantity": qty, "move": move}
	if qty <= 0 || qty >= open {
		e.logger.Info(ctx, op+": Partial quantity below lot step, marking taken", fields)
		e.apply(ctx, t, domain.TradeUpdate{PartialProfitTaken: domain.Bool(true)})
		return false
	}

	err := retry.Do(ctx, retry.RateLimited(op, e.cfg.IOAttempts, e.cfg.IODelay), e.logger, func(ctx context.Context, _ int) error {
		_, err := e.exchange.PlaceMarketOrder(ctx, t.Symbol, t.Side.ExitOrderSide(), qty, true)
		return err
	})
	if errors.Is(err, ports.ErrNotionalTooSmall) {
		e.logger.Info(ctx, op+": Partial below minimum notional, marking taken", fields)
		e.apply(ctx, t, domain.TradeUpdate{PartialProfitTaken: domain.Bool(true)})
		return false
	}
	if err != nil {
		e.logger.Error(ctx, err, op+": Partial close failed, will retry next pass", fields)
		return false
	}

	remaining := open - qty
	e.apply(ctx, t, domain.TradeUpdate{
		RemainingQuantity:  domain.Float(remaining),
		PartialProfitTaken: domain.Bool(true),
	})
	e.logger.Info(ctx, op+": Partial profit taken", map[string]interface{}{
		"tradeID":   t.ID,
		"symbol":    t.Symbol,
		"closed":    qty,
		"remaining": remaining,
		"pnl":       (t.CurrentPrice - t.EntryPrice) * qty * t.Side.Sign(),
	})
	return true
}

// adoptOrphans records exchange positions on configured symbols that have no
// open ledger row.
func (e *Engine) adoptOrphans(ctx context.Context, positions []*domain.Position, kept []*domain.Trade, stats *ReconcileStats) {
	tracked := make(map[sideKey]bool, len(kept))
	for _, t := range kept {
		tracked[sideKey{t.Symbol, t.Side}] = true
	}
	configured := make(map[domain.Symbol]bool)
	for _, s := range e.rules.Rules().Symbols {
		configured[s] = true
	}
	for _, p := range positions {
		if p == nil || p.Amount <= 0 || !configured[p.Symbol] || tracked[sideKey{p.Symbol, p.Side}] {
			continue
		}
		pos := p
		e.guard(ctx, "Engine.adoptOrphans", pos.Symbol, nil, func() {
			unlock := e.locks.Lock(pos.Symbol)
			defer unlock()
			adopted, err := e.adopt(ctx, pos)
			if err != nil {
				stats.Errors++
				e.logger.Error(ctx, err, "Engine.adoptOrphans: Adoption failed", map[string]interface{}{"symbol": pos.Symbol})
				return
			}
			if adopted != nil {
				stats.Adopted++
			}
		})
	}
}

// adopt inserts a ledger row for an untracked exchange position. Callers hold
// the symbol lock. It returns nil when a row already exists.
func (e *Engine) adopt(ctx context.Context, pos *domain.Position) (*domain.Trade, error) {
	op := "Engine.adopt"
	open, err := e.ledger.FindOpenTrades(ctx, pos.Symbol)
	if err != nil {
		return nil, err
	}
	for _, t := range open {
		if t.Side == pos.Side {
			return nil, nil
		}
	}

	entry := pos.EntryPrice
	if entry <= 0 {
		entry = pos.MarkPrice
	}
	stop, target := e.gate.ProtectionLevels(pos.Side, entry, 0)
	leverage := pos.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	now := e.now()
	trade := &domain.Trade{
		ID:                domain.NewTradeID(pos.Symbol, now),
		Symbol:            pos.Symbol,
		Side:              pos.Side,
		Quantity:          pos.Amount,
		RemainingQuantity: pos.Amount,
		EntryPrice:        entry,
		CurrentPrice:      pos.MarkPrice,
		StopLoss:          stop,
		TakeProfit:        target,
		Leverage:          leverage,
		OpenedAt:          now,
		Status:            domain.StatusOpen,
		UnrealizedPnL:     pos.UnrealizedPnL,
	}
	if err := e.ledger.InsertTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("%s failed: %w", op, err)
	}
	e.memory.Put(trade)
	e.logger.Warn(ctx, op+": Adopted untracked exchange position", map[string]interface{}{
		"tradeID":  trade.ID,
		"symbol":   trade.Symbol,
		"side":     trade.Side,
		"quantity": trade.Quantity,
		"entry":    trade.EntryPrice,
		"adopted":  true,
	})
	e.protect(ctx, trade)
	return trade, nil
}
