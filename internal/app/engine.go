package app

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"leverageGuard/config"
	"leverageGuard/internal/breaker"
	"leverageGuard/internal/domain"
	"leverageGuard/internal/gate"
	"leverageGuard/internal/ports"
	"leverageGuard/internal/retry"
	"leverageGuard/internal/risk"
	"leverageGuard/internal/sizing"
)

// RulesSource supplies the live trading rules. Reload is called between ticks.
type RulesSource interface {
	Rules() config.TradingRules
	Reload() (config.TradingRules, error)
}

// Deps are the collaborators of the engine. Risk and Metrics are optional.
type Deps struct {
	Exchange ports.ExchangeGateway
	Ledger   ports.LedgerStore
	Signals  ports.SignalSource
	Rules    RulesSource
	Breaker  *breaker.Breaker
	Gate     *gate.Gate
	Sizer    *sizing.Sizer
	Risk     *risk.RiskManager
	Metrics  ports.Metrics
	Logger   ports.Logger
}

// Engine is the trade lifecycle controller: a scan loop that gates, sizes and
// executes signals, and a reconciliation loop that keeps Memory, Ledger and
// Exchange converged.
type Engine struct {
	cfg      config.EngineConfig
	exchange ports.ExchangeGateway
	ledger   ports.LedgerStore
	signals  ports.SignalSource
	rules    RulesSource
	breaker  *breaker.Breaker
	gate     *gate.Gate
	sizer    *sizing.Sizer
	risk     *risk.RiskManager
	metrics  ports.Metrics
	logger   ports.Logger

	memory *Memory
	locks  *symbolLocks
	closer *Closer
	now    func() time.Time

	statsMu       sync.Mutex
	lastCycle     CycleStats
	lastReconcile ReconcileStats
}

// NewEngine wires an engine from its collaborators.
func NewEngine(cfg config.EngineConfig, d Deps) (*Engine, error) {
	if d.Exchange == nil || d.Ledger == nil || d.Signals == nil || d.Rules == nil ||
		d.Breaker == nil || d.Gate == nil || d.Sizer == nil || d.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for Engine")
	}
	if cfg.ScanInterval <= 0 || cfg.ReconcileInterval <= 0 {
		return nil, fmt.Errorf("engine intervals must be positive")
	}
	if cfg.MaxTradeAge <= 0 {
		return nil, fmt.Errorf("engine MaxTradeAge must be positive")
	}
	if cfg.CloseAttempts <= 0 {
		return nil, fmt.Errorf("engine CloseAttempts must be positive")
	}
	if cfg.PartialFraction <= 0 || cfg.PartialFraction >= 1 {
		return nil, fmt.Errorf("engine PartialFraction must be between 0 and 1")
	}
	metrics := d.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}

	e := &Engine{
		cfg:      cfg,
		exchange: d.Exchange,
		ledger:   d.Ledger,
		signals:  d.Signals,
		rules:    d.Rules,
		breaker:  d.Breaker,
		gate:     d.Gate,
		sizer:    d.Sizer,
		risk:     d.Risk,
		metrics:  metrics,
		logger:   d.Logger,
		memory:   NewMemory(),
		locks:    newSymbolLocks(),
		now:      time.Now,
	}
	e.closer = &Closer{engine: e}
	return e, nil
}

// SetClock overrides the time source used for trade timestamps and ages.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Memory exposes the in-process trade view.
func (e *Engine) Memory() *Memory { return e.memory }

// Closer returns the engine's trade closer.
func (e *Engine) Closer() *Closer { return e.closer }

// ioRetry is the bounded retry used for ledger and exchange reads.
func (e *Engine) ioRetry(name string) retry.Policy {
	return retry.Transient(name, e.cfg.IOAttempts, e.cfg.IODelay)
}

// Run drives both loops until ctx is cancelled, then closes every tracked trade.
func (e *Engine) Run(ctx context.Context) error {
	op := "Engine.Run"
	e.logger.Info(ctx, op+": Starting lifecycle controller", map[string]interface{}{
		"scanInterval":      e.cfg.ScanInterval.String(),
		"reconcileInterval": e.cfg.ReconcileInterval.String(),
		"maxTradeAge":       e.cfg.MaxTradeAge.String(),
	})

	if err := e.Sync(ctx); err != nil {
		e.logger.Error(ctx, err, op+": Initial memory sync failed, continuing with reconciliation")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.reconcileLoop(ctx)
	}()

	e.scanLoop(ctx)
	wg.Wait()

	e.logger.Info(ctx, op+": Context cancelled, running shutdown sweep...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ShutdownTimeout)
	defer cancel()
	report := e.Shutdown(shutdownCtx)
	e.logger.Info(ctx, op+": Lifecycle controller stopped", map[string]interface{}{
		"closed": report.Closed,
		"failed": report.Failed,
	})
	return nil
}

func (e *Engine) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		e.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Reconcile(ctx)
		}
	}
}

// Tick runs one scan: breaker, then gate, sizer and executor per symbol.
// Errors are logged and counted; they never abort the tick.
func (e *Engine) Tick(ctx context.Context) CycleStats {
	op := "Engine.Tick"
	stats := CycleStats{StartedAt: e.now()}
	defer func() {
		stats.Duration = e.now().Sub(stats.StartedAt)
		e.statsMu.Lock()
		e.lastCycle = stats
		e.statsMu.Unlock()
		e.metrics.SetOpenTrades(e.memory.Count())
	}()

	rules := e.rules.Rules()
	if reloaded, err := e.rules.Reload(); err != nil {
		e.logger.Warn(ctx, op+": Trading rules reload failed, keeping previous rules", map[string]interface{}{"error": err.Error()})
	} else {
		rules = reloaded
	}

	var balance *domain.AccountBalance
	err := retry.Do(ctx, e.ioRetry(op+".balance"), e.logger, func(ctx context.Context, _ int) error {
		var err error
		balance, err = e.exchange.GetAccountBalance(ctx)
		return err
	})
	if err != nil {
		stats.Errors++
		e.logger.Error(ctx, err, op+": Failed to fetch account balance, skipping scan")
		return stats
	}
	e.metrics.SetEquity(balance.Wallet)
	if e.risk != nil {
		if err := e.risk.ObserveEquity(ctx, balance.Wallet); err != nil {
			e.logger.Warn(ctx, op+": Risk limit breached", map[string]interface{}{"error": err.Error()})
		}
	}

	allowed, reason := e.breaker.Allow(ctx, balance.Available)
	e.metrics.SetHalted(!allowed)
	if !allowed {
		stats.Halted = true
		stats.HaltReason = reason
		e.logger.Info(ctx, op+": New entries blocked by circuit breaker", map[string]interface{}{"reason": reason})
		return stats
	}
	if !rules.AllowNewTrades {
		stats.HaltReason = "new trades disabled"
		e.logger.Debug(ctx, op+": New trades disabled by configuration")
		return stats
	}

	for _, symbol := range rules.Symbols {
		if ctx.Err() != nil {
			return stats
		}
		e.guard(ctx, op, symbol, &stats, func() {
			e.scanSymbol(ctx, symbol, rules, balance, &stats)
		})
	}

	e.logger.Info(ctx, op+": Scan complete", map[string]interface{}{
		"scanned":  stats.Scanned,
		"approved": stats.Approved,
		"rejected": stats.Rejected,
		"executed": stats.Executed,
		"errors":   stats.Errors,
	})
	return stats
}

func (e *Engine) scanSymbol(ctx context.Context, symbol domain.Symbol, rules config.TradingRules, balance *domain.AccountBalance, stats *CycleStats) {
	op := "Engine.scanSymbol"
	fields := map[string]interface{}{"symbol": symbol}
	stats.Scanned++

	sig, err := e.signals.Signal(ctx, symbol)
	if err != nil {
		stats.Errors++
		e.logger.Warn(ctx, op+": Signal unavailable", map[string]interface{}{"symbol": symbol, "error": err.Error()})
		return
	}
	if sig == nil || sig.Action == domain.ActionHold {
		stats.Holds++
		e.logger.Debug(ctx, op+": Hold", fields)
		return
	}

	rule := rules.RuleFor(symbol)
	market := domain.MarketContext{}
	err = retry.Do(ctx, e.ioRetry(op+".price"), e.logger, func(ctx context.Context, _ int) error {
		var err error
		market.Price, err = e.exchange.GetPrice(ctx, symbol)
		return err
	})
	if err != nil {
		stats.Errors++
		e.logger.Error(ctx, err, op+": Failed to fetch price", fields)
		return
	}
	if rule.Derivatives {
		if rate, err := e.exchange.GetFundingRate(ctx, symbol); err != nil {
			e.logger.Warn(ctx, op+": Funding rate unavailable, skipping funding check", map[string]interface{}{"symbol": symbol, "error": err.Error()})
		} else {
			market.FundingRate, market.HasFunding = rate, true
		}
	}

	account := domain.AccountContext{
		Equity:           balance.Wallet,
		AvailableBalance: balance.Available,
		Leverage:         e.sizer.LeverageFor(sig.Confidence),
	}
	decision := e.gate.Evaluate(ctx, sig, market, account)
	approved, ok := decision.(*domain.Approved)
	if !ok {
		rejected, _ := decision.(*domain.Rejected)
		e.reject(ctx, symbol, rejected, stats)
		return
	}
	stats.Approved++
	e.metrics.DecisionApproved(symbol, approved.Side)

	var filters *domain.SymbolFilters
	err = retry.Do(ctx, e.ioRetry(op+".filters"), e.logger, func(ctx context.Context, _ int) error {
		var err error
		filters, err = e.exchange.GetSymbolFilters(ctx, symbol)
		return err
	})
	if err != nil {
		stats.Errors++
		e.logger.Error(ctx, err, op+": Symbol filters unavailable, not sizing", fields)
		return
	}

	size := e.sizer.Size(ctx, sizing.Request{
		Symbol:     symbol,
		Rule:       rule,
		Equity:     balance.Wallet,
		Available:  balance.Available,
		Confidence: approved.Confidence,
		Confluence: approved.Confluence,
		Price:      approved.Entry,
		StopLoss:   approved.StopLoss,
		TakeProfit: approved.TakeProfit,
		Klines:     sig.Klines,
		Volatility: sig.Snapshot.Volatility,
		Filters:    filters,
	})
	if !size.OK() {
		e.reject(ctx, symbol, &domain.Rejected{Code: domain.RejectSizing, Reason: size.Rationale}, stats)
		return
	}

	outcome, err := e.Execute(ctx, approved, size)
	if err != nil {
		stats.Errors++
		e.logger.Error(ctx, err, op+": Execution failed", map[string]interface{}{
			"symbol": symbol,
			"side":   approved.Side,
		})
		return
	}
	switch outcome.Status {
	case ExecutionOpened:
		stats.Executed++
	case ExecutionRejected, ExecutionAborted:
		e.reject(ctx, symbol, &domain.Rejected{Code: outcome.Code, Reason: outcome.Reason}, stats)
	case ExecutionSkipped:
		stats.Skipped++
	}
}

func (e *Engine) reject(ctx context.Context, symbol domain.Symbol, r *domain.Rejected, stats *CycleStats) {
	if r == nil {
		return
	}
	stats.Rejected++
	e.metrics.DecisionRejected(symbol, r.Code)
	e.logger.Info(ctx, "Engine: Signal rejected", map[string]interface{}{
		"symbol": symbol,
		"code":   r.Code,
		"reason": r.Reason,
	})
}

// guard runs fn, turning a panic into a critical log entry so the surrounding
// loop continues with the next item.
func (e *Engine) guard(ctx context.Context, op string, item interface{}, stats *CycleStats, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if stats != nil {
				stats.Errors++
			}
			e.logger.Error(ctx, fmt.Errorf("panic: %v", r), op+": Item abandoned after panic", map[string]interface{}{
				"item":     item,
				"severity": "critical",
				"stack":    string(debug.Stack()),
			})
		}
	}()
	fn()
}

// Shutdown closes every tracked trade, one at a time. Individual failures are
// counted and do not stop the sweep.
func (e *Engine) Shutdown(ctx context.Context) ShutdownReport {
	op := "Engine.Shutdown"
	if err := e.Sync(ctx); err != nil {
		e.logger.Warn(ctx, op+": Memory sync before sweep failed", map[string]interface{}{"error": err.Error()})
	}
	var report ShutdownReport
	for _, t := range e.memory.List() {
		e.guard(ctx, op, t.ID, nil, func() {
			if err := e.closer.Close(ctx, t.ID, domain.CloseReasonShutdown); err != nil {
				report.Failed++
				e.logger.Error(ctx, err, op+": Close during shutdown failed", map[string]interface{}{"tradeID": t.ID})
				return
			}
			report.Closed++
		})
	}
	return report
}

type nopMetrics struct{}

func (nopMetrics) DecisionApproved(domain.Symbol, domain.Side)       {}
func (nopMetrics) DecisionRejected(domain.Symbol, domain.RejectCode) {}
func (nopMetrics) TradeExecuted(domain.Symbol, domain.Side)          {}
func (nopMetrics) TradeClosed(domain.Symbol, string, float64)        {}
func (nopMetrics) SetHalted(bool)                                    {}
func (nopMetrics) SetOpenTrades(int)                                 {}
func (nopMetrics) SetEquity(float64)                                 {}
