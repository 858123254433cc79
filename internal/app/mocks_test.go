package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"leverageGuard/config"
	"leverageGuard/internal/breaker"
	"leverageGuard/internal/domain"
	"leverageGuard/internal/gate"
	"leverageGuard/internal/ports"
	"leverageGuard/internal/risk"
	"leverageGuard/internal/sizing"
)

const (
	btc domain.Symbol = "BTCUSDT"
	eth domain.Symbol = "ETHUSDT"
)

var baseTime = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

// Mock implementations
type logEntry struct {
	level  string
	msg    string
	fields map[string]interface{}
}

type mockLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (m *mockLogger) add(level, msg string, fields []map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := logEntry{level: level, msg: msg}
	if len(fields) > 0 {
		e.fields = fields[0]
	}
	m.entries = append(m.entries, e)
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.add("debug", msg, fields)
}

func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.add("info", msg, fields)
}

func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.add("warn", msg, fields)
}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.add("error", msg, fields)
}

func (m *mockLogger) critical() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.entries {
		if e.fields != nil && e.fields["severity"] == "critical" {
			out = append(out, e.msg)
		}
	}
	return out
}

type marketOrder struct {
	symbol     domain.Symbol
	side       domain.OrderSide
	quantity   float64
	reduceOnly bool
}

type mockExchange struct {
	mu sync.Mutex

	prices      map[domain.Symbol]float64
	positions   []*domain.Position
	conditional []*domain.ConditionalOrder
	filters     *domain.SymbolFilters
	balance     domain.AccountBalance
	fundingRate float64
	leverage    map[domain.Symbol]int

	marketErrs   []error // Consumed one per PlaceMarketOrder call
	positionsErr error
	stopErr      error
	balanceErr   error
	orderDelay   time.Duration

	nextID       int64
	marketOrders []marketOrder
	stops        []float64
	targets      []float64
	cancelled    []int64
}

func newMockExchange() *mockExchange {
	return &mockExchange{
		prices:   map[domain.Symbol]float64{btc: 100, eth: 100},
		filters:  &domain.SymbolFilters{StepSize: 0.001, MinQuantity: 0.001, MinNotional: 5, TickSize: 0.1},
		balance:  domain.AccountBalance{Asset: "USDT", Wallet: 1000, Available: 1000},
		leverage: map[domain.Symbol]int{},
	}
}

func (m *mockExchange) GetPrice(ctx context.Context, symbol domain.Symbol) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[symbol]
	if !ok {
		return 0, ports.ErrNotFound
	}
	return p, nil
}

func (m *mockExchange) GetKlines(ctx context.Context, symbol domain.Symbol, interval string, limit int) ([]*domain.Kline, error) {
	return nil, nil
}

func (m *mockExchange) GetPositions(ctx context.Context) ([]*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.positionsErr != nil {
		return nil, m.positionsErr
	}
	out := make([]*domain.Position, 0, len(m.positions))
	for _, p := range m.positions {
		c := *p
		out = append(out, &c)
	}
	return out, nil
}

func (m *mockExchange) GetSymbolFilters(ctx context.Context, symbol domain.Symbol) (*domain.SymbolFilters, error) {
	f := *m.filters
	f.Symbol = symbol
	return &f, nil
}

func (m *mockExchange) SetLeverage(ctx context.Context, symbol domain.Symbol, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leverage[symbol] = leverage
	return nil
}

func (m *mockExchange) positionLocked(symbol domain.Symbol, side domain.Side) *domain.Position {
	for _, p := range m.positions {
		if p.Symbol == symbol && p.Side == side {
			return p
		}
	}
	return nil
}

func (m *mockExchange) PlaceMarketOrder(ctx context.Context, symbol domain.Symbol, side domain.OrderSide, quantity float64, reduceOnly bool) (*ports.OrderResponse, error) {
	if m.orderDelay > 0 {
		time.Sleep(m.orderDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.marketErrs) > 0 {
		err := m.marketErrs[0]
		m.marketErrs = m.marketErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	m.marketOrders = append(m.marketOrders, marketOrder{symbol: symbol, side: side, quantity: quantity, reduceOnly: reduceOnly})
	m.nextID++

	posSide := domain.Long
	if side == domain.Sell {
		posSide = domain.Short
	}
	if reduceOnly {
		pos := m.positionLocked(symbol, posSide.Opposite())
		if pos == nil {
			return nil, fmt.Errorf("PlaceMarketOrder failed: %w", ports.ErrReduceOnlyRejected)
		}
		pos.Amount -= quantity
		if pos.Amount <= 1e-9 {
			m.removePositionLocked(pos)
		} else {
			pos.UnrealizedPnL = (pos.MarkPrice - pos.EntryPrice) * pos.Amount * pos.Side.Sign()
			pos.Margin = pos.EntryPrice * pos.Amount / float64(pos.Leverage)
		}
	} else {
		price := m.prices[symbol]
		lev := m.leverage[symbol]
		if lev <= 0 {
			lev = 1
		}
		pos := m.positionLocked(symbol, posSide)
		if pos == nil {
			pos = &domain.Position{Symbol: symbol, Side: posSide, EntryPrice: price, MarkPrice: price, Leverage: lev}
			m.positions = append(m.positions, pos)
		}
		pos.Amount += quantity
		pos.Margin = pos.EntryPrice * pos.Amount / float64(lev)
	}
	return &ports.OrderResponse{OrderID: m.nextID, Symbol: symbol, Side: side, Type: "MARKET", OrigQuantity: quantity}, nil
}

func (m *mockExchange) removePositionLocked(target *domain.Position) {
	kept := m.positions[:0]
	for _, p := range m.positions {
		if p != target {
			kept = append(kept, p)
		}
	}
	m.positions = kept
}

func (m *mockExchange) placeConditional(symbol domain.Symbol, side domain.Side, typ domain.ConditionalType, price float64) (*ports.OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if typ == domain.ConditionalStopLoss && m.stopErr != nil {
		return nil, m.stopErr
	}
	m.nextID++
	m.conditional = append(m.conditional, &domain.ConditionalOrder{
		OrderID: m.nextID, Symbol: symbol, Side: side.ExitOrderSide(), Type: typ, StopPrice: price,
	})
	if typ == domain.ConditionalStopLoss {
		m.stops = append(m.stops, price)
	} else {
		m.targets = append(m.targets, price)
	}
	return &ports.OrderResponse{OrderID: m.nextID, Symbol: symbol, Type: string(typ)}, nil
}

func (m *mockExchange) PlaceStopLoss(ctx context.Context, symbol domain.Symbol, positionSide domain.Side, stopPrice float64) (*ports.OrderResponse, error) {
	return m.placeConditional(symbol, positionSide, domain.ConditionalStopLoss, stopPrice)
}

func (m *mockExchange) PlaceTakeProfit(ctx context.Context, symbol domain.Symbol, positionSide domain.Side, stopPrice float64) (*ports.OrderResponse, error) {
	return m.placeConditional(symbol, positionSide, domain.ConditionalTakeProfit, stopPrice)
}

func (m *mockExchange) GetOpenConditionalOrders(ctx context.Context, symbol domain.Symbol) ([]*domain.ConditionalOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.ConditionalOrder
	for _, o := range m.conditional {
		if o.Symbol == symbol {
			c := *o
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *mockExchange) CancelOrder(ctx context.Context, symbol domain.Symbol, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, o := range m.conditional {
		if o.OrderID == orderID {
			m.conditional = append(m.conditional[:i], m.conditional[i+1:]...)
			m.cancelled = append(m.cancelled, orderID)
			return nil
		}
	}
	return ports.ErrOrderNotFound
}

func (m *mockExchange) GetAccountBalance(ctx context.Context) (*domain.AccountBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balanceErr != nil {
		return nil, m.balanceErr
	}
	b := m.balance
	return &b, nil
}

func (m *mockExchange) GetFundingRate(ctx context.Context, symbol domain.Symbol) (float64, error) {
	return m.fundingRate, nil
}

// setMark moves the mark price and the derived unrealized P&L.
func (m *mockExchange) setMark(symbol domain.Symbol, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
	for _, p := range m.positions {
		if p.Symbol == symbol {
			p.MarkPrice = price
			p.UnrealizedPnL = (price - p.EntryPrice) * p.Amount * p.Side.Sign()
		}
	}
}

func (m *mockExchange) addPosition(p *domain.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = append(m.positions, p)
}

func (m *mockExchange) orders() []marketOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]marketOrder(nil), m.marketOrders...)
}

func (m *mockExchange) conditionals(symbol domain.Symbol) []*domain.ConditionalOrder {
	out, _ := m.GetOpenConditionalOrders(context.Background(), symbol)
	return out
}

type mockLedger struct {
	mu          sync.Mutex
	trades      map[string]*domain.Trade
	insertErr   error
	findOpenErr error
	closeErr    error // Returned for updates carrying a close
	closeCalls  int
}

func newMockLedger() *mockLedger {
	return &mockLedger{trades: make(map[string]*domain.Trade)}
}

func (m *mockLedger) InsertTrade(ctx context.Context, trade *domain.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	if _, ok := m.trades[trade.ID]; ok {
		return ports.ErrDuplicateEntry
	}
	m.trades[trade.ID] = trade.Clone()
	return nil
}

func (m *mockLedger) UpdateTrade(ctx context.Context, id string, update domain.TradeUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[id]
	if !ok {
		return ports.ErrNotFound
	}
	if update.Close != nil {
		m.closeCalls++
		if m.closeErr != nil {
			return m.closeErr
		}
	}
	if !t.IsOpen() {
		return ports.ErrAlreadyClosed
	}
	update.Apply(t)
	return nil
}

func (m *mockLedger) FindOpenTrades(ctx context.Context, symbol domain.Symbol) ([]*domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findOpenErr != nil {
		return nil, m.findOpenErr
	}
	var out []*domain.Trade
	for _, t := range m.trades {
		if t.IsOpen() && (symbol == "" || t.Symbol == symbol) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out, nil
}

func (m *mockLedger) FindTrade(ctx context.Context, id string) (*domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[id]
	if !ok {
		return nil, nil
	}
	return t.Clone(), nil
}

func (m *mockLedger) FindClosedTrades(ctx context.Context, limit int) ([]*domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Trade
	for _, t := range m.trades {
		if !t.IsOpen() {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (m *mockLedger) get(id string) *domain.Trade {
	t, _ := m.FindTrade(context.Background(), id)
	return t
}

func (m *mockLedger) put(t *domain.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades[t.ID] = t.Clone()
}

func (m *mockLedger) open() []*domain.Trade {
	out, _ := m.FindOpenTrades(context.Background(), "")
	return out
}

type mockSignals struct {
	mu      sync.Mutex
	signals map[domain.Symbol]*domain.Signal
	calls   int
}

func (m *mockSignals) Signal(ctx context.Context, symbol domain.Symbol) (*domain.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if s, ok := m.signals[symbol]; ok {
		return s, nil
	}
	return &domain.Signal{Symbol: symbol, Action: domain.ActionHold}, nil
}

type staticRules struct {
	rules config.TradingRules
}

func (s *staticRules) Rules() config.TradingRules           { return s.rules }
func (s *staticRules) Reload() (config.TradingRules, error) { return s.rules, nil }

type mockMetrics struct {
	mu       sync.Mutex
	rejected []domain.RejectCode
	executed int
	closed   []string
	halted   bool
}

func (m *mockMetrics) DecisionApproved(domain.Symbol, domain.Side) {}
func (m *mockMetrics) DecisionRejected(_ domain.Symbol, code domain.RejectCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected = append(m.rejected, code)
}
func (m *mockMetrics) TradeExecuted(domain.Symbol, domain.Side) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executed++
}
func (m *mockMetrics) TradeClosed(_ domain.Symbol, reason string, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, reason)
}
func (m *mockMetrics) SetHalted(h bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halted = h
}
func (m *mockMetrics) SetOpenTrades(int) {}
func (m *mockMetrics) SetEquity(float64) {}

// fixture bundles an engine with its mocks and a controllable clock.
type fixture struct {
	engine   *Engine
	exchange *mockExchange
	ledger   *mockLedger
	signals  *mockSignals
	rules    *staticRules
	breaker  *breaker.Breaker
	sizer    *sizing.Sizer
	metrics  *mockMetrics
	logger   *mockLogger

	clockMu sync.Mutex
	clock   time.Time
}

func (f *fixture) now() time.Time {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	return f.clock
}

func (f *fixture) advance(d time.Duration) {
	f.clockMu.Lock()
	defer f.clockMu.Unlock()
	f.clock = f.clock.Add(d)
}

func testEngineConfig() config.EngineConfig {
	cfg := config.DefaultEngineConfig()
	cfg.CloseDelay = time.Millisecond
	cfg.IODelay = time.Millisecond
	return cfg
}

func testRules() config.TradingRules {
	def := domain.SymbolRule{MaxPositions: 1, MinConfidence: 0.5}
	return config.TradingRules{
		Symbols:         []domain.Symbol{btc, eth},
		Rules:           map[domain.Symbol]domain.SymbolRule{btc: def, eth: def},
		DefaultRule:     def,
		GlobalMaxTrades: 5,
		AllowNewTrades:  true,
	}
}

func newFixture(t *testing.T, mutate ...func(*config.EngineConfig)) *fixture {
	t.Helper()
	cfg := testEngineConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	f := &fixture{
		exchange: newMockExchange(),
		ledger:   newMockLedger(),
		signals:  &mockSignals{signals: map[domain.Symbol]*domain.Signal{}},
		rules:    &staticRules{rules: testRules()},
		metrics:  &mockMetrics{},
		logger:   &mockLogger{},
		clock:    baseTime,
	}
	f.breaker = breaker.New(breaker.DefaultConfig(), f.logger)
	f.breaker.SetClock(f.now)
	f.sizer = sizing.New(sizing.DefaultConfig(), sizing.NewHistory(50), f.logger)
	rm := risk.NewRiskManager(risk.DefaultConfig(), f.breaker, f.logger)
	rm.SetClock(f.now)

	engine, err := NewEngine(cfg, Deps{
		Exchange: f.exchange,
		Ledger:   f.ledger,
		Signals:  f.signals,
		Rules:    f.rules,
		Breaker:  f.breaker,
		Gate:     gate.New(gate.DefaultConfig(), func(s domain.Symbol) domain.SymbolRule { return f.rules.rules.RuleFor(s) }, f.logger),
		Sizer:    f.sizer,
		Risk:     rm,
		Metrics:  f.metrics,
		Logger:   f.logger,
	})
	require.NoError(t, err)
	engine.SetClock(f.now)
	f.engine = engine
	return f
}

// openTrade executes a long entry on symbol at the current mock price.
func (f *fixture) openTrade(t *testing.T, symbol domain.Symbol, side domain.Side, qty float64, lev int) *domain.Trade {
	t.Helper()
	price := f.exchange.prices[symbol]
	stop, target := price*0.99, price*1.02
	if side == domain.Short {
		stop, target = price*1.01, price*0.98
	}
	out, err := f.engine.Execute(context.Background(), &domain.Approved{
		Symbol: symbol, Side: side, Confidence: 0.7, Confluence: 6, Entry: price, StopLoss: stop, TakeProfit: target,
	}, domain.SizingResult{Quantity: qty, Leverage: lev, Margin: price * qty / float64(lev)})
	require.NoError(t, err)
	require.Equal(t, ExecutionOpened, out.Status, out.Reason)
	return out.Trade
}

func ledgerTrade(id string, symbol domain.Symbol, side domain.Side, qty, entry float64, openedAt time.Time) *domain.Trade {
	return &domain.Trade{
		ID: id, Symbol: symbol, Side: side, Quantity: qty, RemainingQuantity: qty,
		EntryPrice: entry, CurrentPrice: entry, Leverage: 2, OpenedAt: openedAt, Status: domain.StatusOpen,
		StopLossSet: true, TakeProfitSet: true,
	}
}

func hasPrefix(reasons []string, prefix string) bool {
	for _, r := range reasons {
		if strings.HasPrefix(r, prefix) {
			return true
		}
	}
	return false
}
