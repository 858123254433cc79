package app

import (
	"sort"
	"sync"

	"leverageGuard/internal/domain"
)

// Memory is the in-process view of open trades. It stores and hands out
// copies; callers never share a *domain.Trade with the map.
type Memory struct {
	mu     sync.RWMutex
	trades map[string]*domain.Trade
}

// NewMemory creates an empty memory view.
func NewMemory() *Memory {
	return &Memory{trades: make(map[string]*domain.Trade)}
}

// Put inserts or replaces a trade.
func (m *Memory) Put(t *domain.Trade) {
	if t == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades[t.ID] = t.Clone()
}

// Get returns a copy of the trade.
func (m *Memory) Get(id string) (*domain.Trade, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trades[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Apply updates a tracked trade. It reports false if the trade is not tracked.
func (m *Memory) Apply(id string, u domain.TradeUpdate) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[id]
	if !ok {
		return false
	}
	u.Apply(t)
	return true
}

// Remove drops a trade, reporting whether it was tracked.
func (m *Memory) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.trades[id]
	delete(m.trades, id)
	return ok
}

// List returns copies of all tracked trades, oldest first.
func (m *Memory) List() []*domain.Trade {
	m.mu.RLock()
	out := make([]*domain.Trade, 0, len(m.trades))
	for _, t := range m.trades {
		out = append(out, t.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Count is the number of tracked trades.
func (m *Memory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.trades)
}

// symbolLocks serializes the duplicate check and insert per symbol.
type symbolLocks struct {
	mu    sync.Mutex
	locks map[domain.Symbol]*sync.Mutex
}

func newSymbolLocks() *symbolLocks {
	return &symbolLocks{locks: make(map[domain.Symbol]*sync.Mutex)}
}

// Lock blocks until the symbol is free and returns the unlock func.
func (l *symbolLocks) Lock(symbol domain.Symbol) func() {
	l.mu.Lock()
	m, ok := l.locks[symbol]
	if !ok {
		m = &sync.Mutex{}
		l.locks[symbol] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}
