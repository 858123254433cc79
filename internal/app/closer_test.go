package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leverageGuard/internal/breaker"
	"leverageGuard/internal/domain"
	"leverageGuard/internal/ports"
	"leverageGuard/internal/sizing"
)

func TestClose_RealizesExchangePnL(t *testing.T) {
	f := newFixture(t)
	trade := f.openTrade(t, btc, domain.Long, 1, 2)
	f.exchange.setMark(btc, 101)

	require.NoError(t, f.engine.Closer().Close(context.Background(), trade.ID, domain.CloseReasonManual))

	stored := f.ledger.get(trade.ID)
	assert.False(t, stored.IsOpen())
	require.NotNil(t, stored.ClosedAt)
	assert.Equal(t, baseTime, *stored.ClosedAt)
	assert.InDelta(t, 101.0, stored.ExitPrice, 1e-9)
	assert.InDelta(t, 1.0, stored.RealizedPnL, 1e-9)
	assert.InDelta(t, 2.0, stored.PnLPercent, 1e-9)
	assert.Equal(t, domain.CloseReasonManual, stored.CloseReason)

	orders := f.exchange.orders()
	require.Len(t, orders, 2)
	assert.Equal(t, marketOrder{symbol: btc, side: domain.Sell, quantity: 1, reduceOnly: true}, orders[1])
	assert.Empty(t, f.exchange.conditionals(btc), "protection orders cancelled")
	assert.Equal(t, 0, f.engine.Memory().Count())

	rate, n := f.sizer.History().WinRate()
	assert.Equal(t, 1, n)
	assert.Equal(t, 1.0, rate)
	assert.Equal(t, []string{domain.CloseReasonManual}, f.metrics.closed)
}

func TestClose_WaitsForSymbolLock(t *testing.T) {
	f := newFixture(t)
	trade := f.openTrade(t, btc, domain.Long, 1, 2)

	unlock := f.engine.locks.Lock(btc)
	done := make(chan error, 1)
	go func() {
		done <- f.engine.Closer().Close(context.Background(), trade.ID, domain.CloseReasonManual)
	}()

	select {
	case err := <-done:
		t.Fatalf("close finished while the symbol was locked: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Len(t, f.exchange.orders(), 1, "no exit order while another operation holds the symbol")

	unlock()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close did not finish after the lock was released")
	}
	assert.False(t, f.ledger.get(trade.ID).IsOpen())
	assert.Len(t, f.exchange.orders(), 2)
}

func TestClose_WithoutHistoryStillTripsBreaker(t *testing.T) {
	f := newFixture(t)
	f.engine.sizer = sizing.New(sizing.DefaultConfig(), nil, f.logger)
	trade := f.openTrade(t, btc, domain.Long, 1, 2)
	f.exchange.setMark(btc, 99)

	require.NoError(t, f.engine.Closer().Close(context.Background(), trade.ID, domain.CloseReasonStopLoss))

	assert.False(t, f.ledger.get(trade.ID).IsOpen())
	assert.Equal(t, breaker.Halted, f.breaker.Snapshot().State)
}

func TestClose_PartiallyReducedTradeClosesRemainder(t *testing.T) {
	f := newFixture(t)
	trade := f.openTrade(t, btc, domain.Long, 1, 2)
	f.exchange.setMark(btc, 102.5)
	f.engine.Reconcile(context.Background())
	require.InDelta(t, 0.5, f.ledger.get(trade.ID).RemainingQuantity, 1e-9)

	require.NoError(t, f.engine.Closer().Close(context.Background(), trade.ID, domain.CloseReasonManual))

	orders := f.exchange.orders()
	last := orders[len(orders)-1]
	assert.True(t, last.reduceOnly)
	assert.InDelta(t, 0.5, last.quantity, 1e-9)
	assert.InDelta(t, 1.25, f.ledger.get(trade.ID).RealizedPnL, 1e-9)
}

func TestClose_NoPositionUsesMarketPrice(t *testing.T) {
	f := newFixture(t)
	trade := f.openTrade(t, btc, domain.Long, 1, 2)
	f.exchange.mu.Lock()
	f.exchange.positions = nil
	f.exchange.prices[btc] = 99
	f.exchange.mu.Unlock()

	require.NoError(t, f.engine.Closer().Close(context.Background(), trade.ID, domain.CloseReasonManual))

	stored := f.ledger.get(trade.ID)
	assert.InDelta(t, 99.0, stored.ExitPrice, 1e-9)
	assert.InDelta(t, -1.0, stored.RealizedPnL, 1e-9)
	assert.InDelta(t, -2.0, stored.PnLPercent, 1e-9)
	assert.Len(t, f.exchange.orders(), 1)
}

func TestClose_FallsBackToLedger(t *testing.T) {
	f := newFixture(t)
	f.ledger.put(ledgerTrade("from-ledger", eth, domain.Short, 2, 100, baseTime))
	f.exchange.addPosition(&domain.Position{Symbol: eth, Side: domain.Short, Amount: 2, EntryPrice: 100, MarkPrice: 100, Leverage: 2, Margin: 100})

	require.NoError(t, f.engine.Closer().Close(context.Background(), "from-ledger", domain.CloseReasonManual))

	assert.False(t, f.ledger.get("from-ledger").IsOpen())
	orders := f.exchange.orders()
	require.Len(t, orders, 1)
	assert.Equal(t, marketOrder{symbol: eth, side: domain.Buy, quantity: 2, reduceOnly: true}, orders[0])
}

func TestClose_UnknownAndClosedTrades(t *testing.T) {
	f := newFixture(t)

	err := f.engine.Closer().Close(context.Background(), "missing", domain.CloseReasonManual)
	assert.ErrorIs(t, err, ports.ErrNotFound)

	closed := ledgerTrade("done", btc, domain.Long, 1, 100, baseTime)
	closed.Status = domain.StatusClosed
	closed.CloseReason = domain.CloseReasonTakeProfit
	f.ledger.put(closed)

	require.NoError(t, f.engine.Closer().Close(context.Background(), "done", domain.CloseReasonManual))
	assert.Equal(t, domain.CloseReasonTakeProfit, f.ledger.get("done").CloseReason)
	assert.Empty(t, f.exchange.orders())
}

func TestClose_RetriesRateLimitedExit(t *testing.T) {
	f := newFixture(t)
	trade := f.openTrade(t, btc, domain.Long, 1, 2)
	f.exchange.marketErrs = []error{fmt.Errorf("PlaceMarketOrder failed: %w", ports.ErrRateLimited)}

	require.NoError(t, f.engine.Closer().Close(context.Background(), trade.ID, domain.CloseReasonManual))

	assert.False(t, f.ledger.get(trade.ID).IsOpen())
	assert.Len(t, f.exchange.orders(), 2)
}

func TestClose_ReduceOnlyRejectedMeansGone(t *testing.T) {
	f := newFixture(t)
	trade := f.openTrade(t, btc, domain.Long, 1, 2)
	f.exchange.marketErrs = []error{fmt.Errorf("PlaceMarketOrder failed: %w", ports.ErrReduceOnlyRejected)}

	require.NoError(t, f.engine.Closer().Close(context.Background(), trade.ID, domain.CloseReasonManual))

	stored := f.ledger.get(trade.ID)
	assert.False(t, stored.IsOpen())
	assert.Equal(t, domain.CloseReasonManual, stored.CloseReason)
}

func TestClose_LedgerWriteRetriedWithoutSecondOrder(t *testing.T) {
	f := newFixture(t)
	trade := f.openTrade(t, btc, domain.Long, 1, 2)
	f.ledger.mu.Lock()
	f.ledger.closeErr = errors.New("disk busy")
	f.ledger.mu.Unlock()

	err := f.engine.Closer().Close(context.Background(), trade.ID, domain.CloseReasonManual)
	require.Error(t, err)

	// One exit order despite three attempts; the forced write also hit closeErr.
	assert.Len(t, f.exchange.orders(), 2)
	f.ledger.mu.Lock()
	assert.Equal(t, 4, f.ledger.closeCalls)
	f.ledger.mu.Unlock()
}

func TestClose_ForceWritesAfterExhaustion(t *testing.T) {
	f := newFixture(t)
	trade := f.openTrade(t, btc, domain.Long, 1, 2)
	f.exchange.mu.Lock()
	f.exchange.positionsErr = errors.New("exchange down")
	f.exchange.mu.Unlock()

	err := f.engine.Closer().Close(context.Background(), trade.ID, domain.CloseReasonManual)
	require.Error(t, err)

	stored := f.ledger.get(trade.ID)
	assert.False(t, stored.IsOpen())
	assert.Equal(t, domain.CloseReasonManual+domain.CloseErrorMarker, stored.CloseReason)
	assert.Equal(t, 0, f.engine.Memory().Count())
	assert.Contains(t, f.logger.critical(), "Closer.Close: Close attempts exhausted, force-closing ledger record")
	assert.Equal(t, []string{domain.CloseReasonManual + domain.CloseErrorMarker}, f.metrics.closed)
}
