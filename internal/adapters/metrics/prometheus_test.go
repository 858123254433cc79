package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leverageGuard/internal/domain"
)

func TestRecorder_Counters(t *testing.T) {
	r := NewRecorder()

	r.DecisionApproved("BTCUSDT", domain.Long)
	r.DecisionApproved("BTCUSDT", domain.Short)
	r.DecisionRejected("BTCUSDT", domain.RejectLowVolume)
	r.TradeExecuted("BTCUSDT", domain.Long)
	r.TradeClosed("BTCUSDT", domain.CloseReasonTakeProfit, 4)
	r.TradeClosed("BTCUSDT", domain.CloseReasonTimeout+domain.CloseErrorMarker, -1.5)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.decisions.WithLabelValues("BTCUSDT", "approved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.decisions.WithLabelValues("BTCUSDT", string(domain.RejectLowVolume))))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.executed.WithLabelValues("BTCUSDT", "LONG")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.closed.WithLabelValues("BTCUSDT", "take_profit", "win")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.closed.WithLabelValues("BTCUSDT", "timeout_forced", "loss")))
	assert.Equal(t, 4.0, testutil.ToFloat64(r.realizedPnL.WithLabelValues("BTCUSDT")))
	assert.Equal(t, 2.5, testutil.ToFloat64(r.pnlGauge.WithLabelValues("BTCUSDT")))
}

func TestRecorder_Gauges(t *testing.T) {
	r := NewRecorder()
	r.SetHalted(true)
	r.SetOpenTrades(3)
	r.SetEquity(105.5)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.halted))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.openTrades))
	assert.Equal(t, 105.5, testutil.ToFloat64(r.equity))
	r.SetHalted(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(r.halted))
}

func TestReasonLabel(t *testing.T) {
	tests := []struct {
		reason string
		want   string
	}{
		{domain.CloseReasonStopLoss, "stop_loss"},
		{domain.CloseReasonClosedExternally, "closed externally"},
		{"hard stop: pnl -16.00%", "hard stop"},
		{domain.CloseReasonShutdown + domain.CloseErrorMarker, "shutdown_forced"},
		{"", "other"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, reasonLabel(tt.reason))
		})
	}
}

func TestRecorder_Handler(t *testing.T) {
	r := NewRecorder()
	r.SetOpenTrades(2)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "guard_open_trades 2")
}
