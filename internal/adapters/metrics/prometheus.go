// Package metrics exposes controller events as Prometheus series.
//
//   - guard_decisions_total{symbol,outcome}   approved or the reject code
//   - guard_trades_executed_total{symbol,side}
//   - guard_trades_closed_total{symbol,reason,result}
//   - guard_realized_profit_total{symbol}
//   - guard_realized_pnl{symbol}
//   - guard_halted                            1 while the breaker is halted
//   - guard_open_trades
//   - guard_equity_usd
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"leverageGuard/internal/domain"
)

// Recorder implements ports.Metrics on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	decisions   *prometheus.CounterVec
	executed    *prometheus.CounterVec
	closed      *prometheus.CounterVec
	realizedPnL *prometheus.CounterVec
	pnlGauge    *prometheus.GaugeVec
	halted      prometheus.Gauge
	openTrades  prometheus.Gauge
	equity      prometheus.Gauge
}

// NewRecorder creates and registers the controller metrics.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_decisions_total",
			Help: "Decision gate outcomes",
		}, []string{"symbol", "outcome"}),
		executed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_trades_executed_total",
			Help: "Entries submitted to the exchange",
		}, []string{"symbol", "side"}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_trades_closed_total",
			Help: "Trades closed, by reason and result (win|loss|flat)",
		}, []string{"symbol", "reason", "result"}),
		realizedPnL: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_realized_profit_total",
			Help: "Sum of positive realized P&L in quote currency",
		}, []string{"symbol"}),
		pnlGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "guard_realized_pnl",
			Help: "Net realized P&L in quote currency since start",
		}, []string{"symbol"}),
		halted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guard_halted",
			Help: "1 while the circuit breaker blocks new entries",
		}),
		openTrades: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guard_open_trades",
			Help: "Open trades tracked in memory",
		}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guard_equity_usd",
			Help: "Account wallet balance",
		}),
	}
	r.registry.MustRegister(r.decisions, r.executed, r.closed, r.realizedPnL, r.pnlGauge, r.halted, r.openTrades, r.equity)
	return r
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) DecisionApproved(symbol domain.Symbol, side domain.Side) {
	r.decisions.WithLabelValues(symbol.String(), "approved").Inc()
}

func (r *Recorder) DecisionRejected(symbol domain.Symbol, code domain.RejectCode) {
	r.decisions.WithLabelValues(symbol.String(), string(code)).Inc()
}

func (r *Recorder) TradeExecuted(symbol domain.Symbol, side domain.Side) {
	r.executed.WithLabelValues(symbol.String(), string(side)).Inc()
}

func (r *Recorder) TradeClosed(symbol domain.Symbol, reason string, pnl float64) {
	result := "flat"
	switch {
	case pnl > 0:
		result = "win"
		r.realizedPnL.WithLabelValues(symbol.String()).Add(pnl)
	case pnl < 0:
		result = "loss"
	}
	r.closed.WithLabelValues(symbol.String(), reasonLabel(reason), result).Inc()
	r.pnlGauge.WithLabelValues(symbol.String()).Add(pnl)
}

func (r *Recorder) SetHalted(halted bool) {
	if halted {
		r.halted.Set(1)
		return
	}
	r.halted.Set(0)
}

func (r *Recorder) SetOpenTrades(n int) { r.openTrades.Set(float64(n)) }

func (r *Recorder) SetEquity(equity float64) { r.equity.Set(equity) }

// reasonLabel keeps label cardinality bounded: free-text reasons collapse to
// their leading word, and the force-write marker becomes a suffix.
func reasonLabel(reason string) string {
	forced := strings.HasSuffix(reason, domain.CloseErrorMarker)
	reason = strings.TrimSuffix(reason, domain.CloseErrorMarker)
	label := reason
	switch reason {
	case domain.CloseReasonStopLoss, domain.CloseReasonTakeProfit, domain.CloseReasonTimeout,
		domain.CloseReasonClosedExternally, domain.CloseReasonDuplicate, domain.CloseReasonReplaced,
		domain.CloseReasonShutdown, domain.CloseReasonManual:
	default:
		if head, _, _ := strings.Cut(reason, ":"); head != "" && len(head) <= 32 {
			label = strings.TrimSpace(head)
		} else {
			label = "other"
		}
	}
	if forced {
		label += "_forced"
	}
	return label
}
