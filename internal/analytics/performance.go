// Package analytics derives performance statistics from closed ledger trades.
package analytics

import (
	"math"
	"sort"
	"strings"
	"time"

	"leverageGuard/internal/domain"
)

// PerformanceMetrics holds performance metrics over a set of closed trades.
type PerformanceMetrics struct {
	// Basic Metrics
	TotalTrades        int
	WinningTrades      int
	LosingTrades       int
	WinRate            float64
	TotalProfit        float64
	GrossProfit        float64
	GrossLoss          float64
	MaxDrawdown        float64
	ProfitFactor       float64
	AverageWin         float64
	AverageLoss        float64
	SharpeRatio        float64 // Per-trade, on P&L percent, not annualized
	FinalBalance       float64
	ReturnOnInvestment float64

	// Advanced Metrics
	MaxConsecutiveWins   int
	MaxConsecutiveLosses int
	AverageTradeDuration time.Duration
	RecoveryFactor       float64
	Expectancy           float64
	RiskRewardRatio      float64
	ForcedCloses         int // Terminal state written without a confirmed exchange close
	MonthlyReturns       map[string]float64
	ByReason             map[string]ReasonStats
	BySymbol             map[domain.Symbol]float64
	EquityCurve          []EquityPoint
}

// ReasonStats aggregates closes sharing a close reason.
type ReasonStats struct {
	Count int
	PnL   float64
}

// EquityPoint represents a point on the equity curve
type EquityPoint struct {
	Time     time.Time
	Value    float64
	Drawdown float64
}

// AnalyzePerformance calculates performance metrics from closed trades. Open
// trades are ignored.
func AnalyzePerformance(trades []*domain.Trade, initialBalance float64) *PerformanceMetrics {
	metrics := &PerformanceMetrics{
		FinalBalance:   initialBalance,
		MonthlyReturns: make(map[string]float64),
		ByReason:       make(map[string]ReasonStats),
		BySymbol:       make(map[domain.Symbol]float64),
		EquityCurve:    make([]EquityPoint, 0),
	}

	closed := make([]*domain.Trade, 0, len(trades))
	for _, t := range trades {
		if t != nil && !t.IsOpen() && t.ClosedAt != nil {
			closed = append(closed, t)
		}
	}
	if len(closed) == 0 {
		return metrics
	}

	sort.Slice(closed, func(i, j int) bool {
		return closed[i].ClosedAt.Before(*closed[j].ClosedAt)
	})

	currentBalance := initialBalance
	peakBalance := initialBalance
	var consecutiveWins, consecutiveLosses int
	var totalDuration time.Duration
	returns := make([]float64, 0, len(closed))

	for _, trade := range closed {
		pnl := trade.RealizedPnL
		metrics.TotalTrades++
		if pnl > 0 {
			metrics.WinningTrades++
			metrics.GrossProfit += pnl
			consecutiveWins++
			consecutiveLosses = 0
		} else {
			metrics.LosingTrades++
			metrics.GrossLoss -= pnl
			consecutiveLosses++
			consecutiveWins = 0
		}
		if consecutiveWins > metrics.MaxConsecutiveWins {
			metrics.MaxConsecutiveWins = consecutiveWins
		}
		if consecutiveLosses > metrics.MaxConsecutiveLosses {
			metrics.MaxConsecutiveLosses = consecutiveLosses
		}

		currentBalance += pnl
		metrics.TotalProfit += pnl
		metrics.FinalBalance = currentBalance
		metrics.MonthlyReturns[trade.ClosedAt.Format("2006-01")] += pnl
		metrics.BySymbol[trade.Symbol] += pnl
		returns = append(returns, trade.PnLPercent)
		totalDuration += trade.ClosedAt.Sub(trade.OpenedAt)

		reason := trade.CloseReason
		if strings.HasSuffix(reason, domain.CloseErrorMarker) {
			metrics.ForcedCloses++
			reason = strings.TrimSuffix(reason, domain.CloseErrorMarker)
		}
		rs := metrics.ByReason[reason]
		rs.Count++
		rs.PnL += pnl
		metrics.ByReason[reason] = rs

		if currentBalance > peakBalance {
			peakBalance = currentBalance
		}
		drawdown := 0.0
		if peakBalance > 0 {
			drawdown = (peakBalance - currentBalance) / peakBalance
		}
		if drawdown > metrics.MaxDrawdown {
			metrics.MaxDrawdown = drawdown
		}
		metrics.EquityCurve = append(metrics.EquityCurve, EquityPoint{
			Time:     *trade.ClosedAt,
			Value:    currentBalance,
			Drawdown: drawdown,
		})
	}

	metrics.WinRate = float64(metrics.WinningTrades) / float64(metrics.TotalTrades)
	if metrics.WinningTrades > 0 {
		metrics.AverageWin = metrics.GrossProfit / float64(metrics.WinningTrades)
	}
	if metrics.LosingTrades > 0 {
		metrics.AverageLoss = -metrics.GrossLoss / float64(metrics.LosingTrades)
	}
	if metrics.GrossLoss > 0 {
		metrics.ProfitFactor = metrics.GrossProfit / metrics.GrossLoss
	}
	if metrics.AverageLoss != 0 {
		metrics.RiskRewardRatio = metrics.AverageWin / -metrics.AverageLoss
	}
	if initialBalance > 0 {
		metrics.ReturnOnInvestment = (metrics.FinalBalance - initialBalance) / initialBalance
		if metrics.MaxDrawdown > 0 {
			metrics.RecoveryFactor = metrics.TotalProfit / (initialBalance * metrics.MaxDrawdown)
		}
	}
	metrics.AverageTradeDuration = totalDuration / time.Duration(len(closed))
	metrics.Expectancy = metrics.WinRate*metrics.AverageWin + (1-metrics.WinRate)*metrics.AverageLoss
	metrics.SharpeRatio = sharpe(returns)

	return metrics
}

func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	std := math.Sqrt(variance / float64(len(returns)-1))
	if std == 0 {
		return 0
	}
	return mean / std
}

// GetMonthlyReturns returns the monthly returns as a sorted slice
func (m *PerformanceMetrics) GetMonthlyReturns() []MonthlyReturn {
	returns := make([]MonthlyReturn, 0, len(m.MonthlyReturns))
	for month, profit := range m.MonthlyReturns {
		date, _ := time.Parse("2006-01", month)
		returns = append(returns, MonthlyReturn{
			Month:  date,
			Return: profit,
		})
	}
	sort.Slice(returns, func(i, j int) bool {
		return returns[i].Month.Before(returns[j].Month)
	})
	return returns
}

// MonthlyReturn represents a monthly return value
type MonthlyReturn struct {
	Month  time.Time
	Return float64
}

// Reasons returns the close reasons ordered by count, then name.
func (m *PerformanceMetrics) Reasons() []string {
	out := make([]string, 0, len(m.ByReason))
	for r := range m.ByReason {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := m.ByReason[out[i]].Count, m.ByReason[out[j]].Count
		if ci != cj {
			return ci > cj
		}
		return out[i] < out[j]
	})
	return out
}
