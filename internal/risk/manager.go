// Package risk watches account-level drawdown and raises the drawdown stop.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"leverageGuard/internal/domain"
	"leverageGuard/internal/ports"
)

// RiskConfig holds account-level loss limits. Zero disables a limit.
type RiskConfig struct {
	MaxDrawdown    float64 // Fraction of peak equity
	MaxDailyLoss   float64 // Fraction of the day's starting equity
	MaxDailyTrades int
}

// DefaultConfig returns the default risk limits.
func DefaultConfig() RiskConfig {
	return RiskConfig{MaxDrawdown: 0.20, MaxDailyLoss: 0.10, MaxDailyTrades: 100}
}

// Halter is raised when a limit is breached.
type Halter interface {
	Trip(ctx context.Context, reason string)
}

// RiskStats holds risk management statistics.
type RiskStats struct {
	PeakEquity       float64
	CurrentEquity    float64
	CurrentDrawdown  float64
	StartOfDayEquity float64
	DailyPnL         float64
	DailyTrades      int
	LastResetTime    time.Time
}

// RiskManager tracks equity and realized losses against the configured limits.
type RiskManager struct {
	config RiskConfig
	halter Halter
	logger ports.Logger
	now    func() time.Time

	mu      sync.Mutex
	stats   RiskStats
	tripped bool
}

// NewRiskManager creates a new risk manager instance.
func NewRiskManager(config RiskConfig, halter Halter, logger ports.Logger) *RiskManager {
	return &RiskManager{config: config, halter: halter, logger: logger, now: time.Now}
}

// SetClock overrides the time source.
func (r *RiskManager) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// rollDay resets daily counters at the UTC day boundary. Caller holds mu.
func (r *RiskManager) rollDay() {
	now := r.now()
	if !r.stats.LastResetTime.IsZero() && sameDay(now, r.stats.LastResetTime) {
		return
	}
	r.stats.DailyPnL = 0
	r.stats.DailyTrades = 0
	r.stats.StartOfDayEquity = r.stats.CurrentEquity
	r.stats.LastResetTime = now
	r.tripped = false
}

// ObserveEquity records the latest account equity and checks the limits.
func (r *RiskManager) ObserveEquity(ctx context.Context, equity float64) error {
	r.mu.Lock()
	r.stats.CurrentEquity = equity
	r.rollDay()
	if r.stats.StartOfDayEquity == 0 {
		r.stats.StartOfDayEquity = equity
	}
	if equity > r.stats.PeakEquity {
		r.stats.PeakEquity = equity
	}
	if r.stats.PeakEquity > 0 {
		r.stats.CurrentDrawdown = (r.stats.PeakEquity - equity) / r.stats.PeakEquity
	}
	err := r.checkLocked()
	r.mu.Unlock()

	return r.raise(ctx, err)
}

// UpdateStats folds a closed trade into the daily counters.
func (r *RiskManager) UpdateStats(ctx context.Context, trade *domain.Trade) error {
	if trade == nil {
		return nil
	}
	r.mu.Lock()
	r.rollDay()
	r.stats.DailyPnL += trade.RealizedPnL
	r.stats.DailyTrades++
	err := r.checkLocked()
	r.mu.Unlock()

	return r.raise(ctx, err)
}

// CheckRiskLimits reports whether any limit is currently exceeded.
func (r *RiskManager) CheckRiskLimits(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkLocked()
}

func (r *RiskManager) checkLocked() error {
	if r.config.MaxDrawdown > 0 && r.stats.CurrentDrawdown > r.config.MaxDrawdown {
		return fmt.Errorf("current drawdown %.2f%% exceeds maximum allowed %.2f%%", r.stats.CurrentDrawdown*100, r.config.MaxDrawdown*100)
	}
	if r.config.MaxDailyLoss > 0 && r.stats.StartOfDayEquity > 0 && r.stats.DailyPnL < -r.config.MaxDailyLoss*r.stats.StartOfDayEquity {
		return fmt.Errorf("daily loss %.2f exceeds maximum allowed %.2f", r.stats.DailyPnL, -r.config.MaxDailyLoss*r.stats.StartOfDayEquity)
	}
	if r.config.MaxDailyTrades > 0 && r.stats.DailyTrades >= r.config.MaxDailyTrades {
		return fmt.Errorf("daily trades %d reached maximum allowed %d", r.stats.DailyTrades, r.config.MaxDailyTrades)
	}
	return nil
}

// raise trips the halter once per breach; it re-arms when limits clear.
func (r *RiskManager) raise(ctx context.Context, breach error) error {
	r.mu.Lock()
	if breach == nil {
		r.tripped = false
		r.mu.Unlock()
		return nil
	}
	first := !r.tripped
	r.tripped = true
	r.mu.Unlock()

	if first && r.halter != nil {
		r.logger.Warn(ctx, "RiskManager: Drawdown stop raised", map[string]interface{}{"reason": breach.Error()})
		r.halter.Trip(ctx, "drawdown stop: "+breach.Error())
	}
	return breach
}

// GetStats returns the current risk management statistics.
func (r *RiskManager) GetStats() RiskStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
