// Package breaker halts new entries after critical losses.
package breaker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"leverageGuard/internal/domain"
	"leverageGuard/internal/ports"
)

// MinimumHalt is the forced halt after a critical event. A shorter configured
// cooldown is raised to this value.
const MinimumHalt = 5 * time.Minute

// Config holds circuit breaker parameters.
type Config struct {
	Cooldown            time.Duration // Time to stay halted after a trigger
	MinOperatingBalance float64       // Available balance required to re-arm
	CriticalLossPercent float64       // Loss (in P&L percent, positive number) classified as critical
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		Cooldown:            MinimumHalt,
		MinOperatingBalance: 5,
		CriticalLossPercent: 10,
	}
}

// State is the breaker mode.
type State string

const (
	Armed  State = "ARMED"
	Halted State = "HALTED"
)

// Snapshot is a read-only copy of the breaker state.
type Snapshot struct {
	State        State
	LastCritical time.Time
	Reason       string
	Cooldown     time.Duration
}

// Breaker is a two-state halt flag. Closes are never blocked by it; only new
// entries consult Allow.
type Breaker struct {
	cfg    Config
	logger ports.Logger
	now    func() time.Time

	mu           sync.Mutex
	halted       bool
	lastCritical time.Time
	reason       string
}

// New creates an armed breaker.
func New(cfg Config, logger ports.Logger) *Breaker {
	if cfg.Cooldown < MinimumHalt {
		cfg.Cooldown = MinimumHalt
	}
	return &Breaker{cfg: cfg, logger: logger, now: time.Now}
}

// SetClock overrides the time source.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Trip halts trading. A trip while already halted restarts the cooldown.
func (b *Breaker) Trip(ctx context.Context, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.halted = true
	b.lastCritical = b.now()
	b.reason = reason
	b.logger.Warn(ctx, "Circuit breaker HALTED", map[string]interface{}{
		"reason":   reason,
		"cooldown": b.cfg.Cooldown.String(),
		"until":    b.lastCritical.Add(b.cfg.Cooldown).Format(time.RFC3339),
	})
}

// Allow reports whether new entries are permitted. While halted it evaluates
// the recovery condition (cooldown elapsed and balance at or above the minimum)
// and re-arms when both hold.
func (b *Breaker) Allow(ctx context.Context, availableBalance float64) (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.halted {
		return true, ""
	}

	elapsed := b.now().Sub(b.lastCritical)
	if elapsed < b.cfg.Cooldown {
		return false, fmt.Sprintf("halted (%s): cooldown %s remaining", b.reason, (b.cfg.Cooldown - elapsed).Round(time.Second))
	}
	if availableBalance < b.cfg.MinOperatingBalance {
		return false, fmt.Sprintf("halted (%s): balance %.2f below minimum %.2f", b.reason, availableBalance, b.cfg.MinOperatingBalance)
	}

	b.halted = false
	b.logger.Info(ctx, "Circuit breaker re-armed", map[string]interface{}{
		"haltedFor": elapsed.Round(time.Second).String(),
		"balance":   availableBalance,
		"reason":    b.reason,
	})
	b.reason = ""
	return true, ""
}

// IsCritical classifies a closed trade's loss.
func (b *Breaker) IsCritical(t *domain.Trade) bool {
	if t == nil || t.RealizedPnL >= 0 {
		return false
	}
	if strings.HasPrefix(t.CloseReason, domain.CloseReasonStopLoss) {
		return true
	}
	return b.cfg.CriticalLossPercent > 0 && t.PnLPercent <= -b.cfg.CriticalLossPercent
}

// RecordClose trips the breaker when the closed trade's loss is critical.
func (b *Breaker) RecordClose(ctx context.Context, t *domain.Trade) {
	if b.IsCritical(t) {
		b.Trip(ctx, fmt.Sprintf("critical loss on %s %s (%.2f%%, %s)", t.Symbol, t.Side, t.PnLPercent, t.CloseReason))
	}
}

// Snapshot returns the current state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{State: Armed, LastCritical: b.lastCritical, Reason: b.reason, Cooldown: b.cfg.Cooldown}
	if b.halted {
		s.State = Halted
	}
	return s
}
