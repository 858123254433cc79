// Package gate decides whether a trading signal may be acted on.
package gate

import (
	"context"
	"fmt"
	"math"
	"strings"

	"leverageGuard/internal/domain"
	"leverageGuard/internal/ports"
)

// Config holds decision gate thresholds.
type Config struct {
	ConfidenceSkew         float64 // Added to SELL confidence, subtracted from BUY
	HighConfidence         float64 // Confidence counted as a confirmation
	RSIOverbought          float64
	RSIOversold            float64
	MinVWAPDeviation       float64 // Fraction, e.g. 0.005 = 0.5%
	MinVolumeRatio         float64
	StrongVolumeRatio      float64
	MinConfirmations       int
	FundingThreshold       float64 // Neutral band half-width for funding rate
	MinLiquidationDistance float64 // Fraction of entry
	MaintenanceMarginRate  float64
	StopLossPercent        float64 // Fraction of entry
	TakeProfitPercent      float64 // Fraction of entry
	ATRStopMultiplier      float64 // Stop distance floor in ATRs, 0 disables
	MinRewardRatio         float64 // Take-profit distance floor as a multiple of stop distance
}

// DefaultConfig returns the default gate configuration.
func DefaultConfig() Config {
	return Config{
		ConfidenceSkew:         0.05,
		HighConfidence:         0.65,
		RSIOverbought:          70,
		RSIOversold:            30,
		MinVWAPDeviation:       0.005,
		MinVolumeRatio:         1.2,
		StrongVolumeRatio:      1.5,
		MinConfirmations:       2,
		FundingThreshold:       0.001,
		MinLiquidationDistance: 0.05,
		MaintenanceMarginRate:  0.004,
		StopLossPercent:        0.01,
		TakeProfitPercent:      0.02,
		ATRStopMultiplier:      1.5,
		MinRewardRatio:         1.5,
	}
}

// RuleLookup returns the trading rule for a symbol.
type RuleLookup func(symbol domain.Symbol) domain.SymbolRule

// Gate runs the sequential entry checks.
type Gate struct {
	cfg    Config
	rules  RuleLookup
	logger ports.Logger
}

// New creates a decision gate.
func New(cfg Config, rules RuleLookup, logger ports.Logger) *Gate {
	return &Gate{cfg: cfg, rules: rules, logger: logger}
}

func reject(code domain.RejectCode, format string, args ...interface{}) *domain.Rejected {
	return &domain.Rejected{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// EffectiveConfidence applies the directional skew.
func (g *Gate) EffectiveConfidence(side domain.Side, confidence float64) float64 {
	if side == domain.Short {
		return confidence + g.cfg.ConfidenceSkew
	}
	return confidence - g.cfg.ConfidenceSkew
}

// Evaluate checks a signal against market and account state. The first
// failing check produces the rejection.
func (g *Gate) Evaluate(ctx context.Context, sig *domain.Signal, market domain.MarketContext, account domain.AccountContext) domain.Decision {
	op := "Gate.Evaluate"
	if sig == nil {
		return reject(domain.RejectInvalidAction, "no signal")
	}
	rule := g.rules(sig.Symbol)

	side, ok := sig.Action.Side()
	if !ok {
		return reject(domain.RejectInvalidAction, "action %q is not tradable", sig.Action)
	}

	effective := g.EffectiveConfidence(side, sig.Confidence)
	if effective < rule.MinConfidence {
		return reject(domain.RejectLowConfidence, "effective confidence %.1f%% below minimum %.1f%%", effective*100, rule.MinConfidence*100)
	}

	trend := sig.Snapshot.Trend
	if (side == domain.Short && trend == domain.TrendUp) || (side == domain.Long && trend == domain.TrendDown) {
		return reject(domain.RejectTrendMisaligned, "%s against %s trend", sig.Action, trend)
	}

	confirmations := g.confirmations(side, sig)
	if len(confirmations) < g.cfg.MinConfirmations {
		return reject(domain.RejectConfirmations, "%d confirmations (%s), need %d",
			len(confirmations), strings.Join(confirmations, ","), g.cfg.MinConfirmations)
	}

	volumeRatio := sig.Snapshot.VolumeRatio()
	if volumeRatio < g.cfg.MinVolumeRatio {
		return reject(domain.RejectLowVolume, "volume %.2fx average, need %.2fx", volumeRatio, g.cfg.MinVolumeRatio)
	}
	if volumeRatio >= g.cfg.StrongVolumeRatio {
		g.logger.Debug(ctx, op+": Strong volume confirmation", map[string]interface{}{
			"symbol":      sig.Symbol,
			"volumeRatio": volumeRatio,
		})
	}

	if rule.Derivatives && market.HasFunding {
		if side == domain.Long && market.FundingRate > g.cfg.FundingThreshold {
			return reject(domain.RejectFunding, "funding %.4f%% unfavorable for long", market.FundingRate*100)
		}
		if side == domain.Short && market.FundingRate < -g.cfg.FundingThreshold {
			return reject(domain.RejectFunding, "funding %.4f%% unfavorable for short", market.FundingRate*100)
		}
	}

	entry := market.Price
	if entry <= 0 {
		entry = sig.Snapshot.Price
	}
	if entry <= 0 {
		return reject(domain.RejectInvalidAction, "no entry price for %s", sig.Symbol)
	}

	liq := g.LiquidationPrice(side, entry, account.Leverage)
	distance := math.Abs(entry-liq) / entry
	if distance <= g.cfg.MinLiquidationDistance {
		return reject(domain.RejectLiquidation, "liquidation %.4f only %.2f%% from entry at %dx",
			liq, distance*100, account.Leverage)
	}

	stop, target := g.ProtectionLevels(side, entry, sig.Snapshot.ATR)
	return &domain.Approved{
		Symbol:        sig.Symbol,
		Side:          side,
		Confidence:    sig.Confidence,
		Confluence:    sig.Confluence,
		Entry:         entry,
		StopLoss:      stop,
		TakeProfit:    target,
		Confirmations: len(confirmations),
	}
}

func (g *Gate) confirmations(side domain.Side, sig *domain.Signal) []string {
	s := sig.Snapshot
	var out []string
	if sig.Confidence >= g.cfg.HighConfidence {
		out = append(out, "confidence")
	}
	if sig.Action.IsStrong() {
		out = append(out, "strong")
	}
	if (side == domain.Short && s.RSI >= g.cfg.RSIOverbought) || (side == domain.Long && s.RSI > 0 && s.RSI <= g.cfg.RSIOversold) {
		out = append(out, "rsi")
	}
	if s.VWAPDeviation() >= g.cfg.MinVWAPDeviation {
		out = append(out, "vwap")
	}
	if s.VolumeRatio() >= g.cfg.MinVolumeRatio {
		out = append(out, "volume")
	}
	if (side == domain.Long && s.MACDHistogram > 0) || (side == domain.Short && s.MACDHistogram < 0) {
		out = append(out, "macd")
	}
	return out
}

// LiquidationPrice approximates the isolated-margin liquidation price.
func (g *Gate) LiquidationPrice(side domain.Side, entry float64, leverage int) float64 {
	if leverage <= 0 {
		leverage = 1
	}
	inv := 1 / float64(leverage)
	if side == domain.Short {
		return entry * (1 + inv - g.cfg.MaintenanceMarginRate)
	}
	return entry * (1 - inv + g.cfg.MaintenanceMarginRate)
}

// ProtectionLevels returns the stop-loss and take-profit prices for an entry.
// The stop is at least ATRStopMultiplier ATRs away and the target at least
// MinRewardRatio times the stop distance.
func (g *Gate) ProtectionLevels(side domain.Side, entry, atr float64) (stop, target float64) {
	stopDist := entry * g.cfg.StopLossPercent
	if g.cfg.ATRStopMultiplier > 0 && atr > 0 {
		stopDist = math.Max(stopDist, atr*g.cfg.ATRStopMultiplier)
	}
	targetDist := math.Max(entry*g.cfg.TakeProfitPercent, stopDist*g.cfg.MinRewardRatio)
	sign := side.Sign()
	return entry - sign*stopDist, entry + sign*targetDist
}
