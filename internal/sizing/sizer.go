// Package sizing computes order size from equity, confidence and volatility.
package sizing

import (
	"context"
	"fmt"
	"math"
	"strings"

	"leverageGuard/internal/domain"
	"leverageGuard/internal/indicators"
	"leverageGuard/internal/ports"
)

// Tier maps a minimum confidence to a fraction of equity committed as margin.
type Tier struct {
	MinConfidence float64
	RiskFraction  float64
}

// ExceptionalConfig holds the thresholds for exceptional-trade classification.
type ExceptionalConfig struct {
	ConfidenceMargin   float64 // Above the symbol minimum
	HighConfluence     float64
	PriorityConfidence float64
	ExtremeConfluence  float64
	MinCriteria        int
}

// PerformanceConfig scales the base tier by recent win rate.
type PerformanceConfig struct {
	MinTrades      int
	LowWinRate     float64
	HighWinRate    float64
	LowMultiplier  float64
	HighMultiplier float64
	Window         int
}

// Config holds position sizing parameters.
type Config struct {
	Tiers                []Tier // Highest confidence first
	ATRPeriod            int
	HighATRPercent       float64
	HighATRMultiplier    float64
	MediumATRPercent     float64
	MediumATRMultiplier  float64
	VolatilityThreshold  float64
	VolatilityMultiplier float64
	MaxLeverage          int
	Exceptional          ExceptionalConfig
	Performance          PerformanceConfig
}

// DefaultConfig returns the default sizing configuration.
func DefaultConfig() Config {
	return Config{
		Tiers: []Tier{
			{MinConfidence: 0.70, RiskFraction: 0.15},
			{MinConfidence: 0.60, RiskFraction: 0.12},
			{MinConfidence: 0.50, RiskFraction: 0.10},
			{MinConfidence: 0.40, RiskFraction: 0.08},
		},
		ATRPeriod:            14,
		HighATRPercent:       4.0,
		HighATRMultiplier:    0.6,
		MediumATRPercent:     2.5,
		MediumATRMultiplier:  0.8,
		VolatilityThreshold:  0.03,
		VolatilityMultiplier: 0.8,
		MaxLeverage:          10,
		Exceptional: ExceptionalConfig{
			ConfidenceMargin:   0.20,
			HighConfluence:     8.0,
			PriorityConfidence: 0.75,
			ExtremeConfluence:  9.0,
			MinCriteria:        3,
		},
		Performance: PerformanceConfig{
			MinTrades:      10,
			LowWinRate:     0.40,
			HighWinRate:    0.60,
			LowMultiplier:  0.8,
			HighMultiplier: 1.1,
			Window:         50,
		},
	}
}

// Request carries everything needed to size one approved decision.
type Request struct {
	Symbol     domain.Symbol
	Rule       domain.SymbolRule
	Equity     float64
	Available  float64 // Margin that may be committed, used for the min-notional bump
	Confidence float64
	Confluence float64
	Price      float64
	StopLoss   float64
	TakeProfit float64
	Klines     []*domain.Kline // ATR lookback
	Volatility float64         // Secondary volatility measure (stddev of returns)
	Filters    *domain.SymbolFilters
}

// Sizer turns approved decisions into order quantities.
type Sizer struct {
	cfg     Config
	history *History
	logger  ports.Logger
}

// New creates a sizer. A nil history disables performance scaling.
func New(cfg Config, history *History, logger ports.Logger) *Sizer {
	return &Sizer{cfg: cfg, history: history, logger: logger}
}

// History returns the sizer's performance history.
func (s *Sizer) History() *History {
	return s.history
}

// LeverageFor maps confidence to leverage: full at 70%, three quarters at 60%,
// half below that, never below 1x.
func (s *Sizer) LeverageFor(confidence float64) int {
	maxLev := s.cfg.MaxLeverage
	if maxLev <= 0 {
		maxLev = 1
	}
	lev := maxLev
	switch {
	case confidence >= 0.70:
	case confidence >= 0.60:
		lev = maxLev * 3 / 4
	default:
		lev = maxLev / 2
	}
	if lev < 1 {
		lev = 1
	}
	return lev
}

// BaseFraction returns the tier fraction for a confidence, zero below the
// lowest tier.
func (s *Sizer) BaseFraction(confidence float64) float64 {
	for _, t := range s.cfg.Tiers {
		if confidence >= t.MinConfidence {
			return t.RiskFraction
		}
	}
	return 0
}

// IsExceptional reports whether a majority of the exceptional criteria hold.
func (s *Sizer) IsExceptional(rule domain.SymbolRule, confidence, confluence float64) (bool, []string) {
	e := s.cfg.Exceptional
	var met []string
	if confidence >= rule.MinConfidence+e.ConfidenceMargin {
		met = append(met, "confidence")
	}
	if confluence >= e.HighConfluence {
		met = append(met, "confluence")
	}
	if rule.Priority && confidence >= e.PriorityConfidence {
		met = append(met, "priority")
	}
	if confluence >= e.ExtremeConfluence {
		met = append(met, "extreme_confluence")
	}
	return e.MinCriteria > 0 && len(met) >= e.MinCriteria, met
}

func (s *Sizer) topFraction() float64 {
	if len(s.cfg.Tiers) == 0 {
		return 0
	}
	return s.cfg.Tiers[0].RiskFraction
}

// Size computes margin, leverage and quantity. A result with zero quantity
// means the trade must not be placed; Rationale explains why.
func (s *Sizer) Size(ctx context.Context, req Request) domain.SizingResult {
	op := "Sizer.Size"
	var notes []string
	fail := func(format string, args ...interface{}) domain.SizingResult {
		notes = append(notes, fmt.Sprintf(format, args...))
		rationale := strings.Join(notes, "; ")
		s.logger.Info(ctx, op+": Size unavailable", map[string]interface{}{
			"symbol":    req.Symbol,
			"rationale": rationale,
		})
		return domain.SizingResult{Rationale: rationale}
	}

	if req.Equity <= 0 || req.Price <= 0 {
		return fail("equity %.2f or price %.4f not positive", req.Equity, req.Price)
	}

	fraction := s.BaseFraction(req.Confidence)
	if fraction == 0 {
		return fail("confidence %.1f%% below lowest tier", req.Confidence*100)
	}
	notes = append(notes, fmt.Sprintf("tier %.0f%% at confidence %.1f%%", fraction*100, req.Confidence*100))

	if s.history != nil {
		p := s.cfg.Performance
		if rate, n := s.history.WinRate(); n >= p.MinTrades && p.MinTrades > 0 {
			switch {
			case rate < p.LowWinRate:
				fraction *= p.LowMultiplier
				notes = append(notes, fmt.Sprintf("win rate %.0f%% over %d trades x%.2f", rate*100, n, p.LowMultiplier))
			case rate > p.HighWinRate:
				fraction = math.Min(fraction*p.HighMultiplier, s.topFraction())
				notes = append(notes, fmt.Sprintf("win rate %.0f%% over %d trades x%.2f", rate*100, n, p.HighMultiplier))
			}
		}
	}

	if len(req.Klines) > s.cfg.ATRPeriod {
		period := s.cfg.ATRPeriod
		atrPct, err := indicators.ATRPercent(req.Klines[len(req.Klines)-period-1:], period)
		if err != nil {
			s.logger.Warn(ctx, op+": ATR unavailable, no volatility shrink", map[string]interface{}{
				"symbol": req.Symbol,
				"error":  err.Error(),
			})
		} else {
			switch {
			case atrPct > s.cfg.HighATRPercent:
				fraction *= s.cfg.HighATRMultiplier
				notes = append(notes, fmt.Sprintf("ATR %.2f%% high x%.2f", atrPct, s.cfg.HighATRMultiplier))
			case atrPct > s.cfg.MediumATRPercent:
				fraction *= s.cfg.MediumATRMultiplier
				notes = append(notes, fmt.Sprintf("ATR %.2f%% medium x%.2f", atrPct, s.cfg.MediumATRMultiplier))
			default:
				notes = append(notes, fmt.Sprintf("ATR %.2f%% low", atrPct))
			}
		}
	}

	if s.cfg.VolatilityThreshold > 0 && req.Volatility > s.cfg.VolatilityThreshold {
		fraction *= s.cfg.VolatilityMultiplier
		notes = append(notes, fmt.Sprintf("volatility %.4f x%.2f", req.Volatility, s.cfg.VolatilityMultiplier))
	}

	leverage := s.LeverageFor(req.Confidence)
	margin := req.Equity * fraction
	notional := margin * float64(leverage)
	qty := notional / req.Price
	notes = append(notes, fmt.Sprintf("margin %.4f at %dx", margin, leverage))

	if f := req.Filters; f != nil {
		qty = FloorToStep(qty, f.StepSize)
		minQty := f.MinQuantity
		if f.MinNotional > 0 {
			minQty = math.Max(minQty, CeilToStep(f.MinNotional/req.Price, f.StepSize))
		}
		if qty < minQty {
			required := minQty * req.Price / float64(leverage)
			if required > req.Available {
				return fail("min notional needs margin %.4f, only %.4f available", required, req.Available)
			}
			notes = append(notes, fmt.Sprintf("raised to exchange minimum %.6f", minQty))
			qty = minQty
			margin = required
		}
		notional = qty * req.Price
	}
	if qty <= 0 {
		return fail("quantity rounds to zero")
	}

	exceptional, criteria := s.IsExceptional(req.Rule, req.Confidence, req.Confluence)
	if exceptional {
		notes = append(notes, "exceptional ("+strings.Join(criteria, ",")+")")
	}

	result := domain.SizingResult{
		Margin:       margin,
		Leverage:     leverage,
		Notional:     notional,
		Quantity:     qty,
		RiskFraction: fraction,
		Exceptional:  exceptional,
	}
	if req.StopLoss > 0 {
		result.RiskAmount = math.Abs(req.Price-req.StopLoss) * qty
	}
	if req.TakeProfit > 0 {
		result.RewardAmount = math.Abs(req.TakeProfit-req.Price) * qty
	}
	if result.RiskAmount > 0 {
		result.RiskReward = result.RewardAmount / result.RiskAmount
		notes = append(notes, fmt.Sprintf("risk/reward 1:%.2f", result.RiskReward))
	}
	result.Rationale = strings.Join(notes, "; ")

	s.logger.Debug(ctx, op+": Sized", map[string]interface{}{
		"symbol":    req.Symbol,
		"quantity":  qty,
		"margin":    margin,
		"leverage":  leverage,
		"rationale": result.Rationale,
	})
	return result
}
