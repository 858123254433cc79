// Package signal provides a reference technical SignalSource built on exchange
// klines.
package signal

import (
	"context"
	"fmt"
	"math"
	"time"

	"leverageGuard/internal/domain"
	"leverageGuard/internal/indicators"
	"leverageGuard/internal/ports"
)

// KlineSource is the subset of the exchange gateway the source reads from.
type KlineSource interface {
	GetKlines(ctx context.Context, symbol domain.Symbol, interval string, limit int) ([]*domain.Kline, error)
}

// Config holds the indicator periods and vote thresholds.
type Config struct {
	Interval       string
	Limit          int
	ShortEMAPeriod int     // e.g., 20
	LongEMAPeriod  int     // e.g., 50
	TrendGap       float64 // Relative EMA gap classified as a strong trend
	RSIPeriod      int
	RSIOverbought  float64
	RSIOversold    float64
	MACDFast       int
	MACDSlow       int
	MACDSignal     int
	VolumePeriod   int
	VolumeSurge    float64 // Volume ratio that adds a vote to the dominant side
	ATRPeriod      int
	HoldBelow      float64 // |net score| below this is HOLD
	StrongAbove    float64 // |net score| at or above this is STRONG
}

// DefaultConfig returns the default technical configuration.
func DefaultConfig() Config {
	return Config{
		Interval:       "5m",
		Limit:          100,
		ShortEMAPeriod: 20,
		LongEMAPeriod:  50,
		TrendGap:       0.005,
		RSIPeriod:      14,
		RSIOverbought:  70,
		RSIOversold:    30,
		MACDFast:       12,
		MACDSlow:       26,
		MACDSignal:     9,
		VolumePeriod:   20,
		VolumeSurge:    1.2,
		ATRPeriod:      14,
		HoldBelow:      0.2,
		StrongAbove:    0.6,
	}
}

// maxScore is the sum of all vote weights: trend 2, MACD 1, RSI 1, VWAP 1, volume 1.
const maxScore = 6.0

// Technical scores trend, momentum, mean reversion and volume into one action.
type Technical struct {
	cfg    Config
	source KlineSource
	logger ports.Logger
	now    func() time.Time
}

var _ ports.SignalSource = (*Technical)(nil)

// NewTechnical creates a technical signal source.
func NewTechnical(cfg Config, source KlineSource, logger ports.Logger) (*Technical, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for signal source")
	}
	if source == nil {
		return nil, fmt.Errorf("kline source is required for signal source")
	}
	if cfg.ShortEMAPeriod <= 0 || cfg.LongEMAPeriod <= 0 || cfg.RSIPeriod <= 0 || cfg.ATRPeriod <= 0 || cfg.VolumePeriod <= 0 {
		return nil, fmt.Errorf("signal periods must be positive")
	}
	if cfg.ShortEMAPeriod >= cfg.LongEMAPeriod {
		return nil, fmt.Errorf("short EMA period must be less than long EMA period")
	}
	if cfg.MACDFast >= cfg.MACDSlow {
		return nil, fmt.Errorf("MACD fast period must be less than slow period")
	}
	t := &Technical{cfg: cfg, source: source, logger: logger, now: time.Now}
	if t.cfg.Limit < t.RequiredDataPoints() {
		t.cfg.Limit = t.RequiredDataPoints()
	}
	return t, nil
}

// RequiredDataPoints is the minimum number of klines needed for every indicator.
func (t *Technical) RequiredDataPoints() int {
	need := t.cfg.LongEMAPeriod
	for _, n := range []int{
		t.cfg.MACDSlow + t.cfg.MACDSignal - 1,
		t.cfg.RSIPeriod + 1,
		t.cfg.ATRPeriod + 1,
		t.cfg.VolumePeriod + 1,
	} {
		if n > need {
			need = n
		}
	}
	return need
}

// Signal fetches klines and produces one candidate for symbol.
func (t *Technical) Signal(ctx context.Context, symbol domain.Symbol) (*domain.Signal, error) {
	op := "Signal.Technical"
	klines, err := t.source.GetKlines(ctx, symbol, t.cfg.Interval, t.cfg.Limit)
	if err != nil {
		return nil, fmt.Errorf("%s: fetching klines for %s: %w", op, symbol, err)
	}
	if len(klines) < t.RequiredDataPoints() {
		return nil, fmt.Errorf("%s: not enough kline data for %s (%d < %d): %w",
			op, symbol, len(klines), t.RequiredDataPoints(), ports.ErrInvalidRequest)
	}

	snap, err := t.snapshot(klines)
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", op, symbol, err)
	}

	bull, bear := t.votes(snap)
	net := (bull - bear) / maxScore
	action := t.action(net)
	dominant := math.Max(bull, bear)

	sig := &domain.Signal{
		Symbol:      symbol,
		Action:      action,
		Confidence:  math.Min(0.95, 0.4+0.5*math.Abs(net)),
		Confluence:  dominant / maxScore * 10,
		Snapshot:    snap,
		Klines:      klines,
		GeneratedAt: t.now(),
	}

	t.logger.Debug(ctx, op+": Signal generated", map[string]interface{}{
		"symbol":     symbol,
		"action":     sig.Action,
		"confidence": sig.Confidence,
		"confluence": sig.Confluence,
		"trend":      snap.Trend,
		"rsi":        snap.RSI,
		"macdHist":   snap.MACDHistogram,
		"price":      snap.Price,
		"vwap":       snap.VWAP,
	})
	return sig, nil
}

func (t *Technical) snapshot(klines []*domain.Kline) (domain.TechnicalSnapshot, error) {
	var snap domain.TechnicalSnapshot
	var err error
	snap.Price = klines[len(klines)-1].Close

	short, err := indicators.EMA(klines, t.cfg.ShortEMAPeriod)
	if err != nil {
		return snap, err
	}
	long, err := indicators.EMA(klines, t.cfg.LongEMAPeriod)
	if err != nil {
		return snap, err
	}
	snap.Trend = domain.TrendSideways
	if long > 0 {
		gap := (short - long) / long
		switch {
		case gap >= t.cfg.TrendGap && snap.Price > short:
			snap.Trend = domain.TrendUp
		case gap <= -t.cfg.TrendGap && snap.Price < short:
			snap.Trend = domain.TrendDown
		}
	}

	if snap.RSI, err = indicators.RSI(klines, t.cfg.RSIPeriod); err != nil {
		return snap, err
	}
	if _, _, snap.MACDHistogram, err = indicators.MACD(klines, t.cfg.MACDFast, t.cfg.MACDSlow, t.cfg.MACDSignal); err != nil {
		return snap, err
	}
	if snap.VWAP, err = indicators.VWAP(klines); err != nil {
		return snap, err
	}
	if snap.Volume, snap.AvgVolume, err = indicators.VolumeRatio(klines, t.cfg.VolumePeriod); err != nil {
		return snap, err
	}
	if snap.ATR, err = indicators.ATR(klines, t.cfg.ATRPeriod); err != nil {
		return snap, err
	}
	// Volatility is informational; a flat window has none.
	snap.Volatility, _ = indicators.Volatility(klines, t.cfg.VolumePeriod)
	return snap, nil
}

func (t *Technical) votes(s domain.TechnicalSnapshot) (bull, bear float64) {
	switch s.Trend {
	case domain.TrendUp:
		bull += 2
	case domain.TrendDown:
		bear += 2
	}

	switch {
	case s.MACDHistogram > 0:
		bull++
	case s.MACDHistogram < 0:
		bear++
	}

	switch {
	case s.RSI <= t.cfg.RSIOversold:
		bull++
	case s.RSI >= t.cfg.RSIOverbought:
		bear++
	case s.RSI > 50:
		bull += 0.5
	case s.RSI < 50:
		bear += 0.5
	}

	switch {
	case s.Price > s.VWAP:
		bull++
	case s.Price < s.VWAP:
		bear++
	}

	if s.VolumeRatio() >= t.cfg.VolumeSurge {
		if bull > bear {
			bull++
		} else if bear > bull {
			bear++
		}
	}
	return bull, bear
}

func (t *Technical) action(net float64) domain.Action {
	abs := math.Abs(net)
	switch {
	case abs < t.cfg.HoldBelow:
		return domain.ActionHold
	case net > 0 && abs >= t.cfg.StrongAbove:
		return domain.ActionStrongBuy
	case net > 0:
		return domain.ActionBuy
	case abs >= t.cfg.StrongAbove:
		return domain.ActionStrongSell
	default:
		return domain.ActionSell
	}
}
