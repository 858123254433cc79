// Package indicators computes the technical values consumed by the signal
// source and the position sizer.
package indicators

import (
	"fmt"
	"math"

	"leverageGuard/internal/domain"
)

func closes(klines []*domain.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Close
	}
	return out
}

// SMA is the simple moving average of the last period closes.
func SMA(klines []*domain.Kline, period int) (float64, error) {
	if period <= 0 || len(klines) < period {
		return 0, fmt.Errorf("not enough data (%d) to calculate SMA for period %d", len(klines), period)
	}
	total := 0.0
	for _, k := range klines[len(klines)-period:] {
		total += k.Close
	}
	return total / float64(period), nil
}

// emaSeries seeds with the SMA of the first period values and returns one EMA
// value per input from index period-1 onwards.
func emaSeries(values []float64, period int) ([]float64, error) {
	if period <= 0 || len(values) < period {
		return nil, fmt.Errorf("not enough data (%d) to calculate EMA for period %d", len(values), period)
	}
	multiplier := 2.0 / float64(period+1)
	seed := 0.0
	for _, v := range values[:period] {
		seed += v
	}
	ema := seed / float64(period)
	out := make([]float64, 0, len(values)-period+1)
	out = append(out, ema)
	for _, v := range values[period:] {
		ema = (v-ema)*multiplier + ema
		out = append(out, ema)
	}
	return out, nil
}

// EMA is the exponential moving average of closes.
func EMA(klines []*domain.Kline, period int) (float64, error) {
	series, err := emaSeries(closes(klines), period)
	if err != nil {
		return 0, err
	}
	return series[len(series)-1], nil
}

// MACD returns the MACD line, its signal line and the histogram.
func MACD(klines []*domain.Kline, fast, slow, signal int) (macd, signalLine, histogram float64, err error) {
	if fast >= slow {
		return 0, 0, 0, fmt.Errorf("MACD fast period %d must be below slow period %d", fast, slow)
	}
	if len(klines) < slow+signal-1 {
		return 0, 0, 0, fmt.Errorf("not enough data (%d) to calculate MACD(%d,%d,%d)", len(klines), fast, slow, signal)
	}
	c := closes(klines)
	fastSeries, err := emaSeries(c, fast)
	if err != nil {
		return 0, 0, 0, err
	}
	slowSeries, err := emaSeries(c, slow)
	if err != nil {
		return 0, 0, 0, err
	}
	// Align both series on the slow EMA's first index.
	offset := slow - fast
	line := make([]float64, len(slowSeries))
	for i := range slowSeries {
		line[i] = fastSeries[i+offset] - slowSeries[i]
	}
	sig, err := emaSeries(line, signal)
	if err != nil {
		return 0, 0, 0, err
	}
	macd = line[len(line)-1]
	signalLine = sig[len(sig)-1]
	return macd, signalLine, macd - signalLine, nil
}

// RSI uses Wilder's smoothing.
func RSI(klines []*domain.Kline, period int) (float64, error) {
	if period <= 0 || len(klines) <= period {
		return 0, fmt.Errorf("not enough data (%d) to calculate RSI for period %d", len(klines), period)
	}

	var avgGain, avgLoss float64
	p := float64(period)
	for i := 1; i < len(klines); i++ {
		change := klines[i].Close - klines[i-1].Close
		gain, loss := math.Max(change, 0), math.Max(-change, 0)
		if i <= period {
			avgGain += gain / p
			avgLoss += loss / p
			continue
		}
		avgGain = (avgGain*(p-1) + gain) / p
		avgLoss = (avgLoss*(p-1) + loss) / p
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50, nil
		}
		return 100, nil
	}
	rsi := 100 - 100/(1+avgGain/avgLoss)
	return math.Max(0, math.Min(100, rsi)), nil
}

// ATR is the Average True Range with Wilder's smoothing.
func ATR(klines []*domain.Kline, period int) (float64, error) {
	if period <= 0 || len(klines) < period+1 {
		return 0, fmt.Errorf("not enough data points for ATR calculation: need %d, got %d", period+1, len(klines))
	}

	trueRange := func(i int) float64 {
		k := klines[i]
		if i == 0 {
			return k.High - k.Low
		}
		prevClose := klines[i-1].Close
		return math.Max(k.High-k.Low, math.Max(math.Abs(k.High-prevClose), math.Abs(k.Low-prevClose)))
	}

	atr := 0.0
	for i := 0; i < period; i++ {
		atr += trueRange(i)
	}
	atr /= float64(period)
	for i := period; i < len(klines); i++ {
		atr = (atr*float64(period-1) + trueRange(i)) / float64(period)
	}
	return atr, nil
}

// ATRPercent is ATR as a percentage of the last close.
func ATRPercent(klines []*domain.Kline, period int) (float64, error) {
	atr, err := ATR(klines, period)
	if err != nil {
		return 0, err
	}
	last := klines[len(klines)-1].Close
	if last <= 0 {
		return 0, fmt.Errorf("invalid last close %f for ATR percent", last)
	}
	return atr / last * 100, nil
}

// VWAP is the volume-weighted typical price over all klines.
func VWAP(klines []*domain.Kline) (float64, error) {
	var pv, vol float64
	for _, k := range klines {
		typical := (k.High + k.Low + k.Close) / 3
		pv += typical * k.Volume
		vol += k.Volume
	}
	if vol == 0 {
		return 0, fmt.Errorf("no volume to calculate VWAP over %d klines", len(klines))
	}
	return pv / vol, nil
}

// VolumeRatio returns the last kline's volume and the average volume of the
// period klines before it.
func VolumeRatio(klines []*domain.Kline, period int) (current, average float64, err error) {
	if period <= 0 || len(klines) < period+1 {
		return 0, 0, fmt.Errorf("not enough data (%d) for volume average over %d", len(klines), period)
	}
	current = klines[len(klines)-1].Volume
	for _, k := range klines[len(klines)-1-period : len(klines)-1] {
		average += k.Volume
	}
	return current, average / float64(period), nil
}

// Volatility is the standard deviation of close-to-close returns.
func Volatility(klines []*domain.Kline, period int) (float64, error) {
	if period < 2 || len(klines) < period+1 {
		return 0, fmt.Errorf("not enough data (%d) for volatility over %d", len(klines), period)
	}
	window := klines[len(klines)-period-1:]
	returns := make([]float64, 0, period)
	for i := 1; i < len(window); i++ {
		if window[i-1].Close == 0 {
			continue
		}
		returns = append(returns, window[i].Close/window[i-1].Close-1)
	}
	if len(returns) < 2 {
		return 0, fmt.Errorf("not enough valid returns for volatility")
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
	return math.Sqrt(variance / float64(len(returns)-1)), nil
}
