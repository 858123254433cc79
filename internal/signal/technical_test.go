package signal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leverageGuard/internal/domain"
	"leverageGuard/internal/ports"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockKlines struct {
	klines []*domain.Kline
	err    error
	calls  int
}

func (m *mockKlines) GetKlines(ctx context.Context, symbol domain.Symbol, interval string, limit int) ([]*domain.Kline, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.klines, nil
}

func series(n int, price func(i int) float64, lastVolume float64) []*domain.Kline {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]*domain.Kline, n)
	for i := 0; i < n; i++ {
		p := price(i)
		vol := 1.0
		if i == n-1 {
			vol = lastVolume
		}
		out[i] = &domain.Kline{
			OpenTime:  base.Add(time.Duration(i) * 5 * time.Minute),
			CloseTime: base.Add(time.Duration(i+1)*5*time.Minute - time.Millisecond),
			Symbol:    "BTCUSDT",
			Interval:  "5m",
			Open:      p,
			High:      p,
			Low:       p,
			Close:     p,
			Volume:    vol,
			IsFinal:   true,
		}
	}
	return out
}

func newSource(t *testing.T, m *mockKlines) *Technical {
	t.Helper()
	src, err := NewTechnical(DefaultConfig(), m, &mockLogger{})
	require.NoError(t, err)
	return src
}

func TestNewTechnical_Validation(t *testing.T) {
	_, err := NewTechnical(DefaultConfig(), &mockKlines{}, nil)
	assert.Error(t, err)
	_, err = NewTechnical(DefaultConfig(), nil, &mockLogger{})
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.ShortEMAPeriod = cfg.LongEMAPeriod
	_, err = NewTechnical(cfg, &mockKlines{}, &mockLogger{})
	assert.Error(t, err)
}

func TestSignal_Directions(t *testing.T) {
	tests := []struct {
		name   string
		price  func(i int) float64
		volume float64
		action domain.Action
		trend  domain.Trend
	}{
		{
			name:   "accelerating rise",
			price:  func(i int) float64 { return 100 + 0.02*float64(i*i) },
			volume: 3,
			action: domain.ActionStrongBuy,
			trend:  domain.TrendUp,
		},
		{
			name:   "accelerating fall",
			price:  func(i int) float64 { return 400 - 0.02*float64(i*i) },
			volume: 3,
			action: domain.ActionStrongSell,
			trend:  domain.TrendDown,
		},
		{
			name:   "flat market",
			price:  func(i int) float64 { return 100 },
			volume: 1,
			action: domain.ActionHold,
			trend:  domain.TrendSideways,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockKlines{klines: series(100, tt.price, tt.volume)}
			sig, err := newSource(t, m).Signal(context.Background(), "BTCUSDT")
			require.NoError(t, err)
			assert.Equal(t, tt.action, sig.Action)
			assert.Equal(t, tt.trend, sig.Snapshot.Trend)
			assert.Equal(t, domain.Symbol("BTCUSDT"), sig.Symbol)
			assert.Len(t, sig.Klines, 100)
			assert.GreaterOrEqual(t, sig.Confidence, 0.4)
			assert.LessOrEqual(t, sig.Confidence, 0.95)
			assert.GreaterOrEqual(t, sig.Confluence, 0.0)
			assert.LessOrEqual(t, sig.Confluence, 10.0)
		})
	}
}

func TestSignal_StrongTrendScores(t *testing.T) {
	m := &mockKlines{klines: series(100, func(i int) float64 { return 100 + 0.02*float64(i*i) }, 3)}
	sig, err := newSource(t, m).Signal(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	// Trend, MACD, VWAP and volume for the long side; RSI is overbought.
	assert.InDelta(t, 0.4+0.5*4.0/6.0, sig.Confidence, 1e-9)
	assert.InDelta(t, 5.0/6.0*10, sig.Confluence, 1e-9)
	assert.InDelta(t, 3.0, sig.Snapshot.VolumeRatio(), 1e-9)
	assert.Equal(t, 100.0, sig.Snapshot.RSI)
	assert.Greater(t, sig.Snapshot.MACDHistogram, 0.0)
}

func TestSignal_Errors(t *testing.T) {
	short := &mockKlines{klines: series(10, func(int) float64 { return 100 }, 1)}
	_, err := newSource(t, short).Signal(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrInvalidRequest))

	failing := &mockKlines{err: ports.ErrTimeout}
	_, err = newSource(t, failing).Signal(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrTimeout))
	assert.Equal(t, 1, failing.calls)
}

func TestRequiredDataPoints(t *testing.T) {
	src := newSource(t, &mockKlines{})
	assert.Equal(t, 50, src.RequiredDataPoints())
}
