package binanceclient

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"leverageGuard/internal/domain"
	"leverageGuard/internal/ports"
	"leverageGuard/internal/sizing"
)

func translateOrderResponse(order *futures.CreateOrderResponse) *ports.OrderResponse {
	if order == nil {
		return &ports.OrderResponse{}
	}
	price, _ := strconv.ParseFloat(order.Price, 64)
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	origQty, _ := strconv.ParseFloat(order.OrigQuantity, 64)
	execQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)

	return &ports.OrderResponse{
		OrderID:      order.OrderID,
		Symbol:       domain.Symbol(order.Symbol),
		Side:         domain.OrderSide(order.Side),
		Type:         string(order.Type),
		Status:       string(order.Status),
		Price:        price,
		AvgPrice:     avgPrice,
		OrigQuantity: origQty,
		ExecutedQty:  execQty,
		Timestamp:    time.UnixMilli(order.UpdateTime),
	}
}

// translatePositionRisk returns nil for flat positions.
func translatePositionRisk(pos *futures.PositionRisk) *domain.Position {
	if pos == nil {
		return nil
	}
	amt, _ := strconv.ParseFloat(pos.PositionAmt, 64)
	if amt == 0 {
		return nil
	}
	entry, _ := strconv.ParseFloat(pos.EntryPrice, 64)
	mark, _ := strconv.ParseFloat(pos.MarkPrice, 64)
	unrealized, _ := strconv.ParseFloat(pos.UnRealizedProfit, 64)
	liq, _ := strconv.ParseFloat(pos.LiquidationPrice, 64)
	leverage, _ := strconv.Atoi(pos.Leverage) // Leverage is string in go-binance
	isoMargin, _ := strconv.ParseFloat(pos.IsolatedMargin, 64)

	side := domain.Long
	if amt < 0 {
		side = domain.Short
	}
	amount := math.Abs(amt)

	margin := isoMargin
	if margin <= 0 && leverage > 0 {
		price := mark
		if price <= 0 {
			price = entry
		}
		margin = amount * price / float64(leverage)
	}

	return &domain.Position{
		Symbol:           domain.Symbol(pos.Symbol),
		Side:             side,
		Amount:           amount,
		EntryPrice:       entry,
		MarkPrice:        mark,
		UnrealizedPnL:    unrealized,
		LiquidationPrice: liq,
		Leverage:         leverage,
		Margin:           margin,
	}
}

func translateFilters(s *futures.Symbol) (*domain.SymbolFilters, error) {
	f := &domain.SymbolFilters{Symbol: domain.Symbol(s.Symbol)}
	var err error
	if lot := s.LotSizeFilter(); lot != nil {
		if f.StepSize, err = strconv.ParseFloat(lot.StepSize, 64); err != nil {
			return nil, fmt.Errorf("parsing step size '%s': %w", lot.StepSize, err)
		}
		if f.MinQuantity, err = strconv.ParseFloat(lot.MinQuantity, 64); err != nil {
			return nil, fmt.Errorf("parsing min quantity '%s': %w", lot.MinQuantity, err)
		}
	}
	if mn := s.MinNotionalFilter(); mn != nil {
		if f.MinNotional, err = strconv.ParseFloat(mn.Notional, 64); err != nil {
			return nil, fmt.Errorf("parsing min notional '%s': %w", mn.Notional, err)
		}
	}
	if pf := s.PriceFilter(); pf != nil {
		if f.TickSize, err = strconv.ParseFloat(pf.TickSize, 64); err != nil {
			return nil, fmt.Errorf("parsing tick size '%s': %w", pf.TickSize, err)
		}
	}
	return f, nil
}

// translateConditional returns nil for anything that is not a protective order.
func translateConditional(o *futures.Order) *domain.ConditionalOrder {
	if o == nil {
		return nil
	}
	t := domain.ConditionalType(o.Type)
	if t != domain.ConditionalStopLoss && t != domain.ConditionalTakeProfit {
		return nil
	}
	stop, _ := strconv.ParseFloat(o.StopPrice, 64)
	return &domain.ConditionalOrder{
		OrderID:   o.OrderID,
		Symbol:    domain.Symbol(o.Symbol),
		Side:      domain.OrderSide(o.Side),
		Type:      t,
		StopPrice: stop,
	}
}

func translateKlines(bks []*futures.Kline, symbol domain.Symbol, interval string) ([]*domain.Kline, error) {
	out := make([]*domain.Kline, 0, len(bks))
	for _, bk := range bks {
		k, err := translateBinanceKline(bk, symbol, interval)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

func translateBinanceKline(bk *futures.Kline, symbol domain.Symbol, interval string) (*domain.Kline, error) {
	if bk == nil {
		return nil, errors.New("received nil historical kline")
	}
	open, err := strconv.ParseFloat(bk.Open, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing open price '%s': %w", bk.Open, err)
	}
	high, err := strconv.ParseFloat(bk.High, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing high price '%s': %w", bk.High, err)
	}
	low, err := strconv.ParseFloat(bk.Low, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing low price '%s': %w", bk.Low, err)
	}
	cls, err := strconv.ParseFloat(bk.Close, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing close price '%s': %w", bk.Close, err)
	}
	vol, err := strconv.ParseFloat(bk.Volume, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing volume '%s': %w", bk.Volume, err)
	}

	closeTime := time.UnixMilli(bk.CloseTime)
	return &domain.Kline{
		OpenTime:  time.UnixMilli(bk.OpenTime),
		CloseTime: closeTime,
		Symbol:    symbol,
		Interval:  interval,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    vol,
		IsFinal:   time.Now().After(closeTime),
	}, nil
}

// formatQuantity floors qty to the lot step. Without filters it falls back to
// eight decimals.
func formatQuantity(qty float64, f *domain.SymbolFilters) string {
	if f == nil || f.StepSize <= 0 {
		return decimal.NewFromFloat(qty).Truncate(8).String()
	}
	return stepString(sizing.FloorToStep(qty, f.StepSize), f.StepSize)
}

// formatPrice rounds a trigger price to the nearest tick.
func formatPrice(price float64, f *domain.SymbolFilters) string {
	if f == nil || f.TickSize <= 0 {
		return decimal.NewFromFloat(price).Round(8).String()
	}
	tick := decimal.NewFromFloat(f.TickSize)
	rounded := decimal.NewFromFloat(price).Div(tick).Round(0).Mul(tick)
	return rounded.StringFixed(precision(tick))
}

func stepString(v, step float64) string {
	s := decimal.NewFromFloat(step)
	return decimal.NewFromFloat(v).StringFixed(precision(s))
}

// precision is the number of decimals in a step like 0.001.
func precision(step decimal.Decimal) int32 {
	if e := step.Exponent(); e < 0 {
		return -e
	}
	return 0
}
