package ports

import (
	"context"
	"time"

	"leverageGuard/internal/domain"
)

// OrderResponse represents the essential details returned after placing an order.
type OrderResponse struct {
	OrderID      int64
	Symbol       domain.Symbol
	Side         domain.OrderSide
	Type         string
	Status       string
	Price        float64
	AvgPrice     float64 // Unreliable for market orders at submission time
	OrigQuantity float64
	ExecutedQty  float64 // Unreliable for market orders at submission time
	Timestamp    time.Time
}

// ExchangeGateway is the controller's view of a futures exchange.
// Implementations return errors wrapping the sentinels in errors.go so callers can
// tell transient failures (IsTransient) from permanent ones.
type ExchangeGateway interface {
	// GetPrice returns the current mark price.
	GetPrice(ctx context.Context, symbol domain.Symbol) (float64, error)

	// GetKlines returns the most recent klines, oldest first.
	GetKlines(ctx context.Context, symbol domain.Symbol, interval string, limit int) ([]*domain.Kline, error)

	// GetPositions returns every non-zero position on the account.
	GetPositions(ctx context.Context) ([]*domain.Position, error)

	// GetSymbolFilters returns lot step and minimum notional for a symbol.
	GetSymbolFilters(ctx context.Context, symbol domain.Symbol) (*domain.SymbolFilters, error)

	// SetLeverage sets the leverage used for new orders on a symbol.
	SetLeverage(ctx context.Context, symbol domain.Symbol, leverage int) error

	// PlaceMarketOrder submits a market order. reduceOnly orders can only shrink
	// an existing position.
	PlaceMarketOrder(ctx context.Context, symbol domain.Symbol, side domain.OrderSide, quantity float64, reduceOnly bool) (*OrderResponse, error)

	// PlaceStopLoss places a close-position stop-market order protecting a
	// position in the given direction.
	PlaceStopLoss(ctx context.Context, symbol domain.Symbol, positionSide domain.Side, stopPrice float64) (*OrderResponse, error)

	// PlaceTakeProfit places a close-position take-profit-market order.
	PlaceTakeProfit(ctx context.Context, symbol domain.Symbol, positionSide domain.Side, stopPrice float64) (*OrderResponse, error)

	// GetOpenConditionalOrders lists resting stop / take-profit orders.
	GetOpenConditionalOrders(ctx context.Context, symbol domain.Symbol) ([]*domain.ConditionalOrder, error)

	// CancelOrder cancels a resting order. ErrOrderNotFound means it is already gone.
	CancelOrder(ctx context.Context, symbol domain.Symbol, orderID int64) error

	// GetAccountBalance returns the quote-asset wallet and available balance.
	GetAccountBalance(ctx context.Context) (*domain.AccountBalance, error)

	// GetFundingRate returns the last funding rate (e.g. 0.0001 = 0.01%).
	GetFundingRate(ctx context.Context, symbol domain.Symbol) (float64, error)
}
