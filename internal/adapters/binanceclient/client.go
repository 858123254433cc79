package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	"leverageGuard/internal/domain"
	"leverageGuard/internal/ports"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"

	filterCacheTTL = time.Hour
)

// Client implements ports.ExchangeGateway using the go-binance library.
type Client struct {
	futuresClient *futures.Client
	logger        ports.Logger
	limiter       *rate.Limiter
	quoteAsset    string

	filtersMu      sync.Mutex
	filters        map[domain.Symbol]*domain.SymbolFilters
	filtersFetched time.Time
}

var _ ports.ExchangeGateway = (*Client)(nil)

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey            string
	SecretKey         string
	UseTestnet        bool
	BaseURL           string // Overrides the testnet/production URL when set
	QuoteAsset        string // Asset reported by GetAccountBalance, e.g. "USDT"
	RequestsPerSecond float64
	RequestBurst      int
	Logger            ports.Logger
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	switch {
	case cfg.BaseURL != "":
		client.BaseURL = cfg.BaseURL
	case cfg.UseTestnet:
		client.BaseURL = baseURLTestnet
	default:
		client.BaseURL = baseURLProduction
	}
	cfg.Logger.Info(context.Background(), "Binance futures client configured", map[string]interface{}{
		"baseURL": client.BaseURL,
		"testnet": cfg.UseTestnet,
	})

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.RequestBurst
	if burst <= 0 {
		burst = 5
	}
	quote := cfg.QuoteAsset
	if quote == "" {
		quote = "USDT"
	}

	return &Client{
		futuresClient: client,
		logger:        cfg.Logger,
		limiter:       rate.NewLimiter(rate.Limit(rps), burst),
		quoteAsset:    quote,
		filters:       make(map[domain.Symbol]*domain.SymbolFilters),
	}, nil
}

// wait blocks until the request limiter admits one more call.
func (c *Client) wait(ctx context.Context, op string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s rate limiter wait: %w: %w", op, ports.ErrContextCanceled, err)
	}
	return nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}
	mapped := classifyError(err)
	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message
	}
	// Business rejections are the caller's to report; keep them out of the error log.
	if errors.Is(mapped, ports.ErrNotionalTooSmall) || errors.Is(mapped, ports.ErrOrderNotFound) || errors.Is(mapped, ports.ErrRateLimited) {
		c.logger.Warn(ctx, operation+" rejected", fields)
	} else {
		c.logger.Error(ctx, err, operation+" failed", fields)
	}
	return fmt.Errorf("%s failed: %w: %w", operation, mapped, err)
}

// classifyError maps an SDK error to a ports sentinel.
func classifyError(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003, -1015: // Too many requests / too many orders
			return ports.ErrRateLimited
		case -1001, -1006, -1007: // Disconnected / unexpected response / timeout waiting for backend
			return ports.ErrExchangeUnavailable
		case -1021: // Timestamp for this request is outside of the recvWindow
			return ports.ErrTimeout
		case -1022, -2014, -2015: // Signature / API-key errors
			return ports.ErrAuthenticationFailed
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130:
			return ports.ErrInvalidRequest
		case -2010: // New order rejected
			return ports.ErrOrderPlacementFailed
		case -2011, -2013: // Cancel rejected / order does not exist
			return ports.ErrOrderNotFound
		case -2019, -3005, -4047: // Margin is insufficient
			return ports.ErrInsufficientFunds
		case -2022: // ReduceOnly Order is rejected
			return ports.ErrReduceOnlyRejected
		case -4003, -4014, -4015: // Qty / price / leverage out of range
			return ports.ErrInvalidRequest
		case -4044: // Position not found
			return ports.ErrPositionNotFound
		case -4164: // Order's notional must be no smaller than the minimum
			return ports.ErrNotionalTooSmall
		default:
			return ports.ErrUnknown
		}
	}

	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ports.ErrTimeout
	case errors.Is(err, context.Canceled):
		return ports.ErrContextCanceled
	case strings.Contains(msg, "use of closed network connection"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset by peer"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "EOF"):
		return ports.ErrConnectionFailed
	default:
		return ports.ErrUnknown
	}
}

// GetPrice retrieves the current mark price for a given symbol.
func (c *Client) GetPrice(ctx context.Context, symbol domain.Symbol) (float64, error) {
	op := "GetPrice"
	idx, err := c.premiumIndex(ctx, op, symbol)
	if err != nil {
		return 0, err
	}
	price, err := strconv.ParseFloat(idx.MarkPrice, 64)
	if err != nil || price <= 0 {
		return 0, c.handleError(ctx, fmt.Errorf("could not parse price '%s' for %s", idx.MarkPrice, symbol), op)
	}
	return price, nil
}

// GetFundingRate returns the last funding rate for a symbol.
func (c *Client) GetFundingRate(ctx context.Context, symbol domain.Symbol) (float64, error) {
	op := "GetFundingRate"
	idx, err := c.premiumIndex(ctx, op, symbol)
	if err != nil {
		return 0, err
	}
	rate, err := strconv.ParseFloat(idx.LastFundingRate, 64)
	if err != nil {
		return 0, c.handleError(ctx, fmt.Errorf("could not parse funding rate '%s': %w", idx.LastFundingRate, err), op)
	}
	return rate, nil
}

func (c *Client) premiumIndex(ctx context.Context, op string, symbol domain.Symbol) (*futures.PremiumIndex, error) {
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	res, err := c.futuresClient.NewPremiumIndexService().Symbol(symbol.String()).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	for _, idx := range res {
		if idx != nil && idx.Symbol == symbol.String() {
			return idx, nil
		}
	}
	return nil, c.handleError(ctx, fmt.Errorf("no premium index returned for symbol %s: %w", symbol, ports.ErrNotFound), op)
}

// GetKlines retrieves historical klines/candlestick data for the given symbol.
func (c *Client) GetKlines(ctx context.Context, symbol domain.Symbol, interval string, limit int) ([]*domain.Kline, error) {
	op := "GetKlines"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	binanceKlines, err := c.futuresClient.NewKlinesService().Symbol(symbol.String()).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	return translateKlines(binanceKlines, symbol, interval)
}

// GetKlinesRange fetches all klines for a symbol/interval between start and end time.
func (c *Client) GetKlinesRange(ctx context.Context, symbol domain.Symbol, interval string, start, end time.Time) ([]*domain.Kline, error) {
	op := "GetKlinesRange"
	var allKlines []*domain.Kline
	const maxLimit = 1500
	from := start

	for {
		if err := c.wait(ctx, op); err != nil {
			return nil, err
		}
		klines, err := c.futuresClient.NewKlinesService().
			Symbol(symbol.String()).
			Interval(interval).
			StartTime(from.UnixMilli()).
			EndTime(end.UnixMilli()).
			Limit(maxLimit).
			Do(ctx)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		if len(klines) == 0 {
			break
		}
		batch, err := translateKlines(klines, symbol, interval)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		allKlines = append(allKlines, batch...)
		from = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		if from.After(end) || len(klines) < maxLimit {
			break
		}
	}
	return allKlines, nil
}

// GetPositions returns every non-zero position on the account.
func (c *Client) GetPositions(ctx context.Context) ([]*domain.Position, error) {
	op := "GetPositions"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	risks, err := c.futuresClient.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	positions := make([]*domain.Position, 0, len(risks))
	for _, r := range risks {
		if p := translatePositionRisk(r); p != nil {
			positions = append(positions, p)
		}
	}
	return positions, nil
}

// GetSymbolFilters returns lot step, minimum quantity, minimum notional and
// tick size for a symbol. Exchange info is cached for an hour.
func (c *Client) GetSymbolFilters(ctx context.Context, symbol domain.Symbol) (*domain.SymbolFilters, error) {
	op := "GetSymbolFilters"
	c.filtersMu.Lock()
	defer c.filtersMu.Unlock()

	if f, ok := c.filters[symbol]; ok && time.Since(c.filtersFetched) < filterCacheTTL {
		copied := *f
		return &copied, nil
	}

	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	info, err := c.futuresClient.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	fresh := make(map[domain.Symbol]*domain.SymbolFilters, len(info.Symbols))
	for i := range info.Symbols {
		f, err := translateFilters(&info.Symbols[i])
		if err != nil {
			c.logger.Warn(ctx, op+": Skipping symbol with unreadable filters", map[string]interface{}{
				"symbol": info.Symbols[i].Symbol,
				"error":  err.Error(),
			})
			continue
		}
		fresh[f.Symbol] = f
	}
	c.filters = fresh
	c.filtersFetched = time.Now()

	f, ok := c.filters[symbol]
	if !ok {
		return nil, fmt.Errorf("%s failed: symbol %s: %w", op, symbol, ports.ErrNotFound)
	}
	copied := *f
	return &copied, nil
}

// cachedFilters returns cached filters without a network call.
func (c *Client) cachedFilters(symbol domain.Symbol) *domain.SymbolFilters {
	c.filtersMu.Lock()
	defer c.filtersMu.Unlock()
	return c.filters[symbol]
}

// SetLeverage sets the leverage for a specific symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol domain.Symbol, leverage int) error {
	op := "SetLeverage"
	if err := c.wait(ctx, op); err != nil {
		return err
	}
	_, err := c.futuresClient.NewChangeLeverageService().
		Symbol(symbol.String()).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "leverage": leverage})
	return nil
}

// PlaceMarketOrder places a market order, optionally reduce-only.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol domain.Symbol, side domain.OrderSide, quantity float64, reduceOnly bool) (*ports.OrderResponse, error) {
	op := "PlaceMarketOrder"
	qty := formatQuantity(quantity, c.cachedFilters(symbol))
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}

	svc := c.futuresClient.NewCreateOrderService().
		Symbol(symbol.String()).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeMarket).
		Quantity(qty)
	if reduceOnly {
		svc = svc.ReduceOnly(true)
	}
	order, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	resp := translateOrderResponse(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol":     symbol,
		"side":       side,
		"quantity":   qty,
		"reduceOnly": reduceOnly,
		"orderID":    resp.OrderID,
	})
	return resp, nil
}

// PlaceStopLoss places a close-position stop-market order.
func (c *Client) PlaceStopLoss(ctx context.Context, symbol domain.Symbol, positionSide domain.Side, stopPrice float64) (*ports.OrderResponse, error) {
	return c.placeConditional(ctx, "PlaceStopLoss", symbol, positionSide, futures.OrderTypeStopMarket, stopPrice)
}

// PlaceTakeProfit places a close-position take-profit-market order.
func (c *Client) PlaceTakeProfit(ctx context.Context, symbol domain.Symbol, positionSide domain.Side, stopPrice float64) (*ports.OrderResponse, error) {
	return c.placeConditional(ctx, "PlaceTakeProfit", symbol, positionSide, futures.OrderTypeTakeProfitMarket, stopPrice)
}

func (c *Client) placeConditional(ctx context.Context, op string, symbol domain.Symbol, positionSide domain.Side, orderType futures.OrderType, stopPrice float64) (*ports.OrderResponse, error) {
	price := formatPrice(stopPrice, c.cachedFilters(symbol))
	side := positionSide.ExitOrderSide()
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}

	order, err := c.futuresClient.NewCreateOrderService().
		Symbol(symbol.String()).
		Side(futures.SideType(side)).
		Type(orderType).
		StopPrice(price).
		ClosePosition(true).
		WorkingType(futures.WorkingTypeMarkPrice).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	resp := translateOrderResponse(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol":    symbol,
		"side":      side,
		"stopPrice": price,
		"orderID":   resp.OrderID,
		"status":    resp.Status,
	})
	return resp, nil
}

// GetOpenConditionalOrders lists resting stop-market and take-profit-market orders.
func (c *Client) GetOpenConditionalOrders(ctx context.Context, symbol domain.Symbol) ([]*domain.ConditionalOrder, error) {
	op := "GetOpenConditionalOrders"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	orders, err := c.futuresClient.NewListOpenOrdersService().Symbol(symbol.String()).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	out := make([]*domain.ConditionalOrder, 0, len(orders))
	for _, o := range orders {
		if co := translateConditional(o); co != nil {
			out = append(out, co)
		}
	}
	return out, nil
}

// CancelOrder cancels an open order on Binance.
func (c *Client) CancelOrder(ctx context.Context, symbol domain.Symbol, orderID int64) error {
	op := "CancelOrder"
	if err := c.wait(ctx, op); err != nil {
		return err
	}
	res, err := c.futuresClient.NewCancelOrderService().
		Symbol(symbol.String()).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "orderID": orderID, "status": res.Status})
	return nil
}

// GetAccountBalance returns the wallet and available balance of the quote asset.
func (c *Client) GetAccountBalance(ctx context.Context) (*domain.AccountBalance, error) {
	op := "GetAccountBalance"
	if err := c.wait(ctx, op); err != nil {
		return nil, err
	}
	account, err := c.futuresClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	for _, bal := range account.Assets {
		if bal.Asset != c.quoteAsset {
			continue
		}
		wallet, err := strconv.ParseFloat(bal.WalletBalance, 64)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("could not parse wallet balance '%s': %w", bal.WalletBalance, err), op)
		}
		available, err := strconv.ParseFloat(bal.AvailableBalance, 64)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("could not parse available balance '%s': %w", bal.AvailableBalance, err), op)
		}
		return &domain.AccountBalance{Asset: bal.Asset, Wallet: wallet, Available: available}, nil
	}
	return nil, c.handleError(ctx, fmt.Errorf("asset %s not found in account balance: %w", c.quoteAsset, ports.ErrNotFound), op)
}
