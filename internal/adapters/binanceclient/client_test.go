package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/adshao/go-binance/v2/common"
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

// fakeExchange serves canned JSON keyed by URL path fragment and records form values.
type fakeExchange struct {
	mu       sync.Mutex
	routes   map[string]string
	statuses map[string]int
	forms    map[string][]map[string]string
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		routes:   make(map[string]string),
		statuses: make(map[string]int),
		forms:    make(map[string][]map[string]string),
	}
}

func (f *fakeExchange) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	f.mu.Lock()
	defer f.mu.Unlock()
	for frag, body := range f.routes {
		if !strings.Contains(r.URL.Path, frag) {
			continue
		}
		values := make(map[string]string)
		for k := range r.Form {
			values[k] = r.Form.Get(k)
		}
		f.forms[frag] = append(f.forms[frag], values)
		if status, ok := f.statuses[frag]; ok {
			w.WriteHeader(status)
		}
		fmt.Fprint(w, body)
		return
	}
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprint(w, `{"code":-1121,"msg":"no route"}`)
}

func (f *fakeExchange) lastForm(frag string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	forms := f.forms[frag]
	if len(forms) == 0 {
		return nil
	}
	return forms[len(forms)-1]
}

func newTestClient(t *testing.T, fake *fakeExchange) *Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	c, err := New(Config{
		APIKey:            "key",
		SecretKey:         "secret",
		BaseURL:           srv.URL,
		RequestsPerSecond: 1000,
		RequestBurst:      100,
		Logger:            &mockLogger{},
	})
	require.NoError(t, err)
	return c
}

const exchangeInfoJSON = `{"symbols":[{"symbol":"BTCUSDT","filters":[
	{"filterType":"PRICE_FILTER","tickSize":"0.10","minPrice":"0.10","maxPrice":"1000000"},
	{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001","maxQty":"1000"},
	{"filterType":"MIN_NOTIONAL","notional":"100"}]}]}`

func TestNew_RequiresLogger(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"rate limit", &common.APIError{Code: -1003}, ports.ErrRateLimited},
		{"backend timeout", &common.APIError{Code: -1007}, ports.ErrExchangeUnavailable},
		{"bad signature", &common.APIError{Code: -1022}, ports.ErrAuthenticationFailed},
		{"insufficient margin", &common.APIError{Code: -2019}, ports.ErrInsufficientFunds},
		{"unknown order", &common.APIError{Code: -2011}, ports.ErrOrderNotFound},
		{"reduce only", &common.APIError{Code: -2022}, ports.ErrReduceOnlyRejected},
		{"min notional", &common.APIError{Code: -4164}, ports.ErrNotionalTooSmall},
		{"unmapped code", &common.APIError{Code: -9999}, ports.ErrUnknown},
		{"deadline", context.DeadlineExceeded, ports.ErrTimeout},
		{"canceled", context.Canceled, ports.ErrContextCanceled},
		{"connection refused", errors.New("dial tcp: connection refused"), ports.ErrConnectionFailed},
		{"other", errors.New("boom"), ports.ErrUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyError(tt.err))
		})
	}
}

func TestHandleError_WrapsSentinelAndCause(t *testing.T) {
	c := &Client{logger: &mockLogger{}}
	apiErr := &common.APIError{Code: -4164, Message: "notional too small"}
	err := c.handleError(context.Background(), apiErr, "PlaceMarketOrder")
	assert.True(t, errors.Is(err, ports.ErrNotionalTooSmall))
	var got *common.APIError
	assert.True(t, errors.As(err, &got))
	assert.Contains(t, err.Error(), "PlaceMarketOrder failed")
	assert.NoError(t, c.handleError(context.Background(), nil, "x"))
}

func TestFormatQuantityAndPrice(t *testing.T) {
	f := &domain.SymbolFilters{StepSize: 0.001, TickSize: 0.1}
	assert.Equal(t, "0.012", formatQuantity(0.0129, f))
	assert.Equal(t, "1.000", formatQuantity(1, f))
	assert.Equal(t, "0.0129", formatQuantity(0.0129, nil))
	assert.Equal(t, "49500.3", formatPrice(49500.26, f))
	assert.Equal(t, "100.0", formatPrice(100, f))
	assert.Equal(t, "3", formatQuantity(3.7, &domain.SymbolFilters{StepSize: 1}))
}

func TestGetSymbolFilters(t *testing.T) {
	fake := newFakeExchange()
	fake.routes["/fapi/v1/exchangeInfo"] = exchangeInfoJSON
	c := newTestClient(t, fake)

	f, err := c.GetSymbolFilters(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 0.001, f.StepSize)
	assert.Equal(t, 0.001, f.MinQuantity)
	assert.Equal(t, 100.0, f.MinNotional)
	assert.Equal(t, 0.1, f.TickSize)

	// Served from cache.
	_, err = c.GetSymbolFilters(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, fake.forms["/fapi/v1/exchangeInfo"], 1)

	_, err = c.GetSymbolFilters(context.Background(), "DOGEUSDT")
	assert.True(t, errors.Is(err, ports.ErrNotFound), "got %v", err)
}

func TestGetPositions(t *testing.T) {
	fake := newFakeExchange()
	fake.routes["positionRisk"] = `[
		{"symbol":"BTCUSDT","positionAmt":"-0.010","entryPrice":"50000","markPrice":"49000","unRealizedProfit":"10","liquidationPrice":"54000","leverage":"10","isolatedMargin":"0"},
		{"symbol":"ETHUSDT","positionAmt":"0","entryPrice":"0","markPrice":"3000","unRealizedProfit":"0","liquidationPrice":"0","leverage":"5","isolatedMargin":"0"},
		{"symbol":"SOLUSDT","positionAmt":"2","entryPrice":"100","markPrice":"110","unRealizedProfit":"20","liquidationPrice":"80","leverage":"5","isolatedMargin":"42"}]`
	c := newTestClient(t, fake)

	positions, err := c.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)

	btc := positions[0]
	assert.Equal(t, domain.Symbol("BTCUSDT"), btc.Symbol)
	assert.Equal(t, domain.Short, btc.Side)
	assert.Equal(t, 0.01, btc.Amount)
	assert.Equal(t, 10, btc.Leverage)
	assert.InDelta(t, 49.0, btc.Margin, 1e-9, "cross margin falls back to notional over leverage")

	sol := positions[1]
	assert.Equal(t, domain.Long, sol.Side)
	assert.Equal(t, 42.0, sol.Margin)
}

func TestPlaceMarketOrder_FormatsQuantityToStep(t *testing.T) {
	fake := newFakeExchange()
	fake.routes["/fapi/v1/exchangeInfo"] = exchangeInfoJSON
	fake.routes["/fapi/v1/order"] = `{"orderId":7,"symbol":"BTCUSDT","status":"NEW","side":"SELL","type":"MARKET","origQty":"0.012","updateTime":1700000000000}`
	c := newTestClient(t, fake)
	ctx := context.Background()

	_, err := c.GetSymbolFilters(ctx, "BTCUSDT")
	require.NoError(t, err)

	resp, err := c.PlaceMarketOrder(ctx, "BTCUSDT", domain.Sell, 0.01234, true)
	require.NoError(t, err)
	assert.Equal(t, int64(7), resp.OrderID)
	assert.Equal(t, domain.Sell, resp.Side)

	form := fake.lastForm("/fapi/v1/order")
	require.NotNil(t, form)
	assert.Equal(t, "0.012", form["quantity"])
	assert.Equal(t, "SELL", form["side"])
	assert.Equal(t, "MARKET", form["type"])
	assert.Equal(t, "true", form["reduceOnly"])
}

func TestPlaceStopLoss_ClosePositionOnExitSide(t *testing.T) {
	fake := newFakeExchange()
	fake.routes["/fapi/v1/exchangeInfo"] = exchangeInfoJSON
	fake.routes["/fapi/v1/order"] = `{"orderId":9,"symbol":"BTCUSDT","status":"NEW","side":"BUY","type":"STOP_MARKET","stopPrice":"50500.0"}`
	c := newTestClient(t, fake)
	ctx := context.Background()
	_, err := c.GetSymbolFilters(ctx, "BTCUSDT")
	require.NoError(t, err)

	_, err = c.PlaceStopLoss(ctx, "BTCUSDT", domain.Short, 50500.04)
	require.NoError(t, err)

	form := fake.lastForm("/fapi/v1/order")
	assert.Equal(t, "BUY", form["side"])
	assert.Equal(t, "STOP_MARKET", form["type"])
	assert.Equal(t, "50500.0", form["stopPrice"])
	assert.Equal(t, "true", form["closePosition"])
}

func TestPlaceMarketOrder_MinNotionalRejection(t *testing.T) {
	fake := newFakeExchange()
	fake.routes["/fapi/v1/order"] = `{"code":-4164,"msg":"Order's notional must be no smaller than 100"}`
	fake.statuses["/fapi/v1/order"] = http.StatusBadRequest
	c := newTestClient(t, fake)

	_, err := c.PlaceMarketOrder(context.Background(), "BTCUSDT", domain.Buy, 0.001, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrNotionalTooSmall), "got %v", err)
	assert.False(t, ports.IsTransient(err))
}

func TestGetOpenConditionalOrders_FiltersProtectiveOrders(t *testing.T) {
	fake := newFakeExchange()
	fake.routes["/fapi/v1/openOrders"] = `[
		{"orderId":1,"symbol":"BTCUSDT","side":"SELL","type":"STOP_MARKET","stopPrice":"49000"},
		{"orderId":2,"symbol":"BTCUSDT","side":"SELL","type":"LIMIT","stopPrice":"0"},
		{"orderId":3,"symbol":"BTCUSDT","side":"SELL","type":"TAKE_PROFIT_MARKET","stopPrice":"52000"}]`
	c := newTestClient(t, fake)

	orders, err := c.GetOpenConditionalOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, domain.ConditionalStopLoss, orders[0].Type)
	assert.Equal(t, 49000.0, orders[0].StopPrice)
	assert.Equal(t, domain.ConditionalTakeProfit, orders[1].Type)
}

func TestGetAccountBalance(t *testing.T) {
	fake := newFakeExchange()
	fake.routes["/account"] = `{"assets":[
		{"asset":"BNB","walletBalance":"1","availableBalance":"1"},
		{"asset":"USDT","walletBalance":"120.5","availableBalance":"80.25"}]}`
	c := newTestClient(t, fake)

	bal, err := c.GetAccountBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "USDT", bal.Asset)
	assert.Equal(t, 120.5, bal.Wallet)
	assert.Equal(t, 80.25, bal.Available)
}

func TestGetPriceAndFunding(t *testing.T) {
	fake := newFakeExchange()
	fake.routes["/fapi/v1/premiumIndex"] = `[{"symbol":"BTCUSDT","markPrice":"50123.4","lastFundingRate":"0.00015","nextFundingTime":0,"time":0}]`
	c := newTestClient(t, fake)
	ctx := context.Background()

	price, err := c.GetPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 50123.4, price)

	rate, err := c.GetFundingRate(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 0.00015, rate)

	_, err = c.GetPrice(ctx, "ETHUSDT")
	assert.True(t, errors.Is(err, ports.ErrNotFound), "got %v", err)
}

func TestGetKlines(t *testing.T) {
	fake := newFakeExchange()
	fake.routes["/fapi/v1/klines"] = `[
		[1700000000000,"100","110","90","105","12.5",1700000299999,"0",10,"0","0","0"],
		[1700000300000,"105","108","101","107","8",1700000599999,"0",10,"0","0","0"]]`
	c := newTestClient(t, fake)

	klines, err := c.GetKlines(context.Background(), "BTCUSDT", "5m", 2)
	require.NoError(t, err)
	require.Len(t, klines, 2)
	assert.Equal(t, 105.0, klines[0].Close)
	assert.Equal(t, 12.5, klines[0].Volume)
	assert.Equal(t, "5m", klines[1].Interval)
	assert.Equal(t, domain.Symbol("BTCUSDT"), klines[1].Symbol)
	assert.True(t, klines[1].IsFinal)
}

func TestCancelOrder_NotFound(t *testing.T) {
	fake := newFakeExchange()
	fake.routes["/fapi/v1/order"] = `{"code":-2011,"msg":"Unknown order sent."}`
	fake.statuses["/fapi/v1/order"] = http.StatusBadRequest
	c := newTestClient(t, fake)

	err := c.CancelOrder(context.Background(), "BTCUSDT", 5)
	assert.True(t, errors.Is(err, ports.ErrOrderNotFound), "got %v", err)
}
