package exec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey    = "test-key"
	testSecret = "test-secret"
)

func newTestClient(t *testing.T, dryRun bool, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:        srv.URL,
		APIKey:         testKey,
		APISecret:      testSecret,
		DryRun:         dryRun,
		DryRunBalance:  decimal.NewFromInt(1000),
		Timeout:        5 * time.Second,
		RequestsPerSec: 1000,
	})
}

func TestGetKlines(t *testing.T) {
	c := newTestClient(t, true, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "5m", r.URL.Query().Get("interval"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		fmt.Fprint(w, `[
			[1700000000000,"100.0","110.0","95.0","105.5","12.5",1700000299999,"0",10,"0","0","0"],
			[1700000300000,"105.5","108.0","104.0","107.25","8",1700000599999,"0",10,"0","0","0"]
		]`)
	})

	klines, err := c.GetKlines(context.Background(), "BTCUSDT", "5m", 2)
	require.NoError(t, err)
	require.Len(t, klines, 2)
	assert.Equal(t, "105.5", klines[0].Close.String())
	assert.Equal(t, "8", klines[1].Volume.String())
	assert.Equal(t, int64(1700000300000), klines[1].OpenTime.UnixMilli())

	prices, volumes := Series(klines)
	assert.Equal(t, []float64{105.5, 107.25}, prices)
	assert.Equal(t, []float64{12.5, 8}, volumes)
}

func TestGet24hTicker(t *testing.T) {
	c := newTestClient(t, true, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/24hr", r.URL.Path)
		fmt.Fprint(w, `{"symbol":"BTCUSDT","lastPrice":"43000.10","priceChangePercent":"-2.350","volume":"25000.5","quoteVolume":"1075000000"}`)
	})

	tk, err := c.Get24hTicker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "-2.35", tk.PriceChangePercent.String())
	assert.Equal(t, "25000.5", tk.Volume.String())
	assert.Equal(t, "43000.1", tk.LastPrice.String())
}

func TestGetPrice_RejectsZero(t *testing.T) {
	c := newTestClient(t, true, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"symbol":"BTCUSDT","price":"0.00000000"}`)
	})

	_, err := c.GetPrice(context.Background(), "BTCUSDT")
	assert.Error(t, err)
}

func TestAPIError(t *testing.T) {
	c := newTestClient(t, true, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-1121,"msg":"Invalid symbol."}`)
	})

	_, err := c.GetPrice(context.Background(), "NOPE")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, -1121, apiErr.Code)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestValidateSymbol(t *testing.T) {
	c := newTestClient(t, true, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("symbol") {
		case "BTCUSDT":
			fmt.Fprint(w, `{"symbols":[{"symbol":"BTCUSDT","status":"TRADING"}]}`)
		default:
			fmt.Fprint(w, `{"symbols":[{"symbol":"LUNAUSDT","status":"BREAK"}]}`)
		}
	})

	require.NoError(t, c.ValidateSymbol(context.Background(), "BTCUSDT"))
	err := c.ValidateSymbol(context.Background(), "LUNAUSDT")
	assert.True(t, errors.Is(err, ErrSymbolNotTrading))
}

func TestSyncTime(t *testing.T) {
	ahead := 3 * time.Second
	c := newTestClient(t, true, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"serverTime":%d}`, time.Now().Add(ahead).UnixMilli())
	})

	offset, err := c.SyncTime(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, ahead.Seconds(), offset.Seconds(), 0.5)
	assert.Equal(t, offset, c.TimeOffset())
}

func TestMarketOrder_Signed(t *testing.T) {
	c := newTestClient(t, false, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/order", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, testKey, r.Header.Get("X-MBX-APIKEY"))

		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "MARKET", r.PostForm.Get("type"))
		assert.Equal(t, "BUY", r.PostForm.Get("side"))
		assert.Equal(t, "0.002", r.PostForm.Get("quantity"))
		assert.NotEmpty(t, r.PostForm.Get("timestamp"))
		assert.NotEmpty(t, r.PostForm.Get("signature"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"orderId":12345,"symbol":"BTCUSDT","side":"BUY","executedQty":"0.002","cummulativeQuoteQty":"86.00"}`)
	})

	res, err := c.MarketOrder(context.Background(), "BTCUSDT", SideBuy, decimal.RequireFromString("0.002"))
	require.NoError(t, err)
	assert.Equal(t, "12345", res.OrderID)
	assert.False(t, res.DryRun)
	assert.Equal(t, "43000", res.AvgPrice.String())
}

func TestMarketOrder_BaseAssetCommission(t *testing.T) {
	c := newTestClient(t, false, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"orderId":7,"symbol":"BTCUSDT","side":"BUY","executedQty":"0.002","cummulativeQuoteQty":"86.00",
			"fills":[{"price":"43000","qty":"0.0015","commission":"0.0000015","commissionAsset":"BTC"},
			         {"price":"43000","qty":"0.0005","commission":"0.0000005","commissionAsset":"BTC"}]}`)
	})

	res, err := c.MarketOrder(context.Background(), "BTCUSDT", SideBuy, decimal.RequireFromString("0.002"))
	require.NoError(t, err)
	assert.Equal(t, "0.002", res.ExecutedQty.String())
	assert.Equal(t, "0.000002", res.Fees["BTC"].String())
	assert.Equal(t, "0.001998", res.NetQty("BTC").String())
}

func TestOrderResult_NetQty(t *testing.T) {
	fees := map[string]decimal.Decimal{"BNB": decimal.RequireFromString("0.01")}
	buy := OrderResult{Side: SideBuy, ExecutedQty: decimal.NewFromInt(1), Fees: fees}
	assert.Equal(t, "1", buy.NetQty("BTC").String(), "fee paid in BNB leaves the base untouched")

	sell := OrderResult{Side: SideSell, ExecutedQty: decimal.NewFromInt(1),
		Fees: map[string]decimal.Decimal{"USDT": decimal.NewFromInt(1)}}
	assert.Equal(t, "1", sell.NetQty("BTC").String())
}

func TestMarketOrder_SignatureMatches(t *testing.T) {
	c := newTestClient(t, false, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		payload := string(body)

		idx := strings.LastIndex(payload, "&signature=")
		if !assert.Positive(t, idx) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, sign(testSecret, payload[:idx]), payload[idx+len("&signature="):])

		fmt.Fprint(w, `{"orderId":1,"symbol":"BTCUSDT","side":"SELL","executedQty":"1","cummulativeQuoteQty":"100"}`)
	})

	_, err := c.MarketOrder(context.Background(), "BTCUSDT", SideSell, decimal.NewFromInt(1))
	require.NoError(t, err)
}

func TestMarketOrder_DryRun(t *testing.T) {
	var orderCalls int
	c := newTestClient(t, true, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/order" {
			orderCalls++
		}
		fmt.Fprint(w, `{"symbol":"BTCUSDT","price":"50000"}`)
	})

	res, err := c.MarketOrder(context.Background(), "BTCUSDT", SideBuy, decimal.RequireFromString("0.002"))
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.True(t, strings.HasPrefix(res.OrderID, "DRY_"))
	assert.Equal(t, "50000", res.AvgPrice.String())
	assert.Equal(t, "100", res.QuoteQty.String())
	assert.Zero(t, orderCalls)

	bal, err := c.GetFreeBalance(context.Background(), "USDT")
	require.NoError(t, err)
	assert.Equal(t, "1000", bal.String())
}

func TestMarketOrder_RejectsBadInput(t *testing.T) {
	c := newTestClient(t, true, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})

	_, err := c.MarketOrder(context.Background(), "BTCUSDT", "HOLD", decimal.NewFromInt(1))
	assert.Error(t, err)
	_, err = c.MarketOrder(context.Background(), "BTCUSDT", SideBuy, decimal.Zero)
	assert.Error(t, err)
}

func TestGetFreeBalance_Live(t *testing.T) {
	c := newTestClient(t, false, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/account", r.URL.Path)
		assert.NotEmpty(t, r.URL.Query().Get("signature"))
		fmt.Fprint(w, `{"balances":[{"asset":"BTC","free":"0.1"},{"asset":"USDT","free":"250.75"}]}`)
	})

	bal, err := c.GetFreeBalance(context.Background(), "USDT")
	require.NoError(t, err)
	assert.Equal(t, "250.75", bal.String())

	bal, err = c.GetFreeBalance(context.Background(), "ETH")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}
