package exec

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BINANCE SPOT EXECUTION CLIENT
// ═══════════════════════════════════════════════════════════════════════════════
//
// Market data, account balance and MARKET orders over the Binance REST API.
// Signed endpoints use HMAC-SHA256 over the query string with a timestamp
// corrected by the last server time sync.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	BinanceREST = "https://api.binance.com"

	recvWindow    = 5000
	maxClockDrift = time.Second
)

// Order sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// ErrSymbolNotTrading is returned when the pair is unknown or halted
var ErrSymbolNotTrading = errors.New("symbol not trading")

// APIError is an error reply from Binance
type APIError struct {
	Status int
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance HTTP %d: code %d: %s", e.Status, e.Code, e.Msg)
}

// Config for the client
type Config struct {
	BaseURL        string
	APIKey         string
	APISecret      string
	DryRun         bool
	DryRunBalance  decimal.Decimal // Quote balance reported in dry run
	Timeout        time.Duration
	RequestsPerSec float64
}

// Client talks to the Binance spot API
type Client struct {
	baseURL       string
	apiKey        string
	apiSecret     string
	dryRun        bool
	dryRunBalance decimal.Decimal
	httpClient    *http.Client
	limiter       *rate.Limiter

	mu         sync.RWMutex
	timeOffset time.Duration
}

// Kline represents a candlestick
type Kline struct {
	OpenTime  time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	CloseTime time.Time
}

// Ticker24h is the rolling 24h window of a symbol
type Ticker24h struct {
	Symbol             string
	LastPrice          decimal.Decimal
	PriceChangePercent decimal.Decimal
	Volume             decimal.Decimal // Base asset
	QuoteVolume        decimal.Decimal
}

// OrderResult is a filled MARKET order
type OrderResult struct {
	OrderID     string
	Symbol      string
	Side        string
	ExecutedQty decimal.Decimal
	QuoteQty    decimal.Decimal
	AvgPrice    decimal.Decimal
	Fees        map[string]decimal.Decimal // Commission per asset
	DryRun      bool
}

// NetQty is the base quantity the account actually gained or gave up. A BUY
// charged in the base asset credits ExecutedQty minus the commission.
func (o OrderResult) NetQty(baseAsset string) decimal.Decimal {
	if o.Side != SideBuy {
		return o.ExecutedQty
	}
	return o.ExecutedQty.Sub(o.Fees[baseAsset])
}

// NewClient creates a new execution client
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = BinanceREST
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 10
	}

	c := &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		apiSecret:     cfg.APISecret,
		dryRun:        cfg.DryRun,
		dryRunBalance: cfg.DryRunBalance,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		limiter:       rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), max(1, int(cfg.RequestsPerSec)*2)),
	}

	mode := "DRY RUN"
	if !cfg.DryRun {
		mode = "LIVE"
	}
	log.Info().
		Str("mode", mode).
		Str("url", c.baseURL).
		Msg("🚀 Execution client initialized")

	return c
}

// IsDryRun returns true if in dry run mode
func (c *Client) IsDryRun() bool {
	return c.dryRun
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONNECTIVITY
// ═══════════════════════════════════════════════════════════════════════════════

// Ping checks the API is reachable
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.get(ctx, "/api/v3/ping", nil)
	return err
}

// SyncTime measures the offset between the exchange clock and ours and uses it
// for every signed request afterwards
func (c *Client) SyncTime(ctx context.Context) (time.Duration, error) {
	body, err := c.get(ctx, "/api/v3/time", nil)
	if err != nil {
		return 0, fmt.Errorf("server time: %w", err)
	}

	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("parse server time: %w", err)
	}

	offset := time.UnixMilli(res.ServerTime).Sub(time.Now())

	c.mu.Lock()
	c.timeOffset = offset
	c.mu.Unlock()

	if offset > maxClockDrift || offset < -maxClockDrift {
		log.Warn().Dur("offset", offset).Msg("⏱️ Clock drift detected, adjusting request timestamps")
	} else {
		log.Debug().Dur("offset", offset).Msg("Time synced")
	}
	return offset, nil
}

// TimeOffset returns the last measured clock offset
func (c *Client) TimeOffset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timeOffset
}

// ValidateSymbol checks the pair exists and is trading
func (c *Client) ValidateSymbol(ctx context.Context, symbol string) error {
	body, err := c.get(ctx, "/api/v3/exchangeInfo", url.Values{"symbol": {symbol}})
	if err != nil {
		return fmt.Errorf("exchange info: %w", err)
	}

	var res struct {
		Symbols []struct {
			Symbol string `json:"symbol"`
			Status string `json:"status"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return fmt.Errorf("parse exchange info: %w", err)
	}
	for _, s := range res.Symbols {
		if s.Symbol == symbol && s.Status == "TRADING" {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrSymbolNotTrading, symbol)
}

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET DATA
// ═══════════════════════════════════════════════════════════════════════════════

// GetKlines fetches historical klines, oldest first
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	body, err := c.get(ctx, "/api/v3/klines", url.Values{
		"symbol":   {symbol},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	})
	if err != nil {
		return nil, fmt.Errorf("klines: %w", err)
	}

	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse klines: %w", err)
	}

	klines := make([]Kline, 0, len(raw))
	for i, k := range raw {
		if len(k) < 7 {
			return nil, fmt.Errorf("kline %d: %d fields", i, len(k))
		}
		var fields [5]decimal.Decimal
		for j := range fields {
			s, _ := k[j+1].(string)
			v, err := decimal.NewFromString(s)
			if err != nil {
				return nil, fmt.Errorf("kline %d field %d: %w", i, j+1, err)
			}
			fields[j] = v
		}
		openTime, _ := k[0].(float64)
		closeTime, _ := k[6].(float64)

		klines = append(klines, Kline{
			OpenTime:  time.UnixMilli(int64(openTime)),
			Open:      fields[0],
			High:      fields[1],
			Low:       fields[2],
			Close:     fields[3],
			Volume:    fields[4],
			CloseTime: time.UnixMilli(int64(closeTime)),
		})
	}

	return klines, nil
}

// Series splits klines into close prices and volumes for the indicators
func Series(klines []Kline) (prices, volumes []float64) {
	prices = make([]float64, len(klines))
	volumes = make([]float64, len(klines))
	for i, k := range klines {
		prices[i] = k.Close.InexactFloat64()
		volumes[i] = k.Volume.InexactFloat64()
	}
	return prices, volumes
}

// Get24hTicker fetches the rolling 24h statistics
func (c *Client) Get24hTicker(ctx context.Context, symbol string) (Ticker24h, error) {
	body, err := c.get(ctx, "/api/v3/ticker/24hr", url.Values{"symbol": {symbol}})
	if err != nil {
		return Ticker24h{}, fmt.Errorf("24h ticker: %w", err)
	}

	var raw struct {
		Symbol             string          `json:"symbol"`
		LastPrice          decimal.Decimal `json:"lastPrice"`
		PriceChangePercent decimal.Decimal `json:"priceChangePercent"`
		Volume             decimal.Decimal `json:"volume"`
		QuoteVolume        decimal.Decimal `json:"quoteVolume"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Ticker24h{}, fmt.Errorf("parse 24h ticker: %w", err)
	}

	return Ticker24h{
		Symbol:             raw.Symbol,
		LastPrice:          raw.LastPrice,
		PriceChangePercent: raw.PriceChangePercent,
		Volume:             raw.Volume,
		QuoteVolume:        raw.QuoteVolume,
	}, nil
}

// GetPrice fetches the latest traded price
func (c *Client) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	body, err := c.get(ctx, "/api/v3/ticker/price", url.Values{"symbol": {symbol}})
	if err != nil {
		return decimal.Zero, fmt.Errorf("price: %w", err)
	}

	var res struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return decimal.Zero, fmt.Errorf("parse price: %w", err)
	}
	if !res.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("price: non-positive %s", res.Price)
	}
	return res.Price, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// ACCOUNT & ORDERS
// ═══════════════════════════════════════════════════════════════════════════════

// GetFreeBalance returns the free balance of asset
func (c *Client) GetFreeBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	if c.dryRun {
		return c.dryRunBalance, nil
	}

	body, err := c.signed(ctx, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return decimal.Zero, fmt.Errorf("account: %w", err)
	}

	var res struct {
		Balances []struct {
			Asset string          `json:"asset"`
			Free  decimal.Decimal `json:"free"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return decimal.Zero, fmt.Errorf("parse account: %w", err)
	}
	for _, b := range res.Balances {
		if b.Asset == asset {
			return b.Free, nil
		}
	}
	return decimal.Zero, nil
}

// MarketOrder places a MARKET order for quantity of the base asset
func (c *Client) MarketOrder(ctx context.Context, symbol, side string, quantity decimal.Decimal) (OrderResult, error) {
	if side != SideBuy && side != SideSell {
		return OrderResult{}, fmt.Errorf("invalid side %q", side)
	}
	if !quantity.IsPositive() {
		return OrderResult{}, fmt.Errorf("invalid quantity %s", quantity)
	}

	if c.dryRun {
		price, err := c.GetPrice(ctx, symbol)
		if err != nil {
			return OrderResult{}, fmt.Errorf("dry run fill price: %w", err)
		}
		res := OrderResult{
			OrderID:     "DRY_" + uuid.NewString(),
			Symbol:      symbol,
			Side:        side,
			ExecutedQty: quantity,
			QuoteQty:    quantity.Mul(price),
			AvgPrice:    price,
			DryRun:      true,
		}
		log.Info().
			Str("order_id", res.OrderID).
			Str("side", side).
			Str("qty", quantity.String()).
			Str("price", price.StringFixed(2)).
			Msg("📝 DRY RUN: Order would be placed")
		return res, nil
	}

	body, err := c.signed(ctx, http.MethodPost, "/api/v3/order", url.Values{
		"symbol":           {symbol},
		"side":             {side},
		"type":             {"MARKET"},
		"quantity":         {quantity.String()},
		"newOrderRespType": {"FULL"},
	})
	if err != nil {
		return OrderResult{}, fmt.Errorf("order %s %s: %w", side, quantity, err)
	}

	var raw struct {
		OrderID     int64           `json:"orderId"`
		Symbol      string          `json:"symbol"`
		Side        string          `json:"side"`
		ExecutedQty decimal.Decimal `json:"executedQty"`
		QuoteQty    decimal.Decimal `json:"cummulativeQuoteQty"`
		Fills       []struct {
			Commission      decimal.Decimal `json:"commission"`
			CommissionAsset string          `json:"commissionAsset"`
		} `json:"fills"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return OrderResult{}, fmt.Errorf("parse order: %w", err)
	}

	fees := make(map[string]decimal.Decimal)
	for _, f := range raw.Fills {
		fees[f.CommissionAsset] = fees[f.CommissionAsset].Add(f.Commission)
	}

	res := OrderResult{
		OrderID:     strconv.FormatInt(raw.OrderID, 10),
		Symbol:      raw.Symbol,
		Side:        raw.Side,
		ExecutedQty: raw.ExecutedQty,
		QuoteQty:    raw.QuoteQty,
		Fees:        fees,
	}
	if raw.ExecutedQty.IsPositive() {
		res.AvgPrice = raw.QuoteQty.Div(raw.ExecutedQty)
	}

	log.Info().
		Str("order_id", res.OrderID).
		Str("side", res.Side).
		Str("qty", res.ExecutedQty.String()).
		Str("avg_price", res.AvgPrice.StringFixed(2)).
		Msg("✅ Order filled")

	return res, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// HTTP HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return c.doRequest(req)
}

func (c *Client) signed(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if c.apiKey == "" || c.apiSecret == "" {
		return nil, errors.New("api credentials not configured")
	}

	ts := time.Now().Add(c.TimeOffset()).UnixMilli()
	params.Set("timestamp", strconv.FormatInt(ts, 10))
	params.Set("recvWindow", strconv.Itoa(recvWindow))
	query := params.Encode()
	query += "&signature=" + sign(c.apiSecret, query)

	var (
		req *http.Request
		err error
	)
	if method == http.MethodGet {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+query, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(query))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)
	return c.doRequest(req)
}

func (c *Client) doRequest(req *http.Request) ([]byte, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Msg == "" {
			apiErr.Msg = string(body)
		}
		return nil, apiErr
	}

	return body, nil
}

// sign returns the hex HMAC-SHA256 of payload
func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
