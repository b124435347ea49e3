package feeds

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BINANCE PRICE FEED - Real-time price of the trading pair
// ═══════════════════════════════════════════════════════════════════════════════
//
// Streams <symbol>@miniTicker over websocket and keeps the last close price.
// The position cycle reads it between ticks and falls back to REST when the
// stream has gone quiet.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	BinanceWS = "wss://stream.binance.com:9443/ws"

	defaultReconnectDelay = 5 * time.Second
	handshakeTimeout      = 10 * time.Second
)

// PriceUpdate represents a price change event
type PriceUpdate struct {
	Symbol    string
	Price     decimal.Decimal
	Timestamp time.Time
}

// BinanceFeed provides the live price of one symbol
type BinanceFeed struct {
	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	conn    *websocket.Conn

	wsURL          string
	symbol         string
	reconnectDelay time.Duration

	last PriceUpdate
}

// NewBinanceFeed creates a new Binance feed
func NewBinanceFeed(wsURL, symbol string) *BinanceFeed {
	if wsURL == "" {
		wsURL = BinanceWS
	}
	return &BinanceFeed{
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
		wsURL:          strings.TrimRight(wsURL, "/"),
		symbol:         strings.ToUpper(symbol),
		reconnectDelay: defaultReconnectDelay,
	}
}

// Start connects and keeps the stream alive until Stop
func (f *BinanceFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.runLoop()
	log.Info().Str("symbol", f.symbol).Msg("📈 Binance feed started")
}

// Stop closes the stream and waits for the read loop to exit
func (f *BinanceFeed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	close(f.stopCh)
	if f.conn != nil {
		f.conn.Close()
	}
	f.mu.Unlock()

	<-f.doneCh
	log.Info().Msg("Binance feed stopped")
}

// Latest returns the last streamed price
func (f *BinanceFeed) Latest() (PriceUpdate, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.last, f.last.Price.IsPositive()
}

// Fresh returns the last price if it is younger than maxAge at now
func (f *BinanceFeed) Fresh(now time.Time, maxAge time.Duration) (decimal.Decimal, bool) {
	last, ok := f.Latest()
	if !ok || now.Sub(last.Timestamp) > maxAge {
		return decimal.Zero, false
	}
	return last.Price, true
}

func (f *BinanceFeed) runLoop() {
	defer close(f.doneCh)

	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.connect(); err != nil {
			log.Error().Err(err).Msg("WebSocket connection failed")
		} else {
			f.readMessages()
		}

		select {
		case <-f.stopCh:
			return
		case <-time.After(f.reconnectDelay):
			log.Warn().Msg("WebSocket disconnected, reconnecting...")
		}
	}
}

func (f *BinanceFeed) connect() error {
	url := fmt.Sprintf("%s/%s@miniTicker", f.wsURL, strings.ToLower(f.symbol))

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		conn.Close()
		return fmt.Errorf("feed stopped")
	}
	f.conn = conn
	f.mu.Unlock()

	log.Info().Str("url", url).Msg("🔌 WebSocket connected to Binance")
	return nil
}

func (f *BinanceFeed) readMessages() {
	f.mu.RLock()
	conn := f.conn
	f.mu.RUnlock()

	defer func() {
		f.mu.Lock()
		if f.conn == conn {
			f.conn = nil
		}
		f.mu.Unlock()
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			f.mu.RLock()
			running := f.running
			f.mu.RUnlock()
			if running {
				log.Error().Err(err).Msg("WebSocket read error")
			}
			return
		}

		f.handleMessage(message, time.Now())
	}
}

// miniTicker is the subset of the 24hrMiniTicker event we read
type miniTicker struct {
	Event  string `json:"e"`
	Symbol string `json:"s"`
	Close  string `json:"c"`
}

func (f *BinanceFeed) handleMessage(data []byte, now time.Time) {
	var msg miniTicker
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Debug().Err(err).Msg("Unparseable feed message")
		return
	}
	if msg.Event != "24hrMiniTicker" || msg.Symbol != f.symbol {
		return
	}

	price, err := decimal.NewFromString(msg.Close)
	if err != nil || !price.IsPositive() {
		return
	}

	f.mu.Lock()
	f.last = PriceUpdate{Symbol: f.symbol, Price: price, Timestamp: now}
	f.mu.Unlock()
}
