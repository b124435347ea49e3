package sentiment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/spotbot/internal/indicators"
	"github.com/web3guy0/spotbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SENTIMENT CLIENT - External market analysis service
// ═══════════════════════════════════════════════════════════════════════════════
//
// Posts the market window to the analysis endpoint and decodes a structured
// {sentiment, trend, confidence} reply. Anything unusable yields nil and the
// gate answers SIGNAL_UNAVAILABLE.
//
// ═══════════════════════════════════════════════════════════════════════════════

const maxReplyBytes = 1 << 20

// MarketData is the request body sent to the service
type MarketData struct {
	Symbol     string            `json:"symbol"`
	Price      float64           `json:"price"`
	Prices     []float64         `json:"prices"`
	Volumes    []float64         `json:"volumes"`
	Indicators indicators.Bundle `json:"indicators"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Client queries the analysis service
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a client. An empty url disables it.
func NewClient(url, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:        url,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether an endpoint is configured
func (c *Client) Enabled() bool {
	return c.url != ""
}

// Analyze returns the service's reading for data, or nil
func (c *Client) Analyze(ctx context.Context, data MarketData) *types.Sentiment {
	if !c.Enabled() {
		log.Debug().Msg("Sentiment service not configured")
		return nil
	}

	s, err := c.fetch(ctx, data)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Sentiment unavailable")
		return nil
	}

	log.Info().
		Str("sentiment", string(s.Category)).
		Str("trend", string(s.Trend)).
		Float64("confidence", s.Confidence).
		Msg("🧠 Sentiment received")
	return s
}

func (c *Client) fetch(ctx context.Context, data MarketData) (*types.Sentiment, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(reply)))
	}

	return Parse(reply)
}

// Parse decodes and validates a reply
func Parse(reply []byte) (*types.Sentiment, error) {
	var s types.Sentiment
	if err := json.Unmarshal(reply, &s); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	s.Category = types.SentimentCategory(strings.ToLower(strings.TrimSpace(string(s.Category))))
	s.Trend = types.TrendDirection(strings.ToLower(strings.TrimSpace(string(s.Trend))))

	if !s.Valid() {
		return nil, fmt.Errorf("malformed reply: %+v", s)
	}
	return &s, nil
}
