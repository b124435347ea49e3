package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/web3guy0/spotbot/risk"
	"github.com/web3guy0/spotbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STATUS API - Read-only view of the running bot
// ═══════════════════════════════════════════════════════════════════════════════
//
//   GET /health     liveness
//   GET /status     engine status
//   GET /positions  open positions
//   GET /risk       daily trade counter and cooldown clock
//   GET /trades     journal rows, newest first (?limit=, max 100)
//   GET /stats      realized stats
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	defaultTradesLimit = 20
	maxTradesLimit     = 100
)

// Provider supplies the data served by the API
type Provider interface {
	Status() types.BotStatus
	RiskSnapshot() risk.Snapshot
	BreakerStats() risk.BreakerStats
	GetOpenPositions() ([]types.PositionRecord, error)
	GetRecentTrades(limit int) ([]types.TradeRecord, error)
	GetStats() (types.TradeStats, error)
}

// Response is the envelope of every reply
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Server is the HTTP status API
type Server struct {
	provider Provider
	router   *gin.Engine
	srv      *http.Server
}

// NewServer builds the router. requestsPerSec <= 0 disables rate limiting.
func NewServer(addr string, provider Provider, requestsPerSec float64) *Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(requestLogger())
	if requestsPerSec > 0 {
		router.Use(rateLimit(rate.NewLimiter(rate.Limit(requestsPerSec), int(requestsPerSec)+1)))
	}

	s := &Server{
		provider: provider,
		router:   router,
		srv: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}

	router.GET("/health", s.health)
	router.GET("/status", s.status)
	router.GET("/positions", s.positions)
	router.GET("/risk", s.riskState)
	router.GET("/trades", s.trades)
	router.GET("/stats", s.stats)

	return s
}

// Handler exposes the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in the background
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("🌐 Status API listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Status API failed")
		}
	}()
}

// Shutdown stops accepting requests and drains in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// ═══════════════════════════════════════════════════════════════════════════════
// HANDLERS
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Server) health(c *gin.Context) {
	status := s.provider.Status()
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"symbol": status.Symbol,
		"paused": status.Paused,
	})
}

func (s *Server) status(c *gin.Context) {
	ok(c, s.provider.Status())
}

func (s *Server) positions(c *gin.Context) {
	positions, err := s.provider.GetOpenPositions()
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	if positions == nil {
		positions = []types.PositionRecord{}
	}
	ok(c, positions)
}

type riskView struct {
	risk.Snapshot
	CircuitBreaker risk.BreakerStats `json:"circuit_breaker"`
}

func (s *Server) riskState(c *gin.Context) {
	ok(c, riskView{
		Snapshot:       s.provider.RiskSnapshot(),
		CircuitBreaker: s.provider.BreakerStats(),
	})
}

func (s *Server) trades(c *gin.Context) {
	limit := defaultTradesLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			fail(c, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, maxTradesLimit)
	}

	trades, err := s.provider.GetRecentTrades(limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	if trades == nil {
		trades = []types.TradeRecord{}
	}
	ok(c, trades)
}

func (s *Server) stats(c *gin.Context) {
	stats, err := s.provider.GetStats()
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	ok(c, stats)
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

func fail(c *gin.Context, code int, err error) {
	c.AbortWithStatusJSON(code, Response{Success: false, Error: err.Error()})
}

// ═══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE
// ═══════════════════════════════════════════════════════════════════════════════

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := log.Debug()
		switch {
		case status >= 500:
			event = log.Error()
		case status >= 400:
			event = log.Warn()
		}
		event.
			Str("request_id", c.GetString("request_id")).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("API request")
	}
}

func rateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			fail(c, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		c.Next()
	}
}
