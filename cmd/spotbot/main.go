package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/web3guy0/spotbot/api"
	"github.com/web3guy0/spotbot/bot"
	"github.com/web3guy0/spotbot/core"
	"github.com/web3guy0/spotbot/exec"
	"github.com/web3guy0/spotbot/feeds"
	"github.com/web3guy0/spotbot/internal/config"
	"github.com/web3guy0/spotbot/sentiment"
	"github.com/web3guy0/spotbot/storage"
)

const (
	exchangeRequestsPerSec = 10
	apiRequestsPerSec      = 5
	shutdownTimeout        = 10 * time.Second
)

func main() {
	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found")
	}

	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
		NoColor:    !term.IsTerminal(int(os.Stderr.Fd())),
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		gin.SetMode(gin.ReleaseMode)
	}

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msg("              SPOTBOT - SENTIMENT GATED SPOT TRADER")
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	// ═══════════════════════════════════════════════════════════════════════════════
	// INITIALIZE COMPONENTS
	// ═══════════════════════════════════════════════════════════════════════════════

	// 1. Trade journal
	var journal core.Journal
	db, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Warn().Err(err).Msg("Database unavailable, continuing without journal")
		db = nil
	} else {
		journal = db
		log.Info().Msg("✅ Trade journal initialized")
	}
	closeDB := func() {
		if err := closeJournal(db); err != nil {
			log.Error().Err(err).Msg("Failed to close trade journal")
		}
	}

	// 2. Exchange client
	executor := exec.NewClient(exec.Config{
		BaseURL:        cfg.BinanceBaseURL,
		APIKey:         cfg.BinanceAPIKey,
		APISecret:      cfg.BinanceAPISecret,
		DryRun:         cfg.DryRun,
		DryRunBalance:  cfg.DryRunBalance,
		RequestsPerSec: exchangeRequestsPerSec,
	})
	log.Info().Msg("✅ Execution layer initialized")

	// 3. Price stream
	feed := feeds.NewBinanceFeed(cfg.BinanceWSURL, cfg.TradingPair)
	feed.Start()
	log.Info().Msg("✅ Binance price feed initialized")

	// 4. Sentiment service
	analyst := sentiment.NewClient(cfg.SentimentURL, cfg.SentimentAPIKey, cfg.SentimentTimeout)
	if !analyst.Enabled() {
		log.Warn().Msg("⚠️ SENTIMENT_URL not set, every entry will be SIGNAL_UNAVAILABLE")
	}

	// 5. Core engine
	engine := core.NewEngine(core.Config{
		Symbol:           cfg.TradingPair,
		QuoteAsset:       cfg.QuoteAsset,
		KlineInterval:    cfg.KlineInterval,
		KlineLimit:       cfg.KlineLimit,
		Risk:             cfg.Risk,
		AnalysisInterval: cfg.AnalysisInterval,
		PositionInterval: cfg.PositionInterval,
		PriceStaleAfter:  cfg.PriceStaleAfter,
		RequestTimeout:   cfg.SentimentTimeout + 15*time.Second,

		MaxConsecutiveLosses: cfg.CircuitMaxLosses,
		MaxDailyLoss:         cfg.CircuitMaxDailyLoss,
		BreakerCooldown:      cfg.CircuitCooldown,
	}, executor, analyst, feed, journal)

	if err := engine.Validate(context.Background()); err != nil {
		feed.Stop()
		closeDB()
		log.Fatal().Err(err).Msg("Startup checks failed")
	}
	log.Info().Msg("✅ Core engine initialized")

	// 6. Telegram (optional)
	var telegram *bot.TelegramBot
	if cfg.TelegramToken != "" {
		telegram, err = bot.NewTelegramBot(cfg.TelegramToken, cfg.TelegramChatID, engine)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram disabled")
		} else {
			telegram.SetControlCallbacks(engine.Pause, engine.Resume)
			engine.SetTradeNotifier(telegram)
			engine.SetErrorNotifier(telegram)
		}
	}

	// 7. Status API (optional)
	var server *api.Server
	if cfg.APIAddr != "" {
		server = api.NewServer(cfg.APIAddr, engine, apiRequestsPerSec)
	}

	// ═══════════════════════════════════════════════════════════════════════════════
	// PRINT CONFIG
	// ═══════════════════════════════════════════════════════════════════════════════

	mode := "LIVE TRADING"
	if cfg.DryRun {
		mode = "PAPER TRADING"
	}

	log.Info().Msg("")
	log.Info().Msg("╔══════════════════════════════════════════════════════════════╗")
	log.Info().Msgf("║  Mode: %-54s║", mode)
	log.Info().Msgf("║  Pair: %-54s║", cfg.TradingPair)
	log.Info().Msgf("║  Investment: %-48s║", cfg.Risk.Investment.StringFixed(2)+" "+cfg.QuoteAsset)
	log.Info().Msgf("║  Stop: %-54s║", fmt.Sprintf("%s%% initial, %s%% trailing", cfg.Risk.InitialStopLossPct, cfg.Risk.TrailingStopPct))
	log.Info().Msgf("║  Scale in: %-50s║", fmt.Sprintf("-%s%% dip, max %d", cfg.Risk.ScaleInDipPct, cfg.Risk.MaxScaleInAttempts))
	log.Info().Msgf("║  Scale out levels: %-42d║", len(cfg.Risk.ScaleOutLevels))
	log.Info().Msgf("║  Max trades/day: %-44d║", cfg.Risk.MaxTradesPerDay)
	if cfg.CircuitMaxLosses > 0 || cfg.CircuitMaxDailyLoss.IsPositive() {
		log.Info().Msgf("║  Breaker: %-51s║", fmt.Sprintf("%d losses / %s %s, %s cooldown",
			cfg.CircuitMaxLosses, cfg.CircuitMaxDailyLoss.StringFixed(2), cfg.QuoteAsset, cfg.CircuitCooldown))
	}
	log.Info().Msgf("║  Analysis: every %-44s║", cfg.AnalysisInterval)
	log.Info().Msgf("║  Positions: every %-43s║", cfg.PositionInterval)
	log.Info().Msg("╚══════════════════════════════════════════════════════════════╝")
	log.Info().Msg("")

	// ═══════════════════════════════════════════════════════════════════════════════
	// START
	// ═══════════════════════════════════════════════════════════════════════════════

	engine.Start()
	if telegram != nil {
		telegram.Start()
		telegram.NotifyStartup()
	}
	if server != nil {
		server.Start()
	}

	log.Info().Msg("🚀 All systems running...")

	// ═══════════════════════════════════════════════════════════════════════════════
	// GRACEFUL SHUTDOWN
	// ═══════════════════════════════════════════════════════════════════════════════

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("🛑 Shutting down...")

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Status API shutdown failed")
		}
		cancel()
	}

	engine.Stop()
	feed.Stop()

	open := engine.Manager().Store().Len()
	if open > 0 {
		log.Warn().Int("open", open).Msg("⚠️ Open positions are not persisted and will not be managed after exit")
	}
	if telegram != nil {
		telegram.NotifyShutdown(open)
		telegram.Stop()
	}

	closeDB()
	log.Info().Msg("👋 Goodbye")
}

// closeJournal releases the journal. nil is a no-op.
func closeJournal(db *storage.Database) error {
	if db == nil {
		return nil
	}
	return db.Close()
}
