package bot

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/spotbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Trade notifications & control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   💰 Trade notifications (open/scale in/scale out/close)
//   🚀 Startup message with mode and balance
//   🎛️ Bot control commands (/status, /pause, /resume, /stats)
//
// Commands are only answered in the configured chat.
//
// ═══════════════════════════════════════════════════════════════════════════════

const recentTradesShown = 10

// StatsProvider provides trading statistics
type StatsProvider interface {
	Status() types.BotStatus
	GetStats() (types.TradeStats, error)
	GetBalance() (decimal.Decimal, error)
	GetRecentTrades(limit int) ([]types.TradeRecord, error)
	GetOpenPositions() ([]types.PositionRecord, error)
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramBot manages the Telegram interface
type TelegramBot struct {
	mu      sync.RWMutex
	client  *tgbotapi.BotAPI
	api     sender
	chatID  int64
	running bool
	stopCh  chan struct{}

	// Stats for reporting
	statsProvider StatsProvider

	// Control callbacks
	onPause  func()
	onResume func()
}

// NewTelegramBot creates a new Telegram bot
func NewTelegramBot(token string, chatID int64, statsProvider StatsProvider) (*TelegramBot, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token not set")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("telegram chat id not set")
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := newBot(api, chatID, statsProvider)
	b.client = api

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")

	return b, nil
}

func newBot(api sender, chatID int64, statsProvider StatsProvider) *TelegramBot {
	return &TelegramBot{
		api:           api,
		chatID:        chatID,
		stopCh:        make(chan struct{}),
		statsProvider: statsProvider,
	}
}

// SetControlCallbacks sets pause/resume handlers
func (b *TelegramBot) SetControlCallbacks(onPause, onResume func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPause = onPause
	b.onResume = onResume
}

// Start begins listening for commands
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running || b.client == nil {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the bot
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}

	b.running = false
	close(b.stopCh)
	b.client.StopReceivingUpdates()
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// NotifyTrade sends a trade execution alert
func (b *TelegramBot) NotifyTrade(ev types.TradeEvent) {
	b.sendMarkdown(formatTrade(ev))
}

// NotifyError sends an error alert
func (b *TelegramBot) NotifyError(err error) {
	msg := fmt.Sprintf("⚠️ *ERROR*\n\n`%s`", err.Error())
	b.sendMarkdown(msg)
}

// NotifyStartup sends startup notification
func (b *TelegramBot) NotifyStartup() {
	if b.statsProvider == nil {
		return
	}
	status := b.statsProvider.Status()

	msg := fmt.Sprintf(`🚀 *SPOTBOT STARTED*
━━━━━━━━━━━━━━━━━━━━

📊 Pair: *%s*
🎛️ Mode: *%s*
💰 Balance: *%s*

Use /help for commands`, status.Symbol, modeLabel(status.DryRun), b.balanceLabel(status.QuoteAsset))

	b.sendMarkdown(msg)
}

// NotifyShutdown sends the stop notification
func (b *TelegramBot) NotifyShutdown(openPositions int) {
	b.sendMarkdown(fmt.Sprintf("🛑 *SPOTBOT STOPPED*\n\n💼 Open positions left: *%d*", openPositions))
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.client.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}

			// Only respond to authorized chat
			if update.Message.Chat == nil || update.Message.Chat.ID != b.chatID {
				continue
			}

			b.handleCommand(update.Message)
		}
	}
}

func (b *TelegramBot) handleCommand(msg *tgbotapi.Message) {
	cmd := strings.ToLower(msg.Command())

	switch cmd {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "balance":
		b.cmdBalance()
	case "stats":
		b.cmdStats()
	case "trades":
		b.cmdTrades()
	case "positions":
		b.cmdPositions()
	case "pause":
		b.cmdPause()
	case "resume":
		b.cmdResume()
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

func (b *TelegramBot) cmdHelp() {
	msg := `🤖 *SPOTBOT COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status — Bot status
💰 /balance — Quote balance
📈 /stats — Trading statistics
📜 /trades — Last 10 trades
💼 /positions — Open positions
⏸️ /pause — Pause new entries
▶️ /resume — Resume new entries, reset circuit breaker
🏓 /ping — Test connection`

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdStatus() {
	if b.statsProvider == nil {
		b.send("❌ Status not available")
		return
	}
	status := b.statsProvider.Status()
	b.sendMarkdown(formatStatus(status, b.balanceLabel(status.QuoteAsset)))
}

func (b *TelegramBot) cmdStats() {
	if b.statsProvider == nil {
		b.send("❌ Stats not available")
		return
	}

	stats, err := b.statsProvider.GetStats()
	if err != nil {
		b.send("❌ Failed to fetch stats")
		return
	}

	b.sendMarkdown(formatStats(stats))
}

func (b *TelegramBot) cmdPositions() {
	if b.statsProvider == nil {
		b.send("❌ Positions not available")
		return
	}

	positions, err := b.statsProvider.GetOpenPositions()
	if err != nil {
		b.send("❌ Failed to fetch positions")
		return
	}

	if len(positions) == 0 {
		b.send("📭 No open positions")
		return
	}

	b.sendMarkdown(formatPositions(positions, time.Now()))
}

func (b *TelegramBot) cmdBalance() {
	if b.statsProvider == nil {
		b.send("❌ Balance not available")
		return
	}

	balance, err := b.statsProvider.GetBalance()
	if err != nil {
		b.send("❌ Failed to fetch balance")
		return
	}

	msg := fmt.Sprintf(`💰 *ACCOUNT BALANCE*
━━━━━━━━━━━━━━━━━━━━

💵 Available: *%s %s*

Use /positions to see open trades`,
		balance.StringFixed(2), b.statsProvider.Status().QuoteAsset,
	)

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdTrades() {
	if b.statsProvider == nil {
		b.send("❌ Trades not available")
		return
	}

	trades, err := b.statsProvider.GetRecentTrades(recentTradesShown)
	if err != nil {
		b.send("❌ Failed to fetch trades")
		return
	}

	if len(trades) == 0 {
		b.send("📭 No trade history yet")
		return
	}

	b.sendMarkdown(formatTrades(trades))
}

func (b *TelegramBot) cmdPause() {
	b.mu.RLock()
	cb := b.onPause
	b.mu.RUnlock()

	if cb != nil {
		cb()
	}

	b.send("⏸️ New entries paused, open positions still managed")
	log.Info().Msg("Trading paused via Telegram")
}

func (b *TelegramBot) cmdResume() {
	b.mu.RLock()
	cb := b.onResume
	b.mu.RUnlock()

	if cb != nil {
		cb()
	}

	b.send("▶️ Trading resumed")
	log.Info().Msg("Trading resumed via Telegram")
}

// ═══════════════════════════════════════════════════════════════════════════════
// FORMATTING
// ═══════════════════════════════════════════════════════════════════════════════

func actionEmoji(action string) string {
	switch action {
	case "OPEN":
		return "✅"
	case "SCALE_IN":
		return "➕"
	case "SCALE_OUT":
		return "💰"
	case "CLOSE":
		return "📊"
	default:
		return "📌"
	}
}

func signed(v decimal.Decimal, places int32) string {
	if v.IsNegative() {
		return v.StringFixed(places)
	}
	return "+" + v.StringFixed(places)
}

func modeLabel(dryRun bool) string {
	if dryRun {
		return "PAPER"
	}
	return "LIVE"
}

func (b *TelegramBot) balanceLabel(quote string) string {
	if b.statsProvider == nil {
		return "N/A"
	}
	bal, err := b.statsProvider.GetBalance()
	if err != nil {
		return "N/A"
	}
	return bal.StringFixed(2) + " " + quote
}

func formatTrade(ev types.TradeEvent) string {
	msg := fmt.Sprintf(`%s *%s*

📊 %s %s
💵 Price: *%s*
📦 Qty: *%s*
🆔 `+"`%s`",
		actionEmoji(ev.Action), strings.ReplaceAll(ev.Action, "_", " "),
		ev.Symbol, ev.Side,
		ev.Price.StringFixed(2),
		ev.Quantity.String(),
		ev.PositionID,
	)

	if ev.Action == "SCALE_OUT" || ev.Action == "CLOSE" {
		pnlEmoji := "📈"
		if ev.PnL.IsNegative() {
			pnlEmoji = "📉"
		}
		msg += fmt.Sprintf("\n%s P&L: *%s*", pnlEmoji, signed(ev.PnL, 2))
	}
	if ev.Reason != "" {
		msg += "\n📝 `" + ev.Reason + "`"
	}
	return msg
}

func formatStatus(s types.BotStatus, balance string) string {
	state := "🟢 RUNNING"
	switch {
	case s.Paused:
		state = "⏸️ PAUSED"
	case s.CircuitOpen:
		state = "🚨 CIRCUIT OPEN"
	}

	lastTrade := "never"
	if !s.LastTradeTime.IsZero() {
		lastTrade = s.LastTradeTime.Format("Jan 2 15:04")
	}
	verdict := s.LastVerdict
	if verdict == "" {
		verdict = "pending"
	}

	return fmt.Sprintf(`📊 *BOT STATUS*
━━━━━━━━━━━━━━━━━━━━

%s
📊 Pair: *%s* @ *%s*
🎛️ Mode: *%s*
💰 Balance: *%s*
💼 Open positions: *%d*
🔢 Trades today: *%d/%d*
⏱️ Last entry: *%s*
🔍 Last verdict: `+"`%s`",
		state,
		s.Symbol, s.LastPrice.StringFixed(2),
		modeLabel(s.DryRun),
		balance,
		s.OpenPositions,
		s.DailyTrades, s.MaxDailyTrades,
		lastTrade,
		verdict,
	)
}

func formatStats(s types.TradeStats) string {
	return fmt.Sprintf(`📈 *TRADING STATS*
━━━━━━━━━━━━━━━━━━━━

📊 Entries: *%d*
🏁 Closed: *%d*
✅ Wins: *%d*
❌ Losses: *%d*
📈 Win Rate: *%.1f%%*

━━━━━━━━━━━━━━━━━━━━
💵 Realized P&L: *%s*`,
		s.Entries, s.Closed, s.Wins, s.Losses, s.WinRate,
		signed(s.RealizedPnL, 2),
	)
}

func formatPositions(positions []types.PositionRecord, now time.Time) string {
	var sb strings.Builder
	sb.WriteString("💼 *OPEN POSITIONS*\n━━━━━━━━━━━━━━━━━━━━\n\n")

	for i, pos := range positions {
		if i >= 5 {
			fmt.Fprintf(&sb, "_... and %d more_", len(positions)-5)
			break
		}
		fmt.Fprintf(&sb, "🟢 *%s* `%s`\n💵 Entry: %s | Qty: %s\n🛑 Stop: %s | 🔝 High: %s\n➕ Scale-ins: %d | 💰 Levels: %d\n⏱️ Held: %v\n\n",
			pos.Symbol, pos.ID,
			pos.EntryPrice.StringFixed(2), pos.Quantity.String(),
			pos.StopPrice.StringFixed(2), pos.HighestPrice.StringFixed(2),
			pos.ScaleInAttempts, pos.LevelsTaken,
			now.Sub(pos.OpenedAt).Round(time.Second),
		)
	}

	return sb.String()
}

func formatTrades(trades []types.TradeRecord) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "📜 *LAST %d TRADES*\n━━━━━━━━━━━━━━━━━━━━\n\n", recentTradesShown)

	for _, t := range trades {
		pnlStr := ""
		if !t.PnL.IsZero() {
			pnlStr = " | P&L: " + signed(t.PnL, 2)
		}

		fmt.Fprintf(&sb, "%s %s %s %s @ %s%s\n   _%s_\n\n",
			actionEmoji(t.Action), strings.ReplaceAll(t.Action, "_", " "), t.Symbol,
			t.Quantity.String(), t.Price.StringFixed(2),
			pnlStr, t.Timestamp.Format("Jan 2 15:04"),
		)
	}

	return sb.String()
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}
