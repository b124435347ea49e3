package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/spotbot/storage"
)

// Prints a per-position report from the trade journal
func main() {
	_ = godotenv.Load()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	defaultPath := os.Getenv("DATABASE_PATH")
	if defaultPath == "" {
		defaultPath = "data/spotbot.db"
	}
	dsn := flag.String("db", defaultPath, "journal path or postgres:// URL")
	limit := flag.Int("n", 50, "positions to show, newest first")
	feeRate := flag.Float64("fee", 0.001, "taker fee rate per side for the estimate")
	flag.Parse()

	db, err := storage.New(*dsn)
	if err != nil {
		fmt.Println("Error opening journal:", err)
		os.Exit(1)
	}
	defer db.Close()

	ids, err := db.PositionIDs(*limit)
	if err != nil {
		fmt.Println("Error listing positions:", err)
		os.Exit(1)
	}

	fmt.Printf("📊 JOURNAL REPORT - Positions: %d\n\n", len(ids))

	fee := decimal.NewFromFloat(*feeRate)
	var totalNet decimal.Decimal
	wins, losses, open, stopHits := 0, 0, 0, 0

	fmt.Println("═══════════════════════════════════════════════════════════════════════════════")
	fmt.Println("│ OPENED       │ ENTRY      │ BOUGHT     │ SOLD       │ P&L      │ FEE EST  │ NOTES")
	fmt.Println("═══════════════════════════════════════════════════════════════════════════════")

	for _, id := range ids {
		rows, err := db.TradesForPosition(id)
		if err != nil || len(rows) == 0 {
			continue
		}

		var bought, sold, cost, pnl, fees decimal.Decimal
		closed, stopHit, scaleIns := false, false, 0
		for _, r := range rows {
			fees = fees.Add(r.Price.Mul(r.Quantity).Mul(fee))
			switch r.Action {
			case storage.ActionOpen, storage.ActionScaleIn:
				bought = bought.Add(r.Quantity)
				cost = cost.Add(r.Price.Mul(r.Quantity))
				if r.Action == storage.ActionScaleIn {
					scaleIns++
				}
			case storage.ActionScaleOut, storage.ActionClose:
				sold = sold.Add(r.Quantity)
				pnl = pnl.Add(r.PnL)
				if r.Action == storage.ActionClose {
					closed = true
					stopHit = r.Reason == "STOP_HIT"
				}
			}
		}

		avgEntry := decimal.Zero
		if bought.IsPositive() {
			avgEntry = cost.Div(bought)
		}
		net := pnl.Sub(fees)

		notes := "⏳ OPEN"
		switch {
		case !closed:
			open++
		case net.IsPositive():
			wins++
			notes = "✅ WIN"
		default:
			losses++
			notes = "❌ LOSS"
		}
		if closed {
			totalNet = totalNet.Add(net)
		}
		if stopHit {
			stopHits++
			notes += " 🛑 stop"
		}
		if scaleIns > 0 {
			notes += fmt.Sprintf(" ➕%d", scaleIns)
		}

		fmt.Printf("│ %-12s │ %10s │ %10s │ %10s │ %+8.2f │ %8.4f │ %s\n",
			rows[0].CreatedAt.Format("Jan 2 15:04"),
			avgEntry.StringFixed(2),
			bought.String(),
			sold.String(),
			pnl.InexactFloat64(),
			fees.InexactFloat64(),
			notes,
		)
	}

	fmt.Println("═══════════════════════════════════════════════════════════════════════════════")

	winRate := 0.0
	if wins+losses > 0 {
		winRate = float64(wins) / float64(wins+losses) * 100
	}
	fmt.Printf("\n📈 SUMMARY:\n")
	fmt.Printf("   Wins: %d | Losses: %d | Open: %d | Win Rate: %.1f%%\n", wins, losses, open, winRate)
	fmt.Printf("   Stop Hits: %d\n", stopHits)
	fmt.Printf("   Net P&L after fees (closed): %+.2f\n", totalNet.InexactFloat64())
}
