package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/web3guy0/spotbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - Trade journal
// ═══════════════════════════════════════════════════════════════════════════════
//
// Append-only record of every fill. Feeds /trades and /stats; never read back
// to rebuild positions or risk state.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Journal actions
const (
	ActionOpen     = "OPEN"
	ActionScaleIn  = "SCALE_IN"
	ActionScaleOut = "SCALE_OUT"
	ActionClose    = "CLOSE"
)

type Database struct {
	db *gorm.DB
}

// Trade is one journal row
type Trade struct {
	ID         uint            `gorm:"primaryKey;autoIncrement"`
	OrderID    string          `gorm:"index"`
	PositionID string          `gorm:"index"`
	Symbol     string          `gorm:"index"`
	Action     string          `gorm:"index"` // OPEN, SCALE_IN, SCALE_OUT, CLOSE
	Side       string          // BUY or SELL
	Price      decimal.Decimal `gorm:"type:decimal(20,8)"`
	Quantity   decimal.Decimal `gorm:"type:decimal(20,8)"`
	PnL        decimal.Decimal `gorm:"type:decimal(20,8)"` // Realized, exits only
	Reason     string
	DryRun     bool
	CreatedAt  time.Time
}

// New opens the journal. postgres:// URLs use PostgreSQL, anything else is a
// SQLite file path.
func New(dsn string) (*Database, error) {
	var db *gorm.DB
	var err error

	cfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		log.Info().Msg("💾 Database connected (PostgreSQL)")
	} else {
		if dir := filepath.Dir(dsn); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		log.Info().Str("path", dsn).Msg("💾 Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&Trade{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Database{db: db}, nil
}

// Close releases the connection pool
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordTrade appends a journal row
func (d *Database) RecordTrade(t *Trade) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if err := d.db.Create(t).Error; err != nil {
		return fmt.Errorf("record %s %s: %w", t.Action, t.PositionID, err)
	}
	return nil
}

// RecentTrades returns the newest rows first
func (d *Database) RecentTrades(limit int) ([]types.TradeRecord, error) {
	var rows []Trade
	if err := d.db.Order("created_at DESC, id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]types.TradeRecord, len(rows))
	for i, r := range rows {
		out[i] = types.TradeRecord{
			ID:        r.OrderID,
			Symbol:    r.Symbol,
			Action:    r.Action,
			Price:     r.Price,
			Quantity:  r.Quantity,
			PnL:       r.PnL,
			Reason:    r.Reason,
			Timestamp: r.CreatedAt,
		}
	}
	return out, nil
}

// TradesForPosition returns every row of one position, oldest first
func (d *Database) TradesForPosition(positionID string) ([]Trade, error) {
	var rows []Trade
	err := d.db.Where("position_id = ?", positionID).Order("created_at ASC, id ASC").Find(&rows).Error
	return rows, err
}

// PositionIDs returns the ids of the newest entries first
func (d *Database) PositionIDs(limit int) ([]string, error) {
	var ids []string
	err := d.db.Model(&Trade{}).
		Where("action = ?", ActionOpen).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Pluck("position_id", &ids).Error
	return ids, err
}

// Stats aggregates realized results per closed position
func (d *Database) Stats() (types.TradeStats, error) {
	var s types.TradeStats
	if err := d.db.Model(&Trade{}).Where("action = ?", ActionOpen).Count(&s.Entries).Error; err != nil {
		return s, err
	}

	var exits []Trade
	err := d.db.
		Where("action IN ?", []string{ActionScaleOut, ActionClose}).
		Order("id ASC").
		Find(&exits).Error
	if err != nil {
		return s, err
	}

	pnlByPosition := make(map[string]decimal.Decimal)
	closed := make(map[string]bool)
	for _, e := range exits {
		pnlByPosition[e.PositionID] = pnlByPosition[e.PositionID].Add(e.PnL)
		s.RealizedPnL = s.RealizedPnL.Add(e.PnL)
		if e.Action == ActionClose {
			closed[e.PositionID] = true
		}
	}

	for id := range closed {
		s.Closed++
		if pnlByPosition[id].IsPositive() {
			s.Wins++
		} else {
			s.Losses++
		}
	}
	if s.Closed > 0 {
		s.WinRate = float64(s.Wins) / float64(s.Closed) * 100
	}

	return s, nil
}
