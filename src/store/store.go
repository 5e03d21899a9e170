package store

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OrderRecord is the append-only persisted form of an order. Rows are
// upserted on every status change; open rows are reloaded at startup.
type OrderRecord struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"index"`
	Pair      string `gorm:"index"`
	Side      string
	Type      string
	Price     string
	Amount    string
	Filled    string
	Status    string `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TradeRecord is immutable once written.
type TradeRecord struct {
	ID          string `gorm:"primaryKey"`
	Pair        string `gorm:"index"`
	Price       string
	Amount      string
	BuyOrderID  string
	SellOrderID string
	TakerSide   string
	CreatedAt   time.Time
}

type PositionRecord struct {
	ID               string `gorm:"primaryKey"`
	UserID           string `gorm:"index"`
	Symbol           string `gorm:"index"`
	Side             string
	Size             string
	EntryPrice       string
	Leverage         int
	MarginMode       string
	Margin           string
	LiquidationPrice string
	RealizedPnL      string
	FundingFee       string
	Status           string `gorm:"index"`
	OpenedAt         time.Time
	ClosedAt         time.Time
	UpdatedAt        time.Time
}

// BalanceRecord mirrors one (user, asset) ledger account. Upserted on every
// balance change and reloaded before open-order recovery, so restored orders
// find the funds they need to re-reserve.
type BalanceRecord struct {
	ID        string `gorm:"primaryKey"` // userID|asset
	UserID    string `gorm:"index"`
	Asset     string
	Available string
	Locked    string
	UpdatedAt time.Time
}

type LiquidationRecord struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	PositionID string `gorm:"index"`
	UserID     string `gorm:"index"`
	Symbol     string
	Side       string
	Size       string
	MarkPrice  string
	Loss       string
	CreatedAt  time.Time
}

// Store persists orders, trades and positions behind a buffered channel so
// the matching loop never blocks on disk I/O. Writes are applied by a single
// background goroutine in arrival order.
type Store struct {
	db   *gorm.DB
	ch   chan interface{}
	done chan struct{}
}

func Open(path, logLevel string) (*Store, error) {
	level := gormlogger.Silent
	switch logLevel {
	case "error":
		level = gormlogger.Error
	case "warn":
		level = gormlogger.Warn
	case "info":
		level = gormlogger.Info
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	if err := db.AutoMigrate(&OrderRecord{}, &TradeRecord{}, &PositionRecord{}, &LiquidationRecord{}, &BalanceRecord{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	s := &Store{
		db:   db,
		ch:   make(chan interface{}, 4096),
		done: make(chan struct{}),
	}
	go s.writer()
	return s, nil
}

func (s *Store) writer() {
	defer close(s.done)
	for record := range s.ch {
		var err error
		switch r := record.(type) {
		case *OrderRecord:
			err = s.db.Save(r).Error
		case *TradeRecord:
			err = s.db.Create(r).Error
		case *PositionRecord:
			err = s.db.Save(r).Error
		case *LiquidationRecord:
			err = s.db.Create(r).Error
		case *BalanceRecord:
			err = s.db.Save(r).Error
		}
		if err != nil {
			log.Error().Err(err).Msg("Persist record failed")
		}
	}
}

// enqueue hands a record to the writer without ever blocking the caller.
func (s *Store) enqueue(record interface{}) {
	select {
	case s.ch <- record:
	default:
		log.Warn().Msg("Persistence queue full, dropping record")
	}
}

func (s *Store) SaveOrder(r *OrderRecord)             { s.enqueue(r) }
func (s *Store) SaveTrade(r *TradeRecord)             { s.enqueue(r) }
func (s *Store) SavePosition(r *PositionRecord)       { s.enqueue(r) }
func (s *Store) SaveLiquidation(r *LiquidationRecord) { s.enqueue(r) }
func (s *Store) SaveBalance(r *BalanceRecord)         { s.enqueue(r) }

// Balances loads every persisted account balance for startup recovery.
func (s *Store) Balances() ([]BalanceRecord, error) {
	var records []BalanceRecord
	err := s.db.Find(&records).Error
	return records, err
}

// OpenOrders loads resting limit orders for startup recovery.
func (s *Store) OpenOrders() ([]OrderRecord, error) {
	var records []OrderRecord
	err := s.db.
		Where("status IN ?", []string{"open", "partially_filled"}).
		Where("type = ?", "limit").
		Order("created_at asc").
		Find(&records).Error
	return records, err
}

// Close drains the write queue and shuts the writer down.
func (s *Store) Close() error {
	close(s.ch)
	<-s.done

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
