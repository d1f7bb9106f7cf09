package db

import (
	"fmt"
	"time"

	bidbot "github.com/NFTToolz/ordinals-bid-bot"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// BidLedgerRecord is the database model for one append-only audit row (§3.1, §4.13).
type BidLedgerRecord struct {
	ID               uint      `gorm:"primaryKey;autoIncrement"`
	Timestamp        time.Time `gorm:"index;not null"`
	CollectionSymbol string    `gorm:"index;type:varchar(128);not null"`
	TokenID          string    `gorm:"type:varchar(128)"`
	PriceSats        int64     `gorm:"not null"`
	PaymentAddress   string    `gorm:"type:varchar(128);not null"`
	Action           string    `gorm:"type:varchar(16);not null"`
	PacerBypassed    bool      `gorm:"not null"`
	CreatedAt        time.Time `gorm:"autoCreateTime"`
}

// TableName specifies the table name for GORM.
func (BidLedgerRecord) TableName() string {
	return "bid_ledger"
}

// BidLedgerRecorder implements BidLedger (C13) using GORM and MySQL.
type BidLedgerRecorder struct {
	db *gorm.DB
}

// NewBidLedgerRecorder creates a new BidLedgerRecorder instance.
// dsn format: "user:password@tcp(host:port)/dbname?charset=utf8mb4&parseTime=True&loc=Local"
func NewBidLedgerRecorder(dsn string) (*BidLedgerRecorder, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}

	if err := db.AutoMigrate(&BidLedgerRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &BidLedgerRecorder{db: db}, nil
}

// NewBidLedgerRecorderWithDB creates a new BidLedgerRecorder with an existing GORM DB instance.
func NewBidLedgerRecorderWithDB(db *gorm.DB) (*BidLedgerRecorder, error) {
	if err := db.AutoMigrate(&BidLedgerRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &BidLedgerRecorder{db: db}, nil
}

// Record appends one entry to the ledger. It is fire-and-forget from the
// caller's perspective (§4.13): a failed write never blocks or fails a bid
// placement, it is only logged by the caller.
func (r *BidLedgerRecorder) Record(entry bidbot.BidLedgerEntry) error {
	record := BidLedgerRecord{
		Timestamp:        time.UnixMilli(entry.CreatedAtMs),
		CollectionSymbol: entry.CollectionSymbol,
		TokenID:          entry.TokenID,
		PriceSats:        entry.PriceSats,
		PaymentAddress:   entry.PaymentAddress,
		Action:           string(entry.Action),
		PacerBypassed:    entry.PacerBypassed,
	}

	result := r.db.Create(&record)
	if result.Error != nil {
		return fmt.Errorf("failed to record ledger entry: %w", result.Error)
	}
	return nil
}

// GetDB returns the underlying GORM DB instance for advanced queries.
func (r *BidLedgerRecorder) GetDB() *gorm.DB {
	return r.db
}

// Close closes the database connection.
func (r *BidLedgerRecorder) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying DB: %w", err)
	}
	return sqlDB.Close()
}

// EntriesByCollection retrieves all ledger rows for one collection, oldest first.
func (r *BidLedgerRecorder) EntriesByCollection(symbol string) ([]BidLedgerRecord, error) {
	var records []BidLedgerRecord
	result := r.db.Where("collection_symbol = ?", symbol).
		Order("timestamp ASC").
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get ledger entries: %w", result.Error)
	}
	return records, nil
}

// EntriesByAction retrieves all ledger rows recorded under a given action.
func (r *BidLedgerRecorder) EntriesByAction(action bidbot.BidLedgerAction) ([]BidLedgerRecord, error) {
	var records []BidLedgerRecord
	result := r.db.Where("action = ?", string(action)).
		Order("timestamp ASC").
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get ledger entries by action: %w", result.Error)
	}
	return records, nil
}

// CountEntries returns the total number of ledger rows.
func (r *BidLedgerRecorder) CountEntries() (int64, error) {
	var count int64
	result := r.db.Model(&BidLedgerRecord{}).Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count ledger entries: %w", result.Error)
	}
	return count, nil
}
