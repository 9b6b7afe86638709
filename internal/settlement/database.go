package settlement

import (
	"errors"

	"github.com/ksred/lem-clearing/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateSettlement(record *types.SettlementRecord) error {
	return d.db.Create(record).Error
}

// GetSettlementByTradeID returns the record of tradeID, or nil.
func (d *Database) GetSettlementByTradeID(tradeID string) (*types.SettlementRecord, error) {
	var record types.SettlementRecord
	if err := d.db.Where("trade_id = ?", tradeID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// GetTraderSettlements returns the settled records where traderID bought or
// sold, newest first.
func (d *Database) GetTraderSettlements(traderID string) ([]types.SettlementRecord, error) {
	var records []types.SettlementRecord
	if err := d.db.Where("buyer_id = ? OR seller_id = ?", traderID, traderID).
		Order("created_at DESC").
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
