package migrations

import (
	"github.com/ksred/lem-clearing/internal/types"
	"gorm.io/gorm"
)

// AddMarketTables creates the tables of the market core: parameters,
// clearing windows, orders, trades and settlement records.
func AddMarketTables(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.MarketParams{}); err != nil {
		return err
	}

	if err := db.AutoMigrate(&types.ClearingResult{}, &types.Order{}, &types.Trade{}); err != nil {
		return err
	}

	if err := db.AutoMigrate(&types.SettlementRecord{}); err != nil {
		return err
	}

	return nil
}
