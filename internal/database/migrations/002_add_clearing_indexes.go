package migrations

import (
	"gorm.io/gorm"
)

// AddClearingIndexes adds the composite indexes used by the clearing pass and
// the settlement processor.
func AddClearingIndexes(db *gorm.DB) error {
	indexes := []string{
		// Open orders of one side of a window, read by every clearing pass
		`CREATE INDEX IF NOT EXISTS idx_orders_window_side_status
		 ON orders(window_id, side, status)`,

		// Trades of a window in result order
		`CREATE INDEX IF NOT EXISTS idx_trades_window_position
		 ON trades(window_id, position)`,

		// Latest window lookup
		`CREATE INDEX IF NOT EXISTS idx_clearing_results_opened_at
		 ON clearing_results(opened_at)`,

		// Pending settlement scan
		`CREATE INDEX IF NOT EXISTS idx_settlement_records_settled
		 ON settlement_records(settled)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
