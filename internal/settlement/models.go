package settlement

import (
	"github.com/ksred/lem-clearing/internal/types"
	"gorm.io/gorm"
)

// ResultStore is the read-only view of clearing results settlement works
// against. Every method runs on the caller's database handle so reads happen
// inside the settlement transaction.
type ResultStore interface {
	CurrentWindow(db *gorm.DB) (*types.ClearingResult, error)
	WindowState(db *gorm.DB, windowID string) (types.WindowState, error)
	Trade(db *gorm.DB, tradeID string) (*types.Trade, error)
	UnsettledTrades(db *gorm.DB) ([]types.Trade, error)
}

// BatchResult summarizes one pass over the pending trades.
type BatchResult struct {
	Settled int `json:"settled"`
	Failed  int `json:"failed"`
}
