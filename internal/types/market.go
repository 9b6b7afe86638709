package types

import (
	"time"

	"github.com/ksred/lem-clearing/internal/lib"
	"gorm.io/gorm"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

type OrderStatus string

const (
	OrderOpen      OrderStatus = "OPEN"
	OrderMatched   OrderStatus = "MATCHED"
	OrderExpired   OrderStatus = "EXPIRED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// WindowState is the lifecycle of one clearing window:
// OPEN -> CLEARING -> CLEARED, or OPEN -> EXPIRED when the trigger period
// lapses without a clearing pass.
type WindowState string

const (
	WindowOpen     WindowState = "OPEN"
	WindowClearing WindowState = "CLEARING"
	WindowCleared  WindowState = "CLEARED"
	WindowExpired  WindowState = "EXPIRED"
)

// Order is a bid (BUY) or offer (SELL) for energy in one clearing window.
type Order struct {
	gorm.Model `json:"-"`
	OrderID    uint64      `gorm:"uniqueIndex" json:"order_id"`
	WindowID   string      `gorm:"index" json:"window_id"`
	TraderID   string      `gorm:"index" json:"trader_id"`
	Side       Side        `json:"side"`
	Price      lib.Fixed   `json:"price"`
	Quantity   int64       `json:"quantity"`
	Remaining  int64       `json:"remaining"`
	Sequence   uint64      `json:"sequence"`
	Status     OrderStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Trade is one match between a bid and an offer. Every trade of a window
// carries the window's uniform clearing price.
type Trade struct {
	gorm.Model    `json:"-"`
	TradeID       string    `gorm:"uniqueIndex" json:"trade_id"`
	WindowID      string    `gorm:"index" json:"window_id"`
	Position      int       `json:"position"`
	BuyOrderID    uint64    `gorm:"index" json:"buy_order_id"`
	SellOrderID   uint64    `gorm:"index" json:"sell_order_id"`
	BuyerID       string    `json:"buyer_id"`
	SellerID      string    `json:"seller_id"`
	BuyPrice      lib.Fixed `json:"buy_price"`
	SellPrice     lib.Fixed `json:"sell_price"`
	Quantity      int64     `json:"matched_quantity"`
	ClearingPrice lib.Fixed `json:"clearing_price"`
	CreatedAt     time.Time `json:"created_at"`
}

// ClearingResult is the state and outcome of one clearing window. It is
// frozen once it reaches CLEARED or EXPIRED.
type ClearingResult struct {
	gorm.Model           `json:"-"`
	WindowID             string      `gorm:"uniqueIndex" json:"window_id"`
	State                WindowState `gorm:"index" json:"state"`
	Deadline             time.Time   `json:"deadline"`
	TriggerGrace         int64       `json:"trigger_grace_seconds"`
	PricingRule          string      `json:"pricing_rule"`
	ClearingPrice        *lib.Fixed  `json:"clearing_price"`
	TotalMatchedQuantity int64       `json:"total_matched_quantity"`
	OrderCount           uint64      `json:"order_count"`
	Trades               []Trade     `gorm:"foreignKey:WindowID;references:WindowID" json:"trades"`
	OpenedAt             time.Time   `json:"opened_at"`
	FinalizedAt          *time.Time  `json:"finalized_at"`
	TriggeredBy          string      `json:"triggered_by,omitempty"`
}

// TriggerCloses is the ledger time after which the window can no longer be
// cleared and is treated as expired.
func (r *ClearingResult) TriggerCloses() time.Time {
	return r.Deadline.Add(time.Duration(r.TriggerGrace) * time.Second)
}

// SettlementRecord marks a trade as settled. Settled goes false -> true once.
type SettlementRecord struct {
	gorm.Model     `json:"-"`
	SettlementID   string     `gorm:"uniqueIndex" json:"settlement_id"`
	TradeID        string     `gorm:"uniqueIndex" json:"trade_id"`
	WindowID       string     `gorm:"index" json:"window_id"`
	BuyerID        string     `json:"buyer_id"`
	SellerID       string     `json:"seller_id"`
	Quantity       int64      `json:"quantity"`
	ClearingPrice  lib.Fixed  `json:"clearing_price"`
	SettledAmount  lib.Fixed  `json:"settled_amount"`
	Settled        bool       `json:"settled"`
	SettledAt      *time.Time `json:"settled_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// MarketParams configures the market for the window it governs.
type MarketParams struct {
	gorm.Model      `json:"-"`
	MinPrice        lib.Fixed `json:"min_price"`
	MaxPrice        lib.Fixed `json:"max_price"`
	QuantityStep    int64     `json:"quantity_step"`
	Deadline        time.Time `json:"deadline"`
	TriggerGrace    int64     `json:"trigger_grace_seconds"`
	Owner           string    `json:"owner"`
	GoverningWindow string    `json:"governing_window,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}
