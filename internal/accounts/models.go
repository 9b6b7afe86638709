package accounts

import (
	"time"

	"github.com/ksred/lem-clearing/internal/lib"
	"gorm.io/gorm"
)

// Account is a trader's position with the market: funds held in escrow for
// buying, proceeds from selling, and the energy credits moved by settlement.
type Account struct {
	gorm.Model      `json:"-"`
	TraderID        string    `gorm:"uniqueIndex" json:"trader_id"`
	Escrow          lib.Fixed `json:"escrow"`
	Balance         lib.Fixed `json:"balance"`
	EnergyReceived  int64     `json:"energy_received"`
	EnergyDelivered int64     `json:"energy_delivered"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}

type DepositRequest struct {
	Amount lib.Fixed `json:"amount" binding:"required"`
}
