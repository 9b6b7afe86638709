package accounts

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/lem-clearing/internal/ledger"
	"github.com/ksred/lem-clearing/internal/lib"
	"github.com/ksred/lem-clearing/internal/types"
	"github.com/ksred/lem-clearing/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const idempotencyTTL = 24 * time.Hour

// Service manages trader accounts and the escrow pool. Escrow is credited by
// the market owner and debited only through Transfer, which settlement calls.
type Service struct {
	ledger *ledger.Ledger
	owner  string
}

// NewService creates an account service; owner is the only caller allowed to
// fund escrow.
func NewService(l *ledger.Ledger, owner string) *Service {
	return &Service{
		ledger: l,
		owner:  owner,
	}
}

// Deposit credits amount to the escrow of traderID.
// Replaying a request with the same idempotency key returns the account
// without crediting it again.
func (s *Service) Deposit(ctx context.Context, caller, traderID string, amount lib.Fixed, idempotencyKey string) (*Account, error) {
	logger := log.With().
		Str("trader_id", traderID).
		Str("service", "accounts").
		Logger()

	if caller != s.owner {
		return nil, fmt.Errorf("%w: only the market owner can fund escrow", types.ErrForbidden)
	}
	if traderID == "" || amount <= 0 {
		return nil, fmt.Errorf("%w: deposit needs a trader and a positive amount", types.ErrInvalidRequest)
	}

	var account *Account
	err := s.ledger.Execute(ctx, func(tx *ledger.Tx) error {
		db := NewDatabase(tx.DB)

		if idempotencyKey != "" {
			record, err := db.GetIdempotencyRecord(idempotencyKey)
			if err != nil {
				return err
			}
			if record != nil && record.ExpiresAt.After(tx.Now()) {
				if record.ResourceID != traderID {
					return fmt.Errorf("%w: idempotency key reused for another trader", types.ErrInvalidRequest)
				}
				logger.Debug().Str("idempotency_key", idempotencyKey).Msg("replayed deposit")
				account, err = db.GetOrCreateAccount(traderID, tx.Now())
				return err
			}
		}

		acc, err := db.GetOrCreateAccount(traderID, tx.Now())
		if err != nil {
			return err
		}
		escrow, err := lib.Add(acc.Escrow, amount)
		if err != nil {
			return err
		}
		acc.Escrow = escrow
		acc.UpdatedAt = tx.Now()
		if err := db.UpdateAccount(acc); err != nil {
			return fmt.Errorf("failed to update account: %w", err)
		}

		if idempotencyKey != "" {
			if err := db.CreateIdempotencyRecord(idempotencyKey, traderID, "deposit", tx.Now().Add(idempotencyTTL)); err != nil {
				return fmt.Errorf("failed to record idempotency key: %w", err)
			}
		}

		account = acc
		return tx.Emit("escrow.deposited", "", map[string]interface{}{
			"trader_id": traderID,
			"amount":    amount,
			"escrow":    acc.Escrow,
		})
	})
	if err != nil {
		logger.Error().Err(err).Msg("deposit failed")
		return nil, err
	}

	logger.Info().
		Str("amount", amount.String()).
		Str("escrow", account.Escrow.String()).
		Msg("escrow funded")
	return account, nil
}

// GetAccount returns the account of traderID.
func (s *Service) GetAccount(ctx context.Context, traderID string) (*Account, error) {
	var account *Account
	err := s.ledger.Read(ctx, func(tx *gorm.DB) error {
		var err error
		account, err = NewDatabase(tx).GetAccount(traderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("%w: no account for trader %s", types.ErrNotFound, traderID)
	}
	return account, nil
}

// CheckEscrow fails with ErrSettlement unless buyerID holds at least amount
// in escrow.
func (s *Service) CheckEscrow(tx *ledger.Tx, buyerID string, amount lib.Fixed) error {
	account, err := NewDatabase(tx.DB).GetAccount(buyerID)
	if err != nil {
		return err
	}
	var escrow lib.Fixed
	if account != nil {
		escrow = account.Escrow
	}
	if escrow < amount {
		return fmt.Errorf("%w: insufficient escrow for %s: have %s, need %s",
			types.ErrSettlement, buyerID, escrow, amount)
	}
	return nil
}

// Transfer moves amount from the buyer's escrow to the seller's balance and
// qty energy credits from the seller to the buyer.
func (s *Service) Transfer(tx *ledger.Tx, buyerID, sellerID string, amount lib.Fixed, qty int64) error {
	if err := s.CheckEscrow(tx, buyerID, amount); err != nil {
		return err
	}
	db := NewDatabase(tx.DB)

	buyer, err := db.GetOrCreateAccount(buyerID, tx.Now())
	if err != nil {
		return err
	}
	if buyer.Escrow, err = lib.Sub(buyer.Escrow, amount); err != nil {
		return err
	}
	if buyer.EnergyReceived, err = lib.AddQuantity(buyer.EnergyReceived, qty); err != nil {
		return err
	}
	buyer.UpdatedAt = tx.Now()
	if err := db.UpdateAccount(buyer); err != nil {
		return fmt.Errorf("failed to debit buyer: %w", err)
	}

	// Buyer and seller can be the same trader; reload after the debit.
	seller, err := db.GetOrCreateAccount(sellerID, tx.Now())
	if err != nil {
		return err
	}
	if seller.Balance, err = lib.Add(seller.Balance, amount); err != nil {
		return err
	}
	if seller.EnergyDelivered, err = lib.AddQuantity(seller.EnergyDelivered, qty); err != nil {
		return err
	}
	seller.UpdatedAt = tx.Now()
	if err := db.UpdateAccount(seller); err != nil {
		return fmt.Errorf("failed to credit seller: %w", err)
	}
	return nil
}

// GinHandlers contains HTTP handlers for account endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// DepositHandler funds the escrow of the trader in the URL.
// Requires owner authentication; Idempotency-Key header is optional.
func (h *GinHandlers) DepositHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request DepositRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		account, err := h.service.Deposit(c.Request.Context(), c.GetString("clientID"),
			c.Param("trader_id"), request.Amount, c.GetHeader("Idempotency-Key"))
		response.Handle(c, account, err)
	}
}

// GetAccountHandler returns the caller's own account.
func (h *GinHandlers) GetAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, err := h.service.GetAccount(c.Request.Context(), c.GetString("clientID"))
		response.Handle(c, account, err)
	}
}
