// Package settlement executes the trades of cleared windows: it moves the
// trade amount from the buyer's escrow to the seller and the energy credits
// the other way, exactly once per trade.
package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/lem-clearing/internal/accounts"
	"github.com/ksred/lem-clearing/internal/ledger"
	"github.com/ksred/lem-clearing/internal/lib"
	"github.com/ksred/lem-clearing/internal/types"
	"github.com/ksred/lem-clearing/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var ErrNoResultStore = errors.New("settlement needs a clearing result store")

type Service struct {
	ledger   *ledger.Ledger
	results  ResultStore
	accounts *accounts.Service
}

// NewService binds settlement to the clearing results it settles. The
// binding cannot be changed afterwards.
func NewService(l *ledger.Ledger, results ResultStore, acc *accounts.Service) (*Service, error) {
	if results == nil {
		return nil, ErrNoResultStore
	}
	return &Service{
		ledger:   l,
		results:  results,
		accounts: acc,
	}, nil
}

// Settle settles one trade. A trade settles once; later calls fail with
// ErrSettlement and transfer nothing.
func (s *Service) Settle(ctx context.Context, tradeID string) (*types.SettlementRecord, error) {
	logger := log.With().
		Str("trade_id", tradeID).
		Str("service", "settlement").
		Logger()

	logger.Info().Msg("starting settlement process for trade")

	var record *types.SettlementRecord
	err := s.ledger.Execute(ctx, func(tx *ledger.Tx) error {
		db := NewDatabase(tx.DB)

		trade, err := s.results.Trade(tx.DB, tradeID)
		if err != nil {
			return err
		}
		if trade == nil {
			current, err := s.results.CurrentWindow(tx.DB)
			if err != nil {
				return err
			}
			if current == nil || current.State != types.WindowCleared {
				return fmt.Errorf("%w: no cleared result to settle against", types.ErrState)
			}
			return fmt.Errorf("%w: unknown trade %s", types.ErrSettlement, tradeID)
		}

		state, err := s.results.WindowState(tx.DB, trade.WindowID)
		if err != nil {
			return err
		}
		if state != types.WindowCleared {
			return fmt.Errorf("%w: window %s is %s", types.ErrState, trade.WindowID, state)
		}

		existing, err := db.GetSettlementByTradeID(tradeID)
		if err != nil {
			return fmt.Errorf("failed to fetch settlement record: %w", err)
		}
		if existing != nil && existing.Settled {
			return fmt.Errorf("%w: trade %s already settled", types.ErrSettlement, tradeID)
		}

		amount, err := lib.Mul(trade.ClearingPrice, trade.Quantity)
		if err != nil {
			return fmt.Errorf("settlement amount of trade %s: %w", tradeID, err)
		}
		if err := s.accounts.CheckEscrow(tx, trade.BuyerID, amount); err != nil {
			return err
		}

		logger.Debug().
			Str("buyer_id", trade.BuyerID).
			Str("seller_id", trade.SellerID).
			Str("amount", amount.String()).
			Int64("quantity", trade.Quantity).
			Msg("settlement checks passed")

		// Effects before the transfer.
		now := tx.Now()
		record = &types.SettlementRecord{
			SettlementID:  "STL_" + uuid.New().String(),
			TradeID:       trade.TradeID,
			WindowID:      trade.WindowID,
			BuyerID:       trade.BuyerID,
			SellerID:      trade.SellerID,
			Quantity:      trade.Quantity,
			ClearingPrice: trade.ClearingPrice,
			SettledAmount: amount,
			Settled:       true,
			SettledAt:     &now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := db.CreateSettlement(record); err != nil {
			return fmt.Errorf("failed to create settlement record: %w", err)
		}

		if err := s.accounts.Transfer(tx, trade.BuyerID, trade.SellerID, amount, trade.Quantity); err != nil {
			return err
		}
		return tx.Emit("trade.settled", trade.WindowID, record)
	})
	if err != nil {
		logger.Error().Err(err).Msg("settlement failed")
		return nil, err
	}

	logger.Info().
		Str("settlement_id", record.SettlementID).
		Str("settled_amount", record.SettledAmount.String()).
		Msg("settlement process completed successfully")
	return record, nil
}

// GetSettlement returns the settlement record of a trade. A known trade that
// has not settled yet is reported with Settled false.
func (s *Service) GetSettlement(ctx context.Context, tradeID string) (*types.SettlementRecord, error) {
	var record *types.SettlementRecord
	err := s.ledger.Read(ctx, func(db *gorm.DB) error {
		var err error
		record, err = NewDatabase(db).GetSettlementByTradeID(tradeID)
		if err != nil || record != nil {
			return err
		}
		trade, err := s.results.Trade(db, tradeID)
		if err != nil || trade == nil {
			return err
		}
		record = &types.SettlementRecord{
			TradeID:       trade.TradeID,
			WindowID:      trade.WindowID,
			BuyerID:       trade.BuyerID,
			SellerID:      trade.SellerID,
			Quantity:      trade.Quantity,
			ClearingPrice: trade.ClearingPrice,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%w: trade %s", types.ErrNotFound, tradeID)
	}
	return record, nil
}

// GetTraderSettlements returns the settlements a trader took part in.
func (s *Service) GetTraderSettlements(ctx context.Context, traderID string) ([]types.SettlementRecord, error) {
	var records []types.SettlementRecord
	err := s.ledger.Read(ctx, func(db *gorm.DB) error {
		var err error
		records, err = NewDatabase(db).GetTraderSettlements(traderID)
		return err
	})
	return records, err
}

// ListPending returns the trades of cleared windows that are not settled.
func (s *Service) ListPending(ctx context.Context) ([]types.Trade, error) {
	var trades []types.Trade
	err := s.ledger.Read(ctx, func(db *gorm.DB) error {
		var err error
		trades, err = s.results.UnsettledTrades(db)
		return err
	})
	return trades, err
}

// SettlePending settles every pending trade. Trades that fail stay pending.
func (s *Service) SettlePending(ctx context.Context) (*BatchResult, error) {
	trades, err := s.ListPending(ctx)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{}
	for _, trade := range trades {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if _, err := s.Settle(ctx, trade.TradeID); err != nil {
			result.Failed++
			continue
		}
		result.Settled++
	}
	return result, nil
}

// GinHandlers contains HTTP handlers for settlement endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func (h *GinHandlers) SettleTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		record, err := h.service.Settle(c.Request.Context(), c.Param("trade_id"))
		response.Handle(c, record, err)
	}
}

func (h *GinHandlers) GetSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		record, err := h.service.GetSettlement(c.Request.Context(), c.Param("trade_id"))
		response.Handle(c, record, err)
	}
}

func (h *GinHandlers) GetTraderSettlementsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := h.service.GetTraderSettlements(c.Request.Context(), c.GetString("clientID"))
		response.Handle(c, records, err)
	}
}
