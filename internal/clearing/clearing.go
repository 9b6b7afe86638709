// Package clearing runs ex-ante clearing windows: it admits orders while a
// window is open and clears them once, in a single uniform-price pass.
package clearing

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/lem-clearing/internal/ledger"
	"github.com/ksred/lem-clearing/internal/lib"
	"github.com/ksred/lem-clearing/internal/param"
	"github.com/ksred/lem-clearing/internal/sorting"
	"github.com/ksred/lem-clearing/internal/types"
	"github.com/ksred/lem-clearing/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

type Options struct {
	Pricing PricingRule
	Policy  TriggerPolicy
}

// Service handles clearing windows and the orders submitted to them
type Service struct {
	ledger  *ledger.Ledger
	params  *param.Service
	pricing PricingRule
	policy  TriggerPolicy
}

func NewService(l *ledger.Ledger, params *param.Service, opts Options) *Service {
	if opts.Pricing == "" {
		opts.Pricing = PriceLastAsk
	}
	if opts.Policy == nil {
		opts.Policy = DeadlinePolicy{}
	}
	return &Service{
		ledger:  l,
		params:  params,
		pricing: opts.Pricing,
		policy:  opts.Policy,
	}
}

// OpenWindow starts a new clearing window governed by the current params.
// Only the market owner can open windows.
func (s *Service) OpenWindow(ctx context.Context, caller string) (*types.ClearingResult, error) {
	logger := log.With().
		Str("caller", caller).
		Str("service", "clearing").
		Logger()

	if err := s.sweep(ctx); err != nil {
		return nil, err
	}

	var window *types.ClearingResult
	err := s.ledger.Execute(ctx, func(tx *ledger.Tx) error {
		db := NewDatabase(tx.DB)
		params, err := param.Load(tx.DB)
		if err != nil {
			return err
		}
		if caller != params.Owner {
			return fmt.Errorf("%w: only the market owner can open a window", types.ErrForbidden)
		}

		current, err := db.CurrentWindow()
		if err != nil {
			return err
		}
		if current != nil && current.State == types.WindowOpen {
			return fmt.Errorf("%w: window %s is still open", types.ErrState, current.WindowID)
		}
		if !params.Deadline.After(tx.Now()) {
			return fmt.Errorf("%w: deadline %s is not in the future", types.ErrConfig, params.Deadline.Format(time.RFC3339))
		}

		window = &types.ClearingResult{
			WindowID:     "WIN_" + uuid.New().String(),
			State:        types.WindowOpen,
			Deadline:     params.Deadline,
			TriggerGrace: params.TriggerGrace,
			PricingRule:  string(s.pricing),
			OpenedAt:     tx.Now(),
		}
		if err := db.CreateWindow(window); err != nil {
			return fmt.Errorf("failed to create window: %w", err)
		}
		if _, err := s.params.Govern(tx, window.WindowID); err != nil {
			return err
		}
		return tx.Emit("window.opened", window.WindowID, window)
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to open window")
		return nil, err
	}

	logger.Info().
		Str("window_id", window.WindowID).
		Time("deadline", window.Deadline).
		Str("pricing_rule", window.PricingRule).
		Msg("clearing window opened")
	return window, nil
}

// SubmitOrder admits an order to the open window.
func (s *Service) SubmitOrder(ctx context.Context, traderID string, side types.Side, price lib.Fixed, quantity int64) (*types.Order, error) {
	logger := log.With().
		Str("trader_id", traderID).
		Str("side", string(side)).
		Str("service", "clearing").
		Logger()

	if err := s.sweep(ctx); err != nil {
		return nil, err
	}

	var order *types.Order
	err := s.ledger.Execute(ctx, func(tx *ledger.Tx) error {
		db := NewDatabase(tx.DB)
		window, err := db.CurrentWindow()
		if err != nil {
			return err
		}
		if window == nil {
			return fmt.Errorf("%w: no clearing window", types.ErrInvalidOrder)
		}
		if window.State != types.WindowOpen {
			return fmt.Errorf("%w: window %s is %s", types.ErrInvalidOrder, window.WindowID, window.State)
		}
		if !tx.Now().Before(window.Deadline) {
			return fmt.Errorf("%w: deadline of window %s has passed", types.ErrInvalidOrder, window.WindowID)
		}

		params, err := param.Load(tx.DB)
		if err != nil {
			return err
		}
		if err := validateOrder(params, traderID, side, price, quantity); err != nil {
			return err
		}

		orderID, err := db.NextOrderID()
		if err != nil {
			return err
		}
		window.OrderCount++
		order = &types.Order{
			OrderID:   orderID,
			WindowID:  window.WindowID,
			TraderID:  traderID,
			Side:      side,
			Price:     price,
			Quantity:  quantity,
			Remaining: quantity,
			Sequence:  window.OrderCount,
			Status:    types.OrderOpen,
			CreatedAt: tx.Now(),
			UpdatedAt: tx.Now(),
		}
		if err := db.CreateOrder(order); err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		if err := db.SaveWindow(window); err != nil {
			return fmt.Errorf("failed to update window: %w", err)
		}
		return tx.Emit("order.submitted", window.WindowID, order)
	})
	if err != nil {
		logger.Error().Err(err).Msg("order rejected")
		return nil, err
	}

	logger.Info().
		Uint64("order_id", order.OrderID).
		Uint64("sequence", order.Sequence).
		Str("price", order.Price.String()).
		Int64("quantity", order.Quantity).
		Msg("order accepted")
	return order, nil
}

func validateOrder(params *types.MarketParams, traderID string, side types.Side, price lib.Fixed, quantity int64) error {
	if traderID == "" {
		return fmt.Errorf("%w: trader is required", types.ErrInvalidOrder)
	}
	if !side.Valid() {
		return fmt.Errorf("%w: unknown side %q", types.ErrInvalidOrder, side)
	}
	if price < params.MinPrice || price > params.MaxPrice {
		return fmt.Errorf("%w: price %s outside [%s, %s]", types.ErrInvalidOrder, price, params.MinPrice, params.MaxPrice)
	}
	if quantity <= 0 || quantity%params.QuantityStep != 0 {
		return fmt.Errorf("%w: quantity %d is not a positive multiple of %d", types.ErrInvalidOrder, quantity, params.QuantityStep)
	}
	return nil
}

// CancelOrder withdraws an open order before the deadline. Only the trader
// who submitted it can cancel it.
func (s *Service) CancelOrder(ctx context.Context, traderID string, orderID uint64) (*types.Order, error) {
	logger := log.With().
		Str("trader_id", traderID).
		Uint64("order_id", orderID).
		Str("service", "clearing").
		Logger()

	if err := s.sweep(ctx); err != nil {
		return nil, err
	}

	var order *types.Order
	err := s.ledger.Execute(ctx, func(tx *ledger.Tx) error {
		db := NewDatabase(tx.DB)
		var err error
		order, err = db.GetOrder(orderID)
		if err != nil {
			return err
		}
		if order == nil {
			return fmt.Errorf("%w: order %d", types.ErrNotFound, orderID)
		}
		if order.TraderID != traderID {
			return fmt.Errorf("%w: order %d belongs to another trader", types.ErrForbidden, orderID)
		}

		window, err := db.GetWindow(order.WindowID)
		if err != nil {
			return err
		}
		if window == nil || window.State != types.WindowOpen {
			return fmt.Errorf("%w: window %s is not open", types.ErrState, order.WindowID)
		}
		if !tx.Now().Before(window.Deadline) {
			return fmt.Errorf("%w: deadline of window %s has passed", types.ErrInvalidOrder, window.WindowID)
		}
		if order.Status != types.OrderOpen {
			return fmt.Errorf("%w: order %d is %s", types.ErrInvalidOrder, orderID, order.Status)
		}

		order.Status = types.OrderCancelled
		order.UpdatedAt = tx.Now()
		if err := db.SaveOrder(order); err != nil {
			return fmt.Errorf("failed to cancel order: %w", err)
		}
		return tx.Emit("order.cancelled", order.WindowID, order)
	})
	if err != nil {
		logger.Error().Err(err).Msg("cancel rejected")
		return nil, err
	}

	logger.Info().Msg("order cancelled")
	return order, nil
}

// TriggerClearing runs the clearing pass of the open window. Any party may
// call it once the trigger policy allows it; it succeeds once per window.
func (s *Service) TriggerClearing(ctx context.Context, caller string) (*types.ClearingResult, error) {
	logger := log.With().
		Str("caller", caller).
		Str("service", "clearing").
		Logger()

	logger.Info().Msg("clearing triggered")

	if err := s.sweep(ctx); err != nil {
		return nil, err
	}

	var windowID string
	err := s.ledger.Execute(ctx, func(tx *ledger.Tx) error {
		db := NewDatabase(tx.DB)
		window, err := db.CurrentWindow()
		if err != nil {
			return err
		}
		if window == nil {
			return fmt.Errorf("%w: no clearing window", types.ErrState)
		}
		if window.State != types.WindowOpen {
			return fmt.Errorf("%w: window %s is %s", types.ErrState, window.WindowID, window.State)
		}
		if !tx.Now().Before(window.TriggerCloses()) {
			return fmt.Errorf("%w: trigger period of window %s has lapsed", types.ErrState, window.WindowID)
		}
		windowID = window.WindowID

		bids, err := db.OpenOrders(window.WindowID, types.Buy)
		if err != nil {
			return err
		}
		asks, err := db.OpenOrders(window.WindowID, types.Sell)
		if err != nil {
			return err
		}
		if !s.policy.Ready(tx.Now(), window, len(bids), len(asks)) {
			return fmt.Errorf("%w: %s policy does not allow clearing window %s yet",
				types.ErrState, s.policy.Name(), window.WindowID)
		}

		window.State = types.WindowClearing
		if err := db.SaveWindow(window); err != nil {
			return fmt.Errorf("failed to lock window: %w", err)
		}

		trades, err := s.clear(tx, window, bids, asks)
		if err != nil {
			return err
		}

		now := tx.Now()
		window.State = types.WindowCleared
		window.FinalizedAt = &now
		window.TriggeredBy = caller
		if err := db.SaveWindow(window); err != nil {
			return fmt.Errorf("failed to finalize window: %w", err)
		}
		if err := s.params.Release(tx); err != nil {
			return err
		}

		for i := range trades {
			if err := tx.Emit("trade.created", window.WindowID, trades[i]); err != nil {
				return err
			}
		}
		return tx.Emit("window.cleared", window.WindowID, map[string]interface{}{
			"window_id":              window.WindowID,
			"clearing_price":         window.ClearingPrice,
			"total_matched_quantity": window.TotalMatchedQuantity,
			"trades":                 len(trades),
			"triggered_by":           caller,
		})
	})
	if err != nil {
		logger.Error().Err(err).Msg("clearing failed")
		return nil, err
	}

	result, err := s.GetWindow(ctx, windowID)
	if err != nil {
		return nil, err
	}

	event := logger.Info().
		Str("window_id", result.WindowID).
		Int("trades", len(result.Trades)).
		Int64("total_matched_quantity", result.TotalMatchedQuantity)
	if result.ClearingPrice != nil {
		event = event.Str("clearing_price", result.ClearingPrice.String())
	}
	event.Msg("clearing window cleared")
	return result, nil
}

// clear ranks both sides, walks them and records the trades and the order
// outcomes of the window.
func (s *Service) clear(tx *ledger.Tx, window *types.ClearingResult, bids, asks []types.Order) ([]types.Trade, error) {
	db := NewDatabase(tx.DB)

	bids = sorting.RankBids(bids)
	asks = sorting.RankAsks(asks)
	if !sorting.IsRanked(types.Buy, bids) || !sorting.IsRanked(types.Sell, asks) {
		return nil, fmt.Errorf("order ranking of window %s is inconsistent", window.WindowID)
	}

	result, err := Walk(bids, asks, s.pricing)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("service", "clearing").
		Str("window_id", window.WindowID).
		Int("bids", len(bids)).
		Int("asks", len(asks)).
		Int("matches", len(result.Matches)).
		Msg("matching walk completed")

	trades := make([]types.Trade, 0, len(result.Matches))
	for i, m := range result.Matches {
		bid, ask := bids[m.BidIndex], asks[m.AskIndex]
		trades = append(trades, types.Trade{
			TradeID:       "TRD_" + uuid.New().String(),
			WindowID:      window.WindowID,
			Position:      i,
			BuyOrderID:    bid.OrderID,
			SellOrderID:   ask.OrderID,
			BuyerID:       bid.TraderID,
			SellerID:      ask.TraderID,
			BuyPrice:      bid.Price,
			SellPrice:     ask.Price,
			Quantity:      m.Quantity,
			ClearingPrice: *result.ClearingPrice,
			CreatedAt:     tx.Now(),
		})
	}
	if err := db.CreateTrades(trades); err != nil {
		return nil, fmt.Errorf("failed to record trades: %w", err)
	}

	for _, side := range [][]types.Order{bids, asks} {
		for i := range side {
			order := &side[i]
			if order.Remaining == order.Quantity {
				continue
			}
			order.Status = types.OrderMatched
			order.UpdatedAt = tx.Now()
			if err := db.SaveOrder(order); err != nil {
				return nil, fmt.Errorf("failed to update order %d: %w", order.OrderID, err)
			}
		}
	}
	if _, err := db.ExpireOpenOrders(window.WindowID, tx.Now()); err != nil {
		return nil, err
	}

	window.ClearingPrice = result.ClearingPrice
	window.TotalMatchedQuantity = result.TotalQuantity
	return trades, nil
}

// sweep expires the current window if its trigger period lapsed without a
// clearing pass. It commits on its own so the expiry stands even when the
// operation that discovered it fails.
func (s *Service) sweep(ctx context.Context) error {
	var expired string
	err := s.ledger.Execute(ctx, func(tx *ledger.Tx) error {
		db := NewDatabase(tx.DB)
		window, err := db.CurrentWindow()
		if err != nil {
			return err
		}
		if window == nil || window.State != types.WindowOpen || tx.Now().Before(window.TriggerCloses()) {
			return nil
		}

		now := tx.Now()
		window.State = types.WindowExpired
		window.FinalizedAt = &now
		if err := db.SaveWindow(window); err != nil {
			return fmt.Errorf("failed to expire window: %w", err)
		}
		voided, err := db.ExpireOpenOrders(window.WindowID, now)
		if err != nil {
			return err
		}
		if err := s.params.Release(tx); err != nil {
			return err
		}
		expired = window.WindowID
		return tx.Emit("window.expired", window.WindowID, map[string]interface{}{
			"window_id":     window.WindowID,
			"voided_orders": voided,
		})
	})
	if err != nil {
		log.Error().Err(err).Str("service", "clearing").Msg("failed to expire window")
		return err
	}
	if expired != "" {
		log.Warn().
			Str("service", "clearing").
			Str("window_id", expired).
			Msg("clearing window expired without a clearing pass")
	}
	return nil
}

// GetClearingResult returns the current window with its trades.
func (s *Service) GetClearingResult(ctx context.Context) (*types.ClearingResult, error) {
	if err := s.sweep(ctx); err != nil {
		return nil, err
	}

	var result *types.ClearingResult
	err := s.ledger.Read(ctx, func(db *gorm.DB) error {
		d := NewDatabase(db)
		current, err := d.CurrentWindow()
		if err != nil || current == nil {
			return err
		}
		result, err = d.GetWindow(current.WindowID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("%w: no clearing window", types.ErrNotFound)
	}
	return result, nil
}

// GetWindow returns any window with its trades.
func (s *Service) GetWindow(ctx context.Context, windowID string) (*types.ClearingResult, error) {
	var result *types.ClearingResult
	err := s.ledger.Read(ctx, func(db *gorm.DB) error {
		var err error
		result, err = NewDatabase(db).GetWindow(windowID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("%w: window %s", types.ErrNotFound, windowID)
	}
	return result, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID uint64) (*types.Order, error) {
	var order *types.Order
	err := s.ledger.Read(ctx, func(db *gorm.DB) error {
		var err error
		order, err = NewDatabase(db).GetOrder(orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, fmt.Errorf("%w: order %d", types.ErrNotFound, orderID)
	}
	return order, nil
}

func (s *Service) ListOrders(ctx context.Context, windowID string) ([]types.Order, error) {
	var orders []types.Order
	err := s.ledger.Read(ctx, func(db *gorm.DB) error {
		var err error
		orders, err = NewDatabase(db).ListOrders(windowID)
		return err
	})
	return orders, err
}

// The methods below give settlement read-only access to clearing results
// from inside its own ledger operation.

func (s *Service) CurrentWindow(db *gorm.DB) (*types.ClearingResult, error) {
	return NewDatabase(db).CurrentWindow()
}

func (s *Service) WindowState(db *gorm.DB, windowID string) (types.WindowState, error) {
	window, err := NewDatabase(db).GetWindow(windowID)
	if err != nil {
		return "", err
	}
	if window == nil {
		return "", fmt.Errorf("%w: window %s", types.ErrNotFound, windowID)
	}
	return window.State, nil
}

func (s *Service) Trade(db *gorm.DB, tradeID string) (*types.Trade, error) {
	return NewDatabase(db).GetTrade(tradeID)
}

func (s *Service) UnsettledTrades(db *gorm.DB) ([]types.Trade, error) {
	return NewDatabase(db).UnsettledTrades()
}

// GinHandlers contains HTTP handlers for clearing endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for clearing endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// OpenWindowHandler requires owner authentication
func (h *GinHandlers) OpenWindowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		window, err := h.service.OpenWindow(c.Request.Context(), c.GetString("clientID"))
		response.Handle(c, window, err)
	}
}

// SubmitOrderHandler submits an order for the authenticated trader
func (h *GinHandlers) SubmitOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request SubmitOrderRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.SubmitOrder(c.Request.Context(), c.GetString("clientID"),
			request.Side, request.Price, request.Quantity)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, SubmitOrderResponse{
			OrderID:  order.OrderID,
			WindowID: order.WindowID,
			Sequence: order.Sequence,
			Status:   order.Status,
		})
	}
}

func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, err := strconv.ParseUint(c.Param("order_id"), 10, 64)
		if err != nil {
			response.BadRequest(c, "Invalid order id")
			return
		}

		order, err := h.service.GetOrder(c.Request.Context(), orderID)
		response.Handle(c, order, err)
	}
}

func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, err := strconv.ParseUint(c.Param("order_id"), 10, 64)
		if err != nil {
			response.BadRequest(c, "Invalid order id")
			return
		}

		order, err := h.service.CancelOrder(c.Request.Context(), c.GetString("clientID"), orderID)
		response.Handle(c, order, err)
	}
}

func (h *GinHandlers) TriggerClearingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.service.TriggerClearing(c.Request.Context(), c.GetString("clientID"))
		response.Handle(c, result, err)
	}
}

func (h *GinHandlers) GetClearingResultHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.service.GetClearingResult(c.Request.Context())
		response.Handle(c, result, err)
	}
}

func (h *GinHandlers) GetWindowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.service.GetWindow(c.Request.Context(), c.Param("window_id"))
		response.Handle(c, result, err)
	}
}
