// Package param stores the market configuration. Parameters are validated
// when they are set and are read-only while a clearing window they govern is
// in progress.
package param

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/lem-clearing/internal/ledger"
	"github.com/ksred/lem-clearing/internal/lib"
	"github.com/ksred/lem-clearing/internal/types"
	"github.com/ksred/lem-clearing/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// MinTriggerGrace is the shortest trigger period a window can have.
const MinTriggerGrace = time.Second

type Service struct {
	ledger *ledger.Ledger

	mu       sync.RWMutex
	snapshot types.MarketParams
}

// NewService loads the stored parameters, or stores defaults if the market
// has never been configured.
func NewService(ctx context.Context, l *ledger.Ledger, defaults types.MarketParams) (*Service, error) {
	s := &Service{ledger: l}

	err := l.Execute(ctx, func(tx *ledger.Tx) error {
		db := NewDatabase(tx.DB)
		params, err := db.GetParams()
		if err != nil {
			return fmt.Errorf("failed to load market params: %w", err)
		}
		if params == nil {
			if err := validate(&defaults); err != nil {
				return err
			}
			params = &defaults
			params.UpdatedAt = tx.Now()
			if err := db.SaveParams(params); err != nil {
				return fmt.Errorf("failed to store market params: %w", err)
			}
			log.Info().
				Str("service", "param").
				Str("owner", params.Owner).
				Str("min_price", params.MinPrice.String()).
				Str("max_price", params.MaxPrice.String()).
				Int64("quantity_step", params.QuantityStep).
				Msg("initialized market params")
		}
		s.publish(tx, params)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetParams returns the last committed parameters.
func (s *Service) GetParams() types.MarketParams {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// SetBounds sets the admissible order price range.
func (s *Service) SetBounds(ctx context.Context, caller string, min, max lib.Fixed) (*types.MarketParams, error) {
	if min > max {
		return nil, fmt.Errorf("%w: min price %s above max price %s", types.ErrConfig, min, max)
	}
	return s.update(ctx, caller, "bounds", func(p *types.MarketParams, _ time.Time) error {
		p.MinPrice = min
		p.MaxPrice = max
		return nil
	})
}

// SetQuantityStep sets the smallest tradable quantity unit.
func (s *Service) SetQuantityStep(ctx context.Context, caller string, step int64) (*types.MarketParams, error) {
	if step <= 0 {
		return nil, fmt.Errorf("%w: quantity step must be positive, got %d", types.ErrConfig, step)
	}
	return s.update(ctx, caller, "quantity_step", func(p *types.MarketParams, _ time.Time) error {
		p.QuantityStep = step
		return nil
	})
}

// SetDeadline sets the order deadline of the next window and the period
// after it during which clearing can be triggered. The grace is stored in
// whole seconds and must be at least one.
func (s *Service) SetDeadline(ctx context.Context, caller string, deadline time.Time, grace time.Duration) (*types.MarketParams, error) {
	if grace < MinTriggerGrace {
		return nil, fmt.Errorf("%w: trigger grace %s is below %s", types.ErrConfig, grace, MinTriggerGrace)
	}
	return s.update(ctx, caller, "deadline", func(p *types.MarketParams, now time.Time) error {
		if !deadline.After(now) {
			return fmt.Errorf("%w: deadline %s is not in the future", types.ErrConfig, deadline.Format(time.RFC3339))
		}
		p.Deadline = deadline.UTC()
		p.TriggerGrace = int64(grace / time.Second)
		return nil
	})
}

func (s *Service) update(ctx context.Context, caller, field string, apply func(*types.MarketParams, time.Time) error) (*types.MarketParams, error) {
	logger := log.With().
		Str("service", "param").
		Str("field", field).
		Str("caller", caller).
		Logger()

	var updated *types.MarketParams
	err := s.ledger.Execute(ctx, func(tx *ledger.Tx) error {
		db := NewDatabase(tx.DB)
		params, err := Load(tx.DB)
		if err != nil {
			return err
		}
		if caller != params.Owner {
			return fmt.Errorf("%w: only the market owner can change %s", types.ErrForbidden, field)
		}
		frozen, err := governed(db, params, tx.Now())
		if err != nil {
			return err
		}
		if frozen {
			return fmt.Errorf("%w: window %s is in progress", types.ErrConfig, params.GoverningWindow)
		}

		if err := apply(params, tx.Now()); err != nil {
			return err
		}
		if err := validate(params); err != nil {
			return err
		}
		params.UpdatedAt = tx.Now()
		if err := db.SaveParams(params); err != nil {
			return fmt.Errorf("failed to save market params: %w", err)
		}
		if err := tx.Emit("params.updated", "", params); err != nil {
			return err
		}
		s.publish(tx, params)
		updated = params
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("market params update rejected")
		return nil, err
	}

	logger.Info().Msg("market params updated")
	return updated, nil
}

// Load reads the parameters inside an ongoing operation.
func Load(db *gorm.DB) (*types.MarketParams, error) {
	params, err := NewDatabase(db).GetParams()
	if err != nil {
		return nil, fmt.Errorf("failed to load market params: %w", err)
	}
	if params == nil {
		return nil, fmt.Errorf("%w: market params not initialized", types.ErrConfig)
	}
	return params, nil
}

// Govern binds the parameters to windowID; they stay frozen until Release
// or until the window's trigger period lapses.
func (s *Service) Govern(tx *ledger.Tx, windowID string) (*types.MarketParams, error) {
	params, err := Load(tx.DB)
	if err != nil {
		return nil, err
	}
	params.GoverningWindow = windowID
	if err := NewDatabase(tx.DB).SaveParams(params); err != nil {
		return nil, fmt.Errorf("failed to bind market params: %w", err)
	}
	s.publish(tx, params)
	return params, nil
}

// Release unbinds the parameters from their window.
func (s *Service) Release(tx *ledger.Tx) error {
	params, err := Load(tx.DB)
	if err != nil {
		return err
	}
	params.GoverningWindow = ""
	if err := NewDatabase(tx.DB).SaveParams(params); err != nil {
		return fmt.Errorf("failed to release market params: %w", err)
	}
	s.publish(tx, params)
	return nil
}

func (s *Service) publish(tx *ledger.Tx, params *types.MarketParams) {
	snapshot := *params
	tx.OnCommit(func() {
		s.mu.Lock()
		s.snapshot = snapshot
		s.mu.Unlock()
	})
}

func governed(db *Database, params *types.MarketParams, now time.Time) (bool, error) {
	if params.GoverningWindow == "" {
		return false, nil
	}
	window, err := db.GetWindow(params.GoverningWindow)
	if err != nil {
		return false, fmt.Errorf("failed to load governing window: %w", err)
	}
	if window == nil {
		return false, nil
	}
	inProgress := window.State == types.WindowOpen || window.State == types.WindowClearing
	return inProgress && now.Before(window.TriggerCloses()), nil
}

func validate(p *types.MarketParams) error {
	if p.MinPrice > p.MaxPrice {
		return fmt.Errorf("%w: min price %s above max price %s", types.ErrConfig, p.MinPrice, p.MaxPrice)
	}
	if p.QuantityStep <= 0 {
		return fmt.Errorf("%w: quantity step must be positive", types.ErrConfig)
	}
	// Without a trigger period a window expires at its deadline, the first
	// instant it could be cleared.
	if p.TriggerGrace < int64(MinTriggerGrace/time.Second) {
		return fmt.Errorf("%w: trigger grace must be at least %s", types.ErrConfig, MinTriggerGrace)
	}
	if p.Owner == "" {
		return fmt.Errorf("%w: market owner is required", types.ErrConfig)
	}
	return nil
}

// GinHandlers contains HTTP handlers for market parameter endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func (h *GinHandlers) GetParamsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.service.GetParams())
	}
}

// SetBoundsHandler requires owner authentication
func (h *GinHandlers) SetBoundsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request BoundsRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		params, err := h.service.SetBounds(c.Request.Context(), c.GetString("clientID"), request.MinPrice, request.MaxPrice)
		response.Handle(c, params, err)
	}
}

// SetQuantityStepHandler requires owner authentication
func (h *GinHandlers) SetQuantityStepHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request QuantityStepRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		params, err := h.service.SetQuantityStep(c.Request.Context(), c.GetString("clientID"), request.QuantityStep)
		response.Handle(c, params, err)
	}
}

// SetDeadlineHandler requires owner authentication
func (h *GinHandlers) SetDeadlineHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request DeadlineRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		grace := time.Duration(request.TriggerGraceSeconds) * time.Second
		params, err := h.service.SetDeadline(c.Request.Context(), c.GetString("clientID"), request.Deadline, grace)
		response.Handle(c, params, err)
	}
}
