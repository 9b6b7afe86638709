package clearing

import (
	"errors"
	"fmt"
	"time"

	"github.com/ksred/lem-clearing/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CurrentWindow returns the most recently opened window, or nil.
func (d *Database) CurrentWindow() (*types.ClearingResult, error) {
	var window types.ClearingResult
	if err := d.db.Order("id DESC").First(&window).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch current window: %w", err)
	}
	return &window, nil
}

// GetWindow returns the window with its trades in result order, or nil.
func (d *Database) GetWindow(windowID string) (*types.ClearingResult, error) {
	var window types.ClearingResult
	err := d.db.
		Preload("Trades", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("window_id = ?", windowID).
		First(&window).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch window: %w", err)
	}
	return &window, nil
}

func (d *Database) CreateWindow(window *types.ClearingResult) error {
	return d.db.Omit(clause.Associations).Create(window).Error
}

func (d *Database) SaveWindow(window *types.ClearingResult) error {
	return d.db.Omit(clause.Associations).Save(window).Error
}

// NextOrderID returns the next unused order id.
func (d *Database) NextOrderID() (uint64, error) {
	var last uint64
	if err := d.db.Model(&types.Order{}).Select("COALESCE(MAX(order_id), 0)").Scan(&last).Error; err != nil {
		return 0, fmt.Errorf("failed to read last order id: %w", err)
	}
	return last + 1, nil
}

func (d *Database) CreateOrder(order *types.Order) error {
	return d.db.Create(order).Error
}

func (d *Database) SaveOrder(order *types.Order) error {
	return d.db.Save(order).Error
}

// GetOrder returns the order with orderID, or nil.
func (d *Database) GetOrder(orderID uint64) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch order: %w", err)
	}
	return &order, nil
}

// OpenOrders returns the open orders of one side of a window in arrival order.
func (d *Database) OpenOrders(windowID string, side types.Side) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.
		Where("window_id = ? AND side = ? AND status = ?", windowID, side, types.OrderOpen).
		Order("sequence ASC").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch open orders: %w", err)
	}
	return orders, nil
}

func (d *Database) ListOrders(windowID string) ([]types.Order, error) {
	var orders []types.Order
	if err := d.db.Where("window_id = ?", windowID).Order("sequence ASC").Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch orders: %w", err)
	}
	return orders, nil
}

// ExpireOpenOrders voids every order of the window still open.
func (d *Database) ExpireOpenOrders(windowID string, now time.Time) (int64, error) {
	result := d.db.Model(&types.Order{}).
		Where("window_id = ? AND status = ?", windowID, types.OrderOpen).
		Updates(map[string]interface{}{
			"status":     types.OrderExpired,
			"updated_at": now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to expire orders: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (d *Database) CreateTrades(trades []types.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	return d.db.Create(&trades).Error
}

// GetTrade returns the trade with tradeID, or nil.
func (d *Database) GetTrade(tradeID string) (*types.Trade, error) {
	var trade types.Trade
	if err := d.db.Where("trade_id = ?", tradeID).First(&trade).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch trade: %w", err)
	}
	return &trade, nil
}

// UnsettledTrades returns the trades of cleared windows that have no settled
// record yet, oldest first.
func (d *Database) UnsettledTrades() ([]types.Trade, error) {
	var trades []types.Trade
	err := d.db.
		Joins("JOIN clearing_results ON clearing_results.window_id = trades.window_id").
		Where("clearing_results.state = ?", types.WindowCleared).
		Where("NOT EXISTS (SELECT 1 FROM settlement_records WHERE settlement_records.trade_id = trades.trade_id AND settlement_records.settled = ?)", true).
		Order("trades.id ASC").
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unsettled trades: %w", err)
	}
	return trades, nil
}
