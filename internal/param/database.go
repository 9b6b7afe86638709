package param

import (
	"errors"

	"github.com/ksred/lem-clearing/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetParams returns the market parameters row, or nil before initialization.
func (d *Database) GetParams() (*types.MarketParams, error) {
	var params types.MarketParams
	if err := d.db.Order("id ASC").First(&params).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &params, nil
}

func (d *Database) SaveParams(params *types.MarketParams) error {
	return d.db.Save(params).Error
}

// GetWindow returns the window with windowID, or nil.
func (d *Database) GetWindow(windowID string) (*types.ClearingResult, error) {
	var window types.ClearingResult
	if err := d.db.Where("window_id = ?", windowID).First(&window).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &window, nil
}
