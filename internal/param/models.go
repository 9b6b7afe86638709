package param

import (
	"time"

	"github.com/ksred/lem-clearing/internal/lib"
)

type BoundsRequest struct {
	MinPrice lib.Fixed `json:"min_price"`
	MaxPrice lib.Fixed `json:"max_price" binding:"required"`
}

type QuantityStepRequest struct {
	QuantityStep int64 `json:"quantity_step" binding:"required"`
}

type DeadlineRequest struct {
	Deadline            time.Time `json:"deadline" binding:"required"`
	TriggerGraceSeconds int64     `json:"trigger_grace_seconds"`
}
