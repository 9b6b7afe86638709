package clearing

import (
	"github.com/ksred/lem-clearing/internal/lib"
	"github.com/ksred/lem-clearing/internal/types"
)

type SubmitOrderRequest struct {
	Side     types.Side `json:"side" binding:"required"`
	Price    lib.Fixed  `json:"price"`
	Quantity int64      `json:"quantity" binding:"required"`
}

type SubmitOrderResponse struct {
	OrderID  uint64            `json:"order_id"`
	WindowID string            `json:"window_id"`
	Sequence uint64            `json:"sequence"`
	Status   types.OrderStatus `json:"status"`
}
