package types

import (
	"errors"

	"github.com/ksred/lem-clearing/internal/lib"
)

// Error taxonomy. Every failure returned by the market services wraps exactly
// one of these with %w, so callers classify with errors.Is.
var (
	// ErrConfig: invalid parameter bounds or configuration attempted mid-window.
	ErrConfig = errors.New("config error")
	// ErrInvalidOrder: order violates bounds, precision, window state or deadline.
	ErrInvalidOrder = errors.New("invalid order")
	// ErrArithmetic: overflow, underflow or division by zero in lib.
	ErrArithmetic = lib.ErrArithmetic
	// ErrState: operation invoked in the wrong lifecycle state.
	ErrState = errors.New("state error")
	// ErrSettlement: double settlement, unknown trade or insufficient escrow.
	ErrSettlement = errors.New("settlement error")

	ErrNotFound       = errors.New("not found")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidRequest = errors.New("invalid request")
)
