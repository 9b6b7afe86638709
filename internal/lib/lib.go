// Package lib holds the fixed-point arithmetic shared by sorting, clearing and
// settlement. Every operation is pure and overflow-checked: intermediate
// values are computed in 256 bits and the result must fit the representable
// range [0, MaxFixed], otherwise ErrArithmetic is returned.
package lib

import (
	"errors"
	"fmt"
	"math"

	"github.com/holiman/uint256"
)

// ErrArithmetic is returned on overflow, underflow or division by zero.
var ErrArithmetic = errors.New("arithmetic error")

// Decimals is the number of fractional digits carried by a Fixed.
const Decimals = 6

// Unit is 1.0 expressed as a Fixed.
const Unit Fixed = 1_000_000

// MaxFixed is the largest representable value.
const MaxFixed Fixed = math.MaxInt64

// Fixed is a non-negative fixed-point number with Decimals fractional digits.
// Prices are Fixed per unit of quantity; amounts (price × quantity) are Fixed.
type Fixed int64

var maxFixed = uint256.NewInt(uint64(MaxFixed))

func toUint(v int64) (*uint256.Int, error) {
	if v < 0 {
		return nil, fmt.Errorf("%w: negative operand %d", ErrArithmetic, v)
	}
	return uint256.NewInt(uint64(v)), nil
}

func fromUint(z *uint256.Int, op string) (Fixed, error) {
	if z.Gt(maxFixed) {
		return 0, fmt.Errorf("%w: %s overflows", ErrArithmetic, op)
	}
	return Fixed(z.Uint64()), nil
}

// Add returns a + b.
func Add(a, b Fixed) (Fixed, error) {
	x, err := toUint(int64(a))
	if err != nil {
		return 0, err
	}
	y, err := toUint(int64(b))
	if err != nil {
		return 0, err
	}
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return 0, fmt.Errorf("%w: add overflows", ErrArithmetic)
	}
	return fromUint(z, "add")
}

// Sub returns a - b. A negative result is an underflow.
func Sub(a, b Fixed) (Fixed, error) {
	x, err := toUint(int64(a))
	if err != nil {
		return 0, err
	}
	y, err := toUint(int64(b))
	if err != nil {
		return 0, err
	}
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return 0, fmt.Errorf("%w: sub underflows (%s - %s)", ErrArithmetic, a, b)
	}
	return fromUint(z, "sub")
}

// Mul returns a × qty, e.g. the amount owed for qty units at price a.
func Mul(a Fixed, qty int64) (Fixed, error) {
	x, err := toUint(int64(a))
	if err != nil {
		return 0, err
	}
	y, err := toUint(qty)
	if err != nil {
		return 0, err
	}
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return 0, fmt.Errorf("%w: mul overflows", ErrArithmetic)
	}
	return fromUint(z, fmt.Sprintf("mul %s x %d", a, qty))
}

// Div returns a / d rounded down.
func Div(a Fixed, d int64) (Fixed, error) {
	return MulDiv(a, 1, d)
}

// MulDiv returns a × num / den rounded down. Rounding down is the rule for
// every amount a buyer pays.
func MulDiv(a Fixed, num, den int64) (Fixed, error) {
	if den == 0 {
		return 0, fmt.Errorf("%w: division by zero", ErrArithmetic)
	}
	x, err := toUint(int64(a))
	if err != nil {
		return 0, err
	}
	n, err := toUint(num)
	if err != nil {
		return 0, err
	}
	d, err := toUint(den)
	if err != nil {
		return 0, err
	}
	z, overflow := new(uint256.Int).MulOverflow(x, n)
	if overflow {
		return 0, fmt.Errorf("%w: muldiv overflows", ErrArithmetic)
	}
	return fromUint(z.Div(z, d), "muldiv")
}

// Midpoint returns floor((a + b) / 2). The sum is taken in 256 bits so two
// values near MaxFixed do not overflow.
func Midpoint(a, b Fixed) (Fixed, error) {
	x, err := toUint(int64(a))
	if err != nil {
		return 0, err
	}
	y, err := toUint(int64(b))
	if err != nil {
		return 0, err
	}
	z := new(uint256.Int).Add(x, y)
	return fromUint(z.Rsh(z, 1), "midpoint")
}

// AddQuantity returns a + b for whole quantities. Quantities share the
// non-negative range of Fixed but carry no decimals.
func AddQuantity(a, b int64) (int64, error) {
	if a < 0 || b < 0 {
		return 0, fmt.Errorf("%w: negative quantity (%d + %d)", ErrArithmetic, a, b)
	}
	if a > math.MaxInt64-b {
		return 0, fmt.Errorf("%w: quantity add overflows", ErrArithmetic)
	}
	return a + b, nil
}

// Min returns the smaller of a and b.
func Min(a, b Fixed) Fixed {
	if a < b {
		return a
	}
	return b
}
