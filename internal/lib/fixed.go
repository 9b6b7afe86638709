package lib

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ParseFixed parses a decimal string such as "0.235" into a Fixed. Negative
// values and values with more than Decimals fractional digits are rejected.
func ParseFixed(s string) (Fixed, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid fixed-point value %q: %w", s, err)
	}
	return FromDecimal(d)
}

// MustParseFixed is ParseFixed for constants and tests.
func MustParseFixed(s string) Fixed {
	f, err := ParseFixed(s)
	if err != nil {
		panic(err)
	}
	return f
}

// FromDecimal converts an exact decimal into a Fixed.
func FromDecimal(d decimal.Decimal) (Fixed, error) {
	if d.Sign() < 0 {
		return 0, fmt.Errorf("%w: negative value %s", ErrArithmetic, d)
	}
	scaled := d.Shift(Decimals)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("%w: %s has more than %d decimals", ErrArithmetic, d, Decimals)
	}
	z, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return 0, fmt.Errorf("%w: %s out of range", ErrArithmetic, d)
	}
	return fromUint(z, "parse")
}

// Decimal returns f as an exact decimal.
func (f Fixed) Decimal() decimal.Decimal {
	return decimal.New(int64(f), -Decimals)
}

func (f Fixed) String() string {
	return f.Decimal().StringFixed(Decimals)
}

// MarshalJSON encodes f as a decimal string so no precision is lost in
// clients that decode numbers as float64.
func (f Fixed) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

// UnmarshalJSON accepts both "1.5" and 1.5.
func (f *Fixed) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(s)
	}
	v, err := ParseFixed(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}
