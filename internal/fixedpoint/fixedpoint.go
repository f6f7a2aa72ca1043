// Package fixedpoint provides multiply-then-divide helpers with explicit
// floor/ceil rounding for converting integral smallest-unit amounts across
// assets with heterogeneous decimals.
//
// All values are shopspring/decimal — never float64 for money. Callers pass
// integral decimals (smallest units); results are integral. Division always
// happens after multiplication so precision is never lost up front.
package fixedpoint

import (
	"errors"

	"github.com/shopspring/decimal"
)

// MaxExponent bounds the power-of-ten table. Asset decimals beyond this are
// a configuration error, not something to scale around.
const MaxExponent = 38

var (
	// ErrExponentOutOfRange is returned for a decimals value outside the
	// bounded power-of-ten table.
	ErrExponentOutOfRange = errors.New("fixedpoint: exponent out of range")

	// ErrNonPositiveDivisor is returned when a divisor is zero or negative.
	ErrNonPositiveDivisor = errors.New("fixedpoint: divisor must be positive")
)

// pow10 is precomputed up to MaxExponent.
var pow10 [MaxExponent + 1]decimal.Decimal

func init() {
	ten := decimal.NewFromInt(10)
	pow10[0] = decimal.NewFromInt(1)
	for i := 1; i <= MaxExponent; i++ {
		pow10[i] = pow10[i-1].Mul(ten)
	}
}

// Pow10 returns 10^exp, or ErrExponentOutOfRange when exp exceeds the table.
func Pow10(exp uint8) (decimal.Decimal, error) {
	if int(exp) > MaxExponent {
		return decimal.Zero, ErrExponentOutOfRange
	}
	return pow10[exp], nil
}

// MulDivFloor computes floor(a × b / c) exactly. QuoRem is used instead of
// Div because Div rounds at a fixed precision, which can push a value just
// below an integer boundary over it.
func MulDivFloor(a, b, c decimal.Decimal) (decimal.Decimal, error) {
	if !c.IsPositive() {
		return decimal.Zero, ErrNonPositiveDivisor
	}
	q, r := a.Mul(b).QuoRem(c, 0)
	if r.IsNegative() {
		q = q.Sub(decimal.NewFromInt(1))
	}
	return q, nil
}

// MulDivCeil computes ceil(a × b / c) exactly.
func MulDivCeil(a, b, c decimal.Decimal) (decimal.Decimal, error) {
	if !c.IsPositive() {
		return decimal.Zero, ErrNonPositiveDivisor
	}
	q, r := a.Mul(b).QuoRem(c, 0)
	if r.IsPositive() {
		q = q.Add(decimal.NewFromInt(1))
	}
	return q, nil
}

// Rescale converts an amount from one asset's smallest units to another's.
// Ceil rounds away from zero's floor only when ceil is set; default is floor
// so conversions never create value.
func Rescale(amount decimal.Decimal, fromDecimals, toDecimals uint8, ceil bool) (decimal.Decimal, error) {
	num, err := Pow10(toDecimals)
	if err != nil {
		return decimal.Zero, err
	}
	den, err := Pow10(fromDecimals)
	if err != nil {
		return decimal.Zero, err
	}
	if ceil {
		return MulDivCeil(amount, num, den)
	}
	return MulDivFloor(amount, num, den)
}

// ConvertValue values an amount of one asset in another using a natural-unit
// price (quote per whole base unit): result = amount × price × 10^to / 10^from,
// floor-rounded so valuations are conservative.
func ConvertValue(amount, price decimal.Decimal, fromDecimals, toDecimals uint8) (decimal.Decimal, error) {
	num, err := Pow10(toDecimals)
	if err != nil {
		return decimal.Zero, err
	}
	den, err := Pow10(fromDecimals)
	if err != nil {
		return decimal.Zero, err
	}
	return MulDivFloor(amount.Mul(price), num, den)
}

// ApplyBpsFloor computes floor(amount × bps / 10000).
func ApplyBpsFloor(amount decimal.Decimal, bps int64) decimal.Decimal {
	v, _ := MulDivFloor(amount, decimal.NewFromInt(bps), decimal.NewFromInt(10000))
	return v
}

// ApplyBpsCeil computes ceil(amount × bps / 10000).
func ApplyBpsCeil(amount decimal.Decimal, bps int64) decimal.Decimal {
	v, _ := MulDivCeil(amount, decimal.NewFromInt(bps), decimal.NewFromInt(10000))
	return v
}
