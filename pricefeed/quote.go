// Package pricefeed converts pool state into USD quotes
package pricefeed

import (
	"errors"
	"fmt"
	"math"
	"math/big"
)

// DefaultMaxPriceUSD is the sanity ceiling applied to a single unit quote.
const DefaultMaxPriceUSD = 1_000_000

// floatPrec is wide enough to keep 10^36 fixed-point values exact after narrowing.
const floatPrec = 256

var (
	// Q96 is the scale factor of a sqrtPriceX96 value.
	Q96 = new(big.Int).Lsh(big.NewInt(1), 96)

	q192          = new(big.Int).Lsh(big.NewInt(1), 192)
	fixedPointOne = new(big.Int).Exp(big.NewInt(10), big.NewInt(36), nil)
)

// ErrInvalidQuote is returned when a quote is not a finite positive number within the ceiling.
var ErrInvalidQuote = errors.New("invalid quote")

// PoolLayout describes both sides of a pool relative to the reference asset.
type PoolLayout struct {
	Decimals0         uint8
	Decimals1         uint8
	ReferenceIsToken0 bool // Reference asset sits on side 0, so side 1 is priced
}

// SqrtPriceRatio returns the decimal adjusted amount of token1 per whole token0.
//
// The square and the division by 2^192 happen on integers scaled by 10^36; narrowing to
// a float happens only after that division.
func SqrtPriceRatio(sqrtPriceX96 *big.Int, decimals0, decimals1 uint8) (*big.Float, error) {
	if sqrtPriceX96 == nil || sqrtPriceX96.Sign() <= 0 {
		return nil, fmt.Errorf("%w: sqrt price must be positive", ErrInvalidQuote)
	}

	scaled := new(big.Int).Mul(sqrtPriceX96, sqrtPriceX96)
	scaled.Mul(scaled, fixedPointOne)
	scaled.Quo(scaled, q192)

	if scaled.Sign() == 0 {
		return nil, fmt.Errorf("%w: ratio below fixed-point resolution", ErrInvalidQuote)
	}

	ratio := new(big.Float).SetPrec(floatPrec).SetInt(scaled)
	ratio.Quo(ratio, new(big.Float).SetPrec(floatPrec).SetInt(fixedPointOne))
	ratio.Mul(ratio, pow10(int(decimals0)-int(decimals1)))

	return ratio, nil
}

// Quote prices the non-reference side of a pool in USD.
// anchorUSD is the USD price of one whole unit of the reference asset.
func Quote(sqrtPriceX96 *big.Int, layout PoolLayout, anchorUSD, maxUSD float64) (float64, error) {
	if math.IsNaN(anchorUSD) || math.IsInf(anchorUSD, 0) || anchorUSD <= 0 {
		return 0, fmt.Errorf("%w: anchor price %v", ErrInvalidQuote, anchorUSD)
	}

	ratio, err := SqrtPriceRatio(sqrtPriceX96, layout.Decimals0, layout.Decimals1)
	if err != nil {
		return 0, err
	}

	// ratio is token1 per token0; with the reference on side 0 we need token0 per token1
	if layout.ReferenceIsToken0 {
		ratio = new(big.Float).SetPrec(floatPrec).Quo(big.NewFloat(1).SetPrec(floatPrec), ratio)
	}

	ratio.Mul(ratio, new(big.Float).SetPrec(floatPrec).SetFloat64(anchorUSD))

	quote, _ := ratio.Float64()
	if err := ValidateQuote(quote, maxUSD); err != nil {
		return 0, err
	}

	return quote, nil
}

// ValidateQuote rejects non-finite, non-positive and out of bound values. maxUSD <= 0 disables the ceiling.
func ValidateQuote(v, maxUSD float64) error {
	switch {
	case math.IsNaN(v), math.IsInf(v, 0):
		return fmt.Errorf("%w: not finite", ErrInvalidQuote)
	case v <= 0:
		return fmt.Errorf("%w: %v is not positive", ErrInvalidQuote, v)
	case maxUSD > 0 && v > maxUSD:
		return fmt.Errorf("%w: %v exceeds ceiling %v", ErrInvalidQuote, v, maxUSD)
	}

	return nil
}

// pow10 returns 10^exp as a big.Float, exp may be negative
func pow10(exp int) *big.Float {
	abs := exp
	if abs < 0 {
		abs = -abs
	}

	p := new(big.Float).SetPrec(floatPrec).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(abs)), nil))
	if exp < 0 {
		return new(big.Float).SetPrec(floatPrec).Quo(big.NewFloat(1).SetPrec(floatPrec), p)
	}

	return p
}
