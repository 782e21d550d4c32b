package pricefeed

import (
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// Valuation returns price times decimal adjusted supply.
// ok is false when the inputs cannot produce a finite non-negative value.
func Valuation(priceUSD float64, totalSupply *big.Int, decimals uint8) (float64, bool) {
	if totalSupply == nil || totalSupply.Sign() < 0 {
		return 0, false
	}

	if math.IsNaN(priceUSD) || math.IsInf(priceUSD, 0) || priceUSD < 0 {
		return 0, false
	}

	supply := decimal.NewFromBigInt(totalSupply, -int32(decimals))
	value, _ := supply.Mul(decimal.NewFromFloat(priceUSD)).Float64()

	if math.IsInf(value, 0) {
		return 0, false
	}

	return value, true
}
