package ledger

import (
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/holiman/uint256"
)

// MaxDecimals bounds the precision accepted for an asset.
const MaxDecimals = 36

// ToBaseUnits converts a human denominated amount into integer base units,
// truncating any dust below the asset precision.
func ToBaseUnits(amount float64, decimals uint8) (*big.Int, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return nil, fmt.Errorf("amount %v is not finite", amount)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	if decimals > MaxDecimals {
		return nil, fmt.Errorf("decimals %d exceed maximum %d", decimals, MaxDecimals)
	}
	value, ok := new(big.Rat).SetString(strconv.FormatFloat(amount, 'f', -1, 64))
	if !ok {
		return nil, fmt.Errorf("parse amount %v", amount)
	}
	value.Mul(value, new(big.Rat).SetInt(pow10(decimals)))
	raw := new(big.Int).Quo(value.Num(), value.Denom())
	if raw.Sign() <= 0 {
		return nil, fmt.Errorf("amount %v is below asset precision", amount)
	}
	if _, overflow := uint256.FromBig(raw); overflow {
		return nil, fmt.Errorf("amount %v overflows 256-bit base units", amount)
	}
	return raw, nil
}

// FromBaseUnits converts integer base units back into a human denominated amount.
func FromBaseUnits(raw *big.Int, decimals uint8) float64 {
	if raw == nil || raw.Sign() == 0 {
		return 0
	}
	value, _ := new(big.Rat).SetFrac(raw, pow10(decimals)).Float64()
	return value
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}
