// Package sharemath converts between asset amounts and vault shares at a
// frozen exchange rate. All conversions floor so that a round trip can never
// mint value.
package sharemath

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// Packed widths of the accounting fields.
const (
	RoundBits  = 16
	AmountBits = 104
	SharesBits = 128
)

var (
	ErrZeroPrice = errors.New("price per share must be positive")
	ErrOverflow  = errors.New("value overflows packed field")
	ErrNegative  = errors.New("negative amount")
)

var (
	unitsMu sync.RWMutex
	units   = make(map[uint8]*big.Int)
)

// Unit returns 10^decimals. The returned value must not be mutated.
func Unit(decimals uint8) *big.Int {
	unitsMu.RLock()
	u, ok := units[decimals]
	unitsMu.RUnlock()
	if ok {
		return u
	}

	u = new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	unitsMu.Lock()
	units[decimals] = u
	unitsMu.Unlock()
	return u
}

// AssetsToShares converts an asset amount into shares at pricePerShare.
func AssetsToShares(assets, pricePerShare *big.Int, decimals uint8) (*big.Int, error) {
	if err := checkPrice(pricePerShare); err != nil {
		return nil, err
	}
	if assets.Sign() < 0 {
		return nil, ErrNegative
	}
	shares := new(big.Int).Mul(assets, Unit(decimals))
	return shares.Quo(shares, pricePerShare), nil
}

// SharesToAssets converts shares into an asset amount at pricePerShare.
func SharesToAssets(shares, pricePerShare *big.Int, decimals uint8) (*big.Int, error) {
	if err := checkPrice(pricePerShare); err != nil {
		return nil, err
	}
	if shares.Sign() < 0 {
		return nil, ErrNegative
	}
	assets := new(big.Int).Mul(shares, pricePerShare)
	return assets.Quo(assets, Unit(decimals)), nil
}

// PricePerShare computes the asset value of one whole share. Pending deposits
// are excluded because they have not been converted into shares yet. An
// empty supply prices at exactly one unit.
func PricePerShare(totalSupply, totalBalance, pending *big.Int, decimals uint8) *big.Int {
	single := Unit(decimals)
	if totalSupply.Sign() <= 0 {
		return new(big.Int).Set(single)
	}

	net := new(big.Int).Sub(totalBalance, pending)
	if net.Sign() < 0 {
		net.SetInt64(0)
	}
	pps := new(big.Int).Mul(single, net)
	return pps.Quo(pps, totalSupply)
}

// AssertUint16 checks that v fits the round field.
func AssertUint16(v *big.Int) error { return assertBits(v, RoundBits) }

// AssertUint104 checks that v fits an amount field.
func AssertUint104(v *big.Int) error { return assertBits(v, AmountBits) }

// AssertUint128 checks that v fits a shares field.
func AssertUint128(v *big.Int) error { return assertBits(v, SharesBits) }

func assertBits(v *big.Int, bits int) error {
	if v.Sign() < 0 {
		return ErrNegative
	}
	if v.BitLen() > bits {
		return fmt.Errorf("%w: %d bits > %d", ErrOverflow, v.BitLen(), bits)
	}
	return nil
}

func checkPrice(pps *big.Int) error {
	if pps == nil || pps.Sign() <= 0 {
		return ErrZeroPrice
	}
	return nil
}

// Format renders a base-unit amount as a decimal string, e.g. 150000000 with
// 8 decimals becomes "1.5".
func Format(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}

// Parse converts a decimal string into base units, truncating extra digits.
func Parse(s string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, ErrNegative
	}
	return d.Shift(int32(decimals)).Truncate(0).BigInt(), nil
}
