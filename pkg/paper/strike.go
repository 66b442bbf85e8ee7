package paper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/luxfi/vaults/pkg/vault"
)

// PriceSource reports spot prices.
type PriceSource interface {
	SpotPrice(ctx context.Context, asset string) (*big.Int, uint8, error)
}

// PercentStrike picks a strike a fixed distance out of the money: above spot
// for calls, below spot for puts, rounded away from spot to Step.
type PercentStrike struct {
	source PriceSource
	asset  string
	// OTM is the distance from spot in basis points.
	OTM uint64
	// Step is the strike grid. Zero or nil means no rounding.
	Step *big.Int

	clock func() time.Time
}

// NewPercentStrike prices strikes of asset off source.
func NewPercentStrike(source PriceSource, asset string, otm uint64, step *big.Int, clock func() time.Time) *PercentStrike {
	if clock == nil {
		clock = time.Now
	}
	return &PercentStrike{source: source, asset: asset, OTM: otm, Step: step, clock: clock}
}

// GetStrikePrice implements vault.StrikeSelection. The delta is reported as
// zero.
func (s *PercentStrike) GetStrikePrice(ctx context.Context, expiry time.Time, isPut bool) (*big.Int, *big.Int, error) {
	if !expiry.After(s.clock()) {
		return nil, nil, fmt.Errorf("%w: %s", vault.ErrExpiryInPast, expiry)
	}
	spot, _, err := s.source.SpotPrice(ctx, s.asset)
	if err != nil {
		return nil, nil, err
	}
	if s.OTM >= vault.AllocationDenominator && isPut {
		return nil, nil, errors.New("put strike would be non-positive")
	}

	factor := int64(vault.AllocationDenominator + s.OTM)
	if isPut {
		factor = int64(vault.AllocationDenominator - s.OTM)
	}
	strike := new(big.Int).Mul(spot, big.NewInt(factor))
	strike.Quo(strike, big.NewInt(vault.AllocationDenominator))

	if s.Step != nil && s.Step.Sign() > 0 {
		rem := new(big.Int).Mod(strike, s.Step)
		if rem.Sign() > 0 {
			strike.Sub(strike, rem)
			if !isPut {
				strike.Add(strike, s.Step)
			}
		}
	}
	if strike.Sign() <= 0 {
		return nil, nil, errors.New("strike rounds to zero")
	}
	return strike, big.NewInt(0), nil
}

// FixedStrike always returns the same strike.
type FixedStrike struct {
	Strike *big.Int
	Delta  *big.Int
}

// GetStrikePrice implements vault.StrikeSelection.
func (f FixedStrike) GetStrikePrice(_ context.Context, _ time.Time, _ bool) (*big.Int, *big.Int, error) {
	return new(big.Int).Set(f.Strike), cloneOrZero(f.Delta), nil
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
