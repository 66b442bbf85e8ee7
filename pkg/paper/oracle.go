// Package paper provides in-memory stand-ins for the collaborators a vault
// trades through: a price oracle, strike selection, an options protocol and a
// batch auction. They settle real balances in a bank.Bank but carry no
// pricing model.
package paper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// PriceDecimals is the precision of every price the oracle reports.
const PriceDecimals = 8

var (
	ErrNoPrice         = errors.New("no price for asset")
	ErrStalePrice      = errors.New("stale price")
	ErrExpiryPriceSet  = errors.New("expiry price already set")
	ErrInvalidPrice    = errors.New("price must be positive")
	ErrExpiryNotPassed = errors.New("expiry has not passed")
)

// PriceData is the latest observation for an asset.
type PriceData struct {
	Price     *big.Int
	Timestamp time.Time
}

// Oracle holds spot prices and the settlement price of each expiry.
type Oracle struct {
	prices       map[string]PriceData
	expiryPrices map[string]map[int64]*big.Int

	// StaleThreshold rejects spot prices older than this. Zero disables it.
	StaleThreshold time.Duration

	clock func() time.Time
	mu    sync.RWMutex
}

// NewOracle creates an oracle. clock may be nil.
func NewOracle(clock func() time.Time) *Oracle {
	if clock == nil {
		clock = time.Now
	}
	return &Oracle{
		prices:       make(map[string]PriceData),
		expiryPrices: make(map[string]map[int64]*big.Int),
		clock:        clock,
	}
}

// SetPrice records a spot price.
func (o *Oracle) SetPrice(asset string, price *big.Int) error {
	if price == nil || price.Sign() <= 0 {
		return ErrInvalidPrice
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[asset] = PriceData{Price: new(big.Int).Set(price), Timestamp: o.clock()}
	return nil
}

// SpotPrice returns the latest price of asset and its decimals.
func (o *Oracle) SpotPrice(_ context.Context, asset string) (*big.Int, uint8, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	data, ok := o.prices[asset]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrNoPrice, asset)
	}
	if o.StaleThreshold > 0 && o.clock().Sub(data.Timestamp) > o.StaleThreshold {
		return nil, 0, fmt.Errorf("%w: %s last updated %s", ErrStalePrice, asset, data.Timestamp)
	}
	return new(big.Int).Set(data.Price), PriceDecimals, nil
}

// SetExpiryPrice fixes the settlement price of asset at expiry. It can be set
// once, and only after the expiry.
func (o *Oracle) SetExpiryPrice(asset string, expiry time.Time, price *big.Int) error {
	if price == nil || price.Sign() <= 0 {
		return ErrInvalidPrice
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.clock().Before(expiry) {
		return fmt.Errorf("%w: %s", ErrExpiryNotPassed, expiry)
	}
	byExpiry, ok := o.expiryPrices[asset]
	if !ok {
		byExpiry = make(map[int64]*big.Int)
		o.expiryPrices[asset] = byExpiry
	}
	if _, ok := byExpiry[expiry.Unix()]; ok {
		return fmt.Errorf("%w: %s at %s", ErrExpiryPriceSet, asset, expiry)
	}
	byExpiry[expiry.Unix()] = new(big.Int).Set(price)
	return nil
}

// ExpiryPrice returns the settlement price of asset at expiry, if set.
func (o *Oracle) ExpiryPrice(asset string, expiry time.Time) (*big.Int, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	p, ok := o.expiryPrices[asset][expiry.Unix()]
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(p), true
}
