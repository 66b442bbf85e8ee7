// Package fees computes the management and performance fees a vault charges
// when a round closes.
package fees

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FeeMultiplier is the fixed-point scale of one percent: 2% is 2_000_000.
const FeeMultiplier = 1_000_000

// Year is the period over which management fees are quoted.
const Year = 365 * 24 * time.Hour

var (
	ErrInvalidFee    = errors.New("invalid fee")
	ErrInvalidPeriod = errors.New("invalid period")

	hundredPercent = big.NewInt(100 * FeeMultiplier)
)

// Rate is a fee expressed in FeeMultiplier units of one percent.
type Rate uint64

// ParseRate reads a percentage such as "2", "2%" or "0.5".
func ParseRate(s string) (Rate, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFee, s)
	}
	if d.IsNegative() || d.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return 0, fmt.Errorf("%w: %s%% out of range", ErrInvalidFee, d)
	}
	return Rate(d.Mul(decimal.NewFromInt(FeeMultiplier)).Truncate(0).IntPart()), nil
}

// String renders the rate as a percentage.
func (r Rate) String() string {
	return decimal.New(int64(r), -6).String() + "%"
}

// Config holds the rates a vault was configured with.
type Config struct {
	// ManagementFee is the annual management fee.
	ManagementFee Rate
	// PerformanceFee is charged on the net gain of each round.
	PerformanceFee Rate
	// Period is the length of one round.
	Period time.Duration
}

// Engine accrues fees once per round. ManagementFee is pre-divided by the
// number of periods per year so accrual is a flat multiply.
type Engine struct {
	perRoundManagement *big.Int
	performance        *big.Int
	cfg                Config
}

// NewEngine validates cfg and prepares the per-round management rate.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.ManagementFee >= 100*FeeMultiplier {
		return nil, fmt.Errorf("%w: management fee %s", ErrInvalidFee, cfg.ManagementFee)
	}
	if cfg.PerformanceFee >= 100*FeeMultiplier {
		return nil, fmt.Errorf("%w: performance fee %s", ErrInvalidFee, cfg.PerformanceFee)
	}
	if cfg.Period <= 0 || cfg.Period > Year {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPeriod, cfg.Period)
	}

	// annual * period / year, in seconds to keep the division exact for
	// whole-day periods
	perRound := new(big.Int).SetUint64(uint64(cfg.ManagementFee))
	perRound.Mul(perRound, big.NewInt(int64(cfg.Period/time.Second)))
	perRound.Quo(perRound, big.NewInt(int64(Year/time.Second)))

	return &Engine{
		perRoundManagement: perRound,
		performance:        new(big.Int).SetUint64(uint64(cfg.PerformanceFee)),
		cfg:                cfg,
	}, nil
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() Config { return e.cfg }

// PerRoundManagementFee returns the management rate applied each round.
func (e *Engine) PerRoundManagementFee() Rate {
	return Rate(e.perRoundManagement.Uint64())
}

// Input is the balance picture at the moment a round closes.
type Input struct {
	// Balance is the reclaimed collateral net of amounts already reserved
	// for queued withdrawals. It still includes fresh deposits.
	Balance *big.Int
	// LastLocked is the amount locked when the round opened.
	LastLocked *big.Int
	// Pending is the fresh capital deposited during the round.
	Pending *big.Int
}

// Result breaks down the fee charged for a round.
type Result struct {
	ManagementFee  *big.Int
	PerformanceFee *big.Int
	Total          *big.Int
	NetGain        *big.Int
}

// Compute returns the fees owed for one round. Fresh deposits are excluded
// from both the fee base and the gain; a losing round pays no performance fee.
func (e *Engine) Compute(in Input) Result {
	locked := new(big.Int).Sub(in.Balance, in.Pending)
	if locked.Sign() < 0 {
		locked.SetInt64(0)
	}

	mgmt := new(big.Int).Mul(locked, e.perRoundManagement)
	mgmt.Quo(mgmt, hundredPercent)

	gain := new(big.Int).Sub(locked, in.LastLocked)
	perf := new(big.Int)
	if gain.Sign() > 0 {
		perf.Mul(gain, e.performance)
		perf.Quo(perf, hundredPercent)
	}

	return Result{
		ManagementFee:  mgmt,
		PerformanceFee: perf,
		Total:          new(big.Int).Add(mgmt, perf),
		NetGain:        gain,
	}
}
