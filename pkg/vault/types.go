package vault

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Precondition failures.
var (
	ErrUnauthorized       = errors.New("unauthorized caller")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrExceedCap          = errors.New("exceed cap")
	ErrBelowMinimumSupply = errors.New("insufficient balance for minimum supply")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrExceedAmount       = errors.New("exceed amount")
	ErrInvalidPremium     = errors.New("invalid premium")
	ErrExpiryInPast       = errors.New("expiry in the past")
	ErrNoCapital          = errors.New("vault has no capital")
	ErrInvalidParams      = errors.New("invalid vault params")
	ErrNothingToRedeem    = errors.New("nothing to redeem")
	ErrZeroWithdrawAmount = errors.New("withdraw amount is zero")
	ErrRoundPriceNotFound = errors.New("round price not found")
)

// State-machine violations.
var (
	ErrInvalidRound      = errors.New("invalid round")
	ErrExistingWithdraw  = errors.New("existing withdraw")
	ErrNotInitiated      = errors.New("withdraw not initiated")
	ErrRoundNotClosed    = errors.New("round not closed")
	ErrNoCommittedOption = errors.New("no committed option")
	ErrOptionActive      = errors.New("option already active")
	ErrAlreadyCommitted  = errors.New("next option already committed")
	ErrDelayNotElapsed   = errors.New("commit delay not elapsed")
	ErrSalePending       = errors.New("options sale not concluded")
	ErrNoSale            = errors.New("no options sale in progress")
)

// External-dependency failures.
var (
	ErrOptionNotExpired = errors.New("option not expired")
	ErrOverAllocated    = errors.New("auction allocated more options than bid")
	ErrExternal         = errors.New("external dependency failed")
)

// Strategy says whether the vault writes or buys its option each round.
type Strategy string

const (
	StrategySell Strategy = "sell"
	StrategyBuy  Strategy = "buy"
)

// DefaultOptionDecimals is the precision of option tokens.
const DefaultOptionDecimals = 8

// AllocationDenominator is the scale of allocation percentages: 500 is 5%.
const AllocationDenominator = 10_000

// Params is fixed when a vault is created.
type Params struct {
	Asset          string   `json:"asset"`
	NativeAsset    string   `json:"nativeAsset,omitempty"`
	Underlying     string   `json:"underlying"`
	Decimals       uint8    `json:"decimals"`
	OptionDecimals uint8    `json:"optionDecimals"`
	IsPut          bool     `json:"isPut"`
	MinimumSupply  *big.Int `json:"minimumSupply"`
	Cap            *big.Int `json:"cap"`
	Strategy       Strategy `json:"strategy"`
}

// Validate checks the params and fills defaults.
func (p *Params) Validate() error {
	switch {
	case p.Asset == "":
		return fmt.Errorf("%w: asset required", ErrInvalidParams)
	case p.Underlying == "":
		return fmt.Errorf("%w: underlying required", ErrInvalidParams)
	case p.Decimals == 0:
		return fmt.Errorf("%w: decimals required", ErrInvalidParams)
	case p.Cap == nil || p.Cap.Sign() <= 0:
		return fmt.Errorf("%w: cap must be positive", ErrInvalidParams)
	}
	if p.MinimumSupply == nil {
		p.MinimumSupply = big.NewInt(0)
	}
	if p.MinimumSupply.Sign() < 0 || p.MinimumSupply.Cmp(p.Cap) > 0 {
		return fmt.Errorf("%w: minimum supply %s outside cap %s", ErrInvalidParams, p.MinimumSupply, p.Cap)
	}
	if p.OptionDecimals == 0 {
		p.OptionDecimals = DefaultOptionDecimals
	}
	if p.Strategy == "" {
		p.Strategy = StrategySell
	}
	if p.Strategy != StrategySell && p.Strategy != StrategyBuy {
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidParams, p.Strategy)
	}
	return nil
}

// State is the vault's accounting singleton.
type State struct {
	Round                       uint64   `json:"round"`
	TotalPending                *big.Int `json:"totalPending"`
	LockedAmount                *big.Int `json:"lockedAmount"`
	LastLockedAmount            *big.Int `json:"lastLockedAmount"`
	QueuedWithdrawShares        *big.Int `json:"queuedWithdrawShares"`
	CurrentQueuedWithdrawShares *big.Int `json:"currentQueuedWithdrawShares"`
	LastQueuedWithdrawAmount    *big.Int `json:"lastQueuedWithdrawAmount"`
}

func newState() State {
	return State{
		Round:                       1,
		TotalPending:                big.NewInt(0),
		LockedAmount:                big.NewInt(0),
		LastLockedAmount:            big.NewInt(0),
		QueuedWithdrawShares:        big.NewInt(0),
		CurrentQueuedWithdrawShares: big.NewInt(0),
		LastQueuedWithdrawAmount:    big.NewInt(0),
	}
}

func (s State) clone() State {
	return State{
		Round:                       s.Round,
		TotalPending:                cloneInt(s.TotalPending),
		LockedAmount:                cloneInt(s.LockedAmount),
		LastLockedAmount:            cloneInt(s.LastLockedAmount),
		QueuedWithdrawShares:        cloneInt(s.QueuedWithdrawShares),
		CurrentQueuedWithdrawShares: cloneInt(s.CurrentQueuedWithdrawShares),
		LastQueuedWithdrawAmount:    cloneInt(s.LastQueuedWithdrawAmount),
	}
}

// OptionSpec describes an option series.
type OptionSpec struct {
	Underlying string    `json:"underlying"`
	Collateral string    `json:"collateral"`
	Strike     *big.Int  `json:"strike"`
	Expiry     time.Time `json:"expiry"`
	IsPut      bool      `json:"isPut"`
	// Delta achieved by the strike selection, 4 decimals.
	Delta *big.Int `json:"delta,omitempty"`
}

func (o OptionSpec) clone() OptionSpec {
	o.Strike = cloneInt(o.Strike)
	o.Delta = cloneInt(o.Delta)
	return o
}

// OptionState tracks the open and the committed option.
type OptionState struct {
	CurrentOption     string     `json:"currentOption"`
	NextOption        string     `json:"nextOption"`
	NextOptionReadyAt time.Time  `json:"nextOptionReadyAt"`
	Current           OptionSpec `json:"current"`
	Next              OptionSpec `json:"next"`

	// Premium is the per-option price the current round was rolled with.
	Premium *big.Int `json:"premium,omitempty"`
	// AuctionID is the open auction order, empty once claimed.
	AuctionID   string `json:"auctionId,omitempty"`
	SalePending bool   `json:"salePending"`
	// AskAmount is the number of options bid for (buy strategy).
	AskAmount *big.Int `json:"askAmount,omitempty"`
	// OptionsHeld is what the auction allocated to the vault (buy strategy).
	OptionsHeld *big.Int `json:"optionsHeld,omitempty"`
	// Minted and Collateral describe the short position (sell strategy).
	Minted         *big.Int `json:"minted,omitempty"`
	Collateral     *big.Int `json:"collateral,omitempty"`
	QueueAllocated *big.Int `json:"queueAllocated,omitempty"`

	OverriddenStrike      *big.Int `json:"overriddenStrike,omitempty"`
	OverriddenStrikeRound uint64   `json:"overriddenStrikeRound,omitempty"`
}

func (o OptionState) clone() OptionState {
	o.Current = o.Current.clone()
	o.Next = o.Next.clone()
	o.Premium = cloneInt(o.Premium)
	o.AskAmount = cloneInt(o.AskAmount)
	o.OptionsHeld = cloneInt(o.OptionsHeld)
	o.Minted = cloneInt(o.Minted)
	o.Collateral = cloneInt(o.Collateral)
	o.QueueAllocated = cloneInt(o.QueueAllocated)
	o.OverriddenStrike = cloneInt(o.OverriddenStrike)
	return o
}

// Phase is the position of the vault in the round lifecycle.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseCommitted Phase = "committed"
	PhaseActive    Phase = "active"
)

// DepositReceipt tracks a depositor's not-yet-redeemed position. Amount is
// only meaningful while Round is the current round.
type DepositReceipt struct {
	Round            uint64   `json:"round"`
	Amount           *big.Int `json:"amount"`
	UnredeemedShares *big.Int `json:"unredeemedShares"`
}

func (r DepositReceipt) clone() DepositReceipt {
	return DepositReceipt{
		Round:            r.Round,
		Amount:           cloneInt(r.Amount),
		UnredeemedShares: cloneInt(r.UnredeemedShares),
	}
}

// Withdrawal is a queued exit priced at the close of Round.
type Withdrawal struct {
	Round  uint64   `json:"round"`
	Shares *big.Int `json:"shares"`
}

func (w Withdrawal) clone() Withdrawal {
	return Withdrawal{Round: w.Round, Shares: cloneInt(w.Shares)}
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
