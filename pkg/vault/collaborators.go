package vault

import (
	"context"
	"math/big"
	"time"
)

// Bank moves fungible balances between accounts.
type Bank interface {
	BalanceOf(asset, account string) *big.Int
	Transfer(asset, from, to string, amount *big.Int) error
}

// Unwrapper converts a wrapped asset held by from into its native form,
// credited to to.
type Unwrapper interface {
	Unwrap(from, to, wrapped, native string, amount *big.Int) error
}

// StrikeSelection chooses the strike for a new option.
type StrikeSelection interface {
	GetStrikePrice(ctx context.Context, expiry time.Time, isPut bool) (strike, delta *big.Int, err error)
}

// Settlement is what a settled option paid out.
type Settlement struct {
	// ExpiryPrice is the underlying price the option settled at.
	ExpiryPrice *big.Int
	// Reclaimed is collateral returned to a writer.
	Reclaimed *big.Int
	// Payout is the exercise value paid to a holder.
	Payout *big.Int
}

// OptionsProtocol creates, mints, settles and burns option series.
type OptionsProtocol interface {
	// Series returns the identifier of the series, creating it if needed.
	Series(ctx context.Context, spec OptionSpec) (string, error)
	// Mint locks collateral from account and credits it with option tokens.
	Mint(ctx context.Context, account, option string, collateral *big.Int) (*big.Int, error)
	// Settleable reports whether the option has expired and can settle.
	Settleable(ctx context.Context, option string) (bool, error)
	// Settle closes account's position in option.
	Settle(ctx context.Context, account, option string) (Settlement, error)
	// Burn destroys unsold tokens before expiry and returns their collateral.
	Burn(ctx context.Context, account, option string, amount *big.Int) (*big.Int, error)
}

// AuctionResult is an order's share of a cleared auction.
type AuctionResult struct {
	Options       *big.Int
	Proceeds      *big.Int
	Unsold        *big.Int
	ClearingPrice *big.Int
}

// Auction is the batch auction the vault buys or sells options through.
type Auction interface {
	// PlaceBid escrows askAmount*premium of the bidding asset from bidder.
	PlaceBid(ctx context.Context, bidder, option string, askAmount, premium *big.Int) (string, error)
	// Offer escrows amount option tokens from seller at a minimum premium.
	Offer(ctx context.Context, seller, option string, amount, minPremium *big.Int) (string, error)
	// Claim delivers an order's fills to its owner.
	Claim(ctx context.Context, account, orderID string) (AuctionResult, error)
}

// OptionsQueue is the purchase queue as the vault sees it. The vault calls it
// with its own account as caller.
type OptionsQueue interface {
	OptionsAllocation(vault string, available *big.Int) *big.Int
	AllocateOptions(ctx context.Context, caller, option string, available *big.Int) (*big.Int, error)
	SellToBuyers(ctx context.Context, caller string, settlementPrice *big.Int) (*big.Int, error)
}

// Journal persists a snapshot after each committed transition.
type Journal interface {
	SaveVault(s Snapshot) error
}
