package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/luxfi/vaults/pkg/events"
	"github.com/luxfi/vaults/pkg/fees"
	"github.com/luxfi/vaults/pkg/sharemath"
)

// Phase reports where the vault is in the round lifecycle.
func (v *Vault) Phase() Phase {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.phase()
}

func (v *Vault) phase() Phase {
	switch {
	case v.option.CurrentOption != "":
		return PhaseActive
	case v.option.NextOption != "":
		return PhaseCommitted
	default:
		return PhaseIdle
	}
}

// SalePending reports whether an auction or queue sale awaits a claim.
func (v *Vault) SalePending() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.option.SalePending
}

// SetStrikePrice overrides the strike of the next committed option. Owner
// only.
func (v *Vault) SetStrikePrice(ctx context.Context, caller string, strike *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if caller != v.cfg.Owner {
		return ErrUnauthorized
	}
	if strike == nil || strike.Sign() <= 0 {
		return ErrInvalidAmount
	}
	v.option.OverriddenStrike = new(big.Int).Set(strike)
	v.option.OverriddenStrikeRound = v.state.Round
	v.logger.Info("strike overridden", "round", v.state.Round, "strike", strike)
	v.commit(ctx)
	return nil
}

// CommitAndClose settles the expired option, prices the closing round, rolls
// pending deposits into shares and commits the next option. Keeper only.
// Nothing changes if any step fails, except that a settlement the protocol
// already made is kept: the position is gone and its collateral is back in
// the vault balance, so a retry only reprices the round.
func (v *Vault) CommitAndClose(ctx context.Context, caller string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if caller != v.cfg.Keeper {
		return ErrUnauthorized
	}
	if v.option.NextOption != "" {
		return ErrAlreadyCommitted
	}
	if v.option.SalePending {
		return ErrSalePending
	}

	now := v.now()
	current := v.option.CurrentOption
	if current != "" {
		ok, err := v.protocol.Settleable(ctx, current)
		if err != nil {
			return externalErr("settleable", err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrOptionNotExpired, current)
		}
	}
	if subFloor(v.totalBalance(), v.state.LastQueuedWithdrawAmount).Sign() == 0 {
		return ErrNoCapital
	}

	expiry := v.cfg.Schedule.NextExpiry(now, v.option.Current.Expiry)
	if !expiry.After(now) {
		return fmt.Errorf("%w: %s", ErrExpiryInPast, expiry)
	}
	strike, delta, err := v.selectStrike(ctx, expiry)
	if err != nil {
		return err
	}
	spec := OptionSpec{
		Underlying: v.cfg.Params.Underlying,
		Collateral: v.cfg.Params.Asset,
		Strike:     strike,
		Expiry:     expiry,
		IsPut:      v.cfg.Params.IsPut,
		Delta:      delta,
	}
	next, err := v.protocol.Series(ctx, spec)
	if err != nil {
		return externalErr("create series", err)
	}

	if current != "" {
		if err := v.settleCurrent(ctx, current); err != nil {
			return err
		}
		// The position is closed on the protocol side; keep that even if
		// pricing the round fails below.
		v.commit(ctx)
	}

	snap := v.snapshot()
	if err := v.closeRound(ctx, now, next, spec); err != nil {
		v.restore(snap)
		v.logger.Warn("commit failed", "round", v.state.Round, "error", err)
		return err
	}
	v.commit(ctx)
	return nil
}

func (v *Vault) selectStrike(ctx context.Context, expiry time.Time) (*big.Int, *big.Int, error) {
	if v.option.OverriddenStrike != nil && v.option.OverriddenStrikeRound == v.state.Round {
		return new(big.Int).Set(v.option.OverriddenStrike), big.NewInt(0), nil
	}
	strike, delta, err := v.strike.GetStrikePrice(ctx, expiry, v.cfg.Params.IsPut)
	if err != nil {
		if errors.Is(err, ErrExpiryInPast) {
			return nil, nil, err
		}
		return nil, nil, externalErr("strike selection", err)
	}
	if strike == nil || strike.Sign() <= 0 {
		return nil, nil, externalErr("strike selection", errors.New("non-positive strike"))
	}
	return strike, orZero(delta), nil
}

// settleCurrent closes the expired position and drops it from the option
// state, so its collateral is counted once, in the bank balance.
func (v *Vault) settleCurrent(ctx context.Context, current string) error {
	settlement, err := v.protocol.Settle(ctx, v.cfg.Account, current)
	if err != nil {
		return externalErr("settle "+current, err)
	}
	v.option.CurrentOption = ""
	v.option.Collateral = nil
	v.option.Minted = nil
	v.option.OptionsHeld = nil
	v.emit(events.CloseShort, func(ev *events.Event) {
		ev.Option = current
		ev.Amount = cloneInt(orZero(settlement.Reclaimed))
		if settlement.Payout != nil && settlement.Payout.Sign() > 0 {
			ev.Amount = new(big.Int).Add(ev.Amount, settlement.Payout)
		}
		ev.Price = cloneInt(settlement.ExpiryPrice)
	})
	v.logger.Info("option settled", "option", current, "reclaimed", settlement.Reclaimed, "payout", settlement.Payout)
	return nil
}

// closeRound prices the round and commits the next option. All checks and
// the fee transfer run before the first state write.
func (v *Vault) closeRound(ctx context.Context, now time.Time, next string, spec OptionSpec) error {
	params := v.cfg.Params
	round := v.state.Round

	balance := v.bank.BalanceOf(params.Asset, v.cfg.Account)
	pending := v.state.TotalPending
	lastQueued := v.state.LastQueuedWithdrawAmount

	feeResult := v.fees.Compute(fees.Input{
		Balance:    subFloor(balance, lastQueued),
		LastLocked: v.state.LockedAmount,
		Pending:    pending,
	})
	afterFees := new(big.Int).Sub(balance, feeResult.Total)

	supply := subFloor(v.totalSupply, v.state.QueuedWithdrawShares)
	pps := sharemath.PricePerShare(supply, subFloor(afterFees, lastQueued), pending, params.Decimals)
	if pps.Sign() == 0 {
		return fmt.Errorf("round %d: %w", round, sharemath.ErrZeroPrice)
	}

	currentQueuedAmount, err := sharemath.SharesToAssets(v.state.CurrentQueuedWithdrawShares, pps, params.Decimals)
	if err != nil {
		return err
	}
	queuedAmount := new(big.Int).Add(lastQueued, currentQueuedAmount)
	minted, err := sharemath.AssetsToShares(pending, pps, params.Decimals)
	if err != nil {
		return err
	}
	locked := subFloor(afterFees, queuedAmount)
	queuedShares := new(big.Int).Add(v.state.QueuedWithdrawShares, v.state.CurrentQueuedWithdrawShares)

	if err := sharemath.AssertUint104(locked); err != nil {
		return fmt.Errorf("locked amount: %w", err)
	}
	if err := sharemath.AssertUint128(queuedShares); err != nil {
		return fmt.Errorf("queued withdraw shares: %w", err)
	}
	if err := sharemath.AssertUint16(new(big.Int).SetUint64(round + 1)); err != nil {
		return fmt.Errorf("round: %w", err)
	}

	if feeResult.Total.Sign() > 0 {
		if err := v.bank.Transfer(params.Asset, v.cfg.Account, v.cfg.FeeRecipient, feeResult.Total); err != nil {
			return fmt.Errorf("fee transfer: %w", err)
		}
	}

	v.roundPrices[round] = pps
	v.state.LastLockedAmount = v.state.LockedAmount
	v.state.LockedAmount = locked
	v.state.TotalPending = big.NewInt(0)
	v.state.QueuedWithdrawShares = queuedShares
	v.state.CurrentQueuedWithdrawShares = big.NewInt(0)
	v.state.LastQueuedWithdrawAmount = queuedAmount
	v.mintShares(v.cfg.Account, minted)
	v.state.Round = round + 1

	v.option = OptionState{
		NextOption:            next,
		Next:                  spec,
		NextOptionReadyAt:     now.Add(v.cfg.CommitDelay),
		OverriddenStrike:      v.option.OverriddenStrike,
		OverriddenStrikeRound: v.option.OverriddenStrikeRound,
	}

	v.emit(events.CollectVaultFees, func(ev *events.Event) {
		ev.Round = round
		ev.Account = v.cfg.FeeRecipient
		ev.Amount = cloneInt(feeResult.PerformanceFee)
		ev.Fee = cloneInt(feeResult.Total)
	})
	v.emit(events.RoundClosed, func(ev *events.Event) {
		ev.Round = round
		ev.Price = cloneInt(pps)
		ev.Shares = cloneInt(minted)
		ev.Amount = cloneInt(pending)
	})
	v.emit(events.NewOptionStrikeSelected, func(ev *events.Event) {
		ev.Option = next
		ev.Price = cloneInt(spec.Strike)
	})
	v.logger.Info("round closed",
		"round", round,
		"pricePerShare", sharemath.Format(pps, params.Decimals),
		"minted", minted,
		"locked", sharemath.Format(locked, params.Decimals),
		"fees", sharemath.Format(feeResult.Total, params.Decimals),
		"next", next,
		"expiry", spec.Expiry,
	)
	return nil
}

// RollToNextOption opens the committed option once the commit delay has
// elapsed. Sell vaults mint against the locked capital and offer the options;
// buy vaults bid for them. Keeper only.
func (v *Vault) RollToNextOption(ctx context.Context, caller string, premium *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if caller != v.cfg.Keeper {
		return ErrUnauthorized
	}
	if v.option.NextOption == "" {
		return ErrNoCommittedOption
	}
	if v.option.CurrentOption != "" {
		return ErrOptionActive
	}
	if now := v.now(); now.Before(v.option.NextOptionReadyAt) {
		return fmt.Errorf("%w: ready at %s", ErrDelayNotElapsed, v.option.NextOptionReadyAt)
	}
	if premium == nil || premium.Sign() <= 0 {
		return ErrInvalidPremium
	}
	if v.state.LockedAmount.Sign() == 0 {
		return ErrNoCapital
	}

	snap := v.snapshot()
	if err := v.openRound(ctx, premium); err != nil {
		v.restore(snap)
		v.logger.Warn("roll failed", "round", v.state.Round, "error", err)
		return err
	}
	v.commit(ctx)
	return nil
}

func (v *Vault) openRound(ctx context.Context, premium *big.Int) error {
	option := v.option.NextOption

	var err error
	switch v.cfg.Params.Strategy {
	case StrategyBuy:
		err = v.bidForOptions(ctx, option, premium)
	default:
		err = v.writeOptions(ctx, option, premium)
	}
	if err != nil {
		return err
	}

	v.option.CurrentOption = option
	v.option.Current = v.option.Next
	v.option.NextOption = ""
	v.option.Next = OptionSpec{}
	v.option.NextOptionReadyAt = time.Time{}
	v.option.Premium = new(big.Int).Set(premium)
	return nil
}

func (v *Vault) writeOptions(ctx context.Context, option string, premium *big.Int) error {
	collateral := new(big.Int).Set(v.state.LockedAmount)
	minted, err := v.protocol.Mint(ctx, v.cfg.Account, option, collateral)
	if err != nil {
		return externalErr("mint "+option, err)
	}
	if minted == nil || minted.Sign() <= 0 {
		return externalErr("mint "+option, errors.New("no options minted"))
	}
	v.option.Minted = new(big.Int).Set(minted)
	v.option.Collateral = collateral
	v.emit(events.OpenShort, func(ev *events.Event) {
		ev.Option = option
		ev.Amount = cloneInt(collateral)
		ev.Shares = cloneInt(minted)
	})

	allocated := big.NewInt(0)
	if v.queue != nil && v.cfg.AllocationPct > 0 {
		want := allocation(minted, v.cfg.AllocationPct)
		if avail := v.queue.OptionsAllocation(v.cfg.Account, want); avail.Sign() > 0 {
			allocated, err = v.queue.AllocateOptions(ctx, v.cfg.Account, option, avail)
			if err != nil {
				return externalErr("allocate options", err)
			}
		}
	}
	v.option.QueueAllocated = allocated

	rest := new(big.Int).Sub(minted, allocated)
	if rest.Sign() > 0 && v.auction != nil {
		id, err := v.auction.Offer(ctx, v.cfg.Account, option, rest, premium)
		if err != nil {
			return externalErr("offer options", err)
		}
		v.option.AuctionID = id
		v.emit(events.InitiateAuction, func(ev *events.Event) {
			ev.Option = option
			ev.Shares = cloneInt(rest)
			ev.Price = cloneInt(premium)
		})
	}
	v.option.SalePending = allocated.Sign() > 0 || v.option.AuctionID != ""

	v.logger.Info("options written",
		"option", option,
		"collateral", sharemath.Format(collateral, v.cfg.Params.Decimals),
		"minted", sharemath.Format(minted, v.cfg.Params.OptionDecimals),
		"queue", allocated,
		"auction", v.option.AuctionID,
	)
	return nil
}

func (v *Vault) bidForOptions(ctx context.Context, option string, premium *big.Int) error {
	params := v.cfg.Params
	available := v.bank.BalanceOf(params.Asset, v.cfg.Account)
	available = subFloor(available, v.state.TotalPending)
	available = subFloor(available, v.state.LastQueuedWithdrawAmount)

	bid := allocation(v.state.LockedAmount, v.cfg.AllocationPct)
	if bid.Cmp(available) > 0 {
		bid = available
	}
	if bid.Sign() == 0 {
		return ErrNoCapital
	}
	ask := new(big.Int).Mul(bid, sharemath.Unit(params.OptionDecimals))
	ask.Quo(ask, premium)
	if ask.Sign() == 0 {
		return fmt.Errorf("%w: premium %s above bid %s", ErrInvalidPremium, premium, bid)
	}

	id, err := v.auction.PlaceBid(ctx, v.cfg.Account, option, ask, premium)
	if err != nil {
		return externalErr("place bid", err)
	}
	v.option.AuctionID = id
	v.option.AskAmount = ask
	v.option.SalePending = true
	v.emit(events.PlaceAuctionBid, func(ev *events.Event) {
		ev.Option = option
		ev.Amount = cloneInt(bid)
		ev.Shares = cloneInt(ask)
		ev.Price = cloneInt(premium)
	})
	v.logger.Info("auction bid placed",
		"option", option,
		"bid", sharemath.Format(bid, params.Decimals),
		"ask", ask,
		"auction", id,
	)
	return nil
}

// ClaimSettledOptions concludes the sale or purchase of the current option.
// Buy vaults collect the options the auction allocated them. Sell vaults
// collect the auction proceeds, sell the queue's allocation and burn whatever
// did not sell. Keeper only.
func (v *Vault) ClaimSettledOptions(ctx context.Context, caller string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if caller != v.cfg.Keeper {
		return ErrUnauthorized
	}
	if !v.option.SalePending {
		return ErrNoSale
	}

	snap := v.snapshot()
	var err error
	switch v.cfg.Params.Strategy {
	case StrategyBuy:
		err = v.claimBought(ctx)
	default:
		err = v.concludeSale(ctx)
	}
	if err != nil {
		v.restore(snap)
		v.logger.Warn("claim failed", "round", v.state.Round, "error", err)
		return err
	}
	v.option.AuctionID = ""
	v.option.SalePending = false
	v.commit(ctx)
	return nil
}

func (v *Vault) claimBought(ctx context.Context) error {
	res, err := v.auction.Claim(ctx, v.cfg.Account, v.option.AuctionID)
	if err != nil {
		return externalErr("claim auction", err)
	}
	options := orZero(res.Options)
	if options.Cmp(orZero(v.option.AskAmount)) > 0 {
		return fmt.Errorf("%w: %s > %s", ErrOverAllocated, options, v.option.AskAmount)
	}
	v.option.OptionsHeld = new(big.Int).Set(options)
	v.emit(events.ClaimAuction, func(ev *events.Event) {
		ev.Option = v.option.CurrentOption
		ev.Shares = cloneInt(options)
		ev.Amount = cloneInt(res.Proceeds)
		ev.Price = cloneInt(res.ClearingPrice)
	})
	return nil
}

func (v *Vault) concludeSale(ctx context.Context) error {
	option := v.option.CurrentOption
	settlement := orZero(v.option.Premium)

	if v.option.AuctionID != "" {
		res, err := v.auction.Claim(ctx, v.cfg.Account, v.option.AuctionID)
		if err != nil {
			return externalErr("claim auction", err)
		}
		if res.ClearingPrice != nil && res.ClearingPrice.Sign() > 0 {
			settlement = res.ClearingPrice
		}
		v.emit(events.ClaimAuction, func(ev *events.Event) {
			ev.Option = option
			ev.Amount = cloneInt(res.Proceeds)
			ev.Shares = cloneInt(res.Unsold)
			ev.Price = cloneInt(res.ClearingPrice)
		})
	}

	if v.queue != nil && v.option.QueueAllocated != nil && v.option.QueueAllocated.Sign() > 0 {
		if _, err := v.queue.SellToBuyers(ctx, v.cfg.Account, settlement); err != nil {
			return externalErr("sell to buyers", err)
		}
	}

	leftover := v.bank.BalanceOf(option, v.cfg.Account)
	if leftover.Sign() > 0 {
		reclaimed, err := v.protocol.Burn(ctx, v.cfg.Account, option, leftover)
		if err != nil {
			return externalErr("burn "+option, err)
		}
		// LockedAmount stays: it is the fee baseline, and the reclaimed
		// collateral is still in the vault balance.
		v.option.Minted = subFloor(v.option.Minted, leftover)
		v.option.Collateral = subFloor(v.option.Collateral, reclaimed)
		v.emit(events.BurnOptions, func(ev *events.Event) {
			ev.Option = option
			ev.Shares = cloneInt(leftover)
			ev.Amount = cloneInt(reclaimed)
		})
	}
	return nil
}

func allocation(amount *big.Int, pct uint64) *big.Int {
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(pct))
	return out.Quo(out, big.NewInt(AllocationDenominator))
}
