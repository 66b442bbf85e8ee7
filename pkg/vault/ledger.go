package vault

import (
	"context"
	"fmt"
	"math/big"

	"github.com/luxfi/vaults/pkg/events"
	"github.com/luxfi/vaults/pkg/sharemath"
)

// Deposit adds amount to the depositor's pending position for the current
// round.
func (v *Vault) Deposit(ctx context.Context, depositor string, amount *big.Int) error {
	return v.DepositFor(ctx, depositor, depositor, amount)
}

// DepositFor pulls amount from payer and credits the pending position to
// creditor.
func (v *Vault) DepositFor(ctx context.Context, payer, creditor string, amount *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if creditor == "" {
		return fmt.Errorf("%w: empty creditor", ErrInvalidParams)
	}

	total := new(big.Int).Add(v.totalBalance(), amount)
	if total.Cmp(v.cfg.Params.Cap) > 0 {
		return fmt.Errorf("%w: %s > %s", ErrExceedCap, total, v.cfg.Params.Cap)
	}
	if total.Cmp(v.cfg.Params.MinimumSupply) < 0 {
		return fmt.Errorf("%w: %s < %s", ErrBelowMinimumSupply, total, v.cfg.Params.MinimumSupply)
	}

	receipt, err := v.settledReceipt(creditor)
	if err != nil {
		return err
	}
	receipt.Amount = new(big.Int).Add(receipt.Amount, amount)
	if err := sharemath.AssertUint104(receipt.Amount); err != nil {
		return fmt.Errorf("deposit receipt: %w", err)
	}
	pending := new(big.Int).Add(v.state.TotalPending, amount)
	if err := sharemath.AssertUint128(pending); err != nil {
		return fmt.Errorf("total pending: %w", err)
	}

	if err := v.bank.Transfer(v.cfg.Params.Asset, payer, v.cfg.Account, amount); err != nil {
		return fmt.Errorf("deposit transfer: %w", err)
	}

	v.receipts[creditor] = receipt
	v.state.TotalPending = pending
	v.emit(events.Deposit, func(ev *events.Event) {
		ev.Account = creditor
		ev.Amount = cloneInt(amount)
	})
	v.logger.Debug("deposit", "payer", payer, "creditor", creditor, "amount", amount, "round", v.state.Round)
	v.commit(ctx)
	return nil
}

// settledReceipt returns the depositor's receipt with any deposit from an
// earlier round converted into unredeemed shares at that round's price.
func (v *Vault) settledReceipt(account string) (DepositReceipt, error) {
	r, ok := v.receipts[account]
	if !ok {
		return DepositReceipt{
			Round:            v.state.Round,
			Amount:           big.NewInt(0),
			UnredeemedShares: big.NewInt(0),
		}, nil
	}
	r = r.clone()
	r.Amount = orZero(r.Amount)
	r.UnredeemedShares = orZero(r.UnredeemedShares)
	if r.Round >= v.state.Round {
		return r, nil
	}

	if r.Amount.Sign() > 0 {
		pps, ok := v.roundPrices[r.Round]
		if !ok {
			return DepositReceipt{}, fmt.Errorf("%w: round %d", ErrRoundPriceNotFound, r.Round)
		}
		shares, err := sharemath.AssetsToShares(r.Amount, pps, v.cfg.Params.Decimals)
		if err != nil {
			return DepositReceipt{}, fmt.Errorf("settle receipt of %s: %w", account, err)
		}
		r.UnredeemedShares = new(big.Int).Add(r.UnredeemedShares, shares)
		if err := sharemath.AssertUint128(r.UnredeemedShares); err != nil {
			return DepositReceipt{}, fmt.Errorf("unredeemed shares: %w", err)
		}
	}
	r.Round = v.state.Round
	r.Amount = big.NewInt(0)
	return r, nil
}

// MaxRedeem moves every unredeemed share of depositor into their balance.
func (v *Vault) MaxRedeem(ctx context.Context, depositor string) (*big.Int, error) {
	return v.redeem(ctx, depositor, nil)
}

// Redeem moves up to shares unredeemed shares into the depositor's balance
// and returns how many moved.
func (v *Vault) Redeem(ctx context.Context, depositor string, shares *big.Int) (*big.Int, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := sharemath.AssertUint128(shares); err != nil {
		return nil, fmt.Errorf("redeem: %w", err)
	}
	return v.redeem(ctx, depositor, shares)
}

func (v *Vault) redeem(ctx context.Context, depositor string, shares *big.Int) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	receipt, err := v.settledReceipt(depositor)
	if err != nil {
		return nil, err
	}
	if receipt.UnredeemedShares.Sign() == 0 {
		return nil, ErrNothingToRedeem
	}
	n := receipt.UnredeemedShares
	if shares != nil && shares.Cmp(n) < 0 {
		n = shares
	}
	n = new(big.Int).Set(n)

	if err := v.moveShares(v.cfg.Account, depositor, n); err != nil {
		return nil, err
	}
	receipt.UnredeemedShares = new(big.Int).Sub(receipt.UnredeemedShares, n)
	v.receipts[depositor] = receipt
	v.emit(events.Redeem, func(ev *events.Event) {
		ev.Account = depositor
		ev.Shares = cloneInt(n)
	})
	v.commit(ctx)
	return n, nil
}

// WithdrawInstantly returns pending assets deposited in the current round.
func (v *Vault) WithdrawInstantly(ctx context.Context, depositor string, amount *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	receipt, ok := v.receipts[depositor]
	if !ok || receipt.Round != v.state.Round {
		return ErrInvalidRound
	}
	if amount.Cmp(orZero(receipt.Amount)) > 0 {
		return fmt.Errorf("%w: %s > %s", ErrExceedAmount, amount, orZero(receipt.Amount))
	}

	if err := v.payout(depositor, amount); err != nil {
		return err
	}

	receipt = receipt.clone()
	receipt.Amount = new(big.Int).Sub(receipt.Amount, amount)
	v.receipts[depositor] = receipt
	v.state.TotalPending = new(big.Int).Sub(v.state.TotalPending, amount)
	v.emit(events.InstantWithdraw, func(ev *events.Event) {
		ev.Account = depositor
		ev.Amount = cloneInt(amount)
	})
	v.commit(ctx)
	return nil
}

// InitiateWithdraw queues shares for withdrawal at the close of the current
// round. Any unredeemed shares are redeemed first. A second request in the
// same round adds to the first.
func (v *Vault) InitiateWithdraw(ctx context.Context, depositor string, shares *big.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if shares == nil || shares.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if err := sharemath.AssertUint128(shares); err != nil {
		return fmt.Errorf("initiate withdraw: %w", err)
	}

	snap := v.snapshot()
	if err := v.initiateWithdraw(depositor, shares); err != nil {
		v.restore(snap)
		return err
	}
	v.commit(ctx)
	return nil
}

func (v *Vault) initiateWithdraw(depositor string, shares *big.Int) error {
	receipt, err := v.settledReceipt(depositor)
	if err != nil {
		return err
	}
	if receipt.UnredeemedShares.Sign() > 0 {
		redeemed := receipt.UnredeemedShares
		if err := v.moveShares(v.cfg.Account, depositor, redeemed); err != nil {
			return err
		}
		receipt.UnredeemedShares = big.NewInt(0)
		v.emit(events.Redeem, func(ev *events.Event) {
			ev.Account = depositor
			ev.Shares = cloneInt(redeemed)
		})
	}
	v.receipts[depositor] = receipt

	round := v.state.Round
	w, ok := v.withdrawals[depositor]
	existing := big.NewInt(0)
	if ok && w.Shares != nil {
		existing = w.Shares
	}
	total := new(big.Int).Set(shares)
	if ok && w.Round == round {
		total.Add(total, existing)
	} else if existing.Sign() > 0 {
		return fmt.Errorf("%w: round %d", ErrExistingWithdraw, w.Round)
	}
	if err := sharemath.AssertUint128(total); err != nil {
		return fmt.Errorf("withdrawal shares: %w", err)
	}

	if err := v.moveShares(depositor, v.cfg.Account, shares); err != nil {
		return err
	}
	v.withdrawals[depositor] = Withdrawal{Round: round, Shares: total}
	v.state.CurrentQueuedWithdrawShares = new(big.Int).Add(v.state.CurrentQueuedWithdrawShares, shares)
	v.emit(events.InitiateWithdraw, func(ev *events.Event) {
		ev.Account = depositor
		ev.Shares = cloneInt(shares)
	})
	return nil
}

// CompleteWithdraw pays out a withdrawal whose round has closed and returns
// the amount paid.
func (v *Vault) CompleteWithdraw(ctx context.Context, depositor string) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	w, ok := v.withdrawals[depositor]
	if !ok || w.Shares == nil || w.Shares.Sign() == 0 {
		return nil, ErrNotInitiated
	}
	pps, ok := v.roundPrices[w.Round]
	if !ok {
		return nil, fmt.Errorf("%w: round %d", ErrRoundNotClosed, w.Round)
	}
	amount, err := sharemath.SharesToAssets(w.Shares, pps, v.cfg.Params.Decimals)
	if err != nil {
		return nil, err
	}
	if amount.Sign() == 0 {
		return nil, ErrZeroWithdrawAmount
	}

	snap := v.snapshot()
	shares := new(big.Int).Set(w.Shares)
	if err := v.burnShares(v.cfg.Account, shares); err != nil {
		v.restore(snap)
		return nil, err
	}
	v.withdrawals[depositor] = Withdrawal{Round: w.Round, Shares: big.NewInt(0)}
	v.state.QueuedWithdrawShares = subFloor(v.state.QueuedWithdrawShares, shares)
	v.state.LastQueuedWithdrawAmount = subFloor(v.state.LastQueuedWithdrawAmount, amount)

	if err := v.payout(depositor, amount); err != nil {
		v.restore(snap)
		return nil, err
	}
	v.emit(events.Withdraw, func(ev *events.Event) {
		ev.Account = depositor
		ev.Amount = cloneInt(amount)
		ev.Shares = shares
	})
	v.logger.Info("withdrawal completed", "account", depositor, "shares", shares,
		"amount", sharemath.Format(amount, v.cfg.Params.Decimals))
	v.commit(ctx)
	return amount, nil
}

// payout sends amount of the vault asset to account. A wrapped native asset
// is unwrapped straight into the recipient's account.
func (v *Vault) payout(account string, amount *big.Int) error {
	asset := v.cfg.Params.Asset
	if native := v.cfg.Params.NativeAsset; native != "" {
		if u, ok := v.bank.(Unwrapper); ok {
			if err := u.Unwrap(v.cfg.Account, account, asset, native, amount); err != nil {
				return fmt.Errorf("unwrap %s: %w", asset, err)
			}
			return nil
		}
	}
	if err := v.bank.Transfer(asset, v.cfg.Account, account, amount); err != nil {
		return fmt.Errorf("withdraw transfer: %w", err)
	}
	return nil
}

// totalBalance is the asset the vault controls, including collateral posted
// to the options protocol.
func (v *Vault) totalBalance() *big.Int {
	total := v.bank.BalanceOf(v.cfg.Params.Asset, v.cfg.Account)
	if v.option.Collateral != nil {
		total = new(big.Int).Add(total, v.option.Collateral)
	}
	return total
}

// TotalBalance returns the asset the vault controls.
func (v *Vault) TotalBalance() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.totalBalance()
}

// TotalSupply returns the number of shares in existence.
func (v *Vault) TotalSupply() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.totalSupply)
}

func (v *Vault) pricePerShare() *big.Int {
	return sharemath.PricePerShare(v.totalSupply, v.totalBalance(), v.state.TotalPending, v.cfg.Params.Decimals)
}

// PricePerShare returns the live price of one share.
func (v *Vault) PricePerShare() *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pricePerShare()
}

// RoundPricePerShare returns the frozen price of a closed round.
func (v *Vault) RoundPricePerShare(round uint64) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	pps, ok := v.roundPrices[round]
	if !ok {
		return nil, fmt.Errorf("%w: round %d", ErrRoundPriceNotFound, round)
	}
	return new(big.Int).Set(pps), nil
}

// ShareBalances returns the depositor's spendable shares and the shares
// still held for them by the vault.
func (v *Vault) ShareBalances(account string) (held, unredeemed *big.Int, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	receipt, err := v.settledReceipt(account)
	if err != nil {
		return nil, nil, err
	}
	return new(big.Int).Set(v.shareBalance(account)), receipt.UnredeemedShares, nil
}

// AccountVaultBalance values the depositor's shares at the live price plus
// any pending deposit of the current round.
func (v *Vault) AccountVaultBalance(account string) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	receipt, err := v.settledReceipt(account)
	if err != nil {
		return nil, err
	}
	shares := new(big.Int).Add(v.shareBalance(account), receipt.UnredeemedShares)
	assets, err := sharemath.SharesToAssets(shares, v.pricePerShare(), v.cfg.Params.Decimals)
	if err != nil {
		return nil, err
	}
	return assets.Add(assets, receipt.Amount), nil
}

// State returns a copy of the accounting state.
func (v *Vault) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state.clone()
}

// Option returns a copy of the option state.
func (v *Vault) Option() OptionState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.option.clone()
}

// Receipt returns the depositor's stored receipt.
func (v *Vault) Receipt(account string) (DepositReceipt, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.receipts[account]
	return r.clone(), ok
}

// Withdrawal returns the depositor's withdrawal request.
func (v *Vault) Withdrawal(account string) (Withdrawal, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	w, ok := v.withdrawals[account]
	return w.clone(), ok
}

func subFloor(a, b *big.Int) *big.Int {
	out := new(big.Int).Sub(orZero(a), b)
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out
}
