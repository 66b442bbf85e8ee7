// Package bank keeps per-account token balances for the vault, its
// depositors and the external collaborators.
package bank

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrNotWrapped          = errors.New("asset is not a wrapped form of native")
)

// Bank is an in-memory multi-asset ledger. Transfers are atomic.
type Bank struct {
	balances map[string]map[string]*big.Int // account -> asset -> balance
	wrapped  map[string]string              // wrapped asset -> native asset
	mu       sync.RWMutex
}

// New creates an empty bank.
func New() *Bank {
	return &Bank{
		balances: make(map[string]map[string]*big.Int),
		wrapped:  make(map[string]string),
	}
}

// RegisterWrapped records that wrapped is a 1:1 wrapper around native.
func (b *Bank) RegisterWrapped(wrapped, native string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wrapped[wrapped] = native
}

// BalanceOf returns a copy of the account's balance of asset.
func (b *Bank) BalanceOf(asset, account string) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if bal := b.balances[account][asset]; bal != nil {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

// Mint credits amount of asset to account out of thin air.
func (b *Bank) Mint(asset, account string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.balance(account, asset).Add(b.balance(account, asset), amount)
	return nil
}

// Burn debits amount of asset from account.
func (b *Bank) Burn(asset, account string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	bal := b.balance(account, asset)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s %s, needs %s", ErrInsufficientBalance, account, bal, asset, amount)
	}
	bal.Sub(bal, amount)
	return nil
}

// Transfer moves amount of asset between accounts.
func (b *Bank) Transfer(asset, from, to string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	src := b.balance(from, asset)
	if src.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s %s, needs %s", ErrInsufficientBalance, from, src, asset, amount)
	}
	src.Sub(src, amount)
	dst := b.balance(to, asset)
	dst.Add(dst, amount)
	return nil
}

// Move is one leg of a TransferBatch.
type Move struct {
	Asset  string
	From   string
	To     string
	Amount *big.Int
}

// TransferBatch applies every move or none. Balances are checked against
// each account's net outflow per asset.
func (b *Bank) TransferBatch(moves []Move) error {
	for _, m := range moves {
		if m.Amount == nil || m.Amount.Sign() < 0 {
			return ErrInvalidAmount
		}
	}

	type holding struct{ account, asset string }
	net := make(map[holding]*big.Int)
	order := make([]holding, 0, 2*len(moves))
	add := func(h holding, v *big.Int) {
		if net[h] == nil {
			net[h] = big.NewInt(0)
			order = append(order, h)
		}
		net[h].Add(net[h], v)
	}
	for _, m := range moves {
		if m.Amount.Sign() == 0 || m.From == m.To {
			continue
		}
		add(holding{m.From, m.Asset}, new(big.Int).Neg(m.Amount))
		add(holding{m.To, m.Asset}, m.Amount)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, h := range order {
		if d := net[h]; d.Sign() < 0 {
			if bal := b.balance(h.account, h.asset); new(big.Int).Add(bal, d).Sign() < 0 {
				return fmt.Errorf("%w: %s has %s %s, needs %s", ErrInsufficientBalance, h.account, bal, h.asset, new(big.Int).Neg(d))
			}
		}
	}
	for _, h := range order {
		bal := b.balance(h.account, h.asset)
		bal.Add(bal, net[h])
	}
	return nil
}

// Unwrap converts amount of a wrapped asset held by from into its native
// asset, 1:1, credited to to.
func (b *Bank) Unwrap(from, to, wrapped, native string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.wrapped[wrapped] != native {
		return fmt.Errorf("%w: %s/%s", ErrNotWrapped, wrapped, native)
	}
	src := b.balance(from, wrapped)
	if src.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s %s, needs %s", ErrInsufficientBalance, from, src, wrapped, amount)
	}
	src.Sub(src, amount)
	dst := b.balance(to, native)
	dst.Add(dst, amount)
	return nil
}

// Supply returns the sum of every account's balance of asset.
func (b *Bank) Supply(asset string) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := big.NewInt(0)
	for _, assets := range b.balances {
		if bal := assets[asset]; bal != nil {
			total.Add(total, bal)
		}
	}
	return total
}

// Accounts lists the accounts with a non-zero balance of asset.
func (b *Bank) Accounts(asset string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	accounts := make([]string, 0)
	for account, assets := range b.balances {
		if bal := assets[asset]; bal != nil && bal.Sign() > 0 {
			accounts = append(accounts, account)
		}
	}
	sort.Strings(accounts)
	return accounts
}

// balance returns the live balance pointer. Callers must hold mu.
func (b *Bank) balance(account, asset string) *big.Int {
	assets, ok := b.balances[account]
	if !ok {
		assets = make(map[string]*big.Int)
		b.balances[account] = assets
	}
	bal, ok := assets[asset]
	if !ok {
		bal = big.NewInt(0)
		assets[asset] = bal
	}
	return bal
}

// Snapshot is a copy of every non-zero balance and wrapper registration.
type Snapshot struct {
	Balances map[string]map[string]*big.Int `json:"balances"`
	Wrapped  map[string]string              `json:"wrapped,omitempty"`
}

// Snapshot copies the bank.
func (b *Bank) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Snapshot{
		Balances: make(map[string]map[string]*big.Int, len(b.balances)),
		Wrapped:  make(map[string]string, len(b.wrapped)),
	}
	for account, assets := range b.balances {
		for asset, bal := range assets {
			if bal.Sign() == 0 {
				continue
			}
			if s.Balances[account] == nil {
				s.Balances[account] = make(map[string]*big.Int)
			}
			s.Balances[account][asset] = new(big.Int).Set(bal)
		}
	}
	for w, n := range b.wrapped {
		s.Wrapped[w] = n
	}
	return s
}

// Restore replaces every balance with the snapshot's.
func (b *Bank) Restore(s Snapshot) error {
	balances := make(map[string]map[string]*big.Int, len(s.Balances))
	for account, assets := range s.Balances {
		balances[account] = make(map[string]*big.Int, len(assets))
		for asset, bal := range assets {
			if bal == nil || bal.Sign() < 0 {
				return fmt.Errorf("%w: %s %s", ErrInvalidAmount, account, asset)
			}
			balances[account][asset] = new(big.Int).Set(bal)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances = balances
	for w, n := range s.Wrapped {
		b.wrapped[w] = n
	}
	return nil
}
