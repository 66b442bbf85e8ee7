package purchasequeue

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/vaults/pkg/bank"
	"github.com/luxfi/vaults/pkg/events"
)

const (
	owner  = "owner"
	vault  = "vault:eth-call"
	option = "oWETH-C"
	usdc   = "USDC"
)

var (
	thousandOptions = big.NewInt(1_000 * 100_000_000)
	ceiling         = big.NewInt(10_000) // 0.01 USDC
)

type fixture struct {
	bank  *bank.Bank
	queue *Queue
	rec   *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	level, _ := log.ToLevel("debug")
	b := bank.New()
	rec := events.NewRecorder()
	q, err := New(Config{Owner: owner}, b, rec, nil, log.NewTestLogger(level))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, q.RegisterVault(ctx, owner, VaultConfig{Vault: vault, Asset: usdc, OptionDecimals: 8}))
	require.NoError(t, q.SetCeilingPrice(ctx, owner, vault, ceiling))
	return &fixture{bank: b, queue: q, rec: rec}
}

func (f *fixture) fund(t *testing.T, account, asset string, amount int64) {
	t.Helper()
	require.NoError(t, f.bank.Mint(asset, account, big.NewInt(amount)))
}

// refusingBank fails batch transfers while refuse is set.
type refusingBank struct {
	*bank.Bank
	refuse bool
}

func (b *refusingBank) TransferBatch(moves []bank.Move) error {
	if b.refuse {
		return errors.New("ledger unavailable")
	}
	return b.Bank.TransferBatch(moves)
}

func TestRequestPurchase(t *testing.T) {
	ctx := context.Background()

	t.Run("EscrowsPremiumAtCeiling", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t, "buyer", usdc, 10_000_000)

		premiums, err := f.queue.RequestPurchase(ctx, "buyer", vault, thousandOptions)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(10_000_000), premiums)
		assert.Equal(t, 0, f.bank.BalanceOf(usdc, "buyer").Sign())
		assert.Equal(t, big.NewInt(10_000_000), f.bank.BalanceOf(usdc, DefaultAccount))
		assert.Equal(t, thousandOptions, f.queue.TotalOptionsAmount(vault))
		require.Len(t, f.queue.Purchases(vault), 1)
		assert.Len(t, f.rec.OfType(events.PurchaseRequested), 1)
	})

	t.Run("UnlistedVault", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.queue.SetCeilingPrice(ctx, owner, vault, big.NewInt(0)))
		_, err := f.queue.RequestPurchase(ctx, "buyer", vault, thousandOptions)
		assert.ErrorIs(t, err, ErrVaultNotListed)

		_, err = f.queue.RequestPurchase(ctx, "buyer", "vault:unknown", thousandOptions)
		assert.ErrorIs(t, err, ErrVaultNotListed)
	})

	t.Run("ZeroAmount", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.queue.RequestPurchase(ctx, "buyer", vault, big.NewInt(0))
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("MinimumUnlessWhitelisted", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t, "small", usdc, 1_000_000)
		require.NoError(t, f.queue.SetMinPurchaseAmount(ctx, owner, big.NewInt(10*100_000_000)))

		_, err := f.queue.RequestPurchase(ctx, "small", vault, big.NewInt(100_000_000))
		assert.ErrorIs(t, err, ErrMinimumPurchase)

		require.NoError(t, f.queue.AddWhitelist(ctx, owner, "small"))
		_, err = f.queue.RequestPurchase(ctx, "small", vault, big.NewInt(100_000_000))
		assert.NoError(t, err)

		require.NoError(t, f.queue.RemoveWhitelist(ctx, owner, "small"))
		assert.False(t, f.queue.Whitelisted("small"))
	})

	t.Run("RejectedOnceAllocated", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t, "buyer", usdc, 20_000_000)
		f.fund(t, vault, option, 1_000*100_000_000)
		_, err := f.queue.RequestPurchase(ctx, "buyer", vault, thousandOptions)
		require.NoError(t, err)
		_, err = f.queue.AllocateOptions(ctx, vault, option, thousandOptions)
		require.NoError(t, err)

		_, err = f.queue.RequestPurchase(ctx, "buyer", vault, thousandOptions)
		assert.ErrorIs(t, err, ErrVaultAllocated)
	})

	t.Run("InsufficientFundsChangesNothing", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t, "buyer", usdc, 1)
		_, err := f.queue.RequestPurchase(ctx, "buyer", vault, thousandOptions)
		assert.ErrorIs(t, err, bank.ErrInsufficientBalance)
		assert.Empty(t, f.queue.Purchases(vault))
		assert.Equal(t, 0, f.queue.TotalOptionsAmount(vault).Sign())
	})
}

func TestOwnerOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	assert.ErrorIs(t, f.queue.SetCeilingPrice(ctx, "mallory", vault, big.NewInt(1)), ErrUnauthorized)
	assert.ErrorIs(t, f.queue.SetMinPurchaseAmount(ctx, "mallory", big.NewInt(1)), ErrUnauthorized)
	assert.ErrorIs(t, f.queue.AddWhitelist(ctx, "mallory", "mallory"), ErrUnauthorized)
	assert.ErrorIs(t, f.queue.CancelAllPurchases(ctx, "mallory", vault), ErrUnauthorized)
	assert.ErrorIs(t, f.queue.RegisterVault(ctx, "mallory", VaultConfig{Vault: "x", Asset: usdc}), ErrUnauthorized)

	_, err := f.queue.AllocateOptions(ctx, "mallory", option, big.NewInt(1))
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = f.queue.SellToBuyers(ctx, "mallory", big.NewInt(1))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestOptionsAllocation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "buyer", usdc, 10_000_000)
	_, err := f.queue.RequestPurchase(ctx, "buyer", vault, thousandOptions)
	require.NoError(t, err)

	assert.Equal(t, thousandOptions, f.queue.OptionsAllocation(vault, big.NewInt(5_000*100_000_000)))
	assert.Equal(t, big.NewInt(300), f.queue.OptionsAllocation(vault, big.NewInt(300)))
	assert.Equal(t, 0, f.queue.OptionsAllocation("vault:unknown", big.NewInt(300)).Sign())

	require.NoError(t, f.queue.SetCeilingPrice(ctx, owner, vault, big.NewInt(0)))
	assert.Equal(t, 0, f.queue.OptionsAllocation(vault, big.NewInt(300)).Sign())
}

func TestAllocateZeroIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	alloc, err := f.queue.AllocateOptions(ctx, vault, option, big.NewInt(0))
	require.NoError(t, err)
	assert.Equal(t, 0, alloc.Sign())
	assert.Equal(t, 0, f.queue.VaultAllocatedOptions(vault).Sign())

	evs := f.rec.OfType(events.OptionsAllocated)
	require.Len(t, evs, 1)
	assert.Equal(t, 0, evs[0].Shares.Sign())

	// Without requests nothing is taken even when options are offered.
	f.fund(t, vault, option, 500)
	alloc, err = f.queue.AllocateOptions(ctx, vault, option, big.NewInt(500))
	require.NoError(t, err)
	assert.Equal(t, 0, alloc.Sign())
	assert.Equal(t, big.NewInt(500), f.bank.BalanceOf(option, vault))
}

func TestSellToBuyers(t *testing.T) {
	ctx := context.Background()

	t.Run("RefundsDifferenceBelowCeiling", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t, "buyer", usdc, 10_000_000)
		f.fund(t, vault, option, 1_000*100_000_000)
		_, err := f.queue.RequestPurchase(ctx, "buyer", vault, thousandOptions)
		require.NoError(t, err)

		alloc, err := f.queue.AllocateOptions(ctx, vault, option, thousandOptions)
		require.NoError(t, err)
		assert.Equal(t, thousandOptions, alloc)

		paid, err := f.queue.SellToBuyers(ctx, vault, big.NewInt(5_000))
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(5_000_000), paid)

		assert.Equal(t, thousandOptions, f.bank.BalanceOf(option, "buyer"))
		assert.Equal(t, big.NewInt(5_000_000), f.bank.BalanceOf(usdc, "buyer"))
		assert.Equal(t, big.NewInt(5_000_000), f.bank.BalanceOf(usdc, vault))
		assert.Equal(t, 0, f.bank.BalanceOf(usdc, DefaultAccount).Sign())

		assert.Empty(t, f.queue.Purchases(vault))
		assert.Equal(t, 0, f.queue.TotalOptionsAmount(vault).Sign())
		assert.Equal(t, 0, f.queue.VaultAllocatedOptions(vault).Sign())
	})

	t.Run("CappedAtCeiling", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t, "buyer", usdc, 10_000_000)
		f.fund(t, vault, option, 1_000*100_000_000)
		_, err := f.queue.RequestPurchase(ctx, "buyer", vault, thousandOptions)
		require.NoError(t, err)
		_, err = f.queue.AllocateOptions(ctx, vault, option, thousandOptions)
		require.NoError(t, err)

		paid, err := f.queue.SellToBuyers(ctx, vault, big.NewInt(50_000))
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(10_000_000), paid)
		assert.Equal(t, 0, f.bank.BalanceOf(usdc, "buyer").Sign())
	})

	t.Run("FirstComeFirstServed", func(t *testing.T) {
		f := newFixture(t)
		f.fund(t, "first", usdc, 6_000_000)
		f.fund(t, "second", usdc, 6_000_000)
		f.fund(t, vault, option, 800*100_000_000)

		_, err := f.queue.RequestPurchase(ctx, "first", vault, big.NewInt(600*100_000_000))
		require.NoError(t, err)
		_, err = f.queue.RequestPurchase(ctx, "second", vault, big.NewInt(600*100_000_000))
		require.NoError(t, err)

		alloc, err := f.queue.AllocateOptions(ctx, vault, option, big.NewInt(800*100_000_000))
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(800*100_000_000), alloc)

		paid, err := f.queue.SellToBuyers(ctx, vault, ceiling)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(8_000_000), paid)

		assert.Equal(t, big.NewInt(600*100_000_000), f.bank.BalanceOf(option, "first"))
		assert.Equal(t, 0, f.bank.BalanceOf(usdc, "first").Sign())
		assert.Equal(t, big.NewInt(200*100_000_000), f.bank.BalanceOf(option, "second"))
		assert.Equal(t, big.NewInt(4_000_000), f.bank.BalanceOf(usdc, "second"))
		assert.Len(t, f.rec.OfType(events.OptionsSold), 2)
	})

	t.Run("FailedSettlementDeliversOnce", func(t *testing.T) {
		level, _ := log.ToLevel("debug")
		rb := &refusingBank{Bank: bank.New()}
		rec := events.NewRecorder()
		q, err := New(Config{Owner: owner}, rb, rec, nil, log.NewTestLogger(level))
		require.NoError(t, err)
		require.NoError(t, q.RegisterVault(ctx, owner, VaultConfig{Vault: vault, Asset: usdc, OptionDecimals: 8}))
		require.NoError(t, q.SetCeilingPrice(ctx, owner, vault, ceiling))
		require.NoError(t, rb.Mint(usdc, "buyer", big.NewInt(10_000_000)))
		require.NoError(t, rb.Mint(option, vault, thousandOptions))
		_, err = q.RequestPurchase(ctx, "buyer", vault, thousandOptions)
		require.NoError(t, err)
		_, err = q.AllocateOptions(ctx, vault, option, thousandOptions)
		require.NoError(t, err)

		rb.refuse = true
		_, err = q.SellToBuyers(ctx, vault, big.NewInt(5_000))
		require.Error(t, err)
		assert.Equal(t, 0, rb.BalanceOf(option, "buyer").Sign())
		assert.Equal(t, big.NewInt(10_000_000), rb.BalanceOf(usdc, DefaultAccount))
		assert.Equal(t, thousandOptions, rb.BalanceOf(option, DefaultAccount))
		assert.Len(t, q.Purchases(vault), 1)
		assert.Equal(t, thousandOptions, q.VaultAllocatedOptions(vault))
		assert.Empty(t, rec.OfType(events.OptionsSold))

		rb.refuse = false
		paid, err := q.SellToBuyers(ctx, vault, big.NewInt(5_000))
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(5_000_000), paid)
		assert.Equal(t, thousandOptions, rb.BalanceOf(option, "buyer"))
		assert.Equal(t, big.NewInt(5_000_000), rb.BalanceOf(usdc, "buyer"))
		assert.Equal(t, big.NewInt(5_000_000), rb.BalanceOf(usdc, vault))
		assert.Len(t, rec.OfType(events.OptionsSold), 1)
	})

	t.Run("NothingAllocated", func(t *testing.T) {
		f := newFixture(t)
		paid, err := f.queue.SellToBuyers(ctx, vault, ceiling)
		require.NoError(t, err)
		assert.Equal(t, 0, paid.Sign())
	})
}

func TestCancelAllPurchases(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "a", usdc, 10_000_000)
	f.fund(t, "b", usdc, 10_000_000)
	f.fund(t, vault, option, 100*100_000_000)

	_, err := f.queue.RequestPurchase(ctx, "a", vault, big.NewInt(100*100_000_000))
	require.NoError(t, err)
	_, err = f.queue.RequestPurchase(ctx, "b", vault, big.NewInt(200*100_000_000))
	require.NoError(t, err)
	_, err = f.queue.AllocateOptions(ctx, vault, option, big.NewInt(100*100_000_000))
	require.NoError(t, err)

	assert.ErrorIs(t, f.queue.CancelAllPurchases(ctx, owner, vault), ErrVaultListed)

	require.NoError(t, f.queue.SetCeilingPrice(ctx, owner, vault, big.NewInt(0)))
	require.NoError(t, f.queue.CancelAllPurchases(ctx, owner, vault))

	assert.Equal(t, big.NewInt(10_000_000), f.bank.BalanceOf(usdc, "a"))
	assert.Equal(t, big.NewInt(10_000_000), f.bank.BalanceOf(usdc, "b"))
	assert.Equal(t, big.NewInt(100*100_000_000), f.bank.BalanceOf(option, vault))
	assert.Empty(t, f.queue.Purchases(vault))
	assert.Len(t, f.rec.OfType(events.PurchaseCancelled), 2)

	// The vault's sale then finds nothing to sell.
	paid, err := f.queue.SellToBuyers(ctx, vault, ceiling)
	require.NoError(t, err)
	assert.Equal(t, 0, paid.Sign())
}

func TestSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "buyer", usdc, 10_000_000)
	require.NoError(t, f.queue.AddWhitelist(ctx, owner, "buyer"))
	_, err := f.queue.RequestPurchase(ctx, "buyer", vault, thousandOptions)
	require.NoError(t, err)

	snap := f.queue.Snapshot()

	restored, err := New(Config{Owner: owner}, f.bank, nil, nil, nil)
	require.NoError(t, err)
	restored.Restore(snap)

	assert.Equal(t, ceiling, restored.CeilingPrice(vault))
	assert.Equal(t, thousandOptions, restored.TotalOptionsAmount(vault))
	assert.True(t, restored.Whitelisted("buyer"))
	require.Len(t, restored.Purchases(vault), 1)
	assert.Equal(t, "buyer", restored.Purchases(vault)[0].Buyer)
}
