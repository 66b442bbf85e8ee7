package vault_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/vaults/pkg/bank"
	"github.com/luxfi/vaults/pkg/events"
	"github.com/luxfi/vaults/pkg/sharemath"
	"github.com/luxfi/vaults/pkg/vault"
)

func TestDeposit(t *testing.T) {
	ctx := context.Background()

	t.Run("RecordsPending", func(t *testing.T) {
		h := newHarness(t, nil)
		h.deposit(t, "alice", 100_000_000)
		h.deposit(t, "alice", 50_000_000)

		r, ok := h.vault.Receipt("alice")
		require.True(t, ok)
		assert.Equal(t, uint64(1), r.Round)
		assert.Equal(t, big.NewInt(150_000_000), r.Amount)
		assert.Equal(t, big.NewInt(150_000_000), h.vault.State().TotalPending)
		assert.Equal(t, big.NewInt(150_000_000), h.balance(h.vault.Account()))
		assert.Len(t, h.rec.OfType(events.Deposit), 2)
	})

	t.Run("InvalidAmount", func(t *testing.T) {
		h := newHarness(t, nil)
		assert.ErrorIs(t, h.vault.Deposit(ctx, "alice", big.NewInt(0)), vault.ErrInvalidAmount)
		assert.ErrorIs(t, h.vault.Deposit(ctx, "alice", nil), vault.ErrInvalidAmount)
	})

	t.Run("Cap", func(t *testing.T) {
		h := newHarness(t, nil)
		h.fund(t, "alice", 200_000_000_000)
		err := h.vault.Deposit(ctx, "alice", new(big.Int).Add(px(1_000), big.NewInt(1)))
		assert.ErrorIs(t, err, vault.ErrExceedCap)
		assert.Equal(t, 0, h.vault.State().TotalPending.Sign())
	})

	t.Run("MinimumSupply", func(t *testing.T) {
		h := newHarness(t, nil)
		h.fund(t, "alice", 1_000)
		assert.ErrorIs(t, h.vault.Deposit(ctx, "alice", big.NewInt(1_000)), vault.ErrBelowMinimumSupply)
	})

	t.Run("InsufficientFunds", func(t *testing.T) {
		h := newHarness(t, nil)
		h.fund(t, "alice", 100_000)
		assert.Error(t, h.vault.Deposit(ctx, "alice", big.NewInt(200_000)))
		_, ok := h.vault.Receipt("alice")
		assert.False(t, ok)
	})

	t.Run("ForCreditor", func(t *testing.T) {
		h := newHarness(t, nil)
		h.fund(t, "payer", 100_000_000)
		require.NoError(t, h.vault.DepositFor(ctx, "payer", "alice", big.NewInt(100_000_000)))
		r, ok := h.vault.Receipt("alice")
		require.True(t, ok)
		assert.Equal(t, big.NewInt(100_000_000), r.Amount)
		_, ok = h.vault.Receipt("payer")
		assert.False(t, ok)
	})
}

func TestReceiptConversion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	v := h.vault

	h.deposit(t, "alice", 200_000_000)
	h.commit(t)

	// The stored receipt still says round 1 until the next write.
	r, _ := v.Receipt("alice")
	assert.Equal(t, uint64(1), r.Round)

	held, unredeemed, err := v.ShareBalances("alice")
	require.NoError(t, err)
	assert.Equal(t, 0, held.Sign())
	assert.Equal(t, big.NewInt(200_000_000), unredeemed)

	// A deposit in round 2 folds the round-1 amount into shares first.
	h.deposit(t, "alice", 100_000_000)
	r, _ = v.Receipt("alice")
	assert.Equal(t, uint64(2), r.Round)
	assert.Equal(t, big.NewInt(100_000_000), r.Amount)
	assert.Equal(t, big.NewInt(200_000_000), r.UnredeemedShares)

	balance, err := v.AccountVaultBalance("alice")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(300_000_000), balance)

	t.Run("RedeemOverflow", func(t *testing.T) {
		before, _ := v.Receipt("alice")
		tooWide := new(big.Int).Lsh(big.NewInt(1), sharemath.SharesBits)
		_, err := v.Redeem(ctx, "alice", tooWide)
		assert.ErrorIs(t, err, sharemath.ErrOverflow)
		after, _ := v.Receipt("alice")
		assert.Equal(t, before, after)
		held, unredeemed, err := v.ShareBalances("alice")
		require.NoError(t, err)
		assert.Equal(t, 0, held.Sign())
		assert.Equal(t, big.NewInt(200_000_000), unredeemed)
	})

	t.Run("RedeemPartial", func(t *testing.T) {
		n, err := v.Redeem(ctx, "alice", big.NewInt(50_000_000))
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(50_000_000), n)
		held, unredeemed, err := v.ShareBalances("alice")
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(50_000_000), held)
		assert.Equal(t, big.NewInt(150_000_000), unredeemed)
	})

	t.Run("RedeemCapsAtUnredeemed", func(t *testing.T) {
		n, err := v.Redeem(ctx, "alice", big.NewInt(1_000_000_000))
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(150_000_000), n)
	})

	t.Run("NothingLeft", func(t *testing.T) {
		_, err := v.MaxRedeem(ctx, "alice")
		assert.ErrorIs(t, err, vault.ErrNothingToRedeem)
		_, err = v.Redeem(ctx, "alice", big.NewInt(0))
		assert.ErrorIs(t, err, vault.ErrInvalidAmount)
	})

	assert.Equal(t, []string{"alice"}, v.Holders())
}

func TestWithdrawInstantly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	v := h.vault

	h.deposit(t, "alice", 300_000_000)
	require.NoError(t, v.WithdrawInstantly(ctx, "alice", big.NewInt(100_000_000)))
	assert.Equal(t, big.NewInt(100_000_000), h.balance("alice"))
	assert.Equal(t, big.NewInt(200_000_000), v.State().TotalPending)

	assert.ErrorIs(t, v.WithdrawInstantly(ctx, "alice", big.NewInt(300_000_000)), vault.ErrExceedAmount)
	assert.ErrorIs(t, v.WithdrawInstantly(ctx, "bob", big.NewInt(1)), vault.ErrInvalidRound)
	assert.ErrorIs(t, v.WithdrawInstantly(ctx, "alice", big.NewInt(0)), vault.ErrInvalidAmount)

	h.commit(t)
	assert.ErrorIs(t, v.WithdrawInstantly(ctx, "alice", big.NewInt(1)), vault.ErrInvalidRound)
	assert.Len(t, h.rec.OfType(events.InstantWithdraw), 1)
}

func TestWithdrawUnwrapsNativeAsset(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(h *harness, cfg *vault.Config, _ *vault.Deps) {
		cfg.Params.NativeAsset = "BTC"
		h.bank.RegisterWrapped(wbtc, "BTC")
	})

	h.deposit(t, "alice", 200_000_000)
	require.NoError(t, h.vault.WithdrawInstantly(ctx, "alice", big.NewInt(50_000_000)))
	assert.Equal(t, big.NewInt(50_000_000), h.bank.BalanceOf("BTC", "alice"))
	assert.Equal(t, 0, h.balance("alice").Sign())
	assert.Equal(t, big.NewInt(150_000_000), h.balance(h.vault.Account()))
	assert.Equal(t, 0, h.bank.BalanceOf("BTC", h.vault.Account()).Sign())

	t.Run("UnwrapFailsCleanly", func(t *testing.T) {
		h := newHarness(t, func(_ *harness, cfg *vault.Config, _ *vault.Deps) {
			cfg.Params.NativeAsset = "BTC"
		})
		h.deposit(t, "alice", 200_000_000)
		err := h.vault.WithdrawInstantly(ctx, "alice", big.NewInt(50_000_000))
		assert.ErrorIs(t, err, bank.ErrNotWrapped)
		assert.Equal(t, big.NewInt(200_000_000), h.balance(h.vault.Account()))
		assert.Equal(t, 0, h.bank.BalanceOf("BTC", h.vault.Account()).Sign())
		assert.Equal(t, big.NewInt(200_000_000), h.vault.State().TotalPending)
	})
}

func TestWithdrawLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	v := h.vault

	h.deposit(t, "alice", 1_000_000_000)
	h.deposit(t, "bob", 500_000_000)

	_, err := v.CompleteWithdraw(ctx, "alice")
	assert.ErrorIs(t, err, vault.ErrNotInitiated)
	assert.ErrorIs(t, v.InitiateWithdraw(ctx, "alice", big.NewInt(1)), vault.ErrInsufficientShares)

	h.commit(t)

	require.NoError(t, v.InitiateWithdraw(ctx, "alice", big.NewInt(300_000_000)))
	require.NoError(t, v.InitiateWithdraw(ctx, "alice", big.NewInt(100_000_000)))
	w, ok := v.Withdrawal("alice")
	require.True(t, ok)
	assert.Equal(t, uint64(2), w.Round)
	assert.Equal(t, big.NewInt(400_000_000), w.Shares)

	held, unredeemed, err := v.ShareBalances("alice")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(600_000_000), held)
	assert.Equal(t, 0, unredeemed.Sign())
	assert.Equal(t, big.NewInt(400_000_000), v.State().CurrentQueuedWithdrawShares)

	t.Run("MoreThanHeld", func(t *testing.T) {
		err := v.InitiateWithdraw(ctx, "alice", big.NewInt(600_000_001))
		assert.ErrorIs(t, err, vault.ErrInsufficientShares)
		w, _ := v.Withdrawal("alice")
		assert.Equal(t, big.NewInt(400_000_000), w.Shares)
	})

	_, err = v.CompleteWithdraw(ctx, "alice")
	assert.ErrorIs(t, err, vault.ErrRoundNotClosed)

	h.roll(t, 1_000_000)
	h.expire(t, otm)
	h.commit(t)

	st := v.State()
	assert.Equal(t, big.NewInt(400_000_000), st.LastQueuedWithdrawAmount)
	assert.Equal(t, big.NewInt(400_000_000), st.QueuedWithdrawShares)
	assert.Equal(t, 0, st.CurrentQueuedWithdrawShares.Sign())
	assert.Equal(t, big.NewInt(1_100_000_000), st.LockedAmount)

	// An unpaid request blocks a new one in a later round.
	assert.ErrorIs(t, v.InitiateWithdraw(ctx, "alice", big.NewInt(1)), vault.ErrExistingWithdraw)

	amount, err := v.CompleteWithdraw(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(400_000_000), amount)
	assert.Equal(t, big.NewInt(400_000_000), h.balance("alice"))

	st = v.State()
	assert.Equal(t, 0, st.QueuedWithdrawShares.Sign())
	assert.Equal(t, 0, st.LastQueuedWithdrawAmount.Sign())
	assert.Equal(t, big.NewInt(1_100_000_000), v.TotalSupply())

	_, err = v.CompleteWithdraw(ctx, "alice")
	assert.ErrorIs(t, err, vault.ErrNotInitiated)
	require.NoError(t, v.InitiateWithdraw(ctx, "alice", big.NewInt(100_000_000)))

	withdrawn := h.rec.OfType(events.Withdraw)
	require.Len(t, withdrawn, 1)
	assert.Equal(t, "alice", withdrawn[0].Account)
	assert.Equal(t, big.NewInt(400_000_000), withdrawn[0].Amount)
}
