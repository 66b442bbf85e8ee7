package bank

import (
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransfer(t *testing.T) {
	b := New()
	require.NoError(t, b.Mint("USDC", "alice", big.NewInt(1_000)))

	t.Run("MovesBalance", func(t *testing.T) {
		require.NoError(t, b.Transfer("USDC", "alice", "bob", big.NewInt(400)))
		assert.Equal(t, big.NewInt(600), b.BalanceOf("USDC", "alice"))
		assert.Equal(t, big.NewInt(400), b.BalanceOf("USDC", "bob"))
	})

	t.Run("InsufficientLeavesBalancesAlone", func(t *testing.T) {
		err := b.Transfer("USDC", "bob", "alice", big.NewInt(401))
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.Equal(t, big.NewInt(400), b.BalanceOf("USDC", "bob"))
	})

	t.Run("NegativeRejected", func(t *testing.T) {
		assert.ErrorIs(t, b.Transfer("USDC", "bob", "alice", big.NewInt(-1)), ErrInvalidAmount)
	})

	t.Run("ZeroIsNoop", func(t *testing.T) {
		assert.NoError(t, b.Transfer("USDC", "nobody", "alice", big.NewInt(0)))
	})

	assert.Equal(t, big.NewInt(1_000), b.Supply("USDC"))
	assert.Equal(t, []string{"alice", "bob"}, b.Accounts("USDC"))
}

func TestBalanceOfReturnsCopy(t *testing.T) {
	b := New()
	require.NoError(t, b.Mint("WETH", "vault", big.NewInt(5)))

	bal := b.BalanceOf("WETH", "vault")
	bal.SetInt64(1_000)
	assert.Equal(t, big.NewInt(5), b.BalanceOf("WETH", "vault"))
}

func TestUnwrap(t *testing.T) {
	b := New()
	b.RegisterWrapped("WETH", "ETH")
	require.NoError(t, b.Mint("WETH", "vault", big.NewInt(10)))

	require.NoError(t, b.Unwrap("vault", "vault", "WETH", "ETH", big.NewInt(4)))
	assert.Equal(t, big.NewInt(6), b.BalanceOf("WETH", "vault"))
	assert.Equal(t, big.NewInt(4), b.BalanceOf("ETH", "vault"))

	t.Run("ToRecipient", func(t *testing.T) {
		require.NoError(t, b.Unwrap("vault", "alice", "WETH", "ETH", big.NewInt(2)))
		assert.Equal(t, big.NewInt(4), b.BalanceOf("WETH", "vault"))
		assert.Equal(t, big.NewInt(4), b.BalanceOf("ETH", "vault"))
		assert.Equal(t, big.NewInt(2), b.BalanceOf("ETH", "alice"))
	})

	assert.ErrorIs(t, b.Unwrap("vault", "vault", "USDC", "ETH", big.NewInt(1)), ErrNotWrapped)
	assert.ErrorIs(t, b.Unwrap("vault", "alice", "WETH", "ETH", big.NewInt(7)), ErrInsufficientBalance)
	assert.Equal(t, 0, b.BalanceOf("WETH", "alice").Sign())
}

func TestTransferBatch(t *testing.T) {
	b := New()
	require.NoError(t, b.Mint("USDC", "queue", big.NewInt(10)))
	require.NoError(t, b.Mint("oTKN", "queue", big.NewInt(3)))

	require.NoError(t, b.TransferBatch([]Move{
		{Asset: "oTKN", From: "queue", To: "alice", Amount: big.NewInt(2)},
		{Asset: "USDC", From: "queue", To: "alice", Amount: big.NewInt(1)},
		{Asset: "USDC", From: "queue", To: "vault", Amount: big.NewInt(4)},
	}))
	assert.Equal(t, big.NewInt(2), b.BalanceOf("oTKN", "alice"))
	assert.Equal(t, big.NewInt(1), b.BalanceOf("USDC", "alice"))
	assert.Equal(t, big.NewInt(4), b.BalanceOf("USDC", "vault"))
	assert.Equal(t, big.NewInt(5), b.BalanceOf("USDC", "queue"))

	t.Run("AllOrNothing", func(t *testing.T) {
		err := b.TransferBatch([]Move{
			{Asset: "USDC", From: "queue", To: "bob", Amount: big.NewInt(3)},
			{Asset: "oTKN", From: "queue", To: "bob", Amount: big.NewInt(2)},
		})
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.Equal(t, 0, b.BalanceOf("USDC", "bob").Sign())
		assert.Equal(t, big.NewInt(5), b.BalanceOf("USDC", "queue"))
		assert.Equal(t, big.NewInt(1), b.BalanceOf("oTKN", "queue"))
	})

	t.Run("NetOutflow", func(t *testing.T) {
		err := b.TransferBatch([]Move{
			{Asset: "USDC", From: "queue", To: "bob", Amount: big.NewInt(4)},
			{Asset: "USDC", From: "queue", To: "carol", Amount: big.NewInt(2)},
		})
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.Equal(t, big.NewInt(5), b.BalanceOf("USDC", "queue"))
	})

	t.Run("NegativeAmount", func(t *testing.T) {
		err := b.TransferBatch([]Move{{Asset: "USDC", From: "queue", To: "bob", Amount: big.NewInt(-1)}})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
}

func TestBurn(t *testing.T) {
	b := New()
	require.NoError(t, b.Mint("oTKN", "queue", big.NewInt(3)))
	assert.ErrorIs(t, b.Burn("oTKN", "queue", big.NewInt(4)), ErrInsufficientBalance)
	require.NoError(t, b.Burn("oTKN", "queue", big.NewInt(3)))
	assert.Equal(t, 0, b.Supply("oTKN").Sign())
}

func TestConcurrentTransfersConserveSupply(t *testing.T) {
	b := New()
	require.NoError(t, b.Mint("USDC", "a", big.NewInt(10_000)))
	require.NoError(t, b.Mint("USDC", "b", big.NewInt(10_000)))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = b.Transfer("USDC", "a", "b", big.NewInt(7))
		}()
		go func() {
			defer wg.Done()
			_ = b.Transfer("USDC", "b", "a", big.NewInt(3))
		}()
	}
	wg.Wait()

	assert.Equal(t, big.NewInt(20_000), b.Supply("USDC"))
}

func TestSnapshotRestore(t *testing.T) {
	b := New()
	b.RegisterWrapped("WETH", "ETH")
	require.NoError(t, b.Mint("WETH", "alice", big.NewInt(7)))
	require.NoError(t, b.Mint("USDC", "bob", big.NewInt(3)))
	require.NoError(t, b.Transfer("USDC", "bob", "alice", big.NewInt(3)))

	s := b.Snapshot()
	assert.NotContains(t, s.Balances, "bob")

	other := New()
	require.NoError(t, other.Restore(s))
	assert.Equal(t, big.NewInt(7), other.BalanceOf("WETH", "alice"))
	assert.Equal(t, big.NewInt(3), other.BalanceOf("USDC", "alice"))
	require.NoError(t, other.Unwrap("alice", "alice", "WETH", "ETH", big.NewInt(1)))

	s.Balances["alice"]["WETH"].SetInt64(100)
	assert.Equal(t, big.NewInt(6), other.BalanceOf("WETH", "alice"))

	s.Balances["alice"]["USDC"] = big.NewInt(-1)
	assert.ErrorIs(t, other.Restore(s), ErrInvalidAmount)
}
