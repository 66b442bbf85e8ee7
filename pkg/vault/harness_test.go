package vault_test

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/vaults/pkg/bank"
	"github.com/luxfi/vaults/pkg/events"
	"github.com/luxfi/vaults/pkg/paper"
	"github.com/luxfi/vaults/pkg/purchasequeue"
	"github.com/luxfi/vaults/pkg/vault"
)

const (
	owner    = "owner"
	keeper   = "keeper"
	treasury = "treasury"
	wbtc     = "WBTC"
	delay    = time.Hour
)

var (
	monday = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	strike = px(50_000)
	otm    = px(40_000)
)

// px scales a whole price to oracle units.
func px(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(100_000_000)) }

type fakeClock struct {
	now time.Time
	mu  sync.Mutex
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	clock    *fakeClock
	bank     *bank.Bank
	oracle   *paper.Oracle
	protocol *paper.Protocol
	auction  *paper.Auction
	queue    *purchasequeue.Queue
	rec      *events.Recorder
	vault    *vault.Vault
	logger   log.Logger
}

func testLogger() log.Logger {
	level, _ := log.ToLevel("debug")
	return log.NewTestLogger(level)
}

func baseConfig() vault.Config {
	return vault.Config{
		ID:           "btc-call",
		Owner:        owner,
		Keeper:       keeper,
		FeeRecipient: treasury,
		Params: vault.Params{
			Asset:         wbtc,
			Underlying:    wbtc,
			Decimals:      8,
			MinimumSupply: big.NewInt(100_000),
			Cap:           px(1_000),
			Strategy:      vault.StrategySell,
		},
		CommitDelay: delay,
	}
}

// newHarness builds a vault over a fresh bank and paper collaborators. mutate
// may adjust the config and deps before the vault is created.
func newHarness(t *testing.T, mutate func(h *harness, cfg *vault.Config, deps *vault.Deps)) *harness {
	t.Helper()
	logger := testLogger()
	clock := &fakeClock{now: monday}
	b := bank.New()
	oracle := paper.NewOracle(clock.Now)
	require.NoError(t, oracle.SetPrice(wbtc, px(45_000)))
	protocol := paper.NewProtocol(b, oracle, logger, clock.Now)
	protocol.RegisterAsset(wbtc, 8)
	queue, err := purchasequeue.New(purchasequeue.Config{Owner: owner}, b, nil, nil, logger)
	require.NoError(t, err)

	h := &harness{
		clock:    clock,
		bank:     b,
		oracle:   oracle,
		protocol: protocol,
		auction:  paper.NewAuction(b, wbtc, logger),
		queue:    queue,
		rec:      events.NewRecorder(),
		logger:   logger,
	}

	cfg := baseConfig()
	deps := vault.Deps{
		Bank:     b,
		Strike:   paper.FixedStrike{Strike: strike},
		Protocol: protocol,
		Events:   h.rec,
		Logger:   logger,
		Clock:    clock.Now,
	}
	if mutate != nil {
		mutate(h, &cfg, &deps)
	}
	v, err := vault.New(cfg, deps)
	require.NoError(t, err)
	h.vault = v
	return h
}

func (h *harness) fund(t *testing.T, account string, amount int64) {
	t.Helper()
	require.NoError(t, h.bank.Mint(wbtc, account, big.NewInt(amount)))
}

func (h *harness) deposit(t *testing.T, account string, amount int64) {
	t.Helper()
	h.fund(t, account, amount)
	require.NoError(t, h.vault.Deposit(context.Background(), account, big.NewInt(amount)))
}

func (h *harness) commit(t *testing.T) {
	t.Helper()
	require.NoError(t, h.vault.CommitAndClose(context.Background(), keeper))
}

func (h *harness) roll(t *testing.T, premium int64) {
	t.Helper()
	h.clock.Advance(delay)
	require.NoError(t, h.vault.RollToNextOption(context.Background(), keeper, big.NewInt(premium)))
}

// expire moves past the current option's expiry and publishes its price.
func (h *harness) expire(t *testing.T, price *big.Int) {
	t.Helper()
	expiry := h.vault.Option().Current.Expiry
	require.False(t, expiry.IsZero())
	h.clock.Set(expiry.Add(time.Minute))
	require.NoError(t, h.oracle.SetExpiryPrice(wbtc, expiry, price))
}

func (h *harness) pps(t *testing.T, round uint64) *big.Int {
	t.Helper()
	p, err := h.vault.RoundPricePerShare(round)
	require.NoError(t, err)
	return p
}

func (h *harness) balance(account string) *big.Int {
	return h.bank.BalanceOf(wbtc, account)
}
