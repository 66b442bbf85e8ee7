package metrics

import (
	"context"
	"errors"
	"math/big"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/vaults/pkg/events"
	"github.com/luxfi/vaults/pkg/vault"
)

var _ events.Publisher = (*Metrics)(nil)

type fakeVault struct{}

func (fakeVault) ID() string { return "btc" }

func (fakeVault) State() vault.State {
	return vault.State{
		Round:                7,
		TotalPending:         big.NewInt(5),
		LockedAmount:         big.NewInt(1_000),
		QueuedWithdrawShares: big.NewInt(3),
	}
}

func (fakeVault) TotalBalance() *big.Int  { return big.NewInt(1_005) }
func (fakeVault) TotalSupply() *big.Int   { return big.NewInt(900) }
func (fakeVault) PricePerShare() *big.Int { return big.NewInt(111_111_111) }

func publish(t *testing.T, m *Metrics, typ events.Type, fill func(*events.Event)) {
	t.Helper()
	ev := events.New(typ, "btc")
	fill(&ev)
	require.NoError(t, m.Publish(context.Background(), ev))
}

func TestPublishCountsEvents(t *testing.T) {
	m := New("vault", nil)

	publish(t, m, events.Deposit, func(ev *events.Event) { ev.Amount = big.NewInt(100) })
	publish(t, m, events.Deposit, func(ev *events.Event) { ev.Amount = big.NewInt(50) })
	publish(t, m, events.InstantWithdraw, func(ev *events.Event) { ev.Amount = big.NewInt(20) })
	publish(t, m, events.Withdraw, func(ev *events.Event) { ev.Amount = big.NewInt(30) })
	publish(t, m, events.CollectVaultFees, func(ev *events.Event) { ev.Fee = big.NewInt(7) })
	publish(t, m, events.RoundClosed, func(ev *events.Event) { ev.Round = 2 })

	assert.Equal(t, float64(2), testutil.ToFloat64(m.events.WithLabelValues("btc", string(events.Deposit))))
	assert.Equal(t, float64(150), testutil.ToFloat64(m.deposited.WithLabelValues("btc")))
	assert.Equal(t, float64(20), testutil.ToFloat64(m.withdrawn.WithLabelValues("btc", "instant")))
	assert.Equal(t, float64(30), testutil.ToFloat64(m.withdrawn.WithLabelValues("btc", "queued")))
	assert.Equal(t, float64(7), testutil.ToFloat64(m.feesCollected.WithLabelValues("btc")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.round.WithLabelValues("btc")))
}

func TestObserveVault(t *testing.T) {
	m := New("vault", nil)
	m.ObserveVault(fakeVault{})

	assert.Equal(t, float64(7), testutil.ToFloat64(m.round.WithLabelValues("btc")))
	assert.Equal(t, float64(1_000), testutil.ToFloat64(m.lockedAmount.WithLabelValues("btc")))
	assert.Equal(t, float64(5), testutil.ToFloat64(m.totalPending.WithLabelValues("btc")))
	assert.Equal(t, float64(1_005), testutil.ToFloat64(m.totalBalance.WithLabelValues("btc")))
	assert.Equal(t, float64(900), testutil.ToFloat64(m.totalSupply.WithLabelValues("btc")))
	assert.Equal(t, float64(111_111_111), testutil.ToFloat64(m.pricePerShare.WithLabelValues("btc")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New("vault", nil)
	m.RecordKeeper("btc", "commit", nil)
	m.RecordKeeper("btc", "commit", errors.New("not expired"))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `vault_keeper_runs_total{action="commit",result="error",vault="btc"} 1`), body)
	assert.True(t, strings.Contains(body, `vault_keeper_runs_total{action="commit",result="ok",vault="btc"} 1`), body)
}
