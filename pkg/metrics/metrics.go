// Package metrics exposes vault activity to Prometheus.
package metrics

import (
	"context"
	"math/big"
	"net/http"
	"runtime"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luxfi/vaults/pkg/events"
	"github.com/luxfi/vaults/pkg/vault"
)

// VaultView is the read side of a vault the collector samples.
type VaultView interface {
	ID() string
	State() vault.State
	TotalBalance() *big.Int
	TotalSupply() *big.Int
	PricePerShare() *big.Int
}

// Metrics counts vault events and samples vault state. It implements
// events.Publisher so it can sit on the event fan-out.
type Metrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	// Event metrics
	events        *prometheus.CounterVec
	deposited     *prometheus.CounterVec
	withdrawn     *prometheus.CounterVec
	feesCollected *prometheus.CounterVec
	optionsSold   *prometheus.CounterVec
	keeperRuns    *prometheus.CounterVec

	// Vault state
	round         *prometheus.GaugeVec
	pricePerShare *prometheus.GaugeVec
	lockedAmount  *prometheus.GaugeVec
	totalPending  *prometheus.GaugeVec
	totalBalance  *prometheus.GaugeVec
	totalSupply   *prometheus.GaugeVec
	queuedShares  *prometheus.GaugeVec

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// New creates the collectors on a fresh registry. Amounts are reported in
// base units of the vault asset.
func New(namespace string, logger log.Logger) *Metrics {
	if logger == nil {
		logger = log.Root().New("module", "metrics")
	}
	registry := prometheus.NewRegistry()

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, labels)
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, []string{"vault"})
	}

	m := &Metrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		events:        counter("events_total", "Vault and queue events by type", "vault", "type"),
		deposited:     counter("deposited_total", "Assets deposited", "vault"),
		withdrawn:     counter("withdrawn_total", "Assets paid out to depositors, instant and queued", "vault", "kind"),
		feesCollected: counter("fees_collected_total", "Management plus performance fees sent to the fee recipient", "vault"),
		optionsSold:   counter("queue_options_sold_total", "Options delivered to purchase queue buyers", "vault"),
		keeperRuns:    counter("keeper_runs_total", "Keeper actions by outcome", "vault", "action", "result"),

		round:         gauge("round", "Current round"),
		pricePerShare: gauge("price_per_share", "Live price of one share"),
		lockedAmount:  gauge("locked_amount", "Capital locked in the current option"),
		totalPending:  gauge("total_pending", "Deposits waiting for the round to close"),
		totalBalance:  gauge("total_balance", "Assets controlled by the vault"),
		totalSupply:   gauge("total_supply", "Shares outstanding"),
		queuedShares:  gauge("queued_withdraw_shares", "Shares escrowed for queued withdrawals"),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.events,
		m.deposited,
		m.withdrawn,
		m.feesCollected,
		m.optionsSold,
		m.keeperRuns,
		m.round,
		m.pricePerShare,
		m.lockedAmount,
		m.totalPending,
		m.totalBalance,
		m.totalSupply,
		m.queuedShares,
		m.memoryUsage,
		m.goroutines,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Publish implements events.Publisher.
func (m *Metrics) Publish(_ context.Context, ev events.Event) error {
	m.events.WithLabelValues(ev.Vault, string(ev.Type)).Inc()

	switch ev.Type {
	case events.Deposit:
		m.deposited.WithLabelValues(ev.Vault).Add(toFloat(ev.Amount))
	case events.InstantWithdraw:
		m.withdrawn.WithLabelValues(ev.Vault, "instant").Add(toFloat(ev.Amount))
	case events.Withdraw:
		m.withdrawn.WithLabelValues(ev.Vault, "queued").Add(toFloat(ev.Amount))
	case events.CollectVaultFees:
		m.feesCollected.WithLabelValues(ev.Vault).Add(toFloat(ev.Fee))
	case events.RoundClosed:
		m.round.WithLabelValues(ev.Vault).Set(float64(ev.Round + 1))
	case events.OptionsSold:
		m.optionsSold.WithLabelValues(ev.Vault).Add(toFloat(ev.Shares))
	}
	return nil
}

// RecordKeeper counts one keeper action.
func (m *Metrics) RecordKeeper(vaultID, action string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.keeperRuns.WithLabelValues(vaultID, action, result).Inc()
}

// ObserveVault samples the vault's accounting state.
func (m *Metrics) ObserveVault(v VaultView) {
	id := v.ID()
	st := v.State()
	m.round.WithLabelValues(id).Set(float64(st.Round))
	m.lockedAmount.WithLabelValues(id).Set(toFloat(st.LockedAmount))
	m.totalPending.WithLabelValues(id).Set(toFloat(st.TotalPending))
	m.queuedShares.WithLabelValues(id).Set(toFloat(st.QueuedWithdrawShares))
	m.totalBalance.WithLabelValues(id).Set(toFloat(v.TotalBalance()))
	m.totalSupply.WithLabelValues(id).Set(toFloat(v.TotalSupply()))
	m.pricePerShare.WithLabelValues(id).Set(toFloat(v.PricePerShare()))
}

// Collect samples the vaults and the runtime every interval until ctx ends.
func (m *Metrics) Collect(ctx context.Context, interval time.Duration, vaults ...VaultView) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			m.memoryUsage.Set(float64(memStats.Alloc))
			m.goroutines.Set(float64(runtime.NumGoroutine()))
			for _, v := range vaults {
				m.ObserveVault(v)
			}
		}
	}
}

func toFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
