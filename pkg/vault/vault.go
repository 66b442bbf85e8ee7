// Package vault implements the round-based share ledger of a pooled options
// vault: deposits, withdrawals and the commit/roll/claim round lifecycle.
package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/vaults/pkg/events"
	"github.com/luxfi/vaults/pkg/fees"
)

// Config identifies a vault and its operators.
type Config struct {
	ID           string
	Account      string
	Owner        string
	Keeper       string
	FeeRecipient string
	Params       Params
	Fees         fees.Config
	Schedule     Schedule
	// AllocationPct is in basis points. Sell vaults route that share of the
	// minted options to the purchase queue; buy vaults bid that share of
	// the locked capital.
	AllocationPct uint64
	CommitDelay   time.Duration
}

// Deps are the collaborators a vault calls. Auction, Queue, Events, Journal
// and Logger are optional.
type Deps struct {
	Bank     Bank
	Strike   StrikeSelection
	Protocol OptionsProtocol
	Auction  Auction
	Queue    OptionsQueue
	Events   events.Publisher
	Journal  Journal
	Logger   log.Logger
	Clock    func() time.Time
}

// Vault is a single options vault. All entry points are serialized.
type Vault struct {
	cfg      Config
	bank     Bank
	strike   StrikeSelection
	protocol OptionsProtocol
	auction  Auction
	queue    OptionsQueue
	events   events.Publisher
	journal  Journal
	logger   log.Logger
	clock    func() time.Time
	fees     *fees.Engine

	state       State
	option      OptionState
	receipts    map[string]DepositReceipt
	withdrawals map[string]Withdrawal
	roundPrices map[uint64]*big.Int
	shares      map[string]*big.Int
	totalSupply *big.Int

	outbox []events.Event

	mu sync.Mutex
}

// New creates a vault at round 1.
func New(cfg Config, deps Deps) (*Vault, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: id required", ErrInvalidParams)
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if cfg.AllocationPct > AllocationDenominator {
		return nil, fmt.Errorf("%w: allocation %d bps", ErrInvalidParams, cfg.AllocationPct)
	}
	if deps.Bank == nil || deps.Strike == nil || deps.Protocol == nil {
		return nil, fmt.Errorf("%w: bank, strike selection and options protocol required", ErrInvalidParams)
	}
	if cfg.Params.Strategy == StrategyBuy && deps.Auction == nil {
		return nil, fmt.Errorf("%w: buy strategy needs an auction", ErrInvalidParams)
	}
	if cfg.Account == "" {
		cfg.Account = "vault:" + cfg.ID
	}
	if cfg.FeeRecipient == "" {
		cfg.FeeRecipient = cfg.Owner
	}
	if cfg.Schedule.Period == 0 {
		cfg.Schedule = WeeklySchedule()
	}
	if cfg.Fees.Period == 0 {
		cfg.Fees.Period = cfg.Schedule.Period
	}
	engine, err := fees.NewEngine(cfg.Fees)
	if err != nil {
		return nil, err
	}

	if deps.Events == nil {
		deps.Events = events.Nop
	}
	if deps.Logger == nil {
		deps.Logger = log.Root().New("module", "vault", "vault", cfg.ID)
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	return &Vault{
		cfg:         cfg,
		bank:        deps.Bank,
		strike:      deps.Strike,
		protocol:    deps.Protocol,
		auction:     deps.Auction,
		queue:       deps.Queue,
		events:      deps.Events,
		journal:     deps.Journal,
		logger:      deps.Logger,
		clock:       deps.Clock,
		fees:        engine,
		state:       newState(),
		receipts:    make(map[string]DepositReceipt),
		withdrawals: make(map[string]Withdrawal),
		roundPrices: make(map[uint64]*big.Int),
		shares:      make(map[string]*big.Int),
		totalSupply: big.NewInt(0),
	}, nil
}

// ID returns the vault identifier.
func (v *Vault) ID() string { return v.cfg.ID }

// Account returns the bank account holding the vault's assets.
func (v *Vault) Account() string { return v.cfg.Account }

// Params returns the immutable vault parameters.
func (v *Vault) Params() Params {
	p := v.cfg.Params
	p.MinimumSupply = cloneInt(p.MinimumSupply)
	p.Cap = cloneInt(p.Cap)
	return p
}

// SetAllocationPct changes the allocation percentage. Owner only.
func (v *Vault) SetAllocationPct(ctx context.Context, caller string, pct uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if caller != v.cfg.Owner {
		return ErrUnauthorized
	}
	if pct > AllocationDenominator {
		return fmt.Errorf("%w: allocation %d bps", ErrInvalidParams, pct)
	}
	v.cfg.AllocationPct = pct
	v.logger.Info("allocation updated", "bps", pct)
	v.commit(ctx)
	return nil
}

// AllocationPct returns the current allocation in basis points.
func (v *Vault) AllocationPct() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cfg.AllocationPct
}

func (v *Vault) now() time.Time { return v.clock().UTC() }

// emit queues an event for delivery once the current call succeeds.
func (v *Vault) emit(typ events.Type, fill func(*events.Event)) {
	ev := events.New(typ, v.cfg.ID)
	ev.Time = v.now()
	ev.Round = v.state.Round
	if fill != nil {
		fill(&ev)
	}
	v.outbox = append(v.outbox, ev)
}

// commit persists the new state and publishes the events of a successful
// call. Neither can fail the call.
func (v *Vault) commit(ctx context.Context) {
	out := v.outbox
	v.outbox = nil

	if v.journal != nil {
		if err := v.journal.SaveVault(v.snapshot()); err != nil {
			v.logger.Error("failed to persist vault", "round", v.state.Round, "error", err)
		}
	}
	for _, ev := range out {
		if err := v.events.Publish(ctx, ev); err != nil {
			v.logger.Warn("failed to publish event", "type", ev.Type, "error", err)
		}
	}
}

func (v *Vault) shareBalance(account string) *big.Int {
	if b, ok := v.shares[account]; ok {
		return b
	}
	return big.NewInt(0)
}

func (v *Vault) mintShares(to string, amount *big.Int) {
	if amount.Sign() == 0 {
		return
	}
	v.shares[to] = new(big.Int).Add(v.shareBalance(to), amount)
	v.totalSupply = new(big.Int).Add(v.totalSupply, amount)
}

func (v *Vault) burnShares(from string, amount *big.Int) error {
	bal := v.shareBalance(from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, need %s", ErrInsufficientShares, from, bal, amount)
	}
	v.shares[from] = new(big.Int).Sub(bal, amount)
	v.totalSupply = new(big.Int).Sub(v.totalSupply, amount)
	return nil
}

func (v *Vault) moveShares(from, to string, amount *big.Int) error {
	bal := v.shareBalance(from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, need %s", ErrInsufficientShares, from, bal, amount)
	}
	v.shares[from] = new(big.Int).Sub(bal, amount)
	v.shares[to] = new(big.Int).Add(v.shareBalance(to), amount)
	return nil
}

// Snapshot is a deep copy of the vault's mutable state.
type Snapshot struct {
	ID                 string                    `json:"id"`
	AllocationPct      uint64                    `json:"allocationPct"`
	State              State                     `json:"state"`
	Option             OptionState               `json:"option"`
	Receipts           map[string]DepositReceipt `json:"receipts"`
	Withdrawals        map[string]Withdrawal     `json:"withdrawals"`
	RoundPricePerShare map[uint64]*big.Int       `json:"roundPricePerShare"`
	Shares             map[string]*big.Int       `json:"shares"`
	TotalSupply        *big.Int                  `json:"totalSupply"`
}

// Snapshot returns a deep copy of the vault state.
func (v *Vault) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshot()
}

func (v *Vault) snapshot() Snapshot {
	s := Snapshot{
		ID:                 v.cfg.ID,
		AllocationPct:      v.cfg.AllocationPct,
		State:              v.state.clone(),
		Option:             v.option.clone(),
		Receipts:           make(map[string]DepositReceipt, len(v.receipts)),
		Withdrawals:        make(map[string]Withdrawal, len(v.withdrawals)),
		RoundPricePerShare: make(map[uint64]*big.Int, len(v.roundPrices)),
		Shares:             make(map[string]*big.Int, len(v.shares)),
		TotalSupply:        cloneInt(v.totalSupply),
	}
	for k, r := range v.receipts {
		s.Receipts[k] = r.clone()
	}
	for k, w := range v.withdrawals {
		s.Withdrawals[k] = w.clone()
	}
	for k, p := range v.roundPrices {
		s.RoundPricePerShare[k] = cloneInt(p)
	}
	for k, b := range v.shares {
		s.Shares[k] = cloneInt(b)
	}
	return s
}

// Restore replaces the vault state with a snapshot taken from the same vault.
func (v *Vault) Restore(s Snapshot) error {
	if s.ID != v.cfg.ID {
		return fmt.Errorf("%w: snapshot of %q restored into %q", ErrInvalidParams, s.ID, v.cfg.ID)
	}
	if s.State.Round == 0 {
		return fmt.Errorf("%w: snapshot without round", ErrInvalidParams)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.restore(s)
	return nil
}

// restore rolls back to s, dropping any events of the failed call.
func (v *Vault) restore(s Snapshot) {
	v.cfg.AllocationPct = s.AllocationPct
	v.state = s.State.clone()
	v.option = s.Option.clone()
	v.receipts = make(map[string]DepositReceipt, len(s.Receipts))
	for k, r := range s.Receipts {
		v.receipts[k] = r.clone()
	}
	v.withdrawals = make(map[string]Withdrawal, len(s.Withdrawals))
	for k, w := range s.Withdrawals {
		v.withdrawals[k] = w.clone()
	}
	v.roundPrices = make(map[uint64]*big.Int, len(s.RoundPricePerShare))
	for k, p := range s.RoundPricePerShare {
		v.roundPrices[k] = cloneInt(p)
	}
	v.shares = make(map[string]*big.Int, len(s.Shares))
	for k, b := range s.Shares {
		v.shares[k] = cloneInt(b)
	}
	v.totalSupply = cloneInt(orZero(s.TotalSupply))
	v.outbox = nil
}

// Holders returns every account with a share balance, sorted.
func (v *Vault) Holders() []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]string, 0, len(v.shares))
	for k, b := range v.shares {
		if b.Sign() > 0 {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func externalErr(op string, err error) error {
	if errors.Is(err, ErrExternal) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrExternal, op, err)
}
