// Package keeper drives a vault through its round lifecycle on a cron
// schedule: commit the next option once the current one settles, roll into
// it after the commit delay and claim the sale once the auction window ends.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/log"
	"github.com/robfig/cron/v3"

	"github.com/luxfi/vaults/pkg/paper"
	"github.com/luxfi/vaults/pkg/vault"
)

// Action is what one keeper step did.
type Action string

const (
	ActionCommit Action = "commit"
	ActionRoll   Action = "roll"
	ActionClaim  Action = "claim"
	ActionWait   Action = "wait"
)

var ErrInvalidConfig = errors.New("invalid keeper config")

// Vault is the part of a vault the keeper drives.
type Vault interface {
	ID() string
	Phase() vault.Phase
	SalePending() bool
	Option() vault.OptionState
	CommitAndClose(ctx context.Context, caller string) error
	RollToNextOption(ctx context.Context, caller string, premium *big.Int) error
	ClaimSettledOptions(ctx context.Context, caller string) error
}

// Clearer closes an option's auction before the sale is claimed.
type Clearer interface {
	Clear(ctx context.Context, option string) (*big.Int, error)
}

// Recorder observes keeper actions.
type Recorder interface {
	RecordKeeper(vaultID, action string, err error)
}

// Config configures a keeper. Caller must be the vault's keeper account.
type Config struct {
	Caller        string
	Schedule      string
	Premium       *big.Int
	AuctionWindow time.Duration
}

// Status is the outcome of the most recent step.
type Status struct {
	Vault   string    `json:"vault"`
	Phase   string    `json:"phase"`
	LastRun time.Time `json:"lastRun"`
	Action  Action    `json:"action"`
	Error   string    `json:"error,omitempty"`
	Runs    uint64    `json:"runs"`
}

// Keeper runs Step on a schedule.
type Keeper struct {
	cfg      Config
	vault    Vault
	auction  Clearer
	recorder Recorder
	logger   log.Logger
	clock    func() time.Time
	cron     *cron.Cron

	saleOpened map[string]time.Time
	status     Status

	mu sync.Mutex
}

// New creates a keeper for v. auction and recorder may be nil.
func New(cfg Config, v Vault, auction Clearer, recorder Recorder, logger log.Logger, clock func() time.Time) (*Keeper, error) {
	if cfg.Caller == "" {
		return nil, fmt.Errorf("%w: caller required", ErrInvalidConfig)
	}
	if cfg.Premium == nil || cfg.Premium.Sign() <= 0 {
		return nil, fmt.Errorf("%w: premium must be positive", ErrInvalidConfig)
	}
	if logger == nil {
		logger = log.Root().New("module", "keeper", "vault", v.ID())
	}
	if clock == nil {
		clock = time.Now
	}
	k := &Keeper{
		cfg:        cfg,
		vault:      v,
		auction:    auction,
		recorder:   recorder,
		logger:     logger,
		clock:      clock,
		cron:       cron.New(cron.WithSeconds()),
		saleOpened: make(map[string]time.Time),
		status:     Status{Vault: v.ID()},
	}
	if cfg.Schedule != "" {
		if _, err := k.cron.AddFunc(cfg.Schedule, k.run); err != nil {
			return nil, fmt.Errorf("failed to add cron job: %w", err)
		}
	}
	return k, nil
}

// Start starts the schedule.
func (k *Keeper) Start() {
	k.logger.Info("keeper started", "schedule", k.cfg.Schedule)
	k.cron.Start()
}

// Stop stops the schedule and waits for a running step.
func (k *Keeper) Stop() {
	<-k.cron.Stop().Done()
	k.logger.Info("keeper stopped")
}

// Status returns the outcome of the last step.
func (k *Keeper) Status() Status {
	k.mu.Lock()
	defer k.mu.Unlock()
	st := k.status
	st.Phase = string(k.vault.Phase())
	return st
}

func (k *Keeper) run() {
	if _, err := k.Step(context.Background()); err != nil {
		k.logger.Warn("keeper step failed", "error", err)
	}
}

// Step performs the one action the vault's phase calls for. Conditions that
// only need time to pass return ActionWait and no error.
func (k *Keeper) Step(ctx context.Context) (Action, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	action, err := k.step(ctx)
	if action != ActionWait {
		k.logger.Info("keeper step", "action", action, "error", err)
	} else {
		k.logger.Debug("keeper waiting", "phase", k.vault.Phase())
	}
	if k.recorder != nil {
		k.recorder.RecordKeeper(k.vault.ID(), string(action), err)
	}

	k.status.LastRun = k.clock()
	k.status.Action = action
	k.status.Error = ""
	if err != nil {
		k.status.Error = err.Error()
	}
	k.status.Runs++
	return action, err
}

func (k *Keeper) step(ctx context.Context) (Action, error) {
	if k.vault.SalePending() {
		return k.claim(ctx)
	}

	switch k.vault.Phase() {
	case vault.PhaseCommitted:
		err := k.vault.RollToNextOption(ctx, k.cfg.Caller, k.cfg.Premium)
		switch {
		case errors.Is(err, vault.ErrDelayNotElapsed):
			return ActionWait, nil
		case err != nil:
			return ActionRoll, err
		}
		if k.vault.SalePending() {
			k.saleOpened[k.vault.Option().CurrentOption] = k.clock()
		}
		return ActionRoll, nil
	default:
		err := k.vault.CommitAndClose(ctx, k.cfg.Caller)
		switch {
		case errors.Is(err, vault.ErrOptionNotExpired), errors.Is(err, vault.ErrNoCapital):
			return ActionWait, nil
		case err != nil:
			return ActionCommit, err
		}
		return ActionCommit, nil
	}
}

func (k *Keeper) claim(ctx context.Context) (Action, error) {
	option := k.vault.Option()
	opened, ok := k.saleOpened[option.CurrentOption]
	if !ok {
		// Restarted mid-sale: the window runs from now.
		opened = k.clock()
		k.saleOpened[option.CurrentOption] = opened
	}
	if k.clock().Before(opened.Add(k.cfg.AuctionWindow)) {
		return ActionWait, nil
	}

	if k.auction != nil && option.AuctionID != "" {
		price, err := k.auction.Clear(ctx, option.CurrentOption)
		if err != nil && !errors.Is(err, paper.ErrAuctionCleared) {
			return ActionClaim, fmt.Errorf("clear auction: %w", err)
		}
		if err == nil {
			k.logger.Info("auction cleared", "option", option.CurrentOption, "clearing", price)
		}
	}
	if err := k.vault.ClaimSettledOptions(ctx, k.cfg.Caller); err != nil {
		return ActionClaim, err
	}
	delete(k.saleOpened, option.CurrentOption)
	return ActionClaim, nil
}
