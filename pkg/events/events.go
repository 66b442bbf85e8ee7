// Package events carries the notifications the vault and the purchase queue
// emit after each successful state transition.
package events

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/luxfi/log"
)

// Type identifies an event.
type Type string

const (
	Deposit                 Type = "deposit"
	InstantWithdraw         Type = "instant_withdraw"
	Redeem                  Type = "redeem"
	InitiateWithdraw        Type = "initiate_withdraw"
	Withdraw                Type = "withdraw"
	CollectVaultFees        Type = "collect_vault_fees"
	CloseShort              Type = "close_short"
	NewOptionStrikeSelected Type = "new_option_strike_selected"
	RoundClosed             Type = "round_closed"
	OpenShort               Type = "open_short"
	PlaceAuctionBid         Type = "place_auction_bid"
	InitiateAuction         Type = "initiate_auction"
	ClaimAuction            Type = "claim_auction"
	BurnOptions             Type = "burn_options"
	PurchaseRequested       Type = "purchase_requested"
	OptionsAllocated        Type = "options_allocated"
	OptionsSold             Type = "options_sold"
	PurchaseCancelled       Type = "purchase_cancelled"
	CeilingPriceUpdated     Type = "ceiling_price_updated"
)

// Event is a single notification. Amount, Shares and Price are in base
// units; fields that do not apply are nil.
type Event struct {
	ID      string    `json:"id"`
	Type    Type      `json:"type"`
	Vault   string    `json:"vault"`
	Round   uint64    `json:"round,omitempty"`
	Account string    `json:"account,omitempty"`
	Option  string    `json:"option,omitempty"`
	Amount  *big.Int  `json:"amount,omitempty"`
	Shares  *big.Int  `json:"shares,omitempty"`
	Price   *big.Int  `json:"price,omitempty"`
	Fee     *big.Int  `json:"fee,omitempty"`
	Time    time.Time `json:"time"`
}

// New stamps an event with an id and the current time.
func New(typ Type, vault string) Event {
	return Event{
		ID:    uuid.NewString(),
		Type:  typ,
		Vault: vault,
		Time:  time.Now().UTC(),
	}
}

// Publisher receives events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Nop discards every event.
var Nop Publisher = PublisherFunc(func(context.Context, Event) error { return nil })

// Fanout delivers each event to every sink. A failing sink is logged and does
// not stop delivery to the others.
type Fanout struct {
	sinks  []Publisher
	logger log.Logger
	mu     sync.RWMutex
}

// NewFanout creates a fan-out over sinks.
func NewFanout(logger log.Logger, sinks ...Publisher) *Fanout {
	if logger == nil {
		logger = log.Root().New("module", "events")
	}
	return &Fanout{sinks: sinks, logger: logger}
}

// Add registers another sink.
func (f *Fanout) Add(p Publisher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, p)
}

// Publish implements Publisher.
func (f *Fanout) Publish(ctx context.Context, ev Event) error {
	f.mu.RLock()
	sinks := f.sinks
	f.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Publish(ctx, ev); err != nil {
			f.logger.Warn("event sink failed", "type", ev.Type, "vault", ev.Vault, "error", err)
		}
	}
	return nil
}

// Recorder keeps every event in memory.
type Recorder struct {
	events []Event
	mu     sync.Mutex
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of one type, oldest first.
func (r *Recorder) OfType(typ Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0)
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Reset drops everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
