package paper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/luxfi/log"

	"github.com/luxfi/vaults/pkg/bank"
	"github.com/luxfi/vaults/pkg/sharemath"
	"github.com/luxfi/vaults/pkg/vault"
)

// DefaultAuctionAccount escrows bids and offers.
const DefaultAuctionAccount = "auction:batch"

var (
	ErrUnknownOrder   = errors.New("unknown order")
	ErrNotOwner       = errors.New("order belongs to another account")
	ErrAuctionOpen    = errors.New("auction not cleared")
	ErrAuctionCleared = errors.New("auction already cleared")
)

// Side is the side of an auction order.
type Side int

const (
	Buy Side = iota
	Sell
)

// Order is a bid or an offer in one option's batch auction.
type Order struct {
	ID     string
	Option string
	Owner  string
	Side   Side
	// Amount is the number of options.
	Amount *big.Int
	// Price is the limit premium per whole option.
	Price  *big.Int
	Filled *big.Int
	// Escrow is the bidding asset held for a bid.
	Escrow *big.Int

	seq     uint64
	paid    *big.Int
	claimed bool
	result  vault.AuctionResult
}

type book struct {
	orders   []*Order
	cleared  bool
	clearing *big.Int
}

// Auction is a uniform-price batch auction. Orders accumulate until Clear,
// which matches the highest bids against the cheapest offers; every fill
// executes at the lowest winning bid.
type Auction struct {
	bank     *bank.Bank
	account  string
	asset    string
	decimals uint8
	books    map[string]*book
	orders   map[string]*Order
	seq      uint64
	logger   log.Logger
	mu       sync.Mutex
}

// NewAuction creates an auction whose premiums are paid in asset.
func NewAuction(b *bank.Bank, asset string, logger log.Logger) *Auction {
	if logger == nil {
		logger = log.Root().New("module", "paper-auction")
	}
	return &Auction{
		bank:     b,
		account:  DefaultAuctionAccount,
		asset:    asset,
		decimals: OptionDecimals,
		books:    make(map[string]*book),
		orders:   make(map[string]*Order),
		logger:   logger,
	}
}

// Account returns the escrow account.
func (a *Auction) Account() string { return a.account }

func (a *Auction) premium(options, price *big.Int) *big.Int {
	out := new(big.Int).Mul(options, price)
	return out.Quo(out, sharemath.Unit(a.decimals))
}

func (a *Auction) openBook(option string) (*book, error) {
	b, ok := a.books[option]
	if !ok {
		b = &book{}
		a.books[option] = b
	}
	if b.cleared {
		return nil, fmt.Errorf("%w: %s", ErrAuctionCleared, option)
	}
	return b, nil
}

func (a *Auction) add(b *book, o *Order) string {
	a.seq++
	o.ID = uuid.NewString()
	o.seq = a.seq
	o.Filled = big.NewInt(0)
	b.orders = append(b.orders, o)
	a.orders[o.ID] = o
	return o.ID
}

// PlaceBid implements vault.Auction.
func (a *Auction) PlaceBid(_ context.Context, bidder, option string, askAmount, premium *big.Int) (string, error) {
	if askAmount == nil || askAmount.Sign() <= 0 || premium == nil || premium.Sign() <= 0 {
		return "", ErrInvalidAmount
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	b, err := a.openBook(option)
	if err != nil {
		return "", err
	}
	escrow := a.premium(askAmount, premium)
	if err := a.bank.Transfer(a.asset, bidder, a.account, escrow); err != nil {
		return "", fmt.Errorf("escrow bid: %w", err)
	}
	id := a.add(b, &Order{
		Option: option,
		Owner:  bidder,
		Side:   Buy,
		Amount: new(big.Int).Set(askAmount),
		Price:  new(big.Int).Set(premium),
		Escrow: escrow,
	})
	a.logger.Debug("bid placed", "option", option, "bidder", bidder, "amount", askAmount, "premium", premium, "order", id)
	return id, nil
}

// Offer implements vault.Auction.
func (a *Auction) Offer(_ context.Context, seller, option string, amount, minPremium *big.Int) (string, error) {
	if amount == nil || amount.Sign() <= 0 || minPremium == nil || minPremium.Sign() < 0 {
		return "", ErrInvalidAmount
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	b, err := a.openBook(option)
	if err != nil {
		return "", err
	}
	if err := a.bank.Transfer(option, seller, a.account, amount); err != nil {
		return "", fmt.Errorf("escrow offer: %w", err)
	}
	id := a.add(b, &Order{
		Option: option,
		Owner:  seller,
		Side:   Sell,
		Amount: new(big.Int).Set(amount),
		Price:  new(big.Int).Set(minPremium),
		Escrow: big.NewInt(0),
	})
	a.logger.Debug("offer placed", "option", option, "seller", seller, "amount", amount, "minPremium", minPremium, "order", id)
	return id, nil
}

// Clear matches the option's book and returns the clearing price, nil when
// nothing crossed. No orders are accepted for the option afterwards.
func (a *Auction) Clear(_ context.Context, option string) (*big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, err := a.openBook(option)
	if err != nil {
		return nil, err
	}

	var bids, offers []*Order
	for _, o := range b.orders {
		if o.Side == Buy {
			bids = append(bids, o)
		} else {
			offers = append(offers, o)
		}
	}
	sort.SliceStable(bids, func(i, j int) bool {
		if c := bids[i].Price.Cmp(bids[j].Price); c != 0 {
			return c > 0
		}
		return bids[i].seq < bids[j].seq
	})
	sort.SliceStable(offers, func(i, j int) bool {
		if c := offers[i].Price.Cmp(offers[j].Price); c != 0 {
			return c < 0
		}
		return offers[i].seq < offers[j].seq
	})

	var clearing *big.Int
	i, j := 0, 0
	for i < len(bids) && j < len(offers) && bids[i].Price.Cmp(offers[j].Price) >= 0 {
		bid, offer := bids[i], offers[j]
		qty := new(big.Int).Sub(bid.Amount, bid.Filled)
		if rest := new(big.Int).Sub(offer.Amount, offer.Filled); rest.Cmp(qty) < 0 {
			qty = rest
		}
		bid.Filled.Add(bid.Filled, qty)
		offer.Filled.Add(offer.Filled, qty)
		clearing = bid.Price
		if bid.Filled.Cmp(bid.Amount) == 0 {
			i++
		}
		if offer.Filled.Cmp(offer.Amount) == 0 {
			j++
		}
	}

	// Bidders pay rounded down; sellers are paid out of what bidders paid.
	pool := big.NewInt(0)
	for _, bid := range bids {
		bid.paid = big.NewInt(0)
		if clearing != nil {
			bid.paid = a.premium(bid.Filled, clearing)
		}
		pool.Add(pool, bid.paid)
	}
	for _, offer := range offers {
		offer.paid = big.NewInt(0)
		if clearing != nil {
			offer.paid = a.premium(offer.Filled, clearing)
			if offer.paid.Cmp(pool) > 0 {
				offer.paid = new(big.Int).Set(pool)
			}
			pool.Sub(pool, offer.paid)
		}
	}

	b.cleared = true
	if clearing != nil {
		b.clearing = new(big.Int).Set(clearing)
	}
	a.logger.Info("auction cleared", "option", option, "clearing", b.clearing, "bids", len(bids), "offers", len(offers))
	return cloneOrNil(b.clearing), nil
}

// Claim implements vault.Auction. Claiming an order twice returns the first
// result without moving anything again.
func (a *Auction) Claim(_ context.Context, account, orderID string) (vault.AuctionResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	o, ok := a.orders[orderID]
	if !ok {
		return vault.AuctionResult{}, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	if o.Owner != account {
		return vault.AuctionResult{}, ErrNotOwner
	}
	b := a.books[o.Option]
	if !b.cleared {
		return vault.AuctionResult{}, fmt.Errorf("%w: %s", ErrAuctionOpen, o.Option)
	}
	if o.claimed {
		return o.result, nil
	}

	res := vault.AuctionResult{ClearingPrice: cloneOrNil(b.clearing)}
	switch o.Side {
	case Buy:
		refund := new(big.Int).Sub(o.Escrow, o.paid)
		if err := a.bank.Transfer(o.Option, a.account, o.Owner, o.Filled); err != nil {
			return vault.AuctionResult{}, fmt.Errorf("deliver options: %w", err)
		}
		if err := a.bank.Transfer(a.asset, a.account, o.Owner, refund); err != nil {
			return vault.AuctionResult{}, fmt.Errorf("refund bid: %w", err)
		}
		res.Options = new(big.Int).Set(o.Filled)
		res.Proceeds = refund
		res.Unsold = big.NewInt(0)
	case Sell:
		unsold := new(big.Int).Sub(o.Amount, o.Filled)
		if err := a.bank.Transfer(a.asset, a.account, o.Owner, o.paid); err != nil {
			return vault.AuctionResult{}, fmt.Errorf("pay seller: %w", err)
		}
		if err := a.bank.Transfer(o.Option, a.account, o.Owner, unsold); err != nil {
			return vault.AuctionResult{}, fmt.Errorf("return options: %w", err)
		}
		res.Options = big.NewInt(0)
		res.Proceeds = new(big.Int).Set(o.paid)
		res.Unsold = unsold
	}
	o.claimed = true
	o.result = res
	return res, nil
}

// Orders returns the orders placed for option in arrival order.
func (a *Auction) Orders(option string) []Order {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.books[option]
	if !ok {
		return nil
	}
	out := make([]Order, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, *o)
	}
	return out
}

func cloneOrNil(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
