package paper

import (
	"fmt"
	"math/big"

	"github.com/luxfi/vaults/pkg/vault"
)

// Snapshot is the persisted state of the paper collaborators. Balances live
// in the bank snapshot; this holds what the bank cannot see.
type Snapshot struct {
	Oracle   OracleSnapshot   `json:"oracle"`
	Protocol ProtocolSnapshot `json:"protocol"`
	Auction  AuctionSnapshot  `json:"auction"`
}

type OracleSnapshot struct {
	Prices       map[string]PriceData          `json:"prices"`
	ExpiryPrices map[string]map[int64]*big.Int `json:"expiryPrices"`
}

type PositionSnapshot struct {
	Collateral *big.Int `json:"collateral"`
	Minted     *big.Int `json:"minted"`
	Settled    bool     `json:"settled"`
}

type SeriesSnapshot struct {
	Spec     vault.OptionSpec            `json:"spec"`
	Decimals uint8                       `json:"decimals"`
	Writers  map[string]PositionSnapshot `json:"writers"`
}

type ProtocolSnapshot struct {
	Decimals map[string]uint8          `json:"decimals"`
	Series   map[string]SeriesSnapshot `json:"series"`
}

type OrderSnapshot struct {
	Order
	Seq     uint64              `json:"seq"`
	Paid    *big.Int            `json:"paid,omitempty"`
	Claimed bool                `json:"claimed"`
	Result  vault.AuctionResult `json:"result"`
}

type BookSnapshot struct {
	Orders   []string `json:"orders"`
	Cleared  bool     `json:"cleared"`
	Clearing *big.Int `json:"clearing,omitempty"`
}

type AuctionSnapshot struct {
	Seq    uint64                   `json:"seq"`
	Books  map[string]BookSnapshot  `json:"books"`
	Orders map[string]OrderSnapshot `json:"orders"`
}

// Snapshot copies the oracle's prices.
func (o *Oracle) Snapshot() OracleSnapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := OracleSnapshot{
		Prices:       make(map[string]PriceData, len(o.prices)),
		ExpiryPrices: make(map[string]map[int64]*big.Int, len(o.expiryPrices)),
	}
	for asset, data := range o.prices {
		out.Prices[asset] = PriceData{Price: new(big.Int).Set(data.Price), Timestamp: data.Timestamp}
	}
	for asset, byExpiry := range o.expiryPrices {
		m := make(map[int64]*big.Int, len(byExpiry))
		for ts, p := range byExpiry {
			m[ts] = new(big.Int).Set(p)
		}
		out.ExpiryPrices[asset] = m
	}
	return out
}

// Restore replaces the oracle's prices with snap.
func (o *Oracle) Restore(snap OracleSnapshot) error {
	prices := make(map[string]PriceData, len(snap.Prices))
	for asset, data := range snap.Prices {
		if data.Price == nil || data.Price.Sign() <= 0 {
			return fmt.Errorf("%w: %s", ErrInvalidPrice, asset)
		}
		prices[asset] = PriceData{Price: new(big.Int).Set(data.Price), Timestamp: data.Timestamp}
	}
	expiry := make(map[string]map[int64]*big.Int, len(snap.ExpiryPrices))
	for asset, byExpiry := range snap.ExpiryPrices {
		m := make(map[int64]*big.Int, len(byExpiry))
		for ts, p := range byExpiry {
			if p == nil || p.Sign() <= 0 {
				return fmt.Errorf("%w: %s expiry %d", ErrInvalidPrice, asset, ts)
			}
			m[ts] = new(big.Int).Set(p)
		}
		expiry[asset] = m
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices = prices
	o.expiryPrices = expiry
	return nil
}

// Snapshot copies every registered asset, series and writer position.
func (p *Protocol) Snapshot() ProtocolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := ProtocolSnapshot{
		Decimals: make(map[string]uint8, len(p.decimals)),
		Series:   make(map[string]SeriesSnapshot, len(p.series)),
	}
	for asset, d := range p.decimals {
		out.Decimals[asset] = d
	}
	for id, s := range p.series {
		ss := SeriesSnapshot{
			Spec:     cloneSpec(s.spec),
			Decimals: s.decimals,
			Writers:  make(map[string]PositionSnapshot, len(s.writers)),
		}
		for account, pos := range s.writers {
			ss.Writers[account] = PositionSnapshot{
				Collateral: new(big.Int).Set(pos.collateral),
				Minted:     new(big.Int).Set(pos.minted),
				Settled:    pos.settled,
			}
		}
		out.Series[id] = ss
	}
	return out
}

// Restore replaces the protocol's assets and series with snap. Series ids
// must match the ones SeriesID derives from their specs.
func (p *Protocol) Restore(snap ProtocolSnapshot) error {
	decimals := make(map[string]uint8, len(snap.Decimals))
	for asset, d := range snap.Decimals {
		decimals[asset] = d
	}
	all := make(map[string]*series, len(snap.Series))
	for id, ss := range snap.Series {
		if ss.Spec.Strike == nil || ss.Spec.Strike.Sign() <= 0 {
			return fmt.Errorf("%w: %s", ErrInvalidSeries, id)
		}
		if want := SeriesID(ss.Spec); want != id {
			return fmt.Errorf("%w: %s stored as %s", ErrInvalidSeries, want, id)
		}
		s := &series{
			id:       id,
			spec:     cloneSpec(ss.Spec),
			decimals: ss.Decimals,
			writers:  make(map[string]*position, len(ss.Writers)),
		}
		for account, pos := range ss.Writers {
			if pos.Collateral == nil || pos.Minted == nil || pos.Collateral.Sign() < 0 || pos.Minted.Sign() < 0 {
				return fmt.Errorf("%w: %s position of %s", ErrInvalidAmount, id, account)
			}
			s.writers[account] = &position{
				collateral: new(big.Int).Set(pos.Collateral),
				minted:     new(big.Int).Set(pos.Minted),
				settled:    pos.Settled,
			}
		}
		all[id] = s
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.decimals = decimals
	p.series = all
	return nil
}

// Snapshot copies every book and order, claimed ones included.
func (a *Auction) Snapshot() AuctionSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := AuctionSnapshot{
		Seq:    a.seq,
		Books:  make(map[string]BookSnapshot, len(a.books)),
		Orders: make(map[string]OrderSnapshot, len(a.orders)),
	}
	for option, b := range a.books {
		bs := BookSnapshot{Cleared: b.cleared, Clearing: cloneOrNil(b.clearing)}
		for _, o := range b.orders {
			bs.Orders = append(bs.Orders, o.ID)
		}
		out.Books[option] = bs
	}
	for id, o := range a.orders {
		out.Orders[id] = OrderSnapshot{
			Order:   o.clone(),
			Seq:     o.seq,
			Paid:    cloneOrNil(o.paid),
			Claimed: o.claimed,
			Result:  cloneResult(o.result),
		}
	}
	return out
}

// Restore replaces the auction's books with snap.
func (a *Auction) Restore(snap AuctionSnapshot) error {
	orders := make(map[string]*Order, len(snap.Orders))
	for id, so := range snap.Orders {
		if so.Amount == nil || so.Price == nil || so.Filled == nil || so.Escrow == nil {
			return fmt.Errorf("%w: order %s", ErrInvalidAmount, id)
		}
		o := so.Order.clone()
		o.ID = id
		o.seq = so.Seq
		o.paid = cloneOrNil(so.Paid)
		o.claimed = so.Claimed
		o.result = cloneResult(so.Result)
		orders[id] = &o
	}
	books := make(map[string]*book, len(snap.Books))
	for option, bs := range snap.Books {
		b := &book{cleared: bs.Cleared, clearing: cloneOrNil(bs.Clearing)}
		for _, id := range bs.Orders {
			o, ok := orders[id]
			if !ok || o.Option != option {
				return fmt.Errorf("%w: %s in book %s", ErrUnknownOrder, id, option)
			}
			b.orders = append(b.orders, o)
		}
		books[option] = b
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq = snap.Seq
	a.books = books
	a.orders = orders
	return nil
}

func (o *Order) clone() Order {
	out := *o
	out.Amount = cloneOrNil(o.Amount)
	out.Price = cloneOrNil(o.Price)
	out.Filled = cloneOrNil(o.Filled)
	out.Escrow = cloneOrNil(o.Escrow)
	return out
}

func cloneSpec(spec vault.OptionSpec) vault.OptionSpec {
	spec.Strike = cloneOrNil(spec.Strike)
	spec.Delta = cloneOrNil(spec.Delta)
	return spec
}

func cloneResult(r vault.AuctionResult) vault.AuctionResult {
	return vault.AuctionResult{
		Options:       cloneOrNil(r.Options),
		Proceeds:      cloneOrNil(r.Proceeds),
		Unsold:        cloneOrNil(r.Unsold),
		ClearingPrice: cloneOrNil(r.ClearingPrice),
	}
}
