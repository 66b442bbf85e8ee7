package paper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/vaults/pkg/bank"
	"github.com/luxfi/vaults/pkg/sharemath"
	"github.com/luxfi/vaults/pkg/vault"
)

// OptionDecimals is the precision of every option token the protocol mints.
const OptionDecimals = 8

// DefaultProtocolAccount holds posted collateral.
const DefaultProtocolAccount = "protocol:options"

var (
	ErrUnknownAsset  = errors.New("unknown collateral asset")
	ErrUnknownSeries = errors.New("unknown option series")
	ErrExpired       = errors.New("option expired")
	ErrNotSettleable = errors.New("option not settleable")
	ErrNoPosition    = errors.New("no position")
	ErrInvalidAmount = errors.New("invalid amount")
	ErrZeroOptions   = errors.New("collateral mints zero options")
	ErrInvalidSeries = errors.New("invalid option series")
)

type position struct {
	collateral *big.Int
	minted     *big.Int
	settled    bool
}

type series struct {
	id       string
	spec     vault.OptionSpec
	decimals uint8
	writers  map[string]*position
}

// Protocol is a fully collateralized options protocol. Writers lock
// collateral and receive option tokens in the bank; after expiry writers
// reclaim what the holders are not owed.
type Protocol struct {
	bank     *bank.Bank
	oracle   *Oracle
	account  string
	decimals map[string]uint8
	series   map[string]*series
	clock    func() time.Time
	logger   log.Logger
	mu       sync.Mutex
}

// NewProtocol creates a protocol settling against oracle's expiry prices.
func NewProtocol(b *bank.Bank, oracle *Oracle, logger log.Logger, clock func() time.Time) *Protocol {
	if logger == nil {
		logger = log.Root().New("module", "paper-protocol")
	}
	if clock == nil {
		clock = time.Now
	}
	return &Protocol{
		bank:     b,
		oracle:   oracle,
		account:  DefaultProtocolAccount,
		decimals: make(map[string]uint8),
		series:   make(map[string]*series),
		clock:    clock,
		logger:   logger,
	}
}

// RegisterAsset declares a collateral asset and its decimals.
func (p *Protocol) RegisterAsset(asset string, decimals uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decimals[asset] = decimals
}

// Account returns the account holding posted collateral.
func (p *Protocol) Account() string { return p.account }

// SeriesID names a series: underlying/collateral, expiry date, strike and
// C or P.
func SeriesID(spec vault.OptionSpec) string {
	kind := "C"
	if spec.IsPut {
		kind = "P"
	}
	return fmt.Sprintf("o%s/%s-%s-%s%s", spec.Underlying, spec.Collateral,
		spec.Expiry.UTC().Format("20060102T15"), spec.Strike, kind)
}

// Series implements vault.OptionsProtocol.
func (p *Protocol) Series(_ context.Context, spec vault.OptionSpec) (string, error) {
	if spec.Strike == nil || spec.Strike.Sign() <= 0 || spec.Underlying == "" || spec.Collateral == "" {
		return "", ErrInvalidSeries
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	decimals, ok := p.decimals[spec.Collateral]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAsset, spec.Collateral)
	}
	if !spec.Expiry.After(p.clock()) {
		return "", fmt.Errorf("%w: %s", vault.ErrExpiryInPast, spec.Expiry)
	}
	id := SeriesID(spec)
	if _, ok := p.series[id]; !ok {
		p.series[id] = &series{
			id:       id,
			spec:     spec,
			decimals: decimals,
			writers:  make(map[string]*position),
		}
		p.logger.Debug("series created", "series", id)
	}
	return id, nil
}

// Spec returns the definition of a series.
func (p *Protocol) Spec(option string) (vault.OptionSpec, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.series[option]
	if !ok {
		return vault.OptionSpec{}, fmt.Errorf("%w: %s", ErrUnknownSeries, option)
	}
	return s.spec, nil
}

// optionsFor converts collateral into the number of options it backs. A call
// is backed by one unit of underlying, a put by strike units of collateral.
func (s *series) optionsFor(collateral *big.Int) *big.Int {
	out := new(big.Int).Mul(collateral, sharemath.Unit(OptionDecimals))
	if s.spec.IsPut {
		out.Mul(out, sharemath.Unit(PriceDecimals))
		out.Quo(out, s.spec.Strike)
	}
	return out.Quo(out, sharemath.Unit(s.decimals))
}

// Mint implements vault.OptionsProtocol.
func (p *Protocol) Mint(_ context.Context, account, option string, collateral *big.Int) (*big.Int, error) {
	if collateral == nil || collateral.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.series[option]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSeries, option)
	}
	if !p.clock().Before(s.spec.Expiry) {
		return nil, fmt.Errorf("%w: %s", ErrExpired, option)
	}
	minted := s.optionsFor(collateral)
	if minted.Sign() == 0 {
		return nil, ErrZeroOptions
	}
	if err := p.bank.Transfer(s.spec.Collateral, account, p.account, collateral); err != nil {
		return nil, fmt.Errorf("post collateral: %w", err)
	}
	if err := p.bank.Mint(option, account, minted); err != nil {
		return nil, err
	}

	pos, ok := s.writers[account]
	if !ok {
		pos = &position{collateral: big.NewInt(0), minted: big.NewInt(0)}
		s.writers[account] = pos
	}
	pos.collateral.Add(pos.collateral, collateral)
	pos.minted.Add(pos.minted, minted)

	p.logger.Info("options minted", "series", option, "writer", account, "collateral", collateral, "minted", minted)
	return minted, nil
}

// Settleable implements vault.OptionsProtocol.
func (p *Protocol) Settleable(_ context.Context, option string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.series[option]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownSeries, option)
	}
	return p.settleable(s), nil
}

func (p *Protocol) settleable(s *series) bool {
	if p.clock().Before(s.spec.Expiry) {
		return false
	}
	_, ok := p.oracle.ExpiryPrice(s.spec.Underlying, s.spec.Expiry)
	return ok
}

// writerPayout is the collateral a writer owes holders, rounded up.
func (s *series) writerPayout(collateral, expiryPrice *big.Int) *big.Int {
	strike := s.spec.Strike
	var num, den *big.Int
	switch {
	case !s.spec.IsPut && expiryPrice.Cmp(strike) > 0:
		num = new(big.Int).Mul(collateral, new(big.Int).Sub(expiryPrice, strike))
		den = expiryPrice
	case s.spec.IsPut && expiryPrice.Cmp(strike) < 0:
		num = new(big.Int).Mul(collateral, new(big.Int).Sub(strike, expiryPrice))
		den = strike
	default:
		return big.NewInt(0)
	}
	return ceilDiv(num, den)
}

// holderPayout is the collateral owed for options, rounded down.
func (s *series) holderPayout(options, expiryPrice *big.Int) *big.Int {
	strike := s.spec.Strike
	out := new(big.Int)
	switch {
	case !s.spec.IsPut && expiryPrice.Cmp(strike) > 0:
		out.Mul(options, new(big.Int).Sub(expiryPrice, strike))
		out.Mul(out, sharemath.Unit(s.decimals))
		out.Quo(out, new(big.Int).Mul(expiryPrice, sharemath.Unit(OptionDecimals)))
	case s.spec.IsPut && expiryPrice.Cmp(strike) < 0:
		out.Mul(options, new(big.Int).Sub(strike, expiryPrice))
		out.Mul(out, sharemath.Unit(s.decimals))
		out.Quo(out, new(big.Int).Mul(sharemath.Unit(PriceDecimals), sharemath.Unit(OptionDecimals)))
	}
	return out
}

// Settle implements vault.OptionsProtocol. It returns the unencumbered
// collateral of account's short position and pays out any options account
// holds. Settling twice pays nothing the second time.
func (p *Protocol) Settle(_ context.Context, account, option string) (vault.Settlement, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.series[option]
	if !ok {
		return vault.Settlement{}, fmt.Errorf("%w: %s", ErrUnknownSeries, option)
	}
	if !p.settleable(s) {
		return vault.Settlement{}, fmt.Errorf("%w: %s", ErrNotSettleable, option)
	}
	price, _ := p.oracle.ExpiryPrice(s.spec.Underlying, s.spec.Expiry)
	out := vault.Settlement{ExpiryPrice: price, Reclaimed: big.NewInt(0), Payout: big.NewInt(0)}

	if pos, ok := s.writers[account]; ok && !pos.settled {
		owed := s.writerPayout(pos.collateral, price)
		if owed.Cmp(pos.collateral) > 0 {
			owed = new(big.Int).Set(pos.collateral)
		}
		reclaimed := new(big.Int).Sub(pos.collateral, owed)
		if err := p.bank.Transfer(s.spec.Collateral, p.account, account, reclaimed); err != nil {
			return vault.Settlement{}, fmt.Errorf("return collateral: %w", err)
		}
		pos.settled = true
		out.Reclaimed = reclaimed
	}

	if held := p.bank.BalanceOf(option, account); held.Sign() > 0 {
		payout := s.holderPayout(held, price)
		if err := p.bank.Burn(option, account, held); err != nil {
			return vault.Settlement{}, err
		}
		if err := p.bank.Transfer(s.spec.Collateral, p.account, account, payout); err != nil {
			return vault.Settlement{}, fmt.Errorf("pay holder: %w", err)
		}
		out.Payout = payout
	}

	p.logger.Info("option settled", "series", option, "account", account,
		"expiryPrice", price, "reclaimed", out.Reclaimed, "payout", out.Payout)
	return out, nil
}

// Burn implements vault.OptionsProtocol.
func (p *Protocol) Burn(_ context.Context, account, option string, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.series[option]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSeries, option)
	}
	if !p.clock().Before(s.spec.Expiry) {
		return nil, fmt.Errorf("%w: %s", ErrExpired, option)
	}
	pos, ok := s.writers[account]
	if !ok || pos.minted.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: %s cannot burn %s %s", ErrNoPosition, account, amount, option)
	}

	reclaimed := new(big.Int).Mul(pos.collateral, amount)
	reclaimed.Quo(reclaimed, pos.minted)
	if err := p.bank.Burn(option, account, amount); err != nil {
		return nil, err
	}
	if err := p.bank.Transfer(s.spec.Collateral, p.account, account, reclaimed); err != nil {
		return nil, fmt.Errorf("return collateral: %w", err)
	}
	pos.collateral.Sub(pos.collateral, reclaimed)
	pos.minted.Sub(pos.minted, amount)

	p.logger.Info("options burned", "series", option, "writer", account, "amount", amount, "reclaimed", reclaimed)
	return reclaimed, nil
}

func ceilDiv(num, den *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
