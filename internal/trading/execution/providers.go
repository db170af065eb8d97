package execution

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/novafx/fxcore/internal/rates"
	"github.com/novafx/fxcore/internal/trading/model"
)

// Quote is a liquidity provider's tradable response for a pair. Bid and
// Ask already include the provider's spread, so comparing them across
// providers compares effective prices.
type Quote struct {
	Provider          string
	Pair              string
	Bid               decimal.Decimal
	Ask               decimal.Decimal
	AvailableQuantity decimal.Decimal
	Timestamp         time.Time
}

// EffectivePrice returns the price a taker on side would pay or receive.
func (q *Quote) EffectivePrice(side string) decimal.Decimal {
	if side == model.OrderSideBuy {
		return q.Ask
	}
	return q.Bid
}

// LiquidityProvider is one source of executable FX liquidity.
type LiquidityProvider interface {
	Name() string
	RequestQuote(ctx context.Context, pair string, quantity decimal.Decimal) (*Quote, error)
	ExecuteTrade(ctx context.Context, pair, side string, quantity, price decimal.Decimal) error
}

// SimulatedProvider quotes off a rate provider with a configurable spread
// widening and liquidity cap. Used by the daemon's simulation mode and by
// tests; failure injection covers the failover paths.
type SimulatedProvider struct {
	name        string
	rates       rates.Provider
	extraSpread decimal.Decimal
	maxQuantity decimal.Decimal

	mu         sync.Mutex
	failQuotes bool
	failTrades bool
}

func NewSimulatedProvider(name string, rateProvider rates.Provider, extraSpread, maxQuantity decimal.Decimal) *SimulatedProvider {
	return &SimulatedProvider{
		name:        name,
		rates:       rateProvider,
		extraSpread: extraSpread,
		maxQuantity: maxQuantity,
	}
}

func (p *SimulatedProvider) Name() string { return p.name }

// SetFailing toggles failure injection for quoting and trading.
func (p *SimulatedProvider) SetFailing(quotes, trades bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failQuotes = quotes
	p.failTrades = trades
}

func (p *SimulatedProvider) RequestQuote(ctx context.Context, pair string, quantity decimal.Decimal) (*Quote, error) {
	p.mu.Lock()
	failing := p.failQuotes
	p.mu.Unlock()
	if failing {
		return nil, &model.ProviderUnavailable{Pair: pair}
	}

	rate, err := p.rates.GetRate(ctx, pair)
	if err != nil {
		return nil, err
	}
	half := p.extraSpread.Div(decimal.NewFromInt(2))
	available := p.maxQuantity
	if available.IsZero() || quantity.LessThan(available) {
		available = quantity
	}
	return &Quote{
		Provider:          p.name,
		Pair:              pair,
		Bid:               rate.Bid.Sub(half),
		Ask:               rate.Ask.Add(half),
		AvailableQuantity: available,
		Timestamp:         time.Now(),
	}, nil
}

func (p *SimulatedProvider) ExecuteTrade(ctx context.Context, pair, side string, quantity, price decimal.Decimal) error {
	p.mu.Lock()
	failing := p.failTrades
	p.mu.Unlock()
	if failing {
		return &model.ProviderUnavailable{Pair: pair}
	}
	return nil
}
