// Package rates defines the rate-provider capability consumed by the
// trading core. How rates are sourced is outside the core; this package
// carries the contract, a fixed-table provider for tests and simulation,
// and a Redis caching decorator.
package rates

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/novafx/fxcore/internal/trading/model"
)

// Rate is one observation of a currency pair.
type Rate struct {
	Pair         string          `json:"pair"`
	Rate         decimal.Decimal `json:"rate"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	Timestamp    time.Time       `json:"timestamp"`
	QualityScore float64         `json:"quality_score"`
}

// Provider supplies current rates. Implementations return
// model.ErrRateUnavailable when no rate exists for the pair.
type Provider interface {
	GetRate(ctx context.Context, pair string) (*Rate, error)
}

// TableProvider serves rates from an in-memory table. SetRate makes it
// usable as a simulated feed.
type TableProvider struct {
	mu    sync.RWMutex
	rates map[string]*Rate
}

func NewTableProvider() *TableProvider {
	return &TableProvider{rates: make(map[string]*Rate)}
}

// SetRate installs or replaces the rate for a pair, deriving bid/ask from
// mid and spread.
func (p *TableProvider) SetRate(pair string, mid, spread decimal.Decimal) {
	half := spread.Div(decimal.NewFromInt(2))
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rates[pair] = &Rate{
		Pair:         pair,
		Rate:         mid,
		Bid:          mid.Sub(half),
		Ask:          mid.Add(half),
		Timestamp:    time.Now(),
		QualityScore: 1.0,
	}
}

func (p *TableProvider) GetRate(ctx context.Context, pair string) (*Rate, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rate, ok := p.rates[pair]
	if !ok {
		return nil, model.ErrRateUnavailable
	}
	cp := *rate
	return &cp, nil
}
