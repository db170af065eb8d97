// Package risk defines the risk-assessment capability consumed during
// order acceptance. The statistical models behind a production verdict are
// outside the trading core; the engine here enforces simple notional
// limits and is the substitution point for a real implementation.
package risk

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/novafx/fxcore/internal/rates"
	"github.com/novafx/fxcore/internal/trading/model"
)

// Verdict is the outcome of a risk assessment.
type Verdict struct {
	Approved bool
	Reason   string
}

// Engine assesses an order before acceptance.
type Engine interface {
	AssessOrderRisk(ctx context.Context, order *model.Order) (*Verdict, error)
}

// NotionalLimitEngine rejects orders whose quote-currency notional exceeds
// a fixed cap. Limit orders use their limit price; market orders are
// valued at the current rate.
type NotionalLimitEngine struct {
	MaxNotional decimal.Decimal
	Rates       rates.Provider
}

func NewNotionalLimitEngine(maxNotional decimal.Decimal, provider rates.Provider) *NotionalLimitEngine {
	return &NotionalLimitEngine{MaxNotional: maxNotional, Rates: provider}
}

func (e *NotionalLimitEngine) AssessOrderRisk(ctx context.Context, order *model.Order) (*Verdict, error) {
	price := order.Price
	if order.Type == model.OrderTypeMarket {
		rate, err := e.Rates.GetRate(ctx, order.Pair)
		if err != nil {
			return nil, err
		}
		price = rate.Rate
	}
	notional := order.Quantity.Mul(price)
	if notional.GreaterThan(e.MaxNotional) {
		return &Verdict{
			Approved: false,
			Reason:   fmt.Sprintf("notional %s exceeds limit %s", notional, e.MaxNotional),
		}, nil
	}
	return &Verdict{Approved: true}, nil
}

// ApproveAll approves every order. Test and simulation use only.
type ApproveAll struct{}

func (ApproveAll) AssessOrderRisk(ctx context.Context, order *model.Order) (*Verdict, error) {
	return &Verdict{Approved: true}, nil
}
