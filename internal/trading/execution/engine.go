// Package execution turns accepted orders into fills. Small and IOC/FOK
// orders route directly against the best quote; large market orders are
// sliced over time (TWAP); everything else slices a fixed fraction of the
// remaining quantity per pass (POV).
package execution

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/novafx/fxcore/internal/trading/model"
	"github.com/novafx/fxcore/pkg/metrics"
)

// ErrNotFullyFillable reports that a fill-or-kill order could not be
// completely filled in one pass. No partial fill is applied.
var ErrNotFullyFillable = errors.New("order cannot be fully filled")

// Algorithm names, used for logging and metrics labels.
const (
	AlgoDirect = "direct"
	AlgoTWAP   = "twap"
	AlgoPOV    = "pov"
)

// Config tunes strategy selection and slicing.
type Config struct {
	// LargeOrderThreshold is the quantity above which market orders are
	// worked as TWAP instead of POV.
	LargeOrderThreshold decimal.Decimal
	// TWAPSlices is the number of time-spaced slices for a TWAP order.
	TWAPSlices int
	// TWAPInterval is the pause between TWAP slices.
	TWAPInterval time.Duration
	// POVFraction is the share of remaining quantity executed per POV pass.
	POVFraction decimal.Decimal
	// MinSliceQuantity stops POV from slicing below this size; the last
	// slice takes whatever remains.
	MinSliceQuantity decimal.Decimal
}

// DefaultConfig returns the engine defaults: TWAP over 10 slices a minute
// apart, POV at 10% of remaining.
func DefaultConfig() Config {
	return Config{
		LargeOrderThreshold: decimal.NewFromInt(1_000_000),
		TWAPSlices:          10,
		TWAPInterval:        time.Minute,
		POVFraction:         decimal.NewFromFloat(0.10),
		MinSliceQuantity:    decimal.NewFromInt(1),
	}
}

// OrderManager is the slice of the order manager the engine reports to.
type OrderManager interface {
	ApplyExecution(ctx context.Context, exec *model.Execution) (*model.Order, error)
}

// Engine executes orders against the configured liquidity providers.
type Engine struct {
	logger    *zap.Logger
	cfg       Config
	providers []LiquidityProvider
	manager   OrderManager
}

func NewEngine(logger *zap.Logger, cfg Config, providers []LiquidityProvider, manager OrderManager) *Engine {
	if cfg.TWAPSlices <= 0 {
		cfg.TWAPSlices = 10
	}
	if cfg.POVFraction.LessThanOrEqual(decimal.Zero) || cfg.POVFraction.GreaterThan(decimal.NewFromInt(1)) {
		cfg.POVFraction = decimal.NewFromFloat(0.10)
	}
	if cfg.MinSliceQuantity.LessThanOrEqual(decimal.Zero) {
		cfg.MinSliceQuantity = decimal.NewFromInt(1)
	}
	return &Engine{logger: logger, cfg: cfg, providers: providers, manager: manager}
}

// SelectLiquidityProvider quotes all providers and returns the one with
// the best effective price for side after spreads. Providers that fail to
// quote are skipped; if none respond the result is ProviderUnavailable.
func (e *Engine) SelectLiquidityProvider(ctx context.Context, pair, side string, quantity decimal.Decimal) (*Quote, error) {
	quotes := e.collectQuotes(ctx, pair, quantity)
	if len(quotes) == 0 {
		return nil, &model.ProviderUnavailable{Pair: pair}
	}
	return bestQuote(quotes, side), nil
}

func (e *Engine) collectQuotes(ctx context.Context, pair string, quantity decimal.Decimal) []*Quote {
	var quotes []*Quote
	for _, p := range e.providers {
		quote, err := p.RequestQuote(ctx, pair, quantity)
		if err != nil {
			e.logger.Warn("provider failed to quote",
				zap.String("provider", p.Name()),
				zap.String("pair", pair),
				zap.Error(err))
			continue
		}
		quotes = append(quotes, quote)
	}
	return quotes
}

func bestQuote(quotes []*Quote, side string) *Quote {
	best := quotes[0]
	for _, q := range quotes[1:] {
		if side == model.OrderSideBuy {
			if q.Ask.LessThan(best.Ask) {
				best = q
			}
		} else {
			if q.Bid.GreaterThan(best.Bid) {
				best = q
			}
		}
	}
	return best
}

// ExecuteOrder runs the order to completion or to provider exhaustion.
// Strategy: IOC/FOK route directly; market orders above the large-order
// threshold are worked TWAP; all others POV. Fills are reported to
// the order manager one execution at a time; an already-applied fill is
// never rolled back.
func (e *Engine) ExecuteOrder(ctx context.Context, order *model.Order) ([]*model.Execution, error) {
	if !order.RemainingQuantity.IsPositive() {
		return nil, model.NewValidationError("quantity", "remaining quantity must be positive")
	}
	if order.Type == model.OrderTypeLimit && !order.Price.IsPositive() {
		return nil, model.NewValidationError("price", "target price must be positive")
	}

	switch {
	case order.TimeInForce == model.TimeInForceFOK:
		return e.executeFOK(ctx, order)
	case order.TimeInForce == model.TimeInForceIOC:
		return e.executeDirect(ctx, order)
	case order.Type == model.OrderTypeMarket && order.RemainingQuantity.GreaterThan(e.cfg.LargeOrderThreshold):
		return e.executeTWAP(ctx, order)
	default:
		return e.executePOV(ctx, order)
	}
}

// executeFOK fills the full quantity in one pass or applies nothing.
func (e *Engine) executeFOK(ctx context.Context, order *model.Order) ([]*model.Execution, error) {
	quote, err := e.SelectLiquidityProvider(ctx, order.Pair, order.Side, order.RemainingQuantity)
	if err != nil {
		return nil, err
	}
	if quote.AvailableQuantity.LessThan(order.RemainingQuantity) {
		return nil, ErrNotFullyFillable
	}
	if !e.priceAcceptable(order, quote) {
		return nil, ErrNotFullyFillable
	}

	metrics.SlicesTotal.WithLabelValues(AlgoDirect).Inc()
	exec, err := e.fillAgainst(ctx, order, quote, order.RemainingQuantity)
	if err != nil {
		return nil, ErrNotFullyFillable
	}
	return []*model.Execution{exec}, nil
}

// executeDirect is a single quote-and-fill against the best provider.
// Whatever the provider cannot cover is left to the caller (IOC cancels
// it).
func (e *Engine) executeDirect(ctx context.Context, order *model.Order) ([]*model.Execution, error) {
	metrics.SlicesTotal.WithLabelValues(AlgoDirect).Inc()
	exec, err := e.executeSlice(ctx, order, order.RemainingQuantity)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, nil
	}
	return []*model.Execution{exec}, nil
}

// executeTWAP works the order as equal time-spaced slices.
func (e *Engine) executeTWAP(ctx context.Context, order *model.Order) ([]*model.Execution, error) {
	sliceQty := order.RemainingQuantity.Div(decimal.NewFromInt(int64(e.cfg.TWAPSlices)))
	var fills []*model.Execution

	for i := 0; i < e.cfg.TWAPSlices && order.RemainingQuantity.IsPositive(); i++ {
		if i > 0 && e.cfg.TWAPInterval > 0 {
			select {
			case <-ctx.Done():
				return fills, ctx.Err()
			case <-time.After(e.cfg.TWAPInterval):
			}
		}

		qty := sliceQty
		if i == e.cfg.TWAPSlices-1 || qty.GreaterThan(order.RemainingQuantity) {
			qty = order.RemainingQuantity
		}
		metrics.SlicesTotal.WithLabelValues(AlgoTWAP).Inc()
		exec, err := e.executeSlice(ctx, order, qty)
		if err != nil {
			return fills, e.failure(order, err)
		}
		if exec == nil {
			break
		}
		fills = append(fills, exec)
	}
	return fills, nil
}

// executePOV slices a fixed fraction of the remaining quantity per pass.
func (e *Engine) executePOV(ctx context.Context, order *model.Order) ([]*model.Execution, error) {
	var fills []*model.Execution
	for order.RemainingQuantity.IsPositive() {
		if err := ctx.Err(); err != nil {
			return fills, err
		}
		qty := order.RemainingQuantity.Mul(e.cfg.POVFraction)
		// Never loop forever on dust: once the fraction drops below the
		// minimum slice, take everything that remains.
		if qty.LessThan(e.cfg.MinSliceQuantity) || qty.GreaterThan(order.RemainingQuantity) {
			qty = order.RemainingQuantity
		}
		metrics.SlicesTotal.WithLabelValues(AlgoPOV).Inc()
		exec, err := e.executeSlice(ctx, order, qty)
		if err != nil {
			return fills, e.failure(order, err)
		}
		if exec == nil {
			break
		}
		fills = append(fills, exec)
	}
	return fills, nil
}

// executeSlice fills qty against the best available provider, falling back
// to the next-best on trade failure. Returns (nil, nil) when providers
// quote but none satisfies the order's limit price.
func (e *Engine) executeSlice(ctx context.Context, order *model.Order, qty decimal.Decimal) (*model.Execution, error) {
	quotes := e.collectQuotes(ctx, order.Pair, qty)
	if len(quotes) == 0 {
		return nil, &model.ProviderUnavailable{Pair: order.Pair}
	}

	tried := 0
	for len(quotes) > 0 {
		quote := bestQuote(quotes, order.Side)
		if !e.priceAcceptable(order, quote) {
			// Best price does not satisfy the limit; no worse quote will.
			return nil, nil
		}
		fillQty := qty
		if quote.AvailableQuantity.IsPositive() && quote.AvailableQuantity.LessThan(fillQty) {
			fillQty = quote.AvailableQuantity
		}

		tried++
		exec, err := e.fillAgainst(ctx, order, quote, fillQty)
		if err == nil {
			return exec, nil
		}
		e.logger.Warn("provider trade failed, trying next",
			zap.String("provider", quote.Provider),
			zap.String("order_id", order.ID.String()),
			zap.Error(err))
		quotes = removeQuote(quotes, quote)
	}
	return nil, &model.ProviderUnavailable{Pair: order.Pair}
}

func (e *Engine) fillAgainst(ctx context.Context, order *model.Order, quote *Quote, qty decimal.Decimal) (*model.Execution, error) {
	price := quote.EffectivePrice(order.Side)
	provider := e.providerByName(quote.Provider)
	if provider == nil {
		return nil, &model.ProviderUnavailable{Pair: order.Pair}
	}
	if err := provider.ExecuteTrade(ctx, order.Pair, order.Side, qty, price); err != nil {
		return nil, err
	}

	exec := &model.Execution{
		ID:         uuid.New(),
		OrderID:    order.ID,
		Pair:       order.Pair,
		Side:       order.Side,
		Price:      price,
		Quantity:   qty,
		Provider:   quote.Provider,
		ExecutedAt: time.Now(),
	}
	if _, err := e.manager.ApplyExecution(ctx, exec); err != nil {
		return nil, err
	}
	e.logger.Info("slice executed",
		zap.String("order_id", order.ID.String()),
		zap.String("provider", quote.Provider),
		zap.String("price", price.String()),
		zap.String("quantity", qty.String()))
	return exec, nil
}

// priceAcceptable reports whether the quote satisfies a limit order's
// price. Market orders accept any quote.
func (e *Engine) priceAcceptable(order *model.Order, quote *Quote) bool {
	if order.Type != model.OrderTypeLimit {
		return true
	}
	if order.Side == model.OrderSideBuy {
		return quote.Ask.LessThanOrEqual(order.Price)
	}
	return quote.Bid.GreaterThanOrEqual(order.Price)
}

func (e *Engine) providerByName(name string) LiquidityProvider {
	for _, p := range e.providers {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// failure wraps provider exhaustion as an ExecutionFailure carrying the
// remaining quantity; the already-filled portion stays applied.
func (e *Engine) failure(order *model.Order, err error) error {
	e.logger.Error("execution failed",
		zap.String("order_id", order.ID.String()),
		zap.String("remaining", order.RemainingQuantity.String()),
		zap.Error(err))
	return &model.ExecutionFailure{
		OrderID:   order.ID,
		Remaining: order.RemainingQuantity,
		Err:       err,
	}
}

func removeQuote(quotes []*Quote, target *Quote) []*Quote {
	for i, q := range quotes {
		if q == target {
			return append(quotes[:i], quotes[i+1:]...)
		}
	}
	return quotes
}
