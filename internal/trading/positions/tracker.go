// Package positions maintains per-user per-pair net positions and P&L
// from the execution event stream. It is a read-side consumer: nothing in
// the trading path depends on it.
package positions

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/novafx/fxcore/internal/rates"
	"github.com/novafx/fxcore/internal/trading/events"
	"github.com/novafx/fxcore/internal/trading/model"
)

// Position is one user's net exposure in one currency pair.
type Position struct {
	UserID      uuid.UUID       `json:"user_id"`
	Pair        string          `json:"pair"`
	NetQuantity decimal.Decimal `json:"net_quantity"` // positive long, negative short
	AvgCost     decimal.Decimal `json:"avg_cost"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// Tracker folds fills into positions. Subscribe attaches it to the event
// bus; OnFill can also be called directly.
type Tracker struct {
	logger *zap.Logger
	rates  rates.Provider

	mu        sync.RWMutex
	positions map[string]*Position
}

func NewTracker(logger *zap.Logger, rateProvider rates.Provider) *Tracker {
	return &Tracker{
		logger:    logger,
		rates:     rateProvider,
		positions: make(map[string]*Position),
	}
}

// Subscribe attaches the tracker to the order topic, consuming one update
// per fill.
func (t *Tracker) Subscribe(bus events.Bus) {
	bus.Subscribe(events.TopicOrder, func(event events.Event) {
		if event.Type != events.TypeOrderExecuted {
			return
		}
		payload, ok := event.Payload.(events.OrderEvent)
		if !ok {
			return
		}
		userID, err := uuid.Parse(payload.UserID)
		if err != nil {
			t.logger.Warn("fill event with bad user id", zap.String("user_id", payload.UserID))
			return
		}
		t.OnFill(userID, payload.Pair, payload.Side, payload.Price, payload.Quantity)
	})
}

func positionKey(userID uuid.UUID, pair string) string {
	return userID.String() + "|" + pair
}

// OnFill applies one execution to the user's position. Fills that extend
// the position move the average cost; fills that reduce it realize P&L
// against the average cost.
func (t *Tracker) OnFill(userID uuid.UUID, pair, side string, price, qty decimal.Decimal) {
	signed := qty
	if side == model.OrderSideSell {
		signed = qty.Neg()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := positionKey(userID, pair)
	pos, ok := t.positions[key]
	if !ok {
		pos = &Position{UserID: userID, Pair: pair}
		t.positions[key] = pos
	}

	switch {
	case pos.NetQuantity.IsZero() || pos.NetQuantity.Sign() == signed.Sign():
		// Extending: average cost is quantity-weighted.
		oldAbs := pos.NetQuantity.Abs()
		newAbs := oldAbs.Add(qty)
		pos.AvgCost = pos.AvgCost.Mul(oldAbs).Add(price.Mul(qty)).Div(newAbs)
		pos.NetQuantity = pos.NetQuantity.Add(signed)
	default:
		// Reducing or flipping: realize against average cost first.
		closeQty := decimal.Min(qty, pos.NetQuantity.Abs())
		pnl := price.Sub(pos.AvgCost).Mul(closeQty)
		if pos.NetQuantity.IsNegative() {
			pnl = pnl.Neg()
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
		pos.NetQuantity = pos.NetQuantity.Add(signed)
		if pos.NetQuantity.IsZero() {
			pos.AvgCost = decimal.Zero
		} else if pos.NetQuantity.Sign() != signed.Neg().Sign() {
			// Flipped through zero: the remainder opens at the fill price.
			pos.AvgCost = price
		}
	}
}

// Get returns a copy of the user's position in pair.
func (t *Tracker) Get(userID uuid.UUID, pair string) (Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos, ok := t.positions[positionKey(userID, pair)]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// UnrealizedPnL marks the open position against the current mid rate.
func (t *Tracker) UnrealizedPnL(ctx context.Context, userID uuid.UUID, pair string) (decimal.Decimal, error) {
	pos, ok := t.Get(userID, pair)
	if !ok || pos.NetQuantity.IsZero() {
		return decimal.Zero, nil
	}
	rate, err := t.rates.GetRate(ctx, pair)
	if err != nil {
		return decimal.Zero, err
	}
	return rate.Rate.Sub(pos.AvgCost).Mul(pos.NetQuantity), nil
}
