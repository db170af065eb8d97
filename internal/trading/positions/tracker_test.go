package positions

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/novafx/fxcore/internal/rates"
	"github.com/novafx/fxcore/internal/trading/events"
	"github.com/novafx/fxcore/internal/trading/model"
)

func TestExtendingPositionWeightsAverageCost(t *testing.T) {
	tracker := NewTracker(zaptest.NewLogger(t), rates.NewTableProvider())
	userID := uuid.New()

	tracker.OnFill(userID, "EUR/USD", model.OrderSideBuy,
		decimal.NewFromFloat(1.10), decimal.NewFromInt(10000))
	tracker.OnFill(userID, "EUR/USD", model.OrderSideBuy,
		decimal.NewFromFloat(1.20), decimal.NewFromInt(10000))

	pos, ok := tracker.Get(userID, "EUR/USD")
	require.True(t, ok)
	assert.True(t, pos.NetQuantity.Equal(decimal.NewFromInt(20000)))
	assert.True(t, pos.AvgCost.Equal(decimal.NewFromFloat(1.15)), "avg %s", pos.AvgCost)
	assert.True(t, pos.RealizedPnL.IsZero())
}

func TestReducingPositionRealizesPnL(t *testing.T) {
	tracker := NewTracker(zaptest.NewLogger(t), rates.NewTableProvider())
	userID := uuid.New()

	tracker.OnFill(userID, "EUR/USD", model.OrderSideBuy,
		decimal.NewFromFloat(1.15), decimal.NewFromInt(20000))
	tracker.OnFill(userID, "EUR/USD", model.OrderSideSell,
		decimal.NewFromFloat(1.25), decimal.NewFromInt(5000))

	pos, ok := tracker.Get(userID, "EUR/USD")
	require.True(t, ok)
	assert.True(t, pos.NetQuantity.Equal(decimal.NewFromInt(15000)))
	// (1.25 - 1.15) * 5000
	assert.True(t, pos.RealizedPnL.Equal(decimal.NewFromInt(500)), "pnl %s", pos.RealizedPnL)
	assert.True(t, pos.AvgCost.Equal(decimal.NewFromFloat(1.15)), "avg cost unchanged on reduce")
}

func TestFlippingThroughZeroOpensAtFillPrice(t *testing.T) {
	tracker := NewTracker(zaptest.NewLogger(t), rates.NewTableProvider())
	userID := uuid.New()

	tracker.OnFill(userID, "EUR/USD", model.OrderSideBuy,
		decimal.NewFromFloat(1.15), decimal.NewFromInt(15000))
	tracker.OnFill(userID, "EUR/USD", model.OrderSideSell,
		decimal.NewFromFloat(1.30), decimal.NewFromInt(20000))

	pos, ok := tracker.Get(userID, "EUR/USD")
	require.True(t, ok)
	assert.True(t, pos.NetQuantity.Equal(decimal.NewFromInt(-5000)), "net %s", pos.NetQuantity)
	// (1.30 - 1.15) * 15000 realized on the closed long.
	assert.True(t, pos.RealizedPnL.Equal(decimal.NewFromInt(2250)), "pnl %s", pos.RealizedPnL)
	assert.True(t, pos.AvgCost.Equal(decimal.NewFromFloat(1.30)), "short opened at fill price")
}

func TestShortPositionPnLSign(t *testing.T) {
	tracker := NewTracker(zaptest.NewLogger(t), rates.NewTableProvider())
	userID := uuid.New()

	tracker.OnFill(userID, "EUR/USD", model.OrderSideSell,
		decimal.NewFromFloat(1.20), decimal.NewFromInt(1000))
	tracker.OnFill(userID, "EUR/USD", model.OrderSideBuy,
		decimal.NewFromFloat(1.10), decimal.NewFromInt(1000))

	pos, ok := tracker.Get(userID, "EUR/USD")
	require.True(t, ok)
	assert.True(t, pos.NetQuantity.IsZero())
	// Sold high, bought back low: +0.10 * 1000.
	assert.True(t, pos.RealizedPnL.Equal(decimal.NewFromInt(100)), "pnl %s", pos.RealizedPnL)
	assert.True(t, pos.AvgCost.IsZero(), "flat position resets cost")
}

func TestUnrealizedPnLMarksAgainstCurrentRate(t *testing.T) {
	feed := rates.NewTableProvider()
	feed.SetRate("EUR/USD", decimal.NewFromFloat(1.20), decimal.Zero)
	tracker := NewTracker(zaptest.NewLogger(t), feed)
	userID := uuid.New()

	tracker.OnFill(userID, "EUR/USD", model.OrderSideBuy,
		decimal.NewFromFloat(1.10), decimal.NewFromInt(10000))

	pnl, err := tracker.UnrealizedPnL(context.Background(), userID, "EUR/USD")
	require.NoError(t, err)
	assert.True(t, pnl.Equal(decimal.NewFromInt(1000)), "pnl %s", pnl)

	// No position, no P&L.
	pnl, err = tracker.UnrealizedPnL(context.Background(), uuid.New(), "EUR/USD")
	require.NoError(t, err)
	assert.True(t, pnl.IsZero())
}

func TestSubscribeConsumesFillEvents(t *testing.T) {
	log := zaptest.NewLogger(t)
	bus := events.NewInMemoryBus(log)
	tracker := NewTracker(log, rates.NewTableProvider())
	tracker.Subscribe(bus)

	userID := uuid.New()
	bus.Publish(context.Background(), events.Event{
		Topic: events.TopicOrder,
		Type:  events.TypeOrderExecuted,
		Payload: events.OrderEvent{
			OrderID:  uuid.NewString(),
			UserID:   userID.String(),
			Pair:     "EUR/USD",
			Side:     model.OrderSideBuy,
			Price:    decimal.NewFromFloat(1.10),
			Quantity: decimal.NewFromInt(5000),
		},
	})
	// Created events must not move positions.
	bus.Publish(context.Background(), events.Event{
		Topic: events.TopicOrder,
		Type:  events.TypeOrderCreated,
		Payload: events.OrderEvent{
			UserID:   userID.String(),
			Pair:     "EUR/USD",
			Side:     model.OrderSideBuy,
			Quantity: decimal.NewFromInt(99999),
		},
	})

	require.Eventually(t, func() bool {
		pos, ok := tracker.Get(userID, "EUR/USD")
		return ok && pos.NetQuantity.Equal(decimal.NewFromInt(5000))
	}, time.Second, 10*time.Millisecond)
}
