package trading

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/novafx/fxcore/internal/accounts/bookkeeper"
	"github.com/novafx/fxcore/internal/compliance"
	"github.com/novafx/fxcore/internal/rates"
	"github.com/novafx/fxcore/internal/trading/events"
	"github.com/novafx/fxcore/internal/trading/execution"
	"github.com/novafx/fxcore/internal/trading/model"
	"github.com/novafx/fxcore/internal/trading/orders"
	"github.com/novafx/fxcore/internal/trading/risk"
	"github.com/novafx/fxcore/internal/trading/settlement"
)

type stack struct {
	service  *Service
	funds    bookkeeper.Service
	feed     *rates.TableProvider
	repo     model.Repository
	payments *settlement.SimulatedPaymentSystem
	provider *execution.SimulatedProvider
	userID   uuid.UUID
}

func newStack(t *testing.T, providerMaxQty int64) *stack {
	log := zaptest.NewLogger(t)
	repo := model.NewInMemoryRepository()
	funds := bookkeeper.NewInMemoryService(log)
	bus := events.NewInMemoryBus(log)
	complianceEngine := compliance.NewListEngine()

	feed := rates.NewTableProvider()
	feed.SetRate("EUR/USD", decimal.NewFromFloat(1.0952), decimal.NewFromFloat(0.0002))

	manager := orders.NewManager(log, repo, funds, risk.ApproveAll{}, complianceEngine, feed, bus)
	manager.RegisterPair(&model.TradingPair{
		Symbol:      "EUR/USD",
		MinQuantity: decimal.NewFromInt(1000),
		MaxQuantity: decimal.NewFromInt(50_000_000),
	})

	provider := execution.NewSimulatedProvider("LP-A", feed,
		decimal.Zero, decimal.NewFromInt(providerMaxQty))
	engine := execution.NewEngine(log, execution.Config{
		LargeOrderThreshold: decimal.NewFromInt(1_000_000),
		TWAPSlices:          4,
		POVFraction:         decimal.NewFromFloat(0.5),
		MinSliceQuantity:    decimal.NewFromInt(1),
	}, []execution.LiquidityProvider{provider}, manager)

	payments := settlement.NewSimulatedPaymentSystem(log)
	settlementEngine := settlement.NewEngine(log, settlement.DefaultConfig(),
		repo, funds, payments, complianceEngine, bus)

	svc := NewService(log, Config{
		CommissionRate: decimal.Zero,
		CounterpartyID: "LP-POOL",
	}, manager, engine, settlementEngine, repo, feed)

	userID := uuid.New()
	ctx := context.Background()
	require.NoError(t, funds.Deposit(ctx, userID, "USD", decimal.NewFromInt(100_000)))
	require.NoError(t, funds.Deposit(ctx, userID, "EUR", decimal.NewFromInt(100_000)))

	return &stack{
		service:  svc,
		funds:    funds,
		feed:     feed,
		repo:     repo,
		payments: payments,
		provider: provider,
		userID:   userID,
	}
}

// A GTC limit buy rests until the market reaches it, fills against the
// provider, produces a T+2 settlement, and settles on the value date.
func TestEndToEndLimitOrderLifecycle(t *testing.T) {
	s := newStack(t, 0)
	ctx := context.Background()

	order, err := s.service.PlaceOrder(ctx, s.userID, orders.CreateOrderRequest{
		Pair:     "EUR/USD",
		Side:     model.OrderSideBuy,
		Type:     model.OrderTypeLimit,
		Quantity: decimal.NewFromInt(10000),
		Price:    decimal.NewFromFloat(1.0950),
	})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusSubmitted, order.Status)

	snap, err := s.service.GetOrderBook("EUR/USD", 10)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)

	// The ask is above the limit; nothing happens yet.
	require.NoError(t, s.service.OnRateUpdate(ctx, "EUR/USD"))
	assert.Equal(t, model.OrderStatusSubmitted, order.Status)

	// Market drops: ask 1.0941 crosses the 1.0950 limit.
	s.feed.SetRate("EUR/USD", decimal.NewFromFloat(1.0940), decimal.NewFromFloat(0.0002))
	require.NoError(t, s.service.OnRateUpdate(ctx, "EUR/USD"))

	assert.Equal(t, model.OrderStatusFilled, order.Status)
	assert.True(t, order.AvgFillPrice.Equal(decimal.NewFromFloat(1.0941)),
		"filled at the offered ask, got %s", order.AvgFillPrice)

	pending, err := s.repo.GetSettlementsByStatus(ctx, model.SettlementStatusPending)
	require.NoError(t, err)
	require.NotEmpty(t, pending)
	assert.Equal(t, model.CycleT2, pending[0].Cycle)

	// Nothing is due before the value date.
	settled, err := s.service.ProcessDueSettlements(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, settled)

	// On the value date everything settles.
	settled, err = s.service.ProcessDueSettlements(ctx, time.Now().AddDate(0, 0, 7))
	require.NoError(t, err)
	assert.Positive(t, settled)

	remaining, err := s.repo.GetSettlementsByStatus(ctx, model.SettlementStatusPending)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	// The user holds the purchased EUR and paid 10000 * 1.0941 USD.
	eur, err := s.funds.GetAccount(ctx, s.userID, "EUR")
	require.NoError(t, err)
	assert.True(t, eur.Available.Equal(decimal.NewFromInt(110_000)), "eur %s", eur.Available)

	usd, err := s.funds.GetAccount(ctx, s.userID, "USD")
	require.NoError(t, err)
	expected := decimal.NewFromInt(100_000).Sub(decimal.NewFromFloat(1.0941).Mul(decimal.NewFromInt(10000)))
	assert.True(t, usd.Available.Equal(expected), "usd %s want %s", usd.Available, expected)
	assert.True(t, usd.Locked.IsZero())
}

func TestFOKOrderRejectedWhenNotFullyFillable(t *testing.T) {
	// Provider depth 1000 cannot cover a 5000 FOK.
	s := newStack(t, 1000)
	ctx := context.Background()

	order, err := s.service.PlaceOrder(ctx, s.userID, orders.CreateOrderRequest{
		Pair:        "EUR/USD",
		Side:        model.OrderSideBuy,
		Type:        model.OrderTypeMarket,
		TimeInForce: model.TimeInForceFOK,
		Quantity:    decimal.NewFromInt(5000),
	})
	require.ErrorIs(t, err, execution.ErrNotFullyFillable)
	assert.Equal(t, model.OrderStatusRejected, order.Status)
	assert.True(t, order.FilledQuantity.IsZero(), "no partial fill survives")

	usd, aerr := s.funds.GetAccount(ctx, s.userID, "USD")
	require.NoError(t, aerr)
	assert.True(t, usd.Locked.IsZero(), "reservation released on rejection")
	assert.True(t, usd.Available.Equal(decimal.NewFromInt(100_000)))
}

func TestIOCOrderAppliesPartialAndCancelsRemainder(t *testing.T) {
	s := newStack(t, 3000)
	ctx := context.Background()

	order, err := s.service.PlaceOrder(ctx, s.userID, orders.CreateOrderRequest{
		Pair:        "EUR/USD",
		Side:        model.OrderSideBuy,
		Type:        model.OrderTypeMarket,
		TimeInForce: model.TimeInForceIOC,
		Quantity:    decimal.NewFromInt(5000),
	})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, order.Status)
	assert.True(t, order.FilledQuantity.Equal(decimal.NewFromInt(3000)))
	assert.True(t, order.RemainingQuantity.Equal(decimal.NewFromInt(2000)))

	// Only the filled portion stays held, earmarked for settlement.
	usd, err := s.funds.GetAccount(ctx, s.userID, "USD")
	require.NoError(t, err)
	fillCost := decimal.NewFromFloat(1.0953).Mul(decimal.NewFromInt(3000))
	assert.True(t, usd.Locked.Equal(fillCost), "locked %s want %s", usd.Locked, fillCost)
}

func TestMarketOrderExecutesImmediately(t *testing.T) {
	s := newStack(t, 0)
	ctx := context.Background()

	order, err := s.service.PlaceOrder(ctx, s.userID, orders.CreateOrderRequest{
		Pair:     "EUR/USD",
		Side:     model.OrderSideSell,
		Type:     model.OrderTypeMarket,
		Quantity: decimal.NewFromInt(8000),
	})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, order.Status)
	assert.True(t, order.AvgFillPrice.Equal(decimal.NewFromFloat(1.0951)),
		"sold at the bid, got %s", order.AvgFillPrice)
}

func TestCancelRestingOrderViaService(t *testing.T) {
	s := newStack(t, 0)
	ctx := context.Background()

	order, err := s.service.PlaceOrder(ctx, s.userID, orders.CreateOrderRequest{
		Pair:     "EUR/USD",
		Side:     model.OrderSideBuy,
		Type:     model.OrderTypeLimit,
		Quantity: decimal.NewFromInt(10000),
		Price:    decimal.NewFromFloat(1.0900),
	})
	require.NoError(t, err)

	cancelled, err := s.service.CancelOrder(ctx, order.ID, s.userID)
	require.NoError(t, err)
	assert.True(t, cancelled.Equal(decimal.NewFromInt(10000)))

	got, err := s.service.GetOrder(order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, got.Status)
}

func TestSettlementHealthSurface(t *testing.T) {
	s := newStack(t, 0)
	health := s.service.SettlementHealth()
	assert.Equal(t, "healthy", health.Status)
}
