package execution

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/novafx/fxcore/internal/rates"
	"github.com/novafx/fxcore/internal/trading/model"
)

// stubManager applies fills straight to the order, standing in for the
// order manager's reservation and persistence work.
type stubManager struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*model.Order
	execs  []*model.Execution
}

func newStubManager(orders ...*model.Order) *stubManager {
	m := &stubManager{orders: make(map[uuid.UUID]*model.Order)}
	for _, o := range orders {
		m.orders[o.ID] = o
	}
	return m
}

func (m *stubManager) ApplyExecution(ctx context.Context, exec *model.Execution) (*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[exec.OrderID]
	if !ok {
		return nil, model.ErrOrderNotFound
	}
	order.ApplyFill(exec.Price, exec.Quantity)
	m.execs = append(m.execs, exec)
	return order, nil
}

func testFeed() *rates.TableProvider {
	feed := rates.NewTableProvider()
	feed.SetRate("EUR/USD", decimal.NewFromFloat(1.0950), decimal.NewFromFloat(0.0002))
	return feed
}

func testOrder(orderType, tif string, qty int64, price float64) *model.Order {
	q := decimal.NewFromInt(qty)
	o := &model.Order{
		ID:                uuid.New(),
		UserID:            uuid.New(),
		Pair:              "EUR/USD",
		Side:              model.OrderSideBuy,
		Type:              orderType,
		Quantity:          q,
		RemainingQuantity: q,
		TimeInForce:       tif,
		Status:            model.OrderStatusSubmitted,
	}
	if price > 0 {
		o.Price = decimal.NewFromFloat(price)
	}
	return o
}

func fastConfig() Config {
	return Config{
		LargeOrderThreshold: decimal.NewFromInt(1_000_000),
		TWAPSlices:          4,
		TWAPInterval:        0,
		POVFraction:         decimal.NewFromFloat(0.5),
		MinSliceQuantity:    decimal.NewFromInt(1),
	}
}

func TestSelectLiquidityProviderPicksBestPrice(t *testing.T) {
	feed := testFeed()
	tight := NewSimulatedProvider("tight", feed, decimal.Zero, decimal.Zero)
	wide := NewSimulatedProvider("wide", feed, decimal.NewFromFloat(0.0010), decimal.Zero)
	engine := NewEngine(zaptest.NewLogger(t), fastConfig(),
		[]LiquidityProvider{wide, tight}, newStubManager())

	quote, err := engine.SelectLiquidityProvider(context.Background(), "EUR/USD",
		model.OrderSideBuy, decimal.NewFromInt(10000))
	require.NoError(t, err)
	assert.Equal(t, "tight", quote.Provider, "lowest ask wins for a buy")

	quote, err = engine.SelectLiquidityProvider(context.Background(), "EUR/USD",
		model.OrderSideSell, decimal.NewFromInt(10000))
	require.NoError(t, err)
	assert.Equal(t, "tight", quote.Provider, "highest bid wins for a sell")
}

func TestSelectLiquidityProviderSkipsFailingQuoters(t *testing.T) {
	feed := testFeed()
	healthy := NewSimulatedProvider("healthy", feed, decimal.Zero, decimal.Zero)
	broken := NewSimulatedProvider("broken", feed, decimal.Zero, decimal.Zero)
	broken.SetFailing(true, false)
	engine := NewEngine(zaptest.NewLogger(t), fastConfig(),
		[]LiquidityProvider{broken, healthy}, newStubManager())

	quote, err := engine.SelectLiquidityProvider(context.Background(), "EUR/USD",
		model.OrderSideBuy, decimal.NewFromInt(10000))
	require.NoError(t, err)
	assert.Equal(t, "healthy", quote.Provider)

	healthy.SetFailing(true, false)
	_, err = engine.SelectLiquidityProvider(context.Background(), "EUR/USD",
		model.OrderSideBuy, decimal.NewFromInt(10000))
	var unavailable *model.ProviderUnavailable
	assert.ErrorAs(t, err, &unavailable)
}

func TestFOKRejectsWhenLiquidityInsufficient(t *testing.T) {
	feed := testFeed()
	// Provider can cover at most 1000 of the 5000 requested.
	shallow := NewSimulatedProvider("shallow", feed, decimal.Zero, decimal.NewFromInt(1000))
	order := testOrder(model.OrderTypeMarket, model.TimeInForceFOK, 5000, 0)
	manager := newStubManager(order)
	engine := NewEngine(zaptest.NewLogger(t), fastConfig(),
		[]LiquidityProvider{shallow}, manager)

	_, err := engine.ExecuteOrder(context.Background(), order)
	assert.ErrorIs(t, err, ErrNotFullyFillable)
	assert.Empty(t, manager.execs, "no partial fill applied")
	assert.True(t, order.RemainingQuantity.Equal(decimal.NewFromInt(5000)))
}

func TestFOKRejectsWhenLimitNotSatisfied(t *testing.T) {
	feed := testFeed()
	provider := NewSimulatedProvider("lp", feed, decimal.Zero, decimal.Zero)
	// Ask is 1.0951; a buy limit below it cannot fill.
	order := testOrder(model.OrderTypeLimit, model.TimeInForceFOK, 5000, 1.0900)
	manager := newStubManager(order)
	engine := NewEngine(zaptest.NewLogger(t), fastConfig(),
		[]LiquidityProvider{provider}, manager)

	_, err := engine.ExecuteOrder(context.Background(), order)
	assert.ErrorIs(t, err, ErrNotFullyFillable)
	assert.Empty(t, manager.execs)
}

func TestFOKFillsCompletelyInOnePass(t *testing.T) {
	feed := testFeed()
	provider := NewSimulatedProvider("lp", feed, decimal.Zero, decimal.Zero)
	order := testOrder(model.OrderTypeMarket, model.TimeInForceFOK, 5000, 0)
	manager := newStubManager(order)
	engine := NewEngine(zaptest.NewLogger(t), fastConfig(),
		[]LiquidityProvider{provider}, manager)

	fills, err := engine.ExecuteOrder(context.Background(), order)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].Quantity.Equal(decimal.NewFromInt(5000)))
	assert.Equal(t, model.OrderStatusFilled, order.Status)
}

func TestIOCLeavesUnfillableRemainder(t *testing.T) {
	feed := testFeed()
	shallow := NewSimulatedProvider("shallow", feed, decimal.Zero, decimal.NewFromInt(3000))
	order := testOrder(model.OrderTypeMarket, model.TimeInForceIOC, 5000, 0)
	manager := newStubManager(order)
	engine := NewEngine(zaptest.NewLogger(t), fastConfig(),
		[]LiquidityProvider{shallow}, manager)

	fills, err := engine.ExecuteOrder(context.Background(), order)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].Quantity.Equal(decimal.NewFromInt(3000)))
	assert.True(t, order.RemainingQuantity.Equal(decimal.NewFromInt(2000)),
		"remainder stays for the caller to cancel")
}

func TestPOVSlicesFractionOfRemaining(t *testing.T) {
	feed := testFeed()
	provider := NewSimulatedProvider("lp", feed, decimal.Zero, decimal.Zero)
	order := testOrder(model.OrderTypeMarket, model.TimeInForceGTC, 8000, 0)
	manager := newStubManager(order)
	engine := NewEngine(zaptest.NewLogger(t), fastConfig(),
		[]LiquidityProvider{provider}, manager)

	fills, err := engine.ExecuteOrder(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, order.Status)
	require.GreaterOrEqual(t, len(fills), 2, "worked in multiple slices")
	assert.True(t, fills[0].Quantity.Equal(decimal.NewFromInt(4000)),
		"first slice is half of remaining, got %s", fills[0].Quantity)

	total := decimal.Zero
	for _, f := range fills {
		total = total.Add(f.Quantity)
	}
	assert.True(t, total.Equal(decimal.NewFromInt(8000)))
}

func TestTWAPWorksLargeOrdersInEqualSlices(t *testing.T) {
	feed := testFeed()
	provider := NewSimulatedProvider("lp", feed, decimal.Zero, decimal.Zero)
	order := testOrder(model.OrderTypeMarket, model.TimeInForceGTC, 2_000_000, 0)
	manager := newStubManager(order)
	cfg := fastConfig()
	engine := NewEngine(zaptest.NewLogger(t), cfg, []LiquidityProvider{provider}, manager)

	fills, err := engine.ExecuteOrder(context.Background(), order)
	require.NoError(t, err)
	assert.Len(t, fills, cfg.TWAPSlices)
	assert.True(t, fills[0].Quantity.Equal(decimal.NewFromInt(500000)))
	assert.Equal(t, model.OrderStatusFilled, order.Status)
}

func TestMarketOrderAtThresholdRoutesPOV(t *testing.T) {
	feed := testFeed()
	provider := NewSimulatedProvider("lp", feed, decimal.Zero, decimal.Zero)
	// Exactly at the threshold: still POV, only above it goes TWAP.
	order := testOrder(model.OrderTypeMarket, model.TimeInForceGTC, 1_000_000, 0)
	manager := newStubManager(order)
	engine := NewEngine(zaptest.NewLogger(t), fastConfig(),
		[]LiquidityProvider{provider}, manager)

	fills, err := engine.ExecuteOrder(context.Background(), order)
	require.NoError(t, err)
	require.NotEmpty(t, fills)
	assert.True(t, fills[0].Quantity.Equal(decimal.NewFromInt(500000)),
		"first slice is the POV fraction of remaining, got %s", fills[0].Quantity)
	assert.Equal(t, model.OrderStatusFilled, order.Status)
}

func TestSliceFailsOverToNextProvider(t *testing.T) {
	feed := testFeed()
	flaky := NewSimulatedProvider("flaky", feed, decimal.Zero, decimal.Zero)
	flaky.SetFailing(false, true) // quotes fine, trades fail
	backup := NewSimulatedProvider("backup", feed, decimal.NewFromFloat(0.0004), decimal.Zero)
	order := testOrder(model.OrderTypeMarket, model.TimeInForceIOC, 5000, 0)
	manager := newStubManager(order)
	engine := NewEngine(zaptest.NewLogger(t), fastConfig(),
		[]LiquidityProvider{flaky, backup}, manager)

	fills, err := engine.ExecuteOrder(context.Background(), order)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, "backup", fills[0].Provider)
}

func TestExecutionFailureCarriesRemaining(t *testing.T) {
	feed := testFeed()
	broken := NewSimulatedProvider("broken", feed, decimal.Zero, decimal.Zero)
	broken.SetFailing(false, true) // quotes fine, every trade fails
	order := testOrder(model.OrderTypeMarket, model.TimeInForceGTC, 8000, 0)
	engine := NewEngine(zaptest.NewLogger(t), fastConfig(),
		[]LiquidityProvider{broken}, newStubManager(order))

	_, err := engine.ExecuteOrder(context.Background(), order)
	var failure *model.ExecutionFailure
	require.ErrorAs(t, err, &failure)
	assert.True(t, failure.Remaining.Equal(decimal.NewFromInt(8000)))
}
