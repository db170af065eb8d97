package model

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyFillWeightedAveragePrice(t *testing.T) {
	order := &Order{
		ID:                uuid.New(),
		Pair:              "EUR/USD",
		Side:              OrderSideBuy,
		Type:              OrderTypeLimit,
		Quantity:          decimal.NewFromInt(50000),
		RemainingQuantity: decimal.NewFromInt(50000),
		Status:            OrderStatusSubmitted,
	}

	order.ApplyFill(decimal.NewFromFloat(1.1000), decimal.NewFromInt(30000))
	assert.Equal(t, OrderStatusPartiallyFilled, order.Status)
	assert.True(t, order.AvgFillPrice.Equal(decimal.NewFromFloat(1.1000)),
		"avg %s", order.AvgFillPrice)

	order.ApplyFill(decimal.NewFromFloat(1.1005), decimal.NewFromInt(20000))
	assert.Equal(t, OrderStatusPartiallyFilled, order.Status)

	// (30000*1.1000 + 20000*1.1005) / 50000 = 1.1002
	assert.True(t, order.AvgFillPrice.Equal(decimal.NewFromFloat(1.1002)),
		"avg %s", order.AvgFillPrice)
	assert.True(t, order.FilledQuantity.Add(order.RemainingQuantity).Equal(order.Quantity))
}

func TestApplyFillConservationAndTerminalStatus(t *testing.T) {
	order := &Order{
		ID:                uuid.New(),
		Quantity:          decimal.NewFromInt(1000),
		RemainingQuantity: decimal.NewFromInt(1000),
		Status:            OrderStatusSubmitted,
	}
	order.ApplyFill(decimal.NewFromFloat(1.25), decimal.NewFromInt(400))
	require.True(t, order.RemainingQuantity.Equal(decimal.NewFromInt(600)))
	order.ApplyFill(decimal.NewFromFloat(1.26), decimal.NewFromInt(600))

	assert.Equal(t, OrderStatusFilled, order.Status)
	assert.True(t, order.RemainingQuantity.IsZero())
	assert.True(t, order.IsTerminal())
}

func TestIsRestingLimit(t *testing.T) {
	cases := []struct {
		orderType   string
		timeInForce string
		resting     bool
	}{
		{OrderTypeLimit, TimeInForceGTC, true},
		{OrderTypeLimit, TimeInForceIOC, false},
		{OrderTypeLimit, TimeInForceFOK, false},
		{OrderTypeMarket, TimeInForceGTC, false},
	}
	for _, tc := range cases {
		o := &Order{Type: tc.orderType, TimeInForce: tc.timeInForce}
		assert.Equal(t, tc.resting, o.IsRestingLimit(), "%s/%s", tc.orderType, tc.timeInForce)
	}
}

func TestCurrencySplit(t *testing.T) {
	assert.Equal(t, "EUR", BaseCurrency("EUR/USD"))
	assert.Equal(t, "USD", QuoteCurrency("EUR/USD"))
	assert.Equal(t, "USD", BaseCurrency("USD/JPY"))
	assert.Equal(t, "JPY", QuoteCurrency("USD/JPY"))
}

func TestTradeRef(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, "trade:"+id.String(), TradeRef(id))
}
