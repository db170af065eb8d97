package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Constants for order sides, types, statuses, and time in force options
const (
	// Order sides
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"

	// Order types
	OrderTypeLimit  = "LIMIT"
	OrderTypeMarket = "MARKET"

	// Order statuses
	OrderStatusSubmitted       = "SUBMITTED"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusFilled          = "FILLED"
	OrderStatusCancelled       = "CANCELLED"
	OrderStatusRejected        = "REJECTED"
	OrderStatusExpired         = "EXPIRED"

	// Time in force
	TimeInForceGTC = "GTC" // Good Till Cancelled
	TimeInForceIOC = "IOC" // Immediate Or Cancel
	TimeInForceFOK = "FOK" // Fill Or Kill
)

// Settlement cycles and statuses
const (
	CycleT0 = "T+0"
	CycleT1 = "T+1"
	CycleT2 = "T+2"

	SettlementStatusPending = "PENDING"
	SettlementStatusSettled = "SETTLED"
	SettlementStatusFailed  = "FAILED"

	LegTypePay     = "PAY"
	LegTypeReceive = "RECEIVE"
)

// TradeRef returns the bookkeeper reservation ref that earmarks the
// filled portion of an order for the settlement of one execution.
func TradeRef(execID uuid.UUID) string { return "trade:" + execID.String() }

// Order represents an FX trading order.
type Order struct {
	ID                uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	UserID            uuid.UUID       `json:"user_id" gorm:"type:uuid;index"`
	Pair              string          `json:"pair" gorm:"index"`
	Side              string          `json:"side"`
	Type              string          `json:"type"`
	Price             decimal.Decimal `json:"price" gorm:"type:decimal(32,12)"`
	Quantity          decimal.Decimal `json:"quantity" gorm:"type:decimal(32,12)"`
	FilledQuantity    decimal.Decimal `json:"filled_quantity" gorm:"type:decimal(32,12)"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity" gorm:"type:decimal(32,12)"`
	AvgFillPrice      decimal.Decimal `json:"avg_fill_price" gorm:"type:decimal(32,12)"`
	TimeInForce       string          `json:"time_in_force"`
	Status            string          `json:"status" gorm:"index"`
	ExpireAt          *time.Time      `json:"expire_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the order can no longer be mutated.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// IsRestingLimit reports whether the order belongs in an order book.
// Market orders and IOC/FOK orders never rest.
func (o *Order) IsRestingLimit() bool {
	if o.Type != OrderTypeLimit {
		return false
	}
	return o.TimeInForce != TimeInForceIOC && o.TimeInForce != TimeInForceFOK
}

// ApplyFill applies an execution of qty at price to the order, keeping
// FilledQuantity + RemainingQuantity == Quantity and AvgFillPrice as the
// fill-quantity-weighted mean of all executions.
func (o *Order) ApplyFill(price, qty decimal.Decimal) {
	notional := o.AvgFillPrice.Mul(o.FilledQuantity).Add(price.Mul(qty))
	o.FilledQuantity = o.FilledQuantity.Add(qty)
	o.RemainingQuantity = o.Quantity.Sub(o.FilledQuantity)
	o.AvgFillPrice = notional.Div(o.FilledQuantity)
	if o.RemainingQuantity.IsPositive() {
		o.Status = OrderStatusPartiallyFilled
	} else {
		o.Status = OrderStatusFilled
	}
	o.UpdatedAt = time.Now()
}

// BaseCurrency returns the base currency of the order's pair ("EUR" for "EUR/USD").
func (o *Order) BaseCurrency() string { return BaseCurrency(o.Pair) }

// QuoteCurrency returns the quote currency of the order's pair ("USD" for "EUR/USD").
func (o *Order) QuoteCurrency() string { return QuoteCurrency(o.Pair) }

// BaseCurrency extracts the base currency from a "BBB/QQQ" pair symbol.
func BaseCurrency(pair string) string {
	if i := strings.IndexByte(pair, '/'); i > 0 {
		return pair[:i]
	}
	return pair
}

// QuoteCurrency extracts the quote currency from a "BBB/QQQ" pair symbol.
func QuoteCurrency(pair string) string {
	if i := strings.IndexByte(pair, '/'); i >= 0 && i+1 < len(pair) {
		return pair[i+1:]
	}
	return ""
}

// Execution represents a single fill produced by the execution engine.
// Immutable once created.
type Execution struct {
	ID         uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	OrderID    uuid.UUID       `json:"order_id" gorm:"type:uuid;index"`
	Pair       string          `json:"pair"`
	Side       string          `json:"side"`
	Price      decimal.Decimal `json:"price" gorm:"type:decimal(32,12)"`
	Quantity   decimal.Decimal `json:"quantity" gorm:"type:decimal(32,12)"`
	Provider   string          `json:"provider"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// SettlementLeg is one currency-denominated pay or receive obligation
// within a settlement.
type SettlementLeg struct {
	Type     string          `json:"type"` // PAY or RECEIVE
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
	Status   string          `json:"status"`
}

// Settlement represents the obligation pair produced by one execution.
// Immutable except for Status and leg Status transitions.
type Settlement struct {
	ID             uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	TradeID        uuid.UUID       `json:"trade_id" gorm:"type:uuid;index"`
	OrderID        uuid.UUID       `json:"order_id" gorm:"type:uuid;index"`
	UserID         uuid.UUID       `json:"user_id" gorm:"type:uuid;index"`
	CounterpartyID string          `json:"counterparty_id" gorm:"index"`
	Pair           string          `json:"pair"`
	Side           string          `json:"side"`
	Quantity       decimal.Decimal `json:"quantity" gorm:"type:decimal(32,12)"`
	Price          decimal.Decimal `json:"price" gorm:"type:decimal(32,12)"`
	Commission     decimal.Decimal `json:"commission" gorm:"type:decimal(32,12)"`
	Cycle          string          `json:"cycle"`
	SettlementDate time.Time       `json:"settlement_date" gorm:"index"`
	Status         string          `json:"status" gorm:"index"`
	Legs           []SettlementLeg `json:"legs" gorm:"serializer:json"`
	RetryCount     int             `json:"retry_count"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TradeData is the per-execution input to the settlement engine.
type TradeData struct {
	TradeID        uuid.UUID
	OrderID        uuid.UUID
	UserID         uuid.UUID
	CounterpartyID string
	Pair           string
	Side           string
	Quantity       decimal.Decimal
	Price          decimal.Decimal
	Commission     decimal.Decimal
	ExecutedAt     time.Time
}

// TradingPair describes a supported currency pair and its order limits.
type TradingPair struct {
	Symbol      string          `json:"symbol" gorm:"primaryKey"`
	MinQuantity decimal.Decimal `json:"min_quantity" gorm:"type:decimal(32,12)"`
	MaxQuantity decimal.Decimal `json:"max_quantity" gorm:"type:decimal(32,12)"`
	PriceScale  int32           `json:"price_scale"`
	Status      string          `json:"status"`
}
