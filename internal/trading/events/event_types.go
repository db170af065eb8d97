package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Standard event topics
const (
	TopicOrder      = "order"
	TopicSettlement = "settlement"
)

// Event types published by the trading core
const (
	TypeOrderCreated      = "ORDER_CREATED"
	TypeOrderExecuted     = "ORDER_EXECUTED"
	TypeOrderCancelled    = "ORDER_CANCELLED"
	TypeSettlementCreated = "SETTLEMENT_CREATED"
	TypeSettlementSettled = "SETTLEMENT_SETTLED"
	TypeSettlementFailed  = "SETTLEMENT_FAILED"
)

// OrderEvent is the payload for order lifecycle events. One ORDER_EXECUTED
// event is published per fill.
type OrderEvent struct {
	OrderID   string          `json:"order_id"`
	UserID    string          `json:"user_id"`
	Pair      string          `json:"pair"`
	Side      string          `json:"side"`
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Provider  string          `json:"provider,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// SettlementEvent is the payload for settlement lifecycle events.
type SettlementEvent struct {
	SettlementID   string    `json:"settlement_id"`
	TradeID        string    `json:"trade_id"`
	CounterpartyID string    `json:"counterparty_id"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}
