package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines the storage interface for orders, executions and
// settlements. The order books themselves are in-memory only; the
// repository is the durable record.
type Repository interface {
	CreateOrder(ctx context.Context, order *Order) error
	GetOrderByID(ctx context.Context, orderID uuid.UUID) (*Order, error)
	UpdateOrder(ctx context.Context, order *Order) error
	GetOpenOrdersByPair(ctx context.Context, pair string) ([]*Order, error)

	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecutionsByOrder(ctx context.Context, orderID uuid.UUID) ([]*Execution, error)

	CreateSettlement(ctx context.Context, s *Settlement) error
	UpdateSettlement(ctx context.Context, s *Settlement) error
	GetSettlementByID(ctx context.Context, id uuid.UUID) (*Settlement, error)
	GetPendingSettlements(ctx context.Context, counterpartyID string, date time.Time) ([]*Settlement, error)
	GetSettlementsByStatus(ctx context.Context, status string) ([]*Settlement, error)
}
