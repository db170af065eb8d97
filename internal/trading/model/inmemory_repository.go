package model

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryRepository is a map-backed Repository used by tests and by
// deployments that run without a database.
type InMemoryRepository struct {
	orders      map[uuid.UUID]*Order
	executions  map[uuid.UUID][]*Execution
	settlements map[uuid.UUID]*Settlement
	mu          sync.RWMutex
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		orders:      make(map[uuid.UUID]*Order),
		executions:  make(map[uuid.UUID][]*Execution),
		settlements: make(map[uuid.UUID]*Settlement),
	}
}

func (r *InMemoryRepository) CreateOrder(ctx context.Context, order *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *order
	r.orders[order.ID] = &cp
	return nil
}

func (r *InMemoryRepository) GetOrderByID(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *order
	return &cp, nil
}

func (r *InMemoryRepository) UpdateOrder(ctx context.Context, order *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[order.ID]; !ok {
		return ErrOrderNotFound
	}
	cp := *order
	r.orders[order.ID] = &cp
	return nil
}

func (r *InMemoryRepository) GetOpenOrdersByPair(ctx context.Context, pair string) ([]*Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*Order
	for _, o := range r.orders {
		if o.Pair == pair && !o.IsTerminal() {
			cp := *o
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (r *InMemoryRepository) CreateExecution(ctx context.Context, exec *Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *exec
	r.executions[exec.OrderID] = append(r.executions[exec.OrderID], &cp)
	return nil
}

func (r *InMemoryRepository) GetExecutionsByOrder(ctx context.Context, orderID uuid.UUID) ([]*Execution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	execs := r.executions[orderID]
	result := make([]*Execution, 0, len(execs))
	for _, e := range execs {
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (r *InMemoryRepository) CreateSettlement(ctx context.Context, s *Settlement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	cp.Legs = append([]SettlementLeg(nil), s.Legs...)
	r.settlements[s.ID] = &cp
	return nil
}

func (r *InMemoryRepository) UpdateSettlement(ctx context.Context, s *Settlement) error {
	return r.CreateSettlement(ctx, s)
}

func (r *InMemoryRepository) GetSettlementByID(ctx context.Context, id uuid.UUID) (*Settlement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.settlements[id]
	if !ok {
		return nil, ErrSettlementNotFound
	}
	cp := *s
	cp.Legs = append([]SettlementLeg(nil), s.Legs...)
	return &cp, nil
}

func (r *InMemoryRepository) GetPendingSettlements(ctx context.Context, counterpartyID string, date time.Time) ([]*Settlement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*Settlement
	y, m, d := date.Date()
	for _, s := range r.settlements {
		sy, sm, sd := s.SettlementDate.Date()
		if s.CounterpartyID == counterpartyID && s.Status == SettlementStatusPending &&
			sy == y && sm == m && sd == d {
			cp := *s
			cp.Legs = append([]SettlementLeg(nil), s.Legs...)
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (r *InMemoryRepository) GetSettlementsByStatus(ctx context.Context, status string) ([]*Settlement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*Settlement
	for _, s := range r.settlements {
		if s.Status == status {
			cp := *s
			cp.Legs = append([]SettlementLeg(nil), s.Legs...)
			result = append(result, &cp)
		}
	}
	return result, nil
}
