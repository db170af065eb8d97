// Package repository provides the gorm-backed implementation of the
// trading repository.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/novafx/fxcore/internal/trading/model"
)

// GormRepository persists orders, executions and settlements through gorm.
type GormRepository struct {
	db *gorm.DB
}

var _ model.Repository = (*GormRepository)(nil)

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) CreateOrder(ctx context.Context, order *model.Order) error {
	if err := r.db.WithContext(ctx).Create(order).Error; err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func (r *GormRepository) GetOrderByID(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).First(&order, "id = ?", orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &order, nil
}

func (r *GormRepository) UpdateOrder(ctx context.Context, order *model.Order) error {
	if err := r.db.WithContext(ctx).Save(order).Error; err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	return nil
}

func (r *GormRepository) GetOpenOrdersByPair(ctx context.Context, pair string) ([]*model.Order, error) {
	var orders []*model.Order
	err := r.db.WithContext(ctx).
		Where("pair = ? AND status IN ?", pair,
			[]string{model.OrderStatusSubmitted, model.OrderStatusPartiallyFilled}).
		Order("created_at").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list open orders: %w", err)
	}
	return orders, nil
}

func (r *GormRepository) CreateExecution(ctx context.Context, exec *model.Execution) error {
	if err := r.db.WithContext(ctx).Create(exec).Error; err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

func (r *GormRepository) GetExecutionsByOrder(ctx context.Context, orderID uuid.UUID) ([]*model.Execution, error) {
	var execs []*model.Execution
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("executed_at").
		Find(&execs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return execs, nil
}

func (r *GormRepository) CreateSettlement(ctx context.Context, s *model.Settlement) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return fmt.Errorf("failed to create settlement: %w", err)
	}
	return nil
}

func (r *GormRepository) UpdateSettlement(ctx context.Context, s *model.Settlement) error {
	if err := r.db.WithContext(ctx).Save(s).Error; err != nil {
		return fmt.Errorf("failed to update settlement: %w", err)
	}
	return nil
}

func (r *GormRepository) GetSettlementByID(ctx context.Context, id uuid.UUID) (*model.Settlement, error) {
	var s model.Settlement
	err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrSettlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	return &s, nil
}

// GetPendingSettlements returns pending settlements for one counterparty
// whose value date falls on the same calendar day as date.
func (r *GormRepository) GetPendingSettlements(ctx context.Context, counterpartyID string, date time.Time) ([]*model.Settlement, error) {
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	var settlements []*model.Settlement
	err := r.db.WithContext(ctx).
		Where("counterparty_id = ? AND status = ? AND settlement_date >= ? AND settlement_date < ?",
			counterpartyID, model.SettlementStatusPending, dayStart, dayEnd).
		Order("created_at").
		Find(&settlements).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending settlements: %w", err)
	}
	return settlements, nil
}

func (r *GormRepository) GetSettlementsByStatus(ctx context.Context, status string) ([]*model.Settlement, error) {
	var settlements []*model.Settlement
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at").
		Find(&settlements).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list settlements: %w", err)
	}
	return settlements, nil
}
