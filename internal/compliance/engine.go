// Package compliance defines the compliance-screening capability consumed
// by order acceptance and settlement processing.
package compliance

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/novafx/fxcore/internal/trading/model"
)

// Verdict is the outcome of a compliance check.
type Verdict struct {
	Approved bool
	Reason   string
}

// Engine screens orders and settlements.
type Engine interface {
	CheckOrderCompliance(ctx context.Context, order *model.Order) (*Verdict, error)
	CheckSettlement(ctx context.Context, s *model.Settlement) (*Verdict, error)
}

// ListEngine screens against block lists of users and currencies.
type ListEngine struct {
	mu                sync.RWMutex
	blockedUsers      map[uuid.UUID]string
	blockedCurrencies map[string]string
}

func NewListEngine() *ListEngine {
	return &ListEngine{
		blockedUsers:      make(map[uuid.UUID]string),
		blockedCurrencies: make(map[string]string),
	}
}

// BlockUser adds a user to the block list with a reason.
func (e *ListEngine) BlockUser(userID uuid.UUID, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blockedUsers[userID] = reason
}

// BlockCurrency adds a currency to the block list with a reason.
func (e *ListEngine) BlockCurrency(currency, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blockedCurrencies[currency] = reason
}

func (e *ListEngine) CheckOrderCompliance(ctx context.Context, order *model.Order) (*Verdict, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if reason, ok := e.blockedUsers[order.UserID]; ok {
		return &Verdict{Approved: false, Reason: reason}, nil
	}
	for _, ccy := range []string{order.BaseCurrency(), order.QuoteCurrency()} {
		if reason, ok := e.blockedCurrencies[ccy]; ok {
			return &Verdict{Approved: false, Reason: reason}, nil
		}
	}
	return &Verdict{Approved: true}, nil
}

func (e *ListEngine) CheckSettlement(ctx context.Context, s *model.Settlement) (*Verdict, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if reason, ok := e.blockedUsers[s.UserID]; ok {
		return &Verdict{Approved: false, Reason: reason}, nil
	}
	for _, leg := range s.Legs {
		if reason, ok := e.blockedCurrencies[leg.Currency]; ok {
			return &Verdict{Approved: false, Reason: reason}, nil
		}
	}
	return &Verdict{Approved: true}, nil
}
