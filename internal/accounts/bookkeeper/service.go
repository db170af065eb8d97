// Package bookkeeper owns user fund accounts: balances, reservations, and
// the transactional debit/credit movements driven by settlement.
package bookkeeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrInvalidAmount       = errors.New("invalid amount")
)

// Account holds one user's balance in one currency. Available + Locked is
// the user's total; Locked covers open reservations only.
type Account struct {
	UserID    uuid.UUID       `json:"user_id" gorm:"type:uuid;primaryKey"`
	Currency  string          `json:"currency" gorm:"primaryKey"`
	Available decimal.Decimal `json:"available" gorm:"type:decimal(32,12)"`
	Locked    decimal.Decimal `json:"locked" gorm:"type:decimal(32,12)"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Reservation is a named hold on locked funds. Order reservations use the
// order ID as ref; the filled portion moves to a trade ref until settled.
type Reservation struct {
	Ref       string
	UserID    uuid.UUID
	Currency  string
	Amount    decimal.Decimal
	CreatedAt time.Time
}

// Operation is one step of an atomic ledger movement. Compensate must undo
// a successful Apply; it runs only during rollback.
type Operation struct {
	Name       string
	Apply      func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// Service is the fund-management capability consumed by the order manager
// and the settlement engine.
type Service interface {
	CreateAccount(ctx context.Context, userID uuid.UUID, currency string) (*Account, error)
	GetAccount(ctx context.Context, userID uuid.UUID, currency string) (*Account, error)
	Deposit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) error

	Reserve(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, ref string) error
	Release(ctx context.Context, ref string, amount decimal.Decimal) error
	ReleaseAll(ctx context.Context, ref string) (decimal.Decimal, error)
	TransferReservation(ctx context.Context, fromRef, toRef string, amount decimal.Decimal) error
	ReservedAmount(ref string) decimal.Decimal

	DebitReserved(ctx context.Context, ref string, amount decimal.Decimal) error
	Debit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) error
	Credit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) error

	ExecuteAtomically(ctx context.Context, ops []Operation) error
}

// InMemoryService is the authoritative in-process ledger. A single mutex
// guards all accounts; every operation is a short critical section with no
// I/O inside.
type InMemoryService struct {
	logger *zap.Logger

	mu           sync.Mutex
	accounts     map[string]*Account
	reservations map[string]*Reservation
}

// NewInMemoryService creates an empty ledger.
func NewInMemoryService(logger *zap.Logger) *InMemoryService {
	return &InMemoryService{
		logger:       logger,
		accounts:     make(map[string]*Account),
		reservations: make(map[string]*Reservation),
	}
}

func accountKey(userID uuid.UUID, currency string) string {
	return userID.String() + "|" + currency
}

func (s *InMemoryService) CreateAccount(ctx context.Context, userID uuid.UUID, currency string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := accountKey(userID, currency)
	if _, ok := s.accounts[key]; ok {
		return nil, ErrAccountExists
	}
	acct := &Account{
		UserID:    userID,
		Currency:  currency,
		Available: decimal.Zero,
		Locked:    decimal.Zero,
		UpdatedAt: time.Now(),
	}
	s.accounts[key] = acct
	cp := *acct
	return &cp, nil
}

func (s *InMemoryService) GetAccount(ctx context.Context, userID uuid.UUID, currency string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountKey(userID, currency)]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (s *InMemoryService) Deposit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acct := s.getOrCreateLocked(userID, currency)
	acct.Available = acct.Available.Add(amount)
	acct.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryService) getOrCreateLocked(userID uuid.UUID, currency string) *Account {
	key := accountKey(userID, currency)
	acct, ok := s.accounts[key]
	if !ok {
		acct = &Account{UserID: userID, Currency: currency}
		s.accounts[key] = acct
	}
	return acct
}

// Reserve moves amount from available to locked under ref. Fails with
// ErrInsufficientFunds if the available balance does not cover it, so total
// reserved funds can never exceed what the user actually has.
func (s *InMemoryService) Reserve(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, ref string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountKey(userID, currency)]
	if !ok {
		return ErrAccountNotFound
	}
	if acct.Available.LessThan(amount) {
		return fmt.Errorf("%w: need %s %s, available %s",
			ErrInsufficientFunds, amount, currency, acct.Available)
	}
	acct.Available = acct.Available.Sub(amount)
	acct.Locked = acct.Locked.Add(amount)
	acct.UpdatedAt = time.Now()

	if res, ok := s.reservations[ref]; ok {
		res.Amount = res.Amount.Add(amount)
	} else {
		s.reservations[ref] = &Reservation{
			Ref:       ref,
			UserID:    userID,
			Currency:  currency,
			Amount:    amount,
			CreatedAt: time.Now(),
		}
	}
	s.logger.Debug("funds reserved",
		zap.String("ref", ref),
		zap.String("currency", currency),
		zap.String("amount", amount.String()))
	return nil
}

// Release returns amount of a reservation from locked to available.
func (s *InMemoryService) Release(ctx context.Context, ref string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	if amount.IsZero() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseLocked(ref, amount)
}

func (s *InMemoryService) releaseLocked(ref string, amount decimal.Decimal) error {
	res, ok := s.reservations[ref]
	if !ok {
		return ErrReservationNotFound
	}
	if res.Amount.LessThan(amount) {
		return fmt.Errorf("%w: release %s exceeds reservation %s", ErrInvalidAmount, amount, res.Amount)
	}
	acct := s.accounts[accountKey(res.UserID, res.Currency)]
	acct.Locked = acct.Locked.Sub(amount)
	acct.Available = acct.Available.Add(amount)
	acct.UpdatedAt = time.Now()

	res.Amount = res.Amount.Sub(amount)
	if res.Amount.IsZero() {
		delete(s.reservations, ref)
	}
	return nil
}

// ReleaseAll releases whatever remains under ref and returns the amount.
// Releasing an unknown ref is a no-op, so release paths are idempotent and
// a reservation can never be double-released.
func (s *InMemoryService) ReleaseAll(ctx context.Context, ref string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[ref]
	if !ok {
		return decimal.Zero, nil
	}
	amount := res.Amount
	if err := s.releaseLocked(ref, amount); err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

// TransferReservation moves part of one hold to another ref without
// touching balances. Used to earmark the filled portion of an order
// reservation for its settlement.
func (s *InMemoryService) TransferReservation(ctx context.Context, fromRef, toRef string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	from, ok := s.reservations[fromRef]
	if !ok {
		return ErrReservationNotFound
	}
	if from.Amount.LessThan(amount) {
		return fmt.Errorf("%w: transfer %s exceeds reservation %s", ErrInvalidAmount, amount, from.Amount)
	}
	from.Amount = from.Amount.Sub(amount)
	if from.Amount.IsZero() {
		delete(s.reservations, fromRef)
	}
	if to, ok := s.reservations[toRef]; ok {
		to.Amount = to.Amount.Add(amount)
	} else {
		s.reservations[toRef] = &Reservation{
			Ref:       toRef,
			UserID:    from.UserID,
			Currency:  from.Currency,
			Amount:    amount,
			CreatedAt: time.Now(),
		}
	}
	return nil
}

// ReservedAmount returns the outstanding hold under ref.
func (s *InMemoryService) ReservedAmount(ref string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res, ok := s.reservations[ref]; ok {
		return res.Amount
	}
	return decimal.Zero
}

// DebitReserved consumes amount of a hold: the funds leave the ledger.
func (s *InMemoryService) DebitReserved(ctx context.Context, ref string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[ref]
	if !ok {
		return ErrReservationNotFound
	}
	if res.Amount.LessThan(amount) {
		return fmt.Errorf("%w: debit %s exceeds reservation %s", ErrInvalidAmount, amount, res.Amount)
	}
	acct := s.accounts[accountKey(res.UserID, res.Currency)]
	acct.Locked = acct.Locked.Sub(amount)
	acct.UpdatedAt = time.Now()

	res.Amount = res.Amount.Sub(amount)
	if res.Amount.IsZero() {
		delete(s.reservations, ref)
	}
	return nil
}

// Debit removes amount from available balance (commission charges).
func (s *InMemoryService) Debit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[accountKey(userID, currency)]
	if !ok {
		return ErrAccountNotFound
	}
	if acct.Available.LessThan(amount) {
		return fmt.Errorf("%w: need %s %s, available %s",
			ErrInsufficientFunds, amount, currency, acct.Available)
	}
	acct.Available = acct.Available.Sub(amount)
	acct.UpdatedAt = time.Now()
	return nil
}

// Credit adds amount to available balance, creating the account if needed.
func (s *InMemoryService) Credit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acct := s.getOrCreateLocked(userID, currency)
	acct.Available = acct.Available.Add(amount)
	acct.UpdatedAt = time.Now()
	return nil
}

// ExecuteAtomically applies the operations in order. If one fails, every
// already-applied operation is compensated in reverse order and the
// original error is returned, so a late failure never leaves the ledger
// half-moved.
func (s *InMemoryService) ExecuteAtomically(ctx context.Context, ops []Operation) error {
	applied := make([]Operation, 0, len(ops))
	for _, op := range ops {
		if err := op.Apply(ctx); err != nil {
			for i := len(applied) - 1; i >= 0; i-- {
				if cerr := applied[i].Compensate(ctx); cerr != nil {
					// The ledger is inconsistent at this point; log loudly.
					s.logger.Error("compensation failed",
						zap.String("operation", applied[i].Name),
						zap.Error(cerr))
				}
			}
			return fmt.Errorf("ledger operation %s failed: %w", op.Name, err)
		}
		applied = append(applied, op)
	}
	return nil
}
