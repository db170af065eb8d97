// Package settlement creates and processes the obligations produced by
// executed trades: leg derivation, per-pair settlement cycles, counterparty
// netting, payment driving, and the failed-settlement registry.
package settlement

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/novafx/fxcore/internal/accounts/bookkeeper"
	"github.com/novafx/fxcore/internal/compliance"
	"github.com/novafx/fxcore/internal/trading/events"
	"github.com/novafx/fxcore/internal/trading/model"
)

// PaymentInstruction is one transfer handed to the payment system.
type PaymentInstruction struct {
	CounterpartyID string
	Currency       string
	Amount         decimal.Decimal
	Direction      string // PAY or RECEIVE
	Reference      string
}

// PaymentSystem moves money between counterparties. How funds physically
// move is outside the core.
type PaymentSystem interface {
	SendPayment(ctx context.Context, instruction PaymentInstruction) (string, error)
	CheckIncomingPayment(ctx context.Context, reference string) (bool, error)
}

// Config tunes the settlement engine.
type Config struct {
	// MaxSettlementAmount caps the quote-currency net amount of a single
	// settlement.
	MaxSettlementAmount decimal.Decimal
	// NettingEnabled collapses same-day same-counterparty obligations into
	// net payments.
	NettingEnabled bool
	// MaxRetries bounds automatic retries of failed settlements.
	MaxRetries int
	// CycleOverrides maps a pair symbol to a forced cycle (T+0/T+1/T+2).
	CycleOverrides map[string]string
}

// DefaultConfig returns production defaults: netting on, three retries,
// 50M max settlement.
func DefaultConfig() Config {
	return Config{
		MaxSettlementAmount: decimal.NewFromInt(50_000_000),
		NettingEnabled:      true,
		MaxRetries:          3,
	}
}

// Health reports whether the engine has all collaborators it needs.
type Health struct {
	Status  string   `json:"status"` // healthy or degraded
	Missing []string `json:"missing,omitempty"`
}

// Engine is the settlement engine.
type Engine struct {
	logger     *zap.Logger
	cfg        Config
	repo       model.Repository
	funds      bookkeeper.Service
	payments   PaymentSystem
	compliance compliance.Engine
	bus        events.Bus

	// nettingMu serializes netting batches so one (counterparty, date)
	// group is always computed and paid as a unit.
	nettingMu sync.Mutex

	mu     sync.Mutex
	failed map[uuid.UUID]*model.Settlement
}

// NewEngine wires the settlement engine with its collaborators.
func NewEngine(
	logger *zap.Logger,
	cfg Config,
	repo model.Repository,
	funds bookkeeper.Service,
	payments PaymentSystem,
	complianceEngine compliance.Engine,
	bus events.Bus,
) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Engine{
		logger:     logger,
		cfg:        cfg,
		repo:       repo,
		funds:      funds,
		payments:   payments,
		compliance: complianceEngine,
		bus:        bus,
		failed:     make(map[uuid.UUID]*model.Settlement),
	}
}

// CycleForPair returns the settlement cycle for a currency pair. Pairs
// involving CAD settle T+1; everything else T+2 unless overridden.
func (e *Engine) CycleForPair(pair string) string {
	if cycle, ok := e.cfg.CycleOverrides[pair]; ok {
		return cycle
	}
	if strings.Contains(pair, "CAD") {
		return model.CycleT1
	}
	return model.CycleT2
}

func cycleDays(cycle string) int {
	switch cycle {
	case model.CycleT0:
		return 0
	case model.CycleT1:
		return 1
	default:
		return 2
	}
}

// addBusinessDays moves the date forward n business days, skipping
// weekends. FX value dates never land on a Saturday or Sunday.
func addBusinessDays(t time.Time, n int) time.Time {
	date := t
	for i := 0; i < n; {
		date = date.AddDate(0, 0, 1)
		if wd := date.Weekday(); wd != time.Saturday && wd != time.Sunday {
			i++
		}
	}
	for wd := date.Weekday(); wd == time.Saturday || wd == time.Sunday; wd = date.Weekday() {
		date = date.AddDate(0, 0, 1)
	}
	return date
}

// CreateSettlement derives the cycle and legs for one executed trade and
// persists the settlement in pending status.
//
// Buy of quantity base at price: receive base quantity, pay quote
// quantity*price + commission. Sell is reversed, with commission deducted
// from the quote proceeds.
func (e *Engine) CreateSettlement(ctx context.Context, trade model.TradeData) (*model.Settlement, error) {
	if !trade.Quantity.IsPositive() {
		return nil, model.NewValidationError("quantity", "quantity must be positive")
	}
	if !trade.Price.IsPositive() {
		return nil, model.NewValidationError("price", "price must be positive")
	}
	if trade.Commission.IsNegative() {
		return nil, model.NewValidationError("commission", "commission cannot be negative")
	}
	netAmount := trade.Quantity.Mul(trade.Price)
	if !netAmount.IsPositive() {
		return nil, model.NewValidationError("amount", "net amount must be positive")
	}
	if e.cfg.MaxSettlementAmount.IsPositive() && netAmount.GreaterThan(e.cfg.MaxSettlementAmount) {
		return nil, model.NewValidationError("amount",
			fmt.Sprintf("net amount %s exceeds maximum %s", netAmount, e.cfg.MaxSettlementAmount))
	}

	base := model.BaseCurrency(trade.Pair)
	quote := model.QuoteCurrency(trade.Pair)
	var legs []model.SettlementLeg
	if trade.Side == model.OrderSideBuy {
		legs = []model.SettlementLeg{
			{Type: model.LegTypeReceive, Currency: base, Amount: trade.Quantity, Status: model.SettlementStatusPending},
			{Type: model.LegTypePay, Currency: quote, Amount: netAmount.Add(trade.Commission), Status: model.SettlementStatusPending},
		}
	} else {
		legs = []model.SettlementLeg{
			{Type: model.LegTypeReceive, Currency: quote, Amount: netAmount.Sub(trade.Commission), Status: model.SettlementStatusPending},
			{Type: model.LegTypePay, Currency: base, Amount: trade.Quantity, Status: model.SettlementStatusPending},
		}
	}

	cycle := e.CycleForPair(trade.Pair)
	now := time.Now()
	s := &model.Settlement{
		ID:             uuid.New(),
		TradeID:        trade.TradeID,
		OrderID:        trade.OrderID,
		UserID:         trade.UserID,
		CounterpartyID: trade.CounterpartyID,
		Pair:           trade.Pair,
		Side:           trade.Side,
		Quantity:       trade.Quantity,
		Price:          trade.Price,
		Commission:     trade.Commission,
		Cycle:          cycle,
		SettlementDate: addBusinessDays(trade.ExecutedAt, cycleDays(cycle)),
		Status:         model.SettlementStatusPending,
		Legs:           legs,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.repo.CreateSettlement(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to store settlement: %w", err)
	}

	e.publish(ctx, events.TypeSettlementCreated, s, "")
	e.logger.Info("settlement created",
		zap.String("settlement_id", s.ID.String()),
		zap.String("trade_id", s.TradeID.String()),
		zap.String("cycle", s.Cycle),
		zap.Time("settlement_date", s.SettlementDate))
	return s, nil
}

// HealthCheck reports degraded with the missing collaborator names when
// the engine is not fully wired.
func (e *Engine) HealthCheck() Health {
	var missing []string
	if e.funds == nil {
		missing = append(missing, "account_manager")
	}
	if e.payments == nil {
		missing = append(missing, "payment_system")
	}
	if e.compliance == nil {
		missing = append(missing, "compliance_engine")
	}
	if len(missing) > 0 {
		return Health{Status: "degraded", Missing: missing}
	}
	return Health{Status: "healthy"}
}

func (e *Engine) publish(ctx context.Context, eventType string, s *model.Settlement, reason string) {
	e.bus.Publish(ctx, events.Event{
		Topic: events.TopicSettlement,
		Type:  eventType,
		Payload: events.SettlementEvent{
			SettlementID:   s.ID.String(),
			TradeID:        s.TradeID.String(),
			CounterpartyID: s.CounterpartyID,
			Status:         s.Status,
			Reason:         reason,
			Timestamp:      time.Now(),
		},
	})
}
