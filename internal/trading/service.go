// Package trading wires the order manager, execution engine, and
// settlement engine into one trading core service.
package trading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/novafx/fxcore/internal/rates"
	"github.com/novafx/fxcore/internal/trading/execution"
	"github.com/novafx/fxcore/internal/trading/model"
	"github.com/novafx/fxcore/internal/trading/orderbook"
	"github.com/novafx/fxcore/internal/trading/orders"
	"github.com/novafx/fxcore/internal/trading/settlement"
)

// Config tunes the service-level orchestration.
type Config struct {
	// CommissionRate is the flat commission charged on the quote notional
	// of every fill.
	CommissionRate decimal.Decimal
	// CounterpartyID identifies the settlement counterparty for trades
	// executed against liquidity providers.
	CounterpartyID string
	// ExpirySweepInterval is the cadence of the order expiry sweep.
	ExpirySweepInterval time.Duration
	// RetryInterval is the cadence of the failed-settlement retry loop.
	RetryInterval time.Duration
}

// DefaultConfig returns 10bps commission and one-minute sweeps.
func DefaultConfig() Config {
	return Config{
		CommissionRate:      decimal.NewFromFloat(0.001),
		CounterpartyID:      "LP-POOL",
		ExpirySweepInterval: time.Minute,
		RetryInterval:       time.Minute,
	}
}

// Service is the trading core facade. Orders enter here; fills and
// settlements flow out through the engines it owns.
type Service struct {
	logger     *zap.Logger
	cfg        Config
	orders     *orders.Manager
	execution  *execution.Engine
	settlement *settlement.Engine
	repo       model.Repository
	rates      rates.Provider

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewService(
	logger *zap.Logger,
	cfg Config,
	orderManager *orders.Manager,
	executionEngine *execution.Engine,
	settlementEngine *settlement.Engine,
	repo model.Repository,
	rateProvider rates.Provider,
) *Service {
	if cfg.CommissionRate.IsNegative() {
		cfg.CommissionRate = decimal.Zero
	}
	if cfg.CounterpartyID == "" {
		cfg.CounterpartyID = "LP-POOL"
	}
	return &Service{
		logger:     logger,
		cfg:        cfg,
		orders:     orderManager,
		execution:  executionEngine,
		settlement: settlementEngine,
		repo:       repo,
		rates:      rateProvider,
		stop:       make(chan struct{}),
	}
}

// PlaceOrder accepts an order and, for market and IOC/FOK orders, drives
// it through the execution engine immediately. GTC limit orders rest in
// the book and execute when the market reaches them.
//
// IOC applies whatever filled and cancels the remainder. FOK rejects the
// whole order unless it can fill completely; no partial fill survives.
func (s *Service) PlaceOrder(ctx context.Context, userID uuid.UUID, req orders.CreateOrderRequest) (*model.Order, error) {
	order, err := s.orders.CreateOrder(ctx, userID, req)
	if err != nil {
		return nil, err
	}
	if order.IsRestingLimit() {
		return order, nil
	}

	fills, execErr := s.execution.ExecuteOrder(ctx, order)
	if serr := s.settleFills(ctx, order, fills); serr != nil {
		s.logger.Error("failed to create settlements for fills",
			zap.String("order_id", order.ID.String()), zap.Error(serr))
	}

	switch {
	case order.TimeInForce == model.TimeInForceFOK && execErr != nil:
		if err := s.orders.FinalizeImmediate(ctx, order.ID, model.OrderStatusRejected); err != nil {
			s.logger.Error("failed to finalize rejected order",
				zap.String("order_id", order.ID.String()), zap.Error(err))
		}
		if errors.Is(execErr, execution.ErrNotFullyFillable) {
			return order, execution.ErrNotFullyFillable
		}
		return order, execErr
	case order.RemainingQuantity.IsPositive():
		// IOC remainder and unfillable market remainder are cancelled; the
		// applied fills stay.
		if err := s.orders.FinalizeImmediate(ctx, order.ID, model.OrderStatusCancelled); err != nil {
			s.logger.Error("failed to finalize order remainder",
				zap.String("order_id", order.ID.String()), zap.Error(err))
		}
	}
	if execErr != nil && len(fills) == 0 {
		return order, execErr
	}
	return order, nil
}

// CancelOrder cancels an open order on behalf of its owner and returns the
// unfilled quantity that was cancelled.
func (s *Service) CancelOrder(ctx context.Context, orderID, requesterID uuid.UUID) (decimal.Decimal, error) {
	return s.orders.CancelOrder(ctx, orderID, requesterID)
}

// ModifyOrder changes a resting limit order's price and/or quantity.
func (s *Service) ModifyOrder(ctx context.Context, orderID, requesterID uuid.UUID, req orders.ModifyOrderRequest) (*model.Order, error) {
	return s.orders.ModifyOrder(ctx, orderID, requesterID, req)
}

// GetOrder returns the live order state.
func (s *Service) GetOrder(orderID uuid.UUID) (*model.Order, error) {
	return s.orders.GetOrder(orderID)
}

// GetOrderBook returns a consistent depth snapshot for a pair.
func (s *Service) GetOrderBook(pair string, depth int) (*orderbook.Snapshot, error) {
	return s.orders.GetOrderBook(pair, depth)
}

// OnRateUpdate sweeps the pair's book for resting limit orders the new
// market reaches and drives them through the execution engine. Buys become
// marketable when the ask falls to their limit, sells when the bid rises
// to it.
func (s *Service) OnRateUpdate(ctx context.Context, pair string) error {
	rate, err := s.rates.GetRate(ctx, pair)
	if err != nil {
		return err
	}
	book, err := s.orders.Book(pair)
	if err != nil {
		return err
	}

	marketable := append(
		book.MarketableOrders(model.OrderSideBuy, rate.Ask),
		book.MarketableOrders(model.OrderSideSell, rate.Bid)...)
	for _, order := range marketable {
		fills, execErr := s.execution.ExecuteOrder(ctx, order)
		if serr := s.settleFills(ctx, order, fills); serr != nil {
			s.logger.Error("failed to create settlements for fills",
				zap.String("order_id", order.ID.String()), zap.Error(serr))
		}
		if execErr != nil {
			s.logger.Warn("resting order execution incomplete",
				zap.String("order_id", order.ID.String()), zap.Error(execErr))
		}
	}
	return nil
}

// settleFills creates one pending settlement per execution. Commission is
// charged flat on the quote notional of each fill.
func (s *Service) settleFills(ctx context.Context, order *model.Order, fills []*model.Execution) error {
	var firstErr error
	for _, exec := range fills {
		commission := exec.Quantity.Mul(exec.Price).Mul(s.cfg.CommissionRate)
		_, err := s.settlement.CreateSettlement(ctx, model.TradeData{
			TradeID:        exec.ID,
			OrderID:        order.ID,
			UserID:         order.UserID,
			CounterpartyID: s.cfg.CounterpartyID,
			Pair:           exec.Pair,
			Side:           exec.Side,
			Quantity:       exec.Quantity,
			Price:          exec.Price,
			Commission:     commission,
			ExecutedAt:     exec.ExecutedAt,
		})
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("settlement for execution %s: %w", exec.ID, err)
		}
	}
	return firstErr
}

// ProcessDueSettlements processes every pending settlement whose value
// date has arrived. Returns how many settled.
func (s *Service) ProcessDueSettlements(ctx context.Context, now time.Time) (int, error) {
	pending, err := s.repo.GetSettlementsByStatus(ctx, model.SettlementStatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending settlements: %w", err)
	}

	settled := 0
	for _, stl := range pending {
		if stl.SettlementDate.After(now) {
			continue
		}
		// Re-read: netting may have settled this one as part of an earlier
		// member's group within this same pass.
		current, err := s.repo.GetSettlementByID(ctx, stl.ID)
		if err != nil || current.Status != model.SettlementStatusPending {
			continue
		}
		if err := s.settlement.ProcessSettlement(ctx, current); err != nil {
			s.logger.Warn("settlement processing failed",
				zap.String("settlement_id", stl.ID.String()), zap.Error(err))
			continue
		}
		settled++
	}
	return settled, nil
}

// SettlementHealth reports the settlement engine's collaborator wiring.
func (s *Service) SettlementHealth() settlement.Health {
	return s.settlement.HealthCheck()
}

// Start launches the background expiry and retry loops.
func (s *Service) Start(ctx context.Context) {
	if s.cfg.ExpirySweepInterval > 0 {
		s.wg.Add(1)
		go s.loop(ctx, s.cfg.ExpirySweepInterval, func(ctx context.Context) {
			if n := s.orders.ExpireOrders(ctx, time.Now()); n > 0 {
				s.logger.Info("expired orders", zap.Int("count", n))
			}
		})
	}
	if s.cfg.RetryInterval > 0 {
		s.wg.Add(1)
		go s.loop(ctx, s.cfg.RetryInterval, func(ctx context.Context) {
			if n := s.settlement.RetryFailed(ctx); n > 0 {
				s.logger.Info("retried settlements settled", zap.Int("count", n))
			}
		})
	}
}

// Stop terminates the background loops and waits for them.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Service) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
