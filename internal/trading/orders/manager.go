// Package orders implements the order manager: lifecycle, validation,
// fund reservation, and ownership of the per-pair order books.
package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/novafx/fxcore/internal/accounts/bookkeeper"
	"github.com/novafx/fxcore/internal/compliance"
	"github.com/novafx/fxcore/internal/rates"
	"github.com/novafx/fxcore/internal/trading/events"
	"github.com/novafx/fxcore/internal/trading/model"
	"github.com/novafx/fxcore/internal/trading/orderbook"
	"github.com/novafx/fxcore/internal/trading/risk"
	"github.com/novafx/fxcore/pkg/metrics"
)

// CreateOrderRequest carries the parameters for a new order.
type CreateOrderRequest struct {
	Pair        string          `validate:"required"`
	Side        string          `validate:"required,oneof=BUY SELL"`
	Type        string          `validate:"required,oneof=LIMIT MARKET"`
	TimeInForce string          `validate:"omitempty,oneof=GTC IOC FOK"`
	Quantity    decimal.Decimal `validate:"-"`
	Price       decimal.Decimal `validate:"-"`
	ExpireAt    *time.Time      `validate:"-"`
}

// ModifyOrderRequest carries the mutable fields of a resting limit order.
// Nil means unchanged.
type ModifyOrderRequest struct {
	Quantity *decimal.Decimal
	Price    *decimal.Decimal
}

// Manager owns order state end to end. All order mutations go through it;
// the execution and settlement engines only report back.
type Manager struct {
	logger   *zap.Logger
	validate *validator.Validate

	repo       model.Repository
	funds      bookkeeper.Service
	risk       risk.Engine
	compliance compliance.Engine
	rates      rates.Provider
	bus        events.Bus

	pairsMu sync.RWMutex
	pairs   map[string]*model.TradingPair

	booksMu sync.RWMutex
	books   map[string]*orderbook.OrderBook

	ordersMu sync.RWMutex
	orders   map[uuid.UUID]*model.Order
}

// NewManager wires the order manager with its collaborators.
func NewManager(
	logger *zap.Logger,
	repo model.Repository,
	funds bookkeeper.Service,
	riskEngine risk.Engine,
	complianceEngine compliance.Engine,
	rateProvider rates.Provider,
	bus events.Bus,
) *Manager {
	return &Manager{
		logger:     logger,
		validate:   validator.New(),
		repo:       repo,
		funds:      funds,
		risk:       riskEngine,
		compliance: complianceEngine,
		rates:      rateProvider,
		bus:        bus,
		pairs:      make(map[string]*model.TradingPair),
		books:      make(map[string]*orderbook.OrderBook),
		orders:     make(map[uuid.UUID]*model.Order),
	}
}

// RegisterPair makes a currency pair tradable and creates its book.
func (m *Manager) RegisterPair(pair *model.TradingPair) {
	m.pairsMu.Lock()
	m.pairs[pair.Symbol] = pair
	m.pairsMu.Unlock()

	m.booksMu.Lock()
	if _, ok := m.books[pair.Symbol]; !ok {
		m.books[pair.Symbol] = orderbook.NewOrderBook(pair.Symbol, m.logger)
	}
	m.booksMu.Unlock()
}

// RestoreOpenOrders reloads a pair's open orders from the repository into
// the live registry and book. Runs at startup, before trading resumes, so
// resting orders survive a restart.
func (m *Manager) RestoreOpenOrders(ctx context.Context, pair string) (int, error) {
	open, err := m.repo.GetOpenOrdersByPair(ctx, pair)
	if err != nil {
		return 0, fmt.Errorf("failed to load open orders: %w", err)
	}

	restored := 0
	for _, order := range open {
		m.ordersMu.Lock()
		if _, ok := m.orders[order.ID]; ok {
			m.ordersMu.Unlock()
			continue
		}
		m.orders[order.ID] = order
		m.ordersMu.Unlock()

		if order.IsRestingLimit() {
			if book, berr := m.Book(order.Pair); berr == nil {
				if err := book.AddOrder(order); err != nil {
					m.logger.Error("failed to restore resting order",
						zap.String("order_id", order.ID.String()), zap.Error(err))
					continue
				}
			}
		}
		restored++
	}
	return restored, nil
}

// Book returns the order book for a pair.
func (m *Manager) Book(pair string) (*orderbook.OrderBook, error) {
	m.booksMu.RLock()
	defer m.booksMu.RUnlock()
	book, ok := m.books[pair]
	if !ok {
		return nil, model.ErrPairNotFound
	}
	return book, nil
}

// CreateOrder validates the request, reserves funds, runs the risk and
// compliance gates, and either rests the order in its book or returns it
// ready for immediate execution. On any rejection the reservation is
// released before the error propagates.
func (m *Manager) CreateOrder(ctx context.Context, userID uuid.UUID, req CreateOrderRequest) (*model.Order, error) {
	start := time.Now()
	defer func() { metrics.OrderLatency.Observe(time.Since(start).Seconds()) }()

	order, err := m.buildOrder(ctx, userID, req)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues("validation").Inc()
		return nil, err
	}

	// Reserve before the policy gates so a positive verdict can never race
	// the funds away. Buy orders hold the quote currency cost, sell orders
	// hold the base quantity.
	currency, amount, err := m.reservationFor(ctx, order)
	if err != nil {
		metrics.OrdersRejected.WithLabelValues("rate").Inc()
		return nil, err
	}
	ref := order.ID.String()
	if err := m.funds.Reserve(ctx, userID, currency, amount, ref); err != nil {
		metrics.OrdersRejected.WithLabelValues("funds").Inc()
		return nil, err
	}

	if err := m.runPolicyGates(ctx, order); err != nil {
		if _, rerr := m.funds.ReleaseAll(ctx, ref); rerr != nil {
			m.logger.Error("failed to release reservation after rejection",
				zap.String("order_id", order.ID.String()), zap.Error(rerr))
		}
		return nil, err
	}

	if err := m.repo.CreateOrder(ctx, order); err != nil {
		if _, rerr := m.funds.ReleaseAll(ctx, ref); rerr != nil {
			m.logger.Error("failed to release reservation after store failure",
				zap.String("order_id", order.ID.String()), zap.Error(rerr))
		}
		return nil, fmt.Errorf("failed to store order: %w", err)
	}

	m.ordersMu.Lock()
	m.orders[order.ID] = order
	m.ordersMu.Unlock()

	if order.IsRestingLimit() {
		book, err := m.Book(order.Pair)
		if err == nil {
			if err := book.AddOrder(order); err != nil {
				m.logger.Error("failed to rest order", zap.Error(err))
			}
		}
	}

	metrics.OrdersProcessed.WithLabelValues(order.Side).Inc()
	m.publishOrderEvent(ctx, events.TypeOrderCreated, order, decimal.Zero, decimal.Zero, "")
	m.logger.Info("order created",
		zap.String("order_id", order.ID.String()),
		zap.String("pair", order.Pair),
		zap.String("side", order.Side),
		zap.String("type", order.Type),
		zap.String("quantity", order.Quantity.String()))
	return order, nil
}

func (m *Manager) buildOrder(ctx context.Context, userID uuid.UUID, req CreateOrderRequest) (*model.Order, error) {
	if err := m.validate.Struct(req); err != nil {
		return nil, model.NewValidationError("", err.Error())
	}
	if req.TimeInForce == "" {
		req.TimeInForce = model.TimeInForceGTC
	}

	pair, err := m.pairFor(req.Pair)
	if err != nil {
		return nil, model.NewValidationError("pair", "unknown currency pair "+req.Pair)
	}
	if !req.Quantity.IsPositive() {
		return nil, model.NewValidationError("quantity", "quantity must be positive")
	}
	if req.Quantity.LessThan(pair.MinQuantity) {
		return nil, model.NewValidationError("quantity",
			fmt.Sprintf("quantity %s below minimum %s", req.Quantity, pair.MinQuantity))
	}
	if pair.MaxQuantity.IsPositive() && req.Quantity.GreaterThan(pair.MaxQuantity) {
		return nil, model.NewValidationError("quantity",
			fmt.Sprintf("quantity %s above maximum %s", req.Quantity, pair.MaxQuantity))
	}
	if req.Type == model.OrderTypeLimit && !req.Price.IsPositive() {
		return nil, model.NewValidationError("price", "limit orders require a positive price")
	}
	if req.Type == model.OrderTypeMarket && !req.Price.IsZero() {
		return nil, model.NewValidationError("price", "market orders must not carry a price")
	}

	// Market and IOC/FOK orders demand immediate liquidity, so a current
	// rate must exist at acceptance time.
	if req.Type == model.OrderTypeMarket ||
		req.TimeInForce == model.TimeInForceIOC || req.TimeInForce == model.TimeInForceFOK {
		if _, err := m.rates.GetRate(ctx, req.Pair); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	return &model.Order{
		ID:                uuid.New(),
		UserID:            userID,
		Pair:              req.Pair,
		Side:              req.Side,
		Type:              req.Type,
		Price:             req.Price,
		Quantity:          req.Quantity,
		FilledQuantity:    decimal.Zero,
		RemainingQuantity: req.Quantity,
		AvgFillPrice:      decimal.Zero,
		TimeInForce:       req.TimeInForce,
		Status:            model.OrderStatusSubmitted,
		ExpireAt:          req.ExpireAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// reservationFor returns the currency and amount to hold for an order.
func (m *Manager) reservationFor(ctx context.Context, order *model.Order) (string, decimal.Decimal, error) {
	if order.Side == model.OrderSideSell {
		return order.BaseCurrency(), order.Quantity, nil
	}
	price := order.Price
	if order.Type == model.OrderTypeMarket {
		rate, err := m.rates.GetRate(ctx, order.Pair)
		if err != nil {
			return "", decimal.Zero, err
		}
		price = rate.Ask
	}
	return order.QuoteCurrency(), order.Quantity.Mul(price), nil
}

func (m *Manager) runPolicyGates(ctx context.Context, order *model.Order) error {
	verdict, err := m.risk.AssessOrderRisk(ctx, order)
	if err != nil {
		return fmt.Errorf("risk assessment failed: %w", err)
	}
	if !verdict.Approved {
		metrics.OrdersRejected.WithLabelValues("risk").Inc()
		return &model.RiskRejection{Reason: verdict.Reason}
	}

	cVerdict, err := m.compliance.CheckOrderCompliance(ctx, order)
	if err != nil {
		return fmt.Errorf("compliance check failed: %w", err)
	}
	if !cVerdict.Approved {
		metrics.OrdersRejected.WithLabelValues("compliance").Inc()
		return &model.ComplianceRejection{Reason: cVerdict.Reason}
	}
	return nil
}

func (m *Manager) pairFor(symbol string) (*model.TradingPair, error) {
	m.pairsMu.RLock()
	defer m.pairsMu.RUnlock()
	pair, ok := m.pairs[symbol]
	if !ok {
		return nil, model.ErrPairNotFound
	}
	return pair, nil
}

// GetOrder returns the live order, if known.
func (m *Manager) GetOrder(orderID uuid.UUID) (*model.Order, error) {
	m.ordersMu.RLock()
	defer m.ordersMu.RUnlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, model.ErrOrderNotFound
	}
	return order, nil
}

// CancelOrder removes the order from its book, releases the unfilled
// reservation, and returns the cancelled quantity. Only the order's owner
// may cancel it.
func (m *Manager) CancelOrder(ctx context.Context, orderID, requesterID uuid.UUID) (decimal.Decimal, error) {
	return m.terminate(ctx, orderID, requesterID, model.OrderStatusCancelled)
}

// expireOrder is CancelOrder with expiry semantics and no ownership check.
func (m *Manager) expireOrder(ctx context.Context, order *model.Order) error {
	_, err := m.terminate(ctx, order.ID, order.UserID, model.OrderStatusExpired)
	return err
}

func (m *Manager) terminate(ctx context.Context, orderID, requesterID uuid.UUID, status string) (decimal.Decimal, error) {
	m.ordersMu.Lock()
	order, ok := m.orders[orderID]
	if !ok {
		m.ordersMu.Unlock()
		return decimal.Zero, model.ErrOrderNotFound
	}
	if order.UserID != requesterID {
		m.ordersMu.Unlock()
		return decimal.Zero, model.ErrUnauthorized
	}
	if order.IsTerminal() {
		m.ordersMu.Unlock()
		return decimal.Zero, model.ErrOrderTerminal
	}
	cancelled := order.RemainingQuantity
	order.Status = status
	order.UpdatedAt = time.Now()
	m.ordersMu.Unlock()

	if book, err := m.Book(order.Pair); err == nil && book.Contains(orderID) {
		if _, err := book.RemoveOrder(orderID); err != nil {
			m.logger.Error("failed to remove cancelled order from book",
				zap.String("order_id", orderID.String()), zap.Error(err))
		}
	}

	// The order ref holds exactly the unfilled portion (fills moved their
	// share to trade refs), so a full release here cannot leak.
	released, err := m.funds.ReleaseAll(ctx, orderID.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to release reservation: %w", err)
	}

	if err := m.repo.UpdateOrder(ctx, order); err != nil {
		m.logger.Error("failed to persist order cancellation",
			zap.String("order_id", orderID.String()), zap.Error(err))
	}

	m.publishOrderEvent(ctx, events.TypeOrderCancelled, order, decimal.Zero, decimal.Zero, "")
	m.logger.Info("order terminated",
		zap.String("order_id", orderID.String()),
		zap.String("status", status),
		zap.String("cancelled_quantity", cancelled.String()),
		zap.String("released", released.String()))
	return cancelled, nil
}

// ModifyOrder changes the price and/or quantity of a resting limit order.
// A price change resets time priority; a quantity-only reduction keeps it.
// The reservation is adjusted by the delta.
func (m *Manager) ModifyOrder(ctx context.Context, orderID, requesterID uuid.UUID, req ModifyOrderRequest) (*model.Order, error) {
	m.ordersMu.Lock()
	order, ok := m.orders[orderID]
	if !ok {
		m.ordersMu.Unlock()
		return nil, model.ErrOrderNotFound
	}
	if order.UserID != requesterID {
		m.ordersMu.Unlock()
		return nil, model.ErrUnauthorized
	}
	if order.Status != model.OrderStatusSubmitted && order.Status != model.OrderStatusPartiallyFilled {
		m.ordersMu.Unlock()
		return nil, model.ErrOrderNotModifiable
	}
	if !order.IsRestingLimit() {
		m.ordersMu.Unlock()
		return nil, model.ErrOrderNotModifiable
	}
	m.ordersMu.Unlock()

	newPrice := order.Price
	if req.Price != nil {
		newPrice = *req.Price
		if !newPrice.IsPositive() {
			return nil, model.NewValidationError("price", "limit price must be positive")
		}
	}
	newQuantity := order.Quantity
	if req.Quantity != nil {
		newQuantity = *req.Quantity
		pair, err := m.pairFor(order.Pair)
		if err != nil {
			return nil, err
		}
		if newQuantity.LessThanOrEqual(order.FilledQuantity) {
			return nil, model.NewValidationError("quantity", "new quantity must exceed filled quantity")
		}
		if newQuantity.LessThan(pair.MinQuantity) {
			return nil, model.NewValidationError("quantity", "quantity below pair minimum")
		}
		if pair.MaxQuantity.IsPositive() && newQuantity.GreaterThan(pair.MaxQuantity) {
			return nil, model.NewValidationError("quantity", "quantity above pair maximum")
		}
	}

	newRemaining := newQuantity.Sub(order.FilledQuantity)
	if err := m.adjustReservation(ctx, order, newRemaining, newPrice); err != nil {
		return nil, err
	}

	book, err := m.Book(order.Pair)
	if err != nil {
		return nil, err
	}

	priceChanged := !newPrice.Equal(order.Price)
	quantityGrew := newQuantity.GreaterThan(order.Quantity)

	m.ordersMu.Lock()
	order.Quantity = newQuantity
	order.RemainingQuantity = newRemaining
	order.UpdatedAt = time.Now()
	m.ordersMu.Unlock()

	switch {
	case priceChanged:
		if err := book.Reprice(orderID, newPrice); err != nil {
			return nil, err
		}
	case quantityGrew:
		// A size increase also surrenders time priority.
		if removed, err := book.RemoveOrder(orderID); err == nil {
			if err := book.AddOrder(removed); err != nil {
				return nil, err
			}
		}
	}

	if err := m.repo.UpdateOrder(ctx, order); err != nil {
		m.logger.Error("failed to persist order modification",
			zap.String("order_id", orderID.String()), zap.Error(err))
	}
	return order, nil
}

// adjustReservation re-reserves or releases the delta between the current
// hold and what the modified order requires.
func (m *Manager) adjustReservation(ctx context.Context, order *model.Order, newRemaining, newPrice decimal.Decimal) error {
	ref := order.ID.String()
	current := m.funds.ReservedAmount(ref)

	var required decimal.Decimal
	currency := order.BaseCurrency()
	if order.Side == model.OrderSideBuy {
		currency = order.QuoteCurrency()
		required = newRemaining.Mul(newPrice)
	} else {
		required = newRemaining
	}

	switch {
	case required.GreaterThan(current):
		return m.funds.Reserve(ctx, order.UserID, currency, required.Sub(current), ref)
	case required.LessThan(current):
		return m.funds.Release(ctx, ref, current.Sub(required))
	}
	return nil
}

// ApplyExecution records a fill reported by the execution engine: order
// arithmetic, reservation earmarking for settlement, book removal once
// filled, persistence, and the per-fill event.
func (m *Manager) ApplyExecution(ctx context.Context, exec *model.Execution) (*model.Order, error) {
	if !exec.Quantity.IsPositive() || !exec.Price.IsPositive() {
		return nil, model.NewValidationError("execution", "price and quantity must be positive")
	}

	m.ordersMu.Lock()
	order, ok := m.orders[exec.OrderID]
	m.ordersMu.Unlock()
	if !ok {
		return nil, model.ErrOrderNotFound
	}
	if order.IsTerminal() {
		return nil, model.ErrOrderTerminal
	}
	if exec.Quantity.GreaterThan(order.RemainingQuantity) {
		return nil, model.NewValidationError("quantity", "fill exceeds remaining quantity")
	}

	// Earmark the filled portion's hold for settlement before the order is
	// touched: a failure here must reject the fill with the order intact.
	// Buys reserved at the limit price keep any price improvement under the
	// order ref until the order terminates. Market buys were reserved at
	// the feed ask, so a provider spread above it needs a top-up first.
	orderRef := order.ID.String()
	tradeRef := model.TradeRef(exec.ID)
	hold := exec.Quantity
	if order.Side == model.OrderSideBuy {
		hold = exec.Quantity.Mul(exec.Price)
		if current := m.funds.ReservedAmount(orderRef); current.LessThan(hold) {
			if err := m.funds.Reserve(ctx, order.UserID, order.QuoteCurrency(),
				hold.Sub(current), orderRef); err != nil {
				return nil, fmt.Errorf("failed to cover settlement hold: %w", err)
			}
		}
	}
	if err := m.funds.TransferReservation(ctx, orderRef, tradeRef, hold); err != nil {
		return nil, fmt.Errorf("failed to earmark settlement hold: %w", err)
	}

	book, berr := m.Book(order.Pair)
	if berr == nil && book.Contains(order.ID) {
		// Resting order: fill under the book lock so snapshots stay
		// consistent; the book drops the order once filled.
		if _, err := book.ApplyFill(order.ID, exec.Price, exec.Quantity); err != nil {
			if terr := m.funds.TransferReservation(ctx, tradeRef, orderRef, hold); terr != nil {
				m.logger.Error("failed to return settlement hold after rejected fill",
					zap.String("order_id", order.ID.String()), zap.Error(terr))
			}
			return nil, err
		}
	} else {
		m.ordersMu.Lock()
		order.ApplyFill(exec.Price, exec.Quantity)
		m.ordersMu.Unlock()
	}

	if order.Status == model.OrderStatusFilled {
		// Release whatever the fills did not consume (price improvement).
		if _, err := m.funds.ReleaseAll(ctx, orderRef); err != nil {
			m.logger.Error("failed to release residual reservation",
				zap.String("order_id", order.ID.String()), zap.Error(err))
		}
	}

	if err := m.repo.CreateExecution(ctx, exec); err != nil {
		m.logger.Error("failed to persist execution",
			zap.String("execution_id", exec.ID.String()), zap.Error(err))
	}
	if err := m.repo.UpdateOrder(ctx, order); err != nil {
		m.logger.Error("failed to persist order fill",
			zap.String("order_id", order.ID.String()), zap.Error(err))
	}

	metrics.FillsTotal.WithLabelValues(exec.Provider).Inc()
	m.publishOrderEvent(ctx, events.TypeOrderExecuted, order, exec.Price, exec.Quantity, exec.Provider)
	return order, nil
}

// FinalizeImmediate closes out a market/IOC/FOK order after its single
// execution attempt: the unfilled remainder is released and the order gets
// its terminal status.
func (m *Manager) FinalizeImmediate(ctx context.Context, orderID uuid.UUID, status string) error {
	m.ordersMu.Lock()
	order, ok := m.orders[orderID]
	if !ok {
		m.ordersMu.Unlock()
		return model.ErrOrderNotFound
	}
	if !order.IsTerminal() {
		order.Status = status
		order.UpdatedAt = time.Now()
	}
	m.ordersMu.Unlock()

	if _, err := m.funds.ReleaseAll(ctx, orderID.String()); err != nil {
		return fmt.Errorf("failed to release remainder: %w", err)
	}
	if err := m.repo.UpdateOrder(ctx, order); err != nil {
		m.logger.Error("failed to persist immediate-order finalization",
			zap.String("order_id", orderID.String()), zap.Error(err))
	}
	if status == model.OrderStatusCancelled || status == model.OrderStatusRejected {
		m.publishOrderEvent(ctx, events.TypeOrderCancelled, order, decimal.Zero, decimal.Zero, "")
	}
	return nil
}

// GetOrderBook returns up to depth sorted price levels per side as one
// consistent snapshot.
func (m *Manager) GetOrderBook(pair string, depth int) (*orderbook.Snapshot, error) {
	book, err := m.Book(pair)
	if err != nil {
		return nil, err
	}
	return book.GetSnapshot(depth), nil
}

// ExpireOrders cancels resting orders whose ExpireAt has passed.
func (m *Manager) ExpireOrders(ctx context.Context, now time.Time) int {
	m.ordersMu.RLock()
	var expired []*model.Order
	for _, o := range m.orders {
		if !o.IsTerminal() && o.ExpireAt != nil && o.ExpireAt.Before(now) {
			expired = append(expired, o)
		}
	}
	m.ordersMu.RUnlock()

	for _, o := range expired {
		if err := m.expireOrder(ctx, o); err != nil {
			m.logger.Error("failed to expire order",
				zap.String("order_id", o.ID.String()), zap.Error(err))
		}
	}
	return len(expired)
}

func (m *Manager) publishOrderEvent(ctx context.Context, eventType string, order *model.Order, fillPrice, fillQty decimal.Decimal, provider string) {
	payload := events.OrderEvent{
		OrderID:   order.ID.String(),
		UserID:    order.UserID.String(),
		Pair:      order.Pair,
		Side:      order.Side,
		Type:      order.Type,
		Status:    order.Status,
		Price:     order.Price,
		Quantity:  order.Quantity,
		Provider:  provider,
		Timestamp: time.Now(),
	}
	if eventType == events.TypeOrderExecuted {
		payload.Price = fillPrice
		payload.Quantity = fillQty
	}
	m.bus.Publish(ctx, events.Event{
		Topic:   events.TopicOrder,
		Type:    eventType,
		Payload: payload,
	})
}
