// Package orderbook implements the per-currency-pair resting order book.
//
// Each book keeps two b-trees of price levels, bids and asks. Orders within
// a level are held in arrival order, so priority is price first, arrival
// time second. All mutations on one book are serialized by its mutex;
// books for different pairs are independent and run fully in parallel.
package orderbook

import (
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/novafx/fxcore/internal/trading/model"
	"github.com/novafx/fxcore/pkg/metrics"
)

// MaxSnapshotDepth caps the number of price levels returned per side.
const MaxSnapshotDepth = 100

// PriceLevel holds all resting orders at one price, FIFO by arrival.
type PriceLevel struct {
	Price  decimal.Decimal
	orders []*model.Order
}

// TotalQuantity returns the sum of remaining quantities at this level.
func (pl *PriceLevel) TotalQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, o := range pl.orders {
		total = total.Add(o.RemainingQuantity)
	}
	return total
}

// Level is one aggregated entry of a depth snapshot.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Snapshot is a consistent view of the top of the book.
type Snapshot struct {
	Pair string  `json:"pair"`
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

type bookEntry struct {
	side  string
	level *PriceLevel
}

// OrderBook is the resting limit order book for a single currency pair.
type OrderBook struct {
	pair   string
	logger *zap.Logger

	mu    sync.RWMutex
	bids  *btree.BTreeG[*PriceLevel]
	asks  *btree.BTreeG[*PriceLevel]
	index map[uuid.UUID]*bookEntry
}

func byPrice(a, b *PriceLevel) bool { return a.Price.LessThan(b.Price) }

// NewOrderBook creates an empty book for pair.
func NewOrderBook(pair string, logger *zap.Logger) *OrderBook {
	return &OrderBook{
		pair:   pair,
		logger: logger,
		bids:   btree.NewBTreeG(byPrice),
		asks:   btree.NewBTreeG(byPrice),
		index:  make(map[uuid.UUID]*bookEntry),
	}
}

// Pair returns the currency pair this book serves.
func (ob *OrderBook) Pair() string { return ob.pair }

// AddOrder inserts a resting limit order at the back of its price level.
// A fresh insert always takes the lowest time priority at its price.
func (ob *OrderBook) AddOrder(order *model.Order) error {
	if !order.IsRestingLimit() {
		return model.NewValidationError("type", "only resting limit orders may enter the book")
	}
	if !order.Price.IsPositive() {
		return model.NewValidationError("price", "limit price must be positive")
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	if _, exists := ob.index[order.ID]; exists {
		return model.NewValidationError("id", "order already in book")
	}

	tree := ob.asks
	if order.Side == model.OrderSideBuy {
		tree = ob.bids
	}
	level, ok := tree.Get(&PriceLevel{Price: order.Price})
	if !ok {
		level = &PriceLevel{Price: order.Price}
		tree.Set(level)
	}
	level.orders = append(level.orders, order)
	ob.index[order.ID] = &bookEntry{side: order.Side, level: level}

	metrics.BookDepth.WithLabelValues(ob.pair, order.Side).Inc()
	ob.logger.Debug("order added to book",
		zap.String("pair", ob.pair),
		zap.String("order_id", order.ID.String()),
		zap.String("side", order.Side),
		zap.String("price", order.Price.String()))
	return nil
}

// RemoveOrder takes an order out of the book, dropping its price level if
// it becomes empty. Returns the removed order.
func (ob *OrderBook) RemoveOrder(orderID uuid.UUID) (*model.Order, error) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.removeLocked(orderID)
}

func (ob *OrderBook) removeLocked(orderID uuid.UUID) (*model.Order, error) {
	entry, ok := ob.index[orderID]
	if !ok {
		return nil, model.ErrOrderNotFound
	}

	var removed *model.Order
	orders := entry.level.orders
	for i, o := range orders {
		if o.ID == orderID {
			removed = o
			entry.level.orders = append(orders[:i], orders[i+1:]...)
			break
		}
	}
	delete(ob.index, orderID)

	if len(entry.level.orders) == 0 {
		tree := ob.asks
		if entry.side == model.OrderSideBuy {
			tree = ob.bids
		}
		tree.Delete(entry.level)
	}

	if removed != nil {
		metrics.BookDepth.WithLabelValues(ob.pair, removed.Side).Dec()
	}
	return removed, nil
}

// Reprice moves an order to a new price level. Time priority is reset: the
// order joins the back of the queue at the new price.
func (ob *OrderBook) Reprice(orderID uuid.UUID, newPrice decimal.Decimal) error {
	if !newPrice.IsPositive() {
		return model.NewValidationError("price", "limit price must be positive")
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	order, err := ob.removeLocked(orderID)
	if err != nil {
		return err
	}
	order.Price = newPrice

	tree := ob.asks
	if order.Side == model.OrderSideBuy {
		tree = ob.bids
	}
	level, ok := tree.Get(&PriceLevel{Price: newPrice})
	if !ok {
		level = &PriceLevel{Price: newPrice}
		tree.Set(level)
	}
	level.orders = append(level.orders, order)
	ob.index[order.ID] = &bookEntry{side: order.Side, level: level}
	metrics.BookDepth.WithLabelValues(ob.pair, order.Side).Inc()
	return nil
}

// Contains reports whether the order currently rests in this book.
func (ob *OrderBook) Contains(orderID uuid.UUID) bool {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	_, ok := ob.index[orderID]
	return ok
}

// BestBid returns the highest resting buy price.
func (ob *OrderBook) BestBid() (decimal.Decimal, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	level, ok := ob.bids.Max()
	if !ok {
		return decimal.Zero, false
	}
	return level.Price, true
}

// BestAsk returns the lowest resting sell price.
func (ob *OrderBook) BestAsk() (decimal.Decimal, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	level, ok := ob.asks.Min()
	if !ok {
		return decimal.Zero, false
	}
	return level.Price, true
}

// GetSnapshot returns up to depth aggregated price levels per side, bids
// ordered best (highest) first and asks best (lowest) first. The snapshot
// is taken under a single read lock, so it is never torn by concurrent
// mutation.
func (ob *OrderBook) GetSnapshot(depth int) *Snapshot {
	if depth <= 0 || depth > MaxSnapshotDepth {
		depth = MaxSnapshotDepth
	}

	ob.mu.RLock()
	defer ob.mu.RUnlock()

	snap := &Snapshot{
		Pair: ob.pair,
		Bids: make([]Level, 0, depth),
		Asks: make([]Level, 0, depth),
	}
	ob.bids.Reverse(func(level *PriceLevel) bool {
		snap.Bids = append(snap.Bids, Level{
			Price:    level.Price,
			Quantity: level.TotalQuantity(),
			Orders:   len(level.orders),
		})
		return len(snap.Bids) < depth
	})
	ob.asks.Scan(func(level *PriceLevel) bool {
		snap.Asks = append(snap.Asks, Level{
			Price:    level.Price,
			Quantity: level.TotalQuantity(),
			Orders:   len(level.orders),
		})
		return len(snap.Asks) < depth
	})
	return snap
}

// MarketableOrders returns resting orders on side that cross the given
// quote price: buys with limit >= quote (an offered ask), sells with limit
// <= quote (an offered bid). Results are in strict priority order, best
// price first and FIFO within a level.
func (ob *OrderBook) MarketableOrders(side string, quote decimal.Decimal) []*model.Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	var result []*model.Order
	if side == model.OrderSideBuy {
		ob.bids.Reverse(func(level *PriceLevel) bool {
			if level.Price.LessThan(quote) {
				return false
			}
			result = append(result, level.orders...)
			return true
		})
	} else {
		ob.asks.Scan(func(level *PriceLevel) bool {
			if level.Price.GreaterThan(quote) {
				return false
			}
			result = append(result, level.orders...)
			return true
		})
	}
	return result
}

// ApplyFill mutates a resting order under the book lock, so depth
// snapshots never observe a half-applied fill, and removes the order from
// the book the instant it is fully filled. Returns the order after the
// fill.
func (ob *OrderBook) ApplyFill(orderID uuid.UUID, price, qty decimal.Decimal) (*model.Order, error) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	entry, ok := ob.index[orderID]
	if !ok {
		return nil, model.ErrOrderNotFound
	}
	var order *model.Order
	for _, o := range entry.level.orders {
		if o.ID == orderID {
			order = o
			break
		}
	}
	if order == nil {
		return nil, model.ErrOrderNotFound
	}
	if qty.GreaterThan(order.RemainingQuantity) {
		return nil, model.NewValidationError("quantity", "fill exceeds remaining quantity")
	}

	order.ApplyFill(price, qty)
	if order.Status == model.OrderStatusFilled {
		if _, err := ob.removeLocked(orderID); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// RestingOrders returns the number of orders currently in the book.
func (ob *OrderBook) RestingOrders() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return len(ob.index)
}
