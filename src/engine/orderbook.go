package engine

import (
	"sync"

	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

// PriceLevel groups resting orders at one price, FIFO by arrival for time
// priority.
type PriceLevel struct {
	Price  decimal.Decimal
	Orders []*Order
}

func (pl *PriceLevel) totalRemaining() decimal.Decimal {
	total := decimal.Zero
	for _, order := range pl.Orders {
		total = total.Add(order.Remaining())
	}
	return total
}

type bidLevelItem struct {
	level *PriceLevel
}

// bids sort descending so Min() is the highest bid
func (p *bidLevelItem) Less(than btree.Item) bool {
	return p.level.Price.GreaterThan(than.(*bidLevelItem).level.Price)
}

type askLevelItem struct {
	level *PriceLevel
}

// asks sort ascending so Min() is the lowest ask
func (p *askLevelItem) Less(than btree.Item) bool {
	return p.level.Price.LessThan(than.(*askLevelItem).level.Price)
}

// OrderBook holds the open limit orders of one pair. The single mutex is the
// pair's linearization point: matching, cancellation and reads all serialize
// through it. Internal lower-case methods assume the lock is held.
type OrderBook struct {
	Pair string

	mu        sync.Mutex
	bids      *btree.BTree
	asks      *btree.BTree
	orders    map[string]*Order
	trades    []*Trade
	maxTrades int
	lastPrice decimal.Decimal
	hasLast   bool
}

func NewOrderBook(pair string) *OrderBook {
	return &OrderBook{
		Pair:      pair,
		bids:      btree.New(32),
		asks:      btree.New(32),
		orders:    make(map[string]*Order),
		maxTrades: 1000,
	}
}

func (ob *OrderBook) addOrder(order *Order) {
	price, ok := order.Kind.LimitPrice()
	if !ok {
		// market orders never rest
		return
	}

	ob.orders[order.ID] = order

	if order.Side == SideBuy {
		probe := &bidLevelItem{level: &PriceLevel{Price: price}}
		if existing := ob.bids.Get(probe); existing != nil {
			level := existing.(*bidLevelItem).level
			level.Orders = append(level.Orders, order)
			return
		}
		level := &PriceLevel{Price: price, Orders: []*Order{order}}
		ob.bids.ReplaceOrInsert(&bidLevelItem{level: level})
		return
	}

	probe := &askLevelItem{level: &PriceLevel{Price: price}}
	if existing := ob.asks.Get(probe); existing != nil {
		level := existing.(*askLevelItem).level
		level.Orders = append(level.Orders, order)
		return
	}
	level := &PriceLevel{Price: price, Orders: []*Order{order}}
	ob.asks.ReplaceOrInsert(&askLevelItem{level: level})
}

func (ob *OrderBook) removeOrder(orderID string) bool {
	order, exists := ob.orders[orderID]
	if !exists {
		return false
	}
	delete(ob.orders, orderID)

	price, ok := order.Kind.LimitPrice()
	if !ok {
		return true
	}

	var level *PriceLevel
	if order.Side == SideBuy {
		if item := ob.bids.Get(&bidLevelItem{level: &PriceLevel{Price: price}}); item != nil {
			level = item.(*bidLevelItem).level
		}
	} else {
		if item := ob.asks.Get(&askLevelItem{level: &PriceLevel{Price: price}}); item != nil {
			level = item.(*askLevelItem).level
		}
	}
	if level == nil {
		return true
	}

	for i, o := range level.Orders {
		if o.ID == orderID {
			level.Orders = append(level.Orders[:i], level.Orders[i+1:]...)
			break
		}
	}
	if len(level.Orders) == 0 {
		ob.deleteLevel(order.Side, price)
	}
	return true
}

func (ob *OrderBook) deleteLevel(side OrderSide, price decimal.Decimal) {
	if side == SideBuy {
		ob.bids.Delete(&bidLevelItem{level: &PriceLevel{Price: price}})
	} else {
		ob.asks.Delete(&askLevelItem{level: &PriceLevel{Price: price}})
	}
}

func (ob *OrderBook) bestBidLevel() *PriceLevel {
	item := ob.bids.Min()
	if item == nil {
		return nil
	}
	return item.(*bidLevelItem).level
}

func (ob *OrderBook) bestAskLevel() *PriceLevel {
	item := ob.asks.Min()
	if item == nil {
		return nil
	}
	return item.(*askLevelItem).level
}

func (ob *OrderBook) appendTrade(trade *Trade) {
	ob.trades = append(ob.trades, trade)
	if len(ob.trades) > ob.maxTrades {
		ob.trades = ob.trades[len(ob.trades)-ob.maxTrades:]
	}
	ob.lastPrice = trade.Price
	ob.hasLast = true
}

// BestBid returns the highest bid price and its aggregated remaining amount.
func (ob *OrderBook) BestBid() (price, amount decimal.Decimal, ok bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	level := ob.bestBidLevel()
	if level == nil || len(level.Orders) == 0 {
		return decimal.Zero, decimal.Zero, false
	}
	return level.Price, level.totalRemaining(), true
}

// BestAsk returns the lowest ask price and its aggregated remaining amount.
func (ob *OrderBook) BestAsk() (price, amount decimal.Decimal, ok bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	level := ob.bestAskLevel()
	if level == nil || len(level.Orders) == 0 {
		return decimal.Zero, decimal.Zero, false
	}
	return level.Price, level.totalRemaining(), true
}

// LastPrice reports the most recent trade price on this book.
func (ob *OrderBook) LastPrice() (decimal.Decimal, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.lastPrice, ob.hasLast
}

type BookLevel struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// Snapshot returns up to depth aggregated levels per side, bids best-first
// and asks best-first.
func (ob *OrderBook) Snapshot(depth int) (bids, asks []BookLevel) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	bids = make([]BookLevel, 0, depth)
	asks = make([]BookLevel, 0, depth)

	ob.bids.Ascend(func(item btree.Item) bool {
		if len(bids) >= depth {
			return false
		}
		level := item.(*bidLevelItem).level
		bids = append(bids, BookLevel{Price: level.Price, Amount: level.totalRemaining()})
		return true
	})
	ob.asks.Ascend(func(item btree.Item) bool {
		if len(asks) >= depth {
			return false
		}
		level := item.(*askLevelItem).level
		asks = append(asks, BookLevel{Price: level.Price, Amount: level.totalRemaining()})
		return true
	})
	return bids, asks
}

// RecentTrades returns the latest trades, newest first, capped at limit.
func (ob *OrderBook) RecentTrades(limit int) []*Trade {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if limit <= 0 || limit > len(ob.trades) {
		limit = len(ob.trades)
	}
	out := make([]*Trade, 0, limit)
	for i := len(ob.trades) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, ob.trades[i])
	}
	return out
}

// OpenOrders returns the resting orders, optionally filtered by user.
func (ob *OrderBook) OpenOrders(userID string) []*Order {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	out := make([]*Order, 0, len(ob.orders))
	for _, order := range ob.orders {
		if userID == "" || order.UserID == userID {
			out = append(out, order)
		}
	}
	return out
}
