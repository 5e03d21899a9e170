package engine

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"exchange-core/src/config"
	"exchange-core/src/ledger"
)

// Pair carries the matching parameters of one trading pair with fee rates
// and bounds converted to decimals once at startup.
type Pair struct {
	Name           string
	Base           string
	Quote          string
	MakerFeeRate   decimal.Decimal
	TakerFeeRate   decimal.Decimal
	PriceCollar    decimal.Decimal
	SlippageBuffer decimal.Decimal
	BasePrecision  int32
	QuotePrecision int32
}

// Sink receives post-commit notifications. Calls happen after the book lock
// is released so slow consumers never stall matching.
type Sink interface {
	TradeExecuted(trade *Trade)
	OrderUpdated(order Order)
}

type orderRef struct {
	order *Order
	book  *OrderBook
}

type Matcher struct {
	books  map[string]*OrderBook
	pairs  map[string]Pair
	ledger *ledger.Ledger
	sink   Sink

	// all orders ever seen, for status queries and cancel routing
	refMu sync.RWMutex
	refs  map[string]orderRef
}

func NewMatcher(l *ledger.Ledger, pairConfigs map[string]config.PairConfig) *Matcher {
	m := &Matcher{
		books:  make(map[string]*OrderBook),
		pairs:  make(map[string]Pair),
		ledger: l,
		refs:   make(map[string]orderRef),
	}
	for name, pc := range pairConfigs {
		m.pairs[name] = Pair{
			Name:           name,
			Base:           pc.Base,
			Quote:          pc.Quote,
			MakerFeeRate:   decimal.NewFromFloat(pc.MakerFeeRate),
			TakerFeeRate:   decimal.NewFromFloat(pc.TakerFeeRate),
			PriceCollar:    decimal.NewFromFloat(pc.PriceCollar),
			SlippageBuffer: decimal.NewFromFloat(pc.SlippageBuffer),
			BasePrecision:  pc.BasePrecision,
			QuotePrecision: pc.QuotePrecision,
		}
		m.books[name] = NewOrderBook(name)
	}
	return m
}

func (m *Matcher) SetSink(sink Sink) {
	m.sink = sink
}

// Pairs lists the configured trading pairs.
func (m *Matcher) Pairs() []string {
	names := make([]string, 0, len(m.pairs))
	for name := range m.pairs {
		names = append(names, name)
	}
	return names
}

// Book returns the order book for a configured pair.
func (m *Matcher) Book(pair string) (*OrderBook, error) {
	book, exists := m.books[pair]
	if !exists {
		return nil, &UnknownPairError{Pair: pair}
	}
	return book, nil
}

// LastPrice reports the latest trade price on a pair.
func (m *Matcher) LastPrice(pair string) (decimal.Decimal, bool) {
	book, exists := m.books[pair]
	if !exists {
		return decimal.Zero, false
	}
	return book.LastPrice()
}

// PlaceOrder validates, reserves funds, matches against the book and either
// rests the remainder (limit) or cancels it (market). The whole sequence for
// one pair runs under that pair's book lock: concurrent orders on the same
// pair serialize, different pairs proceed in parallel.
func (m *Matcher) PlaceOrder(userID, pairName string, side OrderSide, kind OrderKind, amount decimal.Decimal) (Order, []*Trade, error) {
	pair, exists := m.pairs[pairName]
	if !exists {
		return Order{}, nil, &UnknownPairError{Pair: pairName}
	}
	if userID == "" {
		return Order{}, nil, &ValidationError{Message: "user id is required"}
	}
	if amount.Sign() <= 0 {
		return Order{}, nil, &ValidationError{Message: "amount must be positive"}
	}
	if side != SideBuy && side != SideSell {
		return Order{}, nil, &ValidationError{Message: "side must be buy or sell"}
	}
	if price, ok := kind.LimitPrice(); ok && price.Sign() <= 0 {
		return Order{}, nil, &ValidationError{Message: "price must be positive for limit orders"}
	}

	book := m.books[pairName]
	book.mu.Lock()

	// price collar against the last trade; no reference price, no collar
	if price, ok := kind.LimitPrice(); ok && book.hasLast && pair.PriceCollar.Sign() > 0 {
		deviation := price.Sub(book.lastPrice).Abs().Div(book.lastPrice)
		if deviation.GreaterThan(pair.PriceCollar) {
			book.mu.Unlock()
			return Order{}, nil, &PriceOutOfBoundsError{
				Pair:      pairName,
				Price:     price,
				Reference: book.lastPrice,
				Collar:    pair.PriceCollar,
			}
		}
	}

	order := &Order{
		ID:        uuid.New().String(),
		UserID:    userID,
		Pair:      pairName,
		Side:      side,
		Kind:      kind,
		Amount:    amount,
		Filled:    decimal.Zero,
		Status:    StatusOpen,
		CreatedAt: time.Now(),
	}

	// budget caps market-buy consumption at the reserved estimate
	budget, err := m.reserveFor(order, pair, book)
	if errors.Is(err, errNoAsks) {
		// market buy against an empty book: nothing to match, nothing
		// reserved, remainder cancelled per no-resting-market policy
		order.Status = StatusCancelled
		m.recordOrder(order, book)
		book.mu.Unlock()
		m.notify(order, nil)
		return *order, nil, nil
	}
	if err != nil {
		book.mu.Unlock()
		return Order{}, nil, err
	}

	trades := m.matchLoop(order, pair, book, budget)

	if order.Remaining().Sign() > 0 {
		if order.Kind.Type() == TypeLimit {
			book.addOrder(order)
		} else {
			// market remainder never rests
			order.Status = StatusCancelled
			m.releaseReservation(order)
		}
	} else {
		// fully filled; price improvement may leave reserved quote behind
		m.releaseReservation(order)
	}

	m.recordOrder(order, book)
	snapshot := *order
	book.mu.Unlock()

	log.Info().
		Str("order_id", order.ID).
		Str("pair", pairName).
		Str("side", string(side)).
		Str("type", string(kind.Type())).
		Str("amount", amount.String()).
		Str("filled", snapshot.Filled.String()).
		Str("status", string(snapshot.Status)).
		Int("trades", len(trades)).
		Msg("Order processed")

	m.notify(&snapshot, trades)
	return snapshot, trades, nil
}

// reserveFor locks the funds an order may consume. Sells reserve the base
// amount; limit buys reserve price x amount quote; market buys reserve a
// best-ask estimate with slippage headroom. Returns the quote budget for
// market buys, zero otherwise. Caller holds the book lock.
func (m *Matcher) reserveFor(order *Order, pair Pair, book *OrderBook) (decimal.Decimal, error) {
	if order.Side == SideSell {
		resID, err := m.ledger.Reserve(order.UserID, pair.Base, order.Amount)
		if err != nil {
			return decimal.Zero, err
		}
		order.ReservationID = resID
		return decimal.Zero, nil
	}

	if price, ok := order.Kind.LimitPrice(); ok {
		resID, err := m.ledger.Reserve(order.UserID, pair.Quote, price.Mul(order.Amount))
		if err != nil {
			return decimal.Zero, err
		}
		order.ReservationID = resID
		return decimal.Zero, nil
	}

	bestAsk := book.bestAskLevel()
	if bestAsk == nil {
		return decimal.Zero, errNoAsks
	}

	estimate := bestAsk.Price.Mul(order.Amount).
		Mul(decimal.NewFromInt(1).Add(pair.SlippageBuffer)).
		RoundUp(pair.QuotePrecision)
	resID, err := m.ledger.Reserve(order.UserID, pair.Quote, estimate)
	if err != nil {
		return decimal.Zero, err
	}
	order.ReservationID = resID
	return estimate, nil
}

// matchLoop walks the opposite side best-price-first, FIFO within a level,
// executing at the resting order's price. Caller holds the book lock.
func (m *Matcher) matchLoop(order *Order, pair Pair, book *OrderBook, budget decimal.Decimal) []*Trade {
	trades := make([]*Trade, 0)
	isMarket := order.Kind.Type() == TypeMarket

	for order.Remaining().Sign() > 0 {
		var level *PriceLevel
		if order.Side == SideBuy {
			level = book.bestAskLevel()
		} else {
			level = book.bestBidLevel()
		}
		if level == nil || len(level.Orders) == 0 {
			break
		}

		if limitPrice, ok := order.Kind.LimitPrice(); ok {
			if order.Side == SideBuy && level.Price.GreaterThan(limitPrice) {
				break
			}
			if order.Side == SideSell && level.Price.LessThan(limitPrice) {
				break
			}
		}

		levelDone := false
		for order.Remaining().Sign() > 0 && len(level.Orders) > 0 {
			resting := level.Orders[0]

			qty := order.Remaining()
			if resting.Remaining().LessThan(qty) {
				qty = resting.Remaining()
			}

			// market buy: cap fill at what the reserved quote still covers
			if isMarket && order.Side == SideBuy {
				cost := level.Price.Mul(qty)
				if cost.GreaterThan(budget) {
					qty = budget.Div(level.Price).RoundDown(pair.BasePrecision)
					if qty.Sign() <= 0 {
						levelDone = true
						break
					}
				}
			}

			trade, err := m.execute(order, resting, level.Price, qty, pair)
			if err != nil {
				// reservation accounting can only diverge through a bug;
				// stop matching rather than risk unbalanced settlement
				log.Error().
					Err(err).
					Str("order_id", order.ID).
					Str("resting_order_id", resting.ID).
					Str("pair", pair.Name).
					Msg("Settlement failed, aborting match")
				levelDone = true
				break
			}

			if isMarket && order.Side == SideBuy {
				budget = budget.Sub(trade.Price.Mul(trade.Amount))
			}

			trades = append(trades, trade)
			book.appendTrade(trade)

			if resting.Remaining().Sign() <= 0 {
				book.removeOrder(resting.ID)
				m.releaseReservation(resting)
			}
		}

		if levelDone {
			break
		}
		if len(level.Orders) == 0 {
			// level may already be gone if removeOrder pruned it
			book.deleteLevel(oppositeSide(order.Side), level.Price)
		}
	}

	return trades
}

// execute settles one match through the ledger and records the fills. The
// incoming order is the taker, the resting order the maker; each pays its
// fee on the asset it receives, floor-rounded to the asset precision with
// the remainder staying with the house.
func (m *Matcher) execute(taker, maker *Order, price, qty decimal.Decimal, pair Pair) (*Trade, error) {
	var buyer, seller *Order
	if taker.Side == SideBuy {
		buyer, seller = taker, maker
	} else {
		buyer, seller = maker, taker
	}

	buyerRate := m.feeRate(buyer, taker, pair)
	sellerRate := m.feeRate(seller, taker, pair)

	quoteGross := price.Mul(qty)
	sellerFee := quoteGross.Mul(sellerRate).RoundDown(pair.QuotePrecision)
	buyerFee := qty.Mul(buyerRate).RoundDown(pair.BasePrecision)

	// buyer's reserved quote pays the seller, seller's reserved base pays
	// the buyer; both legs route their fee to the system fee account
	if err := m.ledger.Settle(buyer.ReservationID, quoteGross, seller.UserID, quoteGross.Sub(sellerFee), sellerFee); err != nil {
		return nil, err
	}
	if err := m.ledger.Settle(seller.ReservationID, qty, buyer.UserID, qty.Sub(buyerFee), buyerFee); err != nil {
		return nil, err
	}

	taker.fill(qty)
	maker.fill(qty)

	return &Trade{
		ID:          uuid.New().String(),
		Pair:        pair.Name,
		Price:       price,
		Amount:      qty,
		BuyOrderID:  buyer.ID,
		SellOrderID: seller.ID,
		BuyUserID:   buyer.UserID,
		SellUserID:  seller.UserID,
		TakerSide:   taker.Side,
		CreatedAt:   time.Now(),
	}, nil
}

func (m *Matcher) feeRate(order, taker *Order, pair Pair) decimal.Decimal {
	if order == taker {
		return pair.TakerFeeRate
	}
	return pair.MakerFeeRate
}

func (m *Matcher) releaseReservation(order *Order) {
	if order.ReservationID == "" {
		return
	}
	if err := m.ledger.Release(order.ReservationID); err != nil {
		log.Error().
			Err(err).
			Str("order_id", order.ID).
			Str("reservation_id", order.ReservationID).
			Msg("Failed to release reservation")
	}
	order.ReservationID = ""
}

var errNoAsks = errors.New("no asks in book")

func (m *Matcher) recordOrder(order *Order, book *OrderBook) {
	m.refMu.Lock()
	m.refs[order.ID] = orderRef{order: order, book: book}
	m.refMu.Unlock()
}

func (m *Matcher) notify(order *Order, trades []*Trade) {
	if m.sink == nil {
		return
	}
	for _, trade := range trades {
		m.sink.TradeExecuted(trade)
	}
	m.sink.OrderUpdated(*order)
}

func oppositeSide(side OrderSide) OrderSide {
	if side == SideBuy {
		return SideSell
	}
	return SideBuy
}

// CancelOrder cancels the unmatched remainder of an open order and releases
// its reserved funds. Matches that already committed stand; cancellation is
// best-effort against in-flight matching.
func (m *Matcher) CancelOrder(orderID, userID string) (Order, error) {
	ref, exists := m.lookup(orderID)
	if !exists || (userID != "" && ref.order.UserID != userID) {
		return Order{}, &OrderNotFoundError{OrderID: orderID}
	}

	book := ref.book
	book.mu.Lock()
	defer book.mu.Unlock()

	order := ref.order
	if order.IsTerminal() {
		return Order{}, &AlreadyTerminalError{OrderID: orderID, Status: order.Status}
	}

	book.removeOrder(orderID)
	order.Status = StatusCancelled
	m.releaseReservation(order)

	log.Info().
		Str("order_id", orderID).
		Str("pair", order.Pair).
		Str("filled", order.Filled.String()).
		Msg("Order cancelled")

	snapshot := *order
	if m.sink != nil {
		defer m.sink.OrderUpdated(snapshot)
	}
	return snapshot, nil
}

// OrderByID returns a consistent copy of an order.
func (m *Matcher) OrderByID(orderID string) (Order, bool) {
	ref, exists := m.lookup(orderID)
	if !exists {
		return Order{}, false
	}
	ref.book.mu.Lock()
	defer ref.book.mu.Unlock()
	return *ref.order, true
}

// OrdersByUser returns copies of a user's orders on a pair, newest first.
func (m *Matcher) OrdersByUser(pairName, userID string) []Order {
	book, exists := m.books[pairName]
	if !exists {
		return nil
	}

	book.mu.Lock()
	defer book.mu.Unlock()

	m.refMu.RLock()
	out := make([]Order, 0)
	for _, ref := range m.refs {
		if ref.book == book && ref.order.UserID == userID {
			out = append(out, *ref.order)
		}
	}
	m.refMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (m *Matcher) lookup(orderID string) (orderRef, bool) {
	m.refMu.RLock()
	defer m.refMu.RUnlock()
	ref, exists := m.refs[orderID]
	return ref, exists
}

// RestoreOrder re-reserves and re-inserts a resting limit order during
// startup recovery without running it through matching.
func (m *Matcher) RestoreOrder(orderID, userID, pairName string, side OrderSide, price, amount, filled decimal.Decimal, createdAt time.Time) error {
	pair, exists := m.pairs[pairName]
	if !exists {
		return &UnknownPairError{Pair: pairName}
	}
	book := m.books[pairName]

	order := &Order{
		ID:        orderID,
		UserID:    userID,
		Pair:      pairName,
		Side:      side,
		Kind:      LimitKind(price),
		Amount:    amount,
		Filled:    filled,
		Status:    StatusOpen,
		CreatedAt: createdAt,
	}
	if filled.Sign() > 0 {
		order.Status = StatusPartiallyFilled
	}

	book.mu.Lock()
	defer book.mu.Unlock()

	var err error
	if side == SideSell {
		order.ReservationID, err = m.ledger.Reserve(userID, pair.Base, order.Remaining())
	} else {
		order.ReservationID, err = m.ledger.Reserve(userID, pair.Quote, price.Mul(order.Remaining()))
	}
	if err != nil {
		return err
	}

	book.addOrder(order)
	m.recordOrder(order, book)
	return nil
}
