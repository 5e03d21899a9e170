package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

type OrderType string

const (
	TypeLimit  OrderType = "limit"
	TypeMarket OrderType = "market"
)

type OrderStatus string

const (
	StatusOpen            OrderStatus = "open"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
)

// OrderKind is a tagged variant: a limit order always carries a price, a
// market order never does. Constructing an invalid combination (market order
// with a price, limit order without one) is impossible by construction.
type OrderKind struct {
	typ   OrderType
	price decimal.Decimal
}

func LimitKind(price decimal.Decimal) OrderKind {
	return OrderKind{typ: TypeLimit, price: price}
}

func MarketKind() OrderKind {
	return OrderKind{typ: TypeMarket}
}

func (k OrderKind) Type() OrderType {
	return k.typ
}

// LimitPrice returns the limit price and true for limit orders, and
// (zero, false) for market orders.
func (k OrderKind) LimitPrice() (decimal.Decimal, bool) {
	if k.typ != TypeLimit {
		return decimal.Zero, false
	}
	return k.price, true
}

// Order is mutated only by the matching engine, always under the owning
// book's lock. Terminal states (filled, cancelled) are never left.
type Order struct {
	ID            string
	UserID        string
	Pair          string
	Side          OrderSide
	Kind          OrderKind
	Amount        decimal.Decimal
	Filled        decimal.Decimal
	Status        OrderStatus
	CreatedAt     time.Time
	ReservationID string
}

func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.Filled)
}

func (o *Order) IsTerminal() bool {
	return o.Status == StatusFilled || o.Status == StatusCancelled
}

// fill records an execution. Caller holds the book lock.
func (o *Order) fill(amount decimal.Decimal) {
	o.Filled = o.Filled.Add(amount)
	if o.Filled.GreaterThanOrEqual(o.Amount) {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartiallyFilled
	}
}

// Trade is an immutable, append-only execution record.
type Trade struct {
	ID          string
	Pair        string
	Price       decimal.Decimal
	Amount      decimal.Decimal
	BuyOrderID  string
	SellOrderID string
	BuyUserID   string
	SellUserID  string
	TakerSide   OrderSide
	CreatedAt   time.Time
}
