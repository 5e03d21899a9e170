package engine

import "github.com/shopspring/decimal"

type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

type UnknownPairError struct {
	Pair string
}

func (e *UnknownPairError) Error() string {
	return "unknown trading pair: " + e.Pair
}

type OrderNotFoundError struct {
	OrderID string
}

func (e *OrderNotFoundError) Error() string {
	return "order not found: " + e.OrderID
}

type AlreadyTerminalError struct {
	OrderID string
	Status  OrderStatus
}

func (e *AlreadyTerminalError) Error() string {
	return "order " + e.OrderID + " is " + string(e.Status) + " and cannot be cancelled"
}

type PriceOutOfBoundsError struct {
	Pair      string
	Price     decimal.Decimal
	Reference decimal.Decimal
	Collar    decimal.Decimal
}

func (e *PriceOutOfBoundsError) Error() string {
	return "price " + e.Price.String() + " outside collar around " + e.Reference.String()
}
