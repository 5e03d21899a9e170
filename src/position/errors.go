package position

import "github.com/shopspring/decimal"

type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

type InsufficientMarginError struct {
	UserID   string
	Currency string
	Required decimal.Decimal
}

func (e *InsufficientMarginError) Error() string {
	return "insufficient margin: required " + e.Required.String() + " " + e.Currency
}

type PositionNotFoundError struct {
	PositionID string
}

func (e *PositionNotFoundError) Error() string {
	return "position not found: " + e.PositionID
}

type PositionClosedError struct {
	PositionID string
	Status     Status
}

func (e *PositionClosedError) Error() string {
	return "position " + e.PositionID + " is already " + string(e.Status)
}

// LiquidationInProgressError rejects a manual close that raced a committed
// liquidation.
type LiquidationInProgressError struct {
	PositionID string
}

func (e *LiquidationInProgressError) Error() string {
	return "position " + e.PositionID + " was liquidated"
}

type LeverageLockedError struct {
	UserID   string
	Currency string
}

func (e *LeverageLockedError) Error() string {
	return "leverage locked by open position on " + e.Currency + " contracts"
}

type LeverageOutOfRangeError struct {
	Leverage int
	Max      int
}

func (e *LeverageOutOfRangeError) Error() string {
	return "leverage out of range"
}
