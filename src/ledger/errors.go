package ledger

import "github.com/shopspring/decimal"

type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

type InsufficientBalanceError struct {
	UserID    string
	Asset     string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return "insufficient balance: requested " + e.Requested.String() + " " + e.Asset +
		", available " + e.Available.String()
}

type ReservationNotFoundError struct {
	ReservationID string
}

func (e *ReservationNotFoundError) Error() string {
	return "reservation not found: " + e.ReservationID
}

type ReservationMismatchError struct {
	ReservationID string
	Remaining     decimal.Decimal
	Debit         decimal.Decimal
}

func (e *ReservationMismatchError) Error() string {
	return "reservation mismatch: debit " + e.Debit.String() +
		" does not reconcile with remaining " + e.Remaining.String()
}
