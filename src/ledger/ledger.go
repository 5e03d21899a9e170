package ledger

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Account holds the available/locked balances of one (user, asset) pair.
// Every mutation happens under the account mutex, so each (user, asset) key
// has a single writer at any time.
type Account struct {
	mu        sync.Mutex
	available decimal.Decimal
	locked    decimal.Decimal
}

// Reservation tracks funds moved from available to locked on behalf of an
// order or position. Settlement consumes it fill by fill; Release returns
// whatever is left.
type Reservation struct {
	ID        string
	UserID    string
	Asset     string
	Remaining decimal.Decimal
}

// BalanceSink receives the post-commit balances of every account an
// operation touched, so balances can be mirrored into durable storage and
// reloaded at startup.
type BalanceSink func(userID, asset string, available, locked decimal.Decimal)

type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*Account

	resMu        sync.Mutex
	reservations map[string]*Reservation

	feeAccount  string
	balanceSink BalanceSink
}

func New(feeAccount string) *Ledger {
	return &Ledger{
		accounts:     make(map[string]*Account),
		reservations: make(map[string]*Reservation),
		feeAccount:   feeAccount,
	}
}

// SetBalanceSink registers the balance mirror. Set once during startup,
// before the ledger takes traffic.
func (l *Ledger) SetBalanceSink(sink BalanceSink) {
	l.balanceSink = sink
}

func (l *Ledger) notifyBalance(userID, asset string, available, locked decimal.Decimal) {
	if l.balanceSink != nil {
		l.balanceSink(userID, asset, available, locked)
	}
}

func accountKey(userID, asset string) string {
	return userID + "|" + asset
}

func (l *Ledger) account(userID, asset string) *Account {
	key := accountKey(userID, asset)

	l.mu.RLock()
	if acc, exists := l.accounts[key]; exists {
		l.mu.RUnlock()
		return acc
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	// edge case: double-check after acquiring write lock
	if acc, exists := l.accounts[key]; exists {
		return acc
	}

	acc := &Account{available: decimal.Zero, locked: decimal.Zero}
	l.accounts[key] = acc
	return acc
}

// Credit adds funds to a user's available balance (deposit path).
func (l *Ledger) Credit(userID, asset string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return &ValidationError{Message: "credit amount must be positive"}
	}

	acc := l.account(userID, asset)
	acc.mu.Lock()
	acc.available = acc.available.Add(amount)
	available, locked := acc.available, acc.locked
	acc.mu.Unlock()

	l.notifyBalance(userID, asset, available, locked)
	return nil
}

// Balance returns the current available and locked balances.
func (l *Ledger) Balance(userID, asset string) (available, locked decimal.Decimal) {
	acc := l.account(userID, asset)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.available, acc.locked
}

// Reserve moves amount from available to locked and returns a reservation id.
func (l *Ledger) Reserve(userID, asset string, amount decimal.Decimal) (string, error) {
	if amount.Sign() <= 0 {
		return "", &ValidationError{Message: "reserve amount must be positive"}
	}

	acc := l.account(userID, asset)
	acc.mu.Lock()
	if acc.available.LessThan(amount) {
		available := acc.available
		acc.mu.Unlock()
		return "", &InsufficientBalanceError{
			UserID:    userID,
			Asset:     asset,
			Requested: amount,
			Available: available,
		}
	}
	acc.available = acc.available.Sub(amount)
	acc.locked = acc.locked.Add(amount)
	available, locked := acc.available, acc.locked
	acc.mu.Unlock()

	l.notifyBalance(userID, asset, available, locked)

	res := &Reservation{
		ID:        uuid.New().String(),
		UserID:    userID,
		Asset:     asset,
		Remaining: amount,
	}

	l.resMu.Lock()
	l.reservations[res.ID] = res
	l.resMu.Unlock()

	return res.ID, nil
}

// Release returns the unconsumed locked remainder of a reservation to the
// available balance and removes the reservation.
func (l *Ledger) Release(reservationID string) error {
	l.resMu.Lock()
	res, exists := l.reservations[reservationID]
	if !exists {
		l.resMu.Unlock()
		return &ReservationNotFoundError{ReservationID: reservationID}
	}
	delete(l.reservations, reservationID)
	remaining := res.Remaining
	l.resMu.Unlock()

	if remaining.Sign() <= 0 {
		return nil
	}

	acc := l.account(res.UserID, res.Asset)
	acc.mu.Lock()
	acc.locked = acc.locked.Sub(remaining)
	acc.available = acc.available.Add(remaining)
	available, locked := acc.available, acc.locked
	acc.mu.Unlock()

	l.notifyBalance(res.UserID, res.Asset, available, locked)
	return nil
}

// ReleasePartial returns part of a reservation's locked funds to available
// without closing the reservation (partial position close path).
func (l *Ledger) ReleasePartial(reservationID string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return &ValidationError{Message: "release amount must be positive"}
	}

	l.resMu.Lock()
	res, exists := l.reservations[reservationID]
	if !exists {
		l.resMu.Unlock()
		return &ReservationNotFoundError{ReservationID: reservationID}
	}
	if res.Remaining.LessThan(amount) {
		l.resMu.Unlock()
		return &ReservationMismatchError{
			ReservationID: reservationID,
			Remaining:     res.Remaining,
			Debit:         amount,
		}
	}
	res.Remaining = res.Remaining.Sub(amount)
	l.resMu.Unlock()

	acc := l.account(res.UserID, res.Asset)
	acc.mu.Lock()
	acc.locked = acc.locked.Sub(amount)
	acc.available = acc.available.Add(amount)
	available, locked := acc.available, acc.locked
	acc.mu.Unlock()

	l.notifyBalance(res.UserID, res.Asset, available, locked)
	return nil
}

// Settle consumes debitAmount from the reservation's locked funds and
// atomically credits the counterparty and the fee account in the same asset.
// debitAmount must reconcile: creditAmount + feeAmount == debitAmount, and
// the reservation must still hold at least debitAmount.
func (l *Ledger) Settle(reservationID string, debitAmount decimal.Decimal, creditUserID string, creditAmount, feeAmount decimal.Decimal) error {
	if debitAmount.Sign() <= 0 {
		return &ValidationError{Message: "settle debit must be positive"}
	}
	if feeAmount.Sign() < 0 || creditAmount.Sign() < 0 {
		return &ValidationError{Message: "settle credit and fee must be non-negative"}
	}

	l.resMu.Lock()
	defer l.resMu.Unlock()

	res, exists := l.reservations[reservationID]
	if !exists {
		return &ReservationNotFoundError{ReservationID: reservationID}
	}
	if res.Remaining.LessThan(debitAmount) {
		return &ReservationMismatchError{
			ReservationID: reservationID,
			Remaining:     res.Remaining,
			Debit:         debitAmount,
		}
	}
	if !creditAmount.Add(feeAmount).Equal(debitAmount) {
		return &ReservationMismatchError{
			ReservationID: reservationID,
			Remaining:     res.Remaining,
			Debit:         debitAmount,
		}
	}

	debitAcc := l.account(res.UserID, res.Asset)
	creditAcc := l.account(creditUserID, res.Asset)
	feeAcc := l.account(l.feeAccount, res.Asset)

	var balances [3][2]decimal.Decimal
	lockAccounts(map[string]*Account{
		accountKey(res.UserID, res.Asset):   debitAcc,
		accountKey(creditUserID, res.Asset): creditAcc,
		accountKey(l.feeAccount, res.Asset): feeAcc,
	}, func() {
		debitAcc.locked = debitAcc.locked.Sub(debitAmount)
		creditAcc.available = creditAcc.available.Add(creditAmount)
		feeAcc.available = feeAcc.available.Add(feeAmount)
		balances[0] = [2]decimal.Decimal{debitAcc.available, debitAcc.locked}
		balances[1] = [2]decimal.Decimal{creditAcc.available, creditAcc.locked}
		balances[2] = [2]decimal.Decimal{feeAcc.available, feeAcc.locked}
	})

	l.notifyBalance(res.UserID, res.Asset, balances[0][0], balances[0][1])
	l.notifyBalance(creditUserID, res.Asset, balances[1][0], balances[1][1])
	l.notifyBalance(l.feeAccount, res.Asset, balances[2][0], balances[2][1])

	res.Remaining = res.Remaining.Sub(debitAmount)

	log.Debug().
		Str("reservation_id", reservationID).
		Str("debit_user", res.UserID).
		Str("credit_user", creditUserID).
		Str("asset", res.Asset).
		Str("debit", debitAmount.String()).
		Str("fee", feeAmount.String()).
		Msg("Reservation settled")

	return nil
}

// Transfer moves funds between two users' available balances.
func (l *Ledger) Transfer(fromUserID, toUserID, asset string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return &ValidationError{Message: "transfer amount must be positive"}
	}

	fromAcc := l.account(fromUserID, asset)
	toAcc := l.account(toUserID, asset)

	var transferErr error
	var balances [2][2]decimal.Decimal
	lockAccounts(map[string]*Account{
		accountKey(fromUserID, asset): fromAcc,
		accountKey(toUserID, asset):   toAcc,
	}, func() {
		if fromAcc.available.LessThan(amount) {
			transferErr = &InsufficientBalanceError{
				UserID:    fromUserID,
				Asset:     asset,
				Requested: amount,
				Available: fromAcc.available,
			}
			return
		}
		fromAcc.available = fromAcc.available.Sub(amount)
		toAcc.available = toAcc.available.Add(amount)
		balances[0] = [2]decimal.Decimal{fromAcc.available, fromAcc.locked}
		balances[1] = [2]decimal.Decimal{toAcc.available, toAcc.locked}
	})
	if transferErr != nil {
		return transferErr
	}

	l.notifyBalance(fromUserID, asset, balances[0][0], balances[0][1])
	l.notifyBalance(toUserID, asset, balances[1][0], balances[1][1])
	return nil
}

// ReservationRemaining reports the unconsumed amount of a reservation.
func (l *Ledger) ReservationRemaining(reservationID string) (decimal.Decimal, bool) {
	l.resMu.Lock()
	defer l.resMu.Unlock()

	res, exists := l.reservations[reservationID]
	if !exists {
		return decimal.Zero, false
	}
	return res.Remaining, true
}

// TotalSupply sums available plus locked across all accounts of an asset.
// Used to verify that matching and settlement conserve value.
func (l *Ledger) TotalSupply(asset string) decimal.Decimal {
	l.mu.RLock()
	keys := make([]string, 0, len(l.accounts))
	accs := make([]*Account, 0, len(l.accounts))
	for key, acc := range l.accounts {
		keys = append(keys, key)
		accs = append(accs, acc)
	}
	l.mu.RUnlock()

	suffix := "|" + asset
	total := decimal.Zero
	for i, key := range keys {
		if len(key) < len(suffix) || key[len(key)-len(suffix):] != suffix {
			continue
		}
		acc := accs[i]
		acc.mu.Lock()
		total = total.Add(acc.available).Add(acc.locked)
		acc.mu.Unlock()
	}
	return total
}

// FeeAccount returns the system account that collects trading fees.
func (l *Ledger) FeeAccount() string {
	return l.feeAccount
}

// lockAccounts acquires the given account mutexes in sorted key order so
// concurrent multi-account operations cannot deadlock, runs fn, then
// releases in reverse order. Duplicate accounts are locked once.
func lockAccounts(accounts map[string]*Account, fn func()) {
	keys := make([]string, 0, len(accounts))
	seen := make(map[*Account]bool, len(accounts))
	for key, acc := range accounts {
		if seen[acc] {
			continue
		}
		seen[acc] = true
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		accounts[key].mu.Lock()
	}
	fn()
	for i := len(keys) - 1; i >= 0; i-- {
		accounts[keys[i]].mu.Unlock()
	}
}
