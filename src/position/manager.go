package position

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"exchange-core/src/ledger"
	"exchange-core/src/oracle"
)

const DefaultLeverage = 10

// Sink receives post-commit position events.
type Sink interface {
	PositionOpened(snap Snapshot)
	PositionClosed(snap Snapshot)
	PositionLiquidated(snap Snapshot)
}

// Manager tracks leveraged positions, margin accounts, liquidation and
// funding settlement. Profits and losses settle against the insurance
// account so that the ledger conserves value; fees route onward to the
// ledger's fee account.
type Manager struct {
	ledger    *ledger.Ledger
	oracle    *oracle.Service
	insurance string
	sink      Sink

	mu        sync.RWMutex
	positions map[string]*Position
	bySymbol  map[string]map[string]*Position

	levMu    sync.RWMutex
	leverage map[string]int

	crossMu    sync.Mutex
	crossLocks map[string]*sync.Mutex
}

func NewManager(l *ledger.Ledger, o *oracle.Service, insuranceAccount string) *Manager {
	return &Manager{
		ledger:     l,
		oracle:     o,
		insurance:  insuranceAccount,
		positions:  make(map[string]*Position),
		bySymbol:   make(map[string]map[string]*Position),
		leverage:   make(map[string]int),
		crossLocks: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) SetSink(sink Sink) {
	m.sink = sink
}

func levKey(userID, currency string) string {
	return userID + "|" + currency
}

// Leverage returns the user's configured leverage for a settlement currency.
func (m *Manager) Leverage(userID, currency string) int {
	m.levMu.RLock()
	defer m.levMu.RUnlock()

	if lev, exists := m.leverage[levKey(userID, currency)]; exists {
		return lev
	}
	return DefaultLeverage
}

// SetLeverage changes the user's leverage for a settlement currency. It is
// rejected while the user holds any open position on a contract settling in
// that currency.
func (m *Manager) SetLeverage(userID, currency string, leverage int) error {
	maxLeverage := 0
	for _, contract := range m.oracle.Contracts() {
		if contract.SettleCurrency == currency && contract.MaxLeverage > maxLeverage {
			maxLeverage = contract.MaxLeverage
		}
	}
	if maxLeverage == 0 {
		return &ValidationError{Message: "no contracts settle in " + currency}
	}
	if leverage < 1 || leverage > maxLeverage {
		return &LeverageOutOfRangeError{Leverage: leverage, Max: maxLeverage}
	}

	m.mu.RLock()
	for _, pos := range m.positions {
		pos.mu.Lock()
		locked := pos.Status == StatusOpen && pos.UserID == userID && pos.Currency == currency
		pos.mu.Unlock()
		if locked {
			m.mu.RUnlock()
			return &LeverageLockedError{UserID: userID, Currency: currency}
		}
	}
	m.mu.RUnlock()

	m.levMu.Lock()
	m.leverage[levKey(userID, currency)] = leverage
	m.levMu.Unlock()

	log.Info().
		Str("user_id", userID).
		Str("currency", currency).
		Int("leverage", leverage).
		Msg("Leverage updated")
	return nil
}

// Open creates a leveraged position at the current mark price. Isolated
// positions reserve their margin on the ledger; cross positions are checked
// against the whole account's margin level.
func (m *Manager) Open(userID, symbol string, side Side, size decimal.Decimal, mode MarginMode) (Snapshot, error) {
	if userID == "" {
		return Snapshot{}, &ValidationError{Message: "user id is required"}
	}
	if size.Sign() <= 0 {
		return Snapshot{}, &ValidationError{Message: "size must be positive"}
	}
	if side != SideLong && side != SideShort {
		return Snapshot{}, &ValidationError{Message: "side must be long or short"}
	}
	if mode != ModeIsolated && mode != ModeCross {
		return Snapshot{}, &ValidationError{Message: "margin mode must be isolated or cross"}
	}

	contract, err := m.oracle.Contract(symbol)
	if err != nil {
		return Snapshot{}, err
	}
	mark, err := m.oracle.MarkPrice(symbol)
	if err != nil {
		return Snapshot{}, err
	}

	currency := contract.SettleCurrency
	leverage := m.Leverage(userID, currency)
	if leverage > contract.MaxLeverage {
		leverage = contract.MaxLeverage
	}

	notional := size.Mul(mark)
	margin := notional.Div(decimal.NewFromInt(int64(leverage)))
	openFee := notional.Mul(contract.TakerFeeRate).RoundDown(8)
	required := margin.Add(openFee)

	pos := &Position{
		ID:               uuid.New().String(),
		UserID:           userID,
		Symbol:           symbol,
		Currency:         currency,
		Side:             side,
		Size:             size,
		EntryPrice:       mark,
		Leverage:         leverage,
		MarginMode:       mode,
		Margin:           margin,
		LiquidationPrice: liquidationPrice(mark, side, leverage, contract.MaintenanceMarginRate),
		Status:           StatusOpen,
		OpenedAt:         time.Now(),
	}

	if mode == ModeIsolated {
		// margin and fee are taken in a single reservation, so a rejected
		// open never moves the user's balance; the fee then settles out of
		// the locked funds, leaving exactly the margin reserved
		resID, err := m.ledger.Reserve(userID, currency, required)
		if err != nil {
			return Snapshot{}, &InsufficientMarginError{UserID: userID, Currency: currency, Required: required}
		}
		if openFee.Sign() > 0 {
			if err := m.ledger.Settle(resID, openFee, m.ledger.FeeAccount(), decimal.Zero, openFee); err != nil {
				_ = m.ledger.Release(resID)
				return Snapshot{}, err
			}
		}
		pos.reservationID = resID
		m.register(pos)
	} else {
		// cross opens on the same account serialize, so two concurrent
		// opens cannot both pass the shared equity check
		unlock := m.lockCrossAccount(userID, currency)
		view := m.accountView(userID, currency)
		if view.Equity.LessThan(view.UsedMargin.Add(required)) {
			unlock()
			return Snapshot{}, &InsufficientMarginError{UserID: userID, Currency: currency, Required: required}
		}
		if openFee.Sign() > 0 {
			if err := m.ledger.Transfer(userID, m.ledger.FeeAccount(), currency, openFee); err != nil {
				unlock()
				return Snapshot{}, &InsufficientMarginError{UserID: userID, Currency: currency, Required: required}
			}
		}
		m.register(pos)
		unlock()
	}

	m.oracle.AddOpenInterest(symbol, size)

	pos.mu.Lock()
	snap := pos.snapshot()
	pos.mu.Unlock()

	log.Info().
		Str("position_id", pos.ID).
		Str("user_id", userID).
		Str("symbol", symbol).
		Str("side", string(side)).
		Str("size", size.String()).
		Str("entry_price", mark.String()).
		Int("leverage", leverage).
		Str("margin_mode", string(mode)).
		Str("liquidation_price", snap.LiquidationPrice.String()).
		Msg("Position opened")

	if m.sink != nil {
		m.sink.PositionOpened(snap)
	}
	return snap, nil
}

// register publishes a position into the lookup indexes.
func (m *Manager) register(pos *Position) {
	m.mu.Lock()
	m.positions[pos.ID] = pos
	if m.bySymbol[pos.Symbol] == nil {
		m.bySymbol[pos.Symbol] = make(map[string]*Position)
	}
	m.bySymbol[pos.Symbol][pos.ID] = pos
	m.mu.Unlock()
}

// lockCrossAccount takes the per-(user, currency) lock that makes a cross
// open's equity check and registration one step. Returns the unlock func.
func (m *Manager) lockCrossAccount(userID, currency string) func() {
	key := levKey(userID, currency)

	m.crossMu.Lock()
	lock, exists := m.crossLocks[key]
	if !exists {
		lock = &sync.Mutex{}
		m.crossLocks[key] = lock
	}
	m.crossMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// Close closes a position at the current mark price, fully when size is
// zero or covers the whole position, partially otherwise. Returns the
// realized PnL of the closed portion net of fees.
func (m *Manager) Close(positionID, userID string, size decimal.Decimal) (Snapshot, decimal.Decimal, error) {
	m.mu.RLock()
	pos, exists := m.positions[positionID]
	m.mu.RUnlock()
	if !exists || (userID != "" && pos.UserID != userID) {
		return Snapshot{}, decimal.Zero, &PositionNotFoundError{PositionID: positionID}
	}

	contract, err := m.oracle.Contract(pos.Symbol)
	if err != nil {
		return Snapshot{}, decimal.Zero, err
	}
	mark, err := m.oracle.MarkPrice(pos.Symbol)
	if err != nil {
		return Snapshot{}, decimal.Zero, err
	}

	pos.mu.Lock()

	switch pos.Status {
	case StatusLiquidated:
		pos.mu.Unlock()
		return Snapshot{}, decimal.Zero, &LiquidationInProgressError{PositionID: positionID}
	case StatusClosed:
		pos.mu.Unlock()
		return Snapshot{}, decimal.Zero, &PositionClosedError{PositionID: positionID, Status: StatusClosed}
	}

	closeQty := pos.Size
	if size.Sign() > 0 && size.LessThan(pos.Size) {
		closeQty = size
	}

	portion := closeQty.Div(pos.Size)
	pnl := mark.Sub(pos.EntryPrice).Mul(pos.directionSign()).Mul(closeQty)
	closeFee := closeQty.Mul(mark).Mul(contract.TakerFeeRate).RoundDown(8)
	net := pnl.Sub(closeFee)
	marginPortion := pos.Margin.Mul(portion)

	if err := m.settleClose(pos, net, marginPortion, closeQty.Equal(pos.Size)); err != nil {
		pos.mu.Unlock()
		return Snapshot{}, decimal.Zero, err
	}

	pos.RealizedPnL = pos.RealizedPnL.Add(net)
	pos.Size = pos.Size.Sub(closeQty)
	pos.Margin = pos.Margin.Sub(marginPortion)
	if pos.Size.Sign() <= 0 {
		pos.Status = StatusClosed
		pos.ClosedAt = time.Now()
		pos.UnrealizedPnL = decimal.Zero
	} else {
		pos.UnrealizedPnL = pos.pnlAt(mark)
	}
	snap := pos.snapshot()
	pos.mu.Unlock()

	m.oracle.AddOpenInterest(pos.Symbol, closeQty.Neg())
	m.forwardFee(snap.Currency, closeFee)

	log.Info().
		Str("position_id", positionID).
		Str("symbol", snap.Symbol).
		Str("closed_size", closeQty.String()).
		Str("exit_price", mark.String()).
		Str("pnl", net.String()).
		Str("status", string(snap.Status)).
		Msg("Position closed")

	if m.sink != nil && snap.Status == StatusClosed {
		m.sink.PositionClosed(snap)
	}
	return snap, net, nil
}

// settleClose moves the realized result through the ledger. Caller holds
// pos.mu. On any error no balance has moved, so the close can be rejected
// cleanly.
func (m *Manager) settleClose(pos *Position, net, marginPortion decimal.Decimal, full bool) error {
	if pos.MarginMode == ModeCross {
		if net.Sign() >= 0 {
			if net.Sign() > 0 {
				return m.ledger.Transfer(m.insurance, pos.UserID, pos.Currency, net)
			}
			return nil
		}
		loss := net.Neg()
		available, _ := m.ledger.Balance(pos.UserID, pos.Currency)
		if available.LessThan(loss) {
			// cross loss beyond the account's funds is absorbed by insurance
			log.Warn().
				Str("position_id", pos.ID).
				Str("loss", loss.String()).
				Str("available", available.String()).
				Msg("Cross close loss capped at account balance")
			loss = available
		}
		if loss.Sign() > 0 {
			return m.ledger.Transfer(pos.UserID, m.insurance, pos.Currency, loss)
		}
		return nil
	}

	// isolated: profit pays out first, then margin comes back; a loss is
	// taken out of the reserved margin, capped there
	if net.Sign() >= 0 {
		if net.Sign() > 0 {
			if err := m.ledger.Transfer(m.insurance, pos.UserID, pos.Currency, net); err != nil {
				return err
			}
		}
		return m.releaseMargin(pos, marginPortion, full)
	}

	loss := net.Neg()
	if loss.GreaterThan(marginPortion) {
		loss = marginPortion
	}
	if loss.Sign() > 0 {
		if err := m.ledger.Settle(pos.reservationID, loss, m.insurance, loss, decimal.Zero); err != nil {
			return err
		}
	}
	remainder := marginPortion.Sub(loss)
	if remainder.Sign() > 0 || full {
		return m.releaseMargin(pos, remainder, full)
	}
	return nil
}

func (m *Manager) releaseMargin(pos *Position, amount decimal.Decimal, full bool) error {
	if full {
		return m.ledger.Release(pos.reservationID)
	}
	if amount.Sign() <= 0 {
		return nil
	}
	return m.ledger.ReleasePartial(pos.reservationID, amount)
}

// forwardFee moves a fee the insurance account implicitly collected during
// close settlement on to the fee account. Best effort.
func (m *Manager) forwardFee(currency string, fee decimal.Decimal) {
	if fee.Sign() <= 0 {
		return
	}
	if err := m.ledger.Transfer(m.insurance, m.ledger.FeeAccount(), currency, fee); err != nil {
		log.Warn().
			Err(err).
			Str("currency", currency).
			Str("fee", fee.String()).
			Msg("Fee forwarding deferred, insurance balance too low")
	}
}

// OnMarkPrice implements oracle.MarkListener. It marks every open position
// on the symbol to market and liquidates those whose margin is exhausted.
// Ties at the threshold liquidate.
func (m *Manager) OnMarkPrice(symbol string, mark decimal.Decimal) {
	contract, err := m.oracle.Contract(symbol)
	if err != nil {
		return
	}

	crossAccounts := make(map[string]bool)

	for _, pos := range m.symbolPositions(symbol) {
		pos.mu.Lock()
		if pos.Status != StatusOpen {
			pos.mu.Unlock()
			continue
		}
		pos.UnrealizedPnL = pos.pnlAt(mark)

		if pos.MarginMode == ModeIsolated && isolatedTrigger(pos, mark) {
			snap := m.liquidateIsolated(pos, mark)
			pos.mu.Unlock()
			m.afterLiquidation(snap)
			continue
		}
		if pos.MarginMode == ModeCross {
			crossAccounts[levKey(pos.UserID, pos.Currency)] = true
		}
		pos.mu.Unlock()
	}

	for key := range crossAccounts {
		m.checkCrossAccount(key, symbol, mark, contract.MaintenanceMarginRate)
	}
}

// isolatedTrigger reports whether mark reached the liquidation price.
// Caller holds pos.mu.
func isolatedTrigger(pos *Position, mark decimal.Decimal) bool {
	if pos.Side == SideLong {
		return mark.LessThanOrEqual(pos.LiquidationPrice)
	}
	return mark.GreaterThanOrEqual(pos.LiquidationPrice)
}

// liquidateIsolated force-closes at mark. The realized loss is capped at the
// reserved margin: isolated mode never drives a balance negative. Caller
// holds pos.mu.
func (m *Manager) liquidateIsolated(pos *Position, mark decimal.Decimal) Snapshot {
	loss := pos.pnlAt(mark).Neg()
	if loss.Sign() < 0 {
		loss = decimal.Zero
	}
	if loss.GreaterThan(pos.Margin) {
		loss = pos.Margin
	}

	if loss.Sign() > 0 {
		if err := m.ledger.Settle(pos.reservationID, loss, m.insurance, loss, decimal.Zero); err != nil {
			log.Error().
				Err(err).
				Str("position_id", pos.ID).
				Msg("Liquidation settlement failed")
		}
	}
	if err := m.ledger.Release(pos.reservationID); err != nil {
		log.Error().
			Err(err).
			Str("position_id", pos.ID).
			Msg("Liquidation margin release failed")
	}

	pos.RealizedPnL = pos.RealizedPnL.Sub(loss)
	pos.UnrealizedPnL = decimal.Zero
	pos.Status = StatusLiquidated
	pos.ClosedAt = time.Now()

	log.Warn().
		Str("position_id", pos.ID).
		Str("user_id", pos.UserID).
		Str("symbol", pos.Symbol).
		Str("mark_price", mark.String()).
		Str("loss", loss.String()).
		Msg("Position liquidated")

	return pos.snapshot()
}

// checkCrossAccount liquidates every open cross position of an account whose
// equity no longer covers maintenance margin.
func (m *Manager) checkCrossAccount(key, symbol string, mark, maintenanceRate decimal.Decimal) {
	var userID, currency string
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			userID, currency = key[:i], key[i+1:]
			break
		}
	}

	equity, maintenance, positions := m.crossExposure(userID, currency)
	if len(positions) == 0 || equity.GreaterThan(maintenance) {
		return
	}

	for _, pos := range positions {
		pos.mu.Lock()
		if pos.Status != StatusOpen {
			pos.mu.Unlock()
			continue
		}
		price := mark
		if pos.Symbol != symbol {
			if p, err := m.oracle.MarkPrice(pos.Symbol); err == nil {
				price = p
			}
		}
		snap := m.liquidateCross(pos, price)
		pos.mu.Unlock()
		m.afterLiquidation(snap)
	}
}

// liquidateCross force-closes a cross position at mark; the loss comes from
// the account's available balance, capped there. Caller holds pos.mu.
func (m *Manager) liquidateCross(pos *Position, mark decimal.Decimal) Snapshot {
	pnl := pos.pnlAt(mark)
	if pnl.Sign() < 0 {
		loss := pnl.Neg()
		available, _ := m.ledger.Balance(pos.UserID, pos.Currency)
		if available.LessThan(loss) {
			loss = available
		}
		if loss.Sign() > 0 {
			if err := m.ledger.Transfer(pos.UserID, m.insurance, pos.Currency, loss); err != nil {
				log.Error().
					Err(err).
					Str("position_id", pos.ID).
					Msg("Cross liquidation settlement failed")
			}
		}
		pos.RealizedPnL = pos.RealizedPnL.Sub(loss)
	} else if pnl.Sign() > 0 {
		if err := m.ledger.Transfer(m.insurance, pos.UserID, pos.Currency, pnl); err == nil {
			pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
		}
	}

	pos.UnrealizedPnL = decimal.Zero
	pos.Status = StatusLiquidated
	pos.ClosedAt = time.Now()

	log.Warn().
		Str("position_id", pos.ID).
		Str("user_id", pos.UserID).
		Str("symbol", pos.Symbol).
		Str("mark_price", mark.String()).
		Msg("Cross position liquidated")

	return pos.snapshot()
}

func (m *Manager) afterLiquidation(snap Snapshot) {
	m.oracle.AddOpenInterest(snap.Symbol, snap.Size.Neg())
	if m.sink != nil {
		m.sink.PositionLiquidated(snap)
	}
}

// OnFunding implements oracle.MarkListener. Every open position on the
// symbol pays or receives size x mark x rate, longs paying when the rate is
// positive. Size and entry price never change.
func (m *Manager) OnFunding(symbol string, rate, mark decimal.Decimal) {
	for _, pos := range m.symbolPositions(symbol) {
		pos.mu.Lock()
		if pos.Status != StatusOpen {
			pos.mu.Unlock()
			continue
		}

		fee := pos.Size.Mul(mark).Mul(rate).Mul(pos.directionSign()).RoundDown(8)
		switch {
		case fee.Sign() > 0:
			m.collectFunding(pos, fee)
		case fee.Sign() < 0:
			if err := m.ledger.Transfer(m.insurance, pos.UserID, pos.Currency, fee.Neg()); err != nil {
				log.Warn().
					Err(err).
					Str("position_id", pos.ID).
					Msg("Funding payout failed")
			} else {
				pos.FundingFee = pos.FundingFee.Add(fee)
			}
		}
		pos.mu.Unlock()
	}
}

// collectFunding charges a funding payment, falling back to the isolated
// margin reserve when the available balance cannot cover it. Caller holds
// pos.mu.
func (m *Manager) collectFunding(pos *Position, fee decimal.Decimal) {
	if err := m.ledger.Transfer(pos.UserID, m.insurance, pos.Currency, fee); err == nil {
		pos.FundingFee = pos.FundingFee.Add(fee)
		return
	}

	if pos.MarginMode == ModeIsolated {
		charge := fee
		if charge.GreaterThan(pos.Margin) {
			charge = pos.Margin
		}
		if charge.Sign() > 0 {
			if err := m.ledger.Settle(pos.reservationID, charge, m.insurance, charge, decimal.Zero); err == nil {
				pos.Margin = pos.Margin.Sub(charge)
				pos.FundingFee = pos.FundingFee.Add(charge)
				return
			}
		}
	}

	log.Warn().
		Str("position_id", pos.ID).
		Str("fee", fee.String()).
		Msg("Funding payment could not be collected")
}

// Position returns a snapshot of one position.
func (m *Manager) Position(positionID string) (Snapshot, bool) {
	m.mu.RLock()
	pos, exists := m.positions[positionID]
	m.mu.RUnlock()
	if !exists {
		return Snapshot{}, false
	}
	pos.mu.Lock()
	defer pos.mu.Unlock()
	return pos.snapshot(), true
}

// Positions returns snapshots of a user's positions, open first.
func (m *Manager) Positions(userID string) []Snapshot {
	m.mu.RLock()
	all := make([]*Position, 0, len(m.positions))
	for _, pos := range m.positions {
		all = append(all, pos)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0)
	for _, pos := range all {
		pos.mu.Lock()
		if pos.UserID == userID {
			out = append(out, pos.snapshot())
		}
		pos.mu.Unlock()
	}
	return out
}

// OpenPositionCount reports how many positions are open on a symbol.
func (m *Manager) OpenPositionCount(symbol string) int {
	count := 0
	for _, pos := range m.symbolPositions(symbol) {
		pos.mu.Lock()
		if pos.Status == StatusOpen {
			count++
		}
		pos.mu.Unlock()
	}
	return count
}

// Account returns the derived margin-account view for a user and currency.
func (m *Manager) Account(userID, currency string) AccountView {
	view := m.accountView(userID, currency)
	view.Leverage = m.Leverage(userID, currency)
	return view
}

func (m *Manager) accountView(userID, currency string) AccountView {
	available, locked := m.ledger.Balance(userID, currency)

	m.mu.RLock()
	all := make([]*Position, 0, len(m.positions))
	for _, pos := range m.positions {
		all = append(all, pos)
	}
	m.mu.RUnlock()

	usedMargin := decimal.Zero
	unrealized := decimal.Zero
	for _, pos := range all {
		pos.mu.Lock()
		if pos.Status == StatusOpen && pos.UserID == userID && pos.Currency == currency {
			usedMargin = usedMargin.Add(pos.Margin)
			unrealized = unrealized.Add(pos.UnrealizedPnL)
		}
		pos.mu.Unlock()
	}

	equity := available.Add(locked).Add(unrealized)
	marginLevel := decimal.Zero
	if usedMargin.Sign() > 0 {
		marginLevel = equity.Div(usedMargin).Mul(decimal.NewFromInt(100))
	}

	return AccountView{
		UserID:        userID,
		Currency:      currency,
		Balance:       available.Add(locked),
		Locked:        locked,
		Equity:        equity,
		UsedMargin:    usedMargin,
		UnrealizedPnL: unrealized,
		MarginLevel:   marginLevel,
	}
}

// crossExposure sums equity and maintenance margin over a user's open cross
// positions in one currency.
func (m *Manager) crossExposure(userID, currency string) (equity, maintenance decimal.Decimal, positions []*Position) {
	available, locked := m.ledger.Balance(userID, currency)
	equity = available.Add(locked)
	maintenance = decimal.Zero

	m.mu.RLock()
	all := make([]*Position, 0, len(m.positions))
	for _, pos := range m.positions {
		all = append(all, pos)
	}
	m.mu.RUnlock()

	for _, pos := range all {
		pos.mu.Lock()
		if pos.Status == StatusOpen && pos.UserID == userID && pos.Currency == currency && pos.MarginMode == ModeCross {
			equity = equity.Add(pos.UnrealizedPnL)
			if contract, err := m.oracle.Contract(pos.Symbol); err == nil {
				notional := pos.Size.Mul(pos.EntryPrice)
				maintenance = maintenance.Add(notional.Mul(contract.MaintenanceMarginRate))
			}
			positions = append(positions, pos)
		}
		pos.mu.Unlock()
	}
	return equity, maintenance, positions
}

func (m *Manager) symbolPositions(symbol string) []*Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Position, 0, len(m.bySymbol[symbol]))
	for _, pos := range m.bySymbol[symbol] {
		out = append(out, pos)
	}
	return out
}
