package position

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"exchange-core/src/config"
	"exchange-core/src/ledger"
	"exchange-core/src/oracle"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// newTestManager wires a ledger, a simulated feed marked at 50000 and a
// funded insurance account.
func newTestManager(t *testing.T) (*Manager, *ledger.Ledger, *oracle.SimFeed, *oracle.Service) {
	t.Helper()

	l := ledger.New("system:fees")
	_ = l.Credit("system:insurance", "USDT", dec("1000000"))

	feed := oracle.NewSimFeed()
	feed.SetPrice("BTCUSDT", dec("50000"))

	svc := oracle.NewService(feed, map[string]config.ContractConfig{
		"BTCUSDT": {
			SettleCurrency:        "USDT",
			MaxLeverage:           100,
			MaintenanceMarginRate: 0.005,
			MakerFeeRate:          0.0002,
			TakerFeeRate:          0.0005,
			PremiumCap:            0.005,
			FundingRateCap:        0.0075,
			FundingInterval:       config.Duration(8 * time.Hour),
			MarkInterval:          config.Duration(time.Second),
			FeedTimeout:           config.Duration(time.Second),
		},
	})
	svc.RefreshMark("BTCUSDT")

	m := NewManager(l, svc, "system:insurance")
	return m, l, feed, svc
}

func remark(feed *oracle.SimFeed, svc *oracle.Service, price string) {
	feed.SetPrice("BTCUSDT", dec(price))
	svc.RefreshMark("BTCUSDT")
}

func TestOpenIsolatedLong(t *testing.T) {
	m, l, _, svc := newTestManager(t)
	_ = l.Credit("alice", "USDT", dec("10000"))

	snap, err := m.Open("alice", "BTCUSDT", SideLong, dec("1"), ModeIsolated)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// default 10x: margin 5000, open fee 25 (0.05% taker on 50000 notional)
	if !snap.Margin.Equal(dec("5000")) {
		t.Errorf("Expected margin 5000, got: %s", snap.Margin)
	}
	if snap.Leverage != DefaultLeverage {
		t.Errorf("Expected leverage %d, got: %d", DefaultLeverage, snap.Leverage)
	}
	// liquidation at entry x (1 - 1/10 + 0.005) = 45250
	if !snap.LiquidationPrice.Equal(dec("45250")) {
		t.Errorf("Expected liquidation price 45250, got: %s", snap.LiquidationPrice)
	}

	available, locked := l.Balance("alice", "USDT")
	if !available.Equal(dec("4975")) {
		t.Errorf("Expected available 4975 after fee and margin, got: %s", available)
	}
	if !locked.Equal(dec("5000")) {
		t.Errorf("Expected locked margin 5000, got: %s", locked)
	}

	feeBalance, _ := l.Balance("system:fees", "USDT")
	if !feeBalance.Equal(dec("25")) {
		t.Errorf("Expected open fee 25 on fee account, got: %s", feeBalance)
	}

	contract, _ := svc.Contract("BTCUSDT")
	if !contract.OpenInterest.Equal(dec("1")) {
		t.Errorf("Expected open interest 1, got: %s", contract.OpenInterest)
	}
}

func TestOpenRejectsInsufficientMargin(t *testing.T) {
	m, l, _, _ := newTestManager(t)
	_ = l.Credit("alice", "USDT", dec("100"))

	_, err := m.Open("alice", "BTCUSDT", SideLong, dec("1"), ModeIsolated)

	var marginErr *InsufficientMarginError
	if !errors.As(err, &marginErr) {
		t.Fatalf("Expected InsufficientMarginError, got: %v", err)
	}
}

func TestRejectedOpenLeavesBalanceUntouched(t *testing.T) {
	m, l, _, _ := newTestManager(t)

	// enough for the 25 open fee, nowhere near the 5000 margin
	_ = l.Credit("alice", "USDT", dec("100"))

	for _, mode := range []MarginMode{ModeIsolated, ModeCross} {
		_, err := m.Open("alice", "BTCUSDT", SideLong, dec("1"), mode)
		var marginErr *InsufficientMarginError
		if !errors.As(err, &marginErr) {
			t.Fatalf("Expected InsufficientMarginError in %s mode, got: %v", mode, err)
		}

		available, locked := l.Balance("alice", "USDT")
		if !available.Equal(dec("100")) {
			t.Errorf("Expected available 100 after rejected %s open, got: %s", mode, available)
		}
		if !locked.IsZero() {
			t.Errorf("Expected locked 0 after rejected %s open, got: %s", mode, locked)
		}
	}
}

func TestConcurrentCrossOpensRespectEquity(t *testing.T) {
	m, l, _, _ := newTestManager(t)

	// equity 6000 affords exactly one 5000-margin position plus its 25 fee
	_ = l.Credit("alice", "USDT", dec("6000"))

	const attempts = 8
	var wg sync.WaitGroup
	var opened int64
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Open("alice", "BTCUSDT", SideLong, dec("1"), ModeCross); err == nil {
				atomic.AddInt64(&opened, 1)
			}
		}()
	}
	wg.Wait()

	if opened != 1 {
		t.Fatalf("Expected exactly 1 cross open to succeed, got: %d", opened)
	}

	// only the winner's fee left the account
	available, _ := l.Balance("alice", "USDT")
	if !available.Equal(dec("5975")) {
		t.Errorf("Expected available 5975 after one fee, got: %s", available)
	}
}

func TestCloseAtProfit(t *testing.T) {
	m, l, feed, svc := newTestManager(t)
	_ = l.Credit("alice", "USDT", dec("10000"))

	snap, _ := m.Open("alice", "BTCUSDT", SideLong, dec("1"), ModeIsolated)

	remark(feed, svc, "55000")

	closed, pnl, err := m.Close(snap.ID, "alice", decimal.Zero)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if closed.Status != StatusClosed {
		t.Errorf("Expected status closed, got: %s", closed.Status)
	}

	// +5000 price move minus the 27.5 close fee
	if !pnl.Equal(dec("4972.5")) {
		t.Errorf("Expected net pnl 4972.5, got: %s", pnl)
	}

	available, locked := l.Balance("alice", "USDT")
	if !available.Equal(dec("14947.5")) {
		t.Errorf("Expected available 14947.5, got: %s", available)
	}
	if !locked.IsZero() {
		t.Errorf("Expected locked 0 after close, got: %s", locked)
	}
}

func TestCloseAtLossComesFromMargin(t *testing.T) {
	m, l, feed, svc := newTestManager(t)
	_ = l.Credit("alice", "USDT", dec("10000"))

	snap, _ := m.Open("alice", "BTCUSDT", SideLong, dec("1"), ModeIsolated)

	remark(feed, svc, "46000")

	_, pnl, err := m.Close(snap.ID, "alice", decimal.Zero)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	// -4000 move minus the 23 close fee
	if !pnl.Equal(dec("-4023")) {
		t.Errorf("Expected net pnl -4023, got: %s", pnl)
	}

	// loss paid from the reserved margin, remainder returned
	available, locked := l.Balance("alice", "USDT")
	if !available.Equal(dec("5952")) {
		t.Errorf("Expected available 5952, got: %s", available)
	}
	if !locked.IsZero() {
		t.Errorf("Expected locked 0, got: %s", locked)
	}
}

func TestPartialClose(t *testing.T) {
	m, l, _, _ := newTestManager(t)
	_ = l.Credit("alice", "USDT", dec("20000"))

	snap, _ := m.Open("alice", "BTCUSDT", SideLong, dec("2"), ModeIsolated)

	// close half at the entry price: pnl is just the -25 close fee
	closed, pnl, err := m.Close(snap.ID, "alice", dec("1"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if closed.Status != StatusOpen {
		t.Errorf("Expected position still open, got: %s", closed.Status)
	}
	if !closed.Size.Equal(dec("1")) {
		t.Errorf("Expected remaining size 1, got: %s", closed.Size)
	}
	if !closed.Margin.Equal(dec("5000")) {
		t.Errorf("Expected remaining margin 5000, got: %s", closed.Margin)
	}
	if !pnl.Equal(dec("-25")) {
		t.Errorf("Expected net pnl -25, got: %s", pnl)
	}

	_, locked := l.Balance("alice", "USDT")
	if !locked.Equal(dec("5000")) {
		t.Errorf("Expected locked margin 5000 after partial close, got: %s", locked)
	}
}

func TestIsolatedLiquidationLosesAtMostMargin(t *testing.T) {
	m, l, feed, svc := newTestManager(t)
	_ = l.Credit("alice", "USDT", dec("10000"))

	snap, _ := m.Open("alice", "BTCUSDT", SideLong, dec("1"), ModeIsolated)

	// mark crashes well past the liquidation price of 45250
	remark(feed, svc, "40000")
	m.OnMarkPrice("BTCUSDT", dec("40000"))

	liquidated, _ := m.Position(snap.ID)
	if liquidated.Status != StatusLiquidated {
		t.Fatalf("Expected status liquidated, got: %s", liquidated.Status)
	}

	// the 10000 raw loss is capped at the 5000 margin
	if !liquidated.RealizedPnL.Equal(dec("-5000")) {
		t.Errorf("Expected realized pnl -5000, got: %s", liquidated.RealizedPnL)
	}

	// available balance is untouched beyond the margin already reserved
	available, locked := l.Balance("alice", "USDT")
	if !available.Equal(dec("4975")) {
		t.Errorf("Expected available 4975, got: %s", available)
	}
	if !locked.IsZero() {
		t.Errorf("Expected locked 0, got: %s", locked)
	}

	// a liquidated position cannot be closed
	var liqErr *LiquidationInProgressError
	if _, _, err := m.Close(snap.ID, "alice", decimal.Zero); !errors.As(err, &liqErr) {
		t.Errorf("Expected LiquidationInProgressError, got: %v", err)
	}

	contract, _ := svc.Contract("BTCUSDT")
	if !contract.OpenInterest.IsZero() {
		t.Errorf("Expected open interest back to 0, got: %s", contract.OpenInterest)
	}
}

func TestLiquidationTriggersOnExactThreshold(t *testing.T) {
	m, l, feed, svc := newTestManager(t)
	_ = l.Credit("alice", "USDT", dec("10000"))

	snap, _ := m.Open("alice", "BTCUSDT", SideLong, dec("1"), ModeIsolated)

	// mark exactly at the liquidation price: ties liquidate
	remark(feed, svc, "45250")
	m.OnMarkPrice("BTCUSDT", dec("45250"))

	liquidated, _ := m.Position(snap.ID)
	if liquidated.Status != StatusLiquidated {
		t.Errorf("Expected liquidation at exact threshold, got: %s", liquidated.Status)
	}

	// unused margin after the 4750 loss returns to the account
	available, _ := l.Balance("alice", "USDT")
	if !available.Equal(dec("5225")) {
		t.Errorf("Expected available 5225, got: %s", available)
	}
}

func TestShortLiquidatesAbove(t *testing.T) {
	m, l, feed, svc := newTestManager(t)
	_ = l.Credit("alice", "USDT", dec("10000"))

	snap, _ := m.Open("alice", "BTCUSDT", SideShort, dec("1"), ModeIsolated)

	// short at 10x liquidates at entry x (1 + 1/10 - 0.005) = 54750
	if !snap.LiquidationPrice.Equal(dec("54750")) {
		t.Fatalf("Expected liquidation price 54750, got: %s", snap.LiquidationPrice)
	}

	remark(feed, svc, "54000")
	m.OnMarkPrice("BTCUSDT", dec("54000"))
	open, _ := m.Position(snap.ID)
	if open.Status != StatusOpen {
		t.Fatalf("Expected short still open below threshold, got: %s", open.Status)
	}

	remark(feed, svc, "55000")
	m.OnMarkPrice("BTCUSDT", dec("55000"))
	liquidated, _ := m.Position(snap.ID)
	if liquidated.Status != StatusLiquidated {
		t.Errorf("Expected short liquidated above threshold, got: %s", liquidated.Status)
	}
}

func TestFundingLongPaysPositiveRate(t *testing.T) {
	m, l, _, _ := newTestManager(t)
	_ = l.Credit("alice", "USDT", dec("10000"))

	snap, _ := m.Open("alice", "BTCUSDT", SideLong, dec("1"), ModeIsolated)

	insuranceBefore, _ := l.Balance("system:insurance", "USDT")

	// 0.1% of the 50000 notional: the long pays 50
	m.OnFunding("BTCUSDT", dec("0.001"), dec("50000"))

	available, _ := l.Balance("alice", "USDT")
	if !available.Equal(dec("4925")) {
		t.Errorf("Expected available 4925 after funding, got: %s", available)
	}

	insuranceAfter, _ := l.Balance("system:insurance", "USDT")
	if !insuranceAfter.Sub(insuranceBefore).Equal(dec("50")) {
		t.Errorf("Expected insurance to collect 50, got delta: %s", insuranceAfter.Sub(insuranceBefore))
	}

	pos, _ := m.Position(snap.ID)
	if !pos.FundingFee.Equal(dec("50")) {
		t.Errorf("Expected funding fee 50, got: %s", pos.FundingFee)
	}
	// funding never touches size or entry
	if !pos.Size.Equal(dec("1")) || !pos.EntryPrice.Equal(dec("50000")) {
		t.Errorf("Expected size/entry unchanged, got: %s @ %s", pos.Size, pos.EntryPrice)
	}
}

func TestFundingLongReceivesNegativeRate(t *testing.T) {
	m, l, _, _ := newTestManager(t)
	_ = l.Credit("alice", "USDT", dec("10000"))

	snap, _ := m.Open("alice", "BTCUSDT", SideLong, dec("1"), ModeIsolated)

	m.OnFunding("BTCUSDT", dec("-0.001"), dec("50000"))

	available, _ := l.Balance("alice", "USDT")
	if !available.Equal(dec("5025")) {
		t.Errorf("Expected available 5025 after funding payout, got: %s", available)
	}

	pos, _ := m.Position(snap.ID)
	if !pos.FundingFee.Equal(dec("-50")) {
		t.Errorf("Expected funding fee -50, got: %s", pos.FundingFee)
	}
}

func TestFundingFallsBackToIsolatedMargin(t *testing.T) {
	m, l, _, _ := newTestManager(t)
	// just enough for fee and margin, nothing spare for funding
	_ = l.Credit("alice", "USDT", dec("5025"))

	snap, _ := m.Open("alice", "BTCUSDT", SideLong, dec("1"), ModeIsolated)

	m.OnFunding("BTCUSDT", dec("0.001"), dec("50000"))

	pos, _ := m.Position(snap.ID)
	if !pos.FundingFee.Equal(dec("50")) {
		t.Errorf("Expected funding fee 50 charged from margin, got: %s", pos.FundingFee)
	}
	if !pos.Margin.Equal(dec("4950")) {
		t.Errorf("Expected margin reduced to 4950, got: %s", pos.Margin)
	}
}

func TestSetLeverage(t *testing.T) {
	m, l, _, _ := newTestManager(t)
	_ = l.Credit("alice", "USDT", dec("10000"))

	if err := m.SetLeverage("alice", "USDT", 20); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if lev := m.Leverage("alice", "USDT"); lev != 20 {
		t.Errorf("Expected leverage 20, got: %d", lev)
	}

	var rangeErr *LeverageOutOfRangeError
	if err := m.SetLeverage("alice", "USDT", 101); !errors.As(err, &rangeErr) {
		t.Errorf("Expected LeverageOutOfRangeError, got: %v", err)
	}
	if err := m.SetLeverage("alice", "USDT", 0); !errors.As(err, &rangeErr) {
		t.Errorf("Expected LeverageOutOfRangeError for zero, got: %v", err)
	}

	var vErr *ValidationError
	if err := m.SetLeverage("alice", "EUR", 5); !errors.As(err, &vErr) {
		t.Errorf("Expected ValidationError for unknown currency, got: %v", err)
	}
}

func TestSetLeverageLockedByOpenPosition(t *testing.T) {
	m, l, _, _ := newTestManager(t)
	_ = l.Credit("alice", "USDT", dec("20000"))

	snap, err := m.Open("alice", "BTCUSDT", SideLong, dec("1"), ModeIsolated)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	var lockedErr *LeverageLockedError
	if err := m.SetLeverage("alice", "USDT", 20); !errors.As(err, &lockedErr) {
		t.Errorf("Expected LeverageLockedError, got: %v", err)
	}

	// closing the position unlocks leverage changes
	if _, _, err := m.Close(snap.ID, "alice", decimal.Zero); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := m.SetLeverage("alice", "USDT", 20); err != nil {
		t.Errorf("Expected leverage change after close, got: %v", err)
	}
}

func TestHigherLeverageReducesMargin(t *testing.T) {
	m, l, _, _ := newTestManager(t)
	_ = l.Credit("alice", "USDT", dec("10000"))

	_ = m.SetLeverage("alice", "USDT", 50)
	snap, err := m.Open("alice", "BTCUSDT", SideLong, dec("1"), ModeIsolated)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if !snap.Margin.Equal(dec("1000")) {
		t.Errorf("Expected margin 1000 at 50x, got: %s", snap.Margin)
	}
	// liquidation tighter at higher leverage: 50000 x (1 - 0.02 + 0.005)
	if !snap.LiquidationPrice.Equal(dec("49250")) {
		t.Errorf("Expected liquidation price 49250, got: %s", snap.LiquidationPrice)
	}
}

func TestCrossOpenChecksAccountEquity(t *testing.T) {
	m, l, _, _ := newTestManager(t)
	_ = l.Credit("alice", "USDT", dec("10000"))

	// first cross position fits: equity 10000 covers 5000 margin + 25 fee
	if _, err := m.Open("alice", "BTCUSDT", SideLong, dec("1"), ModeCross); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// cross margin is not reserved on the ledger
	_, locked := l.Balance("alice", "USDT")
	if !locked.IsZero() {
		t.Errorf("Expected no locked funds in cross mode, got: %s", locked)
	}

	// a second identical position would need 10025 total against 9975 equity
	_, err := m.Open("alice", "BTCUSDT", SideLong, dec("1"), ModeCross)
	var marginErr *InsufficientMarginError
	if !errors.As(err, &marginErr) {
		t.Errorf("Expected InsufficientMarginError, got: %v", err)
	}
}

func TestCrossCloseLossFromBalance(t *testing.T) {
	m, l, feed, svc := newTestManager(t)
	_ = l.Credit("alice", "USDT", dec("10000"))

	snap, _ := m.Open("alice", "BTCUSDT", SideLong, dec("1"), ModeCross)

	remark(feed, svc, "46000")

	_, pnl, err := m.Close(snap.ID, "alice", decimal.Zero)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !pnl.Equal(dec("-4023")) {
		t.Errorf("Expected net pnl -4023, got: %s", pnl)
	}

	// loss comes straight from available: 10000 - 25 fee - 4023
	available, _ := l.Balance("alice", "USDT")
	if !available.Equal(dec("5952")) {
		t.Errorf("Expected available 5952, got: %s", available)
	}
}

func TestCrossAccountLiquidation(t *testing.T) {
	m, l, feed, svc := newTestManager(t)
	// thin account: equity barely above the initial margin requirement
	_ = l.Credit("alice", "USDT", dec("5100"))

	snap, err := m.Open("alice", "BTCUSDT", SideLong, dec("1"), ModeCross)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// mark falls far enough that equity (5075 - 6000 unrealized) is under
	// the 250 maintenance requirement
	remark(feed, svc, "44000")
	m.OnMarkPrice("BTCUSDT", dec("44000"))

	liquidated, _ := m.Position(snap.ID)
	if liquidated.Status != StatusLiquidated {
		t.Fatalf("Expected cross liquidation, got: %s", liquidated.Status)
	}

	// the loss is capped at the account's available balance
	available, _ := l.Balance("alice", "USDT")
	if !available.IsZero() {
		t.Errorf("Expected account drained to 0, got: %s", available)
	}
}

func TestPositionConservesLedgerSupply(t *testing.T) {
	m, l, feed, svc := newTestManager(t)
	_ = l.Credit("alice", "USDT", dec("10000"))

	before := l.TotalSupply("USDT")

	snap, _ := m.Open("alice", "BTCUSDT", SideLong, dec("1"), ModeIsolated)
	m.OnFunding("BTCUSDT", dec("0.001"), dec("50000"))
	remark(feed, svc, "52000")
	_, _, _ = m.Close(snap.ID, "alice", decimal.Zero)

	after := l.TotalSupply("USDT")
	if !after.Equal(before) {
		t.Errorf("Expected total supply conserved at %s, got: %s", before, after)
	}
}

func TestCloseRequiresOwnership(t *testing.T) {
	m, l, _, _ := newTestManager(t)
	_ = l.Credit("alice", "USDT", dec("10000"))

	snap, _ := m.Open("alice", "BTCUSDT", SideLong, dec("1"), ModeIsolated)

	var notFound *PositionNotFoundError
	if _, _, err := m.Close(snap.ID, "mallory", decimal.Zero); !errors.As(err, &notFound) {
		t.Errorf("Expected PositionNotFoundError, got: %v", err)
	}
}

func TestAccountViewMarginLevel(t *testing.T) {
	m, l, _, _ := newTestManager(t)
	_ = l.Credit("alice", "USDT", dec("10000"))

	_, _ = m.Open("alice", "BTCUSDT", SideLong, dec("1"), ModeIsolated)

	view := m.Account("alice", "USDT")
	if !view.UsedMargin.Equal(dec("5000")) {
		t.Errorf("Expected used margin 5000, got: %s", view.UsedMargin)
	}
	if !view.Balance.Equal(dec("9975")) {
		t.Errorf("Expected balance 9975, got: %s", view.Balance)
	}
	// equity 9975 / margin 5000 x 100 = 199.5
	if !view.MarginLevel.Equal(dec("199.5")) {
		t.Errorf("Expected margin level 199.5, got: %s", view.MarginLevel)
	}
}
