package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"exchange-core/src/config"
	"exchange-core/src/ledger"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestMatcher() (*Matcher, *ledger.Ledger) {
	l := ledger.New("system:fees")
	m := NewMatcher(l, map[string]config.PairConfig{
		"BTC/USDT": {
			Base: "BTC", Quote: "USDT",
			MakerFeeRate: 0.001, TakerFeeRate: 0.002,
			PriceCollar: 0.10, SlippageBuffer: 0.05,
			BasePrecision: 8, QuotePrecision: 2,
		},
	})
	return m, l
}

func TestLimitOrderFullMatchAtMakerPrice(t *testing.T) {
	m, l := newTestMatcher()
	_ = l.Credit("seller", "BTC", dec("1"))
	_ = l.Credit("buyer", "USDT", dec("50000"))

	// resting sell at 50000
	sellOrder, _, err := m.PlaceOrder("seller", "BTC/USDT", SideSell, LimitKind(dec("50000")), dec("1"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if sellOrder.Status != StatusOpen {
		t.Errorf("Expected resting sell to be open, got: %s", sellOrder.Status)
	}

	// incoming buy at the same price fills completely
	buyOrder, trades, err := m.PlaceOrder("buyer", "BTC/USDT", SideBuy, LimitKind(dec("50000")), dec("1"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if buyOrder.Status != StatusFilled {
		t.Errorf("Expected status filled, got: %s", buyOrder.Status)
	}
	if len(trades) != 1 {
		t.Fatalf("Expected 1 trade, got: %d", len(trades))
	}
	if !trades[0].Price.Equal(dec("50000")) {
		t.Errorf("Expected trade price 50000, got: %s", trades[0].Price)
	}

	// seller (maker, 0.1%) receives 50000 - 50 quote
	sellerUSDT, _ := l.Balance("seller", "USDT")
	if !sellerUSDT.Equal(dec("49950")) {
		t.Errorf("Expected seller USDT 49950, got: %s", sellerUSDT)
	}

	// buyer (taker, 0.2%) receives 1 - 0.002 base
	buyerBTC, _ := l.Balance("buyer", "BTC")
	if !buyerBTC.Equal(dec("0.998")) {
		t.Errorf("Expected buyer BTC 0.998, got: %s", buyerBTC)
	}

	// both fees land on the system fee account
	feeUSDT, _ := l.Balance("system:fees", "USDT")
	feeBTC, _ := l.Balance("system:fees", "BTC")
	if !feeUSDT.Equal(dec("50")) {
		t.Errorf("Expected fee account 50 USDT, got: %s", feeUSDT)
	}
	if !feeBTC.Equal(dec("0.002")) {
		t.Errorf("Expected fee account 0.002 BTC, got: %s", feeBTC)
	}
}

func TestTakerFillsAtMakerPriceThenRests(t *testing.T) {
	m, l := newTestMatcher()
	_ = l.Credit("seller", "BTC", dec("0.5"))
	_ = l.Credit("buyer", "USDT", dec("50000"))

	// maker offers 0.5 at 49900
	_, _, err := m.PlaceOrder("seller", "BTC/USDT", SideSell, LimitKind(dec("49900")), dec("0.5"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// taker bids 1.0 at 50000: fills 0.5 at the maker's 49900 and rests 0.5
	buyOrder, trades, err := m.PlaceOrder("buyer", "BTC/USDT", SideBuy, LimitKind(dec("50000")), dec("1"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if buyOrder.Status != StatusPartiallyFilled {
		t.Errorf("Expected status partially_filled, got: %s", buyOrder.Status)
	}
	if !buyOrder.Filled.Equal(dec("0.5")) {
		t.Errorf("Expected filled 0.5, got: %s", buyOrder.Filled)
	}
	if len(trades) != 1 {
		t.Fatalf("Expected 1 trade, got: %d", len(trades))
	}
	if !trades[0].Price.Equal(dec("49900")) {
		t.Errorf("Expected execution at maker price 49900, got: %s", trades[0].Price)
	}

	// the remainder rests as the best bid at 50000
	book, _ := m.Book("BTC/USDT")
	bidPrice, bidAmount, ok := book.BestBid()
	if !ok {
		t.Fatal("Expected a resting bid")
	}
	if !bidPrice.Equal(dec("50000")) || !bidAmount.Equal(dec("0.5")) {
		t.Errorf("Expected best bid 0.5@50000, got: %s@%s", bidAmount, bidPrice)
	}
}

func TestTimePriorityWithinLevel(t *testing.T) {
	m, l := newTestMatcher()
	_ = l.Credit("first", "BTC", dec("0.5"))
	_ = l.Credit("second", "BTC", dec("0.5"))
	_ = l.Credit("buyer", "USDT", dec("25000"))

	firstOrder, _, _ := m.PlaceOrder("first", "BTC/USDT", SideSell, LimitKind(dec("50000")), dec("0.5"))
	_, _, _ = m.PlaceOrder("second", "BTC/USDT", SideSell, LimitKind(dec("50000")), dec("0.5"))

	// same-price level fills in arrival order
	_, trades, err := m.PlaceOrder("buyer", "BTC/USDT", SideBuy, LimitKind(dec("50000")), dec("0.5"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("Expected 1 trade, got: %d", len(trades))
	}
	if trades[0].SellUserID != "first" {
		t.Errorf("Expected earlier order to fill first, got seller: %s", trades[0].SellUserID)
	}

	filled, _ := m.OrderByID(firstOrder.ID)
	if filled.Status != StatusFilled {
		t.Errorf("Expected first order filled, got: %s", filled.Status)
	}
}

func TestMarketSellRemainderCancelled(t *testing.T) {
	m, l := newTestMatcher()
	_ = l.Credit("buyer", "USDT", dec("60000"))
	_ = l.Credit("seller", "BTC", dec("2"))

	// book has 1.2 of bid depth
	_, _, _ = m.PlaceOrder("buyer", "BTC/USDT", SideBuy, LimitKind(dec("50000")), dec("1.2"))

	// market sell 2.0 consumes the depth, rest is cancelled, never rests
	order, trades, err := m.PlaceOrder("seller", "BTC/USDT", SideSell, MarketKind(), dec("2"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if order.Status != StatusCancelled {
		t.Errorf("Expected status cancelled, got: %s", order.Status)
	}
	if !order.Filled.Equal(dec("1.2")) {
		t.Errorf("Expected filled 1.2, got: %s", order.Filled)
	}
	if len(trades) != 1 {
		t.Fatalf("Expected 1 trade, got: %d", len(trades))
	}

	// the unfilled 0.8 base is back in the seller's available balance
	sellerBTC, sellerLockedBTC := l.Balance("seller", "BTC")
	if !sellerBTC.Equal(dec("0.8")) {
		t.Errorf("Expected seller BTC available 0.8, got: %s", sellerBTC)
	}
	if !sellerLockedBTC.IsZero() {
		t.Errorf("Expected seller BTC locked 0, got: %s", sellerLockedBTC)
	}

	// nothing rests on the ask side
	book, _ := m.Book("BTC/USDT")
	if _, _, ok := book.BestAsk(); ok {
		t.Error("Expected no resting asks after market sell")
	}
}

func TestMarketBuyAgainstEmptyBookCancelled(t *testing.T) {
	m, l := newTestMatcher()
	_ = l.Credit("buyer", "USDT", dec("10000"))

	order, trades, err := m.PlaceOrder("buyer", "BTC/USDT", SideBuy, MarketKind(), dec("1"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if order.Status != StatusCancelled {
		t.Errorf("Expected status cancelled, got: %s", order.Status)
	}
	if len(trades) != 0 {
		t.Errorf("Expected no trades, got: %d", len(trades))
	}

	// nothing was reserved
	available, locked := l.Balance("buyer", "USDT")
	if !available.Equal(dec("10000")) || !locked.IsZero() {
		t.Errorf("Expected untouched balances 10000/0, got: %s/%s", available, locked)
	}
}

func TestMarketBuyReleasesSlippageHeadroom(t *testing.T) {
	m, l := newTestMatcher()
	_ = l.Credit("seller", "BTC", dec("1"))
	// exactly the 5% padded estimate: 50000 x 1 x 1.05
	_ = l.Credit("buyer", "USDT", dec("52500"))

	_, _, _ = m.PlaceOrder("seller", "BTC/USDT", SideSell, LimitKind(dec("50000")), dec("1"))

	order, trades, err := m.PlaceOrder("buyer", "BTC/USDT", SideBuy, MarketKind(), dec("1"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if order.Status != StatusFilled {
		t.Errorf("Expected status filled, got: %s", order.Status)
	}
	if len(trades) != 1 || !trades[0].Price.Equal(dec("50000")) {
		t.Fatalf("Expected 1 trade at 50000, got: %+v", trades)
	}

	// the unspent headroom returns to available once the order terminates
	available, locked := l.Balance("buyer", "USDT")
	if !available.Equal(dec("2500")) {
		t.Errorf("Expected leftover 2500 USDT, got: %s", available)
	}
	if !locked.IsZero() {
		t.Errorf("Expected locked 0, got: %s", locked)
	}
}

func TestInsufficientBalanceRejected(t *testing.T) {
	m, l := newTestMatcher()
	_ = l.Credit("buyer", "USDT", dec("100"))

	_, _, err := m.PlaceOrder("buyer", "BTC/USDT", SideBuy, LimitKind(dec("50000")), dec("1"))

	var insufficientErr *ledger.InsufficientBalanceError
	if !errors.As(err, &insufficientErr) {
		t.Fatalf("Expected InsufficientBalanceError, got: %v", err)
	}

	// rejected order leaves no trace in the book
	book, _ := m.Book("BTC/USDT")
	if _, _, ok := book.BestBid(); ok {
		t.Error("Expected empty book after rejection")
	}
}

func TestPriceCollarRejectsOutliers(t *testing.T) {
	m, l := newTestMatcher()
	_ = l.Credit("seller", "BTC", dec("1"))
	_ = l.Credit("buyer", "USDT", dec("120000"))

	// establish a reference price of 50000
	_, _, _ = m.PlaceOrder("seller", "BTC/USDT", SideSell, LimitKind(dec("50000")), dec("1"))
	_, _, _ = m.PlaceOrder("buyer", "BTC/USDT", SideBuy, LimitKind(dec("50000")), dec("1"))

	// 12% above the last trade exceeds the 10% collar
	_, _, err := m.PlaceOrder("buyer", "BTC/USDT", SideBuy, LimitKind(dec("56000")), dec("0.1"))

	var collarErr *PriceOutOfBoundsError
	if !errors.As(err, &collarErr) {
		t.Fatalf("Expected PriceOutOfBoundsError, got: %v", err)
	}
	if !collarErr.Reference.Equal(dec("50000")) {
		t.Errorf("Expected reference 50000, got: %s", collarErr.Reference)
	}

	// within the collar still passes
	_, _, err = m.PlaceOrder("buyer", "BTC/USDT", SideBuy, LimitKind(dec("54000")), dec("0.1"))
	if err != nil {
		t.Errorf("Expected order within collar accepted, got: %v", err)
	}
}

func TestCancelReleasesReservation(t *testing.T) {
	m, l := newTestMatcher()
	_ = l.Credit("buyer", "USDT", dec("50000"))

	order, _, _ := m.PlaceOrder("buyer", "BTC/USDT", SideBuy, LimitKind(dec("50000")), dec("1"))

	available, locked := l.Balance("buyer", "USDT")
	if !available.IsZero() || !locked.Equal(dec("50000")) {
		t.Fatalf("Expected balances 0/50000 while resting, got: %s/%s", available, locked)
	}

	cancelled, err := m.CancelOrder(order.ID, "buyer")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("Expected status cancelled, got: %s", cancelled.Status)
	}

	available, locked = l.Balance("buyer", "USDT")
	if !available.Equal(dec("50000")) || !locked.IsZero() {
		t.Errorf("Expected balances 50000/0 after cancel, got: %s/%s", available, locked)
	}

	// second cancel hits the terminal check
	var terminalErr *AlreadyTerminalError
	if _, err := m.CancelOrder(order.ID, "buyer"); !errors.As(err, &terminalErr) {
		t.Errorf("Expected AlreadyTerminalError, got: %v", err)
	}
}

func TestCancelRequiresOwnership(t *testing.T) {
	m, l := newTestMatcher()
	_ = l.Credit("buyer", "USDT", dec("50000"))

	order, _, _ := m.PlaceOrder("buyer", "BTC/USDT", SideBuy, LimitKind(dec("50000")), dec("1"))

	var notFound *OrderNotFoundError
	if _, err := m.CancelOrder(order.ID, "mallory"); !errors.As(err, &notFound) {
		t.Errorf("Expected OrderNotFoundError for foreign cancel, got: %v", err)
	}
}

func TestUnknownPairRejected(t *testing.T) {
	m, _ := newTestMatcher()

	_, _, err := m.PlaceOrder("buyer", "DOGE/USDT", SideBuy, LimitKind(dec("1")), dec("1"))

	var unknownErr *UnknownPairError
	if !errors.As(err, &unknownErr) {
		t.Errorf("Expected UnknownPairError, got: %v", err)
	}
}

func TestBookNeverCrossed(t *testing.T) {
	m, l := newTestMatcher()
	_ = l.Credit("alice", "USDT", dec("1000000"))
	_ = l.Credit("alice", "BTC", dec("20"))
	_ = l.Credit("bob", "USDT", dec("1000000"))
	_ = l.Credit("bob", "BTC", dec("20"))

	prices := []string{"50000", "50100", "49900", "50050", "49950", "50000"}
	for i, p := range prices {
		if i%2 == 0 {
			_, _, _ = m.PlaceOrder("alice", "BTC/USDT", SideBuy, LimitKind(dec(p)), dec("0.5"))
			_, _, _ = m.PlaceOrder("bob", "BTC/USDT", SideSell, LimitKind(dec(p)), dec("0.3"))
		} else {
			_, _, _ = m.PlaceOrder("bob", "BTC/USDT", SideBuy, LimitKind(dec(p)), dec("0.4"))
			_, _, _ = m.PlaceOrder("alice", "BTC/USDT", SideSell, LimitKind(dec(p)), dec("0.6"))
		}

		book, _ := m.Book("BTC/USDT")
		bid, _, hasBid := book.BestBid()
		ask, _, hasAsk := book.BestAsk()
		if hasBid && hasAsk && bid.GreaterThanOrEqual(ask) {
			t.Fatalf("Book crossed after order %d: bid %s >= ask %s", i, bid, ask)
		}
	}
}

func TestMatchingConservesSupply(t *testing.T) {
	m, l := newTestMatcher()
	_ = l.Credit("alice", "USDT", dec("500000"))
	_ = l.Credit("alice", "BTC", dec("10"))
	_ = l.Credit("bob", "USDT", dec("500000"))
	_ = l.Credit("bob", "BTC", dec("10"))

	baseBefore := l.TotalSupply("BTC")
	quoteBefore := l.TotalSupply("USDT")

	_, _, _ = m.PlaceOrder("alice", "BTC/USDT", SideSell, LimitKind(dec("50000")), dec("2"))
	_, _, _ = m.PlaceOrder("bob", "BTC/USDT", SideBuy, LimitKind(dec("50000")), dec("1.5"))
	_, _, _ = m.PlaceOrder("bob", "BTC/USDT", SideBuy, LimitKind(dec("49900")), dec("1"))
	_, _, _ = m.PlaceOrder("alice", "BTC/USDT", SideSell, MarketKind(), dec("3"))
	_, _, _ = m.PlaceOrder("bob", "BTC/USDT", SideBuy, MarketKind(), dec("0.5"))

	if !l.TotalSupply("BTC").Equal(baseBefore) {
		t.Errorf("Expected BTC supply conserved at %s, got: %s", baseBefore, l.TotalSupply("BTC"))
	}
	if !l.TotalSupply("USDT").Equal(quoteBefore) {
		t.Errorf("Expected USDT supply conserved at %s, got: %s", quoteBefore, l.TotalSupply("USDT"))
	}
}

func TestRestoreOrderRestsWithoutMatching(t *testing.T) {
	m, l := newTestMatcher()
	_ = l.Credit("buyer", "USDT", dec("50000"))
	_ = l.Credit("seller", "BTC", dec("1"))

	orderID := uuid.New().String()
	err := m.RestoreOrder(orderID, "buyer", "BTC/USDT", SideBuy, dec("50000"), dec("1"), decimal.Zero, time.Now())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	// restored order re-reserved its quote
	available, locked := l.Balance("buyer", "USDT")
	if !available.IsZero() || !locked.Equal(dec("50000")) {
		t.Errorf("Expected balances 0/50000 after restore, got: %s/%s", available, locked)
	}

	book, _ := m.Book("BTC/USDT")
	bidPrice, _, ok := book.BestBid()
	if !ok || !bidPrice.Equal(dec("50000")) {
		t.Fatalf("Expected restored bid at 50000, got ok=%v price=%s", ok, bidPrice)
	}

	// restored order participates in subsequent matching
	_, trades, err := m.PlaceOrder("seller", "BTC/USDT", SideSell, MarketKind(), dec("1"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(trades) != 1 || trades[0].BuyOrderID != orderID {
		t.Errorf("Expected trade against restored order, got: %+v", trades)
	}
}

func TestOrdersByUserNewestFirst(t *testing.T) {
	m, l := newTestMatcher()
	_ = l.Credit("buyer", "USDT", dec("200000"))

	first, _, _ := m.PlaceOrder("buyer", "BTC/USDT", SideBuy, LimitKind(dec("49000")), dec("1"))
	time.Sleep(2 * time.Millisecond)
	second, _, _ := m.PlaceOrder("buyer", "BTC/USDT", SideBuy, LimitKind(dec("48000")), dec("1"))

	orders := m.OrdersByUser("BTC/USDT", "buyer")
	if len(orders) != 2 {
		t.Fatalf("Expected 2 orders, got: %d", len(orders))
	}
	if orders[0].ID != second.ID || orders[1].ID != first.ID {
		t.Error("Expected newest order first")
	}
}
