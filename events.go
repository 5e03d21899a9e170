package main

import (
	"time"

	"github.com/shopspring/decimal"

	"exchange-core/src/engine"
	"exchange-core/src/metrics"
	"exchange-core/src/oracle"
	"exchange-core/src/position"
	"exchange-core/src/store"
	"exchange-core/src/stream"
)

// eventSink fans post-commit engine and position events out to the
// write-behind store, prometheus metrics and the websocket stream. All
// receivers are non-blocking so matching never waits on a consumer.
type eventSink struct {
	store  *store.Store
	stream *stream.Server
	oracle *oracle.Service
}

func (s *eventSink) TradeExecuted(trade *engine.Trade) {
	volume, _ := trade.Amount.Float64()
	metrics.RecordTrade(trade.Pair, volume)

	s.store.SaveTrade(&store.TradeRecord{
		ID:          trade.ID,
		Pair:        trade.Pair,
		Price:       trade.Price.String(),
		Amount:      trade.Amount.String(),
		BuyOrderID:  trade.BuyOrderID,
		SellOrderID: trade.SellOrderID,
		TakerSide:   string(trade.TakerSide),
		CreatedAt:   trade.CreatedAt,
	})

	s.stream.Publish(stream.Event{Type: "trade", Data: map[string]interface{}{
		"trade_id":   trade.ID,
		"pair":       trade.Pair,
		"price":      trade.Price.String(),
		"amount":     trade.Amount.String(),
		"taker_side": string(trade.TakerSide),
		"timestamp":  trade.CreatedAt.UnixMilli(),
	}})
}

func (s *eventSink) OrderUpdated(order engine.Order) {
	record := &store.OrderRecord{
		ID:        order.ID,
		UserID:    order.UserID,
		Pair:      order.Pair,
		Side:      string(order.Side),
		Type:      string(order.Kind.Type()),
		Amount:    order.Amount.String(),
		Filled:    order.Filled.String(),
		Status:    string(order.Status),
		CreatedAt: order.CreatedAt,
		UpdatedAt: time.Now(),
	}
	if price, ok := order.Kind.LimitPrice(); ok {
		record.Price = price.String()
	}
	s.store.SaveOrder(record)
}

func (s *eventSink) PositionOpened(snap position.Snapshot) {
	metrics.RecordPositionOpened(snap.Symbol, string(snap.Side), string(snap.MarginMode))
	s.store.SavePosition(positionRecord(snap))
	s.publishPosition("position_opened", snap)
}

func (s *eventSink) PositionClosed(snap position.Snapshot) {
	s.store.SavePosition(positionRecord(snap))
	s.publishPosition("position_closed", snap)
}

func (s *eventSink) PositionLiquidated(snap position.Snapshot) {
	metrics.RecordLiquidation(snap.Symbol, string(snap.MarginMode))
	s.store.SavePosition(positionRecord(snap))

	mark := decimal.Zero
	if m, err := s.oracle.MarkPrice(snap.Symbol); err == nil {
		mark = m
	}
	s.store.SaveLiquidation(&store.LiquidationRecord{
		PositionID: snap.ID,
		UserID:     snap.UserID,
		Symbol:     snap.Symbol,
		Side:       string(snap.Side),
		Size:       snap.Size.String(),
		MarkPrice:  mark.String(),
		Loss:       snap.RealizedPnL.String(),
		CreatedAt:  time.Now(),
	})

	s.publishPosition("liquidation", snap)
}

func (s *eventSink) publishPosition(eventType string, snap position.Snapshot) {
	s.stream.Publish(stream.Event{Type: eventType, Data: map[string]interface{}{
		"position_id": snap.ID,
		"symbol":      snap.Symbol,
		"side":        string(snap.Side),
		"size":        snap.Size.String(),
		"entry_price": snap.EntryPrice.String(),
		"status":      string(snap.Status),
	}})
}

func positionRecord(snap position.Snapshot) *store.PositionRecord {
	return &store.PositionRecord{
		ID:               snap.ID,
		UserID:           snap.UserID,
		Symbol:           snap.Symbol,
		Side:             string(snap.Side),
		Size:             snap.Size.String(),
		EntryPrice:       snap.EntryPrice.String(),
		Leverage:         snap.Leverage,
		MarginMode:       string(snap.MarginMode),
		Margin:           snap.Margin.String(),
		LiquidationPrice: snap.LiquidationPrice.String(),
		RealizedPnL:      snap.RealizedPnL.String(),
		FundingFee:       snap.FundingFee.String(),
		Status:           string(snap.Status),
		OpenedAt:         snap.OpenedAt,
		ClosedAt:         snap.ClosedAt,
		UpdatedAt:        time.Now(),
	}
}

// markFanout sits between the oracle and its consumers: the position manager
// reacts first (liquidations, funding transfers), then metrics and the
// stream observe the same tick.
type markFanout struct {
	manager *position.Manager
	stream  *stream.Server
}

func (f *markFanout) OnMarkPrice(symbol string, mark decimal.Decimal) {
	f.manager.OnMarkPrice(symbol, mark)

	price, _ := mark.Float64()
	metrics.SetMarkPrice(symbol, price)

	f.stream.Publish(stream.Event{Type: "mark_price", Data: map[string]interface{}{
		"symbol":     symbol,
		"mark_price": mark.String(),
		"timestamp":  time.Now().UnixMilli(),
	}})
}

func (f *markFanout) OnFunding(symbol string, rate, mark decimal.Decimal) {
	f.manager.OnFunding(symbol, rate, mark)

	rateF, _ := rate.Float64()
	metrics.SetFundingRate(symbol, rateF)

	f.stream.Publish(stream.Event{Type: "funding", Data: map[string]interface{}{
		"symbol":       symbol,
		"funding_rate": rate.String(),
		"mark_price":   mark.String(),
		"timestamp":    time.Now().UnixMilli(),
	}})
}
