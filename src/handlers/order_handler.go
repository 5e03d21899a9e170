package handlers

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"exchange-core/src/engine"
	"exchange-core/src/metrics"
	"exchange-core/src/models"
)

type OrderHandler struct {
	Matcher   *engine.Matcher
	StartTime time.Time
}

func NewOrderHandler(matcher *engine.Matcher) *OrderHandler {
	return &OrderHandler{
		Matcher:   matcher,
		StartTime: time.Now(),
	}
}

func (h *OrderHandler) PlaceOrder(c *fiber.Ctx) error {
	uid, ok := requireUser(c)
	if !ok {
		return nil
	}

	var req models.PlaceOrderRequest
	if err := c.BodyParser(&req); err != nil {
		log.Warn().
			Err(err).
			Str("ip", c.IP()).
			Msg("Invalid request: malformed JSON")
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Error: "Invalid request: malformed JSON",
			Kind:  "ValidationError",
		})
	}

	var side engine.OrderSide
	switch req.Side {
	case "buy":
		side = engine.SideBuy
	case "sell":
		side = engine.SideSell
	default:
		return respondError(c, &engine.ValidationError{Message: "side must be buy or sell"})
	}

	var kind engine.OrderKind
	switch req.Type {
	case "limit":
		if req.Price == nil {
			return respondError(c, &engine.ValidationError{Message: "price is required for limit orders"})
		}
		kind = engine.LimitKind(*req.Price)
	case "market":
		if req.Price != nil {
			return respondError(c, &engine.ValidationError{Message: "market orders must not carry a price"})
		}
		kind = engine.MarketKind()
	default:
		return respondError(c, &engine.ValidationError{Message: "type must be limit or market"})
	}

	start := time.Now()
	order, trades, err := h.Matcher.PlaceOrder(uid, req.Pair, side, kind, req.Amount)
	metrics.ObserveMatchDuration(req.Pair, time.Since(start).Seconds())

	if err != nil {
		log.Warn().
			Err(err).
			Str("user_id", uid).
			Str("pair", req.Pair).
			Str("side", req.Side).
			Str("type", req.Type).
			Msg("Order rejected")
		metrics.RecordOrderReject(req.Pair, req.Type)
		return respondError(c, err)
	}

	metrics.RecordOrder(req.Pair, req.Side, string(order.Status))

	response := models.PlaceOrderResponse{
		Order:  orderInfo(order),
		Trades: make([]models.TradeInfo, 0, len(trades)),
	}
	for _, trade := range trades {
		response.Trades = append(response.Trades, tradeInfo(trade))
	}

	status := fiber.StatusCreated
	if order.Status == engine.StatusFilled {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(response)
}

func (h *OrderHandler) CancelOrder(c *fiber.Ctx) error {
	uid, ok := requireUser(c)
	if !ok {
		return nil
	}

	orderID := c.Params("id")
	order, err := h.Matcher.CancelOrder(orderID, uid)
	if err != nil {
		log.Warn().
			Err(err).
			Str("order_id", orderID).
			Str("user_id", uid).
			Msg("Cancel rejected")
		return respondError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(models.CancelOrderResponse{
		OrderID: order.ID,
		Status:  string(order.Status),
	})
}

func (h *OrderHandler) GetOrder(c *fiber.Ctx) error {
	uid, ok := requireUser(c)
	if !ok {
		return nil
	}

	orderID := c.Params("id")
	order, exists := h.Matcher.OrderByID(orderID)
	if !exists || order.UserID != uid {
		return respondError(c, &engine.OrderNotFoundError{OrderID: orderID})
	}
	return c.Status(fiber.StatusOK).JSON(orderInfo(order))
}

func (h *OrderHandler) MyOrders(c *fiber.Ctx) error {
	uid, ok := requireUser(c)
	if !ok {
		return nil
	}

	pair := c.Query("pair")
	if pair == "" {
		return respondError(c, &engine.ValidationError{Message: "pair query parameter is required"})
	}

	orders := h.Matcher.OrdersByUser(pair, uid)
	out := make([]models.OrderInfo, 0, len(orders))
	for _, order := range orders {
		out = append(out, orderInfo(order))
	}
	return c.Status(fiber.StatusOK).JSON(out)
}

// pairParam reads the pair path segment, accepting BTC-USDT in place of
// BTC/USDT since a slash cannot appear inside a path parameter.
func pairParam(c *fiber.Ctx) string {
	return strings.ReplaceAll(c.Params("pair"), "-", "/")
}

func (h *OrderHandler) GetOrderBook(c *fiber.Ctx) error {
	pair := pairParam(c)

	depth, err := strconv.Atoi(c.Query("depth", "10"))
	if err != nil || depth <= 0 {
		depth = 10
	}
	// edge case: enforce maximum depth limit
	if depth > 1000 {
		depth = 1000
	}

	book, bookErr := h.Matcher.Book(pair)
	if bookErr != nil {
		return respondError(c, bookErr)
	}

	bids, asks := book.Snapshot(depth)
	return c.Status(fiber.StatusOK).JSON(models.OrderBookResponse{
		Pair:      pair,
		Timestamp: time.Now().UnixMilli(),
		Bids:      bookLevels(bids),
		Asks:      bookLevels(asks),
	})
}

func (h *OrderHandler) RecentTrades(c *fiber.Ctx) error {
	pair := pairParam(c)

	limit, err := strconv.Atoi(c.Query("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}

	book, bookErr := h.Matcher.Book(pair)
	if bookErr != nil {
		return respondError(c, bookErr)
	}

	trades := book.RecentTrades(limit)
	out := make([]models.TradeInfo, 0, len(trades))
	for _, trade := range trades {
		out = append(out, tradeInfo(trade))
	}
	return c.Status(fiber.StatusOK).JSON(out)
}

func (h *OrderHandler) HealthCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(models.HealthResponse{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(h.StartTime).Seconds()),
	})
}

func orderInfo(order engine.Order) models.OrderInfo {
	info := models.OrderInfo{
		OrderID:   order.ID,
		Pair:      order.Pair,
		Side:      string(order.Side),
		Type:      string(order.Kind.Type()),
		Amount:    order.Amount.String(),
		Filled:    order.Filled.String(),
		Status:    string(order.Status),
		CreatedAt: order.CreatedAt.UnixMilli(),
	}
	if price, ok := order.Kind.LimitPrice(); ok {
		info.Price = price.String()
	}
	return info
}

func tradeInfo(trade *engine.Trade) models.TradeInfo {
	return models.TradeInfo{
		TradeID:   trade.ID,
		Pair:      trade.Pair,
		Price:     trade.Price.String(),
		Amount:    trade.Amount.String(),
		TakerSide: string(trade.TakerSide),
		CreatedAt: trade.CreatedAt.UnixMilli(),
	}
}

func bookLevels(levels []engine.BookLevel) []models.BookLevelInfo {
	out := make([]models.BookLevelInfo, 0, len(levels))
	total := decimal.Zero
	for _, level := range levels {
		total = total.Add(level.Amount)
		out = append(out, models.BookLevelInfo{
			Price:  level.Price.String(),
			Amount: level.Amount.String(),
			Total:  total.String(),
		})
	}
	return out
}
