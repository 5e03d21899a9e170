package models

import "github.com/shopspring/decimal"

type PlaceOrderRequest struct {
	Pair   string           `json:"pair"`
	Side   string           `json:"side"`
	Type   string           `json:"type"`
	Price  *decimal.Decimal `json:"price,omitempty"` // required iff type=limit
	Amount decimal.Decimal  `json:"amount"`
}

type OrderInfo struct {
	OrderID   string `json:"order_id"`
	Pair      string `json:"pair"`
	Side      string `json:"side"`
	Type      string `json:"type"`
	Price     string `json:"price,omitempty"` // absent for market orders
	Amount    string `json:"amount"`
	Filled    string `json:"filled"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"` // unix ms
}

type TradeInfo struct {
	TradeID   string `json:"trade_id"`
	Pair      string `json:"pair"`
	Price     string `json:"price"`
	Amount    string `json:"amount"`
	TakerSide string `json:"taker_side"`
	CreatedAt int64  `json:"created_at"` // unix ms
}

type PlaceOrderResponse struct {
	Order  OrderInfo   `json:"order"`
	Trades []TradeInfo `json:"trades"`
}

type CancelOrderResponse struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

type BookLevelInfo struct {
	Price  string `json:"price"`
	Amount string `json:"amount"`
	Total  string `json:"total"` // cumulative amount from best price
}

type OrderBookResponse struct {
	Pair      string          `json:"pair"`
	Timestamp int64           `json:"timestamp"` // unix ms
	Bids      []BookLevelInfo `json:"bids"`      // best first
	Asks      []BookLevelInfo `json:"asks"`      // best first
}

type OpenPositionRequest struct {
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Size       decimal.Decimal `json:"size"`
	MarginMode string          `json:"margin_mode"`
}

type PositionInfo struct {
	PositionID       string `json:"position_id"`
	Symbol           string `json:"symbol"`
	Side             string `json:"side"`
	Size             string `json:"size"`
	EntryPrice       string `json:"entry_price"`
	Leverage         int    `json:"leverage"`
	MarginMode       string `json:"margin_mode"`
	Margin           string `json:"margin"`
	LiquidationPrice string `json:"liquidation_price"`
	UnrealizedPnL    string `json:"unrealized_pnl"`
	RealizedPnL      string `json:"realized_pnl"`
	FundingFee       string `json:"funding_fee"`
	Status           string `json:"status"`
	OpenedAt         int64  `json:"opened_at"` // unix ms
}

type OpenPositionResponse struct {
	Position PositionInfo `json:"position"`
}

type ClosePositionResponse struct {
	Position PositionInfo `json:"position"`
	PnL      string       `json:"pnl"`
}

type SetLeverageRequest struct {
	Currency string `json:"currency"`
	Leverage int    `json:"leverage"`
}

type LeverageResponse struct {
	Currency string `json:"currency"`
	Leverage int    `json:"leverage"`
}

type ContractResponse struct {
	Symbol                string `json:"symbol"`
	SettleCurrency        string `json:"settle_currency"`
	MarkPrice             string `json:"mark_price"`
	IndexPrice            string `json:"index_price"`
	FundingRate           string `json:"funding_rate"`
	NextFundingTime       int64  `json:"next_funding_time"` // unix ms
	MaxLeverage           int    `json:"max_leverage"`
	MaintenanceMarginRate string `json:"maintenance_margin_rate"`
	MakerFeeRate          string `json:"maker_fee_rate"`
	TakerFeeRate          string `json:"taker_fee_rate"`
	OpenInterest          string `json:"open_interest"`
}

type FundingRecordInfo struct {
	Symbol    string `json:"symbol"`
	Rate      string `json:"rate"`
	MarkPrice string `json:"mark_price"`
	SettledAt int64  `json:"settled_at"` // unix ms
}

type ContractStatsResponse struct {
	Symbol        string `json:"symbol"`
	MarkPrice     string `json:"mark_price"`
	IndexPrice    string `json:"index_price"`
	FundingRate   string `json:"funding_rate"`
	OpenInterest  string `json:"open_interest"`
	OpenPositions int    `json:"open_positions"`
}

type DepositRequest struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

type BalanceResponse struct {
	Asset     string `json:"asset"`
	Available string `json:"available"`
	Locked    string `json:"locked"`
}

type MarginAccountResponse struct {
	Currency      string `json:"currency"`
	Balance       string `json:"balance"`
	Locked        string `json:"locked"`
	Leverage      int    `json:"leverage"`
	Equity        string `json:"equity"`
	UsedMargin    string `json:"used_margin"`
	UnrealizedPnL string `json:"unrealized_pnl"`
	MarginLevel   string `json:"margin_level"`
}

type HealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
