package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"exchange-core/src/models"
	"exchange-core/src/oracle"
	"exchange-core/src/position"
)

type PositionHandler struct {
	Manager *position.Manager
	Oracle  *oracle.Service
}

func NewPositionHandler(manager *position.Manager, oracleService *oracle.Service) *PositionHandler {
	return &PositionHandler{Manager: manager, Oracle: oracleService}
}

func (h *PositionHandler) OpenPosition(c *fiber.Ctx) error {
	uid, ok := requireUser(c)
	if !ok {
		return nil
	}

	var req models.OpenPositionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Error: "Invalid request: malformed JSON",
			Kind:  "ValidationError",
		})
	}

	snap, err := h.Manager.Open(uid, req.Symbol, position.Side(req.Side), req.Size, position.MarginMode(req.MarginMode))
	if err != nil {
		log.Warn().
			Err(err).
			Str("user_id", uid).
			Str("symbol", req.Symbol).
			Str("side", req.Side).
			Msg("Open position rejected")
		return respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(models.OpenPositionResponse{
		Position: positionInfo(snap),
	})
}

func (h *PositionHandler) ClosePosition(c *fiber.Ctx) error {
	uid, ok := requireUser(c)
	if !ok {
		return nil
	}

	positionID := c.Params("id")

	// optional partial close: ?size=0.5
	size := decimal.Zero
	if raw := c.Query("size"); raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil || parsed.Sign() <= 0 {
			return respondError(c, &position.ValidationError{Message: "size must be a positive decimal"})
		}
		size = parsed
	}

	snap, pnl, err := h.Manager.Close(positionID, uid, size)
	if err != nil {
		log.Warn().
			Err(err).
			Str("position_id", positionID).
			Str("user_id", uid).
			Msg("Close position rejected")
		return respondError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(models.ClosePositionResponse{
		Position: positionInfo(snap),
		PnL:      pnl.String(),
	})
}

func (h *PositionHandler) MyPositions(c *fiber.Ctx) error {
	uid, ok := requireUser(c)
	if !ok {
		return nil
	}

	snaps := h.Manager.Positions(uid)
	out := make([]models.PositionInfo, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, positionInfo(snap))
	}
	return c.Status(fiber.StatusOK).JSON(out)
}

func (h *PositionHandler) SetLeverage(c *fiber.Ctx) error {
	uid, ok := requireUser(c)
	if !ok {
		return nil
	}

	var req models.SetLeverageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Error: "Invalid request: malformed JSON",
			Kind:  "ValidationError",
		})
	}

	if err := h.Manager.SetLeverage(uid, req.Currency, req.Leverage); err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(models.LeverageResponse{
		Currency: req.Currency,
		Leverage: req.Leverage,
	})
}

func (h *PositionHandler) MarginAccount(c *fiber.Ctx) error {
	uid, ok := requireUser(c)
	if !ok {
		return nil
	}

	currency := c.Params("currency")
	view := h.Manager.Account(uid, currency)
	return c.Status(fiber.StatusOK).JSON(models.MarginAccountResponse{
		Currency:      currency,
		Balance:       view.Balance.String(),
		Locked:        view.Locked.String(),
		Leverage:      view.Leverage,
		Equity:        view.Equity.String(),
		UsedMargin:    view.UsedMargin.String(),
		UnrealizedPnL: view.UnrealizedPnL.String(),
		MarginLevel:   view.MarginLevel.String(),
	})
}

func (h *PositionHandler) GetContract(c *fiber.Ctx) error {
	symbol := c.Params("symbol")
	contract, err := h.Oracle.Contract(symbol)
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(models.ContractResponse{
		Symbol:                contract.Symbol,
		SettleCurrency:        contract.SettleCurrency,
		MarkPrice:             contract.MarkPrice.String(),
		IndexPrice:            contract.IndexPrice.String(),
		FundingRate:           contract.FundingRate.String(),
		NextFundingTime:       contract.NextFundingTime.UnixMilli(),
		MaxLeverage:           contract.MaxLeverage,
		MaintenanceMarginRate: contract.MaintenanceMarginRate.String(),
		MakerFeeRate:          contract.MakerFeeRate.String(),
		TakerFeeRate:          contract.TakerFeeRate.String(),
		OpenInterest:          contract.OpenInterest.String(),
	})
}

func (h *PositionHandler) GetFundingHistory(c *fiber.Ctx) error {
	symbol := c.Params("symbol")

	limit, err := strconv.Atoi(c.Query("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}

	records, histErr := h.Oracle.FundingHistory(symbol, limit)
	if histErr != nil {
		return respondError(c, histErr)
	}

	out := make([]models.FundingRecordInfo, 0, len(records))
	for _, record := range records {
		out = append(out, models.FundingRecordInfo{
			Symbol:    record.Symbol,
			Rate:      record.Rate.String(),
			MarkPrice: record.MarkPrice.String(),
			SettledAt: record.SettledAt.UnixMilli(),
		})
	}
	return c.Status(fiber.StatusOK).JSON(out)
}

func (h *PositionHandler) GetContractStats(c *fiber.Ctx) error {
	symbol := c.Params("symbol")
	contract, err := h.Oracle.Contract(symbol)
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(models.ContractStatsResponse{
		Symbol:        contract.Symbol,
		MarkPrice:     contract.MarkPrice.String(),
		IndexPrice:    contract.IndexPrice.String(),
		FundingRate:   contract.FundingRate.String(),
		OpenInterest:  contract.OpenInterest.String(),
		OpenPositions: h.Manager.OpenPositionCount(symbol),
	})
}

func positionInfo(snap position.Snapshot) models.PositionInfo {
	return models.PositionInfo{
		PositionID:       snap.ID,
		Symbol:           snap.Symbol,
		Side:             string(snap.Side),
		Size:             snap.Size.String(),
		EntryPrice:       snap.EntryPrice.String(),
		Leverage:         snap.Leverage,
		MarginMode:       string(snap.MarginMode),
		Margin:           snap.Margin.String(),
		LiquidationPrice: snap.LiquidationPrice.String(),
		UnrealizedPnL:    snap.UnrealizedPnL.String(),
		RealizedPnL:      snap.RealizedPnL.String(),
		FundingFee:       snap.FundingFee.String(),
		Status:           string(snap.Status),
		OpenedAt:         snap.OpenedAt.UnixMilli(),
	}
}
