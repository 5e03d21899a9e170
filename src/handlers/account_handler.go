package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"exchange-core/src/ledger"
	"exchange-core/src/models"
)

// AccountHandler is the boundary where the external custody system credits
// confirmed deposits. Withdrawal custody and blockchain sweeping live
// outside this service.
type AccountHandler struct {
	Ledger *ledger.Ledger
}

func NewAccountHandler(l *ledger.Ledger) *AccountHandler {
	return &AccountHandler{Ledger: l}
}

func (h *AccountHandler) Deposit(c *fiber.Ctx) error {
	uid, ok := requireUser(c)
	if !ok {
		return nil
	}

	var req models.DepositRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Error: "Invalid request: malformed JSON",
			Kind:  "ValidationError",
		})
	}
	if req.Asset == "" {
		return respondError(c, &ledger.ValidationError{Message: "asset is required"})
	}

	if err := h.Ledger.Credit(uid, req.Asset, req.Amount); err != nil {
		return respondError(c, err)
	}

	log.Info().
		Str("user_id", uid).
		Str("asset", req.Asset).
		Str("amount", req.Amount.String()).
		Msg("Deposit credited")

	available, locked := h.Ledger.Balance(uid, req.Asset)
	return c.Status(fiber.StatusOK).JSON(models.BalanceResponse{
		Asset:     req.Asset,
		Available: available.String(),
		Locked:    locked.String(),
	})
}

func (h *AccountHandler) GetBalance(c *fiber.Ctx) error {
	uid, ok := requireUser(c)
	if !ok {
		return nil
	}

	asset := c.Params("asset")
	available, locked := h.Ledger.Balance(uid, asset)
	return c.Status(fiber.StatusOK).JSON(models.BalanceResponse{
		Asset:     asset,
		Available: available.String(),
		Locked:    locked.String(),
	})
}
