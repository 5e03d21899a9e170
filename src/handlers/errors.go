package handlers

import (
	"github.com/gofiber/fiber/v2"

	"exchange-core/src/engine"
	"exchange-core/src/ledger"
	"exchange-core/src/models"
	"exchange-core/src/oracle"
	"exchange-core/src/position"
)

// respondError maps an internal error to the gateway's machine-readable
// taxonomy. Every rejection carries a kind the client can branch on plus the
// human-readable message.
func respondError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	kind := "InternalError"

	switch err.(type) {
	case *engine.ValidationError, *ledger.ValidationError, *position.ValidationError,
		*engine.UnknownPairError, *position.LeverageOutOfRangeError:
		status, kind = fiber.StatusBadRequest, "ValidationError"
	case *ledger.InsufficientBalanceError:
		status, kind = fiber.StatusBadRequest, "InsufficientBalance"
	case *position.InsufficientMarginError:
		status, kind = fiber.StatusBadRequest, "InsufficientMargin"
	case *engine.OrderNotFoundError:
		status, kind = fiber.StatusNotFound, "OrderNotFound"
	case *engine.AlreadyTerminalError:
		status, kind = fiber.StatusBadRequest, "OrderNotCancellable"
	case *engine.PriceOutOfBoundsError:
		status, kind = fiber.StatusBadRequest, "PriceOutOfBounds"
	case *position.PositionNotFoundError:
		status, kind = fiber.StatusNotFound, "PositionNotFound"
	case *position.PositionClosedError:
		status, kind = fiber.StatusBadRequest, "AlreadyTerminal"
	case *position.LiquidationInProgressError:
		status, kind = fiber.StatusConflict, "LiquidationInProgress"
	case *position.LeverageLockedError:
		status, kind = fiber.StatusConflict, "LeverageLockedByOpenPosition"
	case *oracle.UnknownContractError:
		status, kind = fiber.StatusNotFound, "UnknownContract"
	case *oracle.NoPriceError:
		status, kind = fiber.StatusServiceUnavailable, "PriceUnavailable"
	}

	return c.Status(status).JSON(models.ErrorResponse{
		Error: err.Error(),
		Kind:  kind,
	})
}

// userID extracts the caller identity set by the auth layer in front of this
// service. Authentication itself is out of scope; the gateway only consumes
// the header contract.
func userID(c *fiber.Ctx) string {
	return c.Get("X-User-Id")
}

func requireUser(c *fiber.Ctx) (string, bool) {
	uid := userID(c)
	if uid == "" {
		_ = c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Error: "X-User-Id header is required",
			Kind:  "ValidationError",
		})
		return "", false
	}
	return uid, true
}
