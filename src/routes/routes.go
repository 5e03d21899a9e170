package routes

import (
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"exchange-core/src/config"
	"exchange-core/src/handlers"
	"exchange-core/src/middleware"
)

func SetupRoutes(
	app *fiber.App,
	cfg *config.Config,
	orderHandler *handlers.OrderHandler,
	positionHandler *handlers.PositionHandler,
	accountHandler *handlers.AccountHandler,
) {
	availability := middleware.DefaultServiceAvailability()
	app.Use(availability.Middleware())
	app.Use(middleware.RequestLogger())

	api := app.Group("/api/v1")

	if !cfg.RateLimit.Disabled {
		rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Max, cfg.RateLimit.Window.Std())
		api.Use(rateLimiter.Middleware())
	}

	idempotency := middleware.NewIdempotency(cfg.Idempotency.TTL.Std())
	api.Use(idempotency.Middleware())

	api.Post("/orders", orderHandler.PlaceOrder)
	api.Delete("/orders/:id", orderHandler.CancelOrder)
	api.Get("/orders/:id", orderHandler.GetOrder)
	api.Get("/orders", orderHandler.MyOrders)
	api.Get("/orderbook/:pair", orderHandler.GetOrderBook)
	api.Get("/trades/:pair", orderHandler.RecentTrades)

	api.Post("/positions", positionHandler.OpenPosition)
	api.Delete("/positions/:id", positionHandler.ClosePosition)
	api.Get("/positions", positionHandler.MyPositions)
	api.Put("/leverage", positionHandler.SetLeverage)
	api.Get("/margin/:currency", positionHandler.MarginAccount)
	api.Get("/contracts/:symbol", positionHandler.GetContract)
	api.Get("/contracts/:symbol/funding", positionHandler.GetFundingHistory)
	api.Get("/contracts/:symbol/stats", positionHandler.GetContractStats)

	api.Post("/accounts/deposit", accountHandler.Deposit)
	api.Get("/accounts/balance/:asset", accountHandler.GetBalance)

	app.Get("/health", orderHandler.HealthCheck)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}
