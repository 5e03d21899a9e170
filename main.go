package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"exchange-core/src/config"
	"exchange-core/src/engine"
	"exchange-core/src/handlers"
	"exchange-core/src/ledger"
	"exchange-core/src/logger"
	"exchange-core/src/oracle"
	"exchange-core/src/position"
	"exchange-core/src/routes"
	"exchange-core/src/store"
	"exchange-core/src/stream"
)

func main() {
	_ = godotenv.Load()

	logger.InitLogger()
	log := logger.GetLogger()

	log.Info().Msg("Initializing exchange core")

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	db, err := store.Open(cfg.Database.Path, cfg.Database.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("Failed to open store")
	}

	book := ledger.New(cfg.Accounts.FeeAccount)
	wireBalanceMirror(db, book)
	restoreBalances(db, book)
	seedInsurance(book, cfg)

	matcher := engine.NewMatcher(book, cfg.Pairs)

	oracleService := oracle.NewService(buildFeed(), cfg.Contracts)
	oracleService.SetLastPriceFunc(contractLastPrice(matcher, cfg))

	manager := position.NewManager(book, oracleService, cfg.Accounts.InsuranceAccount)

	streamServer := stream.NewServer(cfg.Server.StreamAddr)
	sink := &eventSink{store: db, stream: streamServer, oracle: oracleService}
	matcher.SetSink(sink)
	manager.SetSink(sink)
	oracleService.SetListener(&markFanout{manager: manager, stream: streamServer})

	restoreOpenOrders(db, matcher)

	streamServer.Start()
	oracleService.Start()

	orderHandler := handlers.NewOrderHandler(matcher)
	positionHandler := handlers.NewPositionHandler(manager, oracleService)
	accountHandler := handlers.NewAccountHandler(book)

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}

			log.Error().
				Str("path", c.Path()).
				Str("method", c.Method()).
				Int("status", code).
				Str("error", err.Error()).
				Msg("Request error")

			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	app.Use(recover.New())
	routes.SetupRoutes(app, cfg, orderHandler, positionHandler, accountHandler)

	port := ":" + cfg.Server.Port

	serverError := make(chan error, 1)

	go func() {
		if err := app.Listen(port); err != nil {
			// edge case: ignore shutdown errors, only report real errors
			if err.Error() != "server is shutting down" {
				serverError <- err
			}
		}
	}()

	select {
	case err := <-serverError:
		log.Fatal().
			Err(err).
			Str("port", port).
			Str("hint", "Port may be already in use. Try: PORT=3000 go run .").
			Msg("Server failed to start")
	default:
		log.Info().
			Str("port", port).
			Str("stream_addr", cfg.Server.StreamAddr).
			Int("pairs", len(cfg.Pairs)).
			Int("contracts", len(cfg.Contracts)).
			Msg("Exchange core started")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-quit
	log.Info().Msg("Received shutdown signal, shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	oracleService.Stop()

	if err := app.ShutdownWithContext(ctx); err != nil {
		// edge case: timeout during shutdown is acceptable
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn().
				Dur("timeout", cfg.Server.ShutdownTimeout.Std()).
				Msg("Timeout exceeded, shutting down...")
		} else {
			log.Error().
				Err(err).
				Msg("Error during gateway shutdown")
		}
	}

	if err := streamServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Error during stream shutdown")
	}

	if err := db.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing store")
	}

	log.Info().Msg("Shutdown complete")
	logger.CloseLogger()
}

// buildFeed selects the index price source: an external HTTP aggregator
// when INDEX_FEED_URL is set, otherwise a simulated feed seeded from
// SIM_INDEX_PRICES (e.g. "BTCUSDT=50000,ETHUSDT=3000").
func buildFeed() oracle.PriceFeed {
	log := logger.GetLogger()

	if url := os.Getenv("INDEX_FEED_URL"); url != "" {
		log.Info().Str("url", url).Msg("Using HTTP index feed")
		return oracle.NewHTTPFeed(url, &http.Client{Timeout: 5 * time.Second})
	}

	feed := oracle.NewSimFeed()
	if raw := os.Getenv("SIM_INDEX_PRICES"); raw != "" {
		for _, entry := range strings.Split(raw, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), "=", 2)
			if len(parts) != 2 {
				continue
			}
			price, err := decimal.NewFromString(parts[1])
			if err != nil || price.Sign() <= 0 {
				log.Warn().Str("entry", entry).Msg("Ignoring malformed SIM_INDEX_PRICES entry")
				continue
			}
			feed.SetPrice(parts[0], price)
		}
	}
	log.Info().Msg("Using simulated index feed")
	return feed
}

// contractLastPrice maps a contract symbol to the spot pair whose
// concatenated base and quote match it, e.g. BTCUSDT -> BTC/USDT.
func contractLastPrice(matcher *engine.Matcher, cfg *config.Config) oracle.LastPriceFunc {
	bySymbol := make(map[string]string, len(cfg.Pairs))
	for name, pair := range cfg.Pairs {
		bySymbol[pair.Base+pair.Quote] = name
	}

	return func(symbol string) (decimal.Decimal, bool) {
		pairName, exists := bySymbol[symbol]
		if !exists {
			return decimal.Zero, false
		}
		return matcher.LastPrice(pairName)
	}
}

// seedInsurance funds the insurance account in every settlement currency so
// early liquidations and trader profits have a counterparty balance.
func seedInsurance(book *ledger.Ledger, cfg *config.Config) {
	log := logger.GetLogger()

	seed := decimal.NewFromInt(1_000_000)
	if raw := os.Getenv("INSURANCE_SEED"); raw != "" {
		if parsed, err := decimal.NewFromString(raw); err == nil && parsed.Sign() > 0 {
			seed = parsed
		}
	}

	seeded := make(map[string]bool)
	for _, contract := range cfg.Contracts {
		if seeded[contract.SettleCurrency] {
			continue
		}
		seeded[contract.SettleCurrency] = true
		// genesis only: a restored balance snapshot keeps whatever the
		// insurance fund held at shutdown
		available, locked := book.Balance(cfg.Accounts.InsuranceAccount, contract.SettleCurrency)
		if available.Add(locked).Sign() > 0 {
			continue
		}
		if err := book.Credit(cfg.Accounts.InsuranceAccount, contract.SettleCurrency, seed); err != nil {
			log.Error().Err(err).Str("currency", contract.SettleCurrency).Msg("Failed to seed insurance account")
			continue
		}
		log.Info().
			Str("currency", contract.SettleCurrency).
			Str("amount", seed.String()).
			Msg("Seeded insurance account")
	}
}

// wireBalanceMirror upserts every ledger balance change into the store, so
// a restart can rebuild accounts before re-reserving for surviving orders.
func wireBalanceMirror(db *store.Store, book *ledger.Ledger) {
	book.SetBalanceSink(func(userID, asset string, available, locked decimal.Decimal) {
		db.SaveBalance(&store.BalanceRecord{
			ID:        userID + "|" + asset,
			UserID:    userID,
			Asset:     asset,
			Available: available.String(),
			Locked:    locked.String(),
			UpdatedAt: time.Now(),
		})
	})
}

// restoreBalances reloads persisted account balances into the fresh ledger.
// Locked funds fold back into available; restoreOpenOrders then re-reserves
// what each surviving order still needs.
func restoreBalances(db *store.Store, book *ledger.Ledger) {
	log := logger.GetLogger()

	records, err := db.Balances()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load balances for recovery")
		return
	}

	restored := 0
	for _, record := range records {
		available, err := decimal.NewFromString(record.Available)
		if err != nil {
			log.Warn().Str("account", record.ID).Msg("Skipping balance with bad available amount")
			continue
		}
		locked, err := decimal.NewFromString(record.Locked)
		if err != nil {
			log.Warn().Str("account", record.ID).Msg("Skipping balance with bad locked amount")
			continue
		}
		total := available.Add(locked)
		if total.Sign() <= 0 {
			continue
		}
		if err := book.Credit(record.UserID, record.Asset, total); err != nil {
			log.Warn().Err(err).Str("account", record.ID).Msg("Failed to restore balance")
			continue
		}
		restored++
	}

	if restored > 0 {
		log.Info().Int("accounts", restored).Msg("Restored account balances from store")
	}
}

// restoreOpenOrders reloads resting limit orders from the store and
// re-reserves their backing funds without re-matching.
func restoreOpenOrders(db *store.Store, matcher *engine.Matcher) {
	log := logger.GetLogger()

	records, err := db.OpenOrders()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load open orders for recovery")
		return
	}

	restored := 0
	for _, record := range records {
		price, err := decimal.NewFromString(record.Price)
		if err != nil {
			log.Warn().Str("order_id", record.ID).Msg("Skipping open order with bad price")
			continue
		}
		amount, err := decimal.NewFromString(record.Amount)
		if err != nil {
			log.Warn().Str("order_id", record.ID).Msg("Skipping open order with bad amount")
			continue
		}
		filled := decimal.Zero
		if record.Filled != "" {
			if parsed, err := decimal.NewFromString(record.Filled); err == nil {
				filled = parsed
			}
		}

		err = matcher.RestoreOrder(
			record.ID, record.UserID, record.Pair,
			engine.OrderSide(record.Side),
			price, amount, filled, record.CreatedAt,
		)
		if err != nil {
			log.Warn().Err(err).Str("order_id", record.ID).Msg("Failed to restore open order")
			continue
		}
		restored++
	}

	if restored > 0 {
		log.Info().Int("orders", restored).Msg("Restored open orders from store")
	}
}
