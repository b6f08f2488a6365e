package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/wallet-ledger/internal/config"
	"github.com/congo-pay/wallet-ledger/internal/middleware"
	"github.com/congo-pay/wallet-ledger/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes. DB and Cache are
// nil when the process runs on in-memory backends.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
	Wallet *wallet.Service
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) {
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)
	app.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	api := app.Group("/v1",
		middleware.ServiceAuth(d.Cfg.ServiceTokenSecret),
		middleware.Tenant(),
		middleware.TenantRateLimit(d.Cache, d.Cfg.RateLimitPerMinute, d.Logger),
		middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger),
	)
	RegisterWalletRoutes(api, wallet.NewHandler(d.Wallet))
}
