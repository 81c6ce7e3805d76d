package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/edutech-labs/coinledger/internal/config"
	"github.com/edutech-labs/coinledger/internal/ledger"
	"github.com/edutech-labs/coinledger/internal/metrics"
	"github.com/edutech-labs/coinledger/internal/middleware"
	"github.com/edutech-labs/coinledger/internal/notification"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	Store  ledger.Store
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
	// Registry receives the ledger metrics. A fresh registry is used when nil.
	Registry *prometheus.Registry
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	if d.Store == nil {
		return fmt.Errorf("ledger store is required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	reg := d.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	collector := metrics.New(reg)

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))
	app.Use(middleware.Metrics(collector))

	RegisterHealthRoutes(app, d)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	notifiers := notification.Multi{notification.NewLoggerNotifier(d.Logger)}
	if d.Cache != nil {
		notifiers = append(notifiers, notification.NewRedisNotifier(d.Cache, d.Cfg.EventsChannel))
	}

	processor := ledger.NewProcessor(d.Store, ledger.NewPolicy(d.Cfg.CreditCap),
		ledger.WithLogger(d.Logger),
		ledger.WithNotifier(notifiers),
		ledger.WithObserver(collector),
		ledger.WithRetry(d.Cfg.MaxAttempts, d.Cfg.RetryBaseDelay, d.Cfg.RetryMaxDelay),
		ledger.WithTimeout(d.Cfg.OperationTimeout),
	)
	queries := ledger.NewQueryService(d.Store, d.Cfg.HistoryDefaultLimit, d.Cfg.HistoryMaxLimit)
	handler := ledger.NewHandler(processor, queries)

	// API routes
	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.GetRequestID(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	accounts := api.Group("/accounts")
	if d.Cfg.CallerTokenSecret != "" {
		accounts.Use(middleware.CallerAuth([]byte(d.Cfg.CallerTokenSecret)))
	}

	// Cached replays are answered before the rate limit counts the request.
	var mutations []fiber.Handler
	if d.Cache != nil {
		mutations = append(mutations, middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}
	mutations = append(mutations, middleware.MutationRateLimit(d.Cache, d.Cfg.RateLimitPerMinute))
	RegisterLedgerRoutes(accounts, handler, mutations...)

	return nil
}
