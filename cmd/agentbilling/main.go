package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/agentbilling/internal/pkg/billing"
	"github.com/ManuelReschke/agentbilling/internal/pkg/cache"
	"github.com/ManuelReschke/agentbilling/internal/pkg/config"
	"github.com/ManuelReschke/agentbilling/internal/pkg/database"
	"github.com/ManuelReschke/agentbilling/internal/pkg/env"
	"github.com/ManuelReschke/agentbilling/internal/pkg/jobqueue"
	"github.com/ManuelReschke/agentbilling/internal/pkg/metrics"
	"github.com/ManuelReschke/agentbilling/internal/pkg/router"
)

func main() {
	env.SetupEnvFile()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Main] %v", err)
	}

	app, jobs, err := NewApplication(cfg)
	if err != nil {
		log.Fatalf("[Main] %v", err)
	}
	jobs.Start()

	go func() {
		if err := app.Listen(fmt.Sprintf("%s:%s", cfg.App.Host, cfg.App.Port)); err != nil {
			log.Fatalf("[Main] %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("[Main] Shutting down")
	jobs.Stop()
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Errorf("[Main] Shutdown: %v", err)
	}
}

// NewApplication wires the billing service and its HTTP surface.
func NewApplication(cfg *config.Config) (*fiber.App, *jobqueue.Manager, error) {
	db, err := database.Open(cfg.Database, cfg.App.Env == config.EnvLocal)
	if err != nil {
		return nil, nil, fmt.Errorf("database: %w", err)
	}

	var store cache.Store
	var limiterStorage fiber.Storage
	if cfg.App.Env == config.EnvLocal {
		store = cache.NewMemoryStore(10_000, cfg.Cache.SubscriptionTTL)
	} else {
		client := cache.NewRedisClient(cfg.Cache)
		store = cache.NewRedisStore(client)
		limiterStorage = cache.NewLimiterStorage(cfg.Cache)
	}

	gateway := billing.NewStripeGateway(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret)
	svc := billing.NewServiceFromDB(cfg, db, gateway, store)

	jobs, err := jobqueue.NewManager(svc, cfg.Billing)
	if err != nil {
		return nil, nil, fmt.Errorf("jobs: %w", err)
	}

	// init fiber app
	app := fiber.New(fiber.Config{
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// prometheus metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			cfg.Metrics.User: cfg.Metrics.Password,
		},
	}), adaptor.HTTPHandler(metrics.Handler()))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
		}
		return c.JSON(fiber.Map{"status": "ok", "billing_enabled": cfg.BillingEnabled()})
	})

	// SWAGGER / OPENAPI
	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: "./public/docs/v1/openapi.yml",
		Path:     "v1",
	}))

	// ROUTER
	router.InstallRouter(app, router.Dependencies{
		Config:         cfg,
		Billing:        svc,
		LimiterStorage: limiterStorage,
	})

	return app, jobs, nil
}
