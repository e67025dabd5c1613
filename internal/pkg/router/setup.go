package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/agentbilling/app/controllers"
	"github.com/ManuelReschke/agentbilling/internal/pkg/config"
)

// Router installs a group of routes on the app
type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies are what the routers need to build their controllers.
type Dependencies struct {
	Config  *config.Config
	Billing controllers.BillingService
	// LimiterStorage backs the /api rate limiter; nil keeps limits in memory.
	LimiterStorage fiber.Storage
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	setup(app, NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
