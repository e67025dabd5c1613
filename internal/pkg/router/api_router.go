package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	apiv1 "github.com/ManuelReschke/agentbilling/internal/api/v1"
	"github.com/ManuelReschke/agentbilling/app/controllers"
	"github.com/ManuelReschke/agentbilling/internal/pkg/accountcontext"
	"github.com/ManuelReschke/agentbilling/internal/pkg/middleware"
)

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        300,
		Expiration: time.Minute,
		Storage:    h.deps.LimiterStorage,
		KeyGenerator: func(c *fiber.Ctx) string {
			if acct := c.Get(accountcontext.HeaderAccountID); acct != "" {
				return "acct:" + acct
			}
			return c.IP()
		},
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from billing api",
		})
	})

	bc := controllers.NewBillingController(h.deps.Billing)

	// API v1 routes
	v1 := api.Group("/v1")
	apiServer := apiv1.NewAPIServer(bc)
	apiv1.RegisterHandlers(v1, apiServer, apiv1.Middlewares{
		InternalKey: middleware.InternalKeyMiddleware(h.deps.Config.Internal.APIKey),
		Account:     middleware.AccountContextMiddleware,
		RequireAcct: middleware.RequireAccount,
		Enforce:     middleware.EnforcementMiddleware(h.deps.Billing),
	})
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}
