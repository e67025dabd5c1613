package apiv1

import (
	"github.com/gofiber/fiber/v2"

	// Delegate to the billing controller to keep behavior consistent
	"github.com/ManuelReschke/agentbilling/app/controllers"
)

// Pong is the ping response
type Pong struct {
	Ping string `json:"ping"`
}

// APIServer serves the v1 billing API
type APIServer struct {
	billing *controllers.BillingController
}

// NewAPIServer creates a new API server instance
func NewAPIServer(billing *controllers.BillingController) *APIServer {
	return &APIServer{billing: billing}
}

// Middlewares are the handlers RegisterHandlers puts in front of the routes.
type Middlewares struct {
	InternalKey fiber.Handler
	Account     fiber.Handler
	RequireAcct fiber.Handler
	Enforce     fiber.Handler
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(Pong{Ping: "pong"})
}

// RegisterHandlers mounts the v1 routes. The provider webhook authenticates by
// signature and sits outside the internal key check.
func RegisterHandlers(router fiber.Router, s *APIServer, mw Middlewares) {
	router.Get("/ping", s.GetPing)

	b := s.billing
	// Registered ahead of the group so its middleware does not apply.
	router.Get("/billing/tiers", b.HandleTiers)
	router.Post("/billing/webhook", b.HandleWebhook)

	acct := router.Group("/billing", mw.InternalKey, mw.Account, mw.RequireAcct)
	acct.Get("/status", b.HandleStatus)
	acct.Get("/subscription", b.HandleSubscription)
	acct.Get("/models", b.HandleModels)
	acct.Get("/models/+", b.HandleModelAccess)
	acct.Post("/checkout", b.HandleCheckout)
	acct.Post("/change-plan", b.HandleChangePlan)
	acct.Post("/cancel", b.HandleCancel)
	acct.Post("/reactivate", b.HandleReactivate)
	acct.Get("/credits/balance", b.HandleCreditBalance)
	acct.Post("/credits/purchase", b.HandlePurchaseCredits)
	acct.Post("/usage", b.HandleSettleUsage)
	acct.Get("/usage/history", b.HandleUsageHistory)

	// Agent runtimes call admit before starting a run.
	router.Post("/agent/admit", mw.InternalKey, mw.Account, mw.RequireAcct, mw.Enforce, b.HandleAdmit)
}
