package middleware

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/agentbilling/internal/pkg/accountcontext"
	"github.com/ManuelReschke/agentbilling/internal/pkg/billing"
)

// Gate is the admission check behind EnforcementMiddleware.
type Gate interface {
	CanProceed(ctx context.Context, accountID string) (*billing.Decision, error)
}

// EnforcementMiddleware answers 402 when the account may not start new work.
// An allowed decision is stored in Locals under KeyBillingDecision.
func EnforcementMiddleware(gate Gate) fiber.Handler {
	return func(c *fiber.Ctx) error {
		accountID := accountcontext.GetAccountID(c)
		d, err := gate.CanProceed(c.UserContext(), accountID)
		if err != nil {
			log.Errorf("[Enforcement] Admission check for %s failed: %v", accountID, err)
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":   "billing_unavailable",
				"message": "Billing check failed",
			})
		}
		if !d.Allowed {
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
				"error":                "payment_required",
				"reason":               d.Reason,
				"message":              d.Message,
				"current_usage":        d.CurrentUsage,
				"quota":                d.Quota,
				"credit_balance":       d.CreditBalance,
				"can_purchase_credits": d.CanPurchaseCredits,
			})
		}
		c.Locals(accountcontext.KeyBillingDecision, d)
		return c.Next()
	}
}
