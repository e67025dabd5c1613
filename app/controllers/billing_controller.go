package controllers

import (
	"context"
	"errors"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/agentbilling/internal/pkg/accountcontext"
	"github.com/ManuelReschke/agentbilling/internal/pkg/billing"
)

// ============================================================================
// BILLING CONTROLLER
// ============================================================================

// BillingService is the billing surface the HTTP layer exposes.
type BillingService interface {
	Catalog() *billing.Catalog
	CanProceed(ctx context.Context, accountID string) (*billing.Decision, error)
	CurrentSubscription(ctx context.Context, accountID string) (*billing.SubscriptionSnapshot, error)
	CreateCheckout(ctx context.Context, accountID, email, priceID string) (*billing.CheckoutResult, error)
	ChangePlan(ctx context.Context, accountID, newPriceID string) (*billing.ChangePlanResult, error)
	Cancel(ctx context.Context, accountID string) (*billing.CancelResult, error)
	Reactivate(ctx context.Context, accountID string) (*billing.ReactivateResult, error)
	GetBalance(ctx context.Context, accountID string) (billing.CreditBalance, error)
	PurchaseCredits(ctx context.Context, accountID, email string, amount billing.Money) (*billing.CreditPurchaseResult, error)
	SettleUsage(ctx context.Context, accountID string, ev billing.UsageEvent) (*billing.SettlementResult, error)
	GetUsageHistory(ctx context.Context, accountID string, page, pageSize int) (*billing.ThreadUsagePage, error)
	AllowedModels(ctx context.Context, accountID string) ([]string, error)
	CanUseModel(ctx context.Context, accountID, model string) (bool, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) (*billing.WebhookResult, error)
}

// BillingController handles the billing API
type BillingController struct {
	svc      BillingService
	validate *validator.Validate
}

// NewBillingController creates a new billing controller
func NewBillingController(svc BillingService) *BillingController {
	return &BillingController{svc: svc, validate: validator.New()}
}

type priceRequest struct {
	PriceID string `json:"price_id" validate:"required,max=255"`
}

type purchaseCreditsRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// handleError maps billing errors to HTTP responses.
func (bc *BillingController) handleError(c *fiber.Ctx, err error) error {
	var policy *billing.PolicyError
	var provider *billing.ProviderError
	switch {
	case errors.As(err, &policy):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":            policy.Code,
			"message":          policy.Message,
			"commitment_end":   policy.CommitmentEnd,
			"months_remaining": policy.MonthsRemaining,
		})
	case errors.As(err, &provider):
		log.Errorf("[BillingController] Provider failure: %v", err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "payment_provider_error", "message": "Payment provider request failed"})
	case errors.Is(err, billing.ErrUnknownPrice), errors.Is(err, billing.ErrInvalidAmount):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": err.Error()})
	case errors.Is(err, billing.ErrInvalidSignature):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature", "message": "Webhook signature verification failed"})
	case errors.Is(err, billing.ErrNoSubscription):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": err.Error()})
	case errors.Is(err, billing.ErrNotCancellable):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "not_cancellable", "message": err.Error()})
	case errors.Is(err, billing.ErrCreditsNotAvailable):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "credits_not_available", "message": err.Error()})
	case errors.Is(err, billing.ErrBillingDisabled):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "billing_disabled", "message": err.Error()})
	default:
		log.Errorf("[BillingController] %s %s: %v", c.Method(), c.Path(), err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Billing request failed"})
	}
}

// parse decodes and validates a JSON body.
func (bc *BillingController) parse(c *fiber.Ctx, dst interface{}) error {
	if err := c.BodyParser(dst); err != nil {
		return errors.New("invalid JSON body")
	}
	return bc.validate.Struct(dst)
}

func badRequest(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": err.Error()})
}

// HandleTiers lists the tier catalog and its prices.
func (bc *BillingController) HandleTiers(c *fiber.Ctx) error {
	catalog := bc.svc.Catalog()
	return c.JSON(fiber.Map{
		"version": catalog.Version(),
		"tiers":   catalog.Tiers(),
		"prices":  catalog.Prices(),
	})
}

// HandleStatus returns the admission decision for the account.
func (bc *BillingController) HandleStatus(c *fiber.Ctx) error {
	d, err := bc.svc.CanProceed(c.UserContext(), accountcontext.GetAccountID(c))
	if err != nil {
		return bc.handleError(c, err)
	}
	return c.JSON(d)
}

// HandleAdmit confirms a run may start. EnforcementMiddleware has already
// answered 402 for denied accounts.
func (bc *BillingController) HandleAdmit(c *fiber.Ctx) error {
	if d, ok := c.Locals(accountcontext.KeyBillingDecision).(*billing.Decision); ok {
		return c.JSON(d)
	}
	return bc.HandleStatus(c)
}

// HandleSubscription returns the subscription snapshot.
func (bc *BillingController) HandleSubscription(c *fiber.Ctx) error {
	snap, err := bc.svc.CurrentSubscription(c.UserContext(), accountcontext.GetAccountID(c))
	if err != nil {
		return bc.handleError(c, err)
	}
	return c.JSON(snap)
}

// HandleCheckout starts a subscription checkout or changes the plan of an
// existing subscription.
func (bc *BillingController) HandleCheckout(c *fiber.Ctx) error {
	var req priceRequest
	if err := bc.parse(c, &req); err != nil {
		return badRequest(c, err)
	}
	acct := accountcontext.GetAccountContext(c)
	res, err := bc.svc.CreateCheckout(c.UserContext(), acct.AccountID, acct.Email, req.PriceID)
	if err != nil {
		return bc.handleError(c, err)
	}
	status := fiber.StatusCreated
	if res.PlanChange != nil {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(res)
}

// HandleChangePlan moves the subscription to another price.
func (bc *BillingController) HandleChangePlan(c *fiber.Ctx) error {
	var req priceRequest
	if err := bc.parse(c, &req); err != nil {
		return badRequest(c, err)
	}
	res, err := bc.svc.ChangePlan(c.UserContext(), accountcontext.GetAccountID(c), req.PriceID)
	if err != nil {
		return bc.handleError(c, err)
	}
	return c.JSON(res)
}

// HandleCancel schedules the subscription to end.
func (bc *BillingController) HandleCancel(c *fiber.Ctx) error {
	res, err := bc.svc.Cancel(c.UserContext(), accountcontext.GetAccountID(c))
	if err != nil {
		return bc.handleError(c, err)
	}
	return c.JSON(res)
}

// HandleReactivate clears a scheduled cancellation.
func (bc *BillingController) HandleReactivate(c *fiber.Ctx) error {
	res, err := bc.svc.Reactivate(c.UserContext(), accountcontext.GetAccountID(c))
	if err != nil {
		return bc.handleError(c, err)
	}
	return c.JSON(res)
}

// HandleCreditBalance returns the prepaid credit balance.
func (bc *BillingController) HandleCreditBalance(c *fiber.Ctx) error {
	b, err := bc.svc.GetBalance(c.UserContext(), accountcontext.GetAccountID(c))
	if err != nil {
		return bc.handleError(c, err)
	}
	return c.JSON(fiber.Map{
		"account_id":      b.AccountID,
		"balance":         b.Balance,
		"balance_credits": b.Balance.Credits(),
		"total_purchased": b.TotalPurchased,
		"total_used":      b.TotalUsed,
		"display":         b.Balance.String(),
	})
}

// HandlePurchaseCredits opens a checkout for a credit top-up. Amount is in dollars.
func (bc *BillingController) HandlePurchaseCredits(c *fiber.Ctx) error {
	var req purchaseCreditsRequest
	if err := bc.parse(c, &req); err != nil {
		return badRequest(c, err)
	}
	acct := accountcontext.GetAccountContext(c)
	res, err := bc.svc.PurchaseCredits(c.UserContext(), acct.AccountID, acct.Email, billing.MoneyFromDecimal(req.Amount))
	if err != nil {
		return bc.handleError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

// HandleSettleUsage records a completed unit of usage. A blocked settlement
// is still a 200; the body tells the runtime to stop.
func (bc *BillingController) HandleSettleUsage(c *fiber.Ctx) error {
	var ev billing.UsageEvent
	if err := bc.parse(c, &ev); err != nil {
		return badRequest(c, err)
	}
	res, err := bc.svc.SettleUsage(c.UserContext(), accountcontext.GetAccountID(c), ev)
	if err != nil {
		return bc.handleError(c, err)
	}
	return c.JSON(res)
}

// HandleUsageHistory returns per-thread usage, paginated.
func (bc *BillingController) HandleUsageHistory(c *fiber.Ctx) error {
	page, _ := strconv.Atoi(c.Query("page", "1"))
	pageSize, _ := strconv.Atoi(c.Query("page_size", "20"))
	res, err := bc.svc.GetUsageHistory(c.UserContext(), accountcontext.GetAccountID(c), page, pageSize)
	if err != nil {
		return bc.handleError(c, err)
	}
	return c.JSON(res)
}

// HandleModels lists the models the account's tier may use.
func (bc *BillingController) HandleModels(c *fiber.Ctx) error {
	models, err := bc.svc.AllowedModels(c.UserContext(), accountcontext.GetAccountID(c))
	if err != nil {
		return bc.handleError(c, err)
	}
	return c.JSON(fiber.Map{"models": models})
}

// HandleModelAccess reports whether the account's tier includes one model.
func (bc *BillingController) HandleModelAccess(c *fiber.Ctx) error {
	model := c.Params("+")
	if model == "" || len(model) > 255 {
		return badRequest(c, errors.New("model is required"))
	}
	ok, err := bc.svc.CanUseModel(c.UserContext(), accountcontext.GetAccountID(c), model)
	if err != nil {
		return bc.handleError(c, err)
	}
	return c.JSON(fiber.Map{"model": model, "allowed": ok})
}

// HandleWebhook verifies and applies a payment provider event. Processing
// failures answer 500 so the provider redelivers.
func (bc *BillingController) HandleWebhook(c *fiber.Ctx) error {
	res, err := bc.svc.HandleWebhook(c.UserContext(), c.Body(), c.Get("Stripe-Signature"))
	if err != nil {
		if res != nil && res.Outcome == billing.WebhookFailed {
			return c.Status(fiber.StatusInternalServerError).JSON(res)
		}
		return bc.handleError(c, err)
	}
	return c.JSON(res)
}
