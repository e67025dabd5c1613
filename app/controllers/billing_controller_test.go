package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/agentbilling/internal/pkg/accountcontext"
	"github.com/ManuelReschke/agentbilling/internal/pkg/billing"
)

type stubBilling struct {
	err error

	lastAccount string
	lastEmail   string
	lastPrice   string
	lastAmount  billing.Money
	lastUsage   billing.UsageEvent
	lastPage    [2]int
	lastModel   string

	webhookRes *billing.WebhookResult
	checkout   *billing.CheckoutResult
}

func (s *stubBilling) Catalog() *billing.Catalog { return billing.NewCatalog("staging") }

func (s *stubBilling) CanProceed(_ context.Context, acct string) (*billing.Decision, error) {
	s.lastAccount = acct
	if s.err != nil {
		return nil, s.err
	}
	return &billing.Decision{Allowed: true, Reason: "within_quota"}, nil
}

func (s *stubBilling) CurrentSubscription(_ context.Context, acct string) (*billing.SubscriptionSnapshot, error) {
	s.lastAccount = acct
	return &billing.SubscriptionSnapshot{}, s.err
}

func (s *stubBilling) CreateCheckout(_ context.Context, acct, email, price string) (*billing.CheckoutResult, error) {
	s.lastAccount, s.lastEmail, s.lastPrice = acct, email, price
	if s.err != nil {
		return nil, s.err
	}
	if s.checkout != nil {
		return s.checkout, nil
	}
	return &billing.CheckoutResult{Status: "checkout_created", SessionID: "cs_1", URL: "https://pay.example/cs_1"}, nil
}

func (s *stubBilling) ChangePlan(_ context.Context, acct, price string) (*billing.ChangePlanResult, error) {
	s.lastAccount, s.lastPrice = acct, price
	if s.err != nil {
		return nil, s.err
	}
	return &billing.ChangePlanResult{}, nil
}

func (s *stubBilling) Cancel(_ context.Context, acct string) (*billing.CancelResult, error) {
	s.lastAccount = acct
	if s.err != nil {
		return nil, s.err
	}
	return &billing.CancelResult{}, nil
}

func (s *stubBilling) Reactivate(_ context.Context, acct string) (*billing.ReactivateResult, error) {
	s.lastAccount = acct
	if s.err != nil {
		return nil, s.err
	}
	return &billing.ReactivateResult{}, nil
}

func (s *stubBilling) GetBalance(_ context.Context, acct string) (billing.CreditBalance, error) {
	s.lastAccount = acct
	return billing.CreditBalance{AccountID: acct, Balance: 25 * billing.Dollar, TotalPurchased: 30 * billing.Dollar, TotalUsed: 5 * billing.Dollar}, s.err
}

func (s *stubBilling) PurchaseCredits(_ context.Context, acct, email string, amount billing.Money) (*billing.CreditPurchaseResult, error) {
	s.lastAccount, s.lastEmail, s.lastAmount = acct, email, amount
	if s.err != nil {
		return nil, s.err
	}
	return &billing.CreditPurchaseResult{PurchaseID: "p1", Amount: amount}, nil
}

func (s *stubBilling) SettleUsage(_ context.Context, acct string, ev billing.UsageEvent) (*billing.SettlementResult, error) {
	s.lastAccount, s.lastUsage = acct, ev
	if s.err != nil {
		return nil, s.err
	}
	return &billing.SettlementResult{}, nil
}

func (s *stubBilling) GetUsageHistory(_ context.Context, acct string, page, size int) (*billing.ThreadUsagePage, error) {
	s.lastAccount, s.lastPage = acct, [2]int{page, size}
	if s.err != nil {
		return nil, s.err
	}
	return &billing.ThreadUsagePage{}, nil
}

func (s *stubBilling) AllowedModels(_ context.Context, acct string) ([]string, error) {
	s.lastAccount = acct
	return []string{"claude-sonnet-4"}, s.err
}

func (s *stubBilling) CanUseModel(_ context.Context, acct, model string) (bool, error) {
	s.lastAccount, s.lastModel = acct, model
	if s.err != nil {
		return false, s.err
	}
	return model == "claude-sonnet-4", nil
}

func (s *stubBilling) HandleWebhook(_ context.Context, _ []byte, sig string) (*billing.WebhookResult, error) {
	if s.webhookRes != nil {
		return s.webhookRes, s.err
	}
	if s.err != nil {
		return nil, s.err
	}
	return &billing.WebhookResult{Outcome: billing.WebhookProcessed}, nil
}

func newBillingTestApp(svc BillingService) *fiber.App {
	bc := NewBillingController(svc)
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		accountcontext.SetAccountContext(c, accountcontext.AccountContext{
			AccountID: c.Get(accountcontext.HeaderAccountID),
			Email:     c.Get(accountcontext.HeaderAccountEmail),
		})
		return c.Next()
	})
	app.Get("/tiers", bc.HandleTiers)
	app.Get("/status", bc.HandleStatus)
	app.Post("/checkout", bc.HandleCheckout)
	app.Post("/change-plan", bc.HandleChangePlan)
	app.Post("/cancel", bc.HandleCancel)
	app.Get("/credits/balance", bc.HandleCreditBalance)
	app.Post("/credits/purchase", bc.HandlePurchaseCredits)
	app.Post("/usage", bc.HandleSettleUsage)
	app.Get("/usage/history", bc.HandleUsageHistory)
	app.Get("/models", bc.HandleModels)
	app.Get("/models/+", bc.HandleModelAccess)
	app.Post("/webhook", bc.HandleWebhook)
	return app
}

func doRequest(t *testing.T, app *fiber.App, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set(accountcontext.HeaderAccountID, "acct_1")
	req.Header.Set(accountcontext.HeaderAccountEmail, "a@example.com")
	if body != "" {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestBillingControllerTiers(t *testing.T) {
	app := newBillingTestApp(&stubBilling{})
	status, body := doRequest(t, app, "GET", "/tiers", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, billing.CatalogVersion, body["version"])
	assert.Len(t, body["tiers"], 4)
	assert.Len(t, body["prices"], 6)
}

func TestBillingControllerStatusUsesAccountHeader(t *testing.T) {
	svc := &stubBilling{}
	app := newBillingTestApp(svc)
	status, body := doRequest(t, app, "GET", "/status", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["allowed"])
	assert.Equal(t, "acct_1", svc.lastAccount)
}

func TestBillingControllerCheckout(t *testing.T) {
	svc := &stubBilling{}
	app := newBillingTestApp(svc)

	status, body := doRequest(t, app, "POST", "/checkout", `{"price_id":"price_x"}`)
	assert.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, "cs_1", body["session_id"])
	assert.Equal(t, "a@example.com", svc.lastEmail)
	assert.Equal(t, "price_x", svc.lastPrice)

	svc.checkout = &billing.CheckoutResult{Status: "plan_changed", PlanChange: &billing.ChangePlanResult{}}
	status, _ = doRequest(t, app, "POST", "/checkout", `{"price_id":"price_x"}`)
	assert.Equal(t, fiber.StatusOK, status)
}

func TestBillingControllerRejectsInvalidBodies(t *testing.T) {
	app := newBillingTestApp(&stubBilling{})

	status, body := doRequest(t, app, "POST", "/checkout", `{}`)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "bad_request", body["error"])

	status, _ = doRequest(t, app, "POST", "/change-plan", `not json`)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = doRequest(t, app, "POST", "/usage", `{"thread_id":"t1","prompt_tokens":5}`)
	assert.Equal(t, fiber.StatusBadRequest, status, "model is required")

	status, _ = doRequest(t, app, "POST", "/usage", `{"model":"m","prompt_tokens":-1}`)
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = doRequest(t, app, "POST", "/usage", `{"model":"m","completion_tokens":130000000000}`)
	assert.Equal(t, fiber.StatusBadRequest, status, "token counts are bounded")
}

func TestBillingControllerPurchaseCreditsParsesDollars(t *testing.T) {
	svc := &stubBilling{}
	app := newBillingTestApp(svc)
	status, _ := doRequest(t, app, "POST", "/credits/purchase", `{"amount":"25.50"}`)
	assert.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, 25*billing.Dollar+50*billing.Cent, svc.lastAmount)

	status, _ = doRequest(t, app, "POST", "/credits/purchase", `{"amount":12}`)
	assert.Equal(t, fiber.StatusCreated, status)
	assert.Equal(t, 12*billing.Dollar, svc.lastAmount)
}

func TestBillingControllerCreditBalance(t *testing.T) {
	app := newBillingTestApp(&stubBilling{})
	status, body := doRequest(t, app, "GET", "/credits/balance", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(2500), body["balance_credits"])
	assert.Equal(t, "$25.00", body["display"])
	assert.Equal(t, float64(25), body["balance"])
}

func TestBillingControllerSettleUsage(t *testing.T) {
	svc := &stubBilling{}
	app := newBillingTestApp(svc)
	status, _ := doRequest(t, app, "POST", "/usage", `{"thread_id":"t1","model":"claude-sonnet-4","prompt_tokens":10,"completion_tokens":20}`)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "claude-sonnet-4", svc.lastUsage.Model)
	assert.Equal(t, int64(20), svc.lastUsage.CompletionTokens)
}

func TestBillingControllerUsageHistoryPaging(t *testing.T) {
	svc := &stubBilling{}
	app := newBillingTestApp(svc)
	status, _ := doRequest(t, app, "GET", "/usage/history?page=3&page_size=5", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, [2]int{3, 5}, svc.lastPage)
}

func TestBillingControllerErrorMapping(t *testing.T) {
	end := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"policy", &billing.PolicyError{Code: billing.CodeCommitmentActive, Message: "locked", CommitmentEnd: &end, MonthsRemaining: 6}, fiber.StatusConflict, billing.CodeCommitmentActive},
		{"provider", &billing.ProviderError{Op: "pay invoice", Err: errors.New("card declined")}, fiber.StatusBadGateway, "payment_provider_error"},
		{"unknown price", billing.ErrUnknownPrice, fiber.StatusBadRequest, "bad_request"},
		{"no subscription", billing.ErrNoSubscription, fiber.StatusNotFound, "not_found"},
		{"credits not available", billing.ErrCreditsNotAvailable, fiber.StatusForbidden, "credits_not_available"},
		{"not cancellable", billing.ErrNotCancellable, fiber.StatusConflict, "not_cancellable"},
		{"other", errors.New("db down"), fiber.StatusInternalServerError, "internal_server_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newBillingTestApp(&stubBilling{err: tt.err})
			status, body := doRequest(t, app, "POST", "/change-plan", `{"price_id":"price_x"}`)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body["error"])
			if tt.name == "policy" {
				assert.Equal(t, float64(6), body["months_remaining"])
				assert.NotNil(t, body["commitment_end"])
			}
		})
	}
}

func TestBillingControllerModelAccess(t *testing.T) {
	svc := &stubBilling{}
	app := newBillingTestApp(svc)

	status, body := doRequest(t, app, "GET", "/models", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, []interface{}{"claude-sonnet-4"}, body["models"])

	status, body = doRequest(t, app, "GET", "/models/claude-sonnet-4", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, true, body["allowed"])
	assert.Equal(t, "claude-sonnet-4", body["model"])

	status, body = doRequest(t, app, "GET", "/models/anthropic/claude-opus-4", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, false, body["allowed"])
	assert.Equal(t, "anthropic/claude-opus-4", svc.lastModel)

	svc.err = errors.New("provider down")
	status, _ = doRequest(t, app, "GET", "/models/gpt-4o", "")
	assert.Equal(t, fiber.StatusInternalServerError, status)
}

func TestBillingControllerWebhook(t *testing.T) {
	svc := &stubBilling{webhookRes: &billing.WebhookResult{Outcome: billing.WebhookDuplicate}}
	app := newBillingTestApp(svc)
	status, body := doRequest(t, app, "POST", "/webhook", `{}`)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, billing.WebhookDuplicate, body["outcome"])

	svc.webhookRes, svc.err = nil, billing.ErrInvalidSignature
	status, body = doRequest(t, app, "POST", "/webhook", `{}`)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "invalid_signature", body["error"])

	svc.webhookRes = &billing.WebhookResult{Outcome: billing.WebhookFailed}
	svc.err = errors.New("purchase not found")
	status, _ = doRequest(t, app, "POST", "/webhook", `{}`)
	assert.Equal(t, fiber.StatusInternalServerError, status)

	// A verified payload that fails to decode is redelivered, not rejected.
	svc.webhookRes, svc.err = nil, errors.New("stripe: decode invoice: unexpected end of JSON input")
	status, body = doRequest(t, app, "POST", "/webhook", `{}`)
	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.Equal(t, "internal_server_error", body["error"])
}
