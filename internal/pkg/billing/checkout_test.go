package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/agentbilling/app/models"
	"github.com/ManuelReschke/agentbilling/internal/pkg/config"
)

func TestCreateCheckoutForNewCustomer(t *testing.T) {
	e := newTestEnv(june)

	res, err := e.svc.CreateCheckout(context.Background(), "acct", "a@example.com", priceSBMonthly)
	require.NoError(t, err)
	assert.Equal(t, "checkout_created", res.Status)
	assert.NotEmpty(t, res.URL)
	assert.Equal(t, 1, e.gateway.callCount("create_customer"))

	require.Len(t, e.gateway.checkouts, 1)
	req := e.gateway.checkouts[0]
	assert.Equal(t, CheckoutModeSubscription, req.Mode)
	assert.Equal(t, priceSBMonthly, req.PriceID)
	assert.Equal(t, "cus_acct", req.CustomerID)
	assert.Equal(t, "acct", req.Metadata[MetadataAccountID])

	// The customer is reused.
	_, err = e.svc.CreateCheckout(context.Background(), "acct", "a@example.com", priceSBMonthly)
	require.NoError(t, err)
	assert.Equal(t, 1, e.gateway.callCount("create_customer"))
}

func TestCreateCheckoutWithSubscriptionChangesPlan(t *testing.T) {
	e := newTestEnv(june)
	e.subscribe("acct", "sub_1", priceRCMonthly, june)

	res, err := e.svc.CreateCheckout(context.Background(), "acct", "", priceMaxMonthly)
	require.NoError(t, err)
	assert.Equal(t, "plan_changed", res.Status)
	require.NotNil(t, res.PlanChange)
	assert.Equal(t, ChangeUpgraded, res.PlanChange.Status)
	assert.Empty(t, e.gateway.checkouts)
}

func TestCreateCheckoutRejects(t *testing.T) {
	e := newTestEnv(june)
	_, err := e.svc.CreateCheckout(context.Background(), "acct", "", "price_unknown")
	assert.ErrorIs(t, err, ErrUnknownPrice)

	e.cfg.App.Env = config.EnvLocal
	_, err = e.svc.CreateCheckout(context.Background(), "acct", "", priceSBMonthly)
	assert.ErrorIs(t, err, ErrBillingDisabled)
}

func TestPurchaseCredits(t *testing.T) {
	e := newTestEnv(june)
	e.subscribe("acct", "sub_1", priceSBMonthly, june)

	res, err := e.svc.PurchaseCredits(context.Background(), "acct", "", 25*Dollar)
	require.NoError(t, err)
	assert.Equal(t, "cs_"+res.PurchaseID, res.SessionID)

	req := e.gateway.checkouts[0]
	assert.Equal(t, CheckoutModePayment, req.Mode)
	assert.Equal(t, 25*Dollar, req.Amount)
	assert.Equal(t, "2500 credits", req.ProductName)
	assert.Equal(t, MetadataTypeCreditTopUp, req.Metadata[MetadataType])

	p, err := e.credits.GetPurchase(res.PurchaseID)
	require.NoError(t, err)
	assert.Equal(t, models.CreditPurchaseStatusPending, p.Status)
	assert.Equal(t, res.SessionID, p.ProviderSessionID)
	assert.Zero(t, e.credits.balance("acct"))
}

func TestPurchaseCreditsValidation(t *testing.T) {
	e := newTestEnv(june)
	e.subscribe("acct", "sub_1", priceSBMonthly, june)
	ctx := context.Background()

	tests := []struct {
		name   string
		amount Money
	}{
		{"below minimum", 9 * Dollar},
		{"above maximum", 5001 * Dollar},
		{"fraction of a cent", 10*Dollar + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.PurchaseCredits(ctx, "acct", "", tt.amount)
			assert.ErrorIs(t, err, ErrInvalidAmount)
		})
	}
	assert.Empty(t, e.gateway.checkouts)
}

func TestPurchaseCreditsNotOnFreeTier(t *testing.T) {
	e := newTestEnv(june)
	_, err := e.svc.PurchaseCredits(context.Background(), "acct", "", 10*Dollar)
	assert.ErrorIs(t, err, ErrCreditsNotAvailable)
}

func TestPurchaseCreditsSessionFailureFailsPurchase(t *testing.T) {
	e := newTestEnv(june)
	e.subscribe("acct", "sub_1", priceSBMonthly, june)
	e.gateway.checkoutErr = errors.New("stripe down")

	_, err := e.svc.PurchaseCredits(context.Background(), "acct", "", 10*Dollar)
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	for _, p := range e.credits.purchases {
		assert.Equal(t, models.CreditPurchaseStatusFailed, p.Status)
	}
}

func TestExpireStalePurchases(t *testing.T) {
	e := newTestEnv(time.Now())
	e.subscribe("acct", "sub_1", priceSBMonthly, june)
	ctx := context.Background()
	res, err := e.svc.PurchaseCredits(ctx, "acct", "", 10*Dollar)
	require.NoError(t, err)

	n, err := e.svc.ExpireStalePurchases(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	e.now = time.Now().Add(25 * time.Hour)
	n, err = e.svc.ExpireStalePurchases(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	p, _ := e.credits.GetPurchase(res.PurchaseID)
	assert.Equal(t, models.CreditPurchaseStatusFailed, p.Status)
}
