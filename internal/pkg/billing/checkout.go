package billing

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/agentbilling/app/models"
)

// Checkout metadata keys and the credit purchase marker.
const (
	MetadataType            = "type"
	MetadataAccountID       = "account_id"
	MetadataPurchaseID      = "purchase_id"
	MetadataTypeCreditTopUp = "credit_purchase"
)

type CheckoutResult struct {
	Status     string            `json:"status"`
	SessionID  string            `json:"session_id,omitempty"`
	URL        string            `json:"url,omitempty"`
	PlanChange *ChangePlanResult `json:"plan_change,omitempty"`
}

type CreditPurchaseResult struct {
	PurchaseID string `json:"purchase_id"`
	SessionID  string `json:"session_id"`
	URL        string `json:"url"`
	Amount     Money  `json:"amount"`
}

// CreateCheckout starts a subscription checkout. Accounts that already have
// a subscription are routed through ChangePlan instead of a second checkout.
func (s *Service) CreateCheckout(ctx context.Context, accountID, email, priceID string) (*CheckoutResult, error) {
	if !s.cfg.BillingEnabled() {
		return nil, ErrBillingDisabled
	}
	if _, ok := s.catalog.LookupPrice(priceID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPrice, priceID)
	}

	existing, err := s.activeSubscription(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		change, err := s.ChangePlan(ctx, accountID, priceID)
		if err != nil {
			return nil, err
		}
		return &CheckoutResult{Status: "plan_changed", PlanChange: change}, nil
	}

	customerID, err := s.GetOrCreateCustomer(ctx, accountID, email)
	if err != nil {
		return nil, err
	}
	session, err := s.gateway.CreateCheckoutSession(ctx, CheckoutRequest{
		CustomerID: customerID,
		Mode:       CheckoutModeSubscription,
		PriceID:    priceID,
		SuccessURL: s.cfg.Stripe.SuccessURL,
		CancelURL:  s.cfg.Stripe.CancelURL,
		Metadata:   map[string]string{MetadataAccountID: accountID},
	})
	if err != nil {
		return nil, providerErr("create checkout session", err)
	}
	log.Infof("[Checkout] Created subscription checkout %s for %s", session.ID, accountID)
	return &CheckoutResult{Status: "checkout_created", SessionID: session.ID, URL: session.URL}, nil
}

// PurchaseCredits opens a one-off payment for a credit top-up. Credits are
// added by the webhook once the payment completes.
func (s *Service) PurchaseCredits(ctx context.Context, accountID, email string, amount Money) (*CreditPurchaseResult, error) {
	if !s.cfg.BillingEnabled() {
		return nil, ErrBillingDisabled
	}
	low := Money(s.cfg.Billing.CreditPurchaseMin) * Dollar
	high := Money(s.cfg.Billing.CreditPurchaseMax) * Dollar
	if amount < low || amount > high {
		return nil, fmt.Errorf("%w: credit purchases must be between %s and %s", ErrInvalidAmount, low, high)
	}
	if amount%Cent != 0 {
		return nil, fmt.Errorf("%w: amount must be whole cents", ErrInvalidAmount)
	}

	snap, err := s.CurrentSubscription(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !snap.Tier.CanPurchaseCredits {
		return nil, ErrCreditsNotAvailable
	}

	customerID, err := s.GetOrCreateCustomer(ctx, accountID, email)
	if err != nil {
		return nil, err
	}

	purchase := &models.CreditPurchase{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		AmountMicros: int64(amount),
		Status:       models.CreditPurchaseStatusPending,
	}
	if err := s.credits.CreatePurchase(purchase); err != nil {
		return nil, err
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, CheckoutRequest{
		CustomerID:  customerID,
		Mode:        CheckoutModePayment,
		Amount:      amount,
		ProductName: fmt.Sprintf("%d credits", amount.Credits()),
		SuccessURL:  s.cfg.Stripe.SuccessURL,
		CancelURL:   s.cfg.Stripe.CancelURL,
		Metadata: map[string]string{
			MetadataType:       MetadataTypeCreditTopUp,
			MetadataPurchaseID: purchase.ID,
			MetadataAccountID:  accountID,
		},
	})
	if err != nil {
		if _, ferr := s.credits.FailPurchase(purchase.ID); ferr != nil {
			log.Errorf("[Checkout] Failed to mark purchase %s failed: %v", purchase.ID, ferr)
		}
		return nil, providerErr("create checkout session", err)
	}
	if err := s.credits.SetPurchaseSession(purchase.ID, session.ID); err != nil {
		log.Errorf("[Checkout] Failed to store session %s on purchase %s: %v", session.ID, purchase.ID, err)
	}

	log.Infof("[Checkout] Created credit purchase %s (%s) for %s", purchase.ID, amount, accountID)
	return &CreditPurchaseResult{PurchaseID: purchase.ID, SessionID: session.ID, URL: session.URL, Amount: amount}, nil
}
