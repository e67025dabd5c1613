package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/agentbilling/app/models"
	"github.com/ManuelReschke/agentbilling/app/repository"
	"github.com/ManuelReschke/agentbilling/internal/pkg/metrics"
)

// Webhook outcomes, also used as metric labels.
const (
	WebhookProcessed = "processed"
	WebhookDuplicate = "duplicate"
	WebhookIgnored   = "ignored"
	WebhookFailed    = "failed"
)

type WebhookResult struct {
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	Outcome   string `json:"outcome"`
	Action    string `json:"action,omitempty"`
	AccountID string `json:"account_id,omitempty"`
}

// HandleWebhook verifies and applies one provider event. Each event id is
// processed at most once; redelivery of a processed event is a no-op.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	ev, err := s.gateway.ParseWebhook(payload, signature)
	if err != nil {
		if errors.Is(err, ErrInvalidSignature) {
			metrics.WebhookEvents.WithLabelValues("unknown", "invalid_signature").Inc()
			log.Warnf("[Webhook] Rejected event with invalid signature: %v", err)
			return nil, err
		}
		metrics.WebhookEvents.WithLabelValues("unknown", "decode_error").Inc()
		log.Errorf("[Webhook] Failed to decode event: %v", err)
		return nil, err
	}

	res := &WebhookResult{EventID: ev.ID, Type: ev.Type}
	created, stored, err := s.events.CreateIfNotExists(&models.BillingWebhookEvent{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: ev.ID,
		EventType:       ev.Type,
		PayloadJSON:     string(ev.Raw),
	})
	if err != nil {
		return nil, err
	}
	if !created && stored.ProcessedAt != nil && stored.ProcessingError == "" {
		res.Outcome = WebhookDuplicate
		res.AccountID = stored.AccountID
		metrics.WebhookEvents.WithLabelValues(ev.Type, res.Outcome).Inc()
		log.Infof("[Webhook] Event %s already processed, skipping", ev.ID)
		return res, nil
	}

	procErr := s.dispatch(ctx, ev, res)
	errMsg := ""
	if procErr != nil {
		errMsg = procErr.Error()
		res.Outcome = WebhookFailed
	}
	if err := s.events.MarkProcessed(stored.ID, res.AccountID, errMsg); err != nil {
		log.Errorf("[Webhook] Failed to mark event %s processed: %v", ev.ID, err)
	}
	metrics.WebhookEvents.WithLabelValues(ev.Type, res.Outcome).Inc()
	if procErr != nil {
		log.Errorf("[Webhook] Event %s (%s) failed: %v", ev.ID, ev.Type, procErr)
		return res, procErr
	}
	return res, nil
}

func (s *Service) dispatch(ctx context.Context, ev *WebhookEvent, res *WebhookResult) error {
	res.Outcome = WebhookProcessed
	switch {
	case ev.Type == "checkout.session.completed" || ev.Type == "checkout.session.async_payment_succeeded":
		if ev.Checkout == nil {
			return errors.New("checkout event without session payload")
		}
		if isCreditPurchase(ev.Checkout.Metadata) {
			if ev.Checkout.PaymentStatus != "" && ev.Checkout.PaymentStatus != "paid" {
				res.Outcome = WebhookIgnored
				res.Action = "awaiting_payment"
				res.AccountID = ev.Checkout.Metadata[MetadataAccountID]
				return nil
			}
			return s.completeCreditPurchase(ctx, ev.Checkout, res)
		}
		res.AccountID = s.accountFor(ev.Checkout.Metadata, ev.Checkout.CustomerID)
		res.Action = "subscription_checkout"
		s.InvalidateAccount(ctx, res.AccountID)
		log.Infof("[Webhook] Subscription checkout %s completed for %s", ev.Checkout.SessionID, res.AccountID)

	case ev.Type == "checkout.session.expired" || ev.Type == "checkout.session.async_payment_failed":
		if ev.Checkout == nil || !isCreditPurchase(ev.Checkout.Metadata) {
			res.Outcome = WebhookIgnored
			return nil
		}
		return s.failCreditPurchase(ctx, ev.Checkout.Metadata, ev.Checkout.SessionID, "", res)

	case ev.Type == "payment_intent.payment_failed":
		if ev.Payment == nil || !isCreditPurchase(ev.Payment.Metadata) {
			res.Outcome = WebhookIgnored
			return nil
		}
		return s.failCreditPurchase(ctx, ev.Payment.Metadata, "", ev.Payment.ID, res)

	case strings.HasPrefix(ev.Type, "customer.subscription."):
		if ev.Subscription == nil {
			return errors.New("subscription event without subscription payload")
		}
		sub := ev.Subscription
		res.AccountID = s.accountFor(sub.Metadata, sub.CustomerID)
		res.Action = "subscription_sync"
		s.InvalidateAccount(ctx, res.AccountID)
		log.Infof("[Webhook] %s: subscription %s for %s is %s on %s (cancel_at_period_end=%t)",
			ev.Type, sub.ID, res.AccountID, sub.Status, sub.PriceID, sub.CancelAtPeriodEnd)

	case ev.Type == "invoice.paid" || ev.Type == "invoice.payment_failed":
		if ev.Invoice != nil {
			res.AccountID = s.accountForCustomer(ev.Invoice.CustomerID)
			s.InvalidateAccount(ctx, res.AccountID)
		}
		res.Action = "invoice_sync"
		if ev.Type == "invoice.payment_failed" {
			log.Warnf("[Webhook] Invoice payment failed for %s", res.AccountID)
		}

	default:
		res.Outcome = WebhookIgnored
	}
	return nil
}

func isCreditPurchase(md map[string]string) bool {
	return md[MetadataType] == MetadataTypeCreditTopUp
}

func (s *Service) accountFor(md map[string]string, customerID string) string {
	if id := md[MetadataAccountID]; id != "" {
		return id
	}
	return s.accountForCustomer(customerID)
}

// findPurchase locates a purchase by payment reference, then by checkout
// session, then by the purchase id carried in metadata.
func (s *Service) findPurchase(paymentRef, sessionID, purchaseID string) (*models.CreditPurchase, error) {
	lookups := []struct {
		key  string
		find func(string) (*models.CreditPurchase, error)
	}{
		{paymentRef, s.credits.FindPurchaseByPaymentRef},
		{sessionID, s.credits.FindPurchaseBySession},
		{purchaseID, s.credits.GetPurchase},
	}
	for _, l := range lookups {
		if l.key == "" {
			continue
		}
		p, err := l.find(l.key)
		if err == nil {
			return p, nil
		}
		if !repository.IsNotFound(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("no credit purchase matches payment %q, session %q or id %q", paymentRef, sessionID, purchaseID)
}

func (s *Service) completeCreditPurchase(ctx context.Context, co *CheckoutEvent, res *WebhookResult) error {
	purchase, err := s.findPurchase(co.PaymentRef, co.SessionID, co.Metadata[MetadataPurchaseID])
	if err != nil {
		return err
	}
	res.AccountID = purchase.AccountID
	res.Action = "credit_purchase"

	switch purchase.Status {
	case models.CreditPurchaseStatusCompleted:
		res.Outcome = WebhookDuplicate
		log.Infof("[Webhook] Credit purchase %s already completed", purchase.ID)
		return nil
	case models.CreditPurchaseStatusFailed:
		log.Errorf("[Webhook] Payment %s arrived for failed credit purchase %s of %s; needs manual review", co.PaymentRef, purchase.ID, purchase.AccountID)
		res.Outcome = WebhookIgnored
		return nil
	}

	balance, err := s.ledger.AddCredits(ctx, purchase.AccountID, Money(purchase.AmountMicros), PurchaseRef{
		PurchaseID: purchase.ID,
		PaymentRef: co.PaymentRef,
	})
	if err != nil {
		if errors.Is(err, ErrPurchaseAlreadyApplied) {
			res.Outcome = WebhookDuplicate
			return nil
		}
		return err
	}
	s.InvalidateAccount(ctx, purchase.AccountID)
	log.Infof("[Webhook] Credit purchase %s completed for %s, balance now %s", purchase.ID, purchase.AccountID, balance)
	return nil
}

func (s *Service) failCreditPurchase(_ context.Context, md map[string]string, sessionID, paymentRef string, res *WebhookResult) error {
	purchase, err := s.findPurchase(paymentRef, sessionID, md[MetadataPurchaseID])
	if err != nil {
		return err
	}
	res.AccountID = purchase.AccountID
	res.Action = "credit_purchase_failed"
	changed, err := s.credits.FailPurchase(purchase.ID)
	if err != nil {
		return err
	}
	if !changed {
		res.Outcome = WebhookDuplicate
		return nil
	}
	metrics.CreditTopUps.WithLabelValues(models.CreditPurchaseStatusFailed).Inc()
	log.Infof("[Webhook] Credit purchase %s for %s marked failed", purchase.ID, purchase.AccountID)
	return nil
}
