package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
	stripecustomer "github.com/stripe/stripe-go/v82/customer"
	stripeinvoice "github.com/stripe/stripe-go/v82/invoice"
	stripeprice "github.com/stripe/stripe-go/v82/price"
	stripesub "github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeGateway implements PaymentGateway against the Stripe API.
type StripeGateway struct {
	webhookSecret string
}

// NewStripeGateway configures the Stripe client with the given keys.
func NewStripeGateway(apiKey, webhookSecret string) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{webhookSecret: webhookSecret}
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, accountID, email string) (string, error) {
	params := &stripe.CustomerParams{
		Metadata: map[string]string{MetadataAccountID: accountID},
	}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.Context = ctx
	c, err := stripecustomer.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe: create customer: %w", err)
	}
	return c.ID, nil
}

func (g *StripeGateway) ListActiveSubscriptions(ctx context.Context, customerID string) ([]Subscription, error) {
	params := &stripe.SubscriptionListParams{Customer: stripe.String(customerID)}
	params.Context = ctx
	params.Limit = stripe.Int64(20)

	var out []Subscription
	iter := stripesub.List(params)
	for iter.Next() {
		out = append(out, subscriptionFromStripe(iter.Subscription()))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("stripe: list subscriptions: %w", err)
	}
	return out, nil
}

func (g *StripeGateway) ModifySubscriptionItem(ctx context.Context, change ItemChange) (*Subscription, *Invoice, error) {
	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{ID: stripe.String(change.ItemID), Price: stripe.String(change.PriceID)},
		},
		ProrationBehavior: stripe.String(string(change.Proration)),
	}
	if change.ResetBillingAnchor {
		params.BillingCycleAnchorNow = stripe.Bool(true)
	}
	for k, v := range change.Metadata {
		params.AddMetadata(k, v)
	}
	params.AddExpand("latest_invoice")
	params.Context = ctx

	s, err := stripesub.Update(change.SubscriptionID, params)
	if err != nil {
		return nil, nil, fmt.Errorf("stripe: update subscription %s: %w", change.SubscriptionID, err)
	}
	sub := subscriptionFromStripe(s)
	var inv *Invoice
	if s.LatestInvoice != nil && s.LatestInvoice.Status != "" {
		inv = invoiceFromStripe(s.LatestInvoice)
	}
	return &sub, inv, nil
}

func (g *StripeGateway) UpdateCancellation(ctx context.Context, change CancellationChange) (*Subscription, error) {
	params := &stripe.SubscriptionParams{}
	switch {
	case change.CancelAt != nil:
		params.CancelAt = stripe.Int64(change.CancelAt.Unix())
	case change.AtPeriodEnd:
		params.CancelAtPeriodEnd = stripe.Bool(true)
	default:
		if change.ClearPeriodEnd {
			params.CancelAtPeriodEnd = stripe.Bool(false)
		}
		if change.ClearCancelAt {
			params.AddExtra("cancel_at", "")
		}
	}
	params.Context = ctx

	s, err := stripesub.Update(change.SubscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: update cancellation of %s: %w", change.SubscriptionID, err)
	}
	sub := subscriptionFromStripe(s)
	return &sub, nil
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Customer:   stripe.String(req.CustomerID),
		Mode:       stripe.String(string(req.Mode)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	switch req.Mode {
	case CheckoutModeSubscription:
		params.LineItems = []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(req.PriceID), Quantity: stripe.Int64(1)},
		}
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: req.Metadata}
	case CheckoutModePayment:
		params.LineItems = []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(string(stripe.CurrencyUSD)),
					UnitAmount: stripe.Int64(req.Amount.Cents()),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.ProductName),
					},
				},
				Quantity: stripe.Int64(1),
			},
		}
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: req.Metadata}
	default:
		return nil, fmt.Errorf("stripe: unsupported checkout mode %q", req.Mode)
	}
	params.Context = ctx

	s, err := stripesession.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create checkout session: %w", err)
	}
	return &CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

func (g *StripeGateway) RetrievePrice(ctx context.Context, priceID string) (*ProviderPrice, error) {
	params := &stripe.PriceParams{}
	params.Context = ctx
	p, err := stripeprice.Get(priceID, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: get price %s: %w", priceID, err)
	}
	out := &ProviderPrice{ID: p.ID, Amount: MoneyFromCents(p.UnitAmount)}
	if p.Recurring != nil {
		out.Interval = string(p.Recurring.Interval)
	}
	return out, nil
}

// FinalizeAndPayInvoice drives an invoice from draft or open to paid.
func (g *StripeGateway) FinalizeAndPayInvoice(ctx context.Context, inv Invoice) (*Invoice, error) {
	current := &inv
	if current.Status == InvoiceDraft {
		params := &stripe.InvoiceFinalizeInvoiceParams{}
		params.Context = ctx
		f, err := stripeinvoice.FinalizeInvoice(current.ID, params)
		if err != nil {
			return nil, fmt.Errorf("stripe: finalize invoice %s: %w", inv.ID, err)
		}
		current = invoiceFromStripe(f)
	}
	if current.Status == InvoiceOpen {
		params := &stripe.InvoicePayParams{}
		params.Context = ctx
		p, err := stripeinvoice.Pay(current.ID, params)
		if err != nil {
			return nil, fmt.Errorf("stripe: pay invoice %s: %w", inv.ID, err)
		}
		current = invoiceFromStripe(p)
	}
	return current, nil
}

// ParseWebhook verifies the Stripe-Signature header and decodes the payload
// of the event families the reconciler handles.
func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil, fmt.Errorf("stripe: decode event: %w", err)
	}

	out := &WebhookEvent{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
		Raw:     payload,
	}
	if event.Data == nil {
		return out, nil
	}
	raw := event.Data.Raw

	switch {
	case strings.HasPrefix(out.Type, "checkout.session."):
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(raw, &cs); err != nil {
			return nil, fmt.Errorf("stripe: decode checkout session: %w", err)
		}
		ce := &CheckoutEvent{
			SessionID:     cs.ID,
			Mode:          string(cs.Mode),
			PaymentStatus: string(cs.PaymentStatus),
			AmountTotal:   MoneyFromCents(cs.AmountTotal),
			Metadata:      cs.Metadata,
		}
		if cs.PaymentIntent != nil {
			ce.PaymentRef = cs.PaymentIntent.ID
		}
		if cs.Customer != nil {
			ce.CustomerID = cs.Customer.ID
		}
		out.Checkout = ce
	case strings.HasPrefix(out.Type, "customer.subscription."):
		var s stripe.Subscription
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("stripe: decode subscription: %w", err)
		}
		sub := subscriptionFromStripe(&s)
		out.Subscription = &sub
	case strings.HasPrefix(out.Type, "payment_intent."):
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(raw, &pi); err != nil {
			return nil, fmt.Errorf("stripe: decode payment intent: %w", err)
		}
		pe := &PaymentEvent{ID: pi.ID, Metadata: pi.Metadata}
		if pi.Customer != nil {
			pe.CustomerID = pi.Customer.ID
		}
		out.Payment = pe
	case strings.HasPrefix(out.Type, "invoice."):
		var in stripe.Invoice
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("stripe: decode invoice: %w", err)
		}
		out.Invoice = invoiceFromStripe(&in)
	}
	return out, nil
}

func subscriptionFromStripe(s *stripe.Subscription) Subscription {
	out := Subscription{
		ID:                s.ID,
		Status:            string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		Metadata:          s.Metadata,
	}
	if s.Created > 0 {
		out.Created = time.Unix(s.Created, 0).UTC()
	}
	if s.StartDate > 0 {
		out.StartDate = time.Unix(s.StartDate, 0).UTC()
	}
	if s.CancelAt > 0 {
		t := time.Unix(s.CancelAt, 0).UTC()
		out.CancelAt = &t
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Items != nil && len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		out.ItemID = item.ID
		if item.CurrentPeriodStart > 0 {
			out.CurrentPeriodStart = time.Unix(item.CurrentPeriodStart, 0).UTC()
		}
		if item.CurrentPeriodEnd > 0 {
			out.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
		}
		if item.Price != nil {
			out.PriceID = item.Price.ID
			out.PriceAmount = MoneyFromCents(item.Price.UnitAmount)
			if item.Price.Recurring != nil {
				out.Interval = string(item.Price.Recurring.Interval)
			}
		}
	}
	return out
}

func invoiceFromStripe(in *stripe.Invoice) *Invoice {
	out := &Invoice{
		ID:        in.ID,
		Status:    InvoiceStatus(in.Status),
		AmountDue: MoneyFromCents(in.AmountDue),
	}
	if in.Customer != nil {
		out.CustomerID = in.Customer.ID
	}
	return out
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}
