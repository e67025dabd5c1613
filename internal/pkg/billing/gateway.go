package billing

import (
	"context"
	"time"
)

// InvoiceStatus mirrors the provider invoice lifecycle.
type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "draft"
	InvoiceOpen          InvoiceStatus = "open"
	InvoicePaid          InvoiceStatus = "paid"
	InvoiceUncollectible InvoiceStatus = "uncollectible"
	InvoiceVoid          InvoiceStatus = "void"
)

type Invoice struct {
	ID         string        `json:"id"`
	Status     InvoiceStatus `json:"status"`
	AmountDue  Money         `json:"amount_due"`
	CustomerID string        `json:"customer_id,omitempty"`
}

// Subscription is the provider subscription translated at the gateway
// boundary. Only the first item is tracked; the product sells one plan.
type Subscription struct {
	ID                 string            `json:"id"`
	CustomerID         string            `json:"customer_id"`
	Status             string            `json:"status"`
	ItemID             string            `json:"item_id"`
	PriceID            string            `json:"price_id"`
	PriceAmount        Money             `json:"price_amount"`
	Interval           string            `json:"interval"`
	CurrentPeriodStart time.Time         `json:"current_period_start"`
	CurrentPeriodEnd   time.Time         `json:"current_period_end"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CancelAt           *time.Time        `json:"cancel_at,omitempty"`
	StartDate          time.Time         `json:"start_date"`
	Created            time.Time         `json:"created"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// ProviderPrice is a price as reported by the provider, used when a
// subscription sits on a price the catalog does not know.
type ProviderPrice struct {
	ID       string
	Amount   Money
	Interval string
}

type ProrationBehavior string

const (
	ProrationAlwaysInvoice ProrationBehavior = "always_invoice"
	ProrationNone          ProrationBehavior = "none"
)

// ItemChange swaps the price on a subscription item.
type ItemChange struct {
	SubscriptionID     string
	ItemID             string
	PriceID            string
	Proration          ProrationBehavior
	ResetBillingAnchor bool
	Metadata           map[string]string
}

// CancellationChange sets or clears a scheduled cancellation. CancelAt takes
// precedence over AtPeriodEnd; the Clear flags remove existing markers.
type CancellationChange struct {
	SubscriptionID string
	AtPeriodEnd    bool
	CancelAt       *time.Time
	ClearPeriodEnd bool
	ClearCancelAt  bool
}

type CheckoutMode string

const (
	CheckoutModeSubscription CheckoutMode = "subscription"
	CheckoutModePayment      CheckoutMode = "payment"
)

type CheckoutRequest struct {
	CustomerID  string
	Mode        CheckoutMode
	PriceID     string
	Amount      Money
	ProductName string
	SuccessURL  string
	CancelURL   string
	Metadata    map[string]string
}

type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CheckoutEvent is the payload of checkout.session.* events.
type CheckoutEvent struct {
	SessionID     string
	PaymentRef    string
	CustomerID    string
	Mode          string
	PaymentStatus string
	AmountTotal   Money
	Metadata      map[string]string
}

// PaymentEvent is the payload of payment_intent.* events.
type PaymentEvent struct {
	ID         string
	CustomerID string
	Metadata   map[string]string
}

// WebhookEvent is a verified provider event. Exactly one of the typed
// payloads is set for the event families the reconciler handles.
type WebhookEvent struct {
	ID           string
	Type         string
	Created      time.Time
	Checkout     *CheckoutEvent
	Subscription *Subscription
	Payment      *PaymentEvent
	Invoice      *Invoice
	Raw          []byte
}

// PaymentGateway is the external subscription and payment system of record.
type PaymentGateway interface {
	CreateCustomer(ctx context.Context, accountID, email string) (string, error)
	ListActiveSubscriptions(ctx context.Context, customerID string) ([]Subscription, error)
	ModifySubscriptionItem(ctx context.Context, change ItemChange) (*Subscription, *Invoice, error)
	UpdateCancellation(ctx context.Context, change CancellationChange) (*Subscription, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	RetrievePrice(ctx context.Context, priceID string) (*ProviderPrice, error)
	FinalizeAndPayInvoice(ctx context.Context, inv Invoice) (*Invoice, error)
	ParseWebhook(payload []byte, signature string) (*WebhookEvent, error)
}
