package repository

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/agentbilling/app/models"
)

// ErrPurchaseNotPending is returned when a purchase transition finds the row
// already completed or failed.
var ErrPurchaseNotPending = errors.New("credit purchase is not pending")

// ThreadUsageRow is one aggregated row of usage per thread. ThreadName is nil
// when the thread no longer exists.
type ThreadUsageRow struct {
	ThreadID         *string
	ThreadName       *string
	ProjectID        *string
	ProjectName      *string
	Requests         int64
	PromptTokens     int64
	CompletionTokens int64
	CostMicros       int64
	LastUsedAt       time.Time
}

// UsageRepository defines the append-only usage log operations.
type UsageRepository interface {
	Insert(log *models.UsageLog) error
	SumCostSince(accountID string, since time.Time) (int64, error)
	ThreadTotals(accountID string) ([]ThreadUsageRow, error)
}

// CreditRepository defines the atomic credit balance and purchase operations.
type CreditRepository interface {
	GetBalance(accountID string) (*models.CreditBalance, error)
	Debit(accountID string, amountMicros int64, usage *models.CreditUsage) (bool, error)
	Credit(accountID string, amountMicros int64, purchaseID, paymentRef string) (int64, error)
	CreatePurchase(p *models.CreditPurchase) error
	SetPurchaseSession(purchaseID, sessionID string) error
	GetPurchase(purchaseID string) (*models.CreditPurchase, error)
	FindPurchaseByPaymentRef(paymentRef string) (*models.CreditPurchase, error)
	FindPurchaseBySession(sessionID string) (*models.CreditPurchase, error)
	FailPurchase(purchaseID string) (bool, error)
	FailStalePurchases(createdBefore time.Time) (int64, error)
}

// CustomerRepository maps platform accounts to provider customers.
type CustomerRepository interface {
	GetByAccount(accountID, provider string) (*models.BillingCustomer, error)
	GetByProviderCustomerID(provider, providerCustomerID string) (*models.BillingCustomer, error)
	Upsert(customer *models.BillingCustomer) error
}

// WebhookEventRepository persists the webhook journal.
type WebhookEventRepository interface {
	CreateIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkProcessed(id uint, accountID, processingError string) error
}

// PlanChangeRepository stores downgrades deferred to period end.
type PlanChangeRepository interface {
	Schedule(change *models.BillingScheduledPlanChange) error
	GetPending(accountID string) (*models.BillingScheduledPlanChange, error)
	CancelPending(accountID string) (int64, error)
	ListDue(now time.Time, limit int) ([]models.BillingScheduledPlanChange, error)
	MarkApplied(id uint) error
	MarkFailed(id uint, msg string) error
}

// Repositories struct holds all repository instances
type Repositories struct {
	Usage        UsageRepository
	Credit       CreditRepository
	Customer     CustomerRepository
	WebhookEvent WebhookEventRepository
	PlanChange   PlanChangeRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Usage:        NewUsageRepository(db),
		Credit:       NewCreditRepository(db),
		Customer:     NewCustomerRepository(db),
		WebhookEvent: NewWebhookEventRepository(db),
		PlanChange:   NewPlanChangeRepository(db),
	}
}
