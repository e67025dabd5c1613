package models

import "time"

const (
	BillingIntervalMonth   = "month"
	BillingIntervalYear    = "year"
	BillingIntervalUnknown = "unknown"
)

const (
	BillingStatusActive     = "active"
	BillingStatusTrialing   = "trialing"
	BillingStatusPastDue    = "past_due"
	BillingStatusCanceled   = "canceled"
	BillingStatusIncomplete = "incomplete"
	BillingStatusUnpaid     = "unpaid"
	BillingStatusPaused     = "paused"
)

const (
	PlanChangeStatusPending   = "pending"
	PlanChangeStatusApplied   = "applied"
	PlanChangeStatusCancelled = "cancelled"
	PlanChangeStatusFailed    = "failed"
)

// BillingScheduledPlanChange is a downgrade deferred to the end of the
// current billing period. The subscription itself lives at the provider;
// only the pending intent is stored locally.
type BillingScheduledPlanChange struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	AccountID              string     `gorm:"type:varchar(64);not null;index" json:"account_id"`
	ProviderSubscriptionID string     `gorm:"type:varchar(191);not null;index" json:"provider_subscription_id"`
	FromPriceID            string     `gorm:"type:varchar(191);not null" json:"from_price_id"`
	ToPriceID              string     `gorm:"type:varchar(191);not null" json:"to_price_id"`
	EffectiveAt            time.Time  `gorm:"type:timestamp;not null;index:idx_billing_plan_changes_due,priority:2" json:"effective_at"`
	Status                 string     `gorm:"type:varchar(16);not null;default:'pending';index:idx_billing_plan_changes_due,priority:1" json:"status"`
	AppliedAt              *time.Time `gorm:"type:timestamp;default:null" json:"applied_at,omitempty"`
	Error                  string     `gorm:"type:text" json:"error,omitempty"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
