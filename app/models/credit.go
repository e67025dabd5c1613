package models

import "time"

const (
	CreditPurchaseStatusPending   = "pending"
	CreditPurchaseStatusCompleted = "completed"
	CreditPurchaseStatusFailed    = "failed"
)

// CreditBalance holds prepaid overflow funds. One row per account, created
// on the first completed purchase. All balance changes are conditional
// UPDATE statements; the application never writes a computed balance.
type CreditBalance struct {
	AccountID            string    `gorm:"type:varchar(64);primaryKey" json:"account_id"`
	BalanceMicros        int64     `gorm:"not null;default:0" json:"balance_micros"`
	TotalPurchasedMicros int64     `gorm:"not null;default:0" json:"total_purchased_micros"`
	TotalUsedMicros      int64     `gorm:"not null;default:0" json:"total_used_micros"`
	CreatedAt            time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// CreditPurchase tracks a top-up from checkout to completion. Status only
// moves forward: pending -> completed or pending -> failed.
type CreditPurchase struct {
	ID                 string     `gorm:"type:char(36);primaryKey" json:"id"`
	AccountID          string     `gorm:"type:varchar(64);not null;index" json:"account_id"`
	AmountMicros       int64      `gorm:"not null" json:"amount_micros"`
	Status             string     `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	ProviderSessionID  string     `gorm:"type:varchar(191);default:'';index" json:"provider_session_id"`
	ProviderPaymentRef string     `gorm:"type:varchar(191);default:'';index" json:"provider_payment_ref"`
	CompletedAt        *time.Time `gorm:"type:timestamp;default:null" json:"completed_at,omitempty"`
	CreatedAt          time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// CreditUsage is the append-only debit journal written alongside every
// successful balance decrement.
type CreditUsage struct {
	ID           string    `gorm:"type:char(36);primaryKey" json:"id"`
	AccountID    string    `gorm:"type:varchar(64);not null;index" json:"account_id"`
	AmountMicros int64     `gorm:"not null" json:"amount_micros"`
	Description  string    `gorm:"type:varchar(255);default:''" json:"description"`
	ThreadID     *string   `gorm:"type:varchar(64);default:null" json:"thread_id,omitempty"`
	UsageLogID   *string   `gorm:"type:char(36);default:null" json:"usage_log_id,omitempty"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}
