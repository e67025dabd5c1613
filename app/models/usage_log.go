package models

import "time"

// UsageLog is one billed unit of model usage. Rows are append-only; the cost
// is fixed at insert time and never recomputed.
type UsageLog struct {
	ID               string    `gorm:"type:char(36);primaryKey" json:"id"`
	AccountID        string    `gorm:"type:varchar(64);not null;index:idx_usage_logs_account_created,priority:1" json:"account_id"`
	ThreadID         *string   `gorm:"type:varchar(64);default:null;index" json:"thread_id,omitempty"`
	Model            string    `gorm:"type:varchar(191);not null" json:"model"`
	PromptTokens     int64     `gorm:"not null;default:0" json:"prompt_tokens"`
	CompletionTokens int64     `gorm:"not null;default:0" json:"completion_tokens"`
	CostMicros       int64     `gorm:"not null;default:0" json:"cost_micros"`
	CreatedAt        time.Time `gorm:"type:timestamp;not null;index:idx_usage_logs_account_created,priority:2" json:"created_at"`
}
