package models

import "time"

// Billing provider constants used across billing-related models.
const (
	BillingProviderStripe = "stripe"
)

// BillingCustomer links a platform account to its customer record at the
// payment provider. Created lazily on first checkout.
type BillingCustomer struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	AccountID          string    `gorm:"type:varchar(64);not null;index:ux_billing_customers_account_provider,unique,priority:1" json:"account_id"`
	Provider           string    `gorm:"type:varchar(20);not null;index:ux_billing_customers_account_provider,unique,priority:2;index:ux_billing_customers_provider_customer,unique,priority:1" json:"provider"`
	ProviderCustomerID string    `gorm:"type:varchar(191);not null;index:ux_billing_customers_provider_customer,unique,priority:2" json:"provider_customer_id"`
	Email              string    `gorm:"type:varchar(200);default:''" json:"email"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
