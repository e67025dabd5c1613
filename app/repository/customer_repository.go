package repository

import (
	"github.com/ManuelReschke/agentbilling/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// customerRepository implements the CustomerRepository interface
type customerRepository struct {
	db *gorm.DB
}

// NewCustomerRepository creates a new customer repository instance
func NewCustomerRepository(db *gorm.DB) CustomerRepository {
	return &customerRepository{db: db}
}

func (r *customerRepository) GetByAccount(accountID, provider string) (*models.BillingCustomer, error) {
	var c models.BillingCustomer
	if err := r.db.Where("account_id = ? AND provider = ?", accountID, provider).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *customerRepository) GetByProviderCustomerID(provider, providerCustomerID string) (*models.BillingCustomer, error) {
	var c models.BillingCustomer
	if err := r.db.Where("provider = ? AND provider_customer_id = ?", provider, providerCustomerID).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *customerRepository) Upsert(customer *models.BillingCustomer) error {
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "account_id"},
			{Name: "provider"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"provider_customer_id",
			"email",
			"updated_at",
		}),
	}).Create(customer).Error; err != nil {
		return err
	}

	// Ensure ID is populated after upsert.
	return r.db.Where("account_id = ? AND provider = ?", customer.AccountID, customer.Provider).
		First(customer).Error
}
