package repository

import (
	"errors"
	"time"

	"github.com/ManuelReschke/agentbilling/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// creditRepository implements the CreditRepository interface
type creditRepository struct {
	db *gorm.DB
}

// NewCreditRepository creates a new credit repository instance
func NewCreditRepository(db *gorm.DB) CreditRepository {
	return &creditRepository{db: db}
}

func (r *creditRepository) GetBalance(accountID string) (*models.CreditBalance, error) {
	var b models.CreditBalance
	if err := r.db.Where("account_id = ?", accountID).First(&b).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

// Debit decrements the balance iff it covers the amount. The WHERE clause is
// the only guard; concurrent debits serialize on the row lock in MySQL.
func (r *creditRepository) Debit(accountID string, amountMicros int64, usage *models.CreditUsage) (bool, error) {
	applied := false
	err := r.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.CreditBalance{}).
			Where("account_id = ? AND balance_micros >= ?", accountID, amountMicros).
			Updates(map[string]interface{}{
				"balance_micros":    gorm.Expr("balance_micros - ?", amountMicros),
				"total_used_micros": gorm.Expr("total_used_micros + ?", amountMicros),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if usage != nil {
			if err := tx.Create(usage).Error; err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// Credit adds funds. With a purchaseID the pending -> completed transition
// happens in the same transaction, so a purchase is credited at most once.
func (r *creditRepository) Credit(accountID string, amountMicros int64, purchaseID, paymentRef string) (int64, error) {
	var balance int64
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if purchaseID != "" {
			now := time.Now()
			updates := map[string]interface{}{
				"status":       models.CreditPurchaseStatusCompleted,
				"completed_at": &now,
			}
			if paymentRef != "" {
				updates["provider_payment_ref"] = paymentRef
			}
			res := tx.Model(&models.CreditPurchase{}).
				Where("id = ? AND status = ?", purchaseID, models.CreditPurchaseStatusPending).
				Updates(updates)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrPurchaseNotPending
			}
		}

		row := &models.CreditBalance{
			AccountID:            accountID,
			BalanceMicros:        amountMicros,
			TotalPurchasedMicros: amountMicros,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"balance_micros":         gorm.Expr("balance_micros + ?", amountMicros),
				"total_purchased_micros": gorm.Expr("total_purchased_micros + ?", amountMicros),
				"updated_at":             time.Now(),
			}),
		}).Create(row).Error; err != nil {
			return err
		}

		return tx.Model(&models.CreditBalance{}).
			Select("balance_micros").
			Where("account_id = ?", accountID).
			Scan(&balance).Error
	})
	return balance, err
}

func (r *creditRepository) CreatePurchase(p *models.CreditPurchase) error {
	return r.db.Create(p).Error
}

func (r *creditRepository) SetPurchaseSession(purchaseID, sessionID string) error {
	return r.db.Model(&models.CreditPurchase{}).
		Where("id = ?", purchaseID).
		Update("provider_session_id", sessionID).Error
}

func (r *creditRepository) GetPurchase(purchaseID string) (*models.CreditPurchase, error) {
	return r.firstPurchase("id = ?", purchaseID)
}

func (r *creditRepository) FindPurchaseByPaymentRef(paymentRef string) (*models.CreditPurchase, error) {
	if paymentRef == "" {
		return nil, gorm.ErrRecordNotFound
	}
	return r.firstPurchase("provider_payment_ref = ?", paymentRef)
}

func (r *creditRepository) FindPurchaseBySession(sessionID string) (*models.CreditPurchase, error) {
	if sessionID == "" {
		return nil, gorm.ErrRecordNotFound
	}
	return r.firstPurchase("provider_session_id = ?", sessionID)
}

func (r *creditRepository) firstPurchase(query string, arg string) (*models.CreditPurchase, error) {
	var p models.CreditPurchase
	if err := r.db.Where(query, arg).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// FailPurchase moves a pending purchase to failed. Returns false when the
// purchase had already left the pending state.
func (r *creditRepository) FailPurchase(purchaseID string) (bool, error) {
	res := r.db.Model(&models.CreditPurchase{}).
		Where("id = ? AND status = ?", purchaseID, models.CreditPurchaseStatusPending).
		Update("status", models.CreditPurchaseStatusFailed)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *creditRepository) FailStalePurchases(createdBefore time.Time) (int64, error) {
	res := r.db.Model(&models.CreditPurchase{}).
		Where("status = ? AND created_at < ?", models.CreditPurchaseStatusPending, createdBefore).
		Update("status", models.CreditPurchaseStatusFailed)
	return res.RowsAffected, res.Error
}

// IsNotFound reports whether err is a missing-row error.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
