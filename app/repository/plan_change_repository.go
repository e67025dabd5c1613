package repository

import (
	"time"

	"github.com/ManuelReschke/agentbilling/app/models"
	"gorm.io/gorm"
)

// planChangeRepository implements the PlanChangeRepository interface
type planChangeRepository struct {
	db *gorm.DB
}

// NewPlanChangeRepository creates a new scheduled plan change repository instance
func NewPlanChangeRepository(db *gorm.DB) PlanChangeRepository {
	return &planChangeRepository{db: db}
}

// Schedule replaces any pending change for the account with the new one.
func (r *planChangeRepository) Schedule(change *models.BillingScheduledPlanChange) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.BillingScheduledPlanChange{}).
			Where("account_id = ? AND status = ?", change.AccountID, models.PlanChangeStatusPending).
			Update("status", models.PlanChangeStatusCancelled).Error; err != nil {
			return err
		}
		change.Status = models.PlanChangeStatusPending
		return tx.Create(change).Error
	})
}

func (r *planChangeRepository) GetPending(accountID string) (*models.BillingScheduledPlanChange, error) {
	var c models.BillingScheduledPlanChange
	err := r.db.Where("account_id = ? AND status = ?", accountID, models.PlanChangeStatusPending).
		Order("created_at DESC").
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *planChangeRepository) CancelPending(accountID string) (int64, error) {
	res := r.db.Model(&models.BillingScheduledPlanChange{}).
		Where("account_id = ? AND status = ?", accountID, models.PlanChangeStatusPending).
		Update("status", models.PlanChangeStatusCancelled)
	return res.RowsAffected, res.Error
}

func (r *planChangeRepository) ListDue(now time.Time, limit int) ([]models.BillingScheduledPlanChange, error) {
	var changes []models.BillingScheduledPlanChange
	err := r.db.Where("status = ? AND effective_at <= ?", models.PlanChangeStatusPending, now).
		Order("effective_at ASC").
		Limit(limit).
		Find(&changes).Error
	return changes, err
}

func (r *planChangeRepository) MarkApplied(id uint) error {
	now := time.Now()
	return r.db.Model(&models.BillingScheduledPlanChange{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     models.PlanChangeStatusApplied,
			"applied_at": &now,
		}).Error
}

func (r *planChangeRepository) MarkFailed(id uint, msg string) error {
	return r.db.Model(&models.BillingScheduledPlanChange{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status": models.PlanChangeStatusFailed,
			"error":  msg,
		}).Error
}
