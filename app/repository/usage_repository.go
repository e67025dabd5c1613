package repository

import (
	"time"

	"github.com/ManuelReschke/agentbilling/app/models"
	"gorm.io/gorm"
)

// usageRepository implements the UsageRepository interface
type usageRepository struct {
	db *gorm.DB
}

// NewUsageRepository creates a new usage repository instance
func NewUsageRepository(db *gorm.DB) UsageRepository {
	return &usageRepository{db: db}
}

func (r *usageRepository) Insert(log *models.UsageLog) error {
	return r.db.Create(log).Error
}

func (r *usageRepository) SumCostSince(accountID string, since time.Time) (int64, error) {
	var total int64
	err := r.db.Model(&models.UsageLog{}).
		Select("COALESCE(SUM(cost_micros), 0)").
		Where("account_id = ? AND created_at >= ?", accountID, since).
		Scan(&total).Error
	return total, err
}

const threadTotalsSQL = `SELECT u.thread_id AS thread_id, t.name AS thread_name, p.id AS project_id, p.name AS project_name,
COUNT(*) AS requests, COALESCE(SUM(u.prompt_tokens), 0) AS prompt_tokens,
COALESCE(SUM(u.completion_tokens), 0) AS completion_tokens, COALESCE(SUM(u.cost_micros), 0) AS cost_micros,
MAX(u.created_at) AS last_used_at
FROM usage_logs u
LEFT JOIN threads t ON t.id = u.thread_id
LEFT JOIN projects p ON p.id = t.project_id
WHERE u.account_id = ?
GROUP BY u.thread_id, t.name, p.id, p.name`

// ThreadTotals aggregates usage per thread. Rows whose thread was deleted keep
// their thread_id but carry a NULL thread_name.
func (r *usageRepository) ThreadTotals(accountID string) ([]ThreadUsageRow, error) {
	var rows []ThreadUsageRow
	err := r.db.Raw(threadTotalsSQL, accountID).Scan(&rows).Error
	return rows, err
}
