package billing

import (
	"context"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ManuelReschke/agentbilling/app/models"
	"github.com/ManuelReschke/agentbilling/app/repository"
	"github.com/ManuelReschke/agentbilling/internal/pkg/cache"
)

// Labels and ids for usage that cannot be attributed to a live thread.
const (
	DeletedThreadID   = "deleted"
	DeletedThreadName = "Deleted thread"

	UnassignedThreadID   = "unassigned"
	UnassignedThreadName = "Usage without a thread"
)

// UsageRecord is one priced unit of usage to append to the log.
type UsageRecord struct {
	AccountID string
	ThreadID  string
	Priced    PricedUsage
}

// ThreadUsage aggregates usage of one thread.
type ThreadUsage struct {
	ThreadID         string    `json:"thread_id"`
	ThreadName       string    `json:"thread_name"`
	ProjectID        string    `json:"project_id,omitempty"`
	ProjectName      string    `json:"project_name,omitempty"`
	Deleted          bool      `json:"deleted"`
	Requests         int64     `json:"requests"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	Cost             Money     `json:"cost"`
	LastUsedAt       time.Time `json:"last_used_at"`
}

// ThreadUsagePage is one page of per-thread usage, most recent first.
type ThreadUsagePage struct {
	Items     []ThreadUsage `json:"items"`
	Page      int           `json:"page"`
	PageSize  int           `json:"page_size"`
	Total     int           `json:"total"`
	TotalCost Money         `json:"total_cost"`
}

type monthlySpend struct {
	Month  string `json:"month"`
	Micros int64  `json:"micros"`
}

// UsageAccountant owns the usage log and month-to-date spend.
type UsageAccountant struct {
	repo  repository.UsageRepository
	cache cache.Store
	ttl   time.Duration
	group singleflight.Group
	now   func() time.Time
}

func NewUsageAccountant(repo repository.UsageRepository, store cache.Store, ttl time.Duration) *UsageAccountant {
	return &UsageAccountant{repo: repo, cache: store, ttl: ttl, now: time.Now}
}

// MonthStart is midnight UTC on the first day of t's month.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// MonthlySpend returns the account's spend since the start of the current
// month. The value may be up to one TTL stale.
func (u *UsageAccountant) MonthlySpend(ctx context.Context, accountID string) (Money, error) {
	month := MonthStart(u.now()).Format("2006-01")
	key := cache.MonthlyUsageKey(accountID)

	var cached monthlySpend
	if ok, err := cache.GetJSON(ctx, u.cache, key, &cached); err != nil {
		log.Warnf("[UsageAccountant] Cache read failed for %s: %v", accountID, err)
	} else if ok && cached.Month == month {
		return Money(cached.Micros), nil
	}

	v, err, _ := u.group.Do(key, func() (interface{}, error) {
		spend, err := u.FreshMonthlySpend(ctx, accountID)
		if err != nil {
			return Money(0), err
		}
		if err := cache.SetJSON(ctx, u.cache, key, monthlySpend{Month: month, Micros: int64(spend)}, u.ttl); err != nil {
			log.Warnf("[UsageAccountant] Cache write failed for %s: %v", accountID, err)
		}
		return spend, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(Money), nil
}

// FreshMonthlySpend sums the usage log directly, bypassing the cache.
func (u *UsageAccountant) FreshMonthlySpend(_ context.Context, accountID string) (Money, error) {
	micros, err := u.repo.SumCostSince(accountID, MonthStart(u.now()))
	if err != nil {
		return 0, err
	}
	return Money(micros), nil
}

// Record appends a usage row and drops the cached aggregates.
func (u *UsageAccountant) Record(ctx context.Context, rec UsageRecord) (*models.UsageLog, error) {
	row := &models.UsageLog{
		ID:               uuid.NewString(),
		AccountID:        rec.AccountID,
		Model:            rec.Priced.Model,
		PromptTokens:     rec.Priced.PromptTokens,
		CompletionTokens: rec.Priced.CompletionTokens,
		CostMicros:       int64(rec.Priced.Cost),
		CreatedAt:        u.now().UTC(),
	}
	if rec.ThreadID != "" {
		thread := rec.ThreadID
		row.ThreadID = &thread
	}
	if err := u.repo.Insert(row); err != nil {
		return nil, err
	}
	u.Invalidate(ctx, rec.AccountID)
	return row, nil
}

// Invalidate drops the cached usage aggregates of an account.
func (u *UsageAccountant) Invalidate(ctx context.Context, accountID string) {
	if err := u.cache.Delete(ctx, cache.MonthlyUsageKey(accountID), cache.ThreadUsageKey(accountID)); err != nil {
		log.Warnf("[UsageAccountant] Cache invalidation failed for %s: %v", accountID, err)
	}
}

// ThreadUsage returns per-thread totals across all time, one page at a time.
// Usage of deleted threads is folded into a single bucket.
func (u *UsageAccountant) ThreadUsage(ctx context.Context, accountID string, page, pageSize int) (*ThreadUsagePage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	all, err := u.threadTotals(ctx, accountID)
	if err != nil {
		return nil, err
	}

	out := &ThreadUsagePage{Page: page, PageSize: pageSize, Total: len(all), Items: []ThreadUsage{}}
	for _, t := range all {
		out.TotalCost += t.Cost
	}
	start := (page - 1) * pageSize
	if start < len(all) {
		end := start + pageSize
		if end > len(all) {
			end = len(all)
		}
		out.Items = all[start:end]
	}
	return out, nil
}

func (u *UsageAccountant) threadTotals(ctx context.Context, accountID string) ([]ThreadUsage, error) {
	key := cache.ThreadUsageKey(accountID)
	var cached []ThreadUsage
	if ok, err := cache.GetJSON(ctx, u.cache, key, &cached); err != nil {
		log.Warnf("[UsageAccountant] Cache read failed for %s: %v", accountID, err)
	} else if ok {
		return cached, nil
	}

	v, err, _ := u.group.Do(key, func() (interface{}, error) {
		rows, err := u.repo.ThreadTotals(accountID)
		if err != nil {
			return nil, err
		}
		merged := mergeThreadRows(rows)
		if err := cache.SetJSON(ctx, u.cache, key, merged, u.ttl); err != nil {
			log.Warnf("[UsageAccountant] Cache write failed for %s: %v", accountID, err)
		}
		return merged, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]ThreadUsage), nil
}

func mergeThreadRows(rows []repository.ThreadUsageRow) []ThreadUsage {
	out := make([]ThreadUsage, 0, len(rows))
	var deleted, unassigned *ThreadUsage
	for _, r := range rows {
		switch {
		case r.ThreadID == nil:
			if unassigned == nil {
				unassigned = &ThreadUsage{ThreadID: UnassignedThreadID, ThreadName: UnassignedThreadName}
			}
			unassigned.fold(r)
			continue
		case r.ThreadName == nil:
			if deleted == nil {
				deleted = &ThreadUsage{ThreadID: DeletedThreadID, ThreadName: DeletedThreadName, Deleted: true}
			}
			deleted.fold(r)
			continue
		}
		t := ThreadUsage{
			ThreadID:         *r.ThreadID,
			ThreadName:       *r.ThreadName,
			Requests:         r.Requests,
			PromptTokens:     r.PromptTokens,
			CompletionTokens: r.CompletionTokens,
			Cost:             Money(r.CostMicros),
			LastUsedAt:       r.LastUsedAt,
		}
		if r.ProjectID != nil {
			t.ProjectID = *r.ProjectID
		}
		if r.ProjectName != nil {
			t.ProjectName = *r.ProjectName
		}
		out = append(out, t)
	}
	for _, b := range []*ThreadUsage{deleted, unassigned} {
		if b != nil {
			out = append(out, *b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastUsedAt.Equal(out[j].LastUsedAt) {
			return out[i].LastUsedAt.After(out[j].LastUsedAt)
		}
		return out[i].ThreadID < out[j].ThreadID
	})
	return out
}

func (t *ThreadUsage) fold(r repository.ThreadUsageRow) {
	t.Requests += r.Requests
	t.PromptTokens += r.PromptTokens
	t.CompletionTokens += r.CompletionTokens
	t.Cost += Money(r.CostMicros)
	if r.LastUsedAt.After(t.LastUsedAt) {
		t.LastUsedAt = r.LastUsedAt
	}
}
