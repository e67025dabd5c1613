package billing

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/agentbilling/internal/pkg/metrics"
)

// Settlement outcomes, also used as metric labels.
const (
	SettleWithinQuota    = "within_quota"
	SettleCreditsDebited = "credits_debited"
	SettleBlocked        = "blocked"
	SettleUnmetered      = "unmetered"
)

// UsageEvent is one completed unit of model usage reported by the agent runtime.
type UsageEvent struct {
	ThreadID         string `json:"thread_id" validate:"omitempty,max=64"`
	Model            string `json:"model" validate:"required,max=191"`
	PromptTokens     int64  `json:"prompt_tokens" validate:"gte=0,lte=10000000000"`
	CompletionTokens int64  `json:"completion_tokens" validate:"gte=0,lte=10000000000"`
}

// SettlementResult describes what one settlement recorded and charged.
type SettlementResult struct {
	Outcome       string      `json:"outcome"`
	UsageLogID    string      `json:"usage_log_id"`
	Priced        PricedUsage `json:"priced"`
	PreviousUsage Money       `json:"previous_usage"`
	NewTotal      Money       `json:"new_total"`
	Quota         Money       `json:"quota"`
	Overage       Money       `json:"overage"`
	Blocked       bool        `json:"blocked"`
	Message       string      `json:"message,omitempty"`
}

// SettleUsage records usage and charges any overage against credits. The
// usage row is written even when the debit fails; a blocked result tells the
// caller to stop the agent.
func (s *Service) SettleUsage(ctx context.Context, accountID string, ev UsageEvent) (*SettlementResult, error) {
	priced := s.pricing.Price(ev.Model, ev.PromptTokens, ev.CompletionTokens)
	metrics.PricingResolutions.WithLabelValues(priced.Source).Inc()

	if !s.cfg.BillingEnabled() {
		row, err := s.usage.Record(ctx, UsageRecord{AccountID: accountID, ThreadID: ev.ThreadID, Priced: priced})
		if err != nil {
			return nil, err
		}
		metrics.Settlements.WithLabelValues(SettleUnmetered).Inc()
		return &SettlementResult{Outcome: SettleUnmetered, UsageLogID: row.ID, Priced: priced}, nil
	}

	snap, err := s.CurrentSubscription(ctx, accountID)
	if err != nil {
		return nil, err
	}
	quota := snap.Tier.MonthlyQuota

	previous, err := s.usage.FreshMonthlySpend(ctx, accountID)
	if err != nil {
		return nil, err
	}
	row, err := s.usage.Record(ctx, UsageRecord{AccountID: accountID, ThreadID: ev.ThreadID, Priced: priced})
	if err != nil {
		return nil, err
	}

	res := &SettlementResult{
		Outcome:       SettleWithinQuota,
		UsageLogID:    row.ID,
		Priced:        priced,
		PreviousUsage: previous,
		NewTotal:      previous + priced.Cost,
		Quota:         quota,
	}
	if res.NewTotal <= quota {
		metrics.Settlements.WithLabelValues(res.Outcome).Inc()
		return res, nil
	}

	if previous >= quota {
		res.Overage = priced.Cost
	} else {
		res.Overage = res.NewTotal - quota
	}
	metrics.OverageMicros.Add(float64(res.Overage))

	desc := fmt.Sprintf("Overage for %s (%d prompt, %d completion tokens)", priced.Model, priced.PromptTokens, priced.CompletionTokens)
	ok, err := s.ledger.UseCredits(ctx, accountID, res.Overage, desc, DebitContext{ThreadID: ev.ThreadID, UsageLogID: row.ID})
	if err != nil {
		return nil, err
	}
	if !ok {
		res.Outcome = SettleBlocked
		res.Blocked = true
		res.Message = fmt.Sprintf("Monthly limit of %s exceeded and credit balance cannot cover %s. Purchase credits or upgrade to continue.", quota, res.Overage)
		log.Warnf("[Settlement] Blocking %s: overage %s not covered", accountID, res.Overage)
	} else {
		res.Outcome = SettleCreditsDebited
	}
	metrics.Settlements.WithLabelValues(res.Outcome).Inc()
	return res, nil
}
