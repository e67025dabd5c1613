package billing

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/agentbilling/internal/pkg/metrics"
)

const planChangeBatch = 50

// ExpireStalePurchases fails pending purchases older than the configured age.
func (s *Service) ExpireStalePurchases(_ context.Context) (int64, error) {
	cutoff := s.now().Add(-s.cfg.Billing.StalePurchaseAge)
	n, err := s.credits.FailStalePurchases(cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.CreditTopUps.WithLabelValues("expired").Add(float64(n))
		log.Infof("[Jobs] Expired %d stale credit purchase(s) created before %s", n, cutoff)
	}
	return n, nil
}

// ApplyDuePlanChanges applies scheduled downgrades whose effective time has
// passed. A change is skipped and marked failed when the subscription no
// longer matches what was scheduled.
func (s *Service) ApplyDuePlanChanges(ctx context.Context) (int, error) {
	due, err := s.planChanges.ListDue(s.now(), planChangeBatch)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, pc := range due {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		sub, err := s.activeSubscription(ctx, pc.AccountID)
		if err != nil {
			log.Warnf("[Jobs] Plan change %d: subscription lookup failed: %v", pc.ID, err)
			continue
		}
		if sub == nil || sub.ID != pc.ProviderSubscriptionID || sub.PriceID != pc.FromPriceID {
			s.failPlanChange(pc.ID, "subscription changed since the downgrade was scheduled")
			continue
		}
		if _, _, err := s.gateway.ModifySubscriptionItem(ctx, ItemChange{
			SubscriptionID: sub.ID,
			ItemID:         sub.ItemID,
			PriceID:        pc.ToPriceID,
			Proration:      ProrationNone,
		}); err != nil {
			s.failPlanChange(pc.ID, fmt.Sprintf("provider: %v", err))
			continue
		}
		if err := s.planChanges.MarkApplied(pc.ID); err != nil {
			log.Errorf("[Jobs] Plan change %d applied but not marked: %v", pc.ID, err)
		}
		s.InvalidateAccount(ctx, pc.AccountID)
		metrics.PlanChanges.WithLabelValues("scheduled_applied").Inc()
		log.Infof("[Jobs] Applied scheduled downgrade %d for %s: %s -> %s", pc.ID, pc.AccountID, pc.FromPriceID, pc.ToPriceID)
		applied++
	}
	return applied, nil
}

func (s *Service) failPlanChange(id uint, msg string) {
	log.Warnf("[Jobs] Plan change %d failed: %s", id, msg)
	if err := s.planChanges.MarkFailed(id, msg); err != nil {
		log.Errorf("[Jobs] Failed to mark plan change %d failed: %v", id, err)
	}
}
