package billing

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/agentbilling/internal/pkg/metrics"
)

// Gate reasons, also used as metric labels.
const (
	ReasonBillingDisabled = "billing_disabled"
	ReasonWithinQuota     = "within_quota"
	ReasonUsingCredits    = "using_credits"
	ReasonQuotaExceeded   = "quota_exceeded"
)

// Decision is the answer to whether an account may start a billable run.
type Decision struct {
	Allowed            bool                  `json:"allowed"`
	Reason             string                `json:"reason"`
	Message            string                `json:"message"`
	Subscription       *SubscriptionSnapshot `json:"subscription"`
	WillUseCredits     bool                  `json:"will_use_credits"`
	CurrentUsage       Money                 `json:"current_usage"`
	Quota              Money                 `json:"quota"`
	CreditBalance      Money                 `json:"credit_balance"`
	CanPurchaseCredits bool                  `json:"can_purchase_credits"`
}

// CanProceed decides admission before a run. It reads cached values and may
// admit an account up to one cache TTL late; settlement is the hard stop.
func (s *Service) CanProceed(ctx context.Context, accountID string) (*Decision, error) {
	if !s.cfg.BillingEnabled() {
		metrics.GateDecisions.WithLabelValues("allowed", ReasonBillingDisabled).Inc()
		return &Decision{
			Allowed:      true,
			Reason:       ReasonBillingDisabled,
			Message:      "Billing is disabled in local mode",
			Subscription: s.snapshot(accountID, nil),
		}, nil
	}

	snap, err := s.CurrentSubscription(ctx, accountID)
	if err != nil {
		return nil, err
	}
	usage, err := s.usage.MonthlySpend(ctx, accountID)
	if err != nil {
		return nil, err
	}

	d := &Decision{
		Subscription:       snap,
		CurrentUsage:       usage,
		Quota:              snap.Tier.MonthlyQuota,
		CanPurchaseCredits: snap.Tier.CanPurchaseCredits,
	}
	if usage < d.Quota {
		d.Allowed = true
		d.Reason = ReasonWithinQuota
		d.Message = "Within monthly quota"
		metrics.GateDecisions.WithLabelValues("allowed", d.Reason).Inc()
		return d, nil
	}

	balance, err := s.ledger.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	d.CreditBalance = balance.Balance

	cushion := Credits(s.cfg.Billing.MinStartCushionCredits)
	if balance.Balance >= cushion {
		d.Allowed = true
		d.WillUseCredits = true
		d.Reason = ReasonUsingCredits
		d.Message = fmt.Sprintf("Monthly limit of %s reached, using credit balance of %s", d.Quota, balance.Balance)
		metrics.GateDecisions.WithLabelValues("allowed", d.Reason).Inc()
		return d, nil
	}

	d.Reason = ReasonQuotaExceeded
	if snap.Tier.CanPurchaseCredits {
		d.Message = fmt.Sprintf("Monthly limit of %s reached. Purchase credits to continue.", d.Quota)
	} else {
		d.Message = fmt.Sprintf("Monthly limit of %s reached. Upgrade your plan to continue; credit purchases are not available on the %s tier.", d.Quota, snap.Tier.DisplayName)
	}
	log.Infof("[BillingGate] Denied %s: usage %s, quota %s, balance %s", accountID, usage, d.Quota, balance.Balance)
	metrics.GateDecisions.WithLabelValues("denied", d.Reason).Inc()
	return d, nil
}
