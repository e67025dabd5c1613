package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/agentbilling/app/models"
	"github.com/ManuelReschke/agentbilling/internal/pkg/config"
	"github.com/ManuelReschke/agentbilling/internal/pkg/metrics"
)

// ChangeStatus is the outcome of a plan change request.
type ChangeStatus string

const (
	ChangeNoChange           ChangeStatus = "no_change"
	ChangeUpgraded           ChangeStatus = "upgraded"
	ChangeDowngraded         ChangeStatus = "downgraded"
	ChangeDowngradeScheduled ChangeStatus = "downgrade_scheduled"
)

type ChangePlanResult struct {
	Status         ChangeStatus      `json:"status"`
	Message        string            `json:"message"`
	SubscriptionID string            `json:"subscription_id"`
	FromPriceID    string            `json:"from_price_id"`
	ToPriceID      string            `json:"to_price_id"`
	Tier           Tier              `json:"tier"`
	Proration      ProrationBehavior `json:"proration,omitempty"`
	Invoice        *Invoice          `json:"invoice,omitempty"`
	EffectiveAt    *time.Time        `json:"effective_at,omitempty"`
}

// Cancellation outcomes.
const (
	CancelAtPeriodEnd     = "cancel_at_period_end"
	CancelAtCommitmentEnd = "cancel_at_commitment_end"
)

type CancelResult struct {
	Status          string         `json:"status"`
	SubscriptionID  string         `json:"subscription_id"`
	CancelAt        time.Time      `json:"cancel_at"`
	Commitment      CommitmentInfo `json:"commitment"`
	MonthsRemaining int            `json:"months_remaining"`
	Message         string         `json:"message"`
}

type ReactivateResult struct {
	SubscriptionID string `json:"subscription_id"`
	Message        string `json:"message"`
}

// currentPrice returns amount and interval of the price a subscription is
// on, asking the provider when the catalog does not know it.
func (s *Service) currentPrice(ctx context.Context, sub *Subscription) (Money, string, error) {
	if p, ok := s.catalog.LookupPrice(sub.PriceID); ok {
		return p.Amount, p.Interval, nil
	}
	if sub.PriceAmount > 0 && sub.Interval != "" {
		return sub.PriceAmount, normalizeInterval(sub.Interval), nil
	}
	pp, err := s.gateway.RetrievePrice(ctx, sub.PriceID)
	if err != nil {
		return 0, "", providerErr("retrieve price", err)
	}
	return pp.Amount, normalizeInterval(pp.Interval), nil
}

// isUpgrade orders two prices. A switch from monthly to yearly is an upgrade
// and yearly to monthly is a downgrade, regardless of amounts.
func isUpgrade(fromAmount Money, fromInterval string, to Price) bool {
	switch {
	case fromInterval == models.BillingIntervalMonth && to.Interval == models.BillingIntervalYear:
		return true
	case fromInterval == models.BillingIntervalYear && to.Interval == models.BillingIntervalMonth:
		return false
	default:
		return to.Amount > fromAmount
	}
}

// ChangePlan moves the account's subscription to newPriceID. Upgrades are
// invoiced and paid immediately; downgrades follow the configured policy and
// are refused while a yearly commitment is active.
func (s *Service) ChangePlan(ctx context.Context, accountID, newPriceID string) (*ChangePlanResult, error) {
	target, ok := s.catalog.LookupPrice(newPriceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPrice, newPriceID)
	}
	sub, err := s.requireSubscription(ctx, accountID)
	if err != nil {
		return nil, err
	}

	res := &ChangePlanResult{
		SubscriptionID: sub.ID,
		FromPriceID:    sub.PriceID,
		ToPriceID:      target.ID,
		Tier:           s.catalog.TierForPrice(target.ID),
	}
	if sub.PriceID == target.ID {
		s.cancelPendingChange(accountID)
		s.InvalidateAccount(ctx, accountID)
		res.Status = ChangeNoChange
		res.Message = "Already on this plan"
		metrics.PlanChanges.WithLabelValues(string(ChangeNoChange)).Inc()
		return res, nil
	}

	fromAmount, fromInterval, err := s.currentPrice(ctx, sub)
	if err != nil {
		return nil, err
	}

	if isUpgrade(fromAmount, fromInterval, target) {
		return s.upgrade(ctx, accountID, sub, target, fromInterval, res)
	}
	return s.downgrade(ctx, accountID, sub, target, fromInterval, res)
}

func (s *Service) upgrade(ctx context.Context, accountID string, sub *Subscription, target Price, fromInterval string, res *ChangePlanResult) (*ChangePlanResult, error) {
	intervalSwitch := fromInterval != target.Interval
	change := ItemChange{
		SubscriptionID:     sub.ID,
		ItemID:             sub.ItemID,
		PriceID:            target.ID,
		Proration:          ProrationAlwaysInvoice,
		ResetBillingAnchor: intervalSwitch,
	}
	if target.Commitment && fromInterval != models.BillingIntervalYear {
		change.Metadata = map[string]string{MetadataCommitmentStart: s.now().UTC().Format(time.RFC3339)}
	}

	_, inv, err := s.gateway.ModifySubscriptionItem(ctx, change)
	if err != nil {
		return nil, providerErr("modify subscription", err)
	}
	if inv != nil && (inv.Status == InvoiceDraft || inv.Status == InvoiceOpen) {
		paid, err := s.gateway.FinalizeAndPayInvoice(ctx, *inv)
		if err != nil {
			// The price change stays; the provider's dunning owns the invoice.
			log.Errorf("[Lifecycle] Upgrade invoice %s for %s not paid: %v", inv.ID, accountID, err)
			s.cancelPendingChange(accountID)
			s.InvalidateAccount(ctx, accountID)
			return nil, providerErr("pay invoice", err)
		}
		inv = paid
	}

	s.cancelPendingChange(accountID)
	s.InvalidateAccount(ctx, accountID)

	res.Status = ChangeUpgraded
	res.Proration = ProrationAlwaysInvoice
	res.Invoice = inv
	res.Message = fmt.Sprintf("Upgraded to %s", res.Tier.DisplayName)
	metrics.PlanChanges.WithLabelValues(string(ChangeUpgraded)).Inc()
	log.Infof("[Lifecycle] %s upgraded %s -> %s", accountID, sub.PriceID, target.ID)
	return res, nil
}

func (s *Service) downgrade(ctx context.Context, accountID string, sub *Subscription, target Price, fromInterval string, res *ChangePlanResult) (*ChangePlanResult, error) {
	current, known := s.catalog.LookupPrice(sub.PriceID)
	commitment := deriveCommitment(sub, known && current.Commitment, s.now())
	if commitment.HasCommitment {
		metrics.PlanChanges.WithLabelValues("rejected_commitment").Inc()
		return nil, &PolicyError{
			Code:            CodeCommitmentActive,
			Message:         fmt.Sprintf("Your yearly commitment runs until %s. Downgrades are available after that date.", commitment.CommitmentEnd.Format("2006-01-02")),
			CommitmentEnd:   commitment.CommitmentEnd,
			MonthsRemaining: commitment.MonthsRemaining,
		}
	}

	switch s.cfg.Billing.DowngradePolicy {
	case config.DowngradeRejectSameInterval:
		if fromInterval == target.Interval {
			metrics.PlanChanges.WithLabelValues("rejected_same_interval").Inc()
			return nil, &PolicyError{
				Code:    CodeDowngradeSameInterval,
				Message: "Downgrades within the same billing interval are not supported. Cancel and resubscribe at the end of the period instead.",
			}
		}
	case config.DowngradeAtPeriodEnd:
		effective := sub.CurrentPeriodEnd
		if effective.IsZero() {
			effective = s.now().UTC()
		}
		if err := s.planChanges.Schedule(&models.BillingScheduledPlanChange{
			AccountID:              accountID,
			ProviderSubscriptionID: sub.ID,
			FromPriceID:            sub.PriceID,
			ToPriceID:              target.ID,
			EffectiveAt:            effective,
			Status:                 models.PlanChangeStatusPending,
		}); err != nil {
			return nil, err
		}
		s.InvalidateAccount(ctx, accountID)
		res.Status = ChangeDowngradeScheduled
		res.EffectiveAt = &effective
		res.Message = fmt.Sprintf("Your plan changes to %s on %s", res.Tier.DisplayName, effective.Format("2006-01-02"))
		metrics.PlanChanges.WithLabelValues(string(ChangeDowngradeScheduled)).Inc()
		log.Infof("[Lifecycle] %s scheduled downgrade %s -> %s at %s", accountID, sub.PriceID, target.ID, effective)
		return res, nil
	}

	if _, _, err := s.gateway.ModifySubscriptionItem(ctx, ItemChange{
		SubscriptionID: sub.ID,
		ItemID:         sub.ItemID,
		PriceID:        target.ID,
		Proration:      ProrationNone,
	}); err != nil {
		return nil, providerErr("modify subscription", err)
	}
	s.cancelPendingChange(accountID)
	s.InvalidateAccount(ctx, accountID)

	res.Status = ChangeDowngraded
	res.Proration = ProrationNone
	res.Message = fmt.Sprintf("Downgraded to %s", res.Tier.DisplayName)
	metrics.PlanChanges.WithLabelValues(string(ChangeDowngraded)).Inc()
	log.Infof("[Lifecycle] %s downgraded %s -> %s", accountID, sub.PriceID, target.ID)
	return res, nil
}

func (s *Service) cancelPendingChange(accountID string) {
	n, err := s.planChanges.CancelPending(accountID)
	if err != nil {
		log.Warnf("[Lifecycle] Failed to cancel pending plan change for %s: %v", accountID, err)
		return
	}
	if n > 0 {
		log.Infof("[Lifecycle] Cancelled %d pending plan change(s) for %s", n, accountID)
	}
}

// Cancel schedules the subscription to end. Inside a yearly commitment it
// ends when the commitment does, otherwise at the end of the current period.
func (s *Service) Cancel(ctx context.Context, accountID string) (*CancelResult, error) {
	sub, err := s.requireSubscription(ctx, accountID)
	if err != nil {
		return nil, err
	}
	price, known := s.catalog.LookupPrice(sub.PriceID)
	commitment := deriveCommitment(sub, known && price.Commitment, s.now())

	res := &CancelResult{
		SubscriptionID:  sub.ID,
		Commitment:      commitment,
		MonthsRemaining: commitment.MonthsRemaining,
	}

	if commitment.HasCommitment {
		cancelAt := *commitment.CommitmentEnd
		res.Status = CancelAtCommitmentEnd
		res.CancelAt = cancelAt
		res.Message = fmt.Sprintf("Your subscription will end on %s when your yearly commitment completes (%d months remaining).", cancelAt.Format("2006-01-02"), commitment.MonthsRemaining)
		if sub.CancelAt == nil || !sub.CancelAt.Equal(cancelAt) {
			if _, err := s.gateway.UpdateCancellation(ctx, CancellationChange{SubscriptionID: sub.ID, CancelAt: &cancelAt}); err != nil {
				return nil, providerErr("cancel subscription", err)
			}
		}
	} else {
		res.Status = CancelAtPeriodEnd
		res.CancelAt = sub.CurrentPeriodEnd
		res.Message = fmt.Sprintf("Your subscription will end on %s.", sub.CurrentPeriodEnd.Format("2006-01-02"))
		if !sub.CancelAtPeriodEnd {
			if _, err := s.gateway.UpdateCancellation(ctx, CancellationChange{SubscriptionID: sub.ID, AtPeriodEnd: true}); err != nil {
				return nil, providerErr("cancel subscription", err)
			}
		}
	}

	s.cancelPendingChange(accountID)
	s.InvalidateAccount(ctx, accountID)
	metrics.PlanChanges.WithLabelValues(res.Status).Inc()
	log.Infof("[Lifecycle] %s cancelled subscription %s (%s at %s)", accountID, sub.ID, res.Status, res.CancelAt)
	return res, nil
}

// Reactivate undoes a scheduled cancellation.
func (s *Service) Reactivate(ctx context.Context, accountID string) (*ReactivateResult, error) {
	sub, err := s.requireSubscription(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !sub.CancelAtPeriodEnd && sub.CancelAt == nil {
		return nil, ErrNotCancellable
	}
	if _, err := s.gateway.UpdateCancellation(ctx, CancellationChange{
		SubscriptionID: sub.ID,
		ClearPeriodEnd: sub.CancelAtPeriodEnd,
		ClearCancelAt:  sub.CancelAt != nil,
	}); err != nil {
		return nil, providerErr("reactivate subscription", err)
	}
	s.InvalidateAccount(ctx, accountID)
	metrics.PlanChanges.WithLabelValues("reactivated").Inc()
	log.Infof("[Lifecycle] %s reactivated subscription %s", accountID, sub.ID)
	return &ReactivateResult{SubscriptionID: sub.ID, Message: "Your subscription has been reactivated"}, nil
}
