package billing

import (
	"context"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/agentbilling/app/models"
	"github.com/ManuelReschke/agentbilling/app/repository"
	"github.com/ManuelReschke/agentbilling/internal/pkg/cache"
	"github.com/ManuelReschke/agentbilling/internal/pkg/entitlements"
)

// SubscriptionState is the user-visible lifecycle state.
type SubscriptionState string

const (
	StateNoSubscription              SubscriptionState = "no_subscription"
	StateActive                      SubscriptionState = "active"
	StateActiveScheduledDowngrade    SubscriptionState = "active_scheduled_downgrade"
	StateActiveCancelAtPeriodEnd     SubscriptionState = "active_cancel_at_period_end"
	StateActiveCancelAtCommitmentEnd SubscriptionState = "active_cancel_at_commitment_end"
	StateCancelled                   SubscriptionState = "cancelled"
)

// ScheduledChange is a downgrade waiting for the end of the period.
type ScheduledChange struct {
	ToPriceID   string            `json:"to_price_id"`
	ToTier      entitlements.Plan `json:"to_tier"`
	EffectiveAt time.Time         `json:"effective_at"`
}

// SubscriptionSnapshot is the resolved subscription of an account. Accounts
// without a subscription get an implicit free-tier snapshot.
type SubscriptionSnapshot struct {
	AccountID         string            `json:"account_id"`
	SubscriptionID    string            `json:"subscription_id,omitempty"`
	Implicit          bool              `json:"implicit"`
	Tier              Tier              `json:"tier"`
	PriceID           string            `json:"price_id,omitempty"`
	Interval          string            `json:"interval,omitempty"`
	Status            string            `json:"status"`
	State             SubscriptionState `json:"state"`
	CurrentPeriodEnd  *time.Time        `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CancelAt          *time.Time        `json:"cancel_at,omitempty"`
	Commitment        CommitmentInfo    `json:"commitment"`
	ScheduledChange   *ScheduledChange  `json:"scheduled_change,omitempty"`
}

// DeriveState folds provider flags, commitment and a pending local change
// into one state. Cancellation markers win over a scheduled downgrade.
func DeriveState(sub *Subscription, commitment CommitmentInfo, pending *models.BillingScheduledPlanChange) SubscriptionState {
	if sub == nil {
		return StateNoSubscription
	}
	if !isEntitlingStatus(sub.Status) {
		return StateCancelled
	}
	switch {
	case sub.CancelAt != nil && commitment.HasCommitment:
		return StateActiveCancelAtCommitmentEnd
	case sub.CancelAtPeriodEnd || sub.CancelAt != nil:
		return StateActiveCancelAtPeriodEnd
	case pending != nil && pending.Status == models.PlanChangeStatusPending:
		return StateActiveScheduledDowngrade
	default:
		return StateActive
	}
}

// CurrentSubscription returns the cached subscription snapshot, resolving it
// from the provider on a miss. Concurrent misses share one resolution.
func (s *Service) CurrentSubscription(ctx context.Context, accountID string) (*SubscriptionSnapshot, error) {
	key := cache.SubscriptionKey(accountID)
	var snap SubscriptionSnapshot
	if ok, err := cache.GetJSON(ctx, s.cache, key, &snap); err != nil {
		log.Warnf("[Subscription] Cache read failed for %s: %v", accountID, err)
	} else if ok {
		return &snap, nil
	}

	v, err, _ := s.subFlight.Do(accountID, func() (interface{}, error) {
		sub, err := s.activeSubscription(ctx, accountID)
		if err != nil {
			return nil, err
		}
		fresh := s.snapshot(accountID, sub)
		if err := cache.SetJSON(ctx, s.cache, key, fresh, s.cfg.Cache.SubscriptionTTL); err != nil {
			log.Warnf("[Subscription] Cache write failed for %s: %v", accountID, err)
		}
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*SubscriptionSnapshot), nil
}

func (s *Service) snapshot(accountID string, sub *Subscription) *SubscriptionSnapshot {
	if sub == nil {
		return &SubscriptionSnapshot{
			AccountID:  accountID,
			Implicit:   true,
			Tier:       s.catalog.Free(),
			Status:     models.BillingStatusActive,
			State:      StateNoSubscription,
			Commitment: CommitmentInfo{CanCancel: true},
		}
	}

	price, known := s.catalog.LookupPrice(sub.PriceID)
	commitment := deriveCommitment(sub, known && price.Commitment, s.now())
	pending := s.pendingChange(accountID)
	if pending != nil && pending.ProviderSubscriptionID != sub.ID {
		pending = nil
	}

	snap := &SubscriptionSnapshot{
		AccountID:         accountID,
		SubscriptionID:    sub.ID,
		Tier:              s.catalog.TierForPrice(sub.PriceID),
		PriceID:           sub.PriceID,
		Interval:          normalizeInterval(sub.Interval),
		Status:            sub.Status,
		State:             DeriveState(sub, commitment, pending),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CancelAt:          sub.CancelAt,
		Commitment:        commitment,
	}
	if known {
		snap.Interval = price.Interval
	}
	if !sub.CurrentPeriodEnd.IsZero() {
		end := sub.CurrentPeriodEnd
		snap.CurrentPeriodEnd = &end
	}
	if pending != nil {
		snap.ScheduledChange = &ScheduledChange{
			ToPriceID:   pending.ToPriceID,
			ToTier:      s.catalog.TierForPrice(pending.ToPriceID).Name,
			EffectiveAt: pending.EffectiveAt,
		}
	}
	return snap
}

func (s *Service) pendingChange(accountID string) *models.BillingScheduledPlanChange {
	pc, err := s.planChanges.GetPending(accountID)
	if err != nil {
		if !repository.IsNotFound(err) {
			log.Warnf("[Subscription] Pending plan change lookup failed for %s: %v", accountID, err)
		}
		return nil
	}
	return pc
}

// activeSubscription resolves the account's current subscription directly
// from the provider. If more than one entitling subscription exists the
// newest wins and the others are scheduled to cancel at period end.
func (s *Service) activeSubscription(ctx context.Context, accountID string) (*Subscription, error) {
	customerID, err := s.customerFor(accountID)
	if err != nil {
		return nil, err
	}
	if customerID == "" {
		return nil, nil
	}
	subs, err := s.gateway.ListActiveSubscriptions(ctx, customerID)
	if err != nil {
		return nil, providerErr("list subscriptions", err)
	}

	active := make([]Subscription, 0, len(subs))
	for _, sub := range subs {
		if isEntitlingStatus(sub.Status) {
			active = append(active, sub)
		}
	}
	if len(active) == 0 {
		return nil, nil
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].Created.After(active[j].Created) })

	for _, dup := range active[1:] {
		if dup.CancelAtPeriodEnd {
			continue
		}
		log.Warnf("[Subscription] Account %s has duplicate subscription %s, keeping %s and cancelling at period end", accountID, dup.ID, active[0].ID)
		if _, err := s.gateway.UpdateCancellation(ctx, CancellationChange{SubscriptionID: dup.ID, AtPeriodEnd: true}); err != nil {
			log.Errorf("[Subscription] Failed to cancel duplicate subscription %s: %v", dup.ID, err)
		}
	}
	kept := active[0]
	return &kept, nil
}

// requireSubscription is activeSubscription for operations that need one.
func (s *Service) requireSubscription(ctx context.Context, accountID string) (*Subscription, error) {
	sub, err := s.activeSubscription(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrNoSubscription
	}
	return sub, nil
}

// AllowedModels lists the models the account's tier may use.
func (s *Service) AllowedModels(ctx context.Context, accountID string) ([]string, error) {
	key := cache.AllowedModelsKey(accountID)
	var cached []string
	if ok, err := cache.GetJSON(ctx, s.cache, key, &cached); err == nil && ok {
		return cached, nil
	}
	var allowed []string
	if !s.cfg.BillingEnabled() {
		allowed = entitlements.AllowedModels(entitlements.PlanProMax)
	} else {
		snap, err := s.CurrentSubscription(ctx, accountID)
		if err != nil {
			return nil, err
		}
		allowed = entitlements.AllowedModels(snap.Tier.Name)
	}
	if err := cache.SetJSON(ctx, s.cache, key, allowed, s.cfg.Cache.ModelsTTL); err != nil {
		log.Warnf("[Subscription] Cache write failed for %s: %v", accountID, err)
	}
	return allowed, nil
}

// CanUseModel reports whether the account's tier includes model.
func (s *Service) CanUseModel(ctx context.Context, accountID, model string) (bool, error) {
	if !s.cfg.BillingEnabled() {
		return true, nil
	}
	snap, err := s.CurrentSubscription(ctx, accountID)
	if err != nil {
		return false, err
	}
	return entitlements.CanUseModel(snap.Tier.Name, model), nil
}
