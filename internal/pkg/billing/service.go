package billing

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/ManuelReschke/agentbilling/app/models"
	"github.com/ManuelReschke/agentbilling/app/repository"
	"github.com/ManuelReschke/agentbilling/internal/pkg/cache"
	"github.com/ManuelReschke/agentbilling/internal/pkg/config"
)

// Dependencies are the collaborators of a billing Service.
type Dependencies struct {
	Config      *config.Config
	Gateway     PaymentGateway
	Cache       cache.Store
	Usage       repository.UsageRepository
	Credits     repository.CreditRepository
	Customers   repository.CustomerRepository
	Events      repository.WebhookEventRepository
	PlanChanges repository.PlanChangeRepository
}

// Service composes the billing components behind one entry point: the gate,
// settlement, subscription lifecycle and webhook reconciliation.
type Service struct {
	cfg         *config.Config
	catalog     *Catalog
	pricing     *PricingResolver
	usage       *UsageAccountant
	ledger      *CreditLedger
	gateway     PaymentGateway
	cache       cache.Store
	credits     repository.CreditRepository
	customers   repository.CustomerRepository
	events      repository.WebhookEventRepository
	planChanges repository.PlanChangeRepository

	subFlight singleflight.Group
	now       func() time.Time
}

// NewService creates a billing service from injected dependencies.
func NewService(deps Dependencies) *Service {
	cfg := deps.Config
	return &Service{
		cfg:         cfg,
		catalog:     NewCatalog(cfg.Stripe.PriceSet),
		pricing:     NewPricingResolver(cfg.MarkupBasisPoints()),
		usage:       NewUsageAccountant(deps.Usage, deps.Cache, cfg.Cache.UsageTTL),
		ledger:      NewCreditLedger(deps.Credits),
		gateway:     deps.Gateway,
		cache:       deps.Cache,
		credits:     deps.Credits,
		customers:   deps.Customers,
		events:      deps.Events,
		planChanges: deps.PlanChanges,
		now:         time.Now,
	}
}

// NewServiceFromDB creates a billing service backed by GORM repositories.
func NewServiceFromDB(cfg *config.Config, db *gorm.DB, gateway PaymentGateway, store cache.Store) *Service {
	f := repository.NewFactory(db)
	return NewService(Dependencies{
		Config:      cfg,
		Gateway:     gateway,
		Cache:       store,
		Usage:       f.GetUsageRepository(),
		Credits:     f.GetCreditRepository(),
		Customers:   f.GetCustomerRepository(),
		Events:      f.GetWebhookEventRepository(),
		PlanChanges: f.GetPlanChangeRepository(),
	})
}

func (s *Service) Catalog() *Catalog       { return s.catalog }
func (s *Service) Usage() *UsageAccountant { return s.usage }
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.usage.now = now
}

// InvalidateAccount drops every cached value of an account. Called after any
// mutation the caches could otherwise hide.
func (s *Service) InvalidateAccount(ctx context.Context, accountID string) {
	if accountID == "" {
		return
	}
	if err := s.cache.Delete(ctx, cache.AccountKeys(accountID)...); err != nil {
		log.Warnf("[Billing] Cache invalidation failed for %s: %v", accountID, err)
	}
}

// GetBalance returns the credit balance of an account.
func (s *Service) GetBalance(ctx context.Context, accountID string) (CreditBalance, error) {
	return s.ledger.GetBalance(ctx, accountID)
}

// GetUsageHistory returns one page of per-thread usage.
func (s *Service) GetUsageHistory(ctx context.Context, accountID string, page, pageSize int) (*ThreadUsagePage, error) {
	return s.usage.ThreadUsage(ctx, accountID, page, pageSize)
}

// customerFor returns the provider customer id of an account, or "" if the
// account has never checked out.
func (s *Service) customerFor(accountID string) (string, error) {
	c, err := s.customers.GetByAccount(accountID, models.BillingProviderStripe)
	if err != nil {
		if repository.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return c.ProviderCustomerID, nil
}

// GetOrCreateCustomer returns the provider customer of an account, creating
// it at the provider and recording the mapping on first use.
func (s *Service) GetOrCreateCustomer(ctx context.Context, accountID, email string) (string, error) {
	id, err := s.customerFor(accountID)
	if err != nil || id != "" {
		return id, err
	}
	id, err = s.gateway.CreateCustomer(ctx, accountID, email)
	if err != nil {
		return "", providerErr("create customer", err)
	}
	if err := s.customers.Upsert(&models.BillingCustomer{
		AccountID:          accountID,
		Provider:           models.BillingProviderStripe,
		ProviderCustomerID: id,
		Email:              email,
	}); err != nil {
		return "", err
	}
	log.Infof("[Billing] Created customer %s for account %s", id, accountID)
	return id, nil
}

// accountForCustomer maps a provider customer back to its account.
func (s *Service) accountForCustomer(customerID string) string {
	if customerID == "" {
		return ""
	}
	c, err := s.customers.GetByProviderCustomerID(models.BillingProviderStripe, customerID)
	if err != nil {
		if !repository.IsNotFound(err) {
			log.Warnf("[Billing] Customer lookup failed for %s: %v", customerID, err)
		}
		return ""
	}
	return c.AccountID
}
