package billing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ManuelReschke/agentbilling/app/models"
	"github.com/ManuelReschke/agentbilling/app/repository"
	"github.com/ManuelReschke/agentbilling/internal/pkg/cache"
	"github.com/ManuelReschke/agentbilling/internal/pkg/config"
)

// Production price ids used throughout the tests.
const (
	priceRCMonthly  = "price_1RILb4G6l1KZGqIrK4QLrx9i"
	priceSBMonthly  = "price_1RILb4G6l1KZGqIr5q0sybWn"
	priceSBYearly   = "price_1ReHAsG6l1KZGqIrlAog487C"
	priceMaxMonthly = "price_1RILb4G6l1KZGqIrGAD8rNjb"
	priceMaxYearly  = "price_1ReH9uG6l1KZGqIrsvMLHViC"
)

type fakeUsageRepo struct {
	mu   sync.Mutex
	rows []models.UsageLog
	err  error
}

func (f *fakeUsageRepo) Insert(log *models.UsageLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, *log)
	return nil
}

func (f *fakeUsageRepo) SumCostSince(accountID string, since time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, r := range f.rows {
		if r.AccountID == accountID && !r.CreatedAt.Before(since) {
			total += r.CostMicros
		}
	}
	return total, nil
}

func (f *fakeUsageRepo) ThreadTotals(accountID string) ([]repository.ThreadUsageRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byThread := map[string]*repository.ThreadUsageRow{}
	var order []string
	for _, r := range f.rows {
		if r.AccountID != accountID {
			continue
		}
		key := ""
		if r.ThreadID != nil {
			key = *r.ThreadID
		}
		row, ok := byThread[key]
		if !ok {
			row = &repository.ThreadUsageRow{}
			if r.ThreadID != nil {
				id, name := *r.ThreadID, "Thread "+*r.ThreadID
				row.ThreadID, row.ThreadName = &id, &name
			}
			byThread[key] = row
			order = append(order, key)
		}
		row.Requests++
		row.PromptTokens += r.PromptTokens
		row.CompletionTokens += r.CompletionTokens
		row.CostMicros += r.CostMicros
		if r.CreatedAt.After(row.LastUsedAt) {
			row.LastUsedAt = r.CreatedAt
		}
	}
	out := make([]repository.ThreadUsageRow, 0, len(order))
	for _, k := range order {
		out = append(out, *byThread[k])
	}
	return out, nil
}

// add seeds usage directly, bypassing pricing.
func (f *fakeUsageRepo) add(accountID string, cost Money, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, models.UsageLog{ID: at.String(), AccountID: accountID, CostMicros: int64(cost), CreatedAt: at})
}

// fakeCreditRepo mirrors the conditional statements of the SQL repository
// under one mutex.
type fakeCreditRepo struct {
	mu        sync.Mutex
	balances  map[string]*models.CreditBalance
	purchases map[string]*models.CreditPurchase
	usages    []models.CreditUsage
	debitErr  error
}

func newFakeCreditRepo() *fakeCreditRepo {
	return &fakeCreditRepo{balances: map[string]*models.CreditBalance{}, purchases: map[string]*models.CreditPurchase{}}
}

func (f *fakeCreditRepo) GetBalance(accountID string) (*models.CreditBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[accountID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *fakeCreditRepo) Debit(accountID string, amount int64, usage *models.CreditUsage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.debitErr != nil {
		return false, f.debitErr
	}
	b, ok := f.balances[accountID]
	if !ok || b.BalanceMicros < amount {
		return false, nil
	}
	b.BalanceMicros -= amount
	b.TotalUsedMicros += amount
	if usage != nil {
		f.usages = append(f.usages, *usage)
	}
	return true, nil
}

func (f *fakeCreditRepo) Credit(accountID string, amount int64, purchaseID, paymentRef string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if purchaseID != "" {
		p, ok := f.purchases[purchaseID]
		if !ok || p.Status != models.CreditPurchaseStatusPending {
			return 0, repository.ErrPurchaseNotPending
		}
		now := time.Now()
		p.Status = models.CreditPurchaseStatusCompleted
		p.CompletedAt = &now
		if paymentRef != "" {
			p.ProviderPaymentRef = paymentRef
		}
	}
	b, ok := f.balances[accountID]
	if !ok {
		b = &models.CreditBalance{AccountID: accountID}
		f.balances[accountID] = b
	}
	b.BalanceMicros += amount
	b.TotalPurchasedMicros += amount
	return b.BalanceMicros, nil
}

func (f *fakeCreditRepo) CreatePurchase(p *models.CreditPurchase) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	cp.CreatedAt = time.Now()
	f.purchases[p.ID] = &cp
	return nil
}

func (f *fakeCreditRepo) SetPurchaseSession(purchaseID, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.purchases[purchaseID]; ok {
		p.ProviderSessionID = sessionID
	}
	return nil
}

func (f *fakeCreditRepo) find(match func(*models.CreditPurchase) bool) (*models.CreditPurchase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.purchases {
		if match(p) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeCreditRepo) GetPurchase(id string) (*models.CreditPurchase, error) {
	return f.find(func(p *models.CreditPurchase) bool { return p.ID == id })
}

func (f *fakeCreditRepo) FindPurchaseByPaymentRef(ref string) (*models.CreditPurchase, error) {
	if ref == "" {
		return nil, gorm.ErrRecordNotFound
	}
	return f.find(func(p *models.CreditPurchase) bool { return p.ProviderPaymentRef == ref })
}

func (f *fakeCreditRepo) FindPurchaseBySession(id string) (*models.CreditPurchase, error) {
	if id == "" {
		return nil, gorm.ErrRecordNotFound
	}
	return f.find(func(p *models.CreditPurchase) bool { return p.ProviderSessionID == id })
}

func (f *fakeCreditRepo) FailPurchase(id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.purchases[id]
	if !ok || p.Status != models.CreditPurchaseStatusPending {
		return false, nil
	}
	p.Status = models.CreditPurchaseStatusFailed
	return true, nil
}

func (f *fakeCreditRepo) FailStalePurchases(before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, p := range f.purchases {
		if p.Status == models.CreditPurchaseStatusPending && p.CreatedAt.Before(before) {
			p.Status = models.CreditPurchaseStatusFailed
			n++
		}
	}
	return n, nil
}

func (f *fakeCreditRepo) seedBalance(accountID string, amount Money) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[accountID] = &models.CreditBalance{AccountID: accountID, BalanceMicros: int64(amount), TotalPurchasedMicros: int64(amount)}
}

func (f *fakeCreditRepo) balance(accountID string) Money {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[accountID]; ok {
		return Money(b.BalanceMicros)
	}
	return 0
}

type fakeCustomerRepo struct {
	mu   sync.Mutex
	rows []models.BillingCustomer
}

func (f *fakeCustomerRepo) GetByAccount(accountID, provider string) (*models.BillingCustomer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.rows {
		if c.AccountID == accountID && c.Provider == provider {
			cp := c
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeCustomerRepo) GetByProviderCustomerID(provider, id string) (*models.BillingCustomer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.rows {
		if c.ProviderCustomerID == id && c.Provider == provider {
			cp := c
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeCustomerRepo) Upsert(c *models.BillingCustomer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, *c)
	return nil
}

type fakeEventRepo struct {
	mu     sync.Mutex
	nextID uint
	events map[string]*models.BillingWebhookEvent
}

func (f *fakeEventRepo) CreateIfNotExists(e *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events == nil {
		f.events = map[string]*models.BillingWebhookEvent{}
	}
	if stored, ok := f.events[e.ProviderEventID]; ok {
		cp := *stored
		return false, &cp, nil
	}
	f.nextID++
	stored := *e
	stored.ID = f.nextID
	f.events[e.ProviderEventID] = &stored
	cp := stored
	return true, &cp, nil
}

func (f *fakeEventRepo) MarkProcessed(id uint, accountID, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.ID == id {
			now := time.Now()
			e.ProcessedAt = &now
			e.AccountID = accountID
			e.ProcessingError = msg
			return nil
		}
	}
	return errors.New("event not found")
}

type fakePlanChangeRepo struct {
	mu      sync.Mutex
	nextID  uint
	changes []*models.BillingScheduledPlanChange
}

func (f *fakePlanChangeRepo) Schedule(c *models.BillingScheduledPlanChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.changes {
		if existing.AccountID == c.AccountID && existing.Status == models.PlanChangeStatusPending {
			existing.Status = models.PlanChangeStatusCancelled
		}
	}
	f.nextID++
	c.ID = f.nextID
	cp := *c
	f.changes = append(f.changes, &cp)
	return nil
}

func (f *fakePlanChangeRepo) GetPending(accountID string) (*models.BillingScheduledPlanChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.changes {
		if c.AccountID == accountID && c.Status == models.PlanChangeStatusPending {
			cp := *c
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakePlanChangeRepo) CancelPending(accountID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, c := range f.changes {
		if c.AccountID == accountID && c.Status == models.PlanChangeStatusPending {
			c.Status = models.PlanChangeStatusCancelled
			n++
		}
	}
	return n, nil
}

func (f *fakePlanChangeRepo) ListDue(now time.Time, limit int) ([]models.BillingScheduledPlanChange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.BillingScheduledPlanChange
	for _, c := range f.changes {
		if c.Status == models.PlanChangeStatusPending && !c.EffectiveAt.After(now) && len(out) < limit {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakePlanChangeRepo) setStatus(id uint, status, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.changes {
		if c.ID == id {
			c.Status = status
			c.Error = msg
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (f *fakePlanChangeRepo) MarkApplied(id uint) error {
	return f.setStatus(id, models.PlanChangeStatusApplied, "")
}

func (f *fakePlanChangeRepo) MarkFailed(id uint, msg string) error {
	return f.setStatus(id, models.PlanChangeStatusFailed, msg)
}

// fakeGateway is an in-memory payment provider. Calls are recorded so tests
// can assert which mutations happened.
type fakeGateway struct {
	mu            sync.Mutex
	subs          map[string][]Subscription // by customer
	customers     int
	calls         []string
	modifications []ItemChange
	cancellations []CancellationChange
	checkouts     []CheckoutRequest
	invoiceStatus InvoiceStatus
	payErr        error
	modifyErr     error
	listErr       error
	checkoutErr   error
	parseErr      error
	events        map[string]*WebhookEvent // by signature
	prices        map[string]*ProviderPrice
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		subs:          map[string][]Subscription{},
		invoiceStatus: InvoiceDraft,
		events:        map[string]*WebhookEvent{},
		prices:        map[string]*ProviderPrice{},
	}
}

func (g *fakeGateway) record(call string) {
	g.calls = append(g.calls, call)
}

func (g *fakeGateway) callCount(call string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (g *fakeGateway) CreateCustomer(_ context.Context, accountID, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("create_customer")
	g.customers++
	return "cus_" + accountID, nil
}

func (g *fakeGateway) ListActiveSubscriptions(_ context.Context, customerID string) ([]Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("list")
	if g.listErr != nil {
		return nil, g.listErr
	}
	out := make([]Subscription, len(g.subs[customerID]))
	copy(out, g.subs[customerID])
	return out, nil
}

func (g *fakeGateway) findSub(id string) *Subscription {
	for cus := range g.subs {
		for i := range g.subs[cus] {
			if g.subs[cus][i].ID == id {
				return &g.subs[cus][i]
			}
		}
	}
	return nil
}

func (g *fakeGateway) ModifySubscriptionItem(_ context.Context, change ItemChange) (*Subscription, *Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("modify")
	if g.modifyErr != nil {
		return nil, nil, g.modifyErr
	}
	g.modifications = append(g.modifications, change)
	sub := g.findSub(change.SubscriptionID)
	if sub == nil {
		return nil, nil, errors.New("no such subscription")
	}
	sub.PriceID = change.PriceID
	for k, v := range change.Metadata {
		if sub.Metadata == nil {
			sub.Metadata = map[string]string{}
		}
		sub.Metadata[k] = v
	}
	cp := *sub
	var inv *Invoice
	if change.Proration == ProrationAlwaysInvoice {
		inv = &Invoice{ID: "in_" + change.PriceID, Status: g.invoiceStatus}
	}
	return &cp, inv, nil
}

func (g *fakeGateway) UpdateCancellation(_ context.Context, change CancellationChange) (*Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("cancellation")
	g.cancellations = append(g.cancellations, change)
	sub := g.findSub(change.SubscriptionID)
	if sub == nil {
		return nil, errors.New("no such subscription")
	}
	switch {
	case change.CancelAt != nil:
		t := *change.CancelAt
		sub.CancelAt = &t
	case change.AtPeriodEnd:
		sub.CancelAtPeriodEnd = true
	default:
		if change.ClearPeriodEnd {
			sub.CancelAtPeriodEnd = false
		}
		if change.ClearCancelAt {
			sub.CancelAt = nil
		}
	}
	cp := *sub
	return &cp, nil
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("checkout")
	if g.checkoutErr != nil {
		return nil, g.checkoutErr
	}
	g.checkouts = append(g.checkouts, req)
	id := "cs_" + string(req.Mode)
	if pid := req.Metadata[MetadataPurchaseID]; pid != "" {
		id = "cs_" + pid
	}
	return &CheckoutSession{ID: id, URL: "https://checkout.test/" + id}, nil
}

func (g *fakeGateway) RetrievePrice(_ context.Context, priceID string) (*ProviderPrice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("retrieve_price")
	if p, ok := g.prices[priceID]; ok {
		return p, nil
	}
	return nil, errors.New("no such price")
}

func (g *fakeGateway) FinalizeAndPayInvoice(_ context.Context, inv Invoice) (*Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("pay_invoice")
	if g.payErr != nil {
		return nil, g.payErr
	}
	inv.Status = InvoicePaid
	return &inv, nil
}

func (g *fakeGateway) ParseWebhook(_ []byte, signature string) (*WebhookEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.parseErr != nil {
		return nil, g.parseErr
	}
	ev, ok := g.events[signature]
	if !ok {
		return nil, ErrInvalidSignature
	}
	return ev, nil
}

func (g *fakeGateway) addSub(customerID string, sub Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sub.CustomerID = customerID
	if sub.Status == "" {
		sub.Status = models.BillingStatusActive
	}
	if sub.ItemID == "" {
		sub.ItemID = "si_" + sub.ID
	}
	g.subs[customerID] = append(g.subs[customerID], sub)
}

func (g *fakeGateway) sub(id string) Subscription {
	g.mu.Lock()
	defer g.mu.Unlock()
	return *g.findSub(id)
}

type testEnv struct {
	svc         *Service
	cfg         *config.Config
	gateway     *fakeGateway
	usage       *fakeUsageRepo
	credits     *fakeCreditRepo
	customers   *fakeCustomerRepo
	events      *fakeEventRepo
	planChanges *fakePlanChangeRepo
	store       *cache.MemoryStore
	now         time.Time
}

func testConfig() *config.Config {
	return &config.Config{
		App:    config.AppConfig{Host: "localhost", Port: "4000", Env: config.EnvProduction},
		Cache:  config.CacheConfig{SubscriptionTTL: time.Minute, UsageTTL: 30 * time.Second, ModelsTTL: time.Minute},
		Stripe: config.StripeConfig{PriceSet: "production", SecretKey: "sk_test", WebhookSecret: "whsec_test"},
		Billing: config.BillingConfig{
			Markup:                 decimal.RequireFromString("1.5"),
			MinStartCushionCredits: 20,
			CreditPurchaseMin:      10,
			CreditPurchaseMax:      5000,
			DowngradePolicy:        config.DowngradeImmediate,
			StalePurchaseAge:       24 * time.Hour,
		},
	}
}

func newTestEnv(now time.Time) *testEnv {
	e := &testEnv{
		cfg:         testConfig(),
		gateway:     newFakeGateway(),
		usage:       &fakeUsageRepo{},
		credits:     newFakeCreditRepo(),
		customers:   &fakeCustomerRepo{},
		events:      &fakeEventRepo{},
		planChanges: &fakePlanChangeRepo{},
		store:       cache.NewMemoryStore(1024, time.Hour),
		now:         now,
	}
	e.svc = NewService(Dependencies{
		Config:      e.cfg,
		Gateway:     e.gateway,
		Cache:       e.store,
		Usage:       e.usage,
		Credits:     e.credits,
		Customers:   e.customers,
		Events:      e.events,
		PlanChanges: e.planChanges,
	})
	e.svc.SetClock(func() time.Time { return e.now })
	return e
}

// subscribe links accountID to a customer holding one subscription on priceID.
func (e *testEnv) subscribe(accountID, subID, priceID string, start time.Time) {
	cus := "cus_" + accountID
	if _, err := e.customers.GetByAccount(accountID, models.BillingProviderStripe); err != nil {
		_ = e.customers.Upsert(&models.BillingCustomer{AccountID: accountID, Provider: models.BillingProviderStripe, ProviderCustomerID: cus})
	}
	price, _ := e.svc.Catalog().LookupPrice(priceID)
	e.gateway.addSub(cus, Subscription{
		ID:               subID,
		PriceID:          priceID,
		Interval:         price.Interval,
		PriceAmount:      price.Amount,
		StartDate:        start,
		Created:          start,
		CurrentPeriodEnd: start.AddDate(0, 1, 0),
	})
}
