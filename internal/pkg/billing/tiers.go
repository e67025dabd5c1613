package billing

import (
	"sort"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/agentbilling/app/models"
	"github.com/ManuelReschke/agentbilling/internal/pkg/entitlements"
)

// CatalogVersion identifies the tier and price table below.
const CatalogVersion = "2025-06"

// Tier is a subscription plan with its monthly usage quota.
type Tier struct {
	Name               entitlements.Plan `json:"name"`
	DisplayName        string            `json:"display_name"`
	MonthlyQuota       Money             `json:"monthly_quota"`
	IncludedMinutes    int               `json:"included_minutes"`
	CanPurchaseCredits bool              `json:"can_purchase_credits"`
	Rank               int               `json:"rank"`
}

// Price is one external price identifier bound to a tier and interval.
type Price struct {
	ID         string            `json:"price_id"`
	Tier       entitlements.Plan `json:"tier"`
	Interval   string            `json:"interval"`
	Amount     Money             `json:"amount"`
	Commitment bool              `json:"commitment"`
}

var tierTable = []Tier{
	{Name: entitlements.PlanFree, DisplayName: "Free", MonthlyQuota: 15 * Dollar, IncludedMinutes: 60, Rank: 0},
	{Name: entitlements.PlanRidiculouslyCheap, DisplayName: "Ridiculously Cheap", MonthlyQuota: 30 * Dollar, IncludedMinutes: 300, CanPurchaseCredits: true, Rank: 1},
	{Name: entitlements.PlanSeriousBusiness, DisplayName: "Serious Business", MonthlyQuota: 45 * Dollar, IncludedMinutes: 900, CanPurchaseCredits: true, Rank: 2},
	{Name: entitlements.PlanProMax, DisplayName: "Pro Max", MonthlyQuota: 250 * Dollar, IncludedMinutes: 3000, CanPurchaseCredits: true, Rank: 3},
}

type priceRow struct {
	tier     entitlements.Plan
	interval string
	amount   string
	prodID   string
	stageID  string
}

// Yearly prices carry a twelve month commitment.
var priceTable = []priceRow{
	{entitlements.PlanRidiculouslyCheap, models.BillingIntervalMonth, "24.99", "price_1RILb4G6l1KZGqIrK4QLrx9i", "price_1RIGvuG6l1KZGqIrw14abxeL"},
	{entitlements.PlanRidiculouslyCheap, models.BillingIntervalYear, "254.90", "price_1ReHB5G6l1KZGqIrD70I1xqM", "price_1ReGogG6l1KZGqIrEyBTmtPk"},
	{entitlements.PlanSeriousBusiness, models.BillingIntervalMonth, "39.99", "price_1RILb4G6l1KZGqIr5q0sybWn", "price_1RIKNgG6l1KZGqIrvsat5PW7"},
	{entitlements.PlanSeriousBusiness, models.BillingIntervalYear, "407.90", "price_1ReHAsG6l1KZGqIrlAog487C", "price_1Rf9aEG6l1KZGqIrtQMKXn8y"},
	{entitlements.PlanProMax, models.BillingIntervalMonth, "199.00", "price_1RILb4G6l1KZGqIrGAD8rNjb", "price_1RIKQ2G6l1KZGqIrum9n8SI7"},
	{entitlements.PlanProMax, models.BillingIntervalYear, "2029.80", "price_1ReH9uG6l1KZGqIrsvMLHViC", "price_1ReGoJG6l1KZGqIr0DJWtoOc"},
}

// Catalog is the static tier catalog for one price set (production or staging).
type Catalog struct {
	version string
	tiers   map[entitlements.Plan]Tier
	prices  map[string]Price
}

// NewCatalog builds the catalog for the given price set. Anything other than
// "staging" selects production price ids.
func NewCatalog(priceSet string) *Catalog {
	c := &Catalog{
		version: CatalogVersion,
		tiers:   make(map[entitlements.Plan]Tier, len(tierTable)),
		prices:  make(map[string]Price, len(priceTable)),
	}
	for _, t := range tierTable {
		c.tiers[t.Name] = t
	}
	for _, row := range priceTable {
		id := row.prodID
		if strings.EqualFold(priceSet, "staging") {
			id = row.stageID
		}
		c.prices[id] = Price{
			ID:         id,
			Tier:       row.tier,
			Interval:   row.interval,
			Amount:     MustParseMoney(row.amount),
			Commitment: row.interval == models.BillingIntervalYear,
		}
	}
	return c
}

func (c *Catalog) Version() string { return c.version }

// Free returns the free tier.
func (c *Catalog) Free() Tier {
	return c.tiers[entitlements.PlanFree]
}

// Tier looks a tier up by name.
func (c *Catalog) Tier(name entitlements.Plan) (Tier, bool) {
	t, ok := c.tiers[name]
	return t, ok
}

// LookupPrice resolves a price id without any fallback.
func (c *Catalog) LookupPrice(priceID string) (Price, bool) {
	p, ok := c.prices[strings.TrimSpace(priceID)]
	return p, ok
}

// TierForPrice resolves a price id to its tier. Unknown ids fall back to the
// free tier so stale provider prices never fail a billing check.
func (c *Catalog) TierForPrice(priceID string) Tier {
	p, ok := c.LookupPrice(priceID)
	if !ok {
		if priceID != "" {
			log.Warnf("[TierCatalog] Unknown price id %q, falling back to free tier", priceID)
		}
		return c.Free()
	}
	return c.tiers[p.Tier]
}

// PriceFor returns the price of a tier at an interval.
func (c *Catalog) PriceFor(tier entitlements.Plan, interval string) (Price, bool) {
	for _, p := range c.prices {
		if p.Tier == tier && p.Interval == interval {
			return p, true
		}
	}
	return Price{}, false
}

// Tiers returns all tiers ordered by rank.
func (c *Catalog) Tiers() []Tier {
	out := make([]Tier, 0, len(c.tiers))
	for _, t := range c.tiers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

// Prices returns all prices ordered by tier rank then interval.
func (c *Catalog) Prices() []Price {
	out := make([]Price, 0, len(c.prices))
	for _, p := range c.prices {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := tierRank(out[i].Tier), tierRank(out[j].Tier)
		if ri != rj {
			return ri < rj
		}
		return out[i].Interval < out[j].Interval
	})
	return out
}
