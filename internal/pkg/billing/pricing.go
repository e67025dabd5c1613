package billing

import (
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
)

// ModelPrice is a provider list price per million tokens.
type ModelPrice struct {
	InputPerMillion  Money `json:"input_per_million"`
	OutputPerMillion Money `json:"output_per_million"`
}

func price(in, out string) ModelPrice {
	return ModelPrice{InputPerMillion: MustParseMoney(in), OutputPerMillion: MustParseMoney(out)}
}

// cost rounds the combined micro-dollar amount half up once, so splitting a
// request into prompt and completion never loses a micro-dollar per side.
// Negative token counts price as zero and the result saturates at MaxInt64.
func (p ModelPrice) cost(promptTokens, completionTokens int64) Money {
	promptTokens = max(promptTokens, 0)
	completionTokens = max(completionTokens, 0)
	total := decimal.NewFromInt(promptTokens).Mul(decimal.NewFromInt(int64(p.InputPerMillion))).
		Add(decimal.NewFromInt(completionTokens).Mul(decimal.NewFromInt(int64(p.OutputPerMillion))))
	return max(saturate(total.Div(decimal.NewFromInt(1_000_000)).Round(0)), 0)
}

// hardcodedPrices are the models the platform routes to directly.
var hardcodedPrices = map[string]ModelPrice{
	"claude-opus-4":           price("15", "75"),
	"claude-sonnet-4":         price("3", "15"),
	"claude-3-7-sonnet":       price("3", "15"),
	"claude-3-5-haiku":        price("0.80", "4"),
	"gpt-4o":                  price("2.50", "10"),
	"gpt-4o-mini":             price("0.15", "0.60"),
	"gpt-4.1":                 price("2", "8"),
	"gpt-4.1-mini":            price("0.40", "1.60"),
	"o3":                      price("2", "8"),
	"o4-mini":                 price("1.10", "4.40"),
	"gemini-2.5-pro":          price("1.25", "10"),
	"gemini-2.5-flash":        price("0.30", "2.50"),
	"grok-3":                  price("3", "15"),
	"deepseek-chat":           price("0.27", "1.10"),
	"llama-3.3-70b-versatile": price("0.59", "0.79"),
	"qwen3-235b":              price("0.20", "0.60"),
}

// modelAliases maps dated, routed and shorthand names to a hardcoded entry.
var modelAliases = map[string]string{
	"sonnet":                               "claude-sonnet-4",
	"opus":                                 "claude-opus-4",
	"haiku":                                "claude-3-5-haiku",
	"claude-sonnet-4-20250514":             "claude-sonnet-4",
	"anthropic/claude-sonnet-4-20250514":   "claude-sonnet-4",
	"claude-opus-4-20250514":               "claude-opus-4",
	"anthropic/claude-opus-4-20250514":     "claude-opus-4",
	"claude-3-7-sonnet-latest":             "claude-3-7-sonnet",
	"claude-3-7-sonnet-20250219":           "claude-3-7-sonnet",
	"claude-3-5-haiku-latest":              "claude-3-5-haiku",
	"claude-3-5-haiku-20241022":            "claude-3-5-haiku",
	"gpt-4o-2024-11-20":                    "gpt-4o",
	"gpt-4o-mini-2024-07-18":               "gpt-4o-mini",
	"gpt-4.1-2025-04-14":                   "gpt-4.1",
	"openrouter/deepseek/deepseek-chat":    "deepseek-chat",
	"deepseek/deepseek-chat":               "deepseek-chat",
	"xai/grok-3":                           "grok-3",
	"x-ai/grok-3":                          "grok-3",
	"groq/llama-3.3-70b-versatile":         "llama-3.3-70b-versatile",
	"openrouter/qwen/qwen3-235b-a22b":      "qwen3-235b",
	"gemini/gemini-2.5-flash-preview":      "gemini-2.5-flash",
	"gemini/gemini-2.5-pro-preview":        "gemini-2.5-pro",
	"openrouter/google/gemini-2.5-pro":     "gemini-2.5-pro",
	"openrouter/google/gemini-2.5-flash":   "gemini-2.5-flash",
	"openrouter/anthropic/claude-sonnet-4": "claude-sonnet-4",
}

// providerCatalog is the general token-cost table, keyed provider -> model,
// covering models reachable through the routing layer but not priced above.
var providerCatalog = map[string]map[string]ModelPrice{
	"anthropic": {
		"claude-3-5-sonnet": price("3", "15"),
		"claude-3-opus":     price("15", "75"),
		"claude-3-haiku":    price("0.25", "1.25"),
	},
	"openai": {
		"gpt-4-turbo":   price("10", "30"),
		"gpt-3.5-turbo": price("0.50", "1.50"),
		"o1":            price("15", "60"),
		"o3-mini":       price("1.10", "4.40"),
	},
	"gemini": {
		"gemini-2.0-flash":      price("0.10", "0.40"),
		"gemini-2.0-flash-lite": price("0.075", "0.30"),
		"gemini-1.5-pro":        price("1.25", "5"),
		"gemini-1.5-flash":      price("0.075", "0.30"),
	},
	"groq": {
		"llama-3.1-8b-instant": price("0.05", "0.08"),
		"gemma2-9b-it":         price("0.20", "0.20"),
	},
	"mistral": {
		"mistral-large-latest": price("2", "6"),
		"mistral-small-latest": price("0.20", "0.60"),
	},
	"xai": {
		"grok-3-mini": price("0.30", "0.50"),
	},
}

// providerRewrites translate aggregator routes to the native provider name.
var providerRewrites = []struct {
	from string
	to   string
}{
	{"openrouter/google/", "gemini/"},
	{"openrouter/anthropic/", "anthropic/"},
	{"openrouter/openai/", "openai/"},
	{"openrouter/mistralai/", "mistral/"},
	{"openrouter/x-ai/", "xai/"},
	{"vertex_ai/", "gemini/"},
	{"google/", "gemini/"},
	{"x-ai/", "xai/"},
}

// NameStrategy derives one candidate name from a model identifier. Each
// strategy is pure; ok is false when it does not apply.
type NameStrategy struct {
	Name    string
	Rewrite func(model string) (string, bool)
}

// DefaultStrategies is the ordered variant list tried against the general catalog.
var DefaultStrategies = []NameStrategy{
	{Name: "literal", Rewrite: literalName},
	{Name: "alias", Rewrite: canonicalAlias},
	{Name: "strip_provider", Rewrite: stripProviderPrefix},
	{Name: "provider_rewrite", Rewrite: rewriteProvider},
}

func literalName(model string) (string, bool) {
	m := strings.ToLower(strings.TrimSpace(model))
	return m, m != ""
}

func canonicalAlias(model string) (string, bool) {
	m, _ := literalName(model)
	c, ok := modelAliases[m]
	return c, ok
}

func stripProviderPrefix(model string) (string, bool) {
	m, _ := literalName(model)
	_, rest, found := strings.Cut(m, "/")
	if !found || rest == "" {
		return "", false
	}
	return rest, true
}

func rewriteProvider(model string) (string, bool) {
	m, _ := literalName(model)
	for _, r := range providerRewrites {
		if strings.HasPrefix(m, r.from) {
			return r.to + strings.TrimPrefix(m, r.from), true
		}
	}
	return "", false
}

// Pricing sources reported on every priced usage.
const (
	PriceSourceTable    = "table"
	PriceSourceCatalog  = "catalog"
	PriceSourceUnpriced = "unpriced"
)

// PricedUsage is the result of pricing one unit of model usage.
type PricedUsage struct {
	Model            string `json:"model"`
	ResolvedModel    string `json:"resolved_model"`
	Source           string `json:"source"`
	Strategy         string `json:"strategy,omitempty"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	RawCost          Money  `json:"raw_cost"`
	Cost             Money  `json:"cost"`
}

// PricingResolver turns model usage into a billed amount. It holds only
// immutable tables, so it is safe for concurrent use.
type PricingResolver struct {
	markupBps  int64
	strategies []NameStrategy
}

// NewPricingResolver creates a resolver applying markupBps (15000 = 1.5x).
func NewPricingResolver(markupBps int64) *PricingResolver {
	return &PricingResolver{markupBps: markupBps, strategies: DefaultStrategies}
}

// Price resolves the model and computes the marked-up cost. A model that
// cannot be resolved costs zero and logs a warning.
func (r *PricingResolver) Price(model string, promptTokens, completionTokens int64) PricedUsage {
	if promptTokens < 0 {
		promptTokens = 0
	}
	if completionTokens < 0 {
		completionTokens = 0
	}
	out := PricedUsage{Model: model, PromptTokens: promptTokens, CompletionTokens: completionTokens}

	p, resolved, source, strategy, ok := r.resolve(model)
	if !ok {
		log.Warnf("[Pricing] No price for model %q, billing as zero cost", model)
		out.Source = PriceSourceUnpriced
		return out
	}
	out.ResolvedModel = resolved
	out.Source = source
	out.Strategy = strategy
	out.RawCost = p.cost(promptTokens, completionTokens)
	out.Cost = out.RawCost.MulBasisPoints(r.markupBps)
	return out
}

func (r *PricingResolver) resolve(model string) (ModelPrice, string, string, string, bool) {
	// Step 1: hardcoded table, exact or canonical alias.
	if name, ok := literalName(model); ok {
		if p, ok := hardcodedPrices[name]; ok {
			return p, name, PriceSourceTable, "literal", true
		}
	}
	if name, ok := canonicalAlias(model); ok {
		if p, ok := hardcodedPrices[name]; ok {
			return p, name, PriceSourceTable, "alias", true
		}
	}

	// Step 2: general catalog over each name variant in order.
	for _, s := range r.strategies {
		name, ok := s.Rewrite(model)
		if !ok {
			continue
		}
		if p, ok := catalogLookup(name); ok {
			return p, name, PriceSourceCatalog, s.Name, true
		}
	}
	return ModelPrice{}, "", "", "", false
}

// catalogLookup is the general token-cost function. It accepts
// "provider/model" or a bare model name and also knows the hardcoded table.
func catalogLookup(name string) (ModelPrice, bool) {
	if provider, model, found := strings.Cut(name, "/"); found {
		if p, ok := providerCatalog[provider][model]; ok {
			return p, true
		}
		if p, ok := hardcodedPrices[model]; ok {
			return p, true
		}
		return ModelPrice{}, false
	}
	if p, ok := hardcodedPrices[name]; ok {
		return p, true
	}
	for _, models := range providerCatalog {
		if p, ok := models[name]; ok {
			return p, true
		}
	}
	return ModelPrice{}, false
}
