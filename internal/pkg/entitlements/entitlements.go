package entitlements

import (
	"sort"
	"strings"
)

type Plan string

const (
	PlanFree              Plan = "free"
	PlanRidiculouslyCheap Plan = "tier_ridiculously_cheap"
	PlanSeriousBusiness   Plan = "tier_serious_business"
	PlanProMax            Plan = "tier_pro_max"
)

var freeModels = []string{
	"claude-3-5-haiku",
	"deepseek-chat",
	"gemini-2.5-flash",
	"gpt-4o-mini",
	"gpt-4.1-mini",
}

var paidModels = []string{
	"claude-sonnet-4",
	"claude-3-7-sonnet",
	"gemini-2.5-pro",
	"gpt-4o",
	"gpt-4.1",
	"o4-mini",
	"grok-3",
	"llama-3.3-70b-versatile",
	"qwen3-235b",
}

var maxModels = []string{
	"claude-opus-4",
	"o3",
}

// AllowedModels returns the sorted model allow-list for a plan. Unknown plans
// get the free list.
func AllowedModels(plan Plan) []string {
	var out []string
	switch normalize(plan) {
	case PlanProMax:
		out = concat(freeModels, paidModels, maxModels)
	case PlanRidiculouslyCheap, PlanSeriousBusiness:
		out = concat(freeModels, paidModels)
	default:
		out = concat(freeModels)
	}
	sort.Strings(out)
	return out
}

// CanUseModel checks a model identifier against the plan allow-list. Provider
// prefixes ("anthropic/", "openrouter/google/") are ignored.
func CanUseModel(plan Plan, model string) bool {
	m := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(m, "/"); i >= 0 {
		m = m[i+1:]
	}
	for _, allowed := range AllowedModels(plan) {
		if m == allowed || strings.HasPrefix(m, allowed+"-") {
			return true
		}
	}
	return false
}

func normalize(plan Plan) Plan {
	switch p := Plan(strings.ToLower(strings.TrimSpace(string(plan)))); p {
	case PlanRidiculouslyCheap, PlanSeriousBusiness, PlanProMax:
		return p
	default:
		return PlanFree
	}
}

func concat(lists ...[]string) []string {
	var out []string
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}
