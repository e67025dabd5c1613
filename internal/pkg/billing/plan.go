package billing

import (
	"strings"

	"github.com/ManuelReschke/agentbilling/internal/pkg/entitlements"
)

func normalizeTier(plan string) entitlements.Plan {
	switch p := entitlements.Plan(strings.ToLower(strings.TrimSpace(plan))); p {
	case entitlements.PlanRidiculouslyCheap, entitlements.PlanSeriousBusiness, entitlements.PlanProMax:
		return p
	default:
		return entitlements.PlanFree
	}
}

func tierRank(plan entitlements.Plan) int {
	switch normalizeTier(string(plan)) {
	case entitlements.PlanProMax:
		return 3
	case entitlements.PlanSeriousBusiness:
		return 2
	case entitlements.PlanRidiculouslyCheap:
		return 1
	default:
		return 0
	}
}

func normalizeInterval(interval string) string {
	i := strings.ToLower(strings.TrimSpace(interval))
	switch i {
	case "month", "year":
		return i
	default:
		return "unknown"
	}
}

func isEntitlingStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing", "past_due":
		return true
	default:
		return false
	}
}
