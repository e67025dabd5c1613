package billing

import (
	"testing"

	"github.com/ManuelReschke/agentbilling/internal/pkg/entitlements"
)

func TestNormalizeTier(t *testing.T) {
	tests := []struct {
		in   string
		want entitlements.Plan
	}{
		{in: "free", want: entitlements.PlanFree},
		{in: "tier_ridiculously_cheap", want: entitlements.PlanRidiculouslyCheap},
		{in: "tier_serious_business", want: entitlements.PlanSeriousBusiness},
		{in: "TIER_PRO_MAX", want: entitlements.PlanProMax},
		{in: "premium", want: entitlements.PlanFree},
	}

	for _, tt := range tests {
		if got := normalizeTier(tt.in); got != tt.want {
			t.Fatalf("normalizeTier(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTierRank(t *testing.T) {
	if tierRank(entitlements.PlanFree) >= tierRank(entitlements.PlanRidiculouslyCheap) {
		t.Fatalf("expected ridiculously cheap to outrank free")
	}
	if tierRank(entitlements.PlanSeriousBusiness) >= tierRank(entitlements.PlanProMax) {
		t.Fatalf("expected pro max to outrank serious business")
	}
	for _, tier := range tierTable {
		if tierRank(tier.Name) != tier.Rank {
			t.Fatalf("tier %q rank %d does not match table rank %d", tier.Name, tierRank(tier.Name), tier.Rank)
		}
	}
}

func TestNormalizeInterval(t *testing.T) {
	for in, want := range map[string]string{"month": "month", " YEAR ": "year", "week": "unknown", "": "unknown"} {
		if got := normalizeInterval(in); got != want {
			t.Fatalf("normalizeInterval(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsEntitlingStatus(t *testing.T) {
	for _, status := range []string{"active", "trialing", "past_due"} {
		if !isEntitlingStatus(status) {
			t.Fatalf("expected status %q to be entitling", status)
		}
	}
	for _, status := range []string{"canceled", "incomplete", "unpaid", "paused"} {
		if isEntitlingStatus(status) {
			t.Fatalf("expected status %q to be non-entitling", status)
		}
	}
}
