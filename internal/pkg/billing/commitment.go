package billing

import (
	"strconv"
	"time"
)

// MetadataCommitmentStart is the subscription metadata key recording when a
// yearly commitment began. Written on every switch to a yearly price.
const MetadataCommitmentStart = "commitment_start"

// CommitmentInfo is derived from a subscription on demand and never stored.
type CommitmentInfo struct {
	HasCommitment   bool       `json:"has_commitment"`
	CanCancel       bool       `json:"can_cancel"`
	CommitmentStart *time.Time `json:"commitment_start,omitempty"`
	CommitmentEnd   *time.Time `json:"commitment_end,omitempty"`
	MonthsRemaining int        `json:"months_remaining"`
}

// deriveCommitment reports the yearly lock-in state of sub at now.
// committed is whether the subscription's price carries a commitment.
func deriveCommitment(sub *Subscription, committed bool, now time.Time) CommitmentInfo {
	if sub == nil || !committed {
		return CommitmentInfo{CanCancel: true}
	}
	start := commitmentStart(sub)
	end := start.AddDate(1, 0, 0)
	info := CommitmentInfo{
		CommitmentStart: &start,
		CommitmentEnd:   &end,
	}
	if now.Before(end) {
		info.HasCommitment = true
		info.MonthsRemaining = MonthsRemaining(now, end)
	} else {
		info.CanCancel = true
	}
	return info
}

// commitmentStart reads the metadata marker, accepting RFC3339 or unix
// seconds, and falls back to the subscription start date.
func commitmentStart(sub *Subscription) time.Time {
	if raw := sub.Metadata[MetadataCommitmentStart]; raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t.UTC()
		}
		if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
			return time.Unix(secs, 0).UTC()
		}
	}
	if !sub.StartDate.IsZero() {
		return sub.StartDate.UTC()
	}
	return sub.Created.UTC()
}

// MonthsRemaining counts whole calendar months between now and end, not
// counting the month in progress. Never negative.
func MonthsRemaining(now, end time.Time) int {
	now, end = now.UTC(), end.UTC()
	months := (end.Year()-now.Year())*12 + int(end.Month()) - int(now.Month()) - 1
	if months < 0 {
		return 0
	}
	return months
}
