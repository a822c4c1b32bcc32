package model

import "time"

// Check is a single check run or commit status on a PR's head commit, as
// returned by PlatformClient.ListChecks.
type Check struct {
	Name       string
	Status     string // "queued", "in_progress", "completed", or a commit-status state.
	Conclusion string // "success", "failure", "neutral", "cancelled", "timed_out", "skipped", "action_required", or "" if not completed.
	IsRequired bool
}

// RateSnapshot is the PlatformClient's view of the remote API quota, as
// returned by GetRateLimit and by the per-response headers passed to
// Governor.observe.
type RateSnapshot struct {
	Remaining int
	Limit     int
	ResetAt   time.Time
}
