package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Fingerprint is a fixed-size digest over the six action-relevant fields of a
// pull request. Two fingerprints compare by equality only; no other field of
// PullRequest may influence it.
type Fingerprint string

// ComputeFingerprint digests exactly six inputs: state, head commit id,
// mergeable flag, aggregated check status, review decision, and conflict
// flag. Any other field change on the PR must not alter the result.
//
// OpenConversations is deliberately excluded: it is ambient dashboard
// display data, not a gating signal, and an unresolved review thread alone
// does not change what action the PR Processor takes on a PR (that's
// already governed by ReviewDecision, which folds in whether outstanding
// changes were requested). Re-running the pipeline on every conversation
// reply without any corresponding state-machine consequence would just
// spend API quota for no behavioral change.
func ComputeFingerprint(pr PullRequest) Fingerprint {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%t",
		pr.State,
		pr.HeadSHA,
		pr.Mergeable,
		pr.CheckAggregate,
		pr.ReviewDecision,
		pr.HasConflicts,
	)
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// ChangeKind classifies the result of diffing a PR's current fingerprint
// against its last-recorded one.
type ChangeKind string

// ChangeKind values.
const (
	ChangeNew       ChangeKind = "new"
	ChangeChanged   ChangeKind = "changed"
	ChangeUnchanged ChangeKind = "unchanged"
	ChangeVanished  ChangeKind = "vanished"
)

// Change is the result of State Tracker's diff operation for a single PR.
type Change struct {
	Kind     ChangeKind
	Previous Fingerprint
	Current  Fingerprint
}
