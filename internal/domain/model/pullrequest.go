package model

import (
	"strings"
	"time"
)

// PullRequest is a single pull request identified by (repository, number),
// as fetched from the PlatformClient.
type PullRequest struct {
	RepoFullName       string
	Number             int
	Title              string
	Author             string
	HeadRef            string
	HeadSHA            string
	BaseBranch         string
	State              PRState
	Mergeable          MergeableStatus
	CheckAggregate     CheckAggregate
	ReviewDecision     ReviewDecision
	OpenConversations  int
	HasConflicts       bool
	Labels             []string
	UpdatedAt          time.Time
	NodeID             string // GraphQL node ID, used by some PlatformClient write paths.
}

// IsBotAuthored reports whether the PR's author matches any of the configured
// bot identity patterns (exact match or "[bot]" suffix match).
func (pr PullRequest) IsBotAuthored(patterns []string) bool {
	return matchesAnyIdentity(pr.Author, patterns)
}

// HeadMatchesBranchPrefix reports whether the PR's head ref starts with any
// of the configured bot branch prefixes (default "renovate/").
func (pr PullRequest) HeadMatchesBranchPrefix(prefixes []string) bool {
	for _, p := range prefixes {
		if p == "" {
			continue
		}
		if strings.HasPrefix(pr.HeadRef, p) {
			return true
		}
	}
	return false
}

// matchesAnyIdentity implements the bot.identities matching rule: a login
// matches a pattern either by an exact case-insensitive match, or — when
// the pattern ends in "[bot]" — by matching the same name with the "[bot]"
// suffix on both sides.
func matchesAnyIdentity(login string, patterns []string) bool {
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.EqualFold(login, p) {
			return true
		}
		const suffix = "[bot]"
		if strings.HasSuffix(strings.ToLower(p), suffix) && strings.HasSuffix(strings.ToLower(login), suffix) {
			pBase := strings.TrimSuffix(strings.ToLower(p), suffix)
			loginBase := strings.TrimSuffix(strings.ToLower(login), suffix)
			if pBase == loginBase {
				return true
			}
		}
	}
	return false
}
