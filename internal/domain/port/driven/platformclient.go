// Package driven defines the secondary ports the core consumes: the
// source-hosting platform client and the per-language lock-file fixer.
// Concrete implementations live under internal/adapter/driven; the core
// never imports them directly.
package driven

import (
	"context"
	"errors"
	"time"

	"github.com/ashmere/renovateagent/internal/domain/model"
)

// Sentinel errors a PlatformClient implementation wraps its typed errors
// around, so callers can use errors.Is regardless of the concrete adapter.
var (
	ErrNotFound    = errors.New("platform: not found")
	ErrForbidden   = errors.New("platform: forbidden")
	ErrRateLimited = errors.New("platform: rate limited")
	ErrTransient   = errors.New("platform: transient")
	ErrMalformed   = errors.New("platform: malformed response")
)

// RateLimitedError carries the reset time for an ErrRateLimited failure.
type RateLimitedError struct {
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string { return "platform: rate limited" }
func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// Issue is the minimal issue shape the State Tracker needs: title, body,
// and number for later updates.
type Issue struct {
	Number int
	Title  string
	Body   string
}

// PlatformClient is the capability the core consumes from the concrete
// source-hosting platform adapter. Every call must be admitted by the
// Rate-Limit Governor before being issued; the concrete adapter is
// responsible for actually calling Governor.acquire, since only it knows the
// per-call weight.
type PlatformClient interface {
	// GetRepoMeta resolves repository metadata (notably the archived flag,
	// which the orchestrator consults when ignore_archived is set).
	GetRepoMeta(ctx context.Context, repoFullName string) (model.Repository, error)
	ListOpenPRs(ctx context.Context, repoFullName string) ([]model.PullRequest, error)
	GetPR(ctx context.Context, repoFullName string, number int) (model.PullRequest, error)
	ListChecks(ctx context.Context, repoFullName string, number int) ([]model.Check, error)
	ApprovePR(ctx context.Context, repoFullName string, number int, body string) error
	// HasApproved reports whether the authenticated actor has already
	// approved the given PR.
	HasApproved(ctx context.Context, repoFullName string, number int) (bool, error)
	GetIssueByTitle(ctx context.Context, repoFullName string, title string) (*Issue, error)
	CreateIssue(ctx context.Context, repoFullName string, title, body string) (Issue, error)
	UpdateIssue(ctx context.Context, repoFullName string, number int, body string) error
	GetRateLimit(ctx context.Context) (model.RateSnapshot, error)
}
