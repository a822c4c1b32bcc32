// Package github implements the driven.PlatformClient port against the real
// GitHub REST API, using the go-github library. It layers a three-stage
// transport stack (httpcache, then go-github-ratelimit, then go-github with a
// PAT), maps responses through GetXxx() accessors only to avoid nil-pointer
// panics on absent fields, and keeps small helpers such as splitRepo
// alongside the calls that use them.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v82/github"
	"github.com/gregjones/httpcache"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"

	"github.com/ashmere/renovateagent/internal/domain/model"
	"github.com/ashmere/renovateagent/internal/domain/port/driven"
	"github.com/ashmere/renovateagent/internal/metrics"
	"github.com/ashmere/renovateagent/internal/ratelimit"
)

var _ driven.PlatformClient = (*Client)(nil)

// Client implements driven.PlatformClient using the go-github library. Every
// exported method except GetRateLimit (the quota probe that seeds the
// Governor) calls acquire before issuing a round-trip, and every round-trip
// calls observe after it returns: the Governor owns admission policy, and the Client is
// the one party that knows the per-call weight, so it is the Client's job to
// call Governor.Acquire for each round-trip it issues. The orchestrator's own
// coarse per-cycle check is a cheaper, separate early exit layered on top of
// this.
type Client struct {
	gh         *gh.Client
	governor   *ratelimit.Governor
	pacing     *ratelimit.PacingLimiter // optional; nil disables per-repo pacing.
	recorder   *metrics.Recorder        // optional; nil disables quota telemetry.
	username   string
	token      string // retained for the GraphQL Authorization header.
	graphqlURL string
}

// SetPacing attaches a PacingLimiter smoothing outbound call bursts per
// repository. Optional: a Client with no PacingLimiter only relies on the
// Governor's quota-window admission.
func (c *Client) SetPacing(p *ratelimit.PacingLimiter) { c.pacing = p }

// SetRecorder attaches a Metrics Recorder that observes every rate-limit
// header this Client reads, so /health's rate_limit_pressure term reflects
// the same quota view the Governor is acting on.
func (c *Client) SetRecorder(r *metrics.Recorder) { c.recorder = r }

// NewClient builds a Client with the production transport stack:
//  1. httpcache (ETag-based conditional request caching)
//  2. go-github-ratelimit (secondary rate-limit middleware, sleeps on 403/429)
//  3. go-github (REST client, PAT auth)
func NewClient(token, username string, governor *ratelimit.Governor) *Client {
	cacheTransport := httpcache.NewMemoryCacheTransport()
	rateLimitClient := github_ratelimit.NewClient(cacheTransport)
	client := gh.NewClient(rateLimitClient).WithAuthToken(token)

	return &Client{
		gh:         client,
		governor:   governor,
		username:   username,
		token:      token,
		graphqlURL: "https://api.github.com/graphql",
	}
}

// NewClientWithHTTPClient builds a Client against a custom http.Client and
// base URL, for pointing at an httptest server in tests.
func NewClientWithHTTPClient(httpClient *http.Client, baseURL, username, token string, governor *ratelimit.Governor) (*Client, error) {
	client := gh.NewClient(httpClient)

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	client.BaseURL = u

	graphqlU := *u
	graphqlU.Path = "/graphql"

	return &Client{
		gh:         client,
		governor:   governor,
		username:   username,
		token:      token,
		graphqlURL: graphqlU.String(),
	}, nil
}

// acquire asks the Governor for permission to spend weight API calls,
// first pacing through the per-repo PacingLimiter (if one is attached) so a
// single cycle's burst of list/get calls doesn't spend the whole quota
// window at once. It is the Client's half of the contract described on
// driven.PlatformClient. repoFullName is the pacing key; pass "" for calls
// with no natural repository (e.g. CurrentUser).
func (c *Client) acquire(ctx context.Context, weight int, repoFullName string) error {
	if c.pacing != nil {
		if err := c.pacing.Wait(ctx, repoFullName); err != nil {
			return err
		}
	}
	admitted, delay := c.governor.Acquire(weight)
	if !admitted {
		return &driven.RateLimitedError{ResetAt: time.Now().Add(delay)}
	}
	return nil
}

// observe feeds a response's rate-limit headers back into the Governor: it
// is the only path by which the Governor's view of remaining/limit/reset_at
// is refreshed. It also mirrors that observation into the Metrics Recorder,
// when one is attached, so the health-score formula's rate_limit_pressure
// term reflects the platform's own view rather than a default.
func (c *Client) observe(resp *gh.Response) {
	if resp == nil {
		return
	}
	c.governor.Observe(resp.Rate.Remaining, resp.Rate.Limit, resp.Rate.Reset.Time)
	if c.recorder != nil {
		usage := 0.0
		if resp.Rate.Limit > 0 {
			usage = float64(resp.Rate.Limit-resp.Rate.Remaining) / float64(resp.Rate.Limit)
		}
		c.recorder.RecordRateLimit(resp.Rate.Remaining, usage)
	}
	if resp.Rate.Remaining < 100 {
		slog.Warn("github rate limit low", "remaining", resp.Rate.Remaining, "reset_in", time.Until(resp.Rate.Reset.Time).Round(time.Second))
	}
}

// classifyError wraps a go-github error in the port's sentinel errors, keyed
// off the HTTP status code via an errors.As(err, &ghErr) unwrap.
func classifyError(err error, resp *gh.Response) error {
	if err == nil {
		return nil
	}

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	var ghErr *gh.ErrorResponse
	if status == 0 && errors.As(err, &ghErr) && ghErr.Response != nil {
		status = ghErr.Response.StatusCode
	}

	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %v", driven.ErrNotFound, err)
	case status == http.StatusForbidden:
		return fmt.Errorf("%w: %v", driven.ErrForbidden, err)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", driven.ErrRateLimited, err)
	case status >= 500:
		return fmt.Errorf("%w: %v", driven.ErrTransient, err)
	case status == 0:
		// No HTTP response at all: a network error, a context cancellation,
		// or a transport-level failure. Treat as transient so the
		// processor's retry-with-backoff applies.
		return fmt.Errorf("%w: %v", driven.ErrTransient, err)
	default:
		return err
	}
}

// GetRepoMeta fetches repository metadata; the orchestrator consults the
// archived flag before spending a cycle on a repository ignore_archived
// excludes.
func (c *Client) GetRepoMeta(ctx context.Context, repoFullName string) (model.Repository, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return model.Repository{}, fmt.Errorf("%w: %v", driven.ErrMalformed, err)
	}

	if err := c.acquire(ctx, 1, repoFullName); err != nil {
		return model.Repository{}, err
	}
	r, resp, err := c.gh.Repositories.Get(ctx, owner, repo)
	c.observe(resp)
	if err != nil {
		return model.Repository{}, fmt.Errorf("fetching repository %s: %w", repoFullName, classifyError(err, resp))
	}

	return model.Repository{
		FullName: repoFullName,
		Owner:    owner,
		Name:     repo,
		Archived: r.GetArchived(),
	}, nil
}

// ListOpenPRs lists every open pull request in repoFullName and maps each
// into model.PullRequest, including its CheckAggregate.
func (c *Client) ListOpenPRs(ctx context.Context, repoFullName string) ([]model.PullRequest, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", driven.ErrMalformed, err)
	}

	opts := &gh.PullRequestListOptions{
		State:       "open",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: gh.ListOptions{PerPage: 100},
	}

	var result []model.PullRequest
	for {
		if err := c.acquire(ctx, 1, repoFullName); err != nil {
			return nil, err
		}
		prs, resp, err := c.gh.PullRequests.List(ctx, owner, repo, opts)
		c.observe(resp)
		if err != nil {
			return nil, fmt.Errorf("listing pull requests for %s: %w", repoFullName, classifyError(err, resp))
		}

		for _, pr := range prs {
			mapped, err := c.enrichPullRequest(ctx, owner, repo, repoFullName, pr)
			if err != nil {
				return nil, err
			}
			result = append(result, mapped)
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	if result == nil {
		result = []model.PullRequest{}
	}
	return result, nil
}

// GetPR fetches a single PR's current detail, bypassing any cache.
func (c *Client) GetPR(ctx context.Context, repoFullName string, number int) (model.PullRequest, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return model.PullRequest{}, fmt.Errorf("%w: %v", driven.ErrMalformed, err)
	}

	if err := c.acquire(ctx, 1, repoFullName); err != nil {
		return model.PullRequest{}, err
	}
	pr, resp, err := c.gh.PullRequests.Get(ctx, owner, repo, number)
	c.observe(resp)
	if err != nil {
		return model.PullRequest{}, fmt.Errorf("fetching PR %s#%d: %w", repoFullName, number, classifyError(err, resp))
	}

	return c.enrichPullRequest(ctx, owner, repo, repoFullName, pr)
}

// enrichPullRequest maps the raw PR plus its check state and review decision
// into the domain model. It issues the additional calls GetPR/ListOpenPRs
// both need: check runs, combined status, required-check contexts, and
// review decision.
func (c *Client) enrichPullRequest(ctx context.Context, owner, repo, repoFullName string, pr *gh.PullRequest) (model.PullRequest, error) {
	headSHA := pr.GetHead().GetSHA()

	checkRuns, combined, err := c.fetchChecks(ctx, owner, repo, repoFullName, headSHA)
	if err != nil {
		return model.PullRequest{}, err
	}

	requiredContexts, err := c.fetchRequiredStatusChecks(ctx, owner, repo, repoFullName, pr.GetBase().GetRef())
	if err != nil {
		return model.PullRequest{}, err
	}

	reviewMeta, err := c.fetchReviewMetadata(ctx, owner, repo, pr.GetNumber(), headSHA)
	if err != nil {
		// reviewDecision/reviewThreads are GraphQL-only fields with no REST
		// equivalent; a failure to fetch them degrades to "none"/zero rather
		// than failing the whole PR fetch.
		reviewMeta = reviewMetadata{Decision: model.ReviewDecisionNone}
	}

	labels := make([]string, 0, len(pr.Labels))
	for _, l := range pr.Labels {
		labels = append(labels, l.GetName())
	}

	state := model.PRStateOpen
	switch {
	case !pr.GetMergedAt().IsZero():
		state = model.PRStateMerged
	case pr.GetState() == "closed":
		state = model.PRStateClosed
	}

	return model.PullRequest{
		RepoFullName:      repoFullName,
		Number:            pr.GetNumber(),
		Title:             pr.GetTitle(),
		Author:            pr.GetUser().GetLogin(),
		HeadRef:           pr.GetHead().GetRef(),
		HeadSHA:           headSHA,
		BaseBranch:        pr.GetBase().GetRef(),
		State:             state,
		Mergeable:         mapMergeable(pr.Mergeable),
		CheckAggregate:    aggregateChecks(checkRuns, combined, requiredContexts),
		ReviewDecision:    reviewMeta.Decision,
		OpenConversations: reviewMeta.OpenConversations,
		HasConflicts:      pr.GetMergeableState() == "dirty",
		Labels:            labels,
		UpdatedAt:         pr.GetUpdatedAt().Time,
		NodeID:            pr.GetNodeID(),
	}, nil
}

// fetchChecks fetches both check-runs and combined commit status for ref,
// the two data sources that get folded into a single CheckAggregate.
func (c *Client) fetchChecks(ctx context.Context, owner, repo, repoFullName, ref string) ([]*gh.CheckRun, *gh.CombinedStatus, error) {
	var allRuns []*gh.CheckRun
	opts := &gh.ListCheckRunsOptions{ListOptions: gh.ListOptions{PerPage: 100}}
	for {
		if err := c.acquire(ctx, 1, repoFullName); err != nil {
			return nil, nil, err
		}
		result, resp, err := c.gh.Checks.ListCheckRunsForRef(ctx, owner, repo, ref, opts)
		c.observe(resp)
		if err != nil {
			return nil, nil, fmt.Errorf("listing check runs for %s@%s: %w", repoFullName, ref, classifyError(err, resp))
		}
		allRuns = append(allRuns, result.CheckRuns...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	if err := c.acquire(ctx, 1, repoFullName); err != nil {
		return nil, nil, err
	}
	combined, resp, err := c.gh.Repositories.GetCombinedStatus(ctx, owner, repo, ref, nil)
	c.observe(resp)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching combined status for %s@%s: %w", repoFullName, ref, classifyError(err, resp))
	}

	return allRuns, combined, nil
}

// fetchRequiredStatusChecks returns the required-check contexts for branch,
// or nil if the branch is unprotected or we lack permission to see its
// protection rules (both treated as "no required checks known").
func (c *Client) fetchRequiredStatusChecks(ctx context.Context, owner, repo, repoFullName, branch string) ([]string, error) {
	if err := c.acquire(ctx, 1, repoFullName); err != nil {
		return nil, err
	}
	checks, resp, err := c.gh.Repositories.GetRequiredStatusChecks(ctx, owner, repo, branch)
	c.observe(resp)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching required status checks for %s branch %s: %w", repoFullName, branch, classifyError(err, resp))
	}

	entries := checks.GetChecks()
	if entries == nil {
		return nil, nil
	}
	contexts := make([]string, 0, len(entries))
	for _, entry := range entries {
		contexts = append(contexts, entry.Context)
	}
	return contexts, nil
}

// aggregateChecks combines check-runs and commit statuses into a single
// CheckAggregate: failure beats pending beats success. A completed check run
// counts as success only with a success or neutral conclusion; failure,
// cancelled or timed_out counts as failure, and any other conclusion counts
// as pending. When requiredContexts
// is non-empty, only checks/statuses matching a required context name are
// considered; an empty set falls back to considering everything (branch
// protection unavailable, so every check counts).
func aggregateChecks(checkRuns []*gh.CheckRun, combined *gh.CombinedStatus, requiredContexts []string) model.CheckAggregate {
	required := make(map[string]bool, len(requiredContexts))
	for _, ctxName := range requiredContexts {
		required[strings.ToLower(ctxName)] = true
	}
	restrictToRequired := len(required) > 0

	var hasFailing, hasPending bool
	for _, cr := range checkRuns {
		if restrictToRequired && !required[strings.ToLower(cr.GetName())] {
			continue
		}
		if cr.GetStatus() != "completed" {
			hasPending = true
			continue
		}
		switch cr.GetConclusion() {
		case "failure", "cancelled", "canceled", "timed_out":
			hasFailing = true
		case "success", "neutral":
		default:
			hasPending = true
		}
	}

	if combined != nil {
		for _, s := range combined.Statuses {
			if restrictToRequired && !required[strings.ToLower(s.GetContext())] {
				continue
			}
			switch s.GetState() {
			case "failure", "error":
				hasFailing = true
			case "pending":
				hasPending = true
			}
		}
	}

	if len(checkRuns) == 0 && (combined == nil || len(combined.Statuses) == 0) {
		return model.CheckAggregatePending
	}
	if hasFailing {
		return model.CheckAggregateFailure
	}
	if hasPending {
		return model.CheckAggregatePending
	}
	return model.CheckAggregateSuccess
}

// ListChecks returns the individual checks on a PR's head commit, marking
// which ones are required by branch protection — used by the PR Processor to
// find a failed lock-file check, not for the gating decision itself, which
// GetPR/ListOpenPRs already fold into CheckAggregate.
func (c *Client) ListChecks(ctx context.Context, repoFullName string, number int) ([]model.Check, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", driven.ErrMalformed, err)
	}

	if err := c.acquire(ctx, 1, repoFullName); err != nil {
		return nil, err
	}
	pr, resp, err := c.gh.PullRequests.Get(ctx, owner, repo, number)
	c.observe(resp)
	if err != nil {
		return nil, fmt.Errorf("fetching PR %s#%d: %w", repoFullName, number, classifyError(err, resp))
	}

	headSHA := pr.GetHead().GetSHA()
	checkRuns, combined, err := c.fetchChecks(ctx, owner, repo, repoFullName, headSHA)
	if err != nil {
		return nil, err
	}
	requiredContexts, err := c.fetchRequiredStatusChecks(ctx, owner, repo, repoFullName, pr.GetBase().GetRef())
	if err != nil {
		return nil, err
	}
	required := make(map[string]bool, len(requiredContexts))
	for _, ctxName := range requiredContexts {
		required[strings.ToLower(ctxName)] = true
	}

	statuses := combinedStatuses(combined)
	checks := make([]model.Check, 0, len(checkRuns)+len(statuses))
	for _, cr := range checkRuns {
		checks = append(checks, model.Check{
			Name:       cr.GetName(),
			Status:     cr.GetStatus(),
			Conclusion: cr.GetConclusion(),
			IsRequired: required[strings.ToLower(cr.GetName())],
		})
	}
	for _, s := range statuses {
		checks = append(checks, model.Check{
			Name:       s.GetContext(),
			Status:     "completed",
			Conclusion: s.GetState(),
			IsRequired: required[strings.ToLower(s.GetContext())],
		})
	}
	return checks, nil
}

func combinedStatuses(combined *gh.CombinedStatus) []*gh.RepoStatus {
	if combined == nil {
		return nil
	}
	return combined.Statuses
}

// GetRateLimit queries GitHub's own rate-limit endpoint directly, used to
// seed the Governor's view before any other call has populated it via
// observe.
func (c *Client) GetRateLimit(ctx context.Context) (model.RateSnapshot, error) {
	limits, resp, err := c.gh.RateLimit.Get(ctx)
	c.observe(resp)
	if err != nil {
		return model.RateSnapshot{}, fmt.Errorf("fetching rate limit: %w", classifyError(err, resp))
	}
	core := limits.GetCore()
	return model.RateSnapshot{
		Remaining: core.Remaining,
		Limit:     core.Limit,
		ResetAt:   core.Reset.Time,
	}, nil
}

// CurrentUser resolves the authenticated actor's login and stores it for
// HasApproved's self-review lookup, returning the resolved login. Called
// once at startup, since PAT identity doesn't change for the process
// lifetime.
func (c *Client) CurrentUser(ctx context.Context) (string, error) {
	if err := c.acquire(ctx, 1, ""); err != nil {
		return "", err
	}
	user, resp, err := c.gh.Users.Get(ctx, "")
	c.observe(resp)
	if err != nil {
		return "", fmt.Errorf("resolving authenticated user: %w", classifyError(err, resp))
	}
	c.username = user.GetLogin()
	return c.username, nil
}

// mapMergeable converts GitHub's tri-state mergeable pointer to a
// MergeableStatus: nil means not yet computed, true mergeable, false
// conflicted.
func mapMergeable(mergeable *bool) model.MergeableStatus {
	if mergeable == nil {
		return model.MergeableUnknown
	}
	if *mergeable {
		return model.MergeableMergeable
	}
	return model.MergeableConflicted
}

// splitRepo splits a "owner/repo" string into its two components.
func splitRepo(fullName string) (string, string, error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo name %q: expected owner/repo", fullName)
	}
	return parts[0], parts[1], nil
}
