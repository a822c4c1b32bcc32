package github

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gh "github.com/google/go-github/v82/github"

	"github.com/ashmere/renovateagent/internal/domain/port/driven"
)

// ApprovePR submits an APPROVE review on the PR, re-fetching the current
// head SHA first to avoid the 422 "commit not found" GitHub raises when the
// review targets a stale commit.
func (c *Client) ApprovePR(ctx context.Context, repoFullName string, number int, body string) error {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return fmt.Errorf("%w: %v", driven.ErrMalformed, err)
	}

	if err := c.acquire(ctx, 1, repoFullName); err != nil {
		return err
	}
	pr, resp, err := c.gh.PullRequests.Get(ctx, owner, repo, number)
	c.observe(resp)
	if err != nil {
		return fmt.Errorf("fetching PR %s#%d before approval: %w", repoFullName, number, classifyError(err, resp))
	}

	review := &gh.PullRequestReviewRequest{
		CommitID: gh.Ptr(pr.GetHead().GetSHA()),
		Event:    gh.Ptr("APPROVE"),
	}
	if body != "" {
		review.Body = gh.Ptr(body)
	}

	if err := c.acquire(ctx, 1, repoFullName); err != nil {
		return err
	}
	_, resp, err = c.gh.PullRequests.CreateReview(ctx, owner, repo, number, review)
	c.observe(resp)
	if err != nil {
		var ghErr *gh.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == 422 {
			return fmt.Errorf("%w: PR %s#%d changed since fetch, retry: %v", driven.ErrTransient, repoFullName, number, err)
		}
		return fmt.Errorf("approving %s#%d: %w", repoFullName, number, classifyError(err, resp))
	}

	return nil
}

// HasApproved reports whether the authenticated actor's most recent review
// on the PR is an approval. Reviews are returned in submission order, so the
// last one matching c.username wins — a subsequent re-review (e.g. after a
// force-push) always supersedes an earlier approval.
func (c *Client) HasApproved(ctx context.Context, repoFullName string, number int) (bool, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return false, fmt.Errorf("%w: %v", driven.ErrMalformed, err)
	}

	opts := &gh.ListOptions{PerPage: 100}
	var lastState string
	for {
		if err := c.acquire(ctx, 1, repoFullName); err != nil {
			return false, err
		}
		reviews, resp, err := c.gh.PullRequests.ListReviews(ctx, owner, repo, number, opts)
		c.observe(resp)
		if err != nil {
			return false, fmt.Errorf("listing reviews for %s#%d: %w", repoFullName, number, classifyError(err, resp))
		}

		for _, r := range reviews {
			if !strings.EqualFold(r.GetUser().GetLogin(), c.username) {
				continue
			}
			lastState = r.GetState()
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return lastState == "APPROVED", nil
}

// GetIssueByTitle searches repoFullName's issues for an exact (case-sensitive)
// title match, returning nil, nil when none exists — the State Tracker uses
// this to find the dashboard issue before deciding whether to create one.
func (c *Client) GetIssueByTitle(ctx context.Context, repoFullName string, title string) (*driven.Issue, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", driven.ErrMalformed, err)
	}

	opts := &gh.IssueListByRepoOptions{
		State:       "all",
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	for {
		if err := c.acquire(ctx, 1, repoFullName); err != nil {
			return nil, err
		}
		issues, resp, err := c.gh.Issues.ListByRepo(ctx, owner, repo, opts)
		c.observe(resp)
		if err != nil {
			return nil, fmt.Errorf("listing issues for %s: %w", repoFullName, classifyError(err, resp))
		}

		for _, issue := range issues {
			if issue.IsPullRequest() {
				continue
			}
			if issue.GetTitle() == title {
				return &driven.Issue{
					Number: issue.GetNumber(),
					Title:  issue.GetTitle(),
					Body:   issue.GetBody(),
				}, nil
			}
		}

		if resp.NextPage == 0 {
			break
		}
		opts.ListOptions.Page = resp.NextPage
	}

	return nil, nil
}

// CreateIssue creates the dashboard issue.
func (c *Client) CreateIssue(ctx context.Context, repoFullName string, title, body string) (driven.Issue, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return driven.Issue{}, fmt.Errorf("%w: %v", driven.ErrMalformed, err)
	}

	if err := c.acquire(ctx, 1, repoFullName); err != nil {
		return driven.Issue{}, err
	}
	issue, resp, err := c.gh.Issues.Create(ctx, owner, repo, &gh.IssueRequest{
		Title: gh.Ptr(title),
		Body:  gh.Ptr(body),
	})
	c.observe(resp)
	if err != nil {
		return driven.Issue{}, fmt.Errorf("creating dashboard issue on %s: %w", repoFullName, classifyError(err, resp))
	}

	return driven.Issue{Number: issue.GetNumber(), Title: issue.GetTitle(), Body: issue.GetBody()}, nil
}

// UpdateIssue replaces the dashboard issue's body under a single-writer
// contract: the caller holds the per-repo lock for the duration.
func (c *Client) UpdateIssue(ctx context.Context, repoFullName string, number int, body string) error {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return fmt.Errorf("%w: %v", driven.ErrMalformed, err)
	}

	if err := c.acquire(ctx, 1, repoFullName); err != nil {
		return err
	}
	_, resp, err := c.gh.Issues.Edit(ctx, owner, repo, number, &gh.IssueRequest{Body: gh.Ptr(body)})
	c.observe(resp)
	if err != nil {
		return fmt.Errorf("updating dashboard issue %s#%d: %w", repoFullName, number, classifyError(err, resp))
	}

	return nil
}
