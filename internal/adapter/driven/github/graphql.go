package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ashmere/renovateagent/internal/domain/model"
)

// graphqlHTTPClient is the client used for the handful of GraphQL-only
// fields this adapter needs (reviewDecision, unresolved review threads, and
// the latest review's commit have no REST equivalent): a raw http.Client
// POST rather than a GraphQL SDK, since a few fixed queries don't warrant
// adopting one.
var graphqlHTTPClient = &http.Client{Timeout: 30 * time.Second}

// reviewMetadataQuery fetches everything enrichPullRequest needs from
// GraphQL in one round-trip: the aggregate review decision, the set of
// review threads (to count unresolved ones), and the most recent reviews
// (to detect a stale approval left over from before the latest push).
const reviewMetadataQuery = `query($owner: String!, $repo: String!, $pr: Int!) {
	repository(owner: $owner, name: $repo) {
		pullRequest(number: $pr) {
			reviewDecision
			reviewThreads(first: 100) {
				nodes { isResolved }
			}
			reviews(last: 10, states: [APPROVED, CHANGES_REQUESTED]) {
				nodes {
					state
					commit { oid }
				}
			}
		}
	}
}`

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type reviewMetadataResponse struct {
	Data struct {
		Repository struct {
			PullRequest struct {
				ReviewDecision string `json:"reviewDecision"`
				ReviewThreads  struct {
					Nodes []struct {
						IsResolved bool `json:"isResolved"`
					} `json:"nodes"`
				} `json:"reviewThreads"`
				Reviews struct {
					Nodes []reviewNode `json:"nodes"`
				} `json:"reviews"`
			} `json:"pullRequest"`
		} `json:"repository"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type reviewNode struct {
	State  string `json:"state"`
	Commit struct {
		Oid string `json:"oid"`
	} `json:"commit"`
}

// reviewMetadata is what fetchReviewMetadata resolves, folded into the
// domain model by enrichPullRequest.
type reviewMetadata struct {
	Decision          model.ReviewDecision
	OpenConversations int
}

// fetchReviewMetadata queries GitHub's GraphQL API for the review-state
// fields the REST API has no equivalent for. The raw reviewDecision is
// downgraded from approved to none when the most recent APPROVED review's
// commit no longer matches headSHA: GitHub's own reviewDecision does not
// reliably account for this unless the repository's branch protection
// requires re-review on push, so the agent applies the same staleness rule
// unconditionally before letting the decision feed the fingerprint.
func (c *Client) fetchReviewMetadata(ctx context.Context, owner, repo string, number int, headSHA string) (reviewMetadata, error) {
	if c.token == "" {
		return reviewMetadata{Decision: model.ReviewDecisionNone}, nil
	}

	// GraphQL round-trips spend quota too; they go through the same
	// admission gate as every REST call.
	if err := c.acquire(ctx, 1, owner+"/"+repo); err != nil {
		return reviewMetadata{}, err
	}

	body, err := json.Marshal(graphqlRequest{
		Query: reviewMetadataQuery,
		Variables: map[string]any{
			"owner": owner,
			"repo":  repo,
			"pr":    number,
		},
	})
	if err != nil {
		return reviewMetadata{}, fmt.Errorf("marshaling reviewMetadata query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphqlURL, bytes.NewReader(body))
	if err != nil {
		return reviewMetadata{}, fmt.Errorf("creating reviewMetadata request: %w", err)
	}
	req.Header.Set("Authorization", "bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := graphqlHTTPClient.Do(req)
	if err != nil {
		return reviewMetadata{}, fmt.Errorf("reviewMetadata request for %s/%s#%d: %w", owner, repo, number, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return reviewMetadata{}, fmt.Errorf("reviewMetadata request for %s/%s#%d: HTTP %d", owner, repo, number, resp.StatusCode)
	}

	var decoded reviewMetadataResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return reviewMetadata{}, fmt.Errorf("decoding reviewMetadata response: %w", err)
	}
	if len(decoded.Errors) > 0 {
		return reviewMetadata{}, fmt.Errorf("reviewMetadata query error: %s", decoded.Errors[0].Message)
	}

	pr := decoded.Data.Repository.PullRequest

	open := 0
	for _, n := range pr.ReviewThreads.Nodes {
		if !n.IsResolved {
			open++
		}
	}

	decision := model.ReviewDecisionNone
	switch pr.ReviewDecision {
	case "APPROVED":
		decision = model.ReviewDecisionApproved
	case "CHANGES_REQUESTED":
		decision = model.ReviewDecisionChangesRequested
	}

	if decision == model.ReviewDecisionApproved && isLatestApprovalStale(pr.Reviews.Nodes, headSHA) {
		decision = model.ReviewDecisionNone
	}

	return reviewMetadata{Decision: decision, OpenConversations: open}, nil
}

// isLatestApprovalStale reports whether the most recent review in the
// (chronologically ascending) reviews list is an APPROVED review submitted
// against a commit other than headSHA: an approval left behind by a push
// that happened afterward.
func isLatestApprovalStale(reviews []reviewNode, headSHA string) bool {
	if len(reviews) == 0 {
		return false
	}
	latest := reviews[len(reviews)-1]
	return latest.State == "APPROVED" && latest.Commit.Oid != "" && latest.Commit.Oid != headSHA
}
