package github_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ghAdapter "github.com/ashmere/renovateagent/internal/adapter/driven/github"
	"github.com/ashmere/renovateagent/internal/domain/model"
	"github.com/ashmere/renovateagent/internal/domain/port/driven"
	"github.com/ashmere/renovateagent/internal/ratelimit"
)

// rateHeaders stamps every response with generous rate-limit headers so the
// Governor never throttles a test run purely because httptest doesn't set
// them by default (a real GitHub response always carries them).
func rateHeaders(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Remaining", "4999")
		w.Header().Set("X-RateLimit-Reset", "9999999999")
		h.ServeHTTP(w, r)
	})
}

// newTestClient builds a Client pointed at an httptest server running mux.
func newTestClient(t *testing.T, mux *http.ServeMux) *ghAdapter.Client {
	t.Helper()
	server := httptest.NewServer(rateHeaders(mux))
	t.Cleanup(server.Close)

	client, err := ghAdapter.NewClientWithHTTPClient(server.Client(), server.URL+"/", "renovate-bot", "test-token", ratelimit.New(ratelimit.DefaultConfig()))
	require.NoError(t, err)
	return client
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// newPRDetailMux wires every endpoint ListOpenPRs/GetPR need, with empty
// checks/status/required-checks/reviewDecision results by default; tests
// override individual handlers by registering a more specific pattern isn't
// possible with ServeMux collisions, so each test builds its own mux.
func newPRDetailMux(t *testing.T, pr map[string]any, checkRuns []map[string]any, combinedState string, requiredContexts []string, reviewDecision string) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/repos/acme/web/pulls/3", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, pr)
	})
	mux.HandleFunc("/repos/acme/web/pulls", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{pr})
	})
	mux.HandleFunc("/repos/acme/web/commits/abc123/check-runs", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"total_count": len(checkRuns), "check_runs": checkRuns})
	})
	mux.HandleFunc("/repos/acme/web/commits/abc123/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"state": combinedState, "statuses": []any{}})
	})
	mux.HandleFunc("/repos/acme/web/branches/main/protection/required_status_checks", func(w http.ResponseWriter, r *http.Request) {
		if len(requiredContexts) == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		checks := make([]map[string]any, 0, len(requiredContexts))
		for _, ctxName := range requiredContexts {
			checks = append(checks, map[string]any{"context": ctxName})
		}
		writeJSON(w, map[string]any{"checks": checks})
	})
	mux.HandleFunc("/graphql", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"data": map[string]any{
				"repository": map[string]any{
					"pullRequest": map[string]any{"reviewDecision": reviewDecision},
				},
			},
		})
	})
	return mux
}

func samplePR() map[string]any {
	return map[string]any{
		"number":         3,
		"state":          "open",
		"user":           map[string]any{"login": "renovate[bot]"},
		"head":           map[string]any{"ref": "renovate/go-1.x", "sha": "abc123"},
		"base":           map[string]any{"ref": "main"},
		"mergeable":      true,
		"mergeable_state": "clean",
		"labels":         []any{map[string]any{"name": "dependencies"}},
		"updated_at":     "2026-07-01T00:00:00Z",
		"node_id":        "PR_node123",
	}
}

func TestGetPR_MapsFieldsAndAggregatesSuccess(t *testing.T) {
	checkRuns := []map[string]any{
		{"name": "build", "status": "completed", "conclusion": "success"},
	}
	mux := newPRDetailMux(t, samplePR(), checkRuns, "success", nil, "APPROVED")
	client := newTestClient(t, mux)

	pr, err := client.GetPR(t.Context(), "acme/web", 3)

	require.NoError(t, err)
	assert.Equal(t, "renovate[bot]", pr.Author)
	assert.Equal(t, "renovate/go-1.x", pr.HeadRef)
	assert.Equal(t, "abc123", pr.HeadSHA)
	assert.Equal(t, model.MergeableMergeable, pr.Mergeable)
	assert.Equal(t, model.CheckAggregateSuccess, pr.CheckAggregate)
	assert.Equal(t, model.ReviewDecisionApproved, pr.ReviewDecision)
	assert.False(t, pr.HasConflicts)
	assert.Equal(t, []string{"dependencies"}, pr.Labels)
}

func TestGetPR_PendingCheckAggregate(t *testing.T) {
	checkRuns := []map[string]any{
		{"name": "build", "status": "in_progress"},
	}
	mux := newPRDetailMux(t, samplePR(), checkRuns, "", nil, "")
	client := newTestClient(t, mux)

	pr, err := client.GetPR(t.Context(), "acme/web", 3)

	require.NoError(t, err)
	assert.Equal(t, model.CheckAggregatePending, pr.CheckAggregate)
}

func TestListOpenPRs_ReturnsMappedSlice(t *testing.T) {
	checkRuns := []map[string]any{
		{"name": "build", "status": "completed", "conclusion": "success"},
	}
	mux := newPRDetailMux(t, samplePR(), checkRuns, "success", nil, "")
	client := newTestClient(t, mux)

	prs, err := client.ListOpenPRs(t.Context(), "acme/web")

	require.NoError(t, err)
	require.Len(t, prs, 1)
	assert.Equal(t, 3, prs[0].Number)
}

func TestGetPR_NotFoundMapsToSentinel(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/web/pulls/99", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]any{"message": "Not Found"})
	})
	client := newTestClient(t, mux)

	_, err := client.GetPR(t.Context(), "acme/web", 99)

	require.Error(t, err)
	assert.ErrorIs(t, err, driven.ErrNotFound)
}

func TestApprovePR_RefetchesHeadSHABeforeReview(t *testing.T) {
	var gotCommitID string
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/web/pulls/3", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, samplePR())
	})
	mux.HandleFunc("/repos/acme/web/pulls/3/reviews", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotCommitID, _ = body["commit_id"].(string)
		writeJSON(w, map[string]any{"id": 1, "state": "APPROVED"})
	})
	client := newTestClient(t, mux)

	err := client.ApprovePR(t.Context(), "acme/web", 3, "looks good")

	require.NoError(t, err)
	assert.Equal(t, "abc123", gotCommitID)
}

func TestHasApproved_UsesMostRecentReviewFromActor(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/web/pulls/3/reviews", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{
			{"user": map[string]any{"login": "renovate-bot"}, "state": "APPROVED"},
			{"user": map[string]any{"login": "someone-else"}, "state": "CHANGES_REQUESTED"},
			{"user": map[string]any{"login": "renovate-bot"}, "state": "DISMISSED"},
		})
	})
	client := newTestClient(t, mux)

	approved, err := client.HasApproved(t.Context(), "acme/web", 3)

	require.NoError(t, err)
	assert.False(t, approved, "the actor's latest review was dismissed, not approved")
}

func TestGetIssueByTitle_FindsExactMatch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/web/issues", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{
			{"number": 1, "title": "Something else", "body": "x"},
			{"number": 2, "title": "Renovate Agent Dashboard", "body": "dashboard body"},
		})
	})
	client := newTestClient(t, mux)

	issue, err := client.GetIssueByTitle(t.Context(), "acme/web", "Renovate Agent Dashboard")

	require.NoError(t, err)
	require.NotNil(t, issue)
	assert.Equal(t, 2, issue.Number)
}

func TestGetIssueByTitle_NoMatchReturnsNil(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/web/issues", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{})
	})
	client := newTestClient(t, mux)

	issue, err := client.GetIssueByTitle(t.Context(), "acme/web", "Renovate Agent Dashboard")

	require.NoError(t, err)
	assert.Nil(t, issue)
}

func TestCreateIssue_ReturnsCreatedIssue(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/web/issues", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		writeJSON(w, map[string]any{"number": 7, "title": "Renovate Agent Dashboard", "body": "body"})
	})
	client := newTestClient(t, mux)

	issue, err := client.CreateIssue(t.Context(), "acme/web", "Renovate Agent Dashboard", "body")

	require.NoError(t, err)
	assert.Equal(t, 7, issue.Number)
}

func TestUpdateIssue_SendsPatch(t *testing.T) {
	var gotMethod string
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/web/issues/7", func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		writeJSON(w, map[string]any{"number": 7})
	})
	client := newTestClient(t, mux)

	err := client.UpdateIssue(t.Context(), "acme/web", 7, "new body")

	require.NoError(t, err)
	assert.Equal(t, http.MethodPatch, gotMethod)
}

func TestGetRateLimit_ReturnsSnapshot(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/rate_limit", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"resources": map[string]any{
				"core": map[string]any{"limit": 5000, "remaining": 4999, "reset": 1999999999},
			},
		})
	})
	client := newTestClient(t, mux)

	snap, err := client.GetRateLimit(t.Context())

	require.NoError(t, err)
	assert.Equal(t, 5000, snap.Limit)
	assert.Equal(t, 4999, snap.Remaining)
}

func TestCurrentUser_ResolvesAuthenticatedLogin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"login": "renovate-bot"})
	})
	client := newTestClient(t, mux)

	login, err := client.CurrentUser(t.Context())

	require.NoError(t, err)
	assert.Equal(t, "renovate-bot", login)
}
