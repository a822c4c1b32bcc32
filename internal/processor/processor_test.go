package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashmere/renovateagent/internal/cache"
	"github.com/ashmere/renovateagent/internal/domain/model"
	"github.com/ashmere/renovateagent/internal/domain/port/driven"
	"github.com/ashmere/renovateagent/internal/state"
)

// noSleepBackoff avoids real sleeps in tests while still exercising the
// exact retryAttempts cap.
func noSleepBackoff() backoff.BackOff {
	b := backoff.NewConstantBackOff(time.Millisecond)
	return backoff.WithMaxRetries(b, retryAttempts-1)
}

type fakeClient struct {
	driven.PlatformClient
	pr              model.PullRequest
	checks          []model.Check
	getErr          error
	approveCalls    int
	approveErr      error
	alreadyApproved bool
}

func (f *fakeClient) GetPR(_ context.Context, _ string, _ int) (model.PullRequest, error) {
	return f.pr, f.getErr
}

func (f *fakeClient) ListChecks(_ context.Context, _ string, _ int) ([]model.Check, error) {
	return f.checks, nil
}

func (f *fakeClient) HasApproved(_ context.Context, _ string, _ int) (bool, error) {
	return f.alreadyApproved, nil
}

func (f *fakeClient) ApprovePR(_ context.Context, _ string, _ int, _ string) error {
	f.approveCalls++
	return f.approveErr
}

type fakeFixer struct {
	calls  int
	result driven.FixResult
	err    error
}

func (f *fakeFixer) Fix(_ context.Context, _, _, _ string) (driven.FixResult, error) {
	f.calls++
	return f.result, f.err
}

func newTestProcessor(client driven.PlatformClient) *Processor {
	cfg := Config{
		BotIdentities:   []string{"depbot[bot]"},
		BranchPrefixes:  []string{"renovate/"},
		ApprovalEnabled: true,
	}
	return New(client, nil, cache.New(nil), state.New(nil, "Dashboard", state.CreationAlways, nil), cfg, nil)
}

func basePR() model.PullRequest {
	return model.PullRequest{
		Number:         7,
		Author:         "depbot[bot]",
		HeadRef:        "renovate/foo-1.2.3",
		State:          model.PRStateOpen,
		HeadSHA:        "sha1",
		Mergeable:      model.MergeableMergeable,
		CheckAggregate: model.CheckAggregateSuccess,
		ReviewDecision: model.ReviewDecisionNone,
	}
}

func TestProcessor_HappyPathApproval(t *testing.T) {
	client := &fakeClient{pr: basePR()}
	p := newTestProcessor(client)
	rec := model.NewDashboardRecord("acme/web")

	rec, outcome := p.Process(context.Background(), "acme/web", 7, rec)

	require.NoError(t, outcome.Err)
	assert.Equal(t, model.ActionApproved, outcome.Action)
	assert.Equal(t, 1, client.approveCalls)
	assert.Equal(t, model.ActionApproved, rec.PerPR[7].LastAction)
}

func TestProcessor_IdempotentOnUnchangedFingerprint(t *testing.T) {
	client := &fakeClient{pr: basePR()}
	p := newTestProcessor(client)
	rec := model.NewDashboardRecord("acme/web")

	rec, _ = p.Process(context.Background(), "acme/web", 7, rec)
	assert.Equal(t, 1, client.approveCalls)

	rec, outcome := p.Process(context.Background(), "acme/web", 7, rec)
	assert.Equal(t, model.ActionApproved, outcome.Action)
	assert.False(t, outcome.Changed)
	assert.Equal(t, 1, client.approveCalls, "second pass with unchanged fingerprint must not re-approve")
}

func TestProcessor_ChecksPendingBlocks(t *testing.T) {
	pr := basePR()
	pr.CheckAggregate = model.CheckAggregatePending
	client := &fakeClient{pr: pr}
	p := newTestProcessor(client)
	rec := model.NewDashboardRecord("acme/web")

	rec, outcome := p.Process(context.Background(), "acme/web", 7, rec)

	assert.Equal(t, model.ActionBlocked, outcome.Action)
	assert.Equal(t, model.BlockReasonChecksPending, outcome.BlockReason)
	assert.Equal(t, 0, client.approveCalls)
	assert.Equal(t, model.BlockReasonChecksPending, rec.PerPR[7].BlockReason)
}

func TestProcessor_ChecksFailedBlocksWithoutFixer(t *testing.T) {
	pr := basePR()
	pr.CheckAggregate = model.CheckAggregateFailure
	client := &fakeClient{pr: pr}
	p := newTestProcessor(client)
	rec := model.NewDashboardRecord("acme/web")

	rec, outcome := p.Process(context.Background(), "acme/web", 7, rec)

	assert.Equal(t, model.ActionBlocked, outcome.Action)
	assert.Equal(t, model.BlockReasonChecksFailed, outcome.BlockReason)
	assert.Equal(t, 0, client.approveCalls)
	_ = rec
}

func TestProcessor_FailedLockfileCheckInvokesFixer(t *testing.T) {
	pr := basePR()
	pr.CheckAggregate = model.CheckAggregateFailure
	client := &fakeClient{pr: pr, checks: []model.Check{
		{Name: "validate-lockfile", Status: "completed", Conclusion: "failure", IsRequired: true},
		{Name: "build", Status: "completed", Conclusion: "success", IsRequired: true},
	}}
	fixer := &fakeFixer{result: driven.FixResult{CommitsPushed: 1}}
	p := newTestProcessor(client)
	p.fixer = fixer
	p.cfg.FixEnabled = true
	p.cfg.FixLanguages = []string{"npm"}
	rec := model.NewDashboardRecord("acme/web")

	rec, outcome := p.Process(context.Background(), "acme/web", 7, rec)

	assert.Equal(t, model.ActionFixApplied, outcome.Action)
	assert.Equal(t, 1, fixer.calls)
	assert.Equal(t, 0, client.approveCalls, "a fixed PR re-enters on the new fingerprint, never approves in the same pass")
	assert.Equal(t, model.ActionFixApplied, rec.PerPR[7].LastAction)
}

func TestProcessor_NonLockfileFailureDoesNotInvokeFixer(t *testing.T) {
	pr := basePR()
	pr.CheckAggregate = model.CheckAggregateFailure
	client := &fakeClient{pr: pr, checks: []model.Check{
		{Name: "unit-tests", Status: "completed", Conclusion: "failure", IsRequired: true},
	}}
	fixer := &fakeFixer{result: driven.FixResult{CommitsPushed: 1}}
	p := newTestProcessor(client)
	p.fixer = fixer
	p.cfg.FixEnabled = true
	p.cfg.FixLanguages = []string{"npm"}
	rec := model.NewDashboardRecord("acme/web")

	_, outcome := p.Process(context.Background(), "acme/web", 7, rec)

	assert.Equal(t, model.ActionBlocked, outcome.Action)
	assert.Equal(t, model.BlockReasonChecksFailed, outcome.BlockReason)
	assert.Equal(t, 0, fixer.calls)
}

func TestProcessor_FixerErrorBlocksAsFixFailed(t *testing.T) {
	pr := basePR()
	pr.CheckAggregate = model.CheckAggregateFailure
	client := &fakeClient{pr: pr, checks: []model.Check{
		{Name: "lockfile-check", Status: "completed", Conclusion: "failure", IsRequired: true},
	}}
	fixer := &fakeFixer{err: &driven.FixError{Reason: "push rejected"}}
	p := newTestProcessor(client)
	p.fixer = fixer
	p.cfg.FixEnabled = true
	p.cfg.FixLanguages = []string{"go"}
	rec := model.NewDashboardRecord("acme/web")

	rec, outcome := p.Process(context.Background(), "acme/web", 7, rec)

	assert.Equal(t, model.ActionBlocked, outcome.Action)
	assert.Equal(t, model.BlockReasonFixFailed, outcome.BlockReason)
	assert.Equal(t, 1, fixer.calls)
	assert.Contains(t, rec.PerPR[7].LastError, "push rejected")
}

func TestProcessor_NonBotAuthorIsIgnored(t *testing.T) {
	pr := basePR()
	pr.Author = "someone"
	client := &fakeClient{pr: pr}
	p := newTestProcessor(client)
	rec := model.NewDashboardRecord("acme/web")

	_, outcome := p.Process(context.Background(), "acme/web", 7, rec)
	assert.Equal(t, model.ActionIgnored, outcome.Action)
	assert.Equal(t, 0, client.approveCalls)
}

func TestProcessor_VanishedPRRecordedWhenNotFound(t *testing.T) {
	client := &fakeClient{getErr: driven.ErrNotFound}
	p := newTestProcessor(client)
	rec := model.NewDashboardRecord("acme/web")

	rec, outcome := p.Process(context.Background(), "acme/web", 7, rec)
	assert.Equal(t, model.ActionVanished, outcome.Action)
	assert.Equal(t, model.ActionVanished, rec.PerPR[7].LastAction)
}

func TestProcessor_TransientApprovalErrorRetriesThenBlocks(t *testing.T) {
	client := &fakeClient{pr: basePR(), approveErr: driven.ErrTransient}
	p := newTestProcessor(client)
	p.newBackoff = noSleepBackoff
	rec := model.NewDashboardRecord("acme/web")

	rec, outcome := p.Process(context.Background(), "acme/web", 7, rec)

	assert.Equal(t, model.ActionBlocked, outcome.Action)
	assert.Equal(t, model.BlockReasonTransient, outcome.BlockReason)
	assert.Equal(t, retryAttempts, client.approveCalls)
	_ = rec
}

func TestProcessor_ForbiddenApprovalErrorBlocksWithoutRetry(t *testing.T) {
	client := &fakeClient{pr: basePR(), approveErr: errors.New("403 forbidden")}
	p := newTestProcessor(client)
	rec := model.NewDashboardRecord("acme/web")

	_, outcome := p.Process(context.Background(), "acme/web", 7, rec)

	assert.Equal(t, model.ActionBlocked, outcome.Action)
	assert.Equal(t, 1, client.approveCalls)
}
