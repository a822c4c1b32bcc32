package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashmere/renovateagent/internal/domain/model"
	"github.com/ashmere/renovateagent/internal/domain/port/driven"
)

type fakePlatform struct {
	driven.PlatformClient
	issues map[string]*driven.Issue
	nextN  int
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{issues: make(map[string]*driven.Issue), nextN: 1}
}

func (f *fakePlatform) GetIssueByTitle(_ context.Context, repoFullName, title string) (*driven.Issue, error) {
	return f.issues[repoFullName+"|"+title], nil
}

func (f *fakePlatform) CreateIssue(_ context.Context, repoFullName, title, body string) (driven.Issue, error) {
	iss := driven.Issue{Number: f.nextN, Title: title, Body: body}
	f.nextN++
	f.issues[repoFullName+"|"+title] = &iss
	return iss, nil
}

func (f *fakePlatform) UpdateIssue(_ context.Context, repoFullName string, number int, body string) error {
	for k, iss := range f.issues {
		if iss.Number == number {
			iss.Body = body
			f.issues[k] = iss
			return nil
		}
	}
	_ = repoFullName
	return nil
}

func TestTracker_EnsureIssueThenStoreRoundTrips(t *testing.T) {
	client := newFakePlatform()
	tr := New(client, "Renovate Agent Dashboard", CreationAlways, nil)
	ctx := context.Background()

	_, exists, err := tr.Load(ctx, "acme/web")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, tr.EnsureIssue(ctx, "acme/web", exists, false, false))

	rec, exists, err := tr.Load(ctx, "acme/web")
	require.NoError(t, err)
	assert.True(t, exists)

	rec.PerPR[7] = model.PRRecord{Fingerprint: "abc", LastAction: model.ActionApproved, LastActionAt: time.Now()}
	rec.Stats.TotalApproved = 1
	require.NoError(t, tr.Store(ctx, "acme/web", rec))

	reloaded, exists, err := tr.Load(ctx, "acme/web")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, model.Fingerprint("abc"), reloaded.PerPR[7].Fingerprint)
	assert.Equal(t, 1, reloaded.Stats.TotalApproved)
}

func TestTracker_NeverCreationModeSkipsCreate(t *testing.T) {
	client := newFakePlatform()
	tr := New(client, "Renovate Agent Dashboard", CreationNever, nil)
	ctx := context.Background()

	require.NoError(t, tr.EnsureIssue(ctx, "acme/web", false, true, true))

	_, exists, err := tr.Load(ctx, "acme/web")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDiff_NewChangedUnchangedVanished(t *testing.T) {
	rec := model.NewDashboardRecord("acme/web")
	pr := model.PullRequest{Number: 7, State: model.PRStateOpen, HeadSHA: "sha1"}

	change := Diff(rec, pr)
	assert.Equal(t, model.ChangeNew, change.Kind)

	rec.PerPR[7] = model.PRRecord{Fingerprint: Fingerprint(pr)}
	unchanged := Diff(rec, pr)
	assert.Equal(t, model.ChangeUnchanged, unchanged.Kind)

	pr.HeadSHA = "sha2"
	changed := Diff(rec, pr)
	assert.Equal(t, model.ChangeChanged, changed.Kind)

	vanished := DiffVanished(rec, 7)
	assert.Equal(t, model.ChangeVanished, vanished.Kind)

	assert.Equal(t, model.ChangeUnchanged, DiffVanished(rec, 999).Kind)
}

func TestParseDashboard_CorruptHiddenBlockYieldsEmpty(t *testing.T) {
	body := "## Report\n\n" + sentinelOpen + "\n{not valid json\n" + sentinelClose + "\n"
	rec, found := ParseDashboard("acme/web", body)
	assert.False(t, found)
	assert.Empty(t, rec.PerPR)
}

func TestRenderDashboard_RoundTripsThroughParse(t *testing.T) {
	rec := model.NewDashboardRecord("acme/web")
	rec.PerPR[7] = model.PRRecord{Fingerprint: "abc", LastAction: model.ActionApproved, LastActionAt: time.Now().UTC()}
	rec.Polling = model.PollingMetadata{CurrentInterval: 60 * time.Second, ActivityScore: 0.4}

	body, err := RenderDashboard(rec)
	require.NoError(t, err)

	parsed, found := ParseDashboard("acme/web", body)
	require.True(t, found)
	assert.Equal(t, model.Fingerprint("abc"), parsed.PerPR[7].Fingerprint)
	assert.InDelta(t, 0.4, parsed.Polling.ActivityScore, 1e-9)
}
