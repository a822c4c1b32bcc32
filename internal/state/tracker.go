package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashmere/renovateagent/internal/domain/model"
	"github.com/ashmere/renovateagent/internal/domain/port/driven"
	"github.com/ashmere/renovateagent/internal/metrics"
)

// CreationMode controls when a dashboard issue is created for a repository
// that doesn't have one yet.
type CreationMode string

const (
	CreationAlways             CreationMode = "always"
	CreationRenovatePRsPresent CreationMode = "renovate-prs-present"
	CreationTestReposOnly      CreationMode = "test-repos-only"
	CreationNever              CreationMode = "never"
)

// ShouldCreate evaluates the dashboard.creation_mode predicate: whether a
// missing dashboard issue should be created for this cycle.
func (m CreationMode) ShouldCreate(hasRenovatePRs, isTestRepo bool) bool {
	switch m {
	case CreationAlways:
		return true
	case CreationRenovatePRsPresent:
		return hasRenovatePRs
	case CreationTestReposOnly:
		return isTestRepo
	case CreationNever:
		return false
	default:
		return hasRenovatePRs
	}
}

// Change describes how a PR's fingerprint compares to the dashboard's last
// recorded value for it.
type ChangeKind = model.ChangeKind

// Tracker handles per-PR fingerprinting plus dashboard issue
// read/diff/write, serialized per repository.
type Tracker struct {
	client       driven.PlatformClient
	issueTitle   string
	creationMode CreationMode
	recorder     *metrics.Recorder // optional; nil disables rebuild telemetry.
	logger       *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a Tracker. issueTitle is the deterministic dashboard issue
// title used to locate or create one with a deterministic title.
func New(client driven.PlatformClient, issueTitle string, creationMode CreationMode, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		client:       client,
		issueTitle:   issueTitle,
		creationMode: creationMode,
		logger:       logger,
		locks:        make(map[string]*sync.Mutex),
	}
}

// Lock returns (and lazily creates) the per-repository mutex enforcing one
// cycle per repo and one processing task per PR, since PR processing always
// holds its repo's lock while touching dashboard state.
func (t *Tracker) Lock(repoFullName string) *sync.Mutex {
	t.locksMu.Lock()
	defer t.locksMu.Unlock()
	l, ok := t.locks[repoFullName]
	if !ok {
		l = &sync.Mutex{}
		t.locks[repoFullName] = l
	}
	return l
}

// Load fetches the dashboard issue for repoFullName and parses its hidden
// block. If no issue exists, it returns a zero-value record with found=false
// — callers decide whether to create one via the creation-mode predicate.
func (t *Tracker) Load(ctx context.Context, repoFullName string) (model.DashboardRecord, bool, error) {
	issue, err := t.client.GetIssueByTitle(ctx, repoFullName, t.issueTitle)
	if err != nil {
		return model.DashboardRecord{}, false, fmt.Errorf("load dashboard issue: %w", err)
	}
	if issue == nil {
		return model.NewDashboardRecord(repoFullName), false, nil
	}

	rec, ok := ParseDashboard(repoFullName, issue.Body)
	if !ok {
		t.logger.Warn("dashboard hidden block missing or corrupt, rebuilding",
			slog.String("repo", repoFullName), slog.Int("issue", issue.Number))
		if t.recorder != nil {
			t.recorder.RecordDashboardRebuilt()
		}
	}
	return rec, true, nil
}

// SetRecorder attaches a Metrics Recorder so corrupt-hidden-block recoveries
// show up as a dashboard_rebuilt count.
func (t *Tracker) SetRecorder(r *metrics.Recorder) { t.recorder = r }

// EnsureIssue creates the dashboard issue if it's missing and creation
// policy allows it for this cycle, rendering an initial empty body.
func (t *Tracker) EnsureIssue(ctx context.Context, repoFullName string, exists bool, hasRenovatePRs, isTestRepo bool) error {
	if exists {
		return nil
	}
	if !t.creationMode.ShouldCreate(hasRenovatePRs, isTestRepo) {
		return nil
	}

	body, err := RenderDashboard(model.NewDashboardRecord(repoFullName))
	if err != nil {
		return fmt.Errorf("render initial dashboard: %w", err)
	}
	if _, err := t.client.CreateIssue(ctx, repoFullName, t.issueTitle, body); err != nil {
		return fmt.Errorf("create dashboard issue: %w", err)
	}
	return nil
}

// Store renders rec and writes it as a single update call to the
// repository's dashboard issue — one atomic-from-reader's-view update per
// write.
func (t *Tracker) Store(ctx context.Context, repoFullName string, rec model.DashboardRecord) error {
	issue, err := t.client.GetIssueByTitle(ctx, repoFullName, t.issueTitle)
	if err != nil {
		return fmt.Errorf("locate dashboard issue for store: %w", err)
	}
	if issue == nil {
		return fmt.Errorf("store dashboard for %s: no dashboard issue exists", repoFullName)
	}

	body, err := RenderDashboard(rec)
	if err != nil {
		return fmt.Errorf("render dashboard: %w", err)
	}
	if err := t.client.UpdateIssue(ctx, repoFullName, issue.Number, body); err != nil {
		return fmt.Errorf("update dashboard issue: %w", err)
	}
	return nil
}

// Fingerprint computes the six-field digest for pr.
func Fingerprint(pr model.PullRequest) model.Fingerprint {
	return model.ComputeFingerprint(pr)
}

// Diff compares pr's current fingerprint against the dashboard's last
// recorded value for that PR number, returning the resulting Change.
func Diff(rec model.DashboardRecord, pr model.PullRequest) model.Change {
	current := Fingerprint(pr)
	prev, known := rec.PerPR[pr.Number]
	if !known {
		return model.Change{Kind: model.ChangeNew, Current: current}
	}
	if prev.Fingerprint == current {
		return model.Change{Kind: model.ChangeUnchanged, Previous: prev.Fingerprint, Current: current}
	}
	return model.Change{Kind: model.ChangeChanged, Previous: prev.Fingerprint, Current: current}
}

// DiffVanished reports the Change for a PR number that was tracked in rec
// but no longer appears in the current open-PR list.
func DiffVanished(rec model.DashboardRecord, number int) model.Change {
	prev, known := rec.PerPR[number]
	if !known {
		return model.Change{Kind: model.ChangeUnchanged}
	}
	return model.Change{Kind: model.ChangeVanished, Previous: prev.Fingerprint}
}
