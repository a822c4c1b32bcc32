// Package processor implements the idempotent per-PR pipeline that
// classifies, verifies, approves, and optionally repairs a single pull
// request. Invoked by both the Polling Orchestrator and Event Intake (via
// the Deduplicator), it never runs twice concurrently for the same PR and
// never re-acts on an unchanged fingerprint.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ashmere/renovateagent/internal/cache"
	"github.com/ashmere/renovateagent/internal/domain/model"
	"github.com/ashmere/renovateagent/internal/domain/port/driven"
	"github.com/ashmere/renovateagent/internal/metrics"
	"github.com/ashmere/renovateagent/internal/state"
)

// Config holds the classification/verification rules.
type Config struct {
	BotIdentities   []string
	BranchPrefixes  []string
	ApprovalEnabled bool
	FixEnabled      bool
	FixLanguages    []string
	ApprovalBody    string
}

// retryAttempts/base/cap implement the exponential backoff for transient
// approval failures: 3 attempts, base 2s, cap 30s.
const (
	retryAttempts = 3
	retryBase     = 2 * time.Second
	retryCap      = 30 * time.Second
)

// Processor is the idempotent per-PR pipeline: classify, verify, approve, and optionally fix.
type Processor struct {
	client   driven.PlatformClient
	fixer    driven.Fixer // may be nil when fix.enabled=false
	cache    *cache.Cache
	tracker  *state.Tracker
	recorder *metrics.Recorder // optional; nil disables cache-hit telemetry.
	cfg      Config
	logger   *slog.Logger

	// newBackoff is overridable in tests to avoid real sleeps.
	newBackoff func() backoff.BackOff
}

// New creates a Processor.
func New(client driven.PlatformClient, fixer driven.Fixer, c *cache.Cache, tracker *state.Tracker, cfg Config, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		client:  client,
		fixer:   fixer,
		cache:   c,
		tracker: tracker,
		cfg:     cfg,
		logger:  logger,
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = retryBase
			b.MaxInterval = retryCap
			b.Multiplier = 2
			b.RandomizationFactor = 0
			return backoff.WithMaxRetries(b, retryAttempts-1)
		},
	}
}

// SetRecorder attaches a Metrics Recorder so the isBotAuthored identity
// cache's hit/miss outcomes feed /health's cache_hit_rate term.
func (p *Processor) SetRecorder(r *metrics.Recorder) { p.recorder = r }

// Outcome is the result of one pipeline run for a single PR, used by the
// Runner's bookkeeping and by tests.
type Outcome struct {
	Action      model.Action
	BlockReason model.BlockReason
	Err         error
	Changed     bool // whether the dashboard record was written
}

// Process runs the full state machine for (repoFullName, number) against
// the dashboard record rec (already loaded and locked by the caller), and
// returns the updated record plus the outcome. The caller is responsible
// for holding the per-repo lock for the duration of this call and for
// persisting rec via the State Tracker afterward.
func (p *Processor) Process(ctx context.Context, repoFullName string, number int, rec model.DashboardRecord) (model.DashboardRecord, Outcome) {
	// Step 1: fetch fresh PR detail, bypassing cache.
	pr, err := p.client.GetPR(ctx, repoFullName, number)
	if err != nil {
		if errors.Is(err, driven.ErrNotFound) {
			return p.vanish(rec, number)
		}
		return rec, Outcome{Err: fmt.Errorf("fetch PR detail: %w", err)}
	}
	if pr.State != model.PRStateOpen {
		return p.vanish(rec, number)
	}

	// Keep the dashboard's display title and conversation count current
	// regardless of which branch this run takes below.
	titled := rec.PerPR[number]
	titled.Title = pr.Title
	titled.OpenConversations = pr.OpenConversations
	rec.PerPR[number] = titled

	// Step 2: classify.
	if !p.isBotAuthored(pr) || !pr.HeadMatchesBranchPrefix(p.cfg.BranchPrefixes) {
		prior := rec.PerPR[number]
		if prior.LastAction != model.ActionIgnored {
			rec.Stats.TotalIgnored++
		}
		prior.LastAction = model.ActionIgnored
		prior.LastActionAt = now()
		rec.PerPR[number] = prior
		return rec, Outcome{Action: model.ActionIgnored, Changed: true}
	}

	// Step 3: idempotence gate.
	current := state.Fingerprint(pr)
	if prior, ok := rec.PerPR[number]; ok && prior.Fingerprint == current &&
		(prior.LastAction == model.ActionApproved || prior.LastAction == model.ActionBlocked) {
		return rec, Outcome{Action: prior.LastAction, BlockReason: prior.BlockReason, Changed: false}
	}

	// Step 4: verify preconditions, in order.
	if pr.Mergeable == model.MergeableConflicted || pr.HasConflicts {
		return p.block(rec, number, current, model.BlockReasonConflicted, "")
	}

	switch pr.CheckAggregate {
	case model.CheckAggregatePending:
		return p.block(rec, number, current, model.BlockReasonChecksPending, "")
	case model.CheckAggregateFailure:
		// Step 5: a failure caused by a lock-file check is repairable.
		return p.maybeFix(ctx, rec, repoFullName, pr, current)
	}

	alreadyApproved, err := p.client.HasApproved(ctx, repoFullName, number)
	if err != nil {
		return rec, Outcome{Err: fmt.Errorf("query review state: %w", err)}
	}
	if alreadyApproved {
		prior := rec.PerPR[number]
		prior.Fingerprint = current
		prior.LastAction = model.ActionApproved
		prior.LastActionAt = now()
		prior.BlockReason = model.BlockReasonNone
		prior.LastError = ""
		rec.PerPR[number] = prior
		return rec, Outcome{Action: model.ActionApproved, Changed: true}
	}

	// Step 6: submit approval, with retry-on-transient.
	return p.approve(ctx, rec, repoFullName, number, current)
}

// maybeFix handles the checks-failed branch of steps 4(b)/5: when the
// failure comes from a lock-file check and fixing is enabled for the PR's
// language, invoke the Fixer. The pushed commit changes the head SHA, so the
// fingerprint changes and the pipeline re-enters on the next observation.
// Any other failure blocks the PR as checks_failed.
func (p *Processor) maybeFix(ctx context.Context, rec model.DashboardRecord, repoFullName string, pr model.PullRequest, current model.Fingerprint) (model.DashboardRecord, Outcome) {
	if !p.cfg.FixEnabled || p.fixer == nil || len(p.cfg.FixLanguages) == 0 {
		return p.block(rec, pr.Number, current, model.BlockReasonChecksFailed, "required checks failed")
	}

	checks, err := p.listChecks(ctx, repoFullName, pr.Number)
	if err != nil {
		return rec, Outcome{Err: fmt.Errorf("list checks: %w", err)}
	}
	if !hasFailedLockfileCheck(checks) {
		return p.block(rec, pr.Number, current, model.BlockReasonChecksFailed, "required checks failed")
	}

	result, err := p.fixer.Fix(ctx, repoFullName, pr.HeadRef, p.detectLanguage(pr))
	if err != nil {
		return p.block(rec, pr.Number, current, model.BlockReasonFixFailed, err.Error())
	}
	if result.CommitsPushed == 0 {
		return p.block(rec, pr.Number, current, model.BlockReasonChecksFailed, "lock file fix produced no changes")
	}

	// The pushed commit invalidates everything cached about this PR.
	p.cache.Invalidate(cache.NamespacePRChecks, checksKey(repoFullName, pr.Number))
	p.cache.Invalidate(cache.NamespaceRepoPRs, repoFullName)

	prior := rec.PerPR[pr.Number]
	prior.Fingerprint = current
	prior.LastAction = model.ActionFixApplied
	prior.LastActionAt = now()
	prior.LastError = ""
	prior.BlockReason = model.BlockReasonNone
	rec.PerPR[pr.Number] = prior
	rec.Stats.TotalFixes++
	return rec, Outcome{Action: model.ActionFixApplied, Changed: true}
}

// listChecks resolves a PR's individual checks through the pr.checks cache
// namespace, hitting the platform only on a miss.
func (p *Processor) listChecks(ctx context.Context, repoFullName string, number int) ([]model.Check, error) {
	key := checksKey(repoFullName, number)
	if cached, ok := p.cache.Get(cache.NamespacePRChecks, key); ok {
		if p.recorder != nil {
			p.recorder.RecordCacheHit()
		}
		return cached.([]model.Check), nil
	}
	if p.recorder != nil {
		p.recorder.RecordCacheMiss()
	}

	checks, err := p.client.ListChecks(ctx, repoFullName, number)
	if err != nil {
		return nil, err
	}
	p.cache.Put(cache.NamespacePRChecks, key, checks)
	return checks, nil
}

func checksKey(repoFullName string, number int) string {
	return fmt.Sprintf("%s#%d", repoFullName, number)
}

// failedConclusions are the check conclusions (and legacy commit-status
// states) that count as a failure for the lock-file repair decision.
var failedConclusions = map[string]struct{}{
	"failure":         {},
	"error":           {},
	"cancelled":       {},
	"canceled":        {},
	"timed_out":       {},
	"action_required": {},
}

// hasFailedLockfileCheck reports whether any failed check looks like a
// lock-file validation check, which is the one class of failure the Fixer
// can repair.
func hasFailedLockfileCheck(checks []model.Check) bool {
	for _, c := range checks {
		if _, failed := failedConclusions[c.Conclusion]; !failed {
			continue
		}
		if strings.Contains(strings.ToLower(c.Name), "lock") {
			return true
		}
	}
	return false
}

// detectLanguage picks the configured fix language whose name appears in the
// PR's head ref (renovate branch names usually carry the manager, e.g.
// renovate/npm-lodash-4.x), falling back to the first configured language.
func (p *Processor) detectLanguage(pr model.PullRequest) string {
	ref := strings.ToLower(pr.HeadRef)
	for _, lang := range p.cfg.FixLanguages {
		if strings.Contains(ref, strings.ToLower(lang)) {
			return lang
		}
	}
	return p.cfg.FixLanguages[0]
}

func (p *Processor) block(rec model.DashboardRecord, number int, fp model.Fingerprint, reason model.BlockReason, detail string) (model.DashboardRecord, Outcome) {
	prior := rec.PerPR[number]
	if prior.LastAction != model.ActionBlocked {
		rec.Stats.TotalBlocked++
	}
	prior.Fingerprint = fp
	prior.LastAction = model.ActionBlocked
	prior.LastActionAt = now()
	prior.BlockReason = reason
	prior.LastError = detail
	rec.PerPR[number] = prior
	return rec, Outcome{Action: model.ActionBlocked, BlockReason: reason, Changed: true}
}

// approve submits the approval, retrying transient platform errors (3
// attempts, base 2s, cap 30s), then blocking on either a non-transient 4xx
// or after retries are exhausted.
func (p *Processor) approve(ctx context.Context, rec model.DashboardRecord, repoFullName string, number int, fp model.Fingerprint) (model.DashboardRecord, Outcome) {
	if !p.cfg.ApprovalEnabled {
		return p.block(rec, number, fp, model.BlockReasonNone, "approval disabled by configuration")
	}

	var lastErr error
	op := func() error {
		err := p.client.ApprovePR(ctx, repoFullName, number, p.cfg.ApprovalBody)
		if err != nil && errors.Is(err, driven.ErrTransient) {
			lastErr = err
			return err // retryable
		}
		lastErr = err
		return nil // stop retrying: either success or a non-transient failure
	}

	_ = backoff.Retry(op, backoff.WithContext(p.newBackoff(), ctx))

	if lastErr != nil {
		if errors.Is(lastErr, driven.ErrTransient) {
			return p.block(rec, number, fp, model.BlockReasonTransient, lastErr.Error())
		}
		return p.block(rec, number, fp, model.BlockReasonRejected, lastErr.Error())
	}

	// The submitted review changes the PR's review state out from under
	// the cached list.
	p.cache.Invalidate(cache.NamespaceRepoPRs, repoFullName)

	prior := rec.PerPR[number]
	prior.Fingerprint = fp
	prior.LastAction = model.ActionApproved
	prior.LastActionAt = now()
	prior.LastError = ""
	prior.BlockReason = model.BlockReasonNone
	rec.PerPR[number] = prior
	rec.Stats.TotalApproved++
	return rec, Outcome{Action: model.ActionApproved, Changed: true}
}

// vanish marks a tracked PR as gone (closed, merged, or deleted upstream).
func (p *Processor) vanish(rec model.DashboardRecord, number int) (model.DashboardRecord, Outcome) {
	prior := rec.PerPR[number]
	if prior.LastAction != model.ActionVanished {
		rec.Stats.TotalVanished++
	}
	prior.LastAction = model.ActionVanished
	prior.LastActionAt = now()
	rec.PerPR[number] = prior
	return rec, Outcome{Action: model.ActionVanished, Changed: true}
}

// isBotAuthored checks the identity.is_bot cache before falling back to
// pattern matching, caching the verdict for reuse across PRs sharing an
// author within the TTL window.
func (p *Processor) isBotAuthored(pr model.PullRequest) bool {
	if cached, ok := p.cache.Get(cache.NamespaceIsBot, pr.Author); ok {
		if p.recorder != nil {
			p.recorder.RecordCacheHit()
		}
		return cached.(bool)
	}
	if p.recorder != nil {
		p.recorder.RecordCacheMiss()
	}
	verdict := pr.IsBotAuthored(p.cfg.BotIdentities)
	p.cache.Put(cache.NamespaceIsBot, pr.Author, verdict)
	return verdict
}

// now is a seam for deterministic tests.
var now = time.Now
