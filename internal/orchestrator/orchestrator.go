// Package orchestrator implements a single long-running scheduling loop
// driving a bounded worker pool over the configured repository set, using a
// ticker-plus-select Start loop and a semaphore/WaitGroup/atomic.Bool
// bounded-concurrency pattern.
package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashmere/renovateagent/internal/activity"
	"github.com/ashmere/renovateagent/internal/cache"
	"github.com/ashmere/renovateagent/internal/dedup"
	"github.com/ashmere/renovateagent/internal/domain/model"
	"github.com/ashmere/renovateagent/internal/domain/port/driven"
	"github.com/ashmere/renovateagent/internal/metrics"
	"github.com/ashmere/renovateagent/internal/ratelimit"
	"github.com/ashmere/renovateagent/internal/state"
)

// Config holds the orchestrator's tunables.
type Config struct {
	MaxConcurrentRepos int
	CycleDeadline      time.Duration
	TickResolution     time.Duration
	Adaptive           bool
	BaseInterval       time.Duration
	IgnoreArchived     bool
	// BotIdentities filters the cycle's PR scan to recognized bot authors;
	// empty means scan everything and let the PR Processor classify.
	BotIdentities []string
	// IsTestRepo classifies repos named in config as test repos for the
	// dashboard creation-mode predicate.
	IsTestRepo func(repoFullName string) bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentRepos: 4,
		CycleDeadline:      120 * time.Second,
		TickResolution:     1 * time.Minute,
		Adaptive:           true,
		BaseInterval:       120 * time.Second,
	}
}

// perRepoGovernorWeight is the expected number of PlatformClient calls one
// cycle makes before fan-out to the PR Processor.
const perRepoGovernorWeight = 4

// retryLockDelay is the reschedule delay when a repo's per-repo lock is
// already held by a concurrent cycle.
const retryLockDelay = 5 * time.Second

type repoRuntime struct {
	scheduleMu sync.Mutex
	nextRunAt  time.Time
}

func (rt *repoRuntime) due(now time.Time) bool {
	rt.scheduleMu.Lock()
	defer rt.scheduleMu.Unlock()
	return !now.Before(rt.nextRunAt)
}

func (rt *repoRuntime) setNextRunAt(at time.Time) {
	rt.scheduleMu.Lock()
	defer rt.scheduleMu.Unlock()
	rt.nextRunAt = at
}

// Orchestrator is the Polling Orchestrator: a single long-running scheduling loop over the configured repository set.
type Orchestrator struct {
	client   driven.PlatformClient
	tracker  *state.Tracker
	scorer   *activity.Scorer
	governor *ratelimit.Governor
	dedup    *dedup.Deduplicator
	recorder *metrics.Recorder
	cache    *cache.Cache
	cfg      Config
	logger   *slog.Logger

	reposMu sync.RWMutex
	repos   map[string]*repoRuntime

	semaphore chan struct{}
	activeWg  sync.WaitGroup
	stopping  atomic.Bool
	wgMu      sync.Mutex

	refreshCh chan string
}

// New creates an Orchestrator for the given repository set.
func New(
	client driven.PlatformClient,
	tracker *state.Tracker,
	scorer *activity.Scorer,
	governor *ratelimit.Governor,
	dd *dedup.Deduplicator,
	recorder *metrics.Recorder,
	appCache *cache.Cache,
	cfg Config,
	logger *slog.Logger,
	repoFullNames []string,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxConcurrentRepos <= 0 {
		cfg.MaxConcurrentRepos = def.MaxConcurrentRepos
	}
	if cfg.CycleDeadline <= 0 {
		cfg.CycleDeadline = def.CycleDeadline
	}
	if cfg.TickResolution <= 0 {
		cfg.TickResolution = def.TickResolution
	}
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = def.BaseInterval
	}
	if cfg.IsTestRepo == nil {
		cfg.IsTestRepo = func(string) bool { return false }
	}

	o := &Orchestrator{
		client:    client,
		tracker:   tracker,
		scorer:    scorer,
		governor:  governor,
		dedup:     dd,
		recorder:  recorder,
		cache:     appCache,
		cfg:       cfg,
		logger:    logger,
		repos:     make(map[string]*repoRuntime, len(repoFullNames)),
		semaphore: make(chan struct{}, cfg.MaxConcurrentRepos),
		refreshCh: make(chan string),
	}
	for _, r := range repoFullNames {
		o.repos[r] = &repoRuntime{}
	}
	return o
}

// Start runs the scheduling loop until ctx is canceled, then waits for any
// in-flight cycles to finish before returning.
func (o *Orchestrator) Start(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.TickResolution)
	defer ticker.Stop()

	o.dispatchDue(ctx)

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("polling orchestrator stopping, waiting for active cycles")
			o.wgMu.Lock()
			o.stopping.Store(true)
			o.wgMu.Unlock()
			o.activeWg.Wait()
			o.logger.Info("polling orchestrator stopped")
			return
		case <-ticker.C:
			if o.cache != nil {
				o.cache.Sweep()
			}
			o.dispatchDue(ctx)
		case repo := <-o.refreshCh:
			o.dispatchOne(ctx, repo)
		}
	}
}

// RefreshRepo triggers an immediate out-of-cycle run for repoFullName,
// bypassing its scheduled next-run time.
func (o *Orchestrator) RefreshRepo(ctx context.Context, repoFullName string) {
	select {
	case o.refreshCh <- repoFullName:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) dispatchDue(ctx context.Context) {
	now := time.Now()
	o.reposMu.RLock()
	names := make([]string, 0, len(o.repos))
	for name, rt := range o.repos {
		if !rt.due(now) {
			continue
		}
		names = append(names, name)
	}
	o.reposMu.RUnlock()

	sort.Strings(names)
	for _, name := range names {
		o.dispatchOne(ctx, name)
	}
}

func (o *Orchestrator) dispatchOne(ctx context.Context, repoFullName string) {
	select {
	case <-ctx.Done():
		return
	case o.semaphore <- struct{}{}:
	}

	o.wgMu.Lock()
	if o.stopping.Load() {
		o.wgMu.Unlock()
		<-o.semaphore
		return
	}
	o.activeWg.Add(1)
	o.wgMu.Unlock()

	go func() {
		defer o.activeWg.Done()
		defer func() { <-o.semaphore }()
		o.runCycle(ctx, repoFullName)
	}()
}

// runCycle implements the six-step cycle algorithm for a single repository.
func (o *Orchestrator) runCycle(ctx context.Context, repoFullName string) {
	o.reposMu.RLock()
	rt, ok := o.repos[repoFullName]
	o.reposMu.RUnlock()
	if !ok {
		return
	}

	// Step 1: per-repo lock, shared with the PR Processor's dashboard
	// writes, since each dashboard issue is written only under this lock.
	// TryLock gives the "skip and reschedule +5s" semantics for when a
	// cycle is already in flight.
	lock := o.tracker.Lock(repoFullName)
	if !lock.TryLock() {
		o.reschedule(rt, retryLockDelay)
		return
	}
	defer lock.Unlock()

	cycleCtx, cancel := context.WithTimeout(ctx, o.cfg.CycleDeadline)
	defer cancel()

	report := model.CycleReport{RepoFullName: repoFullName, StartedAt: time.Now()}

	// Step 2: rate-limit admission.
	admitted, delay := o.governor.Acquire(perRepoGovernorWeight)
	if !admitted {
		o.reschedule(rt, delay)
		report.EndedAt = time.Now()
		o.recorder.RecordCycle(report)
		return
	}

	if o.cfg.IgnoreArchived {
		meta, err := o.repoMeta(cycleCtx, repoFullName, &report)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			report.EndedAt = time.Now()
			o.recorder.RecordCycle(report)
			o.reschedule(rt, o.nextInterval(repoFullName))
			return
		}
		if meta.Archived {
			report.EndedAt = time.Now()
			o.recorder.RecordCycle(report)
			o.reschedule(rt, o.nextInterval(repoFullName))
			return
		}
	}

	// Step 3: fetch + diff.
	prs, err := o.listOpenPRs(cycleCtx, repoFullName, &report)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		report.EndedAt = time.Now()
		o.recorder.RecordCycle(report)
		o.reschedule(rt, o.nextInterval(repoFullName))
		return
	}

	rec, exists, err := o.tracker.Load(cycleCtx, repoFullName)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		report.EndedAt = time.Now()
		o.recorder.RecordCycle(report)
		o.reschedule(rt, o.nextInterval(repoFullName))
		return
	}

	sort.Slice(prs, func(i, j int) bool { return prs[i].Number < prs[j].Number })

	seen := make(map[int]struct{}, len(prs))
	for _, pr := range prs {
		if len(o.cfg.BotIdentities) > 0 && !pr.IsBotAuthored(o.cfg.BotIdentities) {
			continue
		}
		report.PRsExamined++
		seen[pr.Number] = struct{}{}

		change := state.Diff(rec, pr)
		switch change.Kind {
		case model.ChangeNew, model.ChangeChanged:
			report.PRsChanged++
			o.dedup.Submit(dedup.Key{RepoFullName: repoFullName, Number: pr.Number}, dedup.SourcePoll)
		case model.ChangeUnchanged:
			// no enqueue
		}
	}

	for number := range rec.PerPR {
		if _, ok := seen[number]; ok {
			continue
		}
		// Already marked vanished on an earlier cycle: not a new change,
		// or the score would never decay while the record is retained.
		if rec.PerPR[number].LastAction == model.ActionVanished {
			continue
		}
		vanished := state.DiffVanished(rec, number)
		if vanished.Kind == model.ChangeVanished {
			report.PRsChanged++
			entry := rec.PerPR[number]
			entry.LastAction = model.ActionVanished
			entry.LastActionAt = time.Now()
			rec.PerPR[number] = entry
			rec.Stats.TotalVanished++
		}
	}

	report.EndedAt = time.Now()

	// Step 4: report to Activity Scorer and Metrics Recorder.
	o.scorer.Observe(repoFullName, activity.CycleResult{ChangesDetected: report.HasChanges()})
	o.recorder.RecordCycle(report)

	// Step 5: write D once if anything changed.
	if report.HasChanges() {
		if err := o.tracker.EnsureIssue(cycleCtx, repoFullName, exists, len(prs) > 0, o.cfg.IsTestRepo(repoFullName)); err != nil {
			o.logger.Error("ensure dashboard issue failed", slog.String("repo", repoFullName), slog.Any("error", err))
		} else {
			rec.Polling = model.PollingMetadata{
				LastCycleAt:     report.EndedAt,
				CurrentInterval: o.nextInterval(repoFullName),
				ActivityScore:   o.scorer.Score(repoFullName),
			}
			if err := o.tracker.Store(cycleCtx, repoFullName, rec); err != nil {
				o.logger.Error("store dashboard failed", slog.String("repo", repoFullName), slog.Any("error", err))
			}
		}
	}

	// Step 6: schedule next run.
	o.reschedule(rt, o.nextInterval(repoFullName))
}

// repoMeta resolves repository metadata through the repo.meta cache
// namespace, hitting the platform only on a miss.
func (o *Orchestrator) repoMeta(ctx context.Context, repoFullName string, report *model.CycleReport) (model.Repository, error) {
	if o.cache != nil {
		if v, ok := o.cache.Get(cache.NamespaceRepoMeta, repoFullName); ok {
			o.recorder.RecordCacheHit()
			return v.(model.Repository), nil
		}
		o.recorder.RecordCacheMiss()
	}

	meta, err := o.client.GetRepoMeta(ctx, repoFullName)
	report.APICallsUsed++
	if err != nil {
		return model.Repository{}, err
	}
	if o.cache != nil {
		o.cache.Put(cache.NamespaceRepoMeta, repoFullName, meta)
	}
	return meta, nil
}

// listOpenPRs resolves the repository's open-PR list through the repo.prs
// cache namespace. A cached list only feeds the fingerprint diff; the PR
// Processor always re-reads fresh detail after dequeue, so a stale hit can
// delay work by at most one TTL window but never act on stale state.
func (o *Orchestrator) listOpenPRs(ctx context.Context, repoFullName string, report *model.CycleReport) ([]model.PullRequest, error) {
	if o.cache != nil {
		if v, ok := o.cache.Get(cache.NamespaceRepoPRs, repoFullName); ok {
			o.recorder.RecordCacheHit()
			return v.([]model.PullRequest), nil
		}
		o.recorder.RecordCacheMiss()
	}

	prs, err := o.client.ListOpenPRs(ctx, repoFullName)
	report.APICallsUsed++
	if err != nil {
		return nil, err
	}
	if o.cache != nil {
		o.cache.Put(cache.NamespaceRepoPRs, repoFullName, prs)
	}
	return prs, nil
}

// nextInterval is the scheduling decision point for poll.adaptive: the
// scorer's bucket when adaptive polling is on, the fixed base interval when
// an operator turned it off.
func (o *Orchestrator) nextInterval(repoFullName string) time.Duration {
	if !o.cfg.Adaptive {
		return o.cfg.BaseInterval
	}
	return o.scorer.NextInterval(repoFullName)
}

func (o *Orchestrator) reschedule(rt *repoRuntime, delay time.Duration) {
	if delay <= 0 {
		delay = o.cfg.BaseInterval
	}
	rt.setNextRunAt(time.Now().Add(delay))
}
