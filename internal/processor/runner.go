package processor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashmere/renovateagent/internal/dedup"
	"github.com/ashmere/renovateagent/internal/domain/model"
	"github.com/ashmere/renovateagent/internal/domain/port/driven"
	"github.com/ashmere/renovateagent/internal/metrics"
	"github.com/ashmere/renovateagent/internal/state"
)

// RunnerConfig holds the worker pool's tunables.
type RunnerConfig struct {
	MaxConcurrentPRs int
	PipelineDeadline time.Duration
	// IsTestRepo classifies a repository as test-only for the dashboard
	// creation-mode predicate, mirroring the Polling Orchestrator's own
	// Config.IsTestRepo so both event sources agree on when to create D.
	IsTestRepo func(repoFullName string) bool
}

// DefaultRunnerConfig returns the default pipeline deadline (60s) and a
// worker count matching the repo-cycle pool's default.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{MaxConcurrentPRs: 4, PipelineDeadline: 60 * time.Second}
}

// Runner drains the Deduplicator's queue and dispatches each key to the
// Processor, bounded by a semaphore the same way the Polling Orchestrator
// bounds repo cycles. This is the worker pool half of the Deduplicator's
// single-entry-point contract: both the orchestrator and the event intake
// submit; Runner is the only consumer.
type Runner struct {
	dedup     *dedup.Deduplicator
	tracker   *state.Tracker
	processor *Processor
	recorder  *metrics.Recorder
	cfg       RunnerConfig
	logger    *slog.Logger

	semaphore chan struct{}
	activeWg  sync.WaitGroup
	stopping  atomic.Bool
	wgMu      sync.Mutex
}

// NewRunner creates a Runner.
func NewRunner(dd *dedup.Deduplicator, tracker *state.Tracker, proc *Processor, recorder *metrics.Recorder, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultRunnerConfig()
	if cfg.MaxConcurrentPRs <= 0 {
		cfg.MaxConcurrentPRs = def.MaxConcurrentPRs
	}
	if cfg.PipelineDeadline <= 0 {
		cfg.PipelineDeadline = def.PipelineDeadline
	}
	if cfg.IsTestRepo == nil {
		cfg.IsTestRepo = func(string) bool { return false }
	}
	return &Runner{
		dedup:     dd,
		tracker:   tracker,
		processor: proc,
		recorder:  recorder,
		cfg:       cfg,
		logger:    logger,
		semaphore: make(chan struct{}, cfg.MaxConcurrentPRs),
	}
}

// Start drains the Deduplicator until ctx is canceled, then waits for any
// in-flight pipeline runs to finish before returning.
func (r *Runner) Start(ctx context.Context) {
	for {
		key, sources, ok := r.dedup.Next(ctx)
		if !ok {
			r.wgMu.Lock()
			r.stopping.Store(true)
			r.wgMu.Unlock()
			r.activeWg.Wait()
			return
		}

		select {
		case <-ctx.Done():
			r.dedup.Done(key)
			r.wgMu.Lock()
			r.stopping.Store(true)
			r.wgMu.Unlock()
			r.activeWg.Wait()
			return
		case r.semaphore <- struct{}{}:
		}

		r.wgMu.Lock()
		if r.stopping.Load() {
			r.wgMu.Unlock()
			<-r.semaphore
			r.dedup.Done(key)
			return
		}
		r.activeWg.Add(1)
		r.wgMu.Unlock()

		go func() {
			defer r.activeWg.Done()
			defer func() { <-r.semaphore }()
			defer r.dedup.Done(key)
			r.process(ctx, key, sources)
		}()
	}
}

func (r *Runner) process(ctx context.Context, key dedup.Key, sources map[dedup.Source]struct{}) {
	pipelineCtx, cancel := context.WithTimeout(ctx, r.cfg.PipelineDeadline)
	defer cancel()

	lock := r.tracker.Lock(key.RepoFullName)
	lock.Lock()
	defer lock.Unlock()

	rec, exists, err := r.tracker.Load(pipelineCtx, key.RepoFullName)
	if err != nil {
		r.logger.Error("load dashboard failed", slog.String("repo", key.RepoFullName), slog.Any("error", err))
		return
	}

	rec, outcome := r.processor.Process(pipelineCtx, key.RepoFullName, key.Number, rec)
	if outcome.Err != nil {
		r.logger.Error("pipeline run failed",
			slog.String("repo", key.RepoFullName), slog.Int("pr", key.Number), slog.Any("error", outcome.Err))
		r.recorder.RecordError(errorKind(outcome.Err))

		// Per-PR errors surface on the dashboard rather than stopping the
		// worker; the entry keeps its prior action with the error attached.
		entry := rec.PerPR[key.Number]
		entry.LastError = outcome.Err.Error()
		rec.PerPR[key.Number] = entry
		outcome.Changed = true
	}

	switch outcome.Action {
	case model.ActionApproved:
		r.recorder.RecordApproval()
		r.recorder.RecordPRActed()
	case model.ActionFixApplied:
		r.recorder.RecordFixOK()
		r.recorder.RecordPRActed()
	case model.ActionBlocked:
		if outcome.BlockReason == model.BlockReasonFixFailed {
			r.recorder.RecordFixErr()
		}
	}

	if !outcome.Changed {
		return
	}

	hasRenovatePRs := outcome.Action != model.ActionIgnored
	isTestRepo := r.cfg.IsTestRepo(key.RepoFullName)
	if err := r.tracker.EnsureIssue(pipelineCtx, key.RepoFullName, exists, hasRenovatePRs, isTestRepo); err != nil {
		r.logger.Error("ensure dashboard issue failed", slog.String("repo", key.RepoFullName), slog.Any("error", err))
		return
	}
	if err := r.tracker.Store(pipelineCtx, key.RepoFullName, rec); err != nil {
		r.logger.Error("store dashboard failed", slog.String("repo", key.RepoFullName), slog.Any("error", err))
	}

	r.logger.Debug("pipeline run complete",
		slog.String("repo", key.RepoFullName), slog.Int("pr", key.Number),
		slog.String("action", string(outcome.Action)), slog.Any("sources", sourceList(sources)))
}

func sourceList(sources map[dedup.Source]struct{}) []string {
	out := make([]string, 0, len(sources))
	for s := range sources {
		out = append(out, string(s))
	}
	return out
}

// errorKind maps a pipeline error onto the metrics vocabulary via the
// platform port's sentinel errors.
func errorKind(err error) model.ErrorKind {
	switch {
	case errors.Is(err, driven.ErrNotFound):
		return model.ErrorKindNotFound
	case errors.Is(err, driven.ErrForbidden):
		return model.ErrorKindForbidden
	case errors.Is(err, driven.ErrRateLimited):
		return model.ErrorKindRateLimited
	case errors.Is(err, driven.ErrMalformed):
		return model.ErrorKindMalformed
	default:
		return model.ErrorKindTransient
	}
}
