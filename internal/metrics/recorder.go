// Package metrics implements per-cycle and per-repo counters exported as
// Prometheus metrics, plus a derived health score. It wires the counters
// through an explicit prometheus.Registry per Recorder instance so tests can
// construct independent, non-colliding instances. Prometheus counters are
// write-only from the consumer's point of view, so the Recorder also keeps
// its own atomic tallies to serve Snapshot/HealthScore without reaching into
// the registry.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ashmere/renovateagent/internal/domain/model"
)

// Recorder accumulates per-cycle and per-repository counters and derives a
// health score from them.
type Recorder struct {
	Registry *prometheus.Registry

	cyclesMetric            prometheus.Counter
	prsExaminedMetric       prometheus.Counter
	prsActedMetric          prometheus.Counter
	apiCallsMetric          prometheus.Counter
	cacheHitsMetric         prometheus.Counter
	cacheMissesMetric       prometheus.Counter
	approvalsMetric         prometheus.Counter
	fixesOKMetric           prometheus.Counter
	fixesErrMetric          prometheus.Counter
	errorsByKindMetric      *prometheus.CounterVec
	dashboardRebuiltMetric  prometheus.Counter
	rateLimitRemainingGauge prometheus.Gauge
	rateLimitUsageGauge     prometheus.Gauge

	cycles      atomic.Int64
	prsExamined atomic.Int64
	prsActed    atomic.Int64
	apiCalls    atomic.Int64
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
	approvals   atomic.Int64
	fixesOK     atomic.Int64
	fixesErr    atomic.Int64
	errors      atomic.Int64

	rateLimitUsage atomic.Uint64 // math.Float64bits, updated via RecordRateLimit

	mu          sync.Mutex
	lastCycleAt time.Time
	staleCycles int
}

// New creates a Recorder and registers its collectors on a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		Registry: reg,
		cyclesMetric: factory.NewCounter(prometheus.CounterOpts{
			Name: "renovateagent_cycles_total",
			Help: "Total number of polling cycles executed.",
		}),
		prsExaminedMetric: factory.NewCounter(prometheus.CounterOpts{
			Name: "renovateagent_prs_examined_total",
			Help: "Total number of pull requests examined across all cycles.",
		}),
		prsActedMetric: factory.NewCounter(prometheus.CounterOpts{
			Name: "renovateagent_prs_acted_total",
			Help: "Total number of pull requests the PR Processor took an action on.",
		}),
		apiCallsMetric: factory.NewCounter(prometheus.CounterOpts{
			Name: "renovateagent_api_calls_total",
			Help: "Total number of PlatformClient calls issued.",
		}),
		cacheHitsMetric: factory.NewCounter(prometheus.CounterOpts{
			Name: "renovateagent_cache_hits_total",
			Help: "Total number of cache hits.",
		}),
		cacheMissesMetric: factory.NewCounter(prometheus.CounterOpts{
			Name: "renovateagent_cache_misses_total",
			Help: "Total number of cache misses.",
		}),
		approvalsMetric: factory.NewCounter(prometheus.CounterOpts{
			Name: "renovateagent_approvals_total",
			Help: "Total number of pull requests approved.",
		}),
		fixesOKMetric: factory.NewCounter(prometheus.CounterOpts{
			Name: "renovateagent_fixes_ok_total",
			Help: "Total number of successful Fixer invocations.",
		}),
		fixesErrMetric: factory.NewCounter(prometheus.CounterOpts{
			Name: "renovateagent_fixes_err_total",
			Help: "Total number of failed Fixer invocations.",
		}),
		errorsByKindMetric: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "renovateagent_errors_total",
			Help: "Total number of errors, partitioned by kind.",
		}, []string{"kind"}),
		dashboardRebuiltMetric: factory.NewCounter(prometheus.CounterOpts{
			Name: "renovateagent_dashboard_rebuilt_total",
			Help: "Total number of times a dashboard issue's hidden block was found corrupt and rebuilt.",
		}),
		rateLimitRemainingGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "renovateagent_rate_limit_remaining",
			Help: "Most recently observed remaining API quota.",
		}),
		rateLimitUsageGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "renovateagent_rate_limit_usage_fraction",
			Help: "Most recently observed API quota usage fraction.",
		}),
	}
}

// RecordCycle accounts for one completed polling cycle.
func (r *Recorder) RecordCycle(report model.CycleReport) {
	r.cyclesMetric.Inc()
	r.cycles.Add(1)

	r.prsExaminedMetric.Add(float64(report.PRsExamined))
	r.prsExamined.Add(int64(report.PRsExamined))

	r.prsActedMetric.Add(float64(report.PRsActedOn))
	r.prsActed.Add(int64(report.PRsActedOn))

	r.apiCallsMetric.Add(float64(report.APICallsUsed))
	r.apiCalls.Add(int64(report.APICallsUsed))

	for range report.Errors {
		r.errorsByKindMetric.WithLabelValues(string(model.ErrorKindTransient)).Inc()
		r.errors.Add(1)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastCycleAt = report.EndedAt
	if report.HasChanges() {
		r.staleCycles = 0
	} else {
		r.staleCycles++
	}
}

// RecordCacheHit and RecordCacheMiss feed the Cache's own stats into the
// Metrics Recorder's counters, so /health and the health-score formula see
// a single source of truth.
func (r *Recorder) RecordCacheHit() {
	r.cacheHitsMetric.Inc()
	r.cacheHits.Add(1)
}

func (r *Recorder) RecordCacheMiss() {
	r.cacheMissesMetric.Inc()
	r.cacheMisses.Add(1)
}

// RecordPRActed accounts for one PR the PR Processor took an observable
// action on (an approval submitted or a fix pushed).
func (r *Recorder) RecordPRActed() {
	r.prsActedMetric.Inc()
	r.prsActed.Add(1)
}

// RecordApproval, RecordFixOK, RecordFixErr, RecordError account for the PR
// Processor's per-PR outcomes.
func (r *Recorder) RecordApproval() {
	r.approvalsMetric.Inc()
	r.approvals.Add(1)
}

func (r *Recorder) RecordFixOK() {
	r.fixesOKMetric.Inc()
	r.fixesOK.Add(1)
}

func (r *Recorder) RecordFixErr() {
	r.fixesErrMetric.Inc()
	r.fixesErr.Add(1)
}

func (r *Recorder) RecordError(kind model.ErrorKind) {
	r.errorsByKindMetric.WithLabelValues(string(kind)).Inc()
	r.errors.Add(1)
}

// RecordDashboardRebuilt accounts for a corrupt-hidden-block recovery.
func (r *Recorder) RecordDashboardRebuilt() { r.dashboardRebuiltMetric.Inc() }

// RecordRateLimit snapshots the Rate-Limit Governor's view for /health and
// the health-score formula.
func (r *Recorder) RecordRateLimit(remaining int, usageFraction float64) {
	r.rateLimitRemainingGauge.Set(float64(remaining))
	r.rateLimitUsageGauge.Set(usageFraction)
	r.rateLimitUsage.Store(math.Float64bits(usageFraction))
}

// Snapshot is a read-only view of the counters needed to compute the health
// score and populate /health.
type Snapshot struct {
	Cycles         int64
	PRsExamined    int64
	PRsActed       int64
	APICalls       int64
	CacheHits      int64
	CacheMisses    int64
	Approvals      int64
	FixesOK        int64
	FixesErr       int64
	ErrorCount     int64
	RateLimitUsage float64
	LastCycleAt    time.Time
	StaleCycles    int
}

// Snapshot returns the current counter values.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	lastCycleAt := r.lastCycleAt
	staleCycles := r.staleCycles
	r.mu.Unlock()

	return Snapshot{
		Cycles:         r.cycles.Load(),
		PRsExamined:    r.prsExamined.Load(),
		PRsActed:       r.prsActed.Load(),
		APICalls:       r.apiCalls.Load(),
		CacheHits:      r.cacheHits.Load(),
		CacheMisses:    r.cacheMisses.Load(),
		Approvals:      r.approvals.Load(),
		FixesOK:        r.fixesOK.Load(),
		FixesErr:       r.fixesErr.Load(),
		ErrorCount:     r.errors.Load(),
		RateLimitUsage: math.Float64frombits(r.rateLimitUsage.Load()),
		LastCycleAt:    lastCycleAt,
		StaleCycles:    staleCycles,
	}
}

// HealthScore derives a [0,100] wellness indicator:
// health = 100 − 40·error_rate − 30·rate_limit_pressure − 20·(1 −
// cache_hit_rate) − 10·stale_cycle_factor, clamped to [0,100].
func (r *Recorder) HealthScore() float64 {
	s := r.Snapshot()

	errorRate := 0.0
	if s.PRsExamined > 0 {
		errorRate = float64(s.ErrorCount) / float64(s.PRsExamined)
	}

	cacheTotal := s.CacheHits + s.CacheMisses
	cacheHitRate := 1.0
	if cacheTotal > 0 {
		cacheHitRate = float64(s.CacheHits) / float64(cacheTotal)
	}

	staleCycleFactor := math.Min(1.0, float64(s.StaleCycles)/10.0)

	health := 100 -
		40*errorRate -
		30*s.RateLimitUsage -
		20*(1-cacheHitRate) -
		10*staleCycleFactor

	return math.Max(0, math.Min(100, health))
}
