package httphandler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/ashmere/renovateagent/internal/cache"
	"github.com/ashmere/renovateagent/internal/dedup"
	"github.com/ashmere/renovateagent/internal/intake"
	"github.com/ashmere/renovateagent/internal/metrics"
	"github.com/ashmere/renovateagent/internal/ratelimit"
)

// Handler is the HTTP driving adapter exposing the webhook intake and the
// operator health endpoint over HTTP.
type Handler struct {
	dedup            *dedup.Deduplicator
	cache            *cache.Cache
	recorder         *metrics.Recorder
	governor         *ratelimit.Governor
	webhookSecret    []byte
	requireSignature bool
	webhookEnabled   bool
	pollingEnabled   bool
	logger           *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(
	dd *dedup.Deduplicator,
	c *cache.Cache,
	recorder *metrics.Recorder,
	governor *ratelimit.Governor,
	webhookSecret []byte,
	requireSignature bool,
	webhookEnabled bool,
	pollingEnabled bool,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		dedup:            dd,
		cache:            c,
		recorder:         recorder,
		governor:         governor,
		webhookSecret:    webhookSecret,
		requireSignature: requireSignature,
		webhookEnabled:   webhookEnabled,
		pollingEnabled:   pollingEnabled,
		logger:           logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /events", h.Events)
	mux.HandleFunc("GET /health", h.Health)

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// Events accepts a GitHub webhook delivery, verifies its signature, and
// enqueues any relevant pull_request/check_run/check_suite event into the
// Deduplicator for the worker pool to pick up.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if !h.webhookEnabled {
		writeError(w, http.StatusNotFound, "webhook intake is not enabled")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 5<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	defer func() { _ = r.Body.Close() }()

	eventType := r.Header.Get("X-GitHub-Event")
	if eventType == "" {
		eventType = r.Header.Get("X-Event-Type")
	}
	signature := r.Header.Get("X-Hub-Signature-256")

	outcome, err := intake.HandleEvent(h.dedup, h.requireSignature, h.webhookSecret, eventType, signature, body)
	switch outcome {
	case intake.OutcomeBadSignature:
		h.logger.Warn("webhook signature rejected", "event", eventType, "error", err)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	case intake.OutcomeMalformed:
		h.logger.Warn("webhook payload malformed", "event", eventType, "error", err)
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}

	writeJSON(w, http.StatusOK, EventResponse{Outcome: string(outcome)})
}

// Health reports the Metrics Recorder's derived health score alongside the
// Cache's hit rate and the Rate-Limit Governor's current quota snapshot.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	snapshot := h.recorder.Snapshot()
	cacheStats := h.cache.Stats()
	rlSnapshot := h.governor.Snapshot()

	cacheTotal := cacheStats.Hits + cacheStats.Misses
	hitRate := 1.0
	if cacheTotal > 0 {
		hitRate = float64(cacheStats.Hits) / float64(cacheTotal)
	}

	score := h.recorder.HealthScore()
	status := "healthy"
	switch {
	case score < 40:
		status = "unhealthy"
	case score < 75:
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:         status,
		HealthScore:    score,
		PollingEnabled: h.pollingEnabled,
		LastCycleAt:    formatTime(snapshot.LastCycleAt),
		Cache: CacheHealth{
			HitRate: hitRate,
			Size:    cacheStats.Size,
		},
		RateLimit: RateLimitHealth{
			Remaining: rlSnapshot.Remaining,
			ResetAt:   formatTime(rlSnapshot.ResetAt),
		},
	})
}
