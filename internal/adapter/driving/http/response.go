package httphandler

import (
	"encoding/json"
	"net/http"
	"time"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshalling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// EventResponse is the JSON body returned from a webhook delivery, echoing
// back how it was disposed of.
type EventResponse struct {
	Outcome string `json:"outcome"`
}

// CacheHealth is the /health response's cache section.
type CacheHealth struct {
	HitRate float64 `json:"hit_rate"`
	Size    int     `json:"size"`
}

// RateLimitHealth is the /health response's rate-limit section.
type RateLimitHealth struct {
	Remaining int    `json:"remaining"`
	ResetAt   string `json:"reset_at"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status         string          `json:"status"`
	HealthScore    float64         `json:"health_score"`
	PollingEnabled bool            `json:"polling_enabled"`
	LastCycleAt    string          `json:"last_cycle_at,omitempty"`
	Cache          CacheHealth     `json:"cache"`
	RateLimit      RateLimitHealth `json:"rate_limit"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
