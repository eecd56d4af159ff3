package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker manages liveness and readiness state for the ops HTTP
// server: /healthz (liveness), /readyz (readiness). Readiness flips on
// only after recovery and replay finish; the stage string exposes how
// far startup has progressed.
type HealthChecker struct {
	ready     atomic.Bool
	stage     atomic.Value
	startTime time.Time
}

func NewHealthChecker() *HealthChecker {
	h := &HealthChecker{startTime: time.Now()}
	h.stage.Store("starting")
	return h
}

// SetStage records the current startup phase (e.g. "replaying").
func (h *HealthChecker) SetStage(stage string) {
	h.stage.Store(stage)
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	if ready {
		h.stage.Store("serving")
	}
	h.ready.Store(ready)
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// LivenessHandler returns HTTP 200 if the process is alive.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 only after recovery is complete,
// the database and NATS are connected, and replay has finished.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	status := "not_ready"
	code := http.StatusServiceUnavailable
	if h.ready.Load() {
		status = "ready"
		code = http.StatusOK
	}

	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"stage":  h.stage.Load(),
	})
}
