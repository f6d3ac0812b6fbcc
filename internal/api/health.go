package api

import (
	"net/http"
	"time"

	"sensorhub/internal/poller"
)

// staleFactor is how many intervals may pass without a tick before the
// collector is reported unhealthy
const staleFactor = 3

// Health is the poller state the health check reports on
type Health interface {
	State() poller.State
	Interval() time.Duration
	LastTick() (poller.TickSummary, bool)
}

// HealthStatus is the /healthz response body
type HealthStatus struct {
	Status   string              `json:"status"`
	State    string              `json:"state"`
	Interval string              `json:"interval"`
	LastTick *poller.TickSummary `json:"lastTick,omitempty"`
	Reason   string              `json:"reason,omitempty"`
}

// Healthz reports 200 while the loop runs and ticks on time, 503 otherwise
// GET /healthz
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	status := s.checkHealth()
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) checkHealth() HealthStatus {
	state := s.health.State()
	interval := s.health.Interval()

	status := HealthStatus{
		Status:   "ok",
		State:    state.String(),
		Interval: interval.String(),
	}

	last, ok := s.health.LastTick()
	if ok {
		status.LastTick = &last
	}

	switch {
	case state == poller.StateStopped || state == poller.StateIdle:
		status.Status = "unavailable"
		status.Reason = "polling loop is not running"
	case !ok:
		// first tick still in progress
	default:
		// a tick that overruns is measured from its start, plus its own length
		deadline := last.Started.Add(time.Duration(last.DurationMs)*time.Millisecond + staleFactor*interval)
		if s.now().After(deadline) {
			status.Status = "stale"
			status.Reason = "no tick completed in " + (staleFactor * interval).String()
		}
	}
	return status
}
