package api

import (
	"net/http"
	"time"
)

// HealthResponse is the health check response.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime,omitempty"`
	Store     string    `json:"store"`
}

var startTime = time.Now()

// handleHealth reports process liveness and store reachability. A dead
// store degrades the status but still answers 200; load balancers probe
// liveness, not the store.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    time.Since(startTime).String(),
		Store:     "ok",
	}
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			response.Status = "degraded"
			response.Store = err.Error()
		}
	}
	s.respondJSON(w, http.StatusOK, response)
}
