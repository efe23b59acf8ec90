package server

import (
	"encoding/json"
	"net/http"
	"time"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth serves GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	running := 0
	if s.agents != nil {
		for _, a := range s.agents.Snapshot() {
			if a.PID > 0 {
				running++
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"agents_running": running,
		"agents_total":   s.agentsTot,
	})
}

// handleAgents serves GET /agents.
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if s.agents == nil {
		writeJSON(w, http.StatusOK, []AgentStatus{})
		return
	}

	records := s.agents.Snapshot()
	out := make([]AgentStatus, 0, len(records))
	for _, rec := range records {
		status := "running"
		if rec.PID == 0 {
			status = "stopped"
		}
		out = append(out, AgentStatus{
			Name:      rec.Name,
			Status:    status,
			PID:       rec.PID,
			StartedAt: rec.StartedAt,
			Restarts:  rec.RestartCount,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleBreakers serves GET /breakers: the current state of every named
// circuit breaker in the registry.
func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	if s.breakers == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	type breakerStatus struct {
		Name         string `json:"name"`
		State        string `json:"state"`
		FailureCount int    `json:"failure_count"`
	}
	snap := s.breakers.Snapshot()
	out := make([]breakerStatus, 0, len(snap))
	for _, b := range snap {
		out = append(out, breakerStatus{
			Name:         b.Name,
			State:        b.State.String(),
			FailureCount: b.FailureCount,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleQuoteServiceMetrics serves GET /metrics/quote-service: the raw
// cache/fetch counters plus the derived stale-cache usage rate.
func (s *Server) handleQuoteServiceMetrics(w http.ResponseWriter, r *http.Request) {
	if s.quotes == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	c := s.quotes.Counters()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cache_hits_fresh":       c.CacheHitsFresh,
		"cache_hits_stale":       c.CacheHitsStale,
		"fetch_successes":        c.FetchSuccesses,
		"fetch_failures":         c.FetchFailures,
		"max_cache_age_seen":     c.MaxCacheAgeSeen.Seconds(),
		"stale_cache_usage_rate": c.StaleCacheUsageRate(),
	})
}
