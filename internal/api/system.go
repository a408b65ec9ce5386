package api

import (
	"context"
	"net/http"
	"time"
)

// healthCheckTimeout bounds the database check behind the health endpoint.
const healthCheckTimeout = 2 * time.Second

// PoolStats is the JSON form of database.Stats.
type PoolStats struct {
	ReaderCapacity int    `json:"reader_capacity"`
	ReadersOpen    int    `json:"readers_open"`
	ReadersIdle    int    `json:"readers_idle"`
	ReadersInUse   int    `json:"readers_in_use"`
	Reads          int64  `json:"reads"`
	ReadFailures   int64  `json:"read_failures"`
	PoolExhausted  int64  `json:"pool_exhausted"`
	Writes         int64  `json:"writes"`
	WriteFailures  int64  `json:"write_failures"`
	WriteSequence  uint64 `json:"write_sequence"`
}

// handleHealth reports whether both sides of the pool answer.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.pool.HealthCheck(ctx); err != nil {
		s.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "unavailable",
			"version": s.version,
			"error":   err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

// handleStats returns a snapshot of the pool counters.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	st := s.pool.Stats()
	writeJSON(w, http.StatusOK, PoolStats{
		ReaderCapacity: st.ReaderCapacity,
		ReadersOpen:    st.ReadersOpen,
		ReadersIdle:    st.ReadersIdle,
		ReadersInUse:   st.ReadersInUse,
		Reads:          st.Reads,
		ReadFailures:   st.ReadFailures,
		PoolExhausted:  st.PoolExhausted,
		Writes:         st.Writes,
		WriteFailures:  st.WriteFailures,
		WriteSequence:  st.WriteSequence,
	})
}
