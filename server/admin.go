package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mnemo-db/mnemo/model"
)

// AdminHandler returns the admin HTTP handler with health, stats and
// Prometheus metrics endpoints. It is served on a separate listener
// from the wire protocol.
func (s *Server) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/stats", s.handleStats)

	metrics := s.opts.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	r.Method(http.MethodGet, "/metrics", metrics)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if err := s.backend.Health(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statsView(s.backend.Stats()))
}

// statsView shapes model.Stats for the admin endpoint.
func statsView(st model.Stats) map[string]any {
	return map[string]any{
		"concepts":     st.Concepts,
		"edges":        st.Edges,
		"vectors":      st.Vectors,
		"applied_seq":  st.AppliedSeq,
		"durable_seq":  st.DurableSeq,
		"snapshot_seq": st.SnapshotSeq,
		"index_size":   st.IndexSize,
		"degraded":     st.Degraded,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint errcheck
}
