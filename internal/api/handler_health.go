package api

import (
	"net/http"

	"github.com/bosonmesh/boson/internal/registry"
	"github.com/bosonmesh/boson/internal/store"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// HandleHealth serves GET /health. Healthy and degraded both return 200; only
// an unreachable store makes the coordinator unhealthy (503). An empty active
// set degrades but does not fail: the control plane is still serving.
func HandleHealth(st *store.Store, reg *registry.NodeRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{"store": "ok", "nodes": "ok"}
		status := "healthy"
		code := http.StatusOK

		if err := st.Ping(); err != nil {
			checks["store"] = err.Error()
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}

		if status != "unhealthy" {
			active, err := reg.ListActive()
			switch {
			case err != nil:
				checks["nodes"] = err.Error()
				status = "degraded"
			case len(active) == 0:
				checks["nodes"] = "no active nodes"
				status = "degraded"
			}
		}

		WriteJSON(w, code, HealthResponse{Status: status, Checks: checks})
	}
}

// HandleReady serves GET /health/ready: the store must be reachable.
func HandleReady(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(); err != nil {
			WriteError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
		WriteOK(w)
	}
}

// HandleLive serves GET /health/live.
func HandleLive() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteOK(w)
	}
}
