package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/bosonmesh/boson/internal/metrics"
	"github.com/bosonmesh/boson/internal/model"
	"github.com/bosonmesh/boson/internal/store"
)

// MetricsSubmission is the body of POST /api/v1/metrics.
type MetricsSubmission struct {
	NodeID  string                 `json:"node_id"`
	Metrics model.HeartbeatMetrics `json:"metrics"`
}

// HandleSubmitMetrics serves POST /api/v1/metrics.
func HandleSubmitMetrics(svc *metrics.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body MetricsSubmission
		if !decodeBody(w, r, &body) {
			return
		}
		if body.NodeID == "" {
			WriteError(w, http.StatusBadRequest, "node_id is required")
			return
		}
		if authed := authedNodeID(r); authed != "" && authed != body.NodeID {
			WriteError(w, http.StatusUnauthorized, "token does not match node")
			return
		}
		if err := svc.Record(body.NodeID, body.Metrics); err != nil {
			log.Printf("[api] record metrics for %s: %v", body.NodeID, err)
			WriteError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		WriteJSON(w, http.StatusCreated, StatusOK{Status: "ok"})
	}
}

// HandleLatestMetrics serves GET /api/v1/metrics/{id}/latest.
func HandleLatestMetrics(svc *metrics.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sample, err := svc.Latest(r.PathValue("id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				WriteError(w, http.StatusNotFound, "no metrics for node")
				return
			}
			WriteError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		WriteJSON(w, http.StatusOK, sample)
	}
}

// MetricsHistoryResponse is the body of GET /api/v1/metrics/{id}/history.
type MetricsHistoryResponse struct {
	NodeID  string              `json:"node_id"`
	Samples []model.NodeMetrics `json:"samples"`
}

// HandleMetricsHistory serves GET /api/v1/metrics/{id}/history. Optional
// query parameters: window (duration, default 1h) and limit (default 100).
func HandleMetricsHistory(svc *metrics.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodeID := r.PathValue("id")

		window := time.Hour
		if raw := r.URL.Query().Get("window"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				WriteError(w, http.StatusBadRequest, "window must be a positive duration")
				return
			}
			window = d
		}
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				WriteError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = n
		}

		samples, err := svc.History(nodeID, window, limit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if samples == nil {
			samples = []model.NodeMetrics{}
		}
		WriteJSON(w, http.StatusOK, MetricsHistoryResponse{NodeID: nodeID, Samples: samples})
	}
}

// HandleAggregatedMetrics serves GET /api/v1/metrics/{id}/aggregated.
func HandleAggregatedMetrics(svc *metrics.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodeID := r.PathValue("id")

		window := time.Hour
		if raw := r.URL.Query().Get("window"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				WriteError(w, http.StatusBadRequest, "window must be a positive duration")
				return
			}
			window = d
		}

		agg, err := svc.Aggregated(nodeID, window)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				WriteError(w, http.StatusNotFound, "no metrics for node")
				return
			}
			WriteError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		WriteJSON(w, http.StatusOK, agg)
	}
}
