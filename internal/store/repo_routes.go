package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/bosonmesh/boson/internal/model"
)

// RouteRepo provides CRUD for the routes table.
type RouteRepo struct {
	db *sql.DB
	mu sync.Mutex
}

// NewRouteRepo creates a RouteRepo for the given database.
func NewRouteRepo(db *sql.DB) *RouteRepo {
	return &RouteRepo{db: db}
}

// Insert stores a materialized route plan.
func (r *RouteRepo) Insert(rt model.Route) error {
	pathJSON, err := json.Marshal(rt.Path)
	if err != nil {
		return fmt.Errorf("marshal path: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.db.Exec(`
		INSERT INTO routes (route_id, route_type, path_json, latency_ms,
		                    bandwidth_mbps, cost, priority, client_id, expires_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(route_id) DO UPDATE SET
			route_type     = excluded.route_type,
			path_json      = excluded.path_json,
			latency_ms     = excluded.latency_ms,
			bandwidth_mbps = excluded.bandwidth_mbps,
			cost           = excluded.cost,
			priority       = excluded.priority,
			client_id      = excluded.client_id,
			expires_at_ns  = excluded.expires_at_ns
	`, rt.ID, string(rt.Type), string(pathJSON), rt.EstimatedLatencyMs,
		rt.EstimatedBandwidth, rt.Cost, rt.Priority, rt.ClientID, rt.ExpiresAtNs)
	return err
}

// Get returns a route by ID, or ErrNotFound.
func (r *RouteRepo) Get(routeID string) (*model.Route, error) {
	row := r.db.QueryRow(`
		SELECT route_id, route_type, path_json, latency_ms, bandwidth_mbps,
		       cost, priority, client_id, expires_at_ns
		FROM routes WHERE route_id = ?`, routeID)

	var rt model.Route
	var routeType, pathJSON string
	if err := row.Scan(&rt.ID, &routeType, &pathJSON, &rt.EstimatedLatencyMs,
		&rt.EstimatedBandwidth, &rt.Cost, &rt.Priority, &rt.ClientID, &rt.ExpiresAtNs); err != nil {
		return nil, err
	}
	rt.Type = model.RouteType(routeType)
	if err := json.Unmarshal([]byte(pathJSON), &rt.Path); err != nil {
		return nil, fmt.Errorf("unmarshal path: %w", err)
	}
	return &rt, nil
}

// DeleteExpiredBefore removes routes whose expiry predates cutoffNs.
// Returns the number of rows removed.
func (r *RouteRepo) DeleteExpiredBefore(cutoffNs int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec("DELETE FROM routes WHERE expires_at_ns < ?", cutoffNs)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
