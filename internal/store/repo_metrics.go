package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/bosonmesh/boson/internal/model"
)

// MetricsRepo persists per-node metrics samples.
type MetricsRepo struct {
	db *sql.DB
	mu sync.Mutex
}

// NewMetricsRepo creates a MetricsRepo for the given database.
func NewMetricsRepo(db *sql.DB) *MetricsRepo {
	return &MetricsRepo{db: db}
}

// Insert stores one metrics sample.
func (r *MetricsRepo) Insert(m model.NodeMetrics) error {
	data, err := json.Marshal(m.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.db.Exec(`
		INSERT INTO node_metrics (node_id, timestamp_ns, metrics_json)
		VALUES (?, ?, ?)
		ON CONFLICT(node_id, timestamp_ns) DO UPDATE SET
			metrics_json = excluded.metrics_json
	`, m.NodeID, m.TimestampNs, string(data))
	return err
}

// Latest returns the most recent sample for a node, or ErrNotFound.
func (r *MetricsRepo) Latest(nodeID string) (*model.NodeMetrics, error) {
	row := r.db.QueryRow(`
		SELECT node_id, timestamp_ns, metrics_json FROM node_metrics
		WHERE node_id = ? ORDER BY timestamp_ns DESC LIMIT 1`, nodeID)
	return scanMetrics(row)
}

// History returns samples for a node since sinceNs, newest first, capped at limit.
func (r *MetricsRepo) History(nodeID string, sinceNs int64, limit int) ([]model.NodeMetrics, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(`
		SELECT node_id, timestamp_ns, metrics_json FROM node_metrics
		WHERE node_id = ? AND timestamp_ns >= ?
		ORDER BY timestamp_ns DESC LIMIT ?`, nodeID, sinceNs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.NodeMetrics
	for rows.Next() {
		m, err := scanMetrics(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *m)
	}
	return result, rows.Err()
}

// AggregatedMetrics is the average over a window of samples.
type AggregatedMetrics struct {
	NodeID         string  `json:"node_id"`
	Samples        int     `json:"samples"`
	AvgCPUUsage    float64 `json:"avg_cpu_usage"`
	AvgMemoryUsage float64 `json:"avg_memory_usage"`
	AvgPacketLoss  float64 `json:"avg_packet_loss"`
	WindowStartNs  int64   `json:"window_start_ns"`
	WindowEndNs    int64   `json:"window_end_ns"`
}

// Aggregated computes averages over samples in [sinceNs, untilNs].
func (r *MetricsRepo) Aggregated(nodeID string, sinceNs, untilNs int64) (*AggregatedMetrics, error) {
	rows, err := r.db.Query(`
		SELECT metrics_json FROM node_metrics
		WHERE node_id = ? AND timestamp_ns >= ? AND timestamp_ns <= ?`, nodeID, sinceNs, untilNs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	agg := &AggregatedMetrics{NodeID: nodeID, WindowStartNs: sinceNs, WindowEndNs: untilNs}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var m model.HeartbeatMetrics
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, fmt.Errorf("unmarshal metrics: %w", err)
		}
		agg.Samples++
		agg.AvgCPUUsage += m.CPUUsage
		agg.AvgMemoryUsage += m.MemoryUsage
		agg.AvgPacketLoss += m.PacketLoss
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if agg.Samples > 0 {
		agg.AvgCPUUsage /= float64(agg.Samples)
		agg.AvgMemoryUsage /= float64(agg.Samples)
		agg.AvgPacketLoss /= float64(agg.Samples)
	}
	return agg, nil
}

// PurgeBefore removes samples older than cutoffNs. Returns rows removed.
func (r *MetricsRepo) PurgeBefore(cutoffNs int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec("DELETE FROM node_metrics WHERE timestamp_ns < ?", cutoffNs)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanMetrics(row rowScanner) (*model.NodeMetrics, error) {
	var m model.NodeMetrics
	var data string
	if err := row.Scan(&m.NodeID, &m.TimestampNs, &data); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &m.Metrics); err != nil {
		return nil, fmt.Errorf("unmarshal metrics: %w", err)
	}
	return &m, nil
}
