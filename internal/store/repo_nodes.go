package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/bosonmesh/boson/internal/model"
)

// ErrNotFound is returned by repo lookups when no row matches.
var ErrNotFound = sql.ErrNoRows

// NodeRepo provides CRUD for the nodes table.
// All writes are serialized by an internal mutex.
type NodeRepo struct {
	db *sql.DB
	mu sync.Mutex
}

// NewNodeRepo creates a NodeRepo for the given database.
func NewNodeRepo(db *sql.DB) *NodeRepo {
	return &NodeRepo{db: db}
}

const nodeColumns = `node_id, public_key, network_info_json, capabilities_json, location_json, status, last_heartbeat_ns, registered_at_ns`

// Upsert inserts or updates a node by node_id. On update, registered_at_ns
// is preserved (not overwritten).
func (r *NodeRepo) Upsert(n model.Node) error {
	netJSON, err := json.Marshal(n.NetworkInfo)
	if err != nil {
		return fmt.Errorf("marshal network_info: %w", err)
	}
	capJSON, err := json.Marshal(n.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	locJSON, err := json.Marshal(n.Location)
	if err != nil {
		return fmt.Errorf("marshal location: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.db.Exec(`
		INSERT INTO nodes (node_id, public_key, network_info_json, capabilities_json,
		                   location_json, status, last_heartbeat_ns, registered_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			public_key        = excluded.public_key,
			network_info_json = excluded.network_info_json,
			capabilities_json = excluded.capabilities_json,
			location_json     = excluded.location_json,
			status            = excluded.status,
			last_heartbeat_ns = excluded.last_heartbeat_ns
	`, n.NodeID, n.PublicKey, string(netJSON), string(capJSON), string(locJSON),
		string(n.Status), n.LastHeartbeatNs, n.RegisteredAtNs)
	return err
}

// Get returns a node by ID, or ErrNotFound.
func (r *NodeRepo) Get(nodeID string) (*model.Node, error) {
	row := r.db.QueryRow("SELECT "+nodeColumns+" FROM nodes WHERE node_id = ?", nodeID)
	return scanNode(row)
}

// ListActive returns nodes with status online or degraded and a heartbeat
// newer than sinceNs, ordered by most-recent heartbeat first.
func (r *NodeRepo) ListActive(sinceNs int64) ([]model.Node, error) {
	rows, err := r.db.Query(`
		SELECT `+nodeColumns+` FROM nodes
		WHERE status IN ('online', 'degraded') AND last_heartbeat_ns > ?
		ORDER BY last_heartbeat_ns DESC`, sinceNs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNodes(rows)
}

// ListAll returns every node regardless of status.
func (r *NodeRepo) ListAll() ([]model.Node, error) {
	rows, err := r.db.Query("SELECT " + nodeColumns + " FROM nodes ORDER BY last_heartbeat_ns DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNodes(rows)
}

// UpdateHeartbeat advances last_heartbeat_ns and sets status for a node.
func (r *NodeRepo) UpdateHeartbeat(nodeID string, status model.NodeStatus, heartbeatNs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(
		"UPDATE nodes SET status = ?, last_heartbeat_ns = ? WHERE node_id = ?",
		string(status), heartbeatNs, nodeID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePublicIP sets network_info.public_ip for a node.
func (r *NodeRepo) UpdatePublicIP(nodeID, publicIP string) error {
	n, err := r.Get(nodeID)
	if err != nil {
		return err
	}
	n.NetworkInfo.PublicIP = publicIP
	netJSON, err := json.Marshal(n.NetworkInfo)
	if err != nil {
		return fmt.Errorf("marshal network_info: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.db.Exec("UPDATE nodes SET network_info_json = ? WHERE node_id = ?", string(netJSON), nodeID)
	return err
}

// Delete removes a node by ID.
func (r *NodeRepo) Delete(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec("DELETE FROM nodes WHERE node_id = ?", nodeID)
	return err
}

// MarkOfflineBefore transitions nodes whose heartbeat predates cutoffNs from
// online/degraded to offline. Returns the IDs of affected nodes.
func (r *NodeRepo) MarkOfflineBefore(cutoffNs int64) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids, err := r.selectIDs(`
		SELECT node_id FROM nodes
		WHERE status IN ('online', 'degraded') AND last_heartbeat_ns < ?`, cutoffNs)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	_, err = r.db.Exec(`
		UPDATE nodes SET status = 'offline'
		WHERE status IN ('online', 'degraded') AND last_heartbeat_ns < ?`, cutoffNs)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteInactiveBefore removes nodes whose heartbeat predates cutoffNs.
// The select-then-delete runs in one transaction with the offline sweep's
// writes serialized by the repo mutex. Returns the IDs of removed nodes.
func (r *NodeRepo) DeleteInactiveBefore(cutoffNs int64) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query("SELECT node_id FROM nodes WHERE last_heartbeat_ns < ?", cutoffNs)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	if _, err := tx.Exec("DELETE FROM nodes WHERE last_heartbeat_ns < ?", cutoffNs); err != nil {
		return nil, err
	}
	return ids, tx.Commit()
}

func (r *NodeRepo) selectIDs(query string, args ...any) ([]string, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*model.Node, error) {
	var n model.Node
	var netJSON, capJSON, locJSON, status string
	if err := row.Scan(&n.NodeID, &n.PublicKey, &netJSON, &capJSON, &locJSON,
		&status, &n.LastHeartbeatNs, &n.RegisteredAtNs); err != nil {
		return nil, err
	}
	n.Status = model.NodeStatus(status)
	if err := json.Unmarshal([]byte(netJSON), &n.NetworkInfo); err != nil {
		return nil, fmt.Errorf("unmarshal network_info: %w", err)
	}
	if err := json.Unmarshal([]byte(capJSON), &n.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(locJSON), &n.Location); err != nil {
		return nil, fmt.Errorf("unmarshal location: %w", err)
	}
	return &n, nil
}

func collectNodes(rows *sql.Rows) ([]model.Node, error) {
	var result []model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *n)
	}
	return result, rows.Err()
}
