package store

import (
	"database/sql"
	"sync"

	"github.com/bosonmesh/boson/internal/model"
)

// SessionRepo provides CRUD for the sessions table.
// All writes are serialized by an internal mutex.
type SessionRepo struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSessionRepo creates a SessionRepo for the given database.
func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

const sessionColumns = `session_id, node_id, client_id, route_id, status, created_at_ns, expires_at_ns, relay_endpoint`

// Upsert inserts or updates a session by session_id. On update, created_at_ns
// is preserved.
func (r *SessionRepo) Upsert(s model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`
		INSERT INTO sessions (session_id, node_id, client_id, route_id, status,
		                      created_at_ns, expires_at_ns, relay_endpoint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			node_id        = excluded.node_id,
			client_id      = excluded.client_id,
			route_id       = excluded.route_id,
			status         = excluded.status,
			expires_at_ns  = excluded.expires_at_ns,
			relay_endpoint = excluded.relay_endpoint
	`, s.SessionID, s.NodeID, s.ClientID, s.RouteID, string(s.Status),
		s.CreatedAtNs, s.ExpiresAtNs, s.RelayEndpoint)
	return err
}

// Get returns a session by ID, or ErrNotFound.
func (r *SessionRepo) Get(sessionID string) (*model.Session, error) {
	row := r.db.QueryRow("SELECT "+sessionColumns+" FROM sessions WHERE session_id = ?", sessionID)
	var s model.Session
	var status string
	if err := row.Scan(&s.SessionID, &s.NodeID, &s.ClientID, &s.RouteID, &status,
		&s.CreatedAtNs, &s.ExpiresAtNs, &s.RelayEndpoint); err != nil {
		return nil, err
	}
	s.Status = model.SessionStatus(status)
	return &s, nil
}

// UpdateStatus sets a session's status.
func (r *SessionRepo) UpdateStatus(sessionID string, status model.SessionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec("UPDATE sessions SET status = ? WHERE session_id = ?", string(status), sessionID)
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

// DeleteExpiredBefore removes sessions whose expiry predates cutoffNs and
// returns their IDs so callers can invalidate caches.
func (r *SessionRepo) DeleteExpiredBefore(cutoffNs int64) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query("SELECT session_id FROM sessions WHERE expires_at_ns < ?", cutoffNs)
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

	if _, err := tx.Exec("DELETE FROM sessions WHERE expires_at_ns < ?", cutoffNs); err != nil {
		return nil, err
	}
	return ids, tx.Commit()
}
