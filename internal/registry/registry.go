// Package registry tracks registered nodes: registration, liveness via
// heartbeats, and eviction of inactive nodes.
package registry

import (
	"errors"
	"log"
	"time"

	"github.com/bosonmesh/boson/internal/model"
	"github.com/bosonmesh/boson/internal/store"
)

// ErrNodeNotFound is returned when a node lookup misses.
var ErrNodeNotFound = errors.New("node not found")

// NodeRegistry is the authoritative view of registered nodes. Durable writes
// go to the store; reads go cache-then-store.
type NodeRegistry struct {
	repo  *store.NodeRepo
	cache *store.NodeCache

	offlineThreshold time.Duration

	now func() time.Time
}

// Config holds NodeRegistry construction parameters.
type Config struct {
	Repo             *store.NodeRepo
	Cache            *store.NodeCache
	OfflineThreshold time.Duration // default 2 min

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// New creates a NodeRegistry.
func New(cfg Config) *NodeRegistry {
	if cfg.OfflineThreshold <= 0 {
		cfg.OfflineThreshold = 2 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &NodeRegistry{
		repo:             cfg.Repo,
		cache:            cfg.Cache,
		offlineThreshold: cfg.OfflineThreshold,
		now:              cfg.Now,
	}
}

// Register upserts a node keyed by node_id. registered_at is set on first
// insert only; last_heartbeat is advanced to now and status set to online.
func (r *NodeRegistry) Register(n model.Node) (*model.Node, error) {
	now := r.now().UnixNano()
	n.Status = model.NodeOnline
	n.LastHeartbeatNs = now
	if n.RegisteredAtNs == 0 {
		n.RegisteredAtNs = now
	}

	if err := r.repo.Upsert(n); err != nil {
		return nil, err
	}
	// The upsert preserves an existing registered_at; refresh from the store
	// so the returned node reflects the persisted row.
	stored, err := r.repo.Get(n.NodeID)
	if err != nil {
		return nil, err
	}
	r.cache.Set(*stored)
	return stored, nil
}

// Get returns a node by ID, consulting the cache first.
func (r *NodeRegistry) Get(nodeID string) (*model.Node, error) {
	if n, ok := r.cache.Get(nodeID); ok {
		return &n, nil
	}
	n, err := r.repo.Get(nodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNodeNotFound
		}
		return nil, err
	}
	r.cache.Set(*n)
	return n, nil
}

// ListActive returns nodes with status online or degraded whose heartbeat is
// within the offline threshold, ordered by most-recent heartbeat.
func (r *NodeRegistry) ListActive() ([]model.Node, error) {
	cutoff := r.now().Add(-r.offlineThreshold).UnixNano()
	return r.repo.ListActive(cutoff)
}

// ListAll returns every node regardless of status.
func (r *NodeRegistry) ListAll() ([]model.Node, error) {
	return r.repo.ListAll()
}

// UpdateHeartbeat advances a node's heartbeat and status.
func (r *NodeRegistry) UpdateHeartbeat(nodeID string, status model.NodeStatus) error {
	if err := r.repo.UpdateHeartbeat(nodeID, status, r.now().UnixNano()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNodeNotFound
		}
		return err
	}
	r.cache.Invalidate(nodeID)
	return nil
}

// UpdatePublicIP records a node's observed public IP. The update is
// best-effort: a no-op when unchanged, and failures are logged, not returned.
func (r *NodeRegistry) UpdatePublicIP(nodeID, publicIP string) {
	n, err := r.Get(nodeID)
	if err != nil {
		log.Printf("[registry] public IP update for unknown node %s: %v", nodeID, err)
		return
	}
	if n.NetworkInfo.PublicIP == publicIP {
		return
	}
	if err := r.repo.UpdatePublicIP(nodeID, publicIP); err != nil {
		log.Printf("[registry] public IP update for node %s failed: %v", nodeID, err)
		return
	}
	r.cache.Invalidate(nodeID)
}

// Delete removes a node.
func (r *NodeRegistry) Delete(nodeID string) error {
	if err := r.repo.Delete(nodeID); err != nil {
		return err
	}
	r.cache.Invalidate(nodeID)
	return nil
}

// MarkInactiveOffline transitions nodes silent for longer than threshold to
// offline. Returns the affected node IDs.
func (r *NodeRegistry) MarkInactiveOffline(threshold time.Duration) ([]string, error) {
	cutoff := r.now().Add(-threshold).UnixNano()
	ids, err := r.repo.MarkOfflineBefore(cutoff)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		r.cache.Invalidate(id)
	}
	return ids, nil
}

// RemoveInactive hard-deletes nodes silent for longer than threshold.
// Returns the removed node IDs.
func (r *NodeRegistry) RemoveInactive(threshold time.Duration) ([]string, error) {
	cutoff := r.now().Add(-threshold).UnixNano()
	ids, err := r.repo.DeleteInactiveBefore(cutoff)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		r.cache.Invalidate(id)
	}
	return ids, nil
}
