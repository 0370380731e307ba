package store

import (
	"time"

	"github.com/maypok86/otter"

	"github.com/bosonmesh/boson/internal/model"
)

// NodeCache is a bounded TTL read cache over the nodes table.
// Entries are best-effort and never authoritative.
type NodeCache struct {
	cache otter.Cache[string, model.Node]
}

// NewNodeCache creates a NodeCache bounded to maxEntries with the given TTL.
func NewNodeCache(maxEntries int, ttl time.Duration) *NodeCache {
	cache, err := otter.MustBuilder[string, model.Node](maxEntries).
		Cost(func(_ string, _ model.Node) uint32 { return 1 }).
		WithTTL(ttl).
		Build()
	if err != nil {
		panic("store: failed to create node cache: " + err.Error())
	}
	return &NodeCache{cache: cache}
}

// Get returns the cached node, if present and fresh.
func (c *NodeCache) Get(nodeID string) (model.Node, bool) {
	return c.cache.Get(nodeID)
}

// Set stores a node in the cache.
func (c *NodeCache) Set(n model.Node) {
	c.cache.Set(n.NodeID, n)
}

// Invalidate removes a node from the cache.
func (c *NodeCache) Invalidate(nodeID string) {
	c.cache.Delete(nodeID)
}

// Close releases cache resources.
func (c *NodeCache) Close() {
	c.cache.Close()
}

// SessionCache is a bounded TTL read cache over the sessions table.
type SessionCache struct {
	cache otter.Cache[string, model.Session]
}

// NewSessionCache creates a SessionCache bounded to maxEntries with the given TTL.
func NewSessionCache(maxEntries int, ttl time.Duration) *SessionCache {
	cache, err := otter.MustBuilder[string, model.Session](maxEntries).
		Cost(func(_ string, _ model.Session) uint32 { return 1 }).
		WithTTL(ttl).
		Build()
	if err != nil {
		panic("store: failed to create session cache: " + err.Error())
	}
	return &SessionCache{cache: cache}
}

// Get returns the cached session, if present and fresh.
func (c *SessionCache) Get(sessionID string) (model.Session, bool) {
	return c.cache.Get(sessionID)
}

// Set stores a session in the cache.
func (c *SessionCache) Set(s model.Session) {
	c.cache.Set(s.SessionID, s)
}

// Invalidate removes a session from the cache.
func (c *SessionCache) Invalidate(sessionID string) {
	c.cache.Delete(sessionID)
}

// Close releases cache resources.
func (c *SessionCache) Close() {
	c.cache.Close()
}
