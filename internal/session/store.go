// Package session manages relay session lifecycle: creation, lookup through
// a memory/cache/store hierarchy, closure, and TTL expiry.
package session

import (
	"errors"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/bosonmesh/boson/internal/model"
	"github.com/bosonmesh/boson/internal/store"
)

// ErrSessionNotFound is returned when a session lookup misses everywhere.
var ErrSessionNotFound = errors.New("session not found")

// Store is the session store. Lookups go memory -> cache -> durable store;
// each hit warms the layers above it.
type Store struct {
	mem   *xsync.Map[string, model.Session]
	cache *store.SessionCache
	repo  *store.SessionRepo

	ttl time.Duration
	now func() time.Time
}

// Config holds session Store construction parameters.
type Config struct {
	Cache *store.SessionCache
	Repo  *store.SessionRepo
	TTL   time.Duration // default 1 h

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewStore creates a session Store.
func NewStore(cfg Config) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		mem:   xsync.NewMap[string, model.Session](),
		cache: cfg.Cache,
		repo:  cfg.Repo,
		ttl:   cfg.TTL,
		now:   cfg.Now,
	}
}

// Create upserts a session keyed by session_id with status active, placing it
// in the durable store, the cache, and the in-memory map.
func (s *Store) Create(sessionID, nodeID, clientID, routeID, relayEndpoint string) (*model.Session, error) {
	now := s.now()
	sess := model.Session{
		SessionID:     sessionID,
		NodeID:        nodeID,
		ClientID:      clientID,
		RouteID:       routeID,
		Status:        model.SessionActive,
		CreatedAtNs:   now.UnixNano(),
		ExpiresAtNs:   now.Add(s.ttl).UnixNano(),
		RelayEndpoint: relayEndpoint,
	}
	if err := s.repo.Upsert(sess); err != nil {
		return nil, err
	}
	// The upsert preserves an existing created_at; refresh from the store so
	// the warm layers match the persisted row.
	stored, err := s.repo.Get(sessionID)
	if err != nil {
		return nil, err
	}
	s.cache.Set(*stored)
	s.mem.Store(sessionID, *stored)
	return stored, nil
}

// Get returns a session by ID. Expired sessions are treated as not found.
func (s *Store) Get(sessionID string) (*model.Session, error) {
	if sess, ok := s.mem.Load(sessionID); ok {
		if sess.Expired(s.now()) {
			return nil, ErrSessionNotFound
		}
		return &sess, nil
	}
	if sess, ok := s.cache.Get(sessionID); ok {
		if sess.Expired(s.now()) {
			return nil, ErrSessionNotFound
		}
		s.mem.Store(sessionID, sess)
		return &sess, nil
	}
	sess, err := s.repo.Get(sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if sess.Expired(s.now()) {
		return nil, ErrSessionNotFound
	}
	s.cache.Set(*sess)
	s.mem.Store(sessionID, *sess)
	return sess, nil
}

// UpdateStatus sets a session's status durably and refreshes the warm layers.
func (s *Store) UpdateStatus(sessionID string, status model.SessionStatus) error {
	if err := s.repo.UpdateStatus(sessionID, status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	if sess, ok := s.mem.Load(sessionID); ok {
		sess.Status = status
		s.mem.Store(sessionID, sess)
		s.cache.Set(sess)
	} else {
		s.cache.Invalidate(sessionID)
	}
	return nil
}

// Close marks a session closed and drops it from the warm layers. Closed is
// terminal; closing an already-closed or missing session is a no-op.
func (s *Store) Close(sessionID string) error {
	err := s.repo.UpdateStatus(sessionID, model.SessionClosed)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	s.mem.Delete(sessionID)
	s.cache.Invalidate(sessionID)
	return nil
}

// SweepExpired deletes sessions past their expiry from the durable store and
// invalidates the warm layers for each. Returns the removed session IDs.
func (s *Store) SweepExpired() ([]string, error) {
	ids, err := s.repo.DeleteExpiredBefore(s.now().UnixNano())
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		s.mem.Delete(id)
		s.cache.Invalidate(id)
	}
	return ids, nil
}
