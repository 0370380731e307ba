package session

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/bosonmesh/boson/internal/model"
	"github.com/bosonmesh/boson/internal/store"
)

func newTestStore(t *testing.T, now func() time.Time) *Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cache := store.NewSessionCache(100, time.Minute)
	t.Cleanup(cache.Close)

	return NewStore(Config{
		Cache: cache,
		Repo:  st.Sessions,
		TTL:   time.Hour,
		Now:   now,
	})
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t, time.Now)

	created, err := s.Create("sess-1", "node-1", "client-1", "route-1", "ws://relay/sess-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Status != model.SessionActive {
		t.Fatalf("status = %s, want active", created.Status)
	}

	got, err := s.Get("sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.NodeID != "node-1" || got.ClientID != "client-1" || got.RouteID != "route-1" {
		t.Fatalf("session = %+v", got)
	}

	if _, err := s.Get("sess-missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get missing = %v, want ErrSessionNotFound", err)
	}
}

func TestGetWarmsFromDurableStore(t *testing.T) {
	s := newTestStore(t, time.Now)

	if _, err := s.Create("sess-1", "node-1", "client-1", "route-1", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Drop the warm layers; the durable row must rehydrate them.
	s.mem.Delete("sess-1")
	s.cache.Invalidate("sess-1")

	got, err := s.Get("sess-1")
	if err != nil {
		t.Fatalf("Get after cold start: %v", err)
	}
	if got.SessionID != "sess-1" {
		t.Fatalf("session = %+v", got)
	}
	if _, ok := s.mem.Load("sess-1"); !ok {
		t.Fatal("memory layer not warmed by durable hit")
	}
}

func TestCreateIsIdempotentBySessionID(t *testing.T) {
	s := newTestStore(t, time.Now)

	first, err := s.Create("sess-1", "node-1", "client-1", "route-1", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	second, err := s.Create("sess-1", "node-2", "client-1", "route-2", "")
	if err != nil {
		t.Fatalf("re-Create: %v", err)
	}
	// The repo preserves created_at on upsert; Create must hand back (and
	// warm the layers with) the durable row, not the freshly built struct.
	if second.CreatedAtNs != first.CreatedAtNs {
		t.Fatalf("created_at changed on upsert: %d vs %d", second.CreatedAtNs, first.CreatedAtNs)
	}

	got, err := s.Get("sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CreatedAtNs != first.CreatedAtNs {
		t.Fatalf("warm layers diverge from durable row: %d vs %d", got.CreatedAtNs, first.CreatedAtNs)
	}
	if got.NodeID != "node-2" {
		t.Fatalf("node_id = %s, want updated node-2", got.NodeID)
	}
}

func TestCloseIsTerminalAndIdempotent(t *testing.T) {
	s := newTestStore(t, time.Now)

	if _, err := s.Create("sess-1", "node-1", "client-1", "route-1", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.Close("sess-1"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close("sess-1"); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := s.Close("sess-never-existed"); err != nil {
		t.Fatalf("Close missing: %v", err)
	}

	got, err := s.Get("sess-1")
	if err != nil {
		t.Fatalf("Get closed session: %v", err)
	}
	if got.Status != model.SessionClosed {
		t.Fatalf("status = %s, want closed", got.Status)
	}
}

func TestExpiredSessionNotFound(t *testing.T) {
	now := time.Now()
	clock := &now
	s := newTestStore(t, func() time.Time { return *clock })

	if _, err := s.Create("sess-1", "node-1", "client-1", "route-1", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	later := now.Add(2 * time.Hour)
	clock = &later
	if _, err := s.Get("sess-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get expired = %v, want ErrSessionNotFound", err)
	}
}

func TestSweepExpired(t *testing.T) {
	now := time.Now()
	clock := &now
	s := newTestStore(t, func() time.Time { return *clock })

	if _, err := s.Create("sess-old", "node-1", "client-1", "route-1", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	later := now.Add(2 * time.Hour)
	clock = &later
	if _, err := s.Create("sess-new", "node-1", "client-2", "route-2", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ids, err := s.SweepExpired()
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if len(ids) != 1 || ids[0] != "sess-old" {
		t.Fatalf("swept = %v, want [sess-old]", ids)
	}

	if _, err := s.Get("sess-old"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get swept = %v, want ErrSessionNotFound", err)
	}
	if _, err := s.Get("sess-new"); err != nil {
		t.Fatalf("Get live session: %v", err)
	}
}
