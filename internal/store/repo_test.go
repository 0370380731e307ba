package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/bosonmesh/boson/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRouteRepoInsertGetExpire(t *testing.T) {
	st := openTestStore(t)
	now := time.Now().UnixNano()

	rt := model.Route{
		ID:                 "relay-abc",
		Type:               model.RouteRelay,
		Path:               []string{"client-1", "coordinator", "node-1"},
		EstimatedLatencyMs: 100,
		EstimatedBandwidth: 80,
		Cost:               2,
		Priority:           50,
		ClientID:           "client-1",
		ExpiresAtNs:        now + int64(time.Hour),
	}
	if err := st.Routes.Insert(rt); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := st.Routes.Get("relay-abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Type != model.RouteRelay || len(got.Path) != 3 || got.Path[1] != "coordinator" {
		t.Errorf("round trip mangled route: %+v", got)
	}

	// Re-insert with new expiry updates in place.
	rt.ExpiresAtNs = now - int64(time.Minute)
	if err := st.Routes.Insert(rt); err != nil {
		t.Fatalf("re-insert: %v", err)
	}

	removed, err := st.Routes.DeleteExpiredBefore(now)
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := st.Routes.Get("relay-abc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired route still readable: %v", err)
	}
}

func TestMetricsRepoHistoryAndAggregation(t *testing.T) {
	st := openTestStore(t)
	base := time.Now().UnixNano()

	samples := []float64{20, 40, 60}
	for i, cpu := range samples {
		err := st.Metrics.Insert(model.NodeMetrics{
			NodeID:      "node-1",
			TimestampNs: base + int64(i)*int64(time.Minute),
			Metrics:     model.HeartbeatMetrics{CPUUsage: cpu, MemoryUsage: 50, PacketLoss: 1},
		})
		if err != nil {
			t.Fatalf("insert sample %d: %v", i, err)
		}
	}

	latest, err := st.Metrics.Latest("node-1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Metrics.CPUUsage != 60 {
		t.Errorf("latest cpu = %v, want 60", latest.Metrics.CPUUsage)
	}

	if _, err := st.Metrics.Latest("node-ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown node latest: %v", err)
	}

	// Newest first, limit respected.
	hist, err := st.Metrics.History("node-1", base, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 || hist[0].Metrics.CPUUsage != 60 || hist[1].Metrics.CPUUsage != 40 {
		t.Errorf("history = %+v", hist)
	}

	agg, err := st.Metrics.Aggregated("node-1", base, base+int64(time.Hour))
	if err != nil {
		t.Fatalf("aggregated: %v", err)
	}
	if agg.Samples != 3 || agg.AvgCPUUsage != 40 || agg.AvgMemoryUsage != 50 {
		t.Errorf("aggregated = %+v", agg)
	}

	// Empty window aggregates to zeroes, not an error.
	empty, err := st.Metrics.Aggregated("node-1", base-int64(time.Hour), base-1)
	if err != nil {
		t.Fatalf("empty aggregated: %v", err)
	}
	if empty.Samples != 0 || empty.AvgCPUUsage != 0 {
		t.Errorf("empty aggregated = %+v", empty)
	}

	removed, err := st.Metrics.PurgeBefore(base + int64(time.Minute))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Errorf("purged = %d, want 1", removed)
	}
}

func TestNodeRepoLifecycleSweeps(t *testing.T) {
	st := openTestStore(t)
	base := time.Now().UnixNano()

	add := func(id string, status model.NodeStatus, heartbeatNs int64) {
		t.Helper()
		err := st.Nodes.Upsert(model.Node{
			NodeID:          id,
			PublicKey:       "pk-" + id,
			Status:          status,
			LastHeartbeatNs: heartbeatNs,
			RegisteredAtNs:  base,
		})
		if err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	add("stale", model.NodeOnline, base-int64(5*time.Minute))
	add("fresh", model.NodeOnline, base)

	marked, err := st.Nodes.MarkOfflineBefore(base - int64(2*time.Minute))
	if err != nil {
		t.Fatalf("mark offline: %v", err)
	}
	if len(marked) != 1 || marked[0] != "stale" {
		t.Errorf("marked = %v, want [stale]", marked)
	}

	active, err := st.Nodes.ListActive(0)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].NodeID != "fresh" {
		t.Errorf("active = %+v, want only fresh", active)
	}

	removed, err := st.Nodes.DeleteInactiveBefore(base - int64(2*time.Minute))
	if err != nil {
		t.Fatalf("delete inactive: %v", err)
	}
	if len(removed) != 1 || removed[0] != "stale" {
		t.Errorf("removed = %v, want [stale]", removed)
	}
	if _, err := st.Nodes.Get("stale"); !errors.Is(err, ErrNotFound) {
		t.Errorf("purged node still readable: %v", err)
	}
	if _, err := st.Nodes.Get("fresh"); err != nil {
		t.Errorf("fresh node lost: %v", err)
	}
}
