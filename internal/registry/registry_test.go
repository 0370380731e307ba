package registry

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/bosonmesh/boson/internal/model"
	"github.com/bosonmesh/boson/internal/store"
)

func newTestRegistry(t *testing.T, now func() time.Time) (*NodeRegistry, *store.NodeCache) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cache := store.NewNodeCache(100, time.Minute)
	t.Cleanup(cache.Close)

	return New(Config{
		Repo:             st.Nodes,
		Cache:            cache,
		OfflineThreshold: 2 * time.Minute,
		Now:              now,
	}), cache
}

func registryTestNode(id string) model.Node {
	return model.Node{
		NodeID:    id,
		PublicKey: "pk-" + id,
		NetworkInfo: model.NetworkInfo{
			IPv4:      "192.0.2.10",
			NATType:   model.NATFullCone,
			LocalPort: 51820,
		},
		Capabilities: model.Capabilities{
			MaxConnections: 100,
			BandwidthUp:    50,
			BandwidthDown:  200,
			Routing:        true,
		},
		Location: model.Location{Country: "DE", Region: "eu-central"},
	}
}

func TestRegisterAndGet(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Now)

	stored, err := reg.Register(registryTestNode("node-1"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if stored.Status != model.NodeOnline {
		t.Fatalf("status = %s, want online", stored.Status)
	}
	if stored.LastHeartbeatNs == 0 || stored.RegisteredAtNs == 0 {
		t.Fatal("timestamps not set on register")
	}

	got, err := reg.Get("node-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.PublicKey != "pk-node-1" {
		t.Fatalf("public key = %q", got.PublicKey)
	}

	if _, err := reg.Get("node-missing"); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("Get missing = %v, want ErrNodeNotFound", err)
	}
}

func TestReregisterPreservesRegisteredAt(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Now)

	first, err := reg.Register(registryTestNode("node-1"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	updated := registryTestNode("node-1")
	updated.Capabilities.BandwidthDown = 999
	second, err := reg.Register(updated)
	if err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	if second.RegisteredAtNs != first.RegisteredAtNs {
		t.Fatalf("registered_at changed on re-register: %d vs %d", second.RegisteredAtNs, first.RegisteredAtNs)
	}
	if second.Capabilities.BandwidthDown != 999 {
		t.Fatal("capabilities not updated on re-register")
	}
}

func TestHeartbeatDerivesStatus(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Now)
	hb := NewHeartbeatManager(reg)

	if _, err := reg.Register(registryTestNode("node-1")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	resp, err := hb.ProcessHeartbeat("node-1", HeartbeatRequest{
		Metrics: &model.HeartbeatMetrics{CPUUsage: 10, MemoryUsage: 20},
	})
	if err != nil {
		t.Fatalf("ProcessHeartbeat: %v", err)
	}
	if resp.Status != "ok" || resp.NextHeartbeat != 30 {
		t.Fatalf("resp = %+v, want ok/30", resp)
	}

	node, err := reg.Get("node-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if node.Status != model.NodeOnline {
		t.Fatalf("status = %s, want online", node.Status)
	}

	// High CPU flips the node to degraded and tightens the cadence.
	resp, err = hb.ProcessHeartbeat("node-1", HeartbeatRequest{
		Metrics: &model.HeartbeatMetrics{CPUUsage: 95},
	})
	if err != nil {
		t.Fatalf("ProcessHeartbeat degraded: %v", err)
	}
	if resp.NextHeartbeat != 10 {
		t.Fatalf("next_heartbeat = %d, want 10", resp.NextHeartbeat)
	}
	node, _ = reg.Get("node-1")
	if node.Status != model.NodeDegraded {
		t.Fatalf("status = %s, want degraded", node.Status)
	}
}

func TestHeartbeatExplicitStatusWins(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Now)
	hb := NewHeartbeatManager(reg)

	if _, err := reg.Register(registryTestNode("node-1")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := hb.ProcessHeartbeat("node-1", HeartbeatRequest{
		Metrics: &model.HeartbeatMetrics{CPUUsage: 5},
		Status:  model.NodeDegraded,
	}); err != nil {
		t.Fatalf("ProcessHeartbeat: %v", err)
	}
	node, _ := reg.Get("node-1")
	if node.Status != model.NodeDegraded {
		t.Fatalf("status = %s, want explicit degraded", node.Status)
	}
}

func TestHeartbeatUnknownNode(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Now)
	hb := NewHeartbeatManager(reg)

	_, err := hb.ProcessHeartbeat("node-ghost", HeartbeatRequest{})
	if !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("err = %v, want ErrNodeNotFound", err)
	}
}

func TestSweepOfflineThenPurge(t *testing.T) {
	now := time.Now()
	clock := &now
	reg, _ := newTestRegistry(t, func() time.Time { return *clock })

	if _, err := reg.Register(registryTestNode("node-x")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// 3 minutes of silence: offline, still listed with all=true semantics.
	later := now.Add(3 * time.Minute)
	clock = &later
	offline, err := reg.MarkInactiveOffline(2 * time.Minute)
	if err != nil {
		t.Fatalf("MarkInactiveOffline: %v", err)
	}
	if len(offline) != 1 || offline[0] != "node-x" {
		t.Fatalf("offline = %v, want [node-x]", offline)
	}

	node, err := reg.Get("node-x")
	if err != nil {
		t.Fatalf("Get after offline: %v", err)
	}
	if node.Status != model.NodeOffline {
		t.Fatalf("status = %s, want offline", node.Status)
	}

	active, err := reg.ListActive()
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("active = %v, want empty", active)
	}

	// 11 minutes of silence: hard-removed, cache invalidated.
	muchLater := now.Add(11 * time.Minute)
	clock = &muchLater
	removed, err := reg.RemoveInactive(10 * time.Minute)
	if err != nil {
		t.Fatalf("RemoveInactive: %v", err)
	}
	if len(removed) != 1 || removed[0] != "node-x" {
		t.Fatalf("removed = %v, want [node-x]", removed)
	}
	if _, err := reg.Get("node-x"); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("Get after purge = %v, want ErrNodeNotFound", err)
	}
}

func TestFreshNodeNeverSwept(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Now)
	if _, err := reg.Register(registryTestNode("node-1")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	offline, err := reg.MarkInactiveOffline(2 * time.Minute)
	if err != nil {
		t.Fatalf("MarkInactiveOffline: %v", err)
	}
	if len(offline) != 0 {
		t.Fatalf("offline = %v, want none", offline)
	}

	removed, err := reg.RemoveInactive(10 * time.Minute)
	if err != nil {
		t.Fatalf("RemoveInactive: %v", err)
	}
	if len(removed) != 0 {
		t.Fatalf("removed = %v, want none", removed)
	}
}
