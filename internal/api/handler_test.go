package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bosonmesh/boson/internal/config"
	"github.com/bosonmesh/boson/internal/metrics"
	"github.com/bosonmesh/boson/internal/model"
	"github.com/bosonmesh/boson/internal/registry"
	"github.com/bosonmesh/boson/internal/relay"
	"github.com/bosonmesh/boson/internal/routing"
	"github.com/bosonmesh/boson/internal/session"
	"github.com/bosonmesh/boson/internal/store"
	"github.com/bosonmesh/boson/internal/token"
)

func newTestServer(t *testing.T) (*Server, Deps) {
	t.Helper()

	cfg := &config.CoordinatorConfig{
		ServerHost:        "127.0.0.1",
		ServerPort:        0,
		RelayHost:         "relay.test",
		RelayPort:         8080,
		RelayProtocol:     "ws",
		WireGuardPort:     51820,
		NodeAPIPort:       8088,
		STUNHost:          "stun.test",
		STUNPort:          19302,
		JWTSecret:         "test-secret",
		JWTExpiry:         time.Hour,
		HeartbeatInterval: 30 * time.Second,
		OfflineThreshold:  2 * time.Minute,
		SessionTTL:        time.Hour,
		RouteTTL:          time.Hour,
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	nodeCache := store.NewNodeCache(100, time.Minute)
	t.Cleanup(nodeCache.Close)
	sessionCache := store.NewSessionCache(100, time.Minute)
	t.Cleanup(sessionCache.Close)

	reg := registry.New(registry.Config{
		Repo:             st.Nodes,
		Cache:            nodeCache,
		OfflineThreshold: cfg.OfflineThreshold,
	})
	sessions := session.NewStore(session.Config{
		Cache: sessionCache,
		Repo:  st.Sessions,
		TTL:   cfg.SessionTTL,
	})

	deps := Deps{
		Config:     cfg,
		Store:      st,
		Registry:   reg,
		Heartbeats: registry.NewHeartbeatManager(reg),
		Selector:   routing.NewSelector(reg, cfg.RouteTTL),
		Sessions:   sessions,
		Metrics:    metrics.New(metrics.Config{Repo: st.Metrics}),
		Tokens:     token.NewManager(cfg.JWTSecret, cfg.JWTExpiry),
		Dispatcher: relay.NewDispatcher(reg, relay.DispatcherConfig{}),
	}
	return NewServer(deps), deps
}

func doJSONRequest(t *testing.T, srv *Server, method, path string, body any, bearer string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func registrationBody(nodeID string, nat model.NATType, bwDown int) NodeRegistration {
	return NodeRegistration{
		NodeID:    nodeID,
		PublicKey: "pk-" + nodeID,
		NetworkInfo: model.NetworkInfo{
			IPv4:      "192.0.2.10",
			NATType:   nat,
			LocalPort: 51820,
		},
		Capabilities: model.Capabilities{
			MaxConnections: 100,
			BandwidthUp:    50,
			BandwidthDown:  bwDown,
			Routing:        true,
		},
		Location: model.Location{Country: "DE", Region: "eu-central"},
	}
}

func TestRegisterAndHeartbeatRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	nodeID := "a97b6f72-5a3e-4f80-9d1c-2f6f2a2c9b01"

	rec := doJSONRequest(t, srv, http.MethodPost, "/api/v1/nodes/register",
		registrationBody(nodeID, model.NATFullCone, 200), "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", rec.Code, rec.Body.String())
	}
	var regResp RegistrationResponse
	decodeInto(t, rec, &regResp)
	if regResp.SessionToken == "" {
		t.Fatal("session_token empty")
	}
	if len(regResp.RelayServers) == 0 || !strings.HasPrefix(regResp.RelayServers[0], "ws://relay.test:8080") {
		t.Fatalf("relay_servers = %v", regResp.RelayServers)
	}

	rec = doJSONRequest(t, srv, http.MethodPost, "/api/v1/nodes/"+nodeID+"/heartbeat",
		registry.HeartbeatRequest{
			Metrics: &model.HeartbeatMetrics{CPUUsage: 10, MemoryUsage: 20, PacketLoss: 0},
		}, regResp.SessionToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("heartbeat status = %d, body %s", rec.Code, rec.Body.String())
	}
	var hbResp registry.HeartbeatResponse
	decodeInto(t, rec, &hbResp)
	if hbResp.Status != "ok" || hbResp.NextHeartbeat != 30 {
		t.Fatalf("heartbeat resp = %+v, want ok/30", hbResp)
	}

	rec = doJSONRequest(t, srv, http.MethodGet, "/api/v1/nodes", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list NodeListResponse
	decodeInto(t, rec, &list)
	if list.Total != 1 || list.Nodes[0].NodeID != nodeID {
		t.Fatalf("list = %+v", list)
	}
	if list.Nodes[0].Status != model.NodeOnline {
		t.Fatalf("status = %s, want online", list.Nodes[0].Status)
	}
}

func TestHeartbeatDegradedDetection(t *testing.T) {
	srv, _ := newTestServer(t)
	nodeID := "a97b6f72-5a3e-4f80-9d1c-2f6f2a2c9b02"

	rec := doJSONRequest(t, srv, http.MethodPost, "/api/v1/nodes/register",
		registrationBody(nodeID, model.NATFullCone, 100), "")
	var regResp RegistrationResponse
	decodeInto(t, rec, &regResp)

	rec = doJSONRequest(t, srv, http.MethodPost, "/api/v1/nodes/"+nodeID+"/heartbeat",
		registry.HeartbeatRequest{Metrics: &model.HeartbeatMetrics{CPUUsage: 95}}, regResp.SessionToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("heartbeat status = %d, body %s", rec.Code, rec.Body.String())
	}
	var hbResp registry.HeartbeatResponse
	decodeInto(t, rec, &hbResp)
	if hbResp.NextHeartbeat != 10 {
		t.Fatalf("next_heartbeat = %d, want 10", hbResp.NextHeartbeat)
	}

	rec = doJSONRequest(t, srv, http.MethodGet, "/api/v1/nodes/"+nodeID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var node model.Node
	decodeInto(t, rec, &node)
	if node.Status != model.NodeDegraded {
		t.Fatalf("status = %s, want degraded", node.Status)
	}
}

func TestHeartbeatRequiresToken(t *testing.T) {
	srv, _ := newTestServer(t)
	nodeID := "a97b6f72-5a3e-4f80-9d1c-2f6f2a2c9b03"

	doJSONRequest(t, srv, http.MethodPost, "/api/v1/nodes/register",
		registrationBody(nodeID, model.NATFullCone, 100), "")

	rec := doJSONRequest(t, srv, http.MethodPost, "/api/v1/nodes/"+nodeID+"/heartbeat",
		registry.HeartbeatRequest{}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var errResp ErrorResponse
	decodeInto(t, rec, &errResp)
	if errResp.Error == "" {
		t.Fatal("error message empty")
	}

	rec = doJSONRequest(t, srv, http.MethodPost, "/api/v1/nodes/"+nodeID+"/heartbeat",
		registry.HeartbeatRequest{}, "bogus-token")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for bad token", rec.Code)
	}
}

func TestRegisterValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	body := registrationBody("not-a-uuid", model.NATFullCone, 100)
	rec := doJSONRequest(t, srv, http.MethodPost, "/api/v1/nodes/register", body, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for bad uuid", rec.Code)
	}

	body = registrationBody("a97b6f72-5a3e-4f80-9d1c-2f6f2a2c9b04", "martian", 100)
	rec = doJSONRequest(t, srv, http.MethodPost, "/api/v1/nodes/register", body, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for bad nat_type", rec.Code)
	}

	body = registrationBody("a97b6f72-5a3e-4f80-9d1c-2f6f2a2c9b04", model.NATFullCone, 100)
	body.HeartbeatInterval = 5
	rec = doJSONRequest(t, srv, http.MethodPost, "/api/v1/nodes/register", body, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for heartbeat_interval out of range", rec.Code)
	}
}

func TestRouteRequestSymmetricPairFallsBackToRelay(t *testing.T) {
	srv, _ := newTestServer(t)

	doJSONRequest(t, srv, http.MethodPost, "/api/v1/nodes/register",
		registrationBody("a97b6f72-5a3e-4f80-9d1c-2f6f2a2c9b0a", model.NATSymmetric, 300), "")
	doJSONRequest(t, srv, http.MethodPost, "/api/v1/nodes/register",
		registrationBody("a97b6f72-5a3e-4f80-9d1c-2f6f2a2c9b0b", model.NATFullCone, 100), "")

	rec := doJSONRequest(t, srv, http.MethodPost, "/api/v1/routing/request", RouteRequest{
		ClientID:  "c0ffee00-0000-4000-8000-000000000001",
		ClientNet: routing.ClientNetworkInfo{NATType: model.NATSymmetric},
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp RouteResponse
	decodeInto(t, rec, &resp)
	if resp.SelectedRoute.Type != model.RouteRelay {
		t.Fatalf("selected type = %s, want relay", resp.SelectedRoute.Type)
	}
	if !strings.HasPrefix(resp.SelectedRoute.ID, "relay-") {
		t.Fatalf("selected id = %q, want relay- prefix", resp.SelectedRoute.ID)
	}
	if resp.SelectedRoute.SessionID == "" || resp.SelectedRoute.SessionToken == "" {
		t.Fatal("session handle incomplete")
	}
	if !strings.Contains(resp.SelectedRoute.RelayEndpoint, "/relay/"+resp.SelectedRoute.SessionID) {
		t.Fatalf("relay_endpoint = %q", resp.SelectedRoute.RelayEndpoint)
	}
}

type captureBinder struct {
	sessionID string
	clientID  string
	nodeID    string
	hostport  string
}

func (b *captureBinder) RegisterBinding(sessionID, clientID, nodeID, hostport string) error {
	b.sessionID, b.clientID, b.nodeID, b.hostport = sessionID, clientID, nodeID, hostport
	return nil
}

func TestRouteRequestSeedsUDPBinding(t *testing.T) {
	_, deps := newTestServer(t)
	binder := &captureBinder{}
	deps.UDPBinder = binder
	srv := NewServer(deps)

	doJSONRequest(t, srv, http.MethodPost, "/api/v1/nodes/register",
		registrationBody("a97b6f72-5a3e-4f80-9d1c-2f6f2a2c9b0f", model.NATSymmetric, 100), "")

	rec := doJSONRequest(t, srv, http.MethodPost, "/api/v1/routing/request", RouteRequest{
		ClientID: "c0ffee00-0000-4000-8000-000000000002",
		ClientNet: routing.ClientNetworkInfo{
			NATType:           model.NATSymmetric,
			STUNMappedAddress: "198.51.100.7:40000",
		},
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp RouteResponse
	decodeInto(t, rec, &resp)

	if binder.sessionID != resp.SelectedRoute.SessionID {
		t.Fatalf("binding session = %q, want %q", binder.sessionID, resp.SelectedRoute.SessionID)
	}
	if binder.hostport != "198.51.100.7:40000" {
		t.Fatalf("binding hostport = %q", binder.hostport)
	}
	if binder.clientID != "c0ffee00-0000-4000-8000-000000000002" {
		t.Fatalf("binding client = %q", binder.clientID)
	}
}

func TestRouteRequestNoNodes(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSONRequest(t, srv, http.MethodPost, "/api/v1/routing/request", RouteRequest{
		ClientID:  "c0ffee00-0000-4000-8000-000000000001",
		ClientNet: routing.ClientNetworkInfo{NATType: model.NATFullCone},
	}, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestRouteRequestBadClientID(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSONRequest(t, srv, http.MethodPost, "/api/v1/routing/request", RouteRequest{
		ClientID: "nope",
	}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSONRequest(t, srv, http.MethodGet, "/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("/health status = %d", rec.Code)
	}
	var health HealthResponse
	decodeInto(t, rec, &health)
	// No nodes registered: serving but degraded.
	if health.Status != "degraded" {
		t.Fatalf("status = %q, want degraded with empty active set", health.Status)
	}

	rec = doJSONRequest(t, srv, http.MethodGet, "/health/ready", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("/health/ready status = %d", rec.Code)
	}
	rec = doJSONRequest(t, srv, http.MethodGet, "/health/live", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("/health/live status = %d", rec.Code)
	}
}

func TestMetricsSubmitAndQuery(t *testing.T) {
	srv, _ := newTestServer(t)
	nodeID := "a97b6f72-5a3e-4f80-9d1c-2f6f2a2c9b0c"

	rec := doJSONRequest(t, srv, http.MethodPost, "/api/v1/nodes/register",
		registrationBody(nodeID, model.NATFullCone, 100), "")
	var regResp RegistrationResponse
	decodeInto(t, rec, &regResp)

	rec = doJSONRequest(t, srv, http.MethodPost, "/api/v1/metrics", MetricsSubmission{
		NodeID:  nodeID,
		Metrics: model.HeartbeatMetrics{CPUUsage: 42, MemoryUsage: 17},
	}, regResp.SessionToken)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSONRequest(t, srv, http.MethodGet, "/api/v1/metrics/"+nodeID+"/latest", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("latest status = %d", rec.Code)
	}
	var sample model.NodeMetrics
	decodeInto(t, rec, &sample)
	if sample.Metrics.CPUUsage != 42 {
		t.Fatalf("cpu = %v, want 42", sample.Metrics.CPUUsage)
	}

	rec = doJSONRequest(t, srv, http.MethodGet, "/api/v1/metrics/"+nodeID+"/history?window=1h&limit=10", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d", rec.Code)
	}
	var hist MetricsHistoryResponse
	decodeInto(t, rec, &hist)
	if len(hist.Samples) != 1 {
		t.Fatalf("history samples = %d, want 1", len(hist.Samples))
	}

	rec = doJSONRequest(t, srv, http.MethodGet, "/api/v1/metrics/unknown-node/latest", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("latest for unknown = %d, want 404", rec.Code)
	}
}

func TestWireGuardRegisterUnregister(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSONRequest(t, srv, http.MethodPost, "/api/v1/wireguard/register",
		map[string]any{"public_key": "wg-pk-1", "allowed_ips": []string{"10.8.0.2/32"}}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("register status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSONRequest(t, srv, http.MethodPost, "/api/v1/wireguard/unregister",
		map[string]any{"public_key": "wg-pk-1"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unregister status = %d", rec.Code)
	}

	// Unknown peer unregister is a no-op.
	rec = doJSONRequest(t, srv, http.MethodPost, "/api/v1/wireguard/unregister",
		map[string]any{"public_key": "never-seen"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unknown unregister status = %d", rec.Code)
	}
}

func TestTURNEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSONRequest(t, srv, http.MethodGet, "/api/v1/turn/stun", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stun status = %d", rec.Code)
	}
	var stunResp map[string][]string
	decodeInto(t, rec, &stunResp)
	if len(stunResp["stun_servers"]) != 1 || stunResp["stun_servers"][0] != "stun.test:19302" {
		t.Fatalf("stun_servers = %v", stunResp["stun_servers"])
	}
}

func TestDeleteNodeRequiresMatchingToken(t *testing.T) {
	srv, _ := newTestServer(t)
	nodeA := "a97b6f72-5a3e-4f80-9d1c-2f6f2a2c9b0d"
	nodeB := "a97b6f72-5a3e-4f80-9d1c-2f6f2a2c9b0e"

	rec := doJSONRequest(t, srv, http.MethodPost, "/api/v1/nodes/register",
		registrationBody(nodeA, model.NATFullCone, 100), "")
	var regA RegistrationResponse
	decodeInto(t, rec, &regA)

	doJSONRequest(t, srv, http.MethodPost, "/api/v1/nodes/register",
		registrationBody(nodeB, model.NATFullCone, 100), "")

	// A's token cannot delete B.
	rec = doJSONRequest(t, srv, http.MethodDelete, "/api/v1/nodes/"+nodeB, nil, regA.SessionToken)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("cross-node delete status = %d, want 401", rec.Code)
	}

	rec = doJSONRequest(t, srv, http.MethodDelete, "/api/v1/nodes/"+nodeA, nil, regA.SessionToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSONRequest(t, srv, http.MethodGet, "/api/v1/nodes/"+nodeA, nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted node status = %d, want 404", rec.Code)
	}
}
