package api

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bosonmesh/boson/internal/config"
	"github.com/bosonmesh/boson/internal/metrics"
	"github.com/bosonmesh/boson/internal/registry"
	"github.com/bosonmesh/boson/internal/relay"
	"github.com/bosonmesh/boson/internal/routing"
	"github.com/bosonmesh/boson/internal/session"
	"github.com/bosonmesh/boson/internal/store"
	"github.com/bosonmesh/boson/internal/token"
)

// Deps bundles everything the API server routes to.
type Deps struct {
	Config     *config.CoordinatorConfig
	Store      *store.Store
	Registry   *registry.NodeRegistry
	Heartbeats *registry.HeartbeatManager
	Selector   *routing.Selector
	Sessions   *session.Store
	Metrics    *metrics.Service
	Tokens     *token.Manager
	Dispatcher *relay.Dispatcher
	WSRelay    *relay.WSRelay
	UDPBinder  ClientBinder
	WireGuard  *WireGuardRegistry

	MaxBodyBytes int64
}

// Server wraps the HTTP server and mux for the coordinator API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates the API server wired with all routes.
func NewServer(deps Deps) *Server {
	if deps.WireGuard == nil {
		deps.WireGuard = NewWireGuardRegistry()
	}

	mux := http.NewServeMux()

	// Public (no auth).
	mux.Handle("GET /health", HandleHealth(deps.Store, deps.Registry))
	mux.Handle("GET /health/ready", HandleReady(deps.Store))
	mux.Handle("GET /health/live", HandleLive())
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("POST /api/v1/nodes/register", HandleRegisterNode(deps.Registry, deps.Tokens, deps.Config))
	mux.Handle("GET /api/v1/nodes", HandleListNodes(deps.Registry))
	mux.Handle("GET /api/v1/nodes/{id}", HandleGetNode(deps.Registry))

	mux.Handle("POST /api/v1/routing/request", HandleRouteRequest(deps.Selector, deps.Sessions, deps.Store.Routes, deps.Tokens, deps.UDPBinder, deps.Config))

	mux.Handle("GET /api/v1/metrics/{id}/latest", HandleLatestMetrics(deps.Metrics))
	mux.Handle("GET /api/v1/metrics/{id}/history", HandleMetricsHistory(deps.Metrics))
	mux.Handle("GET /api/v1/metrics/{id}/aggregated", HandleAggregatedMetrics(deps.Metrics))

	mux.Handle("POST /api/v1/packets", HandlePacketToClient(deps.Sessions, deps.Dispatcher))
	mux.Handle("POST /api/v1/packets/from-client", HandlePacketFromClient(deps.Sessions, deps.Dispatcher))

	mux.Handle("POST /api/v1/wireguard/register", HandleWireGuardRegister(deps.WireGuard, deps.Config))
	mux.Handle("POST /api/v1/wireguard/unregister", HandleWireGuardUnregister(deps.WireGuard))

	mux.Handle("GET /api/v1/turn/servers", HandleTURNServers(deps.Config))
	mux.Handle("GET /api/v1/turn/stun", HandleSTUNServers(deps.Config))
	mux.Handle("GET /api/v1/turn/ice", HandleICEServers(deps.Config))

	// Token-bearing node routes.
	authed := http.NewServeMux()
	authed.Handle("POST /api/v1/nodes/{id}/heartbeat", HandleHeartbeat(deps.Heartbeats, deps.Metrics))
	authed.Handle("DELETE /api/v1/nodes/{id}", HandleDeleteNode(deps.Registry))
	authed.Handle("POST /api/v1/metrics", HandleSubmitMetrics(deps.Metrics))
	mux.Handle("/api/v1/nodes/{id}/heartbeat", AuthMiddleware(deps.Tokens, authed))
	mux.Handle("DELETE /api/v1/nodes/{id}", AuthMiddleware(deps.Tokens, authed))
	mux.Handle("POST /api/v1/metrics", AuthMiddleware(deps.Tokens, authed))

	// Relay WebSocket shares the API listener.
	if deps.WSRelay != nil {
		mux.Handle("GET /relay/{session_id}", deps.WSRelay.Handler())
	}

	var handler http.Handler = mux
	handler = RequestBodyLimitMiddleware(deps.MaxBodyBytes, handler)

	addr := net.JoinHostPort(deps.Config.ServerHost, strconv.Itoa(deps.Config.ServerPort))
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		mux: mux,
	}
}

// Handler exposes the mux, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving in a background goroutine. The returned channel yields
// the terminal serve error, if any.
func (s *Server) Start() (<-chan error, error) {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	log.Printf("[api] listening on %s", ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh, nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
