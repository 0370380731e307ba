package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"
)

// apiServer is the node-local HTTP API. The coordinator posts packets here
// when no relay link is attached for a session.
type apiServer struct {
	httpServer *http.Server
	agent      *Agent
}

func newAPIServer(a *Agent, port int) *apiServer {
	mux := http.NewServeMux()
	s := &apiServer{agent: a}

	mux.HandleFunc("POST /api/v1/packets/from-server", s.handlePacketFromServer)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *apiServer) start() (<-chan error, error) {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen node api %s: %w", s.httpServer.Addr, err)
	}
	log.Printf("[agent] node api listening on %s", ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh, nil
}

func (s *apiServer) shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type packetFromServer struct {
	SessionID string `json:"session_id"`
	Payload   string `json:"payload"`
}

func (s *apiServer) handlePacketFromServer(w http.ResponseWriter, r *http.Request) {
	var body packetFromServer
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAgentError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.SessionID == "" {
		writeAgentError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	payload, err := base64.StdEncoding.DecodeString(body.Payload)
	if err != nil {
		writeAgentError(w, http.StatusBadRequest, "payload must be base64")
		return
	}

	s.agent.HandleTunneledPacket(body.SessionID, payload)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if s.agent.health != nil && !s.agent.health.Healthy() {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func writeAgentError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
