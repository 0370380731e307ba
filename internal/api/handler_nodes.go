package api

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bosonmesh/boson/internal/config"
	"github.com/bosonmesh/boson/internal/metrics"
	"github.com/bosonmesh/boson/internal/model"
	"github.com/bosonmesh/boson/internal/registry"
	"github.com/bosonmesh/boson/internal/token"
)

// NodeRegistration is the body of POST /api/v1/nodes/register.
type NodeRegistration struct {
	NodeID            string             `json:"node_id"`
	PublicKey         string             `json:"public_key"`
	NetworkInfo       model.NetworkInfo  `json:"network_info"`
	Capabilities      model.Capabilities `json:"capabilities"`
	Location          model.Location     `json:"location"`
	HeartbeatInterval int                `json:"heartbeat_interval,omitempty"`
}

func (reg *NodeRegistration) validate() error {
	if _, err := uuid.Parse(reg.NodeID); err != nil {
		return fmt.Errorf("node_id must be a UUID")
	}
	if reg.PublicKey == "" {
		return fmt.Errorf("public_key is required")
	}
	if !reg.NetworkInfo.NATType.IsValid() {
		return fmt.Errorf("network_info.nat_type %q is not recognized", reg.NetworkInfo.NATType)
	}
	if reg.NetworkInfo.LocalPort < 1 || reg.NetworkInfo.LocalPort > 65535 {
		return fmt.Errorf("network_info.local_port must be in 1..65535")
	}
	if reg.HeartbeatInterval != 0 && (reg.HeartbeatInterval < 10 || reg.HeartbeatInterval > 300) {
		return fmt.Errorf("heartbeat_interval must be in 10..300")
	}
	return nil
}

// RegistrationResponse is the 201 body of POST /api/v1/nodes/register.
type RegistrationResponse struct {
	NodeID       string   `json:"node_id"`
	Status       string   `json:"status"`
	RelayServers []string `json:"relay_servers"`
	STUNServers  []string `json:"stun_servers"`
	SessionToken string   `json:"session_token"`
	ExpiresAt    int64    `json:"expires_at_ns"`
}

// HandleRegisterNode serves POST /api/v1/nodes/register.
func HandleRegisterNode(reg *registry.NodeRegistry, tokens *token.Manager, cfg *config.CoordinatorConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body NodeRegistration
		if !decodeBody(w, r, &body) {
			return
		}
		if err := body.validate(); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		node := model.Node{
			NodeID:       body.NodeID,
			PublicKey:    body.PublicKey,
			NetworkInfo:  body.NetworkInfo,
			Capabilities: body.Capabilities,
			Location:     body.Location,
		}
		stored, err := reg.Register(node)
		if err != nil {
			log.Printf("[api] register node %s failed: %v", body.NodeID, err)
			writeDomainError(w, err)
			return
		}

		// The address the registration arrived from is more trustworthy than
		// what the node self-reported behind NAT.
		if observed := remoteIP(r); observed != "" && observed != stored.NetworkInfo.PublicIP {
			reg.UpdatePublicIP(stored.NodeID, observed)
		}

		sessionToken, err := tokens.Mint(stored.NodeID)
		if err != nil {
			log.Printf("[api] mint token for node %s failed: %v", stored.NodeID, err)
			WriteError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		WriteJSON(w, http.StatusCreated, RegistrationResponse{
			NodeID:       stored.NodeID,
			Status:       string(stored.Status),
			RelayServers: []string{cfg.RelayBaseURL()},
			STUNServers:  []string{cfg.STUNServer()},
			SessionToken: sessionToken,
			ExpiresAt:    time.Now().Add(cfg.JWTExpiry).UnixNano(),
		})
	}
}

// remoteIP extracts the peer IP, honoring X-Forwarded-For when present.
func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// HandleHeartbeat serves POST /api/v1/nodes/{id}/heartbeat.
func HandleHeartbeat(hb *registry.HeartbeatManager, metricsSvc *metrics.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodeID := r.PathValue("id")
		if authed := authedNodeID(r); authed != "" && authed != nodeID {
			WriteError(w, http.StatusUnauthorized, "token does not match node")
			return
		}

		var body registry.HeartbeatRequest
		if !decodeBody(w, r, &body) {
			return
		}
		if body.Status != "" && !body.Status.IsValid() {
			WriteError(w, http.StatusBadRequest, fmt.Sprintf("status %q is not recognized", body.Status))
			return
		}

		resp, err := hb.ProcessHeartbeat(nodeID, body)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		if body.Metrics != nil && metricsSvc != nil {
			if err := metricsSvc.Record(nodeID, *body.Metrics); err != nil {
				log.Printf("[api] record heartbeat metrics for %s: %v", nodeID, err)
			}
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

// HandleGetNode serves GET /api/v1/nodes/{id}.
func HandleGetNode(reg *registry.NodeRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		node, err := reg.Get(r.PathValue("id"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, node)
	}
}

// NodeListResponse is the body of GET /api/v1/nodes.
type NodeListResponse struct {
	Nodes []model.Node `json:"nodes"`
	Total int          `json:"total"`
}

// HandleListNodes serves GET /api/v1/nodes. With ?all=true it includes
// offline nodes.
func HandleListNodes(reg *registry.NodeRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			nodes []model.Node
			err   error
		)
		if r.URL.Query().Get("all") == "true" {
			nodes, err = reg.ListAll()
		} else {
			nodes, err = reg.ListActive()
		}
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if nodes == nil {
			nodes = []model.Node{}
		}
		WriteJSON(w, http.StatusOK, NodeListResponse{Nodes: nodes, Total: len(nodes)})
	}
}

// HandleDeleteNode serves DELETE /api/v1/nodes/{id}.
func HandleDeleteNode(reg *registry.NodeRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodeID := r.PathValue("id")
		if authed := authedNodeID(r); authed != "" && authed != nodeID {
			WriteError(w, http.StatusUnauthorized, "token does not match node")
			return
		}
		if err := reg.Delete(nodeID); err != nil {
			writeDomainError(w, err)
			return
		}
		WriteOK(w)
	}
}
