package api

import (
	"fmt"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/bosonmesh/boson/internal/config"
	"github.com/bosonmesh/boson/internal/model"
	"github.com/bosonmesh/boson/internal/routing"
	"github.com/bosonmesh/boson/internal/session"
	"github.com/bosonmesh/boson/internal/store"
	"github.com/bosonmesh/boson/internal/token"
)

// RouteRequest is the body of POST /api/v1/routing/request.
type RouteRequest struct {
	ClientID     string                    `json:"client_id"`
	TargetNodeID string                    `json:"target_node_id,omitempty"`
	Requirements *routing.Requirements     `json:"requirements,omitempty"`
	ClientNet    routing.ClientNetworkInfo `json:"client_network_info"`
}

// SelectedRoute is the connection handle returned to the client.
type SelectedRoute struct {
	ID            string          `json:"id"`
	Type          model.RouteType `json:"type"`
	Path          []string        `json:"path"`
	RelayEndpoint string          `json:"relay_endpoint"`
	NodeEndpoint  string          `json:"node_endpoint"`
	SessionID     string          `json:"session_id"`
	SessionToken  string          `json:"session_token"`
	ExpiresAt     int64           `json:"expires_at_ns"`
}

// RouteResponse is the 200 body of POST /api/v1/routing/request.
type RouteResponse struct {
	Routes        []model.Route `json:"routes"`
	SelectedRoute SelectedRoute `json:"selected_route"`
}

// ClientBinder pre-seeds a client's UDP address for a relay session so the
// first inbound datagram is already attributable.
type ClientBinder interface {
	RegisterBinding(sessionID, clientID, nodeID, hostport string) error
}

// HandleRouteRequest serves POST /api/v1/routing/request. Selection also
// materializes a relay session so the client can attach immediately.
func HandleRouteRequest(
	selector *routing.Selector,
	sessions *session.Store,
	routes *store.RouteRepo,
	tokens *token.Manager,
	binder ClientBinder,
	cfg *config.CoordinatorConfig,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body RouteRequest
		if !decodeBody(w, r, &body) {
			return
		}
		if _, err := uuid.Parse(body.ClientID); err != nil {
			WriteError(w, http.StatusBadRequest, "client_id must be a UUID")
			return
		}
		if body.ClientNet.NATType != "" && !body.ClientNet.NATType.IsValid() {
			WriteError(w, http.StatusBadRequest, fmt.Sprintf("client nat_type %q is not recognized", body.ClientNet.NATType))
			return
		}

		result, err := selector.Select(routing.Request{
			ClientID:     body.ClientID,
			TargetNodeID: body.TargetNodeID,
			Requirements: body.Requirements,
			ClientNet:    body.ClientNet,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}

		for _, route := range result.Routes {
			if err := routes.Insert(route); err != nil {
				log.Printf("[api] persist route %s: %v", route.ID, err)
			}
		}

		sessionID := uuid.NewString()
		relayEndpoint := cfg.RelayEndpoint(sessionID)
		sess, err := sessions.Create(sessionID, result.Node.NodeID, body.ClientID, result.Selected.ID, relayEndpoint)
		if err != nil {
			log.Printf("[api] create session for client %s: %v", body.ClientID, err)
			WriteError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		if binder != nil && result.Selected.Type == model.RouteRelay && body.ClientNet.STUNMappedAddress != "" {
			if err := binder.RegisterBinding(sessionID, body.ClientID, result.Node.NodeID, body.ClientNet.STUNMappedAddress); err != nil {
				log.Printf("[api] seed udp binding for session %s: %v", sessionID, err)
			}
		}

		sessionToken, err := tokens.Mint(sessionID)
		if err != nil {
			log.Printf("[api] mint session token: %v", err)
			WriteError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		WriteJSON(w, http.StatusOK, RouteResponse{
			Routes: result.Routes,
			SelectedRoute: SelectedRoute{
				ID:            result.Selected.ID,
				Type:          result.Selected.Type,
				Path:          result.Selected.Path,
				RelayEndpoint: relayEndpoint,
				NodeEndpoint:  nodeEndpoint(result.Node),
				SessionID:     sess.SessionID,
				SessionToken:  sessionToken,
				ExpiresAt:     sess.ExpiresAtNs,
			},
		})
	}
}

// nodeEndpoint is the address a client should dial for a direct route.
func nodeEndpoint(n model.Node) string {
	host := n.NetworkInfo.PublicIP
	if host == "" {
		host = n.NetworkInfo.IPv4
	}
	return fmt.Sprintf("%s:%d", host, n.NetworkInfo.LocalPort)
}
