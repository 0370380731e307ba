package api

import (
	"net/http"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/bosonmesh/boson/internal/config"
)

// WireGuardPeer is an in-memory record of a registered data-plane peer. Peers
// are advisory state for the relay; they do not survive a restart and
// re-register on reconnect.
type WireGuardPeer struct {
	PublicKey    string   `json:"public_key"`
	ClientID     string   `json:"client_id,omitempty"`
	AllowedIPs   []string `json:"allowed_ips,omitempty"`
	RegisteredAt int64    `json:"registered_at_ns"`
}

// WireGuardRegistry holds registered peers keyed by public key.
type WireGuardRegistry struct {
	peers *xsync.Map[string, WireGuardPeer]
}

// NewWireGuardRegistry creates an empty peer registry.
func NewWireGuardRegistry() *WireGuardRegistry {
	return &WireGuardRegistry{peers: xsync.NewMap[string, WireGuardPeer]()}
}

// wireGuardRegisterRequest is the body of /wireguard/register and unregister.
type wireGuardRegisterRequest struct {
	PublicKey  string   `json:"public_key"`
	ClientID   string   `json:"client_id,omitempty"`
	AllowedIPs []string `json:"allowed_ips,omitempty"`
}

// HandleWireGuardRegister serves POST /api/v1/wireguard/register.
func HandleWireGuardRegister(wg *WireGuardRegistry, cfg *config.CoordinatorConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body wireGuardRegisterRequest
		if !decodeBody(w, r, &body) {
			return
		}
		if body.PublicKey == "" {
			WriteError(w, http.StatusBadRequest, "public_key is required")
			return
		}

		wg.peers.Store(body.PublicKey, WireGuardPeer{
			PublicKey:    body.PublicKey,
			ClientID:     body.ClientID,
			AllowedIPs:   body.AllowedIPs,
			RegisteredAt: time.Now().UnixNano(),
		})

		WriteJSON(w, http.StatusOK, map[string]any{
			"status":        "ok",
			"endpoint_port": cfg.WireGuardPort,
		})
	}
}

// HandleWireGuardUnregister serves POST /api/v1/wireguard/unregister.
// Unregistering an unknown peer is a no-op.
func HandleWireGuardUnregister(wg *WireGuardRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body wireGuardRegisterRequest
		if !decodeBody(w, r, &body) {
			return
		}
		if body.PublicKey == "" {
			WriteError(w, http.StatusBadRequest, "public_key is required")
			return
		}
		wg.peers.Delete(body.PublicKey)
		WriteOK(w)
	}
}
