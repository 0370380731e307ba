package api

import (
	"net/http"

	"github.com/bosonmesh/boson/internal/config"
)

// TURNServersResponse lists traversal servers advertised to clients. The
// coordinator does not run a TURN server; relaying happens over its own WS
// and UDP relays, so the turn list is empty unless configured upstream.
type TURNServersResponse struct {
	TURNServers []string `json:"turn_servers"`
	STUNServers []string `json:"stun_servers"`
}

// HandleTURNServers serves GET /api/v1/turn/servers.
func HandleTURNServers(cfg *config.CoordinatorConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, TURNServersResponse{
			TURNServers: []string{},
			STUNServers: []string{cfg.STUNServer()},
		})
	}
}

// HandleSTUNServers serves GET /api/v1/turn/stun.
func HandleSTUNServers(cfg *config.CoordinatorConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string][]string{
			"stun_servers": {cfg.STUNServer()},
		})
	}
}

// iceServer mirrors the WebRTC RTCIceServer shape.
type iceServer struct {
	URLs []string `json:"urls"`
}

// HandleICEServers serves GET /api/v1/turn/ice.
func HandleICEServers(cfg *config.CoordinatorConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string][]iceServer{
			"ice_servers": {
				{URLs: []string{"stun:" + cfg.STUNServer()}},
			},
		})
	}
}
