package api

import (
	"encoding/base64"
	"net/http"

	"github.com/bosonmesh/boson/internal/relay"
	"github.com/bosonmesh/boson/internal/session"
)

// PacketSubmission is the body of the packet relay endpoints. Payload is
// base64-encoded.
type PacketSubmission struct {
	SessionID string `json:"session_id"`
	ClientID  string `json:"client_id,omitempty"`
	NodeID    string `json:"node_id,omitempty"`
	Payload   string `json:"payload"`
}

func (p *PacketSubmission) decode(w http.ResponseWriter) ([]byte, bool) {
	if p.SessionID == "" {
		WriteError(w, http.StatusBadRequest, "session_id is required")
		return nil, false
	}
	payload, err := base64.StdEncoding.DecodeString(p.Payload)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "payload must be base64")
		return nil, false
	}
	if len(payload) == 0 {
		WriteError(w, http.StatusBadRequest, "payload is empty")
		return nil, false
	}
	return payload, true
}

// HandlePacketToClient serves POST /api/v1/packets: node-to-client data
// arriving over HTTP. The client address is resolved from the session first,
// falling back to the learned UDP binding.
func HandlePacketToClient(sessions *session.Store, dispatcher *relay.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body PacketSubmission
		if !decodeBody(w, r, &body) {
			return
		}
		payload, ok := body.decode(w)
		if !ok {
			return
		}

		clientID := body.ClientID
		if sess, err := sessions.Get(body.SessionID); err == nil {
			clientID = sess.ClientID
		}

		if !dispatcher.SendToClient(body.SessionID, clientID, payload) {
			WriteError(w, http.StatusServiceUnavailable, "no delivery path to client")
			return
		}
		WriteOK(w)
	}
}

// HandlePacketFromClient serves POST /api/v1/packets/from-client:
// client-to-node data arriving over HTTP instead of WS or UDP.
func HandlePacketFromClient(sessions *session.Store, dispatcher *relay.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body PacketSubmission
		if !decodeBody(w, r, &body) {
			return
		}
		payload, ok := body.decode(w)
		if !ok {
			return
		}

		sess, err := sessions.Get(body.SessionID)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		if err := dispatcher.ForwardToNode(relay.ForwardRequest{
			NodeID:    sess.NodeID,
			ClientID:  sess.ClientID,
			SessionID: sess.SessionID,
			Payload:   payload,
		}); err != nil {
			WriteError(w, http.StatusBadGateway, "forward to node failed")
			return
		}
		WriteOK(w)
	}
}
