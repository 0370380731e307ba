package relay

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/bosonmesh/boson/internal/model"
)

// ErrNoPath is returned when no delivery path exists for a packet.
var ErrNoPath = errors.New("no delivery path to node")

// SessionInfo identifies an attached relay session.
type SessionInfo struct {
	SessionID string
	ClientID  string
	NodeID    string
}

// SessionSender is the capability a relay exposes to the dispatcher. Send
// returns false when the session is not attached or the write was refused.
type SessionSender interface {
	SendToSession(sessionID string, payload []byte) bool
	KnownSessions() []SessionInfo
}

// NodeLookup resolves node records for the direct-HTTP fallback path.
type NodeLookup interface {
	Get(nodeID string) (*model.Node, error)
}

// ForwardRequest asks the dispatcher to move one packet to a node.
type ForwardRequest struct {
	NodeID    string
	ClientID  string
	SessionID string
	Payload   []byte
}

// DispatcherConfig tunes the dispatcher.
type DispatcherConfig struct {
	NodeAPIPort int           // default 8088
	HTTPTimeout time.Duration // default 5 s
}

// Dispatcher arbitrates delivery paths per packet. Toward nodes the order is
// WS by session id, WS by (client, node) scan, then direct HTTP to the node
// API. The ordering is fixed: lowest latency first.
type Dispatcher struct {
	nodes NodeLookup
	cfg   DispatcherConfig

	wsClients SessionSender
	wsNodes   SessionSender
	udp       SessionSender

	// assoc caches (client_id|node_id) -> session_id resolved by scanning.
	assoc *xsync.Map[string, string]

	httpClient *http.Client
}

// NewDispatcher creates a Dispatcher. Relays attach themselves afterwards.
func NewDispatcher(nodes NodeLookup, cfg DispatcherConfig) *Dispatcher {
	if cfg.NodeAPIPort <= 0 {
		cfg.NodeAPIPort = 8088
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	return &Dispatcher{
		nodes:      nodes,
		cfg:        cfg,
		assoc:      xsync.NewMap[string, string](),
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
	}
}

// AttachWSNodes registers the node-held WebSocket links as a session sender.
func (d *Dispatcher) AttachWSNodes(s SessionSender) { d.wsNodes = s }

// AttachWSClients registers the client-held WebSocket attachments as a
// session sender for the return path.
func (d *Dispatcher) AttachWSClients(s SessionSender) { d.wsClients = s }

// AttachUDP registers the UDP relay as a session sender for the return path.
func (d *Dispatcher) AttachUDP(s SessionSender) { d.udp = s }

// ForwardToNode delivers a packet to a node through the first viable path.
// Delivery is at most once; a packet with no path is dropped with an error.
func (d *Dispatcher) ForwardToNode(req ForwardRequest) error {
	if req.SessionID != "" && d.wsNodes != nil && d.wsNodes.SendToSession(req.SessionID, req.Payload) {
		packetsForwarded.WithLabelValues("ws_session").Inc()
		return nil
	}

	if d.wsNodes != nil {
		if sid, ok := d.scanForSession(req.ClientID, req.NodeID); ok && d.wsNodes.SendToSession(sid, req.Payload) {
			packetsForwarded.WithLabelValues("ws_scan").Inc()
			return nil
		}
	}

	if err := d.postToNode(req); err == nil {
		packetsForwarded.WithLabelValues("http").Inc()
		return nil
	} else if !errors.Is(err, ErrNoPath) {
		log.Printf("[dispatcher] http forward to node %s failed: %v", req.NodeID, err)
	}

	packetsDropped.WithLabelValues("no_path").Inc()
	return ErrNoPath
}

// SendToClient delivers a packet back to a client, preferring the WS
// attachment for the session, then any WS attachment for the client, then the
// client's learned UDP binding.
func (d *Dispatcher) SendToClient(sessionID, clientID string, payload []byte) bool {
	if d.wsClients != nil {
		if d.wsClients.SendToSession(sessionID, payload) {
			packetsReturned.WithLabelValues("ws_session").Inc()
			return true
		}
		for _, info := range d.wsClients.KnownSessions() {
			if info.ClientID == clientID && d.wsClients.SendToSession(info.SessionID, payload) {
				packetsReturned.WithLabelValues("ws_scan").Inc()
				return true
			}
		}
	}
	if d.udp != nil && d.udp.SendToSession(sessionID, payload) {
		packetsReturned.WithLabelValues("udp").Inc()
		return true
	}
	packetsDropped.WithLabelValues("no_client_path").Inc()
	return false
}

// scanForSession resolves the session attached for (client, node), consulting
// the association cache before scanning.
func (d *Dispatcher) scanForSession(clientID, nodeID string) (string, bool) {
	key := clientID + "|" + nodeID
	if sid, ok := d.assoc.Load(key); ok {
		return sid, true
	}
	for _, info := range d.wsNodes.KnownSessions() {
		if info.ClientID == clientID && info.NodeID == nodeID {
			d.assoc.Store(key, info.SessionID)
			return info.SessionID, true
		}
	}
	return "", false
}

// InvalidateAssociation drops a cached (client, node) -> session mapping.
func (d *Dispatcher) InvalidateAssociation(clientID, nodeID string) {
	d.assoc.Delete(clientID + "|" + nodeID)
}

type nodePacketRequest struct {
	SessionID string `json:"session_id"`
	Payload   string `json:"payload"`
}

func (d *Dispatcher) postToNode(req ForwardRequest) error {
	if d.nodes == nil {
		return ErrNoPath
	}
	node, err := d.nodes.Get(req.NodeID)
	if err != nil || node.NetworkInfo.IPv4 == "" {
		return ErrNoPath
	}

	body, err := json.Marshal(nodePacketRequest{
		SessionID: req.SessionID,
		Payload:   base64.StdEncoding.EncodeToString(req.Payload),
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s:%d/api/v1/packets/from-server", node.NetworkInfo.IPv4, d.cfg.NodeAPIPort)
	resp, err := d.httpClient.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("node api returned %d", resp.StatusCode)
	}
	return nil
}
