package relay

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/bosonmesh/boson/internal/model"
	"github.com/bosonmesh/boson/internal/session"
)

// Attachment states for a relay WebSocket.
const (
	stateOpening int32 = iota
	stateOpen
	stateClosed
)

// peerRole identifies which end of a session holds an attachment. Node-bound
// packets must never leave on a client-held socket, and vice versa.
type peerRole string

const (
	peerClient peerRole = "client"
	peerNode   peerRole = "node"
)

// WSConfig tunes the WebSocket relay.
type WSConfig struct {
	HeartbeatInterval time.Duration // default 30 s
	BatchMax          int           // default 10
	BatchWindow       time.Duration // default 10 ms
	WriteQueueMax     int           // default 1024
}

func (c *WSConfig) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.BatchMax <= 0 {
		c.BatchMax = 10
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = 10 * time.Millisecond
	}
	if c.WriteQueueMax <= 0 {
		c.WriteQueueMax = 1024
	}
}

// WSRelay accepts WebSockets on /relay/{session_id} and moves frames between
// clients, nodes, and the dispatcher. A session has at most one attachment
// per peer: the client's own socket and the node agent's link, the latter
// identified by ?peer=node on the dial URL.
type WSRelay struct {
	sessions   *session.Store
	dispatcher *Dispatcher
	cfg        WSConfig

	clients *xsync.Map[string, *wsConn]
	nodes   *xsync.Map[string, *wsConn]

	upgrader websocket.Upgrader
}

// NewWSRelay creates a WSRelay and registers its per-peer senders with the
// dispatcher.
func NewWSRelay(sessions *session.Store, d *Dispatcher, cfg WSConfig) *WSRelay {
	cfg.applyDefaults()
	r := &WSRelay{
		sessions:   sessions,
		dispatcher: d,
		cfg:        cfg,
		clients:    xsync.NewMap[string, *wsConn](),
		nodes:      xsync.NewMap[string, *wsConn](),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	d.AttachWSClients(r.ClientSender())
	d.AttachWSNodes(r.NodeSender())
	return r
}

// ClientSender exposes the client-held attachments to the dispatcher.
func (r *WSRelay) ClientSender() SessionSender { return roleSender{conns: r.clients} }

// NodeSender exposes the node-held attachments to the dispatcher.
func (r *WSRelay) NodeSender() SessionSender { return roleSender{conns: r.nodes} }

// Handler serves GET /relay/{session_id}. The node agent dials with
// ?peer=node; everything else attaches as the client side.
func (r *WSRelay) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		sessionID := req.PathValue("session_id")
		role := peerClient
		if req.URL.Query().Get("peer") == string(peerNode) {
			role = peerNode
		}

		sess, err := r.sessions.Get(sessionID)

		conn, upErr := r.upgrader.Upgrade(w, req, nil)
		if upErr != nil {
			log.Printf("[wsrelay] upgrade failed for session %s: %v", sessionID, upErr)
			return
		}

		// Admission failures are rejected after the handshake so the peer
		// sees the close reason. A store hiccup is not the same thing as an
		// unknown session.
		if err != nil && !errors.Is(err, session.ErrSessionNotFound) {
			rejectWS(conn, websocket.CloseInternalServerErr, "session lookup failed")
			log.Printf("[wsrelay] session %s lookup failed: %v", sessionID, err)
			return
		}
		if err != nil || sess.Status != model.SessionActive {
			rejectWS(conn, websocket.ClosePolicyViolation, "session not active")
			log.Printf("[wsrelay] rejected %s attachment for session %s", role, sessionID)
			return
		}

		r.attach(conn, sess, role)
	}
}

func rejectWS(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
}

func (r *WSRelay) connsFor(role peerRole) *xsync.Map[string, *wsConn] {
	if role == peerNode {
		return r.nodes
	}
	return r.clients
}

func (r *WSRelay) attach(conn *websocket.Conn, sess *model.Session, role peerRole) {
	c := &wsConn{
		relay:     r,
		conn:      conn,
		role:      role,
		sessionID: sess.SessionID,
		clientID:  sess.ClientID,
		nodeID:    sess.NodeID,
		writeCh:   make(chan wsWrite, r.cfg.WriteQueueMax),
		done:      make(chan struct{}),
	}
	c.state.Store(stateOpening)

	// Newest attachment wins; an older one for the same session and peer is
	// closed.
	if prev, loaded := r.connsFor(role).LoadAndStore(sess.SessionID, c); loaded && prev != c {
		log.Printf("[wsrelay] session %s %s reattached, closing previous connection", sess.SessionID, role)
		prev.shutdown()
	} else {
		wsAttachments.Inc()
	}

	go c.writeLoop()
	go c.readLoop()

	c.sendControl(&Message{
		Type:      TypeControl,
		SessionID: sess.SessionID,
		Direction: DirServer,
		Action:    "connected",
	})
	c.state.Store(stateOpen)
	log.Printf("[wsrelay] session %s %s attached (client %s, node %s)", sess.SessionID, role, sess.ClientID, sess.NodeID)
}

// KnownSessions lists every attached session across both peers.
func (r *WSRelay) KnownSessions() []SessionInfo {
	out := roleSender{conns: r.clients}.KnownSessions()
	seen := make(map[string]struct{}, len(out))
	for _, info := range out {
		seen[info.SessionID] = struct{}{}
	}
	for _, info := range (roleSender{conns: r.nodes}).KnownSessions() {
		if _, dup := seen[info.SessionID]; !dup {
			out = append(out, info)
		}
	}
	return out
}

// Close shuts down every attachment.
func (r *WSRelay) Close() {
	r.clients.Range(func(_ string, c *wsConn) bool {
		c.shutdown()
		return true
	})
	r.nodes.Range(func(_ string, c *wsConn) bool {
		c.shutdown()
		return true
	})
}

// roleSender is the SessionSender view of one peer's attachment map.
type roleSender struct {
	conns *xsync.Map[string, *wsConn]
}

func (s roleSender) SendToSession(sessionID string, payload []byte) bool {
	c, ok := s.conns.Load(sessionID)
	if !ok || c.state.Load() != stateOpen {
		return false
	}
	return c.sendData(payload)
}

func (s roleSender) KnownSessions() []SessionInfo {
	var out []SessionInfo
	s.conns.Range(func(_ string, c *wsConn) bool {
		if c.state.Load() == stateOpen {
			out = append(out, SessionInfo{
				SessionID: c.sessionID,
				ClientID:  c.clientID,
				NodeID:    c.nodeID,
			})
		}
		return true
	})
	return out
}

type wsWrite struct {
	packet  []byte
	control *Message
}

// wsConn is one peer's attachment for a session. A single writer goroutine
// serializes control frames, heartbeats, and batched data.
type wsConn struct {
	relay *WSRelay
	conn  *websocket.Conn
	role  peerRole

	sessionID string
	clientID  string
	nodeID    string

	state     atomic.Int32
	writeCh   chan wsWrite
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) sendData(payload []byte) bool {
	select {
	case c.writeCh <- wsWrite{packet: payload}:
		return true
	case <-c.done:
		return false
	default:
		packetsDropped.WithLabelValues("ws_queue_full").Inc()
		return false
	}
}

func (c *wsConn) sendControl(msg *Message) {
	select {
	case c.writeCh <- wsWrite{control: msg}:
	case <-c.done:
	}
}

// shutdown closes the connection and detaches it. The client's detach is
// what ends the durable session; node links come and go with agent reconnects
// and must not tear the session down. Safe to call more than once.
func (c *wsConn) shutdown() {
	c.closeOnce.Do(func() {
		c.state.Store(stateClosed)
		close(c.done)
		c.conn.Close()
		// A replaced attachment must not detach its successor; only the
		// connection still in the map removes itself.
		removed := false
		c.relay.connsFor(c.role).Compute(c.sessionID, func(cur *wsConn, loaded bool) (*wsConn, xsync.ComputeOp) {
			if loaded && cur == c {
				removed = true
				return cur, xsync.DeleteOp
			}
			return cur, xsync.CancelOp
		})
		if !removed {
			return
		}
		wsAttachments.Dec()
		if c.role != peerClient {
			return
		}
		if err := c.relay.sessions.Close(c.sessionID); err != nil {
			log.Printf("[wsrelay] close session %s: %v", c.sessionID, err)
		}
		c.relay.dispatcher.InvalidateAssociation(c.clientID, c.nodeID)
	})
}

func (c *wsConn) readLoop() {
	defer c.shutdown()
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.state.Load() != stateClosed {
				log.Printf("[wsrelay] session %s %s read error: %v", c.sessionID, c.role, err)
			}
			return
		}
		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}
		c.handleFrame(data)
	}
}

func (c *wsConn) handleFrame(data []byte) {
	switch ClassifyFrame(data) {
	case FrameBatch:
		framesReceived.WithLabelValues("batch").Inc()
		packets, err := DecodeBatch(data)
		if err != nil {
			log.Printf("[wsrelay] session %s bad batch: %v", c.sessionID, err)
			packetsDropped.WithLabelValues("bad_batch").Inc()
			return
		}
		for _, p := range packets {
			c.forward(p)
		}
	case FrameData:
		framesReceived.WithLabelValues("data").Inc()
		c.forward(data)
	case FrameJSON:
		framesReceived.WithLabelValues("json").Inc()
		msg, err := ParseMessage(data)
		if err != nil {
			// Unparseable text is treated as a single opaque packet.
			c.forward(data)
			return
		}
		c.handleMessage(msg, data)
	}
}

func (c *wsConn) handleMessage(msg *Message, raw []byte) {
	switch msg.Type {
	case TypeHeartbeat:
		c.sendControl(&Message{
			Type:      TypeHeartbeat,
			SessionID: c.sessionID,
			Direction: DirServer,
		})
	case TypeControl:
		c.handleControl(msg)
	case TypeData:
		payload := decodePayload(msg.Payload)
		switch msg.Direction {
		case DirNodeToClient:
			c.forwardToClient(payload)
		case DirClientToNode:
			c.forwardToNode(payload)
		default:
			c.forward(payload)
		}
	default:
		c.forward(raw)
	}
}

func (c *wsConn) handleControl(msg *Message) {
	action := ControlAction(msg)
	switch action {
	case "disconnect":
		log.Printf("[wsrelay] session %s %s requested disconnect", c.sessionID, c.role)
		c.shutdown()
	case "ping":
		c.sendControl(&Message{
			Type:      TypeControl,
			SessionID: c.sessionID,
			Direction: DirServer,
			Action:    "pong",
		})
	default:
		log.Printf("[wsrelay] session %s unhandled control action %q", c.sessionID, action)
	}
}

// forward moves an untagged packet toward the opposite peer: data arriving on
// the client's socket is node-bound, data arriving on the node's link is a
// response for the client.
func (c *wsConn) forward(payload []byte) {
	if c.role == peerNode {
		c.forwardToClient(payload)
		return
	}
	c.forwardToNode(payload)
}

func (c *wsConn) forwardToNode(payload []byte) {
	c.relay.dispatcher.ForwardToNode(ForwardRequest{
		NodeID:    c.nodeID,
		ClientID:  c.clientID,
		SessionID: c.sessionID,
		Payload:   payload,
	})
}

func (c *wsConn) forwardToClient(payload []byte) {
	c.relay.dispatcher.SendToClient(c.sessionID, c.clientID, payload)
}

// writeLoop owns the socket for writing. Data packets accumulate and flush
// either when the batch cap is hit or when the batch window elapses.
func (c *wsConn) writeLoop() {
	heartbeat := time.NewTicker(c.relay.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	flushTimer := time.NewTimer(c.relay.cfg.BatchWindow)
	if !flushTimer.Stop() {
		<-flushTimer.C
	}
	defer flushTimer.Stop()

	var pending [][]byte
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := c.writePending(pending); err != nil {
			log.Printf("[wsrelay] session %s write error: %v", c.sessionID, err)
			c.shutdown()
		}
		pending = nil
	}

	for {
		select {
		case w := <-c.writeCh:
			if w.control != nil {
				flush()
				if err := c.conn.WriteJSON(w.control); err != nil {
					log.Printf("[wsrelay] session %s control write error: %v", c.sessionID, err)
					c.shutdown()
					return
				}
				continue
			}
			pending = append(pending, w.packet)
			if len(pending) >= c.relay.cfg.BatchMax {
				flushTimer.Stop()
				flush()
			} else if len(pending) == 1 {
				flushTimer.Reset(c.relay.cfg.BatchWindow)
			}
		case <-flushTimer.C:
			flush()
		case <-heartbeat.C:
			flush()
			hb := &Message{Type: TypeHeartbeat, SessionID: c.sessionID, Direction: DirServer}
			if err := c.conn.WriteJSON(hb); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) writePending(pending [][]byte) error {
	if len(pending) == 1 {
		return c.conn.WriteMessage(websocket.BinaryMessage, pending[0])
	}
	frame, err := EncodeBatch(pending)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// decodePayload accepts either a base64-encoded JSON string or an embedded
// JSON value and returns the raw packet bytes.
func decodePayload(raw json.RawMessage) []byte {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if b, err := base64.StdEncoding.DecodeString(s); err == nil {
			return b
		}
		return []byte(s)
	}
	return raw
}
