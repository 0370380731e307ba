package agent

import (
	"encoding/base64"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/bosonmesh/boson/internal/relay"
)

// Reconnect policy for relay links: base 5 s, doubling, bounded attempts.
const (
	reconnectBase        = 5 * time.Second
	reconnectMaxAttempts = 10

	linkHeartbeatInterval = 30 * time.Second
	linkWriteQueue        = 256
)

// PacketHandler receives tunneled packets arriving over a relay link.
type PacketHandler func(sessionID string, payload []byte)

// LinkManager maintains one relay WebSocket per session the node serves.
// Links are created lazily when a session is first seen and redialed with
// exponential backoff when they drop. onDown fires once when a link is torn
// down for good, so session-scoped state can be released.
type LinkManager struct {
	relayBase string // ws(s)://host:port/relay
	handler   PacketHandler
	onDown    func(sessionID string)

	links  *xsync.Map[string, *relayLink]
	closed atomic.Bool
}

// NewLinkManager creates a LinkManager dialing under relayBase.
func NewLinkManager(relayBase string, handler PacketHandler, onDown func(sessionID string)) *LinkManager {
	return &LinkManager{
		relayBase: strings.TrimRight(relayBase, "/"),
		handler:   handler,
		onDown:    onDown,
		links:     xsync.NewMap[string, *relayLink](),
	}
}

// EnsureLink dials a relay link for sessionID if one is not already up.
func (m *LinkManager) EnsureLink(sessionID string) {
	if m.closed.Load() || sessionID == "" {
		return
	}
	link := &relayLink{
		manager:   m,
		sessionID: sessionID,
		url:       m.relayBase + "/" + sessionID + "?peer=node",
		writeCh:   make(chan []byte, linkWriteQueue),
		stopCh:    make(chan struct{}),
	}
	if _, loaded := m.links.LoadOrStore(sessionID, link); loaded {
		return
	}
	go link.run()
}

// SendToClient ships a response packet for sessionID back through the relay.
func (m *LinkManager) SendToClient(sessionID string, payload []byte) bool {
	link, ok := m.links.Load(sessionID)
	if !ok || !link.connected.Load() {
		return false
	}
	select {
	case link.writeCh <- payload:
		return true
	default:
		log.Printf("[agent] relay link %s write queue full, dropping packet", sessionID)
		return false
	}
}

// DropLink tears down the link for sessionID. The link removes itself from
// the table and fires onDown as it exits.
func (m *LinkManager) DropLink(sessionID string) {
	if link, ok := m.links.Load(sessionID); ok {
		link.stop()
	}
}

// AnyConnected reports whether at least one relay link is up.
func (m *LinkManager) AnyConnected() bool {
	connected := false
	m.links.Range(func(_ string, link *relayLink) bool {
		if link.connected.Load() {
			connected = true
			return false
		}
		return true
	})
	return connected
}

// Close tears down every link.
func (m *LinkManager) Close() {
	m.closed.Store(true)
	m.links.Range(func(id string, link *relayLink) bool {
		link.stop()
		m.links.Delete(id)
		return true
	})
}

// relayLink is one session's WebSocket to the coordinator relay.
type relayLink struct {
	manager   *LinkManager
	sessionID string
	url       string

	writeCh   chan []byte
	stopCh    chan struct{}
	stopOnce  sync.Once
	connected atomic.Bool
}

func (l *relayLink) stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// run dials and services the link until it is stopped or the reconnect budget
// is spent.
func (l *relayLink) run() {
	defer func() {
		// A link replaced in the table must not remove its successor.
		removed := false
		l.manager.links.Compute(l.sessionID, func(cur *relayLink, loaded bool) (*relayLink, xsync.ComputeOp) {
			if loaded && cur == l {
				removed = true
				return cur, xsync.DeleteOp
			}
			return cur, xsync.CancelOp
		})
		if removed && l.manager.onDown != nil {
			l.manager.onDown(l.sessionID)
		}
	}()

	delay := reconnectBase
	for attempt := 0; attempt < reconnectMaxAttempts; attempt++ {
		select {
		case <-l.stopCh:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(l.url, nil)
		if err != nil {
			log.Printf("[agent] relay dial %s failed (attempt %d/%d): %v", l.url, attempt+1, reconnectMaxAttempts, err)
			select {
			case <-time.After(delay):
			case <-l.stopCh:
				return
			}
			delay *= 2
			continue
		}

		log.Printf("[agent] relay link up for session %s", l.sessionID)
		l.connected.Store(true)
		l.serve(conn)
		l.connected.Store(false)
		conn.Close()

		select {
		case <-l.stopCh:
			return
		default:
			// Successful connection resets the backoff schedule.
			delay = reconnectBase
		}
	}
	log.Printf("[agent] relay link %s gave up after %d attempts", l.sessionID, reconnectMaxAttempts)
}

// serve pumps the link until a read or write error. Reads deliver tunneled
// packets; writes carry responses as node-to-client data messages.
func (l *relayLink) serve(conn *websocket.Conn) {
	readErr := make(chan struct{})
	go func() {
		defer close(readErr)
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType == websocket.BinaryMessage {
				l.handleBinary(data)
				continue
			}
			l.handleText(data)
		}
	}()

	heartbeat := time.NewTicker(linkHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case payload := <-l.writeCh:
			msg := relay.Message{
				Type:      relay.TypeData,
				SessionID: l.sessionID,
				Direction: relay.DirNodeToClient,
				Payload:   mustJSONString(base64.StdEncoding.EncodeToString(payload)),
			}
			if err := conn.WriteJSON(&msg); err != nil {
				log.Printf("[agent] relay link %s write error: %v", l.sessionID, err)
				return
			}
		case <-heartbeat.C:
			hb := relay.Message{Type: relay.TypeHeartbeat, SessionID: l.sessionID}
			if err := conn.WriteJSON(&hb); err != nil {
				return
			}
		case <-readErr:
			return
		case <-l.stopCh:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
	}
}

func (l *relayLink) handleBinary(data []byte) {
	switch relay.ClassifyFrame(data) {
	case relay.FrameBatch:
		packets, err := relay.DecodeBatch(data)
		if err != nil {
			log.Printf("[agent] relay link %s bad batch: %v", l.sessionID, err)
			return
		}
		for _, p := range packets {
			l.manager.handler(l.sessionID, p)
		}
	default:
		l.manager.handler(l.sessionID, data)
	}
}

func (l *relayLink) handleText(data []byte) {
	msg, err := relay.ParseMessage(data)
	if err != nil {
		return
	}
	switch msg.Type {
	case relay.TypeControl:
		if action := relay.ControlAction(msg); action == "disconnect" {
			log.Printf("[agent] relay link %s disconnected by coordinator", l.sessionID)
			l.manager.DropLink(l.sessionID)
		}
	case relay.TypeData:
		var encoded string
		if json.Unmarshal(msg.Payload, &encoded) == nil {
			if raw, err := base64.StdEncoding.DecodeString(encoded); err == nil {
				l.manager.handler(l.sessionID, raw)
			}
		}
	}
}

func mustJSONString(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}
