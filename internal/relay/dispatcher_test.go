package relay

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bosonmesh/boson/internal/model"
)

// fakeSender records sends and answers for a configured set of sessions.
type fakeSender struct {
	sessions []SessionInfo
	accept   map[string]bool
	sent     map[string][][]byte
}

func newFakeSender(sessions ...SessionInfo) *fakeSender {
	accept := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		accept[s.SessionID] = true
	}
	return &fakeSender{sessions: sessions, accept: accept, sent: make(map[string][][]byte)}
}

func (f *fakeSender) SendToSession(sessionID string, payload []byte) bool {
	if !f.accept[sessionID] {
		return false
	}
	f.sent[sessionID] = append(f.sent[sessionID], payload)
	return true
}

func (f *fakeSender) KnownSessions() []SessionInfo { return f.sessions }

type fakeNodes struct {
	nodes map[string]*model.Node
}

func (f *fakeNodes) Get(nodeID string) (*model.Node, error) {
	n, ok := f.nodes[nodeID]
	if !ok {
		return nil, errors.New("not found")
	}
	return n, nil
}

func TestForwardPrefersSessionAttachment(t *testing.T) {
	ws := newFakeSender(SessionInfo{SessionID: "sess-1", ClientID: "c", NodeID: "n"})
	d := NewDispatcher(nil, DispatcherConfig{})
	d.AttachWSNodes(ws)

	err := d.ForwardToNode(ForwardRequest{NodeID: "n", ClientID: "c", SessionID: "sess-1", Payload: []byte{0x01}})
	require.NoError(t, err)
	require.Len(t, ws.sent["sess-1"], 1)
}

func TestForwardAndReturnUseDistinctPeers(t *testing.T) {
	clients := newFakeSender(SessionInfo{SessionID: "sess-1", ClientID: "c", NodeID: "n"})
	nodes := newFakeSender(SessionInfo{SessionID: "sess-1", ClientID: "c", NodeID: "n"})
	d := NewDispatcher(nil, DispatcherConfig{})
	d.AttachWSClients(clients)
	d.AttachWSNodes(nodes)

	// Node-bound traffic leaves on the node's link, never the client socket.
	require.NoError(t, d.ForwardToNode(ForwardRequest{NodeID: "n", ClientID: "c", SessionID: "sess-1", Payload: []byte{0x01}}))
	require.Len(t, nodes.sent["sess-1"], 1)
	require.Empty(t, clients.sent["sess-1"])

	// Responses go to the client socket only.
	require.True(t, d.SendToClient("sess-1", "c", []byte{0x02}))
	require.Len(t, clients.sent["sess-1"], 1)
	require.Len(t, nodes.sent["sess-1"], 1)
}

func TestForwardFallsBackToScan(t *testing.T) {
	ws := newFakeSender(SessionInfo{SessionID: "sess-2", ClientID: "client-a", NodeID: "node-a"})
	d := NewDispatcher(nil, DispatcherConfig{})
	d.AttachWSNodes(ws)

	// No session id in the request; the (client, node) scan must find it.
	err := d.ForwardToNode(ForwardRequest{NodeID: "node-a", ClientID: "client-a", Payload: []byte{0x02}})
	require.NoError(t, err)
	require.Len(t, ws.sent["sess-2"], 1)

	// Second send hits the association cache, same result.
	err = d.ForwardToNode(ForwardRequest{NodeID: "node-a", ClientID: "client-a", Payload: []byte{0x03}})
	require.NoError(t, err)
	require.Len(t, ws.sent["sess-2"], 2)
}

func TestForwardFallsBackToNodeHTTP(t *testing.T) {
	received := make(chan nodePacketRequest, 1)
	nodeAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/packets/from-server", r.URL.Path)
		var body nodePacketRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer nodeAPI.Close()

	u, err := url.Parse(nodeAPI.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	nodes := &fakeNodes{nodes: map[string]*model.Node{
		"node-a": {NodeID: "node-a", NetworkInfo: model.NetworkInfo{IPv4: u.Hostname()}},
	}}
	d := NewDispatcher(nodes, DispatcherConfig{NodeAPIPort: port})

	payload := []byte{0x01, 0xAB}
	err = d.ForwardToNode(ForwardRequest{NodeID: "node-a", ClientID: "c", SessionID: "sess-3", Payload: payload})
	require.NoError(t, err)

	body := <-received
	require.Equal(t, "sess-3", body.SessionID)
	require.Equal(t, base64.StdEncoding.EncodeToString(payload), body.Payload)
}

func TestInvalidateAssociationForcesRescan(t *testing.T) {
	nodes := newFakeSender(SessionInfo{SessionID: "sess-old", ClientID: "c", NodeID: "n"})
	d := NewDispatcher(nil, DispatcherConfig{})
	d.AttachWSNodes(nodes)

	require.NoError(t, d.ForwardToNode(ForwardRequest{NodeID: "n", ClientID: "c", Payload: []byte{0x01}}))
	require.Len(t, nodes.sent["sess-old"], 1)

	// Session churn: the old link is gone and a new session serves the same
	// (client, node) pair. The stale cache entry dead-ends.
	nodes.sessions = []SessionInfo{{SessionID: "sess-new", ClientID: "c", NodeID: "n"}}
	nodes.accept = map[string]bool{"sess-new": true}
	require.ErrorIs(t, d.ForwardToNode(ForwardRequest{NodeID: "n", ClientID: "c", Payload: []byte{0x02}}), ErrNoPath)

	d.InvalidateAssociation("c", "n")
	require.NoError(t, d.ForwardToNode(ForwardRequest{NodeID: "n", ClientID: "c", Payload: []byte{0x03}}))
	require.Len(t, nodes.sent["sess-new"], 1)
}

func TestForwardNoPath(t *testing.T) {
	d := NewDispatcher(&fakeNodes{nodes: map[string]*model.Node{}}, DispatcherConfig{})
	err := d.ForwardToNode(ForwardRequest{NodeID: "ghost", ClientID: "c", Payload: []byte{0x01}})
	require.ErrorIs(t, err, ErrNoPath)
}

func TestSendToClientPathOrder(t *testing.T) {
	ws := newFakeSender(SessionInfo{SessionID: "sess-1", ClientID: "client-a", NodeID: "n"})
	udp := newFakeSender(SessionInfo{SessionID: "sess-9", ClientID: "client-z", NodeID: "n"})
	d := NewDispatcher(nil, DispatcherConfig{})
	d.AttachWSClients(ws)
	d.AttachUDP(udp)

	// WS by session id.
	require.True(t, d.SendToClient("sess-1", "client-a", []byte{0x01}))
	require.Len(t, ws.sent["sess-1"], 1)

	// WS by client scan: unknown session id but a WS session for the client.
	require.True(t, d.SendToClient("sess-unknown", "client-a", []byte{0x02}))
	require.Len(t, ws.sent["sess-1"], 2)

	// UDP binding as last resort.
	require.True(t, d.SendToClient("sess-9", "client-z", []byte{0x03}))
	require.Len(t, udp.sent["sess-9"], 1)

	// Nothing matches: dropped.
	require.False(t, d.SendToClient("sess-void", "client-void", []byte{0x04}))
}
