package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/puzpuzpuz/xsync/v4"
)

// UDPConfig tunes the UDP relay.
type UDPConfig struct {
	Port        int           // default 51820
	IdleTimeout time.Duration // binding eviction, default 5 min
}

// udpBinding associates a client source address with a relay session.
type udpBinding struct {
	sessionID string
	clientID  string
	nodeID    string
	addr      *net.UDPAddr
}

// UDPRelay receives WireGuard datagrams from clients on a fixed port, learns
// source address bindings, and forwards payloads through the dispatcher.
// Bindings are seeded at route provisioning from the client's STUN-mapped
// address; when the same session registers again from a new address the old
// binding is replaced.
type UDPRelay struct {
	cfg        UDPConfig
	dispatcher *Dispatcher

	conn *net.UDPConn

	// bindings is keyed by "ip:port". Get touches the entry, so eviction is
	// idle-based.
	bindings *ttlcache.Cache[string, *udpBinding]

	// bySession indexes the current binding key per session, for the return
	// path and for address-change relearning.
	bySession *xsync.Map[string, string]

	// loggedUnknown dedupes the drop log per source address.
	loggedUnknown *xsync.Map[string, struct{}]

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewUDPRelay creates a UDPRelay and registers it with the dispatcher as the
// return-path sender of last resort.
func NewUDPRelay(d *Dispatcher, cfg UDPConfig) *UDPRelay {
	if cfg.Port <= 0 {
		cfg.Port = 51820
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	r := &UDPRelay{
		cfg:        cfg,
		dispatcher: d,
		bindings: ttlcache.New[string, *udpBinding](
			ttlcache.WithTTL[string, *udpBinding](cfg.IdleTimeout),
		),
		bySession:     xsync.NewMap[string, string](),
		loggedUnknown: xsync.NewMap[string, struct{}](),
		stopCh:        make(chan struct{}),
	}
	r.bindings.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[string, *udpBinding]) {
		udpBindings.Dec()
		// Drop the index entry unless the session has already moved to a
		// newer key.
		b := item.Value()
		r.bySession.Compute(b.sessionID, func(cur string, loaded bool) (string, xsync.ComputeOp) {
			if loaded && cur == item.Key() {
				return cur, xsync.DeleteOp
			}
			return cur, xsync.CancelOp
		})
	})
	d.AttachUDP(r)
	return r
}

// Start binds the UDP socket and launches the read loop.
func (r *UDPRelay) Start() error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: r.cfg.Port})
	if err != nil {
		return fmt.Errorf("listen udp :%d: %w", r.cfg.Port, err)
	}
	r.conn = conn
	log.Printf("[udprelay] listening on :%d", r.cfg.Port)

	go r.bindings.Start()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.readLoop()
	}()
	return nil
}

// Stop closes the socket and waits for the read loop to exit.
func (r *UDPRelay) Stop() {
	close(r.stopCh)
	if r.conn != nil {
		r.conn.Close()
	}
	r.bindings.Stop()
	r.wg.Wait()
}

func (r *UDPRelay) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-r.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[udprelay] read error: %v", err)
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		r.handlePacket(addr, pkt)
	}
}

func (r *UDPRelay) handlePacket(addr *net.UDPAddr, pkt []byte) {
	key := addr.String()

	binding := r.lookupBinding(key, addr)
	if binding == nil {
		if _, logged := r.loggedUnknown.LoadOrStore(key, struct{}{}); !logged {
			log.Printf("[udprelay] dropping packets from unknown source %s", key)
		}
		packetsDropped.WithLabelValues("udp_unknown_source").Inc()
		return
	}

	if len(pkt) == 0 || pkt[0] < 0x01 || pkt[0] > 0x04 {
		packetsDropped.WithLabelValues("udp_bad_framing").Inc()
		return
	}

	// Touch for idle eviction and keep the latest source address.
	binding.addr = addr
	r.bindings.Set(key, binding, ttlcache.DefaultTTL)

	if err := r.dispatcher.ForwardToNode(ForwardRequest{
		NodeID:    binding.nodeID,
		ClientID:  binding.clientID,
		SessionID: binding.sessionID,
		Payload:   pkt,
	}); err != nil {
		log.Printf("[udprelay] forward for session %s failed: %v", binding.sessionID, err)
	}
}

// lookupBinding resolves the binding for a source address. On a miss it tries
// NAT remap learning: another live binding from the same IP means the NAT
// rewrote the source port, so the new key inherits that session.
func (r *UDPRelay) lookupBinding(key string, addr *net.UDPAddr) *udpBinding {
	if item := r.bindings.Get(key); item != nil {
		return item.Value()
	}

	srcIP := addr.IP.String()

	var remapped *udpBinding
	r.bindings.Range(func(item *ttlcache.Item[string, *udpBinding]) bool {
		if strings.HasPrefix(item.Key(), srcIP+":") {
			remapped = item.Value()
			return false
		}
		return true
	})
	if remapped != nil {
		log.Printf("[udprelay] learned remapped source %s for session %s", key, remapped.sessionID)
		b := &udpBinding{
			sessionID: remapped.sessionID,
			clientID:  remapped.clientID,
			nodeID:    remapped.nodeID,
			addr:      addr,
		}
		r.register(key, b)
		return b
	}
	return nil
}

// register installs a binding under key, displacing any previous binding the
// session held under a different source address.
func (r *UDPRelay) register(key string, b *udpBinding) {
	if prev, loaded := r.bySession.LoadAndStore(b.sessionID, key); loaded && prev != key {
		if r.bindings.Has(prev) {
			log.Printf("[udprelay] session %s moved from %s to %s", b.sessionID, prev, key)
			r.bindings.Delete(prev)
		}
	}
	r.bindings.Set(key, b, ttlcache.DefaultTTL)
	udpBindings.Inc()
}

// RegisterBinding seeds a client binding, typically when a relay session is
// provisioned and the client's STUN-mapped address is already known. Calling
// it again for the same session with a new address relearns the binding.
func (r *UDPRelay) RegisterBinding(sessionID, clientID, nodeID, hostport string) error {
	addr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return fmt.Errorf("resolve client addr %q: %w", hostport, err)
	}
	r.register(addr.String(), &udpBinding{
		sessionID: sessionID,
		clientID:  clientID,
		nodeID:    nodeID,
		addr:      addr,
	})
	return nil
}

// SendToSession writes payload to the source address currently bound to
// sessionID. Part of the SessionSender capability.
func (r *UDPRelay) SendToSession(sessionID string, payload []byte) bool {
	key, ok := r.bySession.Load(sessionID)
	if !ok || r.conn == nil {
		return false
	}
	item := r.bindings.Get(key)
	if item == nil {
		return false
	}
	if _, err := r.conn.WriteToUDP(payload, item.Value().addr); err != nil {
		log.Printf("[udprelay] send to %s failed: %v", item.Value().addr, err)
		return false
	}
	return true
}

// KnownSessions lists sessions with live UDP bindings.
func (r *UDPRelay) KnownSessions() []SessionInfo {
	var out []SessionInfo
	r.bindings.Range(func(item *ttlcache.Item[string, *udpBinding]) bool {
		b := item.Value()
		out = append(out, SessionInfo{SessionID: b.sessionID, ClientID: b.clientID, NodeID: b.nodeID})
		return true
	})
	return out
}
