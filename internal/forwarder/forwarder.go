// Package forwarder turns IP datagrams received from the coordinator into
// real Internet traffic on the egress node, and surfaces responses as events
// tagged with the originating session.
package forwarder

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/puzpuzpuz/xsync/v4"
)

const (
	protoTCP = 6
	protoUDP = 17
)

// IncomingPacket is a response payload heading back toward a client.
type IncomingPacket struct {
	SessionID string
	Payload   []byte
}

// Config tunes the forwarder.
type Config struct {
	TCPConnectTimeout time.Duration // default 10 s
	ConnIdleTimeout   time.Duration // TCP NAT table eviction, default 5 min
	EventBuffer       int           // default 1024
}

// Forwarder parses tunneled IPv4 datagrams and forwards their payloads to the
// Internet. UDP goes out an unbound socket; TCP flows are tracked in an
// idle-evicted connection table.
type Forwarder struct {
	cfg Config

	udpConn *net.UDPConn

	// tcpConns is keyed by the 4-tuple "dst|src"; single owner, idle-evicted.
	tcpConns *ttlcache.Cache[string, *tcpFlow]

	// udpSessions maps a remote "ip:port" back to the session that last sent
	// to it, for response attribution.
	udpSessions *xsync.Map[string, string]

	// activeSessions tracks sessions seen recently, for the UDP response
	// fallback when no reverse mapping exists.
	activeSessions *xsync.Map[string, int64]

	events chan IncomingPacket

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Forwarder. Call Start before HandlePacket.
func New(cfg Config) *Forwarder {
	if cfg.TCPConnectTimeout <= 0 {
		cfg.TCPConnectTimeout = 10 * time.Second
	}
	if cfg.ConnIdleTimeout <= 0 {
		cfg.ConnIdleTimeout = 5 * time.Minute
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1024
	}
	f := &Forwarder{
		cfg: cfg,
		tcpConns: ttlcache.New[string, *tcpFlow](
			ttlcache.WithTTL[string, *tcpFlow](cfg.ConnIdleTimeout),
		),
		udpSessions:    xsync.NewMap[string, string](),
		activeSessions: xsync.NewMap[string, int64](),
		events:         make(chan IncomingPacket, cfg.EventBuffer),
		stopCh:         make(chan struct{}),
	}
	f.tcpConns.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[string, *tcpFlow]) {
		item.Value().close()
	})
	return f
}

// Events is the stream of response packets. Slow consumers cause drops, never
// blockage.
func (f *Forwarder) Events() <-chan IncomingPacket {
	return f.events
}

// Start opens the shared UDP socket and launches the response reader and the
// connection table janitor.
func (f *Forwarder) Start() error {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return fmt.Errorf("open egress udp socket: %w", err)
	}
	f.udpConn = conn
	log.Printf("[forwarder] egress udp socket on %s", conn.LocalAddr())

	go f.tcpConns.Start()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.udpReadLoop()
	}()
	return nil
}

// Stop closes sockets and waits for workers.
func (f *Forwarder) Stop() {
	f.closeOnce.Do(func() {
		close(f.stopCh)
		if f.udpConn != nil {
			f.udpConn.Close()
		}
		f.tcpConns.Range(func(item *ttlcache.Item[string, *tcpFlow]) bool {
			item.Value().close()
			return true
		})
		f.tcpConns.Stop()
		f.wg.Wait()
	})
}

// HandlePacket forwards one tunneled IP datagram for sessionID.
func (f *Forwarder) HandlePacket(sessionID string, pkt []byte) error {
	f.activeSessions.Store(sessionID, time.Now().UnixNano())

	if len(pkt) < 20 {
		return fmt.Errorf("packet too short: %d bytes", len(pkt))
	}
	switch version := pkt[0] >> 4; version {
	case 4:
		return f.handleIPv4(sessionID, pkt)
	case 6:
		// Not forwarded yet: the egress socket pool is IPv4-only.
		log.Printf("[forwarder] dropping ipv6 packet for session %s", sessionID)
		return nil
	default:
		return fmt.Errorf("unknown ip version %d", version)
	}
}

func (f *Forwarder) handleIPv4(sessionID string, pkt []byte) error {
	ihl := int(pkt[0]&0x0F) * 4
	if ihl < 20 || len(pkt) < ihl {
		return fmt.Errorf("bad ihl %d for %d-byte packet", ihl, len(pkt))
	}
	proto := pkt[9]
	srcIP := net.IP(pkt[12:16])
	dstIP := net.IP(pkt[16:20])

	switch proto {
	case protoUDP:
		if len(pkt) < ihl+8 {
			return fmt.Errorf("truncated udp header")
		}
		dstPort := binary.BigEndian.Uint16(pkt[ihl+2 : ihl+4])
		payload := pkt[ihl+8:]
		return f.forwardUDP(sessionID, dstIP, dstPort, payload)
	case protoTCP:
		if len(pkt) < ihl+20 {
			return fmt.Errorf("truncated tcp header")
		}
		srcPort := binary.BigEndian.Uint16(pkt[ihl : ihl+2])
		dstPort := binary.BigEndian.Uint16(pkt[ihl+2 : ihl+4])
		dataOff := int(pkt[ihl+12]>>4) * 4
		if len(pkt) < ihl+dataOff {
			return fmt.Errorf("truncated tcp options")
		}
		payload := pkt[ihl+dataOff:]
		return f.forwardTCP(sessionID, srcIP, srcPort, dstIP, dstPort, payload)
	default:
		log.Printf("[forwarder] dropping protocol %d packet for session %s", proto, sessionID)
		return nil
	}
}

func (f *Forwarder) forwardUDP(sessionID string, dstIP net.IP, dstPort uint16, payload []byte) error {
	if f.udpConn == nil {
		return fmt.Errorf("forwarder not started")
	}
	dst := &net.UDPAddr{IP: dstIP, Port: int(dstPort)}
	f.udpSessions.Store(dst.String(), sessionID)
	if _, err := f.udpConn.WriteToUDP(payload, dst); err != nil {
		return fmt.Errorf("udp send to %s: %w", dst, err)
	}
	return nil
}

func (f *Forwarder) forwardTCP(sessionID string, srcIP net.IP, srcPort uint16, dstIP net.IP, dstPort uint16, payload []byte) error {
	key := fmt.Sprintf("%s:%d|%s:%d", dstIP, dstPort, srcIP, srcPort)

	var flow *tcpFlow
	if item := f.tcpConns.Get(key); item != nil {
		flow = item.Value()
	} else {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", dstIP, dstPort), f.cfg.TCPConnectTimeout)
		if err != nil {
			return fmt.Errorf("tcp connect %s:%d: %w", dstIP, dstPort, err)
		}
		flow = newTCPFlow(f, key, sessionID, conn)
		f.tcpConns.Set(key, flow, ttlcache.DefaultTTL)
		log.Printf("[forwarder] opened tcp flow %s for session %s", key, sessionID)
	}

	if len(payload) == 0 {
		// Pure control segment (SYN/ACK bookkeeping), nothing to write.
		return nil
	}
	if err := flow.write(payload); err != nil {
		f.tcpConns.Delete(key)
		return fmt.Errorf("tcp write on %s: %w", key, err)
	}
	return nil
}

// udpReadLoop surfaces responses on the shared socket as events. Session
// attribution goes reverse map, then the only active session, then any
// session (documented limitation of the shared unbound socket).
func (f *Forwarder) udpReadLoop() {
	buf := make([]byte, 65535)
	for {
		n, addr, err := f.udpConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-f.stopCh:
			default:
				log.Printf("[forwarder] udp read error: %v", err)
			}
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])

		sessionID, ok := f.udpSessions.Load(addr.String())
		if !ok {
			sessionID, ok = f.pickSession()
			if !ok {
				log.Printf("[forwarder] udp response from %s with no session, dropped", addr)
				continue
			}
		}
		f.emit(IncomingPacket{SessionID: sessionID, Payload: payload})
	}
}

// pickSession resolves the session for an unattributed UDP response.
func (f *Forwarder) pickSession() (string, bool) {
	var (
		first string
		count int
	)
	f.activeSessions.Range(func(id string, _ int64) bool {
		if count == 0 {
			first = id
		}
		count++
		return count < 2
	})
	return first, count > 0
}

func (f *Forwarder) emit(evt IncomingPacket) {
	select {
	case f.events <- evt:
	default:
		log.Printf("[forwarder] event buffer full, dropping response for session %s", evt.SessionID)
	}
}

// DropSession forgets a session's attribution state.
func (f *Forwarder) DropSession(sessionID string) {
	f.activeSessions.Delete(sessionID)
	f.udpSessions.Range(func(addr, sid string) bool {
		if sid == sessionID {
			f.udpSessions.Delete(addr)
		}
		return true
	})
}

// tcpFlow is one tracked TCP connection. Reads are pumped into the
// forwarder's event stream tagged with the owning session.
type tcpFlow struct {
	key       string
	sessionID string
	conn      net.Conn

	mu        sync.Mutex
	closeOnce sync.Once
}

func newTCPFlow(f *Forwarder, key, sessionID string, conn net.Conn) *tcpFlow {
	flow := &tcpFlow{key: key, sessionID: sessionID, conn: conn}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		flow.readLoop(f)
	}()
	return flow
}

func (t *tcpFlow) write(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.conn.Write(p)
	return err
}

func (t *tcpFlow) close() {
	t.closeOnce.Do(func() {
		t.conn.Close()
	})
}

func (t *tcpFlow) readLoop(f *Forwarder) {
	defer t.close()
	buf := make([]byte, 32*1024)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			f.emit(IncomingPacket{SessionID: t.sessionID, Payload: payload})
		}
		if err != nil {
			f.tcpConns.Delete(t.key)
			return
		}
	}
}
