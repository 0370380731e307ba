package agent

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bosonmesh/boson/internal/config"
	"github.com/bosonmesh/boson/internal/forwarder"
	"github.com/bosonmesh/boson/internal/model"
)

// Agent is the node-side runtime. Startup walks a fixed sequence (NAT
// discovery, keys, OS forwarding, registration, workers, relay links, health)
// and shutdown unwinds registered cleanup tasks in reverse under a global
// time budget.
type Agent struct {
	cfg    *config.AgentConfig
	client *CoordinatorClient

	nodeID string
	keys   *KeyPair
	nat    *natController
	natNfo NATInfo

	fwd    *forwarder.Forwarder
	links  *LinkManager
	beat   *Heartbeater
	health *HealthChecker
	api    *apiServer

	mu      sync.Mutex
	cleanup []cleanupTask

	stopPump chan struct{}
	pumpDone chan struct{}
}

type cleanupTask struct {
	name string
	fn   func(ctx context.Context) error
}

// New creates an Agent from config.
func New(cfg *config.AgentConfig) *Agent {
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	return &Agent{
		cfg:      cfg,
		client:   NewCoordinatorClient(cfg.ServerURL),
		nodeID:   nodeID,
		nat:      newNATController(cfg.Interface, cfg.SkipNAT),
		stopPump: make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
}

// NodeID returns the agent's node identity.
func (a *Agent) NodeID() string { return a.nodeID }

// onCleanup registers a shutdown task. Tasks run in reverse registration
// order, so the task registered last runs first.
func (a *Agent) onCleanup(name string, fn func(ctx context.Context) error) {
	a.mu.Lock()
	a.cleanup = append(a.cleanup, cleanupTask{name: name, fn: fn})
	a.mu.Unlock()
}

// Start brings the agent up. Any error is fatal to the process.
func (a *Agent) Start(ctx context.Context) error {
	// 1. NAT traversal discovery.
	a.natNfo = DiscoverNAT(a.cfg.STUNServers, a.cfg.STUNTimeout)
	log.Printf("[agent] nat type %s (mapped %q)", a.natNfo.NATType, a.natNfo.MappedAddr)

	// 2. Long-term keys.
	keys, err := LoadOrGenerateKeys(a.cfg.KeyDir)
	if err != nil {
		return fmt.Errorf("load keys: %w", err)
	}
	a.keys = keys

	// 3. OS-level forwarding. Failure is fatal.
	if err := a.nat.Enable(); err != nil {
		return fmt.Errorf("enable nat: %w", err)
	}
	a.onCleanup("nat", func(context.Context) error { return a.nat.Disable() })

	// 4. Packet forwarder and response pump.
	a.fwd = forwarder.New(forwarder.Config{
		TCPConnectTimeout: a.cfg.TCPConnectTimeout,
		ConnIdleTimeout:   a.cfg.ConnIdleTimeout,
	})
	if err := a.fwd.Start(); err != nil {
		return fmt.Errorf("start forwarder: %w", err)
	}
	a.onCleanup("forwarder", func(context.Context) error { a.fwd.Stop(); return nil })

	go a.pumpResponses()
	a.onCleanup("response pump", func(context.Context) error {
		close(a.stopPump)
		<-a.pumpDone
		return nil
	})

	// 5. Node-local API.
	a.api = newAPIServer(a, a.cfg.APIPort)
	apiErrs, err := a.api.start()
	if err != nil {
		return err
	}
	go func() {
		if err, ok := <-apiErrs; ok && err != nil {
			log.Printf("[agent] node api server failed: %v", err)
		}
	}()
	a.onCleanup("node api", func(ctx context.Context) error { return a.api.shutdown(ctx) })

	// 6. Registration, relay links, heartbeats. Registration is optimistic:
	// boot continues while retries run in the background.
	go a.registerAndConnect(ctx)

	return nil
}

func (a *Agent) registerAndConnect(ctx context.Context) {
	result, err := a.client.Register(ctx, RegistrationRequest{
		NodeID:    a.nodeID,
		PublicKey: a.keys.PublicKeyBase64(),
		NetworkInfo: model.NetworkInfo{
			IPv4:           localIPv4(),
			NATType:        a.natNfo.NATType,
			STUNMappedAddr: a.natNfo.MappedAddr,
			LocalPort:      a.cfg.APIPort,
		},
		Capabilities: model.Capabilities{
			MaxConnections: a.cfg.MaxConnections,
			BandwidthUp:    a.cfg.BandwidthUp,
			BandwidthDown:  a.cfg.BandwidthDown,
			Routing:        true,
			NATting:        true,
		},
		Location: model.Location{
			Country: a.cfg.Country,
			Region:  a.cfg.Region,
		},
		HeartbeatInterval: int(a.cfg.HeartbeatInterval.Seconds()),
	})
	if err != nil {
		log.Printf("[agent] registration abandoned: %v", err)
		return
	}
	log.Printf("[agent] registered as %s (status %s)", result.NodeID, result.Status)

	relayBase := ""
	if len(result.RelayServers) > 0 {
		relayBase = result.RelayServers[0]
	}
	a.links = NewLinkManager(relayBase, a.deliverPacket, a.dropSession)
	a.onCleanup("relay links", func(context.Context) error { a.links.Close(); return nil })

	a.beat = NewHeartbeater(a.client, a.nodeID, a.cfg.HeartbeatInterval)
	a.beat.Start()
	a.onCleanup("heartbeat", func(context.Context) error { a.beat.Stop(); return nil })

	a.health = NewHealthChecker(a.nat, a.links, a.cfg.SkipNAT, a.cfg.HealthCheckInterval)
	a.health.Start()
	a.onCleanup("health", func(context.Context) error { a.health.Stop(); return nil })

	// Unregister is registered last so it runs first on shutdown, while the
	// rest of the runtime is still up.
	a.onCleanup("connection", func(ctx context.Context) error {
		return a.client.Unregister(ctx, a.nodeID)
	})
}

// HandleTunneledPacket feeds one tunneled packet into the forwarder and makes
// sure a relay link exists for its session.
func (a *Agent) HandleTunneledPacket(sessionID string, payload []byte) {
	if a.links != nil {
		a.links.EnsureLink(sessionID)
	}
	if err := a.fwd.HandlePacket(sessionID, payload); err != nil {
		log.Printf("[agent] forward packet for session %s: %v", sessionID, err)
	}
}

func (a *Agent) deliverPacket(sessionID string, payload []byte) {
	if err := a.fwd.HandlePacket(sessionID, payload); err != nil {
		log.Printf("[agent] forward packet for session %s: %v", sessionID, err)
	}
}

// dropSession releases forwarder state when a relay link goes down for good.
func (a *Agent) dropSession(sessionID string) {
	if a.fwd != nil {
		a.fwd.DropSession(sessionID)
	}
}

// pumpResponses ships forwarder response events back toward clients,
// preferring the session's relay link and falling back to the coordinator's
// HTTP return path.
func (a *Agent) pumpResponses() {
	defer close(a.pumpDone)
	for {
		select {
		case evt := <-a.fwd.Events():
			if a.links != nil && a.links.SendToClient(evt.SessionID, evt.Payload) {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := a.client.SendPacketToClient(ctx, evt.SessionID, evt.Payload)
			cancel()
			if err != nil {
				log.Printf("[agent] return path for session %s failed: %v", evt.SessionID, err)
			}
		case <-a.stopPump:
			return
		}
	}
}

// Shutdown unwinds cleanup tasks in reverse registration order under the
// configured global budget.
func (a *Agent) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	a.mu.Lock()
	tasks := make([]cleanupTask, len(a.cleanup))
	copy(tasks, a.cleanup)
	a.mu.Unlock()

	for i := len(tasks) - 1; i >= 0; i-- {
		task := tasks[i]
		done := make(chan error, 1)
		go func() { done <- task.fn(ctx) }()
		select {
		case err := <-done:
			if err != nil {
				log.Printf("[agent] cleanup %q: %v", task.name, err)
			}
		case <-ctx.Done():
			log.Printf("[agent] shutdown budget exhausted at task %q", task.name)
			return
		}
	}
	log.Printf("[agent] shutdown complete")
}

// localIPv4 picks the host's primary outbound IPv4 address.
func localIPv4() string {
	conn, err := net.Dial("udp4", "8.8.8.8:53")
	if err != nil {
		return ""
	}
	defer conn.Close()
	addr := conn.LocalAddr().String()
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[:i]
	}
	return addr
}
