// Package routing scores active nodes and selects a direct or relayed route
// for a client.
package routing

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bosonmesh/boson/internal/model"
)

var (
	// ErrNoNodes is returned when the active set is empty.
	ErrNoNodes = errors.New("no active nodes available")
	// ErrNoSuitableRoute is returned when neither a direct nor a relay route
	// can be constructed.
	ErrNoSuitableRoute = errors.New("no suitable route")
)

// Route plan constants. Direct routes bypass the coordinator for data and are
// preferred; relay routes cap bandwidth at what the coordinator will carry.
const (
	directLatencyMs = 50
	relayLatencyMs  = 100
	relayBWCapMbps  = 100

	directCost     = 1
	relayCost      = 2
	directPriority = 100
	relayPriority  = 50
)

// Requirements narrows the candidate set. Zero values mean "no constraint".
type Requirements struct {
	MinBandwidth     int    `json:"min_bandwidth,omitempty"`
	PreferredCountry string `json:"preferred_country,omitempty"`
	PreferredRegion  string `json:"preferred_region,omitempty"`
}

// ClientNetworkInfo is what the client reports about its own reachability.
type ClientNetworkInfo struct {
	IPv4              string        `json:"ipv4"`
	NATType           model.NATType `json:"nat_type"`
	STUNMappedAddress string        `json:"stun_mapped_address,omitempty"`
}

// Request is a route request for one client.
type Request struct {
	ClientID     string
	TargetNodeID string
	Requirements *Requirements
	ClientNet    ClientNetworkInfo
}

// Result carries the candidate routes and the one selected.
type Result struct {
	Routes   []model.Route
	Selected model.Route
	Node     model.Node
}

// Selector chooses routes over the registry's active set.
type Selector struct {
	registry ActiveNodeLister
	routeTTL time.Duration

	now func() time.Time
}

// ActiveNodeLister is the registry capability the selector depends on.
type ActiveNodeLister interface {
	ListActive() ([]model.Node, error)
	Get(nodeID string) (*model.Node, error)
}

// NewSelector creates a Selector. routeTTL defaults to one hour.
func NewSelector(reg ActiveNodeLister, routeTTL time.Duration) *Selector {
	if routeTTL <= 0 {
		routeTTL = time.Hour
	}
	return &Selector{registry: reg, routeTTL: routeTTL, now: time.Now}
}

// Score rates a node for selection. Base 100, minus a degraded penalty, plus
// capped bandwidth and capacity bonuses.
func Score(n model.Node) int {
	score := 100
	if n.Status == model.NodeDegraded {
		score -= 20
	}
	score += min(n.Capabilities.BandwidthDown/100, 50)
	score += min(n.Capabilities.MaxConnections/10, 30)
	return score
}

// DirectFeasible reports whether a direct client-node path can be attempted.
// The only hard blocker is symmetric NAT on both ends.
func DirectFeasible(client ClientNetworkInfo, node model.Node) bool {
	if client.NATType == model.NATSymmetric && node.NetworkInfo.NATType == model.NATSymmetric {
		return false
	}
	return client.STUNMappedAddress != "" || client.NATType != model.NATSymmetric
}

// Select picks a route for the request. It prefers the caller's target node
// when direct-feasible, otherwise the highest-scored active node, falling
// back from direct to relay when NAT blocks the direct path.
func (s *Selector) Select(req Request) (*Result, error) {
	active, err := s.registry.ListActive()
	if err != nil {
		return nil, fmt.Errorf("list active nodes: %w", err)
	}
	if len(active) == 0 {
		return nil, ErrNoNodes
	}

	// Explicit target short-circuits scoring when a direct path exists.
	if req.TargetNodeID != "" {
		if target, ok := findNode(active, req.TargetNodeID); ok && DirectFeasible(req.ClientNet, target) {
			route := s.directRoute(req.ClientID, target)
			return &Result{Routes: []model.Route{route}, Selected: route, Node: target}, nil
		}
	}

	candidates := filterNodes(active, req.Requirements)
	best, ok := pickBest(candidates)
	if !ok {
		return nil, ErrNoSuitableRoute
	}

	if DirectFeasible(req.ClientNet, best) {
		direct := s.directRoute(req.ClientID, best)
		relay := s.relayRoute(req.ClientID, best)
		return &Result{Routes: []model.Route{direct, relay}, Selected: direct, Node: best}, nil
	}

	relay := s.relayRoute(req.ClientID, best)
	return &Result{Routes: []model.Route{relay}, Selected: relay, Node: best}, nil
}

func findNode(nodes []model.Node, id string) (model.Node, bool) {
	for _, n := range nodes {
		if n.NodeID == id {
			return n, true
		}
	}
	return model.Node{}, false
}

// filterNodes applies the requirement filters. If filtering empties the set,
// the unfiltered set is returned so a busy mesh still yields a route.
func filterNodes(nodes []model.Node, req *Requirements) []model.Node {
	if req == nil {
		return nodes
	}
	var out []model.Node
	for _, n := range nodes {
		if req.MinBandwidth > 0 && n.Capabilities.BandwidthDown < req.MinBandwidth {
			continue
		}
		if req.PreferredCountry != "" && n.Location.Country != req.PreferredCountry {
			continue
		}
		if req.PreferredRegion != "" && n.Location.Region != req.PreferredRegion {
			continue
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nodes
	}
	return out
}

// pickBest returns the highest-scored node; ties go to the freshest heartbeat.
func pickBest(nodes []model.Node) (model.Node, bool) {
	if len(nodes) == 0 {
		return model.Node{}, false
	}
	best := nodes[0]
	bestScore := Score(best)
	for _, n := range nodes[1:] {
		sc := Score(n)
		if sc > bestScore || (sc == bestScore && n.LastHeartbeatNs > best.LastHeartbeatNs) {
			best = n
			bestScore = sc
		}
	}
	return best, true
}

func (s *Selector) directRoute(clientID string, n model.Node) model.Route {
	return model.Route{
		ID:                 "direct-" + uuid.NewString(),
		Type:               model.RouteDirect,
		Path:               []string{n.NodeID},
		EstimatedLatencyMs: directLatencyMs,
		EstimatedBandwidth: n.Capabilities.BandwidthDown,
		Cost:               directCost,
		Priority:           directPriority,
		ClientID:           clientID,
		ExpiresAtNs:        s.now().Add(s.routeTTL).UnixNano(),
	}
}

func (s *Selector) relayRoute(clientID string, n model.Node) model.Route {
	return model.Route{
		ID:                 "relay-" + uuid.NewString(),
		Type:               model.RouteRelay,
		Path:               []string{n.NodeID},
		EstimatedLatencyMs: relayLatencyMs,
		EstimatedBandwidth: min(n.Capabilities.BandwidthDown, relayBWCapMbps),
		Cost:               relayCost,
		Priority:           relayPriority,
		ClientID:           clientID,
		ExpiresAtNs:        s.now().Add(s.routeTTL).UnixNano(),
	}
}
