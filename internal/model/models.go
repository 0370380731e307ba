// Package model defines domain structs shared across the coordinator and agent.
package model

import "time"

// NATType classifies a peer's NAT behavior as observed via STUN.
type NATType string

const (
	NATFullCone       NATType = "full_cone"
	NATRestrictedCone NATType = "restricted_cone"
	NATPortRestricted NATType = "port_restricted"
	NATSymmetric      NATType = "symmetric"
)

// IsValid reports whether the NAT type is one of the four known kinds.
func (t NATType) IsValid() bool {
	switch t {
	case NATFullCone, NATRestrictedCone, NATPortRestricted, NATSymmetric:
		return true
	}
	return false
}

// NodeStatus is the liveness state of a registered node.
type NodeStatus string

const (
	NodeOnline   NodeStatus = "online"
	NodeDegraded NodeStatus = "degraded"
	NodeOffline  NodeStatus = "offline"
)

// IsValid reports whether the status is a known node status.
func (s NodeStatus) IsValid() bool {
	switch s {
	case NodeOnline, NodeDegraded, NodeOffline:
		return true
	}
	return false
}

// SessionStatus is the lifecycle state of a relay session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
	SessionError  SessionStatus = "error"
)

// RouteType distinguishes direct, coordinator-relayed, and multi-hop routes.
type RouteType string

const (
	RouteDirect  RouteType = "direct"
	RouteRelay   RouteType = "relay"
	RouteCascade RouteType = "cascade"
)

// NetworkInfo describes how a node (or client) is reachable.
type NetworkInfo struct {
	IPv4           string  `json:"ipv4"`
	IPv6           string  `json:"ipv6,omitempty"`
	NATType        NATType `json:"nat_type"`
	STUNMappedAddr string  `json:"stun_mapped_addr,omitempty"`
	LocalPort      int     `json:"local_port"`
	PublicIP       string  `json:"public_ip,omitempty"`
}

// Capabilities describes what a node can carry.
type Capabilities struct {
	MaxConnections int  `json:"max_connections"`
	BandwidthUp    int  `json:"bandwidth_up"`
	BandwidthDown  int  `json:"bandwidth_down"`
	Routing        bool `json:"routing"`
	NATting        bool `json:"natting"`
}

// Location is the node's self-reported geography.
type Location struct {
	Country string  `json:"country"`
	Region  string  `json:"region,omitempty"`
	Lat     float64 `json:"lat,omitempty"`
	Lon     float64 `json:"lon,omitempty"`
}

// Node is a registered egress gateway.
type Node struct {
	NodeID          string       `json:"node_id"`
	PublicKey       string       `json:"public_key"`
	NetworkInfo     NetworkInfo  `json:"network_info"`
	Capabilities    Capabilities `json:"capabilities"`
	Location        Location     `json:"location"`
	Status          NodeStatus   `json:"status"`
	LastHeartbeatNs int64        `json:"last_heartbeat_ns"`
	RegisteredAtNs  int64        `json:"registered_at_ns"`
}

// LastHeartbeat returns the last heartbeat instant as a time.Time.
func (n *Node) LastHeartbeat() time.Time {
	return time.Unix(0, n.LastHeartbeatNs)
}

// Route is an ephemeral routing plan, not a live connection.
type Route struct {
	ID                 string    `json:"id"`
	Type               RouteType `json:"type"`
	Path               []string  `json:"path"`
	EstimatedLatencyMs int       `json:"estimated_latency_ms"`
	EstimatedBandwidth int       `json:"estimated_bandwidth_mbps"`
	Cost               int       `json:"cost"`
	Priority           int       `json:"priority"`
	ClientID           string    `json:"client_id,omitempty"`
	ExpiresAtNs        int64     `json:"expires_at_ns"`
}

// Session binds one client to one node for a bounded lifetime.
type Session struct {
	SessionID     string        `json:"session_id"`
	NodeID        string        `json:"node_id"`
	ClientID      string        `json:"client_id"`
	RouteID       string        `json:"route_id,omitempty"`
	Status        SessionStatus `json:"status"`
	CreatedAtNs   int64         `json:"created_at_ns"`
	ExpiresAtNs   int64         `json:"expires_at_ns"`
	RelayEndpoint string        `json:"relay_endpoint,omitempty"`
}

// Expired reports whether the session's TTL has elapsed at the given instant.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAtNs > 0 && s.ExpiresAtNs < now.UnixNano()
}

// HeartbeatMetrics is the resource snapshot a node reports with each heartbeat.
type HeartbeatMetrics struct {
	CPUUsage          float64 `json:"cpu_usage"`
	MemoryUsage       float64 `json:"memory_usage"`
	PacketLoss        float64 `json:"packet_loss"`
	ActiveConnections int     `json:"active_connections"`
	BandwidthUsage    float64 `json:"bandwidth_usage,omitempty"`
}

// NodeMetrics is a persisted metrics sample for a node.
type NodeMetrics struct {
	NodeID      string           `json:"node_id"`
	TimestampNs int64            `json:"timestamp_ns"`
	Metrics     HeartbeatMetrics `json:"metrics"`
}
