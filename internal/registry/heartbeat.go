package registry

import (
	"github.com/bosonmesh/boson/internal/model"
)

// Degradation thresholds: a node reporting load beyond any of these is
// treated as degraded unless it states its status explicitly.
const (
	degradedCPUPercent  = 90.0
	degradedMemPercent  = 90.0
	degradedLossPercent = 10.0

	// Heartbeat cadence hints returned to nodes.
	nextHeartbeatOnline   = 30
	nextHeartbeatDegraded = 10
)

// HeartbeatRequest is a node's periodic liveness report.
type HeartbeatRequest struct {
	Metrics *model.HeartbeatMetrics `json:"metrics,omitempty"`
	Status  model.NodeStatus        `json:"status,omitempty"`
}

// HeartbeatResponse tells the node when to report next.
type HeartbeatResponse struct {
	Status        string   `json:"status"`
	NextHeartbeat int      `json:"next_heartbeat"`
	Actions       []string `json:"actions"`
}

// HeartbeatManager derives node status from heartbeat payloads and advances
// liveness through the registry.
type HeartbeatManager struct {
	registry *NodeRegistry
}

// NewHeartbeatManager creates a HeartbeatManager over the given registry.
func NewHeartbeatManager(reg *NodeRegistry) *HeartbeatManager {
	return &HeartbeatManager{registry: reg}
}

// ProcessHeartbeat records a heartbeat for nodeID. The status hint is derived
// from reported metrics; an explicit client-supplied status wins.
func (m *HeartbeatManager) ProcessHeartbeat(nodeID string, req HeartbeatRequest) (*HeartbeatResponse, error) {
	status := deriveStatus(req.Metrics)
	if req.Status != "" && req.Status.IsValid() {
		status = req.Status
	}

	if err := m.registry.UpdateHeartbeat(nodeID, status); err != nil {
		return nil, err
	}

	next := nextHeartbeatOnline
	if status == model.NodeDegraded {
		next = nextHeartbeatDegraded
	}
	return &HeartbeatResponse{
		Status:        "ok",
		NextHeartbeat: next,
		Actions:       []string{},
	}, nil
}

func deriveStatus(m *model.HeartbeatMetrics) model.NodeStatus {
	if m == nil {
		return model.NodeOnline
	}
	if m.CPUUsage > degradedCPUPercent ||
		m.MemoryUsage > degradedMemPercent ||
		m.PacketLoss > degradedLossPercent {
		return model.NodeDegraded
	}
	return model.NodeOnline
}
