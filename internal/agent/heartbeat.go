package agent

import (
	"context"
	"log"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bosonmesh/boson/internal/model"
	"github.com/bosonmesh/boson/internal/registry"
)

// Heartbeater sends periodic liveness reports. The interval follows the
// coordinator's next_heartbeat hint, so a degraded node reports faster.
type Heartbeater struct {
	client   *CoordinatorClient
	nodeID   string
	interval time.Duration

	collect func() model.HeartbeatMetrics

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewHeartbeater creates a Heartbeater. interval defaults to 30 s.
func NewHeartbeater(client *CoordinatorClient, nodeID string, interval time.Duration) *Heartbeater {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Heartbeater{
		client:   client,
		nodeID:   nodeID,
		interval: interval,
		collect:  collectMetrics,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the heartbeat loop.
func (h *Heartbeater) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.run()
	}()
}

// Stop halts the loop and waits for it.
func (h *Heartbeater) Stop() {
	close(h.stopCh)
	h.wg.Wait()
}

func (h *Heartbeater) run() {
	timer := time.NewTimer(h.interval)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			h.beat()
			timer.Reset(h.interval)
		case <-h.stopCh:
			return
		}
	}
}

func (h *Heartbeater) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m := h.collect()
	resp, err := h.client.Heartbeat(ctx, h.nodeID, registry.HeartbeatRequest{Metrics: &m})
	if err != nil {
		log.Printf("[agent] heartbeat failed: %v", err)
		return
	}
	if next := time.Duration(resp.NextHeartbeat) * time.Second; next > 0 && next != h.interval {
		log.Printf("[agent] heartbeat interval adjusted %s -> %s", h.interval, next)
		h.interval = next
	}
}

// collectMetrics samples coarse host load. Values degrade to zero when the
// proc files are unavailable (non-Linux dev machines).
func collectMetrics() model.HeartbeatMetrics {
	return model.HeartbeatMetrics{
		CPUUsage:          readLoadPercent(),
		MemoryUsage:       readMemPercent(),
		ActiveConnections: runtime.NumGoroutine(),
	}
}

// readLoadPercent approximates CPU usage as 1-minute load over core count.
func readLoadPercent() float64 {
	raw, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return 0
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	pct := load / float64(runtime.NumCPU()) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

func readMemPercent() float64 {
	raw, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	var total, avail float64
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			avail = v
		}
	}
	if total == 0 {
		return 0
	}
	return (total - avail) / total * 100
}
