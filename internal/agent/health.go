package agent

import (
	"log"
	"sync"
	"time"
)

const recoveryFailureThreshold = 3

// HealthChecker runs periodic self-checks and triggers recovery after
// repeated failures. Overall health is NAT AND (routing OR relay link).
type HealthChecker struct {
	nat      *natController
	links    *LinkManager
	skipOS   bool
	interval time.Duration

	mu           sync.Mutex
	consecutive  int
	lastHealthy  bool
	recoverCount int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker. interval defaults to 30 s.
func NewHealthChecker(nat *natController, links *LinkManager, skipOS bool, interval time.Duration) *HealthChecker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthChecker{
		nat:         nat,
		links:       links,
		skipOS:      skipOS,
		interval:    interval,
		lastHealthy: true,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the periodic check loop.
func (h *HealthChecker) Start() {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.Check()
			case <-h.stopCh:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for it.
func (h *HealthChecker) Stop() {
	close(h.stopCh)
	h.wg.Wait()
}

// Healthy reports the result of the most recent check.
func (h *HealthChecker) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastHealthy
}

// Check runs one health evaluation, counting consecutive failures and
// running recovery at the threshold.
func (h *HealthChecker) Check() bool {
	natOK := h.nat.Verify()
	routingOK := verifyRouting(h.skipOS)
	wsOK := h.links != nil && h.links.AnyConnected()

	healthy := natOK && (routingOK || wsOK)

	h.mu.Lock()
	h.lastHealthy = healthy
	if healthy {
		h.consecutive = 0
		h.mu.Unlock()
		return true
	}
	h.consecutive++
	failures := h.consecutive
	h.mu.Unlock()

	log.Printf("[agent] health check failed (%d consecutive): nat=%t routing=%t ws=%t",
		failures, natOK, routingOK, wsOK)

	if failures >= recoveryFailureThreshold {
		h.attemptRecovery()
	}
	return false
}

// attemptRecovery re-applies NAT rules and re-verifies routing.
func (h *HealthChecker) attemptRecovery() {
	h.mu.Lock()
	h.consecutive = 0
	h.recoverCount++
	n := h.recoverCount
	h.mu.Unlock()

	log.Printf("[agent] attempting recovery (#%d)", n)
	if err := h.nat.Disable(); err != nil {
		log.Printf("[agent] recovery: disable nat: %v", err)
	}
	if err := h.nat.Enable(); err != nil {
		log.Printf("[agent] recovery: re-enable nat: %v", err)
		return
	}
	if !verifyRouting(h.skipOS) {
		log.Printf("[agent] recovery: routing still not verifiable")
		return
	}
	log.Printf("[agent] recovery complete")
}
