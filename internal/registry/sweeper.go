package registry

import (
	"log"
	"sync"
	"time"

	"github.com/bosonmesh/boson/internal/scanloop"
)

// Sweeper periodically transitions overdue nodes to offline and hard-removes
// long-inactive ones.
type Sweeper struct {
	registry *NodeRegistry

	interval         time.Duration
	offlineThreshold time.Duration
	purgeThreshold   time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSweeper creates a registry Sweeper. interval defaults to 60 s,
// offlineThreshold to 2 min, purgeThreshold to 10 min.
func NewSweeper(reg *NodeRegistry, interval, offlineThreshold, purgeThreshold time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if offlineThreshold <= 0 {
		offlineThreshold = 2 * time.Minute
	}
	if purgeThreshold <= 0 {
		purgeThreshold = 10 * time.Minute
	}
	return &Sweeper{
		registry:         reg,
		interval:         interval,
		offlineThreshold: offlineThreshold,
		purgeThreshold:   purgeThreshold,
		stopCh:           make(chan struct{}),
	}
}

// Start launches the background sweeper goroutine.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		scanloop.Run(s.stopCh, s.interval, scanloop.DefaultJitterRange, s.Sweep)
	}()
}

// Stop signals the sweeper to stop and waits for it to finish.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Sweep runs one offline-then-purge pass. Offline transition happens first so
// a node is never purged while still listed active.
func (s *Sweeper) Sweep() {
	offline, err := s.registry.MarkInactiveOffline(s.offlineThreshold)
	if err != nil {
		log.Printf("[registry] offline sweep failed: %v", err)
	} else if len(offline) > 0 {
		log.Printf("[registry] marked %d nodes offline: %v", len(offline), offline)
	}

	removed, err := s.registry.RemoveInactive(s.purgeThreshold)
	if err != nil {
		log.Printf("[registry] purge sweep failed: %v", err)
	} else if len(removed) > 0 {
		log.Printf("[registry] purged %d inactive nodes: %v", len(removed), removed)
	}
}
