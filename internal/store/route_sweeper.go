package store

import (
	"log"
	"sync"
	"time"

	"github.com/bosonmesh/boson/internal/scanloop"
)

// RouteSweeper periodically deletes expired route plans. Routes are plans,
// not connections, so expiry needs no cache invalidation.
type RouteSweeper struct {
	repo     *RouteRepo
	interval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRouteSweeper creates a RouteSweeper. interval defaults to 5 min.
func NewRouteSweeper(repo *RouteRepo, interval time.Duration) *RouteSweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &RouteSweeper{repo: repo, interval: interval, stopCh: make(chan struct{})}
}

// Start launches the background sweeper goroutine.
func (s *RouteSweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		scanloop.Run(s.stopCh, s.interval, scanloop.DefaultJitterRange, s.sweep)
	}()
}

// Stop signals the sweeper to stop and waits for it to finish.
func (s *RouteSweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *RouteSweeper) sweep() {
	n, err := s.repo.DeleteExpiredBefore(time.Now().UnixNano())
	if err != nil {
		log.Printf("[store] route expiry sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[store] swept %d expired routes", n)
	}
}
