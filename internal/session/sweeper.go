package session

import (
	"log"
	"sync"
	"time"

	"github.com/bosonmesh/boson/internal/scanloop"
)

// Sweeper periodically removes expired sessions.
type Sweeper struct {
	store    *Store
	interval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSweeper creates a session Sweeper. interval defaults to 5 min.
func NewSweeper(st *Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		store:    st,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the background sweeper goroutine.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		scanloop.Run(s.stopCh, s.interval, scanloop.DefaultJitterRange, s.sweep)
	}()
}

// Stop signals the sweeper to stop and waits for it to finish.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Sweeper) sweep() {
	ids, err := s.store.SweepExpired()
	if err != nil {
		log.Printf("[session] expiry sweep failed: %v", err)
		return
	}
	if len(ids) > 0 {
		log.Printf("[session] swept %d expired sessions", len(ids))
	}
}
