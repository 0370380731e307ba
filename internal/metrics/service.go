// Package metrics records node-reported metrics and retires old samples on a
// schedule.
package metrics

import (
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"

	"github.com/bosonmesh/boson/internal/model"
	"github.com/bosonmesh/boson/internal/store"
)

var samplesRecorded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "boson",
	Subsystem: "metrics",
	Name:      "samples_recorded_total",
	Help:      "Node metrics samples accepted.",
})

// Service stores node metrics samples and serves latest/history/aggregate
// queries over them.
type Service struct {
	repo      *store.MetricsRepo
	retention time.Duration
	purgeCron string

	cron *cron.Cron
	now  func() time.Time
}

// Config holds metrics Service construction parameters.
type Config struct {
	Repo      *store.MetricsRepo
	Retention time.Duration // default 7 d
	PurgeCron string        // standard cron expression, default hourly

	Now func() time.Time
}

// New creates a metrics Service. Call StartPurge to begin scheduled cleanup.
func New(cfg Config) *Service {
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.PurgeCron == "" {
		cfg.PurgeCron = "0 * * * *"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		repo:      cfg.Repo,
		retention: cfg.Retention,
		purgeCron: cfg.PurgeCron,
		now:       cfg.Now,
	}
}

// Record persists one metrics sample for nodeID, stamped now.
func (s *Service) Record(nodeID string, m model.HeartbeatMetrics) error {
	sample := model.NodeMetrics{
		NodeID:      nodeID,
		TimestampNs: s.now().UnixNano(),
		Metrics:     m,
	}
	if err := s.repo.Insert(sample); err != nil {
		return fmt.Errorf("record metrics for %s: %w", nodeID, err)
	}
	samplesRecorded.Inc()
	return nil
}

// Latest returns the most recent sample for nodeID.
func (s *Service) Latest(nodeID string) (*model.NodeMetrics, error) {
	return s.repo.Latest(nodeID)
}

// History returns up to limit samples for nodeID within the window, newest
// first.
func (s *Service) History(nodeID string, window time.Duration, limit int) ([]model.NodeMetrics, error) {
	since := s.now().Add(-window).UnixNano()
	return s.repo.History(nodeID, since, limit)
}

// Aggregated averages samples for nodeID over the window.
func (s *Service) Aggregated(nodeID string, window time.Duration) (*store.AggregatedMetrics, error) {
	now := s.now()
	return s.repo.Aggregated(nodeID, now.Add(-window).UnixNano(), now.UnixNano())
}

// StartPurge schedules retention cleanup on the configured cron expression.
func (s *Service) StartPurge() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.purgeCron, s.purge); err != nil {
		return fmt.Errorf("schedule metrics purge: %w", err)
	}
	s.cron.Start()
	return nil
}

// StopPurge stops the purge schedule, waiting for a running job to finish.
func (s *Service) StopPurge() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

func (s *Service) purge() {
	cutoff := s.now().Add(-s.retention).UnixNano()
	n, err := s.repo.PurgeBefore(cutoff)
	if err != nil {
		log.Printf("[metrics] purge failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[metrics] purged %d samples older than %s", n, s.retention)
	}
}
