package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bosonmesh/boson/internal/api"
	"github.com/bosonmesh/boson/internal/buildinfo"
	"github.com/bosonmesh/boson/internal/config"
	"github.com/bosonmesh/boson/internal/metrics"
	"github.com/bosonmesh/boson/internal/registry"
	"github.com/bosonmesh/boson/internal/relay"
	"github.com/bosonmesh/boson/internal/routing"
	"github.com/bosonmesh/boson/internal/session"
	"github.com/bosonmesh/boson/internal/store"
	"github.com/bosonmesh/boson/internal/token"
)

func main() {
	// 1. Load and validate environment config.
	cfg, err := config.LoadCoordinatorConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	log.Printf("boson coordinator %s (%s, built %s)", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)

	// 2. Open the durable store and caches.
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: create state dir: %v\n", err)
		os.Exit(1)
	}
	st, err := store.Open(filepath.Join(cfg.StateDir, "coordinator.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	nodeCache := store.NewNodeCache(10_000, cfg.CacheTTLNode)
	sessionCache := store.NewSessionCache(100_000, cfg.CacheTTLSession)
	defer nodeCache.Close()
	defer sessionCache.Close()

	// 3. Control-plane services.
	reg := registry.New(registry.Config{
		Repo:             st.Nodes,
		Cache:            nodeCache,
		OfflineThreshold: cfg.OfflineThreshold,
	})
	heartbeats := registry.NewHeartbeatManager(reg)
	selector := routing.NewSelector(reg, cfg.RouteTTL)
	sessions := session.NewStore(session.Config{
		Cache: sessionCache,
		Repo:  st.Sessions,
		TTL:   cfg.SessionTTL,
	})
	tokens := token.NewManager(cfg.JWTSecret, cfg.JWTExpiry)
	metricsSvc := metrics.New(metrics.Config{
		Repo:      st.Metrics,
		Retention: cfg.MetricsRetention,
		PurgeCron: cfg.MetricsPurgeCron,
	})
	if err := metricsSvc.StartPurge(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	defer metricsSvc.StopPurge()

	// 4. Relay plane.
	dispatcher := relay.NewDispatcher(reg, relay.DispatcherConfig{
		NodeAPIPort: cfg.NodeAPIPort,
		HTTPTimeout: cfg.DispatchTimeout,
	})
	wsRelay := relay.NewWSRelay(sessions, dispatcher, relay.WSConfig{
		HeartbeatInterval: cfg.HeartbeatInterval,
		BatchMax:          cfg.WSBatchMax,
		BatchWindow:       cfg.WSBatchWindow,
		WriteQueueMax:     cfg.WSWriteQueueMax,
	})
	defer wsRelay.Close()

	udpRelay := relay.NewUDPRelay(dispatcher, relay.UDPConfig{
		Port:        cfg.WireGuardPort,
		IdleTimeout: cfg.UDPSessionTimeout,
	})
	if err := udpRelay.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	defer udpRelay.Stop()

	// 5. Background sweepers.
	regSweeper := registry.NewSweeper(reg, cfg.SweepRegistry, cfg.OfflineThreshold, cfg.PurgeThreshold)
	regSweeper.Start()
	defer regSweeper.Stop()

	sessSweeper := session.NewSweeper(sessions, cfg.SweepSessions)
	sessSweeper.Start()
	defer sessSweeper.Stop()

	routeSweeper := store.NewRouteSweeper(st.Routes, cfg.SweepSessions)
	routeSweeper.Start()
	defer routeSweeper.Stop()

	// 6. API server (HTTP + relay WebSocket).
	srv := api.NewServer(api.Deps{
		Config:     cfg,
		Store:      st,
		Registry:   reg,
		Heartbeats: heartbeats,
		Selector:   selector,
		Sessions:   sessions,
		Metrics:    metricsSvc,
		Tokens:     tokens,
		Dispatcher: dispatcher,
		WSRelay:    wsRelay,
		UDPBinder:  udpRelay,
	})
	srvErrs, err := srv.Start()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	// 7. Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("received signal %s, shutting down", sig)
	case err := <-srvErrs:
		if err != nil {
			log.Printf("api server failed: %v", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
