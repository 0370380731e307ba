package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig holds the node agent's settings. Environment variables override
// values loaded from the YAML config file.
type AgentConfig struct {
	// Coordinator
	ServerURL string `yaml:"server_url"`

	// Local API listen port (packets/from-server reachback).
	APIPort int `yaml:"api_port"`

	// Identity
	NodeID  string `yaml:"node_id"`
	KeyDir  string `yaml:"key_dir"`
	Country string `yaml:"country"`
	Region  string `yaml:"region"`

	// Capabilities advertised on register.
	MaxConnections int `yaml:"max_connections"`
	BandwidthUp    int `yaml:"bandwidth_up"`
	BandwidthDown  int `yaml:"bandwidth_down"`

	// NAT traversal
	STUNServers []string      `yaml:"stun_servers"`
	STUNTimeout time.Duration `yaml:"stun_timeout"`

	// OS-level forwarding
	Interface string `yaml:"interface"`
	SkipNAT   bool   `yaml:"skip_nat"` // test/dev only

	// Timers
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	TCPConnectTimeout   time.Duration `yaml:"tcp_connect_timeout"`
	ConnIdleTimeout     time.Duration `yaml:"conn_idle_timeout"`
}

// defaultAgentConfig returns an AgentConfig with all defaults applied.
func defaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		APIPort:             8088,
		KeyDir:              "/var/lib/boson-node",
		MaxConnections:      500,
		BandwidthUp:         100,
		BandwidthDown:       100,
		STUNServers:         []string{"stun.l.google.com:19302", "stun1.l.google.com:19302"},
		STUNTimeout:         5 * time.Second,
		Interface:           "eth0",
		HeartbeatInterval:   30 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		ShutdownTimeout:     10 * time.Second,
		TCPConnectTimeout:   10 * time.Second,
		ConnIdleTimeout:     5 * time.Minute,
	}
}

// LoadAgentConfig loads the agent configuration from the given YAML file
// (optional; empty path skips it), applies environment overrides, validates,
// and returns the result.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	cfg := defaultAgentConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read agent config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse agent config %s: %w", path, err)
		}
	}

	var errs []string

	// Environment overrides.
	if v := strings.TrimSpace(os.Getenv("BOSON_SERVER_URL")); v != "" {
		cfg.ServerURL = v
	}
	cfg.APIPort = envInt("NODE_API_PORT", cfg.APIPort, &errs)
	if v := os.Getenv("BOSON_NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("BOSON_KEY_DIR"); v != "" {
		cfg.KeyDir = v
	}
	if v := os.Getenv("STUN_HOST"); v != "" {
		port := envInt("STUN_PORT", 19302, &errs)
		cfg.STUNServers = append([]string{fmt.Sprintf("%s:%d", v, port)}, cfg.STUNServers...)
	}

	// Validation.
	if cfg.ServerURL == "" {
		errs = append(errs, "server_url (or BOSON_SERVER_URL) must be set")
	}
	validatePort("api_port", cfg.APIPort, &errs)
	validatePositive("max_connections", cfg.MaxConnections, &errs)
	validatePositive("bandwidth_up", cfg.BandwidthUp, &errs)
	validatePositive("bandwidth_down", cfg.BandwidthDown, &errs)
	if len(cfg.STUNServers) == 0 {
		errs = append(errs, "stun_servers must not be empty")
	}
	validatePositiveDuration("stun_timeout", cfg.STUNTimeout, &errs)
	validatePositiveDuration("heartbeat_interval", cfg.HeartbeatInterval, &errs)
	validatePositiveDuration("health_check_interval", cfg.HealthCheckInterval, &errs)
	validatePositiveDuration("shutdown_timeout", cfg.ShutdownTimeout, &errs)
	validatePositiveDuration("tcp_connect_timeout", cfg.TCPConnectTimeout, &errs)
	validatePositiveDuration("conn_idle_timeout", cfg.ConnIdleTimeout, &errs)

	if len(errs) > 0 {
		return nil, fmt.Errorf("agent config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}
