// Package config handles environment-based configuration for the coordinator
// and file-based configuration for the node agent.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// RelayProtocol selects the scheme the coordinator advertises for its relay endpoint.
type RelayProtocol string

const (
	RelayWS  RelayProtocol = "ws"
	RelayWSS RelayProtocol = "wss"
)

// CoordinatorConfig holds all environment-variable-driven coordinator settings.
type CoordinatorConfig struct {
	// Listen
	ServerHost string
	ServerPort int

	// Advertised relay endpoint
	RelayHost     string
	RelayPort     int
	RelayProtocol RelayProtocol

	// UDP relay
	WireGuardPort     int
	UDPSessionTimeout time.Duration

	// Node API reachback
	NodeAPIPort       int
	DefaultNodeAPIURL string
	DispatchTimeout   time.Duration

	// Identity advertised to nodes
	ServerPublicIP string
	ServerHostname string
	STUNHost       string
	STUNPort       int

	// Directories
	StateDir string
	LogDir   string

	// Tokens
	JWTSecret string
	JWTExpiry time.Duration

	// Lifecycle tuning
	HeartbeatInterval time.Duration
	OfflineThreshold  time.Duration
	PurgeThreshold    time.Duration
	SessionTTL        time.Duration
	RouteTTL          time.Duration
	CacheTTLNode      time.Duration
	CacheTTLSession   time.Duration
	SweepRegistry     time.Duration
	SweepSessions     time.Duration

	// WS relay
	WSBatchMax      int
	WSBatchWindow   time.Duration
	WSWriteQueueMax int

	// Metrics retention
	MetricsRetention    time.Duration
	MetricsPurgeCron    string
	MetricsAggregateWin time.Duration
}

// LoadCoordinatorConfig reads environment variables and returns a validated config.
func LoadCoordinatorConfig() (*CoordinatorConfig, error) {
	cfg := &CoordinatorConfig{}
	var errs []string

	// --- Listen ---
	cfg.ServerHost = strings.TrimSpace(envStr("SERVER_HOST", "0.0.0.0"))
	cfg.ServerPort = envInt("SERVER_PORT", 8080, &errs)

	// --- Relay endpoint ---
	cfg.RelayHost = strings.TrimSpace(envStr("RELAY_HOST", ""))
	cfg.RelayPort = envInt("RELAY_PORT", 8080, &errs)
	cfg.RelayProtocol = RelayProtocol(envStr("RELAY_PROTOCOL", string(RelayWS)))

	// --- UDP relay ---
	cfg.WireGuardPort = envInt("WIREGUARD_PORT", 51820, &errs)
	cfg.UDPSessionTimeout = envDuration("BOSON_UDP_SESSION_TIMEOUT", 5*time.Minute, &errs)

	// --- Node API reachback ---
	cfg.NodeAPIPort = envInt("NODE_API_PORT", 8088, &errs)
	cfg.DefaultNodeAPIURL = strings.TrimSpace(envStr("DEFAULT_NODE_API_URL", ""))
	cfg.DispatchTimeout = envDuration("BOSON_DISPATCH_TIMEOUT", 5*time.Second, &errs)

	// --- Identity ---
	cfg.ServerPublicIP = strings.TrimSpace(envStr("SERVER_PUBLIC_IP", ""))
	cfg.ServerHostname = strings.TrimSpace(envStr("SERVER_HOSTNAME", ""))
	cfg.STUNHost = strings.TrimSpace(envStr("STUN_HOST", "stun.l.google.com"))
	cfg.STUNPort = envInt("STUN_PORT", 19302, &errs)

	// --- Directories ---
	cfg.StateDir = envStr("BOSON_STATE_DIR", "/var/lib/boson")
	cfg.LogDir = envStr("LOG_DIR", "/var/log/boson")

	// --- Tokens ---
	cfg.JWTSecret = os.Getenv("BOSON_JWT_SECRET")
	cfg.JWTExpiry = envDuration("BOSON_JWT_EXPIRY", 24*time.Hour, &errs)

	// --- Lifecycle tuning ---
	cfg.HeartbeatInterval = envDuration("BOSON_HEARTBEAT_INTERVAL", 30*time.Second, &errs)
	cfg.OfflineThreshold = envDuration("BOSON_OFFLINE_THRESHOLD", 2*time.Minute, &errs)
	cfg.PurgeThreshold = envDuration("BOSON_PURGE_THRESHOLD", 10*time.Minute, &errs)
	cfg.SessionTTL = envDuration("BOSON_SESSION_TTL", time.Hour, &errs)
	cfg.RouteTTL = envDuration("BOSON_ROUTE_TTL", time.Hour, &errs)
	cfg.CacheTTLNode = envDuration("BOSON_CACHE_TTL_NODE", time.Minute, &errs)
	cfg.CacheTTLSession = envDuration("BOSON_CACHE_TTL_SESSION", time.Hour, &errs)
	cfg.SweepRegistry = envDuration("BOSON_SWEEP_INTERVAL_REGISTRY", time.Minute, &errs)
	cfg.SweepSessions = envDuration("BOSON_SWEEP_INTERVAL_SESSIONS", 5*time.Minute, &errs)

	// --- WS relay ---
	cfg.WSBatchMax = envInt("BOSON_WS_BATCH_MAX", 10, &errs)
	cfg.WSBatchWindow = envDuration("BOSON_WS_BATCH_WINDOW", 10*time.Millisecond, &errs)
	cfg.WSWriteQueueMax = envInt("BOSON_WS_WRITE_QUEUE_MAX", 1024, &errs)

	// --- Metrics retention ---
	cfg.MetricsRetention = envDuration("BOSON_METRICS_RETENTION", 24*time.Hour, &errs)
	cfg.MetricsPurgeCron = envStr("BOSON_METRICS_PURGE_SCHEDULE", "17 * * * *")
	cfg.MetricsAggregateWin = envDuration("BOSON_METRICS_AGGREGATE_WINDOW", time.Hour, &errs)

	// --- Validation ---
	if cfg.ServerHost == "" {
		errs = append(errs, "SERVER_HOST must not be empty")
	}
	validatePort("SERVER_PORT", cfg.ServerPort, &errs)
	validatePort("RELAY_PORT", cfg.RelayPort, &errs)
	validatePort("WIREGUARD_PORT", cfg.WireGuardPort, &errs)
	validatePort("NODE_API_PORT", cfg.NodeAPIPort, &errs)
	validatePort("STUN_PORT", cfg.STUNPort, &errs)
	if cfg.RelayProtocol != RelayWS && cfg.RelayProtocol != RelayWSS {
		errs = append(errs, fmt.Sprintf("RELAY_PROTOCOL: must be ws or wss, got %q", cfg.RelayProtocol))
	}
	if cfg.JWTSecret == "" {
		errs = append(errs, "BOSON_JWT_SECRET must be set")
	}
	validatePositiveDuration("BOSON_JWT_EXPIRY", cfg.JWTExpiry, &errs)
	validatePositiveDuration("BOSON_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval, &errs)
	validatePositiveDuration("BOSON_OFFLINE_THRESHOLD", cfg.OfflineThreshold, &errs)
	validatePositiveDuration("BOSON_PURGE_THRESHOLD", cfg.PurgeThreshold, &errs)
	validatePositiveDuration("BOSON_SESSION_TTL", cfg.SessionTTL, &errs)
	validatePositiveDuration("BOSON_ROUTE_TTL", cfg.RouteTTL, &errs)
	validatePositiveDuration("BOSON_CACHE_TTL_NODE", cfg.CacheTTLNode, &errs)
	validatePositiveDuration("BOSON_CACHE_TTL_SESSION", cfg.CacheTTLSession, &errs)
	validatePositiveDuration("BOSON_SWEEP_INTERVAL_REGISTRY", cfg.SweepRegistry, &errs)
	validatePositiveDuration("BOSON_SWEEP_INTERVAL_SESSIONS", cfg.SweepSessions, &errs)
	validatePositiveDuration("BOSON_UDP_SESSION_TIMEOUT", cfg.UDPSessionTimeout, &errs)
	validatePositiveDuration("BOSON_DISPATCH_TIMEOUT", cfg.DispatchTimeout, &errs)
	validatePositive("BOSON_WS_BATCH_MAX", cfg.WSBatchMax, &errs)
	validatePositiveDuration("BOSON_WS_BATCH_WINDOW", cfg.WSBatchWindow, &errs)
	validatePositive("BOSON_WS_WRITE_QUEUE_MAX", cfg.WSWriteQueueMax, &errs)
	if cfg.OfflineThreshold >= cfg.PurgeThreshold {
		errs = append(errs, "BOSON_OFFLINE_THRESHOLD must be less than BOSON_PURGE_THRESHOLD")
	}
	if _, err := cron.ParseStandard(cfg.MetricsPurgeCron); err != nil {
		errs = append(errs, fmt.Sprintf("BOSON_METRICS_PURGE_SCHEDULE: invalid cron expression %q: %v", cfg.MetricsPurgeCron, err))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// RelayEndpoint returns the advertised WebSocket relay URL for a session.
func (c *CoordinatorConfig) RelayEndpoint(sessionID string) string {
	host := c.RelayHost
	if host == "" {
		host = c.ServerPublicIP
	}
	if host == "" {
		host = c.ServerHostname
	}
	return fmt.Sprintf("%s://%s:%d/relay/%s", c.RelayProtocol, host, c.RelayPort, sessionID)
}

// RelayBaseURL returns the advertised relay URL without a session path.
func (c *CoordinatorConfig) RelayBaseURL() string {
	host := c.RelayHost
	if host == "" {
		host = c.ServerPublicIP
	}
	if host == "" {
		host = c.ServerHostname
	}
	return fmt.Sprintf("%s://%s:%d/relay", c.RelayProtocol, host, c.RelayPort)
}

// STUNServer returns the advertised STUN server in host:port form.
func (c *CoordinatorConfig) STUNServer() string {
	return fmt.Sprintf("%s:%d", c.STUNHost, c.STUNPort)
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validatePositiveDuration(name string, value time.Duration, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %s", name, value))
	}
}
