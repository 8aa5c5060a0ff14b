// Package config loads and validates the orchestrator configuration from
// environment variables. Every value has a default; Load never touches the
// network or the filesystem (.env loading happens in cmd before Load).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig controls the northbound HTTP listener.
type ServerConfig struct {
	// Host is the bind address.
	Host string

	// Port is the listen port.
	Port int

	// APIKey gates the workflow endpoints when non-empty. Dashboard and
	// health endpoints are never API-key gated.
	APIKey string
}

// Addr returns the host:port bind address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DiscoveryConfig controls the periodic agent scan.
type DiscoveryConfig struct {
	// Hosts are the base URLs scanned for agents, without ports.
	Hosts []string

	// Ports is the inclusive port range appended to each host.
	Ports PortRange

	// Interval between scans. The first scan runs before the HTTP server
	// accepts workflow requests.
	Interval time.Duration

	// ProbeTimeout bounds a single card fetch or reachability probe.
	ProbeTimeout time.Duration
}

// DispatchConfig controls single-task dispatch behaviour.
type DispatchConfig struct {
	// ExecutionTimeout is the wall-clock budget for one dispatch: both the
	// per-event read and the total stream duration count against it.
	ExecutionTimeout time.Duration

	// Reservation back-off while waiting for an AVAILABLE agent.
	ReserveInitialBackoff time.Duration
	ReserveBackoffFactor  float64
	ReserveMaxBackoff     time.Duration
}

// RecoveryConfig controls the broken-agent recovery loop.
type RecoveryConfig struct {
	// RetryDelay is slept before re-enqueueing an unrecovered agent.
	RetryDelay time.Duration

	// GiveUpAfter drops a recovery entry once its original enqueue time
	// is further in the past than this.
	GiveUpAfter time.Duration

	// ProbeTimeout bounds one cancel or reachability call during recovery.
	ProbeTimeout time.Duration
}

// SchedulerConfig controls the per-label worker pools.
type SchedulerConfig struct {
	// StatusRecheckInterval is slept by a worker whose agent is BUSY
	// before re-reading the registry.
	StatusRecheckInterval time.Duration
}

// HistoryConfig sizes the in-memory ring buffers.
type HistoryConfig struct {
	TaskCapacity  int
	ErrorCapacity int
	LogCapacity   int
}

// DashboardConfig holds dashboard authentication settings.
type DashboardConfig struct {
	JWTSecret string
	Username  string
	Password  string
	TokenTTL  time.Duration
}

// RouterConfig holds oracle settings.
type RouterConfig struct {
	// AnthropicAPIKey enables the LLM oracle. Empty key switches the
	// router to the deterministic keyword fallback.
	AnthropicAPIKey string

	// Model is the Anthropic model id used for ranking.
	Model string
}

// TestMgmtConfig holds the test-management adapter settings.
type TestMgmtConfig struct {
	// BaseURL of the test-management HTTP API. Empty disables the
	// execute-tests workflow.
	BaseURL string

	// APIToken is sent as a bearer token when non-empty.
	APIToken string

	// AutomatedLabel marks test cases eligible for bulk execution; the
	// remaining labels of a case select its agent pool.
	AutomatedLabel string
}

// Config is the root configuration aggregate, assembled once at startup.
type Config struct {
	Server    ServerConfig
	Discovery DiscoveryConfig
	Dispatch  DispatchConfig
	Recovery  RecoveryConfig
	Scheduler SchedulerConfig
	History   HistoryConfig
	Dashboard DashboardConfig
	Router    RouterConfig
	TestMgmt  TestMgmtConfig
}

// devJWTSecret is the development fallback when DASHBOARD_JWT_SECRET is
// unset. Fine for local runs, never for deployments.
const devJWTSecret = "insecure-dev-secret-change-me"

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Discovery: DiscoveryConfig{
			Hosts:        []string{"http://localhost"},
			Ports:        PortRange{Start: 8001, End: 8007},
			Interval:     300 * time.Second,
			ProbeTimeout: 120 * time.Second,
		},
		Dispatch: DispatchConfig{
			ExecutionTimeout:      500 * time.Second,
			ReserveInitialBackoff: 2 * time.Second,
			ReserveBackoffFactor:  1.5,
			ReserveMaxBackoff:     30 * time.Second,
		},
		Recovery: RecoveryConfig{
			RetryDelay:   60 * time.Second,
			GiveUpAfter:  24 * time.Hour,
			ProbeTimeout: 120 * time.Second,
		},
		Scheduler: SchedulerConfig{
			StatusRecheckInterval: 1 * time.Second,
		},
		History: HistoryConfig{
			TaskCapacity:  100,
			ErrorCapacity: 50,
			LogCapacity:   50000,
		},
		Dashboard: DashboardConfig{
			JWTSecret: devJWTSecret,
			Username:  "admin",
			Password:  "admin",
			TokenTTL:  60 * time.Minute,
		},
		Router: RouterConfig{
			Model: "claude-3-5-haiku-latest",
		},
		TestMgmt: TestMgmtConfig{
			AutomatedLabel: "automated",
		},
	}
}

// Load builds the configuration from the environment on top of Default.
func Load() (*Config, error) {
	cfg := Default()

	cfg.Server.Host = envString("ORCHESTRATOR_HOST", cfg.Server.Host)
	port, err := envInt("ORCHESTRATOR_PORT", cfg.Server.Port)
	if err != nil {
		return nil, err
	}
	cfg.Server.Port = port
	cfg.Server.APIKey = envString("ORCHESTRATOR_API_KEY", cfg.Server.APIKey)

	if hosts := os.Getenv("REMOTE_AGENT_HOSTS"); hosts != "" {
		cfg.Discovery.Hosts = splitHosts(hosts)
	}
	if raw := os.Getenv("AGENT_DISCOVERY_PORTS"); raw != "" {
		pr, err := ParsePortRange(raw)
		if err != nil {
			return nil, fmt.Errorf("AGENT_DISCOVERY_PORTS: %w", err)
		}
		cfg.Discovery.Ports = pr
	}
	if cfg.Discovery.Interval, err = envSeconds("DISCOVERY_INTERVAL_SECONDS", cfg.Discovery.Interval); err != nil {
		return nil, err
	}
	if cfg.Discovery.ProbeTimeout, err = envSeconds("DISCOVERY_PROBE_TIMEOUT_SECONDS", cfg.Discovery.ProbeTimeout); err != nil {
		return nil, err
	}
	if cfg.Dispatch.ExecutionTimeout, err = envSeconds("TASK_EXECUTION_TIMEOUT_SECONDS", cfg.Dispatch.ExecutionTimeout); err != nil {
		return nil, err
	}

	cfg.Dashboard.JWTSecret = envString("DASHBOARD_JWT_SECRET", cfg.Dashboard.JWTSecret)
	cfg.Dashboard.Username = envString("DASHBOARD_USERNAME", cfg.Dashboard.Username)
	cfg.Dashboard.Password = envString("DASHBOARD_PASSWORD", cfg.Dashboard.Password)
	ttlMinutes, err := envInt("DASHBOARD_TOKEN_TTL_MINUTES", int(cfg.Dashboard.TokenTTL/time.Minute))
	if err != nil {
		return nil, err
	}
	cfg.Dashboard.TokenTTL = time.Duration(ttlMinutes) * time.Minute

	cfg.Router.AnthropicAPIKey = envString("ANTHROPIC_API_KEY", cfg.Router.AnthropicAPIKey)
	cfg.Router.Model = envString("ROUTER_MODEL", cfg.Router.Model)

	cfg.TestMgmt.BaseURL = envString("TESTMGMT_BASE_URL", cfg.TestMgmt.BaseURL)
	cfg.TestMgmt.APIToken = envString("TESTMGMT_API_TOKEN", cfg.TestMgmt.APIToken)
	cfg.TestMgmt.AutomatedLabel = envString("AUTOMATED_LABEL", cfg.TestMgmt.AutomatedLabel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that env parsing cannot catch.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: ORCHESTRATOR_PORT %d out of range", ErrInvalidValue, c.Server.Port)
	}
	if err := c.Discovery.Ports.Validate(); err != nil {
		return err
	}
	if len(c.Discovery.Hosts) == 0 {
		return fmt.Errorf("%w: REMOTE_AGENT_HOSTS is empty", ErrInvalidValue)
	}
	if c.Discovery.Interval <= 0 {
		return fmt.Errorf("%w: DISCOVERY_INTERVAL_SECONDS must be positive", ErrInvalidValue)
	}
	if c.Dispatch.ExecutionTimeout <= 0 {
		return fmt.Errorf("%w: TASK_EXECUTION_TIMEOUT_SECONDS must be positive", ErrInvalidValue)
	}
	if c.Dashboard.TokenTTL <= 0 {
		return fmt.Errorf("%w: DASHBOARD_TOKEN_TTL_MINUTES must be positive", ErrInvalidValue)
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidValue, key, v)
	}
	return n, nil
}

func envSeconds(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("%w: %s=%q is not a positive number of seconds", ErrInvalidValue, key, v)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func splitHosts(raw string) []string {
	parts := strings.Split(raw, ",")
	hosts := make([]string, 0, len(parts))
	for _, p := range parts {
		if h := strings.TrimSpace(strings.TrimSuffix(p, "/")); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}
