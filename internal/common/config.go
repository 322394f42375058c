package common

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string        `toml:"environment"` // "development" or "production"
	Server      ServerConfig  `toml:"server"`
	Logging     LoggingConfig `toml:"logging"`
	Storage     StorageConfig `toml:"storage"`
	Worker      WorkerConfig  `toml:"worker"`
	Catalog     CatalogConfig `toml:"catalog"`
	Client      ClientConfig  `toml:"client"`
}

type ServerConfig struct {
	Port            int    `toml:"port" validate:"min=1,max=65535"`
	Host            string `toml:"host"`
	ReadTimeout     string `toml:"read_timeout"`     // e.g. "15s"
	ShutdownTimeout string `toml:"shutdown_timeout"` // e.g. "10s"
}

type LoggingConfig struct {
	Level      string   `toml:"level" validate:"oneof=debug info warn error"`
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // default "15:04:05.000"
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration for the job snapshot store
type BadgerConfig struct {
	InMemory       bool   `toml:"in_memory"`        // progress history is not durable by default
	Path           string `toml:"path"`             // Database directory path when not in memory
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup
	Retention      string `toml:"retention"`        // how long terminal snapshots are kept, e.g. "1h"
	PruneSchedule  string `toml:"prune_schedule"`   // cron spec, e.g. "@every 5m"
}

// WorkerConfig controls the execution side
type WorkerConfig struct {
	Concurrency      int    `toml:"concurrency" validate:"min=1"`
	ProgressThrottle string `toml:"progress_throttle"` // minimum gap between progress reports per job
	ToolTimeout      string `toml:"tool_timeout"`      // bound on a single MCP tool call
	ScanRoot         string `toml:"scan_root"`         // repositories must live under this directory ("" = any)
}

// CatalogConfig points at the MCP server catalog (TOML or YAML)
type CatalogConfig struct {
	Path string `toml:"path"`
}

// ClientConfig configures the tracking side: registry, transports and their limits
type ClientConfig struct {
	ServerURL      string          `toml:"server_url" validate:"required,url"` // http(s) base of the execution service
	ClientID       string          `toml:"client_id"`                          // generated when empty
	RequestTimeout string          `toml:"request_timeout"`
	Channel        ChannelConfig   `toml:"channel"`
	Reconnect      ReconnectConfig `toml:"reconnect"`
	Poller         PollerConfig    `toml:"poller"`
	Registry       RegistryConfig  `toml:"registry"`
	Cancel         CancelConfig    `toml:"cancel"`
}

type ChannelConfig struct {
	Path             string `toml:"path"` // WebSocket path on ServerURL, default "/ws"
	HandshakeTimeout string `toml:"handshake_timeout"`
	WriteWait        string `toml:"write_wait"`
	PongWait         string `toml:"pong_wait"`
}

type ReconnectConfig struct {
	BaseDelay   string  `toml:"base_delay"`
	Multiplier  float64 `toml:"multiplier" validate:"gte=1"`
	MaxAttempts int     `toml:"max_attempts" validate:"min=1"`
	MaxDelay    string  `toml:"max_delay"`
}

type PollerConfig struct {
	Interval        string `toml:"interval"`
	ScanInterval    string `toml:"scan_interval"`
	FailureCeiling  int    `toml:"failure_ceiling" validate:"min=1"`
	ExecutionBudget string `toml:"execution_budget"`
	ScanBudget      string `toml:"scan_budget"`
}

type RegistryConfig struct {
	GraceWindow      string `toml:"grace_window"`
	GCSchedule       string `toml:"gc_schedule"`
	SubscriberBuffer int    `toml:"subscriber_buffer" validate:"min=1"`
}

type CancelConfig struct {
	GraceTimeout string `toml:"grace_timeout"`
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port:            8085,
			Host:            "localhost",
			ReadTimeout:     "15s",
			ShutdownTimeout: "10s",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05.000",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				InMemory:      true,
				Path:          "./data/jobs",
				Retention:     "1h",
				PruneSchedule: "@every 5m",
			},
		},
		Worker: WorkerConfig{
			Concurrency:      4,
			ProgressThrottle: "100ms",
			ToolTimeout:      "5m",
		},
		Catalog: CatalogConfig{
			Path: "./catalog.toml",
		},
		Client: ClientConfig{
			ServerURL:      "http://localhost:8085",
			RequestTimeout: "10s",
			Channel: ChannelConfig{
				Path:             "/ws",
				HandshakeTimeout: "10s",
				WriteWait:        "10s",
				PongWait:         "60s",
			},
			Reconnect: ReconnectConfig{
				BaseDelay:   "1s",
				Multiplier:  1.5,
				MaxAttempts: 5,
				MaxDelay:    "30s",
			},
			Poller: PollerConfig{
				Interval:        "500ms",
				ScanInterval:    "2s",
				FailureCeiling:  5,
				ExecutionBudget: "5m",
				ScanBudget:      "15m",
			},
			Registry: RegistryConfig{
				GraceWindow:      "2m",
				GCSchedule:       "@every 30s",
				SubscriberBuffer: 64,
			},
			Cancel: CancelConfig{
				GraceTimeout: "5s",
			},
		},
	}
}

// LoadFromFile loads configuration from a single file
func LoadFromFile(path string) (*Config, error) {
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration with priority: defaults -> files (in order) -> env.
// CLI flags are applied afterwards by the caller.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Later files override earlier files
	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

func applyEnvOverrides(config *Config) {
	if env := os.Getenv("MCPDASH_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("MCPDASH_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("MCPDASH_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Logging configuration
	if level := os.Getenv("MCPDASH_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("MCPDASH_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Storage configuration
	if badgerPath := os.Getenv("MCPDASH_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
		config.Storage.Badger.InMemory = false
	}
	if inMemory := os.Getenv("MCPDASH_BADGER_IN_MEMORY"); inMemory != "" {
		if v, err := strconv.ParseBool(inMemory); err == nil {
			config.Storage.Badger.InMemory = v
		}
	}

	// Worker configuration
	if concurrency := os.Getenv("MCPDASH_WORKER_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Worker.Concurrency = c
		}
	}
	if scanRoot := os.Getenv("MCPDASH_WORKER_SCAN_ROOT"); scanRoot != "" {
		config.Worker.ScanRoot = scanRoot
	}

	// Catalog configuration
	if catalogPath := os.Getenv("MCPDASH_CATALOG_PATH"); catalogPath != "" {
		config.Catalog.Path = catalogPath
	}

	// Client configuration
	if serverURL := os.Getenv("MCPDASH_SERVER_URL"); serverURL != "" {
		config.Client.ServerURL = serverURL
	}
	if clientID := os.Getenv("MCPDASH_CLIENT_ID"); clientID != "" {
		config.Client.ClientID = clientID
	}
	if attempts := os.Getenv("MCPDASH_RECONNECT_MAX_ATTEMPTS"); attempts != "" {
		if a, err := strconv.Atoi(attempts); err == nil {
			config.Client.Reconnect.MaxAttempts = a
		}
	}
	if interval := os.Getenv("MCPDASH_POLL_INTERVAL"); interval != "" {
		config.Client.Poller.Interval = interval
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	// Command-line flags have highest priority
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

var validate = validator.New()

// Validate checks field constraints, duration strings and cron schedules
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	durations := map[string]string{
		"server.read_timeout":              c.Server.ReadTimeout,
		"server.shutdown_timeout":          c.Server.ShutdownTimeout,
		"storage.badger.retention":         c.Storage.Badger.Retention,
		"worker.progress_throttle":         c.Worker.ProgressThrottle,
		"worker.tool_timeout":              c.Worker.ToolTimeout,
		"client.request_timeout":           c.Client.RequestTimeout,
		"client.channel.handshake_timeout": c.Client.Channel.HandshakeTimeout,
		"client.channel.write_wait":        c.Client.Channel.WriteWait,
		"client.channel.pong_wait":         c.Client.Channel.PongWait,
		"client.reconnect.base_delay":      c.Client.Reconnect.BaseDelay,
		"client.reconnect.max_delay":       c.Client.Reconnect.MaxDelay,
		"client.poller.interval":           c.Client.Poller.Interval,
		"client.poller.scan_interval":      c.Client.Poller.ScanInterval,
		"client.poller.execution_budget":   c.Client.Poller.ExecutionBudget,
		"client.poller.scan_budget":        c.Client.Poller.ScanBudget,
		"client.registry.grace_window":     c.Client.Registry.GraceWindow,
		"client.cancel.grace_timeout":      c.Client.Cancel.GraceTimeout,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid config: %s: %w", key, err)
		}
	}

	for key, spec := range map[string]string{
		"client.registry.gc_schedule":   c.Client.Registry.GCSchedule,
		"storage.badger.prune_schedule": c.Storage.Badger.PruneSchedule,
	} {
		if spec == "" {
			continue
		}
		if err := ValidateSchedule(spec); err != nil {
			return fmt.Errorf("invalid config: %s: %w", key, err)
		}
	}
	return nil
}

// ValidateSchedule validates a cron expression or descriptor such as "@every 30s"
func ValidateSchedule(schedule string) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// ParseDuration parses a duration string, returning fallback when it is
// empty or invalid
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// ChannelURL derives the WebSocket endpoint from the server URL
func (c *ClientConfig) ChannelURL() (string, error) {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", c.ServerURL, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	path := c.Channel.Path
	if path == "" {
		path = "/ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
