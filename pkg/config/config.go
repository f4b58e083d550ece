package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config represents the complete feed service configuration.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Feed    FeedConfig    `json:"feed"`
	Session SessionConfig `json:"session"`
	Redis   RedisConfig   `json:"redis"`
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Port is the HTTP server port (default: 8090, clear of dump1090's 8080)
	Port string `json:"port"`

	// Host is the server bind address (default: "0.0.0.0")
	Host string `json:"host"`

	// AllowedOrigins lists CORS origins; empty allows any origin
	AllowedOrigins []string `json:"allowed_origins"`

	// RateLimitPerSecond is the sustained request rate allowed per client IP
	// 0 = no limit
	RateLimitPerSecond float64 `json:"rate_limit_per_second"`

	// RateLimitBurst is the burst allowed per client IP
	RateLimitBurst int `json:"rate_limit_burst"`

	// TrustProxyHeaders takes client IPs from X-Forwarded-For / X-Real-IP
	// Only enable behind a reverse proxy that overwrites those headers
	TrustProxyHeaders bool `json:"trust_proxy_headers"`

	// SnapshotTTLSeconds is how long the last snapshot is served before the
	// aircraft endpoint answers 503
	SnapshotTTLSeconds int `json:"snapshot_ttl_seconds"`
}

// FeedConfig selects and configures the aircraft data backend.
type FeedConfig struct {
	// Mode is "auto", "poll" or "stream"
	// auto: stream when session.credentials_url is set, poll otherwise
	Mode string `json:"mode"`

	// AircraftURL is the dump1090 snapshot endpoint for the poll backend
	AircraftURL string `json:"aircraft_url"`

	// RefreshIntervalMs is the poll interval in milliseconds
	RefreshIntervalMs int `json:"refresh_interval_ms"`
}

// SessionConfig configures the stream backend's credentials endpoint.
type SessionConfig struct {
	// CredentialsURL issues session bootstrap documents
	CredentialsURL string `json:"credentials_url"`

	// Query holds parameters forwarded to the credentials endpoint
	Query map[string]string `json:"query,omitempty"`

	// SocketPort is the stream server port (default: 443)
	SocketPort int `json:"socket_port"`

	// BackoffSeconds overrides the reconnect schedule
	// Empty uses the default 1, 5, 15, 60, 120
	BackoffSeconds []int `json:"backoff_seconds,omitempty"`
}

// RedisConfig configures the optional snapshot publisher.
type RedisConfig struct {
	// Enabled determines if snapshots are published to Redis
	Enabled bool `json:"enabled"`

	// Addr is the Redis server address (host:port)
	Addr string `json:"addr"`

	// Password for Redis authentication (should be loaded from environment)
	Password string `json:"password,omitempty"`

	// DB is the Redis database number
	DB int `json:"db"`

	// Channel is the pub/sub channel snapshots are published on
	Channel string `json:"channel"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	// Environment is "production" or "development"
	Environment string `json:"environment"`

	// Level overrides the environment's default level (debug, info, warn, error)
	Level string `json:"level,omitempty"`
}

// Load reads configuration from a JSON file.
// If the file doesn't exist, returns a default configuration.
// Fields missing from the file keep their default values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg.applyEnvironmentOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvironmentOverrides()

	return cfg, nil
}

// Save writes the configuration to a JSON file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               "8090",
			Host:               "0.0.0.0",
			RateLimitPerSecond: 10,
			RateLimitBurst:     20,
			SnapshotTTLSeconds: 10,
		},
		Feed: FeedConfig{
			Mode:              "auto",
			AircraftURL:       "http://localhost/dump1090/data/aircraft.json",
			RefreshIntervalMs: 1000,
		},
		Session: SessionConfig{
			SocketPort: 443,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			Channel: "skyaware:snapshots",
		},
		Logging: LoggingConfig{
			Environment: "production",
		},
	}
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Feed.Mode {
	case "", "auto", "poll", "stream":
	default:
		errs = append(errs, fmt.Errorf("feed.mode must be auto, poll or stream, got %q", c.Feed.Mode))
	}
	if c.Feed.Mode == "stream" && c.Session.CredentialsURL == "" {
		errs = append(errs, errors.New("session.credentials_url is required in stream mode"))
	}
	if c.Feed.Mode == "poll" && c.Feed.AircraftURL == "" {
		errs = append(errs, errors.New("feed.aircraft_url is required in poll mode"))
	}
	if c.Feed.RefreshIntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("feed.refresh_interval_ms must be positive, got %d", c.Feed.RefreshIntervalMs))
	}
	for _, raw := range []string{c.Feed.AircraftURL, c.Session.CredentialsURL} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid URL %q", raw))
		}
	}
	if c.Session.SocketPort < 0 || c.Session.SocketPort > 65535 {
		errs = append(errs, fmt.Errorf("session.socket_port out of range: %d", c.Session.SocketPort))
	}
	for _, s := range c.Session.BackoffSeconds {
		if s <= 0 {
			errs = append(errs, fmt.Errorf("session.backoff_seconds entries must be positive, got %d", s))
			break
		}
	}
	if !c.StreamMode() && c.pollsItself() {
		errs = append(errs, fmt.Errorf("feed.aircraft_url %q points at this service's own listen address %s", c.Feed.AircraftURL, c.Server.Addr()))
	}
	if c.Server.RateLimitPerSecond < 0 {
		errs = append(errs, errors.New("server.rate_limit_per_second must not be negative"))
	}
	if c.Redis.Enabled && (c.Redis.Addr == "" || c.Redis.Channel == "") {
		errs = append(errs, errors.New("redis.addr and redis.channel are required when redis is enabled"))
	}

	return errors.Join(errs...)
}

// pollsItself reports whether the aircraft URL resolves to the host's own
// HTTP server, which would only ever serve back its own 503.
func (c *Config) pollsItself() bool {
	u, err := url.Parse(c.Feed.AircraftURL)
	if err != nil || u.Host == "" {
		return false
	}

	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		}
	}
	if port != c.Server.Port {
		return false
	}

	host := strings.ToLower(u.Hostname())
	switch c.Server.Host {
	case "", "0.0.0.0", "::":
		// Wildcard listeners answer on every local address
		if host == "localhost" {
			return true
		}
		ip := net.ParseIP(host)
		return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
	}
	if host == strings.ToLower(c.Server.Host) {
		return true
	}
	if ip := net.ParseIP(c.Server.Host); ip != nil && ip.IsLoopback() {
		return host == "localhost"
	}
	return false
}

// RefreshInterval returns the poll interval as a duration.
func (c *FeedConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMs) * time.Millisecond
}

// StreamMode reports whether the stream backend should be used.
func (c *Config) StreamMode() bool {
	switch c.Feed.Mode {
	case "stream":
		return true
	case "poll":
		return false
	default:
		return c.Session.CredentialsURL != ""
	}
}

// QueryValues returns the forwarded query parameters as url.Values.
func (c *SessionConfig) QueryValues() url.Values {
	q := make(url.Values, len(c.Query))
	for k, v := range c.Query {
		q.Set(k, v)
	}
	return q
}

// Backoff returns the configured reconnect schedule, or nil for the default.
func (c *SessionConfig) Backoff() []time.Duration {
	if len(c.BackoffSeconds) == 0 {
		return nil
	}
	out := make([]time.Duration, len(c.BackoffSeconds))
	for i, s := range c.BackoffSeconds {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}

// SnapshotTTL returns how long a snapshot stays servable.
func (c *ServerConfig) SnapshotTTL() time.Duration {
	return time.Duration(c.SnapshotTTLSeconds) * time.Second
}

// Addr returns the listen address.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + c.Port
}

// applyEnvironmentOverrides applies environment variable overrides to the config.
// This allows secrets and deployment-specific endpoints to stay out of config files.
func (c *Config) applyEnvironmentOverrides() {
	if port := os.Getenv("SKYAWARE_PORT"); port != "" {
		c.Server.Port = port
	}
	if mode := os.Getenv("SKYAWARE_FEED_MODE"); mode != "" {
		c.Feed.Mode = strings.ToLower(mode)
	}
	if u := os.Getenv("SKYAWARE_AIRCRAFT_URL"); u != "" {
		c.Feed.AircraftURL = u
	}
	if ms := os.Getenv("SKYAWARE_REFRESH_INTERVAL_MS"); ms != "" {
		if n, err := strconv.Atoi(ms); err == nil {
			c.Feed.RefreshIntervalMs = n
		}
	}
	if u := os.Getenv("SKYAWARE_CREDENTIALS_URL"); u != "" {
		c.Session.CredentialsURL = u
	}
	if addr := os.Getenv("SKYAWARE_REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
		c.Redis.Enabled = true
	}
	if pw := os.Getenv("SKYAWARE_REDIS_PASSWORD"); pw != "" {
		c.Redis.Password = pw
	}
	if env := os.Getenv("SKYAWARE_ENV"); env != "" {
		c.Logging.Environment = env
	}
	if level := os.Getenv("SKYAWARE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}
