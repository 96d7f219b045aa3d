// Package config loads the application configuration from YAML and the
// environment. Secrets never live in the YAML file; they are bound from
// environment variables after the file is parsed.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the entrypoint looks for the YAML file when no
// -config flag is given.
const DefaultPath = "config/app.yaml"

// Secrets are bound from the environment only.
type Secrets struct {
	TwitchClientID     string `env:"TWITCH_CLIENT_ID"`
	TwitchClientSecret string `env:"TWITCH_CLIENT_SECRET"`
	OBSPassword        string `env:"OBS_WEBSOCKET_PASSWORD"`
	DatabaseURL        string `env:"DATABASE_URL"`
	SecretKeyBase      string `env:"SECRET_KEY_BASE"`
}

// OBSSessionConfig names one OBS WebSocket endpoint.
type OBSSessionConfig struct {
	ID   string `yaml:"id"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Password may be set per session; when empty the shared
	// OBS_WEBSOCKET_PASSWORD secret applies.
	Password            string `yaml:"password"`
	StatsIntervalMS     int    `yaml:"stats_interval_ms"`
	RequestTimeoutMS    int    `yaml:"request_timeout_ms"`
	HeartbeatIntervalMS int    `yaml:"heartbeat_interval_ms"`
}

// OBSConfig groups the configured OBS sessions.
type OBSConfig struct {
	Sessions []OBSSessionConfig `yaml:"sessions"`
}

// TwitchConfig holds the non-secret Twitch settings.
type TwitchConfig struct {
	// ClientID and ClientSecret normally come from the environment; the
	// YAML fields exist for development overrides.
	ClientID          string `yaml:"client_id"`
	ClientSecret      string `yaml:"client_secret"`
	BroadcasterUserID string `yaml:"broadcaster_user_id"`
}

// EventbusConfig sizes the in-memory bus.
type EventbusConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	FanoutWorkers WorkerSetting `yaml:"fanout_workers"`
}

// TelemetryConfig configures the OTLP metrics exporter.
type TelemetryConfig struct {
	Enabled          bool   `yaml:"enabled"`
	OTLPEndpoint     string `yaml:"otlp_endpoint"`
	OTLPInsecure     bool   `yaml:"otlp_insecure"`
	ServiceName      string `yaml:"service_name"`
	MetricIntervalMS int    `yaml:"metric_interval_ms"`
}

// ServerConfig configures the status HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// CorrelationConfig exposes the temporal-engine knobs.
type CorrelationConfig struct {
	TranscriptionWindowMS int     `yaml:"transcription_window_ms"`
	TranscriptionLimit    int     `yaml:"transcription_limit"`
	ChatWindowMS          int     `yaml:"chat_window_ms"`
	ChatLimit             int     `yaml:"chat_limit"`
	MatchSlackMS          int     `yaml:"match_slack_ms"`
	MinConfidence         float64 `yaml:"min_confidence"`
	EstimateIntervalMS    int     `yaml:"estimate_interval_ms"`
	PruneIntervalMS       int     `yaml:"prune_interval_ms"`
}

// ActivityLogConfig toggles the PostgreSQL activity sink.
type ActivityLogConfig struct {
	Enabled   bool `yaml:"enabled"`
	QueueSize int  `yaml:"queue_size"`
}

// TokenStoreConfig locates the persisted OAuth credentials.
type TokenStoreConfig struct {
	Path string `yaml:"path"`
}

// DatabaseConfig controls the pgx pool and migration behaviour. The DSN
// itself is the DATABASE_URL secret.
type DatabaseConfig struct {
	MaxConns          int32         `yaml:"max_conns"`
	MinConns          int32         `yaml:"min_conns"`
	MaxConnLifetime   time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `yaml:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `yaml:"health_check_period"`
	RunMigrations     bool          `yaml:"run_migrations"`
}

// AppConfig is the full application configuration.
type AppConfig struct {
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	// LogFormat selects json or pretty console output.
	LogFormat string `yaml:"log_format"`

	HTTPTimeoutMS       int `yaml:"http_timeout_ms"`
	ReconnectIntervalMS int `yaml:"reconnect_interval_ms"`

	OBS         OBSConfig         `yaml:"obs"`
	Twitch      TwitchConfig      `yaml:"twitch"`
	Eventbus    EventbusConfig    `yaml:"eventbus"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Server      ServerConfig      `yaml:"server"`
	Correlation CorrelationConfig `yaml:"correlation"`
	ActivityLog ActivityLogConfig `yaml:"activity_log"`
	TokenStore  TokenStoreConfig  `yaml:"token_store"`
	Database    DatabaseConfig    `yaml:"database"`

	Secrets Secrets `yaml:"-"`
}

// Default returns the configuration used when no YAML file exists.
func Default() AppConfig {
	cfg := AppConfig{
		Environment:         "dev",
		LogLevel:            "info",
		LogFormat:           "json",
		HTTPTimeoutMS:       10000,
		ReconnectIntervalMS: 5000,
		Eventbus: EventbusConfig{
			BufferSize: 64,
		},
		Telemetry: TelemetryConfig{
			ServiceName:      "hovercast",
			MetricIntervalMS: 15000,
		},
		Server:      ServerConfig{Addr: ":8090"},
		ActivityLog: ActivityLogConfig{QueueSize: 256},
		TokenStore:  TokenStoreConfig{Path: "data/tokens.json"},
		Database: DatabaseConfig{
			MaxConns:          8,
			MinConns:          1,
			MaxConnLifetime:   30 * time.Minute,
			MaxConnIdleTime:   5 * time.Minute,
			HealthCheckPeriod: 30 * time.Second,
		},
	}
	return cfg
}

// Load reads, merges, and validates the configuration at path.
func Load(ctx context.Context, path string) (AppConfig, error) {
	cfg, _, err := load(ctx, path, true)
	return cfg, err
}

// LoadOrDefault behaves like Load but an absent file is not an error: the
// defaults are used and loadedFromFile reports false.
func LoadOrDefault(ctx context.Context, path string) (AppConfig, bool, error) {
	return load(ctx, path, false)
}

func load(_ context.Context, path string, requireFile bool) (AppConfig, bool, error) {
	cfg := Default()
	loaded := false

	candidate := filepath.Clean(strings.TrimSpace(path))
	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	switch {
	case err == nil:
		defer func() { _ = file.Close() }()
		raw, readErr := io.ReadAll(file)
		if readErr != nil {
			return AppConfig{}, false, fmt.Errorf("read config: %w", readErr)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return AppConfig{}, false, fmt.Errorf("unmarshal config: %w", err)
		}
		loaded = true
	case os.IsNotExist(err) && !requireFile:
		// Defaults plus environment.
	default:
		return AppConfig{}, false, fmt.Errorf("open app config: %w", err)
	}

	if err := env.Parse(&cfg.Secrets); err != nil {
		return AppConfig{}, false, fmt.Errorf("bind secrets: %w", err)
	}
	cfg.applySecrets()
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, false, err
	}
	return cfg, loaded, nil
}

// applySecrets folds environment secrets over the YAML values. The
// environment wins when both are set.
func (c *AppConfig) applySecrets() {
	if c.Secrets.TwitchClientID != "" {
		c.Twitch.ClientID = c.Secrets.TwitchClientID
	}
	if c.Secrets.TwitchClientSecret != "" {
		c.Twitch.ClientSecret = c.Secrets.TwitchClientSecret
	}
	if c.Secrets.OBSPassword != "" {
		for i := range c.OBS.Sessions {
			if c.OBS.Sessions[i].Password == "" {
				c.OBS.Sessions[i].Password = c.Secrets.OBSPassword
			}
		}
	}
}

func (c *AppConfig) normalize() {
	c.Environment = strings.ToLower(strings.TrimSpace(c.Environment))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.TokenStore.Path = filepath.Clean(strings.TrimSpace(c.TokenStore.Path))

	if c.HTTPTimeoutMS <= 0 {
		c.HTTPTimeoutMS = 10000
	}
	if c.ReconnectIntervalMS <= 0 {
		c.ReconnectIntervalMS = 5000
	}
	if c.Eventbus.BufferSize <= 0 {
		c.Eventbus.BufferSize = 64
	}
	if c.ActivityLog.QueueSize <= 0 {
		c.ActivityLog.QueueSize = 256
	}
	if c.Telemetry.MetricIntervalMS <= 0 {
		c.Telemetry.MetricIntervalMS = 15000
	}
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 8
	}
	if c.Database.MinConns <= 0 {
		c.Database.MinConns = 1
	}
	if c.Database.MinConns > c.Database.MaxConns {
		c.Database.MinConns = c.Database.MaxConns
	}
	if c.Database.MaxConnLifetime <= 0 {
		c.Database.MaxConnLifetime = 30 * time.Minute
	}
	if c.Database.MaxConnIdleTime <= 0 {
		c.Database.MaxConnIdleTime = 5 * time.Minute
	}
	if c.Database.HealthCheckPeriod <= 0 {
		c.Database.HealthCheckPeriod = 30 * time.Second
	}

	for i := range c.OBS.Sessions {
		s := &c.OBS.Sessions[i]
		s.ID = strings.TrimSpace(s.ID)
		s.Host = strings.TrimSpace(s.Host)
		if s.Host == "" {
			s.Host = "localhost"
		}
		if s.Port <= 0 {
			s.Port = 4455
		}
	}
}

// Validate fails fast on settings the process cannot run without.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case "dev", "staging", "prod":
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	switch c.LogFormat {
	case "", "json", "pretty":
	default:
		return fmt.Errorf("log_format must be json or pretty")
	}

	if strings.TrimSpace(c.Twitch.ClientID) == "" {
		return fmt.Errorf("twitch client_id required (set TWITCH_CLIENT_ID)")
	}
	if strings.TrimSpace(c.Twitch.ClientSecret) == "" {
		return fmt.Errorf("twitch client_secret required (set TWITCH_CLIENT_SECRET)")
	}

	seen := make(map[string]struct{}, len(c.OBS.Sessions))
	for _, s := range c.OBS.Sessions {
		if s.ID == "" {
			return fmt.Errorf("obs session id required")
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("duplicate obs session id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.Port <= 0 || s.Port > 65535 {
			return fmt.Errorf("obs session %q: port out of range", s.ID)
		}
	}

	if c.Eventbus.BufferSize <= 0 {
		return fmt.Errorf("eventbus buffer_size must be >0")
	}
	if c.Eventbus.FanoutWorkers.Count() <= 0 {
		return fmt.Errorf("eventbus fanout_workers must resolve to >0")
	}

	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server addr required")
	}
	if c.Telemetry.Enabled && strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry service_name required when enabled")
	}
	if c.Correlation.MinConfidence < 0 || c.Correlation.MinConfidence > 1 {
		return fmt.Errorf("correlation min_confidence must be within [0,1]")
	}

	if c.ActivityLog.Enabled && strings.TrimSpace(c.Secrets.DatabaseURL) == "" {
		return fmt.Errorf("activity_log enabled without DATABASE_URL")
	}
	if strings.TrimSpace(c.TokenStore.Path) == "" {
		return fmt.Errorf("token_store path required")
	}
	return nil
}

// HTTPTimeout returns the shared outbound HTTP deadline.
func (c AppConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutMS) * time.Millisecond
}

// ReconnectInterval returns the base reconnect delay for socket owners.
func (c AppConfig) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalMS) * time.Millisecond
}

type workerKind int

const (
	workerUnset workerKind = iota
	workerExplicit
	workerAuto
	workerDefault
)

// WorkerSetting accepts an integer, "auto" (NumCPU), or "default" in YAML.
type WorkerSetting struct {
	kind  workerKind
	value int
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *WorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = WorkerSetting{}
		return nil
	}
	text := strings.TrimSpace(node.Value)
	switch strings.ToLower(text) {
	case "":
		*s = WorkerSetting{}
		return nil
	case "auto":
		*s = WorkerSetting{kind: workerAuto}
		return nil
	case "default":
		*s = WorkerSetting{kind: workerDefault}
		return nil
	}
	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanout_workers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("fanout_workers: numeric value must be > 0")
	}
	*s = WorkerSetting{kind: workerExplicit, value: val}
	return nil
}

// Count resolves the effective worker count.
func (s WorkerSetting) Count() int {
	switch s.kind {
	case workerExplicit:
		return s.value
	case workerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return 4
	default:
		return 4
	}
}
