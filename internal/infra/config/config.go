package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"agentrelay/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
	Router       RouterConfig       `yaml:"router"`
	Registry     RegistryConfig     `yaml:"registry"`
	Conversation ConversationConfig `yaml:"conversation"`
	Delivery     DeliveryConfig     `yaml:"delivery"`
	Snapshot     SnapshotConfig     `yaml:"snapshot"`
	Endpoints    EndpointsConfig    `yaml:"endpoints"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// RouterConfig bounds the orchestrator.
type RouterConfig struct {
	// MaxMessageSize is the serialized envelope limit in bytes.
	MaxMessageSize int `yaml:"max_message_size"`
	// DefaultDeadline bounds a route call when the caller's context has none.
	DefaultDeadline time.Duration `yaml:"default_deadline"`
	// MaxFanout caps how many providers a non-broadcast capability route
	// fans out to. 1 = top candidate only.
	MaxFanout int `yaml:"max_fanout"`
	// SynthesizedSender names the router in FAILURE / NOT-UNDERSTOOD
	// replies it mints itself.
	SynthesizedSender string `yaml:"synthesized_sender"`
}

// RegistryConfig holds capability registry settings.
type RegistryConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// SweepSchedule drives the health sweeper: cron expression or duration.
	SweepSchedule   string `yaml:"sweep_schedule"`
	DefaultStrategy string `yaml:"default_strategy"`
}

// ConversationConfig holds conversation manager settings.
type ConversationConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`
	// SweepSchedule drives ExpireIdle: cron expression or duration.
	SweepSchedule string `yaml:"sweep_schedule"`
	// MaxHistory caps retained message references per conversation.
	// 0 = unbounded.
	MaxHistory int `yaml:"max_history"`
	// ContextDepth is the default GetContext depth when callers pass 0.
	ContextDepth int `yaml:"context_depth"`
}

// DeliveryConfig holds delivery engine settings.
type DeliveryConfig struct {
	Timeout        time.Duration   `yaml:"timeout"`
	MaxRetries     int             `yaml:"max_retries"`
	BaseBackoff    time.Duration   `yaml:"base_backoff"`
	MaxBackoff     time.Duration   `yaml:"max_backoff"`
	Breaker        BreakerConfig   `yaml:"breaker"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	DeadLetterSize int             `yaml:"dead_letter_size"`
}

// BreakerConfig configures the per-target circuit breakers.
type BreakerConfig struct {
	// MaxFailures is the consecutive-failure threshold that opens the circuit.
	MaxFailures uint32 `yaml:"max_failures"`
	// Window is the cyclic period of the closed state for clearing counts.
	Window time.Duration `yaml:"window"`
	// Cooldown is how long the circuit stays open before a half-open probe.
	Cooldown time.Duration `yaml:"cooldown"`
}

// RateLimitConfig configures per-target dispatch rate limiting.
// Zero PerSecond disables limiting.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// SnapshotConfig holds snapshot/restore settings.
type SnapshotConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	// Schedule drives periodic snapshots: cron expression or duration.
	Schedule string `yaml:"schedule"`
}

// EndpointsConfig holds outbound transport settings.
type EndpointsConfig struct {
	// HTTP transport pooling.
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
}

// PoolConfig configures HTTP connection pooling for endpoint invokers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// Defaults returns a Config with production defaults filled in.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Router: RouterConfig{
			MaxMessageSize:    256 * 1024,
			DefaultDeadline:   30 * time.Second,
			MaxFanout:         1,
			SynthesizedSender: "relayd",
		},
		Registry: RegistryConfig{
			HeartbeatInterval: 30 * time.Second,
			SweepSchedule:     "30s",
			DefaultStrategy:   string(domain.StrategyBestMatch),
		},
		Conversation: ConversationConfig{
			DefaultTTL:    24 * time.Hour,
			SweepSchedule: "1m",
			MaxHistory:    1000,
			ContextDepth:  20,
		},
		Delivery: DeliveryConfig{
			Timeout:     10 * time.Second,
			MaxRetries:  3,
			BaseBackoff: 500 * time.Millisecond,
			MaxBackoff:  10 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Window:      60 * time.Second,
				Cooldown:    30 * time.Second,
			},
			RateLimit: RateLimitConfig{
				PerSecond: 0,
				Burst:     1,
			},
			DeadLetterSize: 256,
		},
		Snapshot: SnapshotConfig{
			Enabled:  false,
			Path:     "relay.db",
			Schedule: "5m",
		},
		Endpoints: EndpointsConfig{
			ConnTimeout: 10 * time.Second,
			RespTimeout: 30 * time.Second,
		},
	}
}

// Load reads the YAML config at path, layered over Defaults. A missing file
// yields pure defaults so the daemon starts without one.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the router cannot run with.
func Validate(cfg *Config) error {
	if cfg.Router.MaxMessageSize <= 0 {
		return domain.NewRouteError("config.Validate", domain.ErrConfigLoad, "router.max_message_size must be positive")
	}
	if cfg.Router.MaxFanout <= 0 {
		return domain.NewRouteError("config.Validate", domain.ErrConfigLoad, "router.max_fanout must be positive")
	}
	if !domain.Strategy(cfg.Registry.DefaultStrategy).Valid() || cfg.Registry.DefaultStrategy == "" {
		return domain.NewRouteError("config.Validate", domain.ErrConfigLoad,
			fmt.Sprintf("registry.default_strategy %q unknown", cfg.Registry.DefaultStrategy))
	}
	if cfg.Conversation.DefaultTTL <= 0 {
		return domain.NewRouteError("config.Validate", domain.ErrConfigLoad, "conversation.default_ttl must be positive")
	}
	if cfg.Delivery.MaxRetries < 0 {
		return domain.NewRouteError("config.Validate", domain.ErrConfigLoad, "delivery.max_retries must not be negative")
	}
	if cfg.Delivery.Breaker.MaxFailures == 0 {
		return domain.NewRouteError("config.Validate", domain.ErrConfigLoad, "delivery.breaker.max_failures must be positive")
	}
	if cfg.Snapshot.Enabled && cfg.Snapshot.Path == "" {
		return domain.NewRouteError("config.Validate", domain.ErrConfigLoad, "snapshot.path required when snapshots enabled")
	}
	return nil
}
