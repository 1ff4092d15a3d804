// Package config loads the resilink configuration from a single YAML
// document. Interval fields are plain seconds in the file; the builder
// methods convert each section into the typed configuration its
// component consumes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"resilink/internal/health"
	"resilink/internal/monitoring"
	"resilink/internal/orchestrator"
	"resilink/internal/queue"
	"resilink/internal/recovery"
	"resilink/internal/storage"
	"resilink/internal/transport"
)

// Config holds the full resilink configuration
type Config struct {
	Logging      LoggingConfig      `yaml:"logging"`
	Transport    TransportConfig    `yaml:"transport"`
	Health       HealthConfig       `yaml:"health"`
	Queue        QueueConfig        `yaml:"queue"`
	Recovery     RecoveryConfig     `yaml:"recovery"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Storage      StorageConfig      `yaml:"storage"`
	Diagnostics  DiagnosticsConfig  `yaml:"diagnostics"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TransportConfig holds WebSocket client configuration
type TransportConfig struct {
	URL              string            `yaml:"url"`
	HandshakeTimeout int               `yaml:"handshake_timeout"`
	WriteWait        int               `yaml:"write_wait"`
	MaxMessageSize   int64             `yaml:"max_message_size"`
	Headers          map[string]string `yaml:"headers"`
}

// HealthConfig holds connection health monitor configuration
type HealthConfig struct {
	PingInterval     int `yaml:"ping_interval"`
	PongTimeout      int `yaml:"pong_timeout"`
	WindowSize       int `yaml:"window_size"`
	SpikeThresholdMS int `yaml:"spike_threshold_ms"`
}

// QueueConfig holds offline queue configuration
type QueueConfig struct {
	Capacity      int    `yaml:"capacity"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
	SweepInterval int    `yaml:"sweep_interval"`
	StorageKey    string `yaml:"storage_key"`
}

// RecoveryConfig holds error recovery engine configuration
type RecoveryConfig struct {
	HistoryLimit     int `yaml:"history_limit"`
	HistoryMaxAge    int `yaml:"history_max_age"`
	BreakerThreshold int `yaml:"breaker_threshold"`
	BreakerCooldown  int `yaml:"breaker_cooldown"`
}

// OrchestratorConfig holds orchestrator configuration
type OrchestratorConfig struct {
	DedupWindow    int `yaml:"dedup_window"`
	DedupCacheSize int `yaml:"dedup_cache_size"`
	ReplayDelay    int `yaml:"replay_delay"`
	FlushTimeout   int `yaml:"flush_timeout"`
}

// StorageConfig holds queue persistence configuration
type StorageConfig struct {
	Backend string      `yaml:"backend"` // memory, file, redis
	Dir     string      `yaml:"dir"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds the redis backend configuration
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// DiagnosticsConfig holds the diagnostics HTTP server configuration
type DiagnosticsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Transport: TransportConfig{
			URL:              "ws://localhost:8080/ws",
			HandshakeTimeout: 10,
			WriteWait:        10,
			MaxMessageSize:   1 << 20,
		},
		Health: HealthConfig{
			PingInterval:     10,
			PongTimeout:      5,
			WindowSize:       50,
			SpikeThresholdMS: 500,
		},
		Queue: QueueConfig{
			Capacity:      1000,
			BatchSize:     10,
			FlushInterval: 30,
			SweepInterval: 60,
			StorageKey:    "offline_queue",
		},
		Recovery: RecoveryConfig{
			HistoryLimit:     50,
			HistoryMaxAge:    86400,
			BreakerThreshold: 5,
			BreakerCooldown:  30,
		},
		Orchestrator: OrchestratorConfig{
			DedupWindow:    30,
			DedupCacheSize: 512,
			ReplayDelay:    1,
			FlushTimeout:   5,
		},
		Storage: StorageConfig{
			Backend: "file",
			Dir:     "data",
			Redis: RedisConfig{
				Address: "localhost:6379",
				Prefix:  "resilink",
			},
		},
		Diagnostics: DiagnosticsConfig{Enabled: true, Host: "127.0.0.1", Port: 9090},
		Tracing: TracingConfig{
			ServiceName:  "resilink",
			Endpoint:     "http://localhost:14268/api/traces",
			SamplingRate: 0.1,
		},
	}
}

// Load reads the configuration file, layering it over the defaults. An
// empty path yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// TransportConfig builds the WebSocket client configuration.
func (c *Config) TransportConfig() *transport.WebSocketConfig {
	out := transport.DefaultWebSocketConfig()
	out.URL = c.Transport.URL
	out.HandshakeTimeout = time.Duration(c.Transport.HandshakeTimeout) * time.Second
	out.WriteWait = time.Duration(c.Transport.WriteWait) * time.Second
	out.MaxMessageSize = c.Transport.MaxMessageSize
	out.Headers = c.Transport.Headers
	return out
}

// HealthConfig builds the health monitor configuration.
func (c *Config) HealthConfig() *health.MonitorConfig {
	out := health.DefaultMonitorConfig()
	out.PingInterval = time.Duration(c.Health.PingInterval) * time.Second
	out.PongTimeout = time.Duration(c.Health.PongTimeout) * time.Second
	out.SampleWindow = c.Health.WindowSize
	out.SpikeThreshold = time.Duration(c.Health.SpikeThresholdMS) * time.Millisecond
	return out
}

// QueueConfig builds the offline queue configuration.
func (c *Config) QueueConfig() *queue.QueueConfig {
	out := queue.DefaultQueueConfig()
	out.Capacity = c.Queue.Capacity
	out.BatchSize = c.Queue.BatchSize
	out.FlushInterval = time.Duration(c.Queue.FlushInterval) * time.Second
	out.SweepInterval = time.Duration(c.Queue.SweepInterval) * time.Second
	out.StorageKey = c.Queue.StorageKey
	return out
}

// RecoveryConfig builds the error recovery engine configuration.
func (c *Config) RecoveryConfig() *recovery.EngineConfig {
	out := recovery.DefaultEngineConfig()
	out.HistoryLimit = c.Recovery.HistoryLimit
	out.HistoryMaxAge = time.Duration(c.Recovery.HistoryMaxAge) * time.Second
	out.Breaker = &recovery.BreakerConfig{
		FailureThreshold: c.Recovery.BreakerThreshold,
		Cooldown:         time.Duration(c.Recovery.BreakerCooldown) * time.Second,
	}
	return out
}

// OrchestratorConfig builds the orchestrator configuration.
func (c *Config) OrchestratorConfig() *orchestrator.Config {
	return &orchestrator.Config{
		DedupWindow:    time.Duration(c.Orchestrator.DedupWindow) * time.Second,
		DedupCacheSize: c.Orchestrator.DedupCacheSize,
		ReplayDelay:    time.Duration(c.Orchestrator.ReplayDelay) * time.Second,
		FlushTimeout:   time.Duration(c.Orchestrator.FlushTimeout) * time.Second,
	}
}

// RedisConfig builds the redis storage backend configuration.
func (c *Config) RedisConfig() *storage.RedisConfig {
	out := storage.DefaultRedisConfig()
	out.Address = c.Storage.Redis.Address
	out.Password = c.Storage.Redis.Password
	out.DB = c.Storage.Redis.DB
	out.Prefix = c.Storage.Redis.Prefix
	return out
}

// DiagnosticsConfig builds the diagnostics server configuration.
func (c *Config) DiagnosticsConfig() *monitoring.DiagnosticsConfig {
	out := monitoring.DefaultDiagnosticsConfig()
	out.Enabled = c.Diagnostics.Enabled
	out.Host = c.Diagnostics.Host
	out.Port = c.Diagnostics.Port
	return out
}

// TracingConfig builds the tracing configuration.
func (c *Config) TracingConfig() *monitoring.TracingConfig {
	return &monitoring.TracingConfig{
		Enabled:      c.Tracing.Enabled,
		ServiceName:  c.Tracing.ServiceName,
		Endpoint:     c.Tracing.Endpoint,
		SamplingRate: c.Tracing.SamplingRate,
	}
}
