package config

import (
	"fmt"
	"strings"
)

// Validate validates the configuration and returns the first error found.
func (c *Config) Validate() error {
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateTransport(); err != nil {
		return err
	}
	if err := c.validateHealth(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateRecovery(); err != nil {
		return err
	}
	if err := c.validateOrchestrator(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateDiagnostics(); err != nil {
		return err
	}
	if err := c.validateTracing(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging format %q is not one of json, console", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateTransport() error {
	if c.Transport.URL == "" {
		return fmt.Errorf("transport url is required")
	}
	if !strings.HasPrefix(c.Transport.URL, "ws://") && !strings.HasPrefix(c.Transport.URL, "wss://") {
		return fmt.Errorf("transport url must use the ws or wss scheme")
	}
	if c.Transport.HandshakeTimeout <= 0 {
		return fmt.Errorf("transport handshake timeout must be positive")
	}
	if c.Transport.WriteWait <= 0 {
		return fmt.Errorf("transport write wait must be positive")
	}
	if c.Transport.MaxMessageSize <= 0 {
		return fmt.Errorf("transport max message size must be positive")
	}
	return nil
}

func (c *Config) validateHealth() error {
	if c.Health.PingInterval <= 0 {
		return fmt.Errorf("health ping interval must be positive")
	}
	if c.Health.PongTimeout <= 0 {
		return fmt.Errorf("health pong timeout must be positive")
	}
	if c.Health.PongTimeout >= c.Health.PingInterval {
		return fmt.Errorf("health pong timeout must be shorter than the ping interval")
	}
	if c.Health.WindowSize <= 0 {
		return fmt.Errorf("health window size must be positive")
	}
	if c.Health.SpikeThresholdMS <= 0 {
		return fmt.Errorf("health spike threshold must be positive")
	}
	return nil
}

func (c *Config) validateQueue() error {
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue capacity must be positive")
	}
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue batch size must be positive")
	}
	if c.Queue.BatchSize > c.Queue.Capacity {
		return fmt.Errorf("queue batch size cannot exceed capacity")
	}
	if c.Queue.FlushInterval <= 0 {
		return fmt.Errorf("queue flush interval must be positive")
	}
	if c.Queue.SweepInterval <= 0 {
		return fmt.Errorf("queue sweep interval must be positive")
	}
	if c.Queue.StorageKey == "" {
		return fmt.Errorf("queue storage key is required")
	}
	return nil
}

func (c *Config) validateRecovery() error {
	if c.Recovery.HistoryLimit <= 0 {
		return fmt.Errorf("recovery history limit must be positive")
	}
	if c.Recovery.HistoryMaxAge <= 0 {
		return fmt.Errorf("recovery history max age must be positive")
	}
	if c.Recovery.BreakerThreshold <= 0 {
		return fmt.Errorf("recovery breaker threshold must be positive")
	}
	if c.Recovery.BreakerCooldown <= 0 {
		return fmt.Errorf("recovery breaker cooldown must be positive")
	}
	return nil
}

func (c *Config) validateOrchestrator() error {
	if c.Orchestrator.DedupWindow <= 0 {
		return fmt.Errorf("orchestrator dedup window must be positive")
	}
	if c.Orchestrator.DedupCacheSize <= 0 {
		return fmt.Errorf("orchestrator dedup cache size must be positive")
	}
	if c.Orchestrator.ReplayDelay <= 0 {
		return fmt.Errorf("orchestrator replay delay must be positive")
	}
	if c.Orchestrator.FlushTimeout <= 0 {
		return fmt.Errorf("orchestrator flush timeout must be positive")
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case "memory":
	case "file":
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage dir is required for the file backend")
		}
	case "redis":
		if c.Storage.Redis.Address == "" {
			return fmt.Errorf("storage redis address is required for the redis backend")
		}
	default:
		return fmt.Errorf("storage backend %q is not one of memory, file, redis", c.Storage.Backend)
	}
	return nil
}

func (c *Config) validateDiagnostics() error {
	if !c.Diagnostics.Enabled {
		return nil
	}
	if c.Diagnostics.Port <= 0 || c.Diagnostics.Port > 65535 {
		return fmt.Errorf("diagnostics port must be in (0, 65535]")
	}
	return nil
}

func (c *Config) validateTracing() error {
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing sampling rate must be in [0, 1]")
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing endpoint is required when tracing is enabled")
	}
	return nil
}
