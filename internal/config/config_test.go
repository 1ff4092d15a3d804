package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	config := Default()
	if err := config.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	config, err := Load("")
	if err != nil {
		t.Fatalf("failed to load defaults: %v", err)
	}
	if config.Queue.Capacity != 1000 {
		t.Errorf("expected default queue capacity 1000, got %d", config.Queue.Capacity)
	}
	if config.Transport.URL != "ws://localhost:8080/ws" {
		t.Errorf("unexpected default transport url %q", config.Transport.URL)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
transport:
  url: wss://relay.example.com/ws
queue:
  capacity: 200
  batch_size: 5
storage:
  backend: redis
  redis:
    address: redis.example.com:6379
    prefix: relay
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	config, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if config.Transport.URL != "wss://relay.example.com/ws" {
		t.Errorf("transport url not overridden: %q", config.Transport.URL)
	}
	if config.Queue.Capacity != 200 || config.Queue.BatchSize != 5 {
		t.Errorf("queue section not overridden: capacity=%d batch=%d",
			config.Queue.Capacity, config.Queue.BatchSize)
	}
	if config.Queue.FlushInterval != 30 {
		t.Errorf("untouched field should keep its default, got %d", config.Queue.FlushInterval)
	}
	if config.Storage.Backend != "redis" || config.Storage.Redis.Address != "redis.example.com:6379" {
		t.Errorf("storage section not overridden: %+v", config.Storage)
	}
	if config.Logging.Level != "info" {
		t.Errorf("logging defaults lost: %q", config.Logging.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLoadInvalidConfigRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "queue:\n  capacity: -1\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation to reject a negative capacity")
	}
}

func TestBuilderConversions(t *testing.T) {
	config := Default()
	config.Transport.HandshakeTimeout = 3
	config.Health.PingInterval = 15
	config.Health.SpikeThresholdMS = 250
	config.Queue.FlushInterval = 45
	config.Recovery.BreakerCooldown = 60
	config.Orchestrator.DedupWindow = 20

	if got := config.TransportConfig().HandshakeTimeout; got != 3*time.Second {
		t.Errorf("handshake timeout: got %v", got)
	}
	hc := config.HealthConfig()
	if hc.PingInterval != 15*time.Second {
		t.Errorf("ping interval: got %v", hc.PingInterval)
	}
	if hc.SpikeThreshold != 250*time.Millisecond {
		t.Errorf("spike threshold: got %v", hc.SpikeThreshold)
	}
	if got := config.QueueConfig().FlushInterval; got != 45*time.Second {
		t.Errorf("flush interval: got %v", got)
	}
	rc := config.RecoveryConfig()
	if rc.Breaker.Cooldown != 60*time.Second {
		t.Errorf("breaker cooldown: got %v", rc.Breaker.Cooldown)
	}
	if rc.Breaker.FailureThreshold != 5 {
		t.Errorf("breaker threshold: got %d", rc.Breaker.FailureThreshold)
	}
	oc := config.OrchestratorConfig()
	if oc.DedupWindow != 20*time.Second {
		t.Errorf("dedup window: got %v", oc.DedupWindow)
	}
	if oc.DedupCacheSize != 512 {
		t.Errorf("dedup cache size: got %d", oc.DedupCacheSize)
	}
	redis := config.RedisConfig()
	if redis.Address != "localhost:6379" || redis.Prefix != "resilink" {
		t.Errorf("redis config: %+v", redis)
	}
}
