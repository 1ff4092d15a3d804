// Package orchestrator composes the transport, health monitor, error
// recovery engine and offline queue into a resilient connection. It is
// the single component that talks to the transport: every outbound
// message either goes out directly or lands in the queue, and every
// transport failure is fed to the recovery engine.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"resilink/internal/clock"
	rerrors "resilink/internal/errors"
	"resilink/internal/events"
	"resilink/internal/health"
	"resilink/internal/metrics"
	"resilink/internal/queue"
	"resilink/internal/rate"
	"resilink/internal/recovery"
	"resilink/internal/transport"
	"resilink/internal/types"
)

var ErrShutdown = errors.New("resilient connection shut down")

// Config represents the orchestrator configuration
type Config struct {
	DedupWindow    time.Duration `yaml:"dedup_window" json:"dedup_window"`
	DedupCacheSize int           `yaml:"dedup_cache_size" json:"dedup_cache_size"`
	ReplayDelay    time.Duration `yaml:"replay_delay" json:"replay_delay"`
	FlushTimeout   time.Duration `yaml:"flush_timeout" json:"flush_timeout"`
}

// DefaultConfig returns the default orchestrator configuration
func DefaultConfig() *Config {
	return &Config{
		DedupWindow:    30 * time.Second,
		DedupCacheSize: 512,
		ReplayDelay:    time.Second,
		FlushTimeout:   5 * time.Second,
	}
}

// validateConfig validates the orchestrator configuration
func validateConfig(config *Config) error {
	if config == nil {
		return errors.New("orchestrator configuration cannot be nil")
	}
	if config.DedupWindow <= 0 {
		return errors.New("dedup window must be positive")
	}
	if config.DedupCacheSize <= 0 {
		return errors.New("dedup cache size must be positive")
	}
	if config.ReplayDelay <= 0 {
		return errors.New("replay delay must be positive")
	}
	if config.FlushTimeout <= 0 {
		return errors.New("flush timeout must be positive")
	}
	return nil
}

// Snapshot is the consolidated health view of the whole resilience layer.
type Snapshot struct {
	Connected   bool                     `json:"connected"`
	Quality     string                   `json:"quality"`
	Metrics     health.ConnectionMetrics `json:"metrics"`
	Breaker     recovery.BreakerSnapshot `json:"circuit_breaker"`
	Fallback    *recovery.FallbackMode   `json:"fallback,omitempty"`
	Queue       queue.Stats              `json:"queue"`
	RateLimited bool                     `json:"rate_limited"`
	SendAllowed bool                     `json:"send_allowed"`
}

// ResilientConnection routes outbound messages directly or into the
// offline queue, and feeds transport lifecycle signals to the recovery
// engine. It implements queue.Sender.
type ResilientConnection struct {
	config  *Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	bus     *events.Bus
	clock   clock.Clock

	transport transport.Transport
	monitor   *health.Monitor
	engine    *recovery.Engine
	queue     *queue.Queue
	cooldown  *rate.Cooldown
	tracer    trace.Tracer

	recent *lru.Cache[string, time.Time]

	mu              sync.Mutex
	closed          bool
	monitoring      bool
	everConnected   bool
	connectAttempts int
	replayTimer     clock.Timer
	rateLimitTimer  clock.Timer
	subs            []*events.Subscription
}

// New wires the components together, installs itself as the queue's
// sender and registers the transport callbacks and bus subscriptions.
func New(config *Config, t transport.Transport, monitor *health.Monitor, engine *recovery.Engine, q *queue.Queue, cooldown *rate.Cooldown, logger *zap.Logger, m *metrics.Metrics, bus *events.Bus, clk clock.Clock) (*ResilientConnection, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	recent, err := lru.New[string, time.Time](config.DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}

	rc := &ResilientConnection{
		config:    config,
		logger:    logger,
		metrics:   m,
		bus:       bus,
		clock:     clk,
		transport: t,
		monitor:   monitor,
		engine:    engine,
		queue:     q,
		cooldown:  cooldown,
		recent:    recent,
	}

	q.SetSender(rc)
	t.SetCallbacks(transport.Callbacks{
		OnConnected:    rc.onConnected,
		OnDisconnected: rc.onDisconnected,
		OnConnectError: rc.onConnectError,
		OnPong:         rc.onPong,
		OnRateLimit:    rc.onRateLimit,
		OnHealthPush:   rc.onHealthPush,
	})

	if bus != nil {
		rc.subs = append(rc.subs,
			bus.Subscribe(events.HealthQualityChanged, rc.onQualityChange),
			bus.Subscribe(events.RecoveryRetry, rc.onRecoveryRetry),
		)
	}

	return rc, nil
}

// SetTracer installs an optional tracer for spans around sends.
func (rc *ResilientConnection) SetTracer(tracer trace.Tracer) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.tracer = tracer
}

// Connect establishes the transport connection and starts health
// monitoring.
func (rc *ResilientConnection) Connect(ctx context.Context) error {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return ErrShutdown
	}
	rc.mu.Unlock()

	if err := rc.transport.Connect(ctx); err != nil {
		return err
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	if !rc.monitoring {
		if err := rc.monitor.Monitor(rc.transport); err != nil {
			return err
		}
		rc.monitoring = true
	}
	return nil
}

// Send routes one outbound message: deduplicated, then sent directly if
// the connection is usable, otherwise queued.
func (rc *ResilientConnection) Send(ctx context.Context, event string, payload interface{}) error {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return ErrShutdown
	}
	tracer := rc.tracer
	rc.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}

	if rc.isDuplicate(event, data) {
		rc.logger.Debug("Dropping duplicate send", zap.String("event", event))
		if rc.metrics != nil {
			rc.metrics.SendsDeduplicated.Inc()
		}
		return nil
	}

	var span trace.Span
	if tracer != nil {
		ctx, span = tracer.Start(ctx, "send",
			trace.WithAttributes(attribute.String("message.event", event)))
		defer span.End()
	}

	if rc.IsConnectionAvailable() {
		sendErr := rc.transport.Emit(event, json.RawMessage(data))
		if sendErr == nil {
			rc.engine.RecordSuccess()
			if rc.metrics != nil {
				rc.metrics.SendsTotal.WithLabelValues("direct", "ok").Inc()
			}
			if span != nil {
				span.SetAttributes(attribute.String("message.route", "direct"))
			}
			return nil
		}
		rc.engine.HandleError(sendErr, recovery.ErrorContext{
			Event:          event,
			ConnectionOpen: rc.transport.IsOpen(),
		})
		if rc.metrics != nil {
			rc.metrics.SendsTotal.WithLabelValues("direct", "error").Inc()
		}
	}

	if span != nil {
		span.SetAttributes(attribute.String("message.route", "queued"))
	}
	return rc.enqueue(event, data)
}

// SendMessage implements queue.Sender: the queue calls back into the
// orchestrator to deliver replayed messages.
func (rc *ResilientConnection) SendMessage(ctx context.Context, msg *types.QueuedMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !rc.transport.IsOpen() {
		return rerrors.New(rerrors.ErrorCodeConnectionClosed, "transport not open")
	}
	if err := rc.transport.Emit(msg.Type, msg.Payload); err != nil {
		if rc.metrics != nil {
			rc.metrics.SendsTotal.WithLabelValues("queued", "error").Inc()
		}
		return err
	}
	rc.engine.RecordSuccess()
	if rc.metrics != nil {
		rc.metrics.SendsTotal.WithLabelValues("queued", "ok").Inc()
	}
	return nil
}

// IsConnectionAvailable implements queue.Sender: direct delivery is
// allowed only when the transport is open, the breaker is not open, no
// rate-limit cooldown is running and no fallback mode forces queuing.
func (rc *ResilientConnection) IsConnectionAvailable() bool {
	if !rc.transport.IsOpen() {
		return false
	}
	if rc.engine.CircuitOpen() {
		return false
	}
	if rc.cooldown.Active() {
		return false
	}
	if mode := rc.engine.GetCurrentFallbackMode(); mode != nil && mode.Name == "offline" {
		return false
	}
	return true
}

// HealthSnapshot returns the consolidated resilience state.
func (rc *ResilientConnection) HealthSnapshot() Snapshot {
	healthMetrics := rc.monitor.GetMetrics()
	return Snapshot{
		Connected:   rc.transport.IsOpen(),
		Quality:     healthMetrics.QualityLabel,
		Metrics:     healthMetrics,
		Breaker:     rc.engine.GetCircuitBreakerState(),
		Fallback:    rc.engine.GetCurrentFallbackMode(),
		Queue:       rc.queue.GetStats(),
		RateLimited: rc.cooldown.Active(),
		SendAllowed: rc.IsConnectionAvailable(),
	}
}

// ProcessQueue triggers a queue delivery pass.
func (rc *ResilientConnection) ProcessQueue(ctx context.Context) error {
	return rc.queue.Process(ctx)
}

// Shutdown makes a bounded best-effort attempt to flush the queue, then
// tears down the transport and every component.
func (rc *ResilientConnection) Shutdown(ctx context.Context) error {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return nil
	}
	rc.closed = true
	if rc.replayTimer != nil {
		rc.replayTimer.Stop()
	}
	if rc.rateLimitTimer != nil {
		rc.rateLimitTimer.Stop()
	}
	subs := rc.subs
	rc.subs = nil
	rc.mu.Unlock()

	for _, sub := range subs {
		rc.bus.Unsubscribe(sub)
	}

	flushCtx, cancel := context.WithTimeout(ctx, rc.config.FlushTimeout)
	if err := rc.queue.Flush(flushCtx); err != nil {
		rc.logger.Warn("Shutdown flush incomplete", zap.Error(err))
	}
	cancel()

	err := rc.transport.Close()
	if stopErr := rc.monitor.Stop(); stopErr != nil && !errors.Is(stopErr, health.ErrMonitorNotRunning) {
		rc.logger.Warn("Health monitor stop failed", zap.Error(stopErr))
	}
	rc.engine.Stop()
	rc.queue.Stop()

	rc.logger.Info("Resilient connection shut down")
	return err
}

// isDuplicate checks and records the content hash of one send.
func (rc *ResilientConnection) isDuplicate(event string, payload []byte) bool {
	sum := sha256.New()
	sum.Write([]byte(event))
	sum.Write([]byte{0})
	sum.Write(payload)
	key := hex.EncodeToString(sum.Sum(nil))

	now := rc.clock.Now()
	if sentAt, ok := rc.recent.Get(key); ok && now.Sub(sentAt) < rc.config.DedupWindow {
		return true
	}
	rc.recent.Add(key, now)
	return false
}

// enqueue routes one message into the offline queue.
func (rc *ResilientConnection) enqueue(event string, payload []byte) error {
	_, err := rc.queue.Enqueue(event, payload, &queue.EnqueueOptions{
		Context: types.MessageContext{Event: event},
	})
	if err != nil {
		return err
	}
	if rc.metrics != nil {
		rc.metrics.SendsTotal.WithLabelValues("queued", "deferred").Inc()
	}
	return nil
}

// onConnected resets failure tracking and schedules a backlog replay.
func (rc *ResilientConnection) onConnected() {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return
	}
	rc.connectAttempts = 0
	reconnect := rc.everConnected
	rc.everConnected = true
	if rc.replayTimer != nil {
		rc.replayTimer.Stop()
	}
	rc.replayTimer = rc.clock.AfterFunc(rc.config.ReplayDelay, func() {
		_ = rc.queue.Process(context.Background())
	})
	rc.mu.Unlock()

	rc.engine.CloseCircuitBreaker()
	if reconnect {
		rc.monitor.RecordReconnect()
	}
	rc.logger.Info("Connection established", zap.Bool("reconnect", reconnect))
}

func (rc *ResilientConnection) onDisconnected(cause error) {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return
	}
	attempt := rc.connectAttempts
	rc.mu.Unlock()

	rc.engine.HandleError(
		rerrors.Wrap(cause, rerrors.ErrorCodeConnectionClosed, "connection lost"),
		recovery.ErrorContext{Event: "disconnect", Attempt: attempt})
}

func (rc *ResilientConnection) onConnectError(cause error) {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return
	}
	rc.connectAttempts++
	attempt := rc.connectAttempts
	rc.mu.Unlock()

	rc.engine.HandleError(
		rerrors.Wrap(cause, rerrors.ErrorCodeConnectionFailed, "connect failed"),
		recovery.ErrorContext{Event: "connect", Attempt: attempt})
}

func (rc *ResilientConnection) onPong(sentAt time.Time) {
	rc.monitor.HandlePong(sentAt)
}

// onRateLimit forces queue-mode for the server-specified window instead
// of treating the notice as a hard failure.
func (rc *ResilientConnection) onRateLimit(retryAfter time.Duration) {
	rc.cooldown.Impose(retryAfter)
	rc.monitor.SetRateLimited(true)

	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return
	}
	if rc.rateLimitTimer != nil {
		rc.rateLimitTimer.Stop()
	}
	rc.rateLimitTimer = rc.clock.AfterFunc(retryAfter, func() {
		if !rc.cooldown.Active() {
			rc.monitor.SetRateLimited(false)
			_ = rc.queue.Process(context.Background())
		}
	})
	rc.mu.Unlock()
}

func (rc *ResilientConnection) onHealthPush(payload json.RawMessage) {
	rc.logger.Debug("Server health push", zap.ByteString("payload", payload))
}

// onQualityChange reports sustained poor connection quality to the
// recovery engine. It does not open the breaker by itself but counts
// toward the consecutive-failure tally.
func (rc *ResilientConnection) onQualityChange(e events.Event) {
	change, ok := e.Data.(health.QualityChange)
	if !ok {
		return
	}
	if change.Quality < types.QualityPoor {
		return
	}
	rc.engine.HandleError(
		fmt.Errorf("connection quality degraded to %s", change.Quality),
		recovery.ErrorContext{Event: "health", ConnectionOpen: rc.transport.IsOpen()})
}

// onRecoveryRetry replays the backlog when a scheduled recovery retry
// fires.
func (rc *ResilientConnection) onRecoveryRetry(events.Event) {
	_ = rc.queue.Process(context.Background())
}
