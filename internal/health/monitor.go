package health

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"resilink/internal/clock"
	"resilink/internal/events"
	"resilink/internal/metrics"
	"resilink/internal/types"
)

var (
	ErrMonitorAlreadyRunning = errors.New("health monitor already running")
	ErrMonitorNotRunning     = errors.New("health monitor not running")
)

// Conn is the slice of the transport the monitor needs: whether the
// connection reports itself open, and the ability to emit a timestamped
// ping.
type Conn interface {
	IsOpen() bool
	Ping(ts time.Time) error
}

// QualityThreshold maps latency/packet-loss ceilings to a quality tier.
// Thresholds are evaluated in order; the first tier whose ceilings both
// hold wins.
type QualityThreshold struct {
	Quality       types.Quality `yaml:"quality" json:"quality"`
	MaxLatency    time.Duration `yaml:"max_latency" json:"max_latency"`
	MaxPacketLoss float64       `yaml:"max_packet_loss" json:"max_packet_loss"`
}

// MonitorConfig represents the health monitor configuration
type MonitorConfig struct {
	PingInterval         time.Duration      `yaml:"ping_interval" json:"ping_interval"`
	PongTimeout          time.Duration      `yaml:"pong_timeout" json:"pong_timeout"`
	SampleWindow         int                `yaml:"sample_window" json:"sample_window"`
	InstabilityThreshold int                `yaml:"instability_threshold" json:"instability_threshold"`
	SpikeThreshold       time.Duration      `yaml:"spike_threshold" json:"spike_threshold"`
	Thresholds           []QualityThreshold `yaml:"thresholds" json:"thresholds"`
}

// DefaultMonitorConfig returns the default health monitor configuration
func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		PingInterval:         10 * time.Second,
		PongTimeout:          5 * time.Second,
		SampleWindow:         50,
		InstabilityThreshold: 3,
		SpikeThreshold:       500 * time.Millisecond,
		Thresholds: []QualityThreshold{
			{Quality: types.QualityExcellent, MaxLatency: 100 * time.Millisecond, MaxPacketLoss: 0.01},
			{Quality: types.QualityGood, MaxLatency: 250 * time.Millisecond, MaxPacketLoss: 0.05},
			{Quality: types.QualityFair, MaxLatency: 500 * time.Millisecond, MaxPacketLoss: 0.10},
			{Quality: types.QualityPoor, MaxLatency: time.Second, MaxPacketLoss: 0.20},
		},
	}
}

// validateMonitorConfig validates the health monitor configuration
func validateMonitorConfig(config *MonitorConfig) error {
	if config == nil {
		return errors.New("monitor configuration cannot be nil")
	}
	if config.PingInterval <= 0 {
		return errors.New("ping interval must be positive")
	}
	if config.PongTimeout <= 0 {
		return errors.New("pong timeout must be positive")
	}
	if config.PongTimeout >= config.PingInterval {
		return errors.New("pong timeout must be shorter than ping interval")
	}
	if config.SampleWindow <= 0 {
		return errors.New("sample window must be positive")
	}
	if config.InstabilityThreshold <= 0 {
		return errors.New("instability threshold must be positive")
	}
	if len(config.Thresholds) == 0 {
		return errors.New("at least one quality threshold is required")
	}
	return nil
}

// ConnectionMetrics is a snapshot of the measured connection health
type ConnectionMetrics struct {
	Latency             time.Duration `json:"latency"`
	AverageLatency      time.Duration `json:"average_latency"`
	Jitter              time.Duration `json:"jitter"`
	PacketLoss          float64       `json:"packet_loss"`
	Quality             types.Quality `json:"-"`
	QualityLabel        string        `json:"quality"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Reconnects          int64         `json:"reconnects"`
	ConnectionDuration  time.Duration `json:"connection_duration"`
	Samples             int           `json:"samples"`
}

// QualityChange is the payload of a health:quality-changed event
type QualityChange struct {
	Previous types.Quality
	Quality  types.Quality
	Metrics  ConnectionMetrics
}

// LatencySpike is the payload of a health:latency-spike event
type LatencySpike struct {
	Latency   time.Duration
	Threshold time.Duration
}

// Instability is the payload of a health:connection-unstable event
type Instability struct {
	ConsecutiveFailures int
}

// sample is one ping outcome in the sliding window
type sample struct {
	received bool
	latency  time.Duration
}

// Monitor measures round-trip latency and packet loss over the active
// connection and derives a discrete quality tier.
type Monitor struct {
	config  *MonitorConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	bus     *events.Bus
	clock   clock.Clock

	mu          sync.Mutex
	conn        Conn
	running     bool
	samples     []sample
	quality     types.Quality
	rateLimited bool
	pending     []events.Event

	consecutiveFailures int
	reconnects          int64
	connectedAt         time.Time

	awaitingPong bool
	lastPingAt   time.Time

	pingTimer    clock.Timer
	timeoutTimer clock.Timer
}

// NewMonitor creates a health monitor
func NewMonitor(config *MonitorConfig, logger *zap.Logger, m *metrics.Metrics, bus *events.Bus, clk clock.Clock) (*Monitor, error) {
	if config == nil {
		config = DefaultMonitorConfig()
	}
	if err := validateMonitorConfig(config); err != nil {
		return nil, err
	}

	return &Monitor{
		config:  config,
		logger:  logger,
		metrics: m,
		bus:     bus,
		clock:   clk,
		quality: types.QualityExcellent,
	}, nil
}

// Monitor attaches to a connection and starts the periodic ping cycle.
func (m *Monitor) Monitor(conn Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrMonitorAlreadyRunning
	}

	m.conn = conn
	m.running = true
	m.connectedAt = m.clock.Now()
	m.pingTimer = m.clock.AfterFunc(m.config.PingInterval, m.tick)

	m.logger.Info("Health monitor attached",
		zap.Duration("ping_interval", m.config.PingInterval),
		zap.Duration("pong_timeout", m.config.PongTimeout))

	return nil
}

// Stop detaches from the connection and cancels every pending timer.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return ErrMonitorNotRunning
	}

	m.running = false
	m.conn = nil
	m.awaitingPong = false
	if m.pingTimer != nil {
		m.pingTimer.Stop()
		m.pingTimer = nil
	}
	if m.timeoutTimer != nil {
		m.timeoutTimer.Stop()
		m.timeoutTimer = nil
	}

	m.logger.Info("Health monitor stopped")
	return nil
}

// tick runs one ping cycle and reschedules itself.
func (m *Monitor) tick() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}

	conn := m.conn
	now := m.clock.Now()
	m.pingTimer = m.clock.AfterFunc(m.config.PingInterval, m.tick)

	if conn == nil || !conn.IsOpen() {
		m.recordFailureLocked()
		pending := m.takePendingLocked()
		m.mu.Unlock()
		m.publish(pending)
		return
	}

	m.awaitingPong = true
	m.lastPingAt = now
	m.timeoutTimer = m.clock.AfterFunc(m.config.PongTimeout, m.onPongTimeout)
	m.mu.Unlock()

	if err := conn.Ping(now); err != nil {
		m.mu.Lock()
		if m.awaitingPong && m.lastPingAt.Equal(now) {
			m.awaitingPong = false
			if m.timeoutTimer != nil {
				m.timeoutTimer.Stop()
				m.timeoutTimer = nil
			}
			m.recordFailureLocked()
		}
		pending := m.takePendingLocked()
		m.mu.Unlock()
		m.publish(pending)
	}
}

// HandlePong records a pong carrying the echoed ping timestamp.
func (m *Monitor) HandlePong(ts time.Time) {
	m.mu.Lock()

	if !m.running || !m.awaitingPong {
		m.mu.Unlock()
		return
	}
	m.awaitingPong = false
	if m.timeoutTimer != nil {
		m.timeoutTimer.Stop()
		m.timeoutTimer = nil
	}

	latency := m.clock.Now().Sub(ts)
	if latency < 0 {
		latency = 0
	}
	m.recordLatencyLocked(latency)
	pending := m.takePendingLocked()
	m.mu.Unlock()
	m.publish(pending)
}

// onPongTimeout handles a ping that never came back.
func (m *Monitor) onPongTimeout() {
	m.mu.Lock()

	if !m.running || !m.awaitingPong {
		m.mu.Unlock()
		return
	}
	m.awaitingPong = false
	m.timeoutTimer = nil
	m.recordFailureLocked()
	pending := m.takePendingLocked()
	m.mu.Unlock()
	m.publish(pending)
}

// recordLatencyLocked pushes a received sample and re-evaluates quality.
func (m *Monitor) recordLatencyLocked(latency time.Duration) {
	m.pushSampleLocked(sample{received: true, latency: latency})
	m.consecutiveFailures = 0

	if m.metrics != nil {
		m.metrics.PingLatency.Observe(latency.Seconds())
	}

	if latency > m.config.SpikeThreshold {
		m.publishLocked(events.HealthLatencySpike, LatencySpike{
			Latency:   latency,
			Threshold: m.config.SpikeThreshold,
		})
	}

	m.evaluateQualityLocked()
}

// recordFailureLocked pushes a lost sample and tracks instability.
func (m *Monitor) recordFailureLocked() {
	m.pushSampleLocked(sample{received: false})
	m.consecutiveFailures++

	if m.consecutiveFailures == m.config.InstabilityThreshold {
		m.logger.Warn("Connection unstable",
			zap.Int("consecutive_failures", m.consecutiveFailures))
		m.publishLocked(events.HealthUnstable, Instability{
			ConsecutiveFailures: m.consecutiveFailures,
		})
	}

	m.evaluateQualityLocked()
}

func (m *Monitor) pushSampleLocked(s sample) {
	m.samples = append(m.samples, s)
	if len(m.samples) > m.config.SampleWindow {
		m.samples = m.samples[len(m.samples)-m.config.SampleWindow:]
	}
}

// evaluateQualityLocked derives the current quality tier and publishes a
// change event when it moves.
func (m *Monitor) evaluateQualityLocked() {
	snapshot := m.snapshotLocked()
	quality := snapshot.Quality

	if m.metrics != nil {
		m.metrics.PacketLoss.Set(snapshot.PacketLoss)
		m.metrics.QualityLevel.Set(float64(quality))
	}

	if quality != m.quality {
		previous := m.quality
		m.quality = quality
		m.logger.Info("Connection quality changed",
			zap.String("previous", previous.String()),
			zap.String("quality", quality.String()),
			zap.Duration("latency", snapshot.Latency),
			zap.Float64("packet_loss", snapshot.PacketLoss))
		m.publishLocked(events.HealthQualityChanged, QualityChange{
			Previous: previous,
			Quality:  quality,
			Metrics:  snapshot,
		})
	}

	m.publishLocked(events.HealthMetricsUpdated, snapshot)
}

// snapshotLocked assembles the current metrics view, including the
// rate-limit presentation demotion.
func (m *Monitor) snapshotLocked() ConnectionMetrics {
	var (
		last, prev, total time.Duration
		received, lost    int
	)
	lastTwo := make([]time.Duration, 0, 2)
	for _, s := range m.samples {
		if s.received {
			received++
			total += s.latency
			lastTwo = append(lastTwo, s.latency)
			if len(lastTwo) > 2 {
				lastTwo = lastTwo[1:]
			}
		} else {
			lost++
		}
	}

	var avg time.Duration
	if received > 0 {
		avg = total / time.Duration(received)
		last = lastTwo[len(lastTwo)-1]
	}
	var jitter time.Duration
	if len(lastTwo) == 2 {
		prev = lastTwo[0]
		jitter = last - prev
		if jitter < 0 {
			jitter = -jitter
		}
	}

	var loss float64
	if received+lost > 0 {
		loss = float64(lost) / float64(received+lost)
	}

	quality := Classify(last, loss, m.config.Thresholds)
	if m.rateLimited {
		quality = quality.Demote()
	}

	var duration time.Duration
	if !m.connectedAt.IsZero() {
		duration = m.clock.Now().Sub(m.connectedAt)
	}

	return ConnectionMetrics{
		Latency:             last,
		AverageLatency:      avg,
		Jitter:              jitter,
		PacketLoss:          loss,
		Quality:             quality,
		QualityLabel:        quality.String(),
		ConsecutiveFailures: m.consecutiveFailures,
		Reconnects:          m.reconnects,
		ConnectionDuration:  duration,
		Samples:             len(m.samples),
	}
}

// publishLocked queues an event for dispatch once the caller releases
// the lock. Publishing under m.mu would deadlock a subscriber that calls
// back into the monitor.
func (m *Monitor) publishLocked(t events.Type, data interface{}) {
	if m.bus != nil {
		m.pending = append(m.pending, events.Event{Type: t, Time: m.clock.Now(), Data: data})
	}
}

// takePendingLocked hands the queued events to the caller for dispatch
// after unlock.
func (m *Monitor) takePendingLocked() []events.Event {
	pending := m.pending
	m.pending = nil
	return pending
}

func (m *Monitor) publish(pending []events.Event) {
	for _, e := range pending {
		m.bus.Publish(e)
	}
}

// Classify derives a quality tier purely from a latency/packet-loss pair.
// The first tier whose ceilings both hold wins; anything worse than the
// last named tier is critical.
func Classify(latency time.Duration, packetLoss float64, thresholds []QualityThreshold) types.Quality {
	for _, t := range thresholds {
		if latency <= t.MaxLatency && packetLoss <= t.MaxPacketLoss {
			return t.Quality
		}
	}
	return types.QualityCritical
}

// GetMetrics returns a snapshot of the current connection metrics.
func (m *Monitor) GetMetrics() ConnectionMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// GetQuality returns the current quality tier.
func (m *Monitor) GetQuality() types.Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked().Quality
}

// IsHealthy reports whether quality is fair or better.
func (m *Monitor) IsHealthy() bool {
	return m.GetQuality() <= types.QualityFair
}

// SetRateLimited demotes (or restores) the presented quality by one tier
// while the backend is throttling us. The underlying samples are not
// touched.
func (m *Monitor) SetRateLimited(limited bool) {
	m.mu.Lock()

	if m.rateLimited == limited {
		m.mu.Unlock()
		return
	}
	m.rateLimited = limited
	m.evaluateQualityLocked()
	pending := m.takePendingLocked()
	m.mu.Unlock()
	m.publish(pending)
}

// RecordReconnect notes a transport reconnection and restarts the
// connection-duration clock.
func (m *Monitor) RecordReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reconnects++
	m.connectedAt = m.clock.Now()
	if m.metrics != nil {
		m.metrics.Reconnects.Inc()
	}
}

// ResetMetrics clears sample history and failure counters, typically
// after a fresh reconnect.
func (m *Monitor) ResetMetrics() {
	m.mu.Lock()

	m.samples = nil
	m.consecutiveFailures = 0
	m.connectedAt = m.clock.Now()
	m.evaluateQualityLocked()
	pending := m.takePendingLocked()
	m.mu.Unlock()
	m.publish(pending)
}
