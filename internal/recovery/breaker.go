package recovery

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"resilink/internal/clock"
	"resilink/internal/events"
	"resilink/internal/metrics"
)

// BreakerState represents the circuit breaker state
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

// String returns the string representation of BreakerState
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half-open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerConfig represents the circuit breaker configuration
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown" json:"cooldown"`
}

// DefaultBreakerConfig returns the default circuit breaker configuration
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// validateBreakerConfig validates the circuit breaker configuration
func validateBreakerConfig(config *BreakerConfig) error {
	if config == nil {
		return errors.New("breaker configuration cannot be nil")
	}
	if config.FailureThreshold <= 0 {
		return errors.New("failure threshold must be positive")
	}
	if config.Cooldown <= 0 {
		return errors.New("cooldown must be positive")
	}
	return nil
}

// BreakerSnapshot is a copy of the breaker state for callers
type BreakerSnapshot struct {
	State               BreakerState `json:"-"`
	StateLabel          string       `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	Failures            int64        `json:"failures"`
	Successes           int64        `json:"successes"`
	LastFailure         time.Time    `json:"last_failure"`
	NextRetryAt         time.Time    `json:"next_retry_at"`
}

// CircuitBreaker stops direct sends after repeated connection failures
// and periodically allows a trial. Transitions: closed to open when
// consecutive failures cross the threshold, open to half-open after the
// cooldown, half-open to closed on an explicit success acknowledgement
// and back to open on renewed failure.
type CircuitBreaker struct {
	config  *BreakerConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	bus     *events.Bus
	clock   clock.Clock

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	failures            int64
	successes           int64
	lastFailure         time.Time
	nextRetryAt         time.Time
	halfOpenTimer       clock.Timer
	pending             []events.Event
}

// NewCircuitBreaker creates a circuit breaker
func NewCircuitBreaker(config *BreakerConfig, logger *zap.Logger, m *metrics.Metrics, bus *events.Bus, clk clock.Clock) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	if err := validateBreakerConfig(config); err != nil {
		return nil, err
	}

	return &CircuitBreaker{
		config:  config,
		logger:  logger,
		metrics: m,
		bus:     bus,
		clock:   clk,
	}, nil
}

// RecordFailure counts a qualifying failure and opens the breaker when
// the consecutive threshold is crossed.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()

	b.consecutiveFailures++
	b.failures++
	b.lastFailure = b.clock.Now()

	switch b.state {
	case BreakerClosed:
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.openLocked()
		}
	case BreakerHalfOpen:
		// The trial failed; back to open for another cooldown.
		b.openLocked()
	}
	pending := b.takePendingLocked()
	b.mu.Unlock()
	b.publish(pending)
}

// RecordSuccess counts a successful operation. In half-open state it
// closes the breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()

	b.successes++
	if b.state == BreakerHalfOpen {
		b.closeLocked()
	}
	pending := b.takePendingLocked()
	b.mu.Unlock()
	b.publish(pending)
}

// ForceOpen opens the breaker immediately regardless of counters.
func (b *CircuitBreaker) ForceOpen() {
	b.mu.Lock()

	if b.state != BreakerOpen {
		b.openLocked()
	}
	pending := b.takePendingLocked()
	b.mu.Unlock()
	b.publish(pending)
}

// Close resets the consecutive-failure counter and, if the breaker was
// open or half-open, closes it and fires a closed event.
func (b *CircuitBreaker) Close() {
	b.mu.Lock()
	b.closeLocked()
	pending := b.takePendingLocked()
	b.mu.Unlock()
	b.publish(pending)
}

// IsOpen reports whether direct sends should currently be suppressed.
func (b *CircuitBreaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == BreakerOpen
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the full breaker state.
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BreakerSnapshot{
		State:               b.state,
		StateLabel:          b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		Failures:            b.failures,
		Successes:           b.successes,
		LastFailure:         b.lastFailure,
		NextRetryAt:         b.nextRetryAt,
	}
}

// Stop cancels the pending half-open timer.
func (b *CircuitBreaker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.halfOpenTimer != nil {
		b.halfOpenTimer.Stop()
		b.halfOpenTimer = nil
	}
}

func (b *CircuitBreaker) openLocked() {
	b.state = BreakerOpen
	b.nextRetryAt = b.clock.Now().Add(b.config.Cooldown)
	if b.halfOpenTimer != nil {
		b.halfOpenTimer.Stop()
	}
	b.halfOpenTimer = b.clock.AfterFunc(b.config.Cooldown, b.toHalfOpen)

	b.logger.Warn("Circuit breaker opened",
		zap.Int("consecutive_failures", b.consecutiveFailures),
		zap.Time("next_retry_at", b.nextRetryAt))

	b.transitionLocked(events.CircuitOpened)
}

func (b *CircuitBreaker) closeLocked() {
	b.consecutiveFailures = 0
	if b.state == BreakerClosed {
		return
	}

	b.state = BreakerClosed
	b.nextRetryAt = time.Time{}
	if b.halfOpenTimer != nil {
		b.halfOpenTimer.Stop()
		b.halfOpenTimer = nil
	}

	b.logger.Info("Circuit breaker closed")
	b.transitionLocked(events.CircuitClosed)
}

func (b *CircuitBreaker) toHalfOpen() {
	b.mu.Lock()

	if b.state != BreakerOpen {
		b.mu.Unlock()
		return
	}
	b.state = BreakerHalfOpen
	b.halfOpenTimer = nil

	b.logger.Info("Circuit breaker half-open")
	b.transitionLocked(events.CircuitHalfOpen)
	pending := b.takePendingLocked()
	b.mu.Unlock()
	b.publish(pending)
}

// transitionLocked records the transition metrics and queues the event;
// delivery happens after the caller drops b.mu so a subscriber can call
// back into the breaker.
func (b *CircuitBreaker) transitionLocked(event events.Type) {
	if b.metrics != nil {
		b.metrics.BreakerState.Set(float64(b.state))
		b.metrics.BreakerTransitions.WithLabelValues(b.state.String()).Inc()
	}
	if b.bus != nil {
		b.pending = append(b.pending, events.Event{
			Type: event,
			Time: b.clock.Now(),
			Data: BreakerSnapshot{
				State:               b.state,
				StateLabel:          b.state.String(),
				ConsecutiveFailures: b.consecutiveFailures,
				Failures:            b.failures,
				Successes:           b.successes,
				LastFailure:         b.lastFailure,
				NextRetryAt:         b.nextRetryAt,
			},
		})
	}
}

func (b *CircuitBreaker) takePendingLocked() []events.Event {
	pending := b.pending
	b.pending = nil
	return pending
}

func (b *CircuitBreaker) publish(pending []events.Event) {
	for _, e := range pending {
		b.bus.Publish(e)
	}
}
