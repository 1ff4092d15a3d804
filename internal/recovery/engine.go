package recovery

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"resilink/internal/clock"
	"resilink/internal/events"
	"resilink/internal/metrics"
	"resilink/internal/types"
)

var ErrEngineStopped = errors.New("recovery engine stopped")

// EngineConfig represents the error recovery engine configuration
type EngineConfig struct {
	HistoryLimit    int                                      `yaml:"history_limit" json:"history_limit"`
	HistoryMaxAge   time.Duration                            `yaml:"history_max_age" json:"history_max_age"`
	RetryJitter     float64                                  `yaml:"retry_jitter" json:"retry_jitter"`
	Breaker         *BreakerConfig                           `yaml:"breaker" json:"breaker"`
	Classifications map[types.ErrorCategory]Classification   `yaml:"classifications" json:"classifications"`
	FallbackModes   map[string]FallbackMode                  `yaml:"fallback_modes" json:"fallback_modes"`
	SeverityModes   map[types.Severity]string                `yaml:"severity_modes" json:"severity_modes"`
}

// DefaultEngineConfig returns the default engine configuration
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		HistoryLimit:  50,
		HistoryMaxAge: 24 * time.Hour,
		RetryJitter:   0.3,
		Breaker:       DefaultBreakerConfig(),
	}
}

// validateEngineConfig validates the engine configuration
func validateEngineConfig(config *EngineConfig) error {
	if config == nil {
		return errors.New("engine configuration cannot be nil")
	}
	if config.HistoryLimit <= 0 {
		return errors.New("history limit must be positive")
	}
	if config.HistoryMaxAge <= 0 {
		return errors.New("history max age must be positive")
	}
	if config.RetryJitter < 0 || config.RetryJitter >= 1 {
		return errors.New("retry jitter must be in [0, 1)")
	}
	return nil
}

// ErrorContext carries the circumstances of a reported failure
type ErrorContext struct {
	Event          string `json:"event,omitempty"`
	StreamID       string `json:"stream_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	ConnectionOpen bool   `json:"connection_open"`
	Attempt        int    `json:"attempt"`
}

// RecoveryInfo records what the engine decided and did for one failure
type RecoveryInfo struct {
	Strategy     Strategy   `json:"strategy"`
	Attempted    bool       `json:"attempted"`
	Successful   bool       `json:"successful"`
	RetryCount   int        `json:"retry_count"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	FallbackUsed bool       `json:"fallback_used"`
}

// ErrorInstance represents one classified failure occurrence. It is
// created by the engine and never mutated by other components.
type ErrorInstance struct {
	ID             string              `json:"id"`
	Timestamp      time.Time           `json:"timestamp"`
	Category       types.ErrorCategory `json:"category"`
	Severity       types.Severity      `json:"severity"`
	Message        string              `json:"message"`
	Cause          error               `json:"-"`
	Context        ErrorContext        `json:"context"`
	Classification Classification      `json:"classification"`
	Recovery       RecoveryInfo        `json:"recovery"`
}

// Notification is a user-facing message synthesized from a failure
type Notification struct {
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	Message          string         `json:"message"`
	Severity         types.Severity `json:"severity"`
	AutoDismissAfter time.Duration  `json:"auto_dismiss_after"`
	Actions          []string       `json:"actions"`
}

// RetryRequest is the payload of an error:recovery:retry event. Firing
// it only signals that the backoff delay has elapsed; the actual resend
// is the caller's responsibility.
type RetryRequest struct {
	Instance *ErrorInstance
	Attempt  int
}

// Engine classifies failures, records them, drives the circuit breaker
// and fallback modes, and emits user-facing notifications.
type Engine struct {
	config  *EngineConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	bus     *events.Bus
	clock   clock.Clock

	breaker  *CircuitBreaker
	fallback *FallbackManager

	mu              sync.Mutex
	stopped         bool
	classifications map[types.ErrorCategory]Classification
	history         map[types.ErrorCategory][]*ErrorInstance
	notifications   map[string]Notification
	retryTimers     map[string]clock.Timer
	dismissTimers   map[string]clock.Timer
}

// NewEngine creates an error recovery engine
func NewEngine(config *EngineConfig, logger *zap.Logger, m *metrics.Metrics, bus *events.Bus, clk clock.Clock) (*Engine, error) {
	if config == nil {
		config = DefaultEngineConfig()
	}
	if err := validateEngineConfig(config); err != nil {
		return nil, err
	}

	breaker, err := NewCircuitBreaker(config.Breaker, logger, m, bus, clk)
	if err != nil {
		return nil, err
	}

	classifications := config.Classifications
	if classifications == nil {
		classifications = DefaultClassifications()
	}

	engine := &Engine{
		config:          config,
		logger:          logger,
		metrics:         m,
		bus:             bus,
		clock:           clk,
		breaker:         breaker,
		fallback:        NewFallbackManager(config.FallbackModes, config.SeverityModes, logger, bus, clk),
		classifications: classifications,
		history:         make(map[types.ErrorCategory][]*ErrorInstance),
		notifications:   make(map[string]Notification),
		retryTimers:     make(map[string]clock.Timer),
		dismissTimers:   make(map[string]clock.Timer),
	}

	logger.Info("Created error recovery engine",
		zap.Int("history_limit", config.HistoryLimit),
		zap.Int("breaker_threshold", config.Breaker.FailureThreshold))

	return engine, nil
}

// HandleError classifies a failure, records it, updates the circuit
// breaker, dispatches the recovery strategy and returns the resulting
// instance. Callers may inspect it synchronously; scheduled recovery
// continues via timers.
func (e *Engine) HandleError(err error, ctx ErrorContext) *ErrorInstance {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}

	category := Categorize(err)
	classification := e.classifications[category]

	instance := &ErrorInstance{
		ID:             uuid.NewString(),
		Timestamp:      e.clock.Now(),
		Category:       category,
		Severity:       classification.Severity,
		Message:        errMessage(err),
		Cause:          err,
		Context:        ctx,
		Classification: classification,
		Recovery:       RecoveryInfo{Strategy: classification.Strategy},
	}

	e.recordLocked(instance)
	e.mu.Unlock()

	e.logError(instance)
	if e.metrics != nil {
		e.metrics.ErrorsTotal.WithLabelValues(string(category), string(classification.Severity)).Inc()
	}

	// Connection-class or critical failures count against the breaker.
	if category == types.CategoryConnection || classification.Severity == types.SeverityCritical {
		e.breaker.RecordFailure()
	}

	e.publish(events.ErrorClassified, instance)

	e.dispatch(instance)

	if classification.RequiresNotification {
		e.notify(instance)
	}

	return instance
}

// dispatch runs the per-strategy recovery action.
func (e *Engine) dispatch(instance *ErrorInstance) {
	strategy := instance.Classification.Strategy

	// Retries are pointless against a known-bad connection.
	if strategy == StrategyRetry && e.breaker.IsOpen() {
		strategy = StrategyFallback
		instance.Recovery.Strategy = strategy
	}

	switch strategy {
	case StrategyRetry:
		e.scheduleRetry(instance)
	case StrategyFallback:
		e.activateFallback(instance)
	case StrategyQueue:
		// The orchestrator performs the actual queuing; the chosen
		// strategy on the returned instance is the signal.
		instance.Recovery.Attempted = true
	case StrategyCircuitBreak:
		e.breaker.ForceOpen()
		e.activateFallback(instance)
	case StrategyEscalate:
		e.publish(events.ErrorEscalated, instance)
	case StrategyIgnore:
		// Record only.
	}
}

// scheduleRetry arms a backoff timer for the failure. Firing it emits an
// error:recovery:retry event; the resend itself belongs to the caller,
// keeping the engine transport-agnostic.
func (e *Engine) scheduleRetry(instance *ErrorInstance) {
	attempt := instance.Context.Attempt
	if attempt >= instance.Classification.MaxRetries {
		e.logger.Warn("Retry budget exhausted, falling back",
			zap.String("error_id", instance.ID),
			zap.Int("attempts", attempt))
		instance.Recovery.Strategy = StrategyFallback
		if e.metrics != nil {
			e.metrics.RecoveriesTotal.WithLabelValues(string(StrategyRetry), "exhausted").Inc()
		}
		e.activateFallback(instance)
		return
	}

	delay := Backoff(instance.Classification.RetryDelay, attempt+1, e.config.RetryJitter)
	next := e.clock.Now().Add(delay)
	instance.Recovery.Attempted = true
	instance.Recovery.RetryCount = attempt + 1
	instance.Recovery.NextRetryAt = &next

	e.publish(events.RecoveryStarted, instance)

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.retryTimers[instance.ID] = e.clock.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.retryTimers, instance.ID)
		stopped := e.stopped
		e.mu.Unlock()
		if stopped {
			return
		}
		if e.metrics != nil {
			e.metrics.RecoveriesTotal.WithLabelValues(string(StrategyRetry), "fired").Inc()
		}
		e.publish(events.RecoveryRetry, RetryRequest{Instance: instance, Attempt: attempt + 1})
	})
	e.mu.Unlock()
}

// activateFallback picks a mode from the classification or the severity
// mapping and activates it.
func (e *Engine) activateFallback(instance *ErrorInstance) {
	name := instance.Classification.FallbackAction
	if name == "" {
		name = e.fallback.ModeForSeverity(instance.Severity)
	}

	if err := e.fallback.Activate(name); err != nil {
		e.logger.Error("Fallback activation failed",
			zap.String("mode", name),
			zap.Error(err))
		e.publish(events.RecoveryFailed, instance)
		return
	}

	instance.Recovery.Attempted = true
	instance.Recovery.FallbackUsed = true
	if e.metrics != nil {
		e.metrics.RecoveriesTotal.WithLabelValues(string(StrategyFallback), "activated").Inc()
	}
}

// notify synthesizes and emits a user-facing notification. Critical
// notifications are persistent; lower severities auto-dismiss.
func (e *Engine) notify(instance *ErrorInstance) {
	notification := Notification{
		ID:       uuid.NewString(),
		Title:    notificationTitle(instance.Category),
		Message:  notificationMessage(instance),
		Severity: instance.Severity,
		Actions:  []string{"dismiss"},
	}

	switch instance.Severity {
	case types.SeverityLow:
		notification.AutoDismissAfter = 3 * time.Second
	case types.SeverityMedium:
		notification.AutoDismissAfter = 5 * time.Second
	case types.SeverityHigh:
		notification.AutoDismissAfter = 8 * time.Second
	case types.SeverityCritical:
		// Persistent until dismissed.
	}

	if instance.Classification.Retryable {
		notification.Actions = append(notification.Actions, "retry")
	}
	if instance.Category == types.CategoryAuthentication {
		notification.Actions = append(notification.Actions, "sign_in")
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.notifications[notification.ID] = notification
	// Non-critical notifications dismiss themselves; critical ones stay
	// until the user acts.
	if notification.AutoDismissAfter > 0 {
		id := notification.ID
		e.dismissTimers[id] = e.clock.AfterFunc(notification.AutoDismissAfter, func() {
			e.DismissNotification(id)
		})
	}
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.NotificationsTotal.WithLabelValues(string(notification.Severity)).Inc()
	}
	e.publish(events.UserNotification, notification)
}

// DismissNotification removes a notification and emits a dismissed event.
func (e *Engine) DismissNotification(id string) {
	e.mu.Lock()
	notification, ok := e.notifications[id]
	if ok {
		delete(e.notifications, id)
	}
	if timer, timerOK := e.dismissTimers[id]; timerOK {
		timer.Stop()
		delete(e.dismissTimers, id)
	}
	e.mu.Unlock()

	if ok {
		e.publish(events.NotificationDismiss, notification)
	}
}

// Notifications returns the currently pending notifications.
func (e *Engine) Notifications() []Notification {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Notification, 0, len(e.notifications))
	for _, n := range e.notifications {
		out = append(out, n)
	}
	return out
}

// RecordSuccess acknowledges a successful operation to the breaker.
func (e *Engine) RecordSuccess() {
	e.breaker.RecordSuccess()
}

// GetCircuitBreakerState returns a snapshot of the breaker.
func (e *Engine) GetCircuitBreakerState() BreakerSnapshot {
	return e.breaker.Snapshot()
}

// CloseCircuitBreaker closes the breaker after an observed success.
func (e *Engine) CloseCircuitBreaker() {
	e.breaker.Close()
}

// CircuitOpen reports whether the breaker currently suppresses sends.
func (e *Engine) CircuitOpen() bool {
	return e.breaker.IsOpen()
}

// GetCurrentFallbackMode returns the active fallback mode, or nil.
func (e *Engine) GetCurrentFallbackMode() *FallbackMode {
	return e.fallback.Active()
}

// DeactivateFallback clears the active fallback mode.
func (e *Engine) DeactivateFallback() {
	e.fallback.Deactivate()
}

// GetErrorHistory returns retained instances, optionally filtered to one
// category.
func (e *Engine) GetErrorHistory(category ...types.ErrorCategory) []*ErrorInstance {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*ErrorInstance
	if len(category) > 0 {
		out = append(out, e.history[category[0]]...)
		return out
	}
	for _, cat := range types.Categories {
		out = append(out, e.history[cat]...)
	}
	return out
}

// ClearErrorHistory drops retained instances, optionally for one category.
func (e *Engine) ClearErrorHistory(category ...types.ErrorCategory) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(category) > 0 {
		delete(e.history, category[0])
		return
	}
	e.history = make(map[types.ErrorCategory][]*ErrorInstance)
}

// UpdateClassification merges a partial policy update for one category.
func (e *Engine) UpdateClassification(category types.ErrorCategory, patch ClassificationPatch) {
	e.mu.Lock()
	defer e.mu.Unlock()

	classification := e.classifications[category]
	patch.apply(&classification)
	e.classifications[category] = classification

	e.logger.Info("Error classification updated",
		zap.String("category", string(category)),
		zap.String("strategy", string(classification.Strategy)),
		zap.String("severity", string(classification.Severity)))
}

// Stop cancels every pending retry timer, the breaker's half-open timer
// and the fallback auto-deactivation timer.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	for id, timer := range e.retryTimers {
		timer.Stop()
		delete(e.retryTimers, id)
	}
	for id, timer := range e.dismissTimers {
		timer.Stop()
		delete(e.dismissTimers, id)
	}
	e.mu.Unlock()

	e.breaker.Stop()
	e.fallback.Stop()
	e.logger.Info("Error recovery engine stopped")
}

// recordLocked appends to the bounded per-category history, evicting the
// oldest entries past the cap and pruning by age.
func (e *Engine) recordLocked(instance *ErrorInstance) {
	entries := append(e.history[instance.Category], instance)

	cutoff := e.clock.Now().Add(-e.config.HistoryMaxAge)
	pruned := entries[:0]
	for _, entry := range entries {
		if entry.Timestamp.After(cutoff) {
			pruned = append(pruned, entry)
		}
	}
	if len(pruned) > e.config.HistoryLimit {
		pruned = pruned[len(pruned)-e.config.HistoryLimit:]
	}
	e.history[instance.Category] = pruned
}

func (e *Engine) logError(instance *ErrorInstance) {
	fields := []zap.Field{
		zap.String("error_id", instance.ID),
		zap.String("category", string(instance.Category)),
		zap.String("severity", string(instance.Severity)),
		zap.String("strategy", string(instance.Recovery.Strategy)),
		zap.String("event", instance.Context.Event),
		zap.Int("attempt", instance.Context.Attempt),
		zap.Error(instance.Cause),
	}

	switch instance.Severity {
	case types.SeverityCritical, types.SeverityHigh:
		e.logger.Error("Failure classified", fields...)
	case types.SeverityMedium:
		e.logger.Warn("Failure classified", fields...)
	default:
		e.logger.Info("Failure classified", fields...)
	}
}

func (e *Engine) publish(t events.Type, data interface{}) {
	if e.bus != nil {
		e.bus.Publish(events.Event{Type: t, Time: e.clock.Now(), Data: data})
	}
}

// Backoff computes an exponential delay for the given attempt (1-based)
// with up to jitter fractional randomization in either direction.
func Backoff(base time.Duration, attempt int, jitter float64) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	if jitter > 0 {
		spread := 1 + jitter*(2*rand.Float64()-1)
		delay = time.Duration(float64(delay) * spread)
	}
	return delay
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func notificationTitle(category types.ErrorCategory) string {
	switch category {
	case types.CategoryConnection, types.CategoryNetwork:
		return "Connection problem"
	case types.CategoryAuthentication:
		return "Sign-in required"
	case types.CategoryRateLimit:
		return "Slow down"
	case types.CategoryServerError:
		return "Service trouble"
	case types.CategoryTimeout:
		return "Request timed out"
	default:
		return "Something went wrong"
	}
}

func notificationMessage(instance *ErrorInstance) string {
	switch instance.Category {
	case types.CategoryAuthentication:
		return "Your session is no longer valid. Please sign in again."
	case types.CategoryRateLimit:
		return "You are sending requests too quickly. Recent actions will be retried automatically."
	case types.CategoryServerError:
		return "The service is having trouble. We will keep retrying in the background."
	case types.CategoryConnection, types.CategoryNetwork:
		return "Connection to the service was interrupted. Reconnecting..."
	default:
		return instance.Message
	}
}
