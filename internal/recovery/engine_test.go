package recovery

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"resilink/internal/clock"
	"resilink/internal/events"
	"resilink/internal/types"
)

func newTestEngine(t *testing.T, config *EngineConfig) (*Engine, *events.Bus, *clock.Fake) {
	t.Helper()
	if config == nil {
		config = DefaultEngineConfig()
	}
	// Deterministic backoff for tests.
	config.RetryJitter = 0

	fake := clock.NewFake()
	bus := events.NewBus(zap.NewNop())
	engine, err := NewEngine(config, zap.NewNop(), nil, bus, fake)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return engine, bus, fake
}

func TestValidateEngineConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  *EngineConfig
		wantErr bool
	}{
		{"valid", DefaultEngineConfig(), false},
		{"nil", nil, true},
		{"zero history limit", &EngineConfig{HistoryLimit: 0, HistoryMaxAge: time.Hour, Breaker: DefaultBreakerConfig()}, true},
		{"zero history age", &EngineConfig{HistoryLimit: 50, HistoryMaxAge: 0, Breaker: DefaultBreakerConfig()}, true},
		{"jitter too large", &EngineConfig{HistoryLimit: 50, HistoryMaxAge: time.Hour, RetryJitter: 1.0, Breaker: DefaultBreakerConfig()}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateEngineConfig(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateEngineConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHandleErrorClassifiesAndRecords(t *testing.T) {
	engine, bus, _ := newTestEngine(t, nil)
	defer engine.Stop()

	classified := 0
	bus.Subscribe(events.ErrorClassified, func(events.Event) { classified++ })

	instance := engine.HandleError(errors.New("connection refused"), ErrorContext{Event: "send"})
	if instance == nil {
		t.Fatal("expected an error instance")
	}
	if instance.Category != types.CategoryConnection {
		t.Errorf("expected connection category, got %s", instance.Category)
	}
	if instance.Severity != types.SeverityHigh {
		t.Errorf("expected high severity, got %s", instance.Severity)
	}
	if instance.Recovery.Strategy != StrategyRetry {
		t.Errorf("expected retry strategy, got %s", instance.Recovery.Strategy)
	}
	if classified != 1 {
		t.Errorf("expected one classified event, got %d", classified)
	}

	history := engine.GetErrorHistory(types.CategoryConnection)
	if len(history) != 1 {
		t.Fatalf("expected one history entry, got %d", len(history))
	}
	if history[0].ID != instance.ID {
		t.Error("history entry should be the returned instance")
	}
}

func TestHandleErrorSchedulesRetry(t *testing.T) {
	engine, bus, fake := newTestEngine(t, nil)
	defer engine.Stop()

	var retries []RetryRequest
	bus.Subscribe(events.RecoveryRetry, func(e events.Event) {
		retries = append(retries, e.Data.(RetryRequest))
	})

	instance := engine.HandleError(errors.New("connection reset"), ErrorContext{Attempt: 0})
	if instance.Recovery.NextRetryAt == nil {
		t.Fatal("expected a scheduled retry time")
	}
	if instance.Recovery.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", instance.Recovery.RetryCount)
	}

	// Base delay 1s, attempt 1, no jitter.
	fake.Advance(999 * time.Millisecond)
	if len(retries) != 0 {
		t.Fatal("retry fired before the backoff elapsed")
	}
	fake.Advance(time.Millisecond)
	if len(retries) != 1 {
		t.Fatalf("expected one retry event, got %d", len(retries))
	}
	if retries[0].Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", retries[0].Attempt)
	}
}

func TestRetryBackoffGrowsPerAttempt(t *testing.T) {
	engine, bus, fake := newTestEngine(t, nil)
	defer engine.Stop()

	fired := 0
	bus.Subscribe(events.RecoveryRetry, func(events.Event) { fired++ })

	// Third attempt: base 1s doubled twice is 4s.
	engine.HandleError(errors.New("connection reset"), ErrorContext{Attempt: 2})
	fake.Advance(3 * time.Second)
	if fired != 0 {
		t.Fatal("retry fired too early")
	}
	fake.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("expected one retry event, got %d", fired)
	}
}

func TestRetryBudgetExhaustedFallsBack(t *testing.T) {
	engine, bus, _ := newTestEngine(t, nil)
	defer engine.Stop()

	activated := 0
	bus.Subscribe(events.FallbackActivated, func(events.Event) { activated++ })

	// Connection policy allows 5 retries; the sixth attempt falls back.
	instance := engine.HandleError(errors.New("connection refused"), ErrorContext{Attempt: 5})
	if instance.Recovery.Strategy != StrategyFallback {
		t.Errorf("expected fallback strategy, got %s", instance.Recovery.Strategy)
	}
	if !instance.Recovery.FallbackUsed {
		t.Error("expected fallback to be recorded")
	}
	if activated != 1 {
		t.Errorf("expected one fallback activation, got %d", activated)
	}

	mode := engine.GetCurrentFallbackMode()
	if mode == nil || mode.Name != "minimal" {
		t.Fatalf("expected minimal mode for high severity, got %+v", mode)
	}
}

func TestConnectionFailuresOpenBreaker(t *testing.T) {
	engine, bus, _ := newTestEngine(t, nil)
	defer engine.Stop()

	opened := 0
	bus.Subscribe(events.CircuitOpened, func(events.Event) { opened++ })

	for i := 0; i < 5; i++ {
		engine.HandleError(errors.New("connection refused"), ErrorContext{Attempt: i})
	}
	if !engine.CircuitOpen() {
		t.Fatal("breaker should be open after threshold connection failures")
	}
	if opened != 1 {
		t.Errorf("expected exactly one opened event, got %d", opened)
	}

	// With the breaker open, a retryable failure is redirected to fallback.
	instance := engine.HandleError(errors.New("connection refused"), ErrorContext{})
	if instance.Recovery.Strategy != StrategyFallback {
		t.Errorf("expected retry redirected to fallback, got %s", instance.Recovery.Strategy)
	}
}

func TestNonConnectionErrorsDoNotTouchBreaker(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	defer engine.Stop()

	for i := 0; i < 10; i++ {
		engine.HandleError(errors.New("read tcp: i/o timeout"), ErrorContext{Attempt: 3})
	}
	if engine.CircuitOpen() {
		t.Fatal("timeout errors should not open the breaker")
	}
	if engine.GetCircuitBreakerState().ConsecutiveFailures != 0 {
		t.Error("timeout errors should not count against the breaker")
	}
}

func TestCloseCircuitBreaker(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	defer engine.Stop()

	for i := 0; i < 5; i++ {
		engine.HandleError(errors.New("socket closed"), ErrorContext{Attempt: i})
	}
	if !engine.CircuitOpen() {
		t.Fatal("breaker should be open")
	}

	engine.CloseCircuitBreaker()
	if engine.CircuitOpen() {
		t.Fatal("breaker should be closed after explicit close")
	}
	if engine.GetCircuitBreakerState().ConsecutiveFailures != 0 {
		t.Error("explicit close should reset the failure count")
	}
}

func TestAuthenticationErrorEscalatesAndNotifies(t *testing.T) {
	engine, bus, _ := newTestEngine(t, nil)
	defer engine.Stop()

	escalated := 0
	var notification Notification
	bus.Subscribe(events.ErrorEscalated, func(events.Event) { escalated++ })
	bus.Subscribe(events.UserNotification, func(e events.Event) {
		notification = e.Data.(Notification)
	})

	instance := engine.HandleError(errors.New("token expired"), ErrorContext{Event: "auth"})
	if instance.Category != types.CategoryAuthentication {
		t.Fatalf("expected authentication category, got %s", instance.Category)
	}
	if escalated != 1 {
		t.Errorf("expected one escalated event, got %d", escalated)
	}
	if notification.ID == "" {
		t.Fatal("expected a notification")
	}
	if notification.AutoDismissAfter != 0 {
		t.Error("critical notifications should be persistent")
	}

	hasSignIn := false
	for _, action := range notification.Actions {
		if action == "sign_in" {
			hasSignIn = true
		}
	}
	if !hasSignIn {
		t.Errorf("expected a sign_in action, got %v", notification.Actions)
	}
}

func TestQueueStrategySignalsCaller(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	defer engine.Stop()

	instance := engine.HandleError(errors.New("429 too many requests"), ErrorContext{Event: "send"})
	if instance.Recovery.Strategy != StrategyQueue {
		t.Errorf("expected queue strategy, got %s", instance.Recovery.Strategy)
	}
	if !instance.Recovery.Attempted {
		t.Error("queue strategy should be marked attempted")
	}
	if engine.GetCurrentFallbackMode() != nil {
		t.Error("queue strategy should not activate a fallback mode")
	}
}

func TestIgnoreStrategyRecordsOnly(t *testing.T) {
	engine, bus, fake := newTestEngine(t, nil)
	defer engine.Stop()

	retried := 0
	bus.Subscribe(events.RecoveryRetry, func(events.Event) { retried++ })

	instance := engine.HandleError(errors.New("404 not found"), ErrorContext{})
	if instance.Recovery.Strategy != StrategyIgnore {
		t.Fatalf("expected ignore strategy, got %s", instance.Recovery.Strategy)
	}

	fake.Advance(time.Minute)
	if retried != 0 {
		t.Error("ignored errors should not schedule retries")
	}
	if len(engine.GetErrorHistory(types.CategoryClientError)) != 1 {
		t.Error("ignored errors should still be recorded")
	}
}

func TestErrorHistoryBounded(t *testing.T) {
	config := DefaultEngineConfig()
	config.HistoryLimit = 3
	engine, _, _ := newTestEngine(t, config)
	defer engine.Stop()

	for i := 0; i < 6; i++ {
		engine.HandleError(errors.New("404 not found"), ErrorContext{Attempt: i})
	}

	history := engine.GetErrorHistory(types.CategoryClientError)
	if len(history) != 3 {
		t.Fatalf("expected history capped at 3, got %d", len(history))
	}
	// The newest entries survive.
	if history[len(history)-1].Context.Attempt != 5 {
		t.Error("history should keep the most recent entries")
	}
}

func TestErrorHistoryPrunedByAge(t *testing.T) {
	config := DefaultEngineConfig()
	config.HistoryMaxAge = time.Hour
	engine, _, fake := newTestEngine(t, config)
	defer engine.Stop()

	engine.HandleError(errors.New("404 not found"), ErrorContext{})
	fake.Advance(2 * time.Hour)
	engine.HandleError(errors.New("404 not found"), ErrorContext{})

	history := engine.GetErrorHistory(types.CategoryClientError)
	if len(history) != 1 {
		t.Fatalf("expected stale entries pruned, got %d", len(history))
	}
}

func TestClearErrorHistory(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	defer engine.Stop()

	engine.HandleError(errors.New("404 not found"), ErrorContext{})
	engine.HandleError(errors.New("read tcp: i/o timeout"), ErrorContext{Attempt: 3})

	engine.ClearErrorHistory(types.CategoryClientError)
	if len(engine.GetErrorHistory(types.CategoryClientError)) != 0 {
		t.Error("client_error history should be cleared")
	}
	if len(engine.GetErrorHistory(types.CategoryTimeout)) != 1 {
		t.Error("other categories should be untouched")
	}

	engine.ClearErrorHistory()
	if len(engine.GetErrorHistory()) != 0 {
		t.Error("all history should be cleared")
	}
}

func TestUpdateClassification(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)
	defer engine.Stop()

	strategy := StrategyIgnore
	engine.UpdateClassification(types.CategoryTimeout, ClassificationPatch{Strategy: &strategy})

	instance := engine.HandleError(errors.New("read tcp: i/o timeout"), ErrorContext{})
	if instance.Recovery.Strategy != StrategyIgnore {
		t.Errorf("expected patched ignore strategy, got %s", instance.Recovery.Strategy)
	}
	if instance.Severity != types.SeverityMedium {
		t.Errorf("unpatched fields should keep their defaults, got %s", instance.Severity)
	}
}

func TestDismissNotification(t *testing.T) {
	engine, bus, _ := newTestEngine(t, nil)
	defer engine.Stop()

	dismissed := 0
	bus.Subscribe(events.NotificationDismiss, func(events.Event) { dismissed++ })

	engine.HandleError(errors.New("rate limit exceeded"), ErrorContext{})
	notifications := engine.Notifications()
	if len(notifications) != 1 {
		t.Fatalf("expected one pending notification, got %d", len(notifications))
	}

	engine.DismissNotification(notifications[0].ID)
	if len(engine.Notifications()) != 0 {
		t.Error("notification should be removed")
	}
	if dismissed != 1 {
		t.Errorf("expected one dismiss event, got %d", dismissed)
	}

	// Dismissing an unknown ID is a no-op.
	engine.DismissNotification("missing")
	if dismissed != 1 {
		t.Error("dismissing an unknown notification should not fire an event")
	}
}

func TestNotificationAutoDismisses(t *testing.T) {
	engine, bus, fake := newTestEngine(t, nil)
	defer engine.Stop()

	dismissed := 0
	bus.Subscribe(events.NotificationDismiss, func(events.Event) { dismissed++ })

	engine.HandleError(errors.New("rate limit exceeded"), ErrorContext{})
	notifications := engine.Notifications()
	if len(notifications) != 1 {
		t.Fatalf("expected one pending notification, got %d", len(notifications))
	}
	ttl := notifications[0].AutoDismissAfter
	if ttl <= 0 {
		t.Fatalf("non-critical notification should auto-dismiss, got %v", ttl)
	}

	fake.Advance(ttl - time.Millisecond)
	if len(engine.Notifications()) != 1 {
		t.Fatal("notification dismissed before its time")
	}

	fake.Advance(time.Millisecond)
	if len(engine.Notifications()) != 0 {
		t.Fatal("notification should auto-dismiss when its time elapses")
	}
	if dismissed != 1 {
		t.Errorf("expected one dismiss event, got %d", dismissed)
	}
}

func TestCriticalNotificationPersists(t *testing.T) {
	engine, bus, fake := newTestEngine(t, nil)
	defer engine.Stop()

	dismissed := 0
	bus.Subscribe(events.NotificationDismiss, func(events.Event) { dismissed++ })

	engine.HandleError(errors.New("token expired"), ErrorContext{Event: "auth"})
	notifications := engine.Notifications()
	if len(notifications) != 1 {
		t.Fatalf("expected one pending notification, got %d", len(notifications))
	}
	if notifications[0].AutoDismissAfter != 0 {
		t.Fatal("critical notification should not carry an auto-dismiss delay")
	}

	fake.Advance(time.Hour)
	if len(engine.Notifications()) != 1 {
		t.Fatal("critical notification should persist until dismissed")
	}
	if dismissed != 0 {
		t.Errorf("expected no dismiss events, got %d", dismissed)
	}
}

func TestEngineStopCancelsRetries(t *testing.T) {
	engine, bus, fake := newTestEngine(t, nil)

	fired := 0
	bus.Subscribe(events.RecoveryRetry, func(events.Event) { fired++ })

	engine.HandleError(errors.New("connection reset"), ErrorContext{})
	engine.Stop()

	fake.Advance(time.Minute)
	if fired != 0 {
		t.Error("stopped engine should not fire retries")
	}
	if engine.HandleError(errors.New("connection reset"), ErrorContext{}) != nil {
		t.Error("stopped engine should refuse new errors")
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		base     time.Duration
		attempt  int
		expected time.Duration
	}{
		{time.Second, 1, time.Second},
		{time.Second, 2, 2 * time.Second},
		{time.Second, 4, 8 * time.Second},
		{2 * time.Second, 3, 8 * time.Second},
		{0, 1, time.Second},
		{time.Second, 0, time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.base, tt.attempt, 0); got != tt.expected {
			t.Errorf("Backoff(%v, %d, 0) = %v, expected %v", tt.base, tt.attempt, got, tt.expected)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	base := time.Second
	for i := 0; i < 100; i++ {
		delay := Backoff(base, 3, 0.3)
		min := time.Duration(float64(4*time.Second) * 0.7)
		max := time.Duration(float64(4*time.Second) * 1.3)
		if delay < min || delay > max {
			t.Fatalf("jittered delay %v outside [%v, %v]", delay, min, max)
		}
	}
}
