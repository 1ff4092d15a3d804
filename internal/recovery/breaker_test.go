package recovery

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"resilink/internal/clock"
	"resilink/internal/events"
)

func newTestBreaker(t *testing.T, config *BreakerConfig) (*CircuitBreaker, *events.Bus, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake()
	bus := events.NewBus(zap.NewNop())
	breaker, err := NewCircuitBreaker(config, zap.NewNop(), nil, bus, fake)
	if err != nil {
		t.Fatalf("Failed to create circuit breaker: %v", err)
	}
	return breaker, bus, fake
}

func TestValidateBreakerConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  *BreakerConfig
		wantErr bool
	}{
		{"valid", DefaultBreakerConfig(), false},
		{"nil", nil, true},
		{"zero threshold", &BreakerConfig{FailureThreshold: 0, Cooldown: time.Second}, true},
		{"zero cooldown", &BreakerConfig{FailureThreshold: 3, Cooldown: 0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateBreakerConfig(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateBreakerConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	breaker, bus, _ := newTestBreaker(t, &BreakerConfig{FailureThreshold: 3, Cooldown: 30 * time.Second})
	defer breaker.Stop()

	opened := 0
	bus.Subscribe(events.CircuitOpened, func(events.Event) { opened++ })

	breaker.RecordFailure()
	breaker.RecordFailure()
	if breaker.IsOpen() {
		t.Fatal("breaker should still be closed below threshold")
	}

	breaker.RecordFailure()
	if !breaker.IsOpen() {
		t.Fatal("breaker should open at threshold")
	}
	if opened != 1 {
		t.Errorf("expected exactly one opened event, got %d", opened)
	}

	// Further failures while open do not re-fire the opened event.
	breaker.RecordFailure()
	breaker.RecordFailure()
	if opened != 1 {
		t.Errorf("opened event fired again while already open, got %d", opened)
	}
}

func TestSubscriberCanReadBreakerDuringDelivery(t *testing.T) {
	breaker, bus, _ := newTestBreaker(t, &BreakerConfig{FailureThreshold: 2, Cooldown: 30 * time.Second})
	defer breaker.Stop()

	var seen []BreakerState
	bus.Subscribe(events.CircuitOpened, func(events.Event) {
		// Handlers may call straight back into the breaker.
		seen = append(seen, breaker.Snapshot().State)
	})

	breaker.RecordFailure()
	breaker.RecordFailure()

	if len(seen) != 1 {
		t.Fatalf("expected one opened event, got %d", len(seen))
	}
	if seen[0] != BreakerOpen {
		t.Fatalf("handler saw state %s, want open", seen[0])
	}
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	breaker, bus, fake := newTestBreaker(t, &BreakerConfig{FailureThreshold: 2, Cooldown: 30 * time.Second})
	defer breaker.Stop()

	halfOpen := 0
	closed := 0
	bus.Subscribe(events.CircuitHalfOpen, func(events.Event) { halfOpen++ })
	bus.Subscribe(events.CircuitClosed, func(events.Event) { closed++ })

	breaker.RecordFailure()
	breaker.RecordFailure()
	if breaker.State() != BreakerOpen {
		t.Fatal("breaker should be open")
	}

	fake.Advance(29 * time.Second)
	if breaker.State() != BreakerOpen {
		t.Fatal("breaker should remain open before cooldown elapses")
	}

	fake.Advance(time.Second)
	if breaker.State() != BreakerHalfOpen {
		t.Fatalf("breaker should be half-open after cooldown, got %s", breaker.State())
	}
	if halfOpen != 1 {
		t.Errorf("expected one half-open event, got %d", halfOpen)
	}

	breaker.RecordSuccess()
	if breaker.State() != BreakerClosed {
		t.Fatal("success in half-open should close the breaker")
	}
	if closed != 1 {
		t.Errorf("expected one closed event, got %d", closed)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	breaker, _, fake := newTestBreaker(t, &BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Second})
	defer breaker.Stop()

	breaker.RecordFailure()
	fake.Advance(10 * time.Second)
	if breaker.State() != BreakerHalfOpen {
		t.Fatal("breaker should be half-open")
	}

	breaker.RecordFailure()
	if breaker.State() != BreakerOpen {
		t.Fatal("failure in half-open should reopen the breaker")
	}

	// A second cooldown has been armed.
	fake.Advance(10 * time.Second)
	if breaker.State() != BreakerHalfOpen {
		t.Fatal("breaker should return to half-open after the renewed cooldown")
	}
}

func TestBreakerCloseResetsFailureCount(t *testing.T) {
	breaker, bus, _ := newTestBreaker(t, &BreakerConfig{FailureThreshold: 3, Cooldown: 30 * time.Second})
	defer breaker.Stop()

	closed := 0
	bus.Subscribe(events.CircuitClosed, func(events.Event) { closed++ })

	breaker.RecordFailure()
	breaker.RecordFailure()
	breaker.Close()
	if closed != 0 {
		t.Error("closing an already-closed breaker should not fire an event")
	}
	if breaker.Snapshot().ConsecutiveFailures != 0 {
		t.Error("close should reset the consecutive failure count")
	}

	// The counter starts over: two more failures do not open it.
	breaker.RecordFailure()
	breaker.RecordFailure()
	if breaker.IsOpen() {
		t.Fatal("breaker should be closed after counter reset")
	}
	breaker.RecordFailure()
	if !breaker.IsOpen() {
		t.Fatal("breaker should open after a fresh run of failures")
	}

	breaker.Close()
	if closed != 1 {
		t.Errorf("expected one closed event for the open breaker, got %d", closed)
	}
	if breaker.IsOpen() {
		t.Fatal("breaker should be closed")
	}
}

func TestBreakerForceOpen(t *testing.T) {
	breaker, _, _ := newTestBreaker(t, DefaultBreakerConfig())
	defer breaker.Stop()

	breaker.ForceOpen()
	if !breaker.IsOpen() {
		t.Fatal("force open should open the breaker immediately")
	}

	snapshot := breaker.Snapshot()
	if snapshot.NextRetryAt.IsZero() {
		t.Error("force open should schedule the half-open trial")
	}
}

func TestBreakerStopCancelsTimer(t *testing.T) {
	breaker, _, fake := newTestBreaker(t, &BreakerConfig{FailureThreshold: 1, Cooldown: 5 * time.Second})

	breaker.RecordFailure()
	breaker.Stop()

	fake.Advance(time.Minute)
	if breaker.State() != BreakerOpen {
		t.Fatal("stopped breaker should not transition")
	}
}
