package rate

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"resilink/internal/clock"
)

func TestCooldownActiveAndRemaining(t *testing.T) {
	fc := clock.NewFake()
	cd := NewCooldown(zap.NewNop(), fc)

	if cd.Active() {
		t.Fatalf("new cooldown should not be active")
	}

	cd.Impose(10 * time.Second)
	if !cd.Active() {
		t.Fatalf("cooldown should be active after Impose")
	}
	if got := cd.Remaining(); got != 10*time.Second {
		t.Fatalf("expected 10s remaining, got %v", got)
	}

	fc.Advance(6 * time.Second)
	if got := cd.Remaining(); got != 4*time.Second {
		t.Fatalf("expected 4s remaining, got %v", got)
	}

	fc.Advance(5 * time.Second)
	if cd.Active() {
		t.Fatalf("cooldown should have expired")
	}
	if got := cd.Remaining(); got != 0 {
		t.Fatalf("expected zero remaining, got %v", got)
	}
}

func TestCooldownShorterWindowDoesNotTruncate(t *testing.T) {
	fc := clock.NewFake()
	cd := NewCooldown(zap.NewNop(), fc)

	cd.Impose(time.Minute)
	cd.Impose(time.Second)

	if got := cd.Remaining(); got != time.Minute {
		t.Fatalf("expected 1m remaining, got %v", got)
	}
	if cd.ImposedCount() != 2 {
		t.Fatalf("expected 2 imposed windows, got %d", cd.ImposedCount())
	}
}

func TestCooldownClear(t *testing.T) {
	fc := clock.NewFake()
	cd := NewCooldown(zap.NewNop(), fc)

	cd.Impose(time.Minute)
	cd.Clear()
	if cd.Active() {
		t.Fatalf("cleared cooldown should not be active")
	}
}

func TestCooldownIgnoresNonPositiveWindows(t *testing.T) {
	fc := clock.NewFake()
	cd := NewCooldown(zap.NewNop(), fc)

	cd.Impose(0)
	cd.Impose(-time.Second)
	if cd.Active() || cd.ImposedCount() != 0 {
		t.Fatalf("non-positive windows should be ignored")
	}
}
