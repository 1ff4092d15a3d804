package recovery

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"resilink/internal/clock"
	"resilink/internal/events"
	"resilink/internal/types"
)

// ErrUnknownFallbackMode is returned when activating a mode that was
// never registered.
var ErrUnknownFallbackMode = errors.New("unknown fallback mode")

// CapabilityLevel represents how much of a feature remains available in
// a degraded mode
type CapabilityLevel string

const (
	CapabilityFull     CapabilityLevel = "full"
	CapabilityCached   CapabilityLevel = "cached"
	CapabilityPolling  CapabilityLevel = "polling"
	CapabilityReadOnly CapabilityLevel = "read_only"
	CapabilityDisabled CapabilityLevel = "disabled"
)

// FallbackMode is a named degraded-operation profile
type FallbackMode struct {
	Name        string                     `yaml:"name" json:"name"`
	Features    map[string]CapabilityLevel `yaml:"features" json:"features"`
	UserMessage string                     `yaml:"user_message" json:"user_message"`
	AutoRecover bool                       `yaml:"auto_recover" json:"auto_recover"`
	MaxDuration time.Duration              `yaml:"max_duration" json:"max_duration"`
}

// DefaultFallbackModes returns the built-in degraded-operation profiles
func DefaultFallbackModes() map[string]FallbackMode {
	return map[string]FallbackMode{
		"offline": {
			Name: "offline",
			Features: map[string]CapabilityLevel{
				"chat":     CapabilityCached,
				"streams":  CapabilityDisabled,
				"presence": CapabilityDisabled,
			},
			UserMessage: "You are offline. Messages will be sent when the connection returns.",
			AutoRecover: true,
		},
		"minimal": {
			Name: "minimal",
			Features: map[string]CapabilityLevel{
				"chat":     CapabilityReadOnly,
				"streams":  CapabilityCached,
				"presence": CapabilityDisabled,
			},
			UserMessage: "Connection problems detected. Some features are temporarily read-only.",
			AutoRecover: true,
			MaxDuration: 10 * time.Minute,
		},
		"basic": {
			Name: "basic",
			Features: map[string]CapabilityLevel{
				"chat":     CapabilityPolling,
				"streams":  CapabilityCached,
				"presence": CapabilityCached,
			},
			UserMessage: "Running in reduced mode while the connection recovers.",
			AutoRecover: true,
			MaxDuration: 5 * time.Minute,
		},
	}
}

// DefaultSeverityModes maps failure severity onto the fallback mode to
// activate. Kept as configuration data so the mapping can be revisited
// without touching the state machine.
func DefaultSeverityModes() map[types.Severity]string {
	return map[types.Severity]string{
		types.SeverityCritical: "offline",
		types.SeverityHigh:     "minimal",
		types.SeverityMedium:   "basic",
		types.SeverityLow:      "basic",
	}
}

// FallbackManager owns the single active fallback mode. Activating a new
// mode replaces the old one; at most one mode is active at a time.
type FallbackManager struct {
	logger *zap.Logger
	bus    *events.Bus
	clock  clock.Clock

	mu              sync.Mutex
	modes           map[string]FallbackMode
	severityModes   map[types.Severity]string
	active          *FallbackMode
	activatedAt     time.Time
	deactivateTimer clock.Timer
	pendingEvents   []events.Event
}

// NewFallbackManager creates a fallback manager with the given mode set;
// nil maps fall back to the defaults.
func NewFallbackManager(modes map[string]FallbackMode, severityModes map[types.Severity]string, logger *zap.Logger, bus *events.Bus, clk clock.Clock) *FallbackManager {
	if modes == nil {
		modes = DefaultFallbackModes()
	}
	if severityModes == nil {
		severityModes = DefaultSeverityModes()
	}
	return &FallbackManager{
		logger:        logger,
		bus:           bus,
		clock:         clk,
		modes:         modes,
		severityModes: severityModes,
	}
}

// ModeForSeverity returns the configured mode name for a severity.
func (f *FallbackManager) ModeForSeverity(severity types.Severity) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if name, ok := f.severityModes[severity]; ok {
		return name
	}
	return "basic"
}

// Activate switches to the named mode. Activating the already-active
// mode is a no-op; activating a different mode replaces it.
func (f *FallbackManager) Activate(name string) error {
	f.mu.Lock()

	mode, ok := f.modes[name]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownFallbackMode, name)
	}

	if f.active != nil {
		if f.active.Name == name {
			f.mu.Unlock()
			return nil
		}
		f.deactivateLocked("replaced")
	}

	f.active = &mode
	f.activatedAt = f.clock.Now()
	if mode.MaxDuration > 0 {
		f.deactivateTimer = f.clock.AfterFunc(mode.MaxDuration, f.onMaxDuration)
	}

	f.logger.Warn("Fallback mode activated",
		zap.String("mode", mode.Name),
		zap.String("user_message", mode.UserMessage),
		zap.Duration("max_duration", mode.MaxDuration))

	f.queueEventLocked(events.FallbackActivated, mode)
	pending := f.takePendingLocked()
	f.mu.Unlock()
	f.publish(pending)
	return nil
}

// Deactivate clears the active mode, if any.
func (f *FallbackManager) Deactivate() {
	f.mu.Lock()
	f.deactivateLocked("manual")
	pending := f.takePendingLocked()
	f.mu.Unlock()
	f.publish(pending)
}

// Active returns a copy of the active mode, or nil.
func (f *FallbackManager) Active() *FallbackMode {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.active == nil {
		return nil
	}
	mode := *f.active
	return &mode
}

// Stop cancels the pending auto-deactivation timer.
func (f *FallbackManager) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.deactivateTimer != nil {
		f.deactivateTimer.Stop()
		f.deactivateTimer = nil
	}
}

func (f *FallbackManager) onMaxDuration() {
	f.mu.Lock()
	f.deactivateLocked("max_duration")
	pending := f.takePendingLocked()
	f.mu.Unlock()
	f.publish(pending)
}

func (f *FallbackManager) deactivateLocked(reason string) {
	if f.active == nil {
		return
	}

	mode := *f.active
	f.active = nil
	if f.deactivateTimer != nil {
		f.deactivateTimer.Stop()
		f.deactivateTimer = nil
	}

	f.logger.Info("Fallback mode deactivated",
		zap.String("mode", mode.Name),
		zap.String("reason", reason),
		zap.Duration("active_for", f.clock.Now().Sub(f.activatedAt)))

	f.queueEventLocked(events.FallbackDeactivated, mode)
}

// queueEventLocked defers bus dispatch until after f.mu is released so a
// subscriber can call back into the manager without deadlocking.
func (f *FallbackManager) queueEventLocked(t events.Type, mode FallbackMode) {
	if f.bus != nil {
		f.pendingEvents = append(f.pendingEvents, events.Event{
			Type: t,
			Time: f.clock.Now(),
			Data: mode,
		})
	}
}

func (f *FallbackManager) takePendingLocked() []events.Event {
	pending := f.pendingEvents
	f.pendingEvents = nil
	return pending
}

func (f *FallbackManager) publish(pending []events.Event) {
	for _, e := range pending {
		f.bus.Publish(e)
	}
}
