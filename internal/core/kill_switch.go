package core

import (
	"errors"
	"sync"
	"time"

	"capcore/internal/logging"
)

// =============================================================================
// EMERGENCY KILL SWITCH
// =============================================================================
//
// KillSwitch is the global emergency-stop state machine: Armed -> Triggered
// on activation (manual or cascaded from an auto-trigger signal), back to
// Armed only via an explicit Reset. Activation is monotonic until reset.
// The switch only models the stop decision; cascading shutdown (revoking
// leases, halting grants) is the control core's responsibility.

// ViolationSeverity ranks a safety violation.
type ViolationSeverity int

const (
	SeverityLow ViolationSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the severity name.
func (s ViolationSeverity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// SafetyViolation is an append-only record of a safety breach.
type SafetyViolation struct {
	Timestamp     time.Time
	ViolationType string
	Severity      ViolationSeverity
	Description   string
}

// SafetyViolationSink receives safety violation records as a side channel.
type SafetyViolationSink interface {
	RecordSafetyViolation(v SafetyViolation)
}

// criticalViolationThreshold is the number of Critical violations that
// raises the automatic emergency-stop signal.
const criticalViolationThreshold = 3

// ErrNotTriggered is returned by Reset when the switch is still Armed.
var ErrNotTriggered = errors.New("kill switch not triggered")

// KillSwitch holds activation state, the violation log, and the safety
// heartbeat timestamp.
type KillSwitch struct {
	mu sync.RWMutex

	activated        bool
	emergencyTimeout time.Duration
	lastSafetyCheck  time.Time
	violations       []SafetyViolation

	clock func() time.Time
	sink  SafetyViolationSink
}

// NewKillSwitch creates an armed kill switch. The stale-heartbeat threshold
// is twice emergencyTimeout.
func NewKillSwitch(emergencyTimeout time.Duration) *KillSwitch {
	return &KillSwitch{
		emergencyTimeout: emergencyTimeout,
		lastSafetyCheck:  time.Now(),
		clock:            time.Now,
	}
}

// SetSink installs an audit sink for safety violations.
func (ks *KillSwitch) SetSink(sink SafetyViolationSink) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.sink = sink
}

// Initialize resets to Armed, clears violation history, and stamps the
// heartbeat.
func (ks *KillSwitch) Initialize() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.activated = false
	ks.violations = nil
	ks.lastSafetyCheck = ks.clock()

	logging.KillSwitch("Kill switch initialized and armed")
	return nil
}

// Activate moves the switch to Triggered and records a Critical activation
// violation. Idempotent with respect to state; re-activating still logs.
func (ks *KillSwitch) Activate() {
	logging.KillSwitchWarn("EMERGENCY KILL SWITCH ACTIVATED")

	ks.mu.Lock()
	ks.activated = true
	v := SafetyViolation{
		Timestamp:     ks.clock(),
		ViolationType: "emergency_activation",
		Severity:      SeverityCritical,
		Description:   "Emergency kill switch activated",
	}
	ks.violations = append(ks.violations, v)
	sink := ks.sink
	ks.mu.Unlock()

	if sink != nil {
		sink.RecordSafetyViolation(v)
	}
}

// ShouldEmergencyStop reports whether an emergency stop condition holds:
// the switch is Triggered, the Critical violation count reached the
// auto-trigger threshold, or the heartbeat went stale. The predicate never
// changes state; only Activate does, driven by the control core.
func (ks *KillSwitch) ShouldEmergencyStop() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	if ks.activated {
		return true
	}

	critical := 0
	for _, v := range ks.violations {
		if v.Severity == SeverityCritical {
			critical++
		}
	}
	if critical >= criticalViolationThreshold {
		logging.SafetyWarn("Auto-trigger condition: %d critical violations", critical)
		return true
	}

	if ks.clock().Sub(ks.lastSafetyCheck) > 2*ks.emergencyTimeout {
		logging.SafetyWarn("Safety check heartbeat stale")
		return true
	}

	return false
}

// ReportViolation appends a violation record. Activation state is untouched.
func (ks *KillSwitch) ReportViolation(violationType string, severity ViolationSeverity, description string) {
	ks.mu.Lock()
	v := SafetyViolation{
		Timestamp:     ks.clock(),
		ViolationType: violationType,
		Severity:      severity,
		Description:   description,
	}
	ks.violations = append(ks.violations, v)
	sink := ks.sink
	ks.mu.Unlock()

	switch severity {
	case SeverityCritical:
		logging.Get(logging.CategorySafety).Error("CRITICAL SAFETY VIOLATION: %s", description)
	case SeverityHigh, SeverityMedium:
		logging.SafetyWarn("Safety violation (%s): %s", severity, description)
	default:
		logging.Safety("Safety violation (%s): %s", severity, description)
	}

	if sink != nil {
		sink.RecordSafetyViolation(v)
	}
}

// UpdateSafetyCheck stamps the heartbeat. Must be driven periodically or the
// stale-heartbeat condition eventually fires.
func (ks *KillSwitch) UpdateSafetyCheck() {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.lastSafetyCheck = ks.clock()
}

// IsActivated reports whether the switch is Triggered.
func (ks *KillSwitch) IsActivated() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.activated
}

// GetViolationCount returns the number of recorded violations.
func (ks *KillSwitch) GetViolationCount() int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.violations)
}

// Reset re-arms a Triggered switch, clearing the violation log and
// re-stamping the heartbeat. Resetting an Armed switch fails with
// ErrNotTriggered and changes nothing.
func (ks *KillSwitch) Reset() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if !ks.activated {
		logging.KillSwitchWarn("Cannot reset kill switch: not currently activated")
		return ErrNotTriggered
	}

	ks.activated = false
	ks.violations = nil
	ks.lastSafetyCheck = ks.clock()

	logging.KillSwitch("Kill switch reset and re-armed")
	return nil
}

// Shutdown forces Triggered so the process always terminates in a
// safety-positive state.
func (ks *KillSwitch) Shutdown() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if !ks.activated {
		ks.activated = true
	}

	logging.KillSwitch("Kill switch shutdown complete")
	return nil
}
