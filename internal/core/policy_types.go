package core

import (
	"time"
)

// =============================================================================
// POLICY TYPES
// =============================================================================

// PolicyLevel ranks a policy's criticality. Critical policies survive
// emergency lockdown; everything else is deactivated.
type PolicyLevel int

const (
	PolicyLevelCritical PolicyLevel = iota
	PolicyLevelHigh
	PolicyLevelMedium
	PolicyLevelLow
)

// String returns the level name.
func (l PolicyLevel) String() string {
	switch l {
	case PolicyLevelCritical:
		return "critical"
	case PolicyLevelHigh:
		return "high"
	case PolicyLevelMedium:
		return "medium"
	case PolicyLevelLow:
		return "low"
	default:
		return "unknown"
	}
}

// Policy is a named, leveled enforcement rule evaluated during lease
// admission. Rules is an open parameter mapping consumed by the policy's
// compliance predicate.
type Policy struct {
	ID          string
	Name        string
	Description string
	Level       PolicyLevel
	Rules       map[string]interface{}
	Active      bool
}

// PolicyViolation is an append-only record of a policy breach.
// Never mutated after creation.
type PolicyViolation struct {
	Timestamp     time.Time
	PolicyID      string
	ViolationType string
	Severity      PolicyLevel
	Description   string
}

// PolicyStatus is a point-in-time snapshot of the policy engine.
type PolicyStatus struct {
	ActivePolicies    int
	ViolationsCount   int
	EnforcementActive bool
	LastCheck         time.Duration
}

// RuleFunc is a per-policy compliance predicate. It reports whether the
// requested kind complies with the policy. Predicates are pluggable;
// registering one replaces the default for that policy id.
type RuleFunc func(p *Policy, kind LeaseKind) bool

// PolicyViolationSink receives policy violation records as a side channel.
type PolicyViolationSink interface {
	RecordPolicyViolation(v PolicyViolation)
}
