package core

import (
	"sort"
	"sync"
	"time"

	"capcore/internal/logging"
)

// =============================================================================
// POLICY ENGINE
// =============================================================================
//
// PolicyEngine owns the registry of named policies and decides whether a
// lease request class is currently permitted. Evaluation iterates active
// policies in deterministic (sorted id) order, consults the per-policy
// compliance predicate, and short-circuits on the first violation. The
// engine never fails dirty: a denial changes no state.

// PolicyEngine evaluates, records, and enforces policies.
type PolicyEngine struct {
	mu sync.RWMutex

	policies          map[string]*Policy
	rules             map[string]RuleFunc
	violations        []PolicyViolation
	enforcementActive bool
	lastSafetyCheck   time.Time

	clock func() time.Time
	sink  PolicyViolationSink
}

// NewPolicyEngine creates an empty policy engine with enforcement on.
func NewPolicyEngine() *PolicyEngine {
	return &PolicyEngine{
		policies:          make(map[string]*Policy),
		rules:             make(map[string]RuleFunc),
		enforcementActive: true,
		clock:             time.Now,
	}
}

// SetSink installs an audit sink for policy violations.
func (pe *PolicyEngine) SetSink(sink PolicyViolationSink) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	pe.sink = sink
}

// Initialize loads the core policy seed set and their default compliance
// predicates, enables enforcement, and stamps the check clock.
func (pe *PolicyEngine) Initialize() error {
	pe.mu.Lock()
	defer pe.mu.Unlock()

	for _, p := range seedPolicies() {
		pe.policies[p.ID] = p
	}
	for id, fn := range defaultRuleSet() {
		pe.rules[id] = fn
	}

	pe.enforcementActive = true
	pe.lastSafetyCheck = pe.clock()

	logging.Policy("PolicyEngine initialized with %d policies", len(pe.policies))
	return nil
}

// RegisterRule installs a compliance predicate for the given policy id,
// replacing any existing one. Predicates are configuration-injected; the
// engine only defines the evaluation protocol.
func (pe *PolicyEngine) RegisterRule(policyID string, fn RuleFunc) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	pe.rules[policyID] = fn
}

// SetEnforcement globally enables or disables policy enforcement.
// With enforcement off, every request is permitted regardless of policies.
func (pe *PolicyEngine) SetEnforcement(active bool) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	pe.enforcementActive = active
	logging.Policy("Enforcement set to %v", active)
}

// CanGrantLease reports whether the requested kind is permitted by every
// active policy. The first objecting policy wins; no denial reasons are
// accumulated. Reasons are logged as a side channel only.
func (pe *PolicyEngine) CanGrantLease(kind LeaseKind) bool {
	pe.mu.RLock()
	defer pe.mu.RUnlock()

	if !pe.enforcementActive {
		return true
	}

	ids := make([]string, 0, len(pe.policies))
	for id := range pe.policies {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		p := pe.policies[id]
		if !p.Active {
			continue
		}
		rule := pe.rules[id]
		if rule == nil {
			continue
		}
		if !rule(p, kind) {
			logging.PolicyWarn("Lease denied by policy: %s", p.Name)
			return false
		}
	}

	return true
}

// ReportViolation appends a violation record. Policy active state is
// untouched; acting on violations is the orchestrator's concern.
func (pe *PolicyEngine) ReportViolation(policyID, violationType string, severity PolicyLevel, description string) {
	v := PolicyViolation{
		Timestamp:     pe.now(),
		PolicyID:      policyID,
		ViolationType: violationType,
		Severity:      severity,
		Description:   description,
	}

	pe.mu.Lock()
	pe.violations = append(pe.violations, v)
	sink := pe.sink
	pe.mu.Unlock()

	switch severity {
	case PolicyLevelCritical:
		logging.Get(logging.CategoryPolicy).Error("CRITICAL POLICY VIOLATION: %s", description)
	case PolicyLevelHigh, PolicyLevelMedium:
		logging.PolicyWarn("Policy violation (%s): %s", severity, description)
	default:
		logging.Policy("Policy violation (%s): %s", severity, description)
	}

	if sink != nil {
		sink.RecordPolicyViolation(v)
	}
}

// EmergencyLockdown deactivates every non-Critical policy and forces
// enforcement on. Idempotent: repeated calls leave the same end state.
func (pe *PolicyEngine) EmergencyLockdown() {
	pe.mu.Lock()
	defer pe.mu.Unlock()

	for _, p := range pe.policies {
		if p.Level != PolicyLevelCritical {
			p.Active = false
		}
	}
	pe.enforcementActive = true

	logging.PolicyWarn("Emergency lockdown complete: only critical policies active")
}

// GetStatus returns a snapshot of the policy engine.
func (pe *PolicyEngine) GetStatus() PolicyStatus {
	pe.mu.RLock()
	defer pe.mu.RUnlock()

	activeCount := 0
	for _, p := range pe.policies {
		if p.Active {
			activeCount++
		}
	}

	return PolicyStatus{
		ActivePolicies:    activeCount,
		ViolationsCount:   len(pe.violations),
		EnforcementActive: pe.enforcementActive,
		LastCheck:         pe.clock().Sub(pe.lastSafetyCheck),
	}
}

// GetPolicy returns a copy of the policy with the given id.
func (pe *PolicyEngine) GetPolicy(id string) (Policy, bool) {
	pe.mu.RLock()
	defer pe.mu.RUnlock()

	p, ok := pe.policies[id]
	if !ok {
		return Policy{}, false
	}
	copied := *p
	copied.Rules = make(map[string]interface{}, len(p.Rules))
	for k, v := range p.Rules {
		copied.Rules[k] = v
	}
	return copied, true
}

// UpdateRuleParams merges parameter maps into the named policies' Rules.
// Unknown policy ids are ignored. Used by the rules file watcher.
func (pe *PolicyEngine) UpdateRuleParams(params map[string]map[string]interface{}) int {
	pe.mu.Lock()
	defer pe.mu.Unlock()

	updated := 0
	for id, ruleParams := range params {
		p, ok := pe.policies[id]
		if !ok {
			logging.PolicyDebug("Rule params for unknown policy id %q ignored", id)
			continue
		}
		for k, v := range ruleParams {
			p.Rules[k] = v
		}
		updated++
	}

	if updated > 0 {
		logging.Policy("Rule parameters updated for %d policies", updated)
	}
	return updated
}

// Shutdown disables enforcement. Called only at process shutdown; this is
// the one path that may leave Critical policies unenforced.
func (pe *PolicyEngine) Shutdown() error {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	pe.enforcementActive = false
	logging.Policy("PolicyEngine shutdown complete")
	return nil
}

func (pe *PolicyEngine) now() time.Time {
	pe.mu.RLock()
	defer pe.mu.RUnlock()
	return pe.clock()
}
