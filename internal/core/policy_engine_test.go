package core

import (
	"testing"
)

func TestPolicyEngine_Initialize(t *testing.T) {
	pe := NewPolicyEngine()
	if err := pe.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	status := pe.GetStatus()
	if status.ActivePolicies != 3 {
		t.Errorf("Expected 3 seed policies active, got %d", status.ActivePolicies)
	}
	if !status.EnforcementActive {
		t.Error("Enforcement should be active after Initialize")
	}

	for _, id := range []string{PolicySafetyID, PolicyResourceID, PolicyLearningID} {
		p, ok := pe.GetPolicy(id)
		if !ok {
			t.Errorf("Seed policy %s missing", id)
			continue
		}
		if !p.Active {
			t.Errorf("Seed policy %s should be active", id)
		}
	}

	safety, _ := pe.GetPolicy(PolicySafetyID)
	if safety.Level != PolicyLevelCritical {
		t.Errorf("Safety policy should be Critical, got %v", safety.Level)
	}
}

func TestPolicyEngine_CanGrantLease_DefaultsApprove(t *testing.T) {
	pe := NewPolicyEngine()
	if err := pe.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	for _, kind := range AllLeaseKinds() {
		if !pe.CanGrantLease(kind) {
			t.Errorf("Default rules should approve %v", kind)
		}
	}
}

func TestPolicyEngine_EnforcementDisabled(t *testing.T) {
	pe := NewPolicyEngine()
	if err := pe.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// A denying rule is irrelevant once enforcement is off
	pe.RegisterRule(PolicySafetyID, func(p *Policy, kind LeaseKind) bool { return false })
	pe.SetEnforcement(false)

	for _, kind := range AllLeaseKinds() {
		if !pe.CanGrantLease(kind) {
			t.Errorf("Disabled enforcement must approve %v", kind)
		}
	}
}

func TestPolicyEngine_FirstViolationWins(t *testing.T) {
	pe := NewPolicyEngine()
	if err := pe.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	evaluated := []string{}
	deny := func(p *Policy, kind LeaseKind) bool {
		evaluated = append(evaluated, p.ID)
		return false
	}
	record := func(p *Policy, kind LeaseKind) bool {
		evaluated = append(evaluated, p.ID)
		return true
	}

	// Sorted id order: learning_001, resource_001, safety_001
	pe.RegisterRule(PolicyLearningID, deny)
	pe.RegisterRule(PolicyResourceID, record)
	pe.RegisterRule(PolicySafetyID, record)

	if pe.CanGrantLease(LeaseComputation) {
		t.Error("Denying rule should veto the request")
	}
	if len(evaluated) != 1 || evaluated[0] != PolicyLearningID {
		t.Errorf("Expected short-circuit after first violation, evaluated %v", evaluated)
	}
}

func TestPolicyEngine_InactivePoliciesSkipped(t *testing.T) {
	pe := NewPolicyEngine()
	if err := pe.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	pe.RegisterRule(PolicyResourceID, func(p *Policy, kind LeaseKind) bool { return false })
	pe.EmergencyLockdown() // deactivates resource_001 (High)

	if !pe.CanGrantLease(LeaseComputation) {
		t.Error("Deactivated policy must not veto requests")
	}
}

func TestPolicyEngine_EmergencyLockdown(t *testing.T) {
	pe := NewPolicyEngine()
	if err := pe.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	pe.SetEnforcement(false)

	pe.EmergencyLockdown()

	status := pe.GetStatus()
	if status.ActivePolicies != 1 {
		t.Errorf("Expected only the Critical policy active, got %d", status.ActivePolicies)
	}
	if !status.EnforcementActive {
		t.Error("Lockdown must force enforcement on")
	}

	safety, _ := pe.GetPolicy(PolicySafetyID)
	if !safety.Active {
		t.Error("Critical policy must survive lockdown")
	}

	// Idempotent
	pe.EmergencyLockdown()
	if got := pe.GetStatus().ActivePolicies; got != 1 {
		t.Errorf("Repeated lockdown changed state: %d active", got)
	}
}

func TestPolicyEngine_ReportViolation(t *testing.T) {
	pe := NewPolicyEngine()
	if err := pe.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	before := pe.GetStatus()
	pe.ReportViolation(PolicyResourceID, "resource_exhaustion", PolicyLevelHigh, "cpu over budget")
	pe.ReportViolation(PolicySafetyID, "consent_missing", PolicyLevelCritical, "no consent for device control")

	status := pe.GetStatus()
	if status.ViolationsCount != before.ViolationsCount+2 {
		t.Errorf("Expected %d violations, got %d", before.ViolationsCount+2, status.ViolationsCount)
	}
	// Reporting never flips policy state
	if status.ActivePolicies != before.ActivePolicies {
		t.Error("ReportViolation must not change policy active state")
	}
}

func TestPolicyEngine_UpdateRuleParams(t *testing.T) {
	pe := NewPolicyEngine()
	if err := pe.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	updated := pe.UpdateRuleParams(map[string]map[string]interface{}{
		PolicyResourceID: {"max_cpu_usage": 50},
		"no_such_policy": {"x": 1},
	})
	if updated != 1 {
		t.Errorf("Expected 1 policy updated, got %d", updated)
	}

	p, _ := pe.GetPolicy(PolicyResourceID)
	if p.Rules["max_cpu_usage"] != 50 {
		t.Errorf("Rule param not merged: %v", p.Rules["max_cpu_usage"])
	}
}

func TestPolicyEngine_Shutdown(t *testing.T) {
	pe := NewPolicyEngine()
	if err := pe.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := pe.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if pe.GetStatus().EnforcementActive {
		t.Error("Shutdown must disable enforcement")
	}
}
