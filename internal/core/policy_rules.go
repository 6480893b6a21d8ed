package core

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// POLICY SEED SET AND DEFAULT RULES
// =============================================================================

// Seed policy ids. Critical safety protocol plus the two High-level
// operational constraint policies loaded at engine initialization.
const (
	PolicySafetyID   = "safety_001"
	PolicyResourceID = "resource_001"
	PolicyLearningID = "learning_001"
)

// seedPolicies returns the fixed core policy set, all initially active.
func seedPolicies() []*Policy {
	return []*Policy{
		{
			ID:          PolicySafetyID,
			Name:        "Critical Safety Protocol",
			Description: "Safety constraints for agent operations",
			Level:       PolicyLevelCritical,
			Rules: map[string]interface{}{
				"harm_prevention":        true,
				"emergency_override":     true,
				"human_consent_required": []string{"device_control", "data_access"},
			},
			Active: true,
		},
		{
			ID:          PolicyResourceID,
			Name:        "Resource Usage Limits",
			Description: "Prevent excessive resource consumption",
			Level:       PolicyLevelHigh,
			Rules: map[string]interface{}{
				"max_cpu_usage":             80,
				"max_memory_usage":          75,
				"max_concurrent_operations": 5,
			},
			Active: true,
		},
		{
			ID:          PolicyLearningID,
			Name:        "Learning Safety Constraints",
			Description: "Boundaries for learning and experimentation",
			Level:       PolicyLevelHigh,
			Rules: map[string]interface{}{
				"no_harmful_content":      true,
				"bias_detection":          true,
				"experiment_safety_check": true,
			},
			Active: true,
		},
	}
}

// defaultRuleSet returns the default compliance predicates, keyed by policy
// id. The defaults approve everything; concrete rule semantics are injected
// via RegisterRule or the rules file, not hard-coded here.
func defaultRuleSet() map[string]RuleFunc {
	approve := func(p *Policy, kind LeaseKind) bool { return true }
	return map[string]RuleFunc{
		PolicySafetyID:   approve,
		PolicyResourceID: approve,
		PolicyLearningID: approve,
	}
}

// =============================================================================
// RULE PARAMETER FILES
// =============================================================================

// LoadRuleParams reads per-policy rule parameters from a YAML file keyed by
// policy id. Missing files are not an error; an empty map is returned.
func LoadRuleParams(path string) (map[string]map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]map[string]interface{}{}, nil
		}
		return nil, fmt.Errorf("failed to read rule params: %w", err)
	}

	params := make(map[string]map[string]interface{})
	if err := yaml.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("failed to parse rule params: %w", err)
	}
	return params, nil
}
