package config

import "testing"

func TestDefaultConfigValidates(t *testing.T) {
	cfg := Default("tc-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

// Every capability a default role announces must be one some operation
// actually checks: a stage capability from the stage lists or one of the
// fixed operation gates.
func TestDefaultRoleCapabilitiesAreEnforced(t *testing.T) {
	cfg := Default("tc-1")
	enforced := map[string]bool{
		"processo.create": true,
		"processo.read":   true,
		"regras.import":   true,
		"rbac.manage":     true,
	}
	for _, stages := range cfg.Tramitacao.Stages {
		for _, s := range stages {
			enforced[s.Capability] = true
		}
	}
	for roleID, role := range cfg.RBAC.Roles {
		for _, cap := range role.Capabilities {
			if !enforced[cap] {
				t.Errorf("role %s grants %s, which nothing checks", roleID, cap)
			}
		}
	}
}
