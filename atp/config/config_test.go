package config

import "testing"

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("ATP_JWT_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when ATP_JWT_SECRET is unset")
	}
}

func TestLoadRejectsShortJWTSecret(t *testing.T) {
	t.Setenv("ATP_JWT_SECRET", "too-short")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for a JWT secret under 32 bytes")
	}
}

func TestLoadRejectsShortProvenanceSecret(t *testing.T) {
	t.Setenv("ATP_JWT_SECRET", "01234567890123456789012345678901")
	t.Setenv("PROVENANCE_SECRET", "short")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for a provenance secret under 32 bytes")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("ATP_JWT_SECRET", "01234567890123456789012345678901")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Errorf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.Execution.TimeoutMS != 30_000 {
		t.Errorf("Execution.TimeoutMS = %d, want 30000", cfg.Execution.TimeoutMS)
	}
	if cfg.Providers.Cache != "memory" {
		t.Errorf("Providers.Cache = %q, want memory", cfg.Providers.Cache)
	}
}

func TestLoadParsesSecurityPolicyList(t *testing.T) {
	t.Setenv("ATP_JWT_SECRET", "01234567890123456789012345678901")
	t.Setenv("ATP_SECURITY_POLICIES", "exfiltration-prevention, user-origin-required")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"exfiltration-prevention", "user-origin-required"}
	if len(cfg.SecurityPolicyIDs) != len(want) {
		t.Fatalf("SecurityPolicyIDs = %v, want %v", cfg.SecurityPolicyIDs, want)
	}
	for i, v := range want {
		if cfg.SecurityPolicyIDs[i] != v {
			t.Errorf("SecurityPolicyIDs[%d] = %q, want %q", i, cfg.SecurityPolicyIDs[i], v)
		}
	}
}
