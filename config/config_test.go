package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rizy44/secops-misconfig-detection-and-remediation/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "secops.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
version: "1"
region: us-east-1
scanning:
  interval: 5m
  absence_cycles: 3
  severity_map:
    critical: CRITICAL
    warn: MEDIUM
triage:
  always_approve: HIGH
  environment: production
remediation:
  admin_cidr: 10.0.0.0/8
  lock_max_wait: 15s
verify:
  settle_delay: 30s
  max_retries: 5
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Scanning.Interval != 5*time.Minute {
		t.Errorf("interval = %v, want 5m", cfg.Scanning.Interval)
	}
	if cfg.Scanning.AbsenceCycles != 3 {
		t.Errorf("absence_cycles = %d, want 3", cfg.Scanning.AbsenceCycles)
	}
	if cfg.Scanning.SeverityMap["warn"] != "MEDIUM" {
		t.Errorf("severity_map[warn] = %q, want MEDIUM", cfg.Scanning.SeverityMap["warn"])
	}
	if cfg.Triage.AlwaysApprove != types.SeverityHigh {
		t.Errorf("always_approve = %v, want HIGH", cfg.Triage.AlwaysApprove)
	}
	if cfg.Remedy.AdminCIDR != "10.0.0.0/8" {
		t.Errorf("admin_cidr = %q", cfg.Remedy.AdminCIDR)
	}
	if cfg.Verify.MaxRetries != 5 {
		t.Errorf("max_retries = %d, want 5", cfg.Verify.MaxRetries)
	}

	// Defaults fill unset fields
	if cfg.Scanning.Workers != 4 {
		t.Errorf("workers default = %d, want 4", cfg.Scanning.Workers)
	}
	if cfg.Suggest.Timeout != 20*time.Second {
		t.Errorf("suggest timeout default = %v", cfg.Suggest.Timeout)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing version", "region: us-east-1\n"},
		{"missing region", "version: \"1\"\n"},
		{"bad severity in map", "version: \"1\"\nregion: us-east-1\nscanning:\n  severity_map:\n    x: URGENT\n"},
		{"bad always_approve", "version: \"1\"\nregion: us-east-1\ntriage:\n  always_approve: EXTREME\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
	if cfg.Triage.AlwaysApprove != types.SeverityHigh {
		t.Errorf("default always_approve = %v, want HIGH", cfg.Triage.AlwaysApprove)
	}
}
