package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Port: got %q, want 8080", cfg.Port)
	}
	if cfg.Backend != "docker" {
		t.Errorf("Backend: got %q, want docker", cfg.Backend)
	}
	if cfg.AppLimit != 0 {
		t.Errorf("AppLimit: got %d, want 0 (unlimited)", cfg.AppLimit)
	}
	if cfg.SyncWait != 5*time.Hour {
		t.Errorf("SyncWait: got %v, want 5h", cfg.SyncWait)
	}
	if len(cfg.PermanentApps) != 1 || cfg.PermanentApps[0] != "^master$" {
		t.Errorf("PermanentApps: got %v, want [^master$]", cfg.PermanentApps)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
port: "9090"
backend: kubernetes
app_limit: 10
backup:
  apps:
    - appname: checkout
      routerpattern: "pr-\\d+"
      timetouse: 24h
      timetorestore: 1h
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("Port: got %q, want 9090", cfg.Port)
	}
	if cfg.Backend != "kubernetes" {
		t.Errorf("Backend: got %q, want kubernetes", cfg.Backend)
	}
	if cfg.AppLimit != 10 {
		t.Errorf("AppLimit: got %d, want 10", cfg.AppLimit)
	}
	if len(cfg.BackupPolicies) != 1 {
		t.Fatalf("BackupPolicies: got %d entries, want 1", len(cfg.BackupPolicies))
	}
	policy := cfg.BackupPolicies[0]
	if policy.AppName != "checkout" || policy.TimeToUse != 24*time.Hour || policy.TimeToRestore != time.Hour {
		t.Errorf("got %+v, unexpected backup policy contents", policy)
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("expected an error loading a nonexistent config file, got nil")
	}
}

func TestPermanentAppPatterns_CompilesAndMatches(t *testing.T) {
	cfg := &AppConfig{PermanentApps: []string{"^master$", "^staging-.*$"}}

	patterns, err := cfg.PermanentAppPatterns()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(patterns) != 2 {
		t.Fatalf("got %d patterns, want 2", len(patterns))
	}
	if !patterns[1].MatchString("staging-42") {
		t.Errorf("expected staging-42 to match %q", patterns[1].String())
	}
}

func TestPermanentAppPatterns_InvalidRegex(t *testing.T) {
	cfg := &AppConfig{PermanentApps: []string{"("}}
	if _, err := cfg.PermanentAppPatterns(); err == nil {
		t.Fatal("expected an error for an invalid regex, got nil")
	}
}

func TestBusyHoursSchedule_EmptyDisablesPause(t *testing.T) {
	cfg := &AppConfig{}
	schedule, err := cfg.BusyHoursSchedule()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if schedule != nil {
		t.Errorf("expected a nil schedule when busy_hours_cron is unset, got %v", schedule)
	}
}

func TestBusyHoursSchedule_InvalidCron(t *testing.T) {
	cfg := &AppConfig{BusyHoursCron: "not a cron expression"}
	if _, err := cfg.BusyHoursSchedule(); err == nil {
		t.Fatal("expected an error for an invalid cron expression, got nil")
	}
}

func TestRegistryAuth(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
registry:
  auth:
    registry.example.com:
      username: deployer
      password: secret
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	auth := cfg.RegistryAuth()
	cred, ok := auth["registry.example.com"]
	if !ok {
		t.Fatalf("expected a credential for registry.example.com, got %v", auth)
	}
	if cred.Username != "deployer" || cred.Password != "secret" {
		t.Errorf("got %+v, want deployer/secret", cred)
	}
}
