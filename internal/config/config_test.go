package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil, filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Profile != ProfileSandbox {
		t.Fatalf("expected default profile %q, got %q", ProfileSandbox, cfg.Profile)
	}
	if cfg.TickInterval != 30*time.Second {
		t.Fatalf("expected default tick interval 30s, got %s", cfg.TickInterval)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ralph.yaml")
	contents := "profile: prod\nstate_db_path: /var/lib/ralph/state.db\ntick_interval: 1m\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(nil, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Profile != ProfileProd {
		t.Fatalf("expected prod profile, got %q", cfg.Profile)
	}
	if cfg.StateDBPath != "/var/lib/ralph/state.db" {
		t.Fatalf("expected overridden state db path, got %q", cfg.StateDBPath)
	}
	if cfg.TickInterval != time.Minute {
		t.Fatalf("expected overridden tick interval, got %s", cfg.TickInterval)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ralph.yaml")
	if err := os.WriteFile(path, []byte("state_db_path: /from/file.db\n"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("RALPH_STATE_DB_PATH", "/from/env.db")

	cfg, err := Load(nil, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StateDBPath != "/from/env.db" {
		t.Fatalf("expected env to win over file, got %q", cfg.StateDBPath)
	}
}

func TestLoadFlagOverridesEnv(t *testing.T) {
	t.Setenv("RALPH_LOG_LEVEL", "warn")

	cmd := &cobra.Command{Use: "ralphd"}
	cmd.Flags().String("log_level", "info", "")
	if err := cmd.Flags().Set("log_level", "debug"); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	cfg, err := Load(cmd, filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected flag to win over env, got %q", cfg.LogLevel)
	}
}

func TestLoadRejectsUnknownProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ralph.yaml")
	if err := os.WriteFile(path, []byte("profile: staging\n"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	if _, err := Load(nil, path); err == nil {
		t.Fatalf("expected an error for an unknown profile")
	}
}
