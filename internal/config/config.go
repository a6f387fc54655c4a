// Package config resolves daemon configuration in layered precedence:
// built-in defaults, then an optional YAML file, then environment
// variables, then CLI flags bound through spf13/viper — each layer
// overriding the one before it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Profile selects the storage/environment posture a daemon runs under.
type Profile string

const (
	ProfileSandbox Profile = "sandbox"
	ProfileProd    Profile = "prod"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	Profile Profile `mapstructure:"profile"`

	StateDBPath string `mapstructure:"state_db_path"`
	SessionsDir string `mapstructure:"sessions_dir"`

	OpencodeTransport string `mapstructure:"opencode_transport"`

	LogLevel   string `mapstructure:"log_level"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	SlackWebhook string `mapstructure:"slack_webhook"`
	GitHubToken  string `mapstructure:"github_token"`

	ManagedWorktreeRoot string        `mapstructure:"managed_worktree_root"`
	TickInterval        time.Duration `mapstructure:"tick_interval"`
	DaemonID            string        `mapstructure:"daemon_id"`

	OTelEndpoint string `mapstructure:"otel_endpoint"`
}

// defaults are the values used when neither a config file, an environment
// variable, nor a flag supplies one.
func defaults() *viper.Viper {
	v := viper.New()
	v.SetDefault("profile", string(ProfileSandbox))
	v.SetDefault("state_db_path", "./ralph.db")
	v.SetDefault("sessions_dir", "./.ralph/sessions")
	v.SetDefault("opencode_transport", "sdk-preferred")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("managed_worktree_root", "./.ralph/worktrees")
	v.SetDefault("tick_interval", 30*time.Second)
	v.SetDefault("daemon_id", "")
	v.SetDefault("otel_endpoint", "")
	return v
}

// envBindings maps each mapstructure key to the ambient RALPH_* variable
// that overrides it, per the environment surface this expansion names.
var envBindings = map[string]string{
	"state_db_path":      "RALPH_STATE_DB_PATH",
	"sessions_dir":       "RALPH_SESSIONS_DIR",
	"opencode_transport": "RALPH_OPENCODE_TRANSPORT",
	"log_level":          "RALPH_LOG_LEVEL",
	"metrics_addr":       "RALPH_METRICS_ADDR",
	"slack_webhook":      "RALPH_SLACK_WEBHOOK",
	"github_token":       "RALPH_GITHUB_TOKEN",
	"otel_endpoint":      "RALPH_OTEL_ENDPOINT",
}

// Load builds the layered config: defaults, then the YAML file at
// configPath (or the first of ./ralph.yaml, $HOME/ralph.yaml found when
// configPath is empty), then RALPH_* env vars, then flags already parsed
// onto cmd. A missing config file, explicit or discovered, leaves the
// defaults in place.
func Load(cmd *cobra.Command, configPath string) (*Config, error) {
	v := defaults()

	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("ralph")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("config: bind env %s: %w", env, err)
		}
	}

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.Profile = Profile(strings.ToLower(string(cfg.Profile)))
	if cfg.Profile != ProfileSandbox && cfg.Profile != ProfileProd {
		return nil, fmt.Errorf("config: unknown profile %q (want %q or %q)", cfg.Profile, ProfileSandbox, ProfileProd)
	}
	cfg.OTelEndpoint = v.GetString("otel_endpoint")
	return &cfg, nil
}
