// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, durations, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
runtime:
  base_url: "http://localhost:8591"
  execute_timeout: "5m"
  approval_timeout: "120s"

frontends:
  slack:
    enabled: true
    app_token: "xapp-test"
    bot_token: "xoxb-test"
    allowed_channels:
      - "C0001"
      - "C0002"
    collapse_threads: true
    progress_reaction: "hourglass"

  matrix:
    enabled: false
    homeserver: "https://matrix.org"
    user_id: "@relay:matrix.org"
    access_token: "matrix-token"
    allowed_rooms:
      - "!room1:matrix.org"

ledger:
  path: "./relay.db"

ops:
  enabled: true
  addr: "127.0.0.1:9999"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Runtime.BaseURL != "http://localhost:8591" {
		t.Errorf("base_url = %q", cfg.Runtime.BaseURL)
	}
	if cfg.Runtime.ExecuteTimeout != 5*time.Minute {
		t.Errorf("execute_timeout = %v, want 5m", cfg.Runtime.ExecuteTimeout)
	}
	if cfg.Runtime.ApprovalTimeout != 120*time.Second {
		t.Errorf("approval_timeout = %v, want 120s", cfg.Runtime.ApprovalTimeout)
	}
	if !cfg.Frontends.Slack.Enabled {
		t.Error("slack should be enabled")
	}
	if len(cfg.Frontends.Slack.AllowedChannels) != 2 {
		t.Errorf("allowed_channels = %v", cfg.Frontends.Slack.AllowedChannels)
	}
	if !cfg.Frontends.Slack.CollapseThreads {
		t.Error("collapse_threads should be true")
	}
	if cfg.Frontends.Slack.ProgressReaction != "hourglass" {
		t.Errorf("progress_reaction = %q", cfg.Frontends.Slack.ProgressReaction)
	}
	if cfg.Frontends.Matrix.Enabled {
		t.Error("matrix should be disabled")
	}
	if cfg.Ledger.Path != "./relay.db" {
		t.Errorf("ledger.path = %q", cfg.Ledger.Path)
	}
	if cfg.Ops.Addr != "127.0.0.1:9999" {
		t.Errorf("ops.addr = %q", cfg.Ops.Addr)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[runtime]
base_url = "http://localhost:8591"
approval_timeout = "90s"

[frontends.matrix]
enabled = true
homeserver = "https://matrix.org"
user_id = "@relay:matrix.org"
access_token = "matrix-token"
allowed_rooms = ["!room1:matrix.org"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !cfg.Frontends.Matrix.Enabled {
		t.Error("matrix should be enabled")
	}
	if cfg.Frontends.Matrix.Homeserver != "https://matrix.org" {
		t.Errorf("homeserver = %q", cfg.Frontends.Matrix.Homeserver)
	}
	if cfg.Runtime.ApprovalTimeout != 90*time.Second {
		t.Errorf("approval_timeout = %v, want 90s", cfg.Runtime.ApprovalTimeout)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_RELAY_APP_TOKEN", "xapp-from-env")
	t.Setenv("TEST_RELAY_BOT_TOKEN", "xoxb-from-env")

	path := writeConfig(t, "config.yaml", `
runtime:
  base_url: "http://localhost:8591"
frontends:
  slack:
    enabled: true
    app_token: "${TEST_RELAY_APP_TOKEN}"
    bot_token: "${TEST_RELAY_BOT_TOKEN}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Frontends.Slack.AppToken != "xapp-from-env" {
		t.Errorf("app_token = %q", cfg.Frontends.Slack.AppToken)
	}
	if cfg.Frontends.Slack.BotToken != "xoxb-from-env" {
		t.Errorf("bot_token = %q", cfg.Frontends.Slack.BotToken)
	}
}

func TestLoad_UnsetEnvVarExpandsEmpty(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
runtime:
  base_url: "http://localhost:8591"
frontends:
  slack:
    enabled: true
    app_token: "${DEFINITELY_UNSET_RELAY_VAR}"
    bot_token: "xoxb-test"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for empty app token")
	}
	if !strings.Contains(err.Error(), "app_token") {
		t.Errorf("error = %v, want app_token complaint", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
runtime:
  base_url: "http://localhost:8591"
frontends:
  slack:
    enabled: true
    app_token: "xapp-test"
    bot_token: "xoxb-test"
ops:
  enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Runtime.ExecuteTimeout != DefaultExecuteTimeout {
		t.Errorf("execute_timeout = %v", cfg.Runtime.ExecuteTimeout)
	}
	if cfg.Runtime.ApprovalTimeout != DefaultApprovalTimeout {
		t.Errorf("approval_timeout = %v", cfg.Runtime.ApprovalTimeout)
	}
	if cfg.Frontends.Slack.ProgressReaction != DefaultProgressEmoji {
		t.Errorf("progress_reaction = %q", cfg.Frontends.Slack.ProgressReaction)
	}
	if cfg.Ops.Addr != DefaultOpsAddr {
		t.Errorf("ops.addr = %q", cfg.Ops.Addr)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
runtime:
  base_url: "http://localhost:8591"
  execute_timeout: "not-a-duration"
frontends:
  slack:
    enabled: true
    app_token: "xapp-test"
    bot_token: "xoxb-test"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "execute_timeout") {
		t.Errorf("error = %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Runtime: RuntimeConfig{BaseURL: "http://localhost:8591"},
			Frontends: FrontendsConfig{
				Slack: SlackConfig{Enabled: true, AppToken: "xapp-x", BotToken: "xoxb-x"},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing base url", func(c *Config) { c.Runtime.BaseURL = "" }, "base_url"},
		{"malformed base url", func(c *Config) { c.Runtime.BaseURL = "not a url" }, "base_url"},
		{"no frontend", func(c *Config) { c.Frontends.Slack.Enabled = false }, "at least one frontend"},
		{"bad app token", func(c *Config) { c.Frontends.Slack.AppToken = "xoxb-wrong" }, "xapp-"},
		{"bad bot token", func(c *Config) { c.Frontends.Slack.BotToken = "xapp-wrong" }, "xoxb-"},
		{"matrix missing homeserver", func(c *Config) {
			c.Frontends.Matrix = MatrixConfig{Enabled: true, UserID: "@r:m.org", AccessToken: "t"}
		}, "homeserver"},
		{"matrix e2ee missing pickle key", func(c *Config) {
			c.Frontends.Matrix = MatrixConfig{
				Enabled: true, Homeserver: "https://m.org", UserID: "@r:m.org", AccessToken: "t",
				E2EE: E2EEConfig{Enabled: true},
			}
		}, "pickle_key"},
		{"tailscale missing hostname", func(c *Config) { c.Tailscale.Enabled = true }, "hostname"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate failed: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultPath_EnvOverride(t *testing.T) {
	t.Setenv("COVEN_RELAY_CONFIG", "/etc/coven-relay/custom.toml")
	if got := DefaultPath(); got != "/etc/coven-relay/custom.toml" {
		t.Errorf("DefaultPath = %q", got)
	}
}

func TestDefaultPath_XDG(t *testing.T) {
	t.Setenv("COVEN_RELAY_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	want := filepath.Join("/tmp/xdg", "coven-relay", "config.yaml")
	if got := DefaultPath(); got != want {
		t.Errorf("DefaultPath = %q, want %q", got, want)
	}
}
