// ABOUTME: Configuration loading and validation for coven-relay.
// ABOUTME: YAML or TOML selected by extension, with env expansion and duration parsing.

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when the file leaves a field empty.
const (
	DefaultApprovalTimeout = 300 * time.Second
	DefaultExecuteTimeout  = 10 * time.Minute
	DefaultOpsAddr         = "127.0.0.1:8583"
	DefaultProgressEmoji   = "loading"
)

// Config is the complete relay configuration.
type Config struct {
	Runtime   RuntimeConfig   `yaml:"runtime" toml:"runtime"`
	Frontends FrontendsConfig `yaml:"frontends" toml:"frontends"`
	Ledger    LedgerConfig    `yaml:"ledger" toml:"ledger"`
	Ops       OpsConfig       `yaml:"ops" toml:"ops"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// RuntimeConfig locates the agent runtime and bounds its operations.
type RuntimeConfig struct {
	BaseURL string `yaml:"base_url" toml:"base_url"`

	ExecuteTimeout  time.Duration `yaml:"-" toml:"-"`
	ApprovalTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for file unmarshaling
	ExecuteTimeoutRaw  string `yaml:"execute_timeout" toml:"execute_timeout"`
	ApprovalTimeoutRaw string `yaml:"approval_timeout" toml:"approval_timeout"`
}

// FrontendsConfig holds configuration for all platform frontends.
type FrontendsConfig struct {
	Slack  SlackConfig  `yaml:"slack" toml:"slack"`
	Matrix MatrixConfig `yaml:"matrix" toml:"matrix"`
}

// SlackConfig holds the Slack Socket Mode frontend configuration.
type SlackConfig struct {
	Enabled          bool     `yaml:"enabled" toml:"enabled"`
	AppToken         string   `yaml:"app_token" toml:"app_token"`
	BotToken         string   `yaml:"bot_token" toml:"bot_token"`
	AllowedChannels  []string `yaml:"allowed_channels" toml:"allowed_channels"`
	CollapseThreads  bool     `yaml:"collapse_threads" toml:"collapse_threads"`
	ProgressReaction string   `yaml:"progress_reaction" toml:"progress_reaction"`
}

// MatrixConfig holds the Matrix frontend configuration.
type MatrixConfig struct {
	Enabled         bool       `yaml:"enabled" toml:"enabled"`
	Homeserver      string     `yaml:"homeserver" toml:"homeserver"`
	UserID          string     `yaml:"user_id" toml:"user_id"`
	AccessToken     string     `yaml:"access_token" toml:"access_token"`
	AllowedRooms    []string   `yaml:"allowed_rooms" toml:"allowed_rooms"`
	CollapseThreads bool       `yaml:"collapse_threads" toml:"collapse_threads"`
	E2EE            E2EEConfig `yaml:"e2ee" toml:"e2ee"`
}

// E2EEConfig enables end-to-end encryption for the Matrix frontend.
type E2EEConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	PickleKey string `yaml:"pickle_key" toml:"pickle_key"`
	StorePath string `yaml:"store_path" toml:"store_path"`
}

// LedgerConfig locates the decision ledger database. An empty path disables
// persistence.
type LedgerConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// OpsConfig holds the operational HTTP endpoint configuration.
type OpsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
}

// TailscaleConfig holds tsnet configuration for serving the ops endpoints
// on a tailnet instead of a local address.
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// DefaultPath returns the config file path.
// Priority: COVEN_RELAY_CONFIG env var > XDG_CONFIG_HOME/coven-relay/config.yaml
// > ~/.config/coven-relay/config.yaml
func DefaultPath() string {
	if envPath := os.Getenv("COVEN_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven-relay", "config.yaml")
}

// Load reads the configuration file at path. The format follows the file
// extension: .toml decodes as TOML, everything else as YAML. Environment
// variables in ${VAR_NAME} form are expanded on the raw content before
// decoding, and duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Runtime.ExecuteTimeoutRaw != "" {
		cfg.Runtime.ExecuteTimeout, err = time.ParseDuration(cfg.Runtime.ExecuteTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing execute_timeout %q: %w", cfg.Runtime.ExecuteTimeoutRaw, err)
		}
	}

	if cfg.Runtime.ApprovalTimeoutRaw != "" {
		cfg.Runtime.ApprovalTimeout, err = time.ParseDuration(cfg.Runtime.ApprovalTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing approval_timeout %q: %w", cfg.Runtime.ApprovalTimeoutRaw, err)
		}
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Runtime.ExecuteTimeout == 0 {
		c.Runtime.ExecuteTimeout = DefaultExecuteTimeout
	}
	if c.Runtime.ApprovalTimeout == 0 {
		c.Runtime.ApprovalTimeout = DefaultApprovalTimeout
	}
	if c.Frontends.Slack.ProgressReaction == "" {
		c.Frontends.Slack.ProgressReaction = DefaultProgressEmoji
	}
	if c.Ops.Enabled && c.Ops.Addr == "" && !c.Tailscale.Enabled {
		c.Ops.Addr = DefaultOpsAddr
	}
}

// Validate checks that all required configuration fields are present and
// valid. Returns an error describing the first failure encountered.
func (c *Config) Validate() error {
	if c.Runtime.BaseURL == "" {
		return fmt.Errorf("runtime.base_url is required")
	}
	u, err := url.Parse(c.Runtime.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("runtime.base_url %q is not a valid URL", c.Runtime.BaseURL)
	}

	if !c.Frontends.Slack.Enabled && !c.Frontends.Matrix.Enabled {
		return fmt.Errorf("at least one frontend must be enabled")
	}

	if c.Frontends.Slack.Enabled {
		if !strings.HasPrefix(c.Frontends.Slack.AppToken, "xapp-") {
			return fmt.Errorf("frontends.slack.app_token must start with xapp-")
		}
		if !strings.HasPrefix(c.Frontends.Slack.BotToken, "xoxb-") {
			return fmt.Errorf("frontends.slack.bot_token must start with xoxb-")
		}
	}

	if c.Frontends.Matrix.Enabled {
		if c.Frontends.Matrix.Homeserver == "" {
			return fmt.Errorf("frontends.matrix.homeserver is required")
		}
		if c.Frontends.Matrix.UserID == "" {
			return fmt.Errorf("frontends.matrix.user_id is required")
		}
		if c.Frontends.Matrix.AccessToken == "" {
			return fmt.Errorf("frontends.matrix.access_token is required")
		}
		if c.Frontends.Matrix.E2EE.Enabled && c.Frontends.Matrix.E2EE.PickleKey == "" {
			return fmt.Errorf("frontends.matrix.e2ee.pickle_key is required when e2ee is enabled")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	return nil
}
