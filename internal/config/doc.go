// Package config handles configuration loading for coven-relay.
//
// # Overview
//
// Configuration is loaded from a single YAML or TOML file, selected by the
// file extension, with environment variable expansion applied to the raw
// content before decoding.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven-relay/config.yaml
//  3. ~/.config/coven-relay/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	frontends:
//	  slack:
//	    app_token: "${SLACK_APP_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	runtime:
//	  execute_timeout: "10m"
//	  approval_timeout: "300s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Agent runtime:
//
//	runtime:
//	  base_url: "http://localhost:8591"
//	  execute_timeout: "10m"
//	  approval_timeout: "300s"
//
// Frontends (at least one must be enabled):
//
//	frontends:
//	  slack:
//	    enabled: true
//	    app_token: "${SLACK_APP_TOKEN}"
//	    bot_token: "${SLACK_BOT_TOKEN}"
//	    allowed_channels: ["C0123456789"]
//	    collapse_threads: false
//	    progress_reaction: "loading"
//	  matrix:
//	    enabled: false
//	    homeserver: "https://matrix.org"
//	    user_id: "@relay:matrix.org"
//	    access_token: "${MATRIX_ACCESS_TOKEN}"
//	    allowed_rooms: ["!room:matrix.org"]
//
// Decision ledger (empty path disables persistence):
//
//	ledger:
//	  path: "/var/lib/coven-relay/ledger.db"
//
// Ops endpoints:
//
//	ops:
//	  enabled: true
//	  addr: "127.0.0.1:8583"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
