// Package config handles configuration loading for chorus-gateway.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from CHORUS_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/chorus/gateway.yaml
//  3. ~/.config/chorus/gateway.yaml
//
// Files ending in .toml are decoded as TOML; everything else is YAML.
//
// # Environment Variable Expansion
//
// Values can reference environment variables with ${VAR_NAME}. Unset
// variables expand to the empty string, which then picks up the default.
// CHORUS_DB_PATH overrides database.path.
//
// # Duration Parsing
//
// Durations use Go's time.ParseDuration syntax:
//
//	orchestration:
//	  push_timeout: "5s"
//	  dispatch_timeout: "2m"
//	  duplicate_ttl: "10m"
//	  stale_after: "30m"
//
// # Example
//
//	server:
//	  http_addr: "localhost:8080"
//	database:
//	  path: "~/.local/share/chorus/chorus.db"
//	logging:
//	  level: "info"
//	  format: "text"
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//	orchestration:
//	  context_window: 20
//	streaming:
//	  sink_buffer: 64
//	  tts_buffer: 32
//	agents:
//	  echo: ["parrot"]
package config
