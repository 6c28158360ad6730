// Package config handles configuration loading for attune.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from ATTUNE_CONFIG environment variable
//  2. ./config.yaml (current directory)
//  3. ~/.config/attune/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${ATTUNE_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	engine:
//	  cancel_grace: "5s"
//	  run_timeout: "5m"
//	janitor:
//	  stale_timeout: "30m"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"  # API and WebSocket
//
// Database:
//
//	database:
//	  path: "/var/lib/attune/attune.db"
//
// Janitor (stale-task sweep):
//
//	janitor:
//	  enabled: true
//	  schedule: "*/5 * * * *"  # cron expression
//	  stale_timeout: "30m"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
