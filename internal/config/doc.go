// Package config handles configuration loading for triage-gateway.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from TRIAGE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/triage/gateway.yaml
//  3. ~/.config/triage/gateway.yaml
//
// Files ending in .toml are decoded as TOML; anything else is YAML. The
// section and key names are the same in both formats.
//
// # Environment Variable Expansion
//
// Values can reference environment variables, expanded before parsing:
//
//	auth:
//	  jwt_secret: "${TRIAGE_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Durations
//
// Timeouts are written as Go duration strings ("30s", "10m") and exposed
// as time.Duration fields after Load.
//
// # Sections
//
//   - server: http_addr, shutdown_timeout
//   - database: driver (sqlite|postgres), path, dsn
//   - routing: threshold, turn_timeout, send_timeout
//   - classifier: provider (keyword|http|openai), url, api_key, model, timeout
//   - commerce: provider (demo|http), base_url, api_key, timeout
//   - escalation: queue (store|webhook|none), webhook_url, secret, enqueue_timeout
//   - auth: jwt_secret (empty disables authentication)
//   - replay: ttl, max_entries
//   - logging: level, format (text|json)
//
// Everything except server.http_addr and the database location has a
// default. Validate reports the first problem found, wrapped in ErrInvalid.
package config
