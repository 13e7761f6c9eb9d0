// Package config handles configuration loading for coven-inbox.
//
// # Configuration File
//
// The file is YAML unless its name ends in .toml. Default location:
//
//  1. Path from the COVEN_INBOX_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/inbox.yaml (~/.config/coven/inbox.yaml)
//
// COVEN_INBOX_DB_PATH, when set, replaces database.path.
//
// # Environment Variable Expansion
//
// Values can reference environment variables with ${VAR_NAME}:
//
//	auth:
//	  jwt_secret: "${COVEN_INBOX_JWT_SECRET}"
//	channel:
//	  access_token: "${WHATSAPP_ACCESS_TOKEN}"
//
// Unset variables expand to the empty string.
//
// # Durations
//
// Duration values use time.ParseDuration syntax ("250ms", "30s", "5m").
//
// # Sections
//
//	server:
//	  http_addr: ":8080"
//	  grpc_addr: ":50051"        # optional gRPC health server
//	  shutdown_timeout: "30s"
//	database:
//	  driver: "sqlite"           # or "sqlite3" for the cgo driver
//	  path: "coven-inbox.db"
//	webhook:
//	  path: "/webhooks/whatsapp"
//	  verify_token: "..."
//	  app_secret: "..."          # enables X-Hub-Signature-256 checks
//	channel:
//	  provider: "whatsapp"       # or "log" to only log outbound messages
//	  phone_number_id: "..."
//	  access_token: "..."
//	ai:
//	  enabled: true
//	  provider: "gemini"         # or "http"
//	  model: "gemini-2.5-flash"
//	  confidence_floor: 0.7
//	  timeout: "30s"
//	  rate_limit: 5
//	  fallback_reply: "Thanks, someone will get back to you shortly."
//	pipeline:
//	  default_tenant_id: "..."
//	  default_owner_user_id: "..."
//	  timezone: "America/New_York"
//	auth:
//	  jwt_secret: "..."          # at least 32 bytes
//	logging:
//	  level: "info"
//	  format: "text"             # or "json"
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//	dedupe:
//	  ttl: "10m"
//	  max_size: 10000
//
// Zero values are replaced by defaults, except for confidence_floor and
// async_retry_attempts: leaving those out gives 0.7 and 3, while an explicit 0
// executes every proposed action or disables background store retries.
// default_owner_user_id is required when AI is enabled; actions taken on
// conversations opened by unknown contacts are assigned to that user.
package config
