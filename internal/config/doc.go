// Package config handles configuration loading for coven-inbox.
//
// # Configuration File
//
// The path is taken from the COVEN_INBOX_CONFIG environment variable, then
// $XDG_CONFIG_HOME/coven-inbox/config.yaml, then
// ~/.config/coven-inbox/config.yaml.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_INBOX_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	breaker:
//	  failure_threshold: 5
//	  recovery_timeout: "30s"
//	cache:
//	  dedupe_ttl: "10m"
//	  inbox_ttl: "5s"
//
// # Channel Targets
//
// Targets are seeded into the store at startup and are read-only afterwards:
//
//	channels:
//	  - id: support-inbox
//	    channel_type: email
//	    address: support@acme.io
//	    default: true
//	    auth:
//	      smtp:
//	        host: smtp.acme.io
//	        from_email: support@acme.io
//	  - id: wa-main
//	    channel_type: whatsapp
//	    metadata:
//	      display_phone_number: "15551234567"
//
// # Rate Limits
//
// Outbound sends per minute, keyed by channel type. Zero or absent means
// unlimited:
//
//	rate_limits:
//	  email: 120
//	  whatsapp: 60
//
// # Validation
//
// Parse applies defaults, then checks required addresses, the JWT secret
// length, unique target ids with at most one default per channel, enabled
// providers and notifiers, and the snooze cron expression.
package config
