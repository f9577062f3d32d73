// Package gateway wires the conversation engine together and serves it over HTTP.
//
// # Overview
//
// Gateway owns every component: the SQLite store, the inbound pipeline,
// the outbound sender with its rate limiter and circuit breakers, macros,
// routing, agent notifiers, the snooze waker and the WhatsApp bridge. New
// builds it from a config.Config; Run serves until the context is canceled
// and then shuts everything down in order.
//
// # HTTP Surface
//
// Webhooks (shared secret, per-source token bucket):
//
//	POST /webhooks/email
//	POST /webhooks/whatsapp
//
// Agent API (bearer JWT when auth.jwt_secret is set, X-Agent-ID otherwise):
//
//	GET    /api/conversations
//	GET    /api/conversations/{id}
//	POST   /api/conversations/{id}/messages
//	POST   /api/conversations/{id}/status
//	POST   /api/conversations/{id}/macros/{macroID}
//	GET    /api/macros
//	POST   /api/macros
//	PUT    /api/macros/{id}
//	DELETE /api/macros/{id}
//	GET    /api/events
//
// Plus GET /health and, when enabled, the Prometheus endpoint.
//
// # After-Commit Hooks
//
// Every newly stored inbound message runs, in order: routing, inbox cache
// invalidation, event broadcast, agent notification and the domain event
// log. Hook failures are logged and never undo ingestion.
//
// # Listeners
//
// With tailscale.enabled the server listens on :80 of a tsnet node;
// otherwise on server.http_addr.
package gateway
