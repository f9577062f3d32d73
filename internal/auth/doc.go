// Package auth authenticates agent API calls and inbound webhooks.
//
// Agents present an HS256 JWT as a bearer token. The "sub" claim is the
// agent id; HTTPAuthMiddleware verifies the token and stores the id on the
// request context, where handlers read it with AgentFromContext.
//
// Webhook callers authenticate with a shared secret in the X-Webhook-Secret
// header. WebhookSecretMiddleware compares it in constant time and is a
// pass-through when no secret is configured.
package auth
