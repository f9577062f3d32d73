// ABOUTME: Authentication context for tracking the calling agent through handlers
// ABOUTME: Provides WithAgent/AgentFromContext for propagating identity via context

package auth

import "context"

type agentContextKey struct{}

// WithAgent returns a new context carrying the authenticated agent id.
func WithAgent(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentContextKey{}, agentID)
}

// AgentFromContext returns the authenticated agent id, or "" if none.
func AgentFromContext(ctx context.Context) string {
	id, _ := ctx.Value(agentContextKey{}).(string)
	return id
}
