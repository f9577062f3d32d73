// ABOUTME: HTTP route table for webhooks, the agent API, health and metrics
// ABOUTME: Agent routes sit behind JWT auth when a secret is configured

package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/2389/coven-inbox/internal/auth"
)

// AgentHeader names the calling agent when auth is disabled.
const AgentHeader = "X-Agent-ID"

// headerAgent trusts AgentHeader for identity. Only used without a JWT secret.
func headerAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(auth.WithAgent(r.Context(), r.Header.Get(AgentHeader))))
	})
}

func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", g.handleHealth)
	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}

	webhook := func(h http.HandlerFunc) http.Handler {
		return g.limitIngress(auth.WebhookSecretMiddleware(g.config.Webhooks.Secret)(h))
	}
	mux.Handle("POST /webhooks/email", webhook(g.handleEmailWebhook))
	mux.Handle("POST /webhooks/whatsapp", webhook(g.handleWhatsAppWebhook))

	agentAuth := headerAgent
	if g.verifier != nil {
		agentAuth = auth.HTTPAuthMiddleware(g.verifier, g.logger)
		g.logger.Info("HTTP auth middleware enabled")
	} else {
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}
	api := func(h http.HandlerFunc) http.Handler { return agentAuth(h) }

	mux.Handle("GET /api/conversations", api(g.handleListConversations))
	mux.Handle("GET /api/conversations/{id}", api(g.handleGetConversation))
	mux.Handle("POST /api/conversations/{id}/messages", api(g.handleSendMessage))
	mux.Handle("POST /api/conversations/{id}/status", api(g.handleSetStatus))
	mux.Handle("POST /api/conversations/{id}/macros/{macroID}", api(g.handleExecuteMacro))
	mux.Handle("GET /api/macros", api(g.handleListMacros))
	mux.Handle("POST /api/macros", api(g.handleCreateMacro))
	mux.Handle("PUT /api/macros/{id}", api(g.handleUpdateMacro))
	mux.Handle("DELETE /api/macros/{id}", api(g.handleDeleteMacro))
	mux.Handle("GET /api/events", api(g.handleEvents))
}

// handleHealth returns 200 OK if the store answers.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := g.store.ListChannelTargets(r.Context()); err != nil {
		g.logger.Warn("health check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func jsonString(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
