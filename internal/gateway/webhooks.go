// ABOUTME: Inbound webhook endpoints for email and WhatsApp deliveries
// ABOUTME: Guards ingress with a per-source token bucket and runs payloads through the pipeline

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/coven-inbox/internal/inbound"
)

// maxWebhookBody bounds a webhook request body.
const maxWebhookBody = 1 << 20

// maxIngressSources caps the number of tracked source addresses.
const maxIngressSources = 4096

type ingressEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ingressLimiter keeps one token bucket per source address. A bucket idle
// long enough to have refilled is indistinguishable from a new one and may
// be dropped.
type ingressLimiter struct {
	mu      sync.Mutex
	m       map[string]*ingressEntry
	rps     float64
	burst   int
	idle    time.Duration
	maxKeys int
	now     func() time.Time
}

func newIngressLimiter(rps float64, burst int) *ingressLimiter {
	if rps <= 0 {
		rps = 50
	}
	if burst <= 0 {
		burst = 100
	}
	idle := time.Duration(float64(burst) / rps * float64(time.Second))
	if idle < time.Minute {
		idle = time.Minute
	}
	return &ingressLimiter{
		m:       make(map[string]*ingressEntry),
		rps:     rps,
		burst:   burst,
		idle:    idle,
		maxKeys: maxIngressSources,
		now:     time.Now,
	}
}

func (p *ingressLimiter) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if e, ok := p.m[key]; ok {
		e.lastSeen = now
		return e.limiter
	}
	if len(p.m) >= p.maxKeys {
		p.prune(now)
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = &ingressEntry{limiter: l, lastSeen: now}
	return l
}

// prune drops idle sources, then arbitrary ones while still at the cap.
func (p *ingressLimiter) prune(now time.Time) {
	for k, e := range p.m {
		if now.Sub(e.lastSeen) >= p.idle {
			delete(p.m, k)
		}
	}
	for k := range p.m {
		if len(p.m) < p.maxKeys {
			break
		}
		delete(p.m, k)
	}
}

// Allow reports whether a request from key may proceed now.
func (p *ingressLimiter) Allow(key string) bool {
	return p.get(key).Allow()
}

// Len returns the number of tracked sources.
func (p *ingressLimiter) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// sourceKey identifies the caller by remote host.
func sourceKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// limitIngress rejects requests over the per-source rate with 429.
func (g *Gateway) limitIngress(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.ingress.Allow(sourceKey(r)) {
			w.Header().Set("Retry-After", "1")
			g.sendJSONError(w, http.StatusTooManyRequests, "too many webhook requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WebhookResponse is the JSON response for an accepted webhook delivery.
type WebhookResponse struct {
	Status         string `json:"status"` // "proceed", "duplicate" or "skip"
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// handleEmailWebhook handles POST /webhooks/email.
func (g *Gateway) handleEmailWebhook(w http.ResponseWriter, r *http.Request) {
	var p inbound.EmailPayload
	if !g.decodeWebhook(w, r, &p) {
		return
	}
	g.ingest(r.Context(), w, &p)
}

// handleWhatsAppWebhook handles POST /webhooks/whatsapp.
func (g *Gateway) handleWhatsAppWebhook(w http.ResponseWriter, r *http.Request) {
	var p inbound.WhatsAppPayload
	if !g.decodeWebhook(w, r, &p) {
		return
	}
	g.ingest(r.Context(), w, &p)
}

func (g *Gateway) decodeWebhook(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.sendJSONError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return false
		}
		g.sendJSONError(w, http.StatusBadRequest, "reading body failed")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (g *Gateway) ingest(ctx context.Context, w http.ResponseWriter, p inbound.Payload) {
	res, err := g.pipeline.Ingest(ctx, p)
	if err != nil {
		g.writeError(w, err)
		return
	}

	resp := WebhookResponse{
		Status:         res.Kind.String(),
		ConversationID: res.ConversationID(),
		Reason:         res.Reason,
	}
	if res.Message != nil {
		resp.MessageID = res.Message.ID
	}
	status := http.StatusOK
	if res.Kind == inbound.KindProceed {
		status = http.StatusCreated
	}
	g.sendJSON(w, status, resp)
}

// ingestBridgeMessage feeds messages read from the WhatsApp bridge into the pipeline.
func (g *Gateway) ingestBridgeMessage(ctx context.Context, p *inbound.WhatsAppPayload) {
	res, err := g.pipeline.Ingest(ctx, p)
	if err != nil {
		g.logger.Warn("bridge message rejected", "from", p.From, "error", err)
		return
	}
	g.logger.Debug("bridge message ingested", "status", res.Kind.String(), "conversation_id", res.ConversationID())
}
