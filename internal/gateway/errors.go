// ABOUTME: Maps engine errors onto HTTP status codes and JSON error bodies
// ABOUTME: Rate limits and open circuits carry a Retry-After header

package gateway

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/2389/coven-inbox/internal/breaker"
	"github.com/2389/coven-inbox/internal/conversation"
	"github.com/2389/coven-inbox/internal/inbound"
	"github.com/2389/coven-inbox/internal/macro"
	"github.com/2389/coven-inbox/internal/outbound"
	"github.com/2389/coven-inbox/internal/ratelimit"
	"github.com/2389/coven-inbox/internal/store"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error      string `json:"error"`
	Reason     string `json:"reason,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, ErrorResponse{Error: message})
}

// writeError picks the status for err. Unknown errors are logged and
// reported as 500 without detail.
func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	var (
		limited *ratelimit.RateLimitExceededError
		open    *breaker.CircuitOpenError
		denied  *conversation.TransitionDeniedError
		invalid *macro.InvalidMacroActionError
		policy  *outbound.PolicyDeniedError
	)

	switch {
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfter))
		g.sendJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "rate limit exceeded", RetryAfter: limited.RetryAfter})
	case errors.As(err, &open):
		secs := max(1, int(math.Ceil(open.RetryAfter.Seconds())))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		g.sendJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "provider unavailable", RetryAfter: secs})
	case errors.Is(err, conversation.ErrConversationNotFound):
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, macro.ErrMacroNotFound):
		g.sendJSONError(w, http.StatusNotFound, "macro not found")
	case errors.As(err, &invalid):
		g.sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid macro action", Reason: invalid.Error()})
	case errors.Is(err, macro.ErrInvalidMacro):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &denied):
		g.sendJSON(w, http.StatusConflict, ErrorResponse{Error: "transition denied", Reason: denied.Reason})
	case errors.Is(err, store.ErrConversationChanged):
		g.sendJSONError(w, http.StatusConflict, "conversation changed concurrently, retry")
	case errors.As(err, &policy):
		g.sendJSON(w, http.StatusForbidden, ErrorResponse{Error: "send denied", Reason: policy.Reason})
	case errors.Is(err, macro.ErrForbidden):
		g.sendJSONError(w, http.StatusForbidden, "macro belongs to another agent")
	case errors.Is(err, outbound.ErrNoProvider), errors.Is(err, outbound.ErrNoRecipient):
		g.sendJSONError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, inbound.ErrInvalidContact),
		errors.Is(err, inbound.ErrUnknownTarget),
		errors.Is(err, inbound.ErrUnsupportedChannel),
		errors.Is(err, inbound.ErrPayloadType):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}
