// ABOUTME: Server-Sent Events stream of conversation and inbox events
// ABOUTME: Subscribes to the broadcaster and forwards events until the client leaves

package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/2389/coven-inbox/internal/conversation"
)

// sseKeepAlive is how often a comment line is written to idle streams.
const sseKeepAlive = 25 * time.Second

// EventResponse is the JSON data of one SSE event.
type EventResponse struct {
	ID             string                `json:"id"`
	Type           string                `json:"type"`
	ConversationID string                `json:"conversation_id"`
	Conversation   *ConversationResponse `json:"conversation,omitempty"`
	Message        *MessageResponse      `json:"message,omitempty"`
	At             string                `json:"at"`
}

func toEventResponse(ev *conversation.Event) EventResponse {
	resp := EventResponse{
		ID:             ev.ID,
		Type:           string(ev.Type),
		ConversationID: ev.ConversationID,
		At:             formatTime(ev.At),
	}
	if ev.Conversation != nil {
		c := toConversationResponse(ev.Conversation)
		resp.Conversation = &c
	}
	if ev.Message != nil {
		m := toMessageResponse(ev.Message)
		resp.Message = &m
	}
	return resp
}

// formatSSEEvent formats a single SSE frame.
func formatSSEEvent(eventType, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

// handleEvents handles GET /api/events. With ?conversation_id= it streams
// that conversation's events, otherwise the inbox topic.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	topic := conversation.InboxTopic
	if id := r.URL.Query().Get("conversation_id"); id != "" {
		topic = id
	}

	events, _ := g.broadcaster.Subscribe(r.Context(), topic)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := jsonString(toEventResponse(ev))
			if err != nil {
				g.logger.Error("failed to marshal SSE data", "error", err)
				continue
			}
			fmt.Fprint(w, formatSSEEvent(string(ev.Type), data))
			flusher.Flush()
		}
	}
}
