// ABOUTME: HTTP API handlers for agents working the inbox
// ABOUTME: Conversations, replies, status changes and macros; identity comes from the bearer token

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-inbox/internal/auth"
	"github.com/2389/coven-inbox/internal/conversation"
	"github.com/2389/coven-inbox/internal/outbound"
	"github.com/2389/coven-inbox/internal/store"
)

// ConversationResponse is the JSON form of a conversation.
type ConversationResponse struct {
	ID              string         `json:"id"`
	PersonID        string         `json:"person_id"`
	ChannelType     string         `json:"channel_type"`
	Status          string         `json:"status"`
	IsActive        bool           `json:"is_active"`
	AssignedAgentID string         `json:"assigned_agent_id,omitempty"`
	Tags            []string       `json:"tags"`
	SnoozedUntil    string         `json:"snoozed_until,omitempty"`
	LastMessageAt   string         `json:"last_message_at,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       string         `json:"created_at"`
	UpdatedAt       string         `json:"updated_at"`
}

// MessageResponse is the JSON form of a message.
type MessageResponse struct {
	ID               string         `json:"id"`
	ConversationID   string         `json:"conversation_id"`
	ChannelType      string         `json:"channel_type"`
	Direction        string         `json:"direction"`
	Status           string         `json:"status"`
	ExternalID       string         `json:"external_id,omitempty"`
	ReplyToMessageID string         `json:"reply_to_message_id,omitempty"`
	ChannelTargetID  string         `json:"channel_target_id,omitempty"`
	ContactAddress   string         `json:"contact_address,omitempty"`
	Subject          string         `json:"subject,omitempty"`
	Body             string         `json:"body"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	SentAt           string         `json:"sent_at,omitempty"`
	ReceivedAt       string         `json:"received_at,omitempty"`
	CreatedAt        string         `json:"created_at"`
}

// NoteResponse is the JSON form of an internal note.
type NoteResponse struct {
	ID            string `json:"id"`
	AuthorAgentID string `json:"author_agent_id"`
	Body          string `json:"body"`
	CreatedAt     string `json:"created_at"`
}

// ConversationDetailResponse is the JSON response for GET /api/conversations/{id}.
type ConversationDetailResponse struct {
	Conversation ConversationResponse `json:"conversation"`
	Messages     []MessageResponse    `json:"messages"`
	Notes        []NoteResponse       `json:"notes"`
}

// ListConversationsResponse is the JSON response for GET /api/conversations.
type ListConversationsResponse struct {
	Conversations []ConversationResponse `json:"conversations"`
}

// SendMessageRequest is the JSON request body for POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Body            string         `json:"body"`
	Subject         string         `json:"subject,omitempty"`
	ChannelType     string         `json:"channel_type,omitempty"`
	ChannelTargetID string         `json:"channel_target_id,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// SendMessageResponse is the JSON response for a reply. Error is set when
// the provider failed and the message was stored as failed.
type SendMessageResponse struct {
	Message MessageResponse `json:"message"`
	Error   string          `json:"error,omitempty"`
}

// SetStatusRequest is the JSON request body for POST /api/conversations/{id}/status.
type SetStatusRequest struct {
	Status       string `json:"status"`
	SnoozedUntil string `json:"snoozed_until,omitempty"` // RFC 3339, required for snoozed
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func toConversationResponse(c *store.Conversation) ConversationResponse {
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	return ConversationResponse{
		ID:              c.ID,
		PersonID:        c.PersonID,
		ChannelType:     c.ChannelType,
		Status:          c.Status,
		IsActive:        c.IsActive,
		AssignedAgentID: c.AssignedAgentID,
		Tags:            tags,
		SnoozedUntil:    formatTimePtr(c.SnoozedUntil),
		LastMessageAt:   formatTimePtr(c.LastMessageAt),
		Metadata:        c.Metadata,
		CreatedAt:       formatTime(c.CreatedAt),
		UpdatedAt:       formatTime(c.UpdatedAt),
	}
}

func toMessageResponse(m *store.Message) MessageResponse {
	return MessageResponse{
		ID:               m.ID,
		ConversationID:   m.ConversationID,
		ChannelType:      m.ChannelType,
		Direction:        m.Direction,
		Status:           m.Status,
		ExternalID:       m.ExternalID,
		ReplyToMessageID: m.ReplyToMessageID,
		ChannelTargetID:  m.ChannelTargetID,
		ContactAddress:   m.ContactAddress,
		Subject:          m.Subject,
		Body:             m.Body,
		Metadata:         m.Metadata,
		SentAt:           formatTimePtr(m.SentAt),
		ReceivedAt:       formatTimePtr(m.ReceivedAt),
		CreatedAt:        formatTime(m.CreatedAt),
	}
}

// parseLimit reads ?limit=N with a default and a cap of 1000.
func parseLimit(r *http.Request, def int) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, 1000), nil
}

// handleListConversations handles GET /api/conversations.
// Filters: ?status=, ?channel=, ?assigned=<agent id|me>, ?all=true for inactive too.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	agentID := auth.AgentFromContext(r.Context())
	q := r.URL.Query()

	limit, err := parseLimit(r, 100)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	f := store.ConversationFilter{ActiveOnly: q.Get("all") != "true", Limit: limit}
	if s := q.Get("status"); s != "" {
		if !conversation.Status(s).Valid() {
			g.sendJSONError(w, http.StatusBadRequest, "unknown status "+s)
			return
		}
		f.Status = &s
	}
	if c := q.Get("channel"); c != "" {
		f.ChannelType = &c
	}
	if a := q.Get("assigned"); a != "" {
		if a == "me" {
			a = agentID
		}
		f.AssignedAgentID = &a
	}

	key := fmt.Sprintf("%s|%s", agentID, r.URL.RawQuery)
	convs, ok := g.inbox.Get(key)
	if !ok {
		convs, err = g.store.ListConversations(r.Context(), f)
		if err != nil {
			g.writeError(w, err)
			return
		}
		g.inbox.Set(key, convs)
	}

	resp := ListConversationsResponse{Conversations: make([]ConversationResponse, len(convs))}
	for i, c := range convs {
		resp.Conversations[i] = toConversationResponse(c)
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleGetConversation handles GET /api/conversations/{id}.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := g.conversations.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeError(w, err)
		return
	}

	limit, err := parseLimit(r, 200)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	messages, err := g.store.ListMessages(r.Context(), conv.ID, limit)
	if err != nil {
		g.writeError(w, err)
		return
	}
	notes, err := g.store.ListNotes(r.Context(), conv.ID)
	if err != nil {
		g.writeError(w, err)
		return
	}

	resp := ConversationDetailResponse{
		Conversation: toConversationResponse(conv),
		Messages:     make([]MessageResponse, len(messages)),
		Notes:        make([]NoteResponse, len(notes)),
	}
	for i, m := range messages {
		resp.Messages[i] = toMessageResponse(m)
	}
	for i, n := range notes {
		resp.Notes[i] = NoteResponse{
			ID:            n.ID,
			AuthorAgentID: n.AuthorAgentID,
			Body:          n.Body,
			CreatedAt:     formatTime(n.CreatedAt),
		}
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// handleSendMessage handles POST /api/conversations/{id}/messages.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Body == "" {
		g.sendJSONError(w, http.StatusBadRequest, "body is required")
		return
	}

	msg, err := g.sender.Send(r.Context(), outbound.Request{
		ConversationID: r.PathValue("id"),
		ChannelType:    req.ChannelType,
		TargetID:       req.ChannelTargetID,
		Subject:        req.Subject,
		Body:           req.Body,
		AgentID:        auth.AgentFromContext(r.Context()),
		Metadata:       req.Metadata,
	})
	if msg != nil {
		g.inbox.Purge()
	}
	switch {
	case err == nil:
		g.sendJSON(w, http.StatusCreated, SendMessageResponse{Message: toMessageResponse(msg)})
	case msg != nil:
		g.sendJSON(w, http.StatusBadGateway, SendMessageResponse{Message: toMessageResponse(msg), Error: err.Error()})
	default:
		g.writeError(w, err)
	}
}

// handleSetStatus handles POST /api/conversations/{id}/status.
func (g *Gateway) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req SetStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	to := conversation.Status(req.Status)
	if !to.Valid() {
		g.sendJSONError(w, http.StatusBadRequest, "unknown status "+req.Status)
		return
	}

	conv, err := g.conversations.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeError(w, err)
		return
	}

	if to == conversation.StatusSnoozed {
		until, perr := time.Parse(time.RFC3339, req.SnoozedUntil)
		if perr != nil {
			g.sendJSONError(w, http.StatusBadRequest, "snoozed_until must be an RFC 3339 time")
			return
		}
		err = g.conversations.Snooze(r.Context(), conv, until)
	} else {
		err = g.conversations.Transition(r.Context(), conv, to)
	}
	if err != nil {
		g.writeError(w, err)
		return
	}

	g.inbox.Purge()
	g.logger.Info("conversation status set",
		"conversation_id", conv.ID,
		"status", conv.Status,
		"agent_id", auth.AgentFromContext(r.Context()))
	g.sendJSON(w, http.StatusOK, toConversationResponse(conv))
}
