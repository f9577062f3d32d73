// ABOUTME: Email inbound strategy: threading headers, subject and body

package inbound

import (
	"context"
	"fmt"

	"github.com/2389/coven-inbox/internal/conversation"
	"github.com/2389/coven-inbox/internal/normalize"
)

// EmailHandler processes EmailPayload deliveries.
type EmailHandler struct {
	base *Base
}

// NewEmailHandler creates the email strategy.
func NewEmailHandler(base *Base) *EmailHandler {
	return &EmailHandler{base: base}
}

func (h *EmailHandler) Channel() string { return normalize.ChannelEmail }

// Process runs the shared steps with email threading signals.
func (h *EmailHandler) Process(ctx context.Context, p Payload) (Result, error) {
	e, ok := p.(*EmailPayload)
	if !ok {
		return Result{}, fmt.Errorf("%w: %T", ErrPayloadType, p)
	}

	meta := make(map[string]any, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		meta[k] = v
	}
	headers := map[string]any{}
	if e.MessageID != "" {
		headers["message_id"] = e.MessageID
	}
	if e.InReplyTo != "" {
		headers["in_reply_to"] = e.InReplyTo
	}
	if len(e.References) > 0 {
		headers["references"] = e.References
	}
	if e.To != "" {
		headers["to"] = e.To
	}
	if len(headers) > 0 {
		meta["email"] = headers
	}
	if len(meta) == 0 {
		meta = nil
	}

	return h.base.process(ctx, p, content{
		Subject:           e.Subject,
		Body:              e.Body,
		ProviderID:        e.MessageID,
		ReplyToExternalID: e.InReplyTo,
		Metadata:          meta,
		Thread: &conversation.EmailThread{
			MessageID:      e.MessageID,
			InReplyTo:      e.InReplyTo,
			References:     e.References,
			ConversationID: e.ConversationID,
			Subject:        e.Subject,
		},
	})
}
