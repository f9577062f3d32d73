// ABOUTME: WhatsApp inbound strategy: provider message ids scoped per business number

package inbound

import (
	"context"
	"fmt"

	"github.com/2389/coven-inbox/internal/normalize"
)

// WhatsAppHandler processes WhatsAppPayload deliveries.
type WhatsAppHandler struct {
	base *Base
}

// NewWhatsAppHandler creates the WhatsApp strategy.
func NewWhatsAppHandler(base *Base) *WhatsAppHandler {
	return &WhatsAppHandler{base: base}
}

func (h *WhatsAppHandler) Channel() string { return normalize.ChannelWhatsApp }

// Process runs the shared steps. WhatsApp has no subject or threading headers.
func (h *WhatsAppHandler) Process(ctx context.Context, p Payload) (Result, error) {
	w, ok := p.(*WhatsAppPayload)
	if !ok {
		return Result{}, fmt.Errorf("%w: %T", ErrPayloadType, p)
	}
	return h.base.process(ctx, p, content{
		Body:              w.Body,
		ProviderID:        w.MessageID,
		ReplyToExternalID: w.ReplyToID,
		Metadata:          w.Metadata,
	})
}
