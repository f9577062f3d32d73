// ABOUTME: Typed webhook payloads per channel behind one Payload interface
// ABOUTME: The pipeline reads only the shared accessors; strategies read the rest

package inbound

import (
	"time"

	"github.com/2389/coven-inbox/internal/normalize"
)

// Payload is what every channel webhook delivers to the pipeline.
type Payload interface {
	Channel() string
	ContactAddress() string
	ContactName() string
	// ReceivedAt is zero when the provider did not supply a timestamp.
	ReceivedAt() time.Time
	TargetID() string
	Meta() map[string]any
}

// EmailPayload is an inbound email as posted by the mail connector.
type EmailPayload struct {
	From            string         `json:"from"`
	FromName        string         `json:"from_name,omitempty"`
	To              string         `json:"to,omitempty"`
	Subject         string         `json:"subject,omitempty"`
	Body            string         `json:"body"`
	MessageID       string         `json:"message_id,omitempty"`
	InReplyTo       string         `json:"in_reply_to,omitempty"`
	References      []string       `json:"references,omitempty"`
	ConversationID  string         `json:"x_conversation_id,omitempty"`
	ChannelTargetID string         `json:"channel_target_id,omitempty"`
	Received        time.Time      `json:"received_at,omitzero"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

func (p *EmailPayload) Channel() string        { return normalize.ChannelEmail }
func (p *EmailPayload) ContactAddress() string { return p.From }
func (p *EmailPayload) ContactName() string    { return p.FromName }
func (p *EmailPayload) ReceivedAt() time.Time  { return p.Received }
func (p *EmailPayload) TargetID() string       { return p.ChannelTargetID }
func (p *EmailPayload) Meta() map[string]any   { return p.Metadata }

// WhatsAppPayload is an inbound WhatsApp message from the bridge or Cloud API relay.
type WhatsAppPayload struct {
	From            string         `json:"from"`
	ProfileName     string         `json:"profile_name,omitempty"`
	MessageID       string         `json:"message_id,omitempty"`
	Body            string         `json:"body"`
	ReplyToID       string         `json:"context_message_id,omitempty"`
	ChannelTargetID string         `json:"channel_target_id,omitempty"`
	Timestamp       time.Time      `json:"timestamp,omitzero"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

func (p *WhatsAppPayload) Channel() string        { return normalize.ChannelWhatsApp }
func (p *WhatsAppPayload) ContactAddress() string { return p.From }
func (p *WhatsAppPayload) ContactName() string    { return p.ProfileName }
func (p *WhatsAppPayload) ReceivedAt() time.Time  { return p.Timestamp }
func (p *WhatsAppPayload) TargetID() string       { return p.ChannelTargetID }
func (p *WhatsAppPayload) Meta() map[string]any   { return p.Metadata }
