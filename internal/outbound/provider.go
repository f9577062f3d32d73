// ABOUTME: Provider abstraction for delivering an outbound message on one channel

package outbound

import (
	"context"

	"github.com/2389/coven-inbox/internal/store"
)

// Message is what a provider delivers.
type Message struct {
	ChannelType string
	To          string
	Subject     string
	Body        string // markdown for email, plain text elsewhere
	InReplyTo   string // provider id of the message being answered
	References  []string
	Target      *store.ChannelTarget // nil when the channel has no configured target
}

// Provider delivers messages for one channel.
type Provider interface {
	// Name identifies the provider for circuit breaking and logs.
	Name() string
	// Send delivers msg and returns the provider-assigned id, if any.
	Send(ctx context.Context, msg Message) (string, error)
}
