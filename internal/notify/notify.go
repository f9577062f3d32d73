// ABOUTME: Forwards conversation summaries to agents on external messaging systems
// ABOUTME: Matrix rooms and Slack channels per agent, fanned out by Multi

package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/coven-inbox/internal/store"
)

// ErrNoDestination is returned when an agent has no configured destination.
var ErrNoDestination = errors.New("no notification destination for agent")

// Notifier delivers a text to an agent.
type Notifier interface {
	Notify(ctx context.Context, agentID, text string) error
}

// Multi delivers to every notifier and joins their errors. Agents without a
// destination on one notifier are not an error.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, agentID, text string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, agentID, text); err != nil && !errors.Is(err, ErrNoDestination) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const previewLength = 280

// RenderSummary is the text sent for a new inbound message.
func RenderSummary(conv *store.Conversation, msg *store.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "New %s message from %s", conv.ChannelType, msg.ContactAddress)
	if msg.Subject != "" {
		fmt.Fprintf(&b, ": %s", msg.Subject)
	}
	b.WriteString("\n")

	body := strings.TrimSpace(msg.Body)
	if r := []rune(body); len(r) > previewLength {
		body = string(r[:previewLength]) + "…"
	}
	if body != "" {
		b.WriteString(body)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Conversation %s (%s)", conv.ID, conv.Status)
	return b.String()
}

func destination(routes map[string]string, fallback, agentID string) (string, error) {
	if d, ok := routes[agentID]; ok && d != "" {
		return d, nil
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoDestination, agentID)
}
