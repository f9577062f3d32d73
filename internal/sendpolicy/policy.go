// ABOUTME: Pure decision on whether an agent reply may go out on a channel and target
// ABOUTME: Enforces reply-channel affinity and the Meta 24-hour session window

package sendpolicy

import (
	"strings"
	"time"

	"github.com/2389/coven-inbox/internal/normalize"
)

// MetaReplyWindow is how long after the customer's last message a Meta
// channel accepts free-form replies.
const MetaReplyWindow = 24 * time.Hour

// Denial reasons.
const (
	ReasonChannelMismatch = "Reply channel does not match the originating channel"
	ReasonTargetMismatch  = "Reply channel target does not match the originating channel"
	ReasonMetaWindow      = "Meta reply window expired"
)

// Input describes a requested reply and the conversation's last inbound message.
// Timestamps are strings as stored or received: RFC 3339 with or without a
// zone, or "2006-01-02 15:04:05". Values without a zone are UTC.
type Input struct {
	ConversationID        string
	PersonID              string
	RequestedChannel      string
	RequestedTarget       string
	LastInboundChannel    string // empty when there was no inbound message
	LastInboundTarget     string
	LastInboundReceivedAt string
	Now                   string
}

// Decision is the outcome. Channel and Target echo the resolved values.
type Decision struct {
	Allowed bool
	Channel string
	Target  string
	Reason  string
}

// IsMetaChannel reports whether channel enforces the Meta session window.
func IsMetaChannel(channel string) bool {
	return channel == normalize.ChannelFacebookMessenger || channel == normalize.ChannelInstagramDM
}

// DecideSendMessage applies the reply rules in order. It does no I/O.
func DecideSendMessage(in Input) Decision {
	d := Decision{Channel: in.RequestedChannel, Target: in.RequestedTarget}

	if in.LastInboundChannel != "" {
		if in.LastInboundChannel != in.RequestedChannel {
			return deny(d, ReasonChannelMismatch)
		}
		if in.LastInboundTarget != "" {
			if d.Target != "" && d.Target != in.LastInboundTarget {
				return deny(d, ReasonTargetMismatch)
			}
			d.Target = in.LastInboundTarget
		}
	}

	if IsMetaChannel(in.RequestedChannel) && !withinWindow(in.LastInboundReceivedAt, in.Now, MetaReplyWindow) {
		return deny(d, ReasonMetaWindow)
	}

	d.Allowed = true
	return d
}

func deny(d Decision, reason string) Decision {
	d.Allowed = false
	d.Reason = reason
	return d
}

// withinWindow fails closed: a missing or unparseable timestamp is outside.
func withinWindow(last, now string, window time.Duration) bool {
	if strings.TrimSpace(last) == "" {
		return false
	}
	lastAt, err := ParseTimestamp(last)
	if err != nil {
		return false
	}
	nowAt, err := ParseTimestamp(now)
	if err != nil {
		return false
	}
	return nowAt.Sub(lastAt) <= window
}

var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses the accepted timestamp forms. Values without a zone
// are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var firstErr error
	for _, layout := range layouts {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return t.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

// FormatTimestamp renders t in the form ParseTimestamp reads first.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
