// ABOUTME: Tests for the reply send policy

package sendpolicy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDecideSendMessage(t *testing.T) {
	tests := []struct {
		name       string
		in         Input
		allowed    bool
		target     string
		reasonPart string
	}{
		{
			name:    "no prior inbound allows any channel",
			in:      Input{RequestedChannel: "email", RequestedTarget: "support"},
			allowed: true,
			target:  "support",
		},
		{
			name:       "channel mismatch denies",
			in:         Input{RequestedChannel: "email", LastInboundChannel: "whatsapp"},
			reasonPart: ReasonChannelMismatch,
		},
		{
			name:       "different target denies",
			in:         Input{RequestedChannel: "whatsapp", RequestedTarget: "wa-2", LastInboundChannel: "whatsapp", LastInboundTarget: "wa-1"},
			target:     "wa-2",
			reasonPart: ReasonTargetMismatch,
		},
		{
			name:    "missing target adopts the inbound one",
			in:      Input{RequestedChannel: "whatsapp", LastInboundChannel: "whatsapp", LastInboundTarget: "wa-1"},
			allowed: true,
			target:  "wa-1",
		},
		{
			name:    "matching target allowed",
			in:      Input{RequestedChannel: "email", RequestedTarget: "support", LastInboundChannel: "email", LastInboundTarget: "support"},
			allowed: true,
			target:  "support",
		},
		{
			name:       "meta channel without inbound timestamp denies",
			in:         Input{RequestedChannel: "instagram_dm", Now: "2024-01-02T00:00:00Z"},
			reasonPart: ReasonMetaWindow,
		},
		{
			name: "meta channel inside window allowed",
			in: Input{
				RequestedChannel:      "facebook_messenger",
				LastInboundChannel:    "facebook_messenger",
				LastInboundReceivedAt: "2024-01-01T01:00:00Z",
				Now:                   "2024-01-02T00:59:59Z",
			},
			allowed: true,
		},
		{
			name: "meta channel at exactly 24h allowed",
			in: Input{
				RequestedChannel:      "facebook_messenger",
				LastInboundChannel:    "facebook_messenger",
				LastInboundReceivedAt: "2024-01-01T00:00:00Z",
				Now:                   "2024-01-02T00:00:00Z",
			},
			allowed: true,
		},
		{
			name: "meta channel past 24h denies",
			in: Input{
				RequestedChannel:      "instagram_dm",
				LastInboundChannel:    "instagram_dm",
				LastInboundReceivedAt: "2024-01-01T00:00:00Z",
				Now:                   "2024-01-02T00:00:01Z",
			},
			reasonPart: ReasonMetaWindow,
		},
		{
			name: "naive timestamp treated as UTC",
			in: Input{
				RequestedChannel:      "instagram_dm",
				LastInboundChannel:    "instagram_dm",
				LastInboundReceivedAt: "2024-01-01 12:00:00",
				Now:                   "2024-01-02T13:30:00+02:00",
			},
			allowed: true,
		},
		{
			name: "unparseable inbound timestamp fails closed",
			in: Input{
				RequestedChannel:      "instagram_dm",
				LastInboundChannel:    "instagram_dm",
				LastInboundReceivedAt: "yesterday",
				Now:                   "2024-01-02T00:00:00Z",
			},
			reasonPart: ReasonMetaWindow,
		},
		{
			name: "unparseable now fails closed",
			in: Input{
				RequestedChannel:      "facebook_messenger",
				LastInboundChannel:    "facebook_messenger",
				LastInboundReceivedAt: "2024-01-01T00:00:00Z",
				Now:                   "",
			},
			reasonPart: ReasonMetaWindow,
		},
		{
			name:    "non-meta channel ignores window",
			in:      Input{RequestedChannel: "whatsapp", LastInboundChannel: "whatsapp", LastInboundReceivedAt: "2020-01-01T00:00:00Z", Now: "2024-01-01T00:00:00Z"},
			allowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := DecideSendMessage(tt.in)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.in.RequestedChannel, d.Channel)
			if tt.target != "" {
				assert.Equal(t, tt.target, d.Target)
			}
			if tt.allowed {
				assert.Empty(t, d.Reason)
			} else {
				assert.Contains(t, d.Reason, tt.reasonPart)
			}
		})
	}
}

func TestMetaWindowBoundarySweep(t *testing.T) {
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	for _, channel := range []string{"facebook_messenger", "instagram_dm"} {
		for offset := -2 * time.Hour; offset <= 2*time.Hour; offset += 15 * time.Minute {
			elapsed := MetaReplyWindow + offset
			d := DecideSendMessage(Input{
				RequestedChannel:      channel,
				LastInboundChannel:    channel,
				LastInboundReceivedAt: FormatTimestamp(base),
				Now:                   FormatTimestamp(base.Add(elapsed)),
			})
			if elapsed <= MetaReplyWindow {
				assert.True(t, d.Allowed, "%s after %s", channel, elapsed)
			} else {
				assert.False(t, d.Allowed, "%s after %s", channel, elapsed)
				assert.Contains(t, d.Reason, "Meta reply window expired")
			}
		}
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	for _, s := range []string{
		"2024-01-01T12:00:00Z",
		"2024-01-01T14:00:00+02:00",
		"2024-01-01T12:00:00",
		"2024-01-01 12:00:00",
		"2024-01-01T12:00:00.000000000Z",
	} {
		got, err := ParseTimestamp(s)
		if assert.NoError(t, err, s) {
			assert.True(t, want.Equal(got), s)
		}
	}

	_, err := ParseTimestamp("01/01/2024")
	assert.Error(t, err)
}
