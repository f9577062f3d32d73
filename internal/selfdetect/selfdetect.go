// ABOUTME: Decides whether an inbound delivery is the business's own message echoed back
// ABOUTME: Metadata flags first, then channel-specific identity checks against connector config

package selfdetect

import (
	"fmt"
	"strings"

	"github.com/2389/coven-inbox/internal/normalize"
)

// Connector is the slice of a channel target's configuration consulted when
// deciding whether a sender is the business itself.
type Connector struct {
	AuthConfig map[string]any
	Metadata   map[string]any
}

var selfFlagKeys = []string{"is_echo", "from_me", "sent_by_business"}

var selfSenderTypes = map[string]bool{
	"business": true,
	"agent":    true,
	"system":   true,
	"page":     true,
	"company":  true,
}

var selfDirections = map[string]bool{
	"outbound": true,
	"sent":     true,
	"business": true,
}

var emailSelfKeys = []string{"username", "from_email", "email"}
var smtpSelfKeys = []string{"username", "from_email", "from"}

var businessNumberKeys = []string{"display_phone_number", "business_number", "from_number", "phone_number"}

// IsSelfMessage reports whether an inbound message originated from the
// business account. The first matching check wins.
func IsSelfMessage(channelType, senderAddress string, metadata map[string]any, conn Connector) bool {
	if hasSelfFlag(metadata) {
		return true
	}
	switch channelType {
	case normalize.ChannelEmail:
		return isSelfEmail(senderAddress, conn)
	case normalize.ChannelWhatsApp:
		return isSelfWhatsApp(senderAddress, metadata, conn)
	default:
		return false
	}
}

func hasSelfFlag(metadata map[string]any) bool {
	if len(metadata) == 0 {
		return false
	}
	for _, k := range selfFlagKeys {
		if truthy(metadata[k]) {
			return true
		}
	}
	for _, k := range []string{"sender_type", "author_type"} {
		if selfSenderTypes[lowerString(metadata[k])] {
			return true
		}
	}
	return selfDirections[lowerString(metadata["direction"])]
}

// SelfEmailAddresses collects the normalized addresses the connector sends
// from. An empty set means self-detection by address never matches.
func SelfEmailAddresses(conn Connector) map[string]bool {
	set := make(map[string]bool)
	add := func(v any) {
		if s, ok := v.(string); ok {
			if addr, ok := normalize.EmailAddress(s); ok {
				set[addr] = true
			}
		}
	}
	for _, src := range []map[string]any{conn.AuthConfig, conn.Metadata} {
		for _, k := range emailSelfKeys {
			add(src[k])
		}
		if smtp, ok := src["smtp"].(map[string]any); ok {
			for _, k := range smtpSelfKeys {
				add(smtp[k])
			}
		}
	}
	return set
}

func isSelfEmail(sender string, conn Connector) bool {
	addr, ok := normalize.EmailAddress(sender)
	if !ok {
		return false
	}
	self := SelfEmailAddresses(conn)
	if len(self) == 0 {
		return false
	}
	return self[addr]
}

// BusinessNumber returns the first business phone number found in the
// payload metadata, then connector metadata, then connector auth config.
func BusinessNumber(metadata map[string]any, conn Connector) (string, bool) {
	for _, src := range []map[string]any{metadata, conn.Metadata, conn.AuthConfig} {
		for _, k := range businessNumberKeys {
			raw := stringify(src[k])
			if raw == "" {
				continue
			}
			if n, ok := normalize.PhoneAddress(raw); ok {
				return n, true
			}
		}
	}
	return "", false
}

func isSelfWhatsApp(sender string, metadata map[string]any, conn Connector) bool {
	from, ok := normalize.PhoneAddress(sender)
	if !ok {
		return false
	}
	business, ok := BusinessNumber(metadata, conn)
	if !ok {
		return false
	}
	return from == business
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "", "0", "false", "no", "off":
			return false
		}
		return true
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}

func lowerString(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// stringify accepts numbers too; providers sometimes send phone numbers as JSON numbers.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return fmt.Sprint(t)
	}
}
