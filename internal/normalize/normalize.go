// ABOUTME: Canonical forms for channel addresses and provider-assigned message ids
// ABOUTME: Email case-folding, phone digit-stripping, bounded external ids

package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// MaxExternalIDLength is the longest external id stored verbatim. Longer ids
// are replaced by their SHA-256 hex digest so the unique index stays bounded.
const MaxExternalIDLength = 120

// Channel types understood by the engine.
const (
	ChannelEmail             = "email"
	ChannelWhatsApp          = "whatsapp"
	ChannelFacebookMessenger = "facebook_messenger"
	ChannelInstagramDM       = "instagram_dm"
)

// EmailAddress trims and lower-cases addr. The second return value is false
// when nothing is left.
func EmailAddress(addr string) (string, bool) {
	v := strings.ToLower(strings.TrimSpace(addr))
	if v == "" {
		return "", false
	}
	return v, true
}

// PhoneAddress keeps only the digits of addr and prefixes them with "+".
// Two phone addresses identify the same person iff their normalized forms
// are equal.
func PhoneAddress(addr string) (string, bool) {
	var b strings.Builder
	b.Grow(len(addr) + 1)
	b.WriteByte('+')
	for _, r := range addr {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 1 {
		return "", false
	}
	return b.String(), true
}

// Address normalizes addr according to the conventions of channelType.
// Channels without a phone or email identity are only trimmed.
func Address(channelType, addr string) (string, bool) {
	switch channelType {
	case ChannelEmail:
		return EmailAddress(addr)
	case ChannelWhatsApp:
		return PhoneAddress(addr)
	default:
		v := strings.TrimSpace(addr)
		return v, v != ""
	}
}

// ExternalID trims raw and, if the result is longer than MaxExternalIDLength,
// replaces it with the hex SHA-256 digest of the raw value.
func ExternalID(raw string) string {
	v := strings.TrimSpace(raw)
	if len(v) > MaxExternalIDLength {
		sum := sha256.Sum256([]byte(raw))
		return hex.EncodeToString(sum[:])
	}
	return v
}
