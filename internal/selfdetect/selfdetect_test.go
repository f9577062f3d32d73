package selfdetect

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSelfMessage_FromMeAlwaysWins(t *testing.T) {
	meta := map[string]any{"from_me": true}
	for _, ch := range []string{"email", "whatsapp", "instagram_dm", "unknown"} {
		assert.True(t, IsSelfMessage(ch, "someone@example.com", meta, Connector{}), ch)
		assert.True(t, IsSelfMessage(ch, "", meta, Connector{}), ch)
	}
}

func TestIsSelfMessage_MetadataFlags(t *testing.T) {
	tests := []struct {
		name string
		meta map[string]any
		want bool
	}{
		{"is_echo", map[string]any{"is_echo": true}, true},
		{"sent_by_business string", map[string]any{"sent_by_business": "true"}, true},
		{"from_me false", map[string]any{"from_me": false}, false},
		{"from_me string false", map[string]any{"from_me": "false"}, false},
		{"sender_type page", map[string]any{"sender_type": "Page"}, true},
		{"author_type agent", map[string]any{"author_type": "agent"}, true},
		{"sender_type customer", map[string]any{"sender_type": "customer"}, false},
		{"direction outbound", map[string]any{"direction": "outbound"}, true},
		{"direction inbound", map[string]any{"direction": "inbound"}, false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSelfMessage("facebook_messenger", "psid-1", tt.meta, Connector{}))
		})
	}
}

func TestIsSelfMessage_Email(t *testing.T) {
	conn := Connector{
		AuthConfig: map[string]any{"username": "Support@Acme.io"},
		Metadata: map[string]any{
			"smtp": map[string]any{"from": "noreply@acme.io"},
		},
	}
	assert.True(t, IsSelfMessage("email", " support@acme.io ", nil, conn))
	assert.True(t, IsSelfMessage("email", "NOREPLY@acme.io", nil, conn))
	assert.False(t, IsSelfMessage("email", "alice@example.com", nil, conn))
}

func TestIsSelfMessage_EmailWithoutSelfAddressesFailsOpen(t *testing.T) {
	assert.False(t, IsSelfMessage("email", "support@acme.io", nil, Connector{}))
}

func TestIsSelfMessage_WhatsAppBusinessNumberOrder(t *testing.T) {
	conn := Connector{
		AuthConfig: map[string]any{"phone_number": "+1 555 999 0000"},
		Metadata:   map[string]any{"business_number": "+1 (555) 123-4567"},
	}
	// connector metadata beats auth config
	assert.True(t, IsSelfMessage("whatsapp", "15551234567", nil, conn))
	assert.False(t, IsSelfMessage("whatsapp", "15559990000", nil, conn))

	// payload metadata beats connector metadata
	meta := map[string]any{"display_phone_number": "15559990000"}
	assert.True(t, IsSelfMessage("whatsapp", "+1 555 999 0000", meta, conn))

	// numeric JSON values are accepted
	meta = map[string]any{"display_phone_number": float64(15550001111)}
	assert.True(t, IsSelfMessage("whatsapp", "+15550001111", meta, Connector{}))
}

func TestIsSelfMessage_WhatsAppNoBusinessNumber(t *testing.T) {
	assert.False(t, IsSelfMessage("whatsapp", "+15551234567", nil, Connector{}))
}

func TestIsSelfMessage_OtherChannelsNeverMatchByIdentity(t *testing.T) {
	conn := Connector{AuthConfig: map[string]any{"username": "page-1"}}
	assert.False(t, IsSelfMessage("instagram_dm", "page-1", nil, conn))
}

func TestSelfEmailAddresses(t *testing.T) {
	conn := Connector{
		AuthConfig: map[string]any{
			"from_email": "A@x.io",
			"smtp":       map[string]any{"username": "b@x.io", "from_email": "c@x.io"},
		},
		Metadata: map[string]any{"email": "d@x.io", "username": 42},
	}
	got := SelfEmailAddresses(conn)
	assert.Equal(t, map[string]bool{"a@x.io": true, "b@x.io": true, "c@x.io": true, "d@x.io": true}, got)
}
