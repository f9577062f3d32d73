package normalize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmailAddress(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"  Alice@Example.COM ", "alice@example.com", true},
		{"bob@example.com", "bob@example.com", true},
		{"   ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := EmailAddress(tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
		assert.Equal(t, tt.wantOK, ok, "input %q", tt.in)
	}
}

func TestPhoneAddress(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"+1 (555) 123-4567", "+15551234567", true},
		{"15551234567", "+15551234567", true},
		{"whatsapp:+44 20 7946 0958", "+442079460958", true},
		{"no digits", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := PhoneAddress(tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
		assert.Equal(t, tt.wantOK, ok, "input %q", tt.in)
	}
}

func TestPhoneAddress_SameIdentity(t *testing.T) {
	a, _ := PhoneAddress("+1 (555) 123-4567")
	b, _ := PhoneAddress("1-555-123-4567")
	assert.Equal(t, a, b)
}

func TestAddress_DispatchesByChannel(t *testing.T) {
	v, ok := Address(ChannelEmail, " X@Y.io")
	assert.True(t, ok)
	assert.Equal(t, "x@y.io", v)

	v, ok = Address(ChannelWhatsApp, "+1 555 000 1111")
	assert.True(t, ok)
	assert.Equal(t, "+15550001111", v)

	v, ok = Address("sms", "  handle ")
	assert.True(t, ok)
	assert.Equal(t, "handle", v)
}

func TestExternalID(t *testing.T) {
	assert.Equal(t, "wamid.ABC", ExternalID("  wamid.ABC  "))
	assert.Equal(t, "", ExternalID("   "))

	long := strings.Repeat("x", MaxExternalIDLength+1)
	got := ExternalID(long)
	assert.Len(t, got, 64)
	assert.Equal(t, got, ExternalID(long), "hashing must be deterministic")

	exact := strings.Repeat("y", MaxExternalIDLength)
	assert.Equal(t, exact, ExternalID(exact))
}
