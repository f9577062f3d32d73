// ABOUTME: Derives the stable external id for an inbound message and its dedupe scope
// ABOUTME: Native provider ids are kept; missing ids become a content fingerprint

package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/2389/coven-inbox/internal/normalize"
)

// Input carries the fields of an inbound message that identify it.
type Input struct {
	ChannelType    string
	ContactAddress string
	Subject        string
	Body           string
	ReceivedAt     time.Time
	MessageID      string // provider-assigned id, may be empty
	SourceID       string // channel target the message arrived on
}

// Decision is the external id to store and how widely to look for it.
type Decision struct {
	MessageID string
	// AcrossTargets is true for fingerprinted ids: the same email may be
	// observed by more than one configured inbox.
	AcrossTargets bool
}

// Decide returns the provider id when there is one, scoped to its channel
// target. Otherwise it returns a content fingerprint checked across targets.
func Decide(in Input) Decision {
	if id := normalize.ExternalID(in.MessageID); id != "" {
		return Decision{MessageID: id, AcrossTargets: false}
	}
	return Decision{MessageID: Fingerprint(in), AcrossTargets: true}
}

// Fingerprint hashes channel, source, normalized address, subject, body and
// the receive time truncated to whole seconds. Identical resends within the
// same second produce the same 64-character hex id.
func Fingerprint(in Input) string {
	addr, ok := normalize.Address(in.ChannelType, in.ContactAddress)
	if !ok {
		addr = strings.TrimSpace(in.ContactAddress)
	}

	var ts string
	if !in.ReceivedAt.IsZero() {
		ts = strconv.FormatInt(in.ReceivedAt.UTC().Unix(), 10)
	}

	raw := strings.Join([]string{
		in.ChannelType,
		in.SourceID,
		addr,
		in.Subject,
		in.Body,
		ts,
	}, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
