// ABOUTME: The three outcomes of processing an inbound payload
// ABOUTME: Proceed carries the message to persist; Duplicate and Skip are no-ops

package inbound

import (
	"github.com/2389/coven-inbox/internal/dedupe"
	"github.com/2389/coven-inbox/internal/store"
)

// Kind tags a Result.
type Kind int

const (
	KindProceed Kind = iota + 1
	KindDuplicate
	KindSkip
)

func (k Kind) String() string {
	switch k {
	case KindProceed:
		return "proceed"
	case KindDuplicate:
		return "duplicate"
	case KindSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// Skip reasons.
const (
	ReasonSelfMessage = "self_message"
)

// Result is what a channel handler decided. Only the fields of its Kind are set.
type Result struct {
	Kind    Kind
	Channel string

	// Proceed: the assembled message and the conversation it joins.
	// Duplicate: Message is the previously stored message.
	Conversation    *store.Conversation
	Message         *store.Message
	ChannelTargetID string
	Dedupe          dedupe.Decision

	// Skip
	Reason string
}

// Proceed builds a Result for a new message.
func Proceed(conv *store.Conversation, msg *store.Message, targetID string, d dedupe.Decision) Result {
	return Result{
		Kind:            KindProceed,
		Channel:         msg.ChannelType,
		Conversation:    conv,
		Message:         msg,
		ChannelTargetID: targetID,
		Dedupe:          d,
	}
}

// Duplicate builds a Result for an already ingested message.
func Duplicate(existing *store.Message) Result {
	return Result{Kind: KindDuplicate, Channel: existing.ChannelType, Message: existing}
}

// Skip builds a Result for a payload that must not be ingested.
func Skip(channel, reason string) Result {
	return Result{Kind: KindSkip, Channel: channel, Reason: reason}
}

// ConversationID returns the conversation of a Proceed or Duplicate result.
func (r Result) ConversationID() string {
	if r.Conversation != nil {
		return r.Conversation.ID
	}
	if r.Message != nil {
		return r.Message.ConversationID
	}
	return ""
}

// metricStatus is the status label recorded for the result.
func (r Result) metricStatus() string {
	switch r.Kind {
	case KindProceed:
		return "success"
	case KindDuplicate:
		return "duplicate"
	case KindSkip:
		return r.Reason
	default:
		return "error"
	}
}
