// Package conversation resolves inbound messages to conversations and owns
// the conversation status lifecycle.
//
// # Status Machine
//
// States are open, pending, snoozed and resolved:
//
//	open     -> open, pending, snoozed, resolved
//	pending  -> pending, open, snoozed, resolved
//	snoozed  -> snoozed, open, pending, resolved
//	resolved -> resolved, open
//
// ValidateTransition is a pure check. Service.Transition stores the change
// only when it is allowed and otherwise returns *TransitionDeniedError.
//
// # Resolution
//
// Service.Resolve finds the most recently updated open, pending or snoozed
// conversation for a (person, channel) pair and creates one if none exists.
// Email tries threading signals first:
//
//  1. X-Conversation-ID header
//  2. [#conv:<id>] token in the subject
//  3. In-Reply-To, References and Message-Id matched against stored messages
//
// When an email joins an existing conversation without any of these, the
// conversation metadata gets a warnings entry of type
// email_reply_without_headers. Inactive or resolved matches are reopened
// through Service.Reactivate, which sets is_active and status together.
//
// # Event Broadcasting
//
// EventBroadcaster is a non-blocking in-process pub/sub keyed by topic.
// Conversation IDs receive new_message and conversation_summary events;
// InboxTopic receives inbox_updated for every change.
package conversation
