// Package sendpolicy decides whether an outbound reply is permitted.
//
// DecideSendMessage is pure. Rules, in order: the reply must use the channel
// of the last inbound message; a requested target must match the inbound
// target, and a missing one adopts it; Meta channels (facebook_messenger,
// instagram_dm) require the last inbound message within 24 hours. Missing or
// unparseable timestamps fail closed.
package sendpolicy
