// Package inbound turns channel webhook payloads into stored messages.
//
// Each channel has a Handler (EmailHandler, WhatsAppHandler) whose Process
// method returns one of three results:
//
//   - Proceed: a new message and the conversation it joins
//   - Duplicate: the message was already ingested
//   - Skip: the payload must not be ingested, e.g. self_message
//
// Handlers share Base, which resolves the channel target, runs
// self-detection, finds or creates the contact, checks for duplicates and
// resolves the conversation. No writes to messages happen there.
//
// Pipeline.Ingest persists a Proceed result and touches the conversation in
// one transaction. A unique violation at that point is reported as
// Duplicate. After commit, registered AfterCommit hooks run in order; their
// errors and panics are logged and swallowed. Every outcome increments
// inbound_messages_total and observes the processing histogram.
package inbound
