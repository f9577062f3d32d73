// Package dedupe decides the external id an inbound message is stored under
// and detects redelivery of a message that was already ingested.
//
// Channels with native message ids (WhatsApp) keep them and are deduplicated
// per channel target. Without a native id, a SHA-256 fingerprint over the
// message content and its receive second stands in, and is checked across
// every target because one email can reach several configured inboxes.
package dedupe
